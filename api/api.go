// Package api is the HTTP and websocket surface of the orchestrator. It
// wires a chi router over the component packages: run execution and control
// through the registry, robot and version management over the store and the
// artifact manager, environment values through the envstore, schedule and SLA
// writes through the schedule manager, fleet operations through ops, and the
// live log stream through the runlog streamer.
//
// Every route under /api/v1 requires a bearer token; the websocket endpoint
// authenticates through its token query parameter instead, because browsers
// cannot set headers on websocket dials. Domain errors map to status codes in
// one place (statusFor) so handlers return errors instead of writing them.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/artifact"
	"github.com/botfleet/orchestrator/envstore"
	"github.com/botfleet/orchestrator/identity"
	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/ops"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/runlog"
	"github.com/botfleet/orchestrator/schedule"
	"github.com/botfleet/orchestrator/store"
)

type (
	// Options configures the API.
	Options struct {
		// Registry creates and controls runs. Required.
		Registry *registry.Registry
		// Store is the relational source of truth. Required.
		Store *store.Store
		// Schedules serves schedule and SLA rule writes. Required.
		Schedules *schedule.Manager
		// Env is the robot environment value surface. Required.
		Env *envstore.Manager
		// Ops serves the fleet operations surface. Required.
		Ops *ops.Ops
		// Artifacts stores uploaded version bundles. Required.
		Artifacts *artifact.Manager
		// Streamer bridges run log channels to websocket clients. Required.
		Streamer *runlog.Streamer
		// Verifier authenticates bearer tokens. Required.
		Verifier *identity.Verifier
		// Metrics refreshes the queue depth gauge from the ops status
		// endpoint. Optional.
		Metrics *metrics.Metrics
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// API serves the orchestrator's HTTP routes.
	API struct {
		registry  *registry.Registry
		store     *store.Store
		schedules *schedule.Manager
		env       *envstore.Manager
		ops       *ops.Ops
		artifacts *artifact.Manager
		streamer  *runlog.Streamer
		verifier  *identity.Verifier
		metrics   *metrics.Metrics
		now       func() time.Time
	}

	// errorBody is the JSON error envelope.
	errorBody struct {
		Detail string `json:"detail"`
	}
)

// New constructs an API.
func New(opts Options) (*API, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Schedules == nil {
		return nil, errors.New("schedule manager is required")
	}
	if opts.Env == nil {
		return nil, errors.New("env manager is required")
	}
	if opts.Ops == nil {
		return nil, errors.New("ops is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("artifact manager is required")
	}
	if opts.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &API{
		registry:  opts.Registry,
		store:     opts.Store,
		schedules: opts.Schedules,
		env:       opts.Env,
		ops:       opts.Ops,
		artifacts: opts.Artifacts,
		streamer:  opts.Streamer,
		verifier:  opts.Verifier,
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

// Router builds the route table. The caller mounts it together with the
// metrics, health and debug handlers and wraps the whole thing with the HTTP
// log middleware.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Route("/runs", func(r chi.Router) {
			r.With(a.require(identity.PermRunRead)).Get("/", a.listRuns)
			r.With(a.require(identity.PermRobotRun)).Post("/{robotID}/execute", a.executeRobot)
			r.With(a.require(identity.PermRobotRun, identity.PermRunCancel)).Post("/{runID}/cancel", a.cancelRun)
			r.With(a.require(identity.PermRunRead)).Get("/{runID}", a.getRun)
			r.With(a.require(identity.PermRunRead)).Get("/{runID}/logs", a.runLogs)
			r.With(a.require(identity.PermRunRead)).Get("/{runID}/artifacts", a.listRunArtifacts)
			r.With(a.require(identity.PermArtifactDownload)).Get("/{runID}/artifacts/{artifactID}/download", a.downloadArtifact)
		})

		r.Route("/robots", func(r chi.Router) {
			r.With(a.require(identity.PermRobotPublish)).Post("/", a.createRobot)
			r.With(a.require(identity.PermRobotRead)).Get("/", a.listRobots)
			r.With(a.require(identity.PermRobotRead)).Get("/{robotID}", a.getRobot)
			r.With(a.require(identity.PermRobotPublish)).Patch("/{robotID}", a.updateRobot)
			r.With(a.require(identity.PermRobotPublish)).Delete("/{robotID}", a.deleteRobot)

			r.With(a.require(identity.PermRobotPublish)).Post("/{robotID}/versions", a.publishVersion)
			r.With(a.require(identity.PermRobotRead)).Get("/{robotID}/versions", a.listVersions)
			r.With(a.require(identity.PermRobotPublish)).Post("/{robotID}/versions/{versionID}/activate", a.activateVersion)

			r.With(a.require(identity.PermRobotPublish)).Get("/{robotID}/env/{envName}", a.listEnvVars)
			r.With(a.require(identity.PermRobotPublish)).Put("/{robotID}/env/{envName}", a.putEnvVars)
			r.With(a.require(identity.PermRobotPublish)).Delete("/{robotID}/env/{envName}/{key}", a.deleteEnvVar)

			r.With(a.require(identity.PermRobotPublish)).Post("/{robotID}/schedule", a.createSchedule)
			r.With(a.require(identity.PermRobotRead)).Get("/{robotID}/schedule", a.getSchedule)
			r.With(a.require(identity.PermRobotPublish)).Patch("/{robotID}/schedule", a.updateSchedule)
			r.With(a.require(identity.PermRobotPublish)).Delete("/{robotID}/schedule", a.deleteSchedule)

			r.With(a.require(identity.PermRobotPublish)).Post("/{robotID}/sla", a.createSlaRule)
			r.With(a.require(identity.PermRobotRead)).Get("/{robotID}/sla", a.getSlaRule)
			r.With(a.require(identity.PermRobotPublish)).Patch("/{robotID}/sla", a.updateSlaRule)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.With(a.require(identity.PermRunRead)).Get("/", a.listAlerts)
			r.With(a.require(identity.PermAdminManage)).Post("/{alertID}/resolve", a.resolveAlert)
		})

		r.Route("/ops", func(r chi.Router) {
			r.Use(a.require(identity.PermWorkerManage))
			r.Get("/status", a.opsStatus)
			r.Post("/workers/{name}/status", a.setWorkerStatus)
			r.Post("/requeue-orphans", a.requeueOrphans)
		})
	})

	r.Get("/ws/runs/{runID}/logs", a.streamRunLogs)

	return r
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, orchestrator.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrRobotNotFound),
		errors.Is(err, orchestrator.ErrVersionNotFound),
		errors.Is(err, orchestrator.ErrNoRunnableVersion),
		errors.Is(err, orchestrator.ErrRunNotFound),
		errors.Is(err, orchestrator.ErrScheduleNotFound),
		errors.Is(err, orchestrator.ErrSlaRuleNotFound),
		errors.Is(err, orchestrator.ErrAlertNotFound),
		errors.Is(err, orchestrator.ErrWorkerNotFound),
		errors.Is(err, orchestrator.ErrEnvVarNotFound),
		errors.Is(err, orchestrator.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotCancelable),
		errors.Is(err, orchestrator.ErrRobotExists),
		errors.Is(err, orchestrator.ErrVersionExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	}
	var verr *orchestrator.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	var menv *orchestrator.MissingEnvError
	if errors.As(err, &menv) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respond writes v as the JSON response body.
func (a *API) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// An encode failure here means the client went away mid-write.
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps err to its status and writes the error envelope. Internal errors
// are logged and their details withheld from the client.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf(r.Context(), err, "%s %s", r.Method, r.URL.Path)
		detail = "internal server error"
	}
	a.respond(w, status, errorBody{Detail: detail})
}

// decodeJSON reads the request body into dst. An empty body leaves dst at its
// zero value.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return &orchestrator.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// audit best-effort records a mutating API call under the calling principal.
func (a *API) audit(r *http.Request, action, entityType, entityID string, md orchestrator.Metadata) {
	ctx := r.Context()
	actor := "system"
	if p := principalFrom(ctx); p != nil {
		actor = p.Name()
	}
	err := a.store.InsertAudit(ctx, &orchestrator.AuditEvent{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   md,
	})
	if err != nil {
		log.Errorf(ctx, err, "audit %s for %s %s", action, entityType, entityID)
	}
}
