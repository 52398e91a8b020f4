package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/botfleet/orchestrator"
)

// defaultOrphanAge is how old a PENDING run must be before the requeue sweep
// treats its missing broker job as lost rather than in flight.
const defaultOrphanAge = 600 * time.Second

type (
	workerStatusRequest struct {
		Status string `json:"status"`
	}

	requeueRequest struct {
		OlderThanSeconds int `json:"older_than_seconds"`
	}

	requeueResponse struct {
		Requeued int `json:"requeued"`
	}
)

func (a *API) opsStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.ops.Status(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if a.metrics != nil {
		a.metrics.SetQueueDepth(status.QueueDepth)
	}
	a.respond(w, http.StatusOK, status)
}

func (a *API) setWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var req workerStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	actor := principalFrom(r.Context()).Name()
	worker, err := a.ops.SetWorkerStatus(r.Context(),
		chi.URLParam(r, "name"),
		orchestrator.WorkerStatus(strings.ToUpper(req.Status)),
		actor)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, worker)
}

func (a *API) requeueOrphans(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	olderThan := defaultOrphanAge
	if req.OlderThanSeconds > 0 {
		olderThan = time.Duration(req.OlderThanSeconds) * time.Second
	}
	actor := principalFrom(r.Context()).Name()
	n, err := a.ops.RequeueOrphans(r.Context(), olderThan, actor)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, requeueResponse{Requeued: n})
}
