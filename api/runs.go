package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/store"
)

// maxLogPageSize caps the limit parameter of the run log read.
const maxLogPageSize = 5000

type (
	executeRequest struct {
		VersionID        string                `json:"version_id"`
		RuntimeArguments []string              `json:"runtime_arguments"`
		RuntimeEnv       map[string]string     `json:"runtime_env"`
		EnvName          string                `json:"env_name"`
		Parameters       orchestrator.Metadata `json:"parameters"`
	}

	runListResponse struct {
		Items []*orchestrator.Run `json:"items"`
		Total int                 `json:"total"`
	}
)

func (a *API) executeRobot(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	envName, err := orchestrator.ParseEnvName(req.EnvName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	actor := principalFrom(r.Context()).Name()
	run, err := a.registry.CreateRun(r.Context(), registry.CreateRunParams{
		RobotID:          chi.URLParam(r, "robotID"),
		RobotVersionID:   req.VersionID,
		RuntimeArguments: req.RuntimeArguments,
		RuntimeEnv:       req.RuntimeEnv,
		EnvName:          envName,
		TriggerType:      orchestrator.TriggerManual,
		Parameters:       req.Parameters,
		TriggeredBy:      &actor,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusAccepted, run)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	actor := principalFrom(r.Context()).Name()
	run, err := a.registry.RequestCancel(r.Context(), chi.URLParam(r, "runID"), actor)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, run)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.registry.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, run)
}

func (a *API) runLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}
	logs, err := a.registry.RunLogs(r.Context(), chi.URLParam(r, "runID"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []*orchestrator.RunLog{}
	}
	a.respond(w, http.StatusOK, logs)
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", 0)
	filter := store.RunFilter{
		RobotID:     q.Get("robot_id"),
		ServiceID:   q.Get("service_id"),
		TriggerType: orchestrator.TriggerType(strings.ToUpper(q.Get("trigger_type"))),
		Status:      orchestrator.RunStatus(strings.ToUpper(q.Get("status"))),
		Skip:        (page - 1) * pageSize,
		Limit:       pageSize,
	}
	runs, total, err := a.registry.ListRuns(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*orchestrator.Run{}
	}
	a.respond(w, http.StatusOK, runListResponse{Items: runs, Total: total})
}

func (a *API) listRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := a.registry.GetRun(r.Context(), runID); err != nil {
		a.fail(w, r, err)
		return
	}
	artifacts, err := a.store.ListArtifacts(r.Context(), runID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []*orchestrator.Artifact{}
	}
	a.respond(w, http.StatusOK, artifacts)
}

func (a *API) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := a.registry.GetRun(r.Context(), runID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	art, err := a.store.GetArtifact(r.Context(), runID, chi.URLParam(r, "artifactID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	f, err := os.Open(art.FilePath)
	if err != nil {
		a.respond(w, http.StatusNotFound, errorBody{Detail: "Artifact file not found on disk."})
		return
	}
	defer f.Close()

	a.audit(r, "artifact_downloaded", "artifact", art.ID, orchestrator.Metadata{
		"run_id":   runID,
		"robot_id": run.RobotID,
	})
	name := filepath.Base(art.FilePath)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(art.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	// A copy failure here means the client went away mid-download.
	_, _ = io.Copy(w, f)
}
