package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/envstore"
)

// maxUploadMemory bounds how much of a version upload is buffered in memory
// before spilling to a temp file.
const maxUploadMemory = 32 << 20

type (
	robotCreateRequest struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}

	robotUpdateRequest struct {
		Description *string  `json:"description"`
		Tags        []string `json:"tags"`
	}

	robotListResponse struct {
		Items []*orchestrator.Robot `json:"items"`
		Total int                   `json:"total"`
	}

	envPutRequest struct {
		Items []envPutItem `json:"items"`
	}

	envPutItem struct {
		Key      string `json:"key"`
		Value    string `json:"value"`
		IsSecret bool   `json:"is_secret"`
	}

	envListResponse struct {
		Items []envstore.Entry `json:"items"`
	}
)

func (a *API) createRobot(w http.ResponseWriter, r *http.Request) {
	var req robotCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robot := &orchestrator.Robot{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Tags:        orchestrator.StringList(req.Tags),
	}
	if err := a.store.CreateRobot(r.Context(), robot); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "robot_created", "robot", robot.ID, orchestrator.Metadata{"name": robot.Name})
	a.respond(w, http.StatusCreated, robot)
}

func (a *API) listRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := a.store.ListRobots(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if robots == nil {
		robots = []*orchestrator.Robot{}
	}
	a.respond(w, http.StatusOK, robotListResponse{Items: robots, Total: len(robots)})
}

func (a *API) getRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := a.store.GetRobot(r.Context(), chi.URLParam(r, "robotID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, robot)
}

func (a *API) updateRobot(w http.ResponseWriter, r *http.Request) {
	var req robotUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robot, err := a.store.GetRobot(r.Context(), chi.URLParam(r, "robotID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Description != nil {
		robot.Description = *req.Description
	}
	if req.Tags != nil {
		robot.Tags = orchestrator.StringList(req.Tags)
	}
	if err := a.store.UpdateRobot(r.Context(), robot); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "robot_updated", "robot", robot.ID, orchestrator.Metadata{"name": robot.Name})
	a.respond(w, http.StatusOK, robot)
}

func (a *API) deleteRobot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "robotID")
	if err := a.store.DeleteRobot(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "robot_deleted", "robot", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// publishVersion accepts a multipart upload: the artifact file plus form
// fields describing how to execute it. The uploaded extension decides the
// artifact type, and an EXE artifact always runs as an EXE entrypoint no
// matter what the form claims.
func (a *API) publishVersion(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")
	if _, err := a.store.GetRobot(r.Context(), robotID); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		a.fail(w, r, &orchestrator.ValidationError{Field: "body", Reason: "malformed multipart form"})
		return
	}

	version := strings.TrimSpace(r.FormValue("version"))
	if _, err := semver.StrictNewVersion(version); err != nil {
		a.fail(w, r, &orchestrator.ValidationError{Field: "version", Reason: "must be a valid semver version"})
		return
	}
	channel := orchestrator.ReleaseChannel(strings.ToLower(r.FormValue("channel")))
	if channel == "" {
		channel = orchestrator.ChannelStable
	}
	if !channel.Valid() {
		a.fail(w, r, &orchestrator.ValidationError{Field: "channel", Reason: "must be stable, beta or hotfix"})
		return
	}
	activate := true
	if v := r.FormValue("activate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			a.fail(w, r, &orchestrator.ValidationError{Field: "activate", Reason: "must be a boolean"})
			return
		}
		activate = b
	}
	var args []string
	if raw := r.FormValue("arguments_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			a.fail(w, r, &orchestrator.ValidationError{Field: "arguments_json", Reason: "must be a JSON array of strings"})
			return
		}
	}
	var envVars map[string]string
	if raw := r.FormValue("env_vars_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &envVars); err != nil {
			a.fail(w, r, &orchestrator.ValidationError{Field: "env_vars_json", Reason: "must be a JSON object of string pairs"})
			return
		}
	}
	var requiredKeys []string
	if raw := r.FormValue("required_env_keys_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &requiredKeys); err != nil {
			a.fail(w, r, &orchestrator.ValidationError{Field: "required_env_keys_json", Reason: "must be a JSON array of strings"})
			return
		}
	}

	file, header, err := r.FormFile("artifact")
	if err != nil {
		a.fail(w, r, &orchestrator.ValidationError{Field: "artifact", Reason: "file is required"})
		return
	}
	defer file.Close()

	bundle, err := a.artifacts.Save(robotID, version, header.Filename, file)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	entrypointType := orchestrator.EntrypointType(strings.ToUpper(r.FormValue("entrypoint_type")))
	if entrypointType == "" {
		entrypointType = orchestrator.EntrypointScript
	}
	if bundle.Type == orchestrator.ArtifactExe {
		entrypointType = orchestrator.EntrypointExe
	}
	if !entrypointType.Valid() {
		a.fail(w, r, &orchestrator.ValidationError{Field: "entrypoint_type", Reason: "must be SCRIPT or EXE"})
		return
	}
	entrypointPath := r.FormValue("entrypoint_path")
	if entrypointPath == "" {
		entrypointPath = "main.py"
	}
	var workdir *string
	if wd := r.FormValue("working_directory"); wd != "" {
		workdir = &wd
	}

	v := &orchestrator.RobotVersion{
		RobotID:          robotID,
		Version:          version,
		ArtifactType:     bundle.Type,
		ArtifactPath:     bundle.Path,
		ArtifactSHA256:   bundle.SHA256,
		EntrypointType:   entrypointType,
		EntrypointPath:   entrypointPath,
		WorkingDirectory: workdir,
		DefaultArguments: orchestrator.StringList(args),
		DefaultEnv:       orchestrator.StringMap(envVars),
		RequiredEnvKeys:  orchestrator.StringList(requiredKeys),
		Channel:          channel,
	}
	if err := a.store.CreateVersion(r.Context(), v); err != nil {
		a.fail(w, r, err)
		return
	}
	if activate && !v.IsActive {
		activated, err := a.store.ActivateVersion(r.Context(), robotID, v.ID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		v = activated
	}
	a.audit(r, "version_published", "robot_version", v.ID, orchestrator.Metadata{
		"robot_id":        robotID,
		"version":         version,
		"channel":         string(v.Channel),
		"artifact_type":   string(v.ArtifactType),
		"artifact_sha256": v.ArtifactSHA256,
		"activated":       v.IsActive,
	})
	a.respond(w, http.StatusCreated, v)
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")
	if _, err := a.store.GetRobot(r.Context(), robotID); err != nil {
		a.fail(w, r, err)
		return
	}
	versions, err := a.store.ListVersions(r.Context(), robotID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []*orchestrator.RobotVersion{}
	}
	a.respond(w, http.StatusOK, versions)
}

func (a *API) activateVersion(w http.ResponseWriter, r *http.Request) {
	v, err := a.store.ActivateVersion(r.Context(), chi.URLParam(r, "robotID"), chi.URLParam(r, "versionID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "version_activated", "robot_version", v.ID, orchestrator.Metadata{
		"robot_id": v.RobotID,
		"version":  v.Version,
	})
	a.respond(w, http.StatusOK, v)
}

func (a *API) listEnvVars(w http.ResponseWriter, r *http.Request) {
	envName, err := orchestrator.ParseEnvName(chi.URLParam(r, "envName"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items, err := a.env.List(r.Context(), chi.URLParam(r, "robotID"), envName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if items == nil {
		items = []envstore.Entry{}
	}
	a.respond(w, http.StatusOK, envListResponse{Items: items})
}

func (a *API) putEnvVars(w http.ResponseWriter, r *http.Request) {
	envName, err := orchestrator.ParseEnvName(chi.URLParam(r, "envName"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req envPutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robotID := chi.URLParam(r, "robotID")
	keys := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if _, err := a.env.Set(r.Context(), robotID, envName, item.Key, item.Value, item.IsSecret); err != nil {
			a.fail(w, r, err)
			return
		}
		keys = append(keys, item.Key)
	}
	items, err := a.env.List(r.Context(), robotID, envName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	// Key names only. Values, secret or not, never reach the audit trail.
	a.audit(r, "env_updated", "robot_env", robotID, orchestrator.Metadata{
		"env_name": string(envName),
		"keys":     keys,
	})
	a.respond(w, http.StatusOK, envListResponse{Items: items})
}

func (a *API) deleteEnvVar(w http.ResponseWriter, r *http.Request) {
	envName, err := orchestrator.ParseEnvName(chi.URLParam(r, "envName"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	robotID := chi.URLParam(r, "robotID")
	key := chi.URLParam(r, "key")
	if err := a.env.Delete(r.Context(), robotID, envName, key); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "env_deleted", "robot_env", robotID, orchestrator.Metadata{
		"env_name": string(envName),
		"key":      key,
	})
	w.WriteHeader(http.StatusNoContent)
}
