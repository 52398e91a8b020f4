package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/schedule"
	"github.com/botfleet/orchestrator/store"
)

type (
	scheduleCreateRequest struct {
		CronExpr            string  `json:"cron_expr"`
		Timezone            string  `json:"timezone"`
		WindowStart         *string `json:"window_start"`
		WindowEnd           *string `json:"window_end"`
		MaxConcurrency      int     `json:"max_concurrency"`
		TimeoutSeconds      int     `json:"timeout_seconds"`
		RetryCount          int     `json:"retry_count"`
		RetryBackoffSeconds int     `json:"retry_backoff_seconds"`
		Enabled             *bool   `json:"enabled"`
	}

	scheduleUpdateRequest struct {
		CronExpr            *string `json:"cron_expr"`
		Timezone            *string `json:"timezone"`
		WindowStart         *string `json:"window_start"`
		WindowEnd           *string `json:"window_end"`
		MaxConcurrency      *int    `json:"max_concurrency"`
		TimeoutSeconds      *int    `json:"timeout_seconds"`
		RetryCount          *int    `json:"retry_count"`
		RetryBackoffSeconds *int    `json:"retry_backoff_seconds"`
		Enabled             *bool   `json:"enabled"`
	}

	slaCreateRequest struct {
		ExpectedRunEveryMinutes *int    `json:"expected_run_every_minutes"`
		ExpectedDailyTime       *string `json:"expected_daily_time"`
		LateAfterMinutes        int     `json:"late_after_minutes"`
		AlertOnFailure          *bool   `json:"alert_on_failure"`
		AlertOnLate             *bool   `json:"alert_on_late"`
	}

	slaUpdateRequest struct {
		ExpectedRunEveryMinutes *int    `json:"expected_run_every_minutes"`
		ExpectedDailyTime       *string `json:"expected_daily_time"`
		LateAfterMinutes        *int    `json:"late_after_minutes"`
		AlertOnFailure          *bool   `json:"alert_on_failure"`
		AlertOnLate             *bool   `json:"alert_on_late"`
	}

	alertListResponse struct {
		Items []*orchestrator.AlertEvent `json:"items"`
		Total int                        `json:"total"`
	}
)

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robotID := chi.URLParam(r, "robotID")
	sched, err := a.schedules.CreateSchedule(r.Context(), robotID, schedule.ScheduleParams{
		CronExpr:            req.CronExpr,
		Timezone:            req.Timezone,
		WindowStart:         req.WindowStart,
		WindowEnd:           req.WindowEnd,
		MaxConcurrency:      req.MaxConcurrency,
		TimeoutSeconds:      req.TimeoutSeconds,
		RetryCount:          req.RetryCount,
		RetryBackoffSeconds: req.RetryBackoffSeconds,
		Enabled:             req.Enabled,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "schedule_created", "schedule", sched.ID, orchestrator.Metadata{
		"robot_id":  robotID,
		"cron_expr": sched.CronExpr,
	})
	a.respond(w, http.StatusCreated, sched)
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := a.schedules.GetSchedule(r.Context(), chi.URLParam(r, "robotID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, sched)
}

func (a *API) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robotID := chi.URLParam(r, "robotID")
	sched, err := a.schedules.UpdateSchedule(r.Context(), robotID, schedule.ScheduleUpdate{
		CronExpr:            req.CronExpr,
		Timezone:            req.Timezone,
		WindowStart:         req.WindowStart,
		WindowEnd:           req.WindowEnd,
		MaxConcurrency:      req.MaxConcurrency,
		TimeoutSeconds:      req.TimeoutSeconds,
		RetryCount:          req.RetryCount,
		RetryBackoffSeconds: req.RetryBackoffSeconds,
		Enabled:             req.Enabled,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "schedule_updated", "schedule", sched.ID, orchestrator.Metadata{
		"robot_id":  robotID,
		"cron_expr": sched.CronExpr,
		"enabled":   sched.Enabled,
	})
	a.respond(w, http.StatusOK, sched)
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	robotID := chi.URLParam(r, "robotID")
	if err := a.schedules.DeleteSchedule(r.Context(), robotID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "schedule_deleted", "schedule", robotID, orchestrator.Metadata{"robot_id": robotID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createSlaRule(w http.ResponseWriter, r *http.Request) {
	var req slaCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robotID := chi.URLParam(r, "robotID")
	rule, err := a.schedules.CreateSlaRule(r.Context(), robotID, schedule.SlaParams{
		ExpectedRunEveryMinutes: req.ExpectedRunEveryMinutes,
		ExpectedDailyTime:       req.ExpectedDailyTime,
		LateAfterMinutes:        req.LateAfterMinutes,
		AlertOnFailure:          req.AlertOnFailure,
		AlertOnLate:             req.AlertOnLate,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "sla_created", "sla_rule", rule.ID, orchestrator.Metadata{"robot_id": robotID})
	a.respond(w, http.StatusCreated, rule)
}

func (a *API) getSlaRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.schedules.GetSlaRule(r.Context(), chi.URLParam(r, "robotID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.respond(w, http.StatusOK, rule)
}

func (a *API) updateSlaRule(w http.ResponseWriter, r *http.Request) {
	var req slaUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	robotID := chi.URLParam(r, "robotID")
	rule, err := a.schedules.UpdateSlaRule(r.Context(), robotID, schedule.SlaUpdate{
		ExpectedRunEveryMinutes: req.ExpectedRunEveryMinutes,
		ExpectedDailyTime:       req.ExpectedDailyTime,
		LateAfterMinutes:        req.LateAfterMinutes,
		AlertOnFailure:          req.AlertOnFailure,
		AlertOnLate:             req.AlertOnLate,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "sla_updated", "sla_rule", rule.ID, orchestrator.Metadata{"robot_id": robotID})
	a.respond(w, http.StatusOK, rule)
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := strings.ToLower(q.Get("status"))
	switch status {
	case "", "open", "resolved":
	default:
		a.fail(w, r, &orchestrator.ValidationError{Field: "status", Reason: "must be open or resolved"})
		return
	}
	alerts, err := a.store.ListAlerts(r.Context(), store.AlertFilter{
		Status:  status,
		Type:    orchestrator.AlertType(strings.ToUpper(q.Get("type"))),
		RobotID: q.Get("robot_id"),
		Limit:   queryInt(r, "limit", 0),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*orchestrator.AlertEvent{}
	}
	a.respond(w, http.StatusOK, alertListResponse{Items: alerts, Total: len(alerts)})
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	if _, err := a.store.GetAlert(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	alert, err := a.store.ResolveAlert(r.Context(), id, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "alert_resolved", "alert", alert.ID, orchestrator.Metadata{
		"robot_id": alert.RobotID,
		"type":     string(alert.Type),
	})
	a.respond(w, http.StatusOK, alert)
}
