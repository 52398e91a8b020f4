package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator"
)

// CreateSchedule inserts the robot's schedule. A robot has at most one.
func (s *Store) CreateSchedule(ctx context.Context, sc *orchestrator.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := s.nowUTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO schedules (
			id, robot_id, cron_expr, timezone, window_start, window_end,
			max_concurrency, timeout_seconds, retry_count, retry_backoff_seconds,
			enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sc.ID, sc.RobotID, sc.CronExpr, sc.Timezone, sc.WindowStart, sc.WindowEnd,
		sc.MaxConcurrency, sc.TimeoutSeconds, sc.RetryCount, sc.RetryBackoffSeconds,
		sc.Enabled, sc.CreatedAt, sc.UpdatedAt)
	if isUniqueViolation(err) {
		return &orchestrator.ValidationError{Field: "schedule", Reason: "robot already has a schedule"}
	}
	return err
}

// GetSchedule loads a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*orchestrator.Schedule, error) {
	var sc orchestrator.Schedule
	err := s.db.GetContext(ctx, &sc, s.rebind(`SELECT * FROM schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// GetScheduleByRobot loads the robot's schedule.
func (s *Store) GetScheduleByRobot(ctx context.Context, robotID string) (*orchestrator.Schedule, error) {
	var sc orchestrator.Schedule
	err := s.db.GetContext(ctx, &sc, s.rebind(`SELECT * FROM schedules WHERE robot_id = ?`), robotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// UpdateSchedule rewrites the mutable schedule fields.
func (s *Store) UpdateSchedule(ctx context.Context, sc *orchestrator.Schedule) error {
	sc.UpdatedAt = s.nowUTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE schedules SET cron_expr = ?, timezone = ?, window_start = ?,
			window_end = ?, max_concurrency = ?, timeout_seconds = ?,
			retry_count = ?, retry_backoff_seconds = ?, enabled = ?, updated_at = ?
		WHERE id = ?`),
		sc.CronExpr, sc.Timezone, sc.WindowStart, sc.WindowEnd,
		sc.MaxConcurrency, sc.TimeoutSeconds, sc.RetryCount,
		sc.RetryBackoffSeconds, sc.Enabled, sc.UpdatedAt, sc.ID)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrScheduleNotFound)
}

// DeleteScheduleByRobot removes the robot's schedule.
func (s *Store) DeleteScheduleByRobot(ctx context.Context, robotID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM schedules WHERE robot_id = ?`), robotID)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrScheduleNotFound)
}

// ListEnabledSchedules returns every enabled schedule. The scheduler loop
// walks this each tick.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*orchestrator.Schedule, error) {
	var schedules []*orchestrator.Schedule
	err := s.db.SelectContext(ctx, &schedules,
		`SELECT * FROM schedules WHERE enabled ORDER BY robot_id`)
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

// CreateSlaRule inserts the robot's SLA rule. A robot has at most one.
func (s *Store) CreateSlaRule(ctx context.Context, r *orchestrator.SlaRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.nowUTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sla_rules (
			id, robot_id, expected_run_every_minutes, expected_daily_time,
			late_after_minutes, alert_on_failure, alert_on_late, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.RobotID, r.ExpectedRunEveryMinutes, r.ExpectedDailyTime,
		r.LateAfterMinutes, r.AlertOnFailure, r.AlertOnLate, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return &orchestrator.ValidationError{Field: "sla", Reason: "robot already has an SLA rule"}
	}
	return err
}

// GetSlaRuleByRobot loads the robot's SLA rule.
func (s *Store) GetSlaRuleByRobot(ctx context.Context, robotID string) (*orchestrator.SlaRule, error) {
	var r orchestrator.SlaRule
	err := s.db.GetContext(ctx, &r, s.rebind(`SELECT * FROM sla_rules WHERE robot_id = ?`), robotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrSlaRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateSlaRule rewrites the mutable SLA fields.
func (s *Store) UpdateSlaRule(ctx context.Context, r *orchestrator.SlaRule) error {
	r.UpdatedAt = s.nowUTC()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sla_rules SET expected_run_every_minutes = ?, expected_daily_time = ?,
			late_after_minutes = ?, alert_on_failure = ?, alert_on_late = ?, updated_at = ?
		WHERE id = ?`),
		r.ExpectedRunEveryMinutes, r.ExpectedDailyTime, r.LateAfterMinutes,
		r.AlertOnFailure, r.AlertOnLate, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrSlaRuleNotFound)
}

// ListSlaRules returns every SLA rule. The monitor loop walks this each tick.
func (s *Store) ListSlaRules(ctx context.Context) ([]*orchestrator.SlaRule, error) {
	var rules []*orchestrator.SlaRule
	err := s.db.SelectContext(ctx, &rules, `SELECT * FROM sla_rules ORDER BY robot_id`)
	if err != nil {
		return nil, err
	}
	return rules, nil
}
