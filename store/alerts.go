package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator"
)

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	// Status is "open", "resolved" or empty for both.
	Status  string
	Type    orchestrator.AlertType
	RobotID string
	Limit   int
}

// OpenAlert inserts an alert unless an unresolved one with the same
// (robot, type) already exists. The boolean reports whether a row was
// created. Concurrent monitors racing on the same condition are settled by
// the partial unique index; the loser observes created=false.
func (s *Store) OpenAlert(ctx context.Context, a *orchestrator.AlertEvent) (bool, error) {
	var existing string
	err := s.db.GetContext(ctx, &existing, s.rebind(`
		SELECT id FROM alert_events
		WHERE robot_id = ? AND type = ? AND resolved_at IS NULL`),
		a.RobotID, a.Type)
	if err == nil {
		a.ID = existing
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Severity == "" {
		a.Severity = orchestrator.SeverityWarn
	}
	if a.Metadata == nil {
		a.Metadata = orchestrator.Metadata{}
	}
	a.CreatedAt = s.nowUTC()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO alert_events (id, robot_id, run_id, type, severity, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RobotID, a.RunID, a.Type, a.Severity, a.Message, a.Metadata, a.CreatedAt)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAlert loads an alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*orchestrator.AlertEvent, error) {
	var a orchestrator.AlertEvent
	err := s.db.GetContext(ctx, &a, s.rebind(`SELECT * FROM alert_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveAlert stamps resolved_at. Resolving twice keeps the first stamp.
func (s *Store) ResolveAlert(ctx context.Context, id string, now time.Time) (*orchestrator.AlertEvent, error) {
	if now.IsZero() {
		now = s.nowUTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE alert_events SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`),
		now.UTC(), id)
	if err != nil {
		return nil, err
	}
	return s.GetAlert(ctx, id)
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]*orchestrator.AlertEvent, error) {
	var (
		conds []string
		args  []any
	)
	switch f.Status {
	case "open":
		conds = append(conds, "resolved_at IS NULL")
	case "resolved":
		conds = append(conds, "resolved_at IS NOT NULL")
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.RobotID != "" {
		conds = append(conds, "robot_id = ?")
		args = append(args, f.RobotID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	var alerts []*orchestrator.AlertEvent
	err := s.db.SelectContext(ctx, &alerts, s.rebind(
		"SELECT * FROM alert_events"+where+" ORDER BY created_at DESC LIMIT ?"), args...)
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// CountOpenAlerts returns the number of unresolved alerts.
func (s *Store) CountOpenAlerts(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM alert_events WHERE resolved_at IS NULL`)
	return n, err
}

// PickAlertTargetRobot chooses the robot that fleet-wide alerts attach to:
// any robot with an enabled schedule, else any robot at all. The second
// return is false when no robots exist.
func (s *Store) PickAlertTargetRobot(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT r.id FROM robots r
		JOIN schedules s ON s.robot_id = r.id AND s.enabled
		ORDER BY r.name LIMIT 1`)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, err
	}
	err = s.db.GetContext(ctx, &id, `SELECT id FROM robots ORDER BY name LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
