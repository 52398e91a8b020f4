package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator"
)

type (
	// RunFilter narrows ListRuns. Zero values mean "any". Limit defaults to
	// 50 and is capped at 200.
	RunFilter struct {
		RobotID     string
		ServiceID   string
		TriggerType orchestrator.TriggerType
		Status      orchestrator.RunStatus
		Skip        int
		Limit       int
	}

	// FinalizeRunParams carries the terminal state computed by the worker.
	FinalizeRunParams struct {
		RunID        string
		Status       orchestrator.RunStatus
		ErrorMessage *string
		CanceledAt   *time.Time
		FinishedAt   time.Time
	}
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// InsertRun persists a new PENDING run.
func (s *Store) InsertRun(ctx context.Context, r *orchestrator.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = orchestrator.RunPending
	}
	if r.Attempt < 1 {
		r.Attempt = 1
	}
	if r.QueuedAt.IsZero() {
		r.QueuedAt = s.nowUTC()
	}
	if r.EnvName == "" {
		r.EnvName = orchestrator.EnvProd
	}
	if r.Parameters == nil {
		r.Parameters = orchestrator.Metadata{}
	}
	if r.RuntimeArguments == nil {
		r.RuntimeArguments = orchestrator.StringList{}
	}
	if r.RuntimeEnv == nil {
		r.RuntimeEnv = orchestrator.StringMap{}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (
			id, robot_id, robot_version_id, status, trigger_type, attempt,
			schedule_id, service_id, env_name, parameters, runtime_arguments,
			runtime_env, queued_at, cancel_requested, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?)`),
		r.ID, r.RobotID, r.RobotVersionID, r.Status, r.TriggerType, r.Attempt,
		r.ScheduleID, r.ServiceID, r.EnvName, r.Parameters, r.RuntimeArguments,
		r.RuntimeEnv, r.QueuedAt, r.TriggeredBy)
	return err
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	var r orchestrator.Run
	err := s.db.GetContext(ctx, &r, s.rebind(`SELECT * FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns a page of runs newest first plus the unpaged total.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*orchestrator.Run, int, error) {
	var (
		conds []string
		args  []any
	)
	if f.RobotID != "" {
		conds = append(conds, "robot_id = ?")
		args = append(args, f.RobotID)
	}
	if f.ServiceID != "" {
		conds = append(conds, "service_id = ?")
		args = append(args, f.ServiceID)
	}
	if f.TriggerType != "" {
		conds = append(conds, "trigger_type = ?")
		args = append(args, f.TriggerType)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind("SELECT COUNT(*) FROM runs"+where), args...); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	skip := f.Skip
	if skip < 0 {
		skip = 0
	}
	args = append(args, limit, skip)

	var runs []*orchestrator.Run
	err := s.db.SelectContext(ctx, &runs, s.rebind(
		"SELECT * FROM runs"+where+" ORDER BY queued_at DESC LIMIT ? OFFSET ?"), args...)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// MarkRunRunning transitions a PENDING run to RUNNING and records where it
// executes. The boolean is false when the run was not PENDING, which happens
// on broker redelivery of an already-processed message. The process id is
// recorded separately once the child is spawned.
func (s *Store) MarkRunRunning(ctx context.Context, id, hostName string, now time.Time) (*orchestrator.Run, bool, error) {
	if now.IsZero() {
		now = s.nowUTC()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, started_at = ?, host_name = ?
		WHERE id = ? AND status = ?`),
		orchestrator.RunRunning, now.UTC(), hostName, id, orchestrator.RunPending)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, n > 0, nil
}

// SetRunProcessID records the child process id once it is known.
func (s *Store) SetRunProcessID(ctx context.Context, id string, processID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runs SET process_id = ? WHERE id = ?`), processID, id)
	return err
}

// FinalizeRun moves a run to its terminal status. Finalizing an already
// terminal run is a no-op that returns the stored row, so crash-redelivered
// jobs finalize idempotently.
func (s *Store) FinalizeRun(ctx context.Context, p FinalizeRunParams) (*orchestrator.Run, error) {
	if !p.Status.Terminal() {
		return nil, fmt.Errorf("finalize with non-terminal status %q", p.Status)
	}
	run, err := s.GetRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	finished := p.FinishedAt
	if finished.IsZero() {
		finished = s.nowUTC()
	}
	finished = finished.UTC()
	var duration *float64
	if run.StartedAt != nil {
		d := finished.Sub(run.StartedAt.UTC()).Seconds()
		if d < 0 {
			d = 0
		}
		duration = &d
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET status = ?, finished_at = ?, duration_seconds = ?,
			error_message = ?, canceled_at = ?, process_id = NULL
		WHERE id = ? AND status NOT IN (?, ?, ?)`),
		p.Status, finished, duration, p.ErrorMessage, p.CanceledAt,
		p.RunID, orchestrator.RunSuccess, orchestrator.RunFailed, orchestrator.RunCanceled)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		// Lost a finalization race; the stored terminal row wins.
		return s.GetRun(ctx, p.RunID)
	}
	return s.GetRun(ctx, p.RunID)
}

// RequestCancel flags a RUNNING run for cancellation. The boolean is true
// only for the first request, so callers audit exactly once. Canceling an
// already canceled or already flagged run succeeds without effect; any other
// state returns ErrNotCancelable.
func (s *Store) RequestCancel(ctx context.Context, id, actor string) (*orchestrator.Run, bool, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if run.Status == orchestrator.RunCanceled || run.CancelRequested {
		return run, false, nil
	}
	if run.Status != orchestrator.RunRunning {
		return nil, false, orchestrator.ErrNotCancelable
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE runs SET cancel_requested = TRUE, canceled_by = ?
		WHERE id = ? AND status = ? AND cancel_requested = FALSE`),
		actor, id, orchestrator.RunRunning)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	run, err = s.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, n > 0, nil
}

// CancelRequested reports the run's cancel flag. The worker supervisor polls
// this at 1 Hz.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested, s.rebind(
		`SELECT cancel_requested FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, orchestrator.ErrRunNotFound
	}
	return requested, err
}

// CountScheduledRunsInWindow counts SCHEDULED runs enqueued for the schedule
// in [from, to). The scheduler's per-minute dedupe rests on it; retry runs
// carry the same schedule id and must not count.
func (s *Store) CountScheduledRunsInWindow(ctx context.Context, scheduleID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM runs
		WHERE schedule_id = ? AND trigger_type = ? AND queued_at >= ? AND queued_at < ?`),
		scheduleID, orchestrator.TriggerScheduled, from.UTC(), to.UTC())
	return n, err
}

// CountActiveRunsForRobot counts the robot's PENDING and RUNNING runs.
func (s *Store) CountActiveRunsForRobot(ctx context.Context, robotID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM runs WHERE robot_id = ? AND status IN (?, ?)`),
		robotID, orchestrator.RunPending, orchestrator.RunRunning)
	return n, err
}

// LastRunForRobot returns the robot's most recently enqueued run, or nil when
// the robot never ran.
func (s *Store) LastRunForRobot(ctx context.Context, robotID string) (*orchestrator.Run, error) {
	var r orchestrator.Run
	err := s.db.GetContext(ctx, &r, s.rebind(`
		SELECT * FROM runs WHERE robot_id = ? ORDER BY queued_at DESC LIMIT 1`), robotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecentRunsForRobot returns the robot's latest runs, newest first.
func (s *Store) RecentRunsForRobot(ctx context.Context, robotID string, limit int) ([]*orchestrator.Run, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []*orchestrator.Run
	err := s.db.SelectContext(ctx, &runs, s.rebind(`
		SELECT * FROM runs WHERE robot_id = ? ORDER BY queued_at DESC LIMIT ?`),
		robotID, limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// CountRunsForRobotSince counts runs enqueued for the robot at or after the
// given instant.
func (s *Store) CountRunsForRobotSince(ctx context.Context, robotID string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM runs WHERE robot_id = ? AND queued_at >= ?`),
		robotID, since.UTC())
	return n, err
}

// ListPendingRunsBefore returns PENDING runs enqueued before the cutoff,
// oldest first. The orphan requeue sweep feeds on it.
func (s *Store) ListPendingRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*orchestrator.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var runs []*orchestrator.Run
	err := s.db.SelectContext(ctx, &runs, s.rebind(`
		SELECT * FROM runs WHERE status = ? AND queued_at < ?
		ORDER BY queued_at ASC LIMIT ?`),
		orchestrator.RunPending, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunsFinishedBefore returns terminal runs finished before the cutoff.
// The retention sweep feeds on it.
func (s *Store) ListRunsFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*orchestrator.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var runs []*orchestrator.Run
	err := s.db.SelectContext(ctx, &runs, s.rebind(`
		SELECT * FROM runs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
		ORDER BY finished_at ASC LIMIT ?`),
		orchestrator.RunSuccess, orchestrator.RunFailed, orchestrator.RunCanceled,
		cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}
