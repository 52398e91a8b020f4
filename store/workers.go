package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/botfleet/orchestrator"
)

// RegisterWorker upserts the worker row at startup. A re-registering worker
// refreshes hostname, version and started_at but keeps its operator-set
// status, so a paused worker stays paused across restarts.
func (s *Store) RegisterWorker(ctx context.Context, w *orchestrator.Worker) error {
	now := s.nowUTC()
	if w.Status == "" {
		w.Status = orchestrator.WorkerRunning
	}
	w.LastHeartbeat = now
	w.StartedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO workers (name, hostname, status, version, last_heartbeat, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			hostname = excluded.hostname,
			version = excluded.version,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at`),
		w.Name, w.Hostname, w.Status, w.Version, w.LastHeartbeat, w.StartedAt)
	return err
}

// HeartbeatWorker refreshes the worker's last_heartbeat.
func (s *Store) HeartbeatWorker(ctx context.Context, name string, now time.Time) error {
	if now.IsZero() {
		now = s.nowUTC()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workers SET last_heartbeat = ? WHERE name = ?`), now.UTC(), name)
	if err != nil {
		return err
	}
	return requireRow(res, orchestrator.ErrWorkerNotFound)
}

// GetWorker loads a worker by name.
func (s *Store) GetWorker(ctx context.Context, name string) (*orchestrator.Worker, error) {
	var w orchestrator.Worker
	err := s.db.GetContext(ctx, &w, s.rebind(`SELECT * FROM workers WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestrator.ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SetWorkerStatus flips the worker's desired state. The worker's lease loop
// observes it on its next poll.
func (s *Store) SetWorkerStatus(ctx context.Context, name string, status orchestrator.WorkerStatus) (*orchestrator.Worker, error) {
	if !status.Valid() {
		return nil, &orchestrator.ValidationError{Field: "status", Reason: "unknown worker status"}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE workers SET status = ? WHERE name = ?`), status, name)
	if err != nil {
		return nil, err
	}
	if err := requireRow(res, orchestrator.ErrWorkerNotFound); err != nil {
		return nil, err
	}
	return s.GetWorker(ctx, name)
}

// ListWorkers returns every registered worker ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]*orchestrator.Worker, error) {
	var workers []*orchestrator.Worker
	err := s.db.SelectContext(ctx, &workers, `SELECT * FROM workers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// StaleWorkers returns RUNNING workers whose heartbeat is older than the
// cutoff.
func (s *Store) StaleWorkers(ctx context.Context, cutoff time.Time) ([]*orchestrator.Worker, error) {
	var workers []*orchestrator.Worker
	err := s.db.SelectContext(ctx, &workers, s.rebind(`
		SELECT * FROM workers WHERE status = ? AND last_heartbeat < ? ORDER BY name`),
		orchestrator.WorkerRunning, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return workers, nil
}
