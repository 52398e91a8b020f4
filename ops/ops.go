// Package ops bundles the fleet operations surface: a status snapshot of
// queue and workers, worker pause/resume/stop, the orphan-run requeue sweep
// and the retention sweep for old logs and artifacts.
package ops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/store"
)

const (
	// DefaultRetention keeps logs and artifacts for thirty days when no
	// override is configured.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultStaleWindow is the heartbeat age that marks a worker stale in
	// the status snapshot.
	DefaultStaleWindow = 120 * time.Second
	// requeueBatchSize bounds one orphan sweep.
	requeueBatchSize = 500
)

type (
	// Options configures an Ops.
	Options struct {
		// Store is the relational source of truth. Required.
		Store *store.Store
		// Broker is the queue to inspect and republish into. Required.
		Broker *broker.Broker
		// WorkerStaleWindow marks workers stale in Status. Defaults to
		// DefaultStaleWindow.
		WorkerStaleWindow time.Duration
		// LogRetention bounds run log age. Defaults to DefaultRetention.
		LogRetention time.Duration
		// ArtifactRetention bounds artifact age. Defaults to
		// DefaultRetention.
		ArtifactRetention time.Duration
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Ops serves the fleet operations surface.
	Ops struct {
		store             *store.Store
		broker            *broker.Broker
		staleWindow       time.Duration
		logRetention      time.Duration
		artifactRetention time.Duration
		now               func() time.Time
	}

	// WorkerStatus is one worker row annotated with heartbeat staleness.
	WorkerStatus struct {
		orchestrator.Worker
		Stale bool `json:"stale"`
	}

	// Status is the fleet snapshot served by the ops endpoint.
	Status struct {
		QueueDepth int64          `json:"queue_depth"`
		OpenAlerts int            `json:"open_alerts"`
		Workers    []WorkerStatus `json:"workers"`
	}

	// RetentionResult counts what one retention sweep removed.
	RetentionResult struct {
		LogRows       int64 `json:"log_rows"`
		ArtifactRows  int64 `json:"artifact_rows"`
		ArtifactFiles int   `json:"artifact_files"`
	}
)

// New constructs an Ops.
func New(opts Options) (*Ops, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	staleWindow := opts.WorkerStaleWindow
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	logRetention := opts.LogRetention
	if logRetention <= 0 {
		logRetention = DefaultRetention
	}
	artifactRetention := opts.ArtifactRetention
	if artifactRetention <= 0 {
		artifactRetention = DefaultRetention
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ops{
		store:             opts.Store,
		broker:            opts.Broker,
		staleWindow:       staleWindow,
		logRetention:      logRetention,
		artifactRetention: artifactRetention,
		now:               now,
	}, nil
}

// Status returns the queue depth, the open alert count and every worker with
// its heartbeat staleness.
func (o *Ops) Status(ctx context.Context) (*Status, error) {
	depth, err := o.broker.QueueDepth(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	open, err := o.store.CountOpenAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count open alerts: %w", err)
	}
	workers, err := o.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	cutoff := o.now().UTC().Add(-o.staleWindow)
	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, WorkerStatus{
			Worker: *w,
			Stale:  w.LastHeartbeat.Before(cutoff),
		})
	}
	return &Status{QueueDepth: depth, OpenAlerts: open, Workers: out}, nil
}

// SetWorkerStatus flips a worker's desired state and audits the change. The
// worker honors the new state on its next lease-loop poll.
func (o *Ops) SetWorkerStatus(ctx context.Context, name string, status orchestrator.WorkerStatus, actor string) (*orchestrator.Worker, error) {
	if !status.Valid() {
		return nil, &orchestrator.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("unknown worker status %q", status),
		}
	}
	w, err := o.store.SetWorkerStatus(ctx, name, status)
	if err != nil {
		return nil, err
	}
	o.audit(ctx, actor, "worker_status_changed", "worker", name, orchestrator.Metadata{
		"status": string(status),
	})
	return w, nil
}

// RequeueOrphans republishes PENDING runs older than olderThan whose job is
// no longer present on the queue. Such orphans appear when the registry
// commits the row but the broker publish fails, or when the broker loses its
// list. Re-publishing is safe: a duplicate delivery loses the RUNNING lease
// race and is dropped by the worker.
func (o *Ops) RequeueOrphans(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	cutoff := o.now().UTC().Add(-olderThan)
	runs, err := o.store.ListPendingRunsBefore(ctx, cutoff, requeueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending runs: %w", err)
	}
	if len(runs) == 0 {
		return 0, nil
	}
	queued, err := o.broker.QueuedRunIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("inspect queue: %w", err)
	}

	requeued := 0
	for _, run := range runs {
		if queued[run.ID] {
			continue
		}
		if err := o.broker.EnqueueJob(ctx, broker.JobForRun(run)); err != nil {
			return requeued, fmt.Errorf("%w: %s", orchestrator.ErrBrokerUnavailable, err)
		}
		requeued++
		o.audit(ctx, actor, "run_requeued", "run", run.ID, orchestrator.Metadata{
			"queued_at": run.QueuedAt.Format(time.RFC3339),
		})
		log.Infof(ctx, "requeued orphan run %s", run.ID)
	}
	return requeued, nil
}

// Retention removes run logs and artifacts past their retention windows.
// Artifact files are unlinked before their rows go; a file already gone does
// not fail the sweep. Artifact rows only exist for finalized runs, so live
// runs never lose output.
func (o *Ops) Retention(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	now := o.now().UTC()

	artifacts, err := o.store.ListArtifactsBefore(ctx, now.Add(-o.artifactRetention), 0)
	if err != nil {
		return res, fmt.Errorf("list expired artifacts: %w", err)
	}
	for _, a := range artifacts {
		info, err := os.Stat(a.FilePath)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(a.FilePath); err != nil {
			log.Errorf(ctx, err, "remove artifact file %s", a.FilePath)
			continue
		}
		res.ArtifactFiles++
	}
	res.ArtifactRows, err = o.store.DeleteArtifactsBefore(ctx, now.Add(-o.artifactRetention))
	if err != nil {
		return res, fmt.Errorf("delete expired artifact rows: %w", err)
	}
	res.LogRows, err = o.store.DeleteRunLogsBefore(ctx, now.Add(-o.logRetention))
	if err != nil {
		return res, fmt.Errorf("delete expired logs: %w", err)
	}
	return res, nil
}

// audit best-effort records an operator action.
func (o *Ops) audit(ctx context.Context, actor, action, entityType, entityID string, md orchestrator.Metadata) {
	if actor == "" {
		actor = "ops"
	}
	err := o.store.InsertAudit(ctx, &orchestrator.AuditEvent{
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
