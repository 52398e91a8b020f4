// Package registry owns the run lifecycle boundary of the orchestrator. It
// creates PENDING run rows, resolves the target robot version, verifies the
// robot's environment store covers the version's required keys, and hands the
// job to the broker queue.
//
// Commit order is part of the contract: the run row is durable before the
// broker publish. A crash between the two yields an orphan PENDING run, which
// the operational requeue sweep picks up later; the registry itself makes no
// recovery claim for that window.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/store"
)

type (
	// Options configures the registry.
	Options struct {
		// Store is the relational source of truth. Required.
		Store *store.Store
		// Broker carries queued jobs. Required.
		Broker *broker.Broker
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Registry creates and controls runs.
	Registry struct {
		store  *store.Store
		broker *broker.Broker
		now    func() time.Time
	}

	// CreateRunParams carries the inputs of CreateRun. RobotVersionID selects
	// an explicit version; when empty the robot's active version is used.
	CreateRunParams struct {
		RobotID          string
		RobotVersionID   string
		RuntimeArguments []string
		RuntimeEnv       map[string]string
		EnvName          orchestrator.EnvName
		TriggerType      orchestrator.TriggerType
		Attempt          int
		ScheduleID       *string
		ServiceID        *string
		Parameters       orchestrator.Metadata
		// NotBefore future-dates the queued job. Used by retry backoff.
		NotBefore   *time.Time
		TriggeredBy *string
	}
)

// New constructs a Registry.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{store: opts.Store, broker: opts.Broker, now: now}, nil
}

// CreateRun persists a PENDING run and enqueues its job. The run row commits
// before the publish; a publish failure surfaces as ErrBrokerUnavailable with
// the orphan row left in place.
func (r *Registry) CreateRun(ctx context.Context, p CreateRunParams) (*orchestrator.Run, error) {
	if _, err := r.store.GetRobot(ctx, p.RobotID); err != nil {
		return nil, err
	}
	version, err := r.resolveVersion(ctx, p.RobotID, p.RobotVersionID)
	if err != nil {
		return nil, err
	}

	envName := p.EnvName
	if envName == "" {
		envName = orchestrator.EnvProd
	}
	if len(version.RequiredEnvKeys) > 0 {
		missing, err := r.store.MissingEnvKeys(ctx, p.RobotID, envName, version.RequiredEnvKeys)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, &orchestrator.MissingEnvError{EnvName: envName, Keys: missing}
		}
	}

	trigger := p.TriggerType
	if trigger == "" {
		trigger = orchestrator.TriggerManual
	}
	run := &orchestrator.Run{
		RobotID:          p.RobotID,
		RobotVersionID:   version.ID,
		TriggerType:      trigger,
		Attempt:          p.Attempt,
		ScheduleID:       p.ScheduleID,
		ServiceID:        p.ServiceID,
		EnvName:          envName,
		Parameters:       p.Parameters,
		RuntimeArguments: p.RuntimeArguments,
		RuntimeEnv:       p.RuntimeEnv,
		QueuedAt:         r.now(),
		TriggeredBy:      p.TriggeredBy,
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	job := broker.JobForRun(run)
	if p.NotBefore != nil {
		job.SetNotBefore(*p.NotBefore)
	}
	if err := r.broker.EnqueueJob(ctx, job); err != nil {
		log.Errorf(ctx, err, "run %s committed but publish failed", run.ID)
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrBrokerUnavailable, err)
	}

	actor := "system"
	if p.TriggeredBy != nil && *p.TriggeredBy != "" {
		actor = *p.TriggeredBy
	}
	audit := &orchestrator.AuditEvent{
		Actor:      actor,
		Action:     "run_enqueued",
		EntityType: "run",
		EntityID:   run.ID,
		Metadata: orchestrator.Metadata{
			"robot_id":     run.RobotID,
			"version_id":   run.RobotVersionID,
			"trigger_type": string(run.TriggerType),
			"env_name":     string(run.EnvName),
		},
	}
	if err := r.store.InsertAudit(ctx, audit); err != nil {
		log.Errorf(ctx, err, "audit enqueue for run %s", run.ID)
	}
	return run, nil
}

// resolveVersion returns the requested version after checking ownership, or
// the robot's active version when none is requested.
func (r *Registry) resolveVersion(ctx context.Context, robotID, versionID string) (*orchestrator.RobotVersion, error) {
	if versionID == "" {
		return r.store.ActiveVersion(ctx, robotID)
	}
	version, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version.RobotID != robotID {
		return nil, orchestrator.ErrVersionNotFound
	}
	return version, nil
}

// RequestCancel flags a RUNNING run for cancellation on behalf of actor and
// writes the run_cancel_requested audit entry exactly once. Repeat calls on
// an already flagged or already CANCELED run succeed without effect; any
// other state returns ErrNotCancelable.
func (r *Registry) RequestCancel(ctx context.Context, runID, actor string) (*orchestrator.Run, error) {
	run, first, err := r.store.RequestCancel(ctx, runID, actor)
	if err != nil {
		return nil, err
	}
	if first {
		audit := &orchestrator.AuditEvent{
			Actor:      actor,
			Action:     "run_cancel_requested",
			EntityType: "run",
			EntityID:   run.ID,
			Metadata: orchestrator.Metadata{
				"run_id":           run.ID,
				"robot_id":         run.RobotID,
				"status":           string(run.Status),
				"cancel_requested": true,
			},
		}
		if err := r.store.InsertAudit(ctx, audit); err != nil {
			log.Errorf(ctx, err, "audit cancel request for run %s", run.ID)
		}
	}
	return run, nil
}

// GetRun loads a run by id.
func (r *Registry) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	return r.store.GetRun(ctx, id)
}

// ListRuns returns a filtered page of runs plus the unpaged total.
func (r *Registry) ListRuns(ctx context.Context, f store.RunFilter) ([]*orchestrator.Run, int, error) {
	return r.store.ListRuns(ctx, f)
}

// RunLogs returns up to limit persisted logs in append order. The run must
// exist. Limit defaults to 500.
func (r *Registry) RunLogs(ctx context.Context, runID string, limit int) ([]*orchestrator.RunLog, error) {
	if _, err := r.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	return r.store.ListRunLogs(ctx, runID, limit)
}
