// Package worker implements the run execution loop.
//
// A worker leases jobs from the broker queue, materializes the robot version
// into a per-run workspace, spawns the child process in its own process
// group and supervises it until exit, cancellation or timeout. The run row
// is the authority for supervision: cancel requests are observed by polling
// the store, so any replica that holds the lease reacts to them.
//
// The lease loop honors the worker's persistent status. PAUSED workers keep
// heartbeating but stop leasing; STOPPED workers drain and exit. A job
// leased just before a pause lands is pushed back to the front of the queue
// so nothing is lost.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/artifact"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/runlog"
	"github.com/botfleet/orchestrator/store"
)

// Default loop cadences and process-control settings.
const (
	DefaultLeaseTimeout        = 5 * time.Second
	DefaultStatusInterval      = 2 * time.Second
	DefaultHeartbeatInterval   = 10 * time.Second
	DefaultStaleWindow         = 2 * time.Minute
	DefaultSupervisionInterval = time.Second
	DefaultGracePeriod         = 5 * time.Second
	DefaultRunTimeout          = time.Hour
	DefaultRequeueDelay        = time.Second
	DefaultPythonExecutable    = "python3"
)

type (
	// SecretSource decrypts a robot's stored environment values. The worker
	// merges them into the child environment between the version defaults
	// and the caller overrides.
	SecretSource interface {
		EnvValues(ctx context.Context, robotID string, env orchestrator.EnvName) (map[string]string, error)
	}

	// Options configures a Worker.
	Options struct {
		// Store is the relational source of truth. Required.
		Store *store.Store
		// Broker is the queue and heartbeat keyspace. Required.
		Broker *broker.Broker
		// Registry creates retry runs. Required.
		Registry *registry.Registry
		// Recorder fans run logs out to store and channel. Required.
		Recorder *runlog.Recorder
		// Metrics receives run and heartbeat observations. Required.
		Metrics *metrics.Metrics
		// Secrets serves the robot environment stores. Optional; without it
		// the robot env layer is skipped.
		Secrets SecretSource
		// Artifacts verifies bundle digests before execution. Optional;
		// without it runs execute whatever is on disk.
		Artifacts *artifact.Manager

		// Name identifies this worker. Defaults to "<hostname>:<pid>".
		Name string
		// Version is the reported build version of the worker binary.
		Version string
		// ArtifactsRoot is the base directory for version artifacts and run
		// workspaces. Required.
		ArtifactsRoot string
		// PythonExecutable runs script entrypoints. Defaults to "python3".
		PythonExecutable string

		// LeaseTimeout bounds the blocking pop so heartbeats keep flowing.
		LeaseTimeout time.Duration
		// StatusInterval rate-limits the worker status poll.
		StatusInterval time.Duration
		// HeartbeatInterval paces the store row and broker key refresh.
		HeartbeatInterval time.Duration
		// StaleWindow is how old a heartbeat may get before the monitor
		// flags the worker. The broker key TTL is twice this.
		StaleWindow time.Duration
		// SupervisionInterval paces the cancel and timeout checks.
		SupervisionInterval time.Duration
		// GracePeriod separates the polite termination signal from the kill.
		GracePeriod time.Duration
		// RunTimeout applies to runs without a schedule.
		RunTimeout time.Duration
		// RequeueDelay is the pause after pushing back a future-dated job.
		RequeueDelay time.Duration

		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Worker owns one lease loop, one heartbeat task and the supervision of
	// whichever run it currently executes.
	Worker struct {
		store     *store.Store
		broker    *broker.Broker
		registry  *registry.Registry
		recorder  *runlog.Recorder
		metrics   *metrics.Metrics
		secrets   SecretSource
		artifacts *artifact.Manager

		name          string
		hostname      string
		version       string
		artifactsRoot string
		python        string

		leaseTimeout      time.Duration
		statusInterval    time.Duration
		heartbeatInterval time.Duration
		staleWindow       time.Duration
		superviseInterval time.Duration
		gracePeriod       time.Duration
		runTimeout        time.Duration
		requeueDelay      time.Duration

		now func() time.Time

		// statusCache is only touched by the lease loop goroutine.
		statusCache orchestrator.WorkerStatus
		statusAt    time.Time
	}
)

// New constructs a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics is required")
	}
	if opts.ArtifactsRoot == "" {
		return nil, errors.New("artifacts root is required")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}
	w := &Worker{
		store:         opts.Store,
		broker:        opts.Broker,
		registry:      opts.Registry,
		recorder:      opts.Recorder,
		metrics:       opts.Metrics,
		secrets:       opts.Secrets,
		artifacts:     opts.Artifacts,
		name:          name,
		hostname:      hostname,
		version:       opts.Version,
		artifactsRoot: opts.ArtifactsRoot,
		python:        valueOr(opts.PythonExecutable, DefaultPythonExecutable),

		leaseTimeout:      durationOr(opts.LeaseTimeout, DefaultLeaseTimeout),
		statusInterval:    durationOr(opts.StatusInterval, DefaultStatusInterval),
		heartbeatInterval: durationOr(opts.HeartbeatInterval, DefaultHeartbeatInterval),
		staleWindow:       durationOr(opts.StaleWindow, DefaultStaleWindow),
		superviseInterval: durationOr(opts.SupervisionInterval, DefaultSupervisionInterval),
		gracePeriod:       durationOr(opts.GracePeriod, DefaultGracePeriod),
		runTimeout:        durationOr(opts.RunTimeout, DefaultRunTimeout),
		requeueDelay:      durationOr(opts.RequeueDelay, DefaultRequeueDelay),
		now:               opts.Now,
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	return w, nil
}

// Name returns the worker's stable identity.
func (w *Worker) Name() string { return w.name }

// Run registers the worker and executes the lease loop until ctx is
// canceled or the worker's status is set to STOPPED. Runs in flight when
// shutdown starts are finalized before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	row := &orchestrator.Worker{Name: w.name, Hostname: w.hostname, Version: w.version}
	if err := w.store.RegisterWorker(ctx, row); err != nil {
		return fmt.Errorf("register worker %s: %w", w.name, err)
	}
	log.Infof(ctx, "worker %s started", w.name)

	w.beat(ctx)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		status, err := w.currentStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf(ctx, err, "read worker status")
			sleepCtx(ctx, w.statusInterval)
			continue
		}
		if status == orchestrator.WorkerStopped {
			log.Infof(ctx, "worker %s stopped by operator", w.name)
			return nil
		}
		if status != orchestrator.WorkerRunning {
			sleepCtx(ctx, w.statusInterval)
			continue
		}

		job, err := w.broker.Lease(ctx, w.leaseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf(ctx, err, "lease job")
			sleepCtx(ctx, w.statusInterval)
			continue
		}
		w.refreshQueueDepth(ctx)
		if job == nil {
			continue
		}

		// The status may have flipped while the pop was blocking. A paused
		// or stopped worker must not swallow the job it just leased.
		if fresh, err := w.freshStatus(ctx); err == nil && fresh != orchestrator.WorkerRunning {
			w.requeueFront(ctx, job)
			continue
		}
		if ready := job.ReadyAt(); !ready.IsZero() && ready.After(w.now()) {
			if err := w.broker.EnqueueJob(ctx, job); err != nil {
				log.Errorf(ctx, err, "requeue future job for run %s", job.RunID)
			}
			sleepCtx(ctx, w.requeueDelay)
			continue
		}

		// Detach the run body from loop cancellation so an in-flight run
		// still finalizes during shutdown.
		w.processRun(context.WithoutCancel(ctx), job)
	}
}

// currentStatus returns the worker's desired state, reading the store at
// most once per status interval.
func (w *Worker) currentStatus(ctx context.Context) (orchestrator.WorkerStatus, error) {
	if w.statusCache != "" && time.Since(w.statusAt) < w.statusInterval {
		return w.statusCache, nil
	}
	return w.freshStatus(ctx)
}

func (w *Worker) freshStatus(ctx context.Context) (orchestrator.WorkerStatus, error) {
	row, err := w.store.GetWorker(ctx, w.name)
	if err != nil {
		return "", err
	}
	w.statusCache, w.statusAt = row.Status, time.Now()
	return row.Status, nil
}

func (w *Worker) requeueFront(ctx context.Context, job *broker.Job) {
	if err := w.broker.RequeueFront(ctx, job); err != nil {
		log.Errorf(ctx, err, "requeue leased job for run %s", job.RunID)
	}
}

// heartbeatLoop refreshes the worker row, the broker heartbeat key and the
// heartbeat gauge until ctx is canceled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	now := w.now()
	if err := w.store.HeartbeatWorker(ctx, w.name, now); err != nil && ctx.Err() == nil {
		log.Errorf(ctx, err, "heartbeat row for worker %s", w.name)
	}
	if err := w.broker.SetWorkerHeartbeat(ctx, w.name, now, 2*w.staleWindow); err != nil && ctx.Err() == nil {
		log.Errorf(ctx, err, "heartbeat key for worker %s", w.name)
	}
	w.metrics.Heartbeat(w.name, now)
}

func (w *Worker) refreshQueueDepth(ctx context.Context) {
	depth, err := w.broker.QueueDepth(ctx)
	if err != nil {
		return
	}
	w.metrics.SetQueueDepth(depth)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
