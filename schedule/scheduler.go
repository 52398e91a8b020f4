// Package schedule owns the cron dispatch side of the orchestrator: the
// Scheduler loop that turns due schedules into queued runs, and the Manager
// that serves schedule and SLA rule writes with their validation.
//
// A dispatch decision walks four gates in order: the cron expression must
// match the current minute in the schedule's timezone, the local time must
// fall inside the optional execution window, the per-robot named lock must be
// free, and no other replica may have dispatched the same schedule within the
// current minute. The lock plus the minute dedupe make dispatch safe to run
// on any number of replicas sharing one store.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/schedule/cron"
	"github.com/botfleet/orchestrator/store"
)

// DefaultInterval is the tick cadence when no override is configured.
const DefaultInterval = 60 * time.Second

type (
	// Options configures a Scheduler.
	Options struct {
		// Store is the relational source of truth. Required.
		Store *store.Store
		// Registry creates the dispatched runs. Required.
		Registry *registry.Registry
		// Interval is the tick cadence. Defaults to DefaultInterval.
		Interval time.Duration
		// AppTimezone is the fallback location for schedules whose timezone
		// is empty or fails to load. Defaults to UTC.
		AppTimezone *time.Location
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Scheduler dispatches runs for enabled schedules.
	Scheduler struct {
		store    *store.Store
		registry *registry.Registry
		interval time.Duration
		appTZ    *time.Location
		now      func() time.Time
	}

	// CycleResult counts one cycle's outcomes. Schedules whose cron did not
	// match and robots held by another replica's lock are not counted.
	CycleResult struct {
		Dispatched         int
		SkippedWindow      int
		SkippedConcurrency int
		SkippedDuplicate   int
	}
)

// New constructs a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	appTZ := opts.AppTimezone
	if appTZ == nil {
		appTZ = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:    opts.Store,
		registry: opts.Registry,
		interval: interval,
		appTZ:    appTZ,
		now:      now,
	}, nil
}

// Run executes cycles until ctx is canceled. The first cycle starts
// immediately. Cycle failures are logged and the loop keeps ticking.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Infof(ctx, "scheduler started, interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		res, err := s.RunCycle(ctx)
		switch {
		case err == nil:
			log.Infof(ctx, "scheduler cycle complete dispatched=%d skipped_window=%d skipped_concurrency=%d skipped_duplicate=%d",
				res.Dispatched, res.SkippedWindow, res.SkippedConcurrency, res.SkippedDuplicate)
		case !errors.Is(err, context.Canceled):
			log.Errorf(ctx, err, "scheduler cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every enabled schedule once against the current clock.
// Store failures abort the cycle; a dispatch failure scoped to one robot is
// logged and the remaining schedules still get evaluated.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	now := s.now()
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return res, fmt.Errorf("list enabled schedules: %w", err)
	}
	for _, sc := range schedules {
		localNow := now.In(sc.Location(s.appTZ))
		if !s.due(ctx, sc, localNow) {
			continue
		}
		if !s.insideWindow(ctx, sc, localNow) {
			res.SkippedWindow++
			continue
		}
		if err := s.dispatch(ctx, sc, now, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// dispatch runs the locked portion of one schedule's evaluation: the minute
// dedupe, the concurrency gate and the run creation.
func (s *Scheduler) dispatch(ctx context.Context, sc *orchestrator.Schedule, now time.Time, res *CycleResult) error {
	release, ok, err := s.store.TryNamedLock(ctx, "schedule-dispatch:"+sc.RobotID)
	if err != nil {
		return fmt.Errorf("lock dispatch for robot %s: %w", sc.RobotID, err)
	}
	if !ok {
		// Another replica holds the robot and dedupes this minute itself.
		return nil
	}
	defer release()

	minuteStart := now.UTC().Truncate(time.Minute)
	dispatched, err := s.store.CountScheduledRunsInWindow(ctx, sc.ID, minuteStart, minuteStart.Add(time.Minute))
	if err != nil {
		return fmt.Errorf("count dispatches for schedule %s: %w", sc.ID, err)
	}
	if dispatched > 0 {
		res.SkippedDuplicate++
		return nil
	}

	active, err := s.store.CountActiveRunsForRobot(ctx, sc.RobotID)
	if err != nil {
		return fmt.Errorf("count active runs for robot %s: %w", sc.RobotID, err)
	}
	if active >= sc.MaxConcurrency {
		res.SkippedConcurrency++
		return nil
	}

	run, err := s.registry.CreateRun(ctx, registry.CreateRunParams{
		RobotID:          sc.RobotID,
		TriggerType:      orchestrator.TriggerScheduled,
		Attempt:          1,
		ScheduleID:       &sc.ID,
		RuntimeArguments: []string{},
		RuntimeEnv:       map[string]string{},
	})
	if err != nil {
		var envErr *orchestrator.MissingEnvError
		if errors.Is(err, orchestrator.ErrRobotNotFound) ||
			errors.Is(err, orchestrator.ErrNoRunnableVersion) ||
			errors.Is(err, orchestrator.ErrVersionNotFound) ||
			errors.As(err, &envErr) {
			log.Warnf(ctx, "failed to dispatch scheduled run for robot %s: %s", sc.RobotID, err)
			return nil
		}
		return fmt.Errorf("dispatch scheduled run for robot %s: %w", sc.RobotID, err)
	}

	audit := &orchestrator.AuditEvent{
		Actor:      "scheduler",
		Action:     "schedule.dispatched",
		EntityType: "run",
		EntityID:   run.ID,
		Metadata: orchestrator.Metadata{
			"run_id":       run.ID,
			"robot_id":     sc.RobotID,
			"schedule_id":  sc.ID,
			"trigger_type": string(orchestrator.TriggerScheduled),
		},
	}
	if err := s.store.InsertAudit(ctx, audit); err != nil {
		log.Errorf(ctx, err, "audit dispatch of run %s", run.ID)
	}
	res.Dispatched++
	return nil
}

// due reports whether the schedule's cron expression matches the local
// minute. Stored expressions are validated on write, so a parse failure here
// means the row predates validation or was edited directly.
func (s *Scheduler) due(ctx context.Context, sc *orchestrator.Schedule, localNow time.Time) bool {
	expr, err := cron.Parse(sc.CronExpr)
	if err != nil {
		log.Warnf(ctx, "schedule %s has invalid cron_expr %q: %s", sc.ID, sc.CronExpr, err)
		return false
	}
	return expr.Matches(localNow)
}

// insideWindow applies the execution window in schedule-local time. Bounds
// compare at second precision, so a window ending 17:00 closes at 17:00:00.
// A window whose start exceeds its end wraps midnight.
func (s *Scheduler) insideWindow(ctx context.Context, sc *orchestrator.Schedule, localNow time.Time) bool {
	if sc.WindowStart == nil || sc.WindowEnd == nil {
		return true
	}
	start, errStart := parseHHMM(*sc.WindowStart)
	end, errEnd := parseHHMM(*sc.WindowEnd)
	if errStart != nil || errEnd != nil {
		log.Warnf(ctx, "schedule %s has an invalid execution window %q-%q", sc.ID, *sc.WindowStart, *sc.WindowEnd)
		return true
	}
	nowSec := localNow.Hour()*3600 + localNow.Minute()*60 + localNow.Second()
	startSec, endSec := start*60, end*60
	if startSec <= endSec {
		return startSec <= nowSec && nowSec <= endSec
	}
	return nowSec >= startSec || nowSec <= endSec
}
