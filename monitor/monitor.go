// Package monitor owns the alerting side of the orchestrator: a loop that
// derives SLA and fleet conditions from store state and broker depth, and
// opens deduplicated alert events for them.
//
// Per-robot conditions come from SLA rules (lateness against an interval or a
// daily expectation, failure streaks); fleet conditions come from the broker
// (queue backlog) and the worker heartbeat trail (stale workers). Opening an
// alert is an upsert: while an unresolved event for the same (robot, type)
// pair exists, re-detecting the condition is a no-op, so the loop can run on
// any cadence and on several replicas without duplicating noise.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/metrics"
	"github.com/botfleet/orchestrator/store"
)

const (
	// DefaultInterval is the tick cadence when no override is configured.
	DefaultInterval = 60 * time.Second
	// DefaultFailureStreakThreshold is the run count that constitutes a
	// streak when no override is configured.
	DefaultFailureStreakThreshold = 3
	// DefaultQueueBacklogThreshold is the queue depth above which a backlog
	// alert opens when no override is configured.
	DefaultQueueBacklogThreshold = 50
	// DefaultWorkerStaleWindow is how old a heartbeat may get before the
	// worker counts as down.
	DefaultWorkerStaleWindow = 120 * time.Second
)

type (
	// Options configures a Monitor.
	Options struct {
		// Store is the relational source of truth. Required.
		Store *store.Store
		// Broker reports queue depth and worker heartbeat keys. Required.
		Broker *broker.Broker
		// Metrics receives the queue depth gauge refresh. Optional.
		Metrics *metrics.Metrics
		// Interval is the tick cadence. Defaults to DefaultInterval.
		Interval time.Duration
		// AppTimezone anchors daily SLA expectations. Defaults to UTC.
		AppTimezone *time.Location
		// FailureStreakThreshold is the consecutive-failure count that
		// opens a FAILURE_STREAK alert. Defaults to
		// DefaultFailureStreakThreshold.
		FailureStreakThreshold int
		// QueueBacklogThreshold is the queue depth above which a
		// QUEUE_BACKLOG alert opens. Defaults to
		// DefaultQueueBacklogThreshold.
		QueueBacklogThreshold int64
		// WorkerStaleWindow is the heartbeat age beyond which a worker
		// counts as down. Defaults to DefaultWorkerStaleWindow.
		WorkerStaleWindow time.Duration
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Monitor evaluates SLA rules and fleet health, opening alert events.
	Monitor struct {
		store       *store.Store
		broker      *broker.Broker
		metrics     *metrics.Metrics
		interval    time.Duration
		appTZ       *time.Location
		streak      int
		backlog     int64
		staleWindow time.Duration
		now         func() time.Time
	}

	// CycleResult counts one cycle's findings. Opened counts rows actually
	// inserted; the per-condition counters count detections, which include
	// conditions already covered by an unresolved alert.
	CycleResult struct {
		Opened        int
		Late          int
		FailureStreak int
		StaleWorkers  int
		QueueBacklog  bool
	}
)

// New constructs a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("broker is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	appTZ := opts.AppTimezone
	if appTZ == nil {
		appTZ = time.UTC
	}
	streak := opts.FailureStreakThreshold
	if streak <= 0 {
		streak = DefaultFailureStreakThreshold
	}
	backlog := opts.QueueBacklogThreshold
	if backlog <= 0 {
		backlog = DefaultQueueBacklogThreshold
	}
	staleWindow := opts.WorkerStaleWindow
	if staleWindow <= 0 {
		staleWindow = DefaultWorkerStaleWindow
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		store:       opts.Store,
		broker:      opts.Broker,
		metrics:     opts.Metrics,
		interval:    interval,
		appTZ:       appTZ,
		streak:      streak,
		backlog:     backlog,
		staleWindow: staleWindow,
		now:         now,
	}, nil
}

// Run executes cycles until ctx is canceled. The first cycle starts
// immediately. Cycle failures are logged and the loop keeps ticking.
func (m *Monitor) Run(ctx context.Context) error {
	log.Infof(ctx, "sla monitor started, interval %s", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		res, err := m.RunCycle(ctx)
		switch {
		case err == nil:
			log.Infof(ctx, "sla monitor cycle complete opened=%d late=%d streaks=%d stale_workers=%d backlog=%t",
				res.Opened, res.Late, res.FailureStreak, res.StaleWorkers, res.QueueBacklog)
		case !errors.Is(err, context.Canceled):
			log.Errorf(ctx, err, "sla monitor cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every SLA rule and the fleet conditions once against the
// current clock. A failure scoped to one robot is logged and the remaining
// rules still get evaluated; only store or broker failures that void the
// whole cycle abort it.
func (m *Monitor) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	now := m.now().UTC()

	rules, err := m.store.ListSlaRules(ctx)
	if err != nil {
		return res, fmt.Errorf("list sla rules: %w", err)
	}
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.evaluateRule(ctx, rule, now, &res); err != nil {
			log.Errorf(ctx, err, "sla evaluation failed robot_id=%s", rule.RobotID)
		}
	}

	if err := m.checkQueueBacklog(ctx, &res); err != nil {
		log.Errorf(ctx, err, "queue backlog check failed")
	}
	if err := m.checkWorkers(ctx, now, &res); err != nil {
		log.Errorf(ctx, err, "worker heartbeat check failed")
	}
	return res, nil
}

// evaluateRule checks lateness and failure streak for one robot.
func (m *Monitor) evaluateRule(ctx context.Context, rule *orchestrator.SlaRule, now time.Time, res *CycleResult) error {
	robot, err := m.store.GetRobot(ctx, rule.RobotID)
	if errors.Is(err, orchestrator.ErrRobotNotFound) {
		// Rule outlived its robot; nothing to alert on.
		return nil
	}
	if err != nil {
		return err
	}

	if rule.AlertOnLate {
		late, err := m.isLate(ctx, rule, now)
		if err != nil {
			return err
		}
		if late {
			res.Late++
			if err := m.open(ctx, &orchestrator.AlertEvent{
				RobotID:  robot.ID,
				Type:     orchestrator.AlertLate,
				Severity: orchestrator.SeverityWarn,
				Message:  fmt.Sprintf("Robot %s is late based on configured SLA.", robot.Name),
				Metadata: orchestrator.Metadata{
					"late_after_minutes": rule.LateAfterMinutes,
				},
			}, res); err != nil {
				return err
			}
		}
	}

	if rule.AlertOnFailure {
		streak, lastRunID, err := m.hasFailureStreak(ctx, robot.ID)
		if err != nil {
			return err
		}
		if streak {
			res.FailureStreak++
			alert := &orchestrator.AlertEvent{
				RobotID:  robot.ID,
				Type:     orchestrator.AlertFailureStreak,
				Severity: orchestrator.SeverityCritical,
				Message:  fmt.Sprintf("Robot %s reached failure streak >= %d.", robot.Name, m.streak),
				Metadata: orchestrator.Metadata{
					"threshold": m.streak,
				},
			}
			if lastRunID != "" {
				alert.RunID = &lastRunID
			}
			if err := m.open(ctx, alert, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// isLate reports whether the robot has missed its SLA expectation at now.
func (m *Monitor) isLate(ctx context.Context, rule *orchestrator.SlaRule, now time.Time) (bool, error) {
	switch {
	case rule.ExpectedRunEveryMinutes != nil:
		last, err := m.store.LastRunForRobot(ctx, rule.RobotID)
		if err != nil {
			return false, err
		}
		if last == nil {
			// Never ran at all: late by definition of the expectation.
			return true, nil
		}
		allowed := time.Duration(*rule.ExpectedRunEveryMinutes+rule.LateAfterMinutes) * time.Minute
		return now.Sub(last.QueuedAt) > allowed, nil

	case rule.ExpectedDailyTime != nil:
		hour, minute, err := orchestrator.ParseClock(*rule.ExpectedDailyTime)
		if err != nil {
			return false, fmt.Errorf("sla daily time: %w", err)
		}
		local := now.In(m.appTZ)
		expected := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, m.appTZ)
		deadline := expected.Add(time.Duration(rule.LateAfterMinutes) * time.Minute)
		if !local.After(deadline) {
			return false, nil
		}
		n, err := m.store.CountRunsForRobotSince(ctx, rule.RobotID, expected)
		if err != nil {
			return false, err
		}
		return n == 0, nil

	default:
		// Neither mode set; validation should prevent this, skip quietly.
		return false, nil
	}
}

// hasFailureStreak reports whether the robot's last runs are all FAILED and
// at least the threshold count exists. The second return is the newest
// failed run's id for alert linkage.
func (m *Monitor) hasFailureStreak(ctx context.Context, robotID string) (bool, string, error) {
	runs, err := m.store.RecentRunsForRobot(ctx, robotID, m.streak)
	if err != nil {
		return false, "", err
	}
	if len(runs) < m.streak {
		return false, "", nil
	}
	for _, r := range runs {
		if r.Status != orchestrator.RunFailed {
			return false, "", nil
		}
	}
	return true, runs[0].ID, nil
}

// checkQueueBacklog opens a QUEUE_BACKLOG alert when the broker queue depth
// crosses the threshold, and refreshes the depth gauge either way.
func (m *Monitor) checkQueueBacklog(ctx context.Context, res *CycleResult) error {
	depth, err := m.broker.QueueDepth(ctx)
	if err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SetQueueDepth(depth)
	}
	if depth <= m.backlog {
		return nil
	}
	res.QueueBacklog = true
	target, ok, err := m.store.PickAlertTargetRobot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// No robots registered; nowhere to attach the alert.
		return nil
	}
	return m.open(ctx, &orchestrator.AlertEvent{
		RobotID:  target,
		Type:     orchestrator.AlertQueueBacklog,
		Severity: orchestrator.SeverityWarn,
		Message:  fmt.Sprintf("Queue depth is high (%d).", depth),
		Metadata: orchestrator.Metadata{
			"queue_depth": depth,
			"threshold":   m.backlog,
		},
	}, res)
}

// checkWorkers opens a WORKER_DOWN alert when any RUNNING worker's row
// heartbeat is stale, or its broker heartbeat key is missing or stale. The
// two trails back each other up: the row survives a flushed broker, the key
// survives a wedged store writer.
func (m *Monitor) checkWorkers(ctx context.Context, now time.Time, res *CycleResult) error {
	cutoff := now.Add(-m.staleWindow)

	stale := map[string]bool{}
	rows, err := m.store.StaleWorkers(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, w := range rows {
		stale[w.Name] = true
	}

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	beats, err := m.broker.ListWorkerHeartbeats(ctx)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if w.Status != orchestrator.WorkerRunning || stale[w.Name] {
			continue
		}
		at, ok := beats[w.Name]
		if !ok || at.Before(cutoff) {
			stale[w.Name] = true
		}
	}

	if len(stale) == 0 {
		return nil
	}
	res.StaleWorkers = len(stale)

	names := make([]string, 0, len(stale))
	for name := range stale {
		names = append(names, name)
	}
	sort.Strings(names)
	target, ok, err := m.store.PickAlertTargetRobot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.open(ctx, &orchestrator.AlertEvent{
		RobotID:  target,
		Type:     orchestrator.AlertWorkerDown,
		Severity: orchestrator.SeverityCritical,
		Message:  "Worker heartbeat is stale.",
		Metadata: orchestrator.Metadata{
			"workers": names,
		},
	}, res)
}

// open inserts the alert unless an unresolved one already covers the
// condition, counting only actual inserts.
func (m *Monitor) open(ctx context.Context, alert *orchestrator.AlertEvent, res *CycleResult) error {
	created, err := m.store.OpenAlert(ctx, alert)
	if err != nil {
		return err
	}
	if created {
		res.Opened++
		log.Infof(ctx, "alert opened type=%s robot_id=%s alert_id=%s", alert.Type, alert.RobotID, alert.ID)
	}
	return nil
}
