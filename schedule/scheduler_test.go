package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/store"
)

// baseNow is a Thursday, 12:00:30 UTC. The thirty seconds past the minute
// matter for the window boundary tests.
var baseNow = time.Date(2024, 3, 14, 12, 0, 30, 0, time.UTC)

type harness struct {
	sched  *Scheduler
	store  *store.Store
	broker *broker.Broker
	reg    *registry.Registry
	clock  func() time.Time
}

// newHarness wires a scheduler, its registry and the backing stores onto one
// fixed clock so cron matching and the minute dedupe evaluate a known minute.
func newHarness(t *testing.T, now time.Time, mutate ...func(*Options)) *harness {
	t.Helper()
	s, err := store.Open(store.Options{URL: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b, err := broker.New(broker.Options{Client: client})
	require.NoError(t, err)

	clock := func() time.Time { return now }
	reg, err := registry.New(registry.Options{Store: s, Broker: b, Now: clock})
	require.NoError(t, err)

	opts := Options{Store: s, Registry: reg, Now: clock}
	for _, m := range mutate {
		m(&opts)
	}
	sched, err := New(opts)
	require.NoError(t, err)
	return &harness{sched: sched, store: s, broker: b, reg: reg, clock: clock}
}

func seedRobot(t *testing.T, s *store.Store, name string) *orchestrator.Robot {
	t.Helper()
	robot := &orchestrator.Robot{Name: name}
	require.NoError(t, s.CreateRobot(context.Background(), robot))
	version := &orchestrator.RobotVersion{
		RobotID:      robot.ID,
		Version:      "1.0.0",
		ArtifactType: orchestrator.ArtifactExe,
		ArtifactPath: "robots/" + robot.ID + "/1.0.0/bot",
	}
	require.NoError(t, s.CreateVersion(context.Background(), version))
	return robot
}

func seedSchedule(t *testing.T, s *store.Store, robotID string, mutate ...func(*orchestrator.Schedule)) *orchestrator.Schedule {
	t.Helper()
	sc := &orchestrator.Schedule{
		RobotID:             robotID,
		CronExpr:            "* * * * *",
		Timezone:            "UTC",
		MaxConcurrency:      1,
		TimeoutSeconds:      3600,
		RetryBackoffSeconds: 60,
		Enabled:             true,
	}
	for _, m := range mutate {
		m(sc)
	}
	require.NoError(t, s.CreateSchedule(context.Background(), sc))
	return sc
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	s, err := store.Open(store.Options{URL: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = New(Options{Store: s})
	require.Error(t, err)
}

func TestRunCycleDispatchesDueSchedule(t *testing.T) {
	h := newHarness(t, baseNow)
	ctx := context.Background()
	robot := seedRobot(t, h.store, "invoice-bot")
	sc := seedSchedule(t, h.store, robot.ID)

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Dispatched: 1}, res)

	runs, total, err := h.store.ListRuns(ctx, store.RunFilter{RobotID: robot.ID})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	run := runs[0]
	assert.Equal(t, orchestrator.RunPending, run.Status)
	assert.Equal(t, orchestrator.TriggerScheduled, run.TriggerType)
	assert.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.ScheduleID)
	assert.Equal(t, sc.ID, *run.ScheduleID)
	assert.WithinDuration(t, baseNow, run.QueuedAt, time.Second)

	job, err := h.broker.Lease(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, run.ID, job.RunID)
	assert.Equal(t, orchestrator.TriggerScheduled, job.TriggerType)

	audits, err := h.store.ListAudits(ctx, "schedule.dispatched", run.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "scheduler", audits[0].Actor)
	assert.Equal(t, "run", audits[0].EntityType)
	assert.Equal(t, robot.ID, audits[0].Metadata["robot_id"])
	assert.Equal(t, sc.ID, audits[0].Metadata["schedule_id"])
}

func TestRunCycleSkipsWhenCronNotDue(t *testing.T) {
	h := newHarness(t, baseNow)
	robot := seedRobot(t, h.store, "nightly-bot")
	seedSchedule(t, h.store, robot.ID, func(sc *orchestrator.Schedule) {
		sc.CronExpr = "30 4 * * *"
	})

	res, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, res)

	_, total, err := h.store.ListRuns(context.Background(), store.RunFilter{RobotID: robot.ID})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunCycleDedupesWithinMinute(t *testing.T) {
	h := newHarness(t, baseNow)
	ctx := context.Background()
	robot := seedRobot(t, h.store, "dedupe-bot")
	seedSchedule(t, h.store, robot.ID, func(sc *orchestrator.Schedule) {
		sc.MaxConcurrency = 10
	})

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)

	// A second replica sharing the store and clock lands on the dedupe gate.
	replica, err := New(Options{Store: h.store, Registry: h.reg, Now: h.clock})
	require.NoError(t, err)
	res, err = replica.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{SkippedDuplicate: 1}, res)

	_, total, err := h.store.ListRuns(ctx, store.RunFilter{RobotID: robot.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunCycleHonorsExecutionWindow(t *testing.T) {
	cases := []struct {
		name  string
		start string
		end   string
		want  CycleResult
	}{
		{"inside plain window", "08:00", "17:00", CycleResult{Dispatched: 1}},
		{"outside plain window", "08:00", "11:00", CycleResult{SkippedWindow: 1}},
		{"window end closes on the minute", "08:00", "12:00", CycleResult{SkippedWindow: 1}},
		{"inside wrapped window", "22:00", "13:00", CycleResult{Dispatched: 1}},
		{"outside wrapped window", "22:00", "02:00", CycleResult{SkippedWindow: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, baseNow)
			robot := seedRobot(t, h.store, "window-bot")
			seedSchedule(t, h.store, robot.ID, func(sc *orchestrator.Schedule) {
				start, end := tc.start, tc.end
				sc.WindowStart, sc.WindowEnd = &start, &end
			})

			res, err := h.sched.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, res)
		})
	}
}

func TestRunCycleHonorsConcurrencyGate(t *testing.T) {
	h := newHarness(t, baseNow)
	ctx := context.Background()
	robot := seedRobot(t, h.store, "busy-bot")
	seedSchedule(t, h.store, robot.ID)

	// A pending manual run occupies the robot's single slot.
	_, err := h.reg.CreateRun(ctx, registry.CreateRunParams{RobotID: robot.ID})
	require.NoError(t, err)

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{SkippedConcurrency: 1}, res)

	_, total, err := h.store.ListRuns(ctx, store.RunFilter{RobotID: robot.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunCycleIgnoresDisabledSchedule(t *testing.T) {
	h := newHarness(t, baseNow)
	robot := seedRobot(t, h.store, "paused-bot")
	seedSchedule(t, h.store, robot.ID, func(sc *orchestrator.Schedule) {
		sc.Enabled = false
	})

	res, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, res)
}

func TestRunCycleContinuesAfterDispatchFailure(t *testing.T) {
	h := newHarness(t, baseNow)
	ctx := context.Background()

	// A robot without any version cannot be dispatched.
	bare := &orchestrator.Robot{Name: "bare-bot"}
	require.NoError(t, h.store.CreateRobot(ctx, bare))
	seedSchedule(t, h.store, bare.ID)

	healthy := seedRobot(t, h.store, "healthy-bot")
	seedSchedule(t, h.store, healthy.ID)

	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)

	_, total, err := h.store.ListRuns(ctx, store.RunFilter{RobotID: bare.ID})
	require.NoError(t, err)
	assert.Zero(t, total)
	_, total, err = h.store.ListRuns(ctx, store.RunFilter{RobotID: healthy.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRunCycleMatchesCronInScheduleTimezone(t *testing.T) {
	ctx := context.Background()

	// 12:00 UTC is 09:00 in Sao Paulo.
	h := newHarness(t, baseNow)
	robot := seedRobot(t, h.store, "sp-bot")
	seedSchedule(t, h.store, robot.ID, func(sc *orchestrator.Schedule) {
		sc.CronExpr = "0 9 * * *"
		sc.Timezone = "America/Sao_Paulo"
	})
	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)

	// An unknown timezone falls back to the app timezone, here UTC, where
	// 09:00 does not match.
	h2 := newHarness(t, baseNow)
	robot2 := seedRobot(t, h2.store, "tz-bot")
	seedSchedule(t, h2.store, robot2.ID, func(sc *orchestrator.Schedule) {
		sc.CronExpr = "0 9 * * *"
		sc.Timezone = "Mars/Olympus"
	})
	res, err = h2.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, res)
}

func TestRunCycleSkipsRobotHeldByAnotherReplica(t *testing.T) {
	h := newHarness(t, baseNow)
	ctx := context.Background()
	robot := seedRobot(t, h.store, "locked-bot")
	seedSchedule(t, h.store, robot.ID)

	release, ok, err := h.store.TryNamedLock(ctx, "schedule-dispatch:"+robot.ID)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	// A held lock is an uncounted skip; the holder dedupes the minute.
	res, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, res)

	_, total, err := h.store.ListRuns(ctx, store.RunFilter{RobotID: robot.ID})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunLoopDispatchesAndStops(t *testing.T) {
	h := newHarness(t, baseNow, func(o *Options) {
		o.Interval = 50 * time.Millisecond
	})
	robot := seedRobot(t, h.store, "loop-bot")
	seedSchedule(t, h.store, robot.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, total, err := h.store.ListRuns(context.Background(), store.RunFilter{RobotID: robot.ID})
		return err == nil && total == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
