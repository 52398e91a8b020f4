package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b, err := New(Options{Client: client})
	require.NoError(t, err)
	return b, mr
}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{URL: "not a url"})
	require.Error(t, err)
}

func TestEnqueueLeaseFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	first := &Job{RunID: "run-1", RobotID: "r1", TriggerType: orchestrator.TriggerManual, Attempt: 1}
	second := &Job{RunID: "run-2", RobotID: "r1", TriggerType: orchestrator.TriggerScheduled, Attempt: 1}
	require.NoError(t, b.EnqueueJob(ctx, first))
	require.NoError(t, b.EnqueueJob(ctx, second))

	depth, err := b.QueueDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	got, err := b.Lease(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, orchestrator.TriggerManual, got.TriggerType)

	got, err = b.Lease(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-2", got.RunID)
}

func TestLeaseEmptyQueueTimesOut(t *testing.T) {
	b, _ := newTestBroker(t)

	start := time.Now()
	job, err := b.Lease(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRequeueFrontPreservesPosition(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.EnqueueJob(ctx, &Job{RunID: "run-1"}))
	require.NoError(t, b.EnqueueJob(ctx, &Job{RunID: "run-2"}))

	got, err := b.Lease(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)

	// A paused worker puts the job back at the front.
	require.NoError(t, b.RequeueFront(ctx, got))

	got, err = b.Lease(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}

func TestJobNotBeforeRoundTrip(t *testing.T) {
	var job Job
	assert.True(t, job.ReadyAt().IsZero())

	at := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	job.SetNotBefore(at)
	assert.WithinDuration(t, at, job.ReadyAt(), time.Millisecond)

	// The wire value survives JSON round-tripping.
	body, err := json.Marshal(&job)
	require.NoError(t, err)
	var decoded Job
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.WithinDuration(t, at, decoded.ReadyAt(), time.Millisecond)
}

func TestPublishAndSubscribeLogs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.SubscribeLogs(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	frame := &LogFrame{
		RunID:     "run-1",
		Timestamp: "2025-06-01T12:00:00Z",
		Level:     "INFO",
		Message:   "Execution started.",
	}
	require.NoError(t, b.PublishLog(ctx, frame))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, b.LogChannel("run-1"), msg.Channel)
		var got LogFrame
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, *frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no log frame received")
	}
}

func TestSubscriptionsAreScopedPerRun(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.SubscribeLogs(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.PublishLog(ctx, &LogFrame{RunID: "run-2", Message: "other run"}))
	require.NoError(t, b.PublishLog(ctx, &LogFrame{RunID: "run-1", Message: "mine"}))

	select {
	case msg := <-sub.Messages():
		var got LogFrame
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "mine", got.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no log frame received")
	}
}

func TestWorkerHeartbeatTTL(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.SetWorkerHeartbeat(ctx, "worker-1", now, 2*time.Minute))

	got, ok, err := b.WorkerHeartbeat(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, got)

	_, ok, err = b.WorkerHeartbeat(ctx, "worker-2")
	require.NoError(t, err)
	assert.False(t, ok, "unknown worker has no heartbeat")

	mr.FastForward(3 * time.Minute)
	_, ok, err = b.WorkerHeartbeat(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat expires with its TTL")
}

func TestListWorkerHeartbeats(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	beats, err := b.ListWorkerHeartbeats(ctx)
	require.NoError(t, err)
	assert.Empty(t, beats)

	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(30 * time.Second)
	require.NoError(t, b.SetWorkerHeartbeat(ctx, "worker-1", t1, time.Hour))
	require.NoError(t, b.SetWorkerHeartbeat(ctx, "worker-2", t2, time.Hour))

	beats, err = b.ListWorkerHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, t1, beats["worker-1"])
	assert.Equal(t, t2, beats["worker-2"])
}

func TestQueuedRunIDs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	ids, err := b.QueuedRunIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, b.EnqueueJob(ctx, &Job{RunID: "run-1", RobotID: "r1"}))
	require.NoError(t, b.EnqueueJob(ctx, &Job{RunID: "run-2", RobotID: "r1"}))

	ids, err = b.QueuedRunIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"run-1": true, "run-2": true}, ids)
}

func TestJobForRunCarriesRunFields(t *testing.T) {
	scheduleID := "sched-1"
	run := &orchestrator.Run{
		ID:               "run-1",
		RobotID:          "robot-1",
		RobotVersionID:   "version-1",
		RuntimeArguments: orchestrator.StringList{"--fast"},
		RuntimeEnv:       orchestrator.StringMap{"MODE": "dry"},
		TriggerType:      orchestrator.TriggerScheduled,
		Attempt:          2,
		ScheduleID:       &scheduleID,
		Parameters:       orchestrator.Metadata{"invoice": "42"},
		EnvName:          orchestrator.EnvHml,
	}

	job := JobForRun(run)
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, "robot-1", job.RobotID)
	assert.Equal(t, "version-1", job.RobotVersionID)
	assert.Equal(t, []string{"--fast"}, job.RuntimeArguments)
	assert.Equal(t, map[string]string{"MODE": "dry"}, job.RuntimeEnv)
	assert.Equal(t, orchestrator.TriggerScheduled, job.TriggerType)
	assert.Equal(t, 2, job.Attempt)
	require.NotNil(t, job.ScheduleID)
	assert.Equal(t, "sched-1", *job.ScheduleID)
	assert.Equal(t, orchestrator.EnvHml, job.EnvName)
	assert.Zero(t, job.NotBeforeTS)
}
