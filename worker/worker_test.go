package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/registry"
)

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunExecutesLeasedJob(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	robot := h.seedRobot(t)
	version := h.seedExeVersion(t, robot.ID, "#!/bin/sh\necho looped\n")
	run := h.newRun(t, registry.CreateRunParams{RobotID: robot.ID, RobotVersionID: version.ID})

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == orchestrator.RunSuccess
	}, 10*time.Second, 25*time.Millisecond)
	assert.Contains(t, h.logMessages(t, run.ID), "looped")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	row, err := h.store.GetWorker(context.Background(), h.worker.Name())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.WorkerRunning, row.Status)
}

func TestRunHonorsPausedStatus(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	robot := h.seedRobot(t)
	version := h.seedExeVersion(t, robot.ID, "#!/bin/sh\necho paused-run\n")

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := h.store.GetWorker(context.Background(), h.worker.Name())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err := h.store.SetWorkerStatus(context.Background(), h.worker.Name(), orchestrator.WorkerPaused)
	require.NoError(t, err)

	// Let the cached status expire before queueing work.
	time.Sleep(150 * time.Millisecond)
	run := h.newRun(t, registry.CreateRunParams{RobotID: robot.ID, RobotVersionID: version.ID})

	assert.Never(t, func() bool {
		r, err := h.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status != orchestrator.RunPending
	}, 500*time.Millisecond, 50*time.Millisecond)

	_, err = h.store.SetWorkerStatus(context.Background(), h.worker.Name(), orchestrator.WorkerRunning)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == orchestrator.RunSuccess
	}, 10*time.Second, 25*time.Millisecond)

	cancel()
	<-done
}

func TestRunStopsWhenOperatorStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := h.store.GetWorker(ctx, h.worker.Name())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err := h.store.SetWorkerStatus(ctx, h.worker.Name(), orchestrator.WorkerStopped)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain and exit")
	}
}

func TestRunDefersFutureDatedJobs(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	robot := h.seedRobot(t)
	version := h.seedExeVersion(t, robot.ID, "#!/bin/sh\necho later\n")
	notBefore := time.Now().Add(time.Second)
	run := h.newRun(t, registry.CreateRunParams{
		RobotID:        robot.ID,
		RobotVersionID: version.ID,
		NotBefore:      &notBefore,
	})

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	assert.Never(t, func() bool {
		r, err := h.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status != orchestrator.RunPending
	}, 400*time.Millisecond, 25*time.Millisecond)

	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == orchestrator.RunSuccess
	}, 10*time.Second, 25*time.Millisecond)

	cancel()
	<-done
}

func TestRunHeartbeats(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		at, ok, err := h.broker.WorkerHeartbeat(context.Background(), h.worker.Name())
		if err != nil || !ok {
			return false
		}
		row, err := h.store.GetWorker(context.Background(), h.worker.Name())
		if err != nil {
			return false
		}
		return time.Since(at) < 5*time.Second && time.Since(row.LastHeartbeat) < 5*time.Second
	}, 5*time.Second, 20*time.Millisecond)

	assert.Greater(t, testutil.ToFloat64(h.metrics.WorkerHeartbeat.WithLabelValues(h.worker.Name())), 0.0)

	cancel()
	<-done
}
