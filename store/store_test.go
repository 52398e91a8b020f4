package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{URL: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedRobot(t *testing.T, s *Store, name string) *orchestrator.Robot {
	t.Helper()
	r := &orchestrator.Robot{Name: name}
	require.NoError(t, s.CreateRobot(context.Background(), r))
	return r
}

func seedVersion(t *testing.T, s *Store, robotID, version string) *orchestrator.RobotVersion {
	t.Helper()
	v := &orchestrator.RobotVersion{
		RobotID:        robotID,
		Version:        version,
		ArtifactType:   orchestrator.ArtifactZip,
		ArtifactPath:   "/tmp/artifact.zip",
		EntrypointType: orchestrator.EntrypointScript,
		EntrypointPath: "main.py",
	}
	require.NoError(t, s.CreateVersion(context.Background(), v))
	return v
}

func seedRun(t *testing.T, s *Store, robotID, versionID string) *orchestrator.Run {
	t.Helper()
	r := &orchestrator.Run{
		RobotID:        robotID,
		RobotVersionID: versionID,
		TriggerType:    orchestrator.TriggerManual,
	}
	require.NoError(t, s.InsertRun(context.Background(), r))
	return r
}

func TestRobotCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	robot := seedRobot(t, s, "invoice-sync")
	got, err := s.GetRobot(ctx, robot.ID)
	require.NoError(t, err)
	assert.Equal(t, "invoice-sync", got.Name)

	byName, err := s.GetRobotByName(ctx, "invoice-sync")
	require.NoError(t, err)
	assert.Equal(t, robot.ID, byName.ID)

	dup := &orchestrator.Robot{Name: "invoice-sync"}
	require.ErrorIs(t, s.CreateRobot(ctx, dup), orchestrator.ErrRobotExists)

	got.Description = "syncs invoices"
	got.Tags = orchestrator.StringList{"finance"}
	require.NoError(t, s.UpdateRobot(ctx, got))
	got, err = s.GetRobot(ctx, robot.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StringList{"finance"}, got.Tags)

	require.NoError(t, s.DeleteRobot(ctx, robot.ID))
	_, err = s.GetRobot(ctx, robot.ID)
	require.ErrorIs(t, err, orchestrator.ErrRobotNotFound)
}

func TestSingleActiveVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")

	v1 := seedVersion(t, s, robot.ID, "1.0.0")
	// First version activates automatically.
	active, err := s.ActiveVersion(ctx, robot.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	v2 := seedVersion(t, s, robot.ID, "1.1.0")
	active, err = s.ActiveVersion(ctx, robot.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID, "creating a later version must not steal activation")

	_, err = s.ActivateVersion(ctx, robot.ID, v2.ID)
	require.NoError(t, err)

	versions, err := s.ListVersions(ctx, robot.ID)
	require.NoError(t, err)
	activeCount := 0
	for _, v := range versions {
		if v.IsActive {
			activeCount++
			assert.Equal(t, v2.ID, v.ID)
		}
	}
	assert.Equal(t, 1, activeCount)

	other := seedRobot(t, s, "r2")
	_, err = s.ActivateVersion(ctx, other.ID, v2.ID)
	require.ErrorIs(t, err, orchestrator.ErrVersionNotFound, "activation across robots must fail")

	dup := &orchestrator.RobotVersion{RobotID: robot.ID, Version: "1.1.0", ArtifactType: orchestrator.ArtifactZip, ArtifactPath: "x"}
	require.ErrorIs(t, s.CreateVersion(ctx, dup), orchestrator.ErrVersionExists)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")
	version := seedVersion(t, s, robot.ID, "1.0.0")
	run := seedRun(t, s, robot.ID, version.ID)

	assert.Equal(t, orchestrator.RunPending, run.Status)
	assert.Nil(t, run.StartedAt)
	assert.Nil(t, run.FinishedAt)

	started := time.Now().UTC().Truncate(time.Second)
	run, ok, err := s.MarkRunRunning(ctx, run.ID, "host-1", started)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orchestrator.RunRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	// Second transition attempt reports the run as no longer PENDING.
	_, ok, err = s.MarkRunRunning(ctx, run.ID, "host-2", started)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetRunProcessID(ctx, run.ID, 4242))
	run, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, run.ProcessID)
	assert.EqualValues(t, 4242, *run.ProcessID)

	finished := started.Add(3 * time.Second)
	run, err = s.FinalizeRun(ctx, FinalizeRunParams{
		RunID:      run.ID,
		Status:     orchestrator.RunSuccess,
		FinishedAt: finished,
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.DurationSeconds)
	assert.InDelta(t, 3.0, *run.DurationSeconds, 0.001)
	assert.Nil(t, run.ProcessID)

	// Terminal status is a sink: a late FAILED finalization is ignored.
	msg := "late failure"
	run, err = s.FinalizeRun(ctx, FinalizeRunParams{
		RunID:        run.ID,
		Status:       orchestrator.RunFailed,
		ErrorMessage: &msg,
		FinishedAt:   finished.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunSuccess, run.Status)
	assert.Nil(t, run.ErrorMessage)
}

func TestRequestCancelSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")
	version := seedVersion(t, s, robot.ID, "1.0.0")

	t.Run("pending run is not cancelable", func(t *testing.T) {
		run := seedRun(t, s, robot.ID, version.ID)
		_, _, err := s.RequestCancel(ctx, run.ID, "alice")
		require.ErrorIs(t, err, orchestrator.ErrNotCancelable)
	})

	t.Run("running run cancels once", func(t *testing.T) {
		run := seedRun(t, s, robot.ID, version.ID)
		_, _, err := s.MarkRunRunning(ctx, run.ID, "host-1", time.Time{})
		require.NoError(t, err)

		got, first, err := s.RequestCancel(ctx, run.ID, "alice")
		require.NoError(t, err)
		assert.True(t, first)
		assert.True(t, got.CancelRequested)
		require.NotNil(t, got.CanceledBy)
		assert.Equal(t, "alice", *got.CanceledBy)

		got, second, err := s.RequestCancel(ctx, run.ID, "bob")
		require.NoError(t, err)
		assert.False(t, second, "repeat cancel must not count as a new request")
		assert.Equal(t, "alice", *got.CanceledBy)
	})

	t.Run("terminal run conflicts unless canceled", func(t *testing.T) {
		run := seedRun(t, s, robot.ID, version.ID)
		_, _, err := s.MarkRunRunning(ctx, run.ID, "host-1", time.Time{})
		require.NoError(t, err)
		_, err = s.FinalizeRun(ctx, FinalizeRunParams{RunID: run.ID, Status: orchestrator.RunFailed})
		require.NoError(t, err)

		_, _, err = s.RequestCancel(ctx, run.ID, "alice")
		require.ErrorIs(t, err, orchestrator.ErrNotCancelable)
	})

	t.Run("canceled run is idempotent success", func(t *testing.T) {
		run := seedRun(t, s, robot.ID, version.ID)
		_, _, err := s.MarkRunRunning(ctx, run.ID, "host-1", time.Time{})
		require.NoError(t, err)
		now := time.Now().UTC()
		_, err = s.FinalizeRun(ctx, FinalizeRunParams{RunID: run.ID, Status: orchestrator.RunCanceled, CanceledAt: &now})
		require.NoError(t, err)

		got, first, err := s.RequestCancel(ctx, run.ID, "alice")
		require.NoError(t, err)
		assert.False(t, first)
		assert.Equal(t, orchestrator.RunCanceled, got.Status)
	})
}

func TestListRunsFilterAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")
	version := seedVersion(t, s, robot.ID, "1.0.0")

	for i := 0; i < 5; i++ {
		seedRun(t, s, robot.ID, version.ID)
	}
	other := seedRobot(t, s, "r2")
	otherVersion := seedVersion(t, s, other.ID, "1.0.0")
	seedRun(t, s, other.ID, otherVersion.ID)

	runs, total, err := s.ListRuns(ctx, RunFilter{RobotID: robot.ID})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, runs, 5)

	runs, total, err = s.ListRuns(ctx, RunFilter{RobotID: robot.ID, Skip: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, runs, 2)

	runs, total, err = s.ListRuns(ctx, RunFilter{Status: orchestrator.RunPending})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Len(t, runs, 6)
}

func TestRunLogOrderAndTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")
	version := seedVersion(t, s, robot.ID, "1.0.0")
	run := seedRun(t, s, robot.ID, version.ID)

	messages := []string{"one", "two", "three", "four", "five"}
	for _, m := range messages {
		_, err := s.AppendRunLog(ctx, run.ID, orchestrator.LogInfo, m)
		require.NoError(t, err)
	}

	logs, err := s.ListRunLogs(ctx, run.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	for i := 1; i < len(logs); i++ {
		assert.Greater(t, logs[i].ID, logs[i-1].ID)
		assert.Equal(t, messages[i], logs[i].Message)
	}

	tail, err := s.TailRunLogs(ctx, run.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "four", tail[0].Message)
	assert.Equal(t, "five", tail[1].Message)
}

func TestAlertDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")

	created, err := s.OpenAlert(ctx, &orchestrator.AlertEvent{
		RobotID:  robot.ID,
		Type:     orchestrator.AlertLate,
		Severity: orchestrator.SeverityWarn,
		Message:  "Robot r1 is late based on configured SLA.",
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Same (robot, type) while unresolved: no new row.
	again, err := s.OpenAlert(ctx, &orchestrator.AlertEvent{
		RobotID: robot.ID,
		Type:    orchestrator.AlertLate,
		Message: "Robot r1 is late based on configured SLA.",
	})
	require.NoError(t, err)
	assert.False(t, again)

	// Different type opens independently.
	other, err := s.OpenAlert(ctx, &orchestrator.AlertEvent{
		RobotID: robot.ID,
		Type:    orchestrator.AlertFailureStreak,
		Message: "Robot r1 reached failure streak >= 3.",
	})
	require.NoError(t, err)
	assert.True(t, other)

	open, err := s.ListAlerts(ctx, AlertFilter{Status: "open", RobotID: robot.ID})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// Resolving reopens the slot for that type.
	alerts, err := s.ListAlerts(ctx, AlertFilter{Status: "open", Type: orchestrator.AlertLate})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	resolved, err := s.ResolveAlert(ctx, alerts[0].ID, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	reopened, err := s.OpenAlert(ctx, &orchestrator.AlertEvent{
		RobotID: robot.ID,
		Type:    orchestrator.AlertLate,
		Message: "Robot r1 is late based on configured SLA.",
	})
	require.NoError(t, err)
	assert.True(t, reopened)
}

func TestWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Worker{Name: "worker-1", Hostname: "host-a", Version: "dev"}
	require.NoError(t, s.RegisterWorker(ctx, w))

	got, err := s.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.WorkerRunning, got.Status)

	_, err = s.SetWorkerStatus(ctx, "worker-1", orchestrator.WorkerPaused)
	require.NoError(t, err)

	// Re-registration keeps the operator-set status.
	require.NoError(t, s.RegisterWorker(ctx, &orchestrator.Worker{Name: "worker-1", Hostname: "host-b"}))
	got, err = s.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.WorkerPaused, got.Status)
	assert.Equal(t, "host-b", got.Hostname)

	_, err = s.SetWorkerStatus(ctx, "worker-1", orchestrator.WorkerRunning)
	require.NoError(t, err)
	require.NoError(t, s.HeartbeatWorker(ctx, "worker-1", time.Now().Add(-10*time.Minute)))
	stale, err := s.StaleWorkers(ctx, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "worker-1", stale[0].Name)

	require.NoError(t, s.HeartbeatWorker(ctx, "worker-1", time.Now()))
	stale, err = s.StaleWorkers(ctx, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.ErrorIs(t, s.HeartbeatWorker(ctx, "ghost", time.Now()), orchestrator.ErrWorkerNotFound)
}

func TestEnvVars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	robot := seedRobot(t, s, "r1")

	v := &orchestrator.RobotEnvVar{
		RobotID:        robot.ID,
		EnvName:        orchestrator.EnvProd,
		Key:            "API_TOKEN",
		ValueEncrypted: "opaque-1",
	}
	require.NoError(t, s.UpsertEnvVar(ctx, v))

	v2 := &orchestrator.RobotEnvVar{
		RobotID:        robot.ID,
		EnvName:        orchestrator.EnvProd,
		Key:            "API_TOKEN",
		ValueEncrypted: "opaque-2",
	}
	require.NoError(t, s.UpsertEnvVar(ctx, v2))

	got, err := s.GetEnvVar(ctx, robot.ID, orchestrator.EnvProd, "API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "opaque-2", got.ValueEncrypted)

	missing, err := s.MissingEnvKeys(ctx, robot.ID, orchestrator.EnvProd, []string{"API_TOKEN", "DB_URL"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DB_URL"}, missing)

	missing, err = s.MissingEnvKeys(ctx, robot.ID, orchestrator.EnvTest, []string{"API_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, []string{"API_TOKEN"}, missing, "environments are isolated")

	require.NoError(t, s.DeleteEnvVar(ctx, robot.ID, orchestrator.EnvProd, "API_TOKEN"))
	_, err = s.GetEnvVar(ctx, robot.ID, orchestrator.EnvProd, "API_TOKEN")
	require.ErrorIs(t, err, orchestrator.ErrEnvVarNotFound)
}

func TestTryNamedLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	release, ok, err := s.TryNamedLock(ctx, "schedule-dispatch:r1")
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := s.TryNamedLock(ctx, "schedule-dispatch:r1")
	require.NoError(t, err)
	assert.False(t, again, "second acquisition must fail while held")

	_, other, err := s.TryNamedLock(ctx, "schedule-dispatch:r2")
	require.NoError(t, err)
	assert.True(t, other, "distinct names do not contend")

	release()
	release2, ok, err := s.TryNamedLock(ctx, "schedule-dispatch:r1")
	require.NoError(t, err)
	assert.True(t, ok, "released lock is reacquirable")
	release2()
}

func TestAuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAudit(ctx, &orchestrator.AuditEvent{
		Actor:      "alice",
		Action:     "run_cancel_requested",
		EntityType: "run",
		EntityID:   "run-1",
	}))
	events, err := s.ListAudits(ctx, "run_cancel_requested", "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Actor)
}
