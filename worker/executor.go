package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/registry"
	"github.com/botfleet/orchestrator/store"
)

// finalization captures how supervision ended. retryable distinguishes
// failures worth another attempt from deterministic ones.
type finalization struct {
	status       orchestrator.RunStatus
	errorMessage *string
	canceledAt   *time.Time
	retryable    bool
}

// processRun executes one leased job from preflight to finalization.
func (w *Worker) processRun(ctx context.Context, job *broker.Job) {
	run, err := w.store.GetRun(ctx, job.RunID)
	if err != nil {
		log.Errorf(ctx, err, "load run %s", job.RunID)
		return
	}

	version, err := w.store.GetVersion(ctx, run.RobotVersionID)
	if err != nil {
		if !errors.Is(err, orchestrator.ErrVersionNotFound) {
			log.Errorf(ctx, err, "load version for run %s", run.ID)
			return
		}
		w.appendLog(ctx, run.ID, orchestrator.LogError, "Robot version not found for execution.")
		msg := "Robot version not found."
		w.finalize(ctx, run, finalization{status: orchestrator.RunFailed, errorMessage: &msg}, nil)
		return
	}

	run, leased, err := w.store.MarkRunRunning(ctx, run.ID, w.hostname, w.now())
	if err != nil {
		log.Errorf(ctx, err, "mark run %s running", run.ID)
		return
	}
	if !leased {
		// Redelivered message for a run another replica already picked up.
		log.Warnf(ctx, "dropping redelivered job for run %s in status %s", run.ID, run.Status)
		return
	}
	log.Infof(ctx, "run %s started on %s", run.ID, w.name)

	sched := w.loadSchedule(ctx, run)
	fin := w.executeRun(ctx, run, version, sched)
	w.finalize(ctx, run, fin, sched)
}

func (w *Worker) loadSchedule(ctx context.Context, run *orchestrator.Run) *orchestrator.Schedule {
	if run.ScheduleID == nil {
		return nil
	}
	sched, err := w.store.GetSchedule(ctx, *run.ScheduleID)
	if err != nil {
		log.Errorf(ctx, err, "load schedule for run %s", run.ID)
		return nil
	}
	return sched
}

// executeRun materializes the version, spawns the child and supervises it.
// Panics are converted into a FAILED finalization so the run never sticks
// in RUNNING.
func (w *Worker) executeRun(ctx context.Context, run *orchestrator.Run, version *orchestrator.RobotVersion, sched *orchestrator.Schedule) (fin finalization) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, fmt.Errorf("%v", r), "unexpected failure executing run %s", run.ID)
			msg := fmt.Sprint(r)
			w.appendLog(ctx, run.ID, orchestrator.LogError, "Unexpected failure: "+msg)
			fin = finalization{status: orchestrator.RunFailed, errorMessage: &msg, retryable: true}
		}
	}()

	runDir := filepath.Join(w.artifactsRoot, "runs", run.ID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return w.failRun(ctx, run, fmt.Sprintf("create run directory: %v", err), true)
	}

	w.appendLog(ctx, run.ID, orchestrator.LogInfo, "Execution started.")
	w.appendLog(ctx, run.ID, orchestrator.LogInfo,
		fmt.Sprintf("Using robot version %s (%s)", version.Version, version.ID))

	args := make([]string, 0, len(version.DefaultArguments)+len(run.RuntimeArguments))
	args = append(args, version.DefaultArguments...)
	args = append(args, run.RuntimeArguments...)

	plan, err := w.resolvePlan(version, runDir, args)
	if err != nil {
		var pe *planError
		return w.failRun(ctx, run, err.Error(), !errors.As(err, &pe))
	}

	env, err := w.composeEnv(ctx, run, version)
	if err != nil {
		return w.failRun(ctx, run, err.Error(), true)
	}

	w.appendLog(ctx, run.ID, orchestrator.LogInfo, "Command: "+strings.Join(plan.Command, " "))
	w.appendLog(ctx, run.ID, orchestrator.LogInfo, "Working directory: "+plan.Dir)

	timeout := w.runTimeout
	if sched != nil && sched.TimeoutSeconds > 0 {
		timeout = time.Duration(sched.TimeoutSeconds) * time.Second
	}
	return w.supervise(ctx, run, plan, env, runDir, timeout)
}

// failRun records a failure in the run log and shapes the finalization.
func (w *Worker) failRun(ctx context.Context, run *orchestrator.Run, msg string, retryable bool) finalization {
	w.appendLog(ctx, run.ID, orchestrator.LogError, msg)
	return finalization{status: orchestrator.RunFailed, errorMessage: &msg, retryable: retryable}
}

type streamLine struct {
	level orchestrator.LogLevel
	text  string
}

// supervise runs the child in its own process group, fans its output into
// the run log and polls for cancel requests and the wall clock timeout.
func (w *Worker) supervise(ctx context.Context, run *orchestrator.Run, plan *execPlan, env []string, runDir string, timeout time.Duration) finalization {
	cmd := exec.Command(plan.Command[0], plan.Command[1:]...)
	cmd.Dir = plan.Dir
	cmd.Env = env
	// Own process group so termination signals reach grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return w.failRun(ctx, run, fmt.Sprintf("open stdout pipe: %v", err), true)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return w.failRun(ctx, run, fmt.Sprintf("open stderr pipe: %v", err), true)
	}
	logFile, err := os.OpenFile(filepath.Join(runDir, "run.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return w.failRun(ctx, run, fmt.Sprintf("open run log: %v", err), true)
	}
	defer logFile.Close()

	if err := cmd.Start(); err != nil {
		return w.failRun(ctx, run, err.Error(), true)
	}
	started := time.Now()
	pgid := cmd.Process.Pid
	if err := w.store.SetRunProcessID(ctx, run.ID, int64(pgid)); err != nil {
		log.Errorf(ctx, err, "record process id for run %s", run.ID)
	}

	lines := make(chan streamLine, 256)
	var readers sync.WaitGroup
	readers.Add(2)
	go readStream(&readers, stdout, orchestrator.LogInfo, lines)
	go readStream(&readers, stderr, orchestrator.LogError, lines)

	waitCh := make(chan error, 1)
	go func() {
		// Wait must not run before both pipes are drained.
		readers.Wait()
		close(lines)
		waitCh <- cmd.Wait()
	}()

	ticker := time.NewTicker(w.superviseInterval)
	defer ticker.Stop()

	var (
		canceled  bool
		timedOut  bool
		signaled  bool
		waitErr   error
		killTimer *time.Timer
	)
	terminate := func() {
		if signaled {
			return
		}
		signaled = true
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		killTimer = time.AfterFunc(w.gracePeriod, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
	}

	for lines != nil || waitCh != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			w.appendLog(ctx, run.ID, line.level, line.text)
			fmt.Fprintf(logFile, "%s [%s] %s\n", w.now().Format(time.RFC3339Nano), line.level, line.text)
		case err := <-waitCh:
			waitErr = err
			waitCh = nil
		case <-ticker.C:
			if signaled {
				continue
			}
			if requested, err := w.store.CancelRequested(ctx, run.ID); err == nil && requested {
				canceled = true
				terminate()
				continue
			}
			if time.Since(started) > timeout {
				timedOut = true
				w.appendLog(ctx, run.ID, orchestrator.LogError,
					fmt.Sprintf("TIMEOUT: exceeded %d seconds.", int(timeout/time.Second)))
				terminate()
			}
		}
	}
	if killTimer != nil {
		killTimer.Stop()
	}

	switch {
	case canceled:
		w.appendLog(ctx, run.ID, orchestrator.LogInfo, "Execution canceled by user")
		now := w.now()
		return finalization{status: orchestrator.RunCanceled, canceledAt: &now}
	case timedOut:
		msg := "TIMEOUT"
		return finalization{status: orchestrator.RunFailed, errorMessage: &msg, retryable: true}
	default:
		code := exitCode(waitErr)
		if code == 0 {
			w.appendLog(ctx, run.ID, orchestrator.LogInfo, "Execution finished successfully.")
			return finalization{status: orchestrator.RunSuccess}
		}
		msg := fmt.Sprintf("Process returned exit code %d", code)
		w.appendLog(ctx, run.ID, orchestrator.LogError, msg)
		return finalization{status: orchestrator.RunFailed, errorMessage: &msg, retryable: true}
	}
}

func readStream(wg *sync.WaitGroup, r io.Reader, level orchestrator.LogLevel, out chan<- streamLine) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		out <- streamLine{level: level, text: sc.Text()}
	}
}

// finalize persists the terminal status, registers output files, updates
// metrics and queues a retry when the schedule allows one.
func (w *Worker) finalize(ctx context.Context, run *orchestrator.Run, fin finalization, sched *orchestrator.Schedule) {
	final, err := w.store.FinalizeRun(ctx, store.FinalizeRunParams{
		RunID:        run.ID,
		Status:       fin.status,
		ErrorMessage: fin.errorMessage,
		CanceledAt:   fin.canceledAt,
		FinishedAt:   w.now(),
	})
	if err != nil {
		log.Errorf(ctx, err, "finalize run %s", run.ID)
		return
	}
	w.registerArtifacts(ctx, final.ID)
	w.metrics.ObserveRun(final)
	log.Infof(ctx, "run %s finished with status %s", final.ID, final.Status)

	if fin.status == orchestrator.RunFailed && fin.retryable {
		w.maybeRetry(ctx, final, sched)
	}
}

// registerArtifacts records every regular file left under the run
// directory, the run log and workspace included. A missing directory means
// the run failed before producing anything.
func (w *Worker) registerArtifacts(ctx context.Context, runID string) {
	runDir := filepath.Join(w.artifactsRoot, "runs", runID)
	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return w.store.InsertArtifact(ctx, &orchestrator.Artifact{
			RunID:     runID,
			FilePath:  abs,
			SizeBytes: info.Size(),
		})
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Errorf(ctx, err, "register artifacts for run %s", runID)
	}
}

// maybeRetry queues the next attempt of a scheduled run that failed, future
// dated by the schedule's backoff. The version stays pinned so the retry
// reproduces the failed attempt.
func (w *Worker) maybeRetry(ctx context.Context, run *orchestrator.Run, sched *orchestrator.Schedule) {
	if run.ScheduleID == nil || sched == nil || sched.RetryCount <= 0 {
		return
	}
	if run.Attempt > sched.RetryCount {
		return
	}
	notBefore := w.now().Add(time.Duration(sched.RetryBackoffSeconds) * time.Second)
	retry, err := w.registry.CreateRun(ctx, registry.CreateRunParams{
		RobotID:          run.RobotID,
		RobotVersionID:   run.RobotVersionID,
		RuntimeArguments: run.RuntimeArguments,
		RuntimeEnv:       run.RuntimeEnv,
		EnvName:          run.EnvName,
		TriggerType:      orchestrator.TriggerRetry,
		Attempt:          run.Attempt + 1,
		ScheduleID:       run.ScheduleID,
		ServiceID:        run.ServiceID,
		Parameters:       run.Parameters,
		NotBefore:        &notBefore,
		TriggeredBy:      run.TriggeredBy,
	})
	if err != nil {
		log.Errorf(ctx, err, "queue retry for run %s", run.ID)
		return
	}
	log.Infof(ctx, "queued retry %s attempt %d for run %s", retry.ID, retry.Attempt, run.ID)
}

// composeEnv layers the child environment. Later layers win: process
// environment, version defaults, the robot's stored values for the run's
// environment, then caller overrides.
func (w *Worker) composeEnv(ctx context.Context, run *orchestrator.Run, version *orchestrator.RobotVersion) ([]string, error) {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range version.DefaultEnv {
		merged[k] = v
	}
	if w.secrets != nil {
		stored, err := w.secrets.EnvValues(ctx, run.RobotID, run.EnvName)
		if err != nil {
			return nil, fmt.Errorf("load robot environment: %w", err)
		}
		for k, v := range stored {
			merged[k] = v
		}
	}
	for k, v := range run.RuntimeEnv {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env, nil
}

func (w *Worker) appendLog(ctx context.Context, runID string, level orchestrator.LogLevel, message string) {
	if _, err := w.recorder.Append(ctx, runID, level, message); err != nil {
		log.Errorf(ctx, err, "append log for run %s", runID)
	}
}

// exitCode mirrors the convention of reporting signal deaths as negative
// codes.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}
