// Package orchestrator defines the domain model shared by every component of
// the automation-run orchestrator.
//
// # Core Concepts
//
// Robot:
//   - A named automation program owned by the fleet
//   - Owns an ordered sequence of versions, at most one Schedule and at most
//     one SLA rule
//   - Robots never execute directly; a Run always targets a specific version
//
// RobotVersion:
//   - One packaged build of a robot (ZIP bundle or standalone executable)
//   - At most one version per robot is active; activating a version
//     deactivates its siblings in the same transaction
//   - Declares the entrypoint, default arguments/env and the env keys that
//     must exist in the robot's environment store before a run may start
//
// Run:
//   - A single execution attempt of a RobotVersion
//   - Lifecycle: PENDING -> RUNNING -> SUCCESS | FAILED | CANCELED
//   - Terminal statuses are sinks; a finished run never changes again
//   - Retries are separate Run rows chained by attempt number with
//     trigger type RETRY
//
// Relationship Examples:
//
//	Scheduled run with two retries (retry_count=2):
//	  Robot "invoice-sync"
//	    └─ Schedule "*/5 * * * *"
//	       ├─ Run attempt=1 trigger=SCHEDULED status=FAILED
//	       ├─ Run attempt=2 trigger=RETRY     status=FAILED
//	       └─ Run attempt=3 trigger=RETRY     status=SUCCESS
//
//	Manual run against an explicit version:
//	  Robot "report-mailer"
//	    └─ Run attempt=1 trigger=MANUAL versionID=<v1.2.0> status=SUCCESS
//
// The package holds plain data types and the error values that cross
// component boundaries. Behavior lives in the component packages (registry,
// worker, schedule, monitor, ...) which all speak in these types.
package orchestrator

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Robot is a named automation program.
	Robot struct {
		ID          string     `db:"id" json:"id"`
		Name        string     `db:"name" json:"name"`
		Description string     `db:"description" json:"description"`
		Tags        StringList `db:"tags" json:"tags"`
		CreatedAt   time.Time  `db:"created_at" json:"created_at"`
		UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	}

	// RobotVersion is one packaged build of a robot.
	RobotVersion struct {
		ID             string         `db:"id" json:"id"`
		RobotID        string         `db:"robot_id" json:"robot_id"`
		Version        string         `db:"version" json:"version"`
		ArtifactType   ArtifactType   `db:"artifact_type" json:"artifact_type"`
		ArtifactPath   string         `db:"artifact_path" json:"artifact_path"`
		ArtifactSHA256 string         `db:"artifact_sha256" json:"artifact_sha256"`
		EntrypointType EntrypointType `db:"entrypoint_type" json:"entrypoint_type"`
		// EntrypointPath is relative to the extracted bundle root for ZIP
		// artifacts and unused for EXE artifacts.
		EntrypointPath string `db:"entrypoint_path" json:"entrypoint_path"`
		// WorkingDirectory overrides the default working directory of the
		// child process when set.
		WorkingDirectory *string        `db:"working_directory" json:"working_directory,omitempty"`
		DefaultArguments StringList     `db:"default_arguments" json:"default_arguments"`
		DefaultEnv       StringMap      `db:"default_env" json:"default_env"`
		RequiredEnvKeys  StringList     `db:"required_env_keys" json:"required_env_keys"`
		Channel          ReleaseChannel `db:"channel" json:"channel"`
		IsActive         bool           `db:"is_active" json:"is_active"`
		CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	}

	// Run is a single execution attempt of a RobotVersion.
	Run struct {
		ID             string      `db:"id" json:"id"`
		RobotID        string      `db:"robot_id" json:"robot_id"`
		RobotVersionID string      `db:"robot_version_id" json:"robot_version_id"`
		Status         RunStatus   `db:"status" json:"status"`
		TriggerType    TriggerType `db:"trigger_type" json:"trigger_type"`
		// Attempt starts at 1 and increments along the retry chain.
		Attempt          int        `db:"attempt" json:"attempt"`
		ScheduleID       *string    `db:"schedule_id" json:"schedule_id,omitempty"`
		ServiceID        *string    `db:"service_id" json:"service_id,omitempty"`
		EnvName          EnvName    `db:"env_name" json:"env_name"`
		Parameters       Metadata   `db:"parameters" json:"parameters"`
		RuntimeArguments StringList `db:"runtime_arguments" json:"runtime_arguments"`
		RuntimeEnv       StringMap  `db:"runtime_env" json:"runtime_env"`
		QueuedAt         time.Time  `db:"queued_at" json:"queued_at"`
		StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
		FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
		DurationSeconds  *float64   `db:"duration_seconds" json:"duration_seconds,omitempty"`
		HostName         *string    `db:"host_name" json:"host_name,omitempty"`
		ProcessID        *int64     `db:"process_id" json:"process_id,omitempty"`
		// CancelRequested is monotonic: once true it is never cleared.
		CancelRequested bool       `db:"cancel_requested" json:"cancel_requested"`
		CanceledBy      *string    `db:"canceled_by" json:"canceled_by,omitempty"`
		CanceledAt      *time.Time `db:"canceled_at" json:"canceled_at,omitempty"`
		ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
		TriggeredBy     *string    `db:"triggered_by" json:"triggered_by,omitempty"`
	}

	// Schedule is a cron-expressed dispatch policy attached to a robot.
	Schedule struct {
		ID       string `db:"id" json:"id"`
		RobotID  string `db:"robot_id" json:"robot_id"`
		CronExpr string `db:"cron_expr" json:"cron_expr"`
		Timezone string `db:"timezone" json:"timezone"`
		// WindowStart and WindowEnd bound the daily dispatch window as
		// "HH:MM" local times. Both are set or neither is.
		WindowStart         *string   `db:"window_start" json:"window_start,omitempty"`
		WindowEnd           *string   `db:"window_end" json:"window_end,omitempty"`
		MaxConcurrency      int       `db:"max_concurrency" json:"max_concurrency"`
		TimeoutSeconds      int       `db:"timeout_seconds" json:"timeout_seconds"`
		RetryCount          int       `db:"retry_count" json:"retry_count"`
		RetryBackoffSeconds int       `db:"retry_backoff_seconds" json:"retry_backoff_seconds"`
		Enabled             bool      `db:"enabled" json:"enabled"`
		CreatedAt           time.Time `db:"created_at" json:"created_at"`
		UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
	}

	// SlaRule is a per-robot expectation evaluated by the monitor loop.
	// Exactly one of ExpectedRunEveryMinutes or ExpectedDailyTime is set.
	SlaRule struct {
		ID                      string    `db:"id" json:"id"`
		RobotID                 string    `db:"robot_id" json:"robot_id"`
		ExpectedRunEveryMinutes *int      `db:"expected_run_every_minutes" json:"expected_run_every_minutes,omitempty"`
		ExpectedDailyTime       *string   `db:"expected_daily_time" json:"expected_daily_time,omitempty"`
		LateAfterMinutes        int       `db:"late_after_minutes" json:"late_after_minutes"`
		AlertOnFailure          bool      `db:"alert_on_failure" json:"alert_on_failure"`
		AlertOnLate             bool      `db:"alert_on_late" json:"alert_on_late"`
		CreatedAt               time.Time `db:"created_at" json:"created_at"`
		UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
	}

	// AlertEvent records one raised fleet or SLA condition. At most one
	// unresolved event exists per (robot, type) pair.
	AlertEvent struct {
		ID         string        `db:"id" json:"id"`
		RobotID    string        `db:"robot_id" json:"robot_id"`
		RunID      *string       `db:"run_id" json:"run_id,omitempty"`
		Type       AlertType     `db:"type" json:"type"`
		Severity   AlertSeverity `db:"severity" json:"severity"`
		Message    string        `db:"message" json:"message"`
		Metadata   Metadata      `db:"metadata" json:"metadata"`
		CreatedAt  time.Time     `db:"created_at" json:"created_at"`
		ResolvedAt *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
	}

	// Worker mirrors one worker process. Name is stable across restarts.
	Worker struct {
		Name          string       `db:"name" json:"name"`
		Hostname      string       `db:"hostname" json:"hostname"`
		Status        WorkerStatus `db:"status" json:"status"`
		Version       string       `db:"version" json:"version"`
		LastHeartbeat time.Time    `db:"last_heartbeat" json:"last_heartbeat"`
		StartedAt     time.Time    `db:"started_at" json:"started_at"`
	}

	// RunLog is one appended log line. Rows are ordered by (run_id, id).
	RunLog struct {
		ID        int64     `db:"id" json:"id"`
		RunID     string    `db:"run_id" json:"run_id"`
		Level     LogLevel  `db:"level" json:"level"`
		Message   string    `db:"message" json:"message"`
		CreatedAt time.Time `db:"created_at" json:"created_at"`
	}

	// Artifact is one output file registered at run finalization.
	Artifact struct {
		ID        string    `db:"id" json:"id"`
		RunID     string    `db:"run_id" json:"run_id"`
		FilePath  string    `db:"file_path" json:"file_path"`
		SizeBytes int64     `db:"size_bytes" json:"size_bytes"`
		CreatedAt time.Time `db:"created_at" json:"created_at"`
	}

	// RobotEnvVar is one encrypted environment value scoped to
	// (robot, environment).
	RobotEnvVar struct {
		ID      string  `db:"id" json:"id"`
		RobotID string  `db:"robot_id" json:"robot_id"`
		EnvName EnvName `db:"env_name" json:"env_name"`
		Key     string  `db:"env_key" json:"key"`
		// ValueEncrypted is "v1:" + base64(nonce || AES-GCM ciphertext).
		ValueEncrypted string `db:"value_encrypted" json:"-"`
		// IsSecret hides the decrypted value from read endpoints.
		IsSecret  bool      `db:"is_secret" json:"is_secret"`
		UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	}

	// AuditEvent is one append-only audit record for a mutating operation.
	AuditEvent struct {
		ID         string    `db:"id" json:"id"`
		Actor      string    `db:"actor" json:"actor"`
		Action     string    `db:"action" json:"action"`
		EntityType string    `db:"entity_type" json:"entity_type"`
		EntityID   string    `db:"entity_id" json:"entity_id"`
		Metadata   Metadata  `db:"metadata" json:"metadata"`
		CreatedAt  time.Time `db:"created_at" json:"created_at"`
	}

	// RunStatus is the lifecycle state of a run.
	RunStatus string

	// TriggerType records what caused a run to be enqueued.
	TriggerType string

	// EnvName selects which robot environment store a run reads from.
	EnvName string

	// ArtifactType is the packaging of a robot version.
	ArtifactType string

	// EntrypointType tells the worker how to start the program.
	EntrypointType string

	// ReleaseChannel labels a version's maturity.
	ReleaseChannel string

	// AlertType classifies a raised alert.
	AlertType string

	// AlertSeverity grades a raised alert.
	AlertSeverity string

	// WorkerStatus is the desired state of a worker process.
	WorkerStatus string

	// LogLevel grades a run log line.
	LogLevel string
)

const (
	// RunPending indicates the run is queued and not yet leased.
	RunPending RunStatus = "PENDING"
	// RunRunning indicates a worker is executing the run.
	RunRunning RunStatus = "RUNNING"
	// RunSuccess indicates the child process exited with code zero.
	RunSuccess RunStatus = "SUCCESS"
	// RunFailed indicates the run failed, timed out or could not start.
	RunFailed RunStatus = "FAILED"
	// RunCanceled indicates the run was canceled on request.
	RunCanceled RunStatus = "CANCELED"
)

const (
	// TriggerManual marks runs requested through the API.
	TriggerManual TriggerType = "MANUAL"
	// TriggerScheduled marks runs dispatched by the scheduler loop.
	TriggerScheduled TriggerType = "SCHEDULED"
	// TriggerRetry marks runs created by the worker retry policy.
	TriggerRetry TriggerType = "RETRY"
)

const (
	EnvProd EnvName = "PROD"
	EnvHml  EnvName = "HML"
	EnvTest EnvName = "TEST"
)

const (
	ArtifactZip ArtifactType = "ZIP"
	ArtifactExe ArtifactType = "EXE"
)

const (
	EntrypointScript EntrypointType = "SCRIPT"
	EntrypointExe    EntrypointType = "EXE"
)

const (
	ChannelStable ReleaseChannel = "stable"
	ChannelBeta   ReleaseChannel = "beta"
	ChannelHotfix ReleaseChannel = "hotfix"
)

const (
	// AlertLate fires when a robot misses its SLA expectation.
	AlertLate AlertType = "LATE"
	// AlertFailureStreak fires when the robot's recent runs all failed.
	AlertFailureStreak AlertType = "FAILURE_STREAK"
	// AlertWorkerDown fires when a worker heartbeat goes stale.
	AlertWorkerDown AlertType = "WORKER_DOWN"
	// AlertQueueBacklog fires when the broker queue depth crosses the
	// configured threshold.
	AlertQueueBacklog AlertType = "QUEUE_BACKLOG"
)

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarn     AlertSeverity = "WARN"
	SeverityCritical AlertSeverity = "CRITICAL"
)

const (
	// WorkerRunning means the worker leases and executes jobs.
	WorkerRunning WorkerStatus = "RUNNING"
	// WorkerPaused means the worker heartbeats but does not lease.
	WorkerPaused WorkerStatus = "PAUSED"
	// WorkerStopped means the worker should drain and exit.
	WorkerStopped WorkerStatus = "STOPPED"
)

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// Terminal reports whether the status is a sink that never changes again.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCanceled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunFailed, RunCanceled:
		return true
	}
	return false
}

// Valid reports whether the trigger is a known kind.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerRetry:
		return true
	}
	return false
}

// ParseEnvName validates and normalizes an environment name.
func ParseEnvName(s string) (EnvName, error) {
	switch EnvName(s) {
	case EnvProd, EnvHml, EnvTest:
		return EnvName(s), nil
	case "":
		return EnvProd, nil
	}
	return "", &ValidationError{Field: "env_name", Reason: fmt.Sprintf("unknown environment %q", s)}
}

// Valid reports whether the channel is a known release track.
func (c ReleaseChannel) Valid() bool {
	switch c {
	case ChannelStable, ChannelBeta, ChannelHotfix:
		return true
	}
	return false
}

// Valid reports whether the entrypoint type is a known kind.
func (t EntrypointType) Valid() bool {
	switch t {
	case EntrypointScript, EntrypointExe:
		return true
	}
	return false
}

// Valid reports whether the alert type is a known kind.
func (t AlertType) Valid() bool {
	switch t {
	case AlertLate, AlertFailureStreak, AlertWorkerDown, AlertQueueBacklog:
		return true
	}
	return false
}

// Valid reports whether the worker status is a known state.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerRunning, WorkerPaused, WorkerStopped:
		return true
	}
	return false
}

// StringList is a []string stored as a JSON array in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, (*[]string)(l))
}

// StringMap is a map[string]string stored as a JSON object in a TEXT column.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		m = StringMap{}
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src any) error {
	return scanJSON(src, (*map[string]string)(m))
}

// Metadata is an arbitrary JSON object stored in a TEXT column.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		m = Metadata{}
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	return scanJSON(src, (*map[string]any)(m))
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("cannot scan %T into JSON column", src)
}
