package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors crossing component boundaries. The HTTP facade maps them to
// status codes; internal callers test them with errors.Is and errors.As.
var (
	ErrRobotNotFound    = errors.New("robot not found")
	ErrVersionNotFound  = errors.New("robot version not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrSlaRuleNotFound  = errors.New("sla rule not found")
	ErrAlertNotFound    = errors.New("alert not found")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrEnvVarNotFound   = errors.New("environment variable not found")
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrNoRunnableVersion means the robot has no active version and the
	// caller did not name one explicitly.
	ErrNoRunnableVersion = errors.New("robot has no active version")

	// ErrNotCancelable means cancel was requested on a run that is neither
	// RUNNING nor already canceled.
	ErrNotCancelable = errors.New("only RUNNING runs can be canceled")

	// ErrRobotExists means a robot with the same name already exists.
	ErrRobotExists = errors.New("robot name already in use")

	// ErrVersionExists means the (robot, version) pair already exists.
	ErrVersionExists = errors.New("robot version already exists")

	// ErrBrokerUnavailable wraps broker connectivity failures.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
)

// MissingEnvError reports required environment keys absent from the robot's
// environment store for the requested environment.
type MissingEnvError struct {
	EnvName EnvName
	Keys    []string
}

// Error implements error.
func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("missing required env keys for %s: %s", e.EnvName, strings.Join(e.Keys, ", "))
}

// ValidationError reports a rejected field value on a write operation.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
