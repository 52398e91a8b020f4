package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/schedule/cron"
)

// Field bounds shared by create and update validation.
const (
	MaxConcurrencyLimit = 100
	MaxTimeoutSeconds   = 86400
	MaxRetryCount       = 10
	MaxBackoffSeconds   = 3600
	MaxRunEveryMinutes  = 10080
	MaxLateAfterMinutes = 720
)

// ValidateScheduleParams checks a full set of schedule fields. Callers apply
// defaults first; every field is validated as given.
func ValidateScheduleParams(p ScheduleParams) error {
	if _, err := cron.Parse(p.CronExpr); err != nil {
		if errors.Is(err, cron.ErrFieldCount) {
			return &orchestrator.ValidationError{Field: "cron_expr", Reason: "cron_expr must have exactly 5 fields."}
		}
		return &orchestrator.ValidationError{Field: "cron_expr", Reason: "cron_expr contains invalid field syntax."}
	}
	if (p.WindowStart == nil) != (p.WindowEnd == nil) {
		return &orchestrator.ValidationError{Field: "window", Reason: "window_start and window_end must be informed together."}
	}
	if p.WindowStart != nil {
		if _, err := parseHHMM(*p.WindowStart); err != nil {
			return &orchestrator.ValidationError{Field: "window_start", Reason: `window_start must be "HH:MM"`}
		}
		if _, err := parseHHMM(*p.WindowEnd); err != nil {
			return &orchestrator.ValidationError{Field: "window_end", Reason: `window_end must be "HH:MM"`}
		}
	}
	if p.MaxConcurrency < 1 || p.MaxConcurrency > MaxConcurrencyLimit {
		return &orchestrator.ValidationError{Field: "max_concurrency", Reason: fmt.Sprintf("max_concurrency must be between 1 and %d", MaxConcurrencyLimit)}
	}
	if p.TimeoutSeconds < 1 || p.TimeoutSeconds > MaxTimeoutSeconds {
		return &orchestrator.ValidationError{Field: "timeout_seconds", Reason: fmt.Sprintf("timeout_seconds must be between 1 and %d", MaxTimeoutSeconds)}
	}
	if p.RetryCount < 0 || p.RetryCount > MaxRetryCount {
		return &orchestrator.ValidationError{Field: "retry_count", Reason: fmt.Sprintf("retry_count must be between 0 and %d", MaxRetryCount)}
	}
	if p.RetryBackoffSeconds < 1 || p.RetryBackoffSeconds > MaxBackoffSeconds {
		return &orchestrator.ValidationError{Field: "retry_backoff_seconds", Reason: fmt.Sprintf("retry_backoff_seconds must be between 1 and %d", MaxBackoffSeconds)}
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return &orchestrator.ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown timezone %q", p.Timezone)}
	}
	return nil
}

// ValidateSlaParams checks a full set of SLA rule fields. Exactly one of the
// two expectation modes must be set.
func ValidateSlaParams(p SlaParams) error {
	every := p.ExpectedRunEveryMinutes != nil && *p.ExpectedRunEveryMinutes != 0
	daily := p.ExpectedDailyTime != nil && *p.ExpectedDailyTime != ""
	switch {
	case !every && !daily:
		return &orchestrator.ValidationError{Field: "sla", Reason: "Provide expected_run_every_minutes or expected_daily_time."}
	case every && daily:
		return &orchestrator.ValidationError{Field: "sla", Reason: "Provide only one of expected_run_every_minutes or expected_daily_time."}
	}
	if every && (*p.ExpectedRunEveryMinutes < 1 || *p.ExpectedRunEveryMinutes > MaxRunEveryMinutes) {
		return &orchestrator.ValidationError{Field: "expected_run_every_minutes", Reason: fmt.Sprintf("expected_run_every_minutes must be between 1 and %d", MaxRunEveryMinutes)}
	}
	if daily {
		if _, err := parseHHMM(*p.ExpectedDailyTime); err != nil {
			return &orchestrator.ValidationError{Field: "expected_daily_time", Reason: `expected_daily_time must be "HH:MM"`}
		}
	}
	if p.LateAfterMinutes < 1 || p.LateAfterMinutes > MaxLateAfterMinutes {
		return &orchestrator.ValidationError{Field: "late_after_minutes", Reason: fmt.Sprintf("late_after_minutes must be between 1 and %d", MaxLateAfterMinutes)}
	}
	return nil
}

// parseHHMM parses a strict two-digit "HH:MM" clock time into minutes since
// midnight.
func parseHHMM(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' || !allDigits(s[:2]) || !allDigits(s[3:]) {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
