package schedule

import (
	"context"
	"errors"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/store"
)

type (
	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store is the relational source of truth. Required.
		Store *store.Store
		// DefaultTimezone fills schedules created without one. Defaults
		// to UTC.
		DefaultTimezone string
	}

	// Manager serves schedule and SLA rule writes. Every write validates the
	// full merged field set before touching the store.
	Manager struct {
		store     *store.Store
		defaultTZ string
	}

	// ScheduleParams carries the writable schedule fields for create. Zero
	// values take defaults: timezone from the manager, max_concurrency 1,
	// timeout_seconds 3600, retry_backoff_seconds 60, enabled true.
	ScheduleParams struct {
		CronExpr            string
		Timezone            string
		WindowStart         *string
		WindowEnd           *string
		MaxConcurrency      int
		TimeoutSeconds      int
		RetryCount          int
		RetryBackoffSeconds int
		Enabled             *bool
	}

	// ScheduleUpdate carries a partial update; nil fields keep their stored
	// value. Pointer-to-empty window bounds clear the window.
	ScheduleUpdate struct {
		CronExpr            *string
		Timezone            *string
		WindowStart         *string
		WindowEnd           *string
		MaxConcurrency      *int
		TimeoutSeconds      *int
		RetryCount          *int
		RetryBackoffSeconds *int
		Enabled             *bool
	}

	// SlaParams carries the writable SLA rule fields for create. Zero values
	// take defaults: late_after_minutes 15, both alert switches true.
	SlaParams struct {
		ExpectedRunEveryMinutes *int
		ExpectedDailyTime       *string
		LateAfterMinutes        int
		AlertOnFailure          *bool
		AlertOnLate             *bool
	}

	// SlaUpdate carries a partial update; nil fields keep their stored value.
	// Pointer-to-zero expectation fields clear that mode, which is how a
	// rule switches from interval to daily and back.
	SlaUpdate struct {
		ExpectedRunEveryMinutes *int
		ExpectedDailyTime       *string
		LateAfterMinutes        *int
		AlertOnFailure          *bool
		AlertOnLate             *bool
	}
)

// NewManager constructs a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	tz := opts.DefaultTimezone
	if tz == "" {
		tz = "UTC"
	}
	return &Manager{store: opts.Store, defaultTZ: tz}, nil
}

// GetSchedule loads the robot's schedule.
func (m *Manager) GetSchedule(ctx context.Context, robotID string) (*orchestrator.Schedule, error) {
	return m.store.GetScheduleByRobot(ctx, robotID)
}

// CreateSchedule validates and persists the robot's schedule. A robot has at
// most one; a second create fails validation.
func (m *Manager) CreateSchedule(ctx context.Context, robotID string, p ScheduleParams) (*orchestrator.Schedule, error) {
	m.applyScheduleDefaults(&p)
	if err := ValidateScheduleParams(p); err != nil {
		return nil, err
	}
	if _, err := m.store.GetRobot(ctx, robotID); err != nil {
		return nil, err
	}
	sc := &orchestrator.Schedule{
		RobotID:             robotID,
		CronExpr:            p.CronExpr,
		Timezone:            p.Timezone,
		WindowStart:         p.WindowStart,
		WindowEnd:           p.WindowEnd,
		MaxConcurrency:      p.MaxConcurrency,
		TimeoutSeconds:      p.TimeoutSeconds,
		RetryCount:          p.RetryCount,
		RetryBackoffSeconds: p.RetryBackoffSeconds,
		Enabled:             *p.Enabled,
	}
	if err := m.store.CreateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// UpdateSchedule merges the update into the stored schedule, validates the
// result and persists it.
func (m *Manager) UpdateSchedule(ctx context.Context, robotID string, u ScheduleUpdate) (*orchestrator.Schedule, error) {
	sc, err := m.store.GetScheduleByRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if u.CronExpr != nil {
		sc.CronExpr = *u.CronExpr
	}
	if u.Timezone != nil {
		sc.Timezone = *u.Timezone
	}
	if u.WindowStart != nil {
		sc.WindowStart = clearableString(u.WindowStart)
	}
	if u.WindowEnd != nil {
		sc.WindowEnd = clearableString(u.WindowEnd)
	}
	if u.MaxConcurrency != nil {
		sc.MaxConcurrency = *u.MaxConcurrency
	}
	if u.TimeoutSeconds != nil {
		sc.TimeoutSeconds = *u.TimeoutSeconds
	}
	if u.RetryCount != nil {
		sc.RetryCount = *u.RetryCount
	}
	if u.RetryBackoffSeconds != nil {
		sc.RetryBackoffSeconds = *u.RetryBackoffSeconds
	}
	if u.Enabled != nil {
		sc.Enabled = *u.Enabled
	}
	if err := ValidateScheduleParams(scheduleParamsOf(sc)); err != nil {
		return nil, err
	}
	if err := m.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// DeleteSchedule removes the robot's schedule.
func (m *Manager) DeleteSchedule(ctx context.Context, robotID string) error {
	return m.store.DeleteScheduleByRobot(ctx, robotID)
}

// GetSlaRule loads the robot's SLA rule.
func (m *Manager) GetSlaRule(ctx context.Context, robotID string) (*orchestrator.SlaRule, error) {
	return m.store.GetSlaRuleByRobot(ctx, robotID)
}

// CreateSlaRule validates and persists the robot's SLA rule.
func (m *Manager) CreateSlaRule(ctx context.Context, robotID string, p SlaParams) (*orchestrator.SlaRule, error) {
	applySlaDefaults(&p)
	if err := ValidateSlaParams(p); err != nil {
		return nil, err
	}
	if _, err := m.store.GetRobot(ctx, robotID); err != nil {
		return nil, err
	}
	rule := &orchestrator.SlaRule{
		RobotID:                 robotID,
		ExpectedRunEveryMinutes: clearableInt(p.ExpectedRunEveryMinutes),
		ExpectedDailyTime:       clearableString(p.ExpectedDailyTime),
		LateAfterMinutes:        p.LateAfterMinutes,
		AlertOnFailure:          *p.AlertOnFailure,
		AlertOnLate:             *p.AlertOnLate,
	}
	if err := m.store.CreateSlaRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateSlaRule merges the update into the stored rule, validates the result
// and persists it.
func (m *Manager) UpdateSlaRule(ctx context.Context, robotID string, u SlaUpdate) (*orchestrator.SlaRule, error) {
	rule, err := m.store.GetSlaRuleByRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if u.ExpectedRunEveryMinutes != nil {
		rule.ExpectedRunEveryMinutes = clearableInt(u.ExpectedRunEveryMinutes)
	}
	if u.ExpectedDailyTime != nil {
		rule.ExpectedDailyTime = clearableString(u.ExpectedDailyTime)
	}
	if u.LateAfterMinutes != nil {
		rule.LateAfterMinutes = *u.LateAfterMinutes
	}
	if u.AlertOnFailure != nil {
		rule.AlertOnFailure = *u.AlertOnFailure
	}
	if u.AlertOnLate != nil {
		rule.AlertOnLate = *u.AlertOnLate
	}
	if err := ValidateSlaParams(slaParamsOf(rule)); err != nil {
		return nil, err
	}
	if err := m.store.UpdateSlaRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (m *Manager) applyScheduleDefaults(p *ScheduleParams) {
	if p.Timezone == "" {
		p.Timezone = m.defaultTZ
	}
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = 1
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = 3600
	}
	if p.RetryBackoffSeconds == 0 {
		p.RetryBackoffSeconds = 60
	}
	if p.Enabled == nil {
		enabled := true
		p.Enabled = &enabled
	}
}

func applySlaDefaults(p *SlaParams) {
	if p.LateAfterMinutes == 0 {
		p.LateAfterMinutes = 15
	}
	if p.AlertOnFailure == nil {
		on := true
		p.AlertOnFailure = &on
	}
	if p.AlertOnLate == nil {
		on := true
		p.AlertOnLate = &on
	}
}

func scheduleParamsOf(sc *orchestrator.Schedule) ScheduleParams {
	return ScheduleParams{
		CronExpr:            sc.CronExpr,
		Timezone:            sc.Timezone,
		WindowStart:         sc.WindowStart,
		WindowEnd:           sc.WindowEnd,
		MaxConcurrency:      sc.MaxConcurrency,
		TimeoutSeconds:      sc.TimeoutSeconds,
		RetryCount:          sc.RetryCount,
		RetryBackoffSeconds: sc.RetryBackoffSeconds,
	}
}

func slaParamsOf(rule *orchestrator.SlaRule) SlaParams {
	return SlaParams{
		ExpectedRunEveryMinutes: rule.ExpectedRunEveryMinutes,
		ExpectedDailyTime:       rule.ExpectedDailyTime,
		LateAfterMinutes:        rule.LateAfterMinutes,
	}
}

// clearableString maps a pointer to the empty string to nil.
func clearableString(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}

// clearableInt maps a pointer to zero to nil.
func clearableInt(p *int) *int {
	if p == nil || *p == 0 {
		return nil
	}
	return p
}
