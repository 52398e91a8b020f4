package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validScheduleParams() ScheduleParams {
	return ScheduleParams{
		CronExpr:            "* * * * *",
		Timezone:            "UTC",
		MaxConcurrency:      1,
		TimeoutSeconds:      3600,
		RetryBackoffSeconds: 60,
	}
}

func TestValidateScheduleParamsAcceptsFullGrammar(t *testing.T) {
	p := validScheduleParams()
	p.CronExpr = "*/15 2-8/2 1,15 * 1-5"
	p.WindowStart, p.WindowEnd = ptr("06:00"), ptr("22:30")
	p.MaxConcurrency = 100
	p.TimeoutSeconds = 86400
	p.RetryCount = 10
	p.RetryBackoffSeconds = 3600
	p.Timezone = "America/Sao_Paulo"
	require.NoError(t, ValidateScheduleParams(p))
}

func TestValidateScheduleParamsRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ScheduleParams)
		want   string
	}{
		{"six fields", func(p *ScheduleParams) { p.CronExpr = "* * * * * *" }, "cron_expr must have exactly 5 fields."},
		{"bare step", func(p *ScheduleParams) { p.CronExpr = "/5 * * * *" }, "cron_expr contains invalid field syntax."},
		{"zero step", func(p *ScheduleParams) { p.CronExpr = "*/0 * * * *" }, "cron_expr contains invalid field syntax."},
		{"window end only", func(p *ScheduleParams) { p.WindowEnd = ptr("17:00") }, "window_start and window_end must be informed together."},
		{"window bad minute", func(p *ScheduleParams) {
			p.WindowStart, p.WindowEnd = ptr("08:00"), ptr("17:60")
		}, `window_end must be "HH:MM"`},
		{"zero concurrency", func(p *ScheduleParams) { p.MaxConcurrency = 0 }, "max_concurrency must be between 1 and 100"},
		{"timeout above day", func(p *ScheduleParams) { p.TimeoutSeconds = 86401 }, "timeout_seconds must be between 1 and 86400"},
		{"negative retries", func(p *ScheduleParams) { p.RetryCount = -1 }, "retry_count must be between 0 and 10"},
		{"zero backoff", func(p *ScheduleParams) { p.RetryBackoffSeconds = 0 }, "retry_backoff_seconds must be between 1 and 3600"},
		{"unknown timezone", func(p *ScheduleParams) { p.Timezone = "Nowhere/Void" }, `unknown timezone "Nowhere/Void"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validScheduleParams()
			tc.mutate(&p)
			assert.Equal(t, tc.want, reason(t, ValidateScheduleParams(p)))
		})
	}
}

func TestValidateScheduleParamsAllowsNeverMatchingNumbers(t *testing.T) {
	// Out-of-range atoms pass the grammar; they address no minute and the
	// schedule simply never fires.
	p := validScheduleParams()
	p.CronExpr = "61 25 32 13 *"
	require.NoError(t, ValidateScheduleParams(p))
}

func TestValidateSlaParams(t *testing.T) {
	cases := []struct {
		name   string
		params SlaParams
		want   string
	}{
		{"neither mode", SlaParams{LateAfterMinutes: 15}, "Provide expected_run_every_minutes or expected_daily_time."},
		{"both modes", SlaParams{ExpectedRunEveryMinutes: ptr(30), ExpectedDailyTime: ptr("08:00"), LateAfterMinutes: 15}, "Provide only one of expected_run_every_minutes or expected_daily_time."},
		{"interval above week", SlaParams{ExpectedRunEveryMinutes: ptr(10081), LateAfterMinutes: 15}, "expected_run_every_minutes must be between 1 and 10080"},
		{"daily time single digit", SlaParams{ExpectedDailyTime: ptr("8:00"), LateAfterMinutes: 15}, `expected_daily_time must be "HH:MM"`},
		{"daily time bad hour", SlaParams{ExpectedDailyTime: ptr("24:00"), LateAfterMinutes: 15}, `expected_daily_time must be "HH:MM"`},
		{"late after zero", SlaParams{ExpectedRunEveryMinutes: ptr(30)}, "late_after_minutes must be between 1 and 720"},
		{"late after above cap", SlaParams{ExpectedRunEveryMinutes: ptr(30), LateAfterMinutes: 721}, "late_after_minutes must be between 1 and 720"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, reason(t, ValidateSlaParams(tc.params)))
		})
	}

	require.NoError(t, ValidateSlaParams(SlaParams{ExpectedRunEveryMinutes: ptr(30), LateAfterMinutes: 15}))
	require.NoError(t, ValidateSlaParams(SlaParams{ExpectedDailyTime: ptr("23:59"), LateAfterMinutes: 720}))
}

func TestParseHHMM(t *testing.T) {
	good := map[string]int{
		"00:00": 0,
		"07:05": 425,
		"12:30": 750,
		"23:59": 1439,
	}
	for in, want := range good {
		got, err := parseHHMM(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	bad := []string{"", "8:00", "08:5", "24:00", "12:60", "1230", "ab:cd", "08-30", " 08:00"}
	for _, in := range bad {
		_, err := parseHHMM(in)
		assert.Error(t, err, in)
	}
}
