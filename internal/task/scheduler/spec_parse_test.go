package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		cron   string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", cron: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", cron: "@every 45s"},
		{name: "every prefix", raw: "every: 00:05", kind: SpecInterval, source: "hhmm", cron: "@every 5m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", cron: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			assert.Equal(t, tt.cron, got.CronSpec())
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "interval:-5m", "00:00", "01:75"} {
		_, err := ParseSchedule(raw)
		assert.ErrorIs(t, err, ErrInvalidSchedule, raw)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Validate(Config{Enabled: false, Schedule: "garbage"}))
	assert.NoError(t, Validate(Config{Enabled: true, Schedule: "*/5 * * * *"}))
	assert.NoError(t, Validate(Config{Enabled: true, Schedule: "5m", Location: time.UTC}))
	assert.ErrorIs(t, Validate(Config{Enabled: true, Schedule: "99 * * * *"}), ErrInvalidSchedule)
}
