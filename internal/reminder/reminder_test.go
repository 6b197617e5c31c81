package reminder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutybot/internal/recurrence"
)

func TestRelativeDayBeforeWeeklyDeadline(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	weekly := recurrence.Weekly{Weekday: time.Friday, At: recurrence.TimeOfDay{Hour: 17}}
	p, err := recurrence.Resolve(weekly, time.Date(2025, 6, 2, 10, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 6, 17, 0, 0, 0, loc), p.Deadline)

	nine := recurrence.TimeOfDay{Hour: 9}
	fire, err := Resolve(Relative{DaysBefore: 1, At: &nine}, p.Deadline)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 5, 9, 0, 0, 0, loc), fire)
	assert.Equal(t, time.Thursday, fire.Weekday())
}

func TestResolve(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2025, 3, 1, 17, 30, 0, 0, time.UTC)
	eight := recurrence.TimeOfDay{Hour: 8}
	fixed := time.Date(2024, 12, 24, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rule Rule
		want time.Time
	}{
		{name: "same day keeps deadline time", rule: Relative{}, want: deadline},
		{name: "crosses month", rule: Relative{DaysBefore: 1}, want: time.Date(2025, 2, 28, 17, 30, 0, 0, time.UTC)},
		{name: "time override", rule: Relative{DaysBefore: 3, At: &eight}, want: time.Date(2025, 2, 26, 8, 0, 0, 0, time.UTC)},
		{name: "far before is not clamped", rule: Relative{DaysBefore: 400}, want: time.Date(2024, 1, 26, 17, 30, 0, 0, time.UTC)},
		{name: "absolute ignores deadline", rule: Absolute{At: fixed}, want: fixed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Resolve(tt.rule, deadline)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestResolveKeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	deadline := time.Date(2025, 3, 10, 9, 0, 0, 0, loc) // Monday after spring forward
	fire, err := Resolve(Relative{DaysBefore: 2}, deadline)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 8, 9, 0, 0, 0, loc), fire)
	assert.Equal(t, 9, fire.Hour())
}

func TestResolveInvalid(t *testing.T) {
	t.Parallel()
	for _, r := range []Rule{nil, Relative{DaysBefore: -1}, Absolute{}} {
		_, err := Resolve(r, time.Now())
		assert.ErrorIs(t, err, ErrInvalidRule)
	}
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	nine := recurrence.TimeOfDay{Hour: 9}

	tests := []struct {
		name    string
		in      string
		want    Rule
		wantErr bool
	}{
		{name: "relative", in: `{"type":"relative","daysBefore":1,"time":"09:00"}`, want: Relative{DaysBefore: 1, At: &nine}},
		{name: "relative no time", in: `{"type":"relative","daysBefore":0}`, want: Relative{}},
		{name: "absolute rfc3339", in: `{"type":"absolute","at":"2025-06-01T09:00:00Z"}`, want: Absolute{At: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}},
		{name: "absolute local", in: `{"type":"absolute","at":"2025-06-01T09:00"}`, want: Absolute{At: time.Date(2025, 6, 1, 9, 0, 0, 0, loc)}},
		{name: "missing type", in: `{}`, wantErr: true},
		{name: "unknown type", in: `{"type":"cron"}`, wantErr: true},
		{name: "relative missing days", in: `{"type":"relative"}`, wantErr: true},
		{name: "relative negative", in: `{"type":"relative","daysBefore":-2}`, wantErr: true},
		{name: "relative bad time", in: `{"type":"relative","daysBefore":1,"time":"25:00"}`, wantErr: true},
		{name: "relative with at", in: `{"type":"relative","daysBefore":1,"at":"2025-06-01T09:00:00Z"}`, wantErr: true},
		{name: "absolute missing at", in: `{"type":"absolute"}`, wantErr: true},
		{name: "absolute garbage", in: `{"type":"absolute","at":"tomorrow"}`, wantErr: true},
		{name: "absolute with days", in: `{"type":"absolute","at":"2025-06-01T09:00:00Z","daysBefore":1}`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var s Spec
			require.NoError(t, json.Unmarshal([]byte(tt.in), &s))
			got, err := ParseSpec(s, loc)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidRule)
				return
			}
			require.NoError(t, err)
			if a, ok := tt.want.(Absolute); ok {
				assert.True(t, a.At.Equal(got.(Absolute).At))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeParsesBack(t *testing.T) {
	t.Parallel()
	seven := recurrence.TimeOfDay{Hour: 7, Minute: 15}
	for _, r := range []Rule{Relative{DaysBefore: 2, At: &seven}, Relative{DaysBefore: 0}} {
		got, err := ParseSpec(Encode(r), time.UTC)
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	abs := Absolute{At: time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)}
	got, err := ParseSpec(Encode(abs), time.UTC)
	require.NoError(t, err)
	assert.True(t, abs.At.Equal(got.(Absolute).At))
}
