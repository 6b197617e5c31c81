package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return loc
}

func TestResolveContainsReference(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	created := time.Date(2025, 1, 7, 10, 0, 0, 0, loc)
	rules := []Rule{
		Daily{At: TimeOfDay{Hour: 9}},
		Weekly{Weekday: time.Friday, At: TimeOfDay{Hour: 17}},
		Weekly{Weekday: time.Sunday},
		Monthly{Day: 31, At: TimeOfDay{Hour: 8, Minute: 30}},
		MonthlySpecific{Month: time.February, Day: 29},
		MonthlySpecific{Month: time.December, Day: 31, At: TimeOfDay{Hour: 23, Minute: 59}},
		Interval{Days: 3, Anchor: created},
		Interval{Days: 10, Anchor: created, At: TimeOfDay{Hour: 12}},
		Hourly{Hours: 1},
		Hourly{Hours: 5},
		PerMinute{Minutes: 15},
		PerMinute{Minutes: 7},
		Custom{Expr: "0 9 * * 1-5"},
		Custom{Expr: "@monthly"},
	}

	start := time.Date(2024, 12, 28, 0, 0, 0, 0, loc)
	for _, rule := range rules {
		rule := rule
		t.Run(string(rule.Kind()), func(t *testing.T) {
			t.Parallel()
			// Walk across a year-end, a leap day and varied times of day.
			for i := 0; i < 500; i++ {
				ref := start.Add(time.Duration(i) * 17 * time.Hour).Add(time.Duration(i%60) * time.Minute)
				p, err := Resolve(rule, ref, loc)
				require.NoError(t, err)
				assert.Truef(t, p.Contains(ref), "%s: %v not in [%v, %v)", rule.Kind(), ref, p.Start, p.End)
				assert.Truef(t, p.Start.Before(p.End), "%s: empty period at %v", rule.Kind(), ref)
				assert.Truef(t, p.Contains(p.Deadline), "%s: deadline %v outside [%v, %v)", rule.Kind(), p.Deadline, p.Start, p.End)
			}
		})
	}
}

func TestResolveContainsReferenceAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	rules := []Rule{Daily{}, Hourly{Hours: 2}, Hourly{Hours: 5}, PerMinute{Minutes: 20}, Weekly{Weekday: time.Monday}}
	for _, day := range []time.Time{
		time.Date(2025, 3, 9, 0, 0, 0, 0, loc),  // spring forward
		time.Date(2025, 11, 2, 0, 0, 0, 0, loc), // fall back
	} {
		for i := 0; i < 26*4; i++ {
			ref := day.Add(time.Duration(i) * 15 * time.Minute)
			for _, rule := range rules {
				p, err := Resolve(rule, ref, loc)
				require.NoError(t, err)
				assert.Truef(t, p.Contains(ref), "%s: %v not in [%v, %v)", rule.Kind(), ref, p.Start, p.End)
			}
		}
	}
}

func TestResolveSubDailyPartitionsFallBackDay(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	dayStart := time.Date(2025, 11, 2, 0, 0, 0, 0, loc)
	dayEnd := time.Date(2025, 11, 3, 0, 0, 0, 0, loc)
	require.Equal(t, 25*time.Hour, dayEnd.Sub(dayStart))

	for _, rule := range []Rule{Hourly{Hours: 1}, Hourly{Hours: 2}, Hourly{Hours: 5}, PerMinute{Minutes: 20}} {
		var prev Period
		for ref := dayStart; ref.Before(dayEnd); ref = ref.Add(5 * time.Minute) {
			p, err := Resolve(rule, ref, loc)
			require.NoError(t, err)
			require.Truef(t, p.Contains(ref), "%s: %v not in [%v, %v)", rule.Kind(), ref, p.Start, p.End)
			if prev.End.IsZero() {
				assert.True(t, p.Start.Equal(dayStart), rule.Kind())
			} else if !p.Start.Equal(prev.Start) {
				// a new window starts exactly where the previous one ended
				require.Truef(t, p.Start.Equal(prev.End), "%s: [%v, %v) then [%v, %v)", rule.Kind(), prev.Start, prev.End, p.Start, p.End)
			} else {
				require.True(t, p.End.Equal(prev.End), rule.Kind())
			}
			prev = p
		}
		assert.True(t, prev.End.Equal(dayEnd), rule.Kind())
	}

	// 01:30 happens twice; each occurrence gets its own window.
	edt := time.Date(2025, 11, 2, 5, 30, 0, 0, time.UTC).In(loc)
	est := edt.Add(time.Hour)
	require.Equal(t, edt.Hour(), est.Hour())
	first, err := Resolve(Hourly{Hours: 2}, edt, loc)
	require.NoError(t, err)
	second, err := Resolve(Hourly{Hours: 2}, est, loc)
	require.NoError(t, err)
	assert.False(t, second.Contains(edt))
	assert.False(t, first.Contains(est))
	assert.True(t, first.End.Equal(second.Start))
}

func TestResolveDaily(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	p, err := Resolve(Daily{At: TimeOfDay{Hour: 17, Minute: 30}}, time.Date(2025, 6, 3, 20, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 4, 0, 0, 0, 0, loc), p.End)
	assert.Equal(t, time.Date(2025, 6, 3, 17, 30, 0, 0, loc), p.Deadline)

	// No time-of-day means midnight.
	p, err = Resolve(Daily{}, time.Date(2025, 6, 3, 20, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, p.Start, p.Deadline)
}

func TestResolveWeeklyEndsOnWeekday(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	rule := Weekly{Weekday: time.Friday, At: TimeOfDay{Hour: 17}}

	// Tuesday 2025-06-03 -> week ending Friday 2025-06-06.
	p, err := Resolve(rule, time.Date(2025, 6, 3, 8, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 7, 0, 0, 0, 0, loc), p.End)
	assert.Equal(t, time.Date(2025, 6, 6, 17, 0, 0, 0, loc), p.Deadline)

	// Friday evening, after the deadline, is still the same period.
	p2, err := Resolve(rule, time.Date(2025, 6, 6, 22, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, p, p2)

	// Saturday starts the next one.
	p3, err := Resolve(rule, time.Date(2025, 6, 7, 0, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 13, 17, 0, 0, 0, loc), p3.Deadline)
}

func TestResolveMonthlyClampsToLastDay(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	rule := Monthly{Day: 31, At: TimeOfDay{Hour: 10}}

	p, err := Resolve(rule, time.Date(2025, 4, 12, 0, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 30, 10, 0, 0, 0, loc), p.Deadline)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 5, 1, 0, 0, 0, 0, loc), p.End)

	p, err = Resolve(rule, time.Date(2024, 2, 3, 0, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 10, 0, 0, 0, loc), p.Deadline)
}

func TestResolveMonthlySpecific(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	rule := MonthlySpecific{Month: time.March, Day: 15, At: TimeOfDay{Hour: 9}}

	p, err := Resolve(rule, time.Date(2025, 3, 15, 12, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 16, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 3, 16, 0, 0, 0, 0, loc), p.End)
	assert.Equal(t, time.Date(2025, 3, 15, 9, 0, 0, 0, loc), p.Deadline)

	p, err = Resolve(rule, time.Date(2025, 3, 16, 0, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 9, 0, 0, 0, loc), p.Deadline)
}

func TestResolveIntervalAnchorsToCreation(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	created := time.Date(2025, 1, 1, 15, 0, 0, 0, loc)
	rule := Interval{Days: 7, Anchor: created, At: TimeOfDay{Hour: 9}}

	p, err := Resolve(rule, time.Date(2025, 1, 20, 10, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 1, 22, 0, 0, 0, 0, loc), p.End)
	assert.Equal(t, time.Date(2025, 1, 21, 9, 0, 0, 0, loc), p.Deadline)

	// Same answer no matter when "now" is inside the window.
	p2, err := Resolve(rule, time.Date(2025, 1, 15, 0, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, p, p2)

	// Before the anchor still resolves (period index goes negative).
	p3, err := Resolve(rule, time.Date(2024, 12, 30, 0, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 25, 0, 0, 0, 0, loc), p3.Start)
}

func TestResolveSubDaily(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)

	p, err := Resolve(Hourly{Hours: 6}, time.Date(2025, 6, 3, 13, 20, 5, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 3, 12, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 3, 18, 0, 0, 0, loc), p.End)
	assert.Equal(t, p.Start, p.Deadline)

	// 5-hour buckets: the last one of the day is clipped at midnight.
	p, err = Resolve(Hourly{Hours: 5}, time.Date(2025, 6, 3, 22, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 3, 20, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 4, 0, 0, 0, 0, loc), p.End)

	p, err = Resolve(PerMinute{Minutes: 15}, time.Date(2025, 6, 3, 13, 44, 59, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 3, 13, 30, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 3, 13, 45, 0, 0, loc), p.End)
}

func TestResolveCustom(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)

	// Weekdays at 09:00; Saturday noon sits between Friday 09:00 and Monday 09:00.
	p, err := Resolve(Custom{Expr: "0 9 * * 1-5"}, time.Date(2025, 6, 7, 12, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 6, 9, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 9, 9, 0, 0, 0, loc), p.End)
	assert.Equal(t, p.Start, p.Deadline)

	// Exactly on a firing: that firing opens the period.
	p, err = Resolve(Custom{Expr: "0 9 * * 1-5"}, time.Date(2025, 6, 9, 9, 0, 0, 0, loc), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 9, 9, 0, 0, 0, loc), p.Start)
	assert.Equal(t, time.Date(2025, 6, 10, 9, 0, 0, 0, loc), p.End)
}

type fakeCron struct {
	prev, next time.Time
	err        error
	calls      int
}

func (f *fakeCron) Bracket(string, time.Time) (time.Time, time.Time, error) {
	f.calls++
	return f.prev, f.next, f.err
}

func TestResolverUsesCronStrategy(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	ref := time.Date(2025, 6, 7, 12, 0, 0, 0, loc)
	fc := &fakeCron{prev: ref.Add(-time.Hour), next: ref.Add(time.Hour)}

	p, err := NewResolver(fc).Resolve(Custom{Expr: "anything"}, ref, loc)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.calls)
	assert.Equal(t, fc.prev, p.Start)

	fc.err = errors.New("boom")
	_, err = NewResolver(fc).Resolve(Custom{Expr: "anything"}, ref, loc)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestResolveInvalidRules(t *testing.T) {
	t.Parallel()
	loc := tokyo(t)
	ref := time.Date(2025, 6, 7, 12, 0, 0, 0, loc)
	tests := []struct {
		name string
		rule Rule
	}{
		{name: "nil", rule: nil},
		{name: "day of month 0", rule: Monthly{Day: 0}},
		{name: "day of month 32", rule: Monthly{Day: 32}},
		{name: "weekday 7", rule: Weekly{Weekday: 7}},
		{name: "interval zero", rule: Interval{Days: 0, Anchor: ref}},
		{name: "interval no anchor", rule: Interval{Days: 2}},
		{name: "hourly zero", rule: Hourly{}},
		{name: "per-minute 61", rule: PerMinute{Minutes: 61}},
		{name: "feb 30", rule: MonthlySpecific{Month: time.February, Day: 30}},
		{name: "bad time", rule: Daily{At: TimeOfDay{Hour: 24}}},
		{name: "bad cron", rule: Custom{Expr: "61 * * * *"}},
		{name: "every", rule: Custom{Expr: "@every 5m"}},
		{name: "empty cron", rule: Custom{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(tt.rule, ref, loc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestResolveRequiresLocation(t *testing.T) {
	t.Parallel()
	_, err := Resolve(Daily{}, time.Now(), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRule)
}
