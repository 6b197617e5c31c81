package recurrence

import (
	"errors"
	"time"
)

// Period is one instance of a rule's recurring window, half-open [Start, End).
// Deadline is the instant the period's obligation is due and always falls
// inside the period. Hourly, per-minute and custom windows are due as soon
// as they open, so their Deadline is Start.
type Period struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Deadline time.Time `json:"deadline"`
}

// Contains reports whether t falls inside [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

var errNoLocation = errors.New("recurrence: timezone required")

// Resolver computes periods. The zero value is not usable; use NewResolver
// or the package-level Resolve.
type Resolver struct {
	cron CronStrategy
}

// NewResolver returns a resolver using cs for custom rules (nil means robfig/cron).
func NewResolver(cs CronStrategy) *Resolver {
	if cs == nil {
		cs = defaultCron
	}
	return &Resolver{cron: cs}
}

var defaultResolver = NewResolver(nil)

// Resolve computes the period of rule containing ref, evaluated in loc.
func Resolve(rule Rule, ref time.Time, loc *time.Location) (Period, error) {
	return defaultResolver.Resolve(rule, ref, loc)
}

// Resolve is pure: the same rule, instant and location always yield the same period.
func (r *Resolver) Resolve(rule Rule, ref time.Time, loc *time.Location) (Period, error) {
	if rule == nil {
		return Period{}, invalid("", "type", "rule required")
	}
	if loc == nil {
		return Period{}, errNoLocation
	}
	if err := rule.Validate(); err != nil {
		return Period{}, err
	}

	ref = ref.In(loc)
	y, m, d := ref.Date()

	switch v := rule.(type) {
	case Daily:
		return Period{
			Start:    date(y, m, d, loc),
			End:      date(y, m, d+1, loc),
			Deadline: at(y, m, d, v.At, loc),
		}, nil

	case Weekly:
		diff := (int(v.Weekday) - int(ref.Weekday()) + 7) % 7
		last := d + diff
		return Period{
			Start:    date(y, m, last-6, loc),
			End:      date(y, m, last+1, loc),
			Deadline: at(y, m, last, v.At, loc),
		}, nil

	case Monthly:
		// Day 31 in a 30-day month means the 30th, never the 1st of next month.
		day := min(v.Day, daysIn(m, y))
		return Period{
			Start:    date(y, m, 1, loc),
			End:      date(y, m+1, 1, loc),
			Deadline: at(y, m, day, v.At, loc),
		}, nil

	case MonthlySpecific:
		today := date(y, m, d, loc)
		due := occurrence(y, v.Month, v.Day, loc)
		if today.After(due) {
			due = occurrence(y+1, v.Month, v.Day, loc)
		}
		prev := occurrence(due.Year()-1, v.Month, v.Day, loc)
		py, pm, pd := prev.Date()
		dy, dm, dd := due.Date()
		return Period{
			Start:    date(py, pm, pd+1, loc),
			End:      date(dy, dm, dd+1, loc),
			Deadline: at(dy, dm, dd, v.At, loc),
		}, nil

	case Interval:
		ay, am, ad := v.Anchor.In(loc).Date()
		n := floorDiv(civilDays(ay, am, ad, y, m, d), v.Days)
		first := ad + n*v.Days
		return Period{
			Start:    date(ay, am, first, loc),
			End:      date(ay, am, first+v.Days, loc),
			Deadline: at(ay, am, first+v.Days-1, v.At, loc),
		}, nil

	case Hourly:
		// Buckets count elapsed hours from local midnight, so a 23 or 25 hour
		// DST day is still split into disjoint windows.
		dayStart := date(y, m, d, loc)
		width := time.Duration(v.Hours) * time.Hour
		start := dayStart.Add(ref.Sub(dayStart) / width * width)
		end := start.Add(width)
		if dayEnd := date(y, m, d+1, loc); end.After(dayEnd) {
			end = dayEnd
		}
		return Period{Start: start, End: end, Deadline: start}, nil

	case PerMinute:
		hourTop := ref.Add(-sinceHourTop(ref))
		start := hourTop.Add(time.Duration(ref.Minute()/v.Minutes*v.Minutes) * time.Minute)
		end := start.Add(time.Duration(v.Minutes) * time.Minute)
		if hourEnd := hourTop.Add(time.Hour); end.After(hourEnd) {
			end = hourEnd
		}
		return Period{Start: start, End: end, Deadline: start}, nil

	case Custom:
		prev, next, err := r.cron.Bracket(v.Expr, ref)
		if err != nil {
			return Period{}, &RuleError{Kind: KindCustom, Field: "cron", Err: err}
		}
		return Period{Start: prev, End: next, Deadline: prev}, nil
	}
	return Period{}, invalid(rule.Kind(), "type", "unsupported recurrence type")
}

func date(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func at(y int, m time.Month, d int, t TimeOfDay, loc *time.Location) time.Time {
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
}

// occurrence returns month/day in year, clamping Feb 29 in non-leap years.
func occurrence(year int, month time.Month, day int, loc *time.Location) time.Time {
	return date(year, month, min(day, daysIn(month, year)), loc)
}

// civilDays counts calendar days from (y1,m1,d1) to (y2,m2,d2), ignoring DST.
func civilDays(y1 int, m1 time.Month, d1 int, y2 int, m2 time.Month, d2 int) int {
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func sinceHourTop(t time.Time) time.Duration {
	return time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}
