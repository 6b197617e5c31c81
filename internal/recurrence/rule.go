package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the discriminant of a recurrence rule.
type Kind string

const (
	KindDaily           Kind = "daily"
	KindWeekly          Kind = "weekly"
	KindMonthly         Kind = "monthly"
	KindMonthlySpecific Kind = "monthly-specific"
	KindInterval        Kind = "interval"
	KindHourly          Kind = "hourly"
	KindPerMinute       Kind = "per-minute"
	KindCustom          Kind = "custom"
)

// Rule is a closed set of recurrence variants. Each variant carries only
// the fields it needs; the unexported method keeps the set closed.
type Rule interface {
	Kind() Kind
	Validate() error
	isRule()
}

// TimeOfDay is a wall-clock time in the organisational timezone.
// The zero value is midnight.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

// On returns the instant of t on the calendar date of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
}

// Daily: one period per calendar day.
type Daily struct {
	At TimeOfDay
}

// Weekly: a 7-day window whose last day is Weekday.
type Weekly struct {
	Weekday time.Weekday
	At      TimeOfDay
}

// Monthly: the calendar month; due on Day (clamped to the month's length).
type Monthly struct {
	Day int
	At  TimeOfDay
}

// MonthlySpecific: once a year on Month/Day.
type MonthlySpecific struct {
	Month time.Month
	Day   int
	At    TimeOfDay
}

// Interval: every Days days counted from Anchor (the schedule's creation instant).
type Interval struct {
	Days   int
	Anchor time.Time
	At     TimeOfDay
}

// Hourly: fixed windows of Hours hours aligned to local midnight.
type Hourly struct {
	Hours int
}

// PerMinute: fixed windows of Minutes minutes aligned to the top of the hour.
type PerMinute struct {
	Minutes int
}

// Custom: a cron expression (robfig/cron syntax, optional seconds field).
type Custom struct {
	Expr string
}

func (Daily) Kind() Kind           { return KindDaily }
func (Weekly) Kind() Kind          { return KindWeekly }
func (Monthly) Kind() Kind         { return KindMonthly }
func (MonthlySpecific) Kind() Kind { return KindMonthlySpecific }
func (Interval) Kind() Kind        { return KindInterval }
func (Hourly) Kind() Kind          { return KindHourly }
func (PerMinute) Kind() Kind       { return KindPerMinute }
func (Custom) Kind() Kind          { return KindCustom }

func (Daily) isRule()           {}
func (Weekly) isRule()          {}
func (Monthly) isRule()         {}
func (MonthlySpecific) isRule() {}
func (Interval) isRule()        {}
func (Hourly) isRule()          {}
func (PerMinute) isRule()       {}
func (Custom) isRule()          {}

func (r Daily) Validate() error {
	if !r.At.valid() {
		return invalid(KindDaily, "time", "out of range")
	}
	return nil
}

func (r Weekly) Validate() error {
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return invalid(KindWeekly, "dayOfWeek", "must be 0-6 (Sunday=0)")
	}
	if !r.At.valid() {
		return invalid(KindWeekly, "time", "out of range")
	}
	return nil
}

func (r Monthly) Validate() error {
	if r.Day < 1 || r.Day > 31 {
		return invalid(KindMonthly, "dayOfMonth", fmt.Sprintf("%d outside 1-31", r.Day))
	}
	if !r.At.valid() {
		return invalid(KindMonthly, "time", "out of range")
	}
	return nil
}

func (r MonthlySpecific) Validate() error {
	if r.Month < time.January || r.Month > time.December {
		return invalid(KindMonthlySpecific, "month", "must be 1-12")
	}
	if r.Day < 1 || r.Day > daysIn(r.Month, 2000) {
		return invalid(KindMonthlySpecific, "day", fmt.Sprintf("%d outside 1-%d", r.Day, daysIn(r.Month, 2000)))
	}
	if !r.At.valid() {
		return invalid(KindMonthlySpecific, "time", "out of range")
	}
	return nil
}

func (r Interval) Validate() error {
	if r.Days < 1 {
		return invalid(KindInterval, "days", "must be >= 1")
	}
	if r.Anchor.IsZero() {
		return invalid(KindInterval, "anchor", "schedule creation instant required")
	}
	if !r.At.valid() {
		return invalid(KindInterval, "time", "out of range")
	}
	return nil
}

func (r Hourly) Validate() error {
	if r.Hours < 1 || r.Hours > 24 {
		return invalid(KindHourly, "hours", "must be 1-24")
	}
	return nil
}

func (r PerMinute) Validate() error {
	if r.Minutes < 1 || r.Minutes > 60 {
		return invalid(KindPerMinute, "minutes", "must be 1-60")
	}
	return nil
}

func (r Custom) Validate() error {
	if strings.TrimSpace(r.Expr) == "" {
		return invalid(KindCustom, "cron", "expression required")
	}
	return nil
}

// daysIn returns the number of days in month m of year y.
func daysIn(m time.Month, y int) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
