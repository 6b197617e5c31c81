package recurrence

import (
	"strings"
	"time"
)

// Spec is the stored (document) form of a rule: a discriminant plus the
// optional fields of every variant. ParseSpec turns it into a closed Rule.
type Spec struct {
	Type       string `json:"type"`
	Time       string `json:"time,omitempty"`
	DayOfWeek  *int   `json:"dayOfWeek,omitempty"`
	DayOfMonth *int   `json:"dayOfMonth,omitempty"`
	Month      *int   `json:"month,omitempty"`
	Day        *int   `json:"day,omitempty"`
	Days       *int   `json:"days,omitempty"`
	Hours      *int   `json:"hours,omitempty"`
	Minutes    *int   `json:"minutes,omitempty"`
	Cron       string `json:"cron,omitempty"`
}

// fields each kind accepts besides "type".
var allowedFields = map[Kind][]string{
	KindDaily:           {"time"},
	KindWeekly:          {"dayOfWeek", "time"},
	KindMonthly:         {"dayOfMonth", "time"},
	KindMonthlySpecific: {"month", "day", "time"},
	KindInterval:        {"days", "time"},
	KindHourly:          {"hours"},
	KindPerMinute:       {"minutes"},
	KindCustom:          {"cron"},
}

func (s Spec) present() []string {
	var out []string
	if strings.TrimSpace(s.Time) != "" {
		out = append(out, "time")
	}
	if s.DayOfWeek != nil {
		out = append(out, "dayOfWeek")
	}
	if s.DayOfMonth != nil {
		out = append(out, "dayOfMonth")
	}
	if s.Month != nil {
		out = append(out, "month")
	}
	if s.Day != nil {
		out = append(out, "day")
	}
	if s.Days != nil {
		out = append(out, "days")
	}
	if s.Hours != nil {
		out = append(out, "hours")
	}
	if s.Minutes != nil {
		out = append(out, "minutes")
	}
	if strings.TrimSpace(s.Cron) != "" {
		out = append(out, "cron")
	}
	return out
}

// ParseSpec validates a stored rule and converts it to its variant.
// createdAt anchors interval rules. Unknown types, missing required fields
// and fields foreign to the variant all fail with ErrInvalidRule.
func ParseSpec(s Spec, createdAt time.Time) (Rule, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s.Type)))
	allowed, ok := allowedFields[kind]
	if !ok {
		if kind == "" {
			return nil, invalid(kind, "type", "required")
		}
		return nil, invalid(kind, "type", "unknown recurrence type")
	}
	for _, f := range s.present() {
		if !contains(allowed, f) {
			return nil, invalid(kind, f, "not allowed for this type")
		}
	}

	var at TimeOfDay
	if strings.TrimSpace(s.Time) != "" {
		t, err := ParseTimeOfDay(s.Time)
		if err != nil {
			return nil, &RuleError{Kind: kind, Field: "time", Err: err}
		}
		at = t
	}

	var r Rule
	switch kind {
	case KindDaily:
		r = Daily{At: at}
	case KindWeekly:
		if s.DayOfWeek == nil {
			return nil, invalid(kind, "dayOfWeek", "required")
		}
		r = Weekly{Weekday: time.Weekday(*s.DayOfWeek), At: at}
	case KindMonthly:
		if s.DayOfMonth == nil {
			return nil, invalid(kind, "dayOfMonth", "required")
		}
		r = Monthly{Day: *s.DayOfMonth, At: at}
	case KindMonthlySpecific:
		if s.Month == nil {
			return nil, invalid(kind, "month", "required")
		}
		if s.Day == nil {
			return nil, invalid(kind, "day", "required")
		}
		r = MonthlySpecific{Month: time.Month(*s.Month), Day: *s.Day, At: at}
	case KindInterval:
		if s.Days == nil {
			return nil, invalid(kind, "days", "required")
		}
		r = Interval{Days: *s.Days, Anchor: createdAt, At: at}
	case KindHourly:
		if s.Hours == nil {
			return nil, invalid(kind, "hours", "required")
		}
		r = Hourly{Hours: *s.Hours}
	case KindPerMinute:
		if s.Minutes == nil {
			return nil, invalid(kind, "minutes", "required")
		}
		r = PerMinute{Minutes: *s.Minutes}
	case KindCustom:
		c := Custom{Expr: strings.TrimSpace(s.Cron)}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, err := defaultCron.parse(c.Expr); err != nil {
			return nil, &RuleError{Kind: kind, Field: "cron", Err: err}
		}
		r = c
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Encode converts a rule back to its stored form.
func Encode(r Rule) Spec {
	s := Spec{Type: string(r.Kind())}
	timeOf := func(t TimeOfDay) string {
		if t == (TimeOfDay{}) {
			return ""
		}
		return t.String()
	}
	switch v := r.(type) {
	case Daily:
		s.Time = timeOf(v.At)
	case Weekly:
		s.DayOfWeek = intPtr(int(v.Weekday))
		s.Time = timeOf(v.At)
	case Monthly:
		s.DayOfMonth = intPtr(v.Day)
		s.Time = timeOf(v.At)
	case MonthlySpecific:
		s.Month = intPtr(int(v.Month))
		s.Day = intPtr(v.Day)
		s.Time = timeOf(v.At)
	case Interval:
		s.Days = intPtr(v.Days)
		s.Time = timeOf(v.At)
	case Hourly:
		s.Hours = intPtr(v.Hours)
	case PerMinute:
		s.Minutes = intPtr(v.Minutes)
	case Custom:
		s.Cron = v.Expr
	}
	return s
}

func intPtr(v int) *int { return &v }

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
