// Package reminder computes when a reminder fires relative to a deadline.
package reminder

import (
	"strings"
	"time"

	"dutybot/internal/recurrence"
)

type Kind string

const (
	KindRelative Kind = "relative"
	KindAbsolute Kind = "absolute"
)

// Rule is either Relative or Absolute.
type Rule interface {
	Kind() Kind
	Validate() error
	isRule()
}

// Relative fires DaysBefore calendar days before the deadline. At replaces
// the deadline's time of day when set.
type Relative struct {
	DaysBefore int
	At         *recurrence.TimeOfDay
}

// Absolute fires at a fixed instant regardless of the deadline.
type Absolute struct {
	At time.Time
}

func (Relative) Kind() Kind { return KindRelative }
func (Absolute) Kind() Kind { return KindAbsolute }
func (Relative) isRule()    {}
func (Absolute) isRule()    {}

func (r Relative) Validate() error {
	if r.DaysBefore < 0 {
		return invalid(KindRelative, "daysBefore", "must be >= 0")
	}
	if r.At != nil && (r.At.Hour < 0 || r.At.Hour > 23 || r.At.Minute < 0 || r.At.Minute > 59) {
		return invalid(KindRelative, "time", "out of range")
	}
	return nil
}

func (r Absolute) Validate() error {
	if r.At.IsZero() {
		return invalid(KindAbsolute, "at", "required")
	}
	return nil
}

// Resolve returns the fire instant for rule against deadline. Calendar
// arithmetic happens in the deadline's location. A fire instant earlier than
// the schedule's creation is returned as is; callers decide what "past" means.
func Resolve(rule Rule, deadline time.Time) (time.Time, error) {
	if rule == nil {
		return time.Time{}, invalid("", "type", "rule required")
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	switch v := rule.(type) {
	case Relative:
		y, m, d := deadline.Date()
		h, mi, s := deadline.Clock()
		ns := deadline.Nanosecond()
		if v.At != nil {
			h, mi, s, ns = v.At.Hour, v.At.Minute, 0, 0
		}
		return time.Date(y, m, d-v.DaysBefore, h, mi, s, ns, deadline.Location()), nil
	case Absolute:
		return v.At, nil
	}
	return time.Time{}, invalid(rule.Kind(), "type", "unsupported reminder type")
}

// Spec is the stored form of a reminder rule.
type Spec struct {
	Type       string `json:"type"`
	DaysBefore *int   `json:"daysBefore,omitempty"`
	Time       string `json:"time,omitempty"`
	At         string `json:"at,omitempty"` // RFC 3339
}

// ParseSpec converts the stored form into a Rule. loc is used when At carries
// no offset ("2025-06-01T09:00").
func ParseSpec(s Spec, loc *time.Location) (Rule, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s.Type)))
	switch kind {
	case KindRelative:
		if strings.TrimSpace(s.At) != "" {
			return nil, invalid(kind, "at", "not allowed for this type")
		}
		if s.DaysBefore == nil {
			return nil, invalid(kind, "daysBefore", "required")
		}
		r := Relative{DaysBefore: *s.DaysBefore}
		if strings.TrimSpace(s.Time) != "" {
			t, err := recurrence.ParseTimeOfDay(s.Time)
			if err != nil {
				return nil, &RuleError{Kind: kind, Field: "time", Err: err}
			}
			r.At = &t
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return r, nil

	case KindAbsolute:
		if s.DaysBefore != nil {
			return nil, invalid(kind, "daysBefore", "not allowed for this type")
		}
		if strings.TrimSpace(s.Time) != "" {
			return nil, invalid(kind, "time", "not allowed for this type")
		}
		at, err := parseInstant(strings.TrimSpace(s.At), loc)
		if err != nil {
			return nil, &RuleError{Kind: kind, Field: "at", Err: err}
		}
		r := Absolute{At: at}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return r, nil

	case "":
		return nil, invalid(kind, "type", "required")
	}
	return nil, invalid(kind, "type", "unknown reminder type")
}

// Encode converts a rule back to its stored form.
func Encode(r Rule) Spec {
	s := Spec{Type: string(r.Kind())}
	switch v := r.(type) {
	case Relative:
		n := v.DaysBefore
		s.DaysBefore = &n
		if v.At != nil {
			s.Time = v.At.String()
		}
	case Absolute:
		s.At = v.At.Format(time.RFC3339)
	}
	return s
}

func parseInstant(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02T15:04", s, loc)
}
