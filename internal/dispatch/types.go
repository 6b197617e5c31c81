package dispatch

import (
	"context"
	"errors"
	"time"

	"dutybot/internal/domain"
	"dutybot/internal/mailer"
	"dutybot/internal/recurrence"
)

var (
	ErrScheduleTimeout = errors.New("schedule evaluation timed out")
	ErrNoSnapshot      = errors.New("no schedules snapshot available")
)

// Event types published on the bus.
const (
	EventSent   = "dispatch.sent"
	EventFailed = "dispatch.failed"
	EventRun    = "dispatch.run"
)

// Outcome is the terminal state of one schedule in one run.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Skip reasons.
const (
	ReasonNotDue      = "not_due"
	ReasonCompleted   = "completed"
	ReasonAlreadySent = "already_sent"
)

// Config tunes the orchestrator. Location is the organisational timezone
// every period is resolved in.
type Config struct {
	Location        *time.Location
	Workers         int
	ScheduleTimeout time.Duration
	RunTimeout      time.Duration
	DedupeRetention time.Duration
	CacheMaxAge     time.Duration
}

// Result is one schedule's outcome.
type Result struct {
	ScheduleID string            `json:"scheduleId"`
	Title      string            `json:"title,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Period     recurrence.Period `json:"period,omitzero"`
	FireAt     time.Time         `json:"fireAt,omitzero"`
	Took       time.Duration     `json:"-"`

	err error
}

// Err returns the failure behind an OutcomeError result.
func (r Result) Err() error { return r.err }

// Summary is what a trigger returns: the persisted run log plus the
// per-schedule results it was reduced from.
type Summary struct {
	Run     domain.DispatchRunLog `json:"run"`
	Results []Result              `json:"results"`
}

// Snapshots is the cache read side the orchestrator consumes.
type Snapshots interface {
	EnsureFresh(ctx context.Context, kind domain.CacheKind, maxAge time.Duration) (domain.CacheSnapshot, error)
}

// Completions answers whether a period is already satisfied.
type Completions interface {
	IsCompleted(ctx context.Context, scheduleID string, start, end time.Time) (bool, error)
}

// Notifier delivers a reminder email.
type Notifier interface {
	SendReminder(ctx context.Context, r mailer.Reminder) error
}

// RunEvent is published as EventRun.
type RunEvent struct {
	RunID     string `json:"run_id"`
	Checked   int    `json:"checked"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
	Total     int    `json:"total"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// ScheduleEvent is published as EventSent / EventFailed.
type ScheduleEvent struct {
	RunID      string    `json:"run_id"`
	ScheduleID string    `json:"schedule_id"`
	To         string    `json:"to,omitempty"`
	PeriodEnd  time.Time `json:"period_end"`
	Error      string    `json:"error,omitempty"`
}
