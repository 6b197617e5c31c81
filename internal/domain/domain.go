// Package domain holds the documents shared by the ledger, cache and
// dispatch packages. Times that are filtered or ordered on in the store are
// duplicated as Unix milliseconds (the *Ms fields), since instants encoded as
// text do not compare correctly across offsets.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"dutybot/internal/recurrence"
	"dutybot/internal/reminder"
)

// Collection names in the document store.
const (
	CollSchedules    = "schedules"
	CollEmployees    = "employees"
	CollCompletions  = "completions"
	CollDispatchRuns = "dispatch_runs"
	CollDedupe       = "dispatch_dedupe"
	CollCache        = "cache"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Person is a display name plus contact email. It is denormalized onto
// schedules and completions, not a reference to a user record.
type Person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Schedule is a recurring task definition. The engine only reads schedules.
type Schedule struct {
	ID          string          `json:"id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Recurrence  recurrence.Spec `json:"recurrence"`
	Reminder    reminder.Spec   `json:"reminder"`
	Assignee    Person          `json:"assignee"`
	Status      Status          `json:"status"`
	Visible     bool            `json:"visible"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Active reports whether the schedule takes part in dispatch and assignment
// counts. A missing status counts as active.
func (s Schedule) Active() bool {
	st := Status(strings.ToLower(strings.TrimSpace(string(s.Status))))
	return st == "" || st == StatusActive
}

// RecurrenceRule parses the stored recurrence rule, anchored at CreatedAt.
func (s Schedule) RecurrenceRule() (recurrence.Rule, error) {
	return recurrence.ParseSpec(s.Recurrence, s.CreatedAt)
}

// ReminderRule parses the stored reminder rule. Absolute instants without an
// offset are read in loc.
func (s Schedule) ReminderRule(loc *time.Location) (reminder.Rule, error) {
	return reminder.ParseSpec(s.Reminder, loc)
}

// Employee is a staff member reminders can be addressed to.
// AssignedCount is derived when the employees snapshot is built.
type Employee struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Department    string `json:"department,omitempty"`
	AssignedCount int    `json:"assignedCount"`
}

// TaskCompletion is evidence that one period of a schedule was satisfied.
type TaskCompletion struct {
	ID            string    `json:"id"`
	ScheduleID    string    `json:"scheduleId"`
	PeriodStart   time.Time `json:"periodStart"`
	PeriodEnd     time.Time `json:"periodEnd"`
	PeriodStartMs int64     `json:"periodStartMs"`
	PeriodEndMs   int64     `json:"periodEndMs"`
	CompletedAt   time.Time `json:"completedAt"`
	CompletedBy   Person    `json:"completedBy"`
	Notes         string    `json:"notes,omitempty"`
}

// DispatchRunLog is the append-only record of one dispatch invocation.
// Checked == Sent + Skipped + Errors always holds; Checked < Total marks a
// run that was cancelled or timed out before visiting every schedule.
type DispatchRunLog struct {
	ID                    string    `json:"id"`
	Timestamp             time.Time `json:"timestamp"`
	TimestampMs           int64     `json:"timestampMs"`
	IntervalSincePrevious *int64    `json:"intervalSincePrevious"` // ms; nil for the first run
	Checked               int       `json:"checked"`
	Sent                  int       `json:"sent"`
	Skipped               int       `json:"skipped"`
	Errors                int       `json:"errors"`
	Total                 int       `json:"total"`
	Cancelled             bool      `json:"cancelled,omitempty"`
	SyncedAt              time.Time `json:"syncedAt,omitzero"`
	DurationMs            int64     `json:"durationMs"`
}

// DedupeEntry marks a reminder claimed (and, once Confirmed, sent) for one
// schedule period on one calendar day.
type DedupeEntry struct {
	ScheduleID    string    `json:"scheduleId"`
	PeriodStartMs int64     `json:"periodStartMs"`
	PeriodEndMs   int64     `json:"periodEndMs"`
	Day           string    `json:"day"`
	RunID         string    `json:"runId"`
	CreatedAt     time.Time `json:"createdAt"`
	CreatedAtMs   int64     `json:"createdAtMs"`
	Confirmed     bool      `json:"confirmed"`
}

// CacheKind names a snapshotted collection.
type CacheKind string

const (
	CacheSchedules CacheKind = "schedules"
	CacheEmployees CacheKind = "employees"
)

// CacheSnapshot is a wholesale copy of one collection. SourceCount is the
// number of documents read from the authoritative collection; len(Entries)
// may be smaller (inactive schedules are filtered out). Stale is set by an
// explicit invalidation and cleared by the next successful sync.
type CacheSnapshot struct {
	Kind         CacheKind         `json:"kind"`
	Entries      []json.RawMessage `json:"entries"`
	LastSyncedAt time.Time         `json:"lastSyncedAt"`
	SourceCount  int               `json:"sourceCount"`
	Stale        bool              `json:"stale,omitempty"`
}
