package dispatch

import (
	"context"
	"errors"
	"time"

	"dutybot/internal/domain"
	"dutybot/internal/ledger"
	"dutybot/internal/recurrence"
	"dutybot/internal/reminder"
	"dutybot/internal/storage"
)

// Preview is the resolved timing of one schedule at one instant.
type Preview struct {
	ScheduleID   string            `json:"scheduleId"`
	Title        string            `json:"title"`
	Active       bool              `json:"active"`
	At           time.Time         `json:"at"`
	Period       recurrence.Period `json:"period"`
	FireAt       time.Time         `json:"fireAt"`
	Due          bool              `json:"due"`
	Completed    bool              `json:"completed"`
	CompletionID string            `json:"completionId"`
	SentToday    bool              `json:"sentToday"`
}

// Schedule loads a schedule from the authoritative store.
func (o *Orchestrator) Schedule(ctx context.Context, id string) (domain.Schedule, error) {
	doc, err := o.store.Get(ctx, domain.CollSchedules, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Schedule{}, ledger.ErrScheduleNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	var s domain.Schedule
	if err := doc.Decode(&s); err != nil {
		return domain.Schedule{}, err
	}
	s.ID = doc.ID
	return s, nil
}

// PeriodAt resolves the period of schedule id that contains at.
func (o *Orchestrator) PeriodAt(ctx context.Context, id string, at time.Time) (domain.Schedule, recurrence.Period, error) {
	s, err := o.Schedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, recurrence.Period{}, err
	}
	rule, err := s.RecurrenceRule()
	if err != nil {
		return s, recurrence.Period{}, err
	}
	p, err := o.resolver.Resolve(rule, at, o.Location())
	if err != nil {
		return s, recurrence.Period{}, err
	}
	return s, p, nil
}

// Preview reports what a run at instant at would see for schedule id,
// without sending anything.
func (o *Orchestrator) Preview(ctx context.Context, id string, at time.Time) (Preview, error) {
	loc := o.Location()
	s, p, err := o.PeriodAt(ctx, id, at)
	if err != nil {
		return Preview{}, err
	}
	mrule, err := s.ReminderRule(loc)
	if err != nil {
		return Preview{}, err
	}
	fireAt, err := reminder.Resolve(mrule, p.Deadline)
	if err != nil {
		return Preview{}, err
	}
	completed, err := o.ledger.IsCompleted(ctx, s.ID, p.Start, p.End)
	if err != nil {
		return Preview{}, err
	}
	entry, found, err := o.dedupe.Lookup(ctx, DedupeKey(s.ID, p, Day(at, loc)))
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		ScheduleID:   s.ID,
		Title:        s.Title,
		Active:       s.Active(),
		At:           at.In(loc),
		Period:       p,
		FireAt:       fireAt,
		Due:          !at.Before(fireAt),
		Completed:    completed,
		CompletionID: ledger.CompletionID(s.ID, p.Start, p.End),
		SentToday:    found && entry.Confirmed,
	}, nil
}
