// Package ledger records which schedule periods have been completed.
//
// A completion's id is derived from (scheduleId, periodStart, periodEnd) and
// written with the store's insert-if-absent, so the one-completion-per-period
// rule holds even when two users click "done" at the same moment.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dutybot/internal/domain"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrAlreadyCompleted = errors.New("period already completed")
	ErrNotFound         = errors.New("completion not found")
	ErrInvalidPeriod    = errors.New("invalid period: start must be before end")
)

// completionNS namespaces derived completion ids.
var completionNS = uuid.MustParse("8f5b8a57-33c1-4c1f-9d57-6a4f3b0d2e11")

// CompletionID returns the id a completion of this period is stored under.
func CompletionID(scheduleID string, start, end time.Time) string {
	key := scheduleID + "|" + strconv.FormatInt(start.UnixMilli(), 10) + "|" + strconv.FormatInt(end.UnixMilli(), 10)
	return uuid.NewSHA1(completionNS, []byte(key)).String()
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

type Option func(*Ledger)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// MarkRequest identifies the period being satisfied and who satisfied it.
type MarkRequest struct {
	ScheduleID  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Actor       domain.Person
	Notes       string
}

// IsCompleted reports whether a completion exists for exactly this period.
func (l *Ledger) IsCompleted(ctx context.Context, scheduleID string, start, end time.Time) (bool, error) {
	_, err := l.store.Get(ctx, domain.CollCompletions, CompletionID(scheduleID, start, end))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	// Records written by other tools may not use the derived id.
	docs, err := l.store.Query(ctx, domain.CollCompletions, periodQuery(scheduleID, start, end))
	if err != nil {
		return false, fmt.Errorf("ledger query: %w", err)
	}
	return len(docs) > 0, nil
}

// MarkComplete records a completion. A second call for the same period fails
// with ErrAlreadyCompleted and leaves the first record in place.
func (l *Ledger) MarkComplete(ctx context.Context, req MarkRequest) (domain.TaskCompletion, error) {
	req.ScheduleID = strings.TrimSpace(req.ScheduleID)
	if !req.PeriodStart.Before(req.PeriodEnd) {
		return domain.TaskCompletion{}, ErrInvalidPeriod
	}
	if req.ScheduleID == "" {
		return domain.TaskCompletion{}, ErrScheduleNotFound
	}
	if _, err := l.store.Get(ctx, domain.CollSchedules, req.ScheduleID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.TaskCompletion{}, ErrScheduleNotFound
		}
		return domain.TaskCompletion{}, fmt.Errorf("ledger schedule lookup: %w", err)
	}

	done, err := l.IsCompleted(ctx, req.ScheduleID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return domain.TaskCompletion{}, err
	}
	if done {
		return domain.TaskCompletion{}, ErrAlreadyCompleted
	}

	c := domain.TaskCompletion{
		ID:            CompletionID(req.ScheduleID, req.PeriodStart, req.PeriodEnd),
		ScheduleID:    req.ScheduleID,
		PeriodStart:   req.PeriodStart,
		PeriodEnd:     req.PeriodEnd,
		PeriodStartMs: req.PeriodStart.UnixMilli(),
		PeriodEndMs:   req.PeriodEnd.UnixMilli(),
		CompletedAt:   l.now(),
		CompletedBy:   req.Actor,
		Notes:         strings.TrimSpace(req.Notes),
	}
	if err := l.store.Create(ctx, domain.CollCompletions, c.ID, c); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.TaskCompletion{}, ErrAlreadyCompleted
		}
		return domain.TaskCompletion{}, fmt.Errorf("ledger insert: %w", err)
	}
	l.log.Info("period completed",
		logx.String("schedule", c.ScheduleID),
		logx.Time("period_start", c.PeriodStart),
		logx.String("by", c.CompletedBy.Email),
	)
	return c, nil
}

// MarkIncomplete deletes a completion (undo).
func (l *Ledger) MarkIncomplete(ctx context.Context, completionID string) error {
	completionID = strings.TrimSpace(completionID)
	if completionID == "" {
		return ErrNotFound
	}
	if err := l.store.Delete(ctx, domain.CollCompletions, completionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("ledger delete: %w", err)
	}
	l.log.Info("completion removed", logx.String("id", completionID))
	return nil
}

// Get returns one completion.
func (l *Ledger) Get(ctx context.Context, completionID string) (domain.TaskCompletion, error) {
	doc, err := l.store.Get(ctx, domain.CollCompletions, completionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.TaskCompletion{}, ErrNotFound
		}
		return domain.TaskCompletion{}, err
	}
	return decode(doc)
}

// List returns a schedule's completions, oldest period first.
func (l *Ledger) List(ctx context.Context, scheduleID string) ([]domain.TaskCompletion, error) {
	docs, err := l.store.Query(ctx, domain.CollCompletions, storage.Query{
		Filters: []storage.Filter{storage.Where("scheduleId", storage.OpEq, scheduleID)},
		OrderBy: "periodStartMs",
	})
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	out := make([]domain.TaskCompletion, 0, len(docs))
	for _, d := range docs {
		c, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func periodQuery(scheduleID string, start, end time.Time) storage.Query {
	return storage.Query{
		Filters: []storage.Filter{
			storage.Where("scheduleId", storage.OpEq, scheduleID),
			storage.Where("periodStartMs", storage.OpEq, start.UnixMilli()),
			storage.Where("periodEndMs", storage.OpEq, end.UnixMilli()),
		},
		Limit: 1,
	}
}

func decode(doc storage.Document) (domain.TaskCompletion, error) {
	var c domain.TaskCompletion
	if err := doc.Decode(&c); err != nil {
		return domain.TaskCompletion{}, err
	}
	c.ID = doc.ID
	return c, nil
}
