package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"dutybot/internal/domain"
	"dutybot/internal/recurrence"
	"dutybot/internal/storage"
)

// DedupeSet guards "at most one reminder per schedule period per day".
//
// A reminder is claimed with an insert-if-absent before it is sent, confirmed
// once the send succeeds and released when it fails, so the next run retries.
// A claim left behind by a crash between claim and send suppresses that period
// until the day rolls over.
type DedupeSet struct {
	store storage.Store
}

func NewDedupeSet(store storage.Store) *DedupeSet {
	return &DedupeSet{store: store}
}

// DedupeKey is the store id for (schedule, period, day).
func DedupeKey(scheduleID string, p recurrence.Period, day string) string {
	return scheduleID + "|" +
		strconv.FormatInt(p.Start.UnixMilli(), 10) + "|" +
		strconv.FormatInt(p.End.UnixMilli(), 10) + "|" + day
}

// Day returns the calendar day of t in loc as YYYY-MM-DD.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// Claim reserves key. It reports false when another run already holds it.
func (d *DedupeSet) Claim(ctx context.Context, key string, e domain.DedupeEntry) (bool, error) {
	err := d.store.Create(ctx, domain.CollDedupe, key, e)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrAlreadyExists):
		return false, nil
	}
	return false, fmt.Errorf("dedupe claim: %w", err)
}

// Confirm marks a claim as delivered.
func (d *DedupeSet) Confirm(ctx context.Context, key string, e domain.DedupeEntry) error {
	e.Confirmed = true
	if err := d.store.Put(ctx, domain.CollDedupe, key, e); err != nil {
		return fmt.Errorf("dedupe confirm: %w", err)
	}
	return nil
}

// Release drops a claim whose send failed.
func (d *DedupeSet) Release(ctx context.Context, key string) error {
	err := d.store.Delete(ctx, domain.CollDedupe, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

// Lookup returns the entry for key, if any.
func (d *DedupeSet) Lookup(ctx context.Context, key string) (domain.DedupeEntry, bool, error) {
	doc, err := d.store.Get(ctx, domain.CollDedupe, key)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.DedupeEntry{}, false, nil
	}
	if err != nil {
		return domain.DedupeEntry{}, false, err
	}
	var e domain.DedupeEntry
	if err := doc.Decode(&e); err != nil {
		return domain.DedupeEntry{}, false, err
	}
	return e, true, nil
}

// Prune deletes entries created before cutoff and returns how many went.
func (d *DedupeSet) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := d.store.Query(ctx, domain.CollDedupe, storage.Query{
		Filters: []storage.Filter{storage.Where("createdAtMs", storage.OpLt, cutoff.UnixMilli())},
	})
	if err != nil {
		return 0, fmt.Errorf("dedupe prune: %w", err)
	}
	n := 0
	for _, doc := range docs {
		if err := d.store.Delete(ctx, domain.CollDedupe, doc.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return n, fmt.Errorf("dedupe prune: %w", err)
		}
		n++
	}
	return n, nil
}
