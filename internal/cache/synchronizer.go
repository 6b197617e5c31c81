// Package cache maintains denormalized snapshots of the schedules and
// employees collections. Each snapshot is a single document replaced
// wholesale; the Synchronizer is its only writer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dutybot/internal/domain"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// ParseKind validates a collection kind name.
func ParseKind(s string) (domain.CacheKind, error) {
	switch k := domain.CacheKind(strings.ToLower(strings.TrimSpace(s))); k {
	case domain.CacheSchedules, domain.CacheEmployees:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Result is what a sync reports.
type Result struct {
	Kind     domain.CacheKind
	Count    int
	SyncedAt time.Time
}

type Synchronizer struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	// mu serializes writers so lastSyncedAt only moves forward.
	mu sync.Mutex
}

type Option func(*Synchronizer)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Synchronizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Synchronizer{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sync rebuilds the snapshot of kind from the authoritative collection.
// On failure the previous snapshot stays as it was.
func (s *Synchronizer) Sync(ctx context.Context, kind domain.CacheKind) (Result, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	var (
		entries []json.RawMessage
		source  int
		err     error
	)
	switch kind {
	case domain.CacheSchedules:
		entries, source, err = s.buildSchedules(ctx)
	case domain.CacheEmployees:
		entries, source, err = s.buildEmployees(ctx)
	}
	if err != nil {
		s.log.Warn("cache sync failed", logx.String("kind", string(kind)), logx.Err(err))
		return Result{}, &SyncError{Kind: kind, Err: err}
	}

	syncedAt := s.now()
	if prev, err := s.read(ctx, kind); err == nil && !syncedAt.After(prev.LastSyncedAt) {
		syncedAt = prev.LastSyncedAt.Add(time.Millisecond)
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	snap := domain.CacheSnapshot{
		Kind:         kind,
		Entries:      entries,
		LastSyncedAt: syncedAt,
		SourceCount:  source,
	}
	if err := s.store.Put(ctx, domain.CollCache, string(kind), snap); err != nil {
		s.log.Warn("cache snapshot write failed", logx.String("kind", string(kind)), logx.Err(err))
		return Result{}, &SyncError{Kind: kind, Err: err}
	}

	s.log.Debug("cache synced",
		logx.String("kind", string(kind)),
		logx.Int("count", len(entries)),
		logx.Int("source", source),
		logx.Duration("took", time.Since(started)),
	)
	return Result{Kind: kind, Count: len(entries), SyncedAt: syncedAt}, nil
}

// Read returns the current snapshot or ErrNotBuilt.
func (s *Synchronizer) Read(ctx context.Context, kind domain.CacheKind) (domain.CacheSnapshot, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return domain.CacheSnapshot{}, err
	}
	return s.read(ctx, kind)
}

func (s *Synchronizer) read(ctx context.Context, kind domain.CacheKind) (domain.CacheSnapshot, error) {
	doc, err := s.store.Get(ctx, domain.CollCache, string(kind))
	if errors.Is(err, storage.ErrNotFound) {
		return domain.CacheSnapshot{}, ErrNotBuilt
	}
	if err != nil {
		return domain.CacheSnapshot{}, err
	}
	var snap domain.CacheSnapshot
	if err := doc.Decode(&snap); err != nil {
		return domain.CacheSnapshot{}, err
	}
	if snap.Entries == nil {
		snap.Entries = []json.RawMessage{}
	}
	return snap, nil
}

// Invalidate marks a built snapshot stale so the next EnsureFresh rebuilds
// it. Invalidating an unbuilt kind is a no-op.
func (s *Synchronizer) Invalidate(ctx context.Context, kind domain.CacheKind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.read(ctx, kind)
	if errors.Is(err, ErrNotBuilt) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.Stale {
		return nil
	}
	snap.Stale = true
	return s.store.Put(ctx, domain.CollCache, string(kind), snap)
}

// EnsureFresh returns a snapshot no older than maxAge (0 disables the age
// check), rebuilding it when missing, invalidated or too old.
//
// When a rebuild fails and an older snapshot exists, that snapshot is
// returned with Stale set alongside the SyncError; the caller chooses
// between serving it and reporting unavailability.
func (s *Synchronizer) EnsureFresh(ctx context.Context, kind domain.CacheKind, maxAge time.Duration) (domain.CacheSnapshot, error) {
	snap, err := s.Read(ctx, kind)
	switch {
	case err == nil:
		if !snap.Stale && (maxAge <= 0 || s.now().Sub(snap.LastSyncedAt) <= maxAge) {
			return snap, nil
		}
	case errors.Is(err, ErrNotBuilt):
	default:
		return domain.CacheSnapshot{}, err
	}

	built := err == nil
	if _, serr := s.Sync(ctx, kind); serr != nil {
		if built {
			snap.Stale = true
			return snap, serr
		}
		return domain.CacheSnapshot{}, serr
	}
	return s.Read(ctx, kind)
}

func (s *Synchronizer) buildSchedules(ctx context.Context) ([]json.RawMessage, int, error) {
	scheds, err := loadSchedules(ctx, s.store)
	if err != nil {
		return nil, 0, err
	}
	var out []json.RawMessage
	for _, sc := range scheds {
		if !sc.Active() {
			continue
		}
		b, err := json.Marshal(sc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, len(scheds), nil
}

func (s *Synchronizer) buildEmployees(ctx context.Context) ([]json.RawMessage, int, error) {
	docs, err := s.store.Query(ctx, domain.CollEmployees, storage.Query{OrderBy: "name"})
	if err != nil {
		return nil, 0, fmt.Errorf("read employees: %w", err)
	}
	scheds, err := loadSchedules(ctx, s.store)
	if err != nil {
		return nil, 0, err
	}
	assigned := map[string]int{}
	for _, sc := range scheds {
		if email := normEmail(sc.Assignee.Email); email != "" && sc.Active() {
			assigned[email]++
		}
	}

	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		var e domain.Employee
		if err := d.Decode(&e); err != nil {
			return nil, 0, err
		}
		e.ID = d.ID
		e.AssignedCount = assigned[normEmail(e.Email)]
		b, err := json.Marshal(e)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, len(docs), nil
}

func loadSchedules(ctx context.Context, st storage.Store) ([]domain.Schedule, error) {
	docs, err := st.Query(ctx, domain.CollSchedules, storage.Query{})
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}
	out := make([]domain.Schedule, 0, len(docs))
	for _, d := range docs {
		var sc domain.Schedule
		if err := d.Decode(&sc); err != nil {
			return nil, err
		}
		sc.ID = d.ID
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Schedules decodes the entries of a schedules snapshot.
func Schedules(snap domain.CacheSnapshot) ([]domain.Schedule, error) {
	out := make([]domain.Schedule, 0, len(snap.Entries))
	for i, raw := range snap.Entries {
		var sc domain.Schedule
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// Employees decodes the entries of an employees snapshot.
func Employees(snap domain.CacheSnapshot) ([]domain.Employee, error) {
	out := make([]domain.Employee, 0, len(snap.Entries))
	for i, raw := range snap.Entries {
		var e domain.Employee
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func normEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
