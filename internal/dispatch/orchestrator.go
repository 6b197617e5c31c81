// Package dispatch decides, for every active schedule, whether a reminder
// is due right now and sends it at most once per period per day.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"dutybot/internal/cache"
	"dutybot/internal/domain"
	"dutybot/internal/eventbus"
	"dutybot/internal/mailer"
	"dutybot/internal/recurrence"
	"dutybot/internal/reminder"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Orchestrator is safe to Run concurrently with itself: the dedupe claim is
// the only shared decision and it is an atomic insert.
type Orchestrator struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.Store
	cache    Snapshots
	ledger   Completions
	mail     Notifier
	dedupe   *DedupeSet
	resolver *recurrence.Resolver

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	// runLogMu keeps "read previous run, append this run" in order.
	runLogMu sync.Mutex
}

type Option func(*Orchestrator)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithCronStrategy swaps the evaluator behind custom recurrence rules.
func WithCronStrategy(cs recurrence.CronStrategy) Option {
	return func(o *Orchestrator) { o.resolver = recurrence.NewResolver(cs) }
}

func New(cfg Config, store storage.Store, snaps Snapshots, ledger Completions, mail Notifier, log logx.Logger, bus eventbus.Bus, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		store:    store,
		cache:    snaps,
		ledger:   ledger,
		mail:     mail,
		dedupe:   NewDedupeSet(store),
		resolver: recurrence.NewResolver(nil),
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.Apply(cfg)
	return o
}

// Apply replaces the configuration; runs already in progress keep theirs.
func (o *Orchestrator) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ScheduleTimeout <= 0 {
		cfg.ScheduleTimeout = 30 * time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Location is the timezone periods are resolved in.
func (o *Orchestrator) Location() *time.Location { return o.config().Location }

// Run evaluates every active schedule once and appends one run log.
//
// Cancelling ctx stops the run from picking up further schedules; work
// already committed (sent reminders and their dedupe entries) stays, and the
// run log is still written with Checked < Total.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	cfg := o.config()
	started := o.now()
	runID := uuid.NewString()
	log := o.log.With(logx.String("run", runID))

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	snap, err := o.cache.EnsureFresh(runCtx, domain.CacheSchedules, cfg.CacheMaxAge)
	if err != nil {
		if !errors.Is(err, cache.ErrSyncFailed) || snap.LastSyncedAt.IsZero() {
			return Summary{}, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
		}
		log.Warn("dispatch using stale schedules snapshot", logx.Time("synced_at", snap.LastSyncedAt), logx.Err(err))
	}
	schedules, err := cache.Schedules(snap)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}

	results, done := o.evaluateAll(runCtx, cfg, schedules, started, runID)

	// Single-writer reduction after the barrier.
	run := domain.DispatchRunLog{
		ID:          runID,
		Timestamp:   started,
		TimestampMs: started.UnixMilli(),
		Total:       len(schedules),
		SyncedAt:    snap.LastSyncedAt,
	}
	collected := make([]Result, 0, len(results))
	for i, r := range results {
		if !done[i] {
			continue
		}
		collected = append(collected, r)
		run.Checked++
		switch r.Outcome {
		case OutcomeSent:
			run.Sent++
		case OutcomeSkipped:
			run.Skipped++
		default:
			run.Errors++
		}
	}
	run.Cancelled = run.Checked < run.Total
	run.DurationMs = o.now().Sub(started).Milliseconds()

	// Progress is kept even when the caller gave up.
	persistCtx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer pcancel()
	if err := o.appendRunLog(persistCtx, &run); err != nil {
		log.Error("dispatch run log write failed", logx.Err(err))
		return Summary{Run: run, Results: collected}, fmt.Errorf("write run log: %w", err)
	}
	if cfg.DedupeRetention > 0 {
		if n, err := o.dedupe.Prune(persistCtx, started.Add(-cfg.DedupeRetention)); err != nil {
			log.Warn("dedupe prune failed", logx.Err(err))
		} else if n > 0 {
			log.Debug("dedupe pruned", logx.Int("entries", n))
		}
	}

	log.Info("dispatch run finished",
		logx.Int("checked", run.Checked),
		logx.Int("sent", run.Sent),
		logx.Int("skipped", run.Skipped),
		logx.Int("errors", run.Errors),
		logx.Int("total", run.Total),
		logx.Bool("cancelled", run.Cancelled),
		logx.Int64("took_ms", run.DurationMs),
	)
	o.publish(EventRun, RunEvent{
		RunID: runID, Checked: run.Checked, Sent: run.Sent, Skipped: run.Skipped,
		Errors: run.Errors, Total: run.Total, Cancelled: run.Cancelled,
	})
	return Summary{Run: run, Results: collected}, nil
}

// evaluateAll fans schedules out to a bounded pool. Each worker writes only
// its own slot, so no counter is shared between goroutines.
func (o *Orchestrator) evaluateAll(ctx context.Context, cfg Config, schedules []domain.Schedule, now time.Time, runID string) ([]Result, []bool) {
	results := make([]Result, len(schedules))
	done := make([]bool, len(schedules))
	if len(schedules) == 0 {
		return results, done
	}

	workers := min(cfg.Workers, len(schedules))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.evaluate(ctx, cfg, schedules[idx], now, runID)
				done[idx] = true
			}
		}()
	}

feed:
	for i := range schedules {
		// A closed ctx wins over queued work.
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	return results, done
}

// evaluate bounds one schedule by ScheduleTimeout; a schedule that does not
// finish in time is an error, not a stalled run.
func (o *Orchestrator) evaluate(ctx context.Context, cfg Config, s domain.Schedule, now time.Time, runID string) Result {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, cfg.ScheduleTimeout)
	defer cancel()

	ch := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("dispatch.panic", logx.String("schedule", s.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				ch <- failed(s, fmt.Errorf("panic: %v", r))
			}
		}()
		ch <- o.evaluateOne(sctx, cfg, s, now, runID)
	}()

	var r Result
	select {
	case r = <-ch:
		// A failure caused by our own deadline is a timeout.
		if r.Outcome == OutcomeError && sctx.Err() != nil && ctx.Err() == nil && !errors.Is(r.err, ErrScheduleTimeout) {
			r = withErr(r, fmt.Errorf("%w: %w", ErrScheduleTimeout, r.err))
		}
	case <-sctx.Done():
		err := ErrScheduleTimeout
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrScheduleTimeout, ctx.Err())
		}
		r = failed(s, err)
	}
	r.Took = time.Since(start)

	fields := []logx.Field{
		logx.String("schedule", s.ID),
		logx.String("outcome", string(r.Outcome)),
		logx.Duration("took", r.Took),
	}
	if r.Reason != "" {
		fields = append(fields, logx.String("reason", r.Reason))
	}
	if r.err != nil {
		fields = append(fields, logx.Err(r.err))
	}
	o.log.Debug("dispatch schedule evaluated", fields...)
	return r
}

// evaluateOne is strictly ordered: period, fire instant, ledger, dedupe, send.
func (o *Orchestrator) evaluateOne(ctx context.Context, cfg Config, s domain.Schedule, now time.Time, runID string) Result {
	loc := cfg.Location

	rrule, err := s.RecurrenceRule()
	if err != nil {
		return failed(s, err)
	}
	period, err := o.resolver.Resolve(rrule, now, loc)
	if err != nil {
		return failed(s, err)
	}
	res := Result{ScheduleID: s.ID, Title: s.Title, Period: period}

	mrule, err := s.ReminderRule(loc)
	if err != nil {
		return failed(s, err)
	}
	fireAt, err := reminder.Resolve(mrule, period.Deadline)
	if err != nil {
		return failed(s, err)
	}
	res.FireAt = fireAt

	if now.Before(fireAt) {
		return skipped(res, ReasonNotDue)
	}

	completed, err := o.ledger.IsCompleted(ctx, s.ID, period.Start, period.End)
	if err != nil {
		return withErr(res, fmt.Errorf("completion check: %w", err))
	}
	if completed {
		return skipped(res, ReasonCompleted)
	}

	key := DedupeKey(s.ID, period, Day(now, loc))
	entry := domain.DedupeEntry{
		ScheduleID:    s.ID,
		PeriodStartMs: period.Start.UnixMilli(),
		PeriodEndMs:   period.End.UnixMilli(),
		Day:           Day(now, loc),
		RunID:         runID,
		CreatedAt:     now,
		CreatedAtMs:   now.UnixMilli(),
	}
	claimed, err := o.dedupe.Claim(ctx, key, entry)
	if err != nil {
		return withErr(res, err)
	}
	if !claimed {
		return skipped(res, ReasonAlreadySent)
	}

	sendErr := o.mail.SendReminder(ctx, mailer.Reminder{
		ScheduleID:   s.ID,
		Title:        s.Title,
		Description:  s.Description,
		AssigneeName: s.Assignee.Name,
		To:           s.Assignee.Email,
		Deadline:     period.Deadline.In(loc),
		PeriodStart:  period.Start.In(loc),
		PeriodEnd:    period.End.In(loc),
		FireAt:       fireAt,
	})

	// The outcome of a send is recorded even if the run is being torn down.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if sendErr != nil {
		if err := o.dedupe.Release(bg, key); err != nil {
			o.log.Warn("dedupe release failed", logx.String("schedule", s.ID), logx.Err(err))
		}
		o.publish(EventFailed, ScheduleEvent{RunID: runID, ScheduleID: s.ID, To: s.Assignee.Email, PeriodEnd: period.End, Error: sendErr.Error()})
		return withErr(res, sendErr)
	}
	if err := o.dedupe.Confirm(bg, key, entry); err != nil {
		// The claim itself still blocks a resend today.
		o.log.Warn("dedupe confirm failed", logx.String("schedule", s.ID), logx.Err(err))
	}
	o.publish(EventSent, ScheduleEvent{RunID: runID, ScheduleID: s.ID, To: s.Assignee.Email, PeriodEnd: period.End})
	res.Outcome = OutcomeSent
	return res
}

func (o *Orchestrator) appendRunLog(ctx context.Context, run *domain.DispatchRunLog) error {
	o.runLogMu.Lock()
	defer o.runLogMu.Unlock()

	prev, err := o.store.Query(ctx, domain.CollDispatchRuns, storage.Query{
		Filters: []storage.Filter{storage.Where("timestampMs", storage.OpLe, run.TimestampMs)},
		OrderBy: "timestampMs",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(prev) > 0 {
		var p domain.DispatchRunLog
		if err := prev[0].Decode(&p); err != nil {
			return err
		}
		iv := run.TimestampMs - p.TimestampMs
		run.IntervalSincePrevious = &iv
	}
	return o.store.Create(ctx, domain.CollDispatchRuns, run.ID, run)
}

// Runs lists run logs, newest first.
func (o *Orchestrator) Runs(ctx context.Context, limit int) ([]domain.DispatchRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	docs, err := o.store.Query(ctx, domain.CollDispatchRuns, storage.Query{OrderBy: "timestampMs", Desc: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]domain.DispatchRunLog, 0, len(docs))
	for _, d := range docs {
		var r domain.DispatchRunLog
		if err := d.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (o *Orchestrator) publish(typ string, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Time: o.now(), Data: data})
}

func failed(s domain.Schedule, err error) Result {
	return Result{ScheduleID: s.ID, Title: s.Title, Outcome: OutcomeError, Error: err.Error(), err: err}
}

func withErr(r Result, err error) Result {
	r.Outcome = OutcomeError
	r.Error = err.Error()
	r.err = err
	return r
}

func skipped(r Result, reason string) Result {
	r.Outcome = OutcomeSkipped
	r.Reason = reason
	return r
}
