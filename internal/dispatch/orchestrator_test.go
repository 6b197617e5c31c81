package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dutybot/internal/cache"
	"dutybot/internal/domain"
	"dutybot/internal/eventbus"
	"dutybot/internal/ledger"
	"dutybot/internal/mailer"
	"dutybot/internal/recurrence"
	"dutybot/internal/reminder"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

type fakeMail struct {
	mu    sync.Mutex
	sent  map[string]int
	fails map[string]int // remaining failures per schedule
	hook  func(ctx context.Context, r mailer.Reminder) error
	calls atomic.Int32
}

func newFakeMail() *fakeMail {
	return &fakeMail{sent: map[string]int{}, fails: map[string]int{}}
}

func (f *fakeMail) SendReminder(ctx context.Context, r mailer.Reminder) error {
	f.calls.Add(1)
	if f.hook != nil {
		if err := f.hook(ctx, r); err != nil {
			return &mailer.DeliveryError{To: r.To, Err: err}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.To == "" {
		return &mailer.DeliveryError{Err: mailer.ErrNoRecipient}
	}
	if f.fails[r.ScheduleID] > 0 {
		f.fails[r.ScheduleID]--
		return &mailer.DeliveryError{To: r.To, Err: errors.New("451 try again later")}
	}
	f.sent[r.ScheduleID]++
	return nil
}

func (f *fakeMail) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[id]
}

type fixture struct {
	store  storage.Store
	ledger *ledger.Ledger
	mail   *fakeMail
	orch   *Orchestrator
	bus    eventbus.Bus
	loc    *time.Location
	now    *atomic.Int64
}

func (f *fixture) setNow(t time.Time) { f.now.Store(t.UnixMilli()) }

var tokyo = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Thursday 2025-06-05 10:00 JST.
var thursday = time.Date(2025, 6, 5, 10, 0, 0, 0, tokyo)

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:  st,
		ledger: ledger.New(st, logx.Nop()),
		mail:   newFakeMail(),
		bus:    eventbus.New(),
		loc:    tokyo,
		now:    &atomic.Int64{},
	}
	f.setNow(thursday)
	clock := func() time.Time { return time.UnixMilli(f.now.Load()).In(tokyo) }
	f.orch = New(Config{
		Location:        tokyo,
		Workers:         workers,
		ScheduleTimeout: 2 * time.Second,
		RunTimeout:      10 * time.Second,
		DedupeRetention: 72 * time.Hour,
	}, st, cache.New(st, logx.Nop()), f.ledger, f.mail, logx.Nop(), f.bus, WithClock(clock))
	return f
}

func intp(v int) *int { return &v }

func (f *fixture) put(t *testing.T, id string, rec recurrence.Spec, rem reminder.Spec, email string, status domain.Status) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), domain.CollSchedules, id, domain.Schedule{
		Title:      "task " + id,
		Recurrence: rec,
		Reminder:   rem,
		Assignee:   domain.Person{Name: "Aoi", Email: email},
		Status:     status,
		CreatedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, tokyo),
	}))
}

var (
	fridayFive = recurrence.Spec{Type: "weekly", DayOfWeek: intp(5), Time: "17:00"}
	dayBefore9 = reminder.Spec{Type: "relative", DaysBefore: intp(1), Time: "09:00"}
	daily17    = recurrence.Spec{Type: "daily", Time: "17:00"}
	sameDay16  = reminder.Spec{Type: "relative", DaysBefore: intp(0), Time: "16:00"}
	sameDay8   = reminder.Spec{Type: "relative", DaysBefore: intp(0), Time: "08:00"}
)

func outcomes(s Summary) map[string]Result {
	m := map[string]Result{}
	for _, r := range s.Results {
		m[r.ScheduleID] = r
	}
	return m
}

func conserved(t *testing.T, run domain.DispatchRunLog) {
	t.Helper()
	assert.Equal(t, run.Checked, run.Sent+run.Skipped+run.Errors, "checked == sent + skipped + errors")
}

func TestRunOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 3)

	f.put(t, "due", fridayFive, dayBefore9, "aoi@example.com", domain.StatusActive)
	f.put(t, "early", daily17, sameDay16, "aoi@example.com", domain.StatusActive)
	f.put(t, "done", daily17, sameDay8, "aoi@example.com", domain.StatusActive)
	f.put(t, "bad", recurrence.Spec{Type: "monthly", DayOfMonth: intp(40)}, sameDay8, "aoi@example.com", domain.StatusActive)
	f.put(t, "badrem", daily17, reminder.Spec{Type: "sometimes"}, "aoi@example.com", domain.StatusActive)
	f.put(t, "nomail", daily17, sameDay8, "", domain.StatusActive)
	f.put(t, "off", daily17, sameDay8, "aoi@example.com", domain.StatusInactive)

	today := time.Date(2025, 6, 5, 0, 0, 0, 0, tokyo)
	_, err := f.ledger.MarkComplete(ctx, ledger.MarkRequest{ScheduleID: "done", PeriodStart: today, PeriodEnd: today.AddDate(0, 0, 1)})
	require.NoError(t, err)

	sum, err := f.orch.Run(ctx)
	require.NoError(t, err)
	run := sum.Run
	conserved(t, run)
	assert.Equal(t, 6, run.Total)
	assert.Equal(t, 6, run.Checked)
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 2, run.Skipped)
	assert.Equal(t, 3, run.Errors)
	assert.False(t, run.Cancelled)
	assert.Nil(t, run.IntervalSincePrevious)
	assert.False(t, run.SyncedAt.IsZero())

	got := outcomes(sum)
	assert.Equal(t, OutcomeSent, got["due"].Outcome)
	assert.Equal(t, time.Date(2025, 6, 5, 9, 0, 0, 0, tokyo), got["due"].FireAt)
	assert.Equal(t, ReasonNotDue, got["early"].Reason)
	assert.Equal(t, ReasonCompleted, got["done"].Reason)
	assert.ErrorIs(t, got["bad"].Err(), recurrence.ErrInvalidRule)
	assert.ErrorIs(t, got["badrem"].Err(), reminder.ErrInvalidRule)
	assert.ErrorIs(t, got["nomail"].Err(), mailer.ErrDeliveryFailed)
	assert.NotContains(t, got, "off")

	// Stored, and the second run reports its distance from the first.
	f.setNow(thursday.Add(5 * time.Minute))
	sum2, err := f.orch.Run(ctx)
	require.NoError(t, err)
	conserved(t, sum2.Run)
	require.NotNil(t, sum2.Run.IntervalSincePrevious)
	assert.Equal(t, int64(5*60*1000), *sum2.Run.IntervalSincePrevious)
	assert.Equal(t, ReasonAlreadySent, outcomes(sum2)["due"].Reason)
	assert.Equal(t, 1, f.mail.count("due"))

	runs, err := f.orch.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, sum2.Run.ID, runs[0].ID)
}

func TestRunAtMostOncePerPeriodUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 4)
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.put(t, id, fridayFive, dayBefore9, id+"@example.com", domain.StatusActive)
	}
	// Build the snapshot once so the runs overlap on evaluation, not on sync.
	_, err := cache.New(f.store, logx.Nop()).Sync(ctx, domain.CacheSchedules)
	require.NoError(t, err)

	const runs = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		totalSent int
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := f.orch.Run(ctx)
			if !assert.NoError(t, err) {
				return
			}
			conserved(t, sum.Run)
			mu.Lock()
			totalSent += sum.Run.Sent
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, len(ids), totalSent)
	for _, id := range ids {
		assert.Equal(t, 1, f.mail.count(id), id)
	}
}

func TestDeliveryFailureIsRetriedNextRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	f.put(t, "s", fridayFive, dayBefore9, "aoi@example.com", domain.StatusActive)
	f.mail.fails["s"] = 1

	sum, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Run.Errors)
	assert.Equal(t, 0, f.mail.count("s"))

	sum, err = f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Run.Sent)
	assert.Equal(t, 1, f.mail.count("s"))
}

func TestReminderRepeatsNextDayUntilCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	f.put(t, "s", fridayFive, dayBefore9, "aoi@example.com", domain.StatusActive)

	_, err := f.orch.Run(ctx)
	require.NoError(t, err)

	// Friday, same weekly period, new day.
	f.setNow(thursday.AddDate(0, 0, 1))
	sum, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Run.Sent)
	assert.Equal(t, 2, f.mail.count("s"))

	// Completed: no more reminders for this period.
	p := outcomes(sum)["s"].Period
	_, err = f.ledger.MarkComplete(ctx, ledger.MarkRequest{ScheduleID: "s", PeriodStart: p.Start, PeriodEnd: p.End})
	require.NoError(t, err)
	f.setNow(thursday.AddDate(0, 0, 1).Add(time.Hour))
	sum, err = f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, outcomes(sum)["s"].Reason)
}

func TestCancelledRunKeepsProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	for _, id := range []string{"s0", "s1", "s2", "s3"} {
		f.put(t, id, fridayFive, dayBefore9, id+"@example.com", domain.StatusActive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	f.mail.hook = func(context.Context, mailer.Reminder) error {
		// The first delivery succeeds and then the trigger goes away.
		once.Do(cancel)
		return nil
	}

	sum, err := f.orch.Run(ctx)
	require.NoError(t, err)
	conserved(t, sum.Run)
	assert.True(t, sum.Run.Cancelled)
	assert.Less(t, sum.Run.Checked, sum.Run.Total)
	assert.Equal(t, 4, sum.Run.Total)
	assert.Equal(t, 1, sum.Run.Sent)

	// The run log was written and the sent reminder stays deduplicated.
	runs, err := f.orch.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Cancelled)

	f.mail.hook = nil
	sum, err = f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Run.Sent)
	assert.Equal(t, 1, sum.Run.Skipped)
	for _, id := range []string{"s0", "s1", "s2", "s3"} {
		assert.Equal(t, 1, f.mail.count(id), id)
	}
}

func TestSlowScheduleTimesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)
	f.orch.Apply(Config{Location: tokyo, Workers: 2, ScheduleTimeout: 50 * time.Millisecond, RunTimeout: 5 * time.Second})
	f.put(t, "slow", fridayFive, dayBefore9, "slow@example.com", domain.StatusActive)
	f.put(t, "fast", fridayFive, dayBefore9, "fast@example.com", domain.StatusActive)

	f.mail.hook = func(ctx context.Context, r mailer.Reminder) error {
		if r.ScheduleID == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	sum, err := f.orch.Run(ctx)
	require.NoError(t, err)
	conserved(t, sum.Run)
	got := outcomes(sum)
	assert.ErrorIs(t, got["slow"].Err(), ErrScheduleTimeout)
	assert.Equal(t, OutcomeSent, got["fast"].Outcome)
	assert.False(t, sum.Run.Cancelled)

	// The abandoned send releases its claim so a later run can retry.
	_, p, err := f.orch.PeriodAt(ctx, "slow", thursday)
	require.NoError(t, err)
	key := DedupeKey("slow", p, Day(thursday, tokyo))
	ds := NewDedupeSet(f.store)
	assert.Eventually(t, func() bool {
		_, found, err := ds.Lookup(ctx, key)
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunPublishesEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ch, unsub := f.bus.Subscribe(16)
	defer unsub()
	f.put(t, "s", fridayFive, dayBefore9, "aoi@example.com", domain.StatusActive)

	_, err := f.orch.Run(context.Background())
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events: got %v", types)
		}
	}
	assert.Equal(t, []string{EventSent, EventRun}, types)
}

func TestRunWithoutSnapshotFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.orch.cache = failingSnapshots{}
	_, err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
	runs, err := f.orch.Runs(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

type failingSnapshots struct{}

func (failingSnapshots) EnsureFresh(context.Context, domain.CacheKind, time.Duration) (domain.CacheSnapshot, error) {
	return domain.CacheSnapshot{}, &cache.SyncError{Kind: domain.CacheSchedules, Err: errors.New("store down")}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	f.put(t, "s", fridayFive, dayBefore9, "aoi@example.com", domain.StatusActive)

	pv, err := f.orch.Preview(ctx, "s", thursday)
	require.NoError(t, err)
	assert.True(t, pv.Due)
	assert.False(t, pv.Completed)
	assert.False(t, pv.SentToday)
	assert.Equal(t, time.Date(2025, 6, 6, 17, 0, 0, 0, tokyo), pv.Period.Deadline)
	assert.Equal(t, ledger.CompletionID("s", pv.Period.Start, pv.Period.End), pv.CompletionID)

	_, err = f.orch.Run(ctx)
	require.NoError(t, err)
	pv, err = f.orch.Preview(ctx, "s", thursday)
	require.NoError(t, err)
	assert.True(t, pv.SentToday)

	pv, err = f.orch.Preview(ctx, "s", thursday.Add(-26*time.Hour))
	require.NoError(t, err)
	assert.False(t, pv.Due)

	_, err = f.orch.Preview(ctx, "nope", thursday)
	assert.ErrorIs(t, err, ledger.ErrScheduleNotFound)
}

func TestDedupePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	ds := NewDedupeSet(st)

	old := thursday.Add(-96 * time.Hour)
	p := recurrence.Period{Start: old, End: old.Add(time.Hour)}
	ok, err := ds.Claim(ctx, DedupeKey("s", p, Day(old, tokyo)), domain.DedupeEntry{CreatedAt: old, CreatedAtMs: old.UnixMilli()})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = ds.Claim(ctx, DedupeKey("s", p, Day(thursday, tokyo)), domain.DedupeEntry{CreatedAt: thursday, CreatedAtMs: thursday.UnixMilli()})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := ds.Prune(ctx, thursday.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, found, err := ds.Lookup(ctx, DedupeKey("s", p, Day(thursday, tokyo)))
	require.NoError(t, err)
	assert.True(t, found)
}
