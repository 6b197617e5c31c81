package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerSkipsWhileInFlight(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "trigger.")
	defer unsub()

	release := make(chan struct{})
	started := make(chan struct{})
	s := New(Config{}, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, logx.Nop(), bus)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background()) }()
	<-started

	assert.ErrorIs(t, s.Trigger(context.Background()), ErrBusy)
	s.fire()
	assert.Equal(t, uint64(1), s.Status().Skipped)
	assert.True(t, s.Status().Running)
	e := <-events
	assert.Equal(t, EventSkipped, e.Type)

	close(release)
	require.NoError(t, <-done)
	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(1), st.Runs)
	assert.Empty(t, st.LastError)
}

func TestExclusiveSharesTheInFlightGuard(t *testing.T) {
	t.Parallel()
	var configured int
	s := New(Config{}, func(context.Context) error { configured++; return nil }, logx.Nop(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Exclusive(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return errors.New("manual run failed")
		})
	}()
	<-started
	assert.ErrorIs(t, s.Trigger(context.Background()), ErrBusy)
	assert.ErrorIs(t, s.Exclusive(context.Background(), func(context.Context) error { return nil }), ErrBusy)

	close(release)
	assert.EqualError(t, <-done, "manual run failed")
	assert.Equal(t, 0, configured)
	st := s.Status()
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, "manual run failed", st.LastError)

	require.NoError(t, s.Exclusive(context.Background(), nil))
	assert.Equal(t, 1, configured)
}

func TestRunBoundsAndRecovers(t *testing.T) {
	t.Parallel()
	s := New(Config{Timeout: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, logx.Nop(), nil)
	err := s.Trigger(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, context.DeadlineExceeded.Error(), s.Status().LastError)

	p := New(Config{}, func(context.Context) error { panic("boom") }, logx.Nop(), nil)
	err = p.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: boom")
	assert.False(t, p.Status().Running)
}

func TestApplyReschedules(t *testing.T) {
	t.Parallel()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	s := New(Config{Enabled: true, Schedule: "@every 1h", Location: tokyo}, func(context.Context) error { return nil }, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	st := s.Status()
	assert.Equal(t, "Asia/Tokyo", st.Timezone)
	assert.WithinDuration(t, time.Now().Add(time.Hour), st.Next, 5*time.Second)

	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "3h", Location: tokyo}))
	assert.WithinDuration(t, time.Now().Add(3*time.Hour), s.Status().Next, 5*time.Second)

	assert.ErrorIs(t, s.Apply(Config{Enabled: true, Schedule: "bogus"}), ErrInvalidSchedule)
	assert.Equal(t, "3h", s.Status().Schedule)

	require.NoError(t, s.Apply(Config{Enabled: false, Schedule: "3h"}))
	assert.True(t, s.Status().Next.IsZero())
}
