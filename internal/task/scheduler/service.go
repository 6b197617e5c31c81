package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
	"github.com/robfig/cron/v3"
)

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Validate checks that cfg can be scheduled.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	ps, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if _, err := newParser().Parse(ps.CronSpec()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

func New(cfg Config, job Job, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		job:    job,
		log:    log,
		bus:    bus,
		parser: newParser(),
	}
}

// Apply swaps the config; a running trigger is re-registered when the
// schedule, timezone or enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.base == nil {
		return nil
	}
	if old.Enabled != cfg.Enabled || old.Schedule != cfg.Schedule || locName(old.Location) != locName(cfg.Location) {
		s.stopLocked()
		return s.startLocked()
	}
	return nil
}

// Start registers the trigger. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return nil
	}
	s.base = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cur := s.cfg
	if !cur.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	ps, err := ParseSchedule(cur.Schedule)
	if err != nil {
		return err
	}
	loc := cur.Location
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	id, err := c.AddFunc(ps.CronSpec(), s.fire)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	c.Start()
	s.c, s.entry = c, id
	s.log.Info("trigger started", logx.String("schedule", ps.CronSpec()), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

// Stop stops triggering and waits for an in-flight run until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.base = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

func (s *Service) stopLocked() {
	if s.c != nil {
		// In-flight runs finish on their own; only new ticks stop.
		s.c.Stop()
		s.c = nil
	}
}

// Trigger runs the configured job now unless a run is already in flight.
func (s *Service) Trigger(ctx context.Context) error {
	return s.Exclusive(ctx, nil)
}

// Exclusive runs job (the configured job when nil) under the same in-flight
// guard, timeout and bookkeeping as scheduled runs. A tick that lands while
// it runs is skipped.
func (s *Service) Exclusive(ctx context.Context, job Job) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)
	return s.run(ctx, job)
}

func (s *Service) fire() {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("tick skipped, previous run still in flight")
		s.publish(EventSkipped, nil)
		return
	}
	defer s.running.Store(false)
	if err := s.run(base, nil); err != nil {
		s.log.Error("scheduled run failed", logx.Err(err))
		s.publish(EventFailed, err.Error())
	}
}

func (s *Service) run(ctx context.Context, job Job) (err error) {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	if job == nil {
		job = s.job
	}
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		s.runs.Add(1)
		s.smu.Lock()
		s.lastStart, s.lastTook = start, time.Since(start)
		s.lastErr = ""
		if err != nil {
			s.lastErr = err.Error()
		}
		s.smu.Unlock()
	}()
	return job(ctx)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Enabled: s.cfg.Enabled, Schedule: s.cfg.Schedule, Timezone: locName(s.cfg.Location)}
	if s.c != nil {
		st.Next = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()

	st.Running = s.running.Load()
	st.Runs = s.runs.Load()
	st.Skipped = s.skipped.Load()
	s.smu.Lock()
	st.LastStart, st.LastTook, st.LastError = s.lastStart, s.lastTook, s.lastErr
	s.smu.Unlock()
	return st
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func locName(l *time.Location) string {
	if l == nil {
		return "UTC"
	}
	return l.String()
}
