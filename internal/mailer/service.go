package mailer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	logx "dutybot/pkg/logx"
)

// Service renders and sends reminders through the configured driver,
// paced by a token bucket. It is safe for concurrent use and can be
// reconfigured with Apply.
type Service struct {
	mu      sync.RWMutex
	log     logx.Logger
	cfg     Config
	sender  Sender
	tmpl    *Templates
	limiter *rate.Limiter

	fixed Sender // set by WithSender; Apply then keeps it
}

// Option customizes a Service.
type Option func(*Service)

// WithSender replaces the driver selected by Config.Driver (tests).
func WithSender(s Sender) Option {
	return func(svc *Service) { svc.fixed = s }
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	for _, o := range opts {
		o(s)
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply swaps driver, templates and rate. On error the old settings stay.
func (s *Service) Apply(cfg Config) error {
	tmpl, err := ParseTemplates(cfg.SubjectTemplate, cfg.BodyTemplate)
	if err != nil {
		return err
	}

	sender := s.fixed
	if sender == nil {
		sender, err = newDriver(cfg, s.log)
		if err != nil {
			return err
		}
	}

	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	burst := int(math.Ceil(cfg.RatePerSec))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.sender = sender
	s.tmpl = tmpl
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(burst)
	}
	return nil
}

func newDriver(cfg Config, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log.With(logx.String("driver", "log"))), nil
	case "smtp":
		return NewSMTP(cfg)
	}
	return nil, fmt.Errorf("unknown mail.driver %q (want smtp|log)", cfg.Driver)
}

// Send waits for a token and delivers m.
func (s *Service) Send(ctx context.Context, m Message) error {
	s.mu.RLock()
	sender, limiter := s.sender, s.limiter
	s.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return &DeliveryError{To: m.To, Err: err}
	}
	if err := sender.Send(ctx, m); err != nil {
		s.log.Warn("mail send failed", logx.String("to", m.To), logx.Err(err))
		return err
	}
	return nil
}

// SendReminder renders r with the configured templates and sends it.
func (s *Service) SendReminder(ctx context.Context, r Reminder) error {
	s.mu.RLock()
	tmpl := s.tmpl
	s.mu.RUnlock()

	m, err := tmpl.Render(r)
	if err != nil {
		return &DeliveryError{To: r.To, Err: err}
	}
	return s.Send(ctx, m)
}
