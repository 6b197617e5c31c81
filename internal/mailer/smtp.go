package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	logx "dutybot/pkg/logx"
)

// SMTP sends through one SMTP relay. A connection is dialed per message;
// reminder volume is a few messages per run.
type SMTP struct {
	from string
	opts []mail.Option
	host string
}

func NewSMTP(cfg Config) (*SMTP, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("mail.host is required for smtp driver")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("mail.from is required for smtp driver")
	}
	policy, err := tlsPolicy(cfg.TLS)
	if err != nil {
		return nil, err
	}
	opts := []mail.Option{mail.WithTLSPolicy(policy)}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return &SMTP{from: cfg.From, opts: opts, host: host}, nil
}

func tlsPolicy(s string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	}
	return mail.TLSMandatory, fmt.Errorf("unknown mail.tls %q (want mandatory|opportunistic|none)", s)
}

func (s *SMTP) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.To) == "" {
		return &DeliveryError{Err: ErrNoRecipient}
	}
	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return &DeliveryError{To: m.To, Err: err}
	}
	if err := msg.To(m.To); err != nil {
		return &DeliveryError{To: m.To, Err: err}
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Body)

	c, err := mail.NewClient(s.host, s.opts...)
	if err != nil {
		return &DeliveryError{To: m.To, Err: err}
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return &DeliveryError{To: m.To, Err: err}
	}
	return nil
}

// Log is the dry-run driver.
type Log struct {
	log logx.Logger
	now func() time.Time
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log, now: time.Now}
}

func (l *Log) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{To: m.To, Err: err}
	}
	if strings.TrimSpace(m.To) == "" {
		return &DeliveryError{Err: ErrNoRecipient}
	}
	l.log.Info("mail (dry run)",
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.Int("body_len", len(m.Body)),
		logx.Time("at", l.now()),
	)
	return nil
}
