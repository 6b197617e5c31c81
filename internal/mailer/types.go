package mailer

import (
	"context"
	"time"
)

// Config selects and tunes the mail driver.
type Config struct {
	Driver   string // smtp | log
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      string // mandatory | opportunistic | none
	Timeout  time.Duration

	RatePerSec float64

	SubjectTemplate string
	BodyTemplate    string
}

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message or returns an error matching ErrDeliveryFailed.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// Reminder is the data reminder templates are rendered with.
type Reminder struct {
	ScheduleID   string
	Title        string
	Description  string
	AssigneeName string
	To           string
	Deadline     time.Time
	PeriodStart  time.Time
	PeriodEnd    time.Time
	FireAt       time.Time
}
