package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dutybot/internal/eventbus"
	logx "dutybot/pkg/logx"
	"github.com/robfig/cron/v3"
)

// ErrBusy is returned by Trigger while a run is in flight.
var ErrBusy = errors.New("scheduler: previous run still in flight")

const (
	EventSkipped = "trigger.skipped"
	EventFailed  = "trigger.failed"
)

// Job is one dispatch run.
type Job func(ctx context.Context) error

// Config controls the trigger.
type Config struct {
	Enabled  bool
	Schedule string
	Location *time.Location
	// Timeout bounds a single run; zero leaves it to the job.
	Timeout time.Duration
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	Enabled   bool          `json:"enabled"`
	Schedule  string        `json:"schedule"`
	Timezone  string        `json:"timezone"`
	Running   bool          `json:"running"`
	Next      time.Time     `json:"next,omitzero"`
	LastStart time.Time     `json:"lastStart,omitzero"`
	LastTook  time.Duration `json:"lastTook"`
	LastError string        `json:"lastError,omitempty"`
	Runs      uint64        `json:"runs"`
	Skipped   uint64        `json:"skipped"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	job Job

	parser cron.Parser
	c      *cron.Cron
	entry  cron.EntryID
	base   context.Context

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	smu       sync.Mutex
	lastStart time.Time
	lastTook  time.Duration
	lastErr   string
}
