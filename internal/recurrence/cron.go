package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronStrategy brackets a reference instant between the firing times of a
// cron-style expression. Custom rules delegate to it so the expression
// language can be swapped or faked in tests.
type CronStrategy interface {
	// Bracket returns prev <= ref < next, where prev and next are consecutive
	// firings of expr evaluated in ref's location.
	Bracket(expr string, ref time.Time) (prev, next time.Time, err error)
}

// maxLookback bounds the search for the previous firing. Expressions with no
// firing inside the window are rejected.
const maxLookback = 5 * 366 * 24 * time.Hour

var errNeverFires = errors.New("expression has no firing time in range")

// RobfigCron implements CronStrategy on top of robfig/cron's parser.
//
// Supported forms: 5-field, 6-field (leading seconds) and descriptors like
// "@daily". "@every" is rejected: its firings float with the reference
// instant, so it cannot define stable periods (use interval/hourly/per-minute).
type RobfigCron struct {
	parser cron.Parser
}

// NewRobfigCron returns the default cron strategy.
func NewRobfigCron() *RobfigCron {
	return &RobfigCron{
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

var defaultCron = NewRobfigCron()

func (c *RobfigCron) parse(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@every") {
		return nil, fmt.Errorf("parse cron %q: @every is not a calendar expression", expr)
	}
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

func (c *RobfigCron) Bracket(expr string, ref time.Time) (time.Time, time.Time, error) {
	sched, err := c.parse(expr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	next := sched.Next(ref)
	if next.IsZero() {
		return time.Time{}, time.Time{}, errNeverFires
	}

	// cron only walks forward: probe further back until some firing lands
	// in (ref-lookback, ref], then step forward to the last one <= ref.
	lookback := time.Minute
	for lookback <= maxLookback {
		first := sched.Next(ref.Add(-lookback))
		if !first.IsZero() && !first.After(ref) {
			prev := first
			for {
				n := sched.Next(prev)
				if n.IsZero() || n.After(ref) {
					break
				}
				prev = n
			}
			return prev, next, nil
		}
		lookback *= 2
	}
	return time.Time{}, time.Time{}, errNeverFires
}
