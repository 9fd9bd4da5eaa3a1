package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronGate wraps a callback so it fires on a cron schedule while being
// hosted by an executor ticking at a short fixed interval. Ticks between
// schedule activations are no-ops.
type CronGate struct {
	cb    Callback
	sched cron.Schedule
	next  time.Time
}

// NewCronGate parses a standard five-field cron spec.
func NewCronGate(cb Callback, spec string) (*CronGate, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return &CronGate{cb: cb, sched: sched}, nil
}

func (g *CronGate) Name() string { return g.cb.Name() }

func (g *CronGate) Execute(ctx context.Context) error {
	now := time.Now()
	if g.next.IsZero() {
		g.next = g.sched.Next(now)
		return nil
	}
	if now.Before(g.next) {
		return nil
	}
	g.next = g.sched.Next(now)
	return g.cb.Execute(ctx)
}
