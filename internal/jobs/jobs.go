// Package jobs is the recurrent job fabric: a concurrent executor that
// ticks a callback on every node, a global executor that ticks on exactly
// one node via a database leader lease, and advisory-lock helpers for
// claiming rows across nodes.
package jobs

import (
	"context"
	"time"
)

// Callback is one recurrent job. Execute is never invoked concurrently
// with itself by the same executor: the next tick is scheduled only after
// the previous Execute returns.
type Callback interface {
	Name() string
	Execute(ctx context.Context) error
}

// Config controls tick cadence.
type Config struct {
	// Interval between the end of one Execute and the start of the next.
	Interval time.Duration
	// InitialDelay before the first Execute. Zero means the first tick
	// fires immediately.
	InitialDelay time.Duration
}

func (c Config) initialDelay() time.Duration {
	if c.InitialDelay > 0 {
		return c.InitialDelay
	}
	return 0
}
