package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
)

// ConcurrentExecutor ticks its callback on every node. Jobs hosted here
// must make cross-node execution safe themselves, typically by claiming
// rows with RejectLocked.
type ConcurrentExecutor struct {
	cb      Callback
	cfg     Config
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewConcurrentExecutor(cb Callback, cfg Config, m *metrics.Metrics) *ConcurrentExecutor {
	return &ConcurrentExecutor{
		cb:      cb,
		cfg:     cfg,
		metrics: m,
		log:     logging.WithComponent("jobs").With().Str("job", cb.Name()).Logger(),
	}
}

// Run blocks until ctx is cancelled. A tick that returns an error is
// logged and does not stop the loop.
func (e *ConcurrentExecutor) Run(ctx context.Context) {
	timer := time.NewTimer(e.cfg.initialDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.metrics.ExecutorTicks.WithLabelValues(e.cb.Name(), "concurrent").Inc()
		if err := e.cb.Execute(ctx); err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Msg("Job tick failed")
		}
		// Reschedule only after Execute returns so ticks never overlap.
		timer.Reset(e.cfg.Interval)
	}
}
