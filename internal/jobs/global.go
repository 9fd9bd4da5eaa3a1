package jobs

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
)

// Lease is the coordination surface the global executor needs. The store
// implements it over the leader_leases table.
type Lease interface {
	AcquireLeadership(ctx context.Context, jobKey, holderID string, ttl time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, jobKey, holderID string) error
}

// GlobalExecutor ticks its callback on exactly one node in the cluster.
// Followers poll for the lease; the leader renews it between ticks and
// steps down the moment a renewal fails, so two nodes never tick the same
// job concurrently as long as the lease holds.
type GlobalExecutor struct {
	cb       Callback
	cfg      Config
	lease    Lease
	holderID string
	leaseTTL time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewGlobalExecutor(cb Callback, cfg Config, lease Lease, holderID string, leaseTTL time.Duration, m *metrics.Metrics) *GlobalExecutor {
	return &GlobalExecutor{
		cb:       cb,
		cfg:      cfg,
		lease:    lease,
		holderID: holderID,
		leaseTTL: leaseTTL,
		metrics:  m,
		log: logging.WithComponent("jobs").With().
			Str("job", cb.Name()).
			Str("holder_id", holderID).
			Logger(),
	}
}

// electionJitter staggers competing followers so they do not stampede the
// lease row in lockstep.
func electionJitter() time.Duration {
	return time.Duration(rand.Intn(200)) * time.Millisecond
}

// Run blocks until ctx is cancelled, alternating between following
// (waiting for the lease) and leading (ticking the callback).
func (e *GlobalExecutor) Run(ctx context.Context) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.lease.ReleaseLeadership(releaseCtx, e.cb.Name(), e.holderID)
	}()

	for {
		leader, err := e.lease.AcquireLeadership(ctx, e.cb.Name(), e.holderID, e.leaseTTL)
		if err != nil && ctx.Err() == nil {
			e.log.Error().Err(err).Msg("Leadership acquisition failed")
		}
		if leader {
			e.metrics.LeaderElections.WithLabelValues(e.cb.Name()).Inc()
			e.log.Info().Msg("Acquired leadership")
			e.lead(ctx)
			if ctx.Err() != nil {
				return
			}
			e.log.Info().Msg("Lost leadership")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.leaseTTL/2 + electionJitter()):
		}
	}
}

// lead ticks the callback until the lease is lost or ctx is cancelled.
// The lease is renewed at a third of its TTL so a healthy leader never
// lets it lapse between ticks.
func (e *GlobalExecutor) lead(ctx context.Context) {
	tick := time.NewTimer(e.cfg.initialDelay())
	defer tick.Stop()
	renew := time.NewTicker(e.leaseTTL / 3)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			still, err := e.lease.AcquireLeadership(ctx, e.cb.Name(), e.holderID, e.leaseTTL)
			if err != nil || !still {
				if err != nil && ctx.Err() == nil {
					e.log.Error().Err(err).Msg("Lease renewal failed")
				}
				return
			}
		case <-tick.C:
			e.metrics.ExecutorTicks.WithLabelValues(e.cb.Name(), "global").Inc()
			if err := e.cb.Execute(ctx); err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Msg("Job tick failed")
			}
			tick.Reset(e.cfg.Interval)
		}
	}
}
