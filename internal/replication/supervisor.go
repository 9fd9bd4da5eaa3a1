package replication

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/jobs"
	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
)

const (
	// supervisorLeaseKey is the cluster-wide name for the replication
	// singleton.
	supervisorLeaseKey = "replication_connection"

	connectAttempts = 10
	connectInterval = 30 * time.Second
)

// Supervisor keeps exactly one replication connection alive across the
// cluster. A database lease elects the owning node; the owner restarts
// the connection on disconnect, retrying up to connectAttempts times
// before giving up the lease so another node can take over.
type Supervisor struct {
	cfg      Config
	handler  Handler
	lease    jobs.Lease
	holderID string
	leaseTTL time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewSupervisor(cfg Config, handler Handler, lease jobs.Lease, holderID string, leaseTTL time.Duration, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		handler:  handler,
		lease:    lease,
		holderID: holderID,
		leaseTTL: leaseTTL,
		metrics:  m,
		log: logging.WithComponent("replication").With().
			Str("holder_id", holderID).
			Logger(),
	}
}

// Run blocks until ctx is cancelled. Non-owners poll for the lease;
// the owner streams and renews the lease from a side goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.lease.ReleaseLeadership(releaseCtx, supervisorLeaseKey, s.holderID)
	}()

	for {
		owner, err := s.lease.AcquireLeadership(ctx, supervisorLeaseKey, s.holderID, s.leaseTTL)
		if err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Replication lease acquisition failed")
		}
		if owner {
			s.log.Info().Msg("Owning replication connection")
			s.own(ctx)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.leaseTTL / 2):
		}
	}
}

// own runs the connection while holding the lease. It returns when the
// lease is lost, ctx is cancelled, or the connection has failed
// connectAttempts times in a row.
func (s *Supervisor) own(ctx context.Context) {
	ownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Renew the lease in the background; losing it tears the connection
	// down so the next owner starts from a clean slot.
	go func() {
		ticker := time.NewTicker(s.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ownCtx.Done():
				return
			case <-ticker.C:
				still, err := s.lease.AcquireLeadership(ownCtx, supervisorLeaseKey, s.holderID, s.leaseTTL)
				if err != nil || !still {
					if err != nil && ownCtx.Err() == nil {
						s.log.Error().Err(err).Msg("Replication lease renewal failed")
					}
					cancel()
					return
				}
			}
		}
	}()

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn := NewConnection(s.cfg, s.handler, s.metrics)
		err := conn.Run(ownCtx)
		if ownCtx.Err() != nil {
			return
		}
		s.metrics.ReplicationRestarts.Inc()
		s.log.Error().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", connectAttempts).
			Msg("Replication connection lost, restarting")

		select {
		case <-ownCtx.Done():
			return
		case <-time.After(connectInterval):
		}
	}
	s.log.Error().Msg("Replication connection failed repeatedly, releasing ownership")
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	_ = s.lease.ReleaseLeadership(releaseCtx, supervisorLeaseKey, s.holderID)
}
