package sync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/store"
)

// Scheduler pulls the providers whose sync backoff has elapsed and hands
// them to the orchestrator in parallel. It runs on every node; cross-node
// duplication is resolved by the orchestrator's advisory lock on the
// provider row, so the scheduler itself needs no coordination.
type Scheduler struct {
	store     *store.Store
	orch      *Orchestrator
	batchSize int
	log       zerolog.Logger
}

func NewScheduler(st *store.Store, orch *Orchestrator, batchSize int) *Scheduler {
	return &Scheduler{
		store:     st,
		orch:      orch,
		batchSize: batchSize,
		log:       logging.WithComponent("sync"),
	}
}

func (s *Scheduler) Name() string { return "directory_sync" }

// Execute syncs one batch of due providers concurrently. SyncProvider
// swallows per-provider failures, so one broken IdP never blocks the rest
// of the batch.
func (s *Scheduler) Execute(ctx context.Context) error {
	providers, err := s.store.ProvidersReadyToSync(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("list providers ready to sync: %w", err)
	}
	if len(providers) == 0 {
		return nil
	}
	s.log.Debug().Int("providers", len(providers)).Msg("Syncing provider batch")

	var g errgroup.Group
	for i := range providers {
		p := &providers[i]
		g.Go(func() error {
			s.orch.SyncProvider(ctx, p)
			return nil
		})
	}
	return g.Wait()
}
