package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	gosync "sync"

	"github.com/firezone/firezone-sub015/internal/idp"
	"github.com/firezone/firezone-sub015/internal/jobs"
	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
	"github.com/firezone/firezone-sub015/internal/store"
)

// memberPoolSize bounds concurrent group member fetches per provider.
const memberPoolSize = 5

var (
	errIdpSyncDisabled = errors.New("IdP sync is not enabled for this account; please upgrade your subscription plan")
	errProviderLocked  = errors.New("provider is being synced by another node")
)

// Orchestrator runs the per-provider sync pipeline: fetch in parallel,
// plan, apply in one transaction, update provider sync state.
type Orchestrator struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     zerolog.Logger

	entra  *idp.Entra
	okta   *idp.Okta
	google *idp.GoogleWorkspace
	workos *idp.WorkOS
}

// NewOrchestrator builds an orchestrator with one pooled client per
// adapter.
func NewOrchestrator(st *store.Store, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   st,
		metrics: m,
		log:     logging.WithComponent("sync"),
		entra:   idp.NewEntra(),
		okta:    idp.NewOkta(),
		google:  idp.NewGoogleWorkspace(),
		workos:  idp.NewJumpCloud(""),
	}
}

func adapterConfig(p *store.Provider) (idp.AdapterConfig, error) {
	raw, err := json.Marshal(p.AdapterConfig)
	if err != nil {
		return idp.AdapterConfig{}, fmt.Errorf("marshal adapter_config: %w", err)
	}
	var cfg idp.AdapterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return idp.AdapterConfig{}, fmt.Errorf("decode adapter_config: %w", err)
	}
	return cfg, nil
}

func (o *Orchestrator) directoryFor(p *store.Provider, cfg idp.AdapterConfig) (idp.Directory, string, error) {
	endpoint := cfg.Endpoint
	switch p.Adapter {
	case idp.AdapterMicrosoftEntra:
		if endpoint == "" {
			endpoint = "https://graph.microsoft.com"
		}
		return o.entra, endpoint, nil
	case idp.AdapterOkta:
		if endpoint == "" {
			return nil, "", fmt.Errorf("okta adapter_config has no endpoint")
		}
		return o.okta, endpoint, nil
	case idp.AdapterGoogleWorkspace:
		if endpoint == "" {
			endpoint = "https://admin.googleapis.com"
		}
		return o.google, endpoint, nil
	case idp.AdapterJumpCloud:
		if endpoint == "" {
			endpoint = "https://api.workos.com"
		}
		return o.workos.WithDirectory(cfg.DirectoryID), endpoint, nil
	default:
		return nil, "", fmt.Errorf("adapter %q does not support directory sync", p.Adapter)
	}
}

// SyncProvider runs one full sync for a provider and records the outcome
// on the provider row. Errors never escape: they are classified and folded
// into the directory failure state machine.
func (o *Orchestrator) SyncProvider(ctx context.Context, p *store.Provider) {
	log := o.log.With().
		Str("account_id", p.AccountID.String()).
		Str("provider_id", p.ID.String()).
		Str("adapter", p.Adapter).
		Logger()

	start := time.Now()
	err := o.syncProvider(ctx, p)
	o.metrics.SyncDuration.WithLabelValues(p.Adapter).Observe(time.Since(start).Seconds())

	if err == nil {
		o.metrics.SyncRunsTotal.WithLabelValues(p.Adapter, "synced").Inc()
		log.Info().Msg("Provider synced")
		return
	}
	if errors.Is(err, errProviderLocked) {
		log.Debug().Msg("Provider claimed by another node, skipping")
		return
	}

	cls := classify(p.Adapter, err)
	kind := "transient"
	if cls.ClientError {
		kind = "client_error"
	}
	o.metrics.SyncRunsTotal.WithLabelValues(p.Adapter, "sync_failed").Inc()
	o.metrics.SyncFailsTotal.WithLabelValues(p.Adapter, kind).Inc()

	updated, markErr := o.store.MarkSyncFailed(ctx, p.ID, cls.Message, cls.ClientError)
	if markErr != nil {
		log.Error().Err(markErr).Msg("Failed to record sync failure")
		return
	}
	event := log.Info()
	if cls.ClientError || updated.LastSyncsFailed >= 3 {
		event = log.Warn()
	}
	event.
		Str("error", cls.Message).
		Int("last_syncs_failed", updated.LastSyncsFailed).
		Bool("client_error", cls.ClientError).
		Msg("Provider sync failed")
}

func classify(adapter string, err error) idp.Classification {
	if errors.Is(err, errIdpSyncDisabled) {
		return idp.Classification{ClientError: true, Message: errIdpSyncDisabled.Error()}
	}
	return idp.Classify(adapter, err)
}

func (o *Orchestrator) syncProvider(ctx context.Context, p *store.Provider) error {
	account, err := o.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.Features.Enabled(store.FeatureIdpSync) {
		return errIdpSyncDisabled
	}

	users, groups, err := o.fetchDirectory(ctx, p)
	if err != nil {
		return err
	}

	cfg, err := adapterConfig(p)
	if err != nil {
		return err
	}
	dir, endpoint, err := o.directoryFor(p, cfg)
	if err != nil {
		return err
	}
	memberships, err := o.fetchMemberships(ctx, dir, endpoint, p.AdapterState.AccessToken, groups)
	if err != nil {
		return err
	}

	return o.apply(ctx, p, users, groups, memberships)
}

// fetchDirectory lists users and groups in parallel; both must succeed.
func (o *Orchestrator) fetchDirectory(ctx context.Context, p *store.Provider) ([]idp.Identity, []idp.Group, error) {
	cfg, err := adapterConfig(p)
	if err != nil {
		return nil, nil, err
	}
	dir, endpoint, err := o.directoryFor(p, cfg)
	if err != nil {
		return nil, nil, err
	}
	accessToken := p.AdapterState.AccessToken

	var (
		users  []idp.Identity
		groups []idp.Group
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = dir.ListUsers(gctx, endpoint, accessToken)
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = dir.ListGroups(gctx, endpoint, accessToken)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return users, groups, nil
}

// CheckProvider fetches the provider's directory without writing
// anything, reporting what a sync run would see.
func (o *Orchestrator) CheckProvider(ctx context.Context, p *store.Provider) (users, groups int, err error) {
	u, g, err := o.fetchDirectory(ctx, p)
	if err != nil {
		return 0, 0, err
	}
	return len(u), len(g), nil
}

// fetchMemberships reduces per-group member listings into membership
// tuples, short-circuiting on the first error. Fetches run on a bounded
// worker pool.
func (o *Orchestrator) fetchMemberships(ctx context.Context, dir idp.Directory, endpoint, accessToken string, groups []idp.Group) ([]idp.Membership, error) {
	var (
		mu          gosync.Mutex
		memberships []idp.Membership
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(memberPoolSize)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			rawID := strings.TrimPrefix(group.ProviderIdentifier, "G:")
			userIDs, err := dir.ListGroupMembers(gctx, endpoint, accessToken, rawID)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, uid := range userIDs {
				memberships = append(memberships, idp.Membership{
					GroupProviderIdentifier: group.ProviderIdentifier,
					ActorProviderIdentifier: uid,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return memberships, nil
}

// apply plans against local state and writes everything in one
// transaction: sync_identities, sync_groups, sync_memberships,
// save_last_synced_at. Any failure rolls the whole run back.
func (o *Orchestrator) apply(ctx context.Context, p *store.Provider, users []idp.Identity, groups []idp.Group, memberships []idp.Membership) error {
	return o.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Claim the provider row across nodes for the duration of the
		// transaction; the lock releases on commit or rollback.
		free, err := jobs.RejectLocked(ctx, tx, "auth_providers", []uuid.UUID{p.ID})
		if err != nil {
			return err
		}
		if len(free) == 0 {
			return errProviderLocked
		}

		localIdentities, err := store.ProviderIdentities(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		localGroups, err := store.ProviderGroups(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		localMemberships, err := store.ProviderMemberships(ctx, tx, p.ID)
		if err != nil {
			return err
		}

		plan := BuildPlan(users, groups, memberships, localIdentities, localGroups, localMemberships)
		if err := CheckPlan(plan, len(localIdentities), len(localGroups)); err != nil {
			return err
		}
		o.observePlan(p.Adapter, plan)

		if err := store.InsertIdentities(ctx, tx, p, plan.IdentityInserts); err != nil {
			return fmt.Errorf("sync identities: %w", err)
		}
		if err := store.UpdateIdentities(ctx, tx, p, plan.IdentityUpdates); err != nil {
			return fmt.Errorf("sync identities: %w", err)
		}
		if err := store.DeleteIdentities(ctx, tx, p, plan.IdentityDeletes); err != nil {
			return fmt.Errorf("sync identities: %w", err)
		}
		if err := store.UpsertGroups(ctx, tx, p, plan.GroupUpserts); err != nil {
			return fmt.Errorf("sync groups: %w", err)
		}
		if err := store.DeleteGroups(ctx, tx, p, plan.GroupDeletes); err != nil {
			return fmt.Errorf("sync groups: %w", err)
		}
		if err := store.UpsertMemberships(ctx, tx, p, plan.MembershipUpserts); err != nil {
			return fmt.Errorf("sync memberships: %w", err)
		}
		if err := store.DeleteMemberships(ctx, tx, p, plan.MembershipDeletes); err != nil {
			return fmt.Errorf("sync memberships: %w", err)
		}
		return store.SaveSyncSucceeded(ctx, tx, p.ID)
	})
}

func (o *Orchestrator) observePlan(adapter string, plan Plan) {
	inserts := len(plan.IdentityInserts) + len(plan.GroupUpserts) + len(plan.MembershipUpserts)
	updates := len(plan.IdentityUpdates)
	deletes := len(plan.IdentityDeletes) + len(plan.GroupDeletes) + len(plan.MembershipDeletes)
	o.metrics.SyncPlanSize.WithLabelValues(adapter, "insert").Observe(float64(inserts))
	o.metrics.SyncPlanSize.WithLabelValues(adapter, "update").Observe(float64(updates))
	o.metrics.SyncPlanSize.WithLabelValues(adapter, "delete").Observe(float64(deletes))
}
