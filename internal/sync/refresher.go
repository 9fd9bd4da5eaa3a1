package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/idp"
	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
	"github.com/firezone/firezone-sub015/internal/store"
)

// refreshHorizon is how far ahead of access token expiry a refresh is
// attempted. It must comfortably exceed the refresher's tick interval so
// a token is retried several times before it actually expires.
const refreshHorizon = 30 * time.Minute

// TokenRefresher keeps provider access tokens fresh. Each tick it finds
// providers whose token expires inside the horizon and runs the adapter's
// refresh flow. A failed refresh is logged and skipped; the provider is
// retried on the next tick and, if the token does expire, the sync run
// surfaces the auth failure through the usual error classification.
type TokenRefresher struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewTokenRefresher(st *store.Store, m *metrics.Metrics) *TokenRefresher {
	return &TokenRefresher{
		store:   st,
		metrics: m,
		log:     logging.WithComponent("token_refresher"),
	}
}

func (r *TokenRefresher) Name() string { return "token_refresher" }

func (r *TokenRefresher) Execute(ctx context.Context) error {
	providers, err := r.store.ProvidersNeedingTokenRefresh(ctx, time.Now().Add(refreshHorizon))
	if err != nil {
		return fmt.Errorf("list providers needing refresh: %w", err)
	}
	for i := range providers {
		r.refresh(ctx, &providers[i])
	}
	return nil
}

func (r *TokenRefresher) refresh(ctx context.Context, p *store.Provider) {
	log := r.log.With().
		Str("provider_id", p.ID.String()).
		Str("adapter", p.Adapter).
		Logger()

	cfg, err := adapterConfig(p)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping token refresh")
		return
	}
	refresher := idp.RefresherFor(p.Adapter)

	tokens, err := refresher.RefreshAccessToken(ctx, cfg, p.AdapterState.RefreshToken)
	if err != nil {
		r.metrics.TokenRefreshes.WithLabelValues(p.Adapter, "failed").Inc()
		log.Warn().Err(err).Msg("Token refresh failed, will retry next tick")
		return
	}
	if err := r.store.UpdateProviderTokens(ctx, p.ID, tokens); err != nil {
		r.metrics.TokenRefreshes.WithLabelValues(p.Adapter, "failed").Inc()
		log.Error().Err(err).Msg("Failed to persist refreshed tokens")
		return
	}
	r.metrics.TokenRefreshes.WithLabelValues(p.Adapter, "refreshed").Inc()
	log.Debug().Time("expires_at", tokens.ExpiresAt).Msg("Provider tokens refreshed")
}
