package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/firezone/firezone-sub015/internal/idp"
)

const providerColumns = `
	id, account_id, name, adapter, provisioner, adapter_config, adapter_state,
	last_synced_at, last_syncs_failed, last_sync_error, errored_at,
	sync_disabled_at, disabled_at, disabled_reason, is_verified, deleted_at,
	inserted_at, updated_at`

// syncCapableAdapters are the adapters directory sync can run against.
var syncCapableAdapters = []string{
	idp.AdapterMicrosoftEntra,
	idp.AdapterOkta,
	idp.AdapterGoogleWorkspace,
	idp.AdapterJumpCloud,
}

// GetProvider fetches a provider by id.
func (s *Store) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := s.db.GetContext(ctx, &p,
		`SELECT `+providerColumns+` FROM auth_providers WHERE id = $1 AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return &p, nil
}

// ProvidersReadyToSync selects providers due for a sync run. Backoff grows
// as 10min * (failures^2 + 1) capped at 4 hours; providers with more than
// 10 consecutive failures are no longer scheduled. Fresh providers (NULL
// last_synced_at) sort first.
func (s *Store) ProvidersReadyToSync(ctx context.Context, limit int) ([]Provider, error) {
	query, args, err := sqlx.In(`
		SELECT `+providerColumns+`
		FROM auth_providers
		WHERE deleted_at IS NULL
		  AND disabled_at IS NULL
		  AND sync_disabled_at IS NULL
		  AND adapter IN (?)
		  AND (last_synced_at IS NULL OR
		       last_synced_at + LEAST(
		         interval '10 minutes' * (COALESCE(last_syncs_failed, 0) ^ 2 + 1),
		         interval '4 hours'
		       ) < now())
		  AND COALESCE(last_syncs_failed, 0) <= 10
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT ?`, syncCapableAdapters, limit)
	if err != nil {
		return nil, fmt.Errorf("build ready-to-sync query: %w", err)
	}

	var providers []Provider
	if err := s.db.SelectContext(ctx, &providers, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select providers ready to sync: %w", err)
	}
	return providers, nil
}

// ProvidersNeedingTokenRefresh selects providers whose access token expires
// before the deadline and that can rotate it: either they hold a refresh
// token, or they are Google Workspace providers, which mint a fresh
// service-account assertion instead. A missing expires_at counts as
// expired so a provider that never obtained a token is picked up too.
func (s *Store) ProvidersNeedingTokenRefresh(ctx context.Context, deadline time.Time) ([]Provider, error) {
	var providers []Provider
	err := s.db.SelectContext(ctx, &providers, `
		SELECT `+providerColumns+`
		FROM auth_providers
		WHERE deleted_at IS NULL
		  AND disabled_at IS NULL
		  AND (COALESCE(adapter_state->>'refresh_token', '') <> ''
		       OR (adapter = $2 AND COALESCE(adapter_config->>'service_account_email', '') <> ''))
		  AND COALESCE((adapter_state->>'expires_at')::timestamptz, '-infinity'::timestamptz) < $1`,
		deadline, idp.AdapterGoogleWorkspace)
	if err != nil {
		return nil, fmt.Errorf("select providers needing refresh: %w", err)
	}
	return providers, nil
}

// UpdateProviderTokens merges rotated credentials into adapter_state. Only
// credential fields are touched so a concurrent sync run writing sync-state
// columns cannot clobber them.
func (s *Store) UpdateProviderTokens(ctx context.Context, id uuid.UUID, tokens idp.Tokens) error {
	patch, err := json.Marshal(map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal token patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_providers
		SET adapter_state = adapter_state || $2::jsonb, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, patch)
	if err != nil {
		return fmt.Errorf("update provider tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSyncSucceeded records a successful sync run. Runs inside the same
// transaction that applied the plans so the advance of last_synced_at is
// atomic with them.
func SaveSyncSucceeded(ctx context.Context, tx *sqlx.Tx, providerID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE auth_providers
		SET last_synced_at = now(),
		    last_syncs_failed = 0,
		    last_sync_error = NULL,
		    errored_at = NULL,
		    updated_at = now()
		WHERE id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("save last_synced_at: %w", err)
	}
	return nil
}

// MarkSyncFailed applies the directory failure state machine: increments the
// failure counter and records the message; client errors disable the
// directory immediately, transient errors disable it once errored_at is
// older than 24 hours.
func (s *Store) MarkSyncFailed(ctx context.Context, providerID uuid.UUID, message string, clientError bool) (*Provider, error) {
	var p Provider
	err := s.db.GetContext(ctx, &p, `
		UPDATE auth_providers
		SET last_syncs_failed = COALESCE(last_syncs_failed, 0) + 1,
		    last_sync_error = $2,
		    errored_at = COALESCE(errored_at, now()),
		    disabled_at = CASE
		      WHEN $3 OR COALESCE(errored_at, now()) < now() - interval '24 hours'
		      THEN COALESCE(disabled_at, now())
		      ELSE disabled_at END,
		    disabled_reason = CASE
		      WHEN $3 OR COALESCE(errored_at, now()) < now() - interval '24 hours'
		      THEN 'Sync error'
		      ELSE disabled_reason END,
		    is_verified = CASE
		      WHEN $3 OR COALESCE(errored_at, now()) < now() - interval '24 hours'
		      THEN false
		      ELSE is_verified END,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+providerColumns, providerID, message, clientError)
	if err != nil {
		return nil, fmt.Errorf("mark sync failed: %w", err)
	}
	return &p, nil
}
