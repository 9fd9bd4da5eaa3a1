package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `
	id, name, disabled_at, features, limits, metadata, config,
	warning, warning_last_sent_at, inserted_at, updated_at`

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := s.db.GetContext(ctx, &a,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// AccountsWithOutdatedGateways lists enabled accounts that have the
// outdated-gateway notification turned on, at least one connected gateway
// behind latestVersion, and were not notified in the last 24 hours.
func (s *Store) AccountsWithOutdatedGateways(ctx context.Context, latestVersion string) ([]Account, error) {
	var accounts []Account
	err := s.db.SelectContext(ctx, &accounts, `
		SELECT DISTINCT `+prefixColumns("a", accountColumns)+`
		FROM accounts a
		JOIN gateways g ON g.account_id = a.id AND g.deleted_at IS NULL
		WHERE a.disabled_at IS NULL
		  AND COALESCE((a.config#>>'{notifications,outdated_gateway,enabled}')::bool, false)
		  AND g.last_seen_version IS NOT NULL
		  AND g.last_seen_version <> $1
		  AND (a.config#>>'{notifications,outdated_gateway,last_notified}' IS NULL OR
		       (a.config#>>'{notifications,outdated_gateway,last_notified}')::timestamptz < now() - interval '24 hours')`,
		latestVersion)
	if err != nil {
		return nil, fmt.Errorf("list accounts with outdated gateways: %w", err)
	}
	return accounts, nil
}

// MarkOutdatedGatewayNotified stamps config.notifications.outdated_gateway.last_notified.
func (s *Store) MarkOutdatedGatewayNotified(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET config = jsonb_set(
			jsonb_set(config, '{notifications,outdated_gateway}',
				COALESCE(config#>'{notifications,outdated_gateway}', '{}'::jsonb)),
			'{notifications,outdated_gateway,last_notified}', to_jsonb($2::text)),
		    updated_at = now()
		WHERE id = $1`, accountID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark outdated gateway notified: %w", err)
	}
	return nil
}
