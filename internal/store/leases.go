package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLeadership claims or renews the leader lease for jobKey. The
// upsert succeeds when the lease is unclaimed, expired, or already held by
// this holder; otherwise the current leader keeps it and false is returned.
// At most one holder can own a jobKey at any instant.
func (s *Store) AcquireLeadership(ctx context.Context, jobKey, holderID string, ttl time.Duration) (bool, error) {
	var holder string
	err := s.db.GetContext(ctx, &holder, `
		INSERT INTO leader_leases (job_key, holder_id, lease_until)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (job_key) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, lease_until = EXCLUDED.lease_until
		WHERE leader_leases.holder_id = EXCLUDED.holder_id
		   OR leader_leases.lease_until < now()
		RETURNING holder_id`,
		jobKey, holderID, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire leadership for %q: %w", jobKey, err)
	}
	return holder == holderID, nil
}

// ReleaseLeadership drops the lease if this holder owns it, letting a
// follower take over without waiting for expiry.
func (s *Store) ReleaseLeadership(ctx context.Context, jobKey, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leader_leases WHERE job_key = $1 AND holder_id = $2`, jobKey, holderID)
	if err != nil {
		return fmt.Errorf("release leadership for %q: %w", jobKey, err)
	}
	return nil
}
