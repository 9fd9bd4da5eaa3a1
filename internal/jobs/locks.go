package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/zeebo/xxh3"
)

// lockKey derives the 32-bit half of the advisory lock key from a row id.
// The table oid supplies the other half, so locks on different tables
// never collide even when row hashes do.
func lockKey(id uuid.UUID) int32 {
	return int32(uint32(xxh3.HashString(id.String())))
}

// RejectLocked claims the given rows with transaction-scoped advisory
// locks and returns the subset that was free. Rows already claimed by
// another transaction are silently dropped rather than waited on. Locks
// release when the transaction commits or rolls back.
func RejectLocked(ctx context.Context, tx *sqlx.Tx, table string, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var tableOID int32
	if err := tx.GetContext(ctx, &tableOID,
		`SELECT to_regclass($1)::oid::int`, table); err != nil {
		return nil, fmt.Errorf("resolve oid of %q: %w", table, err)
	}

	free := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		var acquired bool
		if err := tx.GetContext(ctx, &acquired,
			`SELECT pg_try_advisory_xact_lock($1, $2)`, tableOID, lockKey(id)); err != nil {
			return nil, fmt.Errorf("advisory lock on %s: %w", table, err)
		}
		if acquired {
			free = append(free, id)
		}
	}
	return free, nil
}
