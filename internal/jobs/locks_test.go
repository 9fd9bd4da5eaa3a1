package jobs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// Lock keys must be stable across processes: two nodes hashing the same
// row id have to contend on the same advisory lock.
func TestLockKeyIsDeterministic(t *testing.T) {
	id := uuid.MustParse("7f0bd9a2-3f2e-4d6c-9f2a-97e1f53cf0aa")
	assert.Equal(t, lockKey(id), lockKey(id))

	other := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	assert.NotEqual(t, lockKey(id), lockKey(other))
}
