package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterSecondConnectSameBucketIsRejected(t *testing.T) {
	l := NewLimiter()
	assert.True(t, l.Allow("203.0.113.7", "tok-1"))
	assert.False(t, l.Allow("203.0.113.7", "tok-1"))
}

func TestLimiterSameIPDifferentTokens(t *testing.T) {
	l := NewLimiter()
	assert.True(t, l.Allow("203.0.113.7", "tok-1"))
	assert.True(t, l.Allow("203.0.113.7", "tok-2"))
	assert.True(t, l.Allow("203.0.113.7", "tok-3"))
}

func TestLimiterSameTokenDifferentIPs(t *testing.T) {
	l := NewLimiter()
	assert.True(t, l.Allow("203.0.113.7", "tok-1"))
	assert.True(t, l.Allow("203.0.113.8", "tok-1"))
	assert.True(t, l.Allow("203.0.113.9", "tok-1"))
}

func TestLimiterBucketRefills(t *testing.T) {
	l := NewLimiter()
	assert.True(t, l.Allow("203.0.113.7", "tok-1"))
	assert.False(t, l.Allow("203.0.113.7", "tok-1"))
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Allow("203.0.113.7", "tok-1"))
}

func TestLimiterPrune(t *testing.T) {
	l := NewLimiter()
	l.Allow("203.0.113.7", "tok-1")
	l.Allow("203.0.113.8", "tok-2")
	assert.Len(t, l.buckets, 2)

	l.Prune(0)
	assert.Empty(t, l.buckets)

	// A pruned bucket starts fresh and admits again.
	assert.True(t, l.Allow("203.0.113.7", "tok-1"))
}
