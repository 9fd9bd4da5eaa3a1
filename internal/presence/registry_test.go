package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTrackAndList(t *testing.T) {
	r := NewRegistry()
	r.Track("account:a1:gateways", "gw-1", Meta{Fields: map[string]string{"version": "1.4.0"}})
	r.Track("account:a1:gateways", "gw-2", Meta{})
	r.Track("account:a2:gateways", "gw-3", Meta{})

	listed := r.List("account:a1:gateways")
	require.Len(t, listed, 2)
	require.Len(t, listed["gw-1"], 1)
	assert.Equal(t, "1.4.0", listed["gw-1"][0].Fields["version"])
	assert.False(t, listed["gw-1"][0].JoinedAt.IsZero())

	assert.Equal(t, 2, r.Online("account:a1:gateways"))
	assert.Equal(t, 1, r.Online("account:a2:gateways"))
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	r.Track("relays", "r1", Meta{Fields: map[string]string{"ipv4": "198.51.100.1"}})
	metas := r.Get("relays", "r1")
	require.Len(t, metas, 1)
	assert.Equal(t, "198.51.100.1", metas[0].Fields["ipv4"])
	assert.Empty(t, r.Get("relays", "missing"))
}

func TestRegistryUntrack(t *testing.T) {
	r := NewRegistry()
	tracker := r.Track("relays", "r1", Meta{})
	tracker.Untrack()
	assert.Equal(t, 0, r.Online("relays"))

	// Untracking twice is harmless.
	tracker.Untrack()
}

func TestRegistryMultipleMetasPerKey(t *testing.T) {
	r := NewRegistry()
	t1 := r.Track("topic", "k", Meta{Fields: map[string]string{"n": "1"}})
	r.Track("topic", "k", Meta{Fields: map[string]string{"n": "2"}})

	require.Len(t, r.Get("topic", "k"), 2)
	t1.Untrack()
	metas := r.Get("topic", "k")
	require.Len(t, metas, 1)
	assert.Equal(t, "2", metas[0].Fields["n"])
}

func TestTrackReplaceEvictsPriorHolder(t *testing.T) {
	r := NewRegistry()
	first := r.TrackReplace("relays", "r1", Meta{Fields: map[string]string{"gen": "1"}})
	second := r.TrackReplace("relays", "r1", Meta{Fields: map[string]string{"gen": "2"}})

	select {
	case <-first.Evicted():
	case <-time.After(time.Second):
		t.Fatal("prior holder was not evicted")
	}
	select {
	case <-second.Evicted():
		t.Fatal("new holder must not be evicted")
	default:
	}

	metas := r.Get("relays", "r1")
	require.Len(t, metas, 1)
	assert.Equal(t, "2", metas[0].Fields["gen"])
}

func TestPlainTrackDoesNotEvict(t *testing.T) {
	r := NewRegistry()
	first := r.Track("topic", "k", Meta{})
	r.Track("topic", "k", Meta{})
	select {
	case <-first.Evicted():
		t.Fatal("plain Track must not evict")
	default:
	}
}

func TestSubscribeReceivesJoinAndLeaveDiffs(t *testing.T) {
	r := NewRegistry()
	diffs, cancel := r.Subscribe("relays")
	defer cancel()

	tracker := r.Track("relays", "r1", Meta{})
	diff := <-diffs
	require.Contains(t, diff.Joins, "r1")
	assert.Empty(t, diff.Leaves)

	tracker.Untrack()
	diff = <-diffs
	require.Contains(t, diff.Leaves, "r1")
	assert.Empty(t, diff.Joins)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	r := NewRegistry()
	diffs, cancel := r.Subscribe("relays")
	cancel()
	r.Track("relays", "r1", Meta{})
	select {
	case <-diffs:
		t.Fatal("cancelled subscriber must not receive diffs")
	default:
	}
}
