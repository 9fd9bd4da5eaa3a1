// Package presence tracks which gateways, relays, and clients are online.
// The registry is node-local; cross-node visibility comes from the event
// bus fanout. Socket admission is rate-limited per (remote IP, token).
package presence

import (
	"sync"
	"time"
)

// Meta is the per-join metadata, e.g. a relay's addresses and
// coordinates. JoinedAt is set by the registry.
type Meta struct {
	JoinedAt time.Time         `json:"joined_at"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Diff is one presence change pushed to subscribers.
type Diff struct {
	Topic  string          `json:"topic"`
	Joins  map[string]Meta `json:"joins,omitempty"`
	Leaves map[string]Meta `json:"leaves,omitempty"`
}

// Tracker is a live registration. Evicted fires when a newer join for
// the same key replaced this one; the holder should shut down gracefully.
type Tracker struct {
	registry *Registry
	topic    string
	key      string
	evicted  chan struct{}
}

func (t *Tracker) Evicted() <-chan struct{} { return t.evicted }

// Untrack removes this registration. Safe to call after eviction.
func (t *Tracker) Untrack() {
	t.registry.untrack(t)
}

type entry struct {
	meta    Meta
	tracker *Tracker
}

// Registry is a per-topic map of entity key to tracked metas.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string][]*entry
	subs   map[string]map[int]chan Diff
	nextID int
}

func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[string][]*entry),
		subs:   make(map[string]map[int]chan Diff),
	}
}

// Track adds a registration for key under topic. Multiple registrations
// per key are allowed; List returns all of them.
func (r *Registry) Track(topic, key string, meta Meta) *Tracker {
	return r.track(topic, key, meta, false)
}

// TrackReplace adds a registration and evicts any prior holders of the
// same key. Used for relays, where an id must have a single live owner.
func (r *Registry) TrackReplace(topic, key string, meta Meta) *Tracker {
	return r.track(topic, key, meta, true)
}

func (r *Registry) track(topic, key string, meta Meta, replace bool) *Tracker {
	meta.JoinedAt = time.Now()
	t := &Tracker{registry: r, topic: topic, key: key, evicted: make(chan struct{})}

	r.mu.Lock()
	byKey := r.topics[topic]
	if byKey == nil {
		byKey = make(map[string][]*entry)
		r.topics[topic] = byKey
	}
	var leaves []*entry
	if replace {
		leaves = byKey[key]
		byKey[key] = nil
	}
	byKey[key] = append(byKey[key], &entry{meta: meta, tracker: t})
	r.mu.Unlock()

	for _, prior := range leaves {
		close(prior.tracker.evicted)
	}

	diff := Diff{Topic: topic, Joins: map[string]Meta{key: meta}}
	if len(leaves) > 0 {
		diff.Leaves = map[string]Meta{key: leaves[len(leaves)-1].meta}
	}
	r.publish(topic, diff)
	return t
}

func (r *Registry) untrack(t *Tracker) {
	r.mu.Lock()
	byKey := r.topics[t.topic]
	entries := byKey[t.key]
	var removed *entry
	for i, e := range entries {
		if e.tracker == t {
			removed = e
			byKey[t.key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if removed != nil && len(byKey[t.key]) == 0 {
		delete(byKey, t.key)
	}
	r.mu.Unlock()

	if removed != nil {
		r.publish(t.topic, Diff{Topic: t.topic, Leaves: map[string]Meta{t.key: removed.meta}})
	}
}

// List snapshots all registrations under a topic.
func (r *Registry) List(topic string) map[string][]Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Meta, len(r.topics[topic]))
	for key, entries := range r.topics[topic] {
		metas := make([]Meta, len(entries))
		for i, e := range entries {
			metas[i] = e.meta
		}
		out[key] = metas
	}
	return out
}

// Get returns the metas for one key, oldest join first.
func (r *Registry) Get(topic, key string) []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.topics[topic][key]
	metas := make([]Meta, len(entries))
	for i, e := range entries {
		metas[i] = e.meta
	}
	return metas
}

// Online counts distinct keys present under a topic.
func (r *Registry) Online(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Subscribe delivers presence diffs for a topic. Slow subscribers drop
// diffs rather than blocking trackers.
func (r *Registry) Subscribe(topic string) (<-chan Diff, func()) {
	ch := make(chan Diff, 64)
	r.mu.Lock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[int]chan Diff)
	}
	r.nextID++
	id := r.nextID
	r.subs[topic][id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs[topic], id)
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) publish(topic string, diff Diff) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs[topic] {
		select {
		case ch <- diff:
		default:
		}
	}
}
