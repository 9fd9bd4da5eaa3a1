package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/events"
	"github.com/firezone/firezone-sub015/internal/logging"
)

// channelPrefix namespaces event bus channels in a shared Redis.
const channelPrefix = "firezone:events:"

// Bus fans events out to topic subscribers. With a Redis client it uses
// Pub/Sub so events published on one node reach sockets on every node;
// without one it degrades to in-process delivery, which is correct for a
// single-node deployment.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan events.Event
	nextID int

	redis *redis.Client
	log   zerolog.Logger
}

// NewBus builds a bus. client may be nil for local-only fanout.
func NewBus(client *redis.Client) *Bus {
	return &Bus{
		subs:  make(map[string]map[int]chan events.Event),
		redis: client,
		log:   logging.WithComponent("event_bus"),
	}
}

// Broadcast implements events.Broadcaster. With Redis, delivery happens
// through the subscription loop so local and remote subscribers see the
// same stream; a publish failure falls back to local delivery.
func (b *Bus) Broadcast(topic string, event events.Event) {
	if b.redis == nil {
		b.deliverLocal(topic, event)
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return
	}
	if err := b.redis.Publish(context.Background(), channelPrefix+topic, data).Err(); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("Redis publish failed, delivering locally")
		b.deliverLocal(topic, event)
	}
}

// Subscribe returns a channel of events for one topic. Slow subscribers
// drop events rather than blocking the fanout.
func (b *Bus) Subscribe(topic string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, 256)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan events.Event)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs[topic], id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Run consumes the Redis Pub/Sub stream and delivers to local
// subscribers. It blocks until ctx is cancelled; without Redis it is a
// no-op.
func (b *Bus) Run(ctx context.Context) {
	if b.redis == nil {
		<-ctx.Done()
		return
	}
	pubsub := b.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			topic := strings.TrimPrefix(msg.Channel, channelPrefix)
			var event events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn().Err(err).Str("topic", topic).Msg("Undecodable event payload")
				continue
			}
			b.deliverLocal(topic, event)
		}
	}
}

func (b *Bus) deliverLocal(topic string, event events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}
