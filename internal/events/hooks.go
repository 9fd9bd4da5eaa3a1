package events

import "github.com/rs/zerolog"

// Op is the kind of change carried by an Event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is a table change fanned out to subscribers.
type Event struct {
	Table string `json:"table"`
	Op    Op     `json:"op"`
	Old   Row    `json:"old,omitempty"`
	Data  Row    `json:"data,omitempty"`
}

// Broadcaster fans events out to interested sockets, locally and across
// nodes.
type Broadcaster interface {
	Broadcast(topic string, event Event)
}

// SessionEvictor disconnects live sessions whose backing token is gone.
type SessionEvictor interface {
	DisconnectToken(tokenID string)
}

// broadcastHook publishes every change of one table to the account's
// topic. Rows without an account_id (soft-deleted rows replicated with a
// minimal replica identity) are broadcast on the table-wide topic.
type broadcastHook struct {
	table string
	bus   Broadcaster
}

func (h broadcastHook) topic(row Row) string {
	if accountID, ok := row["account_id"]; ok {
		return "account:" + accountID
	}
	return "table:" + h.table
}

func (h broadcastHook) OnInsert(data Row) {
	h.bus.Broadcast(h.topic(data), Event{Table: h.table, Op: OpInsert, Data: data})
}

func (h broadcastHook) OnUpdate(old, data Row) {
	h.bus.Broadcast(h.topic(data), Event{Table: h.table, Op: OpUpdate, Old: old, Data: data})
}

func (h broadcastHook) OnDelete(old Row) {
	h.bus.Broadcast(h.topic(old), Event{Table: h.table, Op: OpDelete, Old: old})
}

// tokenHook broadcasts like any other table but additionally tears down
// sessions when a token is deleted or soft-deleted, so revocation takes
// effect without waiting for the next authentication.
type tokenHook struct {
	broadcastHook
	evictor SessionEvictor
	log     zerolog.Logger
}

func (h tokenHook) OnUpdate(old, data Row) {
	h.broadcastHook.OnUpdate(old, data)
	wasDeleted := old != nil && old["deleted_at"] != ""
	if data["deleted_at"] != "" && !wasDeleted {
		h.evict(data["id"])
	}
}

func (h tokenHook) OnDelete(old Row) {
	h.broadcastHook.OnDelete(old)
	h.evict(old["id"])
}

func (h tokenHook) evict(tokenID string) {
	if tokenID == "" {
		return
	}
	h.log.Info().Str("token_id", tokenID).Msg("Token revoked, disconnecting sessions")
	h.evictor.DisconnectToken(tokenID)
}

// RegisterHooks binds a hook to every subscribed table. The tokens table
// gets the eviction hook; everything else gets a plain broadcast hook.
func RegisterHooks(d *Dispatcher, tables []string, bus Broadcaster, evictor SessionEvictor, log zerolog.Logger) {
	for _, table := range tables {
		base := broadcastHook{table: table, bus: bus}
		if table == "tokens" {
			d.Register(table, tokenHook{broadcastHook: base, evictor: evictor, log: log})
			continue
		}
		d.Register(table, base)
	}
}
