// Package events routes decoded replication changes to per-table hooks.
// The dispatcher is the only consumer of the replication stream; hooks
// turn row changes into broadcasts and session disconnects.
package events

import (
	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
	"github.com/firezone/firezone-sub015/internal/replication"
)

// Row is one decoded row image: column name to text value. NULL and
// unchanged TOAST columns are absent.
type Row map[string]string

// Hook handles changes for one table. Hooks own their failures; the
// dispatcher never retries.
type Hook interface {
	OnInsert(data Row)
	OnUpdate(old, data Row)
	OnDelete(old Row)
}

// Dispatcher implements replication.Handler over a table→hook mapping.
type Dispatcher struct {
	hooks   map[string]Hook
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		hooks:   make(map[string]Hook),
		metrics: m,
		log:     logging.WithComponent("events"),
	}
}

// Register binds a hook to a table name. Later registrations for the
// same table replace earlier ones.
func (d *Dispatcher) Register(table string, h Hook) {
	d.hooks[table] = h
}

// Tables returns the registered table names.
func (d *Dispatcher) Tables() []string {
	tables := make([]string, 0, len(d.hooks))
	for t := range d.hooks {
		tables = append(tables, t)
	}
	return tables
}

func (d *Dispatcher) hookFor(rel replication.Relation, op string) (Hook, bool) {
	h, ok := d.hooks[rel.Name]
	if !ok {
		d.metrics.UnmappedTableEvents.Inc()
		d.log.Warn().
			Str("table", rel.Name).
			Str("namespace", rel.Namespace).
			Str("op", op).
			Msg("No hook registered for replicated table")
		return nil, false
	}
	d.metrics.DispatchedEvents.WithLabelValues(rel.Name, op).Inc()
	return h, true
}

func (d *Dispatcher) HandleInsert(rel replication.Relation, newRow replication.TupleData) {
	if h, ok := d.hookFor(rel, "insert"); ok {
		h.OnInsert(DecodeRow(rel, newRow))
	}
}

func (d *Dispatcher) HandleUpdate(rel replication.Relation, oldRow *replication.TupleData, newRow replication.TupleData) {
	if h, ok := d.hookFor(rel, "update"); ok {
		var old Row
		if oldRow != nil {
			old = DecodeRow(rel, *oldRow)
		}
		h.OnUpdate(old, DecodeRow(rel, newRow))
	}
}

func (d *Dispatcher) HandleDelete(rel replication.Relation, oldRow replication.TupleData) {
	if h, ok := d.hookFor(rel, "delete"); ok {
		h.OnDelete(DecodeRow(rel, oldRow))
	}
}

// DecodeRow zips a tuple with its relation's column names. Extra columns
// on either side are dropped rather than erroring: a schema change can
// briefly leave the cached relation stale.
func DecodeRow(rel replication.Relation, tuple replication.TupleData) Row {
	row := make(Row, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		if col.Kind == 't' {
			row[rel.Columns[i].Name] = string(col.Data)
		}
	}
	return row
}
