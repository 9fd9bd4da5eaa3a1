package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
)

// Handler receives decoded data changes in strict WAL commit order. Calls
// are serial; a slow handler backpressures the stream.
type Handler interface {
	HandleInsert(rel Relation, newRow TupleData)
	HandleUpdate(rel Relation, oldRow *TupleData, newRow TupleData)
	HandleDelete(rel Relation, oldRow TupleData)
}

// Config describes the replication session.
type Config struct {
	// DatabaseURL is the connection string; the connection is opened with
	// replication=database so walsender commands are available.
	DatabaseURL string
	Publication string
	Slot        string
	// ProtoVersion is the pgoutput protocol version requested at stream
	// start.
	ProtoVersion int
	// Tables are the publication members, schema-qualified on creation.
	Tables []string
}

// step names for the connection state machine, used in logs.
const (
	stepDisconnected         = "disconnected"
	stepCheckPublication     = "check_publication"
	stepCreatePublication    = "create_publication"
	stepCheckReplicationSlot = "check_replication_slot"
	stepCreateSlot           = "create_replication_slot"
	stepStartReplicationSlot = "start_replication_slot"
	stepStreaming            = "streaming"
)

// Connection owns one logical replication session. It walks the setup
// state machine (publication, slot, START_REPLICATION) and then streams,
// replying to KeepAlives and feeding data messages to the handler one at
// a time.
type Connection struct {
	cfg     Config
	handler Handler
	metrics *metrics.Metrics
	log     zerolog.Logger

	// relations caches Relation messages by id so data messages can be
	// resolved to table names.
	relations map[uint32]Relation
	// lastWAL is the highest wal_end observed, acknowledged back to the
	// server on KeepAlive.
	lastWAL uint64
}

func NewConnection(cfg Config, handler Handler, m *metrics.Metrics) *Connection {
	return &Connection{
		cfg:       cfg,
		handler:   handler,
		metrics:   m,
		log:       logging.WithComponent("replication"),
		relations: make(map[uint32]Relation),
	}
}

// Run connects and streams until the context is cancelled or the stream
// breaks. It always returns a non-nil error on a broken stream; the
// supervisor decides whether to reconnect. Because the slot is durable,
// WAL that was not acknowledged before a disconnect replays after
// reconnection.
func (c *Connection) Run(ctx context.Context) error {
	cfg, err := pgconn.ParseConfig(c.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	c.setStep(stepDisconnected)
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect replication session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if err := c.ensurePublication(ctx, conn); err != nil {
		return err
	}
	if err := c.ensureSlot(ctx, conn); err != nil {
		return err
	}
	if err := c.startReplication(ctx, conn); err != nil {
		return err
	}
	return c.stream(ctx, conn)
}

func (c *Connection) setStep(step string) {
	c.log.Debug().Str("step", step).Msg("Replication step")
}

func (c *Connection) ensurePublication(ctx context.Context, conn *pgconn.PgConn) error {
	c.setStep(stepCheckPublication)
	exists, err := existsQuery(ctx, conn, fmt.Sprintf(
		"SELECT count(*) FROM pg_publication WHERE pubname = '%s'", c.cfg.Publication))
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if exists {
		return nil
	}

	c.setStep(stepCreatePublication)
	tables := make([]string, len(c.cfg.Tables))
	for i, t := range c.cfg.Tables {
		if strings.Contains(t, ".") {
			tables[i] = t
		} else {
			tables[i] = "public." + t
		}
	}
	sql := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		c.cfg.Publication, strings.Join(tables, ", "))
	if err := execSimple(ctx, conn, sql); err != nil {
		return fmt.Errorf("create publication: %w", err)
	}
	c.log.Info().Str("publication", c.cfg.Publication).Msg("Created publication")
	return nil
}

func (c *Connection) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	c.setStep(stepCheckReplicationSlot)
	exists, err := existsQuery(ctx, conn, fmt.Sprintf(
		"SELECT count(*) FROM pg_replication_slots WHERE slot_name = '%s'", c.cfg.Slot))
	if err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if exists {
		return nil
	}

	c.setStep(stepCreateSlot)
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT "%s" LOGICAL pgoutput NOEXPORT_SNAPSHOT`, c.cfg.Slot)
	if err := execSimple(ctx, conn, sql); err != nil {
		return fmt.Errorf("create replication slot: %w", err)
	}
	c.log.Info().Str("slot", c.cfg.Slot).Msg("Created replication slot")
	return nil
}

// startReplication issues START_REPLICATION and waits for the server to
// switch the session into CopyBoth mode. The command cannot go through
// the normal query path because it never completes.
func (c *Connection) startReplication(ctx context.Context, conn *pgconn.PgConn) error {
	c.setStep(stepStartReplicationSlot)
	sql := fmt.Sprintf(
		`START_REPLICATION SLOT "%s" LOGICAL 0/0 (proto_version '%d', publication_names '%s')`,
		c.cfg.Slot, c.cfg.ProtoVersion, c.cfg.Publication)

	conn.Frontend().Send(&pgproto3.Query{String: sql})
	if err := conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("send START_REPLICATION: %w", err)
	}

	for {
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("await CopyBothResponse: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyBothResponse:
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("START_REPLICATION failed: %s (%s)", m.Message, m.Code)
		case *pgproto3.NoticeResponse:
			// ignore
		default:
			return fmt.Errorf("unexpected message %T before CopyBothResponse", m)
		}
	}
}

func (c *Connection) stream(ctx context.Context, conn *pgconn.PgConn) error {
	c.setStep(stepStreaming)
	c.log.Info().
		Str("slot", c.cfg.Slot).
		Str("publication", c.cfg.Publication).
		Msg("Streaming replication events")

	for {
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("replication stream: %w", err)
		}
		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			if em, isErr := msg.(*pgproto3.ErrorResponse); isErr {
				return fmt.Errorf("replication stream error: %s (%s)", em.Message, em.Code)
			}
			continue
		}

		decoded, ok := DecodeCopyData(copyData.Data)
		if !ok {
			c.metrics.ReplicationMessages.WithLabelValues("undecodable").Inc()
			c.log.Warn().Int("bytes", len(copyData.Data)).Msg("Undecodable replication message")
			continue
		}

		switch m := decoded.(type) {
		case KeepAlive:
			c.metrics.ReplicationMessages.WithLabelValues("keepalive").Inc()
			if m.WALEnd > c.lastWAL {
				c.lastWAL = m.WALEnd
			}
			if m.ReplyRequested {
				if err := c.sendStandbyStatus(conn); err != nil {
					return err
				}
			}
		case XLogData:
			if m.WALEnd > c.lastWAL {
				c.lastWAL = m.WALEnd
			}
			c.handleWALMessage(m.Message)
		}
	}
}

// handleWALMessage updates relation state and forwards data messages.
// Calls into the handler are strictly serial, preserving WAL order.
func (c *Connection) handleWALMessage(msg WALMessage) {
	switch m := msg.(type) {
	case Relation:
		c.metrics.ReplicationMessages.WithLabelValues("relation").Inc()
		c.relations[m.ID] = m
	case Insert:
		c.metrics.ReplicationMessages.WithLabelValues("insert").Inc()
		if rel, ok := c.relations[m.RelationID]; ok {
			c.handler.HandleInsert(rel, m.New)
		} else {
			c.logUnknownRelation(m.RelationID)
		}
	case Update:
		c.metrics.ReplicationMessages.WithLabelValues("update").Inc()
		if rel, ok := c.relations[m.RelationID]; ok {
			c.handler.HandleUpdate(rel, m.Old, m.New)
		} else {
			c.logUnknownRelation(m.RelationID)
		}
	case Delete:
		c.metrics.ReplicationMessages.WithLabelValues("delete").Inc()
		if rel, ok := c.relations[m.RelationID]; ok {
			c.handler.HandleDelete(rel, m.Old)
		} else {
			c.logUnknownRelation(m.RelationID)
		}
	case Begin, Commit, Origin, Type, Truncate:
		c.metrics.ReplicationMessages.WithLabelValues("transaction").Inc()
	case Unsupported:
		c.metrics.ReplicationMessages.WithLabelValues("unsupported").Inc()
		c.log.Warn().Int("bytes", len(m.Data)).Msg("Unsupported replication message")
	}
}

func (c *Connection) logUnknownRelation(id uint32) {
	// Should not happen: the server always sends Relation before the first
	// data message of a relation.
	c.log.Warn().Uint32("relation_id", id).Msg("Data message for unknown relation")
}

// sendStandbyStatus acknowledges WAL through lastWAL. The position
// reported is one past the last byte processed.
func (c *Connection) sendStandbyStatus(conn *pgconn.PgConn) error {
	frame, err := standbyStatusUpdate(c.lastWAL+1, time.Now())
	if err != nil {
		return fmt.Errorf("encode standby status: %w", err)
	}
	if err := conn.Frontend().SendUnbufferedEncodedCopyData(frame); err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	return nil
}

// standbyStatusUpdate builds a Standby Status Update wrapped in a CopyData
// frame, ready for the wire. SendUnbufferedEncodedCopyData writes its
// argument verbatim, so the framing has to happen here.
func standbyStatusUpdate(ack uint64, clock time.Time) ([]byte, error) {
	buf := make([]byte, 0, 34)
	buf = append(buf, 'r')
	buf = appendUint64(buf, ack) // written
	buf = appendUint64(buf, ack) // flushed
	buf = appendUint64(buf, ack) // applied
	buf = appendUint64(buf, uint64(pgMicros(clock)))
	buf = append(buf, 1) // request server reply, keeps the session chatty

	return (&pgproto3.CopyData{Data: buf}).Encode(nil)
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// execSimple runs one SQL command over the simple query protocol, the
// only protocol a replication session accepts.
func execSimple(ctx context.Context, conn *pgconn.PgConn, sql string) error {
	_, err := conn.Exec(ctx, sql).ReadAll()
	return err
}

// existsQuery runs a count(*) query and reports whether the count is
// nonzero.
func existsQuery(ctx context.Context, conn *pgconn.PgConn, sql string) (bool, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) == 0 {
		return false, fmt.Errorf("empty result for %q", sql)
	}
	return string(results[0].Rows[0][0]) != "0", nil
}
