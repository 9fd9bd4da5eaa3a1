// Package replication consumes the PostgreSQL logical replication stream:
// a total decoder for the pgoutput protocol, a connection state machine
// over a CopyBoth streaming session, and a supervisor that keeps exactly
// one connection alive cluster-wide.
package replication

import (
	"encoding/binary"
	"time"
)

// Replication message tags from the streaming protocol and the pgoutput
// plugin, protocol version 1.
const (
	tagKeepAlive = 'k'
	tagXLogData  = 'w'

	tagBegin    = 'B'
	tagCommit   = 'C'
	tagOrigin   = 'O'
	tagRelation = 'R'
	tagType     = 'Y'
	tagInsert   = 'I'
	tagUpdate   = 'U'
	tagDelete   = 'D'
	tagTruncate = 'T'
)

// postgresEpoch is the zero point of replication protocol timestamps.
var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// KeepAlive is a server liveness probe. ReplyRequested means the server
// wants a StandbyStatusUpdate immediately.
type KeepAlive struct {
	WALEnd         uint64
	ServerClock    time.Time
	ReplyRequested bool
}

// XLogData carries one pgoutput message at a WAL position.
type XLogData struct {
	WALStart    uint64
	WALEnd      uint64
	ServerClock time.Time
	Message     WALMessage
}

// WALMessage is a decoded pgoutput payload. Begin, Commit, Origin, Type
// and Truncate carry no data the event bus needs; they exist so the
// decoder stays total over a full transaction stream.
type WALMessage interface {
	walMessage()
}

type Begin struct {
	FinalLSN  uint64
	Timestamp time.Time
	XID       uint32
}

type Commit struct {
	CommitLSN uint64
	EndLSN    uint64
	Timestamp time.Time
}

type Origin struct {
	CommitLSN uint64
	Name      string
}

// Type announces a composite or custom column type. State-only.
type Type struct {
	ID        uint32
	Namespace string
	Name      string
}

// Column describes one column of a published relation.
type Column struct {
	Flags    uint8
	Name     string
	TypeOID  uint32
	Modifier int32
}

// Relation maps a relation id to its schema. The server sends it before
// the first data message of each relation and after schema changes.
type Relation struct {
	ID        uint32
	Namespace string
	Name      string
	Columns   []Column
}

// TupleColumn is one column value within a tuple. Kind 'n' is SQL NULL,
// 'u' is an unchanged TOASTed value, 't' is text data.
type TupleColumn struct {
	Kind byte
	Data []byte
}

// TupleData is one row image.
type TupleData struct {
	Columns []TupleColumn
}

type Insert struct {
	RelationID uint32
	New        TupleData
}

// Update carries the old row image only when the relation's replica
// identity includes it.
type Update struct {
	RelationID uint32
	Old        *TupleData
	New        TupleData
}

type Delete struct {
	RelationID uint32
	Old        TupleData
}

type Truncate struct {
	RelationIDs []uint32
}

// Unsupported wraps any payload the decoder does not understand,
// including truncated ones. It is logged and ignored downstream.
type Unsupported struct {
	Data []byte
}

func (Begin) walMessage()       {}
func (Commit) walMessage()      {}
func (Origin) walMessage()      {}
func (Type) walMessage()        {}
func (Relation) walMessage()    {}
func (Insert) walMessage()      {}
func (Update) walMessage()      {}
func (Delete) walMessage()      {}
func (Truncate) walMessage()    {}
func (Unsupported) walMessage() {}

// DecodeCopyData decodes one CopyData payload from the streaming
// replication protocol. It returns a KeepAlive, an XLogData, or an
// XLogData wrapping Unsupported; it never panics on malformed input.
func DecodeCopyData(data []byte) (any, bool) {
	if len(data) == 0 {
		return nil, false
	}
	switch data[0] {
	case tagKeepAlive:
		r := reader{buf: data[1:], ok: true}
		walEnd := r.uint64()
		clock := r.int64()
		reply := r.byte()
		if !r.ok {
			return nil, false
		}
		return KeepAlive{
			WALEnd:         walEnd,
			ServerClock:    pgTime(clock),
			ReplyRequested: reply != 0,
		}, true
	case tagXLogData:
		r := reader{buf: data[1:], ok: true}
		walStart := r.uint64()
		walEnd := r.uint64()
		clock := r.int64()
		if !r.ok {
			return nil, false
		}
		return XLogData{
			WALStart:    walStart,
			WALEnd:      walEnd,
			ServerClock: pgTime(clock),
			Message:     decodeWALMessage(r.rest()),
		}, true
	default:
		return nil, false
	}
}

// decodeWALMessage decodes a pgoutput payload. Total: anything
// unrecognized or truncated comes back as Unsupported.
func decodeWALMessage(data []byte) WALMessage {
	if len(data) == 0 {
		return Unsupported{Data: data}
	}
	r := reader{buf: data[1:], ok: true}
	switch data[0] {
	case tagBegin:
		m := Begin{}
		m.FinalLSN = r.uint64()
		ts := r.int64()
		m.XID = r.uint32()
		if !r.ok {
			return Unsupported{Data: data}
		}
		m.Timestamp = pgTime(ts)
		return m
	case tagCommit:
		r.byte() // flags, unused
		m := Commit{}
		m.CommitLSN = r.uint64()
		m.EndLSN = r.uint64()
		ts := r.int64()
		if !r.ok {
			return Unsupported{Data: data}
		}
		m.Timestamp = pgTime(ts)
		return m
	case tagOrigin:
		m := Origin{}
		m.CommitLSN = r.uint64()
		m.Name = r.cstring()
		if !r.ok {
			return Unsupported{Data: data}
		}
		return m
	case tagType:
		m := Type{}
		m.ID = r.uint32()
		m.Namespace = r.cstring()
		m.Name = r.cstring()
		if !r.ok {
			return Unsupported{Data: data}
		}
		return m
	case tagRelation:
		m := Relation{}
		m.ID = r.uint32()
		m.Namespace = r.cstring()
		m.Name = r.cstring()
		r.byte() // replica identity, unused
		n := int(r.uint16())
		if !r.ok {
			return Unsupported{Data: data}
		}
		m.Columns = make([]Column, 0, n)
		for i := 0; i < n; i++ {
			col := Column{
				Flags:    r.byte(),
				Name:     r.cstring(),
				TypeOID:  r.uint32(),
				Modifier: int32(r.uint32()),
			}
			if !r.ok {
				return Unsupported{Data: data}
			}
			m.Columns = append(m.Columns, col)
		}
		return m
	case tagInsert:
		m := Insert{}
		m.RelationID = r.uint32()
		if r.byte() != 'N' {
			return Unsupported{Data: data}
		}
		tuple, ok := decodeTuple(&r)
		if !r.ok || !ok {
			return Unsupported{Data: data}
		}
		m.New = tuple
		return m
	case tagUpdate:
		m := Update{}
		m.RelationID = r.uint32()
		kind := r.byte()
		if kind == 'K' || kind == 'O' {
			old, ok := decodeTuple(&r)
			if !r.ok || !ok {
				return Unsupported{Data: data}
			}
			m.Old = &old
			kind = r.byte()
		}
		if kind != 'N' {
			return Unsupported{Data: data}
		}
		tuple, ok := decodeTuple(&r)
		if !r.ok || !ok {
			return Unsupported{Data: data}
		}
		m.New = tuple
		return m
	case tagDelete:
		m := Delete{}
		m.RelationID = r.uint32()
		kind := r.byte()
		if kind != 'K' && kind != 'O' {
			return Unsupported{Data: data}
		}
		tuple, ok := decodeTuple(&r)
		if !r.ok || !ok {
			return Unsupported{Data: data}
		}
		m.Old = tuple
		return m
	case tagTruncate:
		n := int(r.uint32())
		r.byte() // options, unused
		if !r.ok || n < 0 {
			return Unsupported{Data: data}
		}
		m := Truncate{RelationIDs: make([]uint32, 0, n)}
		for i := 0; i < n; i++ {
			id := r.uint32()
			if !r.ok {
				return Unsupported{Data: data}
			}
			m.RelationIDs = append(m.RelationIDs, id)
		}
		return m
	default:
		return Unsupported{Data: data}
	}
}

func decodeTuple(r *reader) (TupleData, bool) {
	n := int(r.uint16())
	if !r.ok {
		return TupleData{}, false
	}
	tuple := TupleData{Columns: make([]TupleColumn, 0, n)}
	for i := 0; i < n; i++ {
		kind := r.byte()
		switch kind {
		case 'n', 'u':
			tuple.Columns = append(tuple.Columns, TupleColumn{Kind: kind})
		case 't':
			size := int(r.uint32())
			data := r.bytes(size)
			if !r.ok {
				return TupleData{}, false
			}
			tuple.Columns = append(tuple.Columns, TupleColumn{Kind: kind, Data: data})
		default:
			return TupleData{}, false
		}
		if !r.ok {
			return TupleData{}, false
		}
	}
	return tuple, true
}

func pgTime(micros int64) time.Time {
	return postgresEpoch.Add(time.Duration(micros) * time.Microsecond)
}

// pgMicros is the inverse of pgTime, used for StandbyStatusUpdate clocks.
func pgMicros(t time.Time) int64 {
	return t.Sub(postgresEpoch).Microseconds()
}

// reader is a bounds-checked cursor. After any out-of-range read it sets
// ok=false and returns zero values, so decode paths can check once.
type reader struct {
	buf []byte
	pos int
	ok  bool
}

func (r *reader) byte() byte {
	if r.pos+1 > len(r.buf) {
		r.ok = false
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) bytes(n int) []byte {
	if n < 0 || r.pos+n > len(r.buf) {
		r.ok = false
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if !r.ok {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if !r.ok {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if !r.ok {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) int64() int64 {
	return int64(r.uint64())
}

func (r *reader) cstring() string {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s
		}
	}
	r.ok = false
	return ""
}

func (r *reader) rest() []byte {
	return r.buf[r.pos:]
}
