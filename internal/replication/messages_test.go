package replication

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func u32(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }
func u64(v uint64) []byte { b := make([]byte, 8); binary.BigEndian.PutUint64(b, v); return b }

func cstr(s string) []byte { return append([]byte(s), 0) }

// textColumn encodes one 't' tuple column.
func textColumn(s string) []byte {
	b := []byte{'t'}
	b = append(b, u32(uint32(len(s)))...)
	return append(b, s...)
}

func TestDecodeKeepAlive(t *testing.T) {
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	data := []byte{'k'}
	data = append(data, u64(12345)...)
	data = append(data, u64(uint64(pgMicros(clock)))...)
	data = append(data, 1)

	decoded, ok := DecodeCopyData(data)
	require.True(t, ok)
	ka, isKA := decoded.(KeepAlive)
	require.True(t, isKA)
	assert.Equal(t, uint64(12345), ka.WALEnd)
	assert.True(t, ka.ReplyRequested)
	assert.True(t, ka.ServerClock.Equal(clock))
}

func TestDecodeKeepAliveNoReply(t *testing.T) {
	data := []byte{'k'}
	data = append(data, u64(1)...)
	data = append(data, u64(0)...)
	data = append(data, 0)

	decoded, ok := DecodeCopyData(data)
	require.True(t, ok)
	assert.False(t, decoded.(KeepAlive).ReplyRequested)
}

func xlog(payload []byte) []byte {
	data := []byte{'w'}
	data = append(data, u64(100)...)
	data = append(data, u64(200)...)
	data = append(data, u64(0)...)
	return append(data, payload...)
}

func TestDecodeRelation(t *testing.T) {
	payload := []byte{'R'}
	payload = append(payload, u32(16385)...)
	payload = append(payload, cstr("public")...)
	payload = append(payload, cstr("tokens")...)
	payload = append(payload, 'd') // replica identity
	payload = append(payload, u16(2)...)
	payload = append(payload, 1) // key column flag
	payload = append(payload, cstr("id")...)
	payload = append(payload, u32(2950)...) // uuid oid
	payload = append(payload, u32(0xFFFFFFFF)...)
	payload = append(payload, 0)
	payload = append(payload, cstr("deleted_at")...)
	payload = append(payload, u32(1184)...) // timestamptz oid
	payload = append(payload, u32(0xFFFFFFFF)...)

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	x := decoded.(XLogData)
	assert.Equal(t, uint64(100), x.WALStart)
	assert.Equal(t, uint64(200), x.WALEnd)

	rel, isRel := x.Message.(Relation)
	require.True(t, isRel)
	assert.Equal(t, uint32(16385), rel.ID)
	assert.Equal(t, "public", rel.Namespace)
	assert.Equal(t, "tokens", rel.Name)
	require.Len(t, rel.Columns, 2)
	assert.Equal(t, "id", rel.Columns[0].Name)
	assert.Equal(t, uint32(2950), rel.Columns[0].TypeOID)
	assert.Equal(t, "deleted_at", rel.Columns[1].Name)
	assert.Equal(t, int32(-1), rel.Columns[1].Modifier)
}

func TestDecodeInsert(t *testing.T) {
	payload := []byte{'I'}
	payload = append(payload, u32(16385)...)
	payload = append(payload, 'N')
	payload = append(payload, u16(3)...)
	payload = append(payload, textColumn("row-1")...)
	payload = append(payload, 'n') // NULL
	payload = append(payload, 'u') // unchanged TOAST

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	ins, isInsert := decoded.(XLogData).Message.(Insert)
	require.True(t, isInsert)
	assert.Equal(t, uint32(16385), ins.RelationID)
	require.Len(t, ins.New.Columns, 3)
	assert.Equal(t, byte('t'), ins.New.Columns[0].Kind)
	assert.Equal(t, "row-1", string(ins.New.Columns[0].Data))
	assert.Equal(t, byte('n'), ins.New.Columns[1].Kind)
	assert.Equal(t, byte('u'), ins.New.Columns[2].Kind)
}

func TestDecodeUpdateWithOldTuple(t *testing.T) {
	payload := []byte{'U'}
	payload = append(payload, u32(7)...)
	payload = append(payload, 'O')
	payload = append(payload, u16(1)...)
	payload = append(payload, textColumn("before")...)
	payload = append(payload, 'N')
	payload = append(payload, u16(1)...)
	payload = append(payload, textColumn("after")...)

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	upd, isUpdate := decoded.(XLogData).Message.(Update)
	require.True(t, isUpdate)
	require.NotNil(t, upd.Old)
	assert.Equal(t, "before", string(upd.Old.Columns[0].Data))
	assert.Equal(t, "after", string(upd.New.Columns[0].Data))
}

func TestDecodeUpdateWithoutOldTuple(t *testing.T) {
	payload := []byte{'U'}
	payload = append(payload, u32(7)...)
	payload = append(payload, 'N')
	payload = append(payload, u16(1)...)
	payload = append(payload, textColumn("after")...)

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	upd := decoded.(XLogData).Message.(Update)
	assert.Nil(t, upd.Old)
	assert.Equal(t, "after", string(upd.New.Columns[0].Data))
}

func TestDecodeDelete(t *testing.T) {
	payload := []byte{'D'}
	payload = append(payload, u32(7)...)
	payload = append(payload, 'K')
	payload = append(payload, u16(1)...)
	payload = append(payload, textColumn("key")...)

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	del, isDelete := decoded.(XLogData).Message.(Delete)
	require.True(t, isDelete)
	assert.Equal(t, "key", string(del.Old.Columns[0].Data))
}

func TestDecodeBeginAndCommitAreStateOnly(t *testing.T) {
	begin := []byte{'B'}
	begin = append(begin, u64(500)...)
	begin = append(begin, u64(0)...)
	begin = append(begin, u32(42)...)
	decoded, ok := DecodeCopyData(xlog(begin))
	require.True(t, ok)
	b, isBegin := decoded.(XLogData).Message.(Begin)
	require.True(t, isBegin)
	assert.Equal(t, uint64(500), b.FinalLSN)
	assert.Equal(t, uint32(42), b.XID)

	commit := []byte{'C', 0}
	commit = append(commit, u64(500)...)
	commit = append(commit, u64(501)...)
	commit = append(commit, u64(0)...)
	decoded, ok = DecodeCopyData(xlog(commit))
	require.True(t, ok)
	_, isCommit := decoded.(XLogData).Message.(Commit)
	assert.True(t, isCommit)
}

func TestDecodeTruncate(t *testing.T) {
	payload := []byte{'T'}
	payload = append(payload, u32(2)...)
	payload = append(payload, 0)
	payload = append(payload, u32(10)...)
	payload = append(payload, u32(11)...)

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	tr, isTruncate := decoded.(XLogData).Message.(Truncate)
	require.True(t, isTruncate)
	assert.Equal(t, []uint32{10, 11}, tr.RelationIDs)
}

func TestDecodeUnknownTagIsUnsupported(t *testing.T) {
	payload := []byte{'Z', 1, 2, 3}
	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	unsup, isUnsupported := decoded.(XLogData).Message.(Unsupported)
	require.True(t, isUnsupported)
	assert.Equal(t, payload, unsup.Data)
}

func TestDecodeTruncatedPayloadIsUnsupported(t *testing.T) {
	// Insert header but the tuple is cut off mid-column.
	payload := []byte{'I'}
	payload = append(payload, u32(7)...)
	payload = append(payload, 'N')
	payload = append(payload, u16(2)...)
	payload = append(payload, 't')
	payload = append(payload, u32(100)...) // claims 100 bytes, none follow

	decoded, ok := DecodeCopyData(xlog(payload))
	require.True(t, ok)
	_, isUnsupported := decoded.(XLogData).Message.(Unsupported)
	assert.True(t, isUnsupported)
}

func TestDecodeGarbageNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{'k'},
		{'w'},
		{'w', 1, 2, 3},
		{'x', 0xFF},
		append([]byte{'k'}, make([]byte, 5)...),
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { DecodeCopyData(in) })
	}
}

func TestPgTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)
	assert.True(t, pgTime(pgMicros(at)).Equal(at))
	assert.Equal(t, postgresEpoch, pgTime(0))
}
