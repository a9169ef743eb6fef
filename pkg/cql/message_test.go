package cql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankagan/cql-driver/pkg/frame"
)

func TestStartupOptions(t *testing.T) {
	r := frame.NewReader(Startup("snappy", true))
	n, err := r.ReadShort()
	require.NoError(t, err)
	opts := map[string]string{}
	for i := 0; i < int(n); i++ {
		k, err := r.ReadString()
		require.NoError(t, err)
		v, err := r.ReadString()
		require.NoError(t, err)
		opts[k] = v
	}
	assert.Equal(t, map[string]string{
		"CQL_VERSION": "3.0.0",
		"COMPRESSION": "snappy",
		"CHECKSUM":    "xxhash64",
	}, opts)
}

func TestQueryMarshal(t *testing.T) {
	q := &Query{
		Statement:   "SELECT * FROM ks.t WHERE k = ?",
		Values:      [][]byte{{0x01}},
		Consistency: LocalQuorum,
		PageSize:    100,
		PagingState: []byte("state"),
	}
	r := frame.NewReader(q.Marshal())

	stmt, err := r.ReadLongString()
	require.NoError(t, err)
	assert.Equal(t, q.Statement, stmt)

	cons, err := r.ReadShort()
	require.NoError(t, err)
	assert.Equal(t, LocalQuorum, Consistency(cons))

	flags, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01|0x04|0x08), flags)

	nvalues, err := r.ReadShort()
	require.NoError(t, err)
	require.Equal(t, uint16(1), nvalues)
	v, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, v)

	pageSize, err := r.ReadInt()
	require.NoError(t, err)
	assert.Equal(t, int32(100), pageSize)

	state, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), state)

	assert.Zero(t, r.Remaining())
}

func TestQueryMarshalBareStatement(t *testing.T) {
	q := &Query{Statement: "SELECT 1", Consistency: One}
	r := frame.NewReader(q.Marshal())

	_, err := r.ReadLongString()
	require.NoError(t, err)
	_, err = r.ReadShort()
	require.NoError(t, err)
	flags, err := r.ReadByte()
	require.NoError(t, err)
	assert.Zero(t, flags)
	assert.Zero(t, r.Remaining())
}

func TestParseResultVoid(t *testing.T) {
	var w frame.Buffer
	w.WriteInt(1)
	res, err := ParseResult(w.Bytes(), false)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.False(t, res.HasMorePages)
}

func TestParseResultRowsWithMetadata(t *testing.T) {
	var w frame.Buffer
	w.WriteInt(2)           // kind rows
	w.WriteInt(0x01 | 0x02) // global table spec, more pages
	w.WriteInt(2)           // columns
	w.WriteBytes([]byte("page2token"))
	w.WriteString("ks")
	w.WriteString("table")
	w.WriteString("a")
	w.WriteShort(0x0009) // int type
	w.WriteString("b")
	w.WriteShort(0x000D) // varchar
	w.WriteInt(2) // rows
	w.WriteBytes([]byte{0, 0, 0, 1})
	w.WriteBytes([]byte("one"))
	w.WriteBytes([]byte{0, 0, 0, 2})
	w.WriteBytes(nil)

	res, err := ParseResult(w.Bytes(), false)
	require.NoError(t, err)

	require.Len(t, res.Columns, 2)
	assert.Equal(t, Column{Keyspace: "ks", Table: "table", Name: "a"}, res.Columns[0])
	assert.Equal(t, "b", res.Columns[1].Name)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, []byte("one"), res.Rows[0][1])
	assert.Nil(t, res.Rows[1][1])

	assert.True(t, res.HasMorePages)
	assert.Equal(t, []byte("page2token"), res.PagingState)
}

func TestParseResultSkipsCollectionTypes(t *testing.T) {
	var w frame.Buffer
	w.WriteInt(2)
	w.WriteInt(0x01)
	w.WriteInt(1)
	w.WriteString("ks")
	w.WriteString("t")
	w.WriteString("m")
	w.WriteShort(0x0021) // map<varchar, list<int>>
	w.WriteShort(0x000D)
	w.WriteShort(0x0020)
	w.WriteShort(0x0009)
	w.WriteInt(1)
	w.WriteBytes([]byte("opaque"))

	res, err := ParseResult(w.Bytes(), false)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []byte("opaque"), res.Rows[0][0])
}

func TestParseErrorOverloaded(t *testing.T) {
	var w frame.Buffer
	w.WriteInt(ErrCodeOverloaded)
	w.WriteString("coordinator overloaded")

	se, err := ParseError(w.Bytes(), false)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeOverloaded, se.Code)
	assert.True(t, se.Recoverable())
	assert.False(t, se.Ambiguous())
}

func TestParseErrorWriteTimeout(t *testing.T) {
	var w frame.Buffer
	w.WriteInt(ErrCodeWriteTimeout)
	w.WriteString("write timed out")
	w.WriteShort(uint16(Quorum))
	w.WriteInt(1)
	w.WriteInt(2)
	w.WriteString("SIMPLE")

	se, err := ParseError(w.Bytes(), false)
	require.NoError(t, err)
	assert.Equal(t, Quorum, se.Consistency)
	assert.Equal(t, int32(1), se.Received)
	assert.Equal(t, int32(2), se.Required)
	assert.Equal(t, "SIMPLE", se.WriteType)
	assert.True(t, se.Recoverable())
	assert.True(t, se.Ambiguous())
}

func TestParseErrorSyntaxNotRecoverable(t *testing.T) {
	var w frame.Buffer
	w.WriteInt(ErrCodeSyntax)
	w.WriteString("line 1: no viable alternative")

	se, err := ParseError(w.Bytes(), false)
	require.NoError(t, err)
	assert.False(t, se.Recoverable())
}

func TestParseEventStatusChange(t *testing.T) {
	var w frame.Buffer
	w.WriteString(EventStatusChange)
	w.WriteString(ChangeDown)
	w.WriteUint8(4)
	for _, b := range []byte{192, 168, 1, 5} {
		w.WriteUint8(b)
	}
	w.WriteInt(9042)

	ev, err := ParseEvent(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, EventStatusChange, ev.Kind)
	assert.Equal(t, ChangeDown, ev.Change)
	assert.Equal(t, "192.168.1.5:9042", ev.Addr)
}

func TestParseEventSchemaChangeIgnored(t *testing.T) {
	var w frame.Buffer
	w.WriteString(EventSchemaChange)
	w.WriteString("CREATED")

	ev, err := ParseEvent(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, EventSchemaChange, ev.Kind)
	assert.Empty(t, ev.Addr)
}

func TestConsistencyParse(t *testing.T) {
	c, err := ParseConsistency("LOCAL_QUORUM")
	require.NoError(t, err)
	assert.Equal(t, LocalQuorum, c)
	assert.True(t, c.IsLocal())
	assert.False(t, Quorum.IsLocal())

	_, err = ParseConsistency("BOGUS")
	require.Error(t, err)
}
