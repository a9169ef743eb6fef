package cql

import (
	"github.com/google/uuid"

	"github.com/romankagan/cql-driver/pkg/frame"
)

// Query flag bits in the QUERY message body.
const (
	queryFlagValues            byte = 0x01
	queryFlagPageSize          byte = 0x04
	queryFlagWithPagingState   byte = 0x08
	queryFlagSerialConsistency byte = 0x10
	queryFlagDefaultTimestamp  byte = 0x20
)

// Startup builds the STARTUP message body. compression is the compressor
// name, or empty for none; checksums asks the server for checksummed
// framing.
func Startup(compression string, checksums bool) []byte {
	opts := map[string]string{
		"CQL_VERSION": "3.0.0",
	}
	if compression != "" {
		opts["COMPRESSION"] = compression
	}
	if checksums {
		opts["CHECKSUM"] = "xxhash64"
	}
	var w frame.Buffer
	w.WriteStringMap(opts)
	return w.Bytes()
}

// Register builds the REGISTER message body subscribing to the given event
// kinds.
func Register(kinds ...string) []byte {
	var w frame.Buffer
	w.WriteStringList(kinds)
	return w.Bytes()
}

// Query carries one statement execution request.
type Query struct {
	Statement         string
	Values            [][]byte
	Consistency       Consistency
	SerialConsistency Consistency
	PageSize          int32
	PagingState       []byte
	DefaultTimestamp  int64
}

// Marshal encodes the QUERY message body.
func (q *Query) Marshal() []byte {
	var w frame.Buffer
	w.WriteLongString(q.Statement)
	w.WriteShort(uint16(q.Consistency))

	var flags byte
	if len(q.Values) > 0 {
		flags |= queryFlagValues
	}
	if q.PageSize > 0 {
		flags |= queryFlagPageSize
	}
	if len(q.PagingState) > 0 {
		flags |= queryFlagWithPagingState
	}
	if q.SerialConsistency != 0 {
		flags |= queryFlagSerialConsistency
	}
	if q.DefaultTimestamp != 0 {
		flags |= queryFlagDefaultTimestamp
	}
	w.WriteUint8(flags)

	if flags&queryFlagValues != 0 {
		w.WriteShort(uint16(len(q.Values)))
		for _, v := range q.Values {
			w.WriteBytes(v)
		}
	}
	if flags&queryFlagPageSize != 0 {
		w.WriteInt(q.PageSize)
	}
	if flags&queryFlagWithPagingState != 0 {
		w.WriteBytes(q.PagingState)
	}
	if flags&queryFlagSerialConsistency != 0 {
		w.WriteShort(uint16(q.SerialConsistency))
	}
	if flags&queryFlagDefaultTimestamp != 0 {
		w.WriteLong(q.DefaultTimestamp)
	}
	return w.Bytes()
}

// Result kinds.
const (
	resultKindVoid         int32 = 1
	resultKindRows         int32 = 2
	resultKindSetKeyspace  int32 = 3
	resultKindPrepared     int32 = 4
	resultKindSchemaChange int32 = 5
)

// Rows metadata flags.
const (
	rowsFlagGlobalTableSpec int32 = 0x01
	rowsFlagHasMorePages    int32 = 0x02
	rowsFlagNoMetadata      int32 = 0x04
)

// Column type option ids needing recursive skipping.
const (
	optionCustom int32 = 0x0000
	optionList   int32 = 0x0020
	optionMap    int32 = 0x0021
	optionSet    int32 = 0x0022
	optionUDT    int32 = 0x0030
	optionTuple  int32 = 0x0031
)

// Column describes one column of a rows result. The type is left opaque;
// cell decoding is owned by the codec-registry collaborator.
type Column struct {
	Keyspace string
	Table    string
	Name     string
}

// Result is a parsed RESULT frame.
type Result struct {
	Columns      []Column
	Rows         [][][]byte
	PagingState  []byte
	HasMorePages bool
	Keyspace     string
	TracingID    uuid.UUID
}

// ParseResult parses a RESULT frame body. tracing indicates the frame
// carried the tracing flag, in which case the body is prefixed with a
// tracing id.
func ParseResult(body []byte, tracing bool) (*Result, error) {
	r := frame.NewReader(body)
	res := &Result{}

	if tracing {
		id, err := r.ReadUUID()
		if err != nil {
			return nil, err
		}
		res.TracingID = id
	}

	kind, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	switch kind {
	case resultKindVoid, resultKindSchemaChange, resultKindPrepared:
		return res, nil
	case resultKindSetKeyspace:
		ks, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		res.Keyspace = ks
		return res, nil
	case resultKindRows:
		return res, parseRows(r, res)
	default:
		return nil, &frame.MalformedFrameError{Reason: "unknown result kind"}
	}
}

func parseRows(r *frame.Reader, res *Result) error {
	flags, err := r.ReadInt()
	if err != nil {
		return err
	}
	columnCount, err := r.ReadInt()
	if err != nil {
		return err
	}

	if flags&rowsFlagHasMorePages != 0 {
		res.HasMorePages = true
		if res.PagingState, err = r.ReadBytes(); err != nil {
			return err
		}
	}

	if flags&rowsFlagNoMetadata == 0 {
		var globalKs, globalTable string
		if flags&rowsFlagGlobalTableSpec != 0 {
			if globalKs, err = r.ReadString(); err != nil {
				return err
			}
			if globalTable, err = r.ReadString(); err != nil {
				return err
			}
		}
		res.Columns = make([]Column, 0, columnCount)
		for i := int32(0); i < columnCount; i++ {
			col := Column{Keyspace: globalKs, Table: globalTable}
			if flags&rowsFlagGlobalTableSpec == 0 {
				if col.Keyspace, err = r.ReadString(); err != nil {
					return err
				}
				if col.Table, err = r.ReadString(); err != nil {
					return err
				}
			}
			if col.Name, err = r.ReadString(); err != nil {
				return err
			}
			if err = skipTypeOption(r); err != nil {
				return err
			}
			res.Columns = append(res.Columns, col)
		}
	}

	rowCount, err := r.ReadInt()
	if err != nil {
		return err
	}
	res.Rows = make([][][]byte, 0, rowCount)
	for i := int32(0); i < rowCount; i++ {
		row := make([][]byte, 0, columnCount)
		for j := int32(0); j < columnCount; j++ {
			cell, err := r.ReadBytes()
			if err != nil {
				return err
			}
			row = append(row, cell)
		}
		res.Rows = append(res.Rows, row)
	}
	return nil
}

// skipTypeOption advances past one column type option. Cell encodings are
// out of scope here, but the metadata has to be walked to reach row
// content.
func skipTypeOption(r *frame.Reader) error {
	id, err := r.ReadShort()
	if err != nil {
		return err
	}
	switch int32(id) {
	case optionCustom:
		_, err = r.ReadString()
		return err
	case optionList, optionSet:
		return skipTypeOption(r)
	case optionMap:
		if err = skipTypeOption(r); err != nil {
			return err
		}
		return skipTypeOption(r)
	case optionUDT:
		if _, err = r.ReadString(); err != nil { // keyspace
			return err
		}
		if _, err = r.ReadString(); err != nil { // type name
			return err
		}
		n, err := r.ReadShort()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			if _, err = r.ReadString(); err != nil {
				return err
			}
			if err = skipTypeOption(r); err != nil {
				return err
			}
		}
		return nil
	case optionTuple:
		n, err := r.ReadShort()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			if err = skipTypeOption(r); err != nil {
				return err
			}
		}
		return nil
	default:
		// Primitive types carry no extra payload.
		return nil
	}
}

// ParseError parses an ERROR frame body into a ServerError.
func ParseError(body []byte, tracing bool) (*ServerError, error) {
	r := frame.NewReader(body)
	if tracing {
		if _, err := r.ReadUUID(); err != nil {
			return nil, err
		}
	}
	code, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	se := &ServerError{Code: code, Message: msg}

	switch code {
	case ErrCodeUnavailable:
		cons, err := r.ReadShort()
		if err != nil {
			return nil, err
		}
		se.Consistency = Consistency(cons)
		if se.Required, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if se.Received, err = r.ReadInt(); err != nil {
			return nil, err
		}
	case ErrCodeReadTimeout:
		cons, err := r.ReadShort()
		if err != nil {
			return nil, err
		}
		se.Consistency = Consistency(cons)
		if se.Received, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if se.Required, err = r.ReadInt(); err != nil {
			return nil, err
		}
		present, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		se.DataPresent = present != 0
	case ErrCodeWriteTimeout:
		cons, err := r.ReadShort()
		if err != nil {
			return nil, err
		}
		se.Consistency = Consistency(cons)
		if se.Received, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if se.Required, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if se.WriteType, err = r.ReadString(); err != nil {
			return nil, err
		}
	}
	return se, nil
}

// Event kinds and change types carried by EVENT frames.
const (
	EventTopologyChange = "TOPOLOGY_CHANGE"
	EventStatusChange   = "STATUS_CHANGE"
	EventSchemaChange   = "SCHEMA_CHANGE"

	ChangeNewNode     = "NEW_NODE"
	ChangeRemovedNode = "REMOVED_NODE"
	ChangeUp          = "UP"
	ChangeDown        = "DOWN"
)

// Event is a server-pushed topology or status notification.
type Event struct {
	Kind   string
	Change string
	Addr   string
}

// ParseEvent parses an EVENT frame body. Schema change events are reported
// with an empty Addr; their payload belongs to the schema subsystem and is
// not parsed here.
func ParseEvent(body []byte) (*Event, error) {
	r := frame.NewReader(body)
	kind, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	ev := &Event{Kind: kind}
	if kind == EventSchemaChange {
		return ev, nil
	}
	if ev.Change, err = r.ReadString(); err != nil {
		return nil, err
	}
	if ev.Addr, err = r.ReadInet(); err != nil {
		return nil, err
	}
	return ev, nil
}
