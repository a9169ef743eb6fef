package conntest

import (
	"net"
	"strconv"

	"github.com/romankagan/cql-driver/pkg/frame"
)

// VoidResult builds a RESULT body of kind void.
func VoidResult() []byte {
	var w frame.Buffer
	w.WriteInt(1)
	return w.Bytes()
}

// RowsResult builds a RESULT body of kind rows with metadata suppressed.
// A non-nil pagingState marks the result as having more pages.
func RowsResult(rows [][][]byte, pagingState []byte) []byte {
	var w frame.Buffer
	w.WriteInt(2)

	flags := int32(0x04) // no metadata
	if pagingState != nil {
		flags |= 0x02
	}
	w.WriteInt(flags)
	cols := int32(0)
	if len(rows) > 0 {
		cols = int32(len(rows[0]))
	}
	w.WriteInt(cols)
	if pagingState != nil {
		w.WriteBytes(pagingState)
	}
	w.WriteInt(int32(len(rows)))
	for _, row := range rows {
		for _, cell := range row {
			w.WriteBytes(cell)
		}
	}
	return w.Bytes()
}

// ErrorResponse builds an ERROR body with just a code and message.
func ErrorResponse(code int32, msg string) []byte {
	var w frame.Buffer
	w.WriteInt(code)
	w.WriteString(msg)
	return w.Bytes()
}

// TimeoutError builds a read or write timeout ERROR body.
func TimeoutError(code int32, msg string, writeType string) []byte {
	var w frame.Buffer
	w.WriteInt(code)
	w.WriteString(msg)
	w.WriteShort(0x04) // QUORUM
	w.WriteInt(1)      // received
	w.WriteInt(2)      // required
	if writeType != "" {
		w.WriteString(writeType)
	} else {
		w.WriteUint8(0) // data_present
	}
	return w.Bytes()
}

// StatusEvent builds a STATUS_CHANGE or TOPOLOGY_CHANGE EVENT body for
// the given host:port address.
func StatusEvent(kind, change, addr string) []byte {
	var w frame.Buffer
	w.WriteString(kind)
	w.WriteString(change)
	host, port, _ := net.SplitHostPort(addr)
	ip := net.ParseIP(host).To4()
	if ip == nil {
		ip = net.ParseIP(host).To16()
	}
	w.WriteUint8(byte(len(ip)))
	for _, b := range ip {
		w.WriteUint8(b)
	}
	p, _ := strconv.Atoi(port)
	w.WriteInt(int32(p))
	return w.Bytes()
}
