package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Op identifies the kind of message a frame carries.
type Op byte

const (
	OpError         Op = 0x00
	OpStartup       Op = 0x01
	OpReady         Op = 0x02
	OpAuthenticate  Op = 0x03
	OpOptions       Op = 0x05
	OpSupported     Op = 0x06
	OpQuery         Op = 0x07
	OpResult        Op = 0x08
	OpPrepare       Op = 0x09
	OpExecute       Op = 0x0A
	OpRegister      Op = 0x0B
	OpEvent         Op = 0x0C
	OpBatch         Op = 0x0D
	OpAuthChallenge Op = 0x0E
	OpAuthResponse  Op = 0x0F
	OpAuthSuccess   Op = 0x10
)

func (o Op) String() string {
	switch o {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	default:
		return fmt.Sprintf("UNKNOWN_OP_0x%02x", byte(o))
	}
}

// Frame header flags.
const (
	FlagCompressed byte = 0x01
	FlagTracing    byte = 0x02
	FlagChecksum   byte = 0x08
)

const (
	// ProtoVersion is the native protocol version this driver speaks.
	ProtoVersion = 4

	protoRequest  byte = 0x04
	protoResponse byte = 0x84

	// HeaderLen is the fixed size of a frame header on the wire.
	HeaderLen = 9

	checksumLen = 8

	// MaxFrameLen bounds the body length accepted from a peer. Anything
	// larger is treated as protocol desynchronization.
	MaxFrameLen = 256 * 1024 * 1024

	// EventStream is the stream id the server uses for unsolicited
	// event frames.
	EventStream int16 = -1
)

// Header is the decoded fixed-size prefix of a frame.
type Header struct {
	Version byte
	Flags   byte
	Stream  int16
	Op      Op
	Length  int32
}

func (h Header) String() string {
	return fmt.Sprintf("[header version=0x%02x flags=0x%02x stream=%d op=%s length=%d]",
		h.Version, h.Flags, h.Stream, h.Op, h.Length)
}

// Frame is one complete protocol message: a header plus its decoded
// (decompressed, checksum-stripped) body.
type Frame struct {
	Header Header
	Body   []byte
}

// MalformedFrameError reports a frame that cannot be decoded. Once raised
// the byte stream can no longer be trusted and the connection must close.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

func malformedf(format string, args ...interface{}) error {
	return &MalformedFrameError{Reason: fmt.Sprintf(format, args...)}
}

// Codec encodes requests and decodes responses for one connection. It is
// stateless per call; a zero Codec speaks plain uncompressed frames.
type Codec struct {
	// Compressor, when set, compresses request bodies above
	// CompressMinSize and decompresses response bodies carrying
	// FlagCompressed.
	Compressor Compressor

	// Checksum enables checksummed framing: an xxhash64 of the body is
	// appended to every frame and verified on decode.
	Checksum bool

	// CompressMinSize is the smallest body worth compressing. Zero means
	// compress everything when a Compressor is set.
	CompressMinSize int
}

// Encode builds a complete request frame for op on the given stream.
func (c *Codec) Encode(op Op, stream int16, body []byte) ([]byte, error) {
	var flags byte

	if c.Compressor != nil && len(body) >= c.CompressMinSize && len(body) > 0 {
		compressed, err := c.Compressor.Encode(body)
		if err != nil {
			return nil, err
		}
		body = compressed
		flags |= FlagCompressed
	}

	length := len(body)
	if c.Checksum {
		flags |= FlagChecksum
		length += checksumLen
	}
	if length > MaxFrameLen {
		return nil, malformedf("request body of %d bytes exceeds frame limit", length)
	}

	out := make([]byte, 0, HeaderLen+length)
	out = append(out, protoRequest, flags, byte(stream>>8), byte(stream), byte(op))
	out = binary.BigEndian.AppendUint32(out, uint32(length))
	out = append(out, body...)
	if c.Checksum {
		out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(body))
	}
	return out, nil
}

// Decode consumes buf and returns the first complete frame in it, along
// with the number of bytes consumed. A (nil, 0, nil) return means buf does
// not yet hold a complete frame and more bytes must be read. A
// *MalformedFrameError return is fatal to the connection.
func (c *Codec) Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, nil
	}

	hdr := Header{
		Version: buf[0],
		Flags:   buf[1],
		Stream:  int16(binary.BigEndian.Uint16(buf[2:4])),
		Op:      Op(buf[4]),
		Length:  int32(binary.BigEndian.Uint32(buf[5:9])),
	}
	if hdr.Version != protoResponse {
		return nil, 0, malformedf("unexpected version byte 0x%02x", hdr.Version)
	}
	if hdr.Length < 0 || hdr.Length > MaxFrameLen {
		return nil, 0, malformedf("frame length %d out of range", hdr.Length)
	}
	total := HeaderLen + int(hdr.Length)
	if len(buf) < total {
		return nil, 0, nil
	}

	body := buf[HeaderLen:total]

	if hdr.Flags&FlagChecksum != 0 {
		if len(body) < checksumLen {
			return nil, 0, malformedf("checksummed frame of %d bytes is too short", len(body))
		}
		payload := body[:len(body)-checksumLen]
		want := binary.BigEndian.Uint64(body[len(body)-checksumLen:])
		if got := xxhash.Sum64(payload); got != want {
			return nil, 0, malformedf("body checksum mismatch: got %016x want %016x", got, want)
		}
		body = payload
	}

	if hdr.Flags&FlagCompressed != 0 {
		if c.Compressor == nil {
			return nil, 0, malformedf("compressed frame received but no compressor configured")
		}
		decompressed, err := c.Compressor.Decode(body)
		if err != nil {
			return nil, 0, malformedf("decompressing body: %v", err)
		}
		body = decompressed
	} else {
		// The remaining buffer is reused for the next read, so the
		// frame must not alias it.
		body = append([]byte(nil), body...)
	}

	return &Frame{Header: hdr, Body: body}, total, nil
}
