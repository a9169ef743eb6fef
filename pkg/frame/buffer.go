package frame

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Buffer accumulates a frame body using the protocol's primitive notations
// ([int], [short], [string], [long string], [bytes], ...).
type Buffer struct {
	b []byte
}

func (w *Buffer) Bytes() []byte { return w.b }

func (w *Buffer) WriteUint8(v byte) { w.b = append(w.b, v) }

func (w *Buffer) WriteShort(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }

func (w *Buffer) WriteInt(v int32) { w.b = binary.BigEndian.AppendUint32(w.b, uint32(v)) }

func (w *Buffer) WriteLong(v int64) { w.b = binary.BigEndian.AppendUint64(w.b, uint64(v)) }

func (w *Buffer) WriteString(s string) {
	w.WriteShort(uint16(len(s)))
	w.b = append(w.b, s...)
}

func (w *Buffer) WriteLongString(s string) {
	w.WriteInt(int32(len(s)))
	w.b = append(w.b, s...)
}

// WriteBytes writes an [bytes] value; nil encodes as length -1.
func (w *Buffer) WriteBytes(p []byte) {
	if p == nil {
		w.WriteInt(-1)
		return
	}
	w.WriteInt(int32(len(p)))
	w.b = append(w.b, p...)
}

func (w *Buffer) WriteShortBytes(p []byte) {
	w.WriteShort(uint16(len(p)))
	w.b = append(w.b, p...)
}

func (w *Buffer) WriteStringMap(m map[string]string) {
	w.WriteShort(uint16(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

func (w *Buffer) WriteStringList(l []string) {
	w.WriteShort(uint16(len(l)))
	for _, s := range l {
		w.WriteString(s)
	}
}

// Reader consumes a frame body. All methods fail with a
// *MalformedFrameError once the body is shorter than the notation demands.
type Reader struct {
	b []byte
}

func NewReader(body []byte) *Reader { return &Reader{b: body} }

func (r *Reader) Remaining() int { return len(r.b) }

func (r *Reader) take(n int) ([]byte, error) {
	if len(r.b) < n {
		return nil, malformedf("body truncated: need %d bytes, have %d", n, len(r.b))
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p, nil
}

func (r *Reader) ReadByte() (byte, error) {
	p, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (r *Reader) ReadShort() (uint16, error) {
	p, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (r *Reader) ReadInt() (int32, error) {
	p, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return "", err
	}
	p, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (r *Reader) ReadLongString() (string, error) {
	n, err := r.ReadInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", malformedf("negative long string length %d", n)
	}
	p, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadBytes reads an [bytes] value; a negative length yields nil.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	p, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (r *Reader) ReadShortBytes() ([]byte, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	p, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (r *Reader) ReadStringList() ([]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Reader) ReadStringMultiMap() (map[string][]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, n)
	for i := 0; i < int(n); i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadStringList()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// ReadUUID reads a 16-byte uuid value.
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	p, err := r.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(p)
	if err != nil {
		return uuid.Nil, malformedf("invalid uuid: %v", err)
	}
	return id, nil
}

// ReadInet reads an [inet] value: one size byte, the address, an int port.
func (r *Reader) ReadInet() (string, error) {
	size, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if size != 4 && size != 16 {
		return "", malformedf("invalid inet address size %d", size)
	}
	addr, err := r.take(int(size))
	if err != nil {
		return "", err
	}
	port, err := r.ReadInt()
	if err != nil {
		return "", err
	}
	ip := net.IP(append([]byte(nil), addr...))
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port)), nil
}
