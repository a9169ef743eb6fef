// Package conntest runs a minimal in-process node speaking just enough of
// the native protocol for connection, pool and session tests.
package conntest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/romankagan/cql-driver/pkg/frame"
)

// NoResponse makes the handler swallow a request, simulating a silent
// node.
const NoResponse frame.Op = 0xFF

// Handler scripts the server's reply to one request frame. Returning
// NoResponse suppresses the reply.
type Handler func(op frame.Op, body []byte) (frame.Op, []byte)

// Server is one fake node.
type Server struct {
	ln net.Listener

	mtx     sync.Mutex
	handler Handler
	conns   map[net.Conn]*sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewServer starts a fake node on a random loopback port. handler may be
// nil; unscripted queries get a void result.
func NewServer(handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:      ln,
		handler: handler,
		conns:   make(map[net.Conn]*sync.Mutex),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// SetHandler swaps the request handler.
func (s *Server) SetHandler(h Handler) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.handler = h
}

// Close stops the listener and severs every accepted connection.
func (s *Server) Close() {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mtx.Unlock()
	s.wg.Wait()
}

// DropConnections severs the accepted connections but keeps listening.
func (s *Server) DropConnections() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// NumConns is the number of currently accepted connections.
func (s *Server) NumConns() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.conns)
}

// Push sends an EVENT frame (stream -1) to every accepted connection.
func (s *Server) Push(body []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for c, wmu := range s.conns {
		writeFrame(c, wmu, frame.OpEvent, frame.EventStream, body)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		wmu := &sync.Mutex{}
		s.mtx.Lock()
		if s.closed {
			s.mtx.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = wmu
		s.mtx.Unlock()

		s.wg.Add(1)
		go s.serve(c, wmu)
	}
}

func (s *Server) serve(c net.Conn, wmu *sync.Mutex) {
	defer s.wg.Done()
	defer func() {
		s.mtx.Lock()
		delete(s.conns, c)
		s.mtx.Unlock()
		_ = c.Close()
	}()

	hdr := make([]byte, frame.HeaderLen)
	for {
		if _, err := io.ReadFull(c, hdr); err != nil {
			return
		}
		stream := int16(binary.BigEndian.Uint16(hdr[2:4]))
		op := frame.Op(hdr[4])
		length := int(binary.BigEndian.Uint32(hdr[5:9]))
		body := make([]byte, length)
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}

		switch op {
		case frame.OpStartup, frame.OpRegister:
			writeFrame(c, wmu, frame.OpReady, stream, nil)
		case frame.OpOptions:
			writeFrame(c, wmu, frame.OpSupported, stream, nil)
		default:
			s.mtx.Lock()
			h := s.handler
			s.mtx.Unlock()
			if h == nil {
				writeFrame(c, wmu, frame.OpResult, stream, VoidResult())
				continue
			}
			// Handlers may block to simulate slow nodes; each
			// request gets its own goroutine, like a real node
			// working streams concurrently.
			s.wg.Add(1)
			go func(op frame.Op, stream int16, body []byte) {
				defer s.wg.Done()
				respOp, respBody := h(op, body)
				if respOp == NoResponse {
					return
				}
				writeFrame(c, wmu, respOp, stream, respBody)
			}(op, stream, body)
		}
	}
}

func writeFrame(c net.Conn, wmu *sync.Mutex, op frame.Op, stream int16, body []byte) {
	buf := make([]byte, 0, frame.HeaderLen+len(body))
	buf = append(buf, 0x84, 0, byte(uint16(stream)>>8), byte(uint16(stream)), byte(op))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	wmu.Lock()
	defer wmu.Unlock()
	_, _ = c.Write(buf)
}

// SendRaw writes arbitrary bytes on every accepted connection, for
// protocol-desync tests.
func (s *Server) SendRaw(p []byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for c, wmu := range s.conns {
		wmu.Lock()
		_, _ = c.Write(p)
		wmu.Unlock()
	}
}
