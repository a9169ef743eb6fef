package conn_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankagan/cql-driver/pkg/conn"
	"github.com/romankagan/cql-driver/pkg/conn/conntest"
	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/frame"
)

func dialTest(t *testing.T, srv *conntest.Server, opts conn.Options) *conn.Conn {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := conn.Dial(ctx, srv.Addr(), time.Second, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(nil) })
	return c
}

func TestExecRoundTrip(t *testing.T) {
	srv, err := conntest.NewServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	c := dialTest(t, srv, conn.Options{})
	f, err := c.Exec(context.Background(), frame.OpQuery, (&cql.Query{Statement: "SELECT 1"}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, frame.OpResult, f.Header.Op)
}

func TestExecMultiplexesStreams(t *testing.T) {
	// Respond with each request's own body so replies can be matched to
	// requests even when the server interleaves them.
	gate := make(chan struct{})
	srv, err := conntest.NewServer(func(op frame.Op, body []byte) (frame.Op, []byte) {
		<-gate
		return frame.OpResult, body
	})
	require.NoError(t, err)
	defer srv.Close()

	c := dialTest(t, srv, conn.Options{})

	const n = 16
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := c.Exec(context.Background(), frame.OpQuery, []byte{byte(i)})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = f.Body
		}(i)
	}

	// All requests must be in flight concurrently before any response.
	require.Eventually(t, func() bool { return c.Inflight() == n }, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte{byte(i)}, results[i], "response %d routed to wrong caller", i)
	}
	assert.Zero(t, c.Inflight())
}

func TestExecNoFreeStreams(t *testing.T) {
	gate := make(chan struct{})
	srv, err := conntest.NewServer(func(op frame.Op, body []byte) (frame.Op, []byte) {
		<-gate
		return frame.OpResult, conntest.VoidResult()
	})
	require.NoError(t, err)
	defer srv.Close()

	c := dialTest(t, srv, conn.Options{MaxStreams: 1})

	done := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), frame.OpQuery, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Inflight() == 1 }, 2*time.Second, time.Millisecond)

	_, err = c.Exec(context.Background(), frame.OpQuery, nil)
	assert.ErrorIs(t, err, conn.ErrNoStreams)

	close(gate)
	require.NoError(t, <-done)
}

func TestCancelledStreamIsNotReusedUntilLateResponse(t *testing.T) {
	release := make(chan struct{})
	srv, err := conntest.NewServer(func(op frame.Op, body []byte) (frame.Op, []byte) {
		<-release
		return frame.OpResult, conntest.VoidResult()
	})
	require.NoError(t, err)
	defer srv.Close()

	c := dialTest(t, srv, conn.Options{MaxStreams: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = c.Exec(ctx, frame.OpQuery, nil)
	require.ErrorIs(t, err, context.Canceled)

	// The id is parked while the server still owes a response for it.
	_, err = c.Exec(context.Background(), frame.OpQuery, nil)
	assert.ErrorIs(t, err, conn.ErrNoStreams)

	// Once the late response is consumed the id returns to circulation.
	close(release)
	require.Eventually(t, func() bool {
		_, err := c.Exec(context.Background(), frame.OpQuery, nil)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	srv, err := conntest.NewServer(func(op frame.Op, body []byte) (frame.Op, []byte) {
		return conntest.NoResponse, nil
	})
	require.NoError(t, err)
	defer srv.Close()

	c := dialTest(t, srv, conn.Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), frame.OpQuery, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Inflight() == 1 }, 2*time.Second, time.Millisecond)

	srv.DropConnections()

	err = <-done
	var closedErr *conn.ClosedError
	require.ErrorAs(t, err, &closedErr)
	assert.Equal(t, srv.Addr(), closedErr.Addr)
	assert.True(t, c.Closed())

	// Requests after close fail fast the same way.
	_, err = c.Exec(context.Background(), frame.OpQuery, nil)
	require.ErrorAs(t, err, &closedErr)
}

func TestEventFramesRouteToHandler(t *testing.T) {
	srv, err := conntest.NewServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	events := make(chan *cql.Event, 1)
	c := dialTest(t, srv, conn.Options{
		EventHandler: func(ev *cql.Event) { events <- ev },
	})

	_, err = c.Exec(context.Background(), frame.OpRegister, cql.Register(cql.EventStatusChange))
	require.NoError(t, err)

	srv.Push(conntest.StatusEvent(cql.EventStatusChange, cql.ChangeDown, "10.0.0.9:9042"))

	select {
	case ev := <-events:
		assert.Equal(t, cql.EventStatusChange, ev.Kind)
		assert.Equal(t, cql.ChangeDown, ev.Change)
		assert.Equal(t, "10.0.0.9:9042", ev.Addr)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv, err := conntest.NewServer(func(op frame.Op, body []byte) (frame.Op, []byte) {
		return conntest.NoResponse, nil
	})
	require.NoError(t, err)
	defer srv.Close()

	closed := make(chan *conn.Conn, 1)
	c := dialTest(t, srv, conn.Options{
		OnClose: func(c *conn.Conn) { closed <- c },
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Exec(context.Background(), frame.OpQuery, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Inflight() == 1 }, 2*time.Second, time.Millisecond)

	// A response with a request-direction version byte desyncs the stream.
	srv.SendRaw([]byte{0x04, 0, 0, 0, byte(frame.OpResult), 0, 0, 0, 0})

	err = <-done
	var closedErr *conn.ClosedError
	require.ErrorAs(t, err, &closedErr)

	select {
	case got := <-closed:
		assert.Same(t, c, got)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never ran")
	}

	var mf *frame.MalformedFrameError
	assert.ErrorAs(t, closedErr.Reason, &mf)
}

func TestDialHandshakeFailure(t *testing.T) {
	srv, err := conntest.NewServer(nil)
	require.NoError(t, err)
	addr := srv.Addr()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = conn.Dial(ctx, addr, time.Second, conn.Options{Logger: log.NewNopLogger()})
	require.Error(t, err)
}
