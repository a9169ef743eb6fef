package pool

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankagan/cql-driver/pkg/conn"
	"github.com/romankagan/cql-driver/pkg/conn/conntest"
	"github.com/romankagan/cql-driver/pkg/topology"
)

func newTestSet(t *testing.T) *Set {
	t.Helper()
	dial := func(ctx context.Context, addr string) (*conn.Conn, error) {
		return conn.Dial(ctx, addr, time.Second, conn.Options{Logger: log.NewNopLogger()})
	}
	s := NewSet(Config{
		MinConns:            1,
		MaxConns:            1,
		MaintenanceInterval: time.Hour,
		ReconnectBackoff:    fastBackoff(),
	}, dial, &fakeHealth{}, log.NewNopLogger(), nil)
	t.Cleanup(s.Close)
	return s
}

func upNode(addr string, distance topology.Distance) *topology.Node {
	r := topology.NewRegistry([]string{addr}, log.NewNopLogger(), prometheus.NewRegistry())
	r.MarkUp(addr)
	r.SetDistance(addr, distance)
	n, _ := r.Node(addr)
	return n
}

func TestSetCreatesAndDrainsPools(t *testing.T) {
	srv, err := conntest.NewServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	s := newTestSet(t)
	n := upNode(srv.Addr(), topology.DistanceLocal)

	s.NodeAdded(n)
	_, ok := s.Pool(srv.Addr())
	require.True(t, ok)

	c, err := s.Borrow(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, c.Closed())

	s.NodeRemoved(n)
	_, ok = s.Pool(srv.Addr())
	assert.False(t, ok)
	assert.Eventually(t, c.Closed, 2*time.Second, 5*time.Millisecond)
}

func TestSetIgnoresIgnoredNodes(t *testing.T) {
	s := newTestSet(t)
	// Distance is set before the listener sees the node.
	s.NodeAdded(upNode("ignored:9042", topology.DistanceIgnored))
	_, ok := s.Pool("ignored:9042")
	assert.False(t, ok)
}

func TestSetBorrowUnknownNode(t *testing.T) {
	s := newTestSet(t)
	_, err := s.Borrow(context.Background(), upNode("stranger:9042", topology.DistanceLocal))
	var unavailable *NodeUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestSetNodeAddedIsIdempotent(t *testing.T) {
	srv, err := conntest.NewServer(nil)
	require.NoError(t, err)
	defer srv.Close()

	s := newTestSet(t)
	n := upNode(srv.Addr(), topology.DistanceLocal)
	s.NodeAdded(n)
	p1, _ := s.Pool(srv.Addr())
	s.NodeUp(n)
	p2, _ := s.Pool(srv.Addr())
	assert.Same(t, p1, p2)
}
