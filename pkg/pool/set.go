package pool

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/romankagan/cql-driver/pkg/conn"
	"github.com/romankagan/cql-driver/pkg/topology"
)

// Set keeps one Pool per known node, following registry membership. It is
// the engine's connection provider.
type Set struct {
	cfg    Config
	dial   DialFn
	health HealthReporter

	mtx    sync.Mutex
	pools  map[string]*Pool
	closed bool

	logger  log.Logger
	metrics *Metrics
}

// NewSet builds an empty set; wire it to a registry with
// registry.AddListener(set).
func NewSet(cfg Config, dial DialFn, health HealthReporter, logger log.Logger, metrics *Metrics) *Set {
	cfg.normalize()
	return &Set{
		cfg:     cfg,
		dial:    dial,
		health:  health,
		pools:   make(map[string]*Pool),
		logger:  logger,
		metrics: metrics,
	}
}

// Borrow hands out a connection to the given node.
func (s *Set) Borrow(ctx context.Context, node *topology.Node) (*conn.Conn, error) {
	s.mtx.Lock()
	p, ok := s.pools[node.Addr]
	s.mtx.Unlock()
	if !ok {
		return nil, &NodeUnavailableError{Addr: node.Addr, Err: ErrPoolClosed}
	}
	return p.Borrow(ctx)
}

// Pool returns the pool for addr, if any.
func (s *Set) Pool(addr string) (*Pool, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	p, ok := s.pools[addr]
	return p, ok
}

// NodeAdded implements topology.Listener: a new node gets a pool, unless
// it is configured as IGNORED.
func (s *Set) NodeAdded(n *topology.Node) {
	if n.Distance() == topology.DistanceIgnored {
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.pools[n.Addr]; ok {
		return
	}
	p := New(s.cfg, n.Addr, s.dial, s.health, s.logger, s.metrics)
	s.pools[n.Addr] = p
	p.Service.StartAsync(context.Background())
	level.Debug(s.logger).Log("msg", "pool created", "node", n.Addr)
}

// NodeRemoved implements topology.Listener: the node's pool is drained.
func (s *Set) NodeRemoved(n *topology.Node) {
	s.mtx.Lock()
	p, ok := s.pools[n.Addr]
	delete(s.pools, n.Addr)
	s.mtx.Unlock()
	if !ok {
		return
	}
	// Stopping waits for in-flight maintenance, so it runs off the
	// registry's update path.
	go func() {
		_ = services.StopAndAwaitTerminated(context.Background(), p.Service)
		level.Debug(s.logger).Log("msg", "pool drained", "node", n.Addr)
	}()
}

// NodeUp implements topology.Listener. The pool, if missing (the node may
// have been discovered before its distance was set), is created.
func (s *Set) NodeUp(n *topology.Node) {
	s.NodeAdded(n)
}

// NodeDown implements topology.Listener. The pool is kept: its maintenance
// service keeps probing the node and will mark it up again on success.
func (s *Set) NodeDown(_ *topology.Node) {}

// Close drains every pool. Outstanding requests on their connections are
// failed by the connection close path.
func (s *Set) Close() {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.closed = true
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.pools = make(map[string]*Pool)
	s.mtx.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			_ = services.StopAndAwaitTerminated(context.Background(), p.Service)
		}(p)
	}
	wg.Wait()
}
