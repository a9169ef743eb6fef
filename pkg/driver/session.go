// Package driver is the public entry point: it wires the topology
// registry, per-node connection pools, the execution engine and a control
// connection into a Session.
package driver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/romankagan/cql-driver/pkg/conn"
	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/engine"
	"github.com/romankagan/cql-driver/pkg/frame"
	"github.com/romankagan/cql-driver/pkg/policy"
	"github.com/romankagan/cql-driver/pkg/pool"
	"github.com/romankagan/cql-driver/pkg/topology"
)

// ErrSessionClosed fails requests submitted to, or outstanding on, a
// closed session.
var ErrSessionClosed = engine.ErrClosed

const peersQuery = "SELECT peer FROM system.peers"

// Session is one driver instance: a process-wide view of the cluster plus
// everything needed to execute statements against it.
type Session struct {
	cfg    ClusterConfig
	logger log.Logger

	registry *topology.Registry
	set      *pool.Set
	engine   *engine.Engine

	control services.Service

	controlMu   sync.Mutex
	controlConn *conn.Conn

	closeOnce sync.Once
}

// poolProvider adapts the pool set to the engine's provider interface.
type poolProvider struct {
	set *pool.Set
}

func (p poolProvider) Borrow(ctx context.Context, node *topology.Node) (engine.Conn, error) {
	return p.set.Borrow(ctx, node)
}

// Connect establishes a session: seeds the registry, warms the seed
// pools, opens the control connection, registers for push events and
// discovers peers.
func Connect(ctx context.Context, cfg ClusterConfig, logger log.Logger, reg prometheus.Registerer) (*Session, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	seeds, err := cfg.seeds()
	if err != nil {
		return nil, err
	}
	consistency, err := cfg.consistency()
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
	}
	s.registry = topology.NewRegistry(seeds, logger, reg)

	connMetrics := conn.NewMetrics(reg)
	var compressor frame.Compressor
	if cfg.Compression {
		compressor = frame.SnappyCompressor{}
	}

	var set *pool.Set
	dial := func(ctx context.Context, addr string) (*conn.Conn, error) {
		return conn.Dial(ctx, addr, cfg.Pool.ConnectTimeout, conn.Options{
			MaxStreams: cfg.MaxStreamsPerConn,
			Compressor: compressor,
			Checksum:   cfg.ChecksumFrames,
			Logger:     logger,
			Metrics:    connMetrics,
			OnClose: func(c *conn.Conn) {
				if p, ok := set.Pool(addr); ok {
					p.Remove(c)
				}
			},
		})
	}
	set = pool.NewSet(cfg.Pool, dial, s.registry, logger, pool.NewMetrics(reg))
	s.set = set
	s.registry.AddListener(set)

	var spec policy.Speculative = policy.NoSpeculative{}
	if cfg.SpeculativeThreshold > 0 {
		spec = policy.ConstantSpeculative{
			Threshold:   cfg.SpeculativeThreshold,
			MaxAttempts: cfg.SpeculativeMaxAttempts,
		}
	}
	s.engine = engine.New(
		cfg.engineConfig(consistency),
		poolProvider{set: set},
		s.registry,
		&policy.RoundRobin{AllowRemote: cfg.AllowRemoteFallback},
		&policy.DefaultRetry{MaxSameNodeRetries: cfg.MaxSameNodeRetries},
		spec,
		nil,
		logger,
		engine.NewMetrics(reg),
	)

	// Warm every seed pool in parallel so the first statement does not
	// pay the full connect cost.
	g, warmCtx := errgroup.WithContext(ctx)
	for _, addr := range seeds {
		g.Go(func() error {
			p, ok := set.Pool(addr)
			if !ok {
				return nil
			}
			if _, err := p.Borrow(warmCtx); err != nil {
				level.Warn(logger).Log("msg", "seed not reachable at startup", "node", addr, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.control = services.NewBasicService(s.controlStarting, s.controlRunning, s.controlStopping)
	if err := services.StartAndAwaitRunning(ctx, s.control); err != nil {
		s.teardown()
		return nil, errors.Wrap(err, "starting control connection")
	}
	return s, nil
}

// Execute runs one statement and returns its (paged) result iterator.
func (s *Session) Execute(ctx context.Context, stmt *engine.Statement) (*engine.Iter, error) {
	return s.engine.Execute(ctx, stmt)
}

// Query is a convenience wrapper around Execute for plain statements.
func (s *Session) Query(ctx context.Context, statement string, values ...[]byte) (*engine.Iter, error) {
	return s.engine.Execute(ctx, &engine.Statement{Query: statement, Values: values})
}

// Registry exposes the topology registry, mainly for inspection.
func (s *Session) Registry() *topology.Registry { return s.registry }

// Close tears the session down: outstanding requests fail with
// ErrSessionClosed, every pool drains, the registry empties. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(s.teardown)
}

func (s *Session) teardown() {
	s.engine.Close()
	if s.control != nil {
		_ = services.StopAndAwaitTerminated(context.Background(), s.control)
	}
	s.set.Close()
	s.registry.Close()
	level.Info(s.logger).Log("msg", "session closed")
}

// controlStarting opens the control connection against the first
// reachable node.
func (s *Session) controlStarting(ctx context.Context) error {
	return s.establishControl(ctx)
}

// controlRunning keeps a control connection alive for the session's
// lifetime, re-establishing it with backoff whenever it drops.
func (s *Session) controlRunning(ctx context.Context) error {
	for {
		s.controlMu.Lock()
		cc := s.controlConn
		s.controlMu.Unlock()

		if cc == nil {
			bo := backoff.New(ctx, backoff.Config{
				MinBackoff: 500 * time.Millisecond,
				MaxBackoff: 10 * time.Second,
			})
			for bo.Ongoing() {
				if err := s.establishControl(ctx); err == nil {
					break
				}
				bo.Wait()
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-cc.Done():
			level.Warn(s.logger).Log("msg", "control connection lost, reconnecting")
			s.controlMu.Lock()
			s.controlConn = nil
			s.controlMu.Unlock()
		}
	}
}

func (s *Session) controlStopping(_ error) error {
	s.controlMu.Lock()
	cc := s.controlConn
	s.controlConn = nil
	s.controlMu.Unlock()
	if cc != nil {
		cc.Close(ErrSessionClosed)
	}
	return nil
}

// establishControl dials nodes from the current snapshot until one
// accepts, subscribes to push events and runs peer discovery.
func (s *Session) establishControl(ctx context.Context) error {
	var lastErr error
	for _, node := range s.registry.Snapshot() {
		cc, err := conn.Dial(ctx, node.Addr, s.cfg.Pool.ConnectTimeout, conn.Options{
			MaxStreams:   64,
			Logger:       log.With(s.logger, "conn", "control"),
			EventHandler: s.handleEvent,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := cc.Exec(ctx, frame.OpRegister, cql.Register(cql.EventTopologyChange, cql.EventStatusChange)); err != nil {
			cc.Close(err)
			lastErr = errors.Wrap(err, "registering for events")
			continue
		}
		if !s.cfg.DisableInitialHostLookup {
			if err := s.discoverPeers(ctx, cc); err != nil {
				level.Warn(s.logger).Log("msg", "peer discovery failed", "node", node.Addr, "err", err)
			}
		}
		s.controlMu.Lock()
		s.controlConn = cc
		s.controlMu.Unlock()
		level.Info(s.logger).Log("msg", "control connection established", "node", node.Addr)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no nodes in registry")
	}
	return lastErr
}

// discoverPeers folds the node's peer table into the registry.
func (s *Session) discoverPeers(ctx context.Context, cc *conn.Conn) error {
	q := &cql.Query{Statement: peersQuery, Consistency: cql.One}
	f, err := cc.Exec(ctx, frame.OpQuery, q.Marshal())
	if err != nil {
		return err
	}
	if f.Header.Op != frame.OpResult {
		return errors.Errorf("unexpected %s response to peers query", f.Header.Op)
	}
	res, err := cql.ParseResult(f.Body, f.Header.Flags&frame.FlagTracing != 0)
	if err != nil {
		return err
	}
	for _, row := range res.Rows {
		if len(row) == 0 || len(row[0]) == 0 {
			continue
		}
		ip := net.IP(row[0])
		if ip.To4() == nil && ip.To16() == nil {
			continue
		}
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(s.cfg.Port))
		s.registry.Apply(topology.Event{Type: topology.EventNodeAdded, Addr: addr})
	}
	return nil
}

// handleEvent converts a server push event into a registry update. The
// event's address is re-anchored to the configured native port: servers
// broadcast their internal ports.
func (s *Session) handleEvent(ev *cql.Event) {
	if ev.Kind == cql.EventSchemaChange {
		return
	}
	host, _, err := net.SplitHostPort(ev.Addr)
	if err != nil {
		host = ev.Addr
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))

	var t topology.EventType
	switch {
	case ev.Kind == cql.EventTopologyChange && ev.Change == cql.ChangeNewNode:
		t = topology.EventNodeAdded
	case ev.Kind == cql.EventTopologyChange && ev.Change == cql.ChangeRemovedNode:
		t = topology.EventNodeRemoved
	case ev.Kind == cql.EventStatusChange && ev.Change == cql.ChangeUp:
		t = topology.EventNodeUp
	case ev.Kind == cql.EventStatusChange && ev.Change == cql.ChangeDown:
		t = topology.EventNodeDown
	default:
		return
	}
	s.registry.Apply(topology.Event{Type: t, Addr: addr})
}
