// Package pool maintains a bounded set of connections per node and hands
// out the least-loaded one. A background maintenance service keeps each
// pool within its configured size and retires idle connections.
package pool

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/romankagan/cql-driver/pkg/conn"
)

// ErrPoolClosed is the close reason given to connections of a drained pool.
var ErrPoolClosed = errors.New("connection pool closed")

// NodeUnavailableError is returned by Borrow when a node has no healthy
// connections and reconnecting failed. The engine reacts by advancing the
// query plan.
type NodeUnavailableError struct {
	Addr string
	Err  error
}

func (e *NodeUnavailableError) Error() string {
	return "node " + e.Addr + " unavailable: " + e.Err.Error()
}

func (e *NodeUnavailableError) Unwrap() error { return e.Err }

// HealthReporter receives pool-observed node health. Implemented by
// topology.Registry.
type HealthReporter interface {
	MarkUp(addr string)
	MarkDown(addr string)
}

// DialFn establishes one handshaken connection to addr.
type DialFn func(ctx context.Context, addr string) (*conn.Conn, error)

// Config controls pool sizing and reconnection.
type Config struct {
	MinConns            int           `yaml:"min_conns"`
	MaxConns            int           `yaml:"max_conns"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// IdleSweeps is the number of consecutive maintenance passes a
	// connection above the minimum must sit with zero inflight requests
	// before it is pruned.
	IdleSweeps int `yaml:"idle_sweeps"`

	ReconnectBackoff backoff.Config `yaml:"reconnect_backoff"`
}

// RegisterFlagsWithPrefix adds the pool flags to f.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MinConns, prefix+"pool.min-conns", 1, "Minimum connections kept open per node.")
	f.IntVar(&cfg.MaxConns, prefix+"pool.max-conns", 2, "Maximum connections opened per node.")
	f.DurationVar(&cfg.ConnectTimeout, prefix+"pool.connect-timeout", 5*time.Second, "TCP connect and handshake timeout.")
	f.DurationVar(&cfg.MaintenanceInterval, prefix+"pool.maintenance-interval", 10*time.Second, "Period of the pool top-up and idle-prune pass.")
	f.IntVar(&cfg.IdleSweeps, prefix+"pool.idle-sweeps", 3, "Maintenance passes a surplus connection must stay idle before being pruned.")
	f.DurationVar(&cfg.ReconnectBackoff.MinBackoff, prefix+"pool.reconnect-min-backoff", 100*time.Millisecond, "Initial reconnection backoff.")
	f.DurationVar(&cfg.ReconnectBackoff.MaxBackoff, prefix+"pool.reconnect-max-backoff", 2*time.Second, "Maximum reconnection backoff.")
	f.IntVar(&cfg.ReconnectBackoff.MaxRetries, prefix+"pool.reconnect-max-retries", 3, "Reconnection attempts before a node is marked down.")
}

func (cfg *Config) normalize() {
	if cfg.MinConns < 1 {
		cfg.MinConns = 1
	}
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = cfg.MinConns
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	if cfg.IdleSweeps <= 0 {
		cfg.IdleSweeps = 3
	}
	if cfg.ReconnectBackoff.MaxRetries <= 0 {
		cfg.ReconnectBackoff.MaxRetries = 3
	}
	if cfg.ReconnectBackoff.MinBackoff <= 0 {
		cfg.ReconnectBackoff.MinBackoff = 100 * time.Millisecond
	}
	if cfg.ReconnectBackoff.MaxBackoff <= 0 {
		cfg.ReconnectBackoff.MaxBackoff = 2 * time.Second
	}
}

// Metrics are shared across all pools of a driver instance.
type Metrics struct {
	poolSize    *prometheus.GaugeVec
	borrows     *prometheus.CounterVec
	unavailable *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		poolSize: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "driver_pool_connections",
			Help:      "Open connections per node pool.",
		}, []string{"node"}),
		borrows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_pool_borrows_total",
			Help:      "Borrow calls per node pool.",
		}, []string{"node"}),
		unavailable: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_pool_unavailable_total",
			Help:      "Borrow calls that failed with the node unavailable.",
		}, []string{"node"}),
	}
}

// Pool owns the connections to one node.
type Pool struct {
	services.Service

	cfg    Config
	addr   string
	dial   DialFn
	health HealthReporter

	mtx        sync.Mutex
	conns      []*conn.Conn
	idleSweeps map[*conn.Conn]int
	closed     bool

	// reconnectMu serializes synchronous reconnection so concurrent
	// borrows do not dogpile the node.
	reconnectMu sync.Mutex

	logger  log.Logger
	metrics *Metrics
}

// New builds a pool for addr. The maintenance service must be started by
// the owner (the Set does this).
func New(cfg Config, addr string, dial DialFn, health HealthReporter, logger log.Logger, metrics *Metrics) *Pool {
	cfg.normalize()
	p := &Pool{
		cfg:        cfg,
		addr:       addr,
		dial:       dial,
		health:     health,
		idleSweeps: make(map[*conn.Conn]int),
		logger:     log.With(logger, "component", "pool", "node", addr),
		metrics:    metrics,
	}
	p.Service = services.NewTimerService(cfg.MaintenanceInterval, p.starting, p.maintain, p.stopping)
	return p
}

func (p *Pool) Addr() string { return p.addr }

// Len is the current connection count.
func (p *Pool) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.conns)
}

// Borrow returns the healthy connection with the fewest outstanding
// requests. When every connection has exhausted its stream ids the pool
// grows by one connection, up to MaxConns; when the pool is empty it
// reconnects synchronously with bounded backoff. Repeated reconnection
// failure marks the node down and fails with a NodeUnavailableError.
func (p *Pool) Borrow(ctx context.Context) (*conn.Conn, error) {
	if p.metrics != nil {
		p.metrics.borrows.WithLabelValues(p.addr).Inc()
	}
	if c := p.pick(); c != nil && c.FreeStreams() > 0 {
		return c, nil
	}

	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	// Another borrower may have reconnected or grown the pool while we
	// waited.
	if c := p.pick(); c != nil && c.FreeStreams() > 0 {
		return c, nil
	}

	// Saturated but not empty: open one more connection if the bound
	// allows. Failing that, hand back the least-loaded connection and let
	// stream exhaustion surface to the retry policy.
	if c := p.pick(); c != nil {
		p.mtx.Lock()
		canGrow := !p.closed && len(p.conns) < p.cfg.MaxConns
		p.mtx.Unlock()
		if !canGrow {
			return c, nil
		}
		grown, err := p.connect(ctx)
		if err != nil {
			level.Warn(p.logger).Log("msg", "growing pool failed", "err", err)
			return c, nil
		}
		return grown, nil
	}

	var lastErr error
	bo := backoff.New(ctx, p.cfg.ReconnectBackoff)
	for bo.Ongoing() {
		c, err := p.connect(ctx)
		if err == nil {
			return c, nil
		}
		lastErr = err
		level.Warn(p.logger).Log("msg", "reconnect attempt failed", "attempt", bo.NumRetries(), "err", err)
		bo.Wait()
	}
	if lastErr == nil {
		lastErr = bo.Err()
	}

	p.health.MarkDown(p.addr)
	if p.metrics != nil {
		p.metrics.unavailable.WithLabelValues(p.addr).Inc()
	}
	return nil, &NodeUnavailableError{Addr: p.addr, Err: lastErr}
}

// pick returns the least-loaded open connection, or nil.
func (p *Pool) pick() *conn.Conn {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var best *conn.Conn
	for _, c := range p.conns {
		if c.Closed() {
			continue
		}
		if best == nil || c.Inflight() < best.Inflight() {
			best = c
		}
	}
	return best
}

// connect dials one connection and installs it, respecting MaxConns.
func (p *Pool) connect(ctx context.Context) (*conn.Conn, error) {
	dialCtx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	c, err := p.dial(dialCtx, p.addr)
	if err != nil {
		return nil, err
	}

	p.mtx.Lock()
	if p.closed || len(p.conns) >= p.cfg.MaxConns {
		p.mtx.Unlock()
		c.Close(ErrPoolClosed)
		if p.closed {
			return nil, ErrPoolClosed
		}
		// Raced with another connect filling the pool; use its result.
		if existing := p.pick(); existing != nil {
			return existing, nil
		}
		return nil, errors.New("pool full")
	}
	p.conns = append(p.conns, c)
	size := len(p.conns)
	p.mtx.Unlock()

	if p.metrics != nil {
		p.metrics.poolSize.WithLabelValues(p.addr).Set(float64(size))
	}
	p.health.MarkUp(p.addr)
	level.Debug(p.logger).Log("msg", "connection established", "pool_size", size)
	return c, nil
}

// Remove detaches a connection, typically from its OnClose hook.
func (p *Pool) Remove(c *conn.Conn) {
	p.mtx.Lock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	delete(p.idleSweeps, c)
	size := len(p.conns)
	p.mtx.Unlock()
	if p.metrics != nil {
		p.metrics.poolSize.WithLabelValues(p.addr).Set(float64(size))
	}
}

func (p *Pool) starting(ctx context.Context) error {
	// Warm the pool up to the minimum; failures are left to the next
	// maintenance pass and to on-demand reconnection in Borrow.
	if err := p.topUp(ctx); err != nil {
		level.Warn(p.logger).Log("msg", "initial pool warm-up incomplete", "err", err)
	}
	return nil
}

// maintain is one timer pass: top up below the minimum, prune idle
// connections above it.
func (p *Pool) maintain(ctx context.Context) error {
	if err := p.topUp(ctx); err != nil {
		level.Warn(p.logger).Log("msg", "pool top-up failed", "err", err)
	}
	p.pruneIdle()
	return nil
}

func (p *Pool) topUp(ctx context.Context) error {
	for {
		p.mtx.Lock()
		need := !p.closed && len(p.conns) < p.cfg.MinConns
		p.mtx.Unlock()
		if !need {
			return nil
		}
		if _, err := p.connect(ctx); err != nil {
			// A node is only DOWN when it has zero healthy
			// connections; a partial top-up failure leaves the
			// survivors serving traffic.
			p.mtx.Lock()
			empty := len(p.conns) == 0
			p.mtx.Unlock()
			if empty {
				p.health.MarkDown(p.addr)
			}
			return err
		}
	}
}

func (p *Pool) pruneIdle() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, c := range p.conns {
		if c.Inflight() == 0 {
			p.idleSweeps[c]++
		} else {
			delete(p.idleSweeps, c)
		}
	}
	for len(p.conns) > p.cfg.MinConns {
		var victim *conn.Conn
		for _, c := range p.conns {
			if p.idleSweeps[c] >= p.cfg.IdleSweeps {
				victim = c
				break
			}
		}
		if victim == nil {
			return
		}
		for i, c := range p.conns {
			if c == victim {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				break
			}
		}
		delete(p.idleSweeps, victim)
		level.Debug(p.logger).Log("msg", "pruning idle connection", "pool_size", len(p.conns))
		// Close outside the lock is not required: the conn's OnClose
		// calls Remove, which tolerates already-removed conns, but it
		// would deadlock on mtx. Spawn it.
		go victim.Close(ErrPoolClosed)
	}
}

func (p *Pool) stopping(_ error) error {
	p.mtx.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.idleSweeps = make(map[*conn.Conn]int)
	p.mtx.Unlock()

	for _, c := range conns {
		c.Close(ErrPoolClosed)
	}
	if p.metrics != nil {
		p.metrics.poolSize.WithLabelValues(p.addr).Set(0)
	}
	return nil
}
