// Package engine orchestrates request execution: it walks the query plan
// produced by the load-balancing policy, borrows pooled connections,
// exchanges frames, and feeds every failure to the retry controller, which
// decides between retrying in place, advancing the plan, forking a
// speculative attempt, or giving up.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/frame"
	"github.com/romankagan/cql-driver/pkg/policy"
	"github.com/romankagan/cql-driver/pkg/topology"
)

// Conn is the slice of a pooled connection the engine needs.
type Conn interface {
	Exec(ctx context.Context, op frame.Op, body []byte) (*frame.Frame, error)
}

// ConnProvider hands out connections to a node. Implemented by the pool
// set.
type ConnProvider interface {
	Borrow(ctx context.Context, node *topology.Node) (Conn, error)
}

// Topology provides registry snapshots for plan construction.
type Topology interface {
	Snapshot() []*topology.Node
}

// Config carries the engine's request defaults.
type Config struct {
	DefaultConsistency cql.Consistency `yaml:"default_consistency"`
	DefaultPageSize    int32           `yaml:"default_page_size"`
	DefaultTimeout     time.Duration   `yaml:"default_timeout"`
}

// Metrics cover the engine's request outcomes.
type Metrics struct {
	requests    *prometheus.CounterVec
	attempts    prometheus.Histogram
	speculative prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_requests_total",
			Help:      "Requests by terminal outcome.",
		}, []string{"outcome"}),
		attempts: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "cql",
			Name:      "driver_request_attempts",
			Help:      "Execution attempts per request.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		speculative: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_speculative_attempts_total",
			Help:      "Attempts forked by the speculative execution policy.",
		}),
	}
}

// Engine executes statements against the cluster.
type Engine struct {
	cfg   Config
	pools ConnProvider
	topo  Topology
	lb    policy.LoadBalancing
	retry policy.Retry
	spec  policy.Speculative
	clk   clock.Clock

	quit      chan struct{}
	closeOnce sync.Once

	logger  log.Logger
	metrics *Metrics
}

// New builds an engine. Nil policies fall back to round-robin, the default
// retry policy, and no speculation; a nil clk uses the wall clock.
func New(cfg Config, pools ConnProvider, topo Topology, lb policy.LoadBalancing, retry policy.Retry, spec policy.Speculative, clk clock.Clock, logger log.Logger, metrics *Metrics) *Engine {
	if lb == nil {
		lb = &policy.RoundRobin{}
	}
	if retry == nil {
		retry = &policy.DefaultRetry{}
	}
	if spec == nil {
		spec = policy.NoSpeculative{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		cfg:     cfg,
		pools:   pools,
		topo:    topo,
		lb:      lb,
		retry:   retry,
		spec:    spec,
		clk:     clk,
		quit:    make(chan struct{}),
		logger:  log.With(logger, "component", "engine"),
		metrics: metrics,
	}
}

// Close fails subsequent and outstanding requests with ErrClosed. It does
// not close pools; that is the session's job.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
}

// Execute runs one statement to a terminal outcome and returns an iterator
// over its (possibly paged) result.
func (e *Engine) Execute(ctx context.Context, stmt *Statement) (*Iter, error) {
	res, err := e.run(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return &Iter{engine: e, stmt: stmt, res: res}, nil
}

type attemptOutcome struct {
	node *topology.Node
	res  *cql.Result
	err  error
}

// run is the per-request controller. Exactly one terminal outcome is
// returned per call, no matter how many attempts were forked.
func (e *Engine) run(ctx context.Context, stmt *Statement) (*cql.Result, error) {
	select {
	case <-e.quit:
		return nil, ErrClosed
	default:
	}

	plan := e.lb.NewQueryPlan(stmt, e.topo.Snapshot())

	// Cancelling runCtx reclaims every losing attempt: their stream ids
	// are orphaned by the connection layer and late responses are
	// discarded there.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		outcomes    = make(chan attemptOutcome)
		outstanding = 0
		attempts    = 0
		nodeErrs    []NodeError
	)

	launch := func() bool {
		node, ok := plan.Next()
		if !ok {
			return false
		}
		attempts++
		outstanding++
		go func() {
			res, err := e.attempt(runCtx, stmt, node)
			select {
			case outcomes <- attemptOutcome{node: node, res: res, err: err}:
			case <-runCtx.Done():
			}
		}()
		return true
	}

	defer func() {
		if e.metrics != nil {
			e.metrics.attempts.Observe(float64(attempts))
		}
	}()

	if !launch() {
		e.outcome("no_node")
		return nil, &NoNodeAvailableError{}
	}

	// Speculative execution is only armed for idempotent statements: a
	// fork races the original, and the statement may end up applied by
	// both.
	var timer *clock.Timer
	var timerC <-chan time.Time
	armTimer := func() {
		timerC = nil
		if !stmt.Idempotent {
			return
		}
		delay, ok := e.spec.Delay(attempts)
		if !ok {
			return
		}
		if timer == nil {
			timer = e.clk.Timer(delay)
		} else {
			timer.Reset(delay)
		}
		timerC = timer.C
	}
	armTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case out := <-outcomes:
			outstanding--
			if out.err == nil {
				e.outcome("success")
				return out.res, nil
			}
			var f fatal
			if errors.As(out.err, &f) {
				e.outcome("error")
				return nil, f.error
			}
			level.Debug(e.logger).Log("msg", "attempt failed, advancing plan", "node", out.node.Addr, "err", out.err)
			nodeErrs = append(nodeErrs, NodeError{Addr: out.node.Addr, Err: out.err})
			if launch() {
				continue
			}
			if outstanding == 0 {
				e.outcome("exhausted")
				return nil, &NoNodeAvailableError{Errors: nodeErrs}
			}

		case <-timerC:
			if launch() {
				if e.metrics != nil {
					e.metrics.speculative.Inc()
				}
				level.Debug(e.logger).Log("msg", "forking speculative attempt", "attempts", attempts)
			}
			armTimer()

		case <-ctx.Done():
			e.outcome("cancelled")
			return nil, ctx.Err()

		case <-e.quit:
			e.outcome("closed")
			return nil, ErrClosed
		}
	}
}

func (e *Engine) outcome(kind string) {
	if e.metrics != nil {
		e.metrics.requests.WithLabelValues(kind).Inc()
	}
}

// attempt serves one plan node, including bounded same-node retries. A
// fatal-wrapped error means stop the whole request; any other error means
// this node is done and the plan should advance.
func (e *Engine) attempt(ctx context.Context, stmt *Statement, node *topology.Node) (*cql.Result, error) {
	sameNodeRetries := 0
	for {
		res, err := e.execOnce(ctx, stmt, node)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			// The request was cancelled or already resolved by a
			// sibling attempt; this outcome is discarded.
			return nil, err
		}
		switch e.retry.Decide(stmt, err, sameNodeRetries) {
		case policy.RetrySame:
			sameNodeRetries++
			level.Debug(e.logger).Log("msg", "retrying on same node", "node", node.Addr, "retry", sameNodeRetries, "err", err)
		case policy.RetryNext:
			return nil, err
		default:
			return nil, fatal{err}
		}
	}
}

// execOnce is a single (node, connection, stream) exchange.
func (e *Engine) execOnce(ctx context.Context, stmt *Statement, node *topology.Node) (*cql.Result, error) {
	cn, err := e.pools.Borrow(ctx, node)
	if err != nil {
		return nil, err
	}

	q := &cql.Query{
		Statement:         stmt.Query,
		Values:            stmt.Values,
		Consistency:       stmt.Consistency,
		SerialConsistency: stmt.SerialConsistency,
		PageSize:          stmt.PageSize,
		PagingState:       stmt.PagingState,
	}
	if q.Consistency == 0 && e.cfg.DefaultConsistency != 0 {
		q.Consistency = e.cfg.DefaultConsistency
	}
	if q.PageSize == 0 {
		q.PageSize = e.cfg.DefaultPageSize
	}

	timeout := stmt.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	f, err := cn.Exec(attemptCtx, frame.OpQuery, q.Marshal())
	if err != nil {
		return nil, err
	}
	tracing := f.Header.Flags&frame.FlagTracing != 0
	switch f.Header.Op {
	case frame.OpResult:
		return cql.ParseResult(f.Body, tracing)
	case frame.OpError:
		se, perr := cql.ParseError(f.Body, tracing)
		if perr != nil {
			return nil, perr
		}
		return nil, se
	default:
		return nil, errors.Errorf("unexpected %s response to QUERY", f.Header.Op)
	}
}
