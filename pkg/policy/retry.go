package policy

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/romankagan/cql-driver/pkg/conn"
	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/pool"
)

// Decision is a retry controller verdict for one failed attempt.
type Decision int

const (
	// Rethrow surfaces the error to the caller immediately.
	Rethrow Decision = iota
	// RetrySame re-issues the attempt on the same node.
	RetrySame
	// RetryNext moves on to the next node in the query plan.
	RetryNext
)

func (d Decision) String() string {
	switch d {
	case RetrySame:
		return "retry_same"
	case RetryNext:
		return "retry_next"
	default:
		return "rethrow"
	}
}

// Retry decides what to do after a failed execution attempt.
type Retry interface {
	// Decide inspects the attempt error. sameNodeRetries counts retries
	// already performed on the current node for this request.
	Decide(stmt Statement, err error, sameNodeRetries int) Decision
}

// DefaultRetry is the baseline policy:
//
//   - connection and pool failures always advance the plan;
//   - recoverable server errors retry once on the same node, then advance;
//   - ambiguous outcomes (attempt timeouts, write timeouts) are only
//     retried for statements marked idempotent;
//   - everything else is rethrown.
type DefaultRetry struct {
	// MaxSameNodeRetries bounds consecutive retries on one node.
	// Zero means one retry.
	MaxSameNodeRetries int
}

func (p *DefaultRetry) maxSame() int {
	if p.MaxSameNodeRetries <= 0 {
		return 1
	}
	return p.MaxSameNodeRetries
}

// Decide implements Retry.
func (p *DefaultRetry) Decide(stmt Statement, err error, sameNodeRetries int) Decision {
	// Connection-level failures: the outcome on this node is unknowable,
	// the node itself is suspect. Always move on; the idempotence gate
	// does not apply because the write may not have been received, and
	// if it was, the next node coordinates the same statement.
	var closedErr *conn.ClosedError
	if errors.As(err, &closedErr) {
		return RetryNext
	}
	var unavailable *pool.NodeUnavailableError
	if errors.As(err, &unavailable) {
		return RetryNext
	}
	if errors.Is(err, conn.ErrNoStreams) {
		return RetryNext
	}

	// Attempt timeout: the statement may have been applied. Only
	// idempotent statements may move to another node.
	if errors.Is(err, context.DeadlineExceeded) {
		if stmt != nil && stmt.IsIdempotent() {
			return RetryNext
		}
		return Rethrow
	}

	var se *cql.ServerError
	if errors.As(err, &se) {
		if !se.Recoverable() {
			return Rethrow
		}
		if se.Ambiguous() && (stmt == nil || !stmt.IsIdempotent()) {
			return Rethrow
		}
		if sameNodeRetries < p.maxSame() {
			return RetrySame
		}
		return RetryNext
	}

	return Rethrow
}

// Speculative controls pre-emptive parallel attempts for slow nodes.
type Speculative interface {
	// Delay returns how long to wait for attempt n (1-based) before
	// forking the next one, or false to never speculate again.
	Delay(attempt int) (time.Duration, bool)
}

// NoSpeculative never forks additional attempts.
type NoSpeculative struct{}

func (NoSpeculative) Delay(int) (time.Duration, bool) { return 0, false }

// ConstantSpeculative forks a new attempt every Threshold of silence, up
// to MaxAttempts total attempts.
type ConstantSpeculative struct {
	Threshold   time.Duration
	MaxAttempts int
}

func (p ConstantSpeculative) Delay(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts || p.Threshold <= 0 {
		return 0, false
	}
	return p.Threshold, true
}
