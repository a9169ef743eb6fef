package engine

import (
	"fmt"
	"strings"

	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
)

// ErrClosed fails requests submitted to, or outstanding on, a driver that
// has been shut down.
var ErrClosed = errors.New("driver closed")

// NodeError is the last failure observed on one attempted node.
type NodeError struct {
	Addr string
	Err  error
}

// NoNodeAvailableError is the aggregate failure returned when the query
// plan is exhausted without a success. It lists every attempted node with
// its specific error, in plan order, so a failure can be diagnosed without
// re-running the statement.
type NoNodeAvailableError struct {
	Errors []NodeError
}

func (e *NoNodeAvailableError) Error() string {
	if len(e.Errors) == 0 {
		return "no node available: query plan was empty"
	}
	var sb strings.Builder
	sb.WriteString("no node available, all attempts failed: ")
	for i, ne := range e.Errors {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", ne.Addr, ne.Err)
	}
	return sb.String()
}

// Unwrap exposes the per-node errors for errors.Is/As inspection.
func (e *NoNodeAvailableError) Unwrap() error {
	errs := multierror.New()
	for _, ne := range e.Errors {
		errs.Add(ne.Err)
	}
	return errs.Err()
}

// fatal wraps an error the retry controller decided must surface
// immediately, with no further plan traversal.
type fatal struct{ error }

func (f fatal) Unwrap() error { return f.error }
