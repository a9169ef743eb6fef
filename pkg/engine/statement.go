package engine

import (
	"time"

	"github.com/romankagan/cql-driver/pkg/cql"
)

// Statement is a caller-supplied request: the CQL text plus execution
// parameters. It is immutable once submitted; paging continuations copy it
// with a new paging state.
type Statement struct {
	Query  string
	Values [][]byte

	Consistency       cql.Consistency
	SerialConsistency cql.Consistency

	// PageSize limits rows per result page; zero uses the engine
	// default.
	PageSize int32

	// PagingState resumes a paged result from a server-issued
	// continuation token.
	PagingState []byte

	// Idempotent marks the statement safe to retry (or speculate) after
	// an outcome that may already have been applied. It defaults to
	// false: ambiguous failures on non-idempotent statements are
	// surfaced, never retried.
	Idempotent bool

	// Timeout is the per-attempt deadline; zero uses the engine default.
	Timeout time.Duration
}

// IsIdempotent implements policy.Statement.
func (s *Statement) IsIdempotent() bool { return s.Idempotent }

// ConsistencyLevel implements policy.Statement.
func (s *Statement) ConsistencyLevel() cql.Consistency { return s.Consistency }

func (s *Statement) withPagingState(state []byte) *Statement {
	next := *s
	next.PagingState = state
	return &next
}
