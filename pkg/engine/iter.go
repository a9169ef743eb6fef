package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/romankagan/cql-driver/pkg/cql"
)

// Iter exposes a paged result. Only the current page is held in memory;
// the next page is fetched when the caller asks for it, re-entering the
// full plan/retry flow with the server's continuation token. A caller that
// stops consuming (or cancels its context) causes no further requests.
type Iter struct {
	engine *Engine
	stmt   *Statement
	res    *cql.Result
}

// Columns describes the result columns, when the server sent metadata.
func (it *Iter) Columns() []cql.Column { return it.res.Columns }

// Rows is the current page, each row a slice of raw cells. Cell decoding
// belongs to the type-codec collaborator.
func (it *Iter) Rows() [][][]byte { return it.res.Rows }

// TracingID is the server-side tracing session id, if tracing was on.
func (it *Iter) TracingID() uuid.UUID { return it.res.TracingID }

// More reports whether the server signalled further pages.
func (it *Iter) More() bool { return it.res.HasMorePages }

// PageState is the opaque continuation token for the next page. Callers
// may persist it and resume later via Statement.PagingState.
func (it *Iter) PageState() []byte { return it.res.PagingState }

// NextPage replaces the current page with the next one. It returns false
// when the server has no more pages. Fetching runs the statement through
// the engine again, so node selection, retries and speculative execution
// all apply per page.
func (it *Iter) NextPage(ctx context.Context) (bool, error) {
	if !it.res.HasMorePages {
		return false, nil
	}
	res, err := it.engine.run(ctx, it.stmt.withPagingState(it.res.PagingState))
	if err != nil {
		return false, err
	}
	it.res = res
	return true, nil
}
