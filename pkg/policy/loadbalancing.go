// Package policy holds the pluggable decision points of the execution
// engine: node selection, retry behavior and speculative execution. Each
// is a small capability interface with a closed set of implementations
// chosen through configuration.
package policy

import (
	"go.uber.org/atomic"

	"github.com/romankagan/cql-driver/pkg/cql"
	"github.com/romankagan/cql-driver/pkg/topology"
)

// Statement is the request view the policies need: the idempotence flag
// gates ambiguous retries, the consistency level gates remote fallback.
type Statement interface {
	IsIdempotent() bool
	ConsistencyLevel() cql.Consistency
}

// QueryPlan is a lazily-consumed, finite, non-restartable candidate node
// sequence for one request. It is computed from a registry snapshot at
// submission time; later topology changes do not alter it.
type QueryPlan interface {
	// Next returns the next candidate, or false when the plan is
	// exhausted.
	Next() (*topology.Node, bool)
}

// LoadBalancing produces query plans.
type LoadBalancing interface {
	NewQueryPlan(stmt Statement, snapshot []*topology.Node) QueryPlan
}

type slicePlan struct {
	nodes []*topology.Node
	pos   int
}

func (p *slicePlan) Next() (*topology.Node, bool) {
	if p.pos >= len(p.nodes) {
		return nil, false
	}
	n := p.nodes[p.pos]
	p.pos++
	return n, true
}

// RoundRobin orders LOCAL nodes by a counter advanced once per plan, so
// load spreads evenly across successive requests. REMOTE nodes are
// appended, in stable order, only when the statement's consistency level
// is not datacenter-local and AllowRemote is set. DOWN, FORCED_DOWN and
// IGNORED nodes never appear.
type RoundRobin struct {
	// AllowRemote permits falling back to REMOTE nodes after all LOCAL
	// candidates.
	AllowRemote bool

	counter atomic.Uint64
}

// NewQueryPlan implements LoadBalancing.
func (r *RoundRobin) NewQueryPlan(stmt Statement, snapshot []*topology.Node) QueryPlan {
	var local, remote []*topology.Node
	for _, n := range snapshot {
		if !n.Eligible() {
			continue
		}
		switch n.Distance() {
		case topology.DistanceLocal:
			local = append(local, n)
		case topology.DistanceRemote:
			remote = append(remote, n)
		}
	}

	if len(local) > 1 {
		offset := int(r.counter.Inc()-1) % len(local)
		rotated := make([]*topology.Node, 0, len(local))
		rotated = append(rotated, local[offset:]...)
		rotated = append(rotated, local[:offset]...)
		local = rotated
	} else {
		r.counter.Inc()
	}

	allowRemote := r.AllowRemote
	if stmt != nil && stmt.ConsistencyLevel().IsLocal() {
		allowRemote = false
	}
	if allowRemote {
		local = append(local, remote...)
	}
	return &slicePlan{nodes: local}
}
