package topology

import (
	"fmt"

	"go.uber.org/atomic"
)

// NodeState is the registry's view of a node's health.
type NodeState int32

const (
	NodeUnknown NodeState = iota
	NodeUp
	NodeDown
	// NodeForcedDown is an operator override; the node is excluded from
	// plans until explicitly brought back.
	NodeForcedDown
)

func (s NodeState) String() string {
	switch s {
	case NodeUp:
		return "UP"
	case NodeDown:
		return "DOWN"
	case NodeForcedDown:
		return "FORCED_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Distance is the tier a node is placed in by configuration, driving plan
// ordering and pool sizing.
type Distance int32

const (
	DistanceLocal Distance = iota
	DistanceRemote
	DistanceIgnored
)

func (d Distance) String() string {
	switch d {
	case DistanceRemote:
		return "REMOTE"
	case DistanceIgnored:
		return "IGNORED"
	default:
		return "LOCAL"
	}
}

// Node is one known member of the cluster. State and distance are only
// mutated through the Registry; everything else is immutable after
// discovery.
type Node struct {
	Addr string

	state    atomic.Int32
	distance atomic.Int32
}

func newNode(addr string, state NodeState) *Node {
	n := &Node{Addr: addr}
	n.state.Store(int32(state))
	return n
}

func (n *Node) State() NodeState { return NodeState(n.state.Load()) }

func (n *Node) Distance() Distance { return Distance(n.distance.Load()) }

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s/%s)", n.Addr, n.State(), n.Distance())
}

// Eligible reports whether the load-balancing policy may include the node
// in a new query plan.
func (n *Node) Eligible() bool {
	switch n.State() {
	case NodeDown, NodeForcedDown:
		return false
	}
	return n.Distance() != DistanceIgnored
}
