package topology

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventType classifies a topology/status push event.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
	EventNodeUp
	EventNodeDown
)

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "added"
	case EventNodeRemoved:
		return "removed"
	case EventNodeUp:
		return "up"
	default:
		return "down"
	}
}

// Event is the minimal topology signal consumed by the registry. The
// control-channel collaborator is responsible for producing these.
type Event struct {
	Type EventType
	Addr string
}

// Listener is notified of node lifecycle transitions, after the registry
// state has been updated. Calls are made under the registry's update lock,
// so one update is observed at a time.
type Listener interface {
	NodeAdded(*Node)
	NodeRemoved(*Node)
	NodeUp(*Node)
	NodeDown(*Node)
}

// Registry is the process-wide table of known nodes. Reads return
// consistent snapshots; all mutation goes through Apply, SetDistance,
// MarkUp and MarkDown, serialized by one lock.
type Registry struct {
	logger log.Logger

	mtx       sync.RWMutex
	nodes     map[string]*Node
	listeners []Listener
	closed    bool

	nodesByState *prometheus.GaugeVec
	eventsTotal  *prometheus.CounterVec
}

// NewRegistry builds a registry populated from the seed addresses. Seeds
// start in UNKNOWN state until a pool or a status event settles them.
func NewRegistry(seeds []string, logger log.Logger, reg prometheus.Registerer) *Registry {
	r := &Registry{
		logger: log.With(logger, "component", "topology"),
		nodes:  make(map[string]*Node, len(seeds)),
		nodesByState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "driver_nodes",
			Help:      "Known cluster nodes by state.",
		}, []string{"state"}),
		eventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_topology_events_total",
			Help:      "Topology events applied to the registry.",
		}, []string{"type"}),
	}
	for _, addr := range seeds {
		r.nodes[addr] = newNode(addr, NodeUnknown)
	}
	r.updateGauges()
	return r
}

// AddListener registers a listener for subsequent transitions and replays
// NodeAdded for every node already known, so late subscribers see a
// complete picture.
func (r *Registry) AddListener(l Listener) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.listeners = append(r.listeners, l)
	for _, n := range r.nodes {
		l.NodeAdded(n)
	}
}

// Apply folds one push event into the registry.
func (r *Registry) Apply(ev Event) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closed {
		return
	}
	r.eventsTotal.WithLabelValues(ev.Type.String()).Inc()

	n, known := r.nodes[ev.Addr]
	switch ev.Type {
	case EventNodeAdded:
		if known {
			break
		}
		n = newNode(ev.Addr, NodeUp)
		r.nodes[ev.Addr] = n
		level.Info(r.logger).Log("msg", "node added", "node", ev.Addr)
		for _, l := range r.listeners {
			l.NodeAdded(n)
		}
	case EventNodeRemoved:
		if !known {
			break
		}
		delete(r.nodes, ev.Addr)
		level.Info(r.logger).Log("msg", "node removed", "node", ev.Addr)
		for _, l := range r.listeners {
			l.NodeRemoved(n)
		}
	case EventNodeUp:
		if !known {
			n = newNode(ev.Addr, NodeUp)
			r.nodes[ev.Addr] = n
			for _, l := range r.listeners {
				l.NodeAdded(n)
			}
			break
		}
		r.transition(n, NodeUp)
	case EventNodeDown:
		if !known {
			break
		}
		r.transition(n, NodeDown)
	}
	r.updateGauges()
}

// MarkUp records observed health from a pool that has a live connection.
func (r *Registry) MarkUp(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if n, ok := r.nodes[addr]; ok {
		r.transition(n, NodeUp)
		r.updateGauges()
	}
}

// MarkDown records that a pool has no healthy connections to the node.
func (r *Registry) MarkDown(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if n, ok := r.nodes[addr]; ok {
		r.transition(n, NodeDown)
		r.updateGauges()
	}
}

// ForceDown pins the node down. Status events and pool health reports no
// longer move it; only ForceUp does.
func (r *Registry) ForceDown(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n, ok := r.nodes[addr]
	if !ok || n.State() == NodeForcedDown {
		return
	}
	from := n.State()
	n.state.Store(int32(NodeForcedDown))
	level.Warn(r.logger).Log("msg", "node forced down", "node", addr)
	if from == NodeUp || from == NodeUnknown {
		for _, l := range r.listeners {
			l.NodeDown(n)
		}
	}
	r.updateGauges()
}

// ForceUp lifts a ForceDown pin and marks the node up.
func (r *Registry) ForceUp(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return
	}
	if n.State() == NodeForcedDown {
		n.state.Store(int32(NodeDown))
	}
	r.transition(n, NodeUp)
	r.updateGauges()
}

// SetDistance assigns the node's distance tier.
func (r *Registry) SetDistance(addr string, d Distance) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if n, ok := r.nodes[addr]; ok {
		n.distance.Store(int32(d))
	}
}

// transition is called with the update lock held.
func (r *Registry) transition(n *Node, to NodeState) {
	from := n.State()
	if from == to || from == NodeForcedDown {
		return
	}
	n.state.Store(int32(to))
	level.Debug(r.logger).Log("msg", "node state changed", "node", n.Addr, "from", from, "to", to)
	for _, l := range r.listeners {
		switch to {
		case NodeUp:
			l.NodeUp(n)
		case NodeDown:
			l.NodeDown(n)
		}
	}
}

// Snapshot returns the known nodes in a stable order. The slice is a copy;
// later registry updates do not mutate it.
func (r *Registry) Snapshot() []*Node {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Node looks up a node by address.
func (r *Registry) Node(addr string) (*Node, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	n, ok := r.nodes[addr]
	return n, ok
}

// Close drops all nodes and notifies listeners, so owning pools drain.
// Subsequent Apply calls are ignored.
func (r *Registry) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for addr, n := range r.nodes {
		delete(r.nodes, addr)
		for _, l := range r.listeners {
			l.NodeRemoved(n)
		}
	}
	r.updateGauges()
}

// updateGauges is called with at least a read lock held.
func (r *Registry) updateGauges() {
	counts := map[NodeState]int{}
	for _, n := range r.nodes {
		counts[n.State()]++
	}
	for _, s := range []NodeState{NodeUnknown, NodeUp, NodeDown, NodeForcedDown} {
		r.nodesByState.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
