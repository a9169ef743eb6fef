package topology

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	events []string
}

func (l *recordingListener) NodeAdded(n *Node)   { l.events = append(l.events, "added "+n.Addr) }
func (l *recordingListener) NodeRemoved(n *Node) { l.events = append(l.events, "removed "+n.Addr) }
func (l *recordingListener) NodeUp(n *Node)      { l.events = append(l.events, "up "+n.Addr) }
func (l *recordingListener) NodeDown(n *Node)    { l.events = append(l.events, "down "+n.Addr) }

func newTestRegistry(seeds ...string) *Registry {
	return NewRegistry(seeds, log.NewNopLogger(), prometheus.NewRegistry())
}

func TestSeedsStartUnknown(t *testing.T) {
	r := newTestRegistry("a:9042", "b:9042")
	nodes := r.Snapshot()
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, NodeUnknown, n.State())
		assert.True(t, n.Eligible())
	}
}

func TestListenerReplaysExistingNodes(t *testing.T) {
	r := newTestRegistry("a:9042", "b:9042")
	l := &recordingListener{}
	r.AddListener(l)
	assert.ElementsMatch(t, []string{"added a:9042", "added b:9042"}, l.events)
}

func TestApplyLifecycle(t *testing.T) {
	r := newTestRegistry("a:9042")
	l := &recordingListener{}
	r.AddListener(l)
	l.events = nil

	r.Apply(Event{Type: EventNodeAdded, Addr: "b:9042"})
	n, ok := r.Node("b:9042")
	require.True(t, ok)
	assert.Equal(t, NodeUp, n.State())

	// Duplicate add is a no-op.
	r.Apply(Event{Type: EventNodeAdded, Addr: "b:9042"})

	r.Apply(Event{Type: EventNodeDown, Addr: "b:9042"})
	assert.Equal(t, NodeDown, n.State())
	assert.False(t, n.Eligible())

	r.Apply(Event{Type: EventNodeUp, Addr: "b:9042"})
	assert.Equal(t, NodeUp, n.State())

	r.Apply(Event{Type: EventNodeRemoved, Addr: "b:9042"})
	_, ok = r.Node("b:9042")
	assert.False(t, ok)

	assert.Equal(t, []string{"added b:9042", "down b:9042", "up b:9042", "removed b:9042"}, l.events)
}

func TestUpEventForUnknownNodeAddsIt(t *testing.T) {
	r := newTestRegistry()
	l := &recordingListener{}
	r.AddListener(l)

	r.Apply(Event{Type: EventNodeUp, Addr: "c:9042"})
	n, ok := r.Node("c:9042")
	require.True(t, ok)
	assert.Equal(t, NodeUp, n.State())
	assert.Equal(t, []string{"added c:9042"}, l.events)
}

func TestDownEventForUnknownNodeIgnored(t *testing.T) {
	r := newTestRegistry()
	r.Apply(Event{Type: EventNodeDown, Addr: "c:9042"})
	assert.Empty(t, r.Snapshot())
}

func TestMarkUpMarkDown(t *testing.T) {
	r := newTestRegistry("a:9042")
	n, _ := r.Node("a:9042")

	r.MarkUp("a:9042")
	assert.Equal(t, NodeUp, n.State())

	r.MarkDown("a:9042")
	assert.Equal(t, NodeDown, n.State())

	// Redundant transitions don't flap listeners.
	l := &recordingListener{}
	r.AddListener(l)
	l.events = nil
	r.MarkDown("a:9042")
	assert.Empty(t, l.events)
}

func TestForcedDownIsSticky(t *testing.T) {
	r := newTestRegistry("a:9042")
	n, _ := r.Node("a:9042")
	r.MarkUp("a:9042")

	r.ForceDown("a:9042")
	assert.Equal(t, NodeForcedDown, n.State())
	assert.False(t, n.Eligible())

	// Neither health reports nor status events revive a pinned node.
	r.MarkUp("a:9042")
	assert.Equal(t, NodeForcedDown, n.State())
	r.Apply(Event{Type: EventNodeUp, Addr: "a:9042"})
	assert.Equal(t, NodeForcedDown, n.State())

	r.ForceUp("a:9042")
	assert.Equal(t, NodeUp, n.State())
}

func TestSetDistanceAffectsEligibility(t *testing.T) {
	r := newTestRegistry("a:9042")
	n, _ := r.Node("a:9042")
	r.MarkUp("a:9042")

	assert.Equal(t, DistanceLocal, n.Distance())
	r.SetDistance("a:9042", DistanceIgnored)
	assert.False(t, n.Eligible())
	r.SetDistance("a:9042", DistanceRemote)
	assert.True(t, n.Eligible())
}

func TestSnapshotIsStableCopy(t *testing.T) {
	r := newTestRegistry("b:9042", "a:9042")
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a:9042", snap[0].Addr)
	assert.Equal(t, "b:9042", snap[1].Addr)

	r.Apply(Event{Type: EventNodeRemoved, Addr: "a:9042"})
	assert.Len(t, snap, 2)
	assert.Len(t, r.Snapshot(), 1)
}

func TestCloseDrainsNodes(t *testing.T) {
	r := newTestRegistry("a:9042")
	l := &recordingListener{}
	r.AddListener(l)
	l.events = nil

	r.Close()
	assert.Equal(t, []string{"removed a:9042"}, l.events)
	assert.Empty(t, r.Snapshot())

	// Events after close are dropped.
	r.Apply(Event{Type: EventNodeAdded, Addr: "z:9042"})
	assert.Empty(t, r.Snapshot())
}
