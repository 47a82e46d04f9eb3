package peer

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

// node bundles everything one end of a loopback handshake test needs: its
// own reactor, table, and a Hooks wired to buffered channels so assertions
// can wait on specific outcomes without polling reactor-owned state from
// the test goroutine.
type node struct {
	r     *reactor.Reactor
	table *Table
	uid   wire.NodeId
	hooks *Hooks

	bootstrapAccept  chan wire.NodeId
	bootstrapConnect chan wire.NodeId
	bootstrappedTo   chan wire.NodeId
	bootstrapFailed  chan struct{}
	connectSuccess   chan wire.NodeId
	connectFailure   chan error
	lostPeer         chan wire.NodeId
}

func newNode(t *testing.T) *node {
	t.Helper()
	r, err := reactor.New(nil)
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Shutdown)

	n := &node{
		r:     r,
		table: NewTable(),
		uid:   wire.NewNodeId(),

		bootstrapAccept:  make(chan wire.NodeId, 8),
		bootstrapConnect: make(chan wire.NodeId, 8),
		bootstrappedTo:   make(chan wire.NodeId, 8),
		bootstrapFailed:  make(chan struct{}, 8),
		connectSuccess:   make(chan wire.NodeId, 8),
		connectFailure:   make(chan error, 8),
		lostPeer:         make(chan wire.NodeId, 8),
	}
	n.hooks = &Hooks{
		OnBootstrapAccept:  func(uid wire.NodeId, _ wire.PeerKind) { n.bootstrapAccept <- uid },
		OnBootstrapConnect: func(uid wire.NodeId, _ wire.PeerKind) { n.bootstrapConnect <- uid },
		OnBootstrappedTo:   func(uid wire.NodeId) { n.bootstrappedTo <- uid },
		OnBootstrapFailed:  func() { n.bootstrapFailed <- struct{}{} },
		OnConnectSuccess:   func(uid wire.NodeId) { n.connectSuccess <- uid },
		OnConnectFailure:   func(uid wire.NodeId, reason error) { n.connectFailure <- reason },
		OnLostPeer:         func(uid wire.NodeId) { n.lostPeer <- uid },
	}
	return n
}

// listen starts a Listener on n's reactor and returns the loopback endpoint
// other nodes should dial.
func (n *node) listen(t *testing.T) wire.Endpoint {
	t.Helper()
	started := make(chan wire.Endpoint, 1)
	failed := make(chan error, 1)
	n.r.Post(func(r *reactor.Reactor) {
		l, err := StartListener(r, 0, "test-net", n.uid, &wire.ListenerSet{}, nil, nil, n.hooks, n.table, testLog())
		if err != nil {
			failed <- err
			return
		}
		started <- wire.TcpEndpoint(wire.SocketAddress{IP: net.ParseIP("127.0.0.1"), Port: l.Port()})
	})

	select {
	case ep := <-started:
		return ep
	case err := <-failed:
		t.Fatalf("listener failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never started")
	}
	return wire.Endpoint{}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func waitNodeID(t *testing.T, ch <-chan wire.NodeId, timeout time.Duration) wire.NodeId {
	t.Helper()
	select {
	case uid := <-ch:
		return uid
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}
	return wire.NodeId{}
}

func TestBootstrapHandshakeSucceeds(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	epB := b.listen(t)

	a.r.Post(func(r *reactor.Reactor) {
		Bootstrap(r, []wire.Endpoint{epB}, 2*time.Second, "test-net", a.uid, &wire.ListenerSet{}, nil, a.table, a.hooks, testLog())
	})

	gotOnA := waitNodeID(t, a.bootstrapConnect, 2*time.Second)
	assert.Equal(t, b.uid, gotOnA)
	assert.Equal(t, b.uid, waitNodeID(t, a.bootstrappedTo, 2*time.Second))

	gotOnB := waitNodeID(t, b.bootstrapAccept, 2*time.Second)
	assert.Equal(t, a.uid, gotOnB)
}

func TestBootstrapFailureNoReachableCandidate(t *testing.T) {
	a := newNode(t)

	unreachable := wire.TcpEndpoint(wire.SocketAddress{IP: net.ParseIP("127.0.0.1"), Port: 1})

	a.r.Post(func(r *reactor.Reactor) {
		Bootstrap(r, []wire.Endpoint{unreachable}, 2*time.Second, "test-net", a.uid, &wire.ListenerSet{}, nil, a.table, a.hooks, testLog())
	})

	select {
	case <-a.bootstrapFailed:
	case <-time.After(3 * time.Second):
		t.Fatal("expected BootstrapFailed, got nothing")
	}
}

func TestConnectHandshakeSucceeds(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	epB := b.listen(t)

	info := wire.ConnectionInfo{
		Pub: wire.PubConnectionInfo{
			Uid:   b.uid,
			Addrs: []wire.MappedAddress{{Addr: epB.Tcp}},
		},
	}

	a.r.Post(func(r *reactor.Reactor) {
		Connect(r, a.uid, "test-net", &wire.ListenerSet{}, info, 2*time.Second, a.hooks, a.table, testLog())
	})

	assert.Equal(t, b.uid, waitNodeID(t, a.connectSuccess, 2*time.Second))

	gotOnB := waitNodeID(t, b.bootstrapAccept, 2*time.Second)
	assert.Equal(t, a.uid, gotOnB)
}

func TestConnectFailureUnreachableCandidate(t *testing.T) {
	a := newNode(t)

	info := wire.ConnectionInfo{
		Pub: wire.PubConnectionInfo{
			Uid:   wire.NewNodeId(),
			Addrs: []wire.MappedAddress{{Addr: wire.SocketAddress{IP: net.ParseIP("127.0.0.1"), Port: 1}}},
		},
	}

	a.r.Post(func(r *reactor.Reactor) {
		Connect(r, a.uid, "test-net", &wire.ListenerSet{}, info, 2*time.Second, a.hooks, a.table, testLog())
	})

	select {
	case err := <-a.connectFailure:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("expected ConnectFailure, got nothing")
	}
}

// TestMutualBootstrapDuplicateTieBreak has both nodes bootstrap to each
// other concurrently, so each ends up with two sockets claiming the same
// remote uid: its own outbound attempt, and the inbound connection from the
// other side's outbound attempt. Exactly one must survive on each side.
func TestMutualBootstrapDuplicateTieBreak(t *testing.T) {
	a := newNode(t)
	b := newNode(t)
	epA := a.listen(t)
	epB := b.listen(t)

	a.r.Post(func(r *reactor.Reactor) {
		Bootstrap(r, []wire.Endpoint{epB}, 2*time.Second, "test-net", a.uid, &wire.ListenerSet{}, nil, a.table, a.hooks, testLog())
	})
	b.r.Post(func(r *reactor.Reactor) {
		Bootstrap(r, []wire.Endpoint{epA}, 2*time.Second, "test-net", b.uid, &wire.ListenerSet{}, nil, b.table, b.hooks, testLog())
	})

	require.Eventually(t, func() bool {
		var lenA, lenB int
		doneA := make(chan struct{})
		doneB := make(chan struct{})
		a.r.Post(func(r *reactor.Reactor) { lenA = a.table.Len(); close(doneA) })
		b.r.Post(func(r *reactor.Reactor) { lenB = b.table.Len(); close(doneB) })
		<-doneA
		<-doneB
		return lenA == 1 && lenB == 1
	}, 3*time.Second, 20*time.Millisecond, "both tables should converge to exactly one peer each")

	var uidOnA, uidOnB wire.NodeId
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	a.r.Post(func(r *reactor.Reactor) {
		a.table.Each(func(p *Peer) { uidOnA = p.UID() })
		close(doneA)
	})
	b.r.Post(func(r *reactor.Reactor) {
		b.table.Each(func(p *Peer) { uidOnB = p.UID() })
		close(doneB)
	})
	<-doneA
	<-doneB

	assert.Equal(t, b.uid, uidOnA)
	assert.Equal(t, a.uid, uidOnB)
}
