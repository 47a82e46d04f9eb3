package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(nil)
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Shutdown)
	return r
}

// TestBeaconRoundTrip mirrors spec.md's scenario 1: node A advertises a
// non-restricted listener, node B seeks peers and must observe exactly
// that address.
func TestBeaconRoundTrip(t *testing.T) {
	rA := newTestReactor(t)
	rB := newTestReactor(t)

	listenersA := &wire.ListenerSet{}
	listenersA.Set([]wire.MappedAddress{
		{Addr: wire.SocketAddress{IP: net.ParseIP("138.139.140.150").To4(), Port: 54321}, NatRestricted: false},
	})

	const port = 65530

	var beaconA *Beacon
	started := make(chan struct{})
	rA.Post(func(r *reactor.Reactor) {
		b, err := Start(r, reactor.Context(1), listenersA, port, nil)
		require.NoError(t, err)
		b.SetListen(true)
		beaconA = b
		close(started)
	})
	<-started

	listenersB := &wire.ListenerSet{}
	observed := make(chan []wire.SocketAddress, 1)

	var beaconB *Beacon
	startedB := make(chan struct{})
	rB.Post(func(r *reactor.Reactor) {
		b, err := Start(r, reactor.Context(1), listenersB, port, nil)
		require.NoError(t, err)
		b.RegisterObserver(observed)
		beaconB = b
		close(startedB)
	})
	<-startedB

	rB.Post(func(r *reactor.Reactor) {
		require.NoError(t, beaconB.SeekPeers())
	})

	select {
	case got := <-observed:
		require.Len(t, got, 1)
		require.True(t, got[0].Equal(wire.SocketAddress{IP: net.ParseIP("138.139.140.150").To4(), Port: 54321}))
	case <-time.After(time.Second):
		t.Fatal("observer never received a response")
	}

	_ = beaconA
}

func TestBeaconIgnoresItsOwnRequest(t *testing.T) {
	r := newTestReactor(t)

	listeners := &wire.ListenerSet{}
	var b *Beacon
	started := make(chan struct{})
	r.Post(func(r *reactor.Reactor) {
		var err error
		b, err = Start(r, reactor.Context(1), listeners, 65531, nil)
		require.NoError(t, err)
		b.SetListen(true)
		close(started)
	})
	<-started

	req, err := wire.EncodeDiscoveryRequest(wire.DiscoveryRequest{Guid: b.guid})
	require.NoError(t, err)

	msg, err := wire.DecodeDiscovery(req)
	require.NoError(t, err)
	decoded := msg.(wire.DiscoveryRequest)
	require.Equal(t, b.guid, decoded.Guid)

	// Deliver that request to the listening beacon: it carries the beacon's
	// own guid, so no Response may come back.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.WriteToUDP(req, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(b.Port())})
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = conn.ReadFromUDP(make([]byte, 1024))
	require.Error(t, err, "beacon answered a request carrying its own guid")
}
