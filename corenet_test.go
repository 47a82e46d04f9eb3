package corenet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/corenet/wire"
)

func testConfig() Config {
	cfg := NewConfig("corenet-test")
	cfg.ServiceDiscoveryListen = false
	cfg.ServiceDiscoveryPort = 0
	cfg.TCPAcceptorPort = 0
	return cfg
}

func waitForEvent(t *testing.T, events <-chan *Event, kind EventKind) *Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("never observed event kind %v", kind)
		}
	}
}

func TestStartBringsUpListenerAndShutsDownCleanly(t *testing.T) {
	events := make(chan *Event, 16)
	svc, err := Start(events, wire.NewNodeId(), testConfig(), nil)
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventListenerStarted)
	assert.NotZero(t, ev.Port())

	svc.Shutdown()
}

func TestSendToUnknownPeerEmitsWriteMsgSizeProhibitive(t *testing.T) {
	events := make(chan *Event, 16)
	svc, err := Start(events, wire.NewNodeId(), testConfig(), nil)
	require.NoError(t, err)
	defer svc.Shutdown()

	waitForEvent(t, events, EventListenerStarted)

	unknown := wire.NewNodeId()
	svc.Send(unknown, []byte("hello"), wire.PriorityDefault)

	ev := waitForEvent(t, events, EventWriteMsgSizeProhibitive)
	assert.Equal(t, unknown, ev.Peer())
	assert.Error(t, ev.Err())
}

func TestDisconnectUnknownPeerIsNoop(t *testing.T) {
	events := make(chan *Event, 16)
	svc, err := Start(events, wire.NewNodeId(), testConfig(), nil)
	require.NoError(t, err)
	defer svc.Shutdown()

	waitForEvent(t, events, EventListenerStarted)

	done := make(chan struct{})
	svc.Disconnect(wire.NewNodeId())
	svc.PrepareConnectionInfo(42)

	ev := waitForEvent(t, events, EventConnectionInfoPrepared)
	assert.Equal(t, uint64(42), ev.ResultToken())
	close(done)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	events := make(chan *Event, 1)
	cfg := NewConfig("")
	_, err := Start(events, wire.NewNodeId(), cfg, nil)
	assert.ErrorIs(t, err, ErrConfig)
}
