package nat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/netmesh/corenet/peer"
	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

func TestProbeWithNoConnectedPeersReportsErrNoEchoers(t *testing.T) {
	r, err := reactor.New(nil)
	assert.NoError(t, err)
	go r.Run()
	defer r.Shutdown()

	p := NewProber(time.Second, nil)
	table := peer.NewTable()

	done := make(chan error, 1)
	r.Post(func(r *reactor.Reactor) {
		p.Probe(r, table, 0, func(mapped []wire.MappedAddress, err error) {
			done <- err
		})
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoEchoers)
	case <-time.After(2 * time.Second):
		t.Fatal("probe never reported")
	}
}
