package peer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/netmesh/corenet/wire"
)

func TestTablePutGetRemove(t *testing.T) {
	tbl := NewTable()
	uid := wire.NewNodeId()
	p := &Peer{uid: uid}

	_, ok := tbl.Get(uid)
	assert.False(t, ok)

	tbl.Put(p)
	got, ok := tbl.Get(uid)
	assert.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, 1, tbl.Len())

	tbl.Remove(uid)
	_, ok = tbl.Get(uid)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableEachVisitsAll(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 3; i++ {
		tbl.Put(&Peer{uid: wire.NewNodeId()})
	}

	count := 0
	tbl.Each(func(*Peer) { count++ })
	assert.Equal(t, 3, count)
}

func TestWhitelistNilAllowsEverything(t *testing.T) {
	var w *Whitelist
	assert.True(t, w.AllowsIP(net.ParseIP("1.2.3.4")))
}

func TestWhitelistEmptyAllowsEverything(t *testing.T) {
	w := NewWhitelist(nil)
	assert.True(t, w.AllowsIP(net.ParseIP("1.2.3.4")))
}

func TestWhitelistRestrictsToListedIPs(t *testing.T) {
	w := NewWhitelist([]net.IP{net.ParseIP("10.0.0.1")})

	assert.True(t, w.AllowsIP(net.ParseIP("10.0.0.1")))
	assert.False(t, w.AllowsIP(net.ParseIP("10.0.0.2")))
}

func TestWhitelistHandlesIPv6(t *testing.T) {
	w := NewWhitelist([]net.IP{net.ParseIP("::1")})

	assert.True(t, w.AllowsIP(net.ParseIP("::1")))
	assert.False(t, w.AllowsIP(net.ParseIP("::2")))
}
