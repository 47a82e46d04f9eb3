package peer

import "github.com/netmesh/corenet/wire"

// Table is the reactor's registry of connected peers, keyed by remote
// NodeId: at most one Peer per remote NodeId. Like every
// other reactor-owned structure it is mutated only from the reactor
// goroutine, so it carries no lock of its own.
type Table struct {
	byUID map[wire.NodeId]*Peer
}

func NewTable() *Table {
	return &Table{byUID: make(map[wire.NodeId]*Peer)}
}

func (t *Table) Get(uid wire.NodeId) (*Peer, bool) {
	p, ok := t.byUID[uid]
	return p, ok
}

func (t *Table) Put(p *Peer) {
	t.byUID[p.uid] = p
}

func (t *Table) Remove(uid wire.NodeId) {
	delete(t.byUID, uid)
}

func (t *Table) Len() int { return len(t.byUID) }

func (t *Table) Each(fn func(*Peer)) {
	for _, p := range t.byUID {
		fn(p)
	}
}
