package wire

import "sync"

// ListenerSet is the our_listeners shared state: read by service discovery
// on every outgoing Response and by every outgoing handshake's PubInfo. It
// changes only through Set and Add; the peer Listener does not write to it.
// The critical section is always copy-out/copy-in only.
type ListenerSet struct {
	mu    sync.Mutex
	addrs []MappedAddress
}

// Set replaces the current listener set.
func (s *ListenerSet) Set(addrs []MappedAddress) {
	s.mu.Lock()
	s.addrs = append([]MappedAddress(nil), addrs...)
	s.mu.Unlock()
}

// Add appends one mapping to the set.
func (s *ListenerSet) Add(addr MappedAddress) {
	s.mu.Lock()
	s.addrs = append(s.addrs, addr)
	s.mu.Unlock()
}

// All returns a copy of every mapping, restricted or not.
func (s *ListenerSet) All() []MappedAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MappedAddress(nil), s.addrs...)
}

// NonRestricted returns only the mappings safe to advertise to third
// parties.
func (s *ListenerSet) NonRestricted() []SocketAddress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SocketAddress, 0, len(s.addrs))
	for _, m := range s.addrs {
		if !m.NatRestricted {
			out = append(out, m.Addr)
		}
	}
	return out
}
