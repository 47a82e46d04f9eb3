package peer

import "github.com/netmesh/corenet/wire"

// Hooks is how the peer subsystem reports outcomes upward without importing
// the façade package (which imports peer): the façade fills in a Hooks
// value with closures that translate each call into one of its published
// Events.
type Hooks struct {
	OnNewMessage              func(uid wire.NodeId, payload []byte)
	OnLostPeer                func(uid wire.NodeId)
	OnBootstrapAccept         func(uid wire.NodeId, kind wire.PeerKind)
	OnBootstrapConnect        func(uid wire.NodeId, kind wire.PeerKind)
	OnBootstrappedTo          func(uid wire.NodeId)
	OnBootstrapFailed         func()
	OnConnectSuccess          func(uid wire.NodeId)
	OnConnectFailure          func(uid wire.NodeId, reason error)
	OnListenerStarted         func(port uint16)
	OnListenerFailed          func(err error)
	OnWriteMsgSizeProhibitive func(uid wire.NodeId, payload []byte)
}

func (h *Hooks) newMessage(uid wire.NodeId, payload []byte) {
	if h != nil && h.OnNewMessage != nil {
		h.OnNewMessage(uid, payload)
	}
}

func (h *Hooks) lostPeer(uid wire.NodeId) {
	if h != nil && h.OnLostPeer != nil {
		h.OnLostPeer(uid)
	}
}

func (h *Hooks) bootstrapAccept(uid wire.NodeId, kind wire.PeerKind) {
	if h != nil && h.OnBootstrapAccept != nil {
		h.OnBootstrapAccept(uid, kind)
	}
}

func (h *Hooks) bootstrapConnect(uid wire.NodeId, kind wire.PeerKind) {
	if h != nil && h.OnBootstrapConnect != nil {
		h.OnBootstrapConnect(uid, kind)
	}
}

func (h *Hooks) bootstrappedTo(uid wire.NodeId) {
	if h != nil && h.OnBootstrappedTo != nil {
		h.OnBootstrappedTo(uid)
	}
}

func (h *Hooks) bootstrapFailed() {
	if h != nil && h.OnBootstrapFailed != nil {
		h.OnBootstrapFailed()
	}
}

func (h *Hooks) connectSuccess(uid wire.NodeId) {
	if h != nil && h.OnConnectSuccess != nil {
		h.OnConnectSuccess(uid)
	}
}

func (h *Hooks) connectFailure(uid wire.NodeId, reason error) {
	if h != nil && h.OnConnectFailure != nil {
		h.OnConnectFailure(uid, reason)
	}
}

func (h *Hooks) listenerStarted(port uint16) {
	if h != nil && h.OnListenerStarted != nil {
		h.OnListenerStarted(port)
	}
}

func (h *Hooks) listenerFailed(err error) {
	if h != nil && h.OnListenerFailed != nil {
		h.OnListenerFailed(err)
	}
}

func (h *Hooks) writeMsgSizeProhibitive(uid wire.NodeId, payload []byte) {
	if h != nil && h.OnWriteMsgSizeProhibitive != nil {
		h.OnWriteMsgSizeProhibitive(uid, payload)
	}
}
