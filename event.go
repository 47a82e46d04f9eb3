package corenet

import "github.com/netmesh/corenet/wire"

// EventKind defines the variant carried by an Event.
type EventKind int

// Event kinds, one per Service outcome a caller can observe.
const (
	EventBootstrapAccept EventKind = iota + 1
	EventBootstrapConnect
	EventBootstrapFailed
	EventBootstrappedTo
	EventExternalReachabilityTestSuccess
	EventExternalReachabilityTestFailure
	EventConnectionInfoPrepared
	EventConnectSuccess
	EventConnectFailure
	EventNewMessage
	EventLostPeer
	EventListenerStarted
	EventListenerFailed
	EventWriteMsgSizeProhibitive
)

// Converts EventKind to string.
func (e EventKind) String() string {
	switch e {
	case EventBootstrapAccept:
		return "BootstrapAccept"
	case EventBootstrapConnect:
		return "BootstrapConnect"
	case EventBootstrapFailed:
		return "BootstrapFailed"
	case EventBootstrappedTo:
		return "BootstrappedTo"
	case EventExternalReachabilityTestSuccess:
		return "ExternalReachabilityTestSuccess"
	case EventExternalReachabilityTestFailure:
		return "ExternalReachabilityTestFailure"
	case EventConnectionInfoPrepared:
		return "ConnectionInfoPrepared"
	case EventConnectSuccess:
		return "ConnectSuccess"
	case EventConnectFailure:
		return "ConnectFailure"
	case EventNewMessage:
		return "NewMessage"
	case EventLostPeer:
		return "LostPeer"
	case EventListenerStarted:
		return "ListenerStarted"
	case EventListenerFailed:
		return "ListenerFailed"
	case EventWriteMsgSizeProhibitive:
		return "WriteMsgSizeProhibitive"
	}

	return ""
}

// Event carries one outcome a running Service reports on its caller's event
// channel. Only the fields relevant to Kind are populated; the rest hold
// their zero value.
type Event struct {
	kind EventKind

	peer     wire.NodeId
	peerKind wire.PeerKind // BootstrapAccept: remote's declared kind; BootstrapConnect: KindBootstrap

	port uint16 // ListenerStarted

	resultToken uint64              // ConnectionInfoPrepared
	connInfo    wire.ConnectionInfo // ConnectionInfoPrepared, success case

	message []byte // NewMessage, WriteMsgSizeProhibitive

	err error // every failure variant
}

// Kind returns the event's variant.
func (e *Event) Kind() EventKind {
	return e.kind
}

// Peer returns the remote node id the event concerns. Zero for events that
// are not peer-scoped (ListenerStarted, ListenerFailed, ConnectionInfoPrepared).
func (e *Event) Peer() wire.NodeId {
	return e.peer
}

// PeerKind returns the remote's declared role for a BootstrapAccept event,
// and KindBootstrap for a BootstrapConnect event.
func (e *Event) PeerKind() wire.PeerKind {
	return e.peerKind
}

// Port returns the bound TCP port for a ListenerStarted event.
func (e *Event) Port() uint16 {
	return e.port
}

// ResultToken returns the caller-supplied token this ConnectionInfoPrepared
// event answers, letting overlapping PrepareConnectionInfo calls be told
// apart.
func (e *Event) ResultToken() uint64 {
	return e.resultToken
}

// ConnectionInfo returns the prepared connection info on a successful
// ConnectionInfoPrepared event. Zero value if Err is non-nil.
func (e *Event) ConnectionInfo() wire.ConnectionInfo {
	return e.connInfo
}

// Message returns the payload of a NewMessage event, or the message that was
// rejected on a WriteMsgSizeProhibitive event.
func (e *Event) Message() []byte {
	return e.message
}

// Err returns the failure cause for a *Failed/*Failure event, or nil for a
// success variant.
func (e *Event) Err() error {
	return e.err
}
