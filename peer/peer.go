package peer

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/socket"
	"github.com/netmesh/corenet/wire"
)

// Liveness timers: a peer that misses EvasiveAfter is suspect, one that
// misses ExpiredAfter is dropped, checked once per ReapInterval.
var (
	EvasiveAfter = 3 * time.Second
	ExpiredAfter = 10 * time.Second
	ReapInterval = 1 * time.Second
)

// Peer is a connected remote: one framed socket plus the remote's
// identity. It exists only once its handshake has completed.
type Peer struct {
	log *logrus.Entry

	uid  wire.NodeId
	kind wire.PeerKind

	sock  *socket.Socket
	token reactor.Token

	hooks *Hooks
	table *Table

	// sentSeq/wantSeq are tracked one counter per priority lane: the
	// socket always drains system frames before default before
	// background (socket.dequeueNext), so a higher-priority frame queued
	// after a still-pending lower-priority one legitimately arrives first
	// on the wire and must not look like loss on a shared counter.
	sentSeq, wantSeq [wire.NumPriorities]uint16
	lastActivity     time.Time

	// handshakeNonce is the nonce this side presented during its
	// accept/connect handshake (random for accept and bootstrap, the
	// uid-XOR value for a direct connect), kept around to resolve a later duplicate
	// connection in favor of whichever side holds the lower nonce
	// connection.
	handshakeNonce uint64

	// whoAmIWaiter, when set, receives the address reported by the next
	// WhoAmIResponse this peer delivers; used by the nat package's mapping
	// probe. At most one probe per peer may be in flight at a time.
	whoAmIWaiter func(wire.SocketAddress)

	terminated bool
}

func newPeer(sock *socket.Socket, uid wire.NodeId, kind wire.PeerKind, hooks *Hooks, table *Table, log *logrus.Entry) *Peer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Peer{
		log:          log.WithFields(logrus.Fields{"component": "peer", "uid": uid.String(), "kind": kind.String()}),
		uid:          uid,
		kind:         kind,
		sock:         sock,
		hooks:        hooks,
		table:        table,
		lastActivity: time.Now(),
	}
}

// New wraps sock, already past handshake, as a live Peer and registers it
// with r under a fresh token for readable readiness.
func New(r *reactor.Reactor, sock *socket.Socket, uid wire.NodeId, kind wire.PeerKind, hooks *Hooks, table *Table, log *logrus.Entry) (*Peer, error) {
	p := newPeer(sock, uid, kind, hooks, table, log)

	token := r.NewToken()
	p.token = token
	if err := r.Register(sock.Fd(), token, reactor.Events{Readable: true}, p); err != nil {
		return nil, errors.Wrap(err, "peer: register")
	}

	table.Put(p)
	return p, nil
}

// Promote turns an already-registered token (typically owned by a
// BootstrapAcceptor whose handshake just completed) into
// a live Peer, reusing the fd's existing epoll registration: the winning
// socket carries straight on as the Peer.
func Promote(r *reactor.Reactor, token reactor.Token, sock *socket.Socket, uid wire.NodeId, kind wire.PeerKind, hooks *Hooks, table *Table, log *logrus.Entry) (*Peer, error) {
	p := newPeer(sock, uid, kind, hooks, table, log)
	p.token = token

	if err := r.Promote(token, p, reactor.Events{Readable: true}); err != nil {
		return nil, errors.Wrap(err, "peer: promote")
	}

	table.Put(p)
	return p, nil
}

// UID returns the remote node's identifier.
func (p *Peer) UID() wire.NodeId { return p.uid }

// Kind reports how this peer was reached.
func (p *Peer) Kind() wire.PeerKind { return p.kind }

// Send enqueues an application message for delivery. Oversize
// payloads are rejected locally and surfaced as WriteMsgSizeProhibitive
// instead of reaching the wire. Called from a façade command already
// running on the reactor goroutine, so r is always available to arm
// writable interest.
func (p *Peer) Send(r *reactor.Reactor, payload []byte, priority wire.Priority) error {
	if len(payload) > wire.MaxPayloadSize {
		p.hooks.writeMsgSizeProhibitive(p.uid, payload)
		return wire.ErrPayloadTooLarge
	}

	p.sentSeq[priority]++
	frame := wire.EncodeEnvelope(wire.Envelope{Kind: wire.EnvelopeData, Priority: priority, Sequence: p.sentSeq[priority], Payload: payload})

	if err := p.sock.Enqueue(frame, priority); err != nil {
		return err
	}

	if p.sock.HasPending() {
		p.rearm(r, false)
	}
	return nil
}

// Ready implements reactor.State.
func (p *Peer) Ready(r *reactor.Reactor, token reactor.Token, events reactor.Events) {
	if events.Error || events.Hup {
		p.terminate(r, errors.New("peer: socket error/hup"))
		return
	}

	if events.Writable {
		drained, err := p.sock.Flush()
		if err != nil {
			p.terminate(r, err)
			return
		}
		p.rearm(r, drained)
	}

	if events.Readable {
		p.onReadable(r)
	}
}

func (p *Peer) onReadable(r *reactor.Reactor) {
	frames, err := p.sock.ReadFrames()
	for _, raw := range frames {
		p.lastActivity = time.Now()

		env, derr := wire.DecodeEnvelope(raw)
		if derr != nil {
			p.log.WithError(derr).Warn("malformed frame, dropping peer")
			p.terminate(r, derr)
			return
		}

		if int(env.Priority) >= wire.NumPriorities {
			p.log.Warn("frame with invalid priority, dropping peer")
			p.terminate(r, errors.New("peer: invalid envelope priority"))
			return
		}
		p.wantSeq[env.Priority]++
		if env.Sequence != p.wantSeq[env.Priority] {
			p.log.Warn("out-of-order frame sequence, dropping peer")
			p.terminate(r, errors.New("peer: sequence mismatch"))
			return
		}

		switch env.Kind {
		case wire.EnvelopeData:
			p.hooks.newMessage(p.uid, env.Payload)
		case wire.EnvelopePing:
			p.sendControl(wire.EnvelopePingOk, nil)
		case wire.EnvelopePingOk:
			// liveness only; lastActivity already bumped above
		case wire.EnvelopeWhoAmI:
			p.sendControl(wire.EnvelopeWhoAmIResponse, wire.EncodeSocketAddress(p.sock.Remote()))
		case wire.EnvelopeWhoAmIResponse:
			if waiter := p.whoAmIWaiter; waiter != nil {
				p.whoAmIWaiter = nil
				if addr, derr := wire.DecodeSocketAddress(env.Payload); derr == nil {
					waiter(addr)
				}
			}
		}
	}

	if err != nil {
		p.terminate(r, err)
		return
	}

	if p.sock.HasPending() {
		p.rearm(r, false)
	}
}

// AskWhoAmI sends a WhoAmI probe on this peer's connection and arranges for
// onAddr to be called with the address this peer reports seeing us from.
// Returns false if a probe is already outstanding on this peer.
func (p *Peer) AskWhoAmI(r *reactor.Reactor, onAddr func(wire.SocketAddress)) bool {
	if p.whoAmIWaiter != nil {
		return false
	}
	p.whoAmIWaiter = onAddr
	p.sendControl(wire.EnvelopeWhoAmI, nil)
	if p.sock.HasPending() {
		p.rearm(r, false)
	}
	return true
}

func (p *Peer) sendControl(kind wire.EnvelopeKind, payload []byte) {
	p.sentSeq[wire.PrioritySystem]++
	frame := wire.EncodeEnvelope(wire.Envelope{Kind: kind, Priority: wire.PrioritySystem, Sequence: p.sentSeq[wire.PrioritySystem], Payload: payload})
	_ = p.sock.Enqueue(frame, wire.PrioritySystem)
}

// CheckLiveness is invoked by the reactor's reap timer; pings an evasive
// peer and terminates an expired one.
func (p *Peer) CheckLiveness(r *reactor.Reactor) {
	idle := time.Since(p.lastActivity)
	if idle >= ExpiredAfter {
		p.terminate(r, errors.New("peer: liveness expired"))
		return
	}
	if idle >= EvasiveAfter {
		p.sendControl(wire.EnvelopePing, nil)
		if p.sock.HasPending() {
			p.rearm(r, false)
		}
	}
}

func (p *Peer) rearm(r *reactor.Reactor, drained bool) {
	events := reactor.Events{Readable: true}
	if !drained {
		events.Writable = true
	}
	_ = r.Reregister(p.token, events)
}

func (p *Peer) terminate(r *reactor.Reactor, cause error) {
	if cause != nil {
		p.log.WithError(cause).Info("peer lost")
	}
	p.Terminate(r)
}

// Terminate implements reactor.State.
func (p *Peer) Terminate(r *reactor.Reactor) {
	if p.terminated {
		return
	}
	p.terminated = true

	r.Deregister(p.token)
	_ = p.sock.Close()
	p.table.Remove(p.uid)
	p.hooks.lostPeer(p.uid)
}
