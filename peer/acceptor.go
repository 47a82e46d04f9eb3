package peer

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/socket"
	"github.com/netmesh/corenet/wire"
)

// BootstrapAcceptor runs the incoming handshake for one freshly accepted
// connection: exchange (network_name, uid, kind, pub_info, nonce),
// validate, and either hand off to Peer or close.
type BootstrapAcceptor struct {
	log *logrus.Entry

	sock  *socket.Socket
	token reactor.Token

	networkName     string
	ourUID          wire.NodeId
	ourListeners    *wire.ListenerSet
	clientWhitelist *Whitelist
	nonce           uint64

	hooks *Hooks
	table *Table

	sentOurs  bool
	terminated bool
}

// StartAcceptor begins the handshake on sock, which was just accepted by a
// Listener. It registers sock with r for readable+writable (we must both
// send our own handshake and read theirs). clientWhitelist, if non-nil, is
// checked once the remote's declared kind is known: a remote declaring
// PeerKind Node (a direct-connect-style client rather than a bootstrap
// partner) must additionally pass it.
func StartAcceptor(r *reactor.Reactor, sock *socket.Socket, networkName string, ourUID wire.NodeId, ourListeners *wire.ListenerSet, clientWhitelist *Whitelist, hooks *Hooks, table *Table, log *logrus.Entry) (*BootstrapAcceptor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	a := &BootstrapAcceptor{
		log:             log.WithFields(logrus.Fields{"component": "bootstrap_acceptor", "remote": sock.Remote().String()}),
		sock:            sock,
		networkName:     networkName,
		ourUID:          ourUID,
		ourListeners:    ourListeners,
		clientWhitelist: clientWhitelist,
		nonce:           randomNonce(),
		hooks:           hooks,
		table:           table,
	}

	token := r.NewToken()
	a.token = token
	if err := r.Register(sock.Fd(), token, reactor.Events{Readable: true, Writable: true}, a); err != nil {
		return nil, errors.Wrap(err, "peer: register acceptor")
	}

	return a, nil
}

// Ready implements reactor.State.
func (a *BootstrapAcceptor) Ready(r *reactor.Reactor, token reactor.Token, events reactor.Events) {
	if events.Error || events.Hup {
		a.fail(r, errors.New("bootstrap_acceptor: socket error/hup"))
		return
	}

	if events.Writable {
		if !a.sentOurs {
			if err := a.sendOurHandshake(); err != nil {
				a.fail(r, err)
				return
			}
			a.sentOurs = true
		}
		drained, err := a.sock.Flush()
		if err != nil {
			a.fail(r, err)
			return
		}
		_ = drained
	}

	if events.Readable {
		a.onReadable(r)
	}
}

func (a *BootstrapAcceptor) sendOurHandshake() error {
	h := wire.Handshake{
		NetworkName: a.networkName,
		Uid:         a.ourUID,
		Kind:        wire.KindNode,
		PubInfo: wire.PubConnectionInfo{
			Uid:   a.ourUID,
			Addrs: a.ourListeners.All(),
		},
		Nonce: a.nonce,
	}
	encoded, err := wire.EncodeHandshake(h)
	if err != nil {
		return err
	}
	return a.sock.Enqueue(encoded, wire.PrioritySystem)
}

func (a *BootstrapAcceptor) onReadable(r *reactor.Reactor) {
	frames, err := a.sock.ReadFrames()
	for _, raw := range frames {
		h, derr := wire.DecodeHandshake(raw)
		if derr != nil {
			a.fail(r, errors.Wrap(derr, "bootstrap_acceptor: malformed handshake"))
			return
		}
		a.onHandshake(r, h)
		return
	}

	if err != nil {
		a.fail(r, err)
	}
}

func (a *BootstrapAcceptor) onHandshake(r *reactor.Reactor, h wire.Handshake) {
	if h.NetworkName != a.networkName {
		a.fail(r, errors.Errorf("bootstrap_acceptor: network name mismatch %q", h.NetworkName))
		return
	}
	if h.Uid == a.ourUID {
		a.fail(r, errors.New("bootstrap_acceptor: remote uid equals our own"))
		return
	}
	if h.Kind == wire.KindNode && !a.clientWhitelist.AllowsIP(a.sock.Remote().IP) {
		a.fail(r, errors.New("bootstrap_acceptor: remote not in client whitelist"))
		return
	}

	if existing, ok := a.table.Get(h.Uid); ok {
		if a.nonce < existing.handshakeNonce {
			existing.Terminate(r)
		} else {
			a.log.Info("duplicate connection, lower nonce already won, closing")
			a.fail(r, errors.New("bootstrap_acceptor: duplicate connection lost tie-break"))
			return
		}
	}

	peer, err := Promote(r, a.token, a.sock, h.Uid, h.Kind, a.hooks, a.table, a.log)
	if err != nil {
		a.fail(r, err)
		return
	}
	peer.handshakeNonce = a.nonce

	a.hooks.bootstrapAccept(h.Uid, h.Kind)
}

func (a *BootstrapAcceptor) fail(r *reactor.Reactor, cause error) {
	a.log.WithError(cause).Debug("bootstrap acceptance failed")
	a.Terminate(r)
}

// Terminate implements reactor.State.
func (a *BootstrapAcceptor) Terminate(r *reactor.Reactor) {
	if a.terminated {
		return
	}
	a.terminated = true
	r.Deregister(a.token)
	_ = a.sock.Close()
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
