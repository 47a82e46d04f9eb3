package peer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

// ErrConnectExhausted is reported when every mapped address for a direct
// connect attempt failed or timed out.
var ErrConnectExhausted = errors.New("peer: direct connect exhausted all candidates")

// Connect races every mapped address advertised in info concurrently and
// keeps whichever socket's handshake completes first, reusing the same
// raceHandshake/dialAndHandshake machinery Bootstrap uses: the accepting
// side is always a Listener's BootstrapAcceptor, so the handshake presented
// here is the ordinary tagged wire.Handshake (Kind: KindNode) rather than a
// bespoke format. Nonce carries the XOR of both uids, so a remote that is
// also racing Connect() against us independently arrives at the identical
// value.
func Connect(r *reactor.Reactor, ourUID wire.NodeId, networkName string, ourListeners *wire.ListenerSet, info wire.ConnectionInfo, timeout time.Duration, hooks *Hooks, table *Table, log *logrus.Entry) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	remoteUID := info.Pub.Uid
	entry := log.WithFields(logrus.Fields{"component": "connect", "remote": remoteUID.String()})

	candidates := make([]wire.Endpoint, 0, len(info.Pub.Addrs))
	for _, m := range info.Pub.Addrs {
		candidates = append(candidates, wire.TcpEndpoint(m.Addr))
	}

	nonce := wire.ConnectNonce(ourUID, remoteUID)
	ours := wire.Handshake{
		NetworkName: networkName,
		Uid:         ourUID,
		Kind:        wire.KindNode,
		PubInfo:     wire.PubConnectionInfo{Uid: ourUID, Addrs: ourListeners.All()},
		Nonce:       nonce,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		outcome, err := raceHandshake(ctx, candidates, timeout, ours)
		if err != nil {
			entry.WithError(err).Info("direct connect exhausted all candidates")
			r.Post(func(r *reactor.Reactor) { hooks.connectFailure(remoteUID, ErrConnectExhausted) })
			return
		}

		r.Post(func(r *reactor.Reactor) {
			finishConnect(r, outcome, nonce, networkName, remoteUID, hooks, table, entry)
		})
	}()
}

func finishConnect(r *reactor.Reactor, outcome *dialOutcome, ourNonce uint64, networkName string, remoteUID wire.NodeId, hooks *Hooks, table *Table, log *logrus.Entry) {
	h := outcome.handshake
	if h.NetworkName != networkName || h.Uid != remoteUID {
		log.Warn("direct connect candidate failed handshake validation")
		_ = outcome.sock.Close()
		hooks.connectFailure(remoteUID, errors.New("peer: unexpected remote on direct connect"))
		return
	}

	if _, exists := table.Get(remoteUID); exists {
		log.Info("already connected to this peer, dropping redundant direct-connect socket")
		_ = outcome.sock.Close()
		hooks.connectFailure(remoteUID, errors.New("peer: already connected"))
		return
	}

	p, err := New(r, outcome.sock, remoteUID, wire.KindNode, hooks, table, log)
	if err != nil {
		hooks.connectFailure(remoteUID, err)
		return
	}
	p.handshakeNonce = ourNonce

	hooks.connectSuccess(remoteUID)
}
