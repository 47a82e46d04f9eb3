package peer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

// Bootstrap races candidates (the caller either interleaves hard-coded
// contacts with the bootstrap cache, or passes one batch of
// service-discovery results) concurrently and keeps whichever handshake completes first.
// Losing attempts are cancelled and their sockets closed. Outcome is
// reported entirely through hooks; Bootstrap itself returns nothing since
// it runs its race on background goroutines and only touches reactor
// state through r.Post.
func Bootstrap(r *reactor.Reactor, candidates []wire.Endpoint, timeout time.Duration, networkName string, ourUID wire.NodeId, ourListeners *wire.ListenerSet, cache *Cache, table *Table, hooks *Hooks, log *logrus.Entry) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithField("component", "bootstrap")

	ours := wire.Handshake{
		NetworkName: networkName,
		Uid:         ourUID,
		Kind:        wire.KindBootstrap,
		PubInfo:     wire.PubConnectionInfo{Uid: ourUID, Addrs: ourListeners.All()},
		Nonce:       randomNonce(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		outcome, err := raceHandshake(ctx, candidates, timeout, ours)
		if err != nil {
			entry.WithError(err).Info("bootstrap failed, no candidate reachable")
			r.Post(func(r *reactor.Reactor) { hooks.bootstrapFailed() })
			return
		}

		r.Post(func(r *reactor.Reactor) {
			finishBootstrap(r, outcome, ours.Nonce, networkName, ourUID, cache, table, hooks, entry)
		})
	}()
}

func finishBootstrap(r *reactor.Reactor, outcome *dialOutcome, ourNonce uint64, networkName string, ourUID wire.NodeId, cache *Cache, table *Table, hooks *Hooks, log *logrus.Entry) {
	h := outcome.handshake
	if h.NetworkName != networkName || h.Uid == ourUID {
		log.Warn("bootstrap candidate failed handshake validation")
		_ = outcome.sock.Close()
		hooks.bootstrapFailed()
		return
	}

	if existing, ok := table.Get(h.Uid); ok {
		if ourNonce < existing.handshakeNonce {
			existing.Terminate(r)
		} else {
			log.Info("duplicate connection, lower nonce already won, closing")
			_ = outcome.sock.Close()
			hooks.bootstrapFailed()
			return
		}
	}

	p, err := New(r, outcome.sock, h.Uid, wire.KindBootstrap, hooks, table, log)
	if err != nil {
		hooks.bootstrapFailed()
		return
	}
	p.handshakeNonce = ourNonce

	if cache != nil {
		cache.Insert(outcome.endpoint)
	}

	hooks.bootstrapConnect(h.Uid, wire.KindBootstrap)
	hooks.bootstrappedTo(h.Uid)
}
