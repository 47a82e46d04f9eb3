// Package nat implements the mapping probe that backs prepare_connection_info:
// a STUN-style echo, but run against already-connected peers rather than a
// dedicated STUN deployment, since nothing in this core assumes one exists.
// Each connected peer already observed our remote address on accept or
// connect; asking several of them and comparing answers tells us whether
// our externally-visible mapping is the same from every vantage point
// (safe to advertise) or only valid through one specific remote (NAT
// restricted, per the data model's MappedAddress.NatRestricted).
package nat

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/peer"
	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

// ErrNoEchoers is reported when there are no connected peers to probe
// against, so no mapping can be determined.
var ErrNoEchoers = errors.New("nat: no connected peers available to probe mapping")

// DefaultMaxEchoers bounds how many connected peers a single probe asks.
const DefaultMaxEchoers = 3

// Prober runs one mapping probe at a time per Service; callers own
// serializing concurrent prepare_connection_info calls if that matters.
type Prober struct {
	log     *logrus.Entry
	timeout time.Duration
}

// NewProber builds a Prober with the given per-probe deadline.
func NewProber(timeout time.Duration, log *logrus.Entry) *Prober {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{log: log.WithField("component", "nat_prober"), timeout: timeout}
}

// Probe asks up to maxEchoers connected peers what address they observe us
// from and reports the aggregated, tagged result through done, which runs
// on the reactor goroutine exactly once. Must itself be called from the
// reactor goroutine.
func (p *Prober) Probe(r *reactor.Reactor, table *peer.Table, maxEchoers int, done func([]wire.MappedAddress, error)) {
	if maxEchoers <= 0 {
		maxEchoers = DefaultMaxEchoers
	}

	var echoers []*peer.Peer
	table.Each(func(pr *peer.Peer) {
		if len(echoers) < maxEchoers {
			echoers = append(echoers, pr)
		}
	})
	if len(echoers) == 0 {
		done(nil, ErrNoEchoers)
		return
	}

	observed := make(map[string]int)
	representative := make(map[string]wire.SocketAddress)
	remaining := len(echoers)
	finished := false

	finish := func() {
		if finished {
			return
		}
		finished = true

		mapped := make([]wire.MappedAddress, 0, len(observed))
		for key, count := range observed {
			mapped = append(mapped, wire.MappedAddress{
				Addr:          representative[key],
				NatRestricted: count <= 1,
			})
		}
		done(mapped, nil)
	}

	for _, echoer := range echoers {
		sent := echoer.AskWhoAmI(r, func(addr wire.SocketAddress) {
			if finished {
				return
			}
			key := addr.String()
			observed[key]++
			representative[key] = addr
			remaining--
			if remaining == 0 {
				finish()
			}
		})
		if !sent {
			remaining--
		}
	}

	if remaining <= 0 {
		finish()
		return
	}

	time.AfterFunc(p.timeout, func() {
		r.Post(func(r *reactor.Reactor) {
			if !finished {
				p.log.Warn("mapping probe timed out with echoers outstanding")
			}
			finish()
		})
	})
}
