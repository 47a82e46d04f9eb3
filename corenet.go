// Package corenet implements a reactor-driven peer-to-peer connection
// service: TCP bootstrap and direct-connect, a LAN discovery beacon, and a
// STUN-style mapping probe, all behind one goroutine-safe Service façade.
//
// Service's command methods (Bootstrap, Connect, Send, ...) enqueue a
// closure onto the reactor's mailbox and return immediately; outcomes are
// reported later on the caller's event channel. Every caller-visible
// operation is async by design, so Service never waits on its own reactor
// goroutine.
package corenet

import (
	crand "crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/discovery"
	"github.com/netmesh/corenet/nat"
	"github.com/netmesh/corenet/peer"
	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

// Service is a running corenet node. Construct with Start and release with
// Shutdown; every other method is safe to call concurrently from any
// goroutine.
type Service struct {
	log *logrus.Entry

	r     *reactor.Reactor
	table *peer.Table
	cache *peer.Cache

	uid wire.NodeId
	cfg Config

	hooks           *peer.Hooks
	ourListeners    *wire.ListenerSet
	whitelist       *peer.Whitelist
	clientWhitelist *peer.Whitelist

	prober *nat.Prober

	listener     *peer.Listener
	beacon       *discovery.Beacon
	discoveryCtx reactor.Context

	events chan<- *Event

	reapStop chan struct{}
}

// Start validates cfg, spawns the reactor goroutine, and brings up the
// listener and service discovery beacon per cfg. events receives every
// outcome the Service reports for the rest of its life; sends to it never
// block the reactor (see Hooks wiring below).
func Start(events chan<- *Event, uid wire.NodeId, cfg Config, log *logrus.Entry) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := log.WithFields(logrus.Fields{"component": "service", "uid": uid.String()})

	r, err := reactor.New(entry)
	if err != nil {
		return nil, errors.Wrap(err, "corenet: start reactor")
	}

	s := &Service{
		log:             entry,
		r:               r,
		table:           peer.NewTable(),
		cache:           peer.LoadCache(cfg.BootstrapCachePath, cfg.BootstrapCacheCapacity, entry),
		uid:             uid,
		cfg:             cfg,
		ourListeners:    &wire.ListenerSet{},
		whitelist:       peer.NewWhitelist(cfg.WhitelistedNodeIPs),
		clientWhitelist: peer.NewWhitelist(cfg.WhitelistedClientIPs),
		prober:          nat.NewProber(cfg.MappingProbeTimeout, entry),
		events:          events,
		reapStop:        make(chan struct{}),
	}
	s.hooks = s.buildHooks()

	go r.Run()

	if !cfg.DisableListener {
		r.Post(func(r *reactor.Reactor) { s.startListener(r) })
	}
	if cfg.ServiceDiscoveryPort != 0 {
		r.Post(func(r *reactor.Reactor) { s.startDiscovery(r) })
	}

	go s.reapLoop()

	return s, nil
}

// startListener starts the TCP acceptor. peer.StartListener itself reports
// a bind failure via the OnListenerFailed hook, so there is nothing further
// to emit here on error.
func (s *Service) startListener(r *reactor.Reactor) {
	l, err := peer.StartListener(r, s.cfg.TCPAcceptorPort, s.cfg.NetworkName, s.uid, s.ourListeners, s.whitelist, s.clientWhitelist, s.hooks, s.table, s.log)
	if err != nil {
		s.log.WithError(err).Warn("listener failed to start")
		return
	}
	l.SetAcceptBootstrap(s.cfg.AcceptBootstrap)
	s.listener = l
}

func (s *Service) startDiscovery(r *reactor.Reactor) {
	ctx := r.NewContext()
	b, err := discovery.Start(r, ctx, s.ourListeners, s.cfg.ServiceDiscoveryPort, s.log)
	if err != nil {
		s.emit(&Event{kind: EventListenerFailed, err: errors.Wrap(err, "corenet: service discovery")})
		return
	}
	b.SetListen(s.cfg.ServiceDiscoveryListen)
	s.discoveryCtx = ctx
	s.beacon = b

	found := make(chan []wire.SocketAddress, 8)
	b.RegisterObserver(found)
	go s.drainDiscovery(found)

	_ = b.SeekPeers()
}

func (s *Service) drainDiscovery(found <-chan []wire.SocketAddress) {
	for addrs := range found {
		candidates := make([]wire.Endpoint, 0, len(addrs))
		for _, a := range addrs {
			candidates = append(candidates, wire.TcpEndpoint(a))
		}
		s.r.Post(func(r *reactor.Reactor) {
			peer.Bootstrap(r, candidates, s.cfg.BootstrapTimeout, s.cfg.NetworkName, s.uid, s.ourListeners, s.cache, s.table, s.hooks, s.log)
		})
	}
}

func (s *Service) reapLoop() {
	ticker := time.NewTicker(peer.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reapStop:
			return
		case <-ticker.C:
			s.r.Post(func(r *reactor.Reactor) {
				s.table.Each(func(p *peer.Peer) { p.CheckLiveness(r) })
			})
		}
	}
}

// Bootstrap races every hard-coded contact and cached endpoint concurrently
// and keeps whichever handshake completes first. Service-discovery results
// already in flight are raced as they arrive via drainDiscovery.
func (s *Service) Bootstrap() {
	s.r.Post(func(r *reactor.Reactor) {
		hard := s.cfg.HardCodedContacts
		cached := s.cache.Endpoints()
		candidates := make([]wire.Endpoint, 0, len(hard)+len(cached))
		for i := 0; i < len(hard) || i < len(cached); i++ {
			if i < len(cached) {
				candidates = append(candidates, cached[i])
			}
			if i < len(hard) {
				candidates = append(candidates, hard[i])
			}
		}
		peer.Bootstrap(r, candidates, s.cfg.BootstrapTimeout, s.cfg.NetworkName, s.uid, s.ourListeners, s.cache, s.table, s.hooks, s.log)
	})
}

// StopBootstrap turns off the beacon's answering of other nodes' discovery
// requests. It does not cancel in-flight bootstrap attempts, and discovery
// responses that still arrive keep starting new ones.
func (s *Service) StopBootstrap() {
	s.r.Post(func(r *reactor.Reactor) {
		if s.beacon != nil {
			s.beacon.SetListen(false)
		}
	})
}

// StartListening starts the TCP acceptor if none was started yet or the
// last start failed. A listener that started and later terminated is not
// replaced.
func (s *Service) StartListening() {
	s.r.Post(func(r *reactor.Reactor) {
		if s.listener != nil {
			return
		}
		s.startListener(r)
	})
}

// SetServiceDiscoveryListen toggles whether this node answers other nodes'
// discovery requests.
func (s *Service) SetServiceDiscoveryListen(listen bool) {
	s.r.Post(func(r *reactor.Reactor) {
		if s.beacon != nil {
			s.beacon.SetListen(listen)
		}
	})
}

// SetAcceptBootstrap toggles whether the listener even attempts the
// handshake on a freshly accepted connection.
func (s *Service) SetAcceptBootstrap(accept bool) {
	s.r.Post(func(r *reactor.Reactor) {
		s.cfg.AcceptBootstrap = accept
		if s.listener != nil {
			s.listener.SetAcceptBootstrap(accept)
		}
	})
}

// PrepareConnectionInfo runs a mapping probe against currently connected
// peers and reports the result tagged with resultToken on a
// ConnectionInfoPrepared event, so overlapping calls can be told apart.
func (s *Service) PrepareConnectionInfo(resultToken uint64) {
	s.r.Post(func(r *reactor.Reactor) {
		s.prober.Probe(r, s.table, nat.DefaultMaxEchoers, func(mapped []wire.MappedAddress, err error) {
			if err != nil {
				s.emit(&Event{kind: EventConnectionInfoPrepared, resultToken: resultToken, err: err})
				s.emit(&Event{kind: EventExternalReachabilityTestFailure, resultToken: resultToken, err: err})
				return
			}
			info := wire.ConnectionInfo{
				Priv: wire.PrivConnectionInfo{Uid: s.uid, Addrs: addrsOf(mapped), Secret: randomSecret()},
				Pub:  wire.PubConnectionInfo{Uid: s.uid, Addrs: mapped},
			}
			s.emit(&Event{kind: EventConnectionInfoPrepared, resultToken: resultToken, connInfo: info})
			s.emit(&Event{kind: EventExternalReachabilityTestSuccess, resultToken: resultToken})
		})
	})
}

// Connect races every mapped address in pub concurrently and keeps whichever
// socket's handshake completes first. priv is accepted for symmetry with
// spec's connect(priv, pub) signature; corenet's handshake only needs the
// remote's public half plus our own already-known listeners.
func (s *Service) Connect(priv wire.PrivConnectionInfo, pub wire.PubConnectionInfo) {
	s.r.Post(func(r *reactor.Reactor) {
		info := wire.ConnectionInfo{Priv: priv, Pub: pub}
		peer.Connect(r, s.uid, s.cfg.NetworkName, s.ourListeners, info, s.cfg.DirectConnectTimeout, s.hooks, s.table, s.log)
	})
}

// Disconnect terminates the connection to uid, if any. A no-op if uid is
// not currently connected.
func (s *Service) Disconnect(uid wire.NodeId) {
	s.r.Post(func(r *reactor.Reactor) {
		if p, ok := s.table.Get(uid); ok {
			p.Terminate(r)
		}
	})
}

// Send enqueues payload for delivery to uid at priority. Delivery is
// best-effort: if uid is not connected, or the payload exceeds
// wire.MaxPayloadSize, the failure surfaces as a WriteMsgSizeProhibitive
// event rather than a return value, consistent with every other command.
func (s *Service) Send(uid wire.NodeId, payload []byte, priority wire.Priority) {
	s.r.Post(func(r *reactor.Reactor) {
		p, ok := s.table.Get(uid)
		if !ok {
			s.emit(&Event{kind: EventWriteMsgSizeProhibitive, peer: uid, message: payload, err: errors.New("corenet: not connected")})
			return
		}
		if err := p.Send(r, payload, priority); err != nil {
			s.emit(&Event{kind: EventWriteMsgSizeProhibitive, peer: uid, message: payload, err: err})
		}
	})
}

// Shutdown terminates every live state, stops the discovery-drain and reap
// goroutines, and releases the reactor. Safe to call once.
func (s *Service) Shutdown() {
	close(s.reapStop)
	s.r.Shutdown()
}

func (s *Service) emit(e *Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}

func (s *Service) buildHooks() *peer.Hooks {
	return &peer.Hooks{
		OnNewMessage: func(uid wire.NodeId, payload []byte) {
			s.emit(&Event{kind: EventNewMessage, peer: uid, message: payload})
		},
		OnLostPeer: func(uid wire.NodeId) {
			s.emit(&Event{kind: EventLostPeer, peer: uid})
		},
		OnBootstrapAccept: func(uid wire.NodeId, kind wire.PeerKind) {
			s.emit(&Event{kind: EventBootstrapAccept, peer: uid, peerKind: kind})
		},
		OnBootstrapConnect: func(uid wire.NodeId, kind wire.PeerKind) {
			s.emit(&Event{kind: EventBootstrapConnect, peer: uid, peerKind: kind})
		},
		OnBootstrappedTo: func(uid wire.NodeId) {
			s.emit(&Event{kind: EventBootstrappedTo, peer: uid})
		},
		OnBootstrapFailed: func() {
			s.emit(&Event{kind: EventBootstrapFailed, err: ErrBootstrap})
		},
		OnConnectSuccess: func(uid wire.NodeId) {
			s.emit(&Event{kind: EventConnectSuccess, peer: uid})
		},
		OnConnectFailure: func(uid wire.NodeId, reason error) {
			s.emit(&Event{kind: EventConnectFailure, peer: uid, err: reason})
		},
		OnListenerStarted: func(port uint16) {
			s.emit(&Event{kind: EventListenerStarted, port: port})
		},
		OnListenerFailed: func(err error) {
			s.emit(&Event{kind: EventListenerFailed, err: err})
		},
		OnWriteMsgSizeProhibitive: func(uid wire.NodeId, payload []byte) {
			s.emit(&Event{kind: EventWriteMsgSizeProhibitive, peer: uid, message: payload, err: wire.ErrPayloadTooLarge})
		},
	}
}

func addrsOf(mapped []wire.MappedAddress) []wire.SocketAddress {
	out := make([]wire.SocketAddress, 0, len(mapped))
	for _, m := range mapped {
		out = append(out, m.Addr)
	}
	return out
}

func randomSecret() uint64 {
	var b [8]byte
	_, _ = crand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
