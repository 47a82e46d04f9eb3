// Package discovery implements the LAN peer-discovery beacon: a
// UDP broadcaster/listener that lets peers on the same broadcast domain
// find each other's TCP listener addresses.
//
// Request/response exchange over a broadcast UDP socket, a pending-reply
// FIFO so a stalled non-blocking send can't stall the read side, and
// loopback suppression via a random guid.
package discovery

import (
	"math/rand"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/wire"
)

// DefaultPort is the IANA-unassigned port corenet defaults its beacon to.
const DefaultPort uint16 = 9999

// readBufSize bounds one inbound datagram.
const readBufSize = 1024

// Beacon owns one bound UDP socket with broadcast enabled and fans out
// discovered peer listener sets to registered observers.
type Beacon struct {
	log *logrus.Entry

	fd    int
	token reactor.Token
	ctx   reactor.Context

	port       uint16
	remoteAddr wire.SocketAddress // 255.255.255.255:port

	listen       bool
	ourListeners *wire.ListenerSet

	replyTo   []wire.SocketAddress // FIFO of pending responses
	observers []chan<- []wire.SocketAddress

	guid         uint64
	seekPeersReq []byte

	terminated bool
}

// Start binds a beacon starting at portHint (probing upward to 65535 on
// collision), registers it with r under ctx, and begins listening
// for datagrams. It does not yet respond to requests; call SetListen(true)
// to opt in.
func Start(r *reactor.Reactor, ctx reactor.Context, ourListeners *wire.ListenerSet, portHint uint16, log *logrus.Entry) (*Beacon, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	fd, boundPort, err := bindBroadcastSocket(portHint)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: bind")
	}

	guid := rand.Uint64()
	req, err := wire.EncodeDiscoveryRequest(wire.DiscoveryRequest{Guid: guid})
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "discovery: encode seek-peers request")
	}

	b := &Beacon{
		log:          log.WithFields(logrus.Fields{"component": "discovery", "port": boundPort}),
		fd:           fd,
		ctx:          ctx,
		port:         boundPort,
		remoteAddr:   wire.SocketAddress{IP: net.IPv4bcast, Port: boundPort},
		ourListeners: ourListeners,
		guid:         guid,
		seekPeersReq: req,
	}

	token := r.NewToken()
	b.token = token
	if err := r.Register(fd, token, reactor.Events{Readable: true}, b); err != nil {
		unix.Close(fd)
		return nil, err
	}
	r.InsertContext(token, ctx, b)

	b.log.Info("service discovery beacon started")
	return b, nil
}

// Port returns the UDP port actually bound.
func (b *Beacon) Port() uint16 { return b.port }

// SetListen enables or disables responding to inbound Requests.
func (b *Beacon) SetListen(listen bool) {
	b.listen = listen
}

// SeekPeers broadcasts a single Request to the LAN. Idempotent,
// non-blocking; responses arrive asynchronously via Ready and are fanned
// out to observers.
func (b *Beacon) SeekPeers() error {
	sa := toBroadcastSockaddr(b.remoteAddr)
	if err := unix.Sendto(b.fd, b.seekPeersReq, 0, sa); err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "discovery: seek_peers sendto")
	}
	return nil
}

// RegisterObserver subscribes ch to discovered peer listener sets.
// Observers that fail to keep up (a full, unbuffered channel with no
// receiver) are dropped on the next delivery attempt.
func (b *Beacon) RegisterObserver(ch chan<- []wire.SocketAddress) {
	b.observers = append(b.observers, ch)
}

// Ready implements reactor.State.
func (b *Beacon) Ready(r *reactor.Reactor, token reactor.Token, events reactor.Events) {
	if events.Error || events.Hup {
		b.Terminate(r)
		return
	}
	if events.Readable {
		b.readDatagrams(r)
	}
	if events.Writable {
		b.writePending(r)
	}
}

func (b *Beacon) readDatagrams(r *reactor.Reactor) {
	buf := make([]byte, readBufSize)

	for {
		n, from, err := unix.Recvfrom(b.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			b.log.WithError(err).Warn("discovery read error, terminating")
			b.Terminate(r)
			return
		}

		peerAddr, perr := fromSockaddrUDP(from)
		if perr != nil {
			continue
		}

		msg, derr := wire.DecodeDiscovery(buf[:n])
		if derr != nil {
			b.log.WithError(derr).Debug("bogus discovery datagram, ignoring")
			continue
		}

		switch m := msg.(type) {
		case wire.DiscoveryRequest:
			if b.listen && m.Guid != b.guid {
				b.replyTo = append(b.replyTo, peerAddr)
				b.writePending(r)
			}
		case wire.DiscoveryResponse:
			b.fanOut(m.Listeners)
		}
	}
}

func (b *Beacon) fanOut(listeners []wire.SocketAddress) {
	alive := b.observers[:0]
	for _, obs := range b.observers {
		select {
		case obs <- listeners:
			alive = append(alive, obs)
		default:
			// Observer isn't keeping up; drop it rather than block
			// the reactor.
		}
	}
	b.observers = alive
}

func (b *Beacon) writePending(r *reactor.Reactor) {
	if len(b.replyTo) == 0 {
		_ = r.Reregister(b.token, reactor.Events{Readable: true})
		return
	}

	resp, err := wire.EncodeDiscoveryResponse(wire.DiscoveryResponse{
		Listeners: b.ourListeners.NonRestricted(),
	})
	if err != nil {
		b.log.WithError(err).Warn("discovery: failed to encode response")
		b.Terminate(r)
		return
	}

	peerAddr := b.replyTo[0]
	sa := toBroadcastSockaddr(peerAddr)

	err = unix.Sendto(b.fd, resp, 0, sa)
	switch {
	case err == nil:
		b.replyTo = b.replyTo[1:]
	case err == unix.EAGAIN || err == unix.EINTR:
		// UDP is all-or-nothing; leave peerAddr at the front and try
		// again on the next writable wakeup.
	default:
		b.log.WithError(err).Warn("discovery: sendto failed, terminating")
		b.Terminate(r)
		return
	}

	events := reactor.Events{Readable: true}
	if len(b.replyTo) > 0 {
		events.Writable = true
	}
	_ = r.Reregister(b.token, events)
}

// Terminate implements reactor.State.
func (b *Beacon) Terminate(r *reactor.Reactor) {
	if b.terminated {
		return
	}
	b.terminated = true

	r.Deregister(b.token)
	r.RemoveContext(b.ctx)
	unix.Close(b.fd)

	for _, obs := range b.observers {
		close(obs)
	}
	b.observers = nil

	b.log.Info("service discovery beacon terminated")
}

func bindBroadcastSocket(portHint uint16) (fd int, boundPort uint16, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return 0, 0, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, 0, err
	}

	port := portHint
	for {
		sa := &unix.SockaddrInet4{Port: int(port)}
		bindErr := unix.Bind(fd, sa)
		if bindErr == nil {
			return fd, port, nil
		}
		if port == 65535 {
			unix.Close(fd)
			return 0, 0, errors.Wrapf(bindErr, "discovery: no free port from %d to 65535", portHint)
		}
		port++
	}
}

func toBroadcastSockaddr(addr wire.SocketAddress) unix.Sockaddr {
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	if v4 := addr.IP.To4(); v4 != nil {
		copy(sa.Addr[:], v4)
	} else {
		copy(sa.Addr[:], net.IPv4bcast.To4())
	}
	return sa
}

func fromSockaddrUDP(sa unix.Sockaddr) (wire.SocketAddress, error) {
	v4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return wire.SocketAddress{}, errors.New("discovery: unsupported sockaddr")
	}
	ip := make(net.IP, 4)
	copy(ip, v4.Addr[:])
	return wire.SocketAddress{IP: ip, Port: uint16(v4.Port)}, nil
}
