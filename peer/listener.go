package peer

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet/reactor"
	"github.com/netmesh/corenet/socket"
	"github.com/netmesh/corenet/wire"
)

// Listener owns a bound TCP acceptor. Every accepted connection
// spawns a BootstrapAcceptor to run the incoming handshake.
type Listener struct {
	log *logrus.Entry

	fd    int
	token reactor.Token
	port  uint16

	hooks           *Hooks
	table           *Table
	networkName     string
	ourUID          wire.NodeId
	ourListeners    *wire.ListenerSet
	whitelist       *Whitelist
	clientWhitelist *Whitelist

	// acceptBootstrap gates whether an accepted connection's handshake is
	// even attempted; toggled at runtime via SetAcceptBootstrap. Read and
	// written only from the reactor goroutine.
	acceptBootstrap bool

	terminated bool
}

// SetAcceptBootstrap toggles whether newly accepted connections get a
// BootstrapAcceptor at all. Must be called from the reactor goroutine.
func (l *Listener) SetAcceptBootstrap(accept bool) {
	l.acceptBootstrap = accept
}

// StartListener binds port (0 = any free port), registers with r, and
// starts accepting. ourListeners is only handed on to each
// BootstrapAcceptor for its handshake; StartListener does not add the bound
// port to it. whitelist gates the raw TCP accept; clientWhitelist is passed through to
// each BootstrapAcceptor to additionally gate remotes that declare
// PeerKind Node once their handshake is read.
func StartListener(r *reactor.Reactor, port uint16, networkName string, ourUID wire.NodeId, ourListeners *wire.ListenerSet, whitelist, clientWhitelist *Whitelist, hooks *Hooks, table *Table, log *logrus.Entry) (*Listener, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	fd, boundPort, err := socket.ListenTCP(port)
	if err != nil {
		hooks.listenerFailed(err)
		return nil, errors.Wrap(err, "peer: listen")
	}

	l := &Listener{
		log:             log.WithFields(logrus.Fields{"component": "listener", "port": boundPort}),
		fd:              fd,
		port:            boundPort,
		hooks:           hooks,
		table:           table,
		networkName:     networkName,
		ourUID:          ourUID,
		ourListeners:    ourListeners,
		whitelist:       whitelist,
		clientWhitelist: clientWhitelist,
		acceptBootstrap: true,
	}

	token := r.NewToken()
	l.token = token
	if err := r.Register(fd, token, reactor.Events{Readable: true}, l); err != nil {
		return nil, err
	}

	hooks.listenerStarted(boundPort)
	l.log.Info("listener started")
	return l, nil
}

// Port returns the bound TCP port.
func (l *Listener) Port() uint16 { return l.port }

// Ready implements reactor.State.
func (l *Listener) Ready(r *reactor.Reactor, token reactor.Token, events reactor.Events) {
	if events.Error || events.Hup {
		l.Terminate(r)
		return
	}
	if !events.Readable {
		return
	}

	for {
		sock, err := socket.AcceptTCP(l.fd)
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			l.log.WithError(err).Warn("accept failed")
			return
		}

		if !l.acceptBootstrap {
			_ = sock.Close()
			continue
		}

		if l.whitelist != nil && !l.whitelist.AllowsIP(sock.Remote().IP) {
			l.log.WithField("remote", sock.Remote().String()).Warn("rejecting non-whitelisted inbound connection")
			_ = sock.Close()
			continue
		}

		if _, err := StartAcceptor(r, sock, l.networkName, l.ourUID, l.ourListeners, l.clientWhitelist, l.hooks, l.table, l.log); err != nil {
			l.log.WithError(err).Warn("failed to start bootstrap acceptor")
		}
	}
}

// Terminate implements reactor.State.
func (l *Listener) Terminate(r *reactor.Reactor) {
	if l.terminated {
		return
	}
	l.terminated = true
	r.Deregister(l.token)
	_ = closeFd(l.fd)
	l.log.Info("listener terminated")
}
