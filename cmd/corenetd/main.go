// Command corenetd is a thin demo binary: it starts one corenet Service per
// process, bootstraps against any hard-coded contacts given on the command
// line, and logs every event it receives until interrupted.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/netmesh/corenet"
	"github.com/netmesh/corenet/wire"
)

type contactList []wire.Endpoint

func (c *contactList) String() string {
	strs := make([]string, len(*c))
	for i, ep := range *c {
		strs[i] = ep.Tcp.String()
	}
	return strings.Join(strs, ",")
}

func (c *contactList) Set(value string) error {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		return fmt.Errorf("corenetd: bad contact %q: %w", value, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("corenetd: bad contact ip %q", host)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("corenetd: bad contact port %q: %w", portStr, err)
	}
	*c = append(*c, wire.TcpEndpoint(wire.SocketAddress{IP: ip, Port: port}))
	return nil
}

func main() {
	var contacts contactList
	networkName := flag.String("network", "corenetd", "network_name exchanged on every handshake")
	port := flag.Uint("port", 0, "tcp_acceptor_port (0 = any free port)")
	discoveryPort := flag.Uint("discovery-port", 9999, "service_discovery_port (0 disables LAN discovery)")
	cachePath := flag.String("cache", "", "bootstrap cache path (empty disables persistence)")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Var(&contacts, "contact", "host:port hard-coded bootstrap contact; may be repeated")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	cfg := corenet.NewConfig(*networkName)
	cfg.TCPAcceptorPort = uint16(*port)
	cfg.ServiceDiscoveryPort = uint16(*discoveryPort)
	cfg.ServiceDiscoveryListen = cfg.ServiceDiscoveryPort != 0
	cfg.BootstrapCachePath = *cachePath
	cfg.HardCodedContacts = contacts

	uid := wire.NewNodeId()
	events := make(chan *corenet.Event, 256)

	svc, err := corenet.Start(events, uid, cfg, entry)
	if err != nil {
		entry.WithError(err).Fatal("corenetd: start failed")
	}
	entry.WithField("uid", uid.String()).Info("corenetd started")

	svc.Bootstrap()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			logEvent(entry, ev)
		case <-sig:
			entry.Info("corenetd: shutting down")
			svc.Shutdown()
			return
		}
	}
}

func logEvent(log *logrus.Entry, ev *corenet.Event) {
	fields := logrus.Fields{"kind": ev.Kind().String()}
	if ev.Peer() != (wire.NodeId{}) {
		fields["peer"] = ev.Peer().String()
	}
	if ev.Err() != nil {
		fields["err"] = ev.Err()
	}
	log.WithFields(fields).Info("event")
}
