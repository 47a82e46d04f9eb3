package corenet

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/netmesh/corenet/discovery"
	"github.com/netmesh/corenet/peer"
	"github.com/netmesh/corenet/wire"
)

// Config is the enumerated set of options a Service is started with.
// Unknown/contradictory combinations are rejected by Validate as a
// ErrConfig. A zero Config is not valid; use NewConfig for sane defaults.
type Config struct {
	// NetworkName is exchanged on every handshake; a peer whose handshake
	// carries a different value is rejected.
	NetworkName string

	// TCPAcceptorPort is the port the Listener binds; 0 means "any free
	// port". Leave as DisableListener to skip starting a listener at all.
	TCPAcceptorPort uint16
	DisableListener bool

	// AcceptBootstrap gates whether an accepted connection's handshake is
	// even attempted; toggled at runtime via SetAcceptBootstrap.
	AcceptBootstrap bool

	// HardCodedContacts seed the bootstrap candidate set alongside the
	// cache and any service-discovery results.
	HardCodedContacts []wire.Endpoint

	// BootstrapCachePath is where the bootstrap cache is persisted; empty
	// disables persistence (in-memory only for the process lifetime).
	BootstrapCachePath     string
	BootstrapCacheCapacity int

	// ServiceDiscoveryPort is the UDP beacon's port; 0 disables LAN
	// discovery entirely (no socket is opened).
	ServiceDiscoveryPort uint16
	// ServiceDiscoveryListen is whether to respond to other nodes'
	// requests; toggled at runtime via SetServiceDiscoveryListen.
	ServiceDiscoveryListen bool

	// WhitelistedNodeIPs, if non-empty, restricts which remote IPs may
	// even complete a TCP accept on the listener.
	WhitelistedNodeIPs []net.IP
	// WhitelistedClientIPs, if non-empty, additionally restricts which
	// remote IPs may complete a handshake declaring PeerKind Node (i.e.
	// a direct-connect-style client rather than a bootstrap partner).
	WhitelistedClientIPs []net.IP

	// BootstrapTimeout and DirectConnectTimeout cap the overall race, and
	// the same value also caps each individual dial+handshake attempt in
	// it. CandidateTimeout is checked by Validate but is not passed to
	// Bootstrap or Connect, so it does not limit any attempt.
	BootstrapTimeout     time.Duration
	DirectConnectTimeout time.Duration
	CandidateTimeout     time.Duration

	// MappingProbeTimeout caps prepare_connection_info's echo round.
	MappingProbeTimeout time.Duration

	// HighWaterMark is an outbound queue budget in bytes. It is not passed
	// to any framed socket: every socket uses socket.DefaultHighWaterMark
	// whatever this field holds.
	HighWaterMark int
}

// NewConfig returns a Config populated with sane concrete defaults.
func NewConfig(networkName string) Config {
	return Config{
		NetworkName:            networkName,
		AcceptBootstrap:        true,
		BootstrapCacheCapacity: peer.DefaultCacheCapacity,
		ServiceDiscoveryPort:   discovery.DefaultPort,
		ServiceDiscoveryListen: true,
		BootstrapTimeout:       60 * time.Second,
		DirectConnectTimeout:   60 * time.Second,
		CandidateTimeout:       10 * time.Second,
		MappingProbeTimeout:    5 * time.Second,
	}
}

// Validate rejects malformed or contradictory configuration, returning an
// error wrapping ErrConfig.
func (c Config) Validate() error {
	if c.NetworkName == "" {
		return errors.Wrap(ErrConfig, "network_name must not be empty")
	}
	if c.BootstrapTimeout <= 0 {
		return errors.Wrap(ErrConfig, "bootstrap_timeout must be positive")
	}
	if c.DirectConnectTimeout <= 0 {
		return errors.Wrap(ErrConfig, "direct_connect_timeout must be positive")
	}
	if c.CandidateTimeout <= 0 {
		return errors.Wrap(ErrConfig, "candidate_timeout must be positive")
	}
	if c.ServiceDiscoveryListen && c.ServiceDiscoveryPort == 0 {
		return errors.Wrap(ErrConfig, "service_discovery_listen requires a non-zero service_discovery_port")
	}
	if c.BootstrapCacheCapacity < 0 {
		return errors.Wrap(ErrConfig, "bootstrap_cache_capacity must not be negative")
	}
	return nil
}
