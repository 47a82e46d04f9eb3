package corenet

import "github.com/pkg/errors"

// Error kinds. Start and Config.Validate return errors wrapping ErrConfig,
// and every BootstrapFailed event's Err is ErrBootstrap; both match with
// errors.Is. The other kinds name the event each surfaces as, but those
// events carry the underlying cause (such as peer.ErrConnectExhausted,
// nat.ErrNoEchoers or wire.ErrPayloadTooLarge), not the sentinel itself.
var (
	// ErrConfig reports malformed configuration at Start; fatal, Start
	// returns before anything is spawned.
	ErrConfig = errors.New("corenet: invalid configuration")

	// ErrListener reports a listener bind/accept failure. Surfaces as a
	// ListenerFailed event; the Service continues running without one.
	ErrListener = errors.New("corenet: listener failed")

	// ErrBootstrap reports that every bootstrap candidate failed or timed
	// out. Surfaces as a BootstrapFailed event.
	ErrBootstrap = errors.New("corenet: bootstrap exhausted")

	// ErrConnect reports that every direct-connect candidate failed or
	// timed out. Surfaces as a ConnectFailure event.
	ErrConnect = errors.New("corenet: direct connect exhausted")

	// ErrSocket reports a transport I/O error on a specific connection.
	ErrSocket = errors.New("corenet: socket error")

	// ErrPayloadTooLarge reports a locally rejected oversize send.
	// Surfaces as a WriteMsgSizeProhibitive event.
	ErrPayloadTooLarge = errors.New("corenet: payload too large")

	// ErrMapping reports a failed external-mapping probe (the STUN-style
	// NAT/STUN error kind). Surfaces in a ConnectionInfoPrepared event
	// whose Err is non-nil.
	ErrMapping = errors.New("corenet: mapping probe failed")

	// ErrDiscovery reports that the service-discovery socket failed.
	// Discovery terminates silently; the Service continues without it.
	ErrDiscovery = errors.New("corenet: service discovery failed")

	// ErrShutdown names the shut-down state. No command method returns it:
	// commands have no return value, and one posted after Shutdown never
	// runs.
	ErrShutdown = errors.New("corenet: service already shut down")
)
