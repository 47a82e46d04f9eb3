package peer

import (
	"net"

	"golang.org/x/sys/unix"
)

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

// Whitelist is an optional allow-list of remote IPs permitted to
// complete a handshake. A nil Whitelist (or one with no entries) allows
// everything.
type Whitelist struct {
	allowed []net.IPNet
}

// NewWhitelist builds a Whitelist from a set of IPs and CIDR-less single
// addresses are treated as /32 (or /128) networks.
func NewWhitelist(ips []net.IP) *Whitelist {
	if len(ips) == 0 {
		return nil
	}
	w := &Whitelist{}
	for _, ip := range ips {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		w.allowed = append(w.allowed, net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return w
}

// AllowsIP reports whether ip passes the whitelist. A nil Whitelist allows
// everything.
func (w *Whitelist) AllowsIP(ip net.IP) bool {
	if w == nil || len(w.allowed) == 0 {
		return true
	}
	for _, n := range w.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
