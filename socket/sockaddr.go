package socket

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/netmesh/corenet/wire"
)

func toSockaddr(addr wire.SocketAddress) unix.Sockaddr {
	if v4 := addr.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: int(addr.Port)}
		copy(sa.Addr[:], v4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port)}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

func fromSockaddr(sa unix.Sockaddr) (wire.SocketAddress, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make([]byte, 4)
		copy(ip, v.Addr[:])
		return wire.SocketAddress{IP: ip, Port: uint16(v.Port)}, nil
	case *unix.SockaddrInet6:
		ip := make([]byte, 16)
		copy(ip, v.Addr[:])
		return wire.SocketAddress{IP: ip, Port: uint16(v.Port)}, nil
	default:
		return wire.SocketAddress{}, errors.New("socket: unsupported sockaddr type")
	}
}
