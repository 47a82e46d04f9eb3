// Package wire defines the data model shared by every corenet component
// and the binary encodings used on the stream and datagram transports:
// the length-prefixed frame codec, the handshake
// structure exchanged on a freshly accepted or dialed TCP connection, and
// the tagged service-discovery datagrams.
//
// Encodings use binary.Write/binary.Read over a bytes.Buffer rather than a
// general-purpose serializer, since every message here is small,
// fixed-shape, and exchanged over a connection corenet itself already
// frames.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxPayloadSize bounds a single frame's payload.
const MaxPayloadSize = 2 * 1024 * 1024 // 2 MiB

// Priority reorders outbound frames; lower values are sent first. System
// priority bypasses the framed socket's backpressure high-water mark.
type Priority uint8

const (
	PrioritySystem     Priority = 0
	PriorityDefault    Priority = 1
	PriorityBackground Priority = 2
)

// NumPriorities bounds the valid Priority range; callers keying a
// per-priority array (e.g. per-lane sequence counters) size it by this.
const NumPriorities = 3

// NodeId is an opaque, totally ordered, hashable node identifier.
type NodeId [16]byte

// NewNodeId generates a random NodeId using google/uuid.
func NewNodeId() NodeId {
	var id NodeId
	copy(id[:], uuid.New()[:])
	return id
}

func (id NodeId) String() string {
	return uuid.UUID(id).String()
}

// Less gives NodeId a total order so it can be used as a map key with
// deterministic iteration where that matters (tie-break logging, tests).
func (id NodeId) Less(other NodeId) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// PeerKind distinguishes a peer reached via bootstrap from one joined
// through direct-connect.
type PeerKind uint8

const (
	KindNode PeerKind = iota
	KindBootstrap
)

func (k PeerKind) String() string {
	if k == KindBootstrap {
		return "Bootstrap"
	}
	return "Node"
}

// SocketAddress is IP + port; equality is structural.
type SocketAddress struct {
	IP   net.IP
	Port uint16
}

func (a SocketAddress) Equal(b SocketAddress) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (a SocketAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

func (a SocketAddress) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

func SocketAddressFromTCP(addr *net.TCPAddr) SocketAddress {
	return SocketAddress{IP: addr.IP, Port: uint16(addr.Port)}
}

// EncodeSocketAddress renders a as a standalone payload, for carrying one
// inside an Envelope (e.g. a WhoAmI reply reporting an observed address).
func EncodeSocketAddress(a SocketAddress) []byte {
	buf := new(bytes.Buffer)
	_ = writeIP(buf, a.IP)
	_ = binary.Write(buf, binary.BigEndian, a.Port)
	return buf.Bytes()
}

// DecodeSocketAddress parses a payload produced by EncodeSocketAddress.
func DecodeSocketAddress(payload []byte) (SocketAddress, error) {
	r := bytes.NewReader(payload)
	ip, err := readIP(r)
	if err != nil {
		return SocketAddress{}, errors.Wrap(err, "wire: socket address")
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return SocketAddress{}, errors.Wrap(err, "wire: socket address port")
	}
	return SocketAddress{IP: ip, Port: port}, nil
}

// Endpoint is a transport-tagged address. Today only Tcp is implemented;
// the tag makes the rest of the system polymorphic over future transports.
type Endpoint struct {
	Transport string // "tcp"
	Tcp       SocketAddress
}

func TcpEndpoint(addr SocketAddress) Endpoint {
	return Endpoint{Transport: "tcp", Tcp: addr}
}

// MappedAddress is an externally observed address plus whether that
// observation came from a single remote peer (and so isn't safe to
// advertise to third parties).
type MappedAddress struct {
	Addr          SocketAddress
	NatRestricted bool
}

// PrivConnectionInfo is never advertised; it is the local coordinates used
// to attempt a direct connect.
type PrivConnectionInfo struct {
	Uid    NodeId
	Addrs  []SocketAddress
	Secret uint64
}

// PubConnectionInfo is the advertisable half of ConnectionInfo.
type PubConnectionInfo struct {
	Uid   NodeId
	Addrs []MappedAddress
}

type ConnectionInfo struct {
	Priv PrivConnectionInfo
	Pub  PubConnectionInfo
}

// Handshake is the single tagged structure exchanged as the first frame on
// any newly accepted or dialed stream.
type Handshake struct {
	NetworkName string
	Uid         NodeId
	Kind        PeerKind
	PubInfo     PubConnectionInfo
	Nonce       uint64
}

// EncodeHandshake serialises h for writing as a single frame payload.
func EncodeHandshake(h Handshake) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := writeString(buf, h.NetworkName); err != nil {
		return nil, err
	}
	if _, err := buf.Write(h.Uid[:]); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint8(h.Kind)); err != nil {
		return nil, err
	}
	if _, err := buf.Write(h.PubInfo.Uid[:]); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(h.PubInfo.Addrs))); err != nil {
		return nil, err
	}
	for _, m := range h.PubInfo.Addrs {
		if err := writeMappedAddress(buf, m); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(buf, binary.BigEndian, h.Nonce); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeHandshake parses a handshake payload previously produced by
// EncodeHandshake.
func DecodeHandshake(payload []byte) (Handshake, error) {
	buf := bytes.NewReader(payload)
	var h Handshake

	name, err := readString(buf)
	if err != nil {
		return h, errors.Wrap(err, "wire: handshake network_name")
	}
	h.NetworkName = name

	if _, err := io.ReadFull(buf, h.Uid[:]); err != nil {
		return h, errors.Wrap(err, "wire: handshake uid")
	}

	var kind uint8
	if err := binary.Read(buf, binary.BigEndian, &kind); err != nil {
		return h, errors.Wrap(err, "wire: handshake kind")
	}
	h.Kind = PeerKind(kind)

	if _, err := io.ReadFull(buf, h.PubInfo.Uid[:]); err != nil {
		return h, errors.Wrap(err, "wire: handshake pub_info.uid")
	}

	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return h, errors.Wrap(err, "wire: handshake pub_info addr count")
	}
	h.PubInfo.Addrs = make([]MappedAddress, 0, n)
	for i := uint32(0); i < n; i++ {
		m, err := readMappedAddress(buf)
		if err != nil {
			return h, errors.Wrap(err, "wire: handshake pub_info addr")
		}
		h.PubInfo.Addrs = append(h.PubInfo.Addrs, m)
	}

	if err := binary.Read(buf, binary.BigEndian, &h.Nonce); err != nil {
		return h, errors.Wrap(err, "wire: handshake nonce")
	}

	return h, nil
}

func writeMappedAddress(buf *bytes.Buffer, m MappedAddress) error {
	if err := writeIP(buf, m.Addr.IP); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, m.Addr.Port); err != nil {
		return err
	}
	restricted := uint8(0)
	if m.NatRestricted {
		restricted = 1
	}
	return binary.Write(buf, binary.BigEndian, restricted)
}

func readMappedAddress(r *bytes.Reader) (MappedAddress, error) {
	var m MappedAddress
	ip, err := readIP(r)
	if err != nil {
		return m, err
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return m, err
	}
	var restricted uint8
	if err := binary.Read(r, binary.BigEndian, &restricted); err != nil {
		return m, err
	}
	m.Addr = SocketAddress{IP: ip, Port: port}
	m.NatRestricted = restricted != 0
	return m, nil
}

func writeIP(buf *bytes.Buffer, ip net.IP) error {
	v4 := ip.To4()
	if v4 != nil {
		if err := binary.Write(buf, binary.BigEndian, uint8(4)); err != nil {
			return err
		}
		_, err := buf.Write(v4)
		return err
	}
	v6 := ip.To16()
	if err := binary.Write(buf, binary.BigEndian, uint8(6)); err != nil {
		return err
	}
	_, err := buf.Write(v6)
	return err
}

func readIP(r *bytes.Reader) (net.IP, error) {
	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return nil, err
	}
	size := 4
	if kind == 6 {
		size = 16
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	return net.IP(raw), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return errors.New("wire: string too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

