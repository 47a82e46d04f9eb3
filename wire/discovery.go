package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// DiscoveryMaxDatagram bounds a single service-discovery UDP datagram.
const DiscoveryMaxDatagram = 1024

type discoveryTag uint8

const (
	discoveryRequestTag  discoveryTag = 1
	discoveryResponseTag discoveryTag = 2
)

// DiscoveryRequest is broadcast by a node looking for peers on its LAN.
type DiscoveryRequest struct {
	Guid uint64
}

// DiscoveryResponse is a point-to-point reply listing the responder's
// non-restricted listener addresses.
type DiscoveryResponse struct {
	Listeners []SocketAddress
}

// EncodeDiscoveryRequest serialises a Request datagram.
func EncodeDiscoveryRequest(req DiscoveryRequest) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint8(discoveryRequestTag)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, req.Guid); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeDiscoveryResponse serialises a Response datagram. Callers must
// ensure every listed address already had its NatRestricted entries
// filtered out.
func EncodeDiscoveryResponse(resp DiscoveryResponse) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint8(discoveryResponseTag)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(resp.Listeners))); err != nil {
		return nil, err
	}
	for _, addr := range resp.Listeners {
		if err := writeIP(buf, addr.IP); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.BigEndian, addr.Port); err != nil {
			return nil, err
		}
	}
	if buf.Len() > DiscoveryMaxDatagram {
		return nil, errors.New("wire: discovery response exceeds DiscoveryMaxDatagram")
	}
	return buf.Bytes(), nil
}

// DecodeDiscovery parses an inbound datagram into either a DiscoveryRequest
// or a DiscoveryResponse.
func DecodeDiscovery(datagram []byte) (interface{}, error) {
	if len(datagram) > DiscoveryMaxDatagram {
		return nil, errors.New("wire: discovery datagram too large")
	}
	r := bytes.NewReader(datagram)

	var tag uint8
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, errors.Wrap(err, "wire: discovery tag")
	}

	switch discoveryTag(tag) {
	case discoveryRequestTag:
		var req DiscoveryRequest
		if err := binary.Read(r, binary.BigEndian, &req.Guid); err != nil {
			return nil, errors.Wrap(err, "wire: discovery request guid")
		}
		return req, nil

	case discoveryResponseTag:
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, errors.Wrap(err, "wire: discovery response count")
		}
		resp := DiscoveryResponse{Listeners: make([]SocketAddress, 0, n)}
		for i := uint16(0); i < n; i++ {
			ip, err := readIP(r)
			if err != nil {
				return nil, errors.Wrap(err, "wire: discovery response addr")
			}
			var port uint16
			if err := binary.Read(r, binary.BigEndian, &port); err != nil {
				return nil, errors.Wrap(err, "wire: discovery response port")
			}
			resp.Listeners = append(resp.Listeners, SocketAddress{IP: ip, Port: port})
		}
		return resp, nil

	default:
		return nil, errors.Errorf("wire: unknown discovery tag %d", tag)
	}
}
