package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EnvelopeKind distinguishes application data from the peer-liveness
// control frames layered on top of the framed socket (supplemented
// features: per-peer sequence numbers and keepalive).
type EnvelopeKind uint8

const (
	EnvelopeData EnvelopeKind = iota
	EnvelopePing
	EnvelopePingOk
	// EnvelopeWhoAmI and EnvelopeWhoAmIResponse implement the mapping
	// probe's STUN-style echo: a connected peer is asked what address it
	// observes the asker connecting from, and reports it back verbatim.
	EnvelopeWhoAmI
	EnvelopeWhoAmIResponse
)

// Envelope wraps every post-handshake frame on a Peer connection with a
// kind tag, the priority lane it was sent on, and a per-lane sequence
// number, so out-of-order delivery within one priority class is
// detectable. A higher-priority frame queued after a still-pending
// lower-priority one is legitimately delivered first, so sequence numbers
// are tracked independently per Priority rather than globally.
type Envelope struct {
	Kind     EnvelopeKind
	Priority Priority
	Sequence uint16
	Payload  []byte
}

// EncodeEnvelope serialises e as a Peer frame payload (to be wrapped by
// EncodeFrame in turn).
func EncodeEnvelope(e Envelope) []byte {
	out := make([]byte, 4+len(e.Payload))
	out[0] = byte(e.Kind)
	out[1] = byte(e.Priority)
	binary.BigEndian.PutUint16(out[2:4], e.Sequence)
	copy(out[4:], e.Payload)
	return out
}

// DecodeEnvelope parses a Peer frame payload produced by EncodeEnvelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) < 4 {
		return Envelope{}, errors.New("wire: envelope too short")
	}
	return Envelope{
		Kind:     EnvelopeKind(raw[0]),
		Priority: Priority(raw[1]),
		Sequence: binary.BigEndian.Uint16(raw[2:4]),
		Payload:  append([]byte(nil), raw[4:]...),
	}, nil
}
