package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrPayloadTooLarge is returned when a frame payload exceeds MaxPayloadSize,
// locally on send and as a decode failure on receive.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds MaxPayloadSize")

const lengthPrefixSize = 4

// EncodeFrame renders payload as u32_be length || payload.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out, nil
}

// FrameDecoder incrementally reassembles length-prefixed frames out of
// arbitrarily-chunked reads from a non-blocking stream socket. Feed is
// called with whatever bytes recv() returned; it returns every frame that
// became complete as a result, in order.
type FrameDecoder struct {
	buf []byte
}

// Feed appends newly read bytes and extracts as many complete frames as
// are now available. Decode failures here are protocol violations: the
// caller should terminate the peer.
func (d *FrameDecoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		if len(d.buf) < lengthPrefixSize {
			break
		}
		length := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
		if length > MaxPayloadSize {
			return frames, ErrPayloadTooLarge
		}
		total := lengthPrefixSize + int(length)
		if len(d.buf) < total {
			break
		}

		payload := make([]byte, length)
		copy(payload, d.buf[lengthPrefixSize:total])
		frames = append(frames, payload)

		d.buf = d.buf[total:]
	}

	// Keep the decoder's backing array from growing unboundedly once
	// drained.
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return frames, nil
}
