package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		make([]byte, MaxPayloadSize),
	}

	for _, payload := range cases {
		encoded, err := EncodeFrame(payload)
		require.NoError(t, err)

		var dec FrameDecoder
		frames, err := dec.Feed(encoded)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, payload, frames[0])
	}
}

func TestFrameOversizeRejectedLocally(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFrameDecoderHandlesChunkedAndMultipleFrames(t *testing.T) {
	f1, err := EncodeFrame([]byte("hello"))
	require.NoError(t, err)
	f2, err := EncodeFrame([]byte("world!!"))
	require.NoError(t, err)

	combined := append(append([]byte{}, f1...), f2...)

	var dec FrameDecoder
	var got [][]byte

	// Feed one byte at a time to exercise partial-frame reassembly.
	for _, b := range combined {
		frames, err := dec.Feed([]byte{b})
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.Len(t, got, 2)
	assert.Equal(t, []byte("hello"), got[0])
	assert.Equal(t, []byte("world!!"), got[1])
}

func TestFrameDecoderRejectsOversizeLengthPrefix(t *testing.T) {
	var dec FrameDecoder
	bad := make([]byte, 4)
	bigLen := uint32(MaxPayloadSize + 1)
	bad[0] = byte(bigLen >> 24)
	bad[1] = byte(bigLen >> 16)
	bad[2] = byte(bigLen >> 8)
	bad[3] = byte(bigLen)

	_, err := dec.Feed(bad)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{
		NetworkName: "test-net",
		Uid:         NewNodeId(),
		Kind:        KindBootstrap,
		PubInfo: PubConnectionInfo{
			Uid: NewNodeId(),
			Addrs: []MappedAddress{
				{Addr: SocketAddress{IP: net.ParseIP("138.139.140.150").To4(), Port: 54321}, NatRestricted: false},
				{Addr: SocketAddress{IP: net.ParseIP("::1"), Port: 7000}, NatRestricted: true},
			},
		},
		Nonce: 0xDEADBEEF,
	}

	encoded, err := EncodeHandshake(h)
	require.NoError(t, err)

	decoded, err := DecodeHandshake(encoded)
	require.NoError(t, err)

	assert.Equal(t, h.NetworkName, decoded.NetworkName)
	assert.Equal(t, h.Uid, decoded.Uid)
	assert.Equal(t, h.Kind, decoded.Kind)
	assert.Equal(t, h.Nonce, decoded.Nonce)
	require.Len(t, decoded.PubInfo.Addrs, len(h.PubInfo.Addrs))
	for i := range h.PubInfo.Addrs {
		assert.True(t, h.PubInfo.Addrs[i].Addr.Equal(decoded.PubInfo.Addrs[i].Addr))
		assert.Equal(t, h.PubInfo.Addrs[i].NatRestricted, decoded.PubInfo.Addrs[i].NatRestricted)
	}
}

func TestDiscoveryRoundTrip(t *testing.T) {
	req := DiscoveryRequest{Guid: 0x1234}
	encodedReq, err := EncodeDiscoveryRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeDiscovery(encodedReq)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	resp := DiscoveryResponse{Listeners: []SocketAddress{
		{IP: net.ParseIP("138.139.140.150").To4(), Port: 54321},
	}}
	encodedResp, err := EncodeDiscoveryResponse(resp)
	require.NoError(t, err)

	decodedResp, err := DecodeDiscovery(encodedResp)
	require.NoError(t, err)
	got := decodedResp.(DiscoveryResponse)
	require.Len(t, got.Listeners, 1)
	assert.True(t, got.Listeners[0].Equal(resp.Listeners[0]))
}

func TestNodeIdOrdering(t *testing.T) {
	a := NewNodeId()
	b := NewNodeId()
	if a.Less(b) {
		assert.False(t, b.Less(a) && a.Less(b))
	}
}
