package wire

import "encoding/binary"

// ConnectNonce computes the XOR-nonce both sides of a direct connect derive
// independently from their two uids: XOR the full 16 bytes of each uid
// together, then fold the result's two halves into a uint64. It is
// commutative (ConnectNonce(a, b) == ConnectNonce(b, a)), so two peers
// racing a direct connect against each other arrive at the identical value
// without coordinating, and carry it as the Nonce field of the tagged
// Handshake each presents.
func ConnectNonce(a, b NodeId) uint64 {
	var x [16]byte
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	hi := binary.BigEndian.Uint64(x[:8])
	lo := binary.BigEndian.Uint64(x[8:])
	return hi ^ lo
}
