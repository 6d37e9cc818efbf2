package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Peer IDs are 8 bytes on the wire and 16-char lowercase hex everywhere else.

// NewPeerID generates a random 8-byte peer ID and returns its hex form
func NewPeerID() string {
	id := make([]byte, SenderIDSize)
	rand.Read(id)
	return hex.EncodeToString(id)
}

// PeerIDToBytes converts a hex peer ID to its fixed 8-byte wire form.
// Short input is zero-padded, long input truncated, matching what the wire
// can actually carry.
func PeerIDToBytes(peerID string) []byte {
	out := make([]byte, SenderIDSize)
	decoded, err := hex.DecodeString(strings.ToLower(peerID))
	if err != nil {
		copy(out, []byte(peerID))
		return out
	}
	copy(out, decoded)
	return out
}

// PeerIDFromBytes converts the 8-byte wire form back to hex
func PeerIDFromBytes(id []byte) string {
	return hex.EncodeToString(id)
}

// ShortID truncates a peer ID for log prefixes
func ShortID(peerID string) string {
	if len(peerID) > 8 {
		return peerID[:8]
	}
	if peerID == "" {
		return "(empty)"
	}
	return peerID
}
