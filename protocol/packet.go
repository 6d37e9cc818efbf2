// Package protocol defines the mesh wire format: the binary packet layout,
// the canonical signing form, traffic padding and the announce payload TLV.
//
// Layout (big-endian):
//
//	version(1) type(1) ttl(1) flags(1) timestamp(8, ms) payloadLen(2)
//	[routeCount(1), version 2 only]
//	senderID(8)
//	[recipientID(8), if FlagHasRecipient]
//	payload(payloadLen)
//	[route entries, routeCount x 8, version 2 only]
//	[signature(64), if FlagHasSignature]
//
// The signing form is the same layout with FlagHasSignature cleared, the
// signature bytes omitted and the payload unpadded, so both ends compute
// identical bytes regardless of how the packet struct was built.
package protocol

import (
	"bytes"
)

// MessageType identifies the packet payload semantics
type MessageType byte

const (
	TypeAnnounce           MessageType = 0x01
	TypeLeave              MessageType = 0x02
	TypeMessage            MessageType = 0x04
	TypeNoiseHandshakeInit MessageType = 0x10
	TypeNoiseHandshakeResp MessageType = 0x11
	TypeNoiseEncrypted     MessageType = 0x12
	TypeFragment           MessageType = 0x20
	TypeFileTransfer       MessageType = 0x22
)

// String returns a short human-readable name for logging
func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypeLeave:
		return "LEAVE"
	case TypeMessage:
		return "MESSAGE"
	case TypeNoiseHandshakeInit:
		return "NOISE_HANDSHAKE_INIT"
	case TypeNoiseHandshakeResp:
		return "NOISE_HANDSHAKE_RESP"
	case TypeNoiseEncrypted:
		return "NOISE_ENCRYPTED"
	case TypeFragment:
		return "FRAGMENT"
	case TypeFileTransfer:
		return "FILE_TRANSFER"
	default:
		return "UNKNOWN"
	}
}

const (
	// VersionLegacy packets carry no source route
	VersionLegacy byte = 1
	// VersionRouted packets may carry an explicit hop list
	VersionRouted byte = 2

	// SenderIDSize is the fixed on-wire size of a peer ID
	SenderIDSize = 8
	// RouteEntrySize is the fixed size of one source-route hop entry
	RouteEntrySize = 8
	// SignatureSize is the Ed25519 signature size
	SignatureSize = 64

	// HeaderSizeV1 is the fixed header length of a version-1 packet
	HeaderSizeV1 = 14
	// HeaderSizeV2 adds the route count byte
	HeaderSizeV2 = 15

	// MaxTTL is the hop budget a freshly originated packet starts with.
	// A packet arriving with TTL == MaxTTL came from a direct neighbor.
	MaxTTL byte = 7
)

// Header flag bits
const (
	FlagHasRecipient  byte = 0x01
	FlagHasSignature  byte = 0x02
	FlagPayloadPadded byte = 0x04
)

// BroadcastRecipient is the reserved all-ones recipient meaning "everyone"
var BroadcastRecipient = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Packet is one unit of mesh traffic
type Packet struct {
	Version     byte
	Type        MessageType
	TTL         byte
	SenderID    []byte // exactly 8 bytes
	RecipientID []byte // nil for implicit broadcast, else exactly 8 bytes
	Timestamp   uint64 // milliseconds since epoch
	Payload     []byte
	Route       [][]byte // nil, or ordered 8-byte hop IDs (version >= 2)
	Signature   []byte   // nil, or 64 bytes
}

// IsBroadcast reports whether the packet targets everyone (no recipient, or
// the reserved all-ones recipient)
func (p *Packet) IsBroadcast() bool {
	return p.RecipientID == nil || bytes.Equal(p.RecipientID, BroadcastRecipient)
}

// HasRoute reports whether a non-empty source route is present
func (p *Packet) HasRoute() bool {
	return len(p.Route) > 0
}

// RouteContains reports whether hop appears in the source route
func (p *Packet) RouteContains(hop []byte) bool {
	for _, entry := range p.Route {
		if bytes.Equal(entry, hop) {
			return true
		}
	}
	return false
}

// RouteHasDuplicates reports whether any hop appears twice (relay loop guard)
func (p *Packet) RouteHasDuplicates() bool {
	for i := 0; i < len(p.Route); i++ {
		for j := i + 1; j < len(p.Route); j++ {
			if bytes.Equal(p.Route[i], p.Route[j]) {
				return true
			}
		}
	}
	return false
}

// Copy returns a deep copy so relay mutation never aliases a handler's view
func (p *Packet) Copy() *Packet {
	clone := &Packet{
		Version:   p.Version,
		Type:      p.Type,
		TTL:       p.TTL,
		Timestamp: p.Timestamp,
	}
	clone.SenderID = append([]byte(nil), p.SenderID...)
	if p.RecipientID != nil {
		clone.RecipientID = append([]byte(nil), p.RecipientID...)
	}
	clone.Payload = append([]byte(nil), p.Payload...)
	if p.Route != nil {
		clone.Route = make([][]byte, len(p.Route))
		for i, hop := range p.Route {
			clone.Route[i] = append([]byte(nil), hop...)
		}
	}
	if p.Signature != nil {
		clone.Signature = append([]byte(nil), p.Signature...)
	}
	return clone
}
