package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeError describes why a packet could not be serialized
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return "protocol: " + e.Reason
}

func encodeErr(format string, args ...interface{}) error {
	return &EncodeError{Reason: fmt.Sprintf(format, args...)}
}

// validate enforces the structural invariants before any bytes are written
func validate(p *Packet) error {
	if p.Version != VersionLegacy && p.Version != VersionRouted {
		return encodeErr("unsupported version %d", p.Version)
	}
	if len(p.SenderID) != SenderIDSize {
		return encodeErr("senderID must be %d bytes, got %d", SenderIDSize, len(p.SenderID))
	}
	if p.RecipientID != nil && len(p.RecipientID) != SenderIDSize {
		return encodeErr("recipientID must be %d bytes, got %d", SenderIDSize, len(p.RecipientID))
	}
	if p.Signature != nil && len(p.Signature) != SignatureSize {
		return encodeErr("signature must be %d bytes, got %d", SignatureSize, len(p.Signature))
	}
	if len(p.Route) > 0 {
		if p.Version < VersionRouted {
			return encodeErr("route requires version >= %d", VersionRouted)
		}
		if len(p.Route) > 255 {
			return encodeErr("route too long: %d entries", len(p.Route))
		}
		for i, hop := range p.Route {
			if len(hop) != RouteEntrySize {
				return encodeErr("route entry %d must be %d bytes, got %d", i, RouteEntrySize, len(hop))
			}
		}
		if p.RouteHasDuplicates() {
			return encodeErr("route contains duplicate hops")
		}
	}
	return nil
}

// Encode serializes the packet with traffic padding applied to the payload.
func Encode(p *Packet) ([]byte, error) {
	return encode(p, true, true)
}

// EncodeUnpadded serializes the packet without padding. Used for size
// computation before fragmentation and as the basis of the signing form.
func EncodeUnpadded(p *Packet) ([]byte, error) {
	return encode(p, false, true)
}

// SigningForm returns the canonical bytes covered by the packet signature:
// the unpadded encoding with the signature flag cleared, the signature bytes
// omitted, and the TTL byte pinned to zero. TTL mutates at every relay hop
// and is forced to zero on reassembly, so it cannot be part of the signed
// form or no signed packet would survive a single hop.
func SigningForm(p *Packet) ([]byte, error) {
	signable := *p
	signable.TTL = 0
	return encode(&signable, false, false)
}

func encode(p *Packet, padded, withSignature bool) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	payload := p.Payload
	flags := byte(0)
	if padded {
		if padBlock := optimalBlockSize(len(payload)); padBlock > 0 {
			payload = pad(payload, padBlock)
			flags |= FlagPayloadPadded
		}
	}
	if len(payload) > 0xFFFF {
		return nil, encodeErr("payload too large: %d bytes", len(payload))
	}

	if p.RecipientID != nil {
		flags |= FlagHasRecipient
	}
	signature := p.Signature
	if !withSignature {
		signature = nil
	}
	if signature != nil {
		flags |= FlagHasSignature
	}

	headerSize := HeaderSizeV1
	if p.Version >= VersionRouted {
		headerSize = HeaderSizeV2
	}
	size := headerSize + SenderIDSize + len(payload)
	if p.RecipientID != nil {
		size += SenderIDSize
	}
	size += len(p.Route) * RouteEntrySize
	size += len(signature)

	buf := make([]byte, 0, size)
	buf = append(buf, p.Version, byte(p.Type), p.TTL, flags)
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	if p.Version >= VersionRouted {
		buf = append(buf, byte(len(p.Route)))
	}
	buf = append(buf, p.SenderID...)
	if p.RecipientID != nil {
		buf = append(buf, p.RecipientID...)
	}
	buf = append(buf, payload...)
	for _, hop := range p.Route {
		buf = append(buf, hop...)
	}
	buf = append(buf, signature...)

	return buf, nil
}

// Decode parses a wire buffer into a Packet. A malformed, truncated or
// over-length buffer simply fails to decode: the return value is nil and no
// error is propagated.
func Decode(data []byte) *Packet {
	if len(data) < HeaderSizeV1+SenderIDSize {
		return nil
	}

	version := data[0]
	if version != VersionLegacy && version != VersionRouted {
		return nil
	}

	headerSize := HeaderSizeV1
	if version >= VersionRouted {
		headerSize = HeaderSizeV2
	}
	if len(data) < headerSize+SenderIDSize {
		return nil
	}

	p := &Packet{
		Version:   version,
		Type:      MessageType(data[1]),
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[4:12]),
	}
	flags := data[3]
	payloadLen := int(binary.BigEndian.Uint16(data[12:14]))
	routeCount := 0
	if version >= VersionRouted {
		routeCount = int(data[14])
	}

	offset := headerSize
	if len(data) < offset+SenderIDSize {
		return nil
	}
	p.SenderID = append([]byte(nil), data[offset:offset+SenderIDSize]...)
	offset += SenderIDSize

	if flags&FlagHasRecipient != 0 {
		if len(data) < offset+SenderIDSize {
			return nil
		}
		p.RecipientID = append([]byte(nil), data[offset:offset+SenderIDSize]...)
		offset += SenderIDSize
	}

	if len(data) < offset+payloadLen {
		return nil
	}
	payload := append([]byte(nil), data[offset:offset+payloadLen]...)
	offset += payloadLen
	if flags&FlagPayloadPadded != 0 {
		payload = unpad(payload)
		if payload == nil {
			return nil
		}
	}
	p.Payload = payload

	if routeCount > 0 {
		if len(data) < offset+routeCount*RouteEntrySize {
			return nil
		}
		p.Route = make([][]byte, routeCount)
		for i := 0; i < routeCount; i++ {
			p.Route[i] = append([]byte(nil), data[offset:offset+RouteEntrySize]...)
			offset += RouteEntrySize
		}
	}

	if flags&FlagHasSignature != 0 {
		if len(data) < offset+SignatureSize {
			return nil
		}
		p.Signature = append([]byte(nil), data[offset:offset+SignatureSize]...)
		offset += SignatureSize
	}

	// Trailing bytes mean the buffer does not describe this packet
	if offset != len(data) {
		return nil
	}

	// Decoded routes must satisfy the same invariants as built ones
	if p.HasRoute() && p.RouteHasDuplicates() {
		return nil
	}

	return p
}
