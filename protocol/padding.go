package protocol

import (
	"crypto/rand"
)

// Traffic padding rounds payloads up to one of a few block sizes so packet
// length leaks less about content. The pad bytes are random; the final byte
// records the pad length so the receiver can strip it.

var paddingBlocks = []int{256, 512, 1024, 2048}

// maxPadLength is bounded by the single-byte pad length marker
const maxPadLength = 255

// optimalBlockSize returns the smallest block the padded payload fits in,
// or 0 when the payload should stay unpadded (too large, or the required
// pad would not fit in the length marker).
func optimalBlockSize(payloadLen int) int {
	// +1 for the pad length marker itself
	for _, block := range paddingBlocks {
		if payloadLen+1 <= block {
			if block-payloadLen <= maxPadLength {
				return block
			}
			return 0
		}
	}
	return 0
}

// PaddedPayloadSize returns the on-wire size of a payload after traffic
// padding is applied. Callers sizing fragments for an MTU budget need this.
func PaddedPayloadSize(payloadLen int) int {
	if block := optimalBlockSize(payloadLen); block > 0 {
		return block
	}
	return payloadLen
}

// pad extends payload to exactly block bytes. Caller guarantees the pad
// length fits in one byte.
func pad(payload []byte, block int) []byte {
	padLen := block - len(payload)
	padded := make([]byte, block)
	copy(padded, payload)
	// Random filler; only the final byte is meaningful
	rand.Read(padded[len(payload) : block-1])
	padded[block-1] = byte(padLen)
	return padded
}

// unpad strips trailing padding. Returns nil when the pad marker is invalid.
func unpad(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	padLen := int(payload[len(payload)-1])
	if padLen == 0 || padLen > len(payload) {
		return nil
	}
	return payload[:len(payload)-padLen]
}
