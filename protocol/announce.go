package protocol

// Announce payload TLV. An announcement carries the peer's nickname and both
// public keys so a first-contact ANNOUNCE can be verified before the peer
// directory knows anything about the sender.

const (
	tlvNickname     byte = 0x01
	tlvNoiseKey     byte = 0x02
	tlvSigningKey   byte = 0x03
	publicKeySize        = 32
	maxNicknameSize      = 255
)

// Announcement is the decoded ANNOUNCE payload
type Announcement struct {
	Nickname         string
	NoisePublicKey   []byte // X25519 static key, 32 bytes
	SigningPublicKey []byte // Ed25519 key, 32 bytes
}

// EncodeAnnouncement serializes the announcement TLV. Oversized nicknames
// are truncated to what the length byte can carry.
func EncodeAnnouncement(a *Announcement) []byte {
	nickname := a.Nickname
	if len(nickname) > maxNicknameSize {
		nickname = nickname[:maxNicknameSize]
	}

	buf := make([]byte, 0, 2+len(nickname)+2+len(a.NoisePublicKey)+2+len(a.SigningPublicKey))
	buf = append(buf, tlvNickname, byte(len(nickname)))
	buf = append(buf, nickname...)
	buf = append(buf, tlvNoiseKey, byte(len(a.NoisePublicKey)))
	buf = append(buf, a.NoisePublicKey...)
	buf = append(buf, tlvSigningKey, byte(len(a.SigningPublicKey)))
	buf = append(buf, a.SigningPublicKey...)
	return buf
}

// DecodeAnnouncement parses the announce TLV. Returns nil when the payload
// is malformed or either key has the wrong size. Unknown TLV types are
// skipped for forward compatibility.
func DecodeAnnouncement(data []byte) *Announcement {
	a := &Announcement{}
	offset := 0
	for offset+2 <= len(data) {
		typ := data[offset]
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return nil
		}
		value := data[offset : offset+length]
		offset += length

		switch typ {
		case tlvNickname:
			a.Nickname = string(value)
		case tlvNoiseKey:
			a.NoisePublicKey = append([]byte(nil), value...)
		case tlvSigningKey:
			a.SigningPublicKey = append([]byte(nil), value...)
		}
	}
	if offset != len(data) {
		return nil
	}
	if len(a.NoisePublicKey) != publicKeySize || len(a.SigningPublicKey) != publicKeySize {
		return nil
	}
	return a
}
