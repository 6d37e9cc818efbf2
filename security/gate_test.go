package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/user/bluemesh/noise"
	"github.com/user/bluemesh/protocol"
)

type stubKeys struct {
	keys map[string][]byte
}

func (s *stubKeys) SigningKey(peerID string) []byte {
	return s.keys[peerID]
}

func newTestGate(t *testing.T, peerID string) (*Gate, *noise.Engine, *stubKeys) {
	t.Helper()
	eng, err := noise.NewEngine(peerID)
	if err != nil {
		t.Fatalf("noise engine: %v", err)
	}
	keys := &stubKeys{keys: make(map[string][]byte)}
	return NewGate(peerID, eng, keys), eng, keys
}

func signedMessage(t *testing.T, sender *noise.Engine, senderID string, payload []byte) *protocol.Packet {
	t.Helper()
	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeMessage,
		TTL:       protocol.MaxTTL,
		SenderID:  protocol.PeerIDToBytes(senderID),
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	signed, err := protocol.SigningForm(p)
	if err != nil {
		t.Fatalf("signing form: %v", err)
	}
	p.Signature = sender.Sign(signed)
	return p
}

func TestValidatePacketAcceptsSigned(t *testing.T) {
	alice := protocol.NewPeerID()
	bob := protocol.NewPeerID()
	gate, _, keys := newTestGate(t, bob)

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	keys.keys[alice] = sender.SigningPublicKey()

	p := signedMessage(t, sender, alice, []byte("hello mesh"))
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("valid signed message rejected")
	}
}

// TestValidatePacketAcceptsRelayedSignature covers the two TTL mutations a
// signed packet goes through in flight: a relay hop decrements TTL, and
// reassembly of a fragmented packet zeroes it. Verification must pass after
// both.
func TestValidatePacketAcceptsRelayedSignature(t *testing.T) {
	alice := protocol.NewPeerID()
	bob := protocol.NewPeerID()
	gate, _, keys := newTestGate(t, bob)

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	keys.keys[alice] = sender.SigningPublicKey()

	relayed := signedMessage(t, sender, alice, []byte("two hops out"))
	relayed.TTL--
	if !gate.ValidatePacket(relayed, alice) {
		t.Fatal("signed message rejected after a relay hop decremented TTL")
	}

	reassembled := signedMessage(t, sender, alice, []byte("was fragmented"))
	reassembled.TTL = 0
	if !gate.ValidatePacket(reassembled, alice) {
		t.Fatal("signed message rejected after reassembly zeroed TTL")
	}
}

func TestValidatePacketRejectsUnsigned(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, _ := newTestGate(t, protocol.NewPeerID())

	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeMessage,
		TTL:       3,
		SenderID:  protocol.PeerIDToBytes(alice),
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   []byte("no signature"),
	}
	if gate.ValidatePacket(p, alice) {
		t.Fatal("unsigned MESSAGE accepted")
	}
}

func TestValidatePacketRejectsTampered(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, keys := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	keys.keys[alice] = sender.SigningPublicKey()

	p := signedMessage(t, sender, alice, []byte("original"))
	p.Payload = []byte("tampered")
	if gate.ValidatePacket(p, alice) {
		t.Fatal("tampered payload accepted")
	}
}

func TestValidatePacketRejectsUnknownSigner(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, _ := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	p := signedMessage(t, sender, alice, []byte("who am I"))
	if gate.ValidatePacket(p, alice) {
		t.Fatal("MESSAGE from peer with no known signing key accepted")
	}
}

func TestAnnounceVerifiedFromEmbeddedKey(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, _ := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	ann := &protocol.Announcement{
		Nickname:         "alice",
		NoisePublicKey:   sender.StaticPublicKey(),
		SigningPublicKey: sender.SigningPublicKey(),
	}
	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeAnnounce,
		TTL:       protocol.MaxTTL,
		SenderID:  protocol.PeerIDToBytes(alice),
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   protocol.EncodeAnnouncement(ann),
	}
	signed, err := protocol.SigningForm(p)
	if err != nil {
		t.Fatal(err)
	}
	p.Signature = sender.Sign(signed)

	// First contact: no directory entry yet, key must come from the TLV
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("first-contact ANNOUNCE rejected")
	}
}

func TestDuplicateSuppression(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, keys := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	keys.keys[alice] = sender.SigningPublicKey()

	p := signedMessage(t, sender, alice, []byte("seen once"))
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("first copy rejected")
	}
	if gate.ValidatePacket(p, alice) {
		t.Fatal("relayed duplicate accepted")
	}
	// Same packet arriving with decremented TTL is still the same message
	p.TTL = 3
	if gate.ValidatePacket(p, alice) {
		t.Fatal("duplicate with different TTL accepted")
	}
}

func TestDuplicateAnnounceAtMaxTTLAccepted(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, _ := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	ann := &protocol.Announcement{
		Nickname:         "alice",
		NoisePublicKey:   sender.StaticPublicKey(),
		SigningPublicKey: sender.SigningPublicKey(),
	}
	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeAnnounce,
		TTL:       protocol.MaxTTL,
		SenderID:  protocol.PeerIDToBytes(alice),
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   protocol.EncodeAnnouncement(ann),
	}
	signed, err := protocol.SigningForm(p)
	if err != nil {
		t.Fatal(err)
	}
	p.Signature = sender.Sign(signed)

	if !gate.ValidatePacket(p, alice) {
		t.Fatal("first ANNOUNCE rejected")
	}
	// Direct neighbor re-sends the same announce at full TTL
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("re-announce at max TTL rejected")
	}
	// But the same announce relayed (TTL decremented) is a duplicate
	relayed := p.Copy()
	relayed.TTL = protocol.MaxTTL - 1
	if gate.ValidatePacket(relayed, alice) {
		t.Fatal("relayed duplicate ANNOUNCE accepted")
	}
}

func TestDedupCapacityEviction(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, keys := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	keys.keys[alice] = sender.SigningPublicKey()

	first := signedMessage(t, sender, alice, []byte("evict me"))
	if !gate.ValidatePacket(first, alice) {
		t.Fatal("first packet rejected")
	}

	for i := 0; i < dedupCapacity+10; i++ {
		p := signedMessage(t, sender, alice, []byte(fmt.Sprintf("filler %d", i)))
		gate.ValidatePacket(p, alice)
	}

	// The oldest entry fell out of the bounded set, so the packet passes
	// dedup again
	if !gate.ValidatePacket(first, alice) {
		t.Fatal("evicted messageID still treated as duplicate")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, keys := newTestGate(t, protocol.NewPeerID())

	sender, err := noise.NewEngine(alice)
	if err != nil {
		t.Fatal(err)
	}
	keys.keys[alice] = sender.SigningPublicKey()

	base := time.Now()
	gate.now = func() time.Time { return base }

	p := signedMessage(t, sender, alice, []byte("stale"))
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("first copy rejected")
	}

	gate.now = func() time.Time { return base.Add(dedupWindow + time.Second) }
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("packet outside dedup window rejected")
	}
}

func TestHandshakeOrchestration(t *testing.T) {
	aliceID := protocol.NewPeerID()
	bobID := protocol.NewPeerID()
	aliceGate, aliceEng, _ := newTestGate(t, aliceID)
	bobGate, bobEng, _ := newTestGate(t, bobID)

	initMsg, err := aliceGate.InitiateHandshake(bobID)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	initPkt := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseHandshakeInit,
		TTL:         protocol.MaxTTL,
		SenderID:    protocol.PeerIDToBytes(aliceID),
		RecipientID: protocol.PeerIDToBytes(bobID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     initMsg,
	}
	resp, ok := bobGate.HandleHandshakeMessage(initPkt, aliceID)
	if !ok || resp == nil {
		t.Fatal("responder produced no handshake response")
	}
	if !bobEng.HasEstablishedSession(aliceID) {
		t.Fatal("responder has no session after init")
	}

	respPkt := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseHandshakeResp,
		TTL:         protocol.MaxTTL,
		SenderID:    protocol.PeerIDToBytes(bobID),
		RecipientID: protocol.PeerIDToBytes(aliceID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     resp,
	}
	final, ok := aliceGate.HandleHandshakeMessage(respPkt, bobID)
	if !ok {
		t.Fatal("initiator did not consume response")
	}
	if final != nil {
		t.Fatal("two-message handshake produced a third message")
	}
	if !aliceEng.HasEstablishedSession(bobID) {
		t.Fatal("initiator has no session after response")
	}
}

func TestHandshakeIgnoresWrongRecipient(t *testing.T) {
	aliceID := protocol.NewPeerID()
	bobID := protocol.NewPeerID()
	carolID := protocol.NewPeerID()
	aliceGate, _, _ := newTestGate(t, aliceID)
	bobGate, _, _ := newTestGate(t, bobID)

	initMsg, err := aliceGate.InitiateHandshake(carolID)
	if err != nil {
		t.Fatal(err)
	}
	p := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseHandshakeInit,
		TTL:         protocol.MaxTTL,
		SenderID:    protocol.PeerIDToBytes(aliceID),
		RecipientID: protocol.PeerIDToBytes(carolID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     initMsg,
	}
	if resp, ok := bobGate.HandleHandshakeMessage(p, aliceID); ok || resp != nil {
		t.Fatal("handshake addressed to another peer was consumed")
	}
}

func TestHandshakeIgnoresOwnEcho(t *testing.T) {
	aliceID := protocol.NewPeerID()
	bobID := protocol.NewPeerID()
	aliceGate, _, _ := newTestGate(t, aliceID)

	initMsg, err := aliceGate.InitiateHandshake(bobID)
	if err != nil {
		t.Fatal(err)
	}
	p := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseHandshakeInit,
		TTL:         protocol.MaxTTL,
		SenderID:    protocol.PeerIDToBytes(aliceID),
		RecipientID: protocol.PeerIDToBytes(bobID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     initMsg,
	}
	if _, ok := aliceGate.HandleHandshakeMessage(p, aliceID); ok {
		t.Fatal("gate consumed its own handshake echo")
	}
}

func TestRepeatedHandshakeInitSuppressed(t *testing.T) {
	aliceID := protocol.NewPeerID()
	bobID := protocol.NewPeerID()
	aliceGate, _, _ := newTestGate(t, aliceID)
	bobGate, bobEng, _ := newTestGate(t, bobID)

	initMsg, err := aliceGate.InitiateHandshake(bobID)
	if err != nil {
		t.Fatal(err)
	}
	p := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseHandshakeInit,
		TTL:         protocol.MaxTTL,
		SenderID:    protocol.PeerIDToBytes(aliceID),
		RecipientID: protocol.PeerIDToBytes(bobID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     initMsg,
	}
	if _, ok := bobGate.HandleHandshakeMessage(p, aliceID); !ok {
		t.Fatal("first initiation rejected")
	}
	if _, ok := bobGate.HandleHandshakeMessage(p, aliceID); ok {
		t.Fatal("duplicate initiation processed")
	}

	// Forced re-handshake bypasses the suppression
	bobGate.ForceRehandshake(aliceID)
	if bobEng.HasEstablishedSession(aliceID) {
		t.Fatal("session survived ForceRehandshake")
	}
	if _, ok := bobGate.HandleHandshakeMessage(p, aliceID); !ok {
		t.Fatal("initiation after ForceRehandshake suppressed")
	}
}

func TestNonIdentityTypesPassWithoutSignature(t *testing.T) {
	alice := protocol.NewPeerID()
	gate, _, _ := newTestGate(t, protocol.NewPeerID())

	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeNoiseEncrypted,
		TTL:       3,
		SenderID:  protocol.PeerIDToBytes(alice),
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
	}
	if !gate.ValidatePacket(p, alice) {
		t.Fatal("NOISE_ENCRYPTED without signature rejected")
	}
}
