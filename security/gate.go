// Package security gates every inbound packet: duplicate and replay
// suppression, mandatory signature verification for identity-bearing types,
// and handshake orchestration. The cryptography itself lives behind the
// NoiseEngine interface.
package security

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/protocol"
)

// NoiseEngine is the session crypto contract this gate consumes
type NoiseEngine interface {
	InitiateHandshake(peerID string) ([]byte, error)
	ProcessHandshakeMessage(peerID string, message []byte) ([]byte, error)
	HasEstablishedSession(peerID string) bool
	Encrypt(data []byte, peerID string) ([]byte, error)
	Decrypt(data []byte, peerID string) ([]byte, error)
	Sign(data []byte) []byte
	VerifyEd25519(data, signature, publicKey []byte) bool
	RemoveSession(peerID string)
	RemoteStaticKey(peerID string) []byte
	StaticPublicKey() []byte
	SigningPublicKey() []byte
}

// KeyResolver looks up a peer's verified signing key
type KeyResolver interface {
	SigningKey(peerID string) []byte
}

const (
	// dedupWindow is how long a processed messageID stays hot
	dedupWindow = 5 * time.Minute
	// dedupCapacity bounds the processed set; oldest entries evict first
	dedupCapacity = 1000
	// payloadHashPrefix bounds the bytes hashed into a messageID for
	// non-fragment types
	payloadHashPrefix = 64
	// handshakeDedupWindow suppresses repeated handshake initiations
	handshakeDedupWindow = 10 * time.Second
)

// Gate performs replay detection and signature enforcement
type Gate struct {
	localPeerID string
	noise       NoiseEngine
	keys        KeyResolver

	mu                  sync.Mutex
	seen                map[string]time.Time
	seenOrder           []string
	processedHandshakes map[string]time.Time
	forcedRehandshake   map[string]bool

	logPrefix string
	now       func() time.Time
}

// NewGate creates a security gate for the local peer
func NewGate(localPeerID string, noise NoiseEngine, keys KeyResolver) *Gate {
	return &Gate{
		localPeerID:         localPeerID,
		noise:               noise,
		keys:                keys,
		seen:                make(map[string]time.Time),
		processedHandshakes: make(map[string]time.Time),
		forcedRehandshake:   make(map[string]bool),
		logPrefix:           protocol.ShortID(localPeerID),
		now:                 time.Now,
	}
}

// messageID derives the dedup key. Fragments hash their full payload since
// fragments of different content can legitimately share a timestamp.
func messageID(p *protocol.Packet, peerID string) string {
	h := sha256.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	h.Write([]byte(peerID))

	payload := p.Payload
	if p.Type != protocol.TypeFragment && len(payload) > payloadHashPrefix {
		payload = payload[:payloadHashPrefix]
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ValidatePacket runs dedup then mandatory signature verification. A false
// return means the packet must be dropped.
func (g *Gate) ValidatePacket(p *protocol.Packet, peerID string) bool {
	id := messageID(p, peerID)

	if g.isDuplicate(id) {
		// A direct neighbor re-announcing at full TTL is legitimate, not a
		// relay loop
		if p.Type == protocol.TypeAnnounce && p.TTL == protocol.MaxTTL {
			logger.Debug(g.logPrefix, "Accepting duplicate ANNOUNCE at max TTL from %s", protocol.ShortID(peerID))
		} else {
			logger.Debug(g.logPrefix, "Dropping duplicate %s from %s", p.Type, protocol.ShortID(peerID))
			return false
		}
	}
	g.remember(id)

	switch p.Type {
	case protocol.TypeAnnounce, protocol.TypeMessage, protocol.TypeFileTransfer:
		return g.verifySignature(p, peerID)
	default:
		return true
	}
}

// verifySignature enforces the mandatory signature on identity-bearing
// types. The signing key comes from the peer directory, or for ANNOUNCE from
// the announcement payload itself (first contact).
func (g *Gate) verifySignature(p *protocol.Packet, peerID string) bool {
	if p.Signature == nil {
		logger.Warn(g.logPrefix, "Rejecting unsigned %s from %s", p.Type, protocol.ShortID(peerID))
		return false
	}

	key := g.keys.SigningKey(peerID)
	if key == nil && p.Type == protocol.TypeAnnounce {
		if a := protocol.DecodeAnnouncement(p.Payload); a != nil {
			key = a.SigningPublicKey
		}
	}
	if key == nil {
		logger.Warn(g.logPrefix, "Rejecting %s from %s: no signing key known", p.Type, protocol.ShortID(peerID))
		return false
	}

	signed, err := protocol.SigningForm(p)
	if err != nil {
		logger.Warn(g.logPrefix, "Rejecting %s from %s: signing form failed: %v", p.Type, protocol.ShortID(peerID), err)
		return false
	}
	if !g.noise.VerifyEd25519(signed, p.Signature, key) {
		logger.Warn(g.logPrefix, "Rejecting %s from %s: bad signature", p.Type, protocol.ShortID(peerID))
		return false
	}
	return true
}

// isDuplicate reports whether the messageID is inside the dedup window
func (g *Gate) isDuplicate(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	seenAt, ok := g.seen[id]
	if !ok {
		return false
	}
	if g.now().Sub(seenAt) > dedupWindow {
		delete(g.seen, id)
		return false
	}
	return true
}

// remember records a messageID, evicting expired then oldest entries to stay
// inside capacity
func (g *Gate) remember(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[id]; !ok {
		g.seenOrder = append(g.seenOrder, id)
	}
	g.seen[id] = g.now()

	for len(g.seen) > dedupCapacity && len(g.seenOrder) > 0 {
		oldest := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seen, oldest)
	}
}

// SignPacket attaches the packet signature over the canonical signing form
func (g *Gate) SignPacket(p *protocol.Packet) error {
	signed, err := protocol.SigningForm(p)
	if err != nil {
		return err
	}
	p.Signature = g.noise.Sign(signed)
	return nil
}

// InitiateHandshake starts a session with a peer and returns the init
// message payload
func (g *Gate) InitiateHandshake(peerID string) ([]byte, error) {
	return g.noise.InitiateHandshake(peerID)
}

// ForceRehandshake tears down the session and marks the peer so the next
// inbound initiation bypasses handshake dedup
func (g *Gate) ForceRehandshake(peerID string) {
	g.mu.Lock()
	g.forcedRehandshake[peerID] = true
	g.mu.Unlock()
	g.noise.RemoveSession(peerID)
}

// HandleHandshakeMessage orchestrates one inbound handshake packet. Returns
// the response payload to send back (nil when none) and whether the message
// was consumed.
func (g *Gate) HandleHandshakeMessage(p *protocol.Packet, peerID string) ([]byte, bool) {
	// Not for us, or echoed back from us: ignore
	localWire := protocol.PeerIDToBytes(g.localPeerID)
	if p.RecipientID != nil && !p.IsBroadcast() && !bytes.Equal(p.RecipientID, localWire) {
		return nil, false
	}
	if bytes.Equal(p.SenderID, localWire) {
		return nil, false
	}

	// A fresh initiation while a session exists means the peer restarted;
	// tear down for a clean re-handshake
	if p.Type == protocol.TypeNoiseHandshakeInit && g.noise.HasEstablishedSession(peerID) {
		logger.Info(g.logPrefix, "Re-handshake from %s, tearing down old session", protocol.ShortID(peerID))
		g.noise.RemoveSession(peerID)
	}

	if p.Type == protocol.TypeNoiseHandshakeInit && g.isRepeatHandshake(p, peerID) {
		logger.Debug(g.logPrefix, "Ignoring repeated handshake initiation from %s", protocol.ShortID(peerID))
		return nil, false
	}

	response, err := g.noise.ProcessHandshakeMessage(peerID, p.Payload)
	if err != nil {
		logger.Warn(g.logPrefix, "Handshake with %s failed: %v", protocol.ShortID(peerID), err)
		return nil, false
	}

	g.mu.Lock()
	delete(g.forcedRehandshake, peerID)
	g.mu.Unlock()

	return response, true
}

// isRepeatHandshake dedups initiation messages by (peerID, payload prefix),
// bypassed while a forced re-handshake is pending
func (g *Gate) isRepeatHandshake(p *protocol.Packet, peerID string) bool {
	prefix := p.Payload
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	key := peerID + ":" + hex.EncodeToString(prefix)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.forcedRehandshake[peerID] {
		return false
	}

	now := g.now()
	if at, ok := g.processedHandshakes[key]; ok && now.Sub(at) < handshakeDedupWindow {
		return true
	}
	g.processedHandshakes[key] = now

	// Opportunistic cleanup of expired entries
	for k, at := range g.processedHandshakes {
		if now.Sub(at) > handshakeDedupWindow {
			delete(g.processedHandshakes, k)
		}
	}
	return false
}
