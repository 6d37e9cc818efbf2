// Package mesh ties the protocol engine together: relay decisions,
// connection ceilings with serialized writes, and per-peer packet dispatch.
package mesh

import (
	"bytes"
	"math/rand"
	"sync"
	"time"

	"github.com/user/bluemesh/config"
	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/protocol"
)

const (
	// importantTTL relays unconditionally at or above this TTL
	importantTTL = 4
	// smallNetworkSize floods unconditionally at or below this many nodes
	smallNetworkSize = 3
)

// DirectSendFunc attempts a point-to-point send to a peer, failing when the
// peer is not directly reachable
type DirectSendFunc func(peerID string, p *protocol.Packet) error

// FloodFunc rebroadcasts a packet, skipping the peer it arrived from
type FloodFunc func(p *protocol.Packet, fromPeerID string)

// NetworkSizeFunc reports the current known mesh size including self
type NetworkSizeFunc func() int

// RelayEngine decides whether and how a packet travels onward
type RelayEngine struct {
	localPeerID string
	localWire   []byte
	toggles     *config.Toggles

	sendDirect  DirectSendFunc
	flood       FloodFunc
	networkSize NetworkSizeFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	logPrefix string
}

// NewRelayEngine creates a relay engine for the local peer
func NewRelayEngine(localPeerID string, toggles *config.Toggles) *RelayEngine {
	return &RelayEngine{
		localPeerID: localPeerID,
		localWire:   protocol.PeerIDToBytes(localPeerID),
		toggles:     toggles,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logPrefix:   protocol.ShortID(localPeerID),
	}
}

func (r *RelayEngine) SetDirectSendFunc(fn DirectSendFunc)   { r.sendDirect = fn }
func (r *RelayEngine) SetFloodFunc(fn FloodFunc)             { r.flood = fn }
func (r *RelayEngine) SetNetworkSizeFunc(fn NetworkSizeFunc) { r.networkSize = fn }

// SetRandSource replaces the probabilistic-relay RNG, mainly so tests can
// seed it
func (r *RelayEngine) SetRandSource(rng *rand.Rand) {
	r.rngMu.Lock()
	r.rng = rng
	r.rngMu.Unlock()
}

// HandlePacketRelay forwards a packet onward when appropriate. Returns true
// when the packet was relayed in any form.
func (r *RelayEngine) HandlePacketRelay(p *protocol.Packet, fromPeerID string) bool {
	if bytes.Equal(p.SenderID, r.localWire) {
		return false
	}
	if p.RecipientID != nil && !p.IsBroadcast() && bytes.Equal(p.RecipientID, r.localWire) {
		return false
	}
	if p.TTL == 0 {
		logger.Trace(r.logPrefix, "Not relaying %s: TTL exhausted", p.Type)
		return false
	}

	relayed := p.Copy()
	relayed.TTL--

	if relayed.HasRoute() {
		if relayed.RouteHasDuplicates() {
			logger.Warn(r.logPrefix, "Dropping routed %s: repeated hop in route", p.Type)
			return false
		}
		if r.tryRouteHop(relayed) {
			return true
		}
		// Route unusable from here, fall back to flooding
	}

	if !r.toggles.RelayEnabled() {
		return false
	}

	size := 1
	if r.networkSize != nil {
		size = r.networkSize()
	}
	if !r.ShouldRelay(relayed.TTL, size) {
		logger.Trace(r.logPrefix, "Skipping relay of %s (ttl=%d size=%d)", p.Type, relayed.TTL, size)
		return false
	}

	if r.flood != nil {
		r.flood(relayed, fromPeerID)
	}
	return true
}

// tryRouteHop attempts the source-route fast path: find self among the
// intermediates and send directly to the next hop
func (r *RelayEngine) tryRouteHop(p *protocol.Packet) bool {
	if r.sendDirect == nil {
		return false
	}

	selfIdx := -1
	for i, hop := range p.Route {
		if bytes.Equal(hop, r.localWire) {
			selfIdx = i
			break
		}
	}
	if selfIdx < 0 {
		return false
	}

	var nextHop []byte
	if selfIdx+1 < len(p.Route) {
		nextHop = p.Route[selfIdx+1]
	} else {
		nextHop = p.RecipientID
	}
	if nextHop == nil {
		return false
	}

	nextID := protocol.PeerIDFromBytes(nextHop)
	if err := r.sendDirect(nextID, p); err != nil {
		logger.Debug(r.logPrefix, "Route hop to %s failed, flooding: %v", protocol.ShortID(nextID), err)
		return false
	}
	logger.Debug(r.logPrefix, "Relayed %s along route to %s", p.Type, protocol.ShortID(nextID))
	return true
}

// ShouldRelay applies the flooding policy: high-TTL packets and small
// networks always relay; otherwise probability degrades with network size.
func (r *RelayEngine) ShouldRelay(ttl uint8, networkSize int) bool {
	if ttl >= importantTTL {
		return true
	}
	if networkSize <= smallNetworkSize {
		return true
	}

	// Degrade relay probability as the mesh grows; a 50-node mesh already
	// relays at 0.55
	var prob float64
	switch {
	case networkSize <= 10:
		prob = 1.0
	case networkSize <= 30:
		prob = 0.85
	case networkSize < 50:
		prob = 0.70
	case networkSize <= 100:
		prob = 0.55
	default:
		prob = 0.40
	}

	r.rngMu.Lock()
	roll := r.rng.Float64()
	r.rngMu.Unlock()
	return roll < prob
}
