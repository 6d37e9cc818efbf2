// Package peers tracks known mesh peers, their verified identity keys and
// liveness, and the persistent fingerprints that survive peer-ID rotation.
package peers

import (
	"context"
	"sync"
	"time"

	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/protocol"
)

const (
	// staleTimeout evicts peers with no traffic for this long
	staleTimeout = 3 * time.Minute
	// sweepInterval is how often the stale sweep runs
	sweepInterval = 30 * time.Second
	// nicknameChurnGrace protects a same-nickname entry from eviction if it
	// was seen this recently; older twins are assumed to be the pre-rotation
	// peer ID of the same device
	nicknameChurnGrace = 10 * time.Second
)

// PeerInfo is what the directory knows about one peer
type PeerInfo struct {
	ID                 string
	Nickname           string
	IsConnected        bool
	NoisePublicKey     []byte
	SigningPublicKey   []byte
	IsVerifiedNickname bool
	LastSeen           time.Time
}

// DirectConnectionFunc reports whether a peer is a direct radio neighbor.
// The answer comes from the connection layer; it is never stored here.
type DirectConnectionFunc func(peerID string) bool

// Directory is the live peer table. Safe for concurrent use.
type Directory struct {
	mu           sync.RWMutex
	localPeerID  string
	peersByID    map[string]*PeerInfo
	fingerprints *FingerprintRegistry
	isDirect     DirectConnectionFunc

	onPeerListChanged func()
	logPrefix         string
	now               func() time.Time
}

// NewDirectory creates a directory. fingerprints may not be nil; eviction
// clears fingerprint bindings in the same operation.
func NewDirectory(localPeerID string, fingerprints *FingerprintRegistry) *Directory {
	return &Directory{
		localPeerID:  localPeerID,
		peersByID:    make(map[string]*PeerInfo),
		fingerprints: fingerprints,
		isDirect:     func(string) bool { return false },
		logPrefix:    protocol.ShortID(localPeerID),
		now:          time.Now,
	}
}

// SetDirectConnectionFunc wires the connection-layer liveness source
func (d *Directory) SetDirectConnectionFunc(f DirectConnectionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isDirect = f
}

// SetPeerListChangedCallback registers the notification for first-time
// arrivals and evictions. Subsequent updates to a known peer do not fire it.
func (d *Directory) SetPeerListChangedCallback(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPeerListChanged = callback
}

// AddOrUpdatePeer upserts a peer from a verified announce. Returns true when
// the peer was new. Same-nickname entries not seen within the churn grace
// window are evicted, so a rotating peer ID does not leave a duplicate entry.
func (d *Directory) AddOrUpdatePeer(info PeerInfo) bool {
	if info.ID == d.localPeerID {
		return false
	}

	d.mu.Lock()

	now := d.now()
	var evicted []string
	for id, existing := range d.peersByID {
		if id == info.ID || existing.Nickname != info.Nickname {
			continue
		}
		if now.Sub(existing.LastSeen) > nicknameChurnGrace {
			delete(d.peersByID, id)
			d.fingerprints.RemovePeer(id)
			evicted = append(evicted, id)
		}
	}

	existing, known := d.peersByID[info.ID]
	if known {
		existing.Nickname = info.Nickname
		existing.NoisePublicKey = info.NoisePublicKey
		existing.SigningPublicKey = info.SigningPublicKey
		existing.IsVerifiedNickname = info.IsVerifiedNickname
		existing.LastSeen = now
	} else {
		stored := info
		stored.LastSeen = now
		d.peersByID[info.ID] = &stored
	}

	callback := d.onPeerListChanged
	d.mu.Unlock()

	for _, id := range evicted {
		logger.Debug(d.logPrefix, "Evicted churned peer %s (nickname %q moved to %s)",
			protocol.ShortID(id), info.Nickname, protocol.ShortID(info.ID))
	}
	if (!known || len(evicted) > 0) && callback != nil {
		callback()
	}
	return !known
}

// Touch records traffic from a peer, refreshing its liveness
func (d *Directory) Touch(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer, ok := d.peersByID[peerID]; ok {
		peer.LastSeen = d.now()
	}
}

// SetConnected updates the connection flag from the transport layer
func (d *Directory) SetConnected(peerID string, connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if peer, ok := d.peersByID[peerID]; ok {
		peer.IsConnected = connected
		if connected {
			peer.LastSeen = d.now()
		}
	}
}

// RemovePeer drops a peer (explicit LEAVE) and its fingerprint binding
func (d *Directory) RemovePeer(peerID string) {
	d.mu.Lock()
	_, known := d.peersByID[peerID]
	delete(d.peersByID, peerID)
	callback := d.onPeerListChanged
	d.mu.Unlock()

	if known {
		d.fingerprints.RemovePeer(peerID)
		if callback != nil {
			callback()
		}
	}
}

// GetPeer returns a copy of the peer's info
func (d *Directory) GetPeer(peerID string) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peersByID[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return *peer, true
}

// IsDirectConnection answers from the connection layer, not stored state
func (d *Directory) IsDirectConnection(peerID string) bool {
	d.mu.RLock()
	isDirect := d.isDirect
	d.mu.RUnlock()
	return isDirect(peerID)
}

// SigningKey resolves the verified signing key for a peer, or nil
func (d *Directory) SigningKey(peerID string) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if peer, ok := d.peersByID[peerID]; ok {
		return peer.SigningPublicKey
	}
	return nil
}

// AllPeers returns copies of every known peer
func (d *Directory) AllPeers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerInfo, 0, len(d.peersByID))
	for _, peer := range d.peersByID {
		out = append(out, *peer)
	}
	return out
}

// NetworkSize is the known mesh population including ourselves
func (d *Directory) NetworkSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peersByID) + 1
}

// Run sweeps stale peers until the context is cancelled
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepStale()
		}
	}
}

// SweepStale evicts peers unseen for longer than the stale timeout, clearing
// their fingerprint binding in the same operation
func (d *Directory) SweepStale() {
	d.mu.Lock()
	cutoff := d.now().Add(-staleTimeout)
	var evicted []string
	for id, peer := range d.peersByID {
		if peer.LastSeen.Before(cutoff) {
			delete(d.peersByID, id)
			evicted = append(evicted, id)
		}
	}
	callback := d.onPeerListChanged
	d.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	for _, id := range evicted {
		d.fingerprints.RemovePeer(id)
		logger.Info(d.logPrefix, "Evicted stale peer %s", protocol.ShortID(id))
	}
	if callback != nil {
		callback()
	}
}
