package peers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/protocol"
)

// ErrFingerprintConflict is returned when a peer ID is bound to a fingerprint
// that differs from the one already on record. This is a possible spoofing
// attempt, never silently overwritten.
var ErrFingerprintConflict = errors.New("peers: fingerprint conflict for peer ID")

var (
	bucketByPeer        = []byte("fingerprints_by_peer")
	bucketByFingerprint = []byte("peers_by_fingerprint")
)

// FingerprintOf computes the stable identity anchor for a static public key
func FingerprintOf(staticKey []byte) string {
	sum := sha256.Sum256(staticKey)
	return hex.EncodeToString(sum[:])
}

// FingerprintRegistry stores the bidirectional peerID <-> fingerprint mapping.
// Entries are written only after a handshake establishes a session, never
// speculatively. State persists across restarts in a bbolt database so
// identity continuity survives peer-ID rotation between runs.
type FingerprintRegistry struct {
	mu            sync.RWMutex
	byPeer        map[string]string // peerID -> fingerprint
	byFingerprint map[string]string // fingerprint -> peerID
	db            *bolt.DB          // nil in ephemeral mode
}

// NewFingerprintRegistry opens (or creates) the registry database at path.
// An empty path yields an in-memory registry, used by tests and simulations.
func NewFingerprintRegistry(path string) (*FingerprintRegistry, error) {
	r := &FingerprintRegistry{
		byPeer:        make(map[string]string),
		byFingerprint: make(map[string]string),
	}
	if path == "" {
		return r, nil
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("peers: opening fingerprint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketByPeer); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByFingerprint)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("peers: initializing fingerprint db: %w", err)
	}

	// Warm the in-memory mirror
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketByPeer).ForEach(func(k, v []byte) error {
			r.byPeer[string(k)] = string(v)
			r.byFingerprint[string(v)] = string(k)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("peers: loading fingerprint db: %w", err)
	}

	r.db = db
	return r, nil
}

// Close releases the backing database
func (r *FingerprintRegistry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// StoreFingerprint binds a peer ID to the fingerprint of its verified static
// key. Call only after handshake success. A same-key re-store is idempotent;
// a different key for a known peer ID is ErrFingerprintConflict. A known
// fingerprint arriving under a new peer ID is treated as rotation: the old
// peer ID's binding is re-pointed.
func (r *FingerprintRegistry) StoreFingerprint(peerID string, staticKey []byte) error {
	fingerprint := FingerprintOf(staticKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPeer[peerID]; ok {
		if existing == fingerprint {
			return nil
		}
		return ErrFingerprintConflict
	}

	if oldPeerID, ok := r.byFingerprint[fingerprint]; ok && oldPeerID != peerID {
		delete(r.byPeer, oldPeerID)
		logger.Info("peers", "Peer rotated: %s -> %s (fingerprint %s)",
			protocol.ShortID(oldPeerID), protocol.ShortID(peerID), fingerprint[:8])
	}

	r.byPeer[peerID] = fingerprint
	r.byFingerprint[fingerprint] = peerID
	return r.persist()
}

// UpdatePeerIDMapping re-points an existing fingerprint binding from oldID to
// newID, preserving identity continuity across peer-ID rotation
func (r *FingerprintRegistry) UpdatePeerIDMapping(oldID, newID, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPeer[newID]; ok && existing != fingerprint {
		return ErrFingerprintConflict
	}

	if current, ok := r.byPeer[oldID]; ok && current == fingerprint {
		delete(r.byPeer, oldID)
	}
	r.byPeer[newID] = fingerprint
	r.byFingerprint[fingerprint] = newID
	return r.persist()
}

// FingerprintForPeer returns the fingerprint bound to a peer ID, if any
func (r *FingerprintRegistry) FingerprintForPeer(peerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.byPeer[peerID]
	return fp, ok
}

// PeerIDForFingerprint returns the current peer ID for a fingerprint, if any
func (r *FingerprintRegistry) PeerIDForFingerprint(fingerprint string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFingerprint[fingerprint]
	return id, ok
}

// RemovePeer clears the binding for a peer ID (stale-peer eviction)
func (r *FingerprintRegistry) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fp, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	delete(r.byPeer, peerID)
	if r.byFingerprint[fp] == peerID {
		delete(r.byFingerprint, fp)
	}
	if err := r.persist(); err != nil {
		logger.Warn("peers", "Failed to persist fingerprint removal: %v", err)
	}
}

// persist rewrites both buckets from the in-memory mirror. Called with the
// write lock held.
func (r *FingerprintRegistry) persist() error {
	if r.db == nil {
		return nil
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketByPeer); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketByFingerprint); err != nil {
			return err
		}
		byPeer, err := tx.CreateBucket(bucketByPeer)
		if err != nil {
			return err
		}
		byFp, err := tx.CreateBucket(bucketByFingerprint)
		if err != nil {
			return err
		}
		for peerID, fp := range r.byPeer {
			if err := byPeer.Put([]byte(peerID), []byte(fp)); err != nil {
				return err
			}
		}
		for fp, peerID := range r.byFingerprint {
			if err := byFp.Put([]byte(fp), []byte(peerID)); err != nil {
				return err
			}
		}
		return nil
	})
}
