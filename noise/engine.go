// Package noise implements the session crypto engine consumed by the
// security gate: X25519 key agreement, HKDF key derivation, ChaCha20-Poly1305
// transport encryption and Ed25519 identity signing.
//
// The handshake is a two-message exchange. The initiator sends its ephemeral
// and static public keys; the responder answers with its own pair. Both sides
// derive directional keys from three DH results and the handshake transcript,
// so a session authenticates both static identities.
package noise

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/protocol"
)

const (
	// KeySize is the X25519/Ed25519 public key size
	KeySize = 32
	// HandshakeMessageSize is ephemeral(32) + static(32)
	HandshakeMessageSize = 64

	hkdfInfo = "bluemesh/session/v1"
)

var (
	ErrNoSession        = errors.New("noise: no established session")
	ErrBadHandshake     = errors.New("noise: malformed handshake message")
	ErrNoPending        = errors.New("noise: no pending handshake")
	errCiphertextShort  = errors.New("noise: ciphertext too short")
	errDecryptionFailed = errors.New("noise: decryption failed")
)

// session holds the directional transport keys for one peer
type session struct {
	send         cipherState
	recv         cipherState
	remoteStatic []byte
	established  time.Time
}

type cipherState struct {
	aead    cipher.AEAD
	counter uint64
}

// pendingHandshake is the initiator-side state awaiting a response
type pendingHandshake struct {
	ephemeral *ecdh.PrivateKey
	startedAt time.Time
}

// Engine manages per-peer sessions. All methods are safe for concurrent use.
type Engine struct {
	localPeerID string
	static      *ecdh.PrivateKey
	signing     ed25519.PrivateKey
	signingPub  ed25519.PublicKey

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[string]*pendingHandshake
}

// NewEngine creates an engine with freshly generated static and signing keys
func NewEngine(localPeerID string) (*Engine, error) {
	static, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generating static key: %w", err)
	}
	signingPub, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generating signing key: %w", err)
	}
	return &Engine{
		localPeerID: localPeerID,
		static:      static,
		signing:     signing,
		signingPub:  signingPub,
		sessions:    make(map[string]*session),
		pending:     make(map[string]*pendingHandshake),
	}, nil
}

// StaticPublicKey returns the X25519 static public key (the identity anchor)
func (e *Engine) StaticPublicKey() []byte {
	return e.static.PublicKey().Bytes()
}

// SigningPublicKey returns the Ed25519 public key
func (e *Engine) SigningPublicKey() []byte {
	return append([]byte(nil), e.signingPub...)
}

// Fingerprint returns the hex SHA-256 of a static public key
func Fingerprint(staticKey []byte) string {
	sum := sha256.Sum256(staticKey)
	return hex.EncodeToString(sum[:])
}

// InitiateHandshake produces the handshake-init message for a peer and
// records the ephemeral key awaiting the response
func (e *Engine) InitiateHandshake(peerID string) ([]byte, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generating ephemeral key: %w", err)
	}

	e.mu.Lock()
	e.pending[peerID] = &pendingHandshake{ephemeral: ephemeral, startedAt: time.Now()}
	e.mu.Unlock()

	msg := make([]byte, 0, HandshakeMessageSize)
	msg = append(msg, ephemeral.PublicKey().Bytes()...)
	msg = append(msg, e.static.PublicKey().Bytes()...)
	return msg, nil
}

// ProcessHandshakeMessage consumes an inbound handshake message. For a
// first contact it acts as responder and returns the response message; for a
// pending initiation it finalizes the session and returns nil.
func (e *Engine) ProcessHandshakeMessage(peerID string, message []byte) ([]byte, error) {
	if len(message) != HandshakeMessageSize {
		return nil, ErrBadHandshake
	}
	remoteEphemeral, err := ecdh.X25519().NewPublicKey(message[:KeySize])
	if err != nil {
		return nil, ErrBadHandshake
	}
	remoteStatic, err := ecdh.X25519().NewPublicKey(message[KeySize:])
	if err != nil {
		return nil, ErrBadHandshake
	}

	e.mu.Lock()
	pend, isInitiator := e.pending[peerID]
	if isInitiator {
		delete(e.pending, peerID)
	}
	e.mu.Unlock()

	if isInitiator {
		// Their message is the response to our init
		sess, err := e.deriveSession(pend.ephemeral, remoteEphemeral, remoteStatic, true)
		if err != nil {
			return nil, err
		}
		e.storeSession(peerID, sess)
		logger.Info(protocol.ShortID(e.localPeerID), "Session established with %s (initiator)", protocol.ShortID(peerID))
		return nil, nil
	}

	// We are the responder: generate our ephemeral and answer
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generating ephemeral key: %w", err)
	}
	sess, err := e.deriveSession(ephemeral, remoteEphemeral, remoteStatic, false)
	if err != nil {
		return nil, err
	}
	e.storeSession(peerID, sess)
	logger.Info(protocol.ShortID(e.localPeerID), "Session established with %s (responder)", protocol.ShortID(peerID))

	resp := make([]byte, 0, HandshakeMessageSize)
	resp = append(resp, ephemeral.PublicKey().Bytes()...)
	resp = append(resp, e.static.PublicKey().Bytes()...)
	return resp, nil
}

// deriveSession computes directional keys from the three DH results. The
// transcript binds both ephemerals and both statics in initiator-first order
// so both sides hash identical bytes.
func (e *Engine) deriveSession(localEphemeral *ecdh.PrivateKey, remoteEphemeral, remoteStatic *ecdh.PublicKey, initiator bool) (*session, error) {
	ee, err := localEphemeral.ECDH(remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("noise: ee agreement: %w", err)
	}
	se, err := e.static.ECDH(remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("noise: se agreement: %w", err)
	}
	es, err := localEphemeral.ECDH(remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("noise: es agreement: %w", err)
	}

	// DH results ordered from the initiator's point of view
	var secret []byte
	var transcript []byte
	localEphPub := localEphemeral.PublicKey().Bytes()
	localStaticPub := e.static.PublicKey().Bytes()
	if initiator {
		secret = concat(ee, se, es)
		transcript = concat(localEphPub, remoteEphemeral.Bytes(), localStaticPub, remoteStatic.Bytes())
	} else {
		secret = concat(ee, es, se)
		transcript = concat(remoteEphemeral.Bytes(), localEphPub, remoteStatic.Bytes(), localStaticPub)
	}

	keys := make([]byte, 2*chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, transcript, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("noise: key derivation: %w", err)
	}

	// Initiator sends with the first key, responder with the second
	k1, k2 := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	sendKey, recvKey := k1, k2
	if !initiator {
		sendKey, recvKey = k2, k1
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}

	return &session{
		send:         cipherState{aead: sendAEAD},
		recv:         cipherState{aead: recvAEAD},
		remoteStatic: remoteStatic.Bytes(),
		established:  time.Now(),
	}, nil
}

func (e *Engine) storeSession(peerID string, sess *session) {
	e.mu.Lock()
	e.sessions[peerID] = sess
	e.mu.Unlock()
}

// HasEstablishedSession reports whether transport keys exist for the peer
func (e *Engine) HasEstablishedSession(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[peerID]
	return ok
}

// RemoveSession tears down the session and any pending handshake state
func (e *Engine) RemoveSession(peerID string) {
	e.mu.Lock()
	delete(e.sessions, peerID)
	delete(e.pending, peerID)
	e.mu.Unlock()
}

// RemoteStaticKey returns the peer's static key captured at handshake time
func (e *Engine) RemoteStaticKey(peerID string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[peerID]
	if !ok {
		return nil
	}
	return append([]byte(nil), sess.remoteStatic...)
}

// Encrypt seals data for a peer. The output carries the 8-byte send counter
// so the receiver can rebuild the nonce after radio loss or reordering.
func (e *Engine) Encrypt(data []byte, peerID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[peerID]
	if !ok {
		return nil, ErrNoSession
	}

	counter := sess.send.counter
	sess.send.counter++

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)

	out := make([]byte, 8, 8+len(data)+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint64(out, counter)
	return sess.send.aead.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data from a peer
func (e *Engine) Decrypt(data []byte, peerID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[peerID]
	if !ok {
		return nil, ErrNoSession
	}
	if len(data) < 8+chacha20poly1305.Overhead {
		return nil, errCiphertextShort
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[4:], data[:8])

	plain, err := sess.recv.aead.Open(nil, nonce, data[8:], nil)
	if err != nil {
		return nil, errDecryptionFailed
	}
	return plain, nil
}

// Sign signs data with the Ed25519 identity key
func (e *Engine) Sign(data []byte) []byte {
	return ed25519.Sign(e.signing, data)
}

// VerifyEd25519 verifies a signature against a public key
func (e *Engine) VerifyEd25519(data, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

func concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
