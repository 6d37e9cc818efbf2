package mesh

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/bluemesh/config"
	"github.com/user/bluemesh/fragment"
	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/noise"
	"github.com/user/bluemesh/peers"
	"github.com/user/bluemesh/power"
	"github.com/user/bluemesh/protocol"
	"github.com/user/bluemesh/security"
	"github.com/user/bluemesh/transport"
)

const (
	// maxPeerWorkers bounds the worker map; packets from further peers are
	// dropped until a worker is reaped
	maxPeerWorkers = 64
	// workerQueueDepth is the per-peer inbound backlog
	workerQueueDepth = 64
	// workerIdleTimeout reaps workers with no traffic
	workerIdleTimeout = 2 * time.Minute
	// announceInterval re-broadcasts our identity
	announceInterval = 30 * time.Second
	reapInterval     = time.Minute
	rssiPollInterval = 30 * time.Second
)

// ErrTerminated is returned by a dispatcher that has been shut down; a
// fresh instance is required
var ErrTerminated = errors.New("mesh: dispatcher terminated")

// MessageHandler receives broadcast messages addressed to everyone or to us
type MessageHandler func(peerID, nickname string, payload []byte)

// PrivateMessageHandler receives decrypted session traffic
type PrivateMessageHandler func(peerID string, payload []byte)

// Config wires a dispatcher's identity and collaborators
type Config struct {
	PeerID          string
	Nickname        string
	Transport       transport.Transport
	Toggles         *config.Toggles
	FingerprintPath string // empty for in-memory identity storage
}

type queuedPacket struct {
	addr   string
	packet *protocol.Packet
}

type peerWorker struct {
	queue      chan queuedPacket
	quit       chan struct{}
	lastActive time.Time
}

// Dispatcher is one mesh node: it owns the crypto engine, peer directory,
// relay and connection layers, and processes every inbound packet on a
// per-peer worker so deliveries from one peer stay strictly ordered while
// different peers proceed concurrently.
type Dispatcher struct {
	peerID    string
	nickname  string
	localWire []byte

	tr           transport.Transport
	toggles      *config.Toggles
	noise        *noise.Engine
	gate         *security.Gate
	fingerprints *peers.FingerprintRegistry
	directory    *peers.Directory
	frag         *fragment.Engine
	relay        *RelayEngine
	coord        *Coordinator
	power        *power.Controller

	mu      sync.Mutex
	workers map[string]*peerWorker

	pendingMu      sync.Mutex
	pendingPrivate map[string][][]byte

	handlerMu sync.RWMutex
	onMessage MessageHandler
	onPrivate PrivateMessageHandler

	started    atomic.Bool
	terminated atomic.Bool
	cancel     context.CancelFunc

	relayedCount   atomic.Int64
	deliveredCount atomic.Int64

	logPrefix string
}

// NewDispatcher builds a fully wired node. Call Start to bring it up.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	noiseEngine, err := noise.NewEngine(cfg.PeerID)
	if err != nil {
		return nil, err
	}
	fingerprints, err := peers.NewFingerprintRegistry(cfg.FingerprintPath)
	if err != nil {
		return nil, err
	}

	directory := peers.NewDirectory(cfg.PeerID, fingerprints)
	frag := fragment.NewEngine(protocol.ShortID(cfg.PeerID))
	coord := NewCoordinator(cfg.PeerID, cfg.Transport, frag)
	relay := NewRelayEngine(cfg.PeerID, cfg.Toggles)
	gate := security.NewGate(cfg.PeerID, noiseEngine, directory)
	powerCtl := power.NewController(protocol.ShortID(cfg.PeerID))

	d := &Dispatcher{
		peerID:         cfg.PeerID,
		nickname:       cfg.Nickname,
		localWire:      protocol.PeerIDToBytes(cfg.PeerID),
		tr:             cfg.Transport,
		toggles:        cfg.Toggles,
		noise:          noiseEngine,
		gate:           gate,
		fingerprints:   fingerprints,
		directory:      directory,
		frag:           frag,
		relay:          relay,
		coord:          coord,
		power:          powerCtl,
		workers:        make(map[string]*peerWorker),
		pendingPrivate: make(map[string][][]byte),
		logPrefix:      protocol.ShortID(cfg.PeerID),
	}

	directory.SetDirectConnectionFunc(func(peerID string) bool {
		_, ok := coord.AddrForPeer(peerID)
		return ok
	})
	relay.SetNetworkSizeFunc(directory.NetworkSize)
	relay.SetDirectSendFunc(func(peerID string, p *protocol.Packet) error {
		_, err := coord.SendToPeer(peerID, p)
		return err
	})
	relay.SetFloodFunc(func(p *protocol.Packet, fromPeerID string) {
		d.relayedCount.Add(1)
		origin := protocol.PeerIDFromBytes(p.SenderID)
		if _, err := coord.BroadcastPacket(p, fromPeerID, origin); err != nil {
			logger.Warn(d.logPrefix, "Relay broadcast failed: %v", err)
		}
	})
	powerCtl.SetDelegate(d)

	cfg.Toggles.Subscribe(d.onToggleChanged)
	return d, nil
}

// Start brings the transport up and launches the background loops. A
// terminated dispatcher cannot be restarted.
func (d *Dispatcher) Start() error {
	if d.terminated.Load() {
		return ErrTerminated
	}
	if d.started.Load() {
		return nil
	}
	if !d.toggles.BLEEnabled() {
		return transport.ErrRadioDisabled
	}

	d.tr.SetConnectHandler(d.handleConnected)
	d.tr.SetDisconnectHandler(d.handleDisconnected)
	d.tr.SetDataHandler(d.handleData)

	if err := d.tr.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.started.Store(true)

	go d.coord.Run(ctx)
	go d.directory.Run(ctx)
	go d.frag.Run(ctx)
	go d.runLoop(ctx, "announce", announceInterval, func() {
		if err := d.Announce(); err != nil {
			logger.Warn(d.logPrefix, "Periodic announce failed: %v", err)
		}
	})
	go d.runLoop(ctx, "worker-reap", reapInterval, d.reapIdleWorkers)
	go d.runLoop(ctx, "rssi-poll", rssiPollInterval, d.coord.RefreshRSSI)

	d.applyDuty(d.power.Policy().Duty)
	d.coord.SetPolicy(d.power.Policy())

	logger.Info(d.logPrefix, "Mesh node %s (%s) started", d.peerID, d.nickname)
	return nil
}

// Shutdown stops everything and marks the dispatcher terminated
func (d *Dispatcher) Shutdown() {
	if !d.started.CompareAndSwap(true, false) {
		d.terminated.Store(true)
		return
	}
	d.terminated.Store(true)
	d.cancel()
	d.tr.Stop()

	d.mu.Lock()
	for _, w := range d.workers {
		close(w.quit)
	}
	d.workers = nil
	d.mu.Unlock()

	if err := d.fingerprints.Close(); err != nil {
		logger.Warn(d.logPrefix, "Fingerprint registry close: %v", err)
	}
	logger.Info(d.logPrefix, "Mesh node %s shut down", d.peerID)
}

func (d *Dispatcher) PeerID() string               { return d.peerID }
func (d *Dispatcher) Nickname() string             { return d.nickname }
func (d *Dispatcher) Directory() *peers.Directory  { return d.directory }
func (d *Dispatcher) Power() *power.Controller     { return d.power }
func (d *Dispatcher) Coordinator() *Coordinator    { return d.coord }
func (d *Dispatcher) RelayedCount() int64          { return d.relayedCount.Load() }
func (d *Dispatcher) DeliveredCount() int64        { return d.deliveredCount.Load() }

func (d *Dispatcher) SetMessageHandler(fn MessageHandler) {
	d.handlerMu.Lock()
	d.onMessage = fn
	d.handlerMu.Unlock()
}

func (d *Dispatcher) SetPrivateMessageHandler(fn PrivateMessageHandler) {
	d.handlerMu.Lock()
	d.onPrivate = fn
	d.handlerMu.Unlock()
}

// SetTransferListener forwards to the coordinator
func (d *Dispatcher) SetTransferListener(l TransferListener) {
	d.coord.SetTransferListener(l)
}

// OnModeChanged implements power.Delegate
func (d *Dispatcher) OnModeChanged(mode power.Mode, policy power.Policy) {
	d.coord.SetPolicy(policy)
}

// OnDutyCycleChanged implements power.Delegate
func (d *Dispatcher) OnDutyCycleChanged(duty power.DutyCycle) {
	d.applyDuty(duty)
}

func (d *Dispatcher) applyDuty(duty power.DutyCycle) {
	if duty.Continuous {
		d.tr.SetScanDuty(0, 0)
	} else {
		d.tr.SetScanDuty(duty.ScanOn, duty.ScanOff)
	}
}

func (d *Dispatcher) onToggleChanged(name string, enabled bool) {
	if name != config.ToggleBLE || !d.started.Load() {
		return
	}
	if enabled {
		if err := d.tr.Start(); err != nil && err != transport.ErrAlreadyActive {
			logger.Warn(d.logPrefix, "Transport restart after toggle: %v", err)
		}
	} else {
		d.tr.Stop()
	}
}

// Announce signs and broadcasts our identity
func (d *Dispatcher) Announce() error {
	if d.terminated.Load() {
		return ErrTerminated
	}
	payload := protocol.EncodeAnnouncement(&protocol.Announcement{
		Nickname:         d.nickname,
		NoisePublicKey:   d.noise.StaticPublicKey(),
		SigningPublicKey: d.noise.SigningPublicKey(),
	})
	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeAnnounce,
		TTL:       protocol.MaxTTL,
		SenderID:  d.localWire,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	if err := d.gate.SignPacket(p); err != nil {
		return err
	}
	_, err := d.coord.BroadcastPacket(p)
	return err
}

// Leave broadcasts our departure so peers can drop us immediately
func (d *Dispatcher) Leave() error {
	if d.terminated.Load() {
		return ErrTerminated
	}
	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeLeave,
		TTL:       protocol.MaxTTL,
		SenderID:  d.localWire,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   []byte(d.nickname),
	}
	_, err := d.coord.BroadcastPacket(p)
	return err
}

// SendBroadcastMessage signs and floods a public message to the whole mesh
func (d *Dispatcher) SendBroadcastMessage(payload []byte) (string, error) {
	if d.terminated.Load() {
		return "", ErrTerminated
	}
	p := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeMessage,
		TTL:       protocol.MaxTTL,
		SenderID:  d.localWire,
		Timestamp: uint64(time.Now().UnixMilli()),
		Payload:   payload,
	}
	if err := d.gate.SignPacket(p); err != nil {
		return "", err
	}
	return d.coord.BroadcastPacket(p)
}

// SendPrivateMessage encrypts a payload for one peer. Without an
// established session the payload is queued and a handshake is started; the
// queue flushes when the session comes up.
func (d *Dispatcher) SendPrivateMessage(peerID string, payload []byte) error {
	if d.terminated.Load() {
		return ErrTerminated
	}
	if !d.noise.HasEstablishedSession(peerID) {
		d.pendingMu.Lock()
		d.pendingPrivate[peerID] = append(d.pendingPrivate[peerID], payload)
		d.pendingMu.Unlock()
		return d.startHandshake(peerID)
	}
	return d.sendEncrypted(peerID, payload)
}

func (d *Dispatcher) sendEncrypted(peerID string, payload []byte) error {
	ciphertext, err := d.noise.Encrypt(payload, peerID)
	if err != nil {
		return err
	}
	p := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseEncrypted,
		TTL:         protocol.MaxTTL,
		SenderID:    d.localWire,
		RecipientID: protocol.PeerIDToBytes(peerID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     ciphertext,
	}
	return d.sendTowards(peerID, p)
}

func (d *Dispatcher) startHandshake(peerID string) error {
	init, err := d.gate.InitiateHandshake(peerID)
	if err != nil {
		return err
	}
	p := &protocol.Packet{
		Version:     protocol.VersionLegacy,
		Type:        protocol.TypeNoiseHandshakeInit,
		TTL:         protocol.MaxTTL,
		SenderID:    d.localWire,
		RecipientID: protocol.PeerIDToBytes(peerID),
		Timestamp:   uint64(time.Now().UnixMilli()),
		Payload:     init,
	}
	logger.Debug(d.logPrefix, "Initiating handshake with %s", protocol.ShortID(peerID))
	return d.sendTowards(peerID, p)
}

// sendTowards prefers a direct link and falls back to TTL-bounded flooding
func (d *Dispatcher) sendTowards(peerID string, p *protocol.Packet) error {
	if _, err := d.coord.SendToPeer(peerID, p); err == nil {
		return nil
	}
	_, err := d.coord.BroadcastPacket(p)
	return err
}

func (d *Dispatcher) handleConnected(addr string, role transport.Role, rssi int) {
	d.coord.HandleConnected(addr, role, rssi)
	// Introduce ourselves to the new neighborhood right away
	if err := d.Announce(); err != nil {
		logger.Warn(d.logPrefix, "Announce on connect failed: %v", err)
	}
}

func (d *Dispatcher) handleDisconnected(addr string) {
	if peerID, ok := d.coord.PeerForAddr(addr); ok {
		d.directory.SetConnected(peerID, false)
	}
	d.coord.HandleDisconnected(addr)
}

// handleData decodes a frame and hands it to the sender's worker
func (d *Dispatcher) handleData(addr string, data []byte) {
	p := protocol.Decode(data)
	if p == nil {
		logger.Debug(d.logPrefix, "Dropping undecodable %dB frame from %s", len(data), addr)
		return
	}
	peerID := protocol.PeerIDFromBytes(p.SenderID)
	if peerID == d.peerID {
		return
	}
	d.enqueueForPeer(peerID, queuedPacket{addr: addr, packet: p})
}

// enqueueForPeer routes a packet onto the sender's single worker, creating
// it lazily. Handshake and session state is peer-scoped, so two packets
// from the same peer must never be processed concurrently. A full queue
// blocks the caller rather than dropping: the transport's inbound pump is
// the natural place for backpressure, and a drop here would reorder or lose
// packets the FIFO contract promises to deliver.
func (d *Dispatcher) enqueueForPeer(peerID string, qp queuedPacket) {
	for {
		if d.terminated.Load() {
			return
		}
		d.mu.Lock()
		if d.workers == nil {
			d.mu.Unlock()
			return
		}
		w, ok := d.workers[peerID]
		if !ok {
			if len(d.workers) >= maxPeerWorkers {
				d.mu.Unlock()
				logger.Warn(d.logPrefix, "Worker map full, dropping %s from %s", qp.packet.Type, protocol.ShortID(peerID))
				return
			}
			w = &peerWorker{
				queue: make(chan queuedPacket, workerQueueDepth),
				quit:  make(chan struct{}),
			}
			d.workers[peerID] = w
			go d.runWorker(peerID, w)
		}
		w.lastActive = time.Now()
		d.mu.Unlock()

		select {
		case w.queue <- qp:
			return
		case <-w.quit:
			// The worker was reaped or shut down between the map lookup
			// and the send. Loop to pick up (or create) its replacement.
		}
	}
}

func (d *Dispatcher) runWorker(peerID string, w *peerWorker) {
	for {
		select {
		case <-w.quit:
			// Drain anything that raced in before quit closed so no packet
			// is stranded in a channel nobody reads
			for {
				select {
				case qp := <-w.queue:
					d.safeProcess(peerID, qp)
				default:
					return
				}
			}
		case qp := <-w.queue:
			d.safeProcess(peerID, qp)
		}
	}
}

// safeProcess guards a single delivery so one bad packet cannot kill the
// peer's worker
func (d *Dispatcher) safeProcess(peerID string, qp queuedPacket) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(d.logPrefix, "Panic processing %s from %s: %v", qp.packet.Type, protocol.ShortID(peerID), r)
		}
	}()
	d.processPacket(peerID, qp.addr, qp.packet)
}

func (d *Dispatcher) processPacket(peerID, addr string, p *protocol.Packet) {
	switch p.Type {
	case protocol.TypeNoiseHandshakeInit, protocol.TypeNoiseHandshakeResp:
		d.handleHandshake(peerID, p)
	default:
		if !d.gate.ValidatePacket(p, peerID) {
			return
		}
		d.handleValidated(peerID, addr, p)
	}

	d.directory.Touch(peerID)
	d.relay.HandlePacketRelay(p, peerID)
}

func (d *Dispatcher) handleValidated(peerID, addr string, p *protocol.Packet) {
	switch p.Type {
	case protocol.TypeAnnounce:
		d.handleAnnounce(peerID, addr, p)
	case protocol.TypeLeave:
		logger.Info(d.logPrefix, "Peer %s left", protocol.ShortID(peerID))
		d.directory.RemovePeer(peerID)
	case protocol.TypeMessage:
		d.deliverMessage(peerID, p)
	case protocol.TypeFileTransfer:
		d.deliverMessage(peerID, p)
	case protocol.TypeNoiseEncrypted:
		d.handleEncrypted(peerID, p)
	case protocol.TypeFragment:
		if assembled := d.frag.HandleFragment(p); assembled != nil {
			// Reassembled packets carry TTL 0 so the relay path below
			// never forwards them
			d.processPacket(peerID, addr, assembled)
		}
	default:
		logger.Debug(d.logPrefix, "Ignoring unhandled type %s from %s", p.Type, protocol.ShortID(peerID))
	}
}

func (d *Dispatcher) handleAnnounce(peerID, addr string, p *protocol.Packet) {
	ann := protocol.DecodeAnnouncement(p.Payload)
	if ann == nil {
		logger.Warn(d.logPrefix, "Malformed announce from %s", protocol.ShortID(peerID))
		return
	}

	// Full TTL means the announce came straight off the sender's radio, so
	// the frame's source address belongs to the peer itself rather than a
	// relay
	direct := p.TTL == protocol.MaxTTL
	if direct {
		d.coord.RegisterPeer(addr, peerID)
	}

	d.directory.AddOrUpdatePeer(peers.PeerInfo{
		ID:                 peerID,
		Nickname:           ann.Nickname,
		IsConnected:        direct,
		NoisePublicKey:     ann.NoisePublicKey,
		SigningPublicKey:   ann.SigningPublicKey,
		IsVerifiedNickname: true,
		LastSeen:           time.Now(),
	})
}

func (d *Dispatcher) deliverMessage(peerID string, p *protocol.Packet) {
	if !p.IsBroadcast() && p.RecipientID != nil && !bytes.Equal(p.RecipientID, d.localWire) {
		return
	}
	d.deliveredCount.Add(1)

	nickname := protocol.ShortID(peerID)
	if info, ok := d.directory.GetPeer(peerID); ok {
		nickname = info.Nickname
	}

	d.handlerMu.RLock()
	fn := d.onMessage
	d.handlerMu.RUnlock()
	if fn != nil {
		fn(peerID, nickname, p.Payload)
	}
}

func (d *Dispatcher) handleEncrypted(peerID string, p *protocol.Packet) {
	if p.RecipientID == nil || !bytes.Equal(p.RecipientID, d.localWire) {
		return
	}
	plaintext, err := d.noise.Decrypt(p.Payload, peerID)
	if err != nil {
		logger.Warn(d.logPrefix, "Decrypt from %s failed: %v", protocol.ShortID(peerID), err)
		return
	}
	d.deliveredCount.Add(1)

	d.handlerMu.RLock()
	fn := d.onPrivate
	d.handlerMu.RUnlock()
	if fn != nil {
		fn(peerID, plaintext)
	}
}

func (d *Dispatcher) handleHandshake(peerID string, p *protocol.Packet) {
	resp, ok := d.gate.HandleHandshakeMessage(p, peerID)
	if !ok {
		return
	}

	if resp != nil {
		out := &protocol.Packet{
			Version:     protocol.VersionLegacy,
			Type:        protocol.TypeNoiseHandshakeResp,
			TTL:         protocol.MaxTTL,
			SenderID:    d.localWire,
			RecipientID: p.SenderID,
			Timestamp:   uint64(time.Now().UnixMilli()),
			Payload:     resp,
		}
		if err := d.sendTowards(peerID, out); err != nil {
			logger.Warn(d.logPrefix, "Handshake response to %s failed: %v", protocol.ShortID(peerID), err)
		}
	}

	if d.noise.HasEstablishedSession(peerID) {
		d.onSessionEstablished(peerID)
	}
}

// onSessionEstablished pins the peer's identity and flushes any queued
// private messages
func (d *Dispatcher) onSessionEstablished(peerID string) {
	if key := d.noise.RemoteStaticKey(peerID); key != nil {
		if err := d.fingerprints.StoreFingerprint(peerID, key); err != nil {
			logger.Error(d.logPrefix, "Fingerprint conflict for %s: %v", protocol.ShortID(peerID), err)
			d.noise.RemoveSession(peerID)
			return
		}
	}
	logger.Info(d.logPrefix, "Session established with %s", protocol.ShortID(peerID))

	d.pendingMu.Lock()
	queued := d.pendingPrivate[peerID]
	delete(d.pendingPrivate, peerID)
	d.pendingMu.Unlock()

	for _, payload := range queued {
		if err := d.sendEncrypted(peerID, payload); err != nil {
			logger.Warn(d.logPrefix, "Flushing queued message to %s failed: %v", protocol.ShortID(peerID), err)
		}
	}
}

// reapIdleWorkers tears down workers with no recent traffic
func (d *Dispatcher) reapIdleWorkers() {
	cutoff := time.Now().Add(-workerIdleTimeout)
	d.mu.Lock()
	for peerID, w := range d.workers {
		if w.lastActive.Before(cutoff) {
			close(w.quit)
			delete(d.workers, peerID)
			logger.Debug(d.logPrefix, "Reaped idle worker for %s", protocol.ShortID(peerID))
		}
	}
	d.mu.Unlock()
}

// runLoop drives a periodic task, surviving panics in individual iterations
func (d *Dispatcher) runLoop(ctx context.Context, name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error(d.logPrefix, "Background loop %s iteration panicked: %v", name, r)
					}
				}()
				fn()
			}()
		}
	}
}
