package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bluemesh/fragment"
	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/power"
	"github.com/user/bluemesh/protocol"
	"github.com/user/bluemesh/transport"
)

// fragmentPacing spaces fragment writes so the radio keeps up
const fragmentPacing = 20 * time.Millisecond

// sendQueueDepth bounds the broadcaster backlog
const sendQueueDepth = 256

var (
	ErrPeerNotConnected = errors.New("mesh: peer not directly connected")
	ErrSendQueueFull    = errors.New("mesh: send queue full")
)

// TransferListener receives progress events for multi-fragment sends
type TransferListener interface {
	TransferStarted(transferID string, totalFragments int)
	TransferProgress(transferID string, sent, total int)
	TransferCompleted(transferID string)
}

type connection struct {
	addr   string
	peerID string
	role   transport.Role
	rssi   int
}

type sendJob struct {
	transferID string
	packets    []*protocol.Packet
	targetPeer string          // "" means broadcast
	exclude    map[string]bool // peerIDs skipped on broadcast
}

// Coordinator owns the connection table: it enforces the power policy's
// connection ceilings and funnels every outbound write through a single
// broadcaster goroutine so fragments of one message never interleave with
// another's on the wire.
type Coordinator struct {
	localPeerID string
	tr          transport.Transport
	frag        *fragment.Engine

	mu     sync.RWMutex
	conns  map[string]*connection
	policy power.Policy

	queue chan sendJob

	cancelMu  sync.Mutex
	cancelled map[string]bool

	listener TransferListener

	logPrefix string
}

// NewCoordinator creates a coordinator over the given transport
func NewCoordinator(localPeerID string, tr transport.Transport, frag *fragment.Engine) *Coordinator {
	return &Coordinator{
		localPeerID: localPeerID,
		tr:          tr,
		frag:        frag,
		conns:       make(map[string]*connection),
		policy:      power.PolicyFor(power.Balanced),
		queue:       make(chan sendJob, sendQueueDepth),
		cancelled:   make(map[string]bool),
		logPrefix:   protocol.ShortID(localPeerID),
	}
}

func (c *Coordinator) SetTransferListener(l TransferListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Run drains the send queue until the context is cancelled
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.queue:
			c.execute(job)
		}
	}
}

// HandleConnected admits or rejects a new connection, then re-enforces the
// ceilings
func (c *Coordinator) HandleConnected(addr string, role transport.Role, rssi int) {
	c.mu.Lock()
	threshold := c.policy.RSSIThreshold
	c.mu.Unlock()

	if rssi < threshold {
		logger.Info(c.logPrefix, "Rejecting %s (%s): RSSI %d below threshold %d", addr, role, rssi, threshold)
		c.tr.Disconnect(addr)
		return
	}

	c.mu.Lock()
	c.conns[addr] = &connection{addr: addr, role: role, rssi: rssi}
	c.mu.Unlock()
	logger.Info(c.logPrefix, "Connected %s as %s (rssi=%d)", addr, role, rssi)

	c.EnforceLimits()
}

func (c *Coordinator) HandleDisconnected(addr string) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	delete(c.conns, addr)
	c.mu.Unlock()
	if ok {
		logger.Info(c.logPrefix, "Disconnected %s (peer %s)", addr, protocol.ShortID(conn.peerID))
	}
}

// RegisterPeer binds a transport address to the peerID learned from its
// announce
func (c *Coordinator) RegisterPeer(addr, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		conn.peerID = peerID
	}
}

// PeerForAddr returns the peerID bound to an address, if known
func (c *Coordinator) PeerForAddr(addr string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[addr]
	if !ok || conn.peerID == "" {
		return "", false
	}
	return conn.peerID, true
}

// AddrForPeer resolves a peerID to a connected address, preferring
// server-role subscriptions over client-role connections
func (c *Coordinator) AddrForPeer(peerID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var clientAddr string
	for _, conn := range c.conns {
		if conn.peerID != peerID {
			continue
		}
		if conn.role == transport.RoleServer {
			return conn.addr, true
		}
		clientAddr = conn.addr
	}
	if clientAddr != "" {
		return clientAddr, true
	}
	return "", false
}

// SetPolicy applies a new power policy and re-enforces the ceilings
func (c *Coordinator) SetPolicy(p power.Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.EnforceLimits()
}

// Counts reports live connections: total, server role, client role
func (c *Coordinator) Counts() (total, server, client int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.conns {
		total++
		if conn.role == transport.RoleServer {
			server++
		} else {
			client++
		}
	}
	return
}

// EnforceLimits evicts the minimum set of connections needed to satisfy all
// three ceilings, weakest RSSI first within each role. Returns the evicted
// addresses.
func (c *Coordinator) EnforceLimits() []string {
	c.mu.Lock()

	var servers, clients []*connection
	for _, conn := range c.conns {
		if conn.role == transport.RoleServer {
			servers = append(servers, conn)
		} else {
			clients = append(clients, conn)
		}
	}
	weakestFirst := func(conns []*connection) {
		sort.Slice(conns, func(i, j int) bool { return conns[i].rssi < conns[j].rssi })
	}
	weakestFirst(servers)
	weakestFirst(clients)

	var evicted []string
	evict := func(conn *connection) {
		delete(c.conns, conn.addr)
		evicted = append(evicted, conn.addr)
	}

	for len(servers) > c.policy.MaxServerConnections {
		evict(servers[0])
		servers = servers[1:]
	}
	for len(clients) > c.policy.MaxClientConnections {
		evict(clients[0])
		clients = clients[1:]
	}
	// Overall ceiling: merge what survived and trim weakest regardless of
	// role
	remaining := append(append([]*connection{}, servers...), clients...)
	weakestFirst(remaining)
	for len(remaining) > c.policy.MaxConnections {
		evict(remaining[0])
		remaining = remaining[1:]
	}

	c.mu.Unlock()

	for _, addr := range evicted {
		logger.Info(c.logPrefix, "Evicting %s to satisfy connection ceilings", addr)
		c.tr.Disconnect(addr)
	}
	return evicted
}

// RefreshRSSI re-reads signal strength for every live connection so later
// eviction decisions use current values
func (c *Coordinator) RefreshRSSI() {
	c.mu.RLock()
	addrs := make([]string, 0, len(c.conns))
	for addr := range c.conns {
		addrs = append(addrs, addr)
	}
	c.mu.RUnlock()

	for _, addr := range addrs {
		rssi, err := c.tr.ReadRSSI(addr)
		if err != nil {
			continue
		}
		c.mu.Lock()
		if conn, ok := c.conns[addr]; ok {
			conn.rssi = rssi
		}
		c.mu.Unlock()
	}
}

// BroadcastPacket queues a packet for every eligible connection, skipping
// the given peerIDs (relay source, original sender). Oversized packets are
// fragmented; the returned transferID cancels multi-fragment sends.
func (c *Coordinator) BroadcastPacket(p *protocol.Packet, excludePeers ...string) (string, error) {
	return c.enqueue(p, "", excludePeers)
}

// SendToPeer queues a packet for one directly connected peer
func (c *Coordinator) SendToPeer(peerID string, p *protocol.Packet) (string, error) {
	if _, ok := c.AddrForPeer(peerID); !ok {
		return "", ErrPeerNotConnected
	}
	return c.enqueue(p, peerID, nil)
}

func (c *Coordinator) enqueue(p *protocol.Packet, targetPeer string, excludePeers []string) (string, error) {
	packets := c.frag.CreateFragments(p)
	if len(packets) == 0 {
		return "", errors.New("mesh: packet could not be fragmented")
	}

	exclude := make(map[string]bool, len(excludePeers))
	for _, id := range excludePeers {
		if id != "" {
			exclude[id] = true
		}
	}

	job := sendJob{
		transferID: uuid.NewString(),
		packets:    packets,
		targetPeer: targetPeer,
		exclude:    exclude,
	}
	select {
	case c.queue <- job:
		return job.transferID, nil
	default:
		return "", ErrSendQueueFull
	}
}

// CancelTransfer cooperatively stops an in-flight fragmented send
func (c *Coordinator) CancelTransfer(transferID string) {
	c.cancelMu.Lock()
	c.cancelled[transferID] = true
	c.cancelMu.Unlock()
}

func (c *Coordinator) isCancelled(transferID string) bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return c.cancelled[transferID]
}

// execute performs one whole send job on the broadcaster goroutine
func (c *Coordinator) execute(job sendJob) {
	total := len(job.packets)

	c.mu.RLock()
	listener := c.listener
	c.mu.RUnlock()

	if listener != nil && total > 1 {
		listener.TransferStarted(job.transferID, total)
	}

	completed := true
	for i, pkt := range job.packets {
		if c.isCancelled(job.transferID) {
			logger.Info(c.logPrefix, "Transfer %s cancelled after %d/%d fragments", job.transferID, i, total)
			completed = false
			break
		}

		data, err := protocol.Encode(pkt)
		if err != nil {
			logger.Error(c.logPrefix, "Encode failed mid-transfer: %v", err)
			completed = false
			break
		}

		if job.targetPeer != "" {
			c.writeToPeer(job.targetPeer, data)
		} else {
			c.writeBroadcast(data, job.exclude)
		}

		if listener != nil && total > 1 {
			listener.TransferProgress(job.transferID, i+1, total)
		}
		if total > 1 && i < total-1 {
			time.Sleep(fragmentPacing)
		}
	}

	if listener != nil && total > 1 && completed {
		listener.TransferCompleted(job.transferID)
	}

	c.cancelMu.Lock()
	delete(c.cancelled, job.transferID)
	c.cancelMu.Unlock()
}

func (c *Coordinator) writeToPeer(peerID string, data []byte) {
	addr, ok := c.AddrForPeer(peerID)
	if !ok {
		logger.Debug(c.logPrefix, "Peer %s vanished mid-send", protocol.ShortID(peerID))
		return
	}
	if err := c.tr.Write(addr, data); err != nil {
		logger.Warn(c.logPrefix, "Write to %s failed: %v", addr, err)
	}
}

func (c *Coordinator) writeBroadcast(data []byte, exclude map[string]bool) {
	c.mu.RLock()
	targets := make([]string, 0, len(c.conns))
	for _, conn := range c.conns {
		if conn.peerID != "" && exclude[conn.peerID] {
			continue
		}
		targets = append(targets, conn.addr)
	}
	c.mu.RUnlock()

	for _, addr := range targets {
		if err := c.tr.Write(addr, data); err != nil {
			logger.Warn(c.logPrefix, "Broadcast write to %s failed: %v", addr, err)
		}
	}
}
