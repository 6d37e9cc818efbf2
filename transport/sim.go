package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/user/bluemesh/logger"
)

// SimConfig controls the realism of the simulated radio
type SimConfig struct {
	MTU          int           // negotiated MTU for every link
	Latency      time.Duration // per-frame delivery delay
	LossRate     float64       // fraction of frames silently dropped
	BaseRSSI     int           // dBm at close range
	RSSIVariance int           // dBm fluctuation range
	Seed         int64         // RNG seed for reproducible runs
}

// DefaultSimConfig returns a reliable close-range radio
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		MTU:          512,
		Latency:      0,
		LossRate:     0,
		BaseRSSI:     -50,
		RSSIVariance: 10,
		Seed:         1,
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventData
)

type simEvent struct {
	kind eventKind
	addr string
	role Role
	rssi int
	data []byte
}

// SimHub is the shared medium every SimTransport registers with. One hub is
// one radio space: any registered node can dial any other.
type SimHub struct {
	mu      sync.Mutex
	cfg     *SimConfig
	rng     *rand.Rand
	nodes   map[string]*SimTransport
	stopped bool
}

// NewSimHub creates a radio space with the given config (nil for defaults)
func NewSimHub(cfg *SimConfig) *SimHub {
	if cfg == nil {
		cfg = DefaultSimConfig()
	}
	return &SimHub{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		nodes: make(map[string]*SimTransport),
	}
}

// NewTransport creates a node on this hub. The transport is inert until
// Start is called.
func (h *SimHub) NewTransport(addr string) *SimTransport {
	return &SimTransport{
		hub:     h,
		addr:    addr,
		links:   make(map[string]*simLink),
		scanOn:  true,
		enabled: true,
	}
}

// Stop tears down the whole radio space; nodes cannot restart on it
func (h *SimHub) Stop() {
	h.mu.Lock()
	h.stopped = true
	nodes := make([]*SimTransport, 0, len(h.nodes))
	for _, n := range h.nodes {
		nodes = append(nodes, n)
	}
	h.mu.Unlock()
	for _, n := range nodes {
		n.Stop()
	}
}

// Advertising lists the addresses currently advertising, excluding the
// caller. This stands in for a BLE scan result.
func (h *SimHub) Advertising(except string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var addrs []string
	for addr, n := range h.nodes {
		if addr == except {
			continue
		}
		n.mu.Lock()
		adv := n.advertising
		n.mu.Unlock()
		if adv {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func (h *SimHub) register(t *SimTransport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrHubStopped
	}
	h.nodes[t.addr] = t
	return nil
}

func (h *SimHub) unregister(addr string) {
	h.mu.Lock()
	delete(h.nodes, addr)
	h.mu.Unlock()
}

func (h *SimHub) lookup(addr string) *SimTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[addr]
}

// linkRSSI draws an RSSI for a new link from the configured base and
// variance
func (h *SimHub) linkRSSI() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rssi := h.cfg.BaseRSSI
	if h.cfg.RSSIVariance > 0 {
		rssi += h.rng.Intn(h.cfg.RSSIVariance*2) - h.cfg.RSSIVariance
	}
	if rssi < -100 {
		rssi = -100
	}
	if rssi > -20 {
		rssi = -20
	}
	return rssi
}

// dropFrame rolls the configured loss rate
func (h *SimHub) dropFrame() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.LossRate <= 0 {
		return false
	}
	return h.rng.Float64() < h.cfg.LossRate
}

type simLink struct {
	role Role
	rssi int
}

var _ Transport = (*SimTransport)(nil)

// SimTransport is one node on a SimHub. Inbound events are pumped by a
// single goroutine so the data handler sees strict per-peer arrival order.
type SimTransport struct {
	hub  *SimHub
	addr string

	mu          sync.Mutex
	started     bool
	enabled     bool
	advertising bool
	scanOn      bool
	links       map[string]*simLink
	inbox       chan simEvent
	done        chan struct{}

	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	onData       DataFunc
}

func (t *SimTransport) SetConnectHandler(fn ConnectFunc)       { t.mu.Lock(); t.onConnect = fn; t.mu.Unlock() }
func (t *SimTransport) SetDisconnectHandler(fn DisconnectFunc) { t.mu.Lock(); t.onDisconnect = fn; t.mu.Unlock() }
func (t *SimTransport) SetDataHandler(fn DataFunc)             { t.mu.Lock(); t.onData = fn; t.mu.Unlock() }

// SetRadioEnabled simulates the platform radio toggle. A disabled radio
// makes Start fail.
func (t *SimTransport) SetRadioEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *SimTransport) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyActive
	}
	if !t.enabled {
		t.mu.Unlock()
		return ErrRadioDisabled
	}
	t.mu.Unlock()

	if err := t.hub.register(t); err != nil {
		return err
	}

	t.mu.Lock()
	t.started = true
	t.advertising = true
	t.inbox = make(chan simEvent, 256)
	t.done = make(chan struct{})
	inbox, done := t.inbox, t.done
	t.mu.Unlock()

	go t.pump(inbox, done)
	return nil
}

func (t *SimTransport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	peers := make([]string, 0, len(t.links))
	for addr := range t.links {
		peers = append(peers, addr)
	}
	t.links = make(map[string]*simLink)
	done := t.done
	t.mu.Unlock()

	for _, addr := range peers {
		if peer := t.hub.lookup(addr); peer != nil {
			peer.dropLink(t.addr)
		}
	}
	t.hub.unregister(t.addr)
	close(done)
}

func (t *SimTransport) LocalAddr() string {
	return t.addr
}

func (t *SimTransport) MTU() int {
	return t.hub.cfg.MTU
}

func (t *SimTransport) SetScanDuty(scanOn, scanOff time.Duration) {
	// The sim radio hears everything; only remember whether scanning is
	// continuous for inspection
	t.mu.Lock()
	t.scanOn = scanOff == 0 || scanOn > 0
	t.mu.Unlock()
}

func (t *SimTransport) SetAdvertising(enabled bool) {
	t.mu.Lock()
	t.advertising = enabled
	t.mu.Unlock()
}

// Connect dials another node on the hub. Both sides get a connect event:
// the dialer with RoleClient, the target with RoleServer.
func (t *SimTransport) Connect(addr string) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := t.links[addr]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	peer := t.hub.lookup(addr)
	if peer == nil {
		return ErrNotConnected
	}

	rssi := t.hub.linkRSSI()

	t.mu.Lock()
	t.links[addr] = &simLink{role: RoleClient, rssi: rssi}
	t.mu.Unlock()

	peer.mu.Lock()
	peer.links[t.addr] = &simLink{role: RoleServer, rssi: rssi}
	peer.mu.Unlock()

	t.enqueue(simEvent{kind: eventConnect, addr: addr, role: RoleClient, rssi: rssi})
	peer.enqueue(simEvent{kind: eventConnect, addr: t.addr, role: RoleServer, rssi: rssi})
	return nil
}

func (t *SimTransport) Disconnect(addr string) {
	t.mu.Lock()
	_, ok := t.links[addr]
	delete(t.links, addr)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.enqueue(simEvent{kind: eventDisconnect, addr: addr})
	if peer := t.hub.lookup(addr); peer != nil {
		peer.dropLink(t.addr)
	}
}

// dropLink removes the reverse side of a link and notifies the handler
func (t *SimTransport) dropLink(addr string) {
	t.mu.Lock()
	_, ok := t.links[addr]
	delete(t.links, addr)
	t.mu.Unlock()
	if ok {
		t.enqueue(simEvent{kind: eventDisconnect, addr: addr})
	}
}

func (t *SimTransport) Write(addr string, data []byte) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	_, ok := t.links[addr]
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if len(data) > t.MTU() {
		return ErrMTUExceeded
	}

	peer := t.hub.lookup(addr)
	if peer == nil {
		return ErrNotConnected
	}
	if t.hub.dropFrame() {
		logger.Trace(t.addr, "Dropping %dB frame to %s (simulated loss)", len(data), addr)
		return nil
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	peer.enqueue(simEvent{kind: eventData, addr: t.addr, data: frame})
	return nil
}

func (t *SimTransport) ReadRSSI(addr string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[addr]
	if !ok {
		return 0, ErrNotConnected
	}
	return link.rssi, nil
}

// ConnectedPeers lists the addresses of live links
func (t *SimTransport) ConnectedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	addrs := make([]string, 0, len(t.links))
	for addr := range t.links {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (t *SimTransport) enqueue(ev simEvent) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	inbox := t.inbox
	t.mu.Unlock()

	select {
	case inbox <- ev:
	default:
		logger.Warn(t.addr, "Inbox full, dropping %v event from %s", ev.kind, ev.addr)
	}
}

// pump delivers inbound events in order. Latency is applied per frame,
// which preserves FIFO since a single goroutine drains the inbox.
func (t *SimTransport) pump(inbox chan simEvent, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev := <-inbox:
			if t.hub.cfg.Latency > 0 {
				time.Sleep(t.hub.cfg.Latency)
			}
			t.dispatch(ev)
		}
	}
}

func (t *SimTransport) dispatch(ev simEvent) {
	t.mu.Lock()
	onConnect, onDisconnect, onData := t.onConnect, t.onDisconnect, t.onData
	t.mu.Unlock()

	switch ev.kind {
	case eventConnect:
		if onConnect != nil {
			onConnect(ev.addr, ev.role, ev.rssi)
		}
	case eventDisconnect:
		if onDisconnect != nil {
			onDisconnect(ev.addr)
		}
	case eventData:
		if onData != nil {
			onData(ev.addr, ev.data)
		}
	}
}
