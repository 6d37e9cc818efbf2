package mesh

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/bluemesh/config"
	"github.com/user/bluemesh/noise"
	"github.com/user/bluemesh/protocol"
	"github.com/user/bluemesh/transport"
)

func newTestNode(t *testing.T, hub *transport.SimHub, addr, nickname string) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{
		PeerID:    protocol.NewPeerID(),
		Nickname:  nickname,
		Transport: hub.NewTransport(addr),
		Toggles:   config.NewToggles(),
	})
	if err != nil {
		t.Fatalf("dispatcher for %s: %v", nickname, err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start %s: %v", nickname, err)
	}
	t.Cleanup(d.Shutdown)
	return d
}

func connectNodes(t *testing.T, hub *transport.SimHub, a *Dispatcher, fromAddr, toAddr string) {
	t.Helper()
	tr := a.tr.(*transport.SimTransport)
	if err := tr.Connect(toAddr); err != nil {
		t.Fatalf("connect %s -> %s: %v", fromAddr, toAddr, err)
	}
}

func TestAnnounceBuildsDirectories(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	a := newTestNode(t, hub, "A", "alice")
	b := newTestNode(t, hub, "B", "bob")
	connectNodes(t, hub, a, "A", "B")

	waitFor(t, "mutual discovery", func() bool {
		_, aSeesB := a.Directory().GetPeer(b.PeerID())
		_, bSeesA := b.Directory().GetPeer(a.PeerID())
		return aSeesB && bSeesA
	})

	info, _ := a.Directory().GetPeer(b.PeerID())
	if info.Nickname != "bob" {
		t.Errorf("nickname = %q, want bob", info.Nickname)
	}
	if !info.IsVerifiedNickname {
		t.Error("announce nickname not marked verified")
	}
}

func TestBroadcastMessageDelivered(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	a := newTestNode(t, hub, "A", "alice")
	b := newTestNode(t, hub, "B", "bob")

	var mu sync.Mutex
	var gotPayload []byte
	var gotNickname string
	b.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		gotPayload, gotNickname = payload, nickname
		mu.Unlock()
	})

	connectNodes(t, hub, a, "A", "B")
	waitFor(t, "discovery", func() bool {
		_, ok := b.Directory().GetPeer(a.PeerID())
		return ok
	})

	if _, err := a.SendBroadcastMessage([]byte("hello everyone")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, "message delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPayload != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(gotPayload, []byte("hello everyone")) {
		t.Errorf("payload = %q", gotPayload)
	}
	if gotNickname != "alice" {
		t.Errorf("nickname = %q, want alice", gotNickname)
	}
}

func TestPrivateMessageHandshakesLazily(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	a := newTestNode(t, hub, "A", "alice")
	b := newTestNode(t, hub, "B", "bob")

	var mu sync.Mutex
	var got []byte
	b.SetPrivateMessageHandler(func(peerID string, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	})

	connectNodes(t, hub, a, "A", "B")
	waitFor(t, "discovery", func() bool {
		_, ok := a.Directory().GetPeer(b.PeerID())
		return ok
	})

	// No session yet: this queues the payload and starts the handshake
	if err := a.SendPrivateMessage(b.PeerID(), []byte("just for bob")); err != nil {
		t.Fatalf("private send: %v", err)
	}

	waitFor(t, "decrypted delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, []byte("just for bob")) {
		t.Errorf("payload = %q", got)
	}
	if !a.noise.HasEstablishedSession(b.PeerID()) {
		t.Error("initiator has no session after exchange")
	}
}

func TestRelayAcrossChain(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	a := newTestNode(t, hub, "A", "alice")
	b := newTestNode(t, hub, "B", "bob")
	c := newTestNode(t, hub, "C", "carol")

	var mu sync.Mutex
	var got []byte
	c.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	})

	// A-B and B-C only; A and C are out of each other's radio range
	connectNodes(t, hub, a, "A", "B")
	connectNodes(t, hub, b, "B", "C")

	// Re-announce so A's identity relays through B to C
	waitFor(t, "A announce reaches C", func() bool {
		if err := a.Announce(); err != nil {
			t.Fatalf("announce: %v", err)
		}
		_, ok := c.Directory().GetPeer(a.PeerID())
		return ok
	})

	if _, err := a.SendBroadcastMessage([]byte("across the mesh")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, "relayed delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, []byte("across the mesh")) {
		t.Errorf("payload = %q", got)
	}
	if b.RelayedCount() == 0 {
		t.Error("middle node reports no relays")
	}
}

func TestPerPeerFIFOOrdering(t *testing.T) {
	d, err := NewDispatcher(Config{
		PeerID:    protocol.NewPeerID(),
		Nickname:  "local",
		Transport: &stubTransport{},
		Toggles:   config.NewToggles(),
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received []string
	d.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
	})

	senderID := protocol.NewPeerID()
	sender, err := noise.NewEngine(senderID)
	if err != nil {
		t.Fatal(err)
	}

	sign := func(p *protocol.Packet) {
		signed, err := protocol.SigningForm(p)
		if err != nil {
			t.Fatal(err)
		}
		p.Signature = sender.Sign(signed)
	}

	// Announce first so the gate can verify the message signatures
	announce := &protocol.Packet{
		Version:   protocol.VersionLegacy,
		Type:      protocol.TypeAnnounce,
		TTL:       protocol.MaxTTL,
		SenderID:  protocol.PeerIDToBytes(senderID),
		Timestamp: 1,
		Payload: protocol.EncodeAnnouncement(&protocol.Announcement{
			Nickname:         "sender",
			NoisePublicKey:   sender.StaticPublicKey(),
			SigningPublicKey: sender.SigningPublicKey(),
		}),
	}
	sign(announce)
	frame, err := protocol.Encode(announce)
	if err != nil {
		t.Fatal(err)
	}
	d.handleData("addr1", frame)

	const n = 100
	for i := 0; i < n; i++ {
		p := &protocol.Packet{
			Version:   protocol.VersionLegacy,
			Type:      protocol.TypeMessage,
			TTL:       1,
			SenderID:  protocol.PeerIDToBytes(senderID),
			Timestamp: uint64(i + 2),
			Payload:   []byte(fmt.Sprintf("msg-%03d", i)),
		}
		sign(p)
		frame, err := protocol.Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		d.handleData("addr1", frame)
	}

	waitFor(t, "all messages processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range received {
		want := fmt.Sprintf("msg-%03d", i)
		if got != want {
			t.Fatalf("position %d = %q, want %q: per-peer order broken", i, got, want)
		}
	}
}

func TestFragmentedBroadcastReassembled(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	a := newTestNode(t, hub, "A", "alice")
	b := newTestNode(t, hub, "B", "bob")

	var mu sync.Mutex
	var got []byte
	b.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	})

	connectNodes(t, hub, a, "A", "B")
	waitFor(t, "discovery", func() bool {
		_, ok := b.Directory().GetPeer(a.PeerID())
		return ok
	})

	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := a.SendBroadcastMessage(payload); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, "reassembled delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload differs: %d bytes vs %d", len(got), len(payload))
	}
}

// TestMidSizePaddedBroadcastDelivered covers payloads small enough to skip
// fragmentation before padding but too large for one MTU frame after it.
// These must arrive like any other broadcast.
func TestMidSizePaddedBroadcastDelivered(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	a := newTestNode(t, hub, "A", "alice")
	b := newTestNode(t, hub, "B", "bob")

	var mu sync.Mutex
	var got []byte
	b.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	})

	connectNodes(t, hub, a, "A", "B")
	waitFor(t, "discovery", func() bool {
		_, ok := b.Directory().GetPeer(a.PeerID())
		return ok
	})

	// 300 bytes pads to a 512-byte payload block, putting the signed frame
	// over the 512-byte MTU
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := a.SendBroadcastMessage(payload); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, "mid-size delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload differs: %d bytes vs %d", len(got), len(payload))
	}
}

// TestWorkerSurvivesIdleReap verifies packets arriving around a worker
// teardown are never lost: an enqueue that catches a reaped worker must land
// on its replacement, and packets already queued when quit closes must still
// be processed.
func TestWorkerSurvivesIdleReap(t *testing.T) {
	d, err := NewDispatcher(Config{
		PeerID:    protocol.NewPeerID(),
		Nickname:  "local",
		Transport: &stubTransport{},
		Toggles:   config.NewToggles(),
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received []string
	d.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
	})

	senderID := protocol.NewPeerID()
	sender, err := noise.NewEngine(senderID)
	if err != nil {
		t.Fatal(err)
	}
	signedFrame := func(typ protocol.MessageType, timestamp uint64, payload []byte) []byte {
		p := &protocol.Packet{
			Version:   protocol.VersionLegacy,
			Type:      typ,
			TTL:       1,
			SenderID:  protocol.PeerIDToBytes(senderID),
			Timestamp: timestamp,
			Payload:   payload,
		}
		form, err := protocol.SigningForm(p)
		if err != nil {
			t.Fatal(err)
		}
		p.Signature = sender.Sign(form)
		frame, err := protocol.Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		return frame
	}

	announce := protocol.EncodeAnnouncement(&protocol.Announcement{
		Nickname:         "sender",
		NoisePublicKey:   sender.StaticPublicKey(),
		SigningPublicKey: sender.SigningPublicKey(),
	})
	d.handleData("addr1", signedFrame(protocol.TypeAnnounce, 1, announce))
	d.handleData("addr1", signedFrame(protocol.TypeMessage, 2, []byte("before reap")))

	waitFor(t, "first message processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	// Age the worker past the idle cutoff and reap it
	d.mu.Lock()
	for _, w := range d.workers {
		w.lastActive = time.Now().Add(-workerIdleTimeout - time.Minute)
	}
	d.mu.Unlock()
	d.reapIdleWorkers()

	d.mu.Lock()
	if len(d.workers) != 0 {
		d.mu.Unlock()
		t.Fatal("worker survived the reap, test cannot exercise replacement")
	}
	d.mu.Unlock()

	d.handleData("addr1", signedFrame(protocol.TypeMessage, 3, []byte("after reap")))
	waitFor(t, "post-reap message processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0] != "before reap" || received[1] != "after reap" {
		t.Errorf("received = %v", received)
	}
}

// TestClosedWorkerDrainsQueuedPackets feeds a worker whose quit is already
// closed and expects the queued packets processed rather than stranded
func TestClosedWorkerDrainsQueuedPackets(t *testing.T) {
	d, err := NewDispatcher(Config{
		PeerID:    protocol.NewPeerID(),
		Nickname:  "local",
		Transport: &stubTransport{},
		Toggles:   config.NewToggles(),
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received []string
	d.SetMessageHandler(func(peerID, nickname string, payload []byte) {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
	})

	senderID := protocol.NewPeerID()
	sender, err := noise.NewEngine(senderID)
	if err != nil {
		t.Fatal(err)
	}
	signedPacket := func(typ protocol.MessageType, timestamp uint64, payload []byte) *protocol.Packet {
		p := &protocol.Packet{
			Version:   protocol.VersionLegacy,
			Type:      typ,
			TTL:       1,
			SenderID:  protocol.PeerIDToBytes(senderID),
			Timestamp: timestamp,
			Payload:   payload,
		}
		form, err := protocol.SigningForm(p)
		if err != nil {
			t.Fatal(err)
		}
		p.Signature = sender.Sign(form)
		return p
	}

	announce := protocol.EncodeAnnouncement(&protocol.Announcement{
		Nickname:         "sender",
		NoisePublicKey:   sender.StaticPublicKey(),
		SigningPublicKey: sender.SigningPublicKey(),
	})

	w := &peerWorker{
		queue: make(chan queuedPacket, workerQueueDepth),
		quit:  make(chan struct{}),
	}
	w.queue <- queuedPacket{addr: "addr1", packet: signedPacket(protocol.TypeAnnounce, 1, announce)}
	w.queue <- queuedPacket{addr: "addr1", packet: signedPacket(protocol.TypeMessage, 2, []byte("queued-0"))}
	w.queue <- queuedPacket{addr: "addr1", packet: signedPacket(protocol.TypeMessage, 3, []byte("queued-1"))}
	close(w.quit)
	go d.runWorker(senderID, w)

	waitFor(t, "queued packets drained", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0] != "queued-0" || received[1] != "queued-1" {
		t.Errorf("received = %v", received)
	}
}

func TestTerminatedDispatcherRefusesWork(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	d, err := NewDispatcher(Config{
		PeerID:    protocol.NewPeerID(),
		Nickname:  "gone",
		Transport: hub.NewTransport("X"),
		Toggles:   config.NewToggles(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	d.Shutdown()

	if err := d.Start(); err != ErrTerminated {
		t.Errorf("restart after shutdown: %v, want ErrTerminated", err)
	}
	if _, err := d.SendBroadcastMessage([]byte("x")); err != ErrTerminated {
		t.Errorf("send after shutdown: %v, want ErrTerminated", err)
	}
	if err := d.SendPrivateMessage(protocol.NewPeerID(), []byte("x")); err != ErrTerminated {
		t.Errorf("private send after shutdown: %v, want ErrTerminated", err)
	}
}

func TestBLEToggleRequiredForStart(t *testing.T) {
	hub := transport.NewSimHub(nil)
	defer hub.Stop()

	toggles := config.NewToggles()
	toggles.SetBLEEnabled(false)
	d, err := NewDispatcher(Config{
		PeerID:    protocol.NewPeerID(),
		Nickname:  "dark",
		Transport: hub.NewTransport("X"),
		Toggles:   toggles,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != transport.ErrRadioDisabled {
		t.Fatalf("start with BLE off: %v, want ErrRadioDisabled", err)
	}

	// Engine stays usable: enabling the toggle lets Start succeed
	toggles.SetBLEEnabled(true)
	if err := d.Start(); err != nil {
		t.Fatalf("start after enable: %v", err)
	}
	d.Shutdown()
}
