// Package fragment splits oversized packets into MTU-sized FRAGMENT packets
// and reassembles them from out-of-order arrivals.
package fragment

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/user/bluemesh/logger"
	"github.com/user/bluemesh/protocol"
)

const (
	// HeaderSize is the fragment payload header:
	// fragmentID(8) + index(2) + total(2) + originalType(1)
	HeaderSize = 13

	// MTUBudget is the target on-wire size of one fragment packet, tuned to
	// a ~512-byte negotiated BLE MTU
	MTUBudget = 512

	// Threshold is the padded on-wire size above which a packet is split
	Threshold = 512

	// reassemblyByteCap bounds the bytes accumulated for one fragmentID so a
	// hostile total/size combination cannot exhaust memory
	reassemblyByteCap = 10 << 20

	setTimeout    = 30 * time.Second
	sweepInterval = 10 * time.Second
)

// fragmentSet accumulates the chunks of one fragmented message
type fragmentSet struct {
	originalType protocol.MessageType
	total        int
	chunks       map[int][]byte
	byteCount    int
	firstSeen    time.Time
}

// Engine performs fragmentation and reassembly. Safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	sets      map[string]*fragmentSet
	logPrefix string
	now       func() time.Time
}

// NewEngine creates a fragment engine. logPrefix identifies the local node
// in log output.
func NewEngine(logPrefix string) *Engine {
	return &Engine{
		sets:      make(map[string]*fragmentSet),
		logPrefix: logPrefix,
		now:       time.Now,
	}
}

// CreateFragments splits a packet whose on-wire size, traffic padding
// included, exceeds the threshold. Below the threshold the packet is
// returned unchanged as a single-element slice. Returns nil when the per-fragment budget is
// non-positive (route too large) or the packet cannot be encoded.
func (e *Engine) CreateFragments(p *protocol.Packet) []*protocol.Packet {
	encoded, err := protocol.EncodeUnpadded(p)
	if err != nil {
		logger.Warn(e.logPrefix, "Cannot fragment unencodable packet: %v", err)
		return nil
	}
	// The frame that actually hits the radio carries the padded payload, so
	// the split decision must be made on the padded size or a mid-size
	// packet sails past here and then overflows the MTU at encode time
	wireSize := len(encoded) - len(p.Payload) + protocol.PaddedPayloadSize(len(p.Payload))
	if wireSize <= Threshold {
		return []*protocol.Packet{p}
	}

	version := protocol.VersionLegacy
	headerSize := protocol.HeaderSizeV1
	if p.HasRoute() {
		version = protocol.VersionRouted
		headerSize = protocol.HeaderSizeV2
	}

	overhead := headerSize + protocol.SenderIDSize
	if p.RecipientID != nil {
		overhead += protocol.SenderIDSize
	}
	overhead += len(p.Route) * protocol.RouteEntrySize

	chunkSize := maxChunkSize(MTUBudget - overhead)
	if chunkSize <= 0 {
		logger.Warn(e.logPrefix, "Fragment budget non-positive (route of %d hops too large)", len(p.Route))
		return nil
	}

	fragmentID := make([]byte, 8)
	rand.Read(fragmentID)

	// Chunks are slices of the complete unpadded encoding, so reassembly is
	// a plain decode that restores every original field, signature included
	total := (len(encoded) + chunkSize - 1) / chunkSize
	if total > 0xFFFF {
		logger.Warn(e.logPrefix, "Packet of %d bytes needs %d fragments, over the index space", len(encoded), total)
		return nil
	}

	timestamp := uint64(e.now().UnixMilli())
	fragments := make([]*protocol.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}

		header := make([]byte, HeaderSize, HeaderSize+(end-start))
		copy(header[0:8], fragmentID)
		binary.BigEndian.PutUint16(header[8:10], uint16(i))
		binary.BigEndian.PutUint16(header[10:12], uint16(total))
		header[12] = byte(p.Type)

		frag := &protocol.Packet{
			Version:     version,
			Type:        protocol.TypeFragment,
			TTL:         p.TTL,
			SenderID:    p.SenderID,
			RecipientID: p.RecipientID,
			Timestamp:   timestamp,
			Payload:     append(header, encoded[start:end]...),
			Route:       p.Route,
		}
		fragments = append(fragments, frag)
	}

	logger.Debug(e.logPrefix, "Fragmented %s packet: %d encoded bytes -> %d fragments (id=%s)",
		p.Type, len(encoded), total, hex.EncodeToString(fragmentID))
	return fragments
}

// maxChunkSize returns the largest chunk whose fragment payload, after
// traffic padding, still fits in avail bytes
func maxChunkSize(avail int) int {
	chunk := avail - HeaderSize
	for chunk > 0 && protocol.PaddedPayloadSize(chunk+HeaderSize) > avail {
		chunk--
	}
	return chunk
}

// HandleFragment ingests one FRAGMENT packet. When it completes a set, the
// reassembled packet is returned with TTL forced to zero: the individual
// fragments were already relayed, so the whole must not flood a second time.
// Returns nil while the set is incomplete or when the fragment is invalid.
func (e *Engine) HandleFragment(p *protocol.Packet) *protocol.Packet {
	if len(p.Payload) < HeaderSize {
		return nil
	}

	fragmentID := hex.EncodeToString(p.Payload[0:8])
	index := int(binary.BigEndian.Uint16(p.Payload[8:10]))
	total := int(binary.BigEndian.Uint16(p.Payload[10:12]))
	originalType := protocol.MessageType(p.Payload[12])
	chunk := p.Payload[HeaderSize:]

	if total == 0 || index >= total {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	set, exists := e.sets[fragmentID]
	if !exists {
		set = &fragmentSet{
			originalType: originalType,
			total:        total,
			chunks:       make(map[int][]byte),
			firstSeen:    e.now(),
		}
		e.sets[fragmentID] = set
	}

	// A fragment disagreeing with its set's metadata is hostile or corrupt
	if set.total != total || set.originalType != originalType {
		return nil
	}
	if _, dup := set.chunks[index]; dup {
		return nil
	}

	set.chunks[index] = append([]byte(nil), chunk...)
	set.byteCount += len(chunk)

	if set.byteCount > reassemblyByteCap {
		delete(e.sets, fragmentID)
		logger.Warn(e.logPrefix, "Dropped fragment set %s: %d bytes over reassembly cap", fragmentID, set.byteCount)
		return nil
	}

	if len(set.chunks) < set.total {
		return nil
	}
	delete(e.sets, fragmentID)

	assembled := make([]byte, 0, set.byteCount)
	for i := 0; i < set.total; i++ {
		assembled = append(assembled, set.chunks[i]...)
	}

	full := protocol.Decode(assembled)
	if full == nil {
		logger.Warn(e.logPrefix, "Reassembled fragment set %s did not decode, discarding", fragmentID)
		return nil
	}
	full.TTL = 0

	logger.Debug(e.logPrefix, "Reassembled %s packet from %d fragments (%d bytes)",
		full.Type, set.total, len(assembled))
	return full
}

// PendingSets returns the number of in-flight reassemblies
func (e *Engine) PendingSets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sets)
}

// Run sweeps timed-out fragment sets until the context is cancelled
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep evicts fragment sets older than the set timeout
func (e *Engine) sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-setTimeout)
	for id, set := range e.sets {
		if set.firstSeen.Before(cutoff) {
			delete(e.sets, id)
			logger.Debug(e.logPrefix, "Evicted stale fragment set %s (%d/%d chunks)", id, len(set.chunks), set.total)
		}
	}
}
