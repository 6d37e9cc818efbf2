// Package transport defines the byte-pipe contract the mesh engine runs
// over, plus an in-memory simulated radio for tests and the meshsim tool.
// The engine only ever sees peer addresses and raw bytes.
package transport

import (
	"errors"
	"time"
)

// Role is the side of a connection relative to the local node
type Role int

const (
	// RoleServer means the remote peer subscribed to our characteristic
	RoleServer Role = iota
	// RoleClient means we dialed out to the remote peer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

var (
	ErrNotStarted    = errors.New("transport: not started")
	ErrAlreadyActive = errors.New("transport: already started")
	ErrRadioDisabled = errors.New("transport: radio disabled")
	ErrHubStopped    = errors.New("transport: hub stopped")
	ErrNotConnected  = errors.New("transport: peer not connected")
	ErrMTUExceeded   = errors.New("transport: write exceeds MTU")
)

// ConnectFunc fires when a connection is established, with the negotiated
// role and the observed RSSI in dBm
type ConnectFunc func(addr string, role Role, rssi int)

// DisconnectFunc fires when a connection goes away
type DisconnectFunc func(addr string)

// DataFunc fires for each inbound frame, in per-peer arrival order
type DataFunc func(addr string, data []byte)

// Transport is the radio contract the mesh engine consumes
type Transport interface {
	// Start brings the radio up. It fails when the radio is disabled or
	// the underlying medium is gone; the caller may retry later.
	Start() error
	Stop()

	// Connect dials a remote address
	Connect(addr string) error
	Disconnect(addr string)

	// Write sends one frame to a connected peer. Frames larger than the
	// negotiated MTU are rejected, not split.
	Write(addr string, data []byte) error

	MTU() int
	LocalAddr() string
	ReadRSSI(addr string) (int, error)

	SetConnectHandler(fn ConnectFunc)
	SetDisconnectHandler(fn DisconnectFunc)
	SetDataHandler(fn DataFunc)

	// SetScanDuty applies a scan on/off cycle; zero off means continuous
	SetScanDuty(scanOn, scanOff time.Duration)
	SetAdvertising(enabled bool)
}
