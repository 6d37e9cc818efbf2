// Package config holds the observable feature toggles consulted by the
// relay, connection and power layers.
//
// Reads are lock-free (atomic). Mutations are serialized behind one mutex so
// a toggle flip and the start/stop sequence it triggers cannot race another
// flip of the same toggle.
package config

import (
	"sync"
	"sync/atomic"
)

// Toggle names passed to subscribers.
const (
	ToggleBLE   = "ble"
	ToggleRelay = "relay"
)

// Subscriber is notified after a toggle value actually changes.
type Subscriber func(name string, enabled bool)

// Toggles is the process-wide feature toggle store. Construct once and
// inject; there is no package-level singleton.
type Toggles struct {
	ble   atomic.Bool
	relay atomic.Bool

	mu   sync.Mutex // serializes Set* and subscriber dispatch
	subs []Subscriber
}

// NewToggles returns a store with both transports enabled and relay enabled.
func NewToggles() *Toggles {
	t := &Toggles{}
	t.ble.Store(true)
	t.relay.Store(true)
	return t
}

// BLEEnabled reports whether the BLE transport may run.
func (t *Toggles) BLEEnabled() bool { return t.ble.Load() }

// RelayEnabled reports whether flood relay is allowed.
func (t *Toggles) RelayEnabled() bool { return t.relay.Load() }

// SetBLEEnabled flips the BLE toggle and notifies subscribers on change.
func (t *Toggles) SetBLEEnabled(enabled bool) {
	t.set(ToggleBLE, &t.ble, enabled)
}

// SetRelayEnabled flips the relay toggle and notifies subscribers on change.
func (t *Toggles) SetRelayEnabled(enabled bool) {
	t.set(ToggleRelay, &t.relay, enabled)
}

// Subscribe registers a callback for toggle changes. Subscribers are called
// synchronously under the store mutex, so they must not call Set* back.
func (t *Toggles) Subscribe(sub Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, sub)
}

func (t *Toggles) set(name string, flag *atomic.Bool, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if flag.Swap(enabled) == enabled {
		return // no change, no notification
	}
	for _, sub := range t.subs {
		sub(name, enabled)
	}
}
