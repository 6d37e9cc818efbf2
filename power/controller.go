// Package power selects the scan duty cycle and connection policy from
// battery level, charging state and app foreground state.
package power

import (
	"sync"
	"time"

	"github.com/user/bluemesh/logger"
)

// Mode is the power state. Higher values save more power.
type Mode int

const (
	Performance Mode = iota
	Balanced
	PowerSaver
	UltraLowPower
)

// String returns the mode name for logging
func (m Mode) String() string {
	switch m {
	case Performance:
		return "PERFORMANCE"
	case Balanced:
		return "BALANCED"
	case PowerSaver:
		return "POWER_SAVER"
	case UltraLowPower:
		return "ULTRA_LOW_POWER"
	default:
		return "UNKNOWN"
	}
}

// Battery thresholds (fraction of full charge)
const (
	criticalBattery = 0.10
	lowBattery      = 0.20
)

// DutyCycle is the scan-on/scan-off alternation. Continuous disables duty
// cycling entirely.
type DutyCycle struct {
	Continuous bool
	ScanOn     time.Duration
	ScanOff    time.Duration
}

// Policy is everything a mode implies for the radio and connection layers
type Policy struct {
	Duty                 DutyCycle
	MaxConnections       int
	MaxServerConnections int
	MaxClientConnections int
	RSSIThreshold        int // dBm admission floor for new connections
}

// policies maps each mode to its radio behavior
var policies = map[Mode]Policy{
	Performance: {
		Duty:                 DutyCycle{Continuous: true},
		MaxConnections:       8,
		MaxServerConnections: 4,
		MaxClientConnections: 4,
		RSSIThreshold:        -95,
	},
	Balanced: {
		Duty:                 DutyCycle{ScanOn: 3 * time.Second, ScanOff: 2 * time.Second},
		MaxConnections:       6,
		MaxServerConnections: 3,
		MaxClientConnections: 3,
		RSSIThreshold:        -90,
	},
	PowerSaver: {
		Duty:                 DutyCycle{ScanOn: 2 * time.Second, ScanOff: 8 * time.Second},
		MaxConnections:       4,
		MaxServerConnections: 2,
		MaxClientConnections: 2,
		RSSIThreshold:        -85,
	},
	UltraLowPower: {
		Duty:                 DutyCycle{ScanOn: 1 * time.Second, ScanOff: 29 * time.Second},
		MaxConnections:       2,
		MaxServerConnections: 1,
		MaxClientConnections: 1,
		RSSIThreshold:        -80,
	},
}

// PolicyFor returns the policy table entry for a mode
func PolicyFor(mode Mode) Policy {
	return policies[mode]
}

// Delegate receives power decisions. OnModeChanged fires only when the mode
// label actually changes; OnDutyCycleChanged fires only when the scan
// behavior changes, so an equal-duty mode switch does not churn the radio.
type Delegate interface {
	OnModeChanged(mode Mode, policy Policy)
	OnDutyCycleChanged(duty DutyCycle)
}

// Controller is the battery/foreground driven state machine
type Controller struct {
	mu           sync.Mutex
	mode         Mode
	batteryLevel float64
	charging     bool
	foreground   bool
	delegate     Delegate
	logPrefix    string
}

// NewController starts in BALANCED with a full, uncharging, foregrounded
// assumption until told otherwise
func NewController(logPrefix string) *Controller {
	return &Controller{
		mode:         Balanced,
		batteryLevel: 1.0,
		foreground:   true,
		logPrefix:    logPrefix,
	}
}

// SetDelegate wires the listener. Call before feeding state updates.
func (c *Controller) SetDelegate(delegate Delegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = delegate
}

// Mode returns the current mode
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Policy returns the policy for the current mode
func (c *Controller) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return policies[c.mode]
}

// UpdateBatteryState feeds a battery reading (level in [0,1])
func (c *Controller) UpdateBatteryState(level float64, charging bool) {
	c.mu.Lock()
	c.batteryLevel = level
	c.charging = charging
	notify := c.recompute()
	c.mu.Unlock()
	notify()
}

// SetAppState feeds the foreground/background transition
func (c *Controller) SetAppState(foreground bool) {
	c.mu.Lock()
	c.foreground = foreground
	notify := c.recompute()
	c.mu.Unlock()
	notify()
}

// recompute applies the transition rule. Called with the lock held. The
// returned func carries the delegate notification so the caller can run it
// after unlocking; a delegate reading Mode() or Policy() back must not
// deadlock.
func (c *Controller) recompute() func() {
	var target Mode
	switch {
	case c.charging && c.foreground:
		target = Performance
	case c.batteryLevel <= criticalBattery:
		target = UltraLowPower
	case c.batteryLevel <= lowBattery:
		target = PowerSaver
	default:
		target = Balanced
	}

	// Backgrounded apps never scan harder than POWER_SAVER; ULTRA_LOW_POWER
	// is preserved
	if !c.foreground && target < PowerSaver {
		target = PowerSaver
	}

	if target == c.mode {
		return func() {}
	}

	oldDuty := policies[c.mode].Duty
	c.mode = target
	policy := policies[target]
	logger.Info(c.logPrefix, "Power mode -> %s (battery=%.0f%% charging=%v foreground=%v)",
		target, c.batteryLevel*100, c.charging, c.foreground)

	delegate := c.delegate
	return func() {
		if delegate == nil {
			return
		}
		delegate.OnModeChanged(target, policy)
		if policy.Duty != oldDuty {
			delegate.OnDutyCycleChanged(policy.Duty)
		}
	}
}
