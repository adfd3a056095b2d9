// Package control implements the automatic transfer switch decision.
package control

import (
	"fmt"
	"strings"
	"sync"
)

// SwitchState is the position of the transfer switch.
type SwitchState uint8

const (
	Mains SwitchState = iota
	Solar
)

func (s SwitchState) String() string {
	if s == Solar {
		return "SOLAR"
	}
	return "MAINS"
}

// Coil returns the mirrored coil value: true selects solar.
func (s SwitchState) Coil() bool { return s == Solar }

// StateFromCoil is the inverse of Coil.
func StateFromCoil(on bool) SwitchState {
	if on {
		return Solar
	}
	return Mains
}

// Boundary decides which source wins when the reading equals the threshold.
type Boundary string

const (
	SolarInclusive Boundary = "solar-inclusive"
	MainsInclusive Boundary = "mains-inclusive"
)

// ParseBoundary accepts the config spelling, case-insensitively. Empty means SolarInclusive.
func ParseBoundary(s string) (Boundary, error) {
	switch Boundary(strings.ToLower(strings.TrimSpace(s))) {
	case "", SolarInclusive:
		return SolarInclusive, nil
	case MainsInclusive:
		return MainsInclusive, nil
	}
	return "", fmt.Errorf("unknown boundary policy %q", s)
}

// Decide picks Mains when reading < threshold and Solar otherwise.
func Decide(reading, threshold uint16) SwitchState {
	return DecideWith(SolarInclusive, reading, threshold)
}

// DecideWith applies the given boundary policy.
func DecideWith(b Boundary, reading, threshold uint16) SwitchState {
	if b == MainsInclusive {
		if reading <= threshold {
			return Mains
		}
		return Solar
	}
	if reading < threshold {
		return Mains
	}
	return Solar
}

// Controller caches the threshold and the last decided state for one device.
type Controller struct {
	mu        sync.RWMutex
	boundary  Boundary
	threshold uint16
	state     SwitchState
}

func NewController(threshold uint16, boundary Boundary) *Controller {
	if boundary == "" {
		boundary = SolarInclusive
	}
	return &Controller{threshold: threshold, boundary: boundary, state: Mains}
}

// Decide computes the state for reading and caches it. It reports whether the state changed.
func (c *Controller) Decide(reading uint16) (SwitchState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := DecideWith(c.boundary, reading, c.threshold)
	changed := next != c.state
	c.state = next
	return next, changed
}

func (c *Controller) State() SwitchState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Threshold() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

func (c *Controller) Boundary() Boundary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boundary
}

// Reset returns the cached state to Mains. The threshold is configuration and is kept.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = Mains
	c.mu.Unlock()
}
