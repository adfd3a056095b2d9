// Package device tracks the operating mode of the simulated PLC and runs the
// restart supervisor that brings it back to Normal.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"plc-modbus-go/internal/pkg/logger"
)

// Mode is the operating mode consulted by the dispatch engine and the bridge loops.
type Mode int32

const (
	Normal Mode = iota
	ListenOnly
	RestartPending
	Restarting
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "NORMAL"
	case ListenOnly:
		return "LISTEN_ONLY"
	case RestartPending:
		return "RESTART_PENDING"
	case Restarting:
		return "RESTARTING"
	}
	return fmt.Sprintf("MODE(%d)", int32(m))
}

// Paused reports whether the bridge loops should skip their cycle.
func (m Mode) Paused() bool {
	return m == RestartPending || m == Restarting
}

// ExitPolicy controls whether a restart diagnostic may leave ListenOnly.
type ExitPolicy string

const (
	// ExitExternal latches ListenOnly until Reset is called.
	ExitExternal ExitPolicy = "external"
	// ExitRestart lets diagnostic 0x0001 move ListenOnly to RestartPending.
	ExitRestart ExitPolicy = "restart"
)

func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch ExitPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExitExternal:
		return ExitExternal, nil
	case ExitRestart:
		return ExitRestart, nil
	}
	return "", fmt.Errorf("unknown listen-only exit policy %q", s)
}

// ResetHook restores part of the device to its power-on defaults.
type ResetHook func(ctx context.Context) error

// ModeListener is notified after every mode transition, outside the device lock.
type ModeListener func(from, to Mode, cause string)

type Options struct {
	RecoveryDelay time.Duration
	ExitPolicy    ExitPolicy
}

// Device is the per-PLC runtime context for mode state.
type Device struct {
	lc   logger.LoggingClient
	opts Options

	mu        sync.Mutex
	mode      Mode
	hooks     []ResetHook
	listeners []ModeListener

	wake chan struct{}
}

func New(lc logger.LoggingClient, opts Options) *Device {
	if opts.ExitPolicy == "" {
		opts.ExitPolicy = ExitExternal
	}
	return &Device{
		lc:   lc,
		opts: opts,
		mode: Normal,
		wake: make(chan struct{}, 1),
	}
}

func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Silent reports whether responses must be suppressed.
func (d *Device) Silent() bool {
	return d.Mode() == ListenOnly
}

func (d *Device) ExitPolicy() ExitPolicy { return d.opts.ExitPolicy }

// AddResetHook registers fn to run, in registration order, on every recovery and external reset.
func (d *Device) AddResetHook(fn ResetHook) {
	d.mu.Lock()
	d.hooks = append(d.hooks, fn)
	d.mu.Unlock()
}

func (d *Device) OnModeChange(fn ModeListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// transition moves to `to` when allowed(current) holds and returns whether it did.
func (d *Device) transition(to Mode, cause string, allowed func(Mode) bool) bool {
	d.mu.Lock()
	from := d.mode
	if !allowed(from) {
		d.mu.Unlock()
		return false
	}
	d.mode = to
	listeners := append([]ModeListener(nil), d.listeners...)
	d.mu.Unlock()

	if from != to {
		d.lc.Info("device mode changed", "from", from, "to", to, "cause", cause)
		for _, fn := range listeners {
			fn(from, to, cause)
		}
	}
	return true
}

// ForceListenOnly handles diagnostic 0x0004. It has no effect while a restart is in progress.
func (d *Device) ForceListenOnly() bool {
	return d.transition(ListenOnly, "diag-force-listen-only", func(m Mode) bool {
		return m == Normal || m == ListenOnly
	})
}

// RequestRestart handles diagnostic 0x0001. From ListenOnly it only applies under ExitRestart.
func (d *Device) RequestRestart() bool {
	ok := d.transition(RestartPending, "diag-restart", func(m Mode) bool {
		switch m {
		case Normal:
			return true
		case ListenOnly:
			return d.opts.ExitPolicy == ExitRestart
		}
		return false
	})
	if ok {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return ok
}

// Reset is the external reset: it runs the reset hooks and returns to Normal from any mode.
func (d *Device) Reset(ctx context.Context, cause string) {
	d.runHooks(ctx)
	d.transition(Normal, cause, func(Mode) bool { return true })
}

func (d *Device) runHooks(ctx context.Context) {
	d.mu.Lock()
	hooks := append([]ResetHook(nil), d.hooks...)
	d.mu.Unlock()

	for i, fn := range hooks {
		if err := fn(ctx); err != nil {
			d.lc.Error("reset hook failed", "hook", i, "error", err)
		}
	}
}

// Run is the restart supervisor. It blocks until ctx is done.
func (d *Device) Run(ctx context.Context) {
	d.lc.Debug("restart supervisor started", "recovery_delay", d.opts.RecoveryDelay)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}

		if !d.transition(Restarting, "supervisor", func(m Mode) bool { return m == RestartPending }) {
			continue
		}

		timer := time.NewTimer(d.opts.RecoveryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		d.runHooks(ctx)
		d.transition(Normal, "recovered", func(m Mode) bool { return m == Restarting })
	}
}
