// Package bridge runs the loops between the field bus and the register map:
// ingestion copies the meter reading in, egress drives the transfer switch
// from the control decision.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"plc-modbus-go/internal/pkg/control"
	"plc-modbus-go/internal/pkg/device"
	"plc-modbus-go/internal/pkg/fieldbus"
	"plc-modbus-go/internal/pkg/logger"
	"plc-modbus-go/internal/pkg/regmap"
)

type EgressMode string

const (
	EgressPoll     EgressMode = "poll"
	EgressObserver EgressMode = "observer"
)

type Options struct {
	IngestPeriod time.Duration
	EgressPeriod time.Duration
	EgressMode   EgressMode
}

// SwitchListener is told when the actuator has been moved to a new state.
type SwitchListener func(from, to control.SwitchState, reading uint16)

// IngestListener sees the outcome of every ingestion cycle that was not skipped.
type IngestListener func(reading uint16, err error)

// WriteErrorListener sees every failed transfer switch write.
type WriteErrorListener func(state control.SwitchState, err error)

type actuation struct {
	state   control.SwitchState
	reading uint16
}

type Bridge struct {
	regs *regmap.RegisterMap
	dev  *device.Device
	ctrl *control.Controller
	bus  fieldbus.FieldBus
	opts Options
	lc   logger.LoggingClient

	// latest-wins hand-off from the register observer to the actuator worker
	pending chan actuation

	mu          sync.Mutex
	applied     bool
	lastApplied control.SwitchState
	onSwitch    []SwitchListener
	onIngest    []IngestListener
	onWriteErr  []WriteErrorListener
}

// New wires the bridge. In observer mode it registers on the holding register bank immediately.
func New(regs *regmap.RegisterMap, dev *device.Device, ctrl *control.Controller, bus fieldbus.FieldBus, opts Options, lc logger.LoggingClient) (*Bridge, error) {
	if opts.EgressMode == "" {
		opts.EgressMode = EgressPoll
	}
	b := &Bridge{
		regs:        regs,
		dev:         dev,
		ctrl:        ctrl,
		bus:         bus,
		opts:        opts,
		lc:          lc,
		pending:     make(chan actuation, 1),
		lastApplied: control.Mains,
	}

	switch opts.EgressMode {
	case EgressPoll:
	case EgressObserver:
		if err := regs.RegisterObserver(regmap.HoldingRegister, b.onRegisterChange); err != nil {
			return nil, fmt.Errorf("register power reading observer: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown egress mode %q", opts.EgressMode)
	}
	return b, nil
}

func (b *Bridge) OnSwitch(fn SwitchListener) {
	b.mu.Lock()
	b.onSwitch = append(b.onSwitch, fn)
	b.mu.Unlock()
}

func (b *Bridge) OnIngest(fn IngestListener) {
	b.mu.Lock()
	b.onIngest = append(b.onIngest, fn)
	b.mu.Unlock()
}

func (b *Bridge) OnWriteError(fn WriteErrorListener) {
	b.mu.Lock()
	b.onWriteErr = append(b.onWriteErr, fn)
	b.mu.Unlock()
}

// Init publishes the threshold and the default switch state into the register map.
func (b *Bridge) Init() error {
	if _, err := b.regs.Write(regmap.HoldingRegister, regmap.ThresholdRegister, []uint16{b.ctrl.Threshold()}); err != nil {
		return fmt.Errorf("write threshold register: %w", err)
	}
	if _, err := b.regs.WriteBits(regmap.Coil, regmap.SwitchCoil, []bool{control.Mains.Coil()}); err != nil {
		return fmt.Errorf("write switch coil: %w", err)
	}
	return nil
}

// Reset restores control state, the mirrored coil and the threshold register
// to their defaults. It is registered as a device reset hook.
func (b *Bridge) Reset(context.Context) error {
	b.ctrl.Reset()

	b.mu.Lock()
	b.applied = false
	b.lastApplied = control.Mains
	b.mu.Unlock()

	// drop an actuation queued before the reset
	select {
	case <-b.pending:
	default:
	}
	return b.Init()
}

// Run blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.every(ctx, b.opts.IngestPeriod, b.ingestOnce)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if b.opts.EgressMode == EgressObserver {
			b.actuatorWorker(ctx)
			return
		}
		b.every(ctx, b.opts.EgressPeriod, b.egressOnce)
	}()

	b.lc.Info("bridge loops started", "ingest_period", b.opts.IngestPeriod, "egress_mode", b.opts.EgressMode)
	wg.Wait()
	b.lc.Info("bridge loops stopped")
}

func (b *Bridge) every(ctx context.Context, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ingestOnce copies one meter reading into the register map. On a transport
// error the previous value stays in place.
func (b *Bridge) ingestOnce(ctx context.Context) {
	if mode := b.dev.Mode(); mode.Paused() {
		b.lc.Trace("ingest skipped", "mode", mode)
		return
	}

	reading, err := b.bus.ReadReading(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.lc.Warn("power meter read failed, keeping last value", "error", err)
		}
		b.notifyIngest(0, err)
		return
	}

	if _, err := b.regs.Write(regmap.InputRegister, regmap.PowerReadingRegister, []uint16{reading}); err != nil {
		b.lc.Error("mirror power reading failed", "error", err)
	}
	if _, err := b.regs.Write(regmap.HoldingRegister, regmap.PowerReadingRegister, []uint16{reading}); err != nil {
		b.lc.Error("store power reading failed", "error", err)
	}
	b.notifyIngest(reading, nil)
}

// egressOnce is one cycle of the poll variant.
func (b *Bridge) egressOnce(ctx context.Context) {
	if mode := b.dev.Mode(); mode.Paused() {
		b.lc.Trace("egress skipped", "mode", mode)
		return
	}

	values, err := b.regs.Read(regmap.HoldingRegister, regmap.PowerReadingRegister, 1)
	if err != nil {
		b.lc.Error("read power reading failed", "error", err)
		return
	}
	state, _ := b.ctrl.Decide(values[0])
	b.mirror(state)
	b.actuate(ctx, actuation{state: state, reading: values[0]})
}

// onRegisterChange runs under the holding register lock and only touches the coil bank.
func (b *Bridge) onRegisterChange(ev regmap.ChangeEvent) {
	if ev.Address != regmap.PowerReadingRegister || b.dev.Mode().Paused() {
		return
	}
	state, _ := b.ctrl.Decide(ev.New)
	b.mirror(state)

	next := actuation{state: state, reading: ev.New}
	for {
		select {
		case b.pending <- next:
			return
		default:
		}
		select {
		case <-b.pending:
		default:
		}
	}
}

func (b *Bridge) actuatorWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-b.pending:
			if b.dev.Mode().Paused() {
				continue
			}
			b.actuate(ctx, a)
		}
	}
}

func (b *Bridge) mirror(state control.SwitchState) {
	if _, err := b.regs.WriteBits(regmap.Coil, regmap.SwitchCoil, []bool{state.Coil()}); err != nil {
		b.lc.Error("mirror switch coil failed", "error", err)
	}
}

// actuate writes the switch when its state differs from the last successful write.
func (b *Bridge) actuate(ctx context.Context, a actuation) {
	b.mu.Lock()
	from, applied := b.lastApplied, b.applied
	b.mu.Unlock()
	if applied && from == a.state {
		return
	}

	if err := b.bus.WriteSwitch(ctx, a.state); err != nil {
		if ctx.Err() != nil {
			return
		}
		b.lc.Warn("transfer switch write failed", "state", a.state, "error", err)
		b.mu.Lock()
		listeners := b.onWriteErr
		b.mu.Unlock()
		for _, fn := range listeners {
			fn(a.state, err)
		}
		return
	}

	b.mu.Lock()
	b.applied = true
	b.lastApplied = a.state
	listeners := b.onSwitch
	b.mu.Unlock()

	if from != a.state {
		b.lc.Info("transfer switch actuated", "from", from, "to", a.state, "reading", a.reading, "threshold", b.ctrl.Threshold())
		for _, fn := range listeners {
			fn(from, a.state, a.reading)
		}
	}
}

func (b *Bridge) notifyIngest(reading uint16, err error) {
	b.mu.Lock()
	listeners := b.onIngest
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(reading, err)
	}
}
