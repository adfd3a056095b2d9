// Package fieldbus is the master side of the serial field segment: it reads
// the power meter and drives the transfer switch.
package fieldbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goburrow/modbus"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/control"
	"plc-modbus-go/internal/pkg/fielddevice"
	"plc-modbus-go/internal/pkg/logger"
)

// ErrTransport marks every failure talking to a field device.
var ErrTransport = errors.New("field bus transport error")

// FieldBus reaches the power meter and the transfer switch.
type FieldBus interface {
	ReadReading(ctx context.Context) (uint16, error)
	WriteSwitch(ctx context.Context, state control.SwitchState) error
	Close() error
}

// modbusBus shares one goburrow handler between the meter and switch slaves.
type modbusBus struct {
	mu       sync.Mutex
	client   modbus.Client
	setSlave func(id byte)
	conn     io.Closer

	meterSlave  byte
	switchSlave byte
	meterAddr   uint16
	switchAddr  uint16
	lc          logger.LoggingClient
}

// New opens the field bus described by cfg. For SIM, sim must be non-nil.
func New(cfg *config.FieldBusConfig, sim *fielddevice.Simulator, lc logger.LoggingClient) (FieldBus, error) {
	switch cfg.Type {
	case "RTU":
		handler := modbus.NewRTUClientHandler(cfg.RTU.Port)
		handler.BaudRate = cfg.RTU.BaudRate
		handler.DataBits = cfg.RTU.DataBits
		handler.Parity = cfg.RTU.Parity
		handler.StopBits = cfg.RTU.StopBits
		handler.Timeout = cfg.GetTimeout()
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrTransport, cfg.RTU.Port, err)
		}
		lc.Info("field bus connected", "type", "RTU", "port", cfg.RTU.Port, "baud", cfg.RTU.BaudRate)
		return newModbusBus(cfg, modbus.NewClient(handler), func(id byte) { handler.SlaveId = id }, handler, lc), nil
	case "TCP":
		handler := modbus.NewTCPClientHandler(cfg.TCP.Address())
		handler.Timeout = cfg.GetTimeout()
		// goburrow reconnects on the next request, so a failed dial is not fatal
		if err := handler.Connect(); err != nil {
			lc.Warn("field bus not reachable yet", "address", cfg.TCP.Address(), "error", err)
		} else {
			lc.Info("field bus connected", "type", "TCP", "address", cfg.TCP.Address())
		}
		return newModbusBus(cfg, modbus.NewClient(handler), func(id byte) { handler.SlaveId = id }, handler, lc), nil
	case "SIM":
		if sim == nil {
			return nil, errors.New("SIM field bus needs a simulator")
		}
		lc.Info("field bus simulated in process")
		return NewSimBus(sim), nil
	}
	return nil, fmt.Errorf("unsupported field bus type %q", cfg.Type)
}

func newModbusBus(cfg *config.FieldBusConfig, client modbus.Client, setSlave func(byte), conn io.Closer, lc logger.LoggingClient) *modbusBus {
	return &modbusBus{
		client:      client,
		setSlave:    setSlave,
		conn:        conn,
		meterSlave:  cfg.MeterSlaveID,
		switchSlave: cfg.SwitchSlaveID,
		meterAddr:   cfg.MeterAddress,
		switchAddr:  cfg.SwitchAddress,
		lc:          lc,
	}
}

func (b *modbusBus) ReadReading(ctx context.Context) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setSlave(b.meterSlave)
	results, err := b.client.ReadHoldingRegisters(b.meterAddr, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: read meter slave %d: %w", ErrTransport, b.meterSlave, err)
	}
	if len(results) < 2 {
		return 0, fmt.Errorf("%w: short meter response (%d bytes)", ErrTransport, len(results))
	}
	return binary.BigEndian.Uint16(results), nil
}

func (b *modbusBus) WriteSwitch(ctx context.Context, state control.SwitchState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	value := uint16(0x0000)
	if state.Coil() {
		value = 0xFF00
	}
	b.setSlave(b.switchSlave)
	if _, err := b.client.WriteSingleCoil(b.switchAddr, value); err != nil {
		return fmt.Errorf("%w: write switch slave %d: %w", ErrTransport, b.switchSlave, err)
	}
	return nil
}

func (b *modbusBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close()
}

// SimBus talks to an in-process simulator.
type SimBus struct {
	sim *fielddevice.Simulator
}

func NewSimBus(sim *fielddevice.Simulator) *SimBus {
	return &SimBus{sim: sim}
}

func (b *SimBus) ReadReading(ctx context.Context) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.sim.Reading(), nil
}

func (b *SimBus) WriteSwitch(ctx context.Context, state control.SwitchState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.sim.SetSwitch(state)
	return nil
}

func (b *SimBus) Close() error { return nil }
