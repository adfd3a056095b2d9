package fieldbus

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/control"
	"plc-modbus-go/internal/pkg/fielddevice"
	"plc-modbus-go/internal/pkg/logger"
)

func busConfig(t *testing.T, typ string) *config.FieldBusConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return &config.FieldBusConfig{
		Type:          typ,
		TCP:           config.ModbusTcpConfig{Host: "127.0.0.1", Port: port},
		Timeout:       300,
		MeterSlaveID:  1,
		SwitchSlaveID: 2,
		MeterAddress:  20,
		SwitchAddress: 10,
		Sim:           config.SimConfig{StepInterval: "1h", PeakPower: 1466, Samples: 96},
	}
}

func TestModbusBusAgainstSimulatedDevices(t *testing.T) {
	cfg := busConfig(t, "TCP")
	lc := logger.NewMockClient()

	devices := fielddevice.NewSimulator(cfg, lc)
	srv, err := devices.Serve(cfg)
	require.NoError(t, err)
	defer srv.Close()

	bus, err := New(cfg, nil, lc)
	require.NoError(t, err)
	defer bus.Close()

	devices.SetReading(799)
	reading, err := bus.ReadReading(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(799), reading)

	require.NoError(t, bus.WriteSwitch(context.Background(), control.Solar))
	assert.Equal(t, control.Solar, devices.Switch())
	require.NoError(t, bus.WriteSwitch(context.Background(), control.Mains))
	assert.Equal(t, control.Mains, devices.Switch())
}

func TestModbusBusTransportError(t *testing.T) {
	cfg := busConfig(t, "TCP")
	bus, err := New(cfg, nil, logger.NewMockClient())
	require.NoError(t, err)
	defer bus.Close()

	_, err = bus.ReadReading(context.Background())
	assert.ErrorIs(t, err, ErrTransport)

	err = bus.WriteSwitch(context.Background(), control.Solar)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSimBus(t *testing.T) {
	cfg := busConfig(t, "SIM")
	lc := logger.NewMockClient()
	sim := fielddevice.NewSimulator(cfg, lc)

	bus, err := New(cfg, sim, lc)
	require.NoError(t, err)

	sim.SetReading(1200)
	reading, err := bus.ReadReading(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(1200), reading)

	require.NoError(t, bus.WriteSwitch(context.Background(), control.Solar))
	assert.Equal(t, control.Solar, sim.Switch())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bus.ReadReading(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, bus.Close())
}

func TestNewRejectsBadConfig(t *testing.T) {
	lc := logger.NewMockClient()
	_, err := New(&config.FieldBusConfig{Type: "SIM"}, nil, lc)
	assert.Error(t, err)
	_, err = New(&config.FieldBusConfig{Type: "CAN"}, nil, lc)
	assert.Error(t, err)
}
