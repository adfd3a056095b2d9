package modbusserver

import (
	"context"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/device"
	"plc-modbus-go/internal/pkg/logger"
)

func startLoopback(t *testing.T) (*fixture, *ModbusServer, *modbus.TCPClientHandler) {
	t.Helper()
	f := newFixture(t, EngineOptions{}, nil, device.ExitExternal)
	cfg := &config.ModbusConfig{
		Type: "TCP",
		TCP:  config.ModbusTcpConfig{Host: "127.0.0.1", Port: 0},
	}
	srv := NewModbusServer(cfg, f.engine, logger.NewMockClient())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = srv.Stop()
	})

	handler := modbus.NewTCPClientHandler(srv.Addr().String())
	handler.Timeout = 300 * time.Millisecond
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { _ = handler.Close() })
	return f, srv, handler
}

func TestServerLoopback(t *testing.T) {
	_, srv, handler := startLoopback(t)
	client := modbus.NewClient(handler)
	assert.True(t, srv.IsRunning())

	_, err := client.WriteSingleRegister(20, 900)
	require.NoError(t, err)
	results, err := client.ReadHoldingRegisters(20, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x84}, results)

	_, err = client.WriteSingleCoil(10, 0xFF00)
	require.NoError(t, err)
	results, err = client.ReadCoils(10, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, results)

	_, err = client.ReadHoldingRegisters(99, 5)
	var mbErr *modbus.ModbusError
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)
}

func TestServerUnknownFunction(t *testing.T) {
	_, _, handler := startLoopback(t)

	adu, err := handler.Encode(&modbus.ProtocolDataUnit{FunctionCode: 0x2C, Data: []byte{0x00}})
	require.NoError(t, err)
	resp, err := handler.Send(adu)
	require.NoError(t, err)
	require.Len(t, resp, 9)
	assert.Equal(t, byte(0xAC), resp[7])
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalFunction), resp[8])
}

func TestServerDiagnosticsOverTCP(t *testing.T) {
	f, _, handler := startLoopback(t)
	client := modbus.NewClient(handler)

	// restart echoes the whole ADU
	adu, err := handler.Encode(&modbus.ProtocolDataUnit{FunctionCode: 0x08, Data: []byte{0x00, 0x01, 0x00, 0x00}})
	require.NoError(t, err)
	resp, err := handler.Send(adu)
	require.NoError(t, err)
	assert.Equal(t, adu, resp)
	assert.Equal(t, device.RestartPending, f.dev.Mode())
	f.dev.Reset(context.Background(), "test")

	// force listen only: the device goes silent
	adu, err = handler.Encode(&modbus.ProtocolDataUnit{FunctionCode: 0x08, Data: []byte{0x00, 0x04, 0x00, 0x00}})
	require.NoError(t, err)
	_, err = handler.Send(adu)
	assert.Error(t, err)
	assert.Equal(t, device.ListenOnly, f.dev.Mode())

	_, err = client.WriteSingleRegister(5, 77)
	assert.Error(t, err)

	f.dev.Reset(context.Background(), "test")

	results, err := client.ReadHoldingRegisters(5, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x4D}, results)
}

func TestServerStop(t *testing.T) {
	_, srv, _ := startLoopback(t)
	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	require.NoError(t, srv.Stop())

	bad := NewModbusServer(&config.ModbusConfig{Type: "UDP"}, nil, logger.NewMockClient())
	assert.Error(t, bad.Start(context.Background()))
}
