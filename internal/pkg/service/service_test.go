package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/control"
	"plc-modbus-go/internal/pkg/device"
	"plc-modbus-go/internal/pkg/journal"
	"plc-modbus-go/internal/pkg/logger"
	"plc-modbus-go/internal/pkg/mqtt"
	"plc-modbus-go/internal/pkg/regmap"
)

// TestNewAppService tests the NewAppService constructor
func TestNewAppService(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
		version     string
		wantErr     bool
		errMsg      string
	}{
		{name: "valid service creation", serviceName: "test-service", version: "1.0.0"},
		{name: "empty service name", serviceName: "", version: "1.0.0", wantErr: true, errMsg: "please specify service name"},
		{name: "empty version", serviceName: "test-service", version: "", wantErr: true, errMsg: "please specify service version"},
		{name: "both empty", wantErr: true, errMsg: "please specify service name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewAppService(tt.serviceName, tt.version)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, svc)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			appSvc, ok := svc.(*AppService)
			require.True(t, ok)
			assert.Equal(t, tt.serviceName, appSvc.appName)
			assert.Equal(t, tt.version, appSvc.version)
		})
	}
}

// TestAppService_GettersBeforeInit tests getter methods before initialization
func TestAppService_GettersBeforeInit(t *testing.T) {
	svc, err := NewAppService("test-service", "1.0.0")
	require.NoError(t, err)

	assert.Nil(t, svc.GetLoggingClient())
	assert.Nil(t, svc.GetRegisterMap())
	assert.Nil(t, svc.GetDevice())
	assert.Nil(t, svc.GetModbusServer())
	assert.Nil(t, svc.GetMQTTClient())
	assert.Nil(t, svc.GetEventLog())
	assert.Nil(t, svc.GetMetrics())
	assert.Nil(t, svc.GetAppConfig())
	assert.Nil(t, svc.GetContext())
	assert.NoError(t, svc.Stop())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Writable.LogLevel = "ERROR"
	cfg.Modbus.TCP.Host = "127.0.0.1"
	cfg.Modbus.TCP.Port = freePort(t)
	cfg.Service.Host = "127.0.0.1"
	cfg.Service.Port = freePort(t)
	cfg.FieldBus.Sim.StepInterval = "1h"
	cfg.Device.IngestPeriod = "20ms"
	cfg.Device.EgressPeriod = "20ms"
	cfg.Device.RecoveryDelay = "50ms"
	cfg.Mqtt.Enabled = false
	cfg.Mqtt.FlushInterval = "20ms"
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func newInitialized(t *testing.T, cfg *config.AppConfig) *AppService {
	t.Helper()
	svc, err := NewAppService("test-service", "1.0.0")
	require.NoError(t, err)
	appSvc := svc.(*AppService)
	require.NoError(t, appSvc.InitializeWithConfig(cfg))
	t.Cleanup(func() { _ = appSvc.Stop() })
	return appSvc
}

func TestInitializeWithConfig(t *testing.T) {
	s := newInitialized(t, testConfig(t))

	assert.NotNil(t, s.GetLoggingClient())
	assert.NotNil(t, s.GetModbusServer())
	assert.NotNil(t, s.GetEventLog())
	assert.Nil(t, s.GetMQTTClient())
	assert.Equal(t, device.Normal, s.GetDevice().Mode())

	threshold, err := s.GetRegisterMap().Read(regmap.HoldingRegister, regmap.ThresholdRegister, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(800), threshold[0])

	coil, err := s.GetRegisterMap().ReadBits(regmap.Coil, regmap.SwitchCoil, 1)
	require.NoError(t, err)
	assert.False(t, coil[0])
}

func TestInitialize_MissingFileUsesDefaultsAndOverride(t *testing.T) {
	svc, err := NewAppService("test-service", "1.0.0")
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(filepath.Join(t.TempDir(), "missing.yaml"), WithThreshold(950)))
	defer svc.Stop()

	assert.Equal(t, uint16(950), svc.GetAppConfig().Control.Threshold)
	v, err := svc.GetRegisterMap().Read(regmap.HoldingRegister, regmap.ThresholdRegister, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(950), v[0])
}

func TestInitialize_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.FieldBus.Type = "CAN"

	svc, err := NewAppService("test-service", "1.0.0")
	require.NoError(t, err)
	assert.Error(t, svc.(*AppService).InitializeWithConfig(cfg))
}

func TestStatusSnapshot(t *testing.T) {
	s := newInitialized(t, testConfig(t))
	_, err := s.regs.Write(regmap.HoldingRegister, regmap.PowerReadingRegister, []uint16{612})
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, "NORMAL", st.Mode)
	assert.Equal(t, "MAINS", st.Switch)
	assert.Equal(t, uint16(612), st.Reading)
	assert.Equal(t, uint16(800), st.Threshold)
	assert.Equal(t, "solar-inclusive", st.Boundary)
	assert.Equal(t, "SIM", st.FieldBusType)
}

func TestHandleCommand(t *testing.T) {
	s := newInitialized(t, testConfig(t))
	s.mqttClient = mqtt.NewClientManager("test-node", mqtt.ClientConfig{}, logger.NewMockClient())

	require.True(t, s.dev.ForceListenOnly())
	require.NoError(t, s.handleCommand(mqtt.NewMessage(mqtt.TypeCommand, mqtt.CommandPayload{Cmd: mqtt.CmdReset})))
	assert.Equal(t, device.Normal, s.dev.Mode())

	// status publishes through a disconnected client
	assert.Error(t, s.handleCommand(mqtt.NewMessage(mqtt.TypeCommand, mqtt.CommandPayload{Cmd: mqtt.CmdStatus})))
	assert.Error(t, s.handleCommand(mqtt.NewMessage(mqtt.TypeCommand, mqtt.CommandPayload{Cmd: "reboot"})))
	assert.Error(t, s.handleCommand(mqtt.NewMessage(mqtt.TypeStatus, nil)))
}

func TestServiceEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	s := newInitialized(t, cfg)
	require.NoError(t, s.Start())

	handler := modbus.NewTCPClientHandler(s.mdbsServer.Addr().String())
	handler.Timeout = time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := modbus.NewClient(handler)

	// meter above threshold drives the switch to solar
	s.sim.SetReading(900)
	assert.Eventually(t, func() bool {
		return s.sim.Switch() == control.Solar
	}, 2*time.Second, 10*time.Millisecond)

	results, err := client.ReadHoldingRegisters(regmap.PowerReadingRegister, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x84, 0x03, 0x20}, results)

	results, err = client.ReadCoils(regmap.SwitchCoil, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, results)

	// listen-only then an external reset
	require.True(t, s.dev.ForceListenOnly())
	s.ExternalReset("test")
	assert.Equal(t, device.Normal, s.dev.Mode())

	rec := httptest.NewRecorder()
	s.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "plc_switch_solar 1")
	assert.Contains(t, rec.Body.String(), `plc_requests_total{function="0x03"} 1`)

	require.NoError(t, s.Stop())

	j, err := journal.Open(cfg.Journal.Path, logger.NewMockClient())
	require.NoError(t, err)
	defer j.Close()
	events, err := j.Recent(context.Background(), 100)
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, e := range events {
		kinds[string(e.Kind)]++
	}
	// the reset returns the switch to mains, so the bridge may actuate solar again
	assert.GreaterOrEqual(t, kinds["switch"], 1)
	assert.Equal(t, 1, kinds["reset"])
	assert.GreaterOrEqual(t, kinds["mode"], 2)
}
