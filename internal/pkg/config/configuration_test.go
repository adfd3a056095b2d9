package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceConfig_Durations(t *testing.T) {
	tests := []struct {
		name     string
		cfg      DeviceConfig
		recovery time.Duration
		ingest   time.Duration
		egress   time.Duration
	}{
		{
			name:     "defaults when empty",
			cfg:      DeviceConfig{},
			recovery: 10 * time.Second,
			ingest:   500 * time.Millisecond,
			egress:   800 * time.Millisecond,
		},
		{
			name:     "explicit values",
			cfg:      DeviceConfig{RecoveryDelay: "2s", IngestPeriod: "100ms", EgressPeriod: "1m"},
			recovery: 2 * time.Second,
			ingest:   100 * time.Millisecond,
			egress:   time.Minute,
		},
		{
			name:     "invalid values fall back",
			cfg:      DeviceConfig{RecoveryDelay: "soon", IngestPeriod: "-1s", EgressPeriod: "0s"},
			recovery: 10 * time.Second,
			ingest:   500 * time.Millisecond,
			egress:   800 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.recovery, tt.cfg.GetRecoveryDelay())
			assert.Equal(t, tt.ingest, tt.cfg.GetIngestPeriod())
			assert.Equal(t, tt.egress, tt.cfg.GetEgressPeriod())
		})
	}
}

func TestTimeouts(t *testing.T) {
	fb := &FieldBusConfig{}
	assert.Equal(t, time.Second, fb.GetTimeout())
	fb.Timeout = 250
	assert.Equal(t, 250*time.Millisecond, fb.GetTimeout())

	mb := &ModbusConfig{Timeout: 1000}
	assert.Equal(t, time.Second, mb.GetTimeout())

	mq := &MqttConfig{}
	assert.Equal(t, 5*time.Second, mq.GetSnapshotInterval())
	assert.Equal(t, 2*time.Second, mq.GetFlushInterval())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "DEBUG", cfg.Writable.LogLevel)
	assert.Equal(t, "localhost", cfg.Service.Host)
	assert.Equal(t, 59711, cfg.Service.Port)
	assert.Equal(t, "plc-node-001", cfg.NodeID)
	assert.Equal(t, "TCP", cfg.Modbus.Type)
	assert.Equal(t, "0.0.0.0:502", cfg.Modbus.TCP.Address())
	assert.Equal(t, "SIM", cfg.FieldBus.Type)
	assert.Equal(t, uint16(20), cfg.FieldBus.MeterAddress)
	assert.Equal(t, uint16(10), cfg.FieldBus.SwitchAddress)
	assert.Equal(t, uint16(800), cfg.Control.Threshold)
	assert.Equal(t, "solar-inclusive", cfg.Control.Boundary)
	assert.Equal(t, "external", cfg.Device.ListenOnlyExit)
	assert.Equal(t, "poll", cfg.Device.EgressMode)
	assert.Equal(t, "Smart Grid PLC", cfg.Device.Identity.ProductName)
	assert.False(t, cfg.Mqtt.Enabled)
	assert.False(t, cfg.Journal.Enabled)
}

func TestAppConfig_Validate(t *testing.T) {
	t.Run("missing NodeID", func(t *testing.T) {
		cfg := &AppConfig{}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "NodeID cannot be empty")
	})

	t.Run("RTU listener needs a port", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n", Modbus: ModbusConfig{Type: "rtu"}}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "Modbus RTU Port cannot be empty")
	})

	t.Run("RTU defaults", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n", FieldBus: FieldBusConfig{Type: "RTU", RTU: ModbusRtuConfig{Port: "/dev/ttyUSB0"}}}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 9600, cfg.FieldBus.RTU.BaudRate)
		assert.Equal(t, 8, cfg.FieldBus.RTU.DataBits)
		assert.Equal(t, "N", cfg.FieldBus.RTU.Parity)
		assert.Equal(t, 1, cfg.FieldBus.RTU.StopBits)
	})

	t.Run("unknown field bus", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n", FieldBus: FieldBusConfig{Type: "CAN"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown egress mode", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n", Device: DeviceConfig{EgressMode: "push"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("MQTT broker required when enabled", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n", Mqtt: MqttConfig{Enabled: true}}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "MQTT Broker cannot be empty")
	})

	t.Run("MQTT client id derived from node", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n1", Mqtt: MqttConfig{Enabled: true, Broker: "tcp://b:1883"}}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "plc-n1", cfg.Mqtt.ClientID)
	})

	t.Run("invalid MQTT QoS", func(t *testing.T) {
		cfg := &AppConfig{NodeID: "n", Mqtt: MqttConfig{QoS: 3}}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "MQTT QoS must be 0, 1, or 2")
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configuration.yaml")
	content := `
NodeID: plc-a
Modbus:
  Type: TCP
  TCP:
    Port: 5020
FieldBus:
  Type: TCP
  TCP:
    Host: 10.0.0.5
Device:
  EgressMode: observer
  RecoveryDelay: 3s
Control:
  Threshold: 1200
  Boundary: mains-inclusive
Access:
  WriteAllow: ["10.0.0.0/24"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5020, cfg.Modbus.TCP.Port)
	assert.Equal(t, "10.0.0.5:502", cfg.FieldBus.TCP.Address())
	assert.Equal(t, "observer", cfg.Device.EgressMode)
	assert.Equal(t, 3*time.Second, cfg.Device.GetRecoveryDelay())
	assert.Equal(t, uint16(1200), cfg.Control.Threshold)
	assert.Equal(t, []string{"10.0.0.0/24"}, cfg.Access.WriteAllow)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_SampleFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "..", "res", "configuration.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "SIM", cfg.FieldBus.Type)
	assert.Equal(t, 5020, cfg.Modbus.TCP.Port)
	assert.Equal(t, uint16(800), cfg.Control.Threshold)
	assert.Equal(t, "solar-inclusive", cfg.Control.Boundary)
	assert.Equal(t, "Smart Grid PLC", cfg.Device.Identity.ProductName)
	assert.Equal(t, 500*time.Millisecond, cfg.Device.GetIngestPeriod())
	assert.False(t, cfg.Mqtt.Enabled)
}
