package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// parseDuration returns def when s is empty or malformed.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ModbusTcpConfig holds a Modbus TCP endpoint
type ModbusTcpConfig struct {
	Host    string `yaml:"Host"`
	Port    int    `yaml:"Port"`
	SlaveID byte   `yaml:"SlaveID"`
}

// Address returns host:port
func (c ModbusTcpConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ModbusRtuConfig holds serial line settings
type ModbusRtuConfig struct {
	Port     string `yaml:"Port"`
	BaudRate int    `yaml:"BaudRate"`
	DataBits int    `yaml:"DataBits"`
	Parity   string `yaml:"Parity"`
	StopBits int    `yaml:"StopBits"`
	SlaveID  byte   `yaml:"SlaveID"`
}

func (c *ModbusRtuConfig) setDefaults() {
	if c.BaudRate <= 0 {
		c.BaudRate = 9600
	}
	if c.DataBits <= 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.StopBits <= 0 {
		c.StopBits = 1
	}
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
}

// ModbusConfig is the network-facing listener of the PLC
type ModbusConfig struct {
	Type    string          `yaml:"Type"` // "TCP" or "RTU"
	TCP     ModbusTcpConfig `yaml:"TCP"`
	RTU     ModbusRtuConfig `yaml:"RTU"`
	Timeout int             `yaml:"Timeout"` // milliseconds, read deadline per request
}

// GetTimeout returns Timeout as time.Duration
func (c *ModbusConfig) GetTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// SimConfig configures the in-process field bus and the field-device simulator
type SimConfig struct {
	StepInterval string  `yaml:"StepInterval"` // time per profile sample, e.g. "1s"
	PeakPower    float64 `yaml:"PeakPower"`    // milliwatts at noon
	Samples      int     `yaml:"Samples"`      // samples per simulated day
}

// GetStepInterval returns StepInterval as time.Duration
func (c *SimConfig) GetStepInterval() time.Duration {
	return parseDuration(c.StepInterval, time.Second)
}

// FieldBusConfig is the master side used by the bridge loops
type FieldBusConfig struct {
	Type          string          `yaml:"Type"` // "RTU", "TCP" or "SIM"
	TCP           ModbusTcpConfig `yaml:"TCP"`
	RTU           ModbusRtuConfig `yaml:"RTU"`
	Timeout       int             `yaml:"Timeout"` // milliseconds
	MeterSlaveID  byte            `yaml:"MeterSlaveID"`
	SwitchSlaveID byte            `yaml:"SwitchSlaveID"`
	MeterAddress  uint16          `yaml:"MeterAddress"`
	SwitchAddress uint16          `yaml:"SwitchAddress"`
	Sim           SimConfig       `yaml:"Sim"`
}

// GetTimeout returns Timeout as time.Duration
func (c *FieldBusConfig) GetTimeout() time.Duration {
	if c.Timeout <= 0 {
		return time.Second
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// IdentityConfig are the strings returned by Read Device Identification
type IdentityConfig struct {
	VendorName  string `yaml:"VendorName"`
	ProductCode string `yaml:"ProductCode"`
	Revision    string `yaml:"Revision"`
	VendorURL   string `yaml:"VendorURL"`
	ProductName string `yaml:"ProductName"`
	ModelName   string `yaml:"ModelName"`
}

// DeviceConfig shapes the simulated PLC
type DeviceConfig struct {
	Coils            int            `yaml:"Coils"`
	DiscreteInputs   int            `yaml:"DiscreteInputs"`
	HoldingRegisters int            `yaml:"HoldingRegisters"`
	InputRegisters   int            `yaml:"InputRegisters"`
	RecoveryDelay    string         `yaml:"RecoveryDelay"`
	ListenOnlyExit   string         `yaml:"ListenOnlyExit"` // "external" or "restart"
	IngestPeriod     string         `yaml:"IngestPeriod"`
	EgressPeriod     string         `yaml:"EgressPeriod"`
	EgressMode       string         `yaml:"EgressMode"` // "poll" or "observer"
	ProtectThreshold bool           `yaml:"ProtectThreshold"`
	Identity         IdentityConfig `yaml:"Identity"`
}

// GetRecoveryDelay returns RecoveryDelay as time.Duration
func (c *DeviceConfig) GetRecoveryDelay() time.Duration {
	return parseDuration(c.RecoveryDelay, 10*time.Second)
}

// GetIngestPeriod returns IngestPeriod as time.Duration
func (c *DeviceConfig) GetIngestPeriod() time.Duration {
	return parseDuration(c.IngestPeriod, 500*time.Millisecond)
}

// GetEgressPeriod returns EgressPeriod as time.Duration
func (c *DeviceConfig) GetEgressPeriod() time.Duration {
	return parseDuration(c.EgressPeriod, 800*time.Millisecond)
}

// ControlConfig holds the transfer switch parameters
type ControlConfig struct {
	Threshold uint16 `yaml:"Threshold"`
	Boundary  string `yaml:"Boundary"` // "solar-inclusive" or "mains-inclusive"
}

// AccessConfig lists source IPs or CIDRs allowed per request class. Empty allows all.
type AccessConfig struct {
	ReadAllow  []string `yaml:"ReadAllow"`
	WriteAllow []string `yaml:"WriteAllow"`
}

// MqttConfig holds the telemetry client configuration
type MqttConfig struct {
	Enabled          bool   `yaml:"Enabled"`
	Broker           string `yaml:"Broker"`
	ClientID         string `yaml:"ClientID"`
	Username         string `yaml:"Username"`
	Password         string `yaml:"Password"`
	QoS              int    `yaml:"QoS"`
	KeepAlive        int    `yaml:"KeepAlive"` // seconds
	TopicPrefix      string `yaml:"TopicPrefix"`
	SnapshotInterval string `yaml:"SnapshotInterval"`
	BatchSize        int    `yaml:"BatchSize"`
	FlushInterval    string `yaml:"FlushInterval"`
}

// GetSnapshotInterval returns SnapshotInterval as time.Duration
func (c *MqttConfig) GetSnapshotInterval() time.Duration {
	return parseDuration(c.SnapshotInterval, 5*time.Second)
}

// GetFlushInterval returns FlushInterval as time.Duration
func (c *MqttConfig) GetFlushInterval() time.Duration {
	return parseDuration(c.FlushInterval, 2*time.Second)
}

// JournalConfig holds the SQLite event journal location
type JournalConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Path    string `yaml:"Path"`
}

// WritableConfig holds configuration that may change at runtime
type WritableConfig struct {
	LogLevel string `yaml:"LogLevel"`
	LogFile  string `yaml:"LogFile"`
}

// ServiceConfig holds the HTTP endpoint serving metrics
type ServiceConfig struct {
	Host string `yaml:"Host"`
	Port int    `yaml:"Port"`
}

// AppConfig is the top level configuration
type AppConfig struct {
	Writable WritableConfig `yaml:"Writable"`
	Service  ServiceConfig  `yaml:"Service"`
	NodeID   string         `yaml:"NodeID"`
	Modbus   ModbusConfig   `yaml:"Modbus"`
	FieldBus FieldBusConfig `yaml:"FieldBus"`
	Device   DeviceConfig   `yaml:"Device"`
	Control  ControlConfig  `yaml:"Control"`
	Access   AccessConfig   `yaml:"Access"`
	Mqtt     MqttConfig     `yaml:"Mqtt"`
	Journal  JournalConfig  `yaml:"Journal"`
}

// Validate checks the configuration and fills defaults
func (c *AppConfig) Validate() error {
	if c.NodeID == "" {
		return errors.New("NodeID cannot be empty")
	}

	c.Modbus.Type = strings.ToUpper(c.Modbus.Type)
	switch c.Modbus.Type {
	case "RTU":
		if c.Modbus.RTU.Port == "" {
			return errors.New("Modbus RTU Port cannot be empty")
		}
		c.Modbus.RTU.setDefaults()
	default:
		c.Modbus.Type = "TCP"
		if c.Modbus.TCP.Host == "" {
			c.Modbus.TCP.Host = "0.0.0.0"
		}
		if c.Modbus.TCP.Port <= 0 {
			c.Modbus.TCP.Port = 502
		}
		if c.Modbus.TCP.SlaveID == 0 {
			c.Modbus.TCP.SlaveID = 1
		}
	}

	c.FieldBus.Type = strings.ToUpper(c.FieldBus.Type)
	switch c.FieldBus.Type {
	case "RTU":
		if c.FieldBus.RTU.Port == "" {
			return errors.New("FieldBus RTU Port cannot be empty")
		}
		c.FieldBus.RTU.setDefaults()
	case "TCP":
		if c.FieldBus.TCP.Host == "" {
			return errors.New("FieldBus TCP Host cannot be empty")
		}
		if c.FieldBus.TCP.Port <= 0 {
			c.FieldBus.TCP.Port = 502
		}
	case "", "SIM":
		c.FieldBus.Type = "SIM"
	default:
		return fmt.Errorf("FieldBus Type must be RTU, TCP or SIM, got %q", c.FieldBus.Type)
	}
	if c.FieldBus.MeterSlaveID == 0 {
		c.FieldBus.MeterSlaveID = 1
	}
	if c.FieldBus.SwitchSlaveID == 0 {
		c.FieldBus.SwitchSlaveID = 2
	}
	if c.FieldBus.MeterAddress == 0 {
		c.FieldBus.MeterAddress = 20
	}
	if c.FieldBus.SwitchAddress == 0 {
		c.FieldBus.SwitchAddress = 10
	}
	if c.FieldBus.Sim.PeakPower <= 0 {
		c.FieldBus.Sim.PeakPower = 1466
	}
	if c.FieldBus.Sim.Samples <= 0 {
		c.FieldBus.Sim.Samples = 96
	}

	if c.Device.ListenOnlyExit == "" {
		c.Device.ListenOnlyExit = "external"
	}
	switch strings.ToLower(c.Device.EgressMode) {
	case "", "poll":
		c.Device.EgressMode = "poll"
	case "observer":
		c.Device.EgressMode = "observer"
	default:
		return fmt.Errorf("Device EgressMode must be poll or observer, got %q", c.Device.EgressMode)
	}
	c.Device.Identity.setDefaults()

	if c.Control.Threshold == 0 {
		c.Control.Threshold = 800
	}
	if c.Control.Boundary == "" {
		c.Control.Boundary = "solar-inclusive"
	}

	if c.Mqtt.Enabled {
		if c.Mqtt.Broker == "" {
			return errors.New("MQTT Broker cannot be empty")
		}
		if c.Mqtt.ClientID == "" {
			c.Mqtt.ClientID = "plc-" + c.NodeID
		}
	}
	if c.Mqtt.QoS < 0 || c.Mqtt.QoS > 2 {
		return errors.New("MQTT QoS must be 0, 1, or 2")
	}
	if c.Mqtt.KeepAlive <= 0 {
		c.Mqtt.KeepAlive = 60
	}
	if c.Mqtt.TopicPrefix == "" {
		c.Mqtt.TopicPrefix = "plc"
	}
	if c.Mqtt.BatchSize <= 0 {
		c.Mqtt.BatchSize = 50
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		c.Journal.Path = "plc-journal.db"
	}

	if c.Writable.LogLevel == "" {
		c.Writable.LogLevel = "INFO"
	}
	if c.Service.Host == "" {
		c.Service.Host = "localhost"
	}
	if c.Service.Port <= 0 {
		c.Service.Port = 59711
	}

	return nil
}

func (c *IdentityConfig) setDefaults() {
	if c.VendorName == "" {
		c.VendorName = "Smart Grid Testbed"
	}
	if c.ProductCode == "" {
		c.ProductCode = "SG-PLC"
	}
	if c.Revision == "" {
		c.Revision = "1.3.0"
	}
	if c.ProductName == "" {
		c.ProductName = "Smart Grid PLC"
	}
	if c.ModelName == "" {
		c.ModelName = "PLCv1.3.0"
	}
}

// LoadConfig reads configuration from a YAML file
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a configuration that runs with the simulated field bus
func DefaultConfig() *AppConfig {
	cfg := &AppConfig{
		Writable: WritableConfig{
			LogLevel: "DEBUG",
		},
		NodeID: "plc-node-001",
		Modbus: ModbusConfig{
			Type: "TCP",
			TCP: ModbusTcpConfig{
				Host:    "0.0.0.0",
				Port:    502,
				SlaveID: 1,
			},
		},
		FieldBus: FieldBusConfig{
			Type: "SIM",
			Sim: SimConfig{
				StepInterval: "1s",
			},
		},
		Device: DeviceConfig{
			RecoveryDelay: "10s",
			IngestPeriod:  "500ms",
			EgressPeriod:  "800ms",
		},
		Mqtt: MqttConfig{
			Broker: "tcp://localhost:1883",
			QoS:    1,
		},
	}
	// defaults never fail validation
	_ = cfg.Validate()
	return cfg
}
