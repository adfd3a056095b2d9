package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"plc-modbus-go/internal/pkg/bridge"
	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/control"
	"plc-modbus-go/internal/pkg/device"
	"plc-modbus-go/internal/pkg/eventlog"
	"plc-modbus-go/internal/pkg/fieldbus"
	"plc-modbus-go/internal/pkg/fielddevice"
	"plc-modbus-go/internal/pkg/journal"
	"plc-modbus-go/internal/pkg/logger"
	"plc-modbus-go/internal/pkg/metrics"
	"plc-modbus-go/internal/pkg/modbusserver"
	"plc-modbus-go/internal/pkg/mqtt"
	"plc-modbus-go/internal/pkg/regmap"
)

// Option adjusts the loaded configuration before components are built
type Option func(cfg *config.AppConfig)

// WithThreshold overrides Control.Threshold
func WithThreshold(threshold uint16) Option {
	return func(cfg *config.AppConfig) {
		cfg.Control.Threshold = threshold
	}
}

// AppService is the main application service
type AppService struct {
	appName    string
	version    string
	configPath string

	lc     logger.LoggingClient
	config *config.AppConfig

	regs       *regmap.RegisterMap
	dev        *device.Device
	ctrl       *control.Controller
	sim        *fielddevice.Simulator
	bus        fieldbus.FieldBus
	bridge     *bridge.Bridge
	engine     *modbusserver.Engine
	mdbsServer *modbusserver.ModbusServer

	mqttClient *mqtt.ClientManager
	events     *eventlog.Manager
	journal    *journal.Journal
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// NewAppService creates a new application service
func NewAppService(name string, version string) (AppServiceInterface, error) {
	if name == "" {
		return nil, errors.New("please specify service name")
	}
	if version == "" {
		return nil, errors.New("please specify service version")
	}

	return &AppService{
		appName: name,
		version: version,
	}, nil
}

// Initialize loads configPath (falling back to defaults) and builds the service
func (s *AppService) Initialize(configPath string, opts ...Option) error {
	s.configPath = configPath

	bootLc := logger.NewClient("INFO")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		bootLc.Warn("failed to load config file, using defaults", "path", configPath, "error", err)
		cfg = config.DefaultConfig()
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return s.InitializeWithConfig(cfg)
}

// InitializeWithConfig builds every component from cfg without touching the network
func (s *AppService) InitializeWithConfig(cfg *config.AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	s.config = cfg

	s.lc = logger.NewClientWithConfig(logger.LoggerConfig{
		LogLevel:      cfg.Writable.LogLevel,
		FilePath:      cfg.Writable.LogFile,
		EnableConsole: true,
	})
	s.lc.Info("initializing service", "name", s.appName, "version", s.version, "node", cfg.NodeID)

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.regs = regmap.New(regmap.Sizes{
		Coils:            cfg.Device.Coils,
		DiscreteInputs:   cfg.Device.DiscreteInputs,
		HoldingRegisters: cfg.Device.HoldingRegisters,
		InputRegisters:   cfg.Device.InputRegisters,
	})

	exitPolicy, err := device.ParseExitPolicy(cfg.Device.ListenOnlyExit)
	if err != nil {
		return err
	}
	s.dev = device.New(s.lc.WithComponent("device"), device.Options{
		RecoveryDelay: cfg.Device.GetRecoveryDelay(),
		ExitPolicy:    exitPolicy,
	})

	boundary, err := control.ParseBoundary(cfg.Control.Boundary)
	if err != nil {
		return err
	}
	s.ctrl = control.NewController(cfg.Control.Threshold, boundary)

	if cfg.FieldBus.Type == "SIM" {
		s.sim = fielddevice.NewSimulator(&cfg.FieldBus, s.lc.WithComponent("simulator"))
	}
	s.bus, err = fieldbus.New(&cfg.FieldBus, s.sim, s.lc.WithComponent("fieldbus"))
	if err != nil {
		return fmt.Errorf("field bus: %w", err)
	}

	s.bridge, err = bridge.New(s.regs, s.dev, s.ctrl, s.bus, bridge.Options{
		IngestPeriod: cfg.Device.GetIngestPeriod(),
		EgressPeriod: cfg.Device.GetEgressPeriod(),
		EgressMode:   bridge.EgressMode(cfg.Device.EgressMode),
	}, s.lc.WithComponent("bridge"))
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	s.dev.AddResetHook(s.bridge.Reset)

	access, err := modbusserver.NewAccessPolicy(cfg.Access.ReadAllow, cfg.Access.WriteAllow)
	if err != nil {
		return fmt.Errorf("access policy: %w", err)
	}
	s.engine = modbusserver.NewEngine(s.regs, s.dev, access, modbusserver.EngineOptions{
		ProtectThreshold: cfg.Device.ProtectThreshold,
		Identity:         cfg.Device.Identity,
	}, s.lc.WithComponent("engine"))
	s.mdbsServer = modbusserver.NewModbusServer(&cfg.Modbus, s.engine, s.lc.WithComponent("listener"))

	s.metrics = metrics.New(
		device.Normal.String(), device.ListenOnly.String(),
		device.RestartPending.String(), device.Restarting.String(),
	)
	s.metrics.SetMode(s.dev.Mode().String())

	s.events = eventlog.NewManager(eventlog.Options{
		BatchSize:  cfg.Mqtt.BatchSize,
		FlushDelay: cfg.Mqtt.GetFlushInterval(),
	}, s.lc)

	if cfg.Journal.Enabled {
		s.journal, err = journal.Open(cfg.Journal.Path, s.lc.WithComponent("journal"))
		if err != nil {
			return err
		}
		s.events.AddSink(s.journal)
	}

	if cfg.Mqtt.Enabled {
		s.mqttClient = mqtt.NewClientManager(cfg.NodeID, s.mqttClientConfig(), s.lc.WithComponent("mqtt"))
		s.events.AddSink(eventlog.NewMQTTSink(s.mqttClient))
	}

	s.wireListeners()

	if err := s.bridge.Init(); err != nil {
		return fmt.Errorf("bridge init: %w", err)
	}

	s.lc.Info("service initialized")
	return nil
}

func (s *AppService) mqttClientConfig() mqtt.ClientConfig {
	return mqtt.ClientConfig{
		Broker:      s.config.Mqtt.Broker,
		ClientID:    s.config.Mqtt.ClientID,
		Username:    s.config.Mqtt.Username,
		Password:    s.config.Mqtt.Password,
		QoS:         byte(s.config.Mqtt.QoS),
		KeepAlive:   s.config.Mqtt.KeepAlive,
		TopicPrefix: s.config.Mqtt.TopicPrefix,
	}
}

// wireListeners feeds device, bridge and dispatcher notifications into metrics and the event log
func (s *AppService) wireListeners() {
	s.dev.OnModeChange(func(from, to device.Mode, cause string) {
		s.metrics.SetMode(to.String())
		s.events.Record(eventlog.KindMode, map[string]interface{}{
			"from": from.String(), "to": to.String(), "cause": cause,
		})
	})

	s.bridge.OnSwitch(func(from, to control.SwitchState, reading uint16) {
		s.metrics.SetSwitch(to == control.Solar, true)
		s.events.Record(eventlog.KindSwitch, map[string]interface{}{
			"from": from.String(), "to": to.String(), "reading": reading,
		})
	})

	s.bridge.OnIngest(func(reading uint16, err error) {
		if err != nil {
			s.metrics.FieldBusError("read")
			s.events.Record(eventlog.KindFieldBus, map[string]interface{}{
				"op": "read", "error": err.Error(),
			})
			return
		}
		s.metrics.SetReading(reading)
	})

	s.bridge.OnWriteError(func(state control.SwitchState, err error) {
		s.metrics.FieldBusError("write")
		s.events.Record(eventlog.KindFieldBus, map[string]interface{}{
			"op": "write", "state": state.String(), "error": err.Error(),
		})
	})

	s.engine.OnRequest(func(o modbusserver.Outcome) {
		s.metrics.ObserveRequest(o.Function, uint8(o.Exception), o.Silenced, o.Panicked)
		if o.Function == 0x08 || o.Exception != 0 || o.Panicked {
			s.events.Record(eventlog.KindRequest, map[string]interface{}{
				"source":    o.Source,
				"function":  o.Function,
				"exception": uint8(o.Exception),
				"silenced":  o.Silenced,
				"panicked":  o.Panicked,
			})
		}
	})
}

// Start launches every worker and listener and returns
func (s *AppService) Start() error {
	s.lc.Info("starting service", "name", s.appName)

	if s.sim != nil {
		s.goRun(s.sim.Run)
	}
	s.goRun(s.dev.Run)
	s.goRun(s.bridge.Run)

	s.events.Start()

	if err := s.mdbsServer.Start(s.ctx); err != nil {
		return fmt.Errorf("Modbus server start failed: %w", err)
	}

	if s.mqttClient != nil {
		if err := s.mqttClient.Connect(s.mqttClientConfig()); err != nil {
			// paho keeps retrying in the background only after a first successful connect
			s.lc.Warn("telemetry unavailable", "error", err)
		}
		s.mqttClient.RegisterMessageHandler(mqtt.TypeCommand, s.handleCommand)
		s.mqttClient.StartStatus(s.config.Mqtt.GetSnapshotInterval(), s.Status)
	}

	srv, err := s.metrics.Listen(fmt.Sprintf("%s:%d", s.config.Service.Host, s.config.Service.Port), s.lc.WithComponent("metrics"))
	if err != nil {
		s.lc.Warn("metrics endpoint disabled", "error", err)
	} else {
		s.metricsSrv = srv
		s.goRun(srv.Serve)
	}

	s.lc.Info("service started", "modbus", s.mdbsServer.Addr())
	return nil
}

func (s *AppService) goRun(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Run starts the service and waits for a shutdown signal
func (s *AppService) Run() error {
	if err := s.Start(); err != nil {
		s.Stop()
		return err
	}
	s.waitForShutdown()
	return nil
}

// Status builds the telemetry snapshot
func (s *AppService) Status() mqtt.StatusPayload {
	reading := uint16(0)
	if v, err := s.regs.Read(regmap.HoldingRegister, regmap.PowerReadingRegister, 1); err == nil {
		reading = v[0]
	}
	return mqtt.StatusPayload{
		Mode:         s.dev.Mode().String(),
		Switch:       s.ctrl.State().String(),
		Reading:      reading,
		Threshold:    s.ctrl.Threshold(),
		Boundary:     string(s.ctrl.Boundary()),
		FieldBusType: s.config.FieldBus.Type,
	}
}

// ExternalReset performs the operator reset that leaves listen-only mode
func (s *AppService) ExternalReset(cause string) {
	s.lc.Info("external reset", "cause", cause)
	s.events.Record(eventlog.KindReset, map[string]interface{}{"cause": cause})
	s.dev.Reset(s.ctx, cause)
}

// handleCommand handles type=4 command messages
func (s *AppService) handleCommand(msg *mqtt.MQTTMessage) error {
	payload, err := msg.GetCommandPayload()
	if err != nil {
		return err
	}
	switch payload.Cmd {
	case mqtt.CmdReset:
		s.ExternalReset("mqtt")
		return nil
	case mqtt.CmdStatus:
		return s.mqttClient.PublishStatus(s.Status)
	default:
		return fmt.Errorf("unknown command %q", payload.Cmd)
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM; SIGHUP triggers an external reset
func (s *AppService) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.ExternalReset("sighup")
				continue
			}
			s.lc.Info("received signal", "signal", sig.String())
			s.Stop()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop stops the service
func (s *AppService) Stop() error {
	if s.lc == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.lc.Info("stopping service", "name", s.appName)

		if s.cancel != nil {
			s.cancel()
		}
		if s.mdbsServer != nil {
			s.mdbsServer.Stop()
		}
		s.wg.Wait()

		if s.mqttClient != nil {
			s.mqttClient.StopStatus()
		}
		if s.events != nil {
			s.events.Stop()
		}
		if s.mqttClient != nil {
			s.mqttClient.Disconnect()
		}
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.lc.Warn("journal close failed", "error", err)
			}
		}
		if s.bus != nil {
			if err := s.bus.Close(); err != nil {
				s.lc.Warn("field bus close failed", "error", err)
			}
		}

		s.lc.Info("service stopped")
		s.lc.Close()
	})
	return nil
}

// GetLoggingClient returns the logging client
func (s *AppService) GetLoggingClient() logger.LoggingClient {
	return s.lc
}

// GetRegisterMap returns the PLC register map
func (s *AppService) GetRegisterMap() *regmap.RegisterMap {
	return s.regs
}

// GetDevice returns the device state machine
func (s *AppService) GetDevice() *device.Device {
	return s.dev
}

// GetModbusServer returns the Modbus listener
func (s *AppService) GetModbusServer() modbusserver.ModbusServerInterface {
	if s.mdbsServer == nil {
		return nil
	}
	return s.mdbsServer
}

// GetMQTTClient returns the MQTT client manager
func (s *AppService) GetMQTTClient() *mqtt.ClientManager {
	return s.mqttClient
}

// GetEventLog returns the event log manager
func (s *AppService) GetEventLog() *eventlog.Manager {
	return s.events
}

// GetMetrics returns the metrics collectors
func (s *AppService) GetMetrics() *metrics.Metrics {
	return s.metrics
}

// GetAppConfig returns the application configuration
func (s *AppService) GetAppConfig() *config.AppConfig {
	return s.config
}

// GetContext returns the service context
func (s *AppService) GetContext() context.Context {
	return s.ctx
}
