package service

import (
	"context"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/device"
	"plc-modbus-go/internal/pkg/eventlog"
	"plc-modbus-go/internal/pkg/logger"
	"plc-modbus-go/internal/pkg/metrics"
	"plc-modbus-go/internal/pkg/modbusserver"
	"plc-modbus-go/internal/pkg/mqtt"
	"plc-modbus-go/internal/pkg/regmap"
)

// AppServiceInterface defines the application service operations
type AppServiceInterface interface {
	// Initialize loads configuration and builds every component
	Initialize(configPath string, opts ...Option) error

	// Run starts the service and blocks until a stop signal
	Run() error

	// Stop stops the service
	Stop() error

	// GetLoggingClient returns the logging client
	GetLoggingClient() logger.LoggingClient

	// GetRegisterMap returns the PLC register map
	GetRegisterMap() *regmap.RegisterMap

	// GetDevice returns the device state machine
	GetDevice() *device.Device

	// GetModbusServer returns the Modbus listener
	GetModbusServer() modbusserver.ModbusServerInterface

	// GetMQTTClient returns the MQTT client manager, nil when telemetry is disabled
	GetMQTTClient() *mqtt.ClientManager

	// GetEventLog returns the event log manager
	GetEventLog() *eventlog.Manager

	// GetMetrics returns the metrics collectors
	GetMetrics() *metrics.Metrics

	// GetAppConfig returns the application configuration
	GetAppConfig() *config.AppConfig

	// GetContext returns the service context
	GetContext() context.Context
}
