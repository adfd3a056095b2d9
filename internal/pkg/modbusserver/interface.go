package modbusserver

import (
	"context"
	"net"

	"github.com/tbrandon/mbserver"
)

// ModbusServerInterface defines the Modbus server operations
type ModbusServerInterface interface {
	// Start starts the Modbus server
	Start(ctx context.Context) error

	// Stop stops the Modbus server
	Stop() error

	// IsRunning returns whether the server is running
	IsRunning() bool

	// Addr returns the bound TCP address, nil when serving RTU
	Addr() net.Addr
}

// Dispatcher turns a decoded request into an optional response.
type Dispatcher interface {
	Handle(source string, req mbserver.Framer) (mbserver.Framer, bool)
	OnRequest(fn RequestObserver)
}

var (
	_ ModbusServerInterface = (*ModbusServer)(nil)
	_ Dispatcher            = (*Engine)(nil)
)
