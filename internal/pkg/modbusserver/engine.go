package modbusserver

import (
	"fmt"
	"sync"

	"github.com/tbrandon/mbserver"

	"plc-modbus-go/internal/pkg/device"
	"plc-modbus-go/internal/pkg/logger"
	"plc-modbus-go/internal/pkg/regmap"
)

const (
	fcReadCoils                  uint8 = 0x01
	fcReadDiscreteInputs         uint8 = 0x02
	fcReadHoldingRegisters       uint8 = 0x03
	fcReadInputRegisters         uint8 = 0x04
	fcWriteSingleCoil            uint8 = 0x05
	fcWriteSingleRegister        uint8 = 0x06
	fcDiagnostics                uint8 = 0x08
	fcWriteMultipleCoils         uint8 = 0x0F
	fcWriteMultipleRegisters     uint8 = 0x10
	fcReadWriteMultipleRegisters uint8 = 0x17
	fcEncapsulatedInterface      uint8 = 0x2B
)

type handlerFunc func(frame mbserver.Framer) ([]byte, *mbserver.Exception)

// Outcome describes one dispatched request.
type Outcome struct {
	Source    string
	Function  uint8
	Exception mbserver.Exception
	Silenced  bool
	Panicked  bool
}

// RequestObserver is called after every dispatched request.
type RequestObserver func(Outcome)

// Engine routes decoded requests to handlers backed by the register map,
// consulting the device mode for diagnostics and listen-only silence.
type Engine struct {
	regs     *regmap.RegisterMap
	dev      *device.Device
	access   *AccessPolicy
	opts     EngineOptions
	lc       logger.LoggingClient
	handlers [256]handlerFunc

	mu        sync.RWMutex
	observers []RequestObserver
}

func NewEngine(regs *regmap.RegisterMap, dev *device.Device, access *AccessPolicy, opts EngineOptions, lc logger.LoggingClient) *Engine {
	e := &Engine{
		regs:   regs,
		dev:    dev,
		access: access,
		opts:   opts,
		lc:     lc,
	}
	e.registerHandlers()
	return e
}

func (e *Engine) registerHandlers() {
	e.handlers[fcReadCoils] = e.readBits(regmap.Coil)
	e.handlers[fcReadDiscreteInputs] = e.readBits(regmap.DiscreteInput)
	e.handlers[fcReadHoldingRegisters] = e.readRegisters(regmap.HoldingRegister)
	e.handlers[fcReadInputRegisters] = e.readRegisters(regmap.InputRegister)

	e.handlers[fcWriteSingleCoil] = e.handleWriteSingleCoil
	e.handlers[fcWriteSingleRegister] = e.handleWriteSingleRegister
	e.handlers[fcWriteMultipleCoils] = e.handleWriteMultipleCoils
	e.handlers[fcWriteMultipleRegisters] = e.handleWriteMultipleRegisters
	e.handlers[fcReadWriteMultipleRegisters] = e.handleReadWriteMultipleRegisters

	e.handlers[fcDiagnostics] = e.handleDiagnostics
	e.handlers[fcEncapsulatedInterface] = e.handleEncapsulatedInterface
}

// OnRequest registers fn to observe every dispatched request.
func (e *Engine) OnRequest(fn RequestObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Handle dispatches req and returns the response frame. ok is false when no
// response must be sent because the device is in listen-only mode.
func (e *Engine) Handle(source string, req mbserver.Framer) (resp mbserver.Framer, ok bool) {
	fc := req.GetFunction()
	out := Outcome{Source: source, Function: fc}

	var data []byte
	var exc *mbserver.Exception
	switch {
	case !e.access.Allowed(classify(fc), source):
		e.lc.Warn("request rejected by allow-list", "source", source, "function", fc)
		exc = &mbserver.IllegalFunction
	case e.handlers[fc] == nil:
		e.lc.Debug("unsupported function code", "source", source, "function", fmt.Sprintf("0x%02X", fc))
		exc = &mbserver.IllegalFunction
	default:
		data, exc, out.Panicked = e.invoke(e.handlers[fc], req)
	}

	resp = req.Copy()
	if exc != nil && *exc != mbserver.Success {
		out.Exception = *exc
		resp.SetException(exc)
	} else {
		resp.SetData(data)
	}

	out.Silenced = e.dev.Silent()
	e.notify(out)
	if out.Silenced {
		e.lc.Trace("response suppressed in listen-only mode", "source", source, "function", fc)
		return nil, false
	}
	return resp, true
}

// invoke runs h and converts a panic into IllegalFunction.
func (e *Engine) invoke(h handlerFunc, req mbserver.Framer) (data []byte, exc *mbserver.Exception, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			e.lc.Error("handler panic recovered", "function", req.GetFunction(), "panic", r)
			data, exc, panicked = nil, &mbserver.IllegalFunction, true
		}
	}()
	data, exc = h(req)
	return data, exc, false
}

func (e *Engine) notify(out Outcome) {
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()
	for _, fn := range observers {
		fn(out)
	}
}
