package modbusserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/logger"
)

const (
	mbapHeaderSize = 7
	tcpMaxADU      = 260
	rtuMaxADU      = 256
)

// ModbusServer exposes the engine over Modbus TCP or RTU. Unlike
// mbserver.Server it can stay silent, which listen-only mode requires.
type ModbusServer struct {
	config  *config.ModbusConfig
	engine  *Engine
	lc      logger.LoggingClient
	running atomic.Bool
	cancel  context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	port     io.ReadWriteCloser
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewModbusServer(cfg *config.ModbusConfig, engine *Engine, lc logger.LoggingClient) *ModbusServer {
	return &ModbusServer{
		config: cfg,
		engine: engine,
		lc:     lc,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start opens the listener and serves in the background until ctx is done or Stop is called.
func (s *ModbusServer) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("modbus server already running")
	}

	var err error
	switch s.config.Type {
	case "TCP":
		err = s.startTCP()
	case "RTU":
		err = s.startRTU()
	default:
		return fmt.Errorf("unsupported Modbus type: %s (must be TCP or RTU)", s.config.Type)
	}
	if err != nil {
		return err
	}

	s.running.Store(true)
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Addr returns the bound TCP address, or nil for RTU.
func (s *ModbusServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *ModbusServer) startTCP() error {
	addr := s.config.TCP.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start Modbus TCP listener: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.lc.Info("Modbus TCP server started", "address", ln.Addr().String())
	return nil
}

func (s *ModbusServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.lc.Warn("accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *ModbusServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	source := conn.RemoteAddr().String()
	s.lc.Debug("client connected", "source", source)

	buf := make([]byte, tcpMaxADU)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.GetTimeout())); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, buf[:mbapHeaderSize]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.lc.Debug("client read ended", "source", source, "error", err)
			}
			return
		}
		// length counts the unit id already read in the header
		length := int(binary.BigEndian.Uint16(buf[4:6]))
		if length < 2 || length > tcpMaxADU-mbapHeaderSize+1 {
			s.lc.Warn("invalid MBAP length, closing connection", "source", source, "length", length)
			return
		}
		end := mbapHeaderSize + length - 1
		if _, err := io.ReadFull(conn, buf[mbapHeaderSize:end]); err != nil {
			return
		}

		frame, err := mbserver.NewTCPFrame(buf[:end])
		if err != nil {
			s.lc.Warn("bad TCP frame", "source", source, "error", err)
			continue
		}

		resp, ok := s.engine.Handle(source, frame)
		if !ok {
			continue
		}
		if _, err := conn.Write(resp.Bytes()); err != nil {
			s.lc.Debug("client write failed", "source", source, "error", err)
			return
		}
	}
}

func (s *ModbusServer) startRTU() error {
	serialConfig := &serial.Config{
		Address:  s.config.RTU.Port,
		BaudRate: s.config.RTU.BaudRate,
		DataBits: s.config.RTU.DataBits,
		StopBits: s.config.RTU.StopBits,
		Parity:   s.config.RTU.Parity,
		Timeout:  s.config.GetTimeout(),
	}
	port, err := serial.Open(serialConfig)
	if err != nil {
		return fmt.Errorf("failed to start Modbus RTU listener: %w", err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serveRTU(port)
	s.lc.Info("Modbus RTU server started", "port", s.config.RTU.Port, "slave_id", s.config.RTU.SlaveID)
	return nil
}

// serveRTU treats every read as one frame, as mbserver does.
func (s *ModbusServer) serveRTU(port io.ReadWriteCloser) {
	defer s.wg.Done()
	source := "rtu:" + s.config.RTU.Port
	buf := make([]byte, rtuMaxADU*2)
	for {
		n, err := port.Read(buf)
		if err != nil {
			if !s.running.Load() {
				return
			}
			// timeouts are expected on an idle line
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			s.lc.Error("RTU read failed, listener stopped", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		frame, err := mbserver.NewRTUFrame(buf[:n])
		if err != nil {
			s.lc.Debug("bad RTU frame", "error", err)
			continue
		}
		if frame.Address != 0 && frame.Address != s.config.RTU.SlaveID {
			continue
		}

		resp, ok := s.engine.Handle(source, frame)
		if !ok || frame.Address == 0 {
			continue
		}
		if _, err := port.Write(resp.Bytes()); err != nil {
			s.lc.Warn("RTU write failed", "error", err)
		}
	}
}

// Stop closes the listener and every open connection and waits for the workers.
func (s *ModbusServer) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.port != nil {
		_ = s.port.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.lc.Info("Modbus server stopped")
	return nil
}

// IsRunning returns whether the server is running
func (s *ModbusServer) IsRunning() bool {
	return s.running.Load()
}
