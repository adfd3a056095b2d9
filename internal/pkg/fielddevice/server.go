package fielddevice

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/regmap"
)

// Serve exposes the simulator through mbserver on the TCP or RTU endpoint
// of cfg. Unit ids are not distinguished: meter and switch share one endpoint.
func (s *Simulator) Serve(cfg *config.FieldBusConfig) (*mbserver.Server, error) {
	srv := mbserver.NewServer()
	srv.RegisterFunctionHandler(1, s.readBits(regmap.Coil))
	srv.RegisterFunctionHandler(2, s.readBits(regmap.DiscreteInput))
	srv.RegisterFunctionHandler(3, s.readRegisters(regmap.HoldingRegister))
	srv.RegisterFunctionHandler(4, s.readRegisters(regmap.InputRegister))
	srv.RegisterFunctionHandler(5, s.writeSingleCoil)
	srv.RegisterFunctionHandler(6, s.writeSingleRegister)

	switch cfg.Type {
	case "TCP":
		if err := srv.ListenTCP(cfg.TCP.Address()); err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", cfg.TCP.Address(), err)
		}
		s.lc.Info("field devices listening", "transport", "TCP", "address", cfg.TCP.Address())
	case "RTU":
		err := srv.ListenRTU(&serial.Config{
			Address:  cfg.RTU.Port,
			BaudRate: cfg.RTU.BaudRate,
			DataBits: cfg.RTU.DataBits,
			StopBits: cfg.RTU.StopBits,
			Parity:   cfg.RTU.Parity,
			Timeout:  cfg.GetTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("listen rtu %s: %w", cfg.RTU.Port, err)
		}
		s.lc.Info("field devices listening", "transport", "RTU", "port", cfg.RTU.Port)
	default:
		return nil, fmt.Errorf("field devices cannot be served over %q", cfg.Type)
	}
	return srv, nil
}

func addressQuantity(frame mbserver.Framer) (uint16, uint16, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), nil
}

func exceptionFor(err error) *mbserver.Exception {
	if errors.Is(err, regmap.ErrAddressOutOfRange) {
		return &mbserver.IllegalDataAddress
	}
	return &mbserver.SlaveDeviceFailure
}

func (s *Simulator) readBits(bank regmap.Bank) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		addr, qty, exc := addressQuantity(frame)
		if exc != nil {
			return nil, exc
		}
		if qty == 0 || qty > 2000 {
			return nil, &mbserver.IllegalDataValue
		}
		bits, err := s.regs.ReadBits(bank, addr, int(qty))
		if err != nil {
			return nil, exceptionFor(err)
		}
		out := make([]byte, 1+(len(bits)+7)/8)
		out[0] = byte(len(out) - 1)
		for i, b := range bits {
			if b {
				out[1+i/8] |= 1 << (uint(i) % 8)
			}
		}
		return out, &mbserver.Success
	}
}

func (s *Simulator) readRegisters(bank regmap.Bank) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		addr, qty, exc := addressQuantity(frame)
		if exc != nil {
			return nil, exc
		}
		if qty == 0 || qty > 125 {
			return nil, &mbserver.IllegalDataValue
		}
		values, err := s.regs.Read(bank, addr, int(qty))
		if err != nil {
			return nil, exceptionFor(err)
		}
		out := make([]byte, 1+2*len(values))
		out[0] = byte(2 * len(values))
		for i, v := range values {
			binary.BigEndian.PutUint16(out[1+2*i:], v)
		}
		return out, &mbserver.Success
	}
}

func (s *Simulator) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	addr, value, exc := addressQuantity(frame)
	if exc != nil {
		return nil, exc
	}
	if value != 0xFF00 && value != 0x0000 {
		return nil, &mbserver.IllegalDataValue
	}
	if addr == s.switchAddr {
		s.SetSwitch(stateFromCoilValue(value))
	} else if _, err := s.regs.WriteBits(regmap.Coil, addr, []bool{value == 0xFF00}); err != nil {
		return nil, exceptionFor(err)
	}
	return frame.GetData()[:4], &mbserver.Success
}

func (s *Simulator) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	addr, value, exc := addressQuantity(frame)
	if exc != nil {
		return nil, exc
	}
	if addr == s.meterAddr {
		s.SetReading(value)
	} else if _, err := s.regs.Write(regmap.HoldingRegister, addr, []uint16{value}); err != nil {
		return nil, exceptionFor(err)
	}
	return frame.GetData()[:4], &mbserver.Success
}
