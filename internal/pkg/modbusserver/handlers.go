package modbusserver

import (
	"encoding/binary"
	"errors"

	"github.com/tbrandon/mbserver"

	"plc-modbus-go/internal/pkg/regmap"
)

const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
	maxRWWrite        = 121

	diagRestartCommunications uint16 = 0x0001
	diagForceListenOnly       uint16 = 0x0004

	meiReadDeviceID byte = 0x0E
)

// rangeException maps a register map error to the exception sent on the wire.
func rangeException(err error) *mbserver.Exception {
	if errors.Is(err, regmap.ErrAddressOutOfRange) {
		return &mbserver.IllegalDataAddress
	}
	return &mbserver.SlaveDeviceFailure
}

// parseAddressQuantity decodes the first four bytes common to most requests.
func parseAddressQuantity(data []byte, maxQty uint16) (addr, qty uint16, exc *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	addr = binary.BigEndian.Uint16(data[0:2])
	qty = binary.BigEndian.Uint16(data[2:4])
	if qty < 1 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	return addr, qty, nil
}

func packBits(values []uint16) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v != 0 {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

func unpackBits(packed []byte, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		if packed[i/8]&(1<<(uint(i)%8)) != 0 {
			out[i] = 1
		}
	}
	return out
}

func encodeRegisters(values []uint16) []byte {
	out := make([]byte, 1+2*len(values))
	out[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[1+2*i:], v)
	}
	return out
}

func decodeRegisters(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out
}

func (e *Engine) readBits(bank regmap.Bank) handlerFunc {
	return func(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		addr, qty, exc := parseAddressQuantity(frame.GetData(), maxReadBits)
		if exc != nil {
			return nil, exc
		}
		values, err := e.regs.Read(bank, addr, int(qty))
		if err != nil {
			return nil, rangeException(err)
		}
		bits := packBits(values)
		return append([]byte{byte(len(bits))}, bits...), &mbserver.Success
	}
}

func (e *Engine) readRegisters(bank regmap.Bank) handlerFunc {
	return func(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		addr, qty, exc := parseAddressQuantity(frame.GetData(), maxReadRegisters)
		if exc != nil {
			return nil, exc
		}
		values, err := e.regs.Read(bank, addr, int(qty))
		if err != nil {
			return nil, rangeException(err)
		}
		return encodeRegisters(values), &mbserver.Success
	}
}

// thresholdGuard rejects holding register writes covering the threshold cell when protected.
func (e *Engine) thresholdGuard(addr uint16, count int) *mbserver.Exception {
	if !e.opts.ProtectThreshold {
		return nil
	}
	if addr <= regmap.ThresholdRegister && int(addr)+count > int(regmap.ThresholdRegister) {
		e.lc.Warn("write to protected threshold register rejected", "address", addr, "count", count)
		return &mbserver.IllegalDataAddress
	}
	return nil
}

func (e *Engine) handleWriteSingleCoil(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	// 0xFF00 is ON, 0x0000 is OFF
	if value != 0xFF00 && value != 0x0000 {
		return nil, &mbserver.IllegalDataValue
	}
	if _, err := e.regs.WriteBits(regmap.Coil, addr, []bool{value == 0xFF00}); err != nil {
		return nil, rangeException(err)
	}
	return data[:4], &mbserver.Success
}

func (e *Engine) handleWriteSingleRegister(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if exc := e.thresholdGuard(addr, 1); exc != nil {
		return nil, exc
	}
	if _, err := e.regs.Write(regmap.HoldingRegister, addr, []uint16{value}); err != nil {
		return nil, rangeException(err)
	}
	return data[:4], &mbserver.Success
}

func (e *Engine) handleWriteMultipleCoils(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	addr, qty, exc := parseAddressQuantity(data, maxWriteBits)
	if exc != nil {
		return nil, exc
	}
	byteCount := (int(qty) + 7) / 8
	if len(data) < 5 || int(data[4]) != byteCount || len(data) < 5+byteCount {
		return nil, &mbserver.IllegalDataValue
	}

	if _, err := e.regs.Write(regmap.Coil, addr, unpackBits(data[5:5+byteCount], int(qty))); err != nil {
		return nil, rangeException(err)
	}
	return data[:4], &mbserver.Success
}

func (e *Engine) handleWriteMultipleRegisters(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	addr, qty, exc := parseAddressQuantity(data, maxWriteRegisters)
	if exc != nil {
		return nil, exc
	}
	byteCount := 2 * int(qty)
	if len(data) < 5 || int(data[4]) != byteCount || len(data) < 5+byteCount {
		return nil, &mbserver.IllegalDataValue
	}
	if exc := e.thresholdGuard(addr, int(qty)); exc != nil {
		return nil, exc
	}

	if _, err := e.regs.Write(regmap.HoldingRegister, addr, decodeRegisters(data[5:5+byteCount])); err != nil {
		return nil, rangeException(err)
	}
	return data[:4], &mbserver.Success
}

// handleReadWriteMultipleRegisters performs the write before the read.
func (e *Engine) handleReadWriteMultipleRegisters(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	readAddr, readQty, exc := parseAddressQuantity(data, maxReadRegisters)
	if exc != nil {
		return nil, exc
	}
	if len(data) < 9 {
		return nil, &mbserver.IllegalDataValue
	}
	writeAddr, writeQty, exc := parseAddressQuantity(data[4:], maxRWWrite)
	if exc != nil {
		return nil, exc
	}
	byteCount := 2 * int(writeQty)
	if int(data[8]) != byteCount || len(data) < 9+byteCount {
		return nil, &mbserver.IllegalDataValue
	}
	if exc := e.thresholdGuard(writeAddr, int(writeQty)); exc != nil {
		return nil, exc
	}

	if _, err := e.regs.Write(regmap.HoldingRegister, writeAddr, decodeRegisters(data[9:9+byteCount])); err != nil {
		return nil, rangeException(err)
	}
	values, err := e.regs.Read(regmap.HoldingRegister, readAddr, int(readQty))
	if err != nil {
		return nil, rangeException(err)
	}
	return encodeRegisters(values), &mbserver.Success
}

// handleDiagnostics answers function 0x08. Restart and listen-only drive the
// device mode; every sub-function is echoed, and the echo is dropped by the
// engine when the device has gone silent.
func (e *Engine) handleDiagnostics(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return nil, &mbserver.IllegalDataValue
	}
	sub := binary.BigEndian.Uint16(data[0:2])

	switch sub {
	case diagRestartCommunications:
		if !e.dev.RequestRestart() {
			e.lc.Debug("restart diagnostic ignored", "mode", e.dev.Mode())
		}
	case diagForceListenOnly:
		if !e.dev.ForceListenOnly() {
			e.lc.Debug("listen-only diagnostic ignored", "mode", e.dev.Mode())
		}
	}

	echo := make([]byte, len(data))
	copy(echo, data)
	return echo, &mbserver.Success
}

// handleEncapsulatedInterface serves Read Device Identification (MEI 0x0E).
func (e *Engine) handleEncapsulatedInterface(frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 3 || data[0] != meiReadDeviceID {
		return nil, &mbserver.IllegalDataValue
	}
	code, objectID := data[1], data[2]
	objects := e.opts.deviceIdentity()

	var last byte
	switch code {
	case 0x01:
		last = 0x02
	case 0x02:
		last = 0x7F
	case 0x03:
		last = 0xFF
	case 0x04:
		value, ok := objects[objectID]
		if !ok {
			return nil, &mbserver.IllegalDataAddress
		}
		resp := []byte{meiReadDeviceID, code, 0x82, 0x00, 0x00, 1}
		return appendObject(resp, objectID, value), &mbserver.Success
	default:
		return nil, &mbserver.IllegalDataValue
	}

	if _, ok := objects[objectID]; !ok || objectID > last {
		objectID = 0
	}

	resp := []byte{meiReadDeviceID, code, 0x82, 0x00, 0x00, 0}
	count := byte(0)
	for id := int(objectID); id <= int(last); id++ {
		value, ok := objects[byte(id)]
		if !ok {
			continue
		}
		resp = appendObject(resp, byte(id), value)
		count++
	}
	resp[5] = count
	return resp, &mbserver.Success
}

func appendObject(resp []byte, id byte, value string) []byte {
	if len(value) > 245 {
		value = value[:245]
	}
	resp = append(resp, id, byte(len(value)))
	return append(resp, value...)
}
