// Package regmap holds the four Modbus memory banks of a simulated device.
package regmap

import (
	"errors"
	"fmt"
	"sync"
)

// Bank identifies one of the independently addressed memory banks.
type Bank uint8

const (
	Coil Bank = iota
	DiscreteInput
	HoldingRegister
	InputRegister
)

var bankNames = map[Bank]string{
	Coil:            "coil",
	DiscreteInput:   "discrete-input",
	HoldingRegister: "holding-register",
	InputRegister:   "input-register",
}

func (b Bank) String() string {
	if name, ok := bankNames[b]; ok {
		return name
	}
	return fmt.Sprintf("bank(%d)", uint8(b))
}

// IsBit reports whether cells of the bank are single bits.
func (b Bank) IsBit() bool {
	return b == Coil || b == DiscreteInput
}

var (
	ErrAddressOutOfRange   = errors.New("address out of range")
	ErrUnknownBank         = errors.New("unknown bank")
	ErrObserverUnsupported = errors.New("bank does not raise change events")
)

// ChangeEvent describes one committed holding-register cell write.
type ChangeEvent struct {
	Bank    Bank
	Address uint16
	Old     uint16
	New     uint16
}

// Observer is invoked with the bank's write lock held. It must not read or
// write the bank that raised the event; other banks are safe.
type Observer func(ev ChangeEvent)

// Sizes configures the number of cells per bank.
type Sizes struct {
	Coils            int
	DiscreteInputs   int
	HoldingRegisters int
	InputRegisters   int
}

// DefaultSizes covers the full 16-bit address space of every bank.
func DefaultSizes() Sizes {
	return Sizes{
		Coils:            65536,
		DiscreteInputs:   65536,
		HoldingRegisters: 65536,
		InputRegisters:   65536,
	}
}

type bank struct {
	mu        sync.RWMutex
	cells     []uint16
	observers []Observer
}

// RegisterMap owns the banks of one device. Each bank has its own lock;
// there is no atomicity across banks.
type RegisterMap struct {
	banks [4]*bank
}

// New creates a zero-initialised register map. Non-positive sizes fall back to 65536.
func New(sizes Sizes) *RegisterMap {
	alloc := func(n int) *bank {
		if n <= 0 || n > 65536 {
			n = 65536
		}
		return &bank{cells: make([]uint16, n)}
	}
	return &RegisterMap{banks: [4]*bank{
		Coil:            alloc(sizes.Coils),
		DiscreteInput:   alloc(sizes.DiscreteInputs),
		HoldingRegister: alloc(sizes.HoldingRegisters),
		InputRegister:   alloc(sizes.InputRegisters),
	}}
}

func (m *RegisterMap) bank(b Bank) (*bank, error) {
	if int(b) >= len(m.banks) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBank, b)
	}
	return m.banks[b], nil
}

// Size returns the number of cells in bank b, or 0 for an unknown bank.
func (m *RegisterMap) Size(b Bank) int {
	bk, err := m.bank(b)
	if err != nil {
		return 0
	}
	return len(bk.cells)
}

func checkRange(b Bank, size int, address uint16, count int) error {
	if count < 0 || int(address)+count > size {
		return fmt.Errorf("%w: %s %d+%d exceeds size %d", ErrAddressOutOfRange, b, address, count, size)
	}
	return nil
}

// Read returns a snapshot of count cells starting at address.
func (m *RegisterMap) Read(b Bank, address uint16, count int) ([]uint16, error) {
	bk, err := m.bank(b)
	if err != nil {
		return nil, err
	}

	bk.mu.RLock()
	defer bk.mu.RUnlock()

	if err := checkRange(b, len(bk.cells), address, count); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	copy(out, bk.cells[int(address):int(address)+count])
	return out, nil
}

// Write replaces len(values) cells starting at address and returns the previous
// values. Values written to bit banks are normalised to 0 or 1. For the holding
// register bank every observer runs once per written address, in ascending
// order, before Write returns.
func (m *RegisterMap) Write(b Bank, address uint16, values []uint16) ([]uint16, error) {
	bk, err := m.bank(b)
	if err != nil {
		return nil, err
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	if err := checkRange(b, len(bk.cells), address, len(values)); err != nil {
		return nil, err
	}

	start := int(address)
	previous := make([]uint16, len(values))
	copy(previous, bk.cells[start:start+len(values)])
	for i, v := range values {
		if b.IsBit() && v != 0 {
			v = 1
		}
		bk.cells[start+i] = v
	}

	for i := range values {
		ev := ChangeEvent{
			Bank:    b,
			Address: uint16(start + i),
			Old:     previous[i],
			New:     bk.cells[start+i],
		}
		for _, obs := range bk.observers {
			obs(ev)
		}
	}
	return previous, nil
}

// RegisterObserver attaches fn to bank b. Only the holding register bank raises events.
func (m *RegisterMap) RegisterObserver(b Bank, fn Observer) error {
	if b != HoldingRegister {
		return fmt.Errorf("%w: %s", ErrObserverUnsupported, b)
	}
	if fn == nil {
		return errors.New("nil observer")
	}
	bk := m.banks[b]
	bk.mu.Lock()
	bk.observers = append(bk.observers, fn)
	bk.mu.Unlock()
	return nil
}

// ReadBits reads count cells of a bit bank as booleans.
func (m *RegisterMap) ReadBits(b Bank, address uint16, count int) ([]bool, error) {
	values, err := m.Read(b, address, count)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, len(values))
	for i, v := range values {
		bits[i] = v != 0
	}
	return bits, nil
}

// WriteBits writes booleans into a bit bank and returns the previous states.
func (m *RegisterMap) WriteBits(b Bank, address uint16, bits []bool) ([]bool, error) {
	values := make([]uint16, len(bits))
	for i, bit := range bits {
		if bit {
			values[i] = 1
		}
	}
	prev, err := m.Write(b, address, values)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(prev))
	for i, v := range prev {
		out[i] = v != 0
	}
	return out, nil
}

// Well-known cells shared with HMI and field-side collaborators.
const (
	SwitchCoil           uint16 = 10
	PowerReadingRegister uint16 = 20
	ThresholdRegister    uint16 = 21
)
