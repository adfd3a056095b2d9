package regmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallMap() *RegisterMap {
	return New(Sizes{Coils: 32, DiscreteInputs: 32, HoldingRegisters: 64, InputRegisters: 64})
}

func TestReadAfterWrite(t *testing.T) {
	tests := []struct {
		name    string
		bank    Bank
		address uint16
		values  []uint16
	}{
		{"holding registers", HoldingRegister, 20, []uint16{799, 800, 0xFFFF}},
		{"input registers", InputRegister, 0, []uint16{1, 2, 3, 4}},
		{"coils", Coil, 10, []uint16{1, 0, 1}},
		{"discrete inputs", DiscreteInput, 31, []uint16{1}},
		{"last register", HoldingRegister, 63, []uint16{42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := smallMap()
			_, err := m.Write(tt.bank, tt.address, tt.values)
			require.NoError(t, err)

			got, err := m.Read(tt.bank, tt.address, len(tt.values))
			require.NoError(t, err)
			assert.Equal(t, tt.values, got)
		})
	}
}

func TestOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		bank    Bank
		address uint16
		count   int
	}{
		{"one past end", HoldingRegister, 64, 1},
		{"straddles end", HoldingRegister, 60, 5},
		{"coil overflow", Coil, 30, 3},
		{"input register overflow", InputRegister, 0, 65},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := smallMap()
			_, err := m.Read(tt.bank, tt.address, tt.count)
			assert.ErrorIs(t, err, ErrAddressOutOfRange)

			_, err = m.Write(tt.bank, tt.address, make([]uint16, tt.count))
			assert.ErrorIs(t, err, ErrAddressOutOfRange)
		})
	}
}

func TestWriteReturnsPrevious(t *testing.T) {
	m := smallMap()
	_, err := m.Write(HoldingRegister, 5, []uint16{7, 8})
	require.NoError(t, err)

	prev, err := m.Write(HoldingRegister, 5, []uint16{9, 10})
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8}, prev)
}

func TestBitBanksNormalise(t *testing.T) {
	m := smallMap()
	_, err := m.Write(Coil, 0, []uint16{0xFF00, 0, 3})
	require.NoError(t, err)

	got, err := m.ReadBits(Coil, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, got)

	prev, err := m.WriteBits(Coil, 0, []bool{false, true, false})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, prev)
}

func TestObserversOrder(t *testing.T) {
	m := smallMap()
	var calls []string
	var events []ChangeEvent

	require.NoError(t, m.RegisterObserver(HoldingRegister, func(ev ChangeEvent) {
		calls = append(calls, "first")
		events = append(events, ev)
	}))
	require.NoError(t, m.RegisterObserver(HoldingRegister, func(ev ChangeEvent) {
		calls = append(calls, "second")
	}))

	_, err := m.Write(HoldingRegister, 20, []uint16{100, 200})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "first", "second"}, calls)
	assert.Equal(t, []ChangeEvent{
		{Bank: HoldingRegister, Address: 20, Old: 0, New: 100},
		{Bank: HoldingRegister, Address: 21, Old: 0, New: 200},
	}, events)
}

func TestObserverMayWriteOtherBank(t *testing.T) {
	m := smallMap()
	require.NoError(t, m.RegisterObserver(HoldingRegister, func(ev ChangeEvent) {
		if ev.Address == 20 {
			_, err := m.WriteBits(Coil, 10, []bool{ev.New >= 800})
			assert.NoError(t, err)
		}
	}))

	_, err := m.Write(HoldingRegister, 20, []uint16{900})
	require.NoError(t, err)

	bits, err := m.ReadBits(Coil, 10, 1)
	require.NoError(t, err)
	assert.True(t, bits[0])
}

func TestObserverUnsupportedBanks(t *testing.T) {
	m := smallMap()
	for _, b := range []Bank{Coil, DiscreteInput, InputRegister} {
		err := m.RegisterObserver(b, func(ChangeEvent) {})
		assert.ErrorIs(t, err, ErrObserverUnsupported, b.String())
	}
	assert.Error(t, m.RegisterObserver(HoldingRegister, nil))
}

func TestUnknownBank(t *testing.T) {
	m := smallMap()
	_, err := m.Read(Bank(9), 0, 1)
	assert.ErrorIs(t, err, ErrUnknownBank)
	assert.Equal(t, 0, m.Size(Bank(9)))
	assert.Equal(t, 64, m.Size(HoldingRegister))
}

// Multi-cell writes must never be observed half applied.
func TestWriteAtomicToReaders(t *testing.T) {
	m := smallMap()
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint16(0); i < 2000; i++ {
			_, _ = m.Write(HoldingRegister, 0, []uint16{i, i, i, i})
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		vals, err := m.Read(HoldingRegister, 0, 4)
		require.NoError(t, err)
		for _, v := range vals[1:] {
			require.Equal(t, vals[0], v)
		}
	}
}
