// Package fielddevice simulates the field segment behind the PLC: a power
// meter replaying a daily solar profile and the transfer switch actuator.
package fielddevice

import (
	"context"
	"sync/atomic"
	"time"

	"plc-modbus-go/internal/pkg/config"
	"plc-modbus-go/internal/pkg/control"
	"plc-modbus-go/internal/pkg/logger"
	"plc-modbus-go/internal/pkg/regmap"
)

// Simulator owns the register map of the simulated meter and switch.
type Simulator struct {
	regs       *regmap.RegisterMap
	profile    []uint16
	step       time.Duration
	meterAddr  uint16
	switchAddr uint16
	idx        atomic.Int64
	lc         logger.LoggingClient
}

func NewSimulator(cfg *config.FieldBusConfig, lc logger.LoggingClient) *Simulator {
	s := &Simulator{
		regs:       regmap.New(regmap.DefaultSizes()),
		profile:    SolarProfile(cfg.Sim.Samples, cfg.Sim.PeakPower),
		step:       cfg.Sim.GetStepInterval(),
		meterAddr:  cfg.MeterAddress,
		switchAddr: cfg.SwitchAddress,
		lc:         lc,
	}
	s.SetReading(s.profile[0])
	return s
}

// Registers exposes the simulated devices' memory.
func (s *Simulator) Registers() *regmap.RegisterMap { return s.regs }

// Run advances the profile one sample per step until ctx is done. The day wraps around.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i := s.idx.Add(1) % int64(len(s.profile))
			s.SetReading(s.profile[i])
			s.lc.Trace("meter sample", "index", i, "reading", s.profile[i])
		}
	}
}

// Reading returns the current meter value in milliwatts.
func (s *Simulator) Reading() uint16 {
	v, err := s.regs.Read(regmap.HoldingRegister, s.meterAddr, 1)
	if err != nil {
		return 0
	}
	return v[0]
}

// SetReading overrides the meter value until the next profile step.
func (s *Simulator) SetReading(v uint16) {
	_, _ = s.regs.Write(regmap.HoldingRegister, s.meterAddr, []uint16{v})
	_, _ = s.regs.Write(regmap.InputRegister, s.meterAddr, []uint16{v})
}

func (s *Simulator) Switch() control.SwitchState {
	bits, err := s.regs.ReadBits(regmap.Coil, s.switchAddr, 1)
	if err != nil {
		return control.Mains
	}
	return control.StateFromCoil(bits[0])
}

func (s *Simulator) SetSwitch(state control.SwitchState) {
	prev, _ := s.regs.WriteBits(regmap.Coil, s.switchAddr, []bool{state.Coil()})
	if len(prev) == 1 && prev[0] != state.Coil() {
		s.lc.Info("transfer switch moved", "state", state)
	}
}

func stateFromCoilValue(v uint16) control.SwitchState {
	return control.StateFromCoil(v == 0xFF00)
}
