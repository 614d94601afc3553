// Package supervisor runs the control cycle: acquire readings, decode the
// AFE status, drive the state machine and balancing, and expose a snapshot
// for telemetry. One mutex covers a whole cycle.
package supervisor

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"lvbms/internal/balance"
	"lvbms/internal/bmsconf"
	"lvbms/internal/bq76930"
	"lvbms/internal/fault"
	"lvbms/internal/indicator"
	"lvbms/internal/pack"
	"lvbms/internal/state"
	"lvbms/internal/telemetry"
	"lvbms/internal/thermal"
)

var ErrNotFaulted = errors.New("supervisor: no fault to recover from")

// AFE is everything the supervisor needs from the front end driver.
type AFE interface {
	fault.AFE
	balance.Writer
	pack.Source
	Init() error
	Reset() error
}

// Inputs are sampled by the caller once per cycle.
type Inputs struct {
	Current      int32 // mA as measured, before any charge offset
	CurrentValid bool
	Temperatures []int32 // m°C, one per sensor

	BalanceRequest bool // balance/wake button
	PackConnected  bool // either pack sense line present
}

type Supervisor struct {
	mu  sync.Mutex
	log *log.Logger

	afe   AFE
	ind   indicator.Outputs
	sm    *state.Machine
	dec   *fault.Decoder
	bal   *balance.Selector
	therm *thermal.Monitor
	model pack.Model

	inCharge       bool
	closeSwitches  bool
	chargeCount    int
	debounce       int
	balanceTimer   int
	sleepTimer     int
	statusRecheck  int
	lastTransition time.Time
}

func New(afe AFE, ind indicator.Outputs, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	sm := state.New()
	return &Supervisor{
		log:   logger,
		afe:   afe,
		ind:   ind,
		sm:    sm,
		dec:   fault.New(afe, sm, ind),
		bal:   balance.New(afe, ind),
		therm: thermal.NewMonitor(),
	}
}

// Start programs the AFE and reads the status twice so that transient
// flags left from power-up are acknowledged before the first cycle.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.afe.Init()
	if err != nil {
		s.log.Printf("[supervisor] afe init: %v", err)
	}
	for i := 0; i < 2; i++ {
		err = multierr.Append(err, s.decode())
	}
	s.closeSwitches = true
	return err
}

// State returns the current operating state.
func (s *Supervisor) State() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current()
}

// Cycle runs one control iteration.
func (s *Supervisor) Cycle(in Inputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sm.Current() == state.Sleep {
		if in.PackConnected || in.BalanceRequest {
			return s.wake()
		}
		return nil
	}

	current := in.Current
	if s.inCharge {
		current -= bmsconf.ChargeCurrentOffset
	}
	s.model.Current = current
	s.model.Temperatures = append(s.model.Temperatures[:0], in.Temperatures...)

	if s.inCharge && s.sm.Current().IsFault() {
		s.log.Printf("[supervisor] charge aborted in %v", s.sm.Current())
		s.inCharge = false
		s.chargeCount = 0
	}
	if s.inCharge {
		return s.chargeCycle(in, current)
	}
	return s.normalCycle(in, current)
}

func (s *Supervisor) normalCycle(in Inputs, current int32) error {
	var err error

	if in.CurrentValid && s.sm.Current() == state.Ready &&
		s.model.Pack <= bmsconf.VoltageSetpoint && current <= bmsconf.ChargeEnableThreshold {
		s.chargeCount++
		if s.chargeCount > bmsconf.ChargingDebounce {
			s.beginCharge()
		}
	} else {
		s.chargeCount = 0
	}

	if s.closeSwitches {
		err = multierr.Append(err, s.afe.SetSwitches(bq76930.FETOn))
		s.closeSwitches = false
	}

	if in.BalanceRequest && s.sm.Current() == state.Ready && s.debounce > bmsconf.BalancingDebounce {
		err = multierr.Append(err, s.startBalancing(state.Balancing))
		s.debounce = 0
	}
	err = multierr.Append(err, s.balanceTick())

	err = multierr.Append(err, s.acquire())

	cur := s.sm.Current()
	if !cur.IsFault() || s.statusRecheck >= bmsconf.StatusRecheck {
		err = multierr.Append(err, s.decode())
		s.statusRecheck = 0
	}
	err = multierr.Append(err, s.checkTemperatures(false))

	if !in.PackConnected {
		if !s.bal.Enabled() {
			s.sleepTimer++
			if s.sleepTimer >= bmsconf.DeepSleepTimeout && s.sm.Current() == state.Ready {
				return multierr.Append(err, s.enterSleep())
			}
		}
	} else {
		s.sleepTimer = 0
	}

	err = multierr.Append(err, s.checkConvergence())

	s.debounce++
	if s.debounce > 2*bmsconf.BalancingDebounce {
		s.debounce = 0
	}
	if s.sm.Current().IsFault() {
		s.statusRecheck++
	}
	return err
}

func (s *Supervisor) chargeCycle(in Inputs, current int32) error {
	var err error

	if !s.bal.Enabled() {
		switch s.sm.Current() {
		case state.Ready, state.ChargeBalancing:
			err = s.transition(state.Charge)
		}
	}

	err = multierr.Append(err, s.acquire())
	err = multierr.Append(err, s.decode())
	err = multierr.Append(err, s.checkTemperatures(true))
	s.ind.Set(indicator.Undertemperature)

	if in.BalanceRequest && !s.bal.Enabled() && s.sm.Current() == state.Charge {
		err = multierr.Append(err, s.startBalancing(state.ChargeBalancing))
	}
	err = multierr.Append(err, s.balanceTick())
	err = multierr.Append(err, s.checkConvergence())

	if current >= bmsconf.ChargeStopThreshold {
		err = multierr.Append(err, s.endCharge())
	}
	return err
}

func (s *Supervisor) beginCharge() {
	s.inCharge = true
	s.chargeCount = 0
	s.ind.Set(indicator.Undertemperature)
	s.log.Printf("[supervisor] charging initiated at %v", milliVolts(int64(s.model.Pack)))
}

func (s *Supervisor) endCharge() error {
	s.log.Printf("[supervisor] charging finished at %v", milliVolts(int64(s.model.Pack)))
	s.ind.Clear(indicator.Undertemperature)
	err := s.afe.SetSwitches(bq76930.FETDisable)
	if s.bal.Enabled() {
		err = multierr.Append(err, s.bal.Stop())
	}
	if s.sm.Current() == state.ChargeBalancing {
		err = multierr.Append(err, s.transition(state.Charge))
	}
	if s.sm.Current() == state.Charge {
		err = multierr.Append(err, s.transition(state.Ready))
	}
	s.inCharge = false
	s.chargeCount = 0
	s.closeSwitches = true
	return err
}

func (s *Supervisor) startBalancing(next state.State) error {
	s.bal.Start()
	s.balanceTimer = 0
	s.log.Printf("[supervisor] balancing enabled, spread %v", milliVolts(int64(s.model.Spread())))
	return s.transition(next)
}

// balanceTick reselects the balancing set every BalancingTimeout cycles.
func (s *Supervisor) balanceTick() error {
	if !s.bal.Enabled() {
		return nil
	}
	var err error
	if s.balanceTimer >= bmsconf.BalancingTimeout {
		var cells []int
		cells, err = s.bal.Activate(s.model.Cells[:])
		s.balanceTimer = 0
		if err == nil {
			s.log.Printf("[supervisor] balancing cells %v", cells)
		}
	}
	s.balanceTimer++
	return err
}

func (s *Supervisor) checkConvergence() error {
	stopped, err := s.bal.Deactivate(s.model.Cells[:])
	if !stopped {
		return err
	}
	s.log.Printf("[supervisor] balancing converged, spread %v", milliVolts(int64(s.model.Spread())))
	if s.sm.Current() == state.ChargeBalancing {
		err = multierr.Append(err, s.transition(state.Charge))
	}
	return err
}

func (s *Supervisor) acquire() error {
	if err := s.model.Acquire(s.afe); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	return nil
}

func (s *Supervisor) decode() error {
	before := s.sm.Current()
	out, err := s.dec.Decode(fault.Conditions{Charging: s.inCharge, Balancing: s.bal.Enabled()})
	if after := s.sm.Current(); after != before {
		s.noteTransition(before, after)
		if out.CommFailure {
			s.log.Printf("[supervisor] afe communication lost")
		} else {
			s.log.Printf("[supervisor] status 0x%02X: %s", uint8(out.Status), fault.Describe(out.Status))
		}
	}
	return err
}

func (s *Supervisor) checkTemperatures(charging bool) error {
	if len(s.model.Temperatures) == 0 {
		return nil
	}
	level, sensor := s.therm.Check(s.model.Temperatures, charging)
	var next state.State
	var sig indicator.Signal
	switch level {
	case thermal.Hot:
		next, sig = state.Overtemperature, indicator.Overtemperature
	case thermal.Cold:
		next, sig = state.Undertemperature, indicator.Undertemperature
	default:
		return nil
	}
	s.ind.Set(sig)
	cur := s.sm.Current()
	if cur == next {
		return nil
	}
	if cur.IsFault() {
		// Another fault is latched; keep it and only open the FETs.
		return s.afe.SetSwitches(bq76930.FETDisable)
	}
	s.log.Printf("[supervisor] sensor %d at %v", sensor, milliCelsius(s.model.Temperatures[sensor]))
	err := s.afe.SetSwitches(bq76930.FETDisable)
	return multierr.Append(err, s.transition(next))
}

func (s *Supervisor) enterSleep() error {
	indicator.ClearAll(s.ind)
	s.log.Printf("[supervisor] pack disconnected, entering sleep")
	return s.transition(state.Sleep)
}

// Wake leaves Sleep through Setup. It does nothing in any other state.
func (s *Supervisor) Wake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sm.Current() != state.Sleep {
		return nil
	}
	return s.wake()
}

func (s *Supervisor) wake() error {
	s.log.Printf("[supervisor] wake")
	err := s.transition(state.Setup)
	indicator.SetAll(s.ind)
	return multierr.Append(err, s.reinit())
}

// Recover leaves a latched fault through Setup and reprograms the AFE.
func (s *Supervisor) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.sm.Current()
	if !cur.IsFault() {
		return fmt.Errorf("%w (state %v)", ErrNotFaulted, cur)
	}
	s.log.Printf("[supervisor] recovering from %v", cur)
	err := s.transition(state.Setup)
	return multierr.Append(err, s.reinit())
}

// reinit resets the driver and all counters, then decodes once so that a
// clean status moves Setup to Ready.
func (s *Supervisor) reinit() error {
	err := s.afe.Reset()
	s.dec.Reset()
	s.therm.Reset()
	if s.bal.Enabled() {
		err = multierr.Append(err, s.bal.Stop())
	}
	s.inCharge = false
	s.closeSwitches = true
	s.chargeCount = 0
	s.debounce = 0
	s.balanceTimer = 0
	s.sleepTimer = 0
	s.statusRecheck = 0
	return multierr.Append(err, s.decode())
}

// SetBalancing enables or disables balancing on operator request.
func (s *Supervisor) SetBalancing(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.sm.Current()
	if !on {
		if !s.bal.Enabled() {
			return nil
		}
		err := s.bal.Stop()
		switch cur {
		case state.Balancing:
			err = multierr.Append(err, s.transition(state.Ready))
		case state.ChargeBalancing:
			err = multierr.Append(err, s.transition(state.Charge))
		}
		return err
	}
	if s.bal.Enabled() {
		return nil
	}
	switch cur {
	case state.Ready:
		return s.startBalancing(state.Balancing)
	case state.Charge:
		return s.startBalancing(state.ChargeBalancing)
	}
	return fmt.Errorf("supervisor: cannot balance in state %v", cur)
}

func (s *Supervisor) transition(next state.State) error {
	before := s.sm.Current()
	err := s.sm.Request(next)
	s.noteTransition(before, s.sm.Current())
	return err
}

func (s *Supervisor) noteTransition(from, to state.State) {
	if from == to {
		return
	}
	s.lastTransition = time.Now()
	s.log.Printf("[supervisor] %v -> %v", from, to)
}

// Snapshot copies the current picture for telemetry.
func (s *Supervisor) Snapshot() telemetry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.sm.Current()
	snap := telemetry.Snapshot{
		Time:           time.Now(),
		State:          cur.String(),
		StateCode:      uint8(cur),
		Since:          s.lastTransition,
		Cells:          append([]uint16(nil), s.model.Cells[:]...),
		MinCell:        s.model.Min,
		MaxCell:        s.model.Max,
		AvgCell:        s.model.Avg,
		Pack:           s.model.Pack,
		StateOfCharge:  s.model.StateOfCharge,
		Current:        s.model.Current,
		Temperatures:   append([]int32(nil), s.model.Temperatures...),
		Charging:       s.inCharge,
		Balancing:      s.bal.Enabled(),
		BalancingCells: s.bal.Cells(),
		CommError:      s.afe.CommError(),
		Indicators:     make(map[string]bool, indicator.NumSignals),
	}
	for sig, on := range s.ind.Levels() {
		snap.Indicators[indicator.Signal(sig).String()] = on
	}
	return snap
}

func milliVolts(mv int64) physic.ElectricPotential {
	return physic.ElectricPotential(mv) * physic.MilliVolt
}

func milliCelsius(mc int32) physic.Temperature {
	return physic.ZeroCelsius + physic.Temperature(mc)*physic.MilliKelvin
}
