// Package state is the supervisory state machine. Only whitelisted
// transitions are taken; anything else latches IllegalTransition.
package state

import (
	"errors"
	"fmt"
)

type State uint8

// Codes match the values the controller has always reported on the bus.
// Voltage and current faults reuse the SYS_STAT bit of the condition.
const (
	Overcurrent          State = 0x01
	ShortCircuit         State = 0x02
	Overvoltage          State = 0x04
	Undervoltage         State = 0x08
	AfeFault             State = 0x20
	CommunicationFailure State = 0x30
	Setup                State = 0xD0
	Sleep                State = 0xD1
	Ready                State = 0xD2
	Charge               State = 0xD3
	Balancing            State = 0xD4
	ChargeBalancing      State = 0xD5
	IllegalTransition    State = 0xE0
	Overtemperature      State = 0xFE
	Undertemperature     State = 0xFF
)

var ErrIllegalTransition = errors.New("illegal state transition")

var names = map[State]string{
	Setup:                "setup",
	Overcurrent:          "overcurrent",
	ShortCircuit:         "short_circuit",
	Overvoltage:          "overvoltage",
	Undervoltage:         "undervoltage",
	AfeFault:             "afe_fault",
	CommunicationFailure: "communication_failure",
	Overtemperature:      "overtemperature",
	Undertemperature:     "undertemperature",
	IllegalTransition:    "illegal_transition",
	Ready:                "ready",
	Balancing:            "balancing",
	Charge:               "charge",
	ChargeBalancing:      "charge_balancing",
	Sleep:                "sleep",
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("state(0x%02X)", uint8(s))
}

// IsFault reports whether s is a latched fault state.
func (s State) IsFault() bool {
	switch s {
	case Overcurrent, ShortCircuit, Overvoltage, Undervoltage, AfeFault,
		CommunicationFailure, Overtemperature, Undertemperature, IllegalTransition:
		return true
	}
	return false
}

// All lists every state, for exhaustive checks.
func All() []State {
	return []State{
		Setup, Sleep, Ready, Charge, Balancing, ChargeBalancing,
		Overcurrent, ShortCircuit, Overvoltage, Undervoltage, AfeFault,
		CommunicationFailure, Overtemperature, Undertemperature, IllegalTransition,
	}
}

type transition struct {
	from, to State
}

var transitions = [...]transition{
	{Setup, Ready},
	{Ready, Charge},
	{Charge, Ready},
	{Ready, Balancing},
	{Balancing, Ready},
	{Ready, Sleep},
	{Sleep, Setup},
	{Charge, ChargeBalancing},
	{ChargeBalancing, Charge},
}

// Legal reports whether from -> to may be taken. Fault states are reachable
// from every non-fault state, and a fault state only leaves through Setup.
func Legal(from, to State) bool {
	if to.IsFault() && to != IllegalTransition && !from.IsFault() {
		return true
	}
	if to == Setup && from.IsFault() {
		return true
	}
	for i := 0; i < len(transitions); i++ {
		if transitions[i].from == from && transitions[i].to == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected request.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %v -> %v", ErrIllegalTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Machine is not safe for concurrent use; the supervisor serializes access.
type Machine struct {
	cur State
}

func New() *Machine { return &Machine{cur: Setup} }

func (m *Machine) Current() State { return m.cur }

// Request moves to next when legal. Otherwise the machine latches
// IllegalTransition and a *TransitionError is returned. Re-requesting the
// current state is not a transition and is rejected like any other.
func (m *Machine) Request(next State) error {
	if !Legal(m.cur, next) {
		err := &TransitionError{From: m.cur, To: next}
		m.cur = IllegalTransition
		return err
	}
	m.cur = next
	return nil
}

// Recover re-enters Setup from a fault or from Sleep.
func (m *Machine) Recover() error { return m.Request(Setup) }
