// Package indicator drives the fault and status lines of the controller.
package indicator

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

type Signal uint8

const (
	OK Signal = iota
	Error
	Overvoltage
	Undervoltage
	Overcurrent
	Overtemperature
	Undertemperature

	NumSignals
)

var signalNames = [NumSignals]string{"ok", "error", "ov", "uv", "oc", "ot", "ut"}

func (s Signal) String() string {
	if s < NumSignals {
		return signalNames[s]
	}
	return fmt.Sprintf("signal(%d)", uint8(s))
}

// Outputs is the set of indicator lines.
type Outputs interface {
	Set(Signal)
	Clear(Signal)
	Levels() [NumSignals]bool
}

// SetAll raises every line.
func SetAll(o Outputs) {
	for s := Signal(0); s < NumSignals; s++ {
		o.Set(s)
	}
}

// ClearAll lowers every line.
func ClearAll(o Outputs) {
	for s := Signal(0); s < NumSignals; s++ {
		o.Clear(s)
	}
}

// Memory keeps levels without driving hardware.
type Memory struct {
	levels [NumSignals]bool
}

func (m *Memory) Set(s Signal) { m.levels[s] = true }
func (m *Memory) Clear(s Signal) { m.levels[s] = false }

func (m *Memory) Levels() [NumSignals]bool { return m.levels }

// Pins drives one GPIO output per signal. Signals without a pin are kept
// in memory only.
type Pins struct {
	Memory
	pins [NumSignals]gpio.PinOut
}

// OpenPins resolves pin names through gpioreg. Empty names are skipped.
func OpenPins(names map[Signal]string) (*Pins, error) {
	p := &Pins{}
	for s, name := range names {
		if name == "" {
			continue
		}
		if s >= NumSignals {
			return nil, fmt.Errorf("indicator: unknown signal %d", s)
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("indicator: no GPIO named %q for %v", name, s)
		}
		p.pins[s] = pin
	}
	return p, nil
}

// NewPins wraps already opened outputs.
func NewPins(pins map[Signal]gpio.PinOut) *Pins {
	p := &Pins{}
	for s, pin := range pins {
		if s < NumSignals {
			p.pins[s] = pin
		}
	}
	return p
}

func (p *Pins) Set(s Signal) {
	p.Memory.Set(s)
	p.drive(s, gpio.High)
}

func (p *Pins) Clear(s Signal) {
	p.Memory.Clear(s)
	p.drive(s, gpio.Low)
}

func (p *Pins) drive(s Signal, l gpio.Level) {
	pin := p.pins[s]
	if pin == nil {
		return
	}
	if err := pin.Out(l); err != nil {
		log.Printf("[indicator] %v: %v", s, err)
	}
}
