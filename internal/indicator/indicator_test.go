package indicator

import (
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestPinsDriveOutputs(t *testing.T) {
	ok := &gpiotest.Pin{N: "OK", L: gpio.Low}
	ov := &gpiotest.Pin{N: "OV", L: gpio.Low}
	p := NewPins(map[Signal]gpio.PinOut{OK: ok, Overvoltage: ov})

	p.Set(OK)
	p.Set(Overvoltage)
	p.Set(Undertemperature)
	if ok.L != gpio.High || ov.L != gpio.High {
		t.Fatalf("pins = %v/%v, want high", ok.L, ov.L)
	}

	p.Clear(Overvoltage)
	if ov.L != gpio.Low {
		t.Errorf("ov pin = %v after Clear", ov.L)
	}

	lv := p.Levels()
	if !lv[OK] || lv[Overvoltage] || !lv[Undertemperature] {
		t.Errorf("Levels() = %v", lv)
	}
}

func TestSetClearAll(t *testing.T) {
	var m Memory
	SetAll(&m)
	for s, on := range m.Levels() {
		if !on {
			t.Errorf("%v low after SetAll", Signal(s))
		}
	}
	ClearAll(&m)
	for s, on := range m.Levels() {
		if on {
			t.Errorf("%v high after ClearAll", Signal(s))
		}
	}
}

func TestSignalString(t *testing.T) {
	tests := []struct {
		s    Signal
		want string
	}{
		{OK, "ok"},
		{Undertemperature, "ut"},
		{NumSignals, "signal(7)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Signal(%d).String() = %q, want %q", uint8(tt.s), got, tt.want)
		}
	}
}
