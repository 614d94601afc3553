package fault

import (
	"errors"
	"reflect"
	"testing"

	"lvbms/internal/bq76930"
	"lvbms/internal/indicator"
	"lvbms/internal/state"
)

type fakeAFE struct {
	status   bq76930.Status
	readErr  error
	comm     bool
	reads    int
	cleared  []bq76930.Status
	switches []bq76930.Switches
}

func (f *fakeAFE) CommError() bool { return f.comm }

func (f *fakeAFE) ReadStatus() (bq76930.Status, error) {
	f.reads++
	if f.readErr != nil {
		f.comm = true
	}
	return f.status, f.readErr
}

func (f *fakeAFE) ClearStatus(s bq76930.Status) error {
	f.cleared = append(f.cleared, s)
	return nil
}

func (f *fakeAFE) SetSwitches(s bq76930.Switches) error {
	f.switches = append(f.switches, s)
	return nil
}

func machineAt(s state.State) *state.Machine {
	m := state.New()
	if s == state.Setup {
		return m
	}
	if s == state.IllegalTransition {
		// setup -> sleep is not whitelisted
		m.Request(state.Sleep)
		return m
	}
	if s.IsFault() {
		if err := m.Request(s); err != nil {
			panic(err)
		}
		return m
	}
	if err := m.Request(state.Ready); err != nil {
		panic(err)
	}
	if s != state.Ready {
		if err := m.Request(s); err != nil {
			panic(err)
		}
	}
	return m
}

func raised(ind indicator.Outputs) []indicator.Signal {
	var out []indicator.Signal
	for s, on := range ind.Levels() {
		if on {
			out = append(out, indicator.Signal(s))
		}
	}
	return out
}

func TestDecodeTable(t *testing.T) {
	tests := []struct {
		name     string
		status   bq76930.Status
		start    state.State
		cond     Conditions
		want     state.State
		signals  []indicator.Signal
		switches []bq76930.Switches
	}{
		{"ok from setup", 0x00, state.Setup, Conditions{}, state.Ready, []indicator.Signal{indicator.OK}, nil},
		{"ok in ready closes fets", 0x00, state.Ready, Conditions{}, state.Ready, []indicator.Signal{indicator.OK}, []bq76930.Switches{bq76930.FETOn}},
		{"ok while charging", 0x00, state.Charge, Conditions{Charging: true}, state.Charge, []indicator.Signal{indicator.OK}, nil},
		{"ok while balancing", 0x00, state.Balancing, Conditions{Balancing: true}, state.Balancing, []indicator.Signal{indicator.OK}, nil},
		{"ok after balancing ends", 0x00, state.Balancing, Conditions{}, state.Ready, []indicator.Signal{indicator.OK}, nil},
		{"cc ready is masked", 0x80, state.Setup, Conditions{}, state.Ready, []indicator.Signal{indicator.OK}, nil},
		{"ocd", 0x01, state.Ready, Conditions{}, state.Overcurrent, []indicator.Signal{indicator.Overcurrent}, nil},
		{"scd", 0x02, state.Ready, Conditions{}, state.ShortCircuit, []indicator.Signal{indicator.Overcurrent}, nil},
		{"ov and scd", 0x06, state.Ready, Conditions{}, state.Overcurrent, []indicator.Signal{indicator.Overvoltage, indicator.Overcurrent}, nil},
		{"uv", 0x08, state.Ready, Conditions{}, state.Undervoltage, []indicator.Signal{indicator.Undervoltage}, nil},
		{"uv and ov", 0x0C, state.Ready, Conditions{}, state.Undervoltage, []indicator.Signal{indicator.Overvoltage, indicator.Undervoltage}, nil},
		{"alert override", 0x10, state.Ready, Conditions{}, state.Ready, []indicator.Signal{indicator.Undertemperature}, nil},
		{"alert override and ov", 0x14, state.Ready, Conditions{}, state.Ready, []indicator.Signal{indicator.Overvoltage, indicator.Undertemperature}, nil},
		{"afe fault", 0x20, state.Ready, Conditions{}, state.AfeFault, []indicator.Signal{indicator.Error}, nil},
		{"unclassified", 0x40, state.Ready, Conditions{}, state.Ready, nil, nil},
		{"uv while charging", 0x08, state.Charge, Conditions{Charging: true}, state.Undervoltage, []indicator.Signal{indicator.Undervoltage}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			afe := &fakeAFE{status: tt.status}
			sm := machineAt(tt.start)
			ind := &indicator.Memory{}
			d := New(afe, sm, ind)

			out, err := d.Decode(tt.cond)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if sm.Current() != tt.want {
				t.Errorf("state = %v, want %v", sm.Current(), tt.want)
			}
			if got := raised(ind); !reflect.DeepEqual(got, tt.signals) {
				t.Errorf("indicators = %v, want %v", got, tt.signals)
			}
			if !reflect.DeepEqual(afe.switches, tt.switches) {
				t.Errorf("switch writes = %v, want %v", afe.switches, tt.switches)
			}
			if !reflect.DeepEqual(afe.cleared, []bq76930.Status{tt.status}) {
				t.Errorf("status written back = %v, want [%v]", afe.cleared, tt.status)
			}
			if out.Status != tt.status || out.CommFailure {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestOvervoltageTolerance(t *testing.T) {
	afe := &fakeAFE{status: bq76930.StatusOV}
	sm := machineAt(state.Ready)
	d := New(afe, sm, &indicator.Memory{})

	for i := 1; i <= 2; i++ {
		if _, err := d.Decode(Conditions{}); err != nil {
			t.Fatal(err)
		}
		if sm.Current() != state.Ready {
			t.Fatalf("poll %d: state = %v, want ready", i, sm.Current())
		}
		if d.OVCount() != i {
			t.Errorf("poll %d: OV count = %d", i, d.OVCount())
		}
	}
	if len(afe.switches) != 0 {
		t.Fatalf("switches touched inside tolerance: %v", afe.switches)
	}

	out, err := d.Decode(Conditions{})
	if err != nil {
		t.Fatal(err)
	}
	if sm.Current() != state.Overvoltage || !out.Transition {
		t.Errorf("state = %v, outcome %+v; want overvoltage", sm.Current(), out)
	}
	if !reflect.DeepEqual(afe.switches, []bq76930.Switches{bq76930.FETDisable}) {
		t.Errorf("switch writes = %v, want discharge opened", afe.switches)
	}

	// A repeat poll in the latched state is not a new transition.
	if _, err := d.Decode(Conditions{}); err != nil {
		t.Fatalf("repeat poll: %v", err)
	}
	if sm.Current() != state.Overvoltage {
		t.Errorf("state = %v after repeat poll", sm.Current())
	}

	d.Reset()
	if d.OVCount() != 0 {
		t.Error("Reset kept OV count")
	}
}

func TestDecodeOKIsIdempotent(t *testing.T) {
	afe := &fakeAFE{}
	sm := machineAt(state.Ready)
	ind := &indicator.Memory{}
	d := New(afe, sm, ind)

	first, err := d.Decode(Conditions{})
	if err != nil {
		t.Fatal(err)
	}
	levels := ind.Levels()
	second, err := d.Decode(Conditions{})
	if err != nil {
		t.Fatal(err)
	}
	if first != second || ind.Levels() != levels || sm.Current() != state.Ready {
		t.Errorf("second decode changed things: %+v vs %+v, state %v", first, second, sm.Current())
	}
}

func TestLatchedFaultIsNotCleared(t *testing.T) {
	afe := &fakeAFE{}
	sm := machineAt(state.Undervoltage)
	d := New(afe, sm, &indicator.Memory{})
	if _, err := d.Decode(Conditions{}); err != nil {
		t.Fatal(err)
	}
	if sm.Current() != state.Undervoltage {
		t.Errorf("state = %v, fault cleared by an ok status", sm.Current())
	}
}

func TestCommunicationFailure(t *testing.T) {
	afe := &fakeAFE{status: bq76930.StatusOV, comm: true}
	sm := machineAt(state.Ready)
	ind := &indicator.Memory{}
	d := New(afe, sm, ind)

	out, err := d.Decode(Conditions{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.CommFailure || sm.Current() != state.CommunicationFailure {
		t.Errorf("outcome %+v, state %v", out, sm.Current())
	}
	if afe.reads != 0 || len(afe.cleared) != 0 {
		t.Error("status register touched despite comm failure")
	}
	for s, on := range ind.Levels() {
		if !on {
			t.Errorf("%v not raised", indicator.Signal(s))
		}
	}
}

func TestLatchedFaultIsKept(t *testing.T) {
	tests := []struct {
		name    string
		latched state.State
		afe     *fakeAFE
		signal  indicator.Signal
	}{
		{"uv over latched oc", state.Overcurrent, &fakeAFE{status: bq76930.StatusUV}, indicator.Undervoltage},
		{"afe fault over latched uv", state.Undervoltage, &fakeAFE{status: bq76930.StatusDeviceXReady}, indicator.Error},
		{"comm loss over latched ov", state.Overvoltage, &fakeAFE{comm: true}, indicator.OK},
		{"ocd over illegal transition", state.IllegalTransition, &fakeAFE{status: bq76930.StatusOCD}, indicator.Overcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := machineAt(tt.latched)
			ind := &indicator.Memory{}
			d := New(tt.afe, sm, ind)

			out, err := d.Decode(Conditions{})
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if sm.Current() != tt.latched {
				t.Errorf("state = %v, want %v kept", sm.Current(), tt.latched)
			}
			if out.Transition {
				t.Errorf("outcome %+v reports a transition", out)
			}
			if !ind.Levels()[tt.signal] {
				t.Errorf("%v not raised", tt.signal)
			}
		})
	}
}

func TestReadErrorEscalates(t *testing.T) {
	nack := errors.New("nack")
	afe := &fakeAFE{readErr: nack}
	sm := machineAt(state.Ready)
	d := New(afe, sm, &indicator.Memory{})

	out, err := d.Decode(Conditions{})
	if !errors.Is(err, nack) {
		t.Errorf("err = %v, want nack", err)
	}
	if !out.CommFailure || sm.Current() != state.CommunicationFailure {
		t.Errorf("outcome %+v, state %v", out, sm.Current())
	}
}

func TestBalancingKeepsItsSignal(t *testing.T) {
	afe := &fakeAFE{}
	sm := machineAt(state.Balancing)
	ind := &indicator.Memory{}
	ind.Set(indicator.Undervoltage)
	ind.Set(indicator.Undertemperature)
	d := New(afe, sm, ind)

	if _, err := d.Decode(Conditions{Balancing: true}); err != nil {
		t.Fatal(err)
	}
	lv := ind.Levels()
	if !lv[indicator.Undervoltage] || !lv[indicator.Undertemperature] {
		t.Error("balancing signal cleared by decode")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		s    bq76930.Status
		want string
	}{
		{0x80, "ok"},
		{0x04, "cell overvoltage"},
		{0x84, "cell overvoltage"},
		{0x41, "unclassified 0x41"},
	}
	for _, tt := range tests {
		if got := Describe(tt.s); got != tt.want {
			t.Errorf("Describe(0x%02X) = %q, want %q", uint8(tt.s), got, tt.want)
		}
	}
}
