package balance

import (
	"errors"
	"reflect"
	"testing"

	"lvbms/internal/bmsconf"
	"lvbms/internal/indicator"
)

type fakeWriter struct {
	sets     [][]int
	disabled int
	err      error
}

func (f *fakeWriter) SetBalancing(cells ...int) error {
	f.sets = append(f.sets, append([]int(nil), cells...))
	return f.err
}

func (f *fakeWriter) DisableBalancing() error {
	f.disabled++
	return f.err
}

var (
	spread    = []uint16{3300, 3305, 3310, 3298, 3320, 3302, 3299}
	converged = []uint16{3300, 3305, 3298, 3307, 3301, 3299, 3298}
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name  string
		cells []uint16
		want  []int
	}{
		{"spread pack", spread, []int{0, 2, 4}},
		{"all equal", []uint16{3300, 3300, 3300, 3300, 3300, 3300, 3300}, nil},
		{"only pair 4/5 high", []uint16{3300, 3300, 3300, 3300, 3350, 3350, 3300}, []int{4}},
		{"top cells", []uint16{3290, 3290, 3290, 3310, 3290, 3310, 3310}, []int{3, 5, 6}},
		{"cells 0 and 2 share no path", []uint16{3300, 3290, 3300, 3290, 3290, 3290, 3290}, []int{0, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(tt.cells, bmsconf.MaxBalancingCells)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Every combination of three voltage levels across the seven cells.
func TestSelectInvariants(t *testing.T) {
	levels := []uint16{3290, 3300, 3310}
	cells := make([]uint16, bmsconf.NumCells)
	total := 1
	for range cells {
		total *= len(levels)
	}
	for n := 0; n < total; n++ {
		k := n
		lo := uint16(0xFFFF)
		for i := range cells {
			cells[i] = levels[k%len(levels)]
			k /= len(levels)
			if cells[i] < lo {
				lo = cells[i]
			}
		}
		set := Select(cells, bmsconf.MaxBalancingCells)
		if len(set) > bmsconf.MaxBalancingCells {
			t.Fatalf("%v: %d cells selected", cells, len(set))
		}
		seen := map[int]bool{}
		for _, c := range set {
			if seen[c] {
				t.Fatalf("%v: cell %d selected twice", cells, c)
			}
			seen[c] = true
			if cells[c] <= lo {
				t.Fatalf("%v: cell %d at pack minimum selected", cells, c)
			}
		}
		for _, p := range bmsconf.ForbiddenPairs {
			if seen[p[0]] && seen[p[1]] {
				t.Fatalf("%v: forbidden pair %v both selected", cells, p)
			}
		}
	}
}

func TestActivateRequiresStart(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, &indicator.Memory{})
	got, err := s.Activate(spread)
	if err != nil || got != nil || len(w.sets) != 0 {
		t.Fatalf("Activate while disabled = %v, %v; writes %v", got, err, w.sets)
	}
}

func TestActivateRecomputesFromScratch(t *testing.T) {
	w := &fakeWriter{}
	ind := &indicator.Memory{}
	s := New(w, ind)
	s.Start()

	lv := ind.Levels()
	if !lv[indicator.Undertemperature] || !lv[indicator.Undervoltage] {
		t.Error("balancing signal not raised on Start")
	}

	if _, err := s.Activate(spread); err != nil {
		t.Fatal(err)
	}
	next := []uint16{3298, 3305, 3298, 3298, 3298, 3298, 3310}
	got, err := s.Activate(next)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{1, 6}) {
		t.Errorf("second activation = %v, want [1 6]", got)
	}
	if !reflect.DeepEqual(w.sets, [][]int{{0, 2, 4}, {1, 6}}) {
		t.Errorf("register writes = %v", w.sets)
	}
}

func TestDeactivate(t *testing.T) {
	tests := []struct {
		name    string
		cells   []uint16
		stopped bool
	}{
		{"spread continues", spread, false},
		{"within window stops", converged, true},
		{"all equal stops", []uint16{3300, 3300, 3300, 3300, 3300, 3300, 3300}, true},
		{"exactly at window continues", []uint16{3300, 3310, 3300, 3300, 3300, 3300, 3300}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			ind := &indicator.Memory{}
			s := New(w, ind)
			s.Start()
			if _, err := s.Activate(spread); err != nil {
				t.Fatal(err)
			}

			stopped, err := s.Deactivate(tt.cells)
			if err != nil {
				t.Fatal(err)
			}
			if stopped != tt.stopped {
				t.Fatalf("stopped = %v, want %v", stopped, tt.stopped)
			}
			if !stopped {
				if !s.Enabled() || len(s.Cells()) == 0 || w.disabled != 0 {
					t.Error("balancing disturbed before convergence")
				}
				return
			}
			if s.Enabled() || len(s.Cells()) != 0 || w.disabled != 1 {
				t.Errorf("enabled=%v cells=%v disables=%d after convergence", s.Enabled(), s.Cells(), w.disabled)
			}
			lv := ind.Levels()
			if lv[indicator.Undertemperature] || lv[indicator.Undervoltage] {
				t.Error("balancing signal still raised")
			}
		})
	}
}

func TestDeactivateWhileDisabled(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, &indicator.Memory{})
	if stopped, _ := s.Deactivate(converged); stopped || w.disabled != 0 {
		t.Error("Deactivate acted while balancing was disabled")
	}
}

func TestStopClearsStateOnWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("nack")}
	s := New(w, &indicator.Memory{})
	s.Start()
	if err := s.Stop(); err == nil {
		t.Fatal("write error swallowed")
	}
	if s.Enabled() {
		t.Error("still enabled after Stop")
	}
}
