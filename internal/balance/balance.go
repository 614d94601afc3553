// Package balance chooses which cells bleed charge and decides when the
// pack has converged.
package balance

import (
	"lvbms/internal/bmsconf"
	"lvbms/internal/indicator"
	"lvbms/internal/pack"
)

// Writer programs the AFE balancing registers.
type Writer interface {
	SetBalancing(cells ...int) error
	DisableBalancing() error
}

type Selector struct {
	w   Writer
	ind indicator.Outputs

	maxCells int
	stop     uint16 // mV

	enabled bool
	cells   []int
}

func New(w Writer, ind indicator.Outputs) *Selector {
	return &Selector{
		w:        w,
		ind:      ind,
		maxCells: bmsconf.MaxBalancingCells,
		stop:     bmsconf.BalancingStopMilli,
	}
}

func (s *Selector) Enabled() bool { return s.enabled }

// Cells returns the cells selected by the last activation.
func (s *Selector) Cells() []int {
	return append([]int(nil), s.cells...)
}

// Start enables balancing and raises the balancing signal (UT and UV).
// Cells are only chosen on the next Activate.
func (s *Selector) Start() {
	s.enabled = true
	s.ind.Set(indicator.Undertemperature)
	s.ind.Set(indicator.Undervoltage)
}

// Stop clears both balancing registers, the selection and the balancing
// signal. State is cleared even when the register write fails.
func (s *Selector) Stop() error {
	err := s.w.DisableBalancing()
	s.enabled = false
	s.cells = nil
	s.ind.Clear(indicator.Undertemperature)
	s.ind.Clear(indicator.Undervoltage)
	return err
}

// Activate recomputes the balancing set from the given voltages and
// writes it to the AFE. It does nothing while balancing is disabled.
func (s *Selector) Activate(cells []uint16) ([]int, error) {
	if !s.enabled {
		return nil, nil
	}
	s.cells = Select(cells, s.maxCells)
	return s.Cells(), s.w.SetBalancing(s.cells...)
}

// Deactivate stops balancing once every cell is within the stop window of
// the lowest cell. It reports whether balancing was stopped.
func (s *Selector) Deactivate(cells []uint16) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	if !Converged(cells, s.stop) {
		return false, nil
	}
	return true, s.Stop()
}

// Converged reports whether every cell is less than window mV above the
// lowest one.
func Converged(cells []uint16, window uint16) bool {
	lo, _, _ := pack.Stats(cells)
	for _, v := range cells {
		if v-lo >= window {
			return false
		}
	}
	return true
}

// Select walks the cells in index order and picks up to maxCells that sit
// above the pack minimum, skipping any cell that shares a balancing path
// with one already picked.
func Select(cells []uint16, maxCells int) []int {
	lo, _, _ := pack.Stats(cells)
	var set []int
	for i, v := range cells {
		if len(set) >= maxCells {
			break
		}
		if v <= lo || contains(set, i) || adjacent(set, i) {
			continue
		}
		set = append(set, i)
	}
	return set
}

func contains(set []int, cell int) bool {
	for _, c := range set {
		if c == cell {
			return true
		}
	}
	return false
}

func adjacent(set []int, cell int) bool {
	for _, p := range bmsconf.ForbiddenPairs {
		var other int
		switch cell {
		case p[0]:
			other = p[1]
		case p[1]:
			other = p[0]
		default:
			continue
		}
		if contains(set, other) {
			return true
		}
	}
	return false
}
