// Package pack keeps the latest electrical picture of the cell stack.
package pack

import "lvbms/internal/bmsconf"

// Source is the subset of the AFE driver needed to refresh the model.
type Source interface {
	ReadCellVoltages(dst []uint16) error
	ReadPackVoltage() (uint32, error)
	ReadStateOfCharge() (int32, error)
}

type Model struct {
	Cells         [bmsconf.NumCells]uint16 // mV
	Pack          uint32                   // mV
	StateOfCharge int32
	Current       int32   // mA, negative while charging
	Temperatures  []int32 // m°C

	Min, Max, Avg uint16
}

// Acquire refreshes the voltages from src. Derived values are recomputed
// from whatever cells were read, so a failed read leaves them consistent
// with the cell array.
func (m *Model) Acquire(src Source) error {
	err := src.ReadCellVoltages(m.Cells[:])
	m.update()
	if err != nil {
		return err
	}
	if m.Pack, err = src.ReadPackVoltage(); err != nil {
		return err
	}
	m.StateOfCharge, err = src.ReadStateOfCharge()
	return err
}

// SetCells replaces the cell voltages and recomputes min, max and average.
func (m *Model) SetCells(cells [bmsconf.NumCells]uint16) {
	m.Cells = cells
	m.update()
}

func (m *Model) update() {
	m.Min, m.Max, m.Avg = Stats(m.Cells[:])
}

// Spread is the difference between the highest and lowest cell.
func (m *Model) Spread() uint16 { return m.Max - m.Min }

// Stats returns min, max and the truncated integer mean of v.
func Stats(v []uint16) (lo, hi, avg uint16) {
	if len(v) == 0 {
		return 0, 0, 0
	}
	lo, hi = v[0], v[0]
	var sum uint32
	for _, x := range v {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
		sum += uint32(x)
	}
	return lo, hi, uint16(sum / uint32(len(v)))
}
