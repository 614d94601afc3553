// Package thermal classifies pack temperatures and counts out-of-range
// readings per sensor before declaring a fault.
package thermal

import "lvbms/internal/bmsconf"

type Level uint8

const (
	Normal Level = iota
	High
	Low
	Hot  // past the maximum and out of tolerance
	Cold // below the minimum and out of tolerance
)

func (l Level) String() string {
	switch l {
	case High:
		return "high"
	case Low:
		return "low"
	case Hot:
		return "hot"
	case Cold:
		return "cold"
	}
	return "normal"
}

// Limits are in milli-degrees Celsius.
type Limits struct {
	Max, High, Low, Min int32
}

func DefaultLimits(charging bool) Limits {
	if charging {
		return Limits{Max: bmsconf.MaxChargeTemp, High: bmsconf.HighChargeTemp, Low: bmsconf.LowTemp, Min: bmsconf.MinTemp}
	}
	return Limits{Max: bmsconf.MaxTemp, High: bmsconf.HighTemp, Low: bmsconf.LowTemp, Min: bmsconf.MinTemp}
}

// Monitor counts readings at or beyond Max/Min. Counters only grow; a
// sensor that has used up its tolerance trips on every later excursion.
type Monitor struct {
	counts    [bmsconf.NumTempSensors]int
	tolerance int
}

func NewMonitor() *Monitor {
	return &Monitor{tolerance: bmsconf.MaxWrongTemp}
}

func (m *Monitor) Reset() { m.counts = [bmsconf.NumTempSensors]int{} }

// Check evaluates one reading per sensor and returns the worst level seen
// together with the sensor that produced it. Extra readings beyond the
// sensor count are ignored.
func (m *Monitor) Check(temps []int32, charging bool) (Level, int) {
	lim := DefaultLimits(charging)
	worst, at := Normal, -1
	for i, t := range temps {
		if i >= len(m.counts) {
			break
		}
		l := m.classify(i, t, lim)
		if rank(l) > rank(worst) {
			worst, at = l, i
		}
	}
	return worst, at
}

func (m *Monitor) classify(sensor int, t int32, lim Limits) Level {
	switch {
	case t >= lim.Max:
		if m.counts[sensor] < m.tolerance {
			m.counts[sensor]++
			return High
		}
		return Hot
	case t > lim.High:
		return High
	case t <= lim.Min:
		if m.counts[sensor] < m.tolerance {
			m.counts[sensor]++
			return Low
		}
		return Cold
	case t < lim.Low:
		return Low
	}
	return Normal
}

func rank(l Level) int {
	switch l {
	case High, Low:
		return 1
	case Hot, Cold:
		return 2
	}
	return 0
}
