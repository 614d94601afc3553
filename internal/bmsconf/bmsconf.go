// Package bmsconf holds the compile-time policy of the low-voltage battery
// management system. Chip register values live in package bq76930.
package bmsconf

import "time"

const (
	NumCells           = 7
	MaxBalancingCells  = 3
	BalancingStopMilli = 10 // mV spread at which balancing ends

	// Consecutive OV status polls tolerated before the discharge path opens.
	MaxOVCount = 2

	// Temperatures in milli-degrees Celsius.
	MaxTemp        = 60000
	HighTemp       = 55000
	LowTemp        = 10000
	MinTemp        = 0
	MaxChargeTemp  = 45000
	HighChargeTemp = 40000
	MaxWrongTemp   = 3
	NumTempSensors = 3

	// Charging.
	VoltageSetpoint       = 29000 // mV
	ChargeEnableThreshold = 100   // mA
	ChargeStopThreshold   = -500  // mA
	ChargeCurrentOffset   = 1000  // mA
	ChargingDebounce      = 500   // cycles

	// Cycle counts.
	BalancingDebounce = 50
	BalancingTimeout  = 200
	DeepSleepTimeout  = 10000
	TelemetryEvery    = 20
	StatusRecheck     = 385

	CycleTime = 13 * time.Millisecond
)

// ForbiddenPairs lists cells that share a balancing path and must never
// bleed together.
var ForbiddenPairs = [...][2]int{
	{0, 1},
	{1, 2},
	{4, 5},
}
