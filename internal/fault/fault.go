// Package fault turns the AFE status register into indicator lines and
// state machine requests.
package fault

import (
	"fmt"

	"go.uber.org/multierr"

	"lvbms/internal/bmsconf"
	"lvbms/internal/bq76930"
	"lvbms/internal/indicator"
	"lvbms/internal/state"
)

// AFE is the part of the driver the decoder talks to.
type AFE interface {
	CommError() bool
	ReadStatus() (bq76930.Status, error)
	ClearStatus(bq76930.Status) error
	SetSwitches(bq76930.Switches) error
}

// Conditions are the activities that suppress the return to Ready.
type Conditions struct {
	Charging  bool
	Balancing bool
}

// Outcome describes one decode.
type Outcome struct {
	Status      bq76930.Status // as read, before masking
	Requested   state.State
	Transition  bool // a state change was requested
	CommFailure bool
}

// Status codes after masking, as listed in the decision table.
const (
	codeOK       = 0
	codeOCD      = bq76930.StatusOCD
	codeSCD      = bq76930.StatusSCD
	codeOV       = bq76930.StatusOV
	codeOVSCD    = bq76930.StatusOV | bq76930.StatusSCD
	codeUV       = bq76930.StatusUV
	codeUVOV     = bq76930.StatusUV | bq76930.StatusOV
	codeAlert    = bq76930.StatusOVRDAlert
	codeAlertOV  = bq76930.StatusOVRDAlert | bq76930.StatusOV
	codeAFEFault = bq76930.StatusDeviceXReady
)

var descriptions = map[bq76930.Status]string{
	codeOK:       "ok",
	codeOCD:      "discharge overcurrent",
	codeSCD:      "discharge short circuit",
	codeOV:       "cell overvoltage",
	codeOVSCD:    "overvoltage and short circuit",
	codeUV:       "cell undervoltage",
	codeUVOV:     "undervoltage and overvoltage",
	codeAlert:    "alert pin override",
	codeAlertOV:  "alert pin override and overvoltage",
	codeAFEFault: "afe internal fault",
}

// Describe names a status value for logs.
func Describe(s bq76930.Status) string {
	if d, ok := descriptions[s.Fault()]; ok {
		return d
	}
	return fmt.Sprintf("unclassified 0x%02X", uint8(s.Fault()))
}

type Decoder struct {
	afe AFE
	sm  *state.Machine
	ind indicator.Outputs

	ovCount     int
	ovTolerance int
}

func New(afe AFE, sm *state.Machine, ind indicator.Outputs) *Decoder {
	return &Decoder{
		afe:         afe,
		sm:          sm,
		ind:         ind,
		ovTolerance: bmsconf.MaxOVCount,
	}
}

// Reset forgets the overvoltage history.
func (d *Decoder) Reset() { d.ovCount = 0 }

// OVCount is the number of tolerated overvoltage polls so far.
func (d *Decoder) OVCount() int { return d.ovCount }

// Decode reads SYS_STAT, acts on it and writes it back. A communication
// failure on the driver takes precedence over the register contents.
func (d *Decoder) Decode(c Conditions) (Outcome, error) {
	d.ind.Clear(indicator.OK)
	d.ind.Clear(indicator.Error)
	d.ind.Clear(indicator.Overvoltage)
	d.ind.Clear(indicator.Overtemperature)
	d.ind.Clear(indicator.Overcurrent)
	if !c.Balancing {
		d.ind.Clear(indicator.Undervoltage)
		d.ind.Clear(indicator.Undertemperature)
	}

	var out Outcome
	if d.afe.CommError() {
		return d.commFailure(out, nil)
	}
	raw, err := d.afe.ReadStatus()
	if err != nil {
		return d.commFailure(out, err)
	}
	out.Status = raw

	switch raw.Fault() {
	case codeOK:
		d.ind.Set(indicator.OK)
		cur := d.sm.Current()
		if cur == state.Ready {
			err = multierr.Append(err, d.afe.SetSwitches(bq76930.FETOn))
		}
		if !c.Charging && !c.Balancing && cur != state.Ready && cur != state.Sleep && !cur.IsFault() {
			err = multierr.Append(err, d.request(&out, state.Ready))
		}

	case codeOCD:
		d.ind.Set(indicator.Overcurrent)
		err = d.request(&out, state.Overcurrent)

	case codeSCD:
		d.ind.Set(indicator.Overcurrent)
		err = d.request(&out, state.ShortCircuit)

	case codeOV:
		d.ind.Set(indicator.Overvoltage)
		if d.ovCount < d.ovTolerance {
			d.ovCount++
			break
		}
		// The AFE does not open the discharge path on OV by itself.
		err = multierr.Append(err, d.afe.SetSwitches(bq76930.FETDisable))
		err = multierr.Append(err, d.request(&out, state.Overvoltage))

	case codeOVSCD:
		d.ind.Set(indicator.Overvoltage)
		d.ind.Set(indicator.Overcurrent)
		err = d.request(&out, state.Overcurrent)

	case codeUV:
		d.ind.Set(indicator.Undervoltage)
		err = d.request(&out, state.Undervoltage)

	case codeUVOV:
		d.ind.Set(indicator.Overvoltage)
		d.ind.Set(indicator.Undervoltage)
		err = d.request(&out, state.Undervoltage)

	case codeAlert:
		d.ind.Set(indicator.Undertemperature)

	case codeAlertOV:
		d.ind.Set(indicator.Undertemperature)
		d.ind.Set(indicator.Overvoltage)

	case codeAFEFault:
		d.ind.Set(indicator.Error)
		err = d.request(&out, state.AfeFault)
	}

	err = multierr.Append(err, d.afe.ClearStatus(raw))
	return out, err
}

func (d *Decoder) commFailure(out Outcome, cause error) (Outcome, error) {
	out.CommFailure = true
	err := multierr.Append(cause, d.request(&out, state.CommunicationFailure))
	indicator.SetAll(d.ind)
	return out, err
}

// request asks for s unless the machine is already there. While a fault
// is latched, further faults, a lost bus included, are reported in the
// outcome and on the indicators but do not replace it.
func (d *Decoder) request(out *Outcome, s state.State) error {
	out.Requested = s
	cur := d.sm.Current()
	if cur == s || (cur.IsFault() && s.IsFault()) {
		return nil
	}
	out.Transition = true
	return d.sm.Request(s)
}
