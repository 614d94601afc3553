package bq76930

const (
	Addr = 0x08

	// CRC key and seed used on every frame.
	CRCKey  = 0x07
	CRCSeed = 0x00

	NumCells = 7

	// Factory defaults when the calibration registers are not read back.
	DefaultGain   = 377 // µV per LSB
	DefaultOffset = 48  // mV

	// Coulomb counter resolution in nV per LSB.
	CCLSB = 8440
)

type Register uint8

const (
	SysStat   Register = 0x00
	CellBal1  Register = 0x01
	CellBal2  Register = 0x02
	SysCtrl1  Register = 0x04
	SysCtrl2  Register = 0x05
	Protect1  Register = 0x06
	Protect2  Register = 0x07
	Protect3  Register = 0x08
	OVTrip    Register = 0x09
	UVTrip    Register = 0x0A
	CCCfg     Register = 0x0B
	VC1Hi     Register = 0x0C
	VC1Lo     Register = 0x0D
	VC2Hi     Register = 0x0E
	VC2Lo     Register = 0x0F
	VC3Hi     Register = 0x10
	VC3Lo     Register = 0x11
	VC4Hi     Register = 0x12
	VC4Lo     Register = 0x13
	VC5Hi     Register = 0x14
	VC5Lo     Register = 0x15
	VC6Hi     Register = 0x16
	VC6Lo     Register = 0x17
	VC7Hi     Register = 0x18
	VC7Lo     Register = 0x19
	VC8Hi     Register = 0x1A
	VC8Lo     Register = 0x1B
	VC9Hi     Register = 0x1C
	VC9Lo     Register = 0x1D
	VC10Hi    Register = 0x1E
	VC10Lo    Register = 0x1F
	BatHi     Register = 0x2A
	BatLo     Register = 0x2B
	CCHi      Register = 0x32
	CCLo      Register = 0x33
	ADCGain1  Register = 0x50
	ADCOffset Register = 0x51
	ADCGain2  Register = 0x59
)

// Register values written during Init.
const (
	OVThresh  = 0xB1 // 4.20 V
	UVThresh  = 0xF0 // 3.05 V
	VoltDelay = 0x00
	OCDVal    = 0x5B
	SCDVal    = 0x23
	ADCEnable = 0x10
	CCCfgVal  = 0x19
	BalOff    = 0x00
)

// Switches is the value written to SYS_CTRL2 to drive the charge and
// discharge FETs.
type Switches uint8

const (
	FETDisable Switches = 0x20
	CHGOn      Switches = 0x21
	DSGOn      Switches = 0x22
	FETOn      Switches = 0x23
)

func (s Switches) String() string {
	switch s {
	case FETDisable:
		return "off"
	case CHGOn:
		return "chg"
	case DSGOn:
		return "dsg"
	case FETOn:
		return "chg+dsg"
	}
	return "unknown"
}

// Status mirrors SYS_STAT.
type Status uint8

const (
	StatusOCD          Status = 1 << 0
	StatusSCD          Status = 1 << 1
	StatusOV           Status = 1 << 2
	StatusUV           Status = 1 << 3
	StatusOVRDAlert    Status = 1 << 4
	StatusDeviceXReady Status = 1 << 5
	StatusCCReady      Status = 1 << 7

	faultMask Status = 0x7F
)

func (s Status) Has(f Status) bool { return s&f != 0 }

// Fault drops the coulomb-counter ready bit.
func (s Status) Fault() Status { return s & faultMask }

// Cells 0..6 are wired to VC1, VC2, VC3, VC5, VC6, VC7 and VC10.
var cellRegisters = [NumCells][2]Register{
	{VC1Hi, VC1Lo},
	{VC2Hi, VC2Lo},
	{VC3Hi, VC3Lo},
	{VC5Hi, VC5Lo},
	{VC6Hi, VC6Lo},
	{VC7Hi, VC7Lo},
	{VC10Hi, VC10Lo},
}

// Balancing bit for each logical cell. Cells below 4 live in CELLBAL1.
var balanceBits = [NumCells]struct {
	reg Register
	bit uint8
}{
	{CellBal1, 0},
	{CellBal1, 1},
	{CellBal1, 2},
	{CellBal1, 4},
	{CellBal2, 0},
	{CellBal2, 1},
	{CellBal2, 4},
}

// CellRegisters returns the high and low voltage registers of a cell.
func CellRegisters(cell int) (hi, lo Register, ok bool) {
	if cell < 0 || cell >= NumCells {
		return 0, 0, false
	}
	return cellRegisters[cell][0], cellRegisters[cell][1], true
}

// BalanceBit returns the register and bit that bleed a cell.
func BalanceBit(cell int) (Register, uint8, bool) {
	if cell < 0 || cell >= NumCells {
		return 0, 0, false
	}
	b := balanceBits[cell]
	return b.reg, b.bit, true
}
