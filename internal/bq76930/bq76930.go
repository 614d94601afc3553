// Package bq76930 drives the TI BQ76930 analog front end over I2C with the
// CRC-protected framing the part requires.
package bq76930

import (
	"errors"
	"fmt"

	"tinygo.org/x/drivers"

	"lvbms/internal/crc8"
)

var (
	ErrChecksum  = errors.New("bq76930: read checksum mismatch")
	ErrCellIndex = errors.New("bq76930: cell index out of range")
)

// TransportError records which register access failed.
type TransportError struct {
	Op  string
	Reg Register
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bq76930: %s 0x%02X: %v", e.Op, uint8(e.Reg), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	Address uint16 // 7-bit; zero selects Addr

	// SkipReadCRC accepts register reads without checking the trailing CRC.
	SkipReadCRC bool

	// ReadCalibration loads gain and offset from the ADCGAIN/ADCOFFSET
	// registers during Init instead of using the factory defaults.
	ReadCalibration bool
}

type BQ76930 struct {
	bus  drivers.I2C
	addr uint16
	cfg  Config

	gain   int64 // µV per LSB
	offset int64 // mV

	commErr bool

	w   [3]byte
	r   [2]byte
	crc [3]byte
}

func New(bus drivers.I2C, cfg Config) *BQ76930 {
	addr := cfg.Address
	if addr == 0 {
		addr = Addr
	}
	return &BQ76930{
		bus:    bus,
		addr:   addr,
		cfg:    cfg,
		gain:   DefaultGain,
		offset: DefaultOffset,
	}
}

// initSequence is written in order by Init.
var initSequence = [...]struct {
	reg Register
	val byte
}{
	{CCCfg, CCCfgVal},
	{SysCtrl1, ADCEnable},
	{OVTrip, OVThresh},
	{UVTrip, UVThresh},
	{Protect1, SCDVal},
	{Protect2, OCDVal},
	{Protect3, VoltDelay},
	{SysCtrl2, byte(FETDisable)},
	{CellBal1, BalOff},
	{CellBal2, BalOff},
}

func (b *BQ76930) Init() error {
	if b.cfg.ReadCalibration {
		if err := b.readCalibration(); err != nil {
			return err
		}
	}
	for _, w := range initSequence {
		if err := b.WriteRegister(w.reg, w.val); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the communication flag and reprograms the chip. It is the
// only way out of a communication failure.
func (b *BQ76930) Reset() error {
	b.commErr = false
	return b.Init()
}

// CommError reports whether any transfer has failed since the last Reset.
func (b *BQ76930) CommError() bool { return b.commErr }

func (b *BQ76930) Calibration() (gainMicroV, offsetMilliV int) {
	return int(b.gain), int(b.offset)
}

func (b *BQ76930) readCalibration() error {
	g1, err := b.ReadRegister(ADCGain1)
	if err != nil {
		return err
	}
	g2, err := b.ReadRegister(ADCGain2)
	if err != nil {
		return err
	}
	off, err := b.ReadRegister(ADCOffset)
	if err != nil {
		return err
	}
	// ADCGAIN<4:3> sit in ADCGAIN1[3:2], ADCGAIN<2:0> in ADCGAIN2[7:5].
	code := int64(g1&0x0C)<<1 | int64(g2&0xE0)>>5
	b.gain = 365 + code
	b.offset = int64(int8(off))
	return nil
}

// WriteRegister sends {reg, val, crc} where the CRC also covers the
// address byte.
func (b *BQ76930) WriteRegister(reg Register, val byte) error {
	b.crc[0] = byte(b.addr << 1)
	b.crc[1] = byte(reg)
	b.crc[2] = val

	b.w[0] = byte(reg)
	b.w[1] = val
	b.w[2] = crc8.Checksum(b.crc[:], CRCKey, CRCSeed)

	if err := b.bus.Tx(b.addr, b.w[:3], nil); err != nil {
		b.commErr = true
		return &TransportError{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

// ReadRegister reads {value, crc}. The CRC covers the read address byte
// and the value.
func (b *BQ76930) ReadRegister(reg Register) (byte, error) {
	b.w[0] = byte(reg)
	if err := b.bus.Tx(b.addr, b.w[:1], b.r[:2]); err != nil {
		b.commErr = true
		return 0, &TransportError{Op: "read", Reg: reg, Err: err}
	}
	if !b.cfg.SkipReadCRC {
		b.crc[0] = byte(b.addr<<1 | 1)
		b.crc[1] = b.r[0]
		if crc8.Checksum(b.crc[:2], CRCKey, CRCSeed) != b.r[1] {
			b.commErr = true
			return 0, &TransportError{Op: "read", Reg: reg, Err: ErrChecksum}
		}
	}
	return b.r[0], nil
}

func (b *BQ76930) readPair(hi, lo Register) (uint8, uint8, error) {
	h, err := b.ReadRegister(hi)
	if err != nil {
		return 0, 0, err
	}
	l, err := b.ReadRegister(lo)
	if err != nil {
		return 0, 0, err
	}
	return h, l, nil
}

// ReadPairedVoltage reads a 14-bit cell ADC pair and converts it to mV.
func (b *BQ76930) ReadPairedVoltage(hi, lo Register) (uint16, error) {
	h, l, err := b.readPair(hi, lo)
	if err != nil {
		return 0, err
	}
	return b.cellMilliVolts(h, l), nil
}

func (b *BQ76930) cellMilliVolts(hi, lo uint8) uint16 {
	adc := int64(hi&0x3F)<<8 | int64(lo)
	mv := adc*b.gain/1000 + b.offset
	if mv < 0 {
		return 0
	}
	return uint16(mv)
}

func (b *BQ76930) ReadCellVoltage(cell int) (uint16, error) {
	hi, lo, ok := CellRegisters(cell)
	if !ok {
		return 0, ErrCellIndex
	}
	return b.ReadPairedVoltage(hi, lo)
}

// ReadCellVoltages fills dst[0:NumCells]. A failed read leaves the
// remaining entries untouched.
func (b *BQ76930) ReadCellVoltages(dst []uint16) error {
	if len(dst) < NumCells {
		return ErrCellIndex
	}
	for i := 0; i < NumCells; i++ {
		v, err := b.ReadCellVoltage(i)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

// ReadPackVoltage returns the stack voltage in mV. BAT_HI/BAT_LO count in
// steps of four cell LSBs, and each cell contributes one offset.
func (b *BQ76930) ReadPackVoltage() (uint32, error) {
	h, l, err := b.readPair(BatHi, BatLo)
	if err != nil {
		return 0, err
	}
	adc := int64(h)<<8 | int64(l)
	mv := adc*4*b.gain/1000 + b.offset*NumCells
	if mv < 0 {
		return 0, nil
	}
	return uint32(mv), nil
}

// ReadStateOfCharge returns the signed coulomb counter reading in µV
// across the sense resistor.
func (b *BQ76930) ReadStateOfCharge() (int32, error) {
	h, l, err := b.readPair(CCHi, CCLo)
	if err != nil {
		return 0, err
	}
	raw := int16(uint16(h)<<8 | uint16(l))
	return int32(int64(raw) * CCLSB / 1000), nil
}

func (b *BQ76930) ReadStatus() (Status, error) {
	v, err := b.ReadRegister(SysStat)
	return Status(v), err
}

// ClearStatus writes the given bits back to SYS_STAT, which clears them.
func (b *BQ76930) ClearStatus(s Status) error {
	return b.WriteRegister(SysStat, byte(s))
}

func (b *BQ76930) SetSwitches(s Switches) error {
	return b.WriteRegister(SysCtrl2, byte(s))
}

// SetBalancing programs both balancing registers so that exactly the given
// cells bleed.
func (b *BQ76930) SetBalancing(cells ...int) error {
	var bal1, bal2 byte
	for _, c := range cells {
		reg, bit, ok := BalanceBit(c)
		if !ok {
			return ErrCellIndex
		}
		if reg == CellBal1 {
			bal1 |= 1 << bit
		} else {
			bal2 |= 1 << bit
		}
	}
	if err := b.WriteRegister(CellBal1, bal1); err != nil {
		return err
	}
	return b.WriteRegister(CellBal2, bal2)
}

func (b *BQ76930) DisableBalancing() error {
	if err := b.WriteRegister(CellBal1, BalOff); err != nil {
		return err
	}
	return b.WriteRegister(CellBal2, BalOff)
}
