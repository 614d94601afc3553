package telemetry

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/brutella/can"
)

// Frame offsets from the configured base identifier.
const (
	FrameCells        = 0 // four frames, two cells each
	FramePack         = 4
	FrameState        = 5
	FrameTemperatures = 6
)

// FrameSender is satisfied by *can.Bus.
type FrameSender interface {
	Publish(can.Frame) error
}

// CAN publishes snapshots as fixed-layout big-endian frames.
type CAN struct {
	bus    FrameSender
	closer func() error
	base   uint32
}

// OpenCAN binds to a SocketCAN interface such as "can0".
func OpenCAN(iface string, base uint32) (*CAN, error) {
	bus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("telemetry: can %s: %w", iface, err)
	}
	go bus.ConnectAndPublish()
	return &CAN{bus: bus, closer: bus.Disconnect, base: base}, nil
}

func NewCAN(bus FrameSender, base uint32) *CAN {
	return &CAN{bus: bus, base: base}
}

func (c *CAN) Publish(_ context.Context, snap Snapshot) error {
	for _, f := range c.Frames(snap) {
		if err := c.bus.Publish(f); err != nil {
			return fmt.Errorf("telemetry: can 0x%X: %w", f.ID, err)
		}
	}
	return nil
}

func (c *CAN) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Frames encodes a snapshot:
//
//	base+0..3  cell index, two cell voltages (mV)
//	base+4     pack mV (u32), state of charge (i32)
//	base+5     current mA (i32), state code, flags, indicator bits
//	base+6     up to three temperatures in 0.1 °C (i16)
func (c *CAN) Frames(snap Snapshot) []can.Frame {
	var frames []can.Frame
	for i := 0; i < len(snap.Cells); i += 2 {
		f := can.Frame{ID: c.base + FrameCells + uint32(i/2), Length: 5}
		f.Data[0] = uint8(i)
		binary.BigEndian.PutUint16(f.Data[1:3], snap.Cells[i])
		if i+1 < len(snap.Cells) {
			binary.BigEndian.PutUint16(f.Data[3:5], snap.Cells[i+1])
		}
		frames = append(frames, f)
	}

	p := can.Frame{ID: c.base + FramePack, Length: 8}
	binary.BigEndian.PutUint32(p.Data[0:4], snap.Pack)
	binary.BigEndian.PutUint32(p.Data[4:8], uint32(snap.StateOfCharge))
	frames = append(frames, p)

	s := can.Frame{ID: c.base + FrameState, Length: 7}
	binary.BigEndian.PutUint32(s.Data[0:4], uint32(snap.Current))
	s.Data[4] = snap.StateCode
	s.Data[5] = flags(snap)
	s.Data[6] = indicatorBits(snap.Indicators)
	frames = append(frames, s)

	if n := len(snap.Temperatures); n > 0 {
		if n > 3 {
			n = 3
		}
		t := can.Frame{ID: c.base + FrameTemperatures, Length: uint8(2 * n)}
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(t.Data[2*i:], uint16(int16(snap.Temperatures[i]/100)))
		}
		frames = append(frames, t)
	}
	return frames
}

const (
	flagCharging = 1 << iota
	flagBalancing
	flagCommError
)

func flags(snap Snapshot) uint8 {
	var f uint8
	if snap.Charging {
		f |= flagCharging
	}
	if snap.Balancing {
		f |= flagBalancing
	}
	if snap.CommError {
		f |= flagCommError
	}
	return f
}

// IndicatorOrder fixes the bit position of each indicator on the bus.
var IndicatorOrder = []string{"ok", "error", "ov", "uv", "oc", "ot", "ut"}

func indicatorBits(ind map[string]bool) uint8 {
	var b uint8
	for i, name := range IndicatorOrder {
		if ind[name] {
			b |= 1 << i
		}
	}
	return b
}
