package telemetry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// Serial writes one diagnostic line per snapshot.
type Serial struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// OpenSerial opens a UART at baud 8N1.
func OpenSerial(path string, baud int) (*Serial, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: serial %s: %w", path, err)
	}
	return NewSerial(port), nil
}

func NewSerial(w io.WriteCloser) *Serial {
	return &Serial{w: w}
}

func (s *Serial) Publish(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, Line(snap))
	return err
}

func (s *Serial) Close() error { return s.w.Close() }

// Line renders a snapshot as a single CRLF-terminated text line.
func Line(snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "BMS %s pack=%dmV cells=", snap.State, snap.Pack)
	for i, v := range snap.Cells {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	fmt.Fprintf(&b, " min=%d max=%d avg=%d soc=%d current=%dmA",
		snap.MinCell, snap.MaxCell, snap.AvgCell, snap.StateOfCharge, snap.Current)
	if len(snap.Temperatures) > 0 {
		b.WriteString(" temps=")
		for i, t := range snap.Temperatures {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(celsius(t))
		}
	}
	if snap.Balancing {
		fmt.Fprintf(&b, " bal=%v", snap.BalancingCells)
	}
	if snap.CommError {
		b.WriteString(" COMM")
	}
	b.WriteString("\r\n")
	return b.String()
}

// celsius formats m°C with one decimal, truncated.
func celsius(mc int32) string {
	sign := ""
	if mc < 0 {
		sign = "-"
		mc = -mc
	}
	return fmt.Sprintf("%s%d.%d", sign, mc/1000, mc%1000/100)
}
