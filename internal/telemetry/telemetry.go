// Package telemetry carries controller snapshots to the outside world.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.uber.org/multierr"
)

type Snapshot struct {
	Time      time.Time `json:"time"`
	State     string    `json:"state"`
	StateCode uint8     `json:"state_code"`
	Since     time.Time `json:"state_since"`

	Cells         []uint16 `json:"cells_mv"`
	MinCell       uint16   `json:"min_cell_mv"`
	MaxCell       uint16   `json:"max_cell_mv"`
	AvgCell       uint16   `json:"avg_cell_mv"`
	Pack          uint32   `json:"pack_mv"`
	StateOfCharge int32    `json:"state_of_charge"`
	Current       int32    `json:"current_ma"`
	Temperatures  []int32  `json:"temperatures_mc"`

	Charging       bool            `json:"charging"`
	Balancing      bool            `json:"balancing"`
	BalancingCells []int           `json:"balancing_cells"`
	CommError      bool            `json:"comm_error"`
	Indicators     map[string]bool `json:"indicators"`
}

// Sink is one telemetry destination.
type Sink interface {
	Publish(ctx context.Context, snap Snapshot) error
	Close() error
}

// Publisher fans a snapshot out to every sink. A failing sink does not
// stop the others.
type Publisher struct {
	sinks []Sink
	log   *log.Logger
}

func NewPublisher(logger *log.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{sinks: sinks, log: logger}
}

func (p *Publisher) Add(s Sink) { p.sinks = append(p.sinks, s) }

func (p *Publisher) Len() int { return len(p.sinks) }

func (p *Publisher) Publish(ctx context.Context, snap Snapshot) error {
	var err error
	for _, s := range p.sinks {
		err = multierr.Append(err, s.Publish(ctx, snap))
	}
	return err
}

func (p *Publisher) Close() error {
	var err error
	for _, s := range p.sinks {
		err = multierr.Append(err, s.Close())
	}
	p.log.Printf("[telemetry] closed %d sinks", len(p.sinks))
	return err
}
