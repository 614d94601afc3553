package supervisor

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"

	"lvbms/internal/bmsconf"
	"lvbms/internal/telemetry"
)

// Publisher receives a snapshot every few cycles.
type Publisher interface {
	Publish(ctx context.Context, snap telemetry.Snapshot) error
}

type RunConfig struct {
	Interval       time.Duration // zero selects bmsconf.CycleTime
	TelemetryEvery int           // cycles between snapshots; zero selects bmsconf.TelemetryEvery
}

// Run cycles until ctx is cancelled. Errors are logged once per distinct
// message so a persistent fault does not flood the log.
func (s *Supervisor) Run(ctx context.Context, cfg RunConfig, read func() Inputs, pub Publisher) error {
	if cfg.Interval <= 0 {
		cfg.Interval = bmsconf.CycleTime
	}
	if cfg.TelemetryEvery <= 0 {
		cfg.TelemetryEvery = bmsconf.TelemetryEvery
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var lastErr string
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.Cycle(read()); err != nil {
			if msg := err.Error(); msg != lastErr {
				s.log.Printf("[supervisor] cycle: %v", err)
				lastErr = msg
			}
		} else {
			lastErr = ""
		}

		n++
		if pub == nil || n < cfg.TelemetryEvery {
			continue
		}
		n = 0
		if err := pub.Publish(ctx, s.Snapshot()); err != nil {
			s.log.Printf("[telemetry] publish: %v", err)
		}
	}
}

// GPIOInputs samples the balance button and the pack sense lines. A nil
// sense pin counts as connected; a nil button is never pressed.
type GPIOInputs struct {
	Balance  gpio.PinIn
	SensePos gpio.PinIn
	SenseNeg gpio.PinIn
}

func (g GPIOInputs) Read() Inputs {
	in := Inputs{PackConnected: g.SensePos == nil && g.SenseNeg == nil}
	if g.Balance != nil {
		in.BalanceRequest = g.Balance.Read() == gpio.High
	}
	if g.SensePos != nil && g.SensePos.Read() == gpio.High {
		in.PackConnected = true
	}
	if g.SenseNeg != nil && g.SenseNeg.Read() == gpio.High {
		in.PackConnected = true
	}
	return in
}
