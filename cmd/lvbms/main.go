package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"lvbms/internal/bq76930"
	"lvbms/internal/config"
	"lvbms/internal/indicator"
	"lvbms/internal/server"
	"lvbms/internal/supervisor"
	"lvbms/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/lvbms/config.yaml", "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("Starting lvbms...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	bus, err := i2creg.Open(cfg.I2C.Bus)
	if err != nil {
		log.Fatalf("failed to open I2C: %v", err)
	}
	defer bus.Close()

	afe := bq76930.New(bus, bq76930.Config{
		Address:         cfg.I2C.Address,
		SkipReadCRC:     cfg.AFE.SkipReadCRC,
		ReadCalibration: cfg.AFE.ReadCalibration,
	})

	ind, err := indicator.OpenPins(cfg.IndicatorPins())
	if err != nil {
		log.Fatalf("failed to open indicator pins: %v", err)
	}

	inputs := supervisor.GPIOInputs{
		Balance:  openInput("balance", cfg.Pins.Balance),
		SensePos: openInput("sense_pos", cfg.Pins.SensePos),
		SenseNeg: openInput("sense_neg", cfg.Pins.SenseNeg),
	}

	sup := supervisor.New(afe, ind, log.Default())
	if err := sup.Start(); err != nil {
		log.Printf("AFE start: %v", err)
	}
	gain, offset := afe.Calibration()
	log.Printf("Hardware Initialized: BQ76930 (Addr: 0x%X, gain %dµV, offset %dmV), state %v",
		cfg.I2C.Address, gain, offset, sup.State())

	srv := server.New(sup, log.Default())
	pub := telemetry.NewPublisher(log.Default(), srv)
	openSinks(cfg, pub)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	go func() {
		if err := srv.Run(ctx, cfg.Server.ListenAddr); err != nil {
			log.Printf("Server failed: %v", err)
			cancel()
		}
	}()

	runCfg := supervisor.RunConfig{
		Interval:       cfg.Interval(),
		TelemetryEvery: cfg.Telemetry.EveryCycles,
	}
	if err := sup.Run(ctx, runCfg, inputs.Read, pub); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Supervisor failed: %v", err)
	}
}

// openInput resolves a pulled-down input line. Unknown names are logged and
// treated as absent.
func openInput(role, name string) gpio.PinIn {
	if name == "" {
		return nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		log.Printf("%s pin %q not found", role, name)
		return nil
	}
	if err := p.In(gpio.PullDown, gpio.NoEdge); err != nil {
		log.Printf("%s pin %s: %v", role, name, err)
		return nil
	}
	return p
}

// openSinks adds every enabled telemetry sink. A sink that fails to open is
// logged and skipped.
func openSinks(cfg *config.Config, pub *telemetry.Publisher) {
	t := cfg.Telemetry
	if t.CAN.Enabled {
		c, err := telemetry.OpenCAN(t.CAN.Interface, t.CAN.BaseID)
		if err != nil {
			log.Printf("CAN %s: %v", t.CAN.Interface, err)
		} else {
			pub.Add(c)
		}
	}
	if t.Redis.Enabled {
		pub.Add(telemetry.DialRedis(t.Redis.Addr, t.Redis.Password, t.Redis.DB, t.Redis.Key, t.Redis.Channel))
	}
	if t.Serial.Enabled {
		s, err := telemetry.OpenSerial(t.Serial.PortPath, t.Serial.BaudRate)
		if err != nil {
			log.Printf("serial %s: %v", t.Serial.PortPath, err)
		} else {
			pub.Add(s)
		}
	}
	log.Printf("Telemetry: %d sinks", pub.Len())
}
