// Package config loads the controller configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"lvbms/internal/bmsconf"
	"lvbms/internal/indicator"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds everything the daemon needs at startup.
type Config struct {
	I2C       I2CConfig       `yaml:"i2c" json:"i2c"`
	AFE       AFEConfig       `yaml:"afe" json:"afe"`
	Pins      PinConfig       `yaml:"pins" json:"pins"`
	Poll      PollConfig      `yaml:"poll" json:"poll"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	path string
}

type I2CConfig struct {
	Bus     string `yaml:"bus" json:"bus"`         // periph bus name, "" for the first one
	Address uint16 `yaml:"address" json:"address"` // 7-bit AFE address
}

type AFEConfig struct {
	SkipReadCRC     bool `yaml:"skip_read_crc" json:"skipReadCrc"`
	ReadCalibration bool `yaml:"read_calibration" json:"readCalibration"`
}

// PinConfig names GPIO lines as known to gpioreg. Empty names are unused.
type PinConfig struct {
	OK               string `yaml:"ok" json:"ok"`
	Error            string `yaml:"error" json:"error"`
	Overvoltage      string `yaml:"ov" json:"ov"`
	Undervoltage     string `yaml:"uv" json:"uv"`
	Overcurrent      string `yaml:"oc" json:"oc"`
	Overtemperature  string `yaml:"ot" json:"ot"`
	Undertemperature string `yaml:"ut" json:"ut"`

	Balance  string `yaml:"balance" json:"balance"`
	SensePos string `yaml:"sense_pos" json:"sensePos"`
	SenseNeg string `yaml:"sense_neg" json:"senseNeg"`
}

type PollConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"intervalMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type TelemetryConfig struct {
	EveryCycles int          `yaml:"every_cycles" json:"everyCycles"`
	CAN         CANConfig    `yaml:"can" json:"can"`
	Redis       RedisConfig  `yaml:"redis" json:"redis"`
	Serial      SerialConfig `yaml:"serial" json:"serial"`
}

type CANConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Interface string `yaml:"interface" json:"interface"`
	BaseID    uint32 `yaml:"base_id" json:"baseId"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
	Channel  string `yaml:"channel" json:"channel"`
}

type SerialConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	PortPath string `yaml:"port" json:"port"`
	BaudRate int    `yaml:"baud" json:"baud"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		I2C: I2CConfig{
			Address: 0x08,
		},
		Poll: PollConfig{
			IntervalMs: int(bmsconf.CycleTime / time.Millisecond),
		},
		Server: ServerConfig{
			ListenAddr: ":3000",
		},
		Telemetry: TelemetryConfig{
			EveryCycles: bmsconf.TelemetryEvery,
			CAN: CANConfig{
				Interface: "can0",
				BaseID:    0x700,
			},
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Key:     "lvbms",
				Channel: "lvbms",
			},
			Serial: SerialConfig{
				PortPath: "/dev/ttyUSB0",
				BaudRate: 115200,
			},
		},
	}
}

// Load reads path over the defaults. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("[config] no config at %s, using defaults", path)
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LVBMS_I2C_BUS, LVBMS_LISTEN_ADDR, LVBMS_POLL_MS,
// LVBMS_REDIS_ADDR, LVBMS_REDIS_PASSWORD, LVBMS_SERIAL_PORT, LVBMS_CAN_IFACE
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LVBMS_I2C_BUS"); v != "" {
		c.I2C.Bus = v
	}
	if v := os.Getenv("LVBMS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LVBMS_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.IntervalMs = n
		}
	}
	if v := os.Getenv("LVBMS_REDIS_ADDR"); v != "" {
		c.Telemetry.Redis.Addr = v
		c.Telemetry.Redis.Enabled = true
	}
	if v := os.Getenv("LVBMS_REDIS_PASSWORD"); v != "" {
		c.Telemetry.Redis.Password = v
	}
	if v := os.Getenv("LVBMS_SERIAL_PORT"); v != "" {
		c.Telemetry.Serial.PortPath = v
		c.Telemetry.Serial.Enabled = true
	}
	if v := os.Getenv("LVBMS_CAN_IFACE"); v != "" {
		c.Telemetry.CAN.Interface = v
		c.Telemetry.CAN.Enabled = true
	}
}

func (c *Config) Validate() error {
	if c.I2C.Address == 0 || c.I2C.Address > 0x7F {
		return fmt.Errorf("%w: i2c address 0x%X", ErrInvalid, c.I2C.Address)
	}
	if c.Poll.IntervalMs <= 0 {
		return fmt.Errorf("%w: poll interval %dms", ErrInvalid, c.Poll.IntervalMs)
	}
	if c.Telemetry.EveryCycles <= 0 {
		return fmt.Errorf("%w: telemetry every %d cycles", ErrInvalid, c.Telemetry.EveryCycles)
	}
	if c.Telemetry.CAN.Enabled && c.Telemetry.CAN.BaseID > 0x7F8 {
		return fmt.Errorf("%w: can base id 0x%X leaves no room for 7 frames", ErrInvalid, c.Telemetry.CAN.BaseID)
	}
	if c.Telemetry.Serial.Enabled && c.Telemetry.Serial.BaudRate <= 0 {
		return fmt.Errorf("%w: serial baud %d", ErrInvalid, c.Telemetry.Serial.BaudRate)
	}
	return nil
}

// Interval is the control cycle period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// IndicatorPins maps signals to the configured output names.
func (c *Config) IndicatorPins() map[indicator.Signal]string {
	return map[indicator.Signal]string{
		indicator.OK:               c.Pins.OK,
		indicator.Error:            c.Pins.Error,
		indicator.Overvoltage:      c.Pins.Overvoltage,
		indicator.Undervoltage:     c.Pins.Undervoltage,
		indicator.Overcurrent:      c.Pins.Overcurrent,
		indicator.Overtemperature:  c.Pins.Overtemperature,
		indicator.Undertemperature: c.Pins.Undertemperature,
	}
}
