package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-cavro/cavro"
	"github.com/arloliu/go-cavro/logger"
	"github.com/arloliu/go-cavro/transport"
)

// Config is the cavroctl configuration file.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	Pump    PumpConfig    `yaml:"pump"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Steps   []Step        `yaml:"steps"`
}

// SerialConfig selects the serial line and the pump address on it.
type SerialConfig struct {
	Port            string        `yaml:"port"`
	BaudRate        int           `yaml:"baud_rate"`
	Address         int           `yaml:"address"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	RetryLimit      int           `yaml:"retry_limit"`
}

// PumpConfig describes the pump hardware and its ready polling.
type PumpConfig struct {
	NumPorts      int           `yaml:"num_ports"`
	SyringeVolume float64       `yaml:"syringe_volume"` // µl
	InitPort      int           `yaml:"init_port"`
	Microstep     bool          `yaml:"microstep"`
	Slope         int           `yaml:"slope"`
	InitForce     int           `yaml:"init_force"` // -1 derives it from the syringe volume
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Init          bool          `yaml:"init"` // initialize after opening
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9102"; empty disables the metrics endpoint
}

// LogConfig configures the log level and destination.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // empty logs to stdout
}

// Step is one chain command. Exactly one field must be set.
type Step struct {
	Port        *int           `yaml:"port"`
	Direction   string         `yaml:"direction"` // "cw", "ccw" or empty for the shorter way
	Position    *int           `yaml:"position"`
	Move        *int           `yaml:"move"`
	Volume      *float64       `yaml:"volume"` // absolute, µl
	Speed       *int           `yaml:"speed"`
	StartSpeed  *int           `yaml:"start_speed"`
	TopSpeed    *int           `yaml:"top_speed"`
	CutoffSpeed *int           `yaml:"cutoff_speed"`
	Slope       *int           `yaml:"slope"`
	Microstep   *bool          `yaml:"microstep"`
	Delay       *time.Duration `yaml:"delay"`
	RepeatStart bool           `yaml:"repeat_start"`
	Repeat      *int           `yaml:"repeat"`
	Halt        bool           `yaml:"halt"`
}

// DefaultConfig returns a config with the factory settings of an XL3000
// with an 8-port valve and a 1ml syringe.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:            "/dev/ttyUSB0",
			BaudRate:        9600,
			Address:         0,
			ResponseTimeout: 500 * time.Millisecond,
			RetryLimit:      1,
		},
		Pump: PumpConfig{
			NumPorts:      cavro.DefaultNumPorts,
			SyringeVolume: cavro.DefaultSyringeVolume,
			InitPort:      cavro.DefaultInitPort,
			Microstep:     true,
			Slope:         cavro.DefaultSlope,
			InitForce:     cavro.DefaultInitForce,
			ReadyTimeout:  cavro.DefaultReadyTimeout,
			PollInterval:  cavro.DefaultPollInterval,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML config over the defaults, then applies environment
// variable overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cavroctl: read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cavroctl: parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides reads CAVRO_PORT, CAVRO_BAUD, CAVRO_ADDRESS and
// CAVRO_LOG_LEVEL.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CAVRO_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("CAVRO_BAUD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cavroctl: invalid CAVRO_BAUD %q: %w", v, err)
		}
		c.Serial.BaudRate = n
	}
	if v := os.Getenv("CAVRO_ADDRESS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cavroctl: invalid CAVRO_ADDRESS %q: %w", v, err)
		}
		c.Serial.Address = n
	}
	if v := os.Getenv("CAVRO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	return nil
}

func (c *Config) transportOptions(l logger.Logger) []transport.Option {
	return []transport.Option{
		transport.WithAddress(c.Serial.Address),
		transport.WithBaudRate(c.Serial.BaudRate),
		transport.WithResponseTimeout(c.Serial.ResponseTimeout),
		transport.WithRetryLimit(c.Serial.RetryLimit),
		transport.WithLogger(l),
	}
}

func (c *Config) pumpOptions(l logger.Logger) []cavro.PumpOption {
	return []cavro.PumpOption{
		cavro.WithNumPorts(c.Pump.NumPorts),
		cavro.WithSyringeVolume(c.Pump.SyringeVolume),
		cavro.WithInitPort(c.Pump.InitPort),
		cavro.WithMicrostep(c.Pump.Microstep),
		cavro.WithSlope(c.Pump.Slope),
		cavro.WithInitForce(c.Pump.InitForce),
		cavro.WithReadyTimeout(c.Pump.ReadyTimeout),
		cavro.WithPollInterval(c.Pump.PollInterval),
		cavro.WithLogger(l),
	}
}

// apply queues the step on c.
func (s Step) apply(c *cavro.Chain, cfg *cavro.PumpConfig) error {
	switch {
	case s.Port != nil:
		switch s.Direction {
		case "":
			return c.ChangePort(*s.Port)
		case "cw":
			return c.ChangePortDir(*s.Port, true)
		case "ccw":
			return c.ChangePortDir(*s.Port, false)
		default:
			return fmt.Errorf("cavroctl: unknown valve direction %q", s.Direction)
		}
	case s.Position != nil:
		return c.MovePlungerAbs(*s.Position)
	case s.Move != nil:
		return c.MovePlungerRel(*s.Move)
	case s.Volume != nil:
		return c.MovePlungerAbs(cfg.VolumeToSteps(*s.Volume, c.Simulated().Microstep))
	case s.Speed != nil:
		return c.SetSpeed(*s.Speed)
	case s.StartSpeed != nil:
		return c.SetStartSpeed(*s.StartSpeed)
	case s.TopSpeed != nil:
		return c.SetTopSpeed(*s.TopSpeed)
	case s.CutoffSpeed != nil:
		return c.SetCutoffSpeed(*s.CutoffSpeed)
	case s.Slope != nil:
		return c.SetSlope(*s.Slope)
	case s.Microstep != nil:
		c.SetMicrostep(*s.Microstep)
	case s.Delay != nil:
		return c.Delay(*s.Delay)
	case s.RepeatStart:
		c.MarkRepeatStart()
	case s.Repeat != nil:
		return c.Repeat(*s.Repeat)
	case s.Halt:
		c.Halt()
	default:
		return errors.New("cavroctl: empty step")
	}

	return nil
}
