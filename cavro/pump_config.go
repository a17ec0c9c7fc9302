package cavro

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-cavro/internal/pool"
	"github.com/arloliu/go-cavro/logger"
)

// Default pump settings.
const (
	DefaultNumPorts      = 8
	DefaultSyringeVolume = 1000 // µl
	DefaultInitPort      = 1
	DefaultSlope         = 14 // factory default
	DefaultInitForce     = -1 // derived from the syringe volume

	DefaultReadyTimeout = 10 * time.Second
	DefaultPollInterval = 300 * time.Millisecond
)

// Configuration range limits.
const (
	MinNumPorts = 2
	MaxNumPorts = 12

	MinPollInterval = 10 * time.Millisecond
)

// Clock is the time source used for ready polling and execution timing.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error { return pool.Sleep(ctx, d) }

// PumpConfig holds the configuration of a Pump.
type PumpConfig struct {
	numPorts      int
	syringeVolume float64
	initPort      int
	microstep     bool
	slope         int
	initForce     int

	readyTimeout time.Duration
	pollInterval time.Duration

	clock  Clock
	logger logger.Logger
}

// NewPumpConfig creates a pump configuration from functional options.
func NewPumpConfig(opts ...PumpOption) (*PumpConfig, error) {
	cfg := &PumpConfig{
		numPorts:      DefaultNumPorts,
		syringeVolume: DefaultSyringeVolume,
		initPort:      DefaultInitPort,
		microstep:     true,
		slope:         DefaultSlope,
		initForce:     DefaultInitForce,
		readyTimeout:  DefaultReadyTimeout,
		pollInterval:  DefaultPollInterval,
		clock:         realClock{},
		logger:        logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.initPort != 1 && cfg.initPort != cfg.numPorts {
		return nil, fmt.Errorf("cavro: init port %d must be 1 or %d", cfg.initPort, cfg.numPorts)
	}

	return cfg, nil
}

// NumPorts returns the number of distribution valve ports.
func (cfg *PumpConfig) NumPorts() int { return cfg.numPorts }

// SyringeVolume returns the syringe volume in microliters.
func (cfg *PumpConfig) SyringeVolume() float64 { return cfg.syringeVolume }

// InitPort returns the port the plunger initializes against (1 or NumPorts).
func (cfg *PumpConfig) InitPort() int { return cfg.initPort }

// Microstep returns whether the pump runs in microstep mode.
func (cfg *PumpConfig) Microstep() bool { return cfg.microstep }

// Slope returns the slope code applied when the pump is opened.
func (cfg *PumpConfig) Slope() int { return cfg.slope }

// InitForce returns the configured initialization force, -1 for automatic.
func (cfg *PumpConfig) InitForce() int { return cfg.initForce }

// ReadyTimeout returns the default ready wait timeout.
func (cfg *PumpConfig) ReadyTimeout() time.Duration { return cfg.readyTimeout }

// PollInterval returns the default ready polling interval.
func (cfg *PumpConfig) PollInterval() time.Duration { return cfg.pollInterval }

// GetClock returns the configured clock.
func (cfg *PumpConfig) GetClock() Clock { return cfg.clock }

// GetLogger returns the configured logger.
func (cfg *PumpConfig) GetLogger() logger.Logger { return cfg.logger }

// AutoInitForce returns the initialization force matching the syringe volume:
// one third force up to 100µl, half force up to 500µl, full force above.
func (cfg *PumpConfig) AutoInitForce() int {
	switch {
	case cfg.syringeVolume <= 100:
		return 2
	case cfg.syringeVolume <= 500:
		return 1
	default:
		return 0
	}
}

// VolumeToSteps converts a volume in microliters to plunger steps.
func (cfg *PumpConfig) VolumeToSteps(ul float64, microstep bool) int {
	stroke := StandardStroke
	if microstep {
		stroke = MicrostepStroke
	}

	return int(ul * float64(stroke) / cfg.syringeVolume)
}

// StepsToVolume converts plunger steps to a volume in microliters.
func (cfg *PumpConfig) StepsToVolume(steps int, microstep bool) float64 {
	stroke := StandardStroke
	if microstep {
		stroke = MicrostepStroke
	}

	return float64(steps) * cfg.syringeVolume / float64(stroke)
}

// PumpOption is a functional option for configuring a PumpConfig.
type PumpOption interface {
	apply(*PumpConfig) error
}

type pumpOptFunc func(*PumpConfig) error

func (f pumpOptFunc) apply(cfg *PumpConfig) error { return f(cfg) }

// WithNumPorts sets the number of valve ports. Must be in [2, 12].
func WithNumPorts(n int) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if n < MinNumPorts || n > MaxNumPorts {
			return fmt.Errorf("cavro: number of ports %d out of range [%d, %d]", n, MinNumPorts, MaxNumPorts)
		}
		cfg.numPorts = n

		return nil
	})
}

// WithSyringeVolume sets the syringe volume in microliters.
func WithSyringeVolume(ul float64) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if ul <= 0 {
			return errors.New("cavro: syringe volume must be positive")
		}
		cfg.syringeVolume = ul

		return nil
	})
}

// WithInitPort sets the initialization port. It must be 1 or the last port;
// this is checked once all options are applied.
func WithInitPort(port int) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		cfg.initPort = port
		return nil
	})
}

// WithMicrostep enables or disables microstep mode. Enabled by default.
func WithMicrostep(on bool) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		cfg.microstep = on
		return nil
	})
}

// WithSlope sets the slope code. Must be in [1, 20].
func WithSlope(code int) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if code < MinSlope || code > MaxSlope {
			return fmt.Errorf("cavro: slope code %d out of range [%d, %d]", code, MinSlope, MaxSlope)
		}
		cfg.slope = code

		return nil
	})
}

// WithInitForce sets the initialization force:
//
//	-1     derived from the syringe volume (default)
//	0      full plunger force, default speed
//	1      half plunger force, default speed
//	2      one third plunger force, default speed
//	10-40  full force at speed code N
func WithInitForce(force int) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if !validInitForce(force) {
			return fmt.Errorf("cavro: init force %d must be -1, 0-2 or 10-40", force)
		}
		cfg.initForce = force

		return nil
	})
}

func validInitForce(force int) bool {
	return (force >= -1 && force <= 2) || (force >= 10 && force <= MaxSpeedCode)
}

// WithReadyTimeout sets the default timeout of WaitReady.
func WithReadyTimeout(d time.Duration) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if d <= 0 {
			return errors.New("cavro: ready timeout must be positive")
		}
		cfg.readyTimeout = d

		return nil
	})
}

// WithPollInterval sets the default polling interval of WaitReady.
func WithPollInterval(d time.Duration) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if d < MinPollInterval {
			return fmt.Errorf("cavro: poll interval %v below minimum %v", d, MinPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithClock sets the time source used for sleeping and timing.
func WithClock(c Clock) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if c == nil {
			return errors.New("cavro: clock must not be nil")
		}
		cfg.clock = c

		return nil
	})
}

// WithLogger sets the logger for the pump.
func WithLogger(l logger.Logger) PumpOption {
	return pumpOptFunc(func(cfg *PumpConfig) error {
		if l == nil {
			return errors.New("cavro: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
