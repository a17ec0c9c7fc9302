package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-cavro/logger"
)

const (
	DefaultAddress         = 0
	DefaultResponseTimeout = 500 * time.Millisecond
	DefaultRetryLimit      = 0
	DefaultBaudRate        = 9600

	MaxAddress    = 15
	MaxRetryLimit = 5

	MinResponseTimeout = 10 * time.Millisecond
	MaxResponseTimeout = 30 * time.Second
)

// Config holds the link settings shared by DTConn and OpenSerial.
type Config struct {
	address         int
	responseTimeout time.Duration
	retryLimit      int
	baudRate        int
	logger          logger.Logger
}

// NewConfig creates a transport configuration from functional options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		address:         DefaultAddress,
		responseTimeout: DefaultResponseTimeout,
		retryLimit:      DefaultRetryLimit,
		baudRate:        DefaultBaudRate,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Address returns the pump switch position (0-15).
func (cfg *Config) Address() int { return cfg.address }

// ResponseTimeout returns the maximum wait for a complete reply frame.
func (cfg *Config) ResponseTimeout() time.Duration { return cfg.responseTimeout }

// RetryLimit returns how many times a command is retransmitted after a response timeout.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// BaudRate returns the serial line speed.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithAddress sets the pump switch position. Must be in [0, 15].
func WithAddress(addr int) Option {
	return optFunc(func(cfg *Config) error {
		if addr < 0 || addr > MaxAddress {
			return fmt.Errorf("transport: address %d out of range [0, %d]", addr, MaxAddress)
		}
		cfg.address = addr

		return nil
	})
}

// WithResponseTimeout sets the reply timeout.
func WithResponseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinResponseTimeout || d > MaxResponseTimeout {
			return fmt.Errorf("transport: response timeout %v out of range [%v, %v]", d, MinResponseTimeout, MaxResponseTimeout)
		}
		cfg.responseTimeout = d

		return nil
	})
}

// WithRetryLimit sets the number of retransmissions after a response timeout.
//
// The DT protocol has no sequence numbers, so a retransmitted move may run
// twice if only the reply was lost. The default is no retransmission.
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("transport: retry limit %d out of range [0, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithBaudRate sets the serial line speed: 9600, 19200 or 38400.
func WithBaudRate(baud int) Option {
	return optFunc(func(cfg *Config) error {
		switch baud {
		case 9600, 19200, 38400:
			cfg.baudRate = baud
			return nil
		default:
			return fmt.Errorf("transport: unsupported baud rate %d", baud)
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("transport: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
