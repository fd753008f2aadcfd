package up150

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-anneal/logger"
)

const (
	// DefaultSettleDelay is the wait between writing a frame and reading the reply.
	DefaultSettleDelay = 700 * time.Millisecond
	// MaxSettleDelay is the upper bound accepted by WithSettleDelay.
	MaxSettleDelay = 10 * time.Second

	// DefaultMaxReplySize bounds the bytes collected for a single reply.
	DefaultMaxReplySize = 64
	MinReplySize        = minValueReplyLen + 2
	MaxReplySize        = 1024

	// DefaultStartSetpoint is the program start setpoint written by Open, in °C.
	DefaultStartSetpoint = 25
)

// Value limits of the controller.
const (
	MinSegment     = 1
	MaxSegment     = 16
	MinTemperature = 0
	MaxTemperature = 1200
	MaxDuration    = 0xFFFF
)

// Config holds the configuration of a Driver.
type Config struct {
	settleDelay  time.Duration
	maxReplySize int
	logger       logger.Logger
}

func newConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		settleDelay:  DefaultSettleDelay,
		maxReplySize: DefaultMaxReplySize,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// SettleDelay returns the wait between a request and its reply.
func (cfg *Config) SettleDelay() time.Duration { return cfg.settleDelay }

// MaxReplySize returns the reply size limit.
func (cfg *Config) MaxReplySize() int { return cfg.maxReplySize }

// Option is a functional option for configuring a Driver.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithSettleDelay sets the wait between writing a frame and reading its
// reply. Zero is accepted for simulated instruments.
func WithSettleDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxSettleDelay {
			return fmt.Errorf("up150: settle delay %v out of range [0, %v]", d, MaxSettleDelay)
		}
		cfg.settleDelay = d

		return nil
	})
}

// WithMaxReplySize sets the number of bytes collected for a single reply.
func WithMaxReplySize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinReplySize || n > MaxReplySize {
			return fmt.Errorf("up150: max reply size %d out of range [%d, %d]", n, MinReplySize, MaxReplySize)
		}
		cfg.maxReplySize = n

		return nil
	})
}

// WithLogger sets the logger of the driver.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("up150: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
