package mks647b

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-anneal/logger"
)

const (
	// DefaultSettleDelay is the wait after every command before the reply is read.
	DefaultSettleDelay = 500 * time.Millisecond
	// MaxSettleDelay is the upper bound accepted by WithSettleDelay.
	MaxSettleDelay = 10 * time.Second

	// DefaultMaxAttempts is the number of times a command answered with an
	// error is sent before the error is reported.
	DefaultMaxAttempts = 5
	MinAttempts        = 1
	MaxAttempts        = 10

	// maxReplySize bounds the bytes collected for one reply line.
	maxReplySize = 128
)

// Channel limits of the instrument.
const (
	MainValve  = 0
	MinChannel = 1
	MaxChannel = 8
	MaxGasMenu = 5
	MinGasSet  = 1
	MaxGasSet  = 5
)

// DefaultInitChannels are the channels whose range is set by Open.
var DefaultInitChannels = []int{1, 2, 3, 4}

// Config holds the configuration of a Driver.
type Config struct {
	settleDelay  time.Duration
	maxAttempts  int
	initialRange Range
	initChannels []int
	logger       logger.Logger
}

func newConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		settleDelay:  DefaultSettleDelay,
		maxAttempts:  DefaultMaxAttempts,
		initialRange: Range1SLM,
		initChannels: DefaultInitChannels,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// SettleDelay returns the wait after every command.
func (cfg *Config) SettleDelay() time.Duration { return cfg.settleDelay }

// MaxAttempts returns the attempt budget of a command.
func (cfg *Config) MaxAttempts() int { return cfg.maxAttempts }

// InitialRange returns the range Open sets on the init channels.
func (cfg *Config) InitialRange() Range { return cfg.initialRange }

// InitChannels returns the channels whose range is set by Open.
func (cfg *Config) InitChannels() []int { return cfg.initChannels }

// Option is a functional option for configuring a Driver.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithSettleDelay sets the wait after every command. Zero is accepted for
// simulated instruments.
func WithSettleDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxSettleDelay {
			return fmt.Errorf("mks647b: settle delay %v out of range [0, %v]", d, MaxSettleDelay)
		}
		cfg.settleDelay = d

		return nil
	})
}

// WithMaxAttempts sets how often a command answered with an error is sent.
func WithMaxAttempts(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinAttempts || n > MaxAttempts {
			return fmt.Errorf("mks647b: max attempts %d out of range [%d, %d]", n, MinAttempts, MaxAttempts)
		}
		cfg.maxAttempts = n

		return nil
	})
}

// WithInitialRange sets the range Open applies to the init channels.
func WithInitialRange(r Range) Option {
	return optFunc(func(cfg *Config) error {
		if !r.Valid() {
			return fmt.Errorf("mks647b: unknown initial range %q", r.String())
		}
		cfg.initialRange = r

		return nil
	})
}

// WithInitChannels sets the channels whose range is set by Open. No
// channels disables range initialization.
func WithInitChannels(channels ...int) Option {
	return optFunc(func(cfg *Config) error {
		for _, ch := range channels {
			if ch < MinChannel || ch > MaxChannel {
				return fmt.Errorf("mks647b: init channel %d out of range [%d, %d]", ch, MinChannel, MaxChannel)
			}
		}
		cfg.initChannels = append([]int(nil), channels...)

		return nil
	})
}

// WithLogger sets the logger of the driver.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("mks647b: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
