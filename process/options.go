package process

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/up150"
)

const (
	// DefaultChannel is the flow controller channel feeding the furnace.
	DefaultChannel = 1
	// DefaultSafetyThreshold is the temperature below which the purge is
	// shut off, in °C.
	DefaultSafetyThreshold = 30
	// DefaultPurgeFlow is the flow kept during post-anneal, in SCCM.
	DefaultPurgeFlow = 6.0
	// StartSetpoint is the program start setpoint written by Start, in °C.
	StartSetpoint = up150.DefaultStartSetpoint
)

// DefaultPurgeRange is the range of the purge flow and of the shut-off channel.
var DefaultPurgeRange = mks647b.Range500SCCM

type config struct {
	channel    int
	threshold  int
	purgeFlow  float64
	purgeRange mks647b.Range
	now        func() time.Time
	logger     logger.Logger
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		channel:    DefaultChannel,
		threshold:  DefaultSafetyThreshold,
		purgeFlow:  DefaultPurgeFlow,
		purgeRange: DefaultPurgeRange,
		now:        time.Now,
		logger:     logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Option is a functional option for configuring a Controller.
type Option interface {
	apply(*config) error
}

type optFunc func(*config) error

func (f optFunc) apply(cfg *config) error { return f(cfg) }

// WithChannel sets the flow controller channel, 1-8.
func WithChannel(ch int) Option {
	return optFunc(func(cfg *config) error {
		if ch < mks647b.MinChannel || ch > mks647b.MaxChannel {
			return fmt.Errorf("process: channel %d out of range [%d, %d]", ch, mks647b.MinChannel, mks647b.MaxChannel)
		}
		cfg.channel = ch

		return nil
	})
}

// WithSafetyThreshold sets the temperature below which the purge is shut
// off, in °C.
func WithSafetyThreshold(temp int) Option {
	return optFunc(func(cfg *config) error {
		if temp <= up150.MinTemperature || temp > up150.MaxTemperature {
			return fmt.Errorf("process: safety threshold %d out of range (%d, %d]", temp, up150.MinTemperature, up150.MaxTemperature)
		}
		cfg.threshold = temp

		return nil
	})
}

// WithPurgeFlow sets the post-anneal purge flow and its range.
func WithPurgeFlow(flow float64, r mks647b.Range) Option {
	return optFunc(func(cfg *config) error {
		if !r.Valid() {
			return fmt.Errorf("process: unknown purge range %q", r.String())
		}
		if flow <= 0 || flow > r.MaxFlow() {
			return fmt.Errorf("process: purge flow %v out of range (0, %v] for %s", flow, r.MaxFlow(), r)
		}
		cfg.purgeFlow = flow
		cfg.purgeRange = r

		return nil
	})
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return optFunc(func(cfg *config) error {
		if now == nil {
			return errors.New("process: clock must not be nil")
		}
		cfg.now = now

		return nil
	})
}

// WithLogger sets the logger of the controller.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *config) error {
		if l == nil {
			return errors.New("process: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
