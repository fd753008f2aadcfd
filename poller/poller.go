// Package poller periodically reads both instruments and hands each
// reading to the process controller as a Snapshot.
//
// Reads are issued in a fixed order: segment number, segment time left and
// temperature from the furnace, measured flow and range code from the flow
// controller, then the furnace working setpoint. A cycle in which any read
// fails is logged, counted and skipped; polling continues on the next tick.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/internal/task"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/process"
)

const (
	// DefaultInterval is the time between two polls.
	DefaultInterval = 40 * time.Second

	taskName = "instrument-poll"
)

// ErrAlreadyStarted is returned by Start on a running Poller.
var ErrAlreadyStarted = errors.New("poller: already started")

// Furnace is the part of the furnace driver the poller reads.
type Furnace interface {
	ReadSegmentNumber(ctx context.Context) (int, error)
	ReadSegmentTimeLeft(ctx context.Context) (int, error)
	ReadTemperature(ctx context.Context) (int, error)
	ReadSetpoint(ctx context.Context) (int, error)
}

// FlowMeter is the part of the flow controller driver the poller reads.
type FlowMeter interface {
	ActualFlow(ctx context.Context, ch int) (float64, error)
	RangeCode(ctx context.Context, ch int) (int, error)
}

// Consumer receives the snapshots. *process.Controller implements it.
type Consumer interface {
	HandleSnapshot(ctx context.Context, snap process.Snapshot) process.Status
}

// Metrics contains atomic counters of a Poller.
type Metrics struct {
	// CycleCount indicates the number of snapshots handed to the consumer.
	CycleCount atomic.Uint64
	// FailureCount indicates the number of skipped cycles.
	FailureCount atomic.Uint64
	// LinkFailureCount indicates the skipped cycles in which an instrument
	// did not answer or its line failed.
	LinkFailureCount atomic.Uint64
}

type config struct {
	interval time.Duration
	channel  int
	now      func() time.Time
	logger   logger.Logger
}

// Option is a functional option for configuring a Poller.
type Option interface {
	apply(*config) error
}

type optFunc func(*config) error

func (f optFunc) apply(cfg *config) error { return f(cfg) }

// WithInterval sets the time between two polls.
func WithInterval(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("poller: invalid interval %v", d)
		}
		cfg.interval = d

		return nil
	})
}

// WithChannel sets the flow controller channel that is read, 1-8.
func WithChannel(ch int) Option {
	return optFunc(func(cfg *config) error {
		if ch < mks647b.MinChannel || ch > mks647b.MaxChannel {
			return fmt.Errorf("poller: channel %d out of range [%d, %d]", ch, mks647b.MinChannel, mks647b.MaxChannel)
		}
		cfg.channel = ch

		return nil
	})
}

// WithClock sets the time source of snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return optFunc(func(cfg *config) error {
		if now == nil {
			return errors.New("poller: clock must not be nil")
		}
		cfg.now = now

		return nil
	})
}

// WithLogger sets the logger of the poller.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *config) error {
		if l == nil {
			return errors.New("poller: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// Poller reads the instruments on a fixed interval.
type Poller struct {
	furnace  Furnace
	flow     FlowMeter
	consumer Consumer
	cfg      *config
	logger   logger.Logger
	metrics  Metrics

	mu    sync.Mutex
	tasks *task.Manager
}

// New creates a stopped Poller.
func New(furnace Furnace, flow FlowMeter, consumer Consumer, opts ...Option) (*Poller, error) {
	if furnace == nil || flow == nil || consumer == nil {
		return nil, errors.New("poller: furnace, flow meter and consumer are required")
	}

	cfg := &config{
		interval: DefaultInterval,
		channel:  process.DefaultChannel,
		now:      time.Now,
		logger:   logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return &Poller{
		furnace:  furnace,
		flow:     flow,
		consumer: consumer,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "poller"),
	}, nil
}

// GetMetrics returns the metrics of the poller.
func (p *Poller) GetMetrics() *Metrics {
	return &p.metrics
}

// Interval returns the time between two polls.
func (p *Poller) Interval() time.Duration {
	return p.cfg.interval
}

// Start begins polling: the first cycle runs at once, the next ones every
// interval, until Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tasks != nil {
		return ErrAlreadyStarted
	}

	tasks := task.NewManager(ctx, p.logger)
	if err := tasks.StartInterval(taskName, func() bool { return p.cycle(tasks.Context()) }, p.cfg.interval, true); err != nil {
		tasks.Stop()
		return err
	}
	p.tasks = tasks

	p.logger.Info("polling started", "interval", p.cfg.interval, "channel", p.cfg.channel)

	return nil
}

// Stop stops polling and waits for an in-flight cycle to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()

	if tasks == nil {
		return
	}

	tasks.Stop()
	tasks.Wait()

	p.logger.Info("polling stopped", "cycles", p.metrics.CycleCount.Load(), "failures", p.metrics.FailureCount.Load())
}

// Running reports whether the polling task is alive. It turns false after
// Stop, or once the context given to Start is done and the task has exited.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.tasks != nil && p.tasks.TaskCount() > 0
}

// Poll reads one snapshot without handing it to the consumer.
func (p *Poller) Poll(ctx context.Context) (process.Snapshot, error) {
	snap := process.Snapshot{Time: p.cfg.now()}

	var err error
	if snap.Segment, err = p.furnace.ReadSegmentNumber(ctx); err != nil {
		return snap, fmt.Errorf("segment number: %w", err)
	}
	if snap.TimeLeft, err = p.furnace.ReadSegmentTimeLeft(ctx); err != nil {
		return snap, fmt.Errorf("segment time left: %w", err)
	}
	if snap.Temperature, err = p.furnace.ReadTemperature(ctx); err != nil {
		return snap, fmt.Errorf("temperature: %w", err)
	}
	if snap.Flow, err = p.flow.ActualFlow(ctx, p.cfg.channel); err != nil {
		return snap, fmt.Errorf("actual flow: %w", err)
	}
	if snap.RangeCode, err = p.flow.RangeCode(ctx, p.cfg.channel); err != nil {
		return snap, fmt.Errorf("range code: %w", err)
	}
	if snap.Setpoint, err = p.furnace.ReadSetpoint(ctx); err != nil {
		return snap, fmt.Errorf("setpoint: %w", err)
	}

	return snap, nil
}

// PollOnce reads one snapshot and hands it to the consumer.
func (p *Poller) PollOnce(ctx context.Context) (process.Status, error) {
	snap, err := p.Poll(ctx)
	if err != nil {
		p.metrics.FailureCount.Add(1)
		if fault.Is(err, fault.Link) {
			p.metrics.LinkFailureCount.Add(1)
		}

		return process.Status{}, err
	}

	st := p.consumer.HandleSnapshot(ctx, snap)
	p.metrics.CycleCount.Add(1)

	return st, nil
}

// cycle is the task body; it never stops the task.
func (p *Poller) cycle(ctx context.Context) bool {
	st, err := p.PollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Debug("poll cycle interrupted by shutdown", "error", err)
			return true
		}
		p.logger.Warn("poll cycle skipped", "kind", fault.KindOf(err).String(), "error", err)

		return true
	}

	p.logger.Debug("poll cycle",
		"state", st.State.String(), "stage", st.Stage, "mode", st.Mode.String(),
		"timeLeft", st.TimeLeft, "temperature", st.Temperature, "flow", st.Flow, "flowUnit", st.FlowUnit)

	return true
}
