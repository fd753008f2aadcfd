package mks647b

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/internal/pool"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/serialport"
)

// Driver is a 647B flow controller on a dedicated serial port. It is safe
// for concurrent use; each command line is exchanged under a lock.
type Driver struct {
	mu      sync.Mutex
	port    serialport.Port
	cfg     *Config
	logger  logger.Logger
	closed  bool
	metrics Metrics
}

// New creates a Driver on port without touching the instrument.
func New(port serialport.Port, opts ...Option) (*Driver, error) {
	if port == nil {
		return nil, errors.New("mks647b: port is nil")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Driver{
		port:   port,
		cfg:    cfg,
		logger: cfg.logger.With("instrument", "mks647b"),
	}, nil
}

// Open creates a Driver and sets the initial range on the init channels.
func Open(ctx context.Context, port serialport.Port, opts ...Option) (*Driver, error) {
	d, err := New(port, opts...)
	if err != nil {
		return nil, err
	}

	if err := serialport.Drain(port); err != nil {
		return nil, fault.Wrap(fault.Link, "mks647b.Open", err)
	}

	for _, ch := range d.cfg.initChannels {
		if err := d.SetRange(ctx, ch, d.cfg.initialRange); err != nil {
			return nil, err
		}
	}

	d.logger.Info("flow controller initialized",
		"range", d.cfg.initialRange.String(), "channels", d.cfg.initChannels, "maxAttempts", d.cfg.maxAttempts)

	return d, nil
}

// Config returns the driver configuration.
func (d *Driver) Config() *Config {
	return d.cfg
}

// GetMetrics returns the metrics of the driver.
func (d *Driver) GetMetrics() *Metrics {
	return &d.metrics
}

// OpenValve opens valve ch; 0 is the main valve, 1-8 the channel valves.
func (d *Driver) OpenValve(ctx context.Context, ch int) error {
	const op = "mks647b.OpenValve"
	if err := checkValve(op, ch); err != nil {
		return err
	}

	return d.set(ctx, op, fmt.Sprintf("ON %d", ch))
}

// CloseValve closes valve ch; 0 is the main valve, 1-8 the channel valves.
func (d *Driver) CloseValve(ctx context.Context, ch int) error {
	const op = "mks647b.CloseValve"
	if err := checkValve(op, ch); err != nil {
		return err
	}

	return d.set(ctx, op, fmt.Sprintf("OF %d", ch))
}

// SetGasMenu selects gas menu n: 0 is menu X (the normal setpoints), 1-5
// the gas menus.
func (d *Driver) SetGasMenu(ctx context.Context, n int) error {
	const op = "mks647b.SetGasMenu"
	if n < 0 || n > MaxGasMenu {
		return invalidArg(op, "gas menu %d out of range [0, %d]", n, MaxGasMenu)
	}

	return d.set(ctx, op, fmt.Sprintf("GM %d", n))
}

// GasMenu returns the selected gas menu.
func (d *Driver) GasMenu(ctx context.Context) (int, error) {
	const op = "mks647b.GasMenu"

	reply, err := d.query(ctx, op, "GM R")
	if err != nil {
		return 0, err
	}

	return d.parseInt(op, reply)
}

// SetFlowSetpoint sets the setpoint of ch, in units of the channel range.
func (d *Driver) SetFlowSetpoint(ctx context.Context, ch int, flow float64) error {
	const op = "mks647b.SetFlowSetpoint"
	if err := checkChannel(op, ch); err != nil {
		return err
	}

	x, err := d.toDevice(ctx, op, ch, flow)
	if err != nil {
		return err
	}

	return d.set(ctx, op, fmt.Sprintf("FS %d %04d", ch, x))
}

// FlowSetpoint returns the setpoint of ch, in units of the channel range.
func (d *Driver) FlowSetpoint(ctx context.Context, ch int) (float64, error) {
	const op = "mks647b.FlowSetpoint"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}

	return d.scaledQuery(ctx, op, ch, fmt.Sprintf("FS %d R", ch))
}

// ActualFlow returns the measured flow of ch, in units of the channel range.
func (d *Driver) ActualFlow(ctx context.Context, ch int) (float64, error) {
	const op = "mks647b.ActualFlow"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}

	return d.scaledQuery(ctx, op, ch, fmt.Sprintf("FL %d", ch))
}

// SetGasSetpoint sets the setpoint of ch in gas set set.
func (d *Driver) SetGasSetpoint(ctx context.Context, ch int, set int, flow float64) error {
	const op = "mks647b.SetGasSetpoint"
	if err := checkChannel(op, ch); err != nil {
		return err
	}
	if err := checkGasSet(op, set); err != nil {
		return err
	}

	x, err := d.toDevice(ctx, op, ch, flow)
	if err != nil {
		return err
	}

	return d.set(ctx, op, fmt.Sprintf("GP %d %d %04d", ch, set, x))
}

// GasSetpoint returns the setpoint of ch in gas set set.
func (d *Driver) GasSetpoint(ctx context.Context, ch int, set int) (float64, error) {
	const op = "mks647b.GasSetpoint"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}
	if err := checkGasSet(op, set); err != nil {
		return 0, err
	}

	return d.scaledQuery(ctx, op, ch, fmt.Sprintf("GP %d %d R", ch, set))
}

// SetRange sets the full-scale range of ch.
func (d *Driver) SetRange(ctx context.Context, ch int, r Range) error {
	const op = "mks647b.SetRange"
	if err := checkChannel(op, ch); err != nil {
		return err
	}

	code, ok := r.Code()
	if !ok {
		return invalidArg(op, "unknown range %q", r.String())
	}

	return d.set(ctx, op, fmt.Sprintf("RA %d %02d", ch, code))
}

// RangeCode returns the range code of ch.
func (d *Driver) RangeCode(ctx context.Context, ch int) (int, error) {
	const op = "mks647b.RangeCode"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}

	return d.rangeCode(ctx, op, ch)
}

// Range returns the full-scale range of ch.
func (d *Driver) Range(ctx context.Context, ch int) (Range, error) {
	const op = "mks647b.Range"
	if err := checkChannel(op, ch); err != nil {
		return Range{}, err
	}

	return d.channelRange(ctx, op, ch)
}

// GasCorrectionFactor returns the gas correction factor of ch, 1.0 for 100 %.
func (d *Driver) GasCorrectionFactor(ctx context.Context, ch int) (float64, error) {
	const op = "mks647b.GasCorrectionFactor"
	if err := checkChannel(op, ch); err != nil {
		return 0, err
	}

	return d.correction(ctx, op, ch)
}

// Mode returns the mode setting of ch as reported by the instrument.
func (d *Driver) Mode(ctx context.Context, ch int) (string, error) {
	const op = "mks647b.Mode"
	if err := checkChannel(op, ch); err != nil {
		return "", err
	}

	return d.query(ctx, op, fmt.Sprintf("MO %d R", ch))
}

// Identity returns the identification string of the instrument.
func (d *Driver) Identity(ctx context.Context) (string, error) {
	return d.query(ctx, "mks647b.Identity", "ID")
}

// Close closes the main valve and the port. The port is closed even if the
// valve command fails.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return nil
	}

	valveErr := d.CloseValve(ctx, MainValve)
	if valveErr != nil {
		d.logger.Error("failed to close main valve on close", "error", valveErr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return valveErr
	}
	d.closed = true

	if err := d.port.Close(); err != nil {
		return errors.Join(valveErr, fault.Wrap(fault.Link, "mks647b.Close", err))
	}

	return valveErr
}

func (d *Driver) rangeCode(ctx context.Context, op string, ch int) (int, error) {
	reply, err := d.query(ctx, op, fmt.Sprintf("RA %d R", ch))
	if err != nil {
		return 0, err
	}

	return d.parseInt(op, reply)
}

func (d *Driver) channelRange(ctx context.Context, op string, ch int) (Range, error) {
	code, err := d.rangeCode(ctx, op, ch)
	if err != nil {
		return Range{}, err
	}

	r, ok := RangeByCode(code)
	if !ok {
		d.metrics.incErrorCount()
		return Range{}, fault.Wrap(fault.Protocol, op, fmt.Errorf("%w: range code %d", ErrMalformedReply, code))
	}

	return r, nil
}

func (d *Driver) correction(ctx context.Context, op string, ch int) (float64, error) {
	reply, err := d.query(ctx, op, fmt.Sprintf("GC %d R", ch))
	if err != nil {
		return 0, err
	}

	pct, err := d.parseInt(op, reply)
	if err != nil {
		return 0, err
	}
	if pct <= 0 {
		d.metrics.incErrorCount()
		return 0, fault.Wrap(fault.Protocol, op, fmt.Errorf("%w: correction factor %d%%", ErrMalformedReply, pct))
	}

	return float64(pct) / 100, nil
}

// scaleFactors reads the live range and correction factor of ch.
func (d *Driver) scaleFactors(ctx context.Context, op string, ch int) (float64, float64, error) {
	r, err := d.channelRange(ctx, op, ch)
	if err != nil {
		return 0, 0, err
	}

	cf, err := d.correction(ctx, op, ch)
	if err != nil {
		return 0, 0, err
	}

	return r.Factor(), cf, nil
}

func (d *Driver) toDevice(ctx context.Context, op string, ch int, flow float64) (int, error) {
	rf, cf, err := d.scaleFactors(ctx, op, ch)
	if err != nil {
		return 0, err
	}

	x, err := ToDevice(flow, rf, cf)
	if err != nil {
		return 0, fault.Wrap(fault.Precondition, op, err)
	}

	return x, nil
}

func (d *Driver) scaledQuery(ctx context.Context, op string, ch int, command string) (float64, error) {
	rf, cf, err := d.scaleFactors(ctx, op, ch)
	if err != nil {
		return 0, err
	}

	reply, err := d.query(ctx, op, command)
	if err != nil {
		return 0, err
	}

	raw, err := d.parseInt(op, reply)
	if err != nil {
		return 0, err
	}

	return FromDevice(raw, rf, cf), nil
}

func (d *Driver) parseInt(op string, reply string) (int, error) {
	v, err := strconv.Atoi(reply)
	if err != nil {
		d.metrics.incErrorCount()
		d.logger.Warn("flow controller reply is not a number", "op", op, "reply", reply)

		return 0, fault.Wrap(fault.Protocol, op, fmt.Errorf("%w: %q is not a number", ErrMalformedReply, reply))
	}

	return v, nil
}

// set sends a command that is acknowledged with an empty line.
func (d *Driver) set(ctx context.Context, op string, command string) error {
	_, err := d.command(ctx, op, command, true)
	if err == nil {
		d.logger.Debug("command acknowledged", "command", command)
	}

	return err
}

// query sends a command whose reply carries a value.
func (d *Driver) query(ctx context.Context, op string, command string) (string, error) {
	return d.command(ctx, op, command, false)
}

// command sends command up to MaxAttempts times while it is answered with
// an error line. The context is observed between attempts, never during one.
func (d *Driver) command(ctx context.Context, op string, command string, emptyOK bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", fault.Wrap(fault.Precondition, op, ErrClosed)
	}

	var reply string
	for attempt := 1; attempt <= d.cfg.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fault.Wrap(fault.Precondition, op, err)
		}

		if attempt > 1 {
			d.metrics.incRetryCount()
			d.logger.Debug("retrying command", "command", command, "attempt", attempt, "reply", reply)
		}

		var err error
		reply, err = d.exchange(command)
		if err != nil {
			d.metrics.incErrorCount()
			d.logger.Warn("flow controller link error", "op", op, "command", command, "error", err)

			return "", fault.Wrap(fault.Link, op, err)
		}

		if !strings.HasPrefix(reply, "E") {
			if reply == "" && !emptyOK {
				d.metrics.incErrorCount()
				return "", fault.Wrap(fault.Protocol, op, fmt.Errorf("%w: empty reply to %q", ErrMalformedReply, command))
			}

			return reply, nil
		}
	}

	devErr := newDeviceError(command, reply, d.cfg.maxAttempts)
	d.metrics.incErrorCount()
	d.logger.Warn("flow controller rejected command", "op", op, "command", command, "reply", reply, "error", devErr)

	return "", fault.Wrap(fault.Protocol, op, devErr)
}

// exchange writes one command line and reads one reply line. A line that
// stays silent yields ErrNoReply.
func (d *Driver) exchange(command string) (string, error) {
	if err := serialport.Drain(d.port); err != nil {
		return "", err
	}

	if _, err := d.port.Write([]byte(command + "\r")); err != nil {
		return "", fmt.Errorf("mks647b: write: %w", err)
	}
	d.metrics.incQueryCount()

	pool.Settle(d.cfg.settleDelay)

	line, err := d.readLine()
	if err != nil {
		return "", fmt.Errorf("mks647b: read: %w", err)
	}
	if len(line) == 0 {
		return "", ErrNoReply
	}

	return strings.TrimSpace(string(line)), nil
}

// readLine collects reply bytes until LF, silence on the line, or the
// reply size limit.
func (d *Driver) readLine() ([]byte, error) {
	buf := make([]byte, 0, maxReplySize)
	chunk := make([]byte, maxReplySize)

	for len(buf) < maxReplySize {
		n, err := d.port.Read(chunk[:maxReplySize-len(buf)])
		buf = append(buf, chunk[:n]...)

		if bytes.IndexByte(buf, '\n') >= 0 {
			return buf, nil
		}
		if errors.Is(err, io.EOF) || (n == 0 && err == nil) {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}

	return buf, nil
}

func checkChannel(op string, ch int) error {
	if ch < MinChannel || ch > MaxChannel {
		return invalidArg(op, "channel %d out of range [%d, %d]", ch, MinChannel, MaxChannel)
	}

	return nil
}

func checkValve(op string, ch int) error {
	if ch < MainValve || ch > MaxChannel {
		return invalidArg(op, "valve %d out of range [%d, %d]", ch, MainValve, MaxChannel)
	}

	return nil
}

func checkGasSet(op string, set int) error {
	if set < MinGasSet || set > MaxGasSet {
		return invalidArg(op, "gas set %d out of range [%d, %d]", set, MinGasSet, MaxGasSet)
	}

	return nil
}

func invalidArg(op string, format string, args ...any) error {
	return fault.Wrap(fault.Precondition, op, fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...))
}
