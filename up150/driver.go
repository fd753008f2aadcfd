package up150

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/internal/pool"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/serialport"
)

// Driver is a UP150 controller on a dedicated serial port.
//
// A Driver serializes its exchanges; it is safe for concurrent use, but the
// port must not be shared with anything else.
type Driver struct {
	mu      sync.Mutex
	port    serialport.Port
	cfg     *Config
	logger  logger.Logger
	closed  bool
	metrics Metrics
}

// New creates a Driver on port without touching the controller.
func New(port serialport.Port, opts ...Option) (*Driver, error) {
	if port == nil {
		return nil, errors.New("up150: port is nil")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Driver{
		port:   port,
		cfg:    cfg,
		logger: cfg.logger.With("instrument", "up150"),
	}, nil
}

// Open creates a Driver and initializes the controller: it writes the
// default start setpoint and clears all 16 program segments, so no program
// left over from a previous session can run.
func Open(ctx context.Context, port serialport.Port, opts ...Option) (*Driver, error) {
	d, err := New(port, opts...)
	if err != nil {
		return nil, err
	}

	if err := serialport.Drain(port); err != nil {
		return nil, fault.Wrap(fault.Link, "up150.Open", err)
	}

	if err := d.WriteStartSetpoint(ctx, DefaultStartSetpoint); err != nil {
		return nil, err
	}

	if err := d.ClearAllSegments(ctx); err != nil {
		return nil, err
	}

	d.logger.Info("furnace controller initialized", "settleDelay", d.cfg.settleDelay)

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

// ReadTemperature returns the measured temperature in °C.
func (d *Driver) ReadTemperature(ctx context.Context) (int, error) {
	return d.readRegister(ctx, "up150.ReadTemperature", regTemperature)
}

// ReadSetpoint returns the working setpoint in °C.
func (d *Driver) ReadSetpoint(ctx context.Context) (int, error) {
	return d.readRegister(ctx, "up150.ReadSetpoint", regSetpoint)
}

// ReadSegmentTimeLeft returns the minutes left in the running segment.
func (d *Driver) ReadSegmentTimeLeft(ctx context.Context) (int, error) {
	return d.readRegister(ctx, "up150.ReadSegmentTimeLeft", regSegmentTime)
}

// ReadSegmentNumber returns the running segment, 0 when the program is reset.
func (d *Driver) ReadSegmentNumber(ctx context.Context) (int, error) {
	return d.readRegister(ctx, "up150.ReadSegmentNumber", regSegmentNumber)
}

// ReadSegmentSetpoint returns the target setpoint of segment seg in °C.
func (d *Driver) ReadSegmentSetpoint(ctx context.Context, seg int) (int, error) {
	const op = "up150.ReadSegmentSetpoint"
	if err := checkSegment(op, seg); err != nil {
		return 0, err
	}

	return d.readRegister(ctx, op, SetpointRegister(seg))
}

// ReadSegmentDuration returns the duration of segment seg in minutes.
func (d *Driver) ReadSegmentDuration(ctx context.Context, seg int) (int, error) {
	const op = "up150.ReadSegmentDuration"
	if err := checkSegment(op, seg); err != nil {
		return 0, err
	}

	return d.readRegister(ctx, op, DurationRegister(seg))
}

// WriteSegmentSetpoint sets the target setpoint of segment seg in °C.
func (d *Driver) WriteSegmentSetpoint(ctx context.Context, seg int, temp int) error {
	const op = "up150.WriteSegmentSetpoint"
	if err := checkSegment(op, seg); err != nil {
		return err
	}
	if err := checkTemperature(op, temp); err != nil {
		return err
	}

	return d.writeRegister(ctx, op, SetpointRegister(seg), uint16(temp))
}

// WriteSegmentDuration sets the duration of segment seg in minutes.
func (d *Driver) WriteSegmentDuration(ctx context.Context, seg int, minutes int) error {
	const op = "up150.WriteSegmentDuration"
	if err := checkSegment(op, seg); err != nil {
		return err
	}
	if minutes < 0 || minutes > MaxDuration {
		return invalidArg(op, "duration %d out of range [0, %d]", minutes, MaxDuration)
	}

	return d.writeRegister(ctx, op, DurationRegister(seg), uint16(minutes))
}

// WriteStartSetpoint sets the temperature the program starts from, in °C.
func (d *Driver) WriteStartSetpoint(ctx context.Context, temp int) error {
	const op = "up150.WriteStartSetpoint"
	if err := checkTemperature(op, temp); err != nil {
		return err
	}

	return d.writeRegister(ctx, op, regStartSetpoint, uint16(temp))
}

// Run starts the programmed profile from segment 1.
func (d *Driver) Run(ctx context.Context) error {
	return d.writeRegister(ctx, "up150.Run", regRunMode, modeRun)
}

// Reset stops the program. The controller reports segment 0 afterwards.
func (d *Driver) Reset(ctx context.Context) error {
	return d.writeRegister(ctx, "up150.Reset", regRunMode, modeReset)
}

// ClearAllSegments writes a zero setpoint and a zero duration to every
// program segment.
func (d *Driver) ClearAllSegments(ctx context.Context) error {
	for seg := MinSegment; seg <= MaxSegment; seg++ {
		if err := d.ClearSegment(ctx, seg); err != nil {
			return err
		}
	}

	d.logger.Debug("all program segments cleared")

	return nil
}

// ClearSegment writes a zero setpoint and a zero duration to segment seg.
func (d *Driver) ClearSegment(ctx context.Context, seg int) error {
	if err := d.WriteSegmentSetpoint(ctx, seg, 0); err != nil {
		return err
	}

	return d.WriteSegmentDuration(ctx, seg, 0)
}

// Close resets the controller and closes the port. The port is closed even
// if the reset fails.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return nil
	}

	resetErr := d.Reset(ctx)
	if resetErr != nil {
		d.logger.Error("failed to reset furnace on close", "error", resetErr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return resetErr
	}
	d.closed = true

	if err := d.port.Close(); err != nil {
		return errors.Join(resetErr, fault.Wrap(fault.Link, "up150.Close", err))
	}

	return resetErr
}

func (d *Driver) readRegister(ctx context.Context, op string, register int) (int, error) {
	reply, err := d.exchange(ctx, op, EncodeRead(register))
	if err != nil {
		return 0, err
	}

	v, err := ParseValue(reply)
	if err != nil {
		return 0, d.replyError(op, register, reply, err)
	}

	return int(v), nil
}

func (d *Driver) writeRegister(ctx context.Context, op string, register int, value uint16) error {
	reply, err := d.exchange(ctx, op, EncodeWrite(register, value))
	if err != nil {
		return err
	}

	if err := parseAck(reply); err != nil {
		return d.replyError(op, register, reply, err)
	}

	d.logger.Debug("register written", "register", register, "value", value)

	return nil
}

func (d *Driver) replyError(op string, register int, reply []byte, err error) error {
	d.metrics.incErrorCount()
	if errors.Is(err, ErrDeviceRejected) {
		d.metrics.incRejectCount()
	}

	d.logger.Warn("furnace reply error", "op", op, "register", register, "reply", fmt.Sprintf("%q", reply), "error", err)

	return fault.Wrap(fault.Protocol, op, err)
}

// exchange writes request and collects the reply. The context is observed
// only before the request is written.
func (d *Driver) exchange(ctx context.Context, op string, request []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fault.Wrap(fault.Precondition, op, ErrClosed)
	}

	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Precondition, op, err)
	}

	if err := serialport.Drain(d.port); err != nil {
		d.metrics.incErrorCount()
		return nil, fault.Wrap(fault.Link, op, err)
	}

	if _, err := d.port.Write(request); err != nil {
		d.metrics.incErrorCount()
		return nil, fault.Wrap(fault.Link, op, fmt.Errorf("up150: write: %w", err))
	}
	d.metrics.incCommandCount()

	pool.Settle(d.cfg.settleDelay)

	reply, err := d.readReply()
	if err != nil {
		d.metrics.incErrorCount()
		return nil, fault.Wrap(fault.Link, op, fmt.Errorf("up150: read: %w", err))
	}

	if len(reply) == 0 {
		d.metrics.incErrorCount()
		return nil, fault.Wrap(fault.Protocol, op, fmt.Errorf("%w: no reply", ErrMalformedReply))
	}

	return reply, nil
}

// readReply collects reply bytes until the ETX CR trailer, silence on the
// line, or the reply size limit.
func (d *Driver) readReply() ([]byte, error) {
	buf := make([]byte, 0, d.cfg.maxReplySize)
	chunk := make([]byte, d.cfg.maxReplySize)

	for len(buf) < d.cfg.maxReplySize {
		n, err := d.port.Read(chunk[:d.cfg.maxReplySize-len(buf)])
		buf = append(buf, chunk[:n]...)

		if replyComplete(buf) {
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

func checkSegment(op string, seg int) error {
	if seg < MinSegment || seg > MaxSegment {
		return invalidArg(op, "segment %d out of range [%d, %d]", seg, MinSegment, MaxSegment)
	}

	return nil
}

func checkTemperature(op string, temp int) error {
	if temp < MinTemperature || temp > MaxTemperature {
		return invalidArg(op, "temperature %d out of range [%d, %d]", temp, MinTemperature, MaxTemperature)
	}

	return nil
}

func invalidArg(op string, format string, args ...any) error {
	return fault.Wrap(fault.Precondition, op, fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...))
}
