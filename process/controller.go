package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/recipe"
	"github.com/arloliu/go-anneal/up150"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Controller runs annealing recipes on one furnace and one flow controller
// channel. It is safe for concurrent use.
type Controller struct {
	furnace Furnace
	flow    FlowController
	cfg     *config
	logger  logger.Logger

	mu          sync.Mutex
	state       State
	recipe      *recipe.Recipe
	runID       uuid.UUID
	startTime   time.Time
	stageIndex  int
	lastSegment int
	// purgePending is set while the post-anneal purge has not been applied.
	purgePending bool
	last         Snapshot
	view         view

	subscribers *xsync.MapOf[uint64, Handler]
	nextSubID   atomic.Uint64
}

// view holds the values derived from the last snapshot.
type view struct {
	stage    int
	mode     Mode
	timeLeft int
	finish   time.Time
}

// NewController creates an idle Controller.
func NewController(furnace Furnace, flow FlowController, opts ...Option) (*Controller, error) {
	if furnace == nil {
		return nil, errors.New("process: furnace is nil")
	}
	if flow == nil {
		return nil, errors.New("process: flow controller is nil")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Controller{
		furnace:     furnace,
		flow:        flow,
		cfg:         cfg,
		logger:      cfg.logger.With("component", "process", "channel", cfg.channel),
		state:       Idle,
		stageIndex:  -1,
		subscribers: xsync.NewMapOf[uint64, Handler](),
	}, nil
}

// Channel returns the flow controller channel of the controller.
func (c *Controller) Channel() int {
	return c.cfg.channel
}

// State returns the current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Status returns the run state and the values derived from the last snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusLocked()
}

// Subscribe registers h for every event. The returned function removes it.
func (c *Controller) Subscribe(h Handler) (unsubscribe func()) {
	id := c.nextSubID.Add(1)
	c.subscribers.Store(id, h)

	return func() { c.subscribers.Delete(id) }
}

// Prepare brings the flow controller to its idle configuration: zero
// setpoint on the channel, gas menu X, channel valve and main valve open.
func (c *Controller) Prepare(ctx context.Context) error {
	const op = "process.Prepare"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return fault.Wrap(fault.Precondition, op, fmt.Errorf("%w: %s", ErrNotIdle, c.state))
	}

	if err := c.flow.SetFlowSetpoint(ctx, c.cfg.channel, 0); err != nil {
		return wrapOp(op, err)
	}
	if err := c.flow.SetGasMenu(ctx, 0); err != nil {
		return wrapOp(op, err)
	}
	if err := c.flow.OpenValve(ctx, c.cfg.channel); err != nil {
		return wrapOp(op, err)
	}
	if err := c.flow.OpenValve(ctx, mks647b.MainValve); err != nil {
		return wrapOp(op, err)
	}

	c.logger.Info("flow controller prepared")

	return nil
}

// Start programs rec into the furnace and starts it. Start is accepted when
// idle and during a post-anneal purge; the new run takes over the flow
// controller.
//
// If the furnace program is started but the channel valve cannot be
// opened, the furnace is reset again and the error is returned.
func (c *Controller) Start(ctx context.Context, rec *recipe.Recipe) error {
	const op = "process.Start"

	if rec == nil {
		return fault.Wrap(fault.Precondition, op, recipe.ErrNoStages)
	}

	events, err := c.start(ctx, op, rec.Clone())
	c.emit(events...)

	return err
}

func (c *Controller) start(ctx context.Context, op string, rec *recipe.Recipe) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Running {
		return nil, fault.Wrap(fault.Precondition, op, ErrAlreadyRunning)
	}
	if err := rec.Validate(); err != nil {
		return nil, fault.Wrap(fault.Precondition, op, err)
	}

	if err := c.program(ctx, rec); err != nil {
		c.logger.Error("failed to program furnace", "error", err)
		return nil, wrapOp(op, err)
	}

	if err := c.furnace.Run(ctx); err != nil {
		c.logger.Error("failed to start furnace program", "error", err)
		return nil, wrapOp(op, err)
	}

	if err := c.flow.OpenValve(ctx, c.cfg.channel); err != nil {
		c.logger.Error("failed to open channel valve, resetting furnace", "error", err)
		if resetErr := c.furnace.Reset(ctx); resetErr != nil {
			c.logger.Error("failed to reset furnace", "error", resetErr)
			err = errors.Join(err, resetErr)
		}

		return nil, wrapOp(op, err)
	}

	if c.state == PostAnneal {
		c.logger.Info("post-anneal purge superseded by new run")
	}

	c.state = Running
	c.recipe = rec
	c.runID = uuid.New()
	c.startTime = c.cfg.now()
	c.stageIndex = -1
	c.lastSegment = 0
	c.purgePending = false
	c.view = view{}

	c.logger.Info("run started", "runID", c.runID, "stages", rec.Len(), "minutes", rec.MinutesFrom(0))

	return []Event{c.event(EventStarted)}, nil
}

// program writes the start setpoint and every segment: the stages' ramps
// and holds, then zeros for the unused segments.
func (c *Controller) program(ctx context.Context, rec *recipe.Recipe) error {
	if err := c.furnace.WriteStartSetpoint(ctx, StartSetpoint); err != nil {
		return err
	}

	for i, s := range rec.Stages() {
		ramp, hold := recipe.RampSegment(i), recipe.HoldSegment(i)

		if err := c.furnace.WriteSegmentSetpoint(ctx, ramp, s.Temperature); err != nil {
			return err
		}
		if err := c.furnace.WriteSegmentSetpoint(ctx, hold, s.Temperature); err != nil {
			return err
		}
		if err := c.furnace.WriteSegmentDuration(ctx, ramp, s.RampMinutes); err != nil {
			return err
		}
		if err := c.furnace.WriteSegmentDuration(ctx, hold, s.HoldMinutes); err != nil {
			return err
		}
	}

	for seg := rec.SegmentCount() + 1; seg <= up150.MaxSegment; seg++ {
		if err := c.furnace.WriteSegmentSetpoint(ctx, seg, 0); err != nil {
			return err
		}
		if err := c.furnace.WriteSegmentDuration(ctx, seg, 0); err != nil {
			return err
		}
	}

	c.logger.Debug("furnace programmed", "usedSegments", rec.SegmentCount())

	return nil
}

// EndRun ends a run the way the furnace finishing it would: the furnace is
// reset and the chamber purged until it cools down.
func (c *Controller) EndRun(ctx context.Context) error {
	const op = "process.EndRun"

	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return fault.Wrap(fault.Precondition, op, ErrNotRunning)
	}

	events := c.enterPostAnneal(ctx, fault.Unknown, "ended by operator")
	c.mu.Unlock()

	c.emit(events...)

	return nil
}

// Stop resets the furnace and shuts the gas off at once, whatever the
// temperature. Stop on an idle controller does nothing.
//
// If the gas cannot be shut off, the controller stays in PostAnneal so
// that the next snapshot below the threshold tries again.
func (c *Controller) Stop(ctx context.Context) error {
	const op = "process.Stop"

	c.mu.Lock()
	events, err := c.stop(ctx, op)
	c.mu.Unlock()

	c.emit(events...)

	return err
}

func (c *Controller) stop(ctx context.Context, op string) ([]Event, error) {
	if c.state == Idle {
		return nil, nil
	}

	resetErr := c.furnace.Reset(ctx)
	if resetErr != nil {
		c.logger.Error("failed to reset furnace", "error", resetErr)
	}

	c.stageIndex = -1
	c.lastSegment = 0
	c.purgePending = false

	shutoffErr := c.shutoff(ctx)
	if err := errors.Join(resetErr, shutoffErr); err != nil {
		c.state = PostAnneal
		return []Event{c.errorEvent("stop failed", err)}, wrapOp(op, err)
	}

	c.state = Idle
	c.logger.Info("run stopped", "runID", c.runID)

	return []Event{c.event(EventStopped)}, nil
}

// CloseChannelValve closes the channel valve. It is refused during a run.
func (c *Controller) CloseChannelValve(ctx context.Context) error {
	const op = "process.CloseChannelValve"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Running {
		return fault.Wrap(fault.Precondition, op, ErrAlreadyRunning)
	}

	if err := c.flow.CloseValve(ctx, c.cfg.channel); err != nil {
		return wrapOp(op, err)
	}

	c.logger.Info("channel valve closed")

	return nil
}

// CloseDownCheck reads the furnace temperature and reports whether it is
// above the safety threshold, so that a host can warn before shutting down.
func (c *Controller) CloseDownCheck(ctx context.Context) (CloseDown, error) {
	temp, err := c.furnace.ReadTemperature(ctx)
	if err != nil {
		return CloseDown{}, wrapOp("process.CloseDownCheck", err)
	}

	return CloseDown{Temperature: temp, Hot: temp > c.cfg.threshold}, nil
}

// HandleSnapshot processes one poll of the instruments. Snapshots must be
// handed over in the order they were taken.
func (c *Controller) HandleSnapshot(ctx context.Context, snap Snapshot) Status {
	c.mu.Lock()
	events := c.handleSnapshot(ctx, snap)
	st := c.statusLocked()
	c.mu.Unlock()

	events = append(events, Event{Type: EventSnapshot, Status: st})
	c.emit(events...)

	return st
}

func (c *Controller) handleSnapshot(ctx context.Context, snap Snapshot) []Event {
	var events []Event

	wasPostAnneal := c.state == PostAnneal
	c.last = snap

	seg := snap.Segment
	stageIndex := recipe.StageOfSegment(seg)
	mode := ModeOf(seg)

	timeLeft := snap.TimeLeft
	if mode == Ramping && seg+1 <= up150.MaxSegment {
		hold, err := c.furnace.ReadSegmentDuration(ctx, seg+1)
		if err != nil {
			c.logger.Warn("failed to read hold duration", "segment", seg+1, "error", err)
		} else {
			timeLeft += hold
		}
	}

	c.view = view{stage: stageIndex + 1, mode: mode, timeLeft: timeLeft}

	if c.state == Running {
		remaining := timeLeft + c.recipe.MinutesFrom(stageIndex+1)
		c.view.finish = snap.Time.Add(time.Duration(remaining) * time.Minute)

		if stageIndex != c.stageIndex && stageIndex >= 0 && stageIndex < c.recipe.Len() {
			events = append(events, c.pushStage(ctx, stageIndex)...)
		}

		switch {
		case stageIndex >= c.recipe.Len():
			c.logger.Warn("furnace entered an unused segment", "segment", seg, "stages", c.recipe.Len())
			events = append(events, c.enterPostAnneal(ctx, fault.Safety, fmt.Sprintf("overrun at segment %d", seg))...)
		case seg == 0 && (c.stageIndex != -1 || c.lastSegment > 0):
			events = append(events, c.enterPostAnneal(ctx, fault.Safety, "program completed")...)
		case seg > 0:
			c.lastSegment = seg
		}
	}

	if c.state == PostAnneal {
		events = append(events, c.postAnneal(ctx, snap, wasPostAnneal)...)
	}

	return events
}

// pushStage applies the flow of stage i. The stage index is recorded only
// when both commands succeed, so a failed push is repeated on the next
// snapshot.
func (c *Controller) pushStage(ctx context.Context, i int) []Event {
	s, _ := c.recipe.Stage(i)
	ch := c.cfg.channel

	err := c.flow.SetRange(ctx, ch, s.FlowRange)
	if err == nil {
		err = c.flow.SetFlowSetpoint(ctx, ch, s.FlowSetpoint)
	}
	if err != nil {
		c.logger.Error("failed to set stage flow", "stage", i+1, "error", err)
		return []Event{c.errorEvent(fmt.Sprintf("stage %d flow", i+1), err)}
	}

	c.stageIndex = i
	c.logger.Info("stage flow set", "stage", i+1, "range", s.FlowRange.String(), "flow", s.FlowSetpoint)

	return []Event{c.event(EventStageChanged)}
}

// enterPostAnneal ends the run: the furnace is reset and the purge flow set.
func (c *Controller) enterPostAnneal(ctx context.Context, kind fault.Kind, reason string) []Event {
	if err := c.furnace.Reset(ctx); err != nil {
		// retried by postAnneal while the furnace reports a segment
		c.logger.Error("failed to reset furnace", "error", err)
	}

	c.state = PostAnneal
	c.stageIndex = -1
	c.lastSegment = 0
	c.purgePending = true
	c.view.finish = time.Time{}

	if kind == fault.Safety {
		c.logger.Warn("run ended, purging", "runID", c.runID, "reason", reason)
	} else {
		c.logger.Info("run ended, purging", "runID", c.runID, "reason", reason)
	}

	events := []Event{{Type: EventPostAnneal, Status: c.statusLocked(), Kind: kind, Reason: reason}}

	return append(events, c.purge(ctx)...)
}

func (c *Controller) purge(ctx context.Context) []Event {
	ch := c.cfg.channel

	err := c.flow.SetRange(ctx, ch, c.cfg.purgeRange)
	if err == nil {
		err = c.flow.SetFlowSetpoint(ctx, ch, c.cfg.purgeFlow)
	}
	if err != nil {
		c.logger.Error("failed to set purge flow", "error", err)
		return []Event{c.errorEvent("purge flow", err)}
	}

	c.purgePending = false
	c.logger.Info("purge flow set", "range", c.cfg.purgeRange.String(), "flow", c.cfg.purgeFlow)

	return nil
}

// postAnneal runs the post-anneal checks of one snapshot. The furnace reset
// and the purge are retried only on snapshots after the one that ended the
// run.
func (c *Controller) postAnneal(ctx context.Context, snap Snapshot, retry bool) []Event {
	if retry && snap.Segment > 0 {
		c.logger.Warn("furnace still running a program, resetting", "segment", snap.Segment)
		if err := c.furnace.Reset(ctx); err != nil {
			c.logger.Error("failed to reset furnace", "error", err)
		}
	}

	if snap.Temperature >= c.cfg.threshold {
		if retry && c.purgePending {
			return c.purge(ctx)
		}

		return nil
	}

	if err := c.shutoff(ctx); err != nil {
		return []Event{c.errorEvent("shutoff", err)}
	}

	c.state = Idle
	c.purgePending = false
	c.logger.Info("chamber cooled down, gas shut off", "temperature", snap.Temperature, "threshold", c.cfg.threshold)

	return []Event{c.event(EventShutoff)}
}

// shutoff sets the safe range, zeroes the setpoint and closes the channel valve.
func (c *Controller) shutoff(ctx context.Context) error {
	ch := c.cfg.channel

	if err := c.flow.SetRange(ctx, ch, c.cfg.purgeRange); err != nil {
		c.logger.Error("failed to set shutoff range", "error", err)
		return err
	}
	if err := c.flow.SetFlowSetpoint(ctx, ch, 0); err != nil {
		c.logger.Error("failed to zero flow setpoint", "error", err)
		return err
	}
	if err := c.flow.CloseValve(ctx, ch); err != nil {
		c.logger.Error("failed to close channel valve", "error", err)
		return err
	}

	return nil
}

func (c *Controller) statusLocked() Status {
	st := Status{
		State:           c.state,
		RunID:           c.runID,
		StageIndex:      c.stageIndex,
		Stage:           c.view.stage,
		Mode:            c.view.mode,
		TimeLeft:        c.view.timeLeft,
		Temperature:     c.last.Temperature,
		Setpoint:        c.last.Setpoint,
		Flow:            c.last.Flow,
		RangeCode:       c.last.RangeCode,
		FlowUnit:        "?",
		StartTime:       c.startTime,
		EstimatedFinish: c.view.finish,
		LastSnapshot:    c.last.Time,
	}

	if r, ok := mks647b.RangeByCode(c.last.RangeCode); ok {
		st.FlowUnit = string(r.Unit)
	}
	if c.recipe != nil {
		st.StageCount = c.recipe.Len()
	}
	if c.state == Running {
		st.Elapsed = c.cfg.now().Sub(c.startTime)
	}

	return st
}

func (c *Controller) event(t EventType) Event {
	return Event{Type: t, Status: c.statusLocked()}
}

func (c *Controller) errorEvent(reason string, err error) Event {
	return Event{Type: EventError, Status: c.statusLocked(), Kind: fault.KindOf(err), Reason: reason, Err: err}
}

func (c *Controller) emit(events ...Event) {
	for _, ev := range events {
		c.subscribers.Range(func(_ uint64, h Handler) bool {
			h(ev)
			return true
		})
	}
}

// wrapOp adds op to err, keeping the kind the driver assigned.
func wrapOp(op string, err error) error {
	return fault.Wrap(fault.KindOf(err), op, err)
}
