package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/recipe"
	"github.com/arloliu/go-anneal/up150"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestModeOf(t *testing.T) {
	assert.Equal(t, Resting, ModeOf(0))
	assert.Equal(t, Ramping, ModeOf(1))
	assert.Equal(t, Holding, ModeOf(2))
	assert.Equal(t, Ramping, ModeOf(15))
	assert.Equal(t, Holding, ModeOf(16))
	assert.Equal(t, "Holding", Holding.String())
	assert.Equal(t, "PostAnneal", PostAnneal.String())
}

// Two stages: segments 1-4 carry the program, 5-16 are cleared, and the
// flow follows the stage the furnace is executing.
func TestController_TwoStageRun(t *testing.T) {
	r := newRig(t)
	for seg := 1; seg <= up150.MaxSegment; seg++ {
		r.furnace.SetRegister(up150.SetpointRegister(seg), 777)
		r.furnace.SetRegister(up150.DurationRegister(seg), 99)
	}

	rec := newRecipe(t, stage(200, 10, 5, 50), stage(400, 20, 10, 100))
	r.start(rec)

	type program struct{ sp, minutes int }
	want := []program{{200, 10}, {200, 5}, {400, 20}, {400, 10}}
	for seg := 1; seg <= up150.MaxSegment; seg++ {
		sp, minutes := r.furnace.SegmentProgram(seg)
		if seg <= len(want) {
			assert.Equal(t, want[seg-1], program{sp, minutes}, "segment %d", seg)
			continue
		}
		assert.Zero(t, sp, "segment %d setpoint", seg)
		assert.Zero(t, minutes, "segment %d duration", seg)
	}
	assert.EqualValues(t, StartSetpoint, r.furnace.Register(228))
	assert.True(t, r.furnace.Running())
	assert.True(t, r.mfc.Valve(DefaultChannel))

	st := r.ctrl.Status()
	assert.Equal(t, Running, st.State)
	assert.NotEqual(t, uuid.Nil, st.RunID)
	assert.Equal(t, -1, st.StageIndex)
	assert.Equal(t, 2, st.StageCount)
	assert.Equal(t, testT0, st.StartTime)
	assert.Equal(t, 1, r.count(EventStarted))

	// ramp of stage 1
	st = r.snapshot(1, 10, 25)
	assert.Equal(t, Ramping, st.Mode)
	assert.Equal(t, 1, st.Stage)
	assert.Equal(t, 0, st.StageIndex)
	assert.Equal(t, 15, st.TimeLeft, "ramp time left includes the hold")
	assert.Equal(t, testT0.Add(45*time.Minute), st.EstimatedFinish)
	assert.Equal(t, "SLM", st.FlowUnit, "range read before the push")
	assert.Equal(t, 8, r.mfc.RangeCode(DefaultChannel))
	assert.Equal(t, 100, r.mfc.SetpointRaw(DefaultChannel))

	// hold of stage 1: no push
	st = r.snapshot(2, 5, 200)
	assert.Equal(t, Holding, st.Mode)
	assert.Equal(t, 5, st.TimeLeft)
	assert.Equal(t, "SCCM", st.FlowUnit)
	assert.Equal(t, testT0.Add(40*time.Second+35*time.Minute), st.EstimatedFinish)
	assert.Equal(t, 1, r.count(EventStageChanged))
	assert.Equal(t, 40*time.Second, st.Elapsed)

	// stage 2
	st = r.snapshot(3, 20, 200)
	assert.Equal(t, 2, st.Stage)
	assert.Equal(t, 30, st.TimeLeft)
	assert.Equal(t, 200, r.mfc.SetpointRaw(DefaultChannel))
	assert.Equal(t, 2, r.count(EventStageChanged))

	r.snapshot(4, 10, 400)
	assert.Equal(t, Running, r.ctrl.State())

	// program complete
	st = r.snapshot(0, 0, 400)
	assert.Equal(t, PostAnneal, st.State)
	assert.Equal(t, -1, st.StageIndex)
	assert.True(t, st.EstimatedFinish.IsZero())
	assert.False(t, r.furnace.Running())
	assert.Equal(t, 8, r.mfc.RangeCode(DefaultChannel))
	assert.Equal(t, 12, r.mfc.SetpointRaw(DefaultChannel), "6 SCCM purge")

	ev := r.eventsOf(EventPostAnneal)
	require.Len(t, ev, 1)
	assert.Equal(t, fault.Safety, ev[0].Kind)
}

// Segments 1, 2, 3 with one stage: the overrun at 3 ends the run once.
func TestController_Overrun(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))

	r.snapshot(1, 5, 25)
	r.snapshot(2, 5, 300)
	assert.Zero(t, r.count(EventPostAnneal))

	st := r.snapshot(3, 0, 300)
	assert.Equal(t, PostAnneal, st.State)
	require.Equal(t, 1, r.count(EventPostAnneal))
	assert.Contains(t, r.eventsOf(EventPostAnneal)[0].Reason, "overrun")
	assert.Equal(t, 1, r.count(EventStageChanged), "stage 2 is not part of the recipe")

	r.snapshot(0, 0, 290)
	r.snapshot(0, 0, 280)
	assert.Equal(t, 1, r.count(EventPostAnneal))
}

func TestController_WraparoundOnce(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))

	r.snapshot(1, 5, 25)
	r.snapshot(2, 1, 300)
	r.snapshot(0, 0, 300)
	r.snapshot(0, 0, 295)
	r.snapshot(0, 0, 290)

	assert.Equal(t, 1, r.count(EventPostAnneal))
	assert.Equal(t, PostAnneal, r.ctrl.State())
}

// Wraparound is detected even when the stage flow could never be pushed.
func TestController_WraparoundAfterFailedPush(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))

	r.mfc.FailNext(mks647b.DefaultMaxAttempts, '4')
	st := r.snapshot(1, 5, 25)
	assert.Equal(t, -1, st.StageIndex)
	assert.Equal(t, 1, r.count(EventError))

	r.snapshot(0, 0, 300)
	assert.Equal(t, PostAnneal, r.ctrl.State())
}

func TestController_FailedPushRetried(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))

	r.mfc.FailNext(mks647b.DefaultMaxAttempts, '4')
	st := r.snapshot(1, 5, 25)
	assert.Equal(t, -1, st.StageIndex, "failed push is not recorded")

	errEv := r.eventsOf(EventError)
	require.Len(t, errEv, 1)
	assert.Equal(t, fault.Protocol, errEv[0].Kind)
	require.ErrorIs(t, errEv[0].Err, mks647b.ErrInvalidValue)

	st = r.snapshot(1, 4, 40)
	assert.Equal(t, 0, st.StageIndex)
	assert.Equal(t, 40, r.mfc.SetpointRaw(DefaultChannel))
}

// 45, 32, 28 during the purge: the gas is shut off once, at 28.
func TestController_PostAnnealShutoff(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	r.snapshot(1, 5, 25)
	require.NoError(t, r.ctrl.EndRun(context.Background()))
	require.Equal(t, PostAnneal, r.ctrl.State())

	r.snapshot(0, 0, 45)
	r.snapshot(0, 0, 32)
	assert.Zero(t, r.count(EventShutoff))
	assert.True(t, r.mfc.Valve(DefaultChannel))

	st := r.snapshot(0, 0, 28)
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, 1, r.count(EventShutoff))
	assert.False(t, r.mfc.Valve(DefaultChannel))
	assert.Zero(t, r.mfc.SetpointRaw(DefaultChannel))
	assert.Equal(t, 8, r.mfc.RangeCode(DefaultChannel))

	r.snapshot(0, 0, 27)
	assert.Equal(t, 1, r.count(EventShutoff))
}

func TestController_ShutoffRetried(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	require.NoError(t, r.ctrl.EndRun(context.Background()))

	r.mfc.FailNext(mks647b.DefaultMaxAttempts, '0')
	r.snapshot(0, 0, 28)
	assert.Equal(t, PostAnneal, r.ctrl.State())
	assert.Equal(t, 1, r.count(EventError))

	r.snapshot(0, 0, 27)
	assert.Equal(t, Idle, r.ctrl.State())
	assert.Equal(t, 1, r.count(EventShutoff))
}

func TestController_PurgeRetried(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	r.snapshot(1, 5, 25)

	r.mfc.FailNext(mks647b.DefaultMaxAttempts, '4')
	require.NoError(t, r.ctrl.EndRun(context.Background()))
	assert.Equal(t, 40, r.mfc.SetpointRaw(DefaultChannel), "purge failed")

	r.snapshot(0, 0, 200)
	assert.Equal(t, 12, r.mfc.SetpointRaw(DefaultChannel))
}

func TestController_ResetRetriedDuringPostAnneal(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	r.snapshot(1, 5, 25)

	r.furnace.RejectNext(1)
	require.NoError(t, r.ctrl.EndRun(context.Background()))
	require.True(t, r.furnace.Running(), "reset was rejected")

	r.snapshot(1, 4, 100)
	assert.False(t, r.furnace.Running())
}

func TestController_StopIdempotent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Stop(ctx), "stop while idle is a no-op")
	assert.Zero(t, r.count(EventStopped))

	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	r.snapshot(1, 5, 200)

	require.NoError(t, r.ctrl.Stop(ctx))
	first := r.ctrl.Status()
	require.NoError(t, r.ctrl.Stop(ctx))
	second := r.ctrl.Status()

	assert.Equal(t, first, second)
	assert.Equal(t, Idle, second.State)
	assert.Equal(t, -1, second.StageIndex)
	assert.Equal(t, 1, r.count(EventStopped))
	assert.False(t, r.furnace.Running())
	assert.False(t, r.mfc.Valve(DefaultChannel))
	assert.Zero(t, r.mfc.SetpointRaw(DefaultChannel))
}

func TestController_StopDuringPostAnneal(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	require.NoError(t, r.ctrl.EndRun(ctx))
	require.NoError(t, r.ctrl.Stop(ctx))

	assert.Equal(t, Idle, r.ctrl.State())
	assert.False(t, r.mfc.Valve(DefaultChannel))
}

func TestController_StartPreconditions(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	err := r.ctrl.Start(ctx, &recipe.Recipe{})
	require.ErrorIs(t, err, recipe.ErrNoStages)
	assert.Equal(t, fault.Precondition, fault.KindOf(err))

	err = r.ctrl.Start(ctx, nil)
	require.ErrorIs(t, err, recipe.ErrNoStages)

	rec := newRecipe(t, stage(300, 5, 5, 20))
	r.start(rec)

	err = r.ctrl.Start(ctx, rec)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, fault.Precondition, fault.KindOf(err))

	require.NoError(t, r.ctrl.EndRun(ctx))
	r.start(rec)
	assert.Equal(t, Running, r.ctrl.State(), "start supersedes the purge")
}

func TestController_StartKeepsRecipeSnapshot(t *testing.T) {
	r := newRig(t)
	rec := newRecipe(t, stage(300, 5, 5, 20))
	r.start(rec)

	require.NoError(t, rec.Add(stage(500, 5, 5, 20)))

	st := r.snapshot(3, 5, 300)
	assert.Equal(t, 1, st.StageCount)
	assert.Equal(t, PostAnneal, st.State)
}

func TestController_EndRunRequiresRun(t *testing.T) {
	r := newRig(t)

	err := r.ctrl.EndRun(context.Background())
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, fault.Precondition, fault.KindOf(err))
}

func TestController_EndRun(t *testing.T) {
	r := newRig(t)
	r.start(newRecipe(t, stage(300, 5, 5, 20)))

	require.NoError(t, r.ctrl.EndRun(context.Background()))
	ev := r.eventsOf(EventPostAnneal)
	require.Len(t, ev, 1)
	assert.Equal(t, fault.Unknown, ev[0].Kind)
	assert.Equal(t, 12, r.mfc.SetpointRaw(DefaultChannel))
}

func TestController_Prepare(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Prepare(ctx))
	assert.True(t, r.mfc.Valve(0))
	assert.True(t, r.mfc.Valve(DefaultChannel))
	assert.Zero(t, r.mfc.GasMenu())
	assert.Zero(t, r.mfc.SetpointRaw(DefaultChannel))

	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	require.ErrorIs(t, r.ctrl.Prepare(ctx), ErrNotIdle)
}

func TestController_CloseChannelValve(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.ctrl.Prepare(ctx))
	require.NoError(t, r.ctrl.CloseChannelValve(ctx))
	assert.False(t, r.mfc.Valve(DefaultChannel))

	r.start(newRecipe(t, stage(300, 5, 5, 20)))
	require.ErrorIs(t, r.ctrl.CloseChannelValve(ctx), ErrAlreadyRunning)
	assert.True(t, r.mfc.Valve(DefaultChannel))
}

func TestController_CloseDownCheck(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.furnace.SetTemperature(45)
	cd, err := r.ctrl.CloseDownCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, CloseDown{Temperature: 45, Hot: true}, cd)

	r.furnace.SetTemperature(30)
	cd, err = r.ctrl.CloseDownCheck(ctx)
	require.NoError(t, err)
	assert.False(t, cd.Hot)

	r.furnace.SetSilent(true)
	_, err = r.ctrl.CloseDownCheck(ctx)
	require.ErrorIs(t, err, up150.ErrMalformedReply)
}

func TestController_UnknownRangeCode(t *testing.T) {
	r := newRig(t)

	st := r.ctrl.HandleSnapshot(context.Background(), Snapshot{Time: testT0, RangeCode: 77, Temperature: 25})
	assert.Equal(t, "?", st.FlowUnit)
	assert.Equal(t, Resting, st.Mode)
	assert.Zero(t, st.Stage)
}

func TestController_Unsubscribe(t *testing.T) {
	r := newRig(t)

	n := 0
	unsubscribe := r.ctrl.Subscribe(func(Event) { n++ })
	r.snapshot(0, 0, 25)
	unsubscribe()
	r.snapshot(0, 0, 25)

	assert.Equal(t, 1, n)
}

func TestController_HandlerMayReadStatus(t *testing.T) {
	r := newRig(t)

	var states []State
	r.ctrl.Subscribe(func(ev Event) {
		states = append(states, r.ctrl.Status().State)
	})
	r.start(newRecipe(t, stage(300, 5, 5, 20)))

	assert.Equal(t, []State{Running}, states)
}

func TestController_ValveFailureResetsFurnace(t *testing.T) {
	f := (&mockFurnace{}).programmable()
	f.On("Run").Return(nil).Once()
	f.On("Reset").Return(nil).Once()

	valveErr := fault.Wrap(fault.Link, "mks647b.OpenValve", errors.New("no reply"))
	fc := &mockFlow{}
	fc.On("OpenValve", DefaultChannel).Return(valveErr).Once()

	c := newMockController(t, f, fc)

	err := c.Start(context.Background(), newRecipe(t, stage(300, 5, 5, 20)))
	require.Error(t, err)
	assert.Equal(t, fault.Link, fault.KindOf(err))
	assert.Equal(t, Idle, c.State())

	f.AssertExpectations(t)
	fc.AssertExpectations(t)
}

func TestController_ProgrammingFailure(t *testing.T) {
	f := &mockFurnace{}
	f.On("WriteStartSetpoint", StartSetpoint).Return(nil)
	f.On("WriteSegmentSetpoint", 1, 300).Return(nil)
	f.On("WriteSegmentSetpoint", 2, 300).Return(fault.Wrap(fault.Protocol, "up150.WriteSegmentSetpoint", up150.ErrDeviceRejected))

	c := newMockController(t, f, &mockFlow{})

	err := c.Start(context.Background(), newRecipe(t, stage(300, 5, 5, 20)))
	require.ErrorIs(t, err, up150.ErrDeviceRejected)
	assert.Equal(t, fault.Protocol, fault.KindOf(err))
	assert.Equal(t, Idle, c.State())
	f.AssertNotCalled(t, "Run")
}

func TestController_StopShutoffFailure(t *testing.T) {
	f := (&mockFurnace{}).programmable()
	f.On("Run").Return(nil)
	f.On("Reset").Return(nil)

	fc := &mockFlow{}
	fc.On("OpenValve", DefaultChannel).Return(nil)
	fc.On("SetRange", DefaultChannel, DefaultPurgeRange).Return(errors.New("line down")).Once()
	fc.On("SetRange", DefaultChannel, DefaultPurgeRange).Return(nil)
	fc.On("SetFlowSetpoint", DefaultChannel, mock.Anything).Return(nil)
	fc.On("CloseValve", DefaultChannel).Return(nil)

	c := newMockController(t, f, fc)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, newRecipe(t, stage(300, 5, 5, 20))))

	require.Error(t, c.Stop(ctx))
	assert.Equal(t, PostAnneal, c.State())

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, Idle, c.State())
	fc.AssertCalled(t, "CloseValve", DefaultChannel)
}

func TestNewController_Options(t *testing.T) {
	f, fc := &mockFurnace{}, &mockFlow{}

	_, err := NewController(nil, fc)
	require.Error(t, err)
	_, err = NewController(f, nil)
	require.Error(t, err)

	for _, opt := range []Option{
		WithChannel(0),
		WithChannel(9),
		WithSafetyThreshold(0),
		WithPurgeFlow(0, mks647b.Range500SCCM),
		WithPurgeFlow(600, mks647b.Range500SCCM),
		WithPurgeFlow(1, mks647b.Range{}),
		WithClock(nil),
		WithLogger(nil),
	} {
		_, err := NewController(f, fc, opt)
		require.Error(t, err)
	}

	c, err := NewController(f, fc, WithChannel(3), WithSafetyThreshold(40), WithPurgeFlow(0.01, mks647b.Range1SLM))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Channel())
	assert.Equal(t, Idle, c.State())
}
