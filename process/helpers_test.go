package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-anneal/devsim"
	"github.com/arloliu/go-anneal/logger"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/recipe"
	"github.com/arloliu/go-anneal/up150"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testT0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// rig is a controller wired to simulated instruments through the real drivers.
type rig struct {
	t       *testing.T
	furnace *devsim.Furnace
	mfc     *devsim.MFC
	ctrl    *Controller
	now     time.Time

	mu     sync.Mutex
	events []Event
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()

	ctx := context.Background()
	l := logger.NewMockLogger().AllowAll()

	r := &rig{t: t, furnace: devsim.NewFurnace(), mfc: devsim.NewMFC(), now: testT0}

	fd, err := up150.Open(ctx, r.furnace.Port(), up150.WithSettleDelay(0), up150.WithLogger(l))
	require.NoError(t, err)

	md, err := mks647b.Open(ctx, r.mfc.Port(), mks647b.WithSettleDelay(0), mks647b.WithLogger(l))
	require.NoError(t, err)

	opts = append([]Option{WithLogger(l), WithClock(func() time.Time { return r.now })}, opts...)
	r.ctrl, err = NewController(fd, md, opts...)
	require.NoError(t, err)

	r.ctrl.Subscribe(func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})

	return r
}

// snapshot hands the controller a poll result and advances the clock by
// one poll interval.
func (r *rig) snapshot(seg int, timeLeft int, temp int) Status {
	r.t.Helper()

	snap := Snapshot{
		Time:        r.now,
		Segment:     seg,
		TimeLeft:    timeLeft,
		Temperature: temp,
		Setpoint:    temp,
		RangeCode:   r.mfc.RangeCode(DefaultChannel),
	}
	st := r.ctrl.HandleSnapshot(context.Background(), snap)
	r.now = r.now.Add(40 * time.Second)

	return st
}

func (r *rig) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}

	return n
}

func (r *rig) eventsOf(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}

	return out
}

func (r *rig) start(rec *recipe.Recipe) {
	r.t.Helper()
	require.NoError(r.t, r.ctrl.Start(context.Background(), rec))
}

func stage(temp, ramp, hold int, flow float64) recipe.Stage {
	return recipe.Stage{
		Temperature:  temp,
		RampMinutes:  ramp,
		HoldMinutes:  hold,
		FlowSetpoint: flow,
		FlowRange:    mks647b.Range500SCCM,
	}
}

func newRecipe(t *testing.T, stages ...recipe.Stage) *recipe.Recipe {
	t.Helper()

	rec, err := recipe.New(stages...)
	require.NoError(t, err)

	return rec
}

type mockFurnace struct {
	mock.Mock
}

func (m *mockFurnace) WriteStartSetpoint(_ context.Context, temp int) error {
	return m.Called(temp).Error(0)
}

func (m *mockFurnace) WriteSegmentSetpoint(_ context.Context, seg int, temp int) error {
	return m.Called(seg, temp).Error(0)
}

func (m *mockFurnace) WriteSegmentDuration(_ context.Context, seg int, minutes int) error {
	return m.Called(seg, minutes).Error(0)
}

func (m *mockFurnace) ReadSegmentDuration(_ context.Context, seg int) (int, error) {
	args := m.Called(seg)
	return args.Int(0), args.Error(1)
}

func (m *mockFurnace) ReadTemperature(_ context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func (m *mockFurnace) Run(_ context.Context) error {
	return m.Called().Error(0)
}

func (m *mockFurnace) Reset(_ context.Context) error {
	return m.Called().Error(0)
}

type mockFlow struct {
	mock.Mock
}

func (m *mockFlow) OpenValve(_ context.Context, ch int) error {
	return m.Called(ch).Error(0)
}

func (m *mockFlow) CloseValve(_ context.Context, ch int) error {
	return m.Called(ch).Error(0)
}

func (m *mockFlow) SetFlowSetpoint(_ context.Context, ch int, flow float64) error {
	return m.Called(ch, flow).Error(0)
}

func (m *mockFlow) SetRange(_ context.Context, ch int, r mks647b.Range) error {
	return m.Called(ch, r).Error(0)
}

func (m *mockFlow) SetGasMenu(_ context.Context, n int) error {
	return m.Called(n).Error(0)
}

// programmable accepts every programming write of Start.
func (m *mockFurnace) programmable() *mockFurnace {
	m.On("WriteStartSetpoint", StartSetpoint).Return(nil)
	m.On("WriteSegmentSetpoint", mock.Anything, mock.Anything).Return(nil)
	m.On("WriteSegmentDuration", mock.Anything, mock.Anything).Return(nil)

	return m
}

func newMockController(t *testing.T, f *mockFurnace, fc *mockFlow) *Controller {
	t.Helper()

	c, err := NewController(f, fc, WithLogger(logger.NewMockLogger().AllowAll()))
	require.NoError(t, err)

	return c
}
