package recipe

import (
	"math"
	"testing"

	"github.com/arloliu/go-anneal/mks647b"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStage(temp int) Stage {
	return Stage{
		Temperature:  temp,
		RampMinutes:  30,
		HoldMinutes:  60,
		FlowSetpoint: 100,
		FlowRange:    mks647b.Range500SCCM,
	}
}

func TestSegmentMapping(t *testing.T) {
	for i := 0; i < MaxStages; i++ {
		ramp, hold := RampSegment(i), HoldSegment(i)
		assert.Equal(t, 2*i+1, ramp)
		assert.Equal(t, 2*i+2, hold)
		assert.Equal(t, i, StageOfSegment(ramp))
		assert.Equal(t, i, StageOfSegment(hold))
		assert.True(t, IsRamp(ramp))
		assert.False(t, IsRamp(hold))
	}

	assert.Equal(t, -1, StageOfSegment(0))
	assert.False(t, IsRamp(0))
	assert.Equal(t, 16, HoldSegment(MaxStages-1))
}

func TestStage_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Stage)
		ok     bool
	}{
		{"valid", func(*Stage) {}, true},
		{"max temperature", func(s *Stage) { s.Temperature = 1200 }, true},
		{"temperature too high", func(s *Stage) { s.Temperature = 1201 }, false},
		{"negative temperature", func(s *Stage) { s.Temperature = -1 }, false},
		{"negative ramp", func(s *Stage) { s.RampMinutes = -1 }, false},
		{"hold too long", func(s *Stage) { s.HoldMinutes = 0x10000 }, false},
		{"zero durations", func(s *Stage) { s.RampMinutes, s.HoldMinutes = 0, 0 }, true},
		{"max flow", func(s *Stage) { s.FlowSetpoint = 550 }, true},
		{"flow over max", func(s *Stage) { s.FlowSetpoint = 550.5 }, false},
		{"negative flow", func(s *Stage) { s.FlowSetpoint = -0.1 }, false},
		{"NaN flow", func(s *Stage) { s.FlowSetpoint = math.NaN() }, false},
		{"Inf flow", func(s *Stage) { s.FlowSetpoint = math.Inf(1) }, false},
		{"negative Inf flow", func(s *Stage) { s.FlowSetpoint = math.Inf(-1) }, false},
		{"unselectable range", func(s *Stage) { s.FlowRange = mks647b.Range{Value: 400, Unit: mks647b.SLM} }, false},
		{"unknown range", func(s *Stage) { s.FlowRange = mks647b.Range{} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStage(500)
			tt.modify(&s)

			err := s.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidStage)
		})
	}
}

func TestRecipe_AddRejectsNonFiniteFlow(t *testing.T) {
	r := &Recipe{}
	s := testStage(500)
	s.FlowSetpoint = math.NaN()

	require.ErrorIs(t, r.Add(s), ErrInvalidStage)
	require.Equal(t, 0, r.Len())

	_, err := New(s)
	require.ErrorIs(t, err, ErrInvalidStage)
}

func TestRecipe_AddRemove(t *testing.T) {
	r := &Recipe{}
	_, ok := r.RemoveLast()
	assert.False(t, ok)
	require.ErrorIs(t, r.Validate(), ErrNoStages)

	for i := 0; i < MaxStages; i++ {
		require.NoError(t, r.Add(testStage(100+i)))
	}
	require.ErrorIs(t, r.Add(testStage(900)), ErrTooManyStages)
	assert.Equal(t, MaxStages, r.Len())
	assert.Equal(t, 16, r.SegmentCount())
	require.NoError(t, r.Validate())

	last, ok := r.RemoveLast()
	require.True(t, ok)
	assert.Equal(t, 107, last.Temperature)
	assert.Equal(t, MaxStages-1, r.Len())

	err := r.Add(testStage(5000))
	require.ErrorIs(t, err, ErrInvalidStage)
	assert.Contains(t, err.Error(), "stage 8")

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestRecipe_Accessors(t *testing.T) {
	r, err := New(testStage(100), testStage(200), testStage(300))
	require.NoError(t, err)

	s, ok := r.Stage(1)
	require.True(t, ok)
	assert.Equal(t, 200, s.Temperature)
	_, ok = r.Stage(3)
	assert.False(t, ok)

	assert.Equal(t, 270, r.MinutesFrom(0))
	assert.Equal(t, 180, r.MinutesFrom(1))
	assert.Equal(t, 0, r.MinutesFrom(3))
	assert.Equal(t, 270, r.MinutesFrom(-1))

	stages := r.Stages()
	stages[0].Temperature = 999
	first, _ := r.Stage(0)
	assert.Equal(t, 100, first.Temperature, "Stages returns a copy")

	clone := r.Clone()
	clone.Clear()
	assert.Equal(t, 3, r.Len())
}
