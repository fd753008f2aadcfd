// Package recipe models an annealing recipe: an ordered list of up to eight
// stages, each a ramp to a temperature followed by a hold at it, with the
// gas flow to apply while the stage runs.
//
// Stage i (0-based) is programmed into furnace segments 2i+1 (ramp) and
// 2i+2 (hold).
package recipe

import (
	"errors"
	"fmt"
	"math"

	"github.com/arloliu/go-anneal/mks647b"
	"github.com/arloliu/go-anneal/up150"
)

// MaxStages is the number of stages that fit the 16 program segments.
const MaxStages = up150.MaxSegment / 2

var (
	// ErrTooManyStages is returned when a recipe would exceed MaxStages.
	ErrTooManyStages = errors.New("recipe: too many stages")
	// ErrNoStages is returned when a recipe without stages is started.
	ErrNoStages = errors.New("recipe: no stages")
	// ErrInvalidStage is returned for a stage with a value out of range.
	ErrInvalidStage = errors.New("recipe: invalid stage")
)

// Stage is one ramp-and-hold step of a recipe.
type Stage struct {
	// Temperature is the target of the ramp and the hold, in °C.
	Temperature int `json:"temperature" yaml:"temperature"`
	// RampMinutes is the duration of the ramp segment.
	RampMinutes int `json:"ramp_time" yaml:"ramp_time"`
	// HoldMinutes is the duration of the hold segment.
	HoldMinutes int `json:"hold_time" yaml:"hold_time"`
	// FlowSetpoint is the gas flow in units of FlowRange.
	FlowSetpoint float64 `json:"flow_rate" yaml:"flow_rate"`
	// FlowRange is the full-scale range of the flow controller channel.
	FlowRange mks647b.Range `json:"range" yaml:"range"`
}

// Validate checks that every value of s can be programmed.
func (s Stage) Validate() error {
	switch {
	case s.Temperature < up150.MinTemperature || s.Temperature > up150.MaxTemperature:
		return fmt.Errorf("%w: temperature %d out of range [%d, %d]",
			ErrInvalidStage, s.Temperature, up150.MinTemperature, up150.MaxTemperature)
	case s.RampMinutes < 0 || s.RampMinutes > up150.MaxDuration:
		return fmt.Errorf("%w: ramp_time %d out of range [0, %d]", ErrInvalidStage, s.RampMinutes, up150.MaxDuration)
	case s.HoldMinutes < 0 || s.HoldMinutes > up150.MaxDuration:
		return fmt.Errorf("%w: hold_time %d out of range [0, %d]", ErrInvalidStage, s.HoldMinutes, up150.MaxDuration)
	case !s.FlowRange.Selectable():
		return fmt.Errorf("%w: range %q is not selectable", ErrInvalidStage, s.FlowRange.String())
	case math.IsNaN(s.FlowSetpoint) || math.IsInf(s.FlowSetpoint, 0):
		return fmt.Errorf("%w: flow_rate %v is not a finite number", ErrInvalidStage, s.FlowSetpoint)
	case s.FlowSetpoint < 0 || s.FlowSetpoint > s.FlowRange.MaxFlow():
		return fmt.Errorf("%w: flow_rate %v out of range [0, %v] for %s",
			ErrInvalidStage, s.FlowSetpoint, s.FlowRange.MaxFlow(), s.FlowRange)
	}

	return nil
}

// Minutes returns the ramp plus hold duration of s.
func (s Stage) Minutes() int {
	return s.RampMinutes + s.HoldMinutes
}

// Recipe is an ordered list of stages. The zero value is an empty recipe.
type Recipe struct {
	stages []Stage
}

// New creates a recipe from stages.
func New(stages ...Stage) (*Recipe, error) {
	r := &Recipe{}
	for _, s := range stages {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add appends a stage.
func (r *Recipe) Add(s Stage) error {
	if len(r.stages) >= MaxStages {
		return fmt.Errorf("%w: at most %d", ErrTooManyStages, MaxStages)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("stage %d: %w", len(r.stages)+1, err)
	}
	r.stages = append(r.stages, s)

	return nil
}

// RemoveLast removes the last stage. It reports false when r is empty.
func (r *Recipe) RemoveLast() (Stage, bool) {
	if len(r.stages) == 0 {
		return Stage{}, false
	}

	last := r.stages[len(r.stages)-1]
	r.stages = r.stages[:len(r.stages)-1]

	return last, true
}

// Clear removes every stage.
func (r *Recipe) Clear() {
	r.stages = nil
}

// Len returns the number of stages.
func (r *Recipe) Len() int {
	return len(r.stages)
}

// Stage returns stage i (0-based).
func (r *Recipe) Stage(i int) (Stage, bool) {
	if i < 0 || i >= len(r.stages) {
		return Stage{}, false
	}

	return r.stages[i], true
}

// Stages returns a copy of the stages.
func (r *Recipe) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)

	return out
}

// Clone returns a deep copy of r.
func (r *Recipe) Clone() *Recipe {
	return &Recipe{stages: r.Stages()}
}

// Validate checks the stage count and every stage.
func (r *Recipe) Validate() error {
	if len(r.stages) == 0 {
		return ErrNoStages
	}
	if len(r.stages) > MaxStages {
		return fmt.Errorf("%w: %d stages, at most %d", ErrTooManyStages, len(r.stages), MaxStages)
	}
	for i, s := range r.stages {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("stage %d: %w", i+1, err)
		}
	}

	return nil
}

// SegmentCount returns the number of furnace segments used by r.
func (r *Recipe) SegmentCount() int {
	return 2 * len(r.stages)
}

// MinutesFrom returns the total duration of the stages from index i on.
func (r *Recipe) MinutesFrom(i int) int {
	if i < 0 {
		i = 0
	}

	total := 0
	for ; i < len(r.stages); i++ {
		total += r.stages[i].Minutes()
	}

	return total
}

// RampSegment returns the furnace segment of the ramp of stage i (0-based).
func RampSegment(i int) int {
	return 2*i + 1
}

// HoldSegment returns the furnace segment of the hold of stage i (0-based).
func HoldSegment(i int) int {
	return 2*i + 2
}

// StageOfSegment returns the 0-based stage executing furnace segment seg,
// or -1 when seg is 0 (program reset).
func StageOfSegment(seg int) int {
	if seg <= 0 {
		return -1
	}

	return (seg - 1) / 2
}

// IsRamp reports whether seg is a ramp segment.
func IsRamp(seg int) bool {
	return seg > 0 && seg%2 == 1
}
