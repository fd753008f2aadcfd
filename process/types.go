package process

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-anneal/fault"
	"github.com/arloliu/go-anneal/mks647b"
	"github.com/google/uuid"
)

// Furnace is the part of the furnace driver the controller uses.
// *up150.Driver implements it.
type Furnace interface {
	WriteStartSetpoint(ctx context.Context, temp int) error
	WriteSegmentSetpoint(ctx context.Context, seg int, temp int) error
	WriteSegmentDuration(ctx context.Context, seg int, minutes int) error
	ReadSegmentDuration(ctx context.Context, seg int) (int, error)
	ReadTemperature(ctx context.Context) (int, error)
	Run(ctx context.Context) error
	Reset(ctx context.Context) error
}

// FlowController is the part of the flow controller driver the controller
// uses. *mks647b.Driver implements it.
type FlowController interface {
	OpenValve(ctx context.Context, ch int) error
	CloseValve(ctx context.Context, ch int) error
	SetFlowSetpoint(ctx context.Context, ch int, flow float64) error
	SetRange(ctx context.Context, ch int, r mks647b.Range) error
	SetGasMenu(ctx context.Context, n int) error
}

// State is the run state of a Controller.
type State uint8

const (
	Idle State = iota
	Running
	PostAnneal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case PostAnneal:
		return "PostAnneal"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Mode is what the furnace is doing in its current segment.
type Mode uint8

const (
	Resting Mode = iota
	Ramping
	Holding
)

func (m Mode) String() string {
	switch m {
	case Resting:
		return "Resting"
	case Ramping:
		return "Ramping"
	case Holding:
		return "Holding"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ModeOf returns the mode of furnace segment seg.
func ModeOf(seg int) Mode {
	switch {
	case seg <= 0:
		return Resting
	case seg%2 == 1:
		return Ramping
	default:
		return Holding
	}
}

// Snapshot is one poll of both instruments.
type Snapshot struct {
	Time        time.Time
	Segment     int
	TimeLeft    int // minutes left in the segment
	Temperature int // °C
	Setpoint    int // working setpoint, °C
	Flow        float64
	RangeCode   int
}

// Status is the state of a Controller as of its last snapshot.
type Status struct {
	State State
	RunID uuid.UUID

	StageCount int
	// Stage is the 1-based stage of the current segment, 0 when resting.
	Stage int
	// StageIndex is the 0-based stage last pushed to the flow controller,
	// -1 when none.
	StageIndex int
	Mode       Mode
	// TimeLeft is the minutes left in the stage; while ramping it includes
	// the hold segment.
	TimeLeft int

	Temperature int
	Setpoint    int
	Flow        float64
	RangeCode   int
	// FlowUnit is the unit of the active range, "?" for an unknown code.
	FlowUnit string

	StartTime       time.Time
	Elapsed         time.Duration
	EstimatedFinish time.Time // zero unless running
	LastSnapshot    time.Time
}

// EventType identifies an Event.
type EventType uint8

const (
	// EventSnapshot is emitted for every handled snapshot.
	EventSnapshot EventType = iota + 1
	// EventStarted is emitted when a run starts.
	EventStarted
	// EventStageChanged is emitted when a stage's flow is pushed.
	EventStageChanged
	// EventPostAnneal is emitted when the run ends and the purge begins.
	EventPostAnneal
	// EventShutoff is emitted when the gas has been shut off.
	EventShutoff
	// EventStopped is emitted when the run is stopped by Stop.
	EventStopped
	// EventError is emitted when an instrument command of the controller fails.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSnapshot:
		return "snapshot"
	case EventStarted:
		return "started"
	case EventStageChanged:
		return "stage-changed"
	case EventPostAnneal:
		return "post-anneal"
	case EventShutoff:
		return "shutoff"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is a notification of a Controller.
type Event struct {
	Type   EventType
	Status Status
	// Kind classifies the event: fault.Safety for overrun and wraparound,
	// the error's kind for EventError.
	Kind   fault.Kind
	Reason string
	Err    error
}

// Handler receives events. It runs on the goroutine that caused the event
// and must not block.
type Handler func(Event)

// CloseDown is the answer of CloseDownCheck.
type CloseDown struct {
	Temperature int
	// Hot reports a temperature above the safety threshold.
	Hot bool
}
