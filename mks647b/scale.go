package mks647b

import (
	"fmt"
	"math"
)

// MaxDeviceValue is the highest setpoint in device units, 110 % of full scale.
const MaxDeviceValue = 1100

// ToDevice converts a flow in units of the channel range to device units.
func ToDevice(flow float64, rangeFactor float64, correction float64) (int, error) {
	if rangeFactor <= 0 || correction <= 0 {
		return 0, fmt.Errorf("%w: range factor %v, correction factor %v", ErrInvalidArgument, rangeFactor, correction)
	}

	x := math.Round(flow / rangeFactor / correction * 1000)
	if math.IsNaN(x) || x < 0 || x > MaxDeviceValue {
		return 0, fmt.Errorf("%w: flow %v scales to %v, outside [0, %d]", ErrInvalidArgument, flow, x, MaxDeviceValue)
	}

	return int(x), nil
}

// FromDevice converts device units to a flow in units of the channel range.
func FromDevice(raw int, rangeFactor float64, correction float64) float64 {
	return math.Round(float64(raw)*correction) / 1000 * rangeFactor
}
