package mks647b

import (
	"fmt"
	"strconv"
	"strings"
)

// Unit is a flow unit of the 647B range table.
type Unit string

const (
	SCCM Unit = "SCCM"
	SLM  Unit = "SLM"
	SCMM Unit = "SCMM"
	SCFH Unit = "SCFH"
	SCFM Unit = "SCFM"
)

// Range is a full-scale flow range of a channel, e.g. 500 SCCM.
type Range struct {
	Value int
	Unit  Unit
}

// Commonly used ranges.
var (
	Range500SCCM = Range{500, SCCM}
	Range1SLM    = Range{1, SLM}
)

// rangeTable maps range codes to ranges; the index is the code sent with RA.
var rangeTable = [...]Range{
	{1, SCCM}, {2, SCCM}, {5, SCCM}, {10, SCCM}, {20, SCCM},
	{50, SCCM}, {100, SCCM}, {200, SCCM}, {500, SCCM},
	{1, SLM}, {2, SLM}, {5, SLM}, {10, SLM}, {20, SLM},
	{50, SLM}, {100, SLM}, {200, SLM}, {400, SLM}, {500, SLM},
	{1, SCMM},
	{1, SCFH}, {2, SCFH}, {5, SCFH}, {10, SCFH}, {20, SCFH},
	{50, SCFH}, {100, SCFH}, {200, SCFH}, {500, SCFH},
	{1, SCFM}, {2, SCFM}, {5, SCFM}, {10, SCFM}, {20, SCFM},
	{50, SCFM}, {100, SCFM}, {200, SCFM}, {500, SCFM},
	{30, SLM}, {300, SLM},
}

// MaxRangeCode is the highest range code of the instrument.
const MaxRangeCode = len(rangeTable) - 1

// ranges the instrument decodes but an operator may not select.
var unselectable = map[Range]bool{
	{400, SLM}: true,
	{1, SCMM}:  true,
	{30, SLM}:  true,
	{300, SLM}: true,
}

var codeByRange = func() map[Range]int {
	m := make(map[Range]int, len(rangeTable))
	for code, r := range rangeTable {
		m[r] = code
	}

	return m
}()

// RangeByCode returns the range of a range code.
func RangeByCode(code int) (Range, bool) {
	if code < 0 || code > MaxRangeCode {
		return Range{}, false
	}

	return rangeTable[code], true
}

// RangeCodeText returns the "<value> <unit>" text of a range code, or "?" for
// a code outside the table.
func RangeCodeText(code int) string {
	r, ok := RangeByCode(code)
	if !ok {
		return "?"
	}

	return r.String()
}

// SelectableRanges returns the ranges an operator may choose, in code order.
func SelectableRanges() []Range {
	out := make([]Range, 0, len(rangeTable)-len(unselectable))
	for _, r := range rangeTable {
		if !unselectable[r] {
			out = append(out, r)
		}
	}

	return out
}

// ParseRange parses "<value> <unit>", e.g. "500 SCCM".
func ParseRange(s string) (Range, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Range{}, fmt.Errorf("mks647b: invalid range %q: want \"<value> <unit>\"", s)
	}

	v, err := strconv.Atoi(fields[0])
	if err != nil {
		return Range{}, fmt.Errorf("mks647b: invalid range value %q", fields[0])
	}

	r := Range{Value: v, Unit: Unit(strings.ToUpper(fields[1]))}
	if _, ok := r.Code(); !ok {
		return Range{}, fmt.Errorf("mks647b: unknown range %q", s)
	}

	return r, nil
}

// Code returns the range code of r.
func (r Range) Code() (int, bool) {
	code, ok := codeByRange[r]
	return code, ok
}

// Valid reports whether r is in the range table.
func (r Range) Valid() bool {
	_, ok := codeByRange[r]
	return ok
}

// Selectable reports whether an operator may choose r.
func (r Range) Selectable() bool {
	return r.Valid() && !unselectable[r]
}

// Factor returns the full-scale value used for scaling.
func (r Range) Factor() float64 {
	return float64(r.Value)
}

// MaxFlow returns the highest setpoint accepted on r, 110 % of full scale.
func (r Range) MaxFlow() float64 {
	return r.Factor() * MaxDeviceValue / 1000
}

func (r Range) String() string {
	return strconv.Itoa(r.Value) + " " + string(r.Unit)
}

// MarshalText implements encoding.TextMarshaler.
func (r Range) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("mks647b: unknown range %q", r.String())
	}

	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Range) UnmarshalText(text []byte) error {
	parsed, err := ParseRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed

	return nil
}
