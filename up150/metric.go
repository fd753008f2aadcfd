package up150

import "sync/atomic"

// Metrics contains atomic counters of a furnace driver.
// Metrics can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// CommandCount indicates the number of frames written to the line.
	CommandCount atomic.Uint64
	// ErrorCount indicates the number of failed exchanges, of any kind.
	ErrorCount atomic.Uint64
	// RejectCount indicates the number of commands answered with an "ER" end code.
	RejectCount atomic.Uint64
}

func (m *Metrics) incCommandCount() {
	m.CommandCount.Add(1)
}

func (m *Metrics) incErrorCount() {
	m.ErrorCount.Add(1)
}

func (m *Metrics) incRejectCount() {
	m.RejectCount.Add(1)
}
