package mks647b

import "sync/atomic"

// Metrics contains atomic counters of a flow controller driver.
type Metrics struct {
	// QueryCount indicates the number of command lines written, retries included.
	QueryCount atomic.Uint64
	// RetryCount indicates the number of commands repeated after an error reply.
	RetryCount atomic.Uint64
	// ErrorCount indicates the number of failed commands.
	ErrorCount atomic.Uint64
}

func (m *Metrics) incQueryCount() {
	m.QueryCount.Add(1)
}

func (m *Metrics) incRetryCount() {
	m.RetryCount.Add(1)
}

func (m *Metrics) incErrorCount() {
	m.ErrorCount.Add(1)
}
