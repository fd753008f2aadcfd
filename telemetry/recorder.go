// Package telemetry records the furnace temperature over time and exports
// it as CSV.
package telemetry

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// DefaultCapacity is the number of samples kept before the oldest are dropped.
const DefaultCapacity = 121000

// TimeLayout is the timestamp layout of exported samples.
const TimeLayout = "2006-01-02 15:04:05"

// ErrNoSamples is returned when exporting an empty recorder.
var ErrNoSamples = errors.New("telemetry: no samples")

// Sample is one temperature reading.
type Sample struct {
	Time        time.Time
	Temperature int
}

// Recorder keeps the most recent samples in a fixed-size ring. It is safe
// for concurrent use.
type Recorder struct {
	mu    sync.RWMutex
	buf   []Sample
	start int
	count int
}

// NewRecorder creates a Recorder keeping up to capacity samples. A capacity
// of zero or less means DefaultCapacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Recorder{buf: make([]Sample, capacity)}
}

// Capacity returns the maximum number of samples kept.
func (r *Recorder) Capacity() int {
	return len(r.buf)
}

// Add appends s, dropping the oldest sample when the recorder is full.
func (r *Recorder) Add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % len(r.buf)
	r.buf[idx] = s

	if r.count < len(r.buf) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// Record appends a sample taken at t.
func (r *Recorder) Record(t time.Time, temperature int) {
	r.Add(Sample{Time: t, Temperature: temperature})
}

// Len returns the number of samples kept.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count
}

// Samples returns the samples oldest first.
func (r *Recorder) Samples() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}

	return out
}

// Last returns the most recent sample.
func (r *Recorder) Last() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return Sample{}, false
	}

	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

// Clear drops every sample.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start, r.count = 0, 0
}

// WriteCSV writes a "Time,Temperature" header followed by one row per
// sample, oldest first, in local time.
func (r *Recorder) WriteCSV(w io.Writer) error {
	samples := r.Samples()
	if len(samples) == 0 {
		return ErrNoSamples
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Time", "Temperature"}); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	for _, s := range samples {
		row := []string{s.Time.Local().Format(TimeLayout), strconv.Itoa(s.Temperature)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// Export writes the samples as CSV to path. Nothing is written when the
// recorder is empty.
func (r *Recorder) Export(path string) error {
	var buf bytes.Buffer
	if err := r.WriteCSV(&buf); err != nil {
		return err
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}
