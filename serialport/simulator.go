package serialport

import (
	"errors"
	"io"
	"sync"
)

// ErrPortClosed is returned by a closed Simulator.
var ErrPortClosed = errors.New("serialport: port closed")

// Handler answers one request written to a Simulator. A nil or empty reply
// simulates an instrument that does not answer.
type Handler func(request []byte) []byte

// Simulator is an in-process Port. Every request delimited by the
// terminator byte is passed to the handler, and the handler's reply becomes
// readable. Reads of an empty reply buffer return (0, io.EOF), which is how
// a serial line with a read timeout reports silence.
type Simulator struct {
	mu         sync.Mutex
	handler    Handler
	terminator byte
	pending    []byte
	reply      []byte
	closed     bool
	requests   [][]byte
}

var (
	_ Port    = (*Simulator)(nil)
	_ Flusher = (*Simulator)(nil)
)

// NewSimulator creates a Simulator that delimits requests by terminator.
func NewSimulator(terminator byte, h Handler) *Simulator {
	return &Simulator{handler: h, terminator: terminator}
}

// Write implements io.Writer.
func (s *Simulator) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrPortClosed
	}

	s.pending = append(s.pending, b...)
	for {
		idx := -1
		for i, c := range s.pending {
			if c == s.terminator {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		req := make([]byte, idx+1)
		copy(req, s.pending[:idx+1])
		s.pending = s.pending[idx+1:]
		s.requests = append(s.requests, req)

		if s.handler != nil {
			s.reply = append(s.reply, s.handler(req)...)
		}
	}

	return len(b), nil
}

// Read implements io.Reader.
func (s *Simulator) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrPortClosed
	}
	if len(s.reply) == 0 {
		return 0, io.EOF
	}

	n := copy(b, s.reply)
	s.reply = s.reply[n:]

	return n, nil
}

// Flush discards unread reply bytes and any partial request.
func (s *Simulator) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reply = nil
	s.pending = nil

	return nil
}

// Close implements io.Closer.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// Closed reports whether Close was called.
func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Requests returns a copy of every request received so far.
func (s *Simulator) Requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.requests))
	copy(out, s.requests)

	return out
}

// ResetRequests forgets the recorded requests.
func (s *Simulator) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = nil
}
