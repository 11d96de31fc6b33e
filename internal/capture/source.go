// Package capture runs the recognition loop: it pulls observations from a source,
// matches every face against the roster, gates the decisions by confidence and
// hands accepted ones to the attendance ledger without ever blocking on storage.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/roster"
)

var (
	// ErrSourceFull is returned by PushSource.Push when the buffer is full.
	ErrSourceFull = errors.New("capture source buffer full")
	// ErrSourceClosed is returned by PushSource.Push after Close.
	ErrSourceClosed = errors.New("capture source closed")
)

// Observation is one camera frame worth of face embeddings.
type Observation struct {
	Embeddings []roster.Embedding `json:"embeddings"`
	ObservedAt time.Time          `json:"observed_at"`
	Source     string             `json:"source,omitempty"`
}

// Source produces observations. Next blocks until an observation is available,
// the context is done, or the source is exhausted (io.EOF).
type Source interface {
	Next(ctx context.Context) (Observation, error)
}

// PushSource is a Source fed from outside, e.g. by edge cameras posting frames to the API.
type PushSource struct {
	ch chan Observation

	mu     sync.RWMutex
	closed bool
}

// NewPushSource creates a push source buffering up to size observations.
func NewPushSource(size int) *PushSource {
	if size <= 0 {
		size = 1
	}
	return &PushSource{ch: make(chan Observation, size)}
}

// Push enqueues an observation without blocking.
func (s *PushSource) Push(obs Observation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSourceClosed
	}
	select {
	case s.ch <- obs:
		return nil
	default:
		return ErrSourceFull
	}
}

// Next implements Source. After Close, buffered observations are still returned before io.EOF.
func (s *PushSource) Next(ctx context.Context) (Observation, error) {
	select {
	case obs, ok := <-s.ch:
		if !ok {
			return Observation{}, io.EOF
		}
		return obs, nil
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	}
}

// Close stops accepting observations.
func (s *PushSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
