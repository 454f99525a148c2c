// Package mock provides an in-memory implementation of the [audio.Source]
// interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and exposes exported fields the test can
// set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource()
//	_ = src.Start(ctx)
//	src.Emit(types.Frame{Samples: voiced, Time: time.Now()})
//	src.Close()
package mock

import (
	"context"
	"sync"

	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/types"
)

// Source is a mock implementation of [audio.Source]. Frames pushed with
// [Source.Emit] appear on the Frames channel.
type Source struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	frames chan types.Frame
	closed bool
}

// NewSource creates a mock source with a buffered frame channel.
func NewSource() *Source {
	return &Source{frames: make(chan types.Frame, 64)}
}

// Start implements [audio.Source]. Records the call and returns StartError.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	return s.StartError
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan types.Frame {
	return s.frames
}

// Stop implements [audio.Source]. Records the call, closes the frame channel,
// and returns StopError.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.StopError
}

// Emit pushes a frame to the Frames channel. Blocks when the buffer is full.
// Panics if called after Close or Stop.
func (s *Source) Emit(f types.Frame) {
	s.frames <- f
}

// Close closes the frame channel without counting as a Stop call. Safe to
// call more than once.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

var _ audio.Source = (*Source)(nil)
