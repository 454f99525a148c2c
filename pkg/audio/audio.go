// Package audio provides the PCM primitives used by the capture and
// transcription pipeline: sample conversion, energy measurement, batch
// preprocessing, and in-memory WAV encoding.
//
// All functions operate on signed 16-bit samples. Byte-level PCM is always
// little-endian.
package audio

import (
	"context"

	"github.com/earshotlabs/earshot/pkg/types"
)

// Source produces the frame stream the pipeline consumes. Implementations
// own their capture loop; Frames is closed after Stop returns or after the
// start context is cancelled.
type Source interface {
	// Start begins capture. The context bounds the capture loop.
	Start(ctx context.Context) error

	// Frames returns the output channel. The channel is created before Start
	// and closed exactly once when capture ends.
	Frames() <-chan types.Frame

	// Stop ends capture and releases resources. Safe to call more than once.
	Stop() error
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a frame channel must be consumed
// to completion but the data is no longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
