package audio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/earshotlabs/earshot/pkg/types"
)

// FileSource replays a 16-bit PCM WAV file as a frame stream, converting to
// mono at the target sample rate. Useful for local runs and demos without a
// live capture front end.
type FileSource struct {
	path       string
	sampleRate int
	frameLen   time.Duration
	speed      float64

	frames chan types.Frame

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewFileSource creates a source that replays path at the given target
// sample rate. frameLen is the emitted frame size (default 100ms when <= 0).
// speed scales replay pace; 0 or 1 is real time, higher is faster.
func NewFileSource(path string, sampleRate int, frameLen time.Duration, speed float64) *FileSource {
	if frameLen <= 0 {
		frameLen = 100 * time.Millisecond
	}
	if speed <= 0 {
		speed = 1
	}
	return &FileSource{
		path:       path,
		sampleRate: sampleRate,
		frameLen:   frameLen,
		speed:      speed,
		frames:     make(chan types.Frame, 32),
	}
}

// Start reads and converts the file, then replays it on the frame channel.
// The channel is closed when the file is exhausted, Stop is called, or ctx
// is cancelled.
func (s *FileSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("audio: file source already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		close(s.frames)
		return fmt.Errorf("audio: read wav file: %w", err)
	}
	samples, rate, channels, err := DecodeWAV(data)
	if err != nil {
		close(s.frames)
		return fmt.Errorf("audio: decode %s: %w", s.path, err)
	}
	if channels == 2 {
		samples = Downmix(samples)
	}
	samples = ResampleMono(samples, rate, s.sampleRate)

	go s.replay(ctx, samples)
	return nil
}

func (s *FileSource) replay(ctx context.Context, samples []int16) {
	defer close(s.frames)

	perFrame := SampleCount(s.frameLen, s.sampleRate)
	if perFrame <= 0 {
		return
	}
	interval := time.Duration(float64(s.frameLen) / s.speed)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for off := 0; off < len(samples); off += perFrame {
		end := off + perFrame
		if end > len(samples) {
			end = len(samples)
		}
		frame := types.Frame{
			Samples: samples[off:end:end],
			Time:    time.Now(),
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Frames implements [Source].
func (s *FileSource) Frames() <-chan types.Frame { return s.frames }

// Stop implements [Source]. Cancels an in-flight replay.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

var _ Source = (*FileSource)(nil)
