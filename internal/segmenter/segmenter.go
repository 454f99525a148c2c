// Package segmenter cuts the incoming audio frame stream into
// speech-bounded batches for transcription.
//
// Frames are classified by RMS energy. A batch closes at a silence boundary
// once enough speech has accumulated, or immediately at the maximum duration,
// mid-speech if necessary. Each batch carries a sample-identical copy of the
// previous batch's tail so words straddling a boundary are not lost.
package segmenter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/types"
)

// Default configuration values.
const (
	DefaultMinBatchDuration = 3 * time.Second
	DefaultMaxBatchDuration = 30 * time.Second
	DefaultSilenceDuration  = 500 * time.Millisecond
	DefaultOverlapDuration  = 500 * time.Millisecond
	DefaultSilenceThreshold = 100.0
	DefaultSampleRate       = 16000
	DefaultQueueSize        = 100
)

// Config holds the segmentation parameters. The zero value of any field is
// replaced with its default.
type Config struct {
	// SampleRate is the PCM rate of incoming frames in Hz.
	SampleRate int

	// MinBatchDuration is the minimum accumulated audio before a silence
	// boundary may close a batch.
	MinBatchDuration time.Duration

	// MaxBatchDuration force-closes a batch regardless of speech activity.
	MaxBatchDuration time.Duration

	// SilenceDuration is how long energy must stay at or below the
	// threshold before a batch boundary is recognised.
	SilenceDuration time.Duration

	// OverlapDuration is the tail of each batch replayed at the head of the
	// next. Must be shorter than MinBatchDuration.
	OverlapDuration time.Duration

	// SilenceThreshold is the RMS energy at or below which a frame counts
	// as silent, in raw 16-bit sample units.
	SilenceThreshold float64

	// QueueSize bounds the output batch queue. On overflow the oldest
	// pending batch is dropped to admit the new one.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.MinBatchDuration <= 0 {
		c.MinBatchDuration = DefaultMinBatchDuration
	}
	if c.MaxBatchDuration <= 0 {
		c.MaxBatchDuration = DefaultMaxBatchDuration
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.OverlapDuration < 0 {
		c.OverlapDuration = DefaultOverlapDuration
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

func (c Config) validate() error {
	if c.MaxBatchDuration <= c.MinBatchDuration {
		return errors.New("segmenter: max batch duration must exceed min batch duration")
	}
	if c.OverlapDuration >= c.MinBatchDuration {
		return errors.New("segmenter: overlap duration must be shorter than min batch duration")
	}
	return nil
}

// Option configures a [Segmenter] during construction.
type Option func(*Segmenter)

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) {
		s.metrics = m
	}
}

type commandKind int

const (
	cmdFlush commandKind = iota
	cmdRecord
)

// Batch close reasons, as logged.
const (
	closeSilence = "silence"
	closeMax     = "max"
	closeFlush   = "flush"
)

type command struct {
	kind   commandKind
	enable bool
	done   chan struct{}
}

// Segmenter turns frames into batches. All segmentation state is owned by
// the [Segmenter.Run] goroutine; the exported methods communicate with it
// through channels and are safe for concurrent use while Run is active.
type Segmenter struct {
	cfg     Config
	in      <-chan types.Frame
	out     chan types.Batch
	ctrl    chan command
	stopped chan struct{}
	metrics *observe.Metrics

	recording atomic.Bool

	// State below is touched only by the Run goroutine.
	pending      []int16
	voiced       bool
	start        time.Time
	end          time.Time
	inSilence    bool
	silenceStart time.Time
	tail         []int16
	seq          uint64
}

// New returns a segmenter consuming frames from in. Zero config fields take
// their defaults; an invalid combination (max ≤ min, overlap ≥ min) is an
// error.
func New(cfg Config, in <-chan types.Frame, opts ...Option) (*Segmenter, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Segmenter{
		cfg:     cfg,
		in:      in,
		out:     make(chan types.Batch, cfg.QueueSize),
		ctrl:    make(chan command),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Batches returns the output queue. It is closed when Run returns.
func (s *Segmenter) Batches() <-chan types.Batch { return s.out }

// Recording reports whether the intake gate is open.
func (s *Segmenter) Recording() bool { return s.recording.Load() }

// SetRecording toggles the intake gate. The gate starts closed; frames
// arriving while it is closed are discarded without advancing segmentation
// state. Disabling flushes the in-progress batch and then resets the
// silence tracker and overlap tail, so the first batch after a restart
// carries no overlap. Sequence numbers are never reset.
func (s *Segmenter) SetRecording(enabled bool) {
	s.recording.Store(enabled)
	s.send(command{kind: cmdRecord, enable: enabled})
}

// Flush force-closes the in-progress batch regardless of duration. A flush
// with no accumulated voiced audio emits nothing. Flush returns once the
// batch has been queued.
func (s *Segmenter) Flush() {
	s.send(command{kind: cmdFlush})
}

// send hands a command to the Run goroutine and waits for it to be applied.
// Commands are dropped once Run has returned.
func (s *Segmenter) send(cmd command) {
	cmd.done = make(chan struct{})
	select {
	case s.ctrl <- cmd:
		select {
		case <-cmd.done:
		case <-s.stopped:
		}
	case <-s.stopped:
	}
}

// Run consumes frames until the input channel closes or ctx is cancelled.
// A closed input flushes the pending batch before returning; cancellation
// discards it. The output channel is closed on return.
func (s *Segmenter) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.ctrl:
			s.apply(cmd)
		case frame, ok := <-s.in:
			if !ok {
				s.flush()
				return nil
			}
			if !s.recording.Load() {
				continue
			}
			s.process(frame)
		}
	}
}

func (s *Segmenter) apply(cmd command) {
	defer close(cmd.done)
	switch cmd.kind {
	case cmdFlush:
		s.flush()
	case cmdRecord:
		if !cmd.enable {
			s.flush()
			s.inSilence = false
			s.tail = nil
		}
	}
}

// process runs one frame through the silence tracker, accumulates it, and
// closes the batch when a boundary rule fires.
func (s *Segmenter) process(f types.Frame) {
	if len(f.Samples) == 0 {
		return
	}

	if audio.RMS(f.Samples) <= s.cfg.SilenceThreshold {
		if !s.inSilence {
			s.inSilence = true
			s.silenceStart = f.Time
		}
	} else {
		s.inSilence = false
		s.voiced = true
	}

	if len(s.pending) == 0 {
		s.start = f.Time
	}
	s.pending = append(s.pending, f.Samples...)
	s.end = f.Time.Add(audio.Duration(len(f.Samples), s.cfg.SampleRate))

	d := audio.Duration(len(s.pending), s.cfg.SampleRate)
	switch {
	case d >= s.cfg.MaxBatchDuration:
		s.close(closeMax)
	case d >= s.cfg.MinBatchDuration && s.inSilence &&
		f.Time.Sub(s.silenceStart) >= s.cfg.SilenceDuration:
		s.close(closeSilence)
	}
}

// flush closes the pending batch regardless of duration.
func (s *Segmenter) flush() {
	if len(s.pending) > 0 {
		s.close(closeFlush)
	}
}

// close emits the pending accumulation as a batch. All-silent accumulations
// are discarded: silence alone never produces a batch.
func (s *Segmenter) close(reason string) {
	if !s.voiced {
		s.resetPending()
		return
	}

	samples := make([]int16, len(s.tail)+len(s.pending))
	copy(samples, s.tail)
	copy(samples[len(s.tail):], s.pending)

	s.seq++
	b := types.Batch{
		Seq:     s.seq,
		ID:      uuid.NewString(),
		Samples: samples,
		Overlap: len(s.tail),
		Final:   reason == closeFlush,
		Start:   s.start,
		End:     s.end,
	}

	// The next overlap comes from this batch's fresh samples only, so audio
	// is never carried more than one batch forward.
	overlapN := min(audio.SampleCount(s.cfg.OverlapDuration, s.cfg.SampleRate), len(s.pending))
	s.tail = make([]int16, overlapN)
	copy(s.tail, s.pending[len(s.pending)-overlapN:])

	s.resetPending()

	slog.Debug("batch closed",
		"seq", b.Seq,
		"reason", reason,
		"duration", b.Duration(s.cfg.SampleRate),
		"overlap_samples", b.Overlap)
	s.metrics.BatchAudioDuration.Record(context.Background(),
		b.Duration(s.cfg.SampleRate).Seconds())

	s.emit(b)
}

func (s *Segmenter) resetPending() {
	s.pending = s.pending[:0]
	s.voiced = false
	s.start = time.Time{}
	s.end = time.Time{}
}

// emit queues the batch. When the queue is full the oldest pending batch is
// dropped to make room; its sequence number stays consumed.
func (s *Segmenter) emit(b types.Batch) {
	for {
		select {
		case s.out <- b:
			return
		default:
		}
		select {
		case dropped := <-s.out:
			slog.Warn("batch queue full, dropping oldest batch",
				"dropped_seq", dropped.Seq,
				"queue_size", cap(s.out))
			s.metrics.RecordBatchDropped(context.Background(), "queue_overflow")
		default:
		}
	}
}
