// Package types defines the shared types used across all Earshot packages.
//
// These types form the lingua franca between the capture source, the
// segmenter, the transcription dispatcher, and the server. Each package
// defines its own domain types; cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Frame is a single chunk of PCM audio flowing into the pipeline. Samples are
// signed 16-bit, mono, at the pipeline sample rate (16 kHz by default).
type Frame struct {
	// Samples is the PCM payload. Never aliased after hand-off; the source
	// must not reuse the slice.
	Samples []int16

	// Time is the wall-clock capture time of the first sample. Silence
	// timing in the segmenter is based on these times, not on sample math,
	// so frames delivered late extend the perceived silence.
	Time time.Time
}

// Duration returns the playback length of the frame at the given sample rate.
func (f Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(sampleRate)
}

// Batch is one utterance-sized unit of audio cut by the segmenter and handed
// to the transcription dispatcher.
type Batch struct {
	// Seq numbers batches starting at 1. The segmenter never skips or reuses
	// a value, even for batches that are later dropped downstream.
	Seq uint64

	// ID is a unique identifier for correlating transcripts with batches in
	// client events and logs.
	ID string

	// Samples is the batch audio including the overlap prefix.
	Samples []int16

	// Overlap is the number of leading samples copied verbatim from the tail
	// of the previous batch. Zero for the first batch.
	Overlap int

	// Final marks a batch emitted by a forced flush rather than a boundary
	// rule, at recording stop or shutdown.
	Final bool

	// Start and End are the wall-clock bounds of the fresh (non-overlap)
	// audio in the batch.
	Start time.Time
	End   time.Time
}

// Duration returns the playback length of the batch audio, overlap included.
func (b Batch) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(sampleRate)
}

// Segment is the transcription result for one batch. Segments enter the
// context store strictly in batch-sequence order.
type Segment struct {
	// Seq is the originating batch sequence number.
	Seq uint64

	// BatchID is the originating batch identifier.
	BatchID string

	// Text is the transcribed speech, after vocabulary correction.
	Text string

	// Model is the transcription model that produced the text.
	Model string

	// Language is the language of the text: provider-declared when the API
	// reports one, otherwise the configured hint, otherwise "unknown".
	Language string

	// Latency is the end-to-end time from dispatch to accepted result,
	// including retries and fallbacks.
	Latency time.Duration

	// Start and End are the wall-clock bounds carried over from the batch.
	Start time.Time
	End   time.Time
}

// InsightKind selects which periodic observation the generator produces.
type InsightKind string

const (
	// InsightSummary is a 2-3 sentence observation about the conversation.
	InsightSummary InsightKind = "summary"

	// InsightThemes lists the key recurring themes so far.
	InsightThemes InsightKind = "themes"
)

// Insight is one generated meeting observation.
type Insight struct {
	Kind InsightKind

	// Content is the LLM-generated observation text.
	Content string

	// Confidence is a fixed heuristic score; the generator does not measure
	// model certainty.
	Confidence float64

	// CreatedAt is when the insight was generated.
	CreatedAt time.Time
}
