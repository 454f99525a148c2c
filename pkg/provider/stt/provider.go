// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber wraps a hosted transcription API (OpenAI, Gemini) and converts
// one finished audio batch into text per call. Streaming recognition is out of
// scope: the segmenter upstream already cuts the audio at natural pauses, so
// batch inference keeps the provider surface small and uniform.
//
// Implementations must be safe for concurrent use; the dispatcher calls
// Transcribe from multiple workers.
package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Request describes one batch transcription call.
type Request struct {
	// Samples is mono 16-bit PCM audio, already preprocessed.
	Samples []int16

	// SampleRate is the sample rate of Samples in Hz.
	SampleRate int

	// Model is the model id being served (e.g. "whisper-1"). A single
	// Transcriber instance may be registered under several model ids.
	Model string

	// Language is an optional ISO-639-1 hint (e.g. "en"). Empty means
	// provider auto-detection.
	Language string

	// Prompt is an optional vocabulary hint forwarded to providers that
	// support one.
	Prompt string
}

// Result is a successful transcription.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Model is the model id that produced Text.
	Model string

	// Language is the ISO-639-1 code the provider detected, when its API
	// reports one. Empty otherwise.
	Language string

	// Latency is the wall-clock duration of the provider call.
	Latency time.Duration
}

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Name identifies the backend in logs (e.g. "openai", "gemini").
	Name() string

	// Transcribe converts one audio batch into text. It blocks until the
	// provider responds or ctx is done.
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// ErrNoAPIKey is returned when a provider has no API key available from
// either an option or the environment. It is never retryable.
var ErrNoAPIKey = errors.New("api key is not set")

// APIError describes a non-2xx response from a transcription service.
type APIError struct {
	// StatusCode is the HTTP status returned by the service.
	StatusCode int

	// Body is the (possibly truncated) response body, for log context.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth another attempt against the same
// model. Client errors are permanent, with two exceptions: request timeouts
// and rate limits. Network-level failures are always retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrNoAPIKey) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
