// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber in unit tests to feed controlled transcription results
// without a live backend. All fields are safe to set before calling any
// method; mutating them during a concurrent call is the caller's
// responsibility.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/earshotlabs/earshot/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the Request passed to Transcribe.
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
// Zero values for response fields cause Transcribe to return an empty Result.
// Set Err fields to inject errors.
type Transcriber struct {
	mu sync.Mutex

	// ─── Configurable responses ───

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// Results, when non-empty, supplies return values consumed one per
	// call, in order. After the slice drains, Result is used.
	Results []stt.Result

	// Result is returned by Transcribe when Results is empty.
	Result stt.Result

	// Errs, when non-empty, supplies errors consumed one per call, in
	// order (nil entries mean success). After the slice drains, Err is
	// used.
	Errs []error

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Delay, if positive, makes Transcribe block for that long or until
	// ctx is done. Useful for exercising timeout and ordering paths.
	Delay time.Duration

	// ─── Call records (read after test) ───

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Name returns NameValue, or "mock" when unset.
func (t *Transcriber) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.NameValue == "" {
		return "mock"
	}
	return t.NameValue
}

// Transcribe records the call and returns the next configured result.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{Ctx: ctx, Req: req})

	var err error
	if len(t.Errs) > 0 {
		err = t.Errs[0]
		t.Errs = t.Errs[1:]
	} else {
		err = t.Err
	}

	result := t.Result
	if len(t.Results) > 0 {
		result = t.Results[0]
		t.Results = t.Results[1:]
	}
	delay := t.Delay
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if err != nil {
		return stt.Result{}, err
	}
	return result, nil
}

// CallCount returns the number of recorded Transcribe invocations.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
