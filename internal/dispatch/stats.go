package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// ModelStats is a point-in-time copy of one model's dispatch counters.
type ModelStats struct {
	// TotalRequests counts every provider attempt, including retries.
	TotalRequests int64

	// SuccessfulRequests counts attempts that returned a transcription.
	SuccessfulRequests int64

	// FailedRequests counts attempts that returned an error.
	FailedRequests int64

	// TotalAudioDuration sums the fresh audio length of successfully
	// transcribed batches.
	TotalAudioDuration time.Duration

	// TotalProcessingTime sums the wall-clock time spent in provider calls.
	TotalProcessingTime time.Duration
}

type modelCounters struct {
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64

	audioNanos atomic.Int64
	procNanos  atomic.Int64
}

func (c *modelCounters) snapshot() ModelStats {
	return ModelStats{
		TotalRequests:       c.total.Load(),
		SuccessfulRequests:  c.success.Load(),
		FailedRequests:      c.failed.Load(),
		TotalAudioDuration:  time.Duration(c.audioNanos.Load()),
		TotalProcessingTime: time.Duration(c.procNanos.Load()),
	}
}

// stats holds per-model counters. The mutex guards only the map shape; the
// counters themselves are atomic so workers never contend on updates.
type stats struct {
	mu     sync.RWMutex
	models map[string]*modelCounters
}

// newStats pre-registers the configured chain so snapshots list every model
// from the start, zeroes included.
func newStats(models []string) *stats {
	s := &stats{models: make(map[string]*modelCounters, len(models))}
	for _, m := range models {
		s.models[m] = &modelCounters{}
	}
	return s
}

func (s *stats) counters(model string) *modelCounters {
	s.mu.RLock()
	c, ok := s.models[model]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.models[model]; ok {
		return c
	}
	c = &modelCounters{}
	s.models[model] = c
	return c
}

func (s *stats) snapshot() map[string]ModelStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ModelStats, len(s.models))
	for m, c := range s.models {
		out[m] = c.snapshot()
	}
	return out
}
