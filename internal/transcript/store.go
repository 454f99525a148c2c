// Package transcript maintains the session transcript: an append-only store
// of transcription segments plus a vocabulary corrector that repairs
// misheard domain terms before they are stored.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/earshotlabs/earshot/pkg/types"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind than this misses segments instead of blocking Append.
const subscriberBuffer = 64

// Stats summarises the stored transcript.
type Stats struct {
	// Segments is the number of stored segments.
	Segments int

	// Words is the total whitespace-separated word count across segments.
	Words int

	// Duration is the summed wall-clock span of all segments.
	Duration time.Duration

	// AvgSegment is Duration divided by Segments, zero when empty.
	AvgSegment time.Duration
}

// Store is the append-only transcript of one session.
//
// The transcription dispatcher appends segments in batch-sequence order; the
// insight generator and the Q&A handler take snapshots concurrently. Readers
// always observe a consistent prefix of the append order. Segments are never
// pruned: the full transcript is the source of truth for prompt assembly.
type Store struct {
	mu       sync.RWMutex
	segments []types.Segment
	words    int
	duration time.Duration

	subMu   sync.Mutex
	subs    map[int]chan types.Segment
	nextSub int
}

// NewStore returns an empty transcript store.
func NewStore() *Store {
	return &Store{subs: make(map[int]chan types.Segment)}
}

// Append adds a segment to the end of the transcript and notifies
// subscribers. A subscriber whose buffer is full is skipped.
func (s *Store) Append(seg types.Segment) {
	s.mu.Lock()
	s.segments = append(s.segments, seg)
	s.words += len(strings.Fields(seg.Text))
	if d := seg.End.Sub(seg.Start); d > 0 {
		s.duration += d
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- seg:
		default:
		}
	}
	s.subMu.Unlock()
}

// Snapshot returns a copy of all stored segments in append order.
func (s *Store) Snapshot() []types.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Text returns the full transcript with one segment per line.
func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for i, seg := range s.segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// Len returns the number of stored segments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Stats returns aggregate figures over the stored transcript.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Segments: len(s.segments),
		Words:    s.words,
		Duration: s.duration,
	}
	if st.Segments > 0 {
		st.AvgSegment = st.Duration / time.Duration(st.Segments)
	}
	return st
}

// Subscribe registers for future appends. The returned cancel function
// releases the subscription and closes the channel; calling it more than
// once is safe. Subscribers that do not drain their channel miss segments
// rather than slowing the pipeline.
func (s *Store) Subscribe() (<-chan types.Segment, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan types.Segment, subscriberBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
