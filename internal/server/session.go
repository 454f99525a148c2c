package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// writeTimeout bounds a single frame write to one client.
	writeTimeout = 10 * time.Second

	// closeGrace is how long a close waits for the session writer to stand
	// down before any final frame is written.
	closeGrace = 5 * time.Second
)

// session is one connected WebSocket client. The read side lives in the
// accept handler; writeLoop is the only goroutine writing data frames, so
// every outbound frame goes through queue and per-session ordering holds.
type session struct {
	id      string
	seq     uint64
	conn    *websocket.Conn
	created time.Time

	queue chan []byte
	stop  chan struct{} // closed to stop the writer
	done  chan struct{} // closed when the writer has exited

	lastSeen  atomic.Int64 // unix nanos of the last inbound frame
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, seq uint64, queueSize int, now time.Time) *session {
	s := &session{
		id:      uuid.NewString(),
		seq:     seq,
		conn:    conn,
		created: now,
		queue:   make(chan []byte, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// touch records inbound activity for idle expiry.
func (s *session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// idleSince reports whether the last inbound frame predates cutoff.
func (s *session) idleSince(cutoff time.Time) bool {
	return time.Unix(0, s.lastSeen.Load()).Before(cutoff)
}

// enqueue hands a frame to the writer without blocking. Reports false
// when the queue is full.
func (s *session) enqueue(frame []byte) bool {
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// writeLoop drains the queue onto the connection until the session is
// closed, the context ends, or a write fails. A failed or timed-out write
// poisons the connection, which the read side then observes as an error.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case frame := <-s.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// close stops the writer, optionally writes one final frame, and closes
// the connection. Safe to call multiple times from any goroutine; only
// the first call acts.
func (s *session) close(final []byte, code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.stop)
		select {
		case <-s.done:
		case <-time.After(closeGrace):
		}
		if final != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_ = s.conn.Write(ctx, websocket.MessageText, final)
			cancel()
		}
		_ = s.conn.Close(code, reason)
	})
}

// registry tracks live sessions and enforces the session cap.
type registry struct {
	seq atomic.Uint64

	mu   sync.Mutex
	byID map[string]*session
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*session)}
}

// add inserts a session. When the cap was already reached it removes and
// returns the session with the oldest arrival order to make room; the
// caller owns closing it.
func (r *registry) add(s *session, max int) (evicted *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.byID) >= max {
		for _, cand := range r.byID {
			if evicted == nil || cand.seq < evicted.seq {
				evicted = cand
			}
		}
		if evicted != nil {
			delete(r.byID, evicted.id)
		}
	}
	r.byID[s.id] = s
	return evicted
}

// remove forgets the session and returns it, or nil when another path
// already removed it.
func (r *registry) remove(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	return s
}

func (r *registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// stale removes and returns every session whose last inbound frame
// predates cutoff.
func (r *registry) stale(cutoff time.Time) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session
	for id, s := range r.byID {
		if s.idleSince(cutoff) {
			delete(r.byID, id)
			out = append(out, s)
		}
	}
	return out
}
