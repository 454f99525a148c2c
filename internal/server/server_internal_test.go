package server

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegistryEvictsOldestArrival(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	now := time.Now()
	first := newSession(nil, r.seq.Add(1), 4, now)
	second := newSession(nil, r.seq.Add(1), 4, now)
	third := newSession(nil, r.seq.Add(1), 4, now)

	if evicted := r.add(first, 2); evicted != nil {
		t.Fatalf("first add evicted %v, want nil", evicted.id)
	}
	if evicted := r.add(second, 2); evicted != nil {
		t.Fatalf("second add evicted %v, want nil", evicted.id)
	}

	evicted := r.add(third, 2)
	if evicted == nil {
		t.Fatal("third add evicted nothing, want the oldest session")
	}
	if evicted.id != first.id {
		t.Errorf("evicted %q, want oldest %q", evicted.id, first.id)
	}
	if got, want := r.len(), 2; got != want {
		t.Errorf("len = %d, want %d", got, want)
	}
	if r.remove(first.id) != nil {
		t.Error("evicted session still registered")
	}
}

func TestRegistryRemoveOnlyOnce(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	sess := newSession(nil, r.seq.Add(1), 4, time.Now())
	r.add(sess, 10)

	if got := r.remove(sess.id); got == nil {
		t.Fatal("first remove = nil, want the session")
	}
	if got := r.remove(sess.id); got != nil {
		t.Fatalf("second remove = %v, want nil", got.id)
	}
}

func TestRegistryStale(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	now := time.Now()
	idle := newSession(nil, r.seq.Add(1), 4, now.Add(-2*time.Hour))
	busy := newSession(nil, r.seq.Add(1), 4, now.Add(-2*time.Hour))
	busy.touch(now)
	r.add(idle, 10)
	r.add(busy, 10)

	stale := r.stale(now.Add(-time.Hour))
	if len(stale) != 1 {
		t.Fatalf("stale = %d sessions, want 1", len(stale))
	}
	if stale[0].id != idle.id {
		t.Errorf("stale session = %q, want %q", stale[0].id, idle.id)
	}
	if got, want := r.len(), 1; got != want {
		t.Errorf("len after sweep = %d, want %d", got, want)
	}
}

func TestSessionEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	sess := newSession(nil, 1, 1, time.Now())
	if !sess.enqueue([]byte("one")) {
		t.Fatal("first enqueue = false, want true")
	}
	if sess.enqueue([]byte("two")) {
		t.Fatal("second enqueue = true, want drop")
	}
}

func TestInboundContentString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{name: "string content", raw: `{"type":"intent","content":"focus"}`, want: "focus", wantOK: true},
		{name: "missing content", raw: `{"type":"intent"}`, want: "", wantOK: true},
		{name: "object content", raw: `{"type":"intent","content":{"a":1}}`, want: "", wantOK: false},
		{name: "numeric content", raw: `{"type":"intent","content":7}`, want: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var msg inbound
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, ok := msg.contentString()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("contentString() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestInboundRecordingAction(t *testing.T) {
	t.Parallel()

	var msg inbound
	if err := json.Unmarshal([]byte(`{"type":"recording_control","content":{"action":"start"}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	action, ok := msg.recordingAction()
	if !ok || action != "start" {
		t.Errorf("recordingAction() = (%q, %v), want (start, true)", action, ok)
	}

	msg = inbound{}
	if err := json.Unmarshal([]byte(`{"type":"recording_control"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := msg.recordingAction(); ok {
		t.Error("recordingAction() on missing content = ok, want failure")
	}
}
