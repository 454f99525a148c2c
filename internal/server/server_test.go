package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/earshotlabs/earshot/internal/kb"
	"github.com/earshotlabs/earshot/internal/keys"
	"github.com/earshotlabs/earshot/internal/qa"
	"github.com/earshotlabs/earshot/internal/server"
	"github.com/earshotlabs/earshot/internal/transcript"
	"github.com/earshotlabs/earshot/pkg/provider/llm"
	"github.com/earshotlabs/earshot/pkg/provider/llm/mock"
	"github.com/earshotlabs/earshot/pkg/types"
)

type fakeRecorder struct {
	recording atomic.Bool
	flushes   atomic.Int32
	sets      atomic.Int32
}

func (f *fakeRecorder) Recording() bool { return f.recording.Load() }

func (f *fakeRecorder) SetRecording(enabled bool) {
	f.sets.Add(1)
	f.recording.Store(enabled)
}

func (f *fakeRecorder) Flush() { f.flushes.Add(1) }

type testEnv struct {
	srv    *server.Server
	ts     *httptest.Server
	store  *transcript.Store
	docs   *kb.Store
	rec    *fakeRecorder
	intent *server.Intent
	mock   *mock.Provider
}

func newTestEnv(t *testing.T, cfg server.Config) *testEnv {
	t.Helper()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Answer."},
	}
	store := transcript.NewStore()
	docs := kb.NewStore()
	keyman, err := keys.NewManager(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	qaHandler, err := qa.New(qa.Config{}, provider, store, docs)
	if err != nil {
		t.Fatalf("qa.New: %v", err)
	}
	rec := &fakeRecorder{}
	intent := server.NewIntent()

	srv, err := server.New(cfg, qaHandler, docs, keyman, rec, intent)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, store: store, docs: docs, rec: rec, intent: intent, mock: provider}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

func field[T any](t *testing.T, m map[string]any, key string) T {
	t.Helper()
	v, ok := m[key].(T)
	if !ok {
		t.Fatalf("field %q = %v (%T) in frame %v", key, m[key], m[key], m)
	}
	return v
}

// skipWelcome drains the three-frame connect sequence.
func skipWelcome(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for range 3 {
		readFrame(t, conn)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectWelcomeSequence(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	env.docs.Add("# Agenda\nShip it.")
	conn := env.dial(t)

	welcome := readFrame(t, conn)
	if got, want := field[string](t, welcome, "type"), "status"; got != want {
		t.Fatalf("first frame type = %q, want %q", got, want)
	}
	if got, want := field[string](t, welcome, "message"), "Connected to Live Q&A"; got != want {
		t.Errorf("welcome message = %q, want %q", got, want)
	}
	if field[string](t, welcome, "session_id") == "" {
		t.Error("welcome carries no session_id")
	}

	kbFrame := readFrame(t, conn)
	if got, want := field[string](t, kbFrame, "type"), "kb_content"; got != want {
		t.Fatalf("second frame type = %q, want %q", got, want)
	}
	if got, want := field[string](t, kbFrame, "content"), "# Agenda\nShip it."; got != want {
		t.Errorf("kb content = %q, want %q", got, want)
	}

	keysFrame := readFrame(t, conn)
	if got, want := field[string](t, keysFrame, "type"), "api_keys_status"; got != want {
		t.Fatalf("third frame type = %q, want %q", got, want)
	}
	if field[bool](t, keysFrame, "has_openai_key") || field[bool](t, keysFrame, "has_gemini_key") {
		t.Errorf("fresh environment reports configured keys: %v", keysFrame)
	}
}

func TestQuestionRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	env.store.Append(types.Segment{Seq: 1, Text: "we agreed to ship on friday"})
	env.mock.CompleteResponse = &llm.CompletionResponse{Content: "We ship Friday."}

	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "question", "content": "What did we agree?", "request_id": "req-1"})

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "answer"; got != want {
		t.Fatalf("frame type = %q, want %q (frame %v)", got, want, frame)
	}
	if got, want := field[string](t, frame, "question"), "What did we agree?"; got != want {
		t.Errorf("question = %q, want %q", got, want)
	}
	if got, want := field[string](t, frame, "content"), "We ship Friday."; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
	if got, want := field[string](t, frame, "answer"), "We ship Friday."; got != want {
		t.Errorf("answer = %q, want %q", got, want)
	}
	if got, want := field[string](t, frame, "request_id"), "req-1"; got != want {
		t.Errorf("request_id = %q, want %q", got, want)
	}
	if got, want := field[float64](t, frame, "confidence"), 0.8; got != want {
		t.Errorf("confidence = %v, want %v", got, want)
	}
	if got := field[float64](t, frame, "processing_time"); got < 0 {
		t.Errorf("processing_time = %v, want >= 0", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, field[string](t, frame, "timestamp")); err != nil {
		t.Errorf("timestamp does not parse: %v", err)
	}
}

func TestQuestionEmptyContentRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "question", "request_id": "req-9"})

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "error"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	if got, want := field[string](t, frame, "error"), "Invalid question request"; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	if got, want := field[string](t, frame, "request_id"), "req-9"; got != want {
		t.Errorf("request_id = %q, want %q", got, want)
	}

	// The connection survives the protocol error.
	send(t, conn, map[string]any{"type": "intent", "content": "pricing"})
	ack := readFrame(t, conn)
	if got, want := field[string](t, ack, "type"), "status"; got != want {
		t.Fatalf("follow-up frame type = %q, want %q", got, want)
	}
}

func TestQuestionModelErrorReportedToClient(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	env.store.Append(types.Segment{Seq: 1, Text: "budget talk"})
	env.mock.CompleteErr = errors.New("rate limited")

	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "question", "content": "What about the budget?", "request_id": "req-2"})

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "error"; got != want {
		t.Fatalf("frame type = %q, want %q (frame %v)", got, want, frame)
	}
	errText := field[string](t, frame, "error")
	if !strings.HasPrefix(errText, "Failed to process question: ") || !strings.Contains(errText, "rate limited") {
		t.Errorf("error = %q, want processing failure naming the cause", errText)
	}
	if got, want := field[string](t, frame, "request_id"), "req-2"; got != want {
		t.Errorf("request_id = %q, want %q", got, want)
	}
}

func TestInvalidJSONKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "error"), "Invalid JSON format"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}

	send(t, conn, map[string]any{"type": "intent", "content": "still here"})
	ack := readFrame(t, conn)
	if got, want := field[string](t, ack, "type"), "status"; got != want {
		t.Fatalf("follow-up frame type = %q, want %q", got, want)
	}
}

func TestUnknownMessageType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "teleport"})

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "error"), "Unknown message type: teleport"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

func TestIntentUpdatesSharedFocus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "intent", "content": "  pricing strategy  "})
	ack := readFrame(t, conn)
	if got, want := field[string](t, ack, "message"), "Session focus updated: pricing strategy"; got != want {
		t.Fatalf("ack message = %q, want %q", got, want)
	}
	if got, want := env.intent.Get(), "pricing strategy"; got != want {
		t.Errorf("intent = %q, want %q", got, want)
	}

	send(t, conn, map[string]any{"type": "intent", "content": ""})
	ack = readFrame(t, conn)
	if got, want := field[string](t, ack, "message"), "Session focus updated: Default"; got != want {
		t.Fatalf("ack message = %q, want %q", got, want)
	}
	if got := env.intent.Get(); got != "" {
		t.Errorf("intent = %q, want cleared", got)
	}
}

func TestRecordingControl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "recording_control", "content": map[string]any{"action": "start"}})

	ack := readFrame(t, conn)
	if got, want := field[string](t, ack, "message"), "Recording started"; got != want {
		t.Fatalf("ack = %q, want %q", got, want)
	}
	status := readFrame(t, conn)
	if got, want := field[string](t, status, "type"), "recording_status"; got != want {
		t.Fatalf("broadcast type = %q, want %q", got, want)
	}
	content := field[map[string]any](t, status, "content")
	if got, ok := content["recording"].(bool); !ok || !got {
		t.Errorf("recording = %v, want true", content["recording"])
	}
	if !env.rec.Recording() {
		t.Error("recorder gate not enabled")
	}

	send(t, conn, map[string]any{"type": "recording_control", "content": map[string]any{"action": "stop"}})

	ack = readFrame(t, conn)
	if got, want := field[string](t, ack, "message"), "Recording stopped"; got != want {
		t.Fatalf("ack = %q, want %q", got, want)
	}
	status = readFrame(t, conn)
	content = field[map[string]any](t, status, "content")
	if got, ok := content["recording"].(bool); !ok || got {
		t.Errorf("recording = %v, want false", content["recording"])
	}
	if got, want := env.rec.flushes.Load(), int32(1); got != want {
		t.Errorf("flushes = %d, want %d", got, want)
	}
}

func TestRecordingControlInvalidAction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "recording_control", "content": map[string]any{"action": "pause"}})

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "error"), "Invalid recording action: pause"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
	if got := env.rec.sets.Load(); got != 0 {
		t.Errorf("recorder toggled %d times, want 0", got)
	}
}

func TestStatusRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "status_request", "content": "recording_status"})
	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "recording_status"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	content := field[map[string]any](t, frame, "content")
	if got, ok := content["recording"].(bool); !ok || got {
		t.Errorf("recording = %v, want false", content["recording"])
	}

	// Unknown topics get no reply; the next frame answers the follow-up.
	send(t, conn, map[string]any{"type": "status_request", "content": "battery"})
	send(t, conn, map[string]any{"type": "intent", "content": "focus"})
	next := readFrame(t, conn)
	if got, want := field[string](t, next, "type"), "status"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	if got, want := field[string](t, next, "message"), "Session focus updated: focus"; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestKBUpdateBroadcasts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	connA := env.dial(t)
	connB := env.dial(t)
	skipWelcome(t, connA)
	skipWelcome(t, connB)

	send(t, connA, map[string]any{"type": "update_kb", "content": "# Notes\nAlpha."})

	ack := readFrame(t, connA)
	if got, want := field[string](t, ack, "type"), "kb_updated"; got != want {
		t.Fatalf("ack type = %q, want %q", got, want)
	}
	if !field[bool](t, ack, "success") {
		t.Error("kb_updated success = false, want true")
	}
	bcA := readFrame(t, connA)
	if got, want := field[string](t, bcA, "content"), "# Notes\nAlpha."; got != want {
		t.Errorf("requester kb_content = %q, want %q", got, want)
	}
	bcB := readFrame(t, connB)
	if got, want := field[string](t, bcB, "type"), "kb_content"; got != want {
		t.Fatalf("peer frame type = %q, want %q", got, want)
	}
	if got, want := field[string](t, bcB, "content"), "# Notes\nAlpha."; got != want {
		t.Errorf("peer kb_content = %q, want %q", got, want)
	}

	// An empty update clears the store instead of keeping a blank document.
	send(t, connA, map[string]any{"type": "update_kb", "content": ""})
	readFrame(t, connA) // kb_updated
	bcA = readFrame(t, connA)
	if got := field[string](t, bcA, "content"); got != "" {
		t.Errorf("kb_content after clear = %q, want empty", got)
	}
	if got := env.docs.Stats().Documents; got != 0 {
		t.Errorf("documents after clear = %d, want 0", got)
	}
}

func TestKBRecordLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "create_kb_record", "content": "# Roadmap\nQ3 priorities.", "request_id": "c-1"})
	created := readFrame(t, conn)
	if got, want := field[string](t, created, "type"), "kb_record_created"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	if got, want := field[string](t, created, "title"), "Roadmap"; got != want {
		t.Errorf("title = %q, want %q", got, want)
	}
	if got, want := field[string](t, created, "request_id"), "c-1"; got != want {
		t.Errorf("request_id = %q, want %q", got, want)
	}
	docID := field[string](t, created, "doc_id")
	if docID == "" {
		t.Fatal("created record has no doc_id")
	}
	readFrame(t, conn) // kb_content broadcast

	send(t, conn, map[string]any{"type": "list_kb_records"})
	list := readFrame(t, conn)
	records := field[[]any](t, list, "records")
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0].(map[string]any)
	if got, want := rec["doc_id"], docID; got != want {
		t.Errorf("listed doc_id = %v, want %v", got, want)
	}
	if got, ok := rec["size"].(float64); !ok || got <= 0 {
		t.Errorf("listed size = %v, want > 0", rec["size"])
	}
	if _, err := time.Parse(time.RFC3339Nano, rec["created_at"].(string)); err != nil {
		t.Errorf("created_at does not parse: %v", err)
	}

	send(t, conn, map[string]any{"type": "get_kb_record", "doc_id": docID})
	got := readFrame(t, conn)
	if gotC, want := field[string](t, got, "content"), "# Roadmap\nQ3 priorities."; gotC != want {
		t.Errorf("record content = %q, want %q", gotC, want)
	}

	send(t, conn, map[string]any{"type": "update_kb_record", "doc_id": docID, "content": "# Roadmap\nQ4 priorities."})
	updated := readFrame(t, conn)
	if gotT, want := field[string](t, updated, "type"), "kb_record_updated"; gotT != want {
		t.Fatalf("frame type = %q, want %q", gotT, want)
	}
	bc := readFrame(t, conn)
	if gotC, want := field[string](t, bc, "content"), "# Roadmap\nQ4 priorities."; gotC != want {
		t.Errorf("broadcast content = %q, want %q", gotC, want)
	}

	send(t, conn, map[string]any{"type": "delete_kb_record", "doc_id": docID})
	deleted := readFrame(t, conn)
	if gotT, want := field[string](t, deleted, "type"), "kb_record_deleted"; gotT != want {
		t.Fatalf("frame type = %q, want %q", gotT, want)
	}
	readFrame(t, conn) // kb_content broadcast

	send(t, conn, map[string]any{"type": "get_kb_record", "doc_id": docID})
	missing := readFrame(t, conn)
	if gotE, want := field[string](t, missing, "error"), "Document not found: "+docID; gotE != want {
		t.Errorf("error = %q, want %q", gotE, want)
	}
}

func TestAPIKeyManagement(t *testing.T) {
	for _, name := range []string{keys.EnvOpenAIKey, keys.EnvGeminiKey} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)

	send(t, conn, map[string]any{"type": "get_api_keys"})
	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "api_keys"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	if got := field[string](t, frame, "openai_key"); got != "" {
		t.Errorf("openai_key = %q, want empty", got)
	}

	valid := "sk-" + strings.Repeat("a", 32)
	send(t, conn, map[string]any{"type": "set_api_keys", "openai_key": valid})

	updated := readFrame(t, conn)
	if got, want := field[string](t, updated, "type"), "api_keys_updated"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	if !field[bool](t, updated, "success") {
		t.Fatalf("update failed: %v", updated)
	}
	if got, want := field[string](t, updated, "message"), "API keys updated successfully"; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}

	status := readFrame(t, conn)
	if got, want := field[string](t, status, "type"), "api_keys_status"; got != want {
		t.Fatalf("broadcast type = %q, want %q", got, want)
	}
	if !field[bool](t, status, "has_openai_key") {
		t.Error("has_openai_key = false after update")
	}
	if field[bool](t, status, "has_gemini_key") {
		t.Error("has_gemini_key = true, want false")
	}

	send(t, conn, map[string]any{"type": "get_api_keys"})
	frame = readFrame(t, conn)
	if got, want := field[string](t, frame, "openai_key"), "sk-a...aaaaa"; got != want {
		t.Errorf("masked openai_key = %q, want %q", got, want)
	}

	send(t, conn, map[string]any{"type": "set_api_keys", "openai_key": "bogus"})
	updated = readFrame(t, conn)
	if field[bool](t, updated, "success") {
		t.Fatal("invalid key accepted")
	}
	if got := field[string](t, updated, "message"); !strings.Contains(got, "invalid") {
		t.Errorf("message = %q, want validation failure", got)
	}
}

func TestBroadcastPipelineEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{})
	conn := env.dial(t)
	skipWelcome(t, conn)
	waitFor(t, "session registration", func() bool { return env.srv.SessionCount() == 1 })

	start := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	env.srv.BroadcastTranscript(types.Segment{Text: "hello world", BatchID: "batch-7", Start: start})

	frame := readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "transcript"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	content := field[map[string]any](t, frame, "content")
	if got, want := content["text"], "hello world"; got != want {
		t.Errorf("text = %v, want %v", got, want)
	}
	if got, want := content["batch_id"], "batch-7"; got != want {
		t.Errorf("batch_id = %v, want %v", got, want)
	}
	if got, want := content["timestamp"], start.Format(time.RFC3339Nano); got != want {
		t.Errorf("timestamp = %v, want %v", got, want)
	}

	env.srv.BroadcastInsight(types.Insight{
		Kind:       types.InsightSummary,
		Content:    "The team is aligned on scope.",
		Confidence: 0.8,
		CreatedAt:  start,
	})
	frame = readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "insight"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	content = field[map[string]any](t, frame, "content")
	if got, want := content["type"], "summary"; got != want {
		t.Errorf("insight kind = %v, want %v", got, want)
	}
	if got, want := content["content"], "The team is aligned on scope."; got != want {
		t.Errorf("insight content = %v, want %v", got, want)
	}
	if got, want := content["confidence"], 0.8; got != want {
		t.Errorf("confidence = %v, want %v", got, want)
	}

	env.srv.BroadcastQuestions([]string{"One?", "Two?", "Three?", "Four?"})
	frame = readFrame(t, conn)
	if got, want := field[string](t, frame, "type"), "suggested_questions"; got != want {
		t.Fatalf("frame type = %q, want %q", got, want)
	}
	content = field[map[string]any](t, frame, "content")
	questions := content["questions"].([]any)
	if len(questions) != 4 {
		t.Fatalf("questions = %d, want 4", len(questions))
	}
	if got, want := questions[0], "One?"; got != want {
		t.Errorf("questions[0] = %v, want %v", got, want)
	}
}

func TestSessionEvictionAtCapacity(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, server.Config{MaxSessions: 2})

	first := env.dial(t)
	skipWelcome(t, first)
	second := env.dial(t)
	skipWelcome(t, second)

	third := env.dial(t)
	skipWelcome(t, third)

	// The oldest session gets a closing status frame, then the close.
	notice := readFrame(t, first)
	if got, want := field[string](t, notice, "type"), "status"; got != want {
		t.Fatalf("notice type = %q, want %q", got, want)
	}
	if got, want := field[string](t, notice, "message"), "Session closed: server is full"; got != want {
		t.Errorf("notice message = %q, want %q", got, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); err == nil {
		t.Fatal("evicted session still readable, want close")
	}

	waitFor(t, "session count to settle", func() bool { return env.srv.SessionCount() == 2 })

	// The newcomer is fully functional.
	send(t, third, map[string]any{"type": "intent", "content": "newcomer"})
	ack := readFrame(t, third)
	if got, want := field[string](t, ack, "message"), "Session focus updated: newcomer"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}
}
