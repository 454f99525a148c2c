// Package server exposes the meeting pipeline to WebSocket clients.
//
// Every connection becomes a session: the client is greeted with a status
// frame carrying its session id, the current knowledge base, and the API
// key configuration, then receives transcript, insight, and
// suggested-question events as the pipeline produces them. Clients drive
// the other direction with typed JSON messages for questions, recording
// control, knowledge-base edits, and API-key management.
//
// Fan-out never blocks on a slow client: each session has a bounded
// outbound queue and events to a full queue are dropped. The session
// count is capped; admitting a client beyond the cap evicts the oldest
// session, and sessions with no inbound traffic for the configured
// timeout are expired by a periodic sweep.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/earshotlabs/earshot/internal/kb"
	"github.com/earshotlabs/earshot/internal/keys"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/qa"
	"github.com/earshotlabs/earshot/pkg/types"
)

const (
	// DefaultHost is the bind address when none is configured.
	DefaultHost = "localhost"

	// DefaultPort is the WebSocket listener port.
	DefaultPort = 8765

	// DefaultMaxSessions caps concurrent sessions.
	DefaultMaxSessions = 10

	// DefaultSessionTimeout is how long a session may go without inbound
	// traffic before the sweep closes it.
	DefaultSessionTimeout = time.Hour

	// DefaultSendQueueSize bounds each session's outbound queue.
	DefaultSendQueueSize = 64

	// sweepInterval is how often idle sessions are expired.
	sweepInterval = 5 * time.Minute

	// maxMessageBytes caps one inbound frame. Knowledge-base updates carry
	// whole documents, so this is well above the websocket default.
	maxMessageBytes = 1 << 20

	welcomeText     = "Connected to Live Q&A"
	keysUpdatedText = "API keys updated successfully"
)

// RecordingController is the segmenter surface the server drives: the
// recording gate, plus a flush so a stop closes out the pending batch.
type RecordingController interface {
	Recording() bool
	SetRecording(enabled bool)
	Flush()
}

// Config tunes the WebSocket listener. The zero value gets defaults.
type Config struct {
	// Host is the bind address.
	Host string

	// Port is the listener port.
	Port int

	// MaxSessions caps concurrent sessions. Admitting one more evicts the
	// oldest session.
	MaxSessions int

	// SessionTimeout closes sessions with no inbound traffic for this long.
	SessionTimeout time.Duration

	// SendQueueSize bounds each session's outbound queue.
	SendQueueSize int
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithMetrics wires instrument recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the WebSocket front door. It implements http.Handler; every
// request path upgrades to the protocol.
type Server struct {
	cfg     Config
	qa      *qa.Handler
	docs    *kb.Store
	keys    *keys.Manager
	rec     RecordingController
	intent  *Intent
	metrics *observe.Metrics
	now     func() time.Time

	reg *registry
}

// New wires the server to the pipeline. All five collaborators are
// required; the intent holder is shared with the insight and Q&A prompt
// builders.
func New(cfg Config, qaHandler *qa.Handler, docs *kb.Store, keyman *keys.Manager, rec RecordingController, intent *Intent, opts ...Option) (*Server, error) {
	if qaHandler == nil {
		return nil, errors.New("server: qa handler is required")
	}
	if docs == nil {
		return nil, errors.New("server: knowledge base is required")
	}
	if keyman == nil {
		return nil, errors.New("server: key manager is required")
	}
	if rec == nil {
		return nil, errors.New("server: recording controller is required")
	}
	if intent == nil {
		return nil, errors.New("server: intent holder is required")
	}
	cfg.applyDefaults()

	s := &Server{
		cfg:    cfg,
		qa:     qaHandler,
		docs:   docs,
		keys:   keyman,
		rec:    rec,
		intent: intent,
		now:    time.Now,
		reg:    newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SessionCount reports the number of connected sessions.
func (s *Server) SessionCount() int { return s.reg.len() }

// Run serves the protocol on the configured address until ctx ends,
// sweeping idle sessions as it goes. A listener failure is returned as an
// error; plain shutdown returns ctx.Err().
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:        addr,
		Handler:     s,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("websocket server listening", "addr", addr)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			s.closeAll()
			return ctx.Err()
		case err := <-errc:
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		case <-ticker.C:
			s.expireIdle()
		}
	}
}

// ServeHTTP upgrades the request and runs the session until the client
// disconnects or the session is closed from the server side.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	sess := newSession(conn, s.reg.seq.Add(1), s.cfg.SendQueueSize, s.now())
	if evicted := s.reg.add(sess, s.cfg.MaxSessions); evicted != nil {
		s.evict(evicted)
	}
	if s.metrics != nil {
		s.metrics.AddActiveSessions(r.Context(), 1)
	}
	slog.Info("session connected", "session_id", sess.id, "remote", r.RemoteAddr)

	ctx := r.Context()
	go sess.writeLoop(ctx)
	s.greet(sess)

	defer s.drop(sess)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		sess.touch(s.now())
		s.route(ctx, sess, data)
	}
}

// greet sends the connect sequence: a welcome status carrying the session
// id, the current knowledge base, and which API keys are configured.
func (s *Server) greet(sess *session) {
	s.push(sess, encode(statusMsg{Type: typeStatus, Message: welcomeText, SessionID: sess.id}))
	s.push(sess, encode(kbContentMsg{Type: typeKBContent, Content: s.docs.Content()}))
	s.push(sess, s.keysStatusFrame())
}

// drop closes the session after its read loop ends. Sessions already
// evicted or expired were handled by that path.
func (s *Server) drop(sess *session) {
	sess.close(nil, websocket.StatusNormalClosure, "")
	if s.reg.remove(sess.id) == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.AddActiveSessions(context.Background(), -1)
	}
	slog.Info("session disconnected", "session_id", sess.id)
}

// evict closes a session that was removed to make room for a new one. The
// client gets a status frame naming the reason before the close.
func (s *Server) evict(sess *session) {
	frame := encode(statusMsg{Type: typeStatus, Message: "Session closed: server is full", SessionID: sess.id})
	go sess.close(frame, websocket.StatusNormalClosure, "server full")
	if s.metrics != nil {
		s.metrics.AddActiveSessions(context.Background(), -1)
	}
	slog.Info("session evicted", "session_id", sess.id)
}

// expireIdle closes sessions with no inbound traffic for SessionTimeout.
func (s *Server) expireIdle() {
	cutoff := s.now().Add(-s.cfg.SessionTimeout)
	for _, sess := range s.reg.stale(cutoff) {
		go sess.close(nil, websocket.StatusNormalClosure, "session expired")
		if s.metrics != nil {
			s.metrics.AddActiveSessions(context.Background(), -1)
		}
		slog.Info("session expired", "session_id", sess.id)
	}
}

// closeAll drains the registry on shutdown.
func (s *Server) closeAll() {
	for _, sess := range s.reg.snapshot() {
		if s.reg.remove(sess.id) == nil {
			continue
		}
		sess.close(nil, websocket.StatusGoingAway, "server shutting down")
		if s.metrics != nil {
			s.metrics.AddActiveSessions(context.Background(), -1)
		}
	}
}

// route dispatches one inbound frame. Protocol errors are answered with
// an error frame; the connection stays open.
func (s *Server) route(ctx context.Context, sess *session, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.pushError(sess, "Invalid JSON format", "")
		return
	}

	switch msg.Type {
	case msgQuestion:
		s.handleQuestion(ctx, sess, msg)
	case msgIntent:
		s.handleIntent(sess, msg)
	case msgRecordingControl:
		s.handleRecording(sess, msg)
	case msgStatusRequest:
		s.handleStatusRequest(sess, msg)
	case msgUpdateKB:
		s.handleUpdateKB(sess, msg)
	case msgListKBRecords:
		s.push(sess, encode(kbRecordsListMsg{Type: typeKBRecordsList, Records: recordSummaries(s.docs.List()), RequestID: msg.RequestID}))
	case msgCreateKBRecord:
		s.handleCreateKBRecord(sess, msg)
	case msgUpdateKBRecord:
		s.handleUpdateKBRecord(sess, msg)
	case msgDeleteKBRecord:
		s.handleDeleteKBRecord(sess, msg)
	case msgGetKBRecord:
		s.handleGetKBRecord(sess, msg)
	case msgGetAPIKeys:
		masked := s.keys.Masked()
		s.push(sess, encode(apiKeysMsg{Type: typeAPIKeys, OpenAIKey: masked.OpenAI, GeminiKey: masked.Gemini, RequestID: msg.RequestID}))
	case msgSetAPIKeys:
		s.handleSetAPIKeys(sess, msg)
	default:
		s.pushError(sess, fmt.Sprintf("Unknown message type: %s", msg.Type), msg.RequestID)
	}
}

func (s *Server) handleQuestion(ctx context.Context, sess *session, msg inbound) {
	q, ok := msg.contentString()
	if !ok {
		s.pushError(sess, "Invalid message format", msg.RequestID)
		return
	}
	if strings.TrimSpace(q) == "" {
		s.pushError(sess, "Invalid question request", msg.RequestID)
		return
	}

	ans, err := s.qa.Answer(ctx, q)
	if err != nil {
		slog.Warn("question failed", "session_id", sess.id, "err", err)
		s.pushError(sess, fmt.Sprintf("Failed to process question: %v", err), msg.RequestID)
		return
	}
	s.push(sess, encode(answerMsg{
		Type:           typeAnswer,
		Question:       ans.Question,
		Content:        ans.Text,
		Answer:         ans.Text,
		RequestID:      msg.RequestID,
		Confidence:     ans.Confidence,
		ProcessingTime: ans.ProcessingTime.Seconds(),
		Timestamp:      wireTime(s.now()),
	}))
}

func (s *Server) handleIntent(sess *session, msg inbound) {
	focus, ok := msg.contentString()
	if !ok {
		s.pushError(sess, "Invalid message format", msg.RequestID)
		return
	}
	focus = strings.TrimSpace(focus)
	s.intent.Set(focus)

	label := focus
	if label == "" {
		label = "Default"
	}
	slog.Info("session focus updated", "session_id", sess.id, "focus", label)
	s.push(sess, encode(statusMsg{Type: typeStatus, Message: "Session focus updated: " + label, RequestID: msg.RequestID}))
}

func (s *Server) handleRecording(sess *session, msg inbound) {
	action, ok := msg.recordingAction()
	if !ok {
		s.pushError(sess, "Invalid message format", msg.RequestID)
		return
	}
	switch action {
	case "start":
		s.rec.SetRecording(true)
		s.push(sess, encode(statusMsg{Type: typeStatus, Message: "Recording started", RequestID: msg.RequestID}))
	case "stop":
		s.rec.SetRecording(false)
		s.rec.Flush()
		s.push(sess, encode(statusMsg{Type: typeStatus, Message: "Recording stopped", RequestID: msg.RequestID}))
	default:
		s.pushError(sess, fmt.Sprintf("Invalid recording action: %s", action), msg.RequestID)
		return
	}
	slog.Info("recording toggled", "recording", s.rec.Recording(), "session_id", sess.id)
	s.broadcast(typeRecordingStatus, s.recordingFrame())
}

// handleStatusRequest answers recording_status probes. Other topics are
// ignored without a reply.
func (s *Server) handleStatusRequest(sess *session, msg inbound) {
	topic, ok := msg.contentString()
	if !ok || topic != "recording_status" {
		return
	}
	s.push(sess, s.recordingFrame())
}

func (s *Server) handleUpdateKB(sess *session, msg inbound) {
	content, ok := msg.contentString()
	if !ok {
		s.pushError(sess, "Invalid message format", msg.RequestID)
		return
	}
	if strings.TrimSpace(content) == "" {
		s.docs.Clear()
	} else {
		s.docs.Replace(content)
	}
	s.push(sess, encode(kbUpdatedMsg{Type: typeKBUpdated, Success: true, RequestID: msg.RequestID}))
	s.broadcastKB()
}

func (s *Server) handleCreateKBRecord(sess *session, msg inbound) {
	content, ok := msg.contentString()
	if !ok {
		s.pushError(sess, "Invalid message format", msg.RequestID)
		return
	}
	doc := s.docs.Add(content)
	s.push(sess, encode(kbRecordCreatedMsg{Type: typeKBRecordCreated, Success: true, DocID: doc.ID, Title: doc.Title, RequestID: msg.RequestID}))
	s.broadcastKB()
}

func (s *Server) handleUpdateKBRecord(sess *session, msg inbound) {
	content, ok := msg.contentString()
	if !ok {
		s.pushError(sess, "Invalid message format", msg.RequestID)
		return
	}
	doc, err := s.docs.Update(msg.DocID, content)
	if err != nil {
		s.pushError(sess, "Document not found: "+msg.DocID, msg.RequestID)
		return
	}
	s.push(sess, encode(kbRecordUpdatedMsg{Type: typeKBRecordUpdated, Success: true, DocID: doc.ID, RequestID: msg.RequestID}))
	s.broadcastKB()
}

func (s *Server) handleDeleteKBRecord(sess *session, msg inbound) {
	if err := s.docs.Remove(msg.DocID); err != nil {
		s.pushError(sess, "Document not found: "+msg.DocID, msg.RequestID)
		return
	}
	s.push(sess, encode(kbRecordDeletedMsg{Type: typeKBRecordDeleted, Success: true, DocID: msg.DocID, RequestID: msg.RequestID}))
	s.broadcastKB()
}

func (s *Server) handleGetKBRecord(sess *session, msg inbound) {
	doc, err := s.docs.Get(msg.DocID)
	if err != nil {
		s.pushError(sess, "Document not found: "+msg.DocID, msg.RequestID)
		return
	}
	s.push(sess, encode(kbRecordContentMsg{Type: typeKBRecordContent, DocID: doc.ID, Title: doc.Title, Content: doc.Content, RequestID: msg.RequestID}))
}

func (s *Server) handleSetAPIKeys(sess *session, msg inbound) {
	if err := s.keys.Set(msg.OpenAIKey, msg.GeminiKey); err != nil {
		if !errors.Is(err, keys.ErrInvalidKey) {
			slog.Warn("api key update failed", "err", err)
		}
		s.push(sess, encode(apiKeysUpdatedMsg{Type: typeAPIKeysUpdated, Success: false, Message: err.Error(), RequestID: msg.RequestID}))
		return
	}
	slog.Info("api keys updated", "session_id", sess.id)
	s.push(sess, encode(apiKeysUpdatedMsg{Type: typeAPIKeysUpdated, Success: true, Message: keysUpdatedText, RequestID: msg.RequestID}))
	s.broadcast(typeAPIKeysStatus, s.keysStatusFrame())
}

// BroadcastTranscript fans a corrected transcript segment out to every
// connected client.
func (s *Server) BroadcastTranscript(seg types.Segment) {
	s.broadcast(typeTranscript, encode(transcriptMsg{
		Type: typeTranscript,
		Content: transcriptPayload{
			Text:      seg.Text,
			Timestamp: wireTime(seg.Start),
			BatchID:   seg.BatchID,
		},
	}))
}

// BroadcastInsight fans a generated insight out to every connected client.
func (s *Server) BroadcastInsight(ins types.Insight) {
	s.broadcast(typeInsight, encode(insightMsg{
		Type: typeInsight,
		Content: insightPayload{
			Kind:       string(ins.Kind),
			Content:    ins.Content,
			Confidence: ins.Confidence,
			Timestamp:  wireTime(ins.CreatedAt),
		},
	}))
}

// BroadcastQuestions fans a fresh suggested-question set out to every
// connected client.
func (s *Server) BroadcastQuestions(questions []string) {
	s.broadcast(typeSuggestedQuestions, encode(questionsMsg{
		Type:    typeSuggestedQuestions,
		Content: questionsPayload{Questions: questions, Timestamp: wireTime(s.now())},
	}))
}

// broadcastKB pushes the merged knowledge base to every client after a
// mutation.
func (s *Server) broadcastKB() {
	s.broadcast(typeKBContent, encode(kbContentMsg{Type: typeKBContent, Content: s.docs.Content()}))
}

func (s *Server) recordingFrame() []byte {
	return encode(recordingStatusMsg{
		Type:    typeRecordingStatus,
		Content: recordingPayload{Recording: s.rec.Recording(), Timestamp: wireTime(s.now())},
	})
}

func (s *Server) keysStatusFrame() []byte {
	st := s.keys.Status()
	return encode(apiKeysStatusMsg{Type: typeAPIKeysStatus, HasOpenAIKey: st.HasOpenAIKey, HasGeminiKey: st.HasGeminiKey})
}

// push queues one frame for a single session.
func (s *Server) push(sess *session, frame []byte) {
	if frame == nil {
		return
	}
	if !sess.enqueue(frame) {
		s.dropFrame(sess, "direct")
	}
}

// broadcast fans a frame out to every session. Sessions with a full queue
// miss the event rather than stall the pipeline.
func (s *Server) broadcast(event string, frame []byte) {
	if frame == nil {
		return
	}
	for _, sess := range s.reg.snapshot() {
		if !sess.enqueue(frame) {
			s.dropFrame(sess, event)
		}
	}
}

func (s *Server) dropFrame(sess *session, event string) {
	if s.metrics != nil {
		s.metrics.RecordEventDropped(context.Background(), event)
	}
	slog.Warn("session queue full, dropping frame", "session_id", sess.id, "event", event)
}

func (s *Server) pushError(sess *session, text, requestID string) {
	s.push(sess, encode(errorMsg{Type: typeError, Error: text, RequestID: requestID, Timestamp: wireTime(s.now())}))
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode outbound frame", "err", err)
		return nil
	}
	return data
}
