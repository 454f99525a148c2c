// Package qa answers client questions against the full meeting context and
// regenerates a small set of suggested questions on a fixed cadence.
//
// Answers always see the entire transcript plus the knowledge base; the
// rolling chat history exists for session continuity and pruning semantics
// but is not replayed to the model, since the transcript already carries the
// conversation state.
package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/earshotlabs/earshot/internal/kb"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/transcript"
	"github.com/earshotlabs/earshot/pkg/provider/llm"
)

const (
	// DefaultInterval is the cadence of suggested-question refreshes.
	DefaultInterval = 15 * time.Second

	// DefaultInitialDelay postpones the first refresh so some transcript
	// can accumulate after startup.
	DefaultInitialDelay = 10 * time.Second

	// DefaultMaxHistory caps the chat history in messages, counting user
	// and assistant turns separately.
	DefaultMaxHistory = 20

	// DefaultTemperature is the sampling temperature for completions.
	DefaultTemperature = 0.7

	// DefaultMaxTokens caps each completion.
	DefaultMaxTokens = 300

	// answerConfidence is reported on every answer. The model gives no
	// usable self-assessment, so the value is a fixed estimate.
	answerConfidence = 0.8

	// questionCount is the exact size of every suggested-question set.
	questionCount = 4

	// questionBuffer is the capacity of the outbound question-set channel.
	questionBuffer = 4

	// listMarkers are the characters stripped from the start of each
	// response line before deciding whether it is a question.
	listMarkers = "0123456789.-*•● "
)

// emptyTranscriptAnswer is returned without a model call when a question
// arrives before any speech has been transcribed.
const emptyTranscriptAnswer = "No meeting context available yet."

// defaultQuestions pad a parsed set that came up short of questionCount.
var defaultQuestions = []string{
	"What are the key technical details mentioned?",
	"What are the next steps or action items?",
	"Who is responsible for each task?",
	"What timeline was discussed?",
}

// fallbackQuestions replace the whole set when the model call fails.
var fallbackQuestions = []string{
	"What are the main topics being discussed?",
	"What decisions have been made so far?",
	"Are there any action items or next steps?",
	"What questions or concerns were raised?",
}

// Config controls history, cadence, and completion parameters.
type Config struct {
	// Interval between suggested-question refreshes. Defaults to
	// DefaultInterval.
	Interval time.Duration

	// InitialDelay before the first refresh. Defaults to
	// DefaultInitialDelay.
	InitialDelay time.Duration

	// MaxHistory caps the chat history in messages. Defaults to
	// DefaultMaxHistory.
	MaxHistory int

	// Temperature for completions. Defaults to DefaultTemperature.
	Temperature float64

	// MaxTokens for completions. Defaults to DefaultMaxTokens.
	MaxTokens int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Option configures optional Handler behavior.
type Option func(*Handler)

// WithMetrics records LLM call outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithIntent supplies the session intent included in prompts. The function
// is called on each prompt build; an empty result omits the intent.
func WithIntent(fn func() string) Option {
	return func(h *Handler) { h.intent = fn }
}

// Answer is the reply to one client question.
type Answer struct {
	// Question is the trimmed question that was answered.
	Question string

	// Text is the answer content.
	Text string

	// Confidence is a fixed estimate in [0, 1].
	Confidence float64

	// ProcessingTime is the wall-clock time taken to produce the answer.
	ProcessingTime time.Duration
}

// Handler answers questions and produces suggested-question sets.
//
// Answer and SuggestedQuestions are safe for concurrent use; Run owns the
// refresh timer and must be called at most once.
type Handler struct {
	cfg        Config
	provider   llm.Provider
	transcript *transcript.Store
	docs       *kb.Store
	intent     func() string
	metrics    *observe.Metrics

	out chan []string

	mu      sync.Mutex
	history []llm.Message
}

// New creates a Handler reading from tr and docs and completing against
// provider.
func New(cfg Config, provider llm.Provider, tr *transcript.Store, docs *kb.Store, opts ...Option) (*Handler, error) {
	if provider == nil {
		return nil, errors.New("qa: llm provider is required")
	}
	if tr == nil {
		return nil, errors.New("qa: transcript store is required")
	}
	if docs == nil {
		return nil, errors.New("qa: knowledge base is required")
	}
	cfg.applyDefaults()
	h := &Handler{
		cfg:        cfg,
		provider:   provider,
		transcript: tr,
		docs:       docs,
		metrics:    observe.DefaultMetrics(),
		out:        make(chan []string, questionBuffer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Questions returns the channel of suggested-question sets. Each element is
// a complete replacement set of exactly four questions. The channel is
// closed when Run returns.
func (h *Handler) Questions() <-chan []string {
	return h.out
}

// Answer responds to a single question using the full transcript and the
// knowledge base. Before any speech has been transcribed it returns a fixed
// reply without calling the model.
func (h *Handler) Answer(ctx context.Context, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, errors.New("qa: empty question")
	}
	start := time.Now()
	h.appendHistory(llm.Message{Role: llm.RoleUser, Content: question})

	text := h.transcript.Text()
	if text == "" {
		h.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: emptyTranscriptAnswer})
		return Answer{
			Question:       question,
			Text:           emptyTranscriptAnswer,
			Confidence:     answerConfidence,
			ProcessingTime: time.Since(start),
		}, nil
	}

	resp, err := h.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    llm.UserPrompt(h.buildAnswerPrompt(question, text)),
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		h.metrics.RecordLLMCall(ctx, "answer", "error", elapsed.Seconds())
		return Answer{}, fmt.Errorf("qa: answering failed: %w", err)
	}
	h.metrics.RecordLLMCall(ctx, "answer", "ok", elapsed.Seconds())

	answer := ""
	if resp != nil {
		answer = strings.TrimSpace(resp.Content)
	}
	if answer == "" {
		return Answer{}, errors.New("qa: model returned empty completion")
	}
	h.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: answer})
	return Answer{
		Question:       question,
		Text:           answer,
		Confidence:     answerConfidence,
		ProcessingTime: time.Since(start),
	}, nil
}

// History returns a copy of the chat history, oldest first.
func (h *Handler) History() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.history)
}

func (h *Handler) appendHistory(msg llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, msg)
	if n := len(h.history); n > h.cfg.MaxHistory {
		h.history = append(h.history[:0:0], h.history[n-h.cfg.MaxHistory:]...)
	}
}

// Run refreshes the suggested-question set on the configured cadence until
// ctx is canceled. Every set is regenerated from the full transcript; ticks
// before any speech has been transcribed are skipped.
func (h *Handler) Run(ctx context.Context) error {
	defer close(h.out)
	timer := time.NewTimer(h.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if qs := h.SuggestedQuestions(ctx); len(qs) > 0 {
			select {
			case h.out <- qs:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		timer.Reset(h.cfg.Interval)
	}
}

// SuggestedQuestions produces exactly four questions attendees might want to
// ask, or nil when the transcript is still empty. A model failure yields a
// fixed fallback set rather than an error.
func (h *Handler) SuggestedQuestions(ctx context.Context) []string {
	text := h.transcript.Text()
	if text == "" {
		return nil
	}
	start := time.Now()
	resp, err := h.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    llm.UserPrompt(h.buildQuestionsPrompt(text)),
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		h.metrics.RecordLLMCall(ctx, "questions", "error", elapsed.Seconds())
		slog.Warn("suggested question generation failed, using fallback set", "err", err)
		return slices.Clone(fallbackQuestions)
	}
	h.metrics.RecordLLMCall(ctx, "questions", "ok", elapsed.Seconds())

	content := ""
	if resp != nil {
		content = resp.Content
	}
	return padQuestions(parseQuestions(content))
}

func (h *Handler) sessionIntent() string {
	if h.intent == nil {
		return ""
	}
	return strings.TrimSpace(h.intent())
}

func (h *Handler) buildAnswerPrompt(question, transcriptText string) string {
	var b strings.Builder
	if kbText := h.docs.Content(); kbText != "" {
		b.WriteString("KNOWLEDGE BASE:\n")
		b.WriteString(kbText)
		b.WriteString("\n\n")
	}
	if intent := h.sessionIntent(); intent != "" {
		fmt.Fprintf(&b, "The user's goal for this session is: '%s'\n\n", intent)
	}
	b.WriteString("You are an AI assistant with access to the COMPLETE meeting transcript from beginning to end. Please answer the following question using ANY information from the ENTIRE meeting.\n\n")
	b.WriteString("Complete Meeting Transcript (everything from start to now):\n")
	b.WriteString(transcriptText)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nPlease provide a comprehensive answer based on the ENTIRE meeting transcript. You have access to everything that has been said from the beginning of the meeting. If the answer requires information from earlier in the meeting, please include it.\n\nAnswer:")
	return b.String()
}

func (h *Handler) buildQuestionsPrompt(transcriptText string) string {
	var b strings.Builder
	intent := h.sessionIntent()
	if intent != "" {
		fmt.Fprintf(&b, "The user's goal for this session is: '%s'\n\n", intent)
	}
	b.WriteString("Based on the COMPLETE meeting transcript from beginning to end, generate exactly 4 specific questions that attendees might want to ask. These should be relevant to ANY topics discussed throughout the ENTIRE meeting, not just recent parts.\n\n")
	b.WriteString("Complete Meeting Transcript (entire history):\n")
	b.WriteString(transcriptText)
	b.WriteString("\n\nConsidering ALL topics and discussions from the ENTIRE meeting")
	if intent != "" {
		b.WriteString(", with special focus on ")
		b.WriteString(intent)
	}
	b.WriteString(", list exactly 4 questions, one per line, without numbering or bullet points. Each question should end with a question mark.")
	return b.String()
}

// parseQuestions extracts question lines from a model response, stripping
// leading list markers and keeping only lines that contain a question mark.
func parseQuestions(response string) []string {
	var questions []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimLeft(line, listMarkers)
		if line != "" && strings.Contains(line, "?") {
			questions = append(questions, line)
		}
	}
	return questions
}

// padQuestions tops a parsed set up to exactly questionCount entries.
func padQuestions(qs []string) []string {
	for _, q := range defaultQuestions {
		if len(qs) >= questionCount {
			break
		}
		qs = append(qs, q)
	}
	return qs[:questionCount]
}
