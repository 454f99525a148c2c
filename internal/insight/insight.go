// Package insight periodically turns the accumulated transcript into short
// meeting observations using the configured chat model.
//
// A Generator alternates between two kinds of insight on a fixed cadence:
// conversational observations and theme/decision extraction. Ticks where the
// transcript is empty, unchanged, or the model call fails are skipped; the
// next tick tries again with whatever has accumulated since.
package insight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/earshotlabs/earshot/internal/kb"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/transcript"
	"github.com/earshotlabs/earshot/pkg/provider/llm"
	"github.com/earshotlabs/earshot/pkg/types"
)

const (
	// DefaultInterval is the cadence of insight generation.
	DefaultInterval = 60 * time.Second

	// DefaultTemperature is the sampling temperature for insight completions.
	DefaultTemperature = 0.7

	// DefaultMaxTokens caps each insight completion.
	DefaultMaxTokens = 300

	// insightConfidence is reported on every generated insight. The model
	// gives no usable self-assessment, so the value is a fixed estimate.
	insightConfidence = 0.8

	// insightBuffer is the capacity of the outbound insight channel.
	insightBuffer = 8
)

// Config controls the generation cadence and completion parameters.
type Config struct {
	// Interval between generation attempts. Also drives the alternation
	// between insight kinds. Defaults to DefaultInterval.
	Interval time.Duration

	// Temperature for completions. Defaults to DefaultTemperature.
	Temperature float64

	// MaxTokens for completions. Defaults to DefaultMaxTokens.
	MaxTokens int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Option configures optional Generator behavior.
type Option func(*Generator)

// WithMetrics records LLM call outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithIntent supplies the session intent included in every prompt. The
// function is called on each generation; an empty result omits the intent
// from the prompt.
func WithIntent(fn func() string) Option {
	return func(g *Generator) { g.intent = fn }
}

// Generator produces periodic insights from the live transcript.
//
// Run owns all mutable state; only the channel returned by Insights and the
// one-shot Generate method are safe to use from other goroutines.
type Generator struct {
	cfg        Config
	provider   llm.Provider
	transcript *transcript.Store
	docs       *kb.Store
	intent     func() string
	metrics    *observe.Metrics

	out chan types.Insight
	now func() time.Time

	// lastCount is the transcript length when an insight was last
	// generated. Owned by Run.
	lastCount int
}

// New creates a Generator reading from tr and docs and completing against
// provider.
func New(cfg Config, provider llm.Provider, tr *transcript.Store, docs *kb.Store, opts ...Option) (*Generator, error) {
	if provider == nil {
		return nil, errors.New("insight: llm provider is required")
	}
	if tr == nil {
		return nil, errors.New("insight: transcript store is required")
	}
	if docs == nil {
		return nil, errors.New("insight: knowledge base is required")
	}
	cfg.applyDefaults()
	g := &Generator{
		cfg:        cfg,
		provider:   provider,
		transcript: tr,
		docs:       docs,
		metrics:    observe.DefaultMetrics(),
		out:        make(chan types.Insight, insightBuffer),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Insights returns the channel of generated insights. It is closed when Run
// returns.
func (g *Generator) Insights() <-chan types.Insight {
	return g.out
}

// Run generates insights on the configured interval until ctx is canceled.
func (g *Generator) Run(ctx context.Context) error {
	defer close(g.out)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		g.tick(ctx)
	}
}

func (g *Generator) tick(ctx context.Context) {
	count := g.transcript.Len()
	if count == 0 || count == g.lastCount {
		return
	}
	ins, err := g.Generate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("insight generation failed, skipping cycle", "err", err)
		return
	}
	g.lastCount = count
	select {
	case g.out <- ins:
	case <-ctx.Done():
	}
}

// Generate produces a single insight from the current transcript. The kind
// alternates with wall-clock time so summaries and themes interleave even
// across restarts.
func (g *Generator) Generate(ctx context.Context) (types.Insight, error) {
	text := g.transcript.Text()
	if text == "" {
		return types.Insight{}, errors.New("insight: transcript is empty")
	}
	kind := kindAt(g.now(), g.cfg.Interval)
	prompt := g.buildPrompt(kind, text)

	start := time.Now()
	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    llm.UserPrompt(prompt),
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		g.metrics.RecordLLMCall(ctx, "insight", "error", elapsed.Seconds())
		return types.Insight{}, fmt.Errorf("insight: completion failed: %w", err)
	}
	g.metrics.RecordLLMCall(ctx, "insight", "ok", elapsed.Seconds())

	content := ""
	if resp != nil {
		content = strings.TrimSpace(resp.Content)
	}
	if content == "" {
		return types.Insight{}, errors.New("insight: model returned empty completion")
	}
	return types.Insight{
		Kind:       kind,
		Content:    content,
		Confidence: insightConfidence,
		CreatedAt:  g.now(),
	}, nil
}

// kindAt alternates the insight kind per interval slot of wall-clock time.
func kindAt(now time.Time, interval time.Duration) types.InsightKind {
	secs := int64(interval / time.Second)
	if secs < 1 {
		secs = 1
	}
	if (now.Unix()/secs)%2 == 0 {
		return types.InsightSummary
	}
	return types.InsightThemes
}

func (g *Generator) sessionIntent() string {
	if g.intent == nil {
		return ""
	}
	return strings.TrimSpace(g.intent())
}

func (g *Generator) buildPrompt(kind types.InsightKind, transcriptText string) string {
	var b strings.Builder
	if kbText := g.docs.Content(); kbText != "" {
		b.WriteString("KNOWLEDGE BASE:\n")
		b.WriteString(kbText)
		b.WriteString("\n\n")
	}
	intent := g.sessionIntent()
	if intent != "" {
		fmt.Fprintf(&b, "The user's goal for this session is: '%s'\n\n", intent)
	}
	switch kind {
	case types.InsightThemes:
		b.WriteString("From the meeting transcript, extract key themes, decisions, or noteworthy moments (2-3 sentences, ~400 characters).\n\n")
		b.WriteString("Complete Meeting Transcript:\n")
		b.WriteString(transcriptText)
		b.WriteString("\n\nIdentify what's most interesting or important about the conversation so far")
		if intent != "" {
			b.WriteString(", particularly regarding ")
			b.WriteString(intent)
		}
		b.WriteString(". Focus on patterns, decisions, or notable developments:")
	default:
		b.WriteString("Based on the meeting transcript, provide an insightful observation about what's happening in the conversation (2-3 sentences, ~400 characters).\n\n")
		b.WriteString("Complete Meeting Transcript:\n")
		b.WriteString(transcriptText)
		b.WriteString("\n\nShare an interesting insight, pattern, or notable point from the discussion")
		if intent != "" {
			b.WriteString(", especially related to ")
			b.WriteString(intent)
		}
		b.WriteString(". Make it a statement, not a question:")
	}
	return b.String()
}
