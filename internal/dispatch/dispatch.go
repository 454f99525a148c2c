// Package dispatch converts audio batches into transcript segments.
//
// The dispatcher drains the segmenter's batch queue with a small worker
// pool, tries the configured model chain with per-model retries, and
// publishes segments strictly in batch arrival order. A batch whose every
// model fails is dropped with a warning and the pipeline keeps going.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/resilience"
	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/provider/stt"
	"github.com/earshotlabs/earshot/pkg/types"
)

const (
	// DefaultWorkers is the number of batches transcribed concurrently.
	DefaultWorkers = 2

	// DefaultAPITimeout bounds each individual provider request.
	DefaultAPITimeout = 30 * time.Second

	// DefaultMaxRetries is the total attempt count per model.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the backoff before the second attempt; it
	// doubles for each attempt after that.
	DefaultRetryDelay = time.Second

	// DefaultSampleRate matches the pipeline default.
	DefaultSampleRate = 16000

	// smoothWindow is the moving-average width applied when noise
	// reduction is enabled.
	smoothWindow = 5

	// segmentBuffer sizes the published segment channel.
	segmentBuffer = 16
)

// Config controls the dispatch chain.
type Config struct {
	// Model is the primary transcription model id.
	Model string

	// FallbackModels are tried in order after the primary is exhausted.
	// Duplicates of earlier entries are ignored.
	FallbackModels []string

	// Workers is the number of batches transcribed concurrently. Delivery
	// order is enforced at the publish edge, so raising this never
	// reorders the transcript.
	Workers int

	// APITimeout bounds each provider request.
	APITimeout time.Duration

	// MaxRetries is the total attempt count per model, including the
	// first.
	MaxRetries int

	// RetryDelay is the backoff before a model's second attempt; it
	// doubles for each attempt after that.
	RetryDelay time.Duration

	// NoiseReduction enables moving-average smoothing of batch audio
	// before it is sent.
	NoiseReduction bool

	// Language is an optional ISO-639-1 hint forwarded to providers.
	Language string

	// SampleRate is the pipeline sample rate in Hz.
	SampleRate int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.APITimeout <= 0 {
		c.APITimeout = DefaultAPITimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithPromptFunc supplies a transcription hint, queried once per provider
// attempt. Useful for feeding the current vocabulary to providers that
// accept a prompt.
func WithPromptFunc(fn func() string) Option {
	return func(d *Dispatcher) { d.prompt = fn }
}

// completion is a worker's report for one batch. ok is false when the batch
// produced nothing: every model failed, or the audio transcribed to silence.
type completion struct {
	seq uint64
	seg types.Segment
	ok  bool
}

// Dispatcher owns the batch-to-segment stage of the pipeline.
type Dispatcher struct {
	cfg      Config
	registry *stt.Registry
	models   []string

	in  <-chan types.Batch
	out chan types.Segment

	stats   *stats
	metrics *observe.Metrics
	prompt  func() string
}

// New validates the model chain against the registry and returns a
// Dispatcher consuming in. Call Run to start it.
func New(cfg Config, registry *stt.Registry, in <-chan types.Batch, opts ...Option) (*Dispatcher, error) {
	cfg.applyDefaults()

	models := modelChain(cfg.Model, cfg.FallbackModels)
	if len(models) == 0 {
		return nil, errors.New("dispatch: no transcription model configured")
	}
	for _, m := range models {
		if _, err := registry.Lookup(m); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		models:   models,
		in:       in,
		out:      make(chan types.Segment, segmentBuffer),
		stats:    newStats(models),
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// modelChain builds the ordered attempt list: primary first, then the
// fallbacks, case-insensitive duplicates removed.
func modelChain(primary string, fallbacks []string) []string {
	seen := make(map[string]bool, 1+len(fallbacks))
	var chain []string
	for _, m := range append([]string{primary}, fallbacks...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		key := strings.ToLower(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		chain = append(chain, m)
	}
	return chain
}

// Segments returns the ordered segment stream. The channel is closed when
// Run returns.
func (d *Dispatcher) Segments() <-chan types.Segment { return d.out }

// Models returns the configured attempt chain.
func (d *Dispatcher) Models() []string { return slices.Clone(d.models) }

// Stats returns a snapshot of the per-model counters.
func (d *Dispatcher) Stats() map[string]ModelStats { return d.stats.snapshot() }

// Run processes batches until ctx is cancelled or the input channel closes.
// On input close it drains in-flight work before returning; on cancellation
// in-flight batches are abandoned. The segment channel is closed on return.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.out)

	jobs := make(chan types.Batch)
	results := make(chan completion, d.cfg.Workers)

	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				results <- d.process(ctx, b)
			}
		}()
	}
	closeJobs := sync.OnceFunc(func() { close(jobs) })
	defer func() {
		closeJobs()
		wg.Wait()
	}()

	ord := newReorder()
	var (
		inCh        = d.in
		pending     *types.Batch
		outstanding int
		lastSeq     uint64
	)

	for {
		for {
			p, ok := ord.pop()
			if !ok {
				break
			}
			if !p.ok {
				continue
			}
			select {
			case d.out <- p.seg:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}

		if inCh == nil && pending == nil && outstanding == 0 {
			return nil
		}

		// A held batch disables further input reads and arms the
		// dispatch case; the send operand must stay valid either way.
		recv := inCh
		var dispatch chan<- types.Batch
		var next types.Batch
		if pending != nil {
			recv = nil
			dispatch = jobs
			next = *pending
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case b, ok := <-recv:
			if !ok {
				inCh = nil
				closeJobs()
				continue
			}
			if b.Seq <= lastSeq {
				slog.Error("batch sequence went backwards", "seq", b.Seq, "last_seq", lastSeq)
				return fmt.Errorf("dispatch: batch sequence went backwards: %d after %d", b.Seq, lastSeq)
			}
			lastSeq = b.Seq
			pending = &b

		case dispatch <- next:
			ord.accept(pending.Seq)
			outstanding++
			pending = nil

		case c := <-results:
			outstanding--
			ord.complete(c.seq, publication{seg: c.seg, ok: c.ok})
		}
	}
}

// process runs one batch through the model chain. It always returns a
// completion carrying the batch seq so the publish window can advance past
// dropped batches.
func (d *Dispatcher) process(ctx context.Context, b types.Batch) completion {
	samples := audio.PeakNormalize(b.Samples)
	if d.cfg.NoiseReduction {
		samples = audio.Smooth(samples, smoothWindow)
	}

	start := time.Now()
	var lastErr error
	for i, model := range d.models {
		seg, err := d.transcribe(ctx, model, samples, b)
		if err == nil {
			if seg.Text == "" {
				slog.Debug("empty transcription, nothing to publish", "seq", b.Seq, "model", model)
				return completion{seq: b.Seq}
			}
			seg.Latency = time.Since(start)
			return completion{seq: b.Seq, seg: seg, ok: true}
		}
		lastErr = err
		if ctx.Err() != nil {
			slog.Warn("batch abandoned, dispatcher stopping", "seq", b.Seq, "err", lastErr)
			return completion{seq: b.Seq}
		}
		if i < len(d.models)-1 {
			slog.Warn("transcription model exhausted, falling back",
				"seq", b.Seq, "model", model, "err", err)
		}
	}

	slog.Warn("dropping batch, all transcription models failed",
		"seq", b.Seq, "models", d.models, "err", lastErr)
	d.metrics.RecordBatchDropped(ctx, "models_exhausted")
	return completion{seq: b.Seq}
}

// transcribe runs the retry loop for one model and builds the segment on
// success.
func (d *Dispatcher) transcribe(ctx context.Context, model string, samples []int16, b types.Batch) (types.Segment, error) {
	t, err := d.registry.Lookup(model)
	if err != nil {
		return types.Segment{}, err
	}

	c := d.stats.counters(model)
	freshDur := audio.Duration(len(b.Samples)-b.Overlap, d.cfg.SampleRate)

	cfg := resilience.RetryConfig{
		MaxAttempts: d.cfg.MaxRetries,
		BaseDelay:   d.cfg.RetryDelay,
		Retryable:   stt.Retryable,
		OnRetry: func(attempt int, err error) {
			slog.Debug("retrying transcription",
				"model", model, "seq", b.Seq, "attempt", attempt, "err", err)
			d.metrics.STTRetries.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("model", model)))
		},
	}

	res, err := resilience.Retry(ctx, cfg, func() (stt.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.APITimeout)
		defer cancel()

		req := stt.Request{
			Samples:    samples,
			SampleRate: d.cfg.SampleRate,
			Model:      model,
			Language:   d.cfg.Language,
		}
		if d.prompt != nil {
			req.Prompt = d.prompt()
		}

		started := time.Now()
		res, err := t.Transcribe(callCtx, req)
		elapsed := time.Since(started)

		c.total.Add(1)
		c.procNanos.Add(int64(elapsed))
		if err != nil {
			c.failed.Add(1)
			d.metrics.RecordSTTRequest(ctx, model, "error", elapsed.Seconds())
			d.metrics.RecordProviderError(ctx, t.Name(), errorKind(err))
			return stt.Result{}, err
		}
		c.success.Add(1)
		c.audioNanos.Add(int64(freshDur))
		d.metrics.RecordSTTRequest(ctx, model, "ok", elapsed.Seconds())
		return res, nil
	})
	if err != nil {
		return types.Segment{}, err
	}

	used := res.Model
	if used == "" {
		used = model
	}
	lang := res.Language
	if lang == "" {
		lang = d.cfg.Language
	}
	if lang == "" {
		lang = "unknown"
	}

	return types.Segment{
		Seq:      b.Seq,
		BatchID:  b.ID,
		Text:     strings.TrimSpace(res.Text),
		Model:    used,
		Language: lang,
		Start:    b.Start,
		End:      b.End,
	}, nil
}

// errorKind buckets provider failures for the error counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, stt.ErrNoAPIKey):
		return "no_api_key"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var apiErr *stt.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
	return "network"
}
