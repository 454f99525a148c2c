// Package app wires the Earshot subsystems into a running service.
//
// The App owns the full lifecycle: New builds and connects every stage from
// the configuration, Run drives them under one errgroup until the context
// ends, and Shutdown releases what New acquired. The pipeline is a chain of
// channel-linked stages
//
//	source → segmenter → dispatcher → transcript store → sessions
//
// with the insight generator and the suggested-question refresher running
// beside it. Shutdown is ordered: the intake stops first, in-flight batches
// get a grace window to finish transcription and land in the store, and
// only then are the remaining stages cancelled.
//
// For testing, inject doubles via functional options (WithSource,
// WithMetrics) and a Providers struct built from the mock packages.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/dispatch"
	"github.com/earshotlabs/earshot/internal/health"
	"github.com/earshotlabs/earshot/internal/insight"
	"github.com/earshotlabs/earshot/internal/kb"
	"github.com/earshotlabs/earshot/internal/keys"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/qa"
	"github.com/earshotlabs/earshot/internal/segmenter"
	"github.com/earshotlabs/earshot/internal/server"
	"github.com/earshotlabs/earshot/internal/transcript"
	"github.com/earshotlabs/earshot/internal/web"
	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/provider/llm"
	"github.com/earshotlabs/earshot/pkg/provider/stt"
	"github.com/earshotlabs/earshot/pkg/types"
)

// DefaultDrainGrace is how long Run waits for in-flight batches to finish
// transcription after the intake stops.
const DefaultDrainGrace = 15 * time.Second

// Providers holds the external AI backends. Populated by main.go from the
// configuration, or from the mock packages in tests.
type Providers struct {
	// STT routes transcription model ids to their transcriber.
	STT *stt.Registry

	// LLM serves all chat completions: insights, answers, and suggested
	// questions. Usually a resilience.LLMChain wrapping the configured
	// backends.
	LLM llm.Provider
}

// App owns every pipeline stage plus the WebSocket and HTTP listeners.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Intake: either a capture source or an app-owned channel that stays
	// silent. Exactly one of source/frames is set.
	source audio.Source
	frames chan types.Frame

	// Shared state.
	docs    *kb.Store
	store   *transcript.Store
	corr    *transcript.Corrector
	keyman  *keys.Manager
	intent  *server.Intent
	metrics *observe.Metrics

	// Stages — initialised in New, driven by Run.
	seg  *segmenter.Segmenter
	disp *dispatch.Dispatcher
	gen  *insight.Generator
	qa   *qa.Handler
	ws   *server.Server
	ops  http.Handler

	kbEvents      <-chan struct{}
	pipeDone      chan struct{}
	drainGrace    time.Duration
	recordOnStart bool
	intakeOnce    sync.Once

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSource attaches the capture source feeding the segmenter. Without a
// source the pipeline idles and the service is driven entirely by its
// WebSocket clients.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithRecordingOnStart opens the capture gate as soon as the pipeline is up
// instead of waiting for a recording_control message.
func WithRecordingOnStart() Option {
	return func(a *App) { a.recordOnStart = true }
}

// WithMetrics overrides the metrics instance, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDrainGrace overrides the shutdown drain window.
func WithDrainGrace(d time.Duration) Option {
	return func(a *App) { a.drainGrace = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all stages together. The providers struct
// comes from main.go. New performs all initialisation synchronously; no
// goroutine starts until Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: an STT registry and an LLM provider are required")
	}

	a := &App{
		cfg:        cfg,
		providers:  providers,
		docs:       kb.NewStore(),
		store:      transcript.NewStore(),
		intent:     server.NewIntent(),
		pipeDone:   make(chan struct{}),
		drainGrace: DefaultDrainGrace,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initKeys(); err != nil {
		return nil, fmt.Errorf("app: init keys: %w", err)
	}
	a.initCorrector()
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initAI(); err != nil {
		return nil, fmt.Errorf("app: init ai: %w", err)
	}
	if err := a.initServers(); err != nil {
		return nil, fmt.Errorf("app: init servers: %w", err)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initKeys() error {
	km, err := keys.NewManager(a.cfg.Keys.EnvFile)
	if err != nil {
		return err
	}
	a.keyman = km
	return nil
}

// initCorrector builds the vocabulary corrector and subscribes to
// knowledge-base changes so the vocabulary follows document edits.
func (a *App) initCorrector() {
	if !a.cfg.Corrector.Enabled {
		return
	}
	a.corr = transcript.NewCorrector(transcript.WithExtraTerms(a.cfg.Corrector.ExtraTerms...))
	a.corr.SetVocabulary(vocabulary(a.docs))

	events, cancel := a.docs.Subscribe()
	a.kbEvents = events
	a.closers = append(a.closers, func() error {
		cancel()
		return nil
	})
}

func (a *App) initPipeline() error {
	seg, err := segmenter.New(segmenter.Config{
		SampleRate:       a.cfg.Audio.SampleRate,
		MinBatchDuration: a.cfg.Audio.MinBatchDuration.D(),
		MaxBatchDuration: a.cfg.Audio.MaxBatchDuration.D(),
		SilenceDuration:  a.cfg.Audio.SilenceDuration.D(),
		OverlapDuration:  a.cfg.Audio.OverlapDuration.D(),
		SilenceThreshold: a.cfg.Audio.SilenceThreshold,
		QueueSize:        a.cfg.Audio.QueueSize,
	}, a.intake(), segmenter.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.seg = seg

	disp, err := dispatch.New(dispatch.Config{
		Model:          a.cfg.Transcription.Model,
		FallbackModels: a.cfg.Transcription.FallbackModels,
		Workers:        a.cfg.Transcription.Workers,
		APITimeout:     a.cfg.Transcription.APITimeout.D(),
		MaxRetries:     a.cfg.Transcription.MaxRetries,
		RetryDelay:     a.cfg.Transcription.RetryDelay.D(),
		NoiseReduction: a.cfg.Transcription.NoiseReduction,
		Language:       a.cfg.Transcription.Language,
		SampleRate:     a.cfg.Audio.SampleRate,
	}, a.providers.STT, seg.Batches(),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithPromptFunc(a.transcriptionPrompt),
	)
	if err != nil {
		return err
	}
	a.disp = disp
	return nil
}

// intake returns the frame channel the segmenter consumes: the source's
// stream when one is configured, an app-owned channel otherwise.
func (a *App) intake() <-chan types.Frame {
	if a.source != nil {
		return a.source.Frames()
	}
	a.frames = make(chan types.Frame)
	return a.frames
}

func (a *App) initAI() error {
	gen, err := insight.New(insight.Config{
		Interval:    a.cfg.AI.InsightInterval.D(),
		Temperature: a.cfg.AI.Temperature,
		MaxTokens:   a.cfg.AI.MaxTokens,
	}, a.providers.LLM, a.store, a.docs,
		insight.WithIntent(a.intent.Get),
		insight.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.gen = gen

	qaHandler, err := qa.New(qa.Config{
		Interval:    a.cfg.AI.QuestionInterval.D(),
		Temperature: a.cfg.AI.Temperature,
		MaxTokens:   a.cfg.AI.MaxTokens,
	}, a.providers.LLM, a.store, a.docs,
		qa.WithIntent(a.intent.Get),
		qa.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.qa = qaHandler
	return nil
}

func (a *App) initServers() error {
	ws, err := server.New(server.Config{
		Host:           a.cfg.Server.Host,
		Port:           a.cfg.Server.Port,
		MaxSessions:    a.cfg.Server.MaxSessions,
		SessionTimeout: a.cfg.Server.SessionTimeout.D(),
		SendQueueSize:  a.cfg.Server.SendQueueSize,
	}, a.qa, a.docs, a.keyman, a.seg, a.intent, server.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.ws = ws

	wsURL := "ws://" + net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	page, err := web.Handler(wsURL)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	health.New(
		health.Func("providers", a.checkProviders),
		health.Func("pipeline", a.checkPipeline),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", page)
	a.ops = observe.Middleware(a.metrics)(mux)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every stage and blocks until ctx is cancelled or a stage
// fails. On cancellation the intake stops first, in-flight batches get the
// drain grace to finish transcription and reach the store, and then the
// remaining stages are released. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	// Stages run on a context detached from ctx so cancellation does not
	// kill them mid-batch; the orchestrator below cancels it once the
	// pipeline has emptied.
	svcCtx, cancelSvc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSvc()

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(a.seg.Run(svcCtx)) })
	g.Go(func() error { return ignoreCanceled(a.disp.Run(svcCtx)) })
	g.Go(func() error { a.publish(); return nil })
	g.Go(func() error { return ignoreCanceled(a.gen.Run(svcCtx)) })
	g.Go(func() error { a.fanOutInsights(); return nil })
	g.Go(func() error { return ignoreCanceled(a.qa.Run(svcCtx)) })
	g.Go(func() error { a.fanOutQuestions(); return nil })
	g.Go(func() error { a.refreshVocabulary(svcCtx); return nil })
	g.Go(func() error { return ignoreCanceled(a.ws.Run(svcCtx)) })
	g.Go(func() error { return a.serveOps(svcCtx) })

	// Shutdown orchestrator. runCtx ends on outside cancellation or a
	// stage failure; the svcCtx case covers the unwind path below, where
	// the source fails to start before runCtx ever ends.
	g.Go(func() error {
		select {
		case <-runCtx.Done():
		case <-svcCtx.Done():
		}
		a.stopIntake()
		select {
		case <-a.pipeDone:
		case <-time.After(a.drainGrace):
			slog.Warn("drain grace expired, abandoning in-flight batches", "grace", a.drainGrace)
		}
		cancelSvc()
		// Batches still queued behind the dead dispatcher are discarded.
		go audio.Drain(a.seg.Batches())
		return nil
	})

	if a.recordOnStart {
		a.seg.SetRecording(true)
	}
	if a.source != nil {
		if err := a.source.Start(svcCtx); err != nil {
			cancelSvc()
			_ = g.Wait()
			return fmt.Errorf("app: start audio source: %w", err)
		}
	}

	slog.Info("app running",
		"recording", a.seg.Recording(),
		"models", a.disp.Models(),
		"capture_source", a.source != nil,
	)
	return g.Wait()
}

// publish applies the corrector and lands each finished segment in the
// transcript store before broadcasting it, so a status snapshot taken
// after a broadcast always contains the segment.
func (a *App) publish() {
	defer close(a.pipeDone)
	for seg := range a.disp.Segments() {
		seg.Text = a.corr.Correct(seg.Text)
		a.store.Append(seg)
		a.ws.BroadcastTranscript(seg)
	}
}

func (a *App) fanOutInsights() {
	for ins := range a.gen.Insights() {
		a.ws.BroadcastInsight(ins)
	}
}

func (a *App) fanOutQuestions() {
	for qs := range a.qa.Questions() {
		a.ws.BroadcastQuestions(qs)
	}
}

// refreshVocabulary recomputes the corrector vocabulary whenever the
// knowledge base changes.
func (a *App) refreshVocabulary(ctx context.Context) {
	if a.kbEvents == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-a.kbEvents:
			if !ok {
				return
			}
			terms := vocabulary(a.docs)
			a.corr.SetVocabulary(terms)
			slog.Debug("corrector vocabulary refreshed", "terms", len(terms))
		}
	}
}

// serveOps runs the HTTP side listener: the bundled web page, the health
// probes, and the Prometheus metrics endpoint.
func (a *App) serveOps(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.HTTPPort))
	srv := &http.Server{
		Addr:        addr,
		Handler:     a.ops,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("http server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	case err := <-errc:
		return fmt.Errorf("app: http server on %s: %w", addr, err)
	}
}

// stopIntake ends the frame flow into the segmenter: a configured source
// is stopped, otherwise the app-owned intake channel is closed.
func (a *App) stopIntake() {
	if a.source != nil {
		if err := a.source.Stop(); err != nil {
			slog.Warn("audio source stop error", "err", err)
		}
		return
	}
	a.intakeOnce.Do(func() { close(a.frames) })
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the resources New acquired, in reverse order. Run's
// drain has already stopped the stage goroutines by the time main calls
// this. Respects the context deadline: remaining closers are skipped once
// ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Transcript returns the append-only transcript store.
func (a *App) Transcript() *transcript.Store { return a.store }

// KnowledgeBase returns the shared document store.
func (a *App) KnowledgeBase() *kb.Store { return a.docs }

// Recording reports whether the capture gate is open.
func (a *App) Recording() bool { return a.seg.Recording() }

// ─── Probes and helpers ──────────────────────────────────────────────────────

// checkProviders fails when a configured transcription model has no
// transcriber or no API key is set at all, both of which leave the
// pipeline unable to produce anything.
func (a *App) checkProviders(context.Context) error {
	for _, model := range a.cfg.ModelChain() {
		if _, err := a.providers.STT.Lookup(model); err != nil {
			return err
		}
	}
	st := a.keyman.Status()
	if !st.HasOpenAIKey && !st.HasGeminiKey {
		return errors.New("no API keys configured")
	}
	return nil
}

// checkPipeline fails once the pipeline goroutines have wound down, which
// outside shutdown means the capture source ended.
func (a *App) checkPipeline(context.Context) error {
	select {
	case <-a.pipeDone:
		return errors.New("pipeline stopped")
	default:
		return nil
	}
}

// transcriptionPrompt renders the vocabulary as a hint for transcription
// backends that accept one, biasing recognition toward known terms.
func (a *App) transcriptionPrompt() string {
	terms := make([]string, 0, len(a.cfg.Corrector.ExtraTerms))
	terms = append(terms, a.cfg.Corrector.ExtraTerms...)
	terms = append(terms, vocabulary(a.docs)...)
	return strings.Join(terms, ", ")
}

// vocabulary collects corrector terms from the knowledge base: document
// titles plus the markdown headings inside each document.
func vocabulary(docs *kb.Store) []string {
	var terms []string
	for _, doc := range docs.List() {
		if doc.Title != "" {
			terms = append(terms, doc.Title)
		}
		terms = append(terms, transcript.Headings(doc.Content)...)
	}
	return terms
}

// ignoreCanceled keeps an orderly cancellation from surfacing as a stage
// failure.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
