// Command earshot runs the live meeting transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/earshotlabs/earshot/internal/app"
	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/resilience"
	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/provider/llm"
	"github.com/earshotlabs/earshot/pkg/provider/llm/anyllm"
	llmopenai "github.com/earshotlabs/earshot/pkg/provider/llm/openai"
	"github.com/earshotlabs/earshot/pkg/provider/stt"
	sttgemini "github.com/earshotlabs/earshot/pkg/provider/stt/gemini"
	sttopenai "github.com/earshotlabs/earshot/pkg/provider/stt/openai"
)

// version is stamped by release builds via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	wavPath := flag.String("wav", "", "replay a WAV file into the pipeline instead of capturing live audio")
	speed := flag.Float64("speed", 1, "replay pace for -wav; 1 is real time")
	record := flag.Bool("record", false, "open the recording gate at startup instead of waiting for a client")
	flag.Parse()

	if *showVersion {
		fmt.Println("earshot " + version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Log))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"models", cfg.ModelChain(),
		"log_level", cfg.Log.Level,
	)

	// API keys persisted by earlier runs; already-exported variables win.
	if err := godotenv.Load(cfg.Keys.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("env file not loaded", "path", cfg.Keys.EnvFile, "err", err)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	var opts []app.Option
	if *wavPath != "" {
		opts = append(opts, app.WithSource(audio.NewFileSource(*wavPath, cfg.Audio.SampleRate, 0, *speed)))
		slog.Info("replaying audio file", "path", *wavPath, "speed", *speed)
	}
	if *record {
		opts = append(opts, app.WithRecordingOnStart())
	}

	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// openaiModels are the transcription model ids served by the OpenAI speech
// endpoint. One transcriber instance covers all of them; the model id
// travels in the request.
var openaiModels = []string{"whisper-1", "gpt-4o-transcribe", "gpt-4o-mini-transcribe"}

// buildProviders constructs the transcriber registry and the chat fallback
// chain named in cfg. API keys are read from the environment per request,
// so keys submitted over the protocol later take effect without a restart.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	reg := stt.NewRegistry()

	var oaOpts []sttopenai.Option
	if cfg.Transcription.OpenAIBaseURL != "" {
		oaOpts = append(oaOpts, sttopenai.WithBaseURL(cfg.Transcription.OpenAIBaseURL))
	}
	oa := sttopenai.New(oaOpts...)
	for _, model := range openaiModels {
		reg.Register(model, oa)
	}
	reg.Register("gemini-audio", sttgemini.New(sttgemini.WithModel(cfg.Transcription.GeminiModel)))
	for _, model := range reg.Models() {
		slog.Debug("registered transcriber", "model", model)
	}

	chain, err := buildLLMChain(cfg)
	if err != nil {
		return nil, err
	}
	return &app.Providers{STT: reg, LLM: chain}, nil
}

// buildLLMChain wraps the configured chat backend and its fallbacks in a
// circuit-breaking chain.
func buildLLMChain(cfg *config.Config) (llm.Provider, error) {
	primary, err := buildLLM(cfg.AI.Provider, cfg.AI.Model)
	if err != nil {
		return nil, fmt.Errorf("chat provider %s/%s: %w", cfg.AI.Provider, cfg.AI.Model, err)
	}
	slog.Info("chat provider created", "provider", cfg.AI.Provider, "model", cfg.AI.Model)

	chain := resilience.NewLLMChain(primary, resilience.FallbackConfig{})
	for _, ref := range cfg.AI.FallbackProviders {
		fb, err := buildLLM(ref.Provider, ref.Model)
		if err != nil {
			return nil, fmt.Errorf("fallback chat provider %s/%s: %w", ref.Provider, ref.Model, err)
		}
		chain.AddFallback(fb)
		slog.Info("chat fallback registered", "provider", ref.Provider, "model", ref.Model)
	}
	return chain, nil
}

// buildLLM picks the native OpenAI client for "openai" and the any-llm
// bridge for everything else.
func buildLLM(provider, model string) (llm.Provider, error) {
	if provider == "openai" {
		return llmopenai.New(model)
	}
	return anyllm.New(provider, model)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Earshot — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Models", strings.Join(cfg.ModelChain(), " → "))
	printEntry("Chat", cfg.AI.Provider+" / "+cfg.AI.Model)
	printEntry("WebSocket", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	printEntry("Web UI", "http://"+net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)))
	if cfg.Corrector.Enabled {
		printEntry("Corrector", fmt.Sprintf("on, %d extra terms", len(cfg.Corrector.ExtraTerms)))
	} else {
		printEntry("Corrector", "off")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(cfg config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
