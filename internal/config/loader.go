package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidModelIDs lists the transcription model ids the dispatcher can route.
// Unknown ids are a hard validation error: a typo here would otherwise only
// surface as a failing attempt chain at runtime.
var ValidModelIDs = []string{
	"whisper-1",
	"gpt-4o-transcribe",
	"gpt-4o-mini-transcribe",
	"gemini-audio",
}

// ValidAIProviders lists known chat backend names.
var ValidAIProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path. A missing file is not an
// error: the defaults are returned so a zero-config start works.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort))
	}
	if cfg.Server.Port == cfg.Server.HTTPPort {
		errs = append(errs, fmt.Errorf("server.port and server.http_port are both %d; the listeners need distinct ports", cfg.Server.Port))
	}
	if cfg.Server.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("server.max_sessions must be at least 1, got %d", cfg.Server.MaxSessions))
	}
	if cfg.Server.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.session_timeout must be positive, got %v", cfg.Server.SessionTimeout.D()))
	}
	if cfg.Server.SendQueueSize < 1 {
		errs = append(errs, fmt.Errorf("server.send_queue_size must be at least 1, got %d", cfg.Server.SendQueueSize))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.MinBatchDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.min_batch_duration must be positive, got %v", cfg.Audio.MinBatchDuration.D()))
	}
	if cfg.Audio.MaxBatchDuration <= cfg.Audio.MinBatchDuration {
		errs = append(errs, fmt.Errorf("audio.max_batch_duration %v must exceed min_batch_duration %v",
			cfg.Audio.MaxBatchDuration.D(), cfg.Audio.MinBatchDuration.D()))
	}
	if cfg.Audio.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_duration must be positive, got %v", cfg.Audio.SilenceDuration.D()))
	}
	if cfg.Audio.SilenceDuration > cfg.Audio.MinBatchDuration {
		errs = append(errs, fmt.Errorf("audio.silence_duration %v must not exceed min_batch_duration %v",
			cfg.Audio.SilenceDuration.D(), cfg.Audio.MinBatchDuration.D()))
	}
	if cfg.Audio.OverlapDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.overlap_duration must not be negative, got %v", cfg.Audio.OverlapDuration.D()))
	}
	if cfg.Audio.OverlapDuration >= cfg.Audio.MinBatchDuration {
		errs = append(errs, fmt.Errorf("audio.overlap_duration %v must be below min_batch_duration %v",
			cfg.Audio.OverlapDuration.D(), cfg.Audio.MinBatchDuration.D()))
	}
	if cfg.Audio.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold must not be negative, got %v", cfg.Audio.SilenceThreshold))
	}
	if cfg.Audio.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("audio.queue_size must be at least 1, got %d", cfg.Audio.QueueSize))
	}

	// Transcription
	validateModelID(&errs, "transcription.model", cfg.Transcription.Model)
	for i, m := range cfg.Transcription.FallbackModels {
		validateModelID(&errs, fmt.Sprintf("transcription.fallback_models[%d]", i), m)
	}
	if cfg.Transcription.Workers < 1 {
		errs = append(errs, fmt.Errorf("transcription.workers must be at least 1, got %d", cfg.Transcription.Workers))
	}
	if cfg.Transcription.APITimeout <= 0 {
		errs = append(errs, fmt.Errorf("transcription.api_timeout must be positive, got %v", cfg.Transcription.APITimeout.D()))
	}
	if cfg.Transcription.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_retries must not be negative, got %d", cfg.Transcription.MaxRetries))
	}
	if cfg.Transcription.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("transcription.retry_delay must not be negative, got %v", cfg.Transcription.RetryDelay.D()))
	}

	// AI
	if cfg.AI.Provider != "" && !slices.Contains(ValidAIProviders, cfg.AI.Provider) {
		errs = append(errs, fmt.Errorf("ai.provider %q is unknown; valid values: %v", cfg.AI.Provider, ValidAIProviders))
	}
	for i, ref := range cfg.AI.FallbackProviders {
		if !slices.Contains(ValidAIProviders, ref.Provider) {
			errs = append(errs, fmt.Errorf("ai.fallback_providers[%d].provider %q is unknown; valid values: %v", i, ref.Provider, ValidAIProviders))
		}
	}
	if cfg.AI.InsightInterval <= 0 {
		errs = append(errs, fmt.Errorf("ai.insight_interval must be positive, got %v", cfg.AI.InsightInterval.D()))
	}
	if cfg.AI.QuestionInterval <= 0 {
		errs = append(errs, fmt.Errorf("ai.question_interval must be positive, got %v", cfg.AI.QuestionInterval.D()))
	}
	if cfg.AI.Temperature < 0 || cfg.AI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("ai.temperature %.2f is out of range [0, 2]", cfg.AI.Temperature))
	}
	if cfg.AI.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("ai.max_tokens must be at least 1, got %d", cfg.AI.MaxTokens))
	}

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// Soft checks.
	if cfg.Keys.EnvFile == "" {
		slog.Warn("keys.env_file is empty; API keys set at runtime will not be persisted")
	}
	if slices.Contains(cfg.Transcription.FallbackModels, cfg.Transcription.Model) {
		slog.Warn("primary transcription model repeated in fallback_models; duplicate will be skipped",
			"model", cfg.Transcription.Model)
	}

	return errors.Join(errs...)
}

// validateModelID appends a hard error when id is not a routable model.
func validateModelID(errs *[]error, field, id string) {
	if id == "" {
		*errs = append(*errs, fmt.Errorf("%s is required", field))
		return
	}
	if !slices.Contains(ValidModelIDs, id) {
		*errs = append(*errs, fmt.Errorf("%s %q is unknown; valid values: %v", field, id, ValidModelIDs))
	}
}

// ModelChain returns the attempt order for the dispatcher: the primary model
// followed by the fallbacks, with duplicates removed and order preserved.
func (c *Config) ModelChain() []string {
	chain := make([]string, 0, 1+len(c.Transcription.FallbackModels))
	seen := make(map[string]bool)
	for _, m := range append([]string{c.Transcription.Model}, c.Transcription.FallbackModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}
