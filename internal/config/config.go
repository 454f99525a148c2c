// Package config provides the configuration schema, defaults, and loader for
// the Earshot transcription service.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Earshot server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("500ms", "1h") or as a bare number of seconds (3, 0.5).
// The numeric form keeps configs from earlier deployments working.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %s", value.Tag)
	}
	if value.Tag == "!!int" || value.Tag == "!!float" {
		secs, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("invalid duration number %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Earshot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	AI            AIConfig            `yaml:"ai"`
	Corrector     CorrectorConfig     `yaml:"corrector"`
	Keys          KeysConfig          `yaml:"keys"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig holds the WebSocket and HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for both listeners.
	Host string `yaml:"host"`

	// Port is the WebSocket listener port.
	Port int `yaml:"port"`

	// HTTPPort serves the static UI, health probes, and metrics.
	HTTPPort int `yaml:"http_port"`

	// MaxSessions caps concurrent WebSocket sessions. When full, the oldest
	// session is evicted to admit a new one.
	MaxSessions int `yaml:"max_sessions"`

	// SessionTimeout closes sessions with no inbound traffic for this long.
	SessionTimeout Duration `yaml:"session_timeout"`

	// SendQueueSize bounds each session's outbound event queue. Events to a
	// session with a full queue are dropped.
	SendQueueSize int `yaml:"send_queue_size"`
}

// AudioConfig tunes the segmenter.
type AudioConfig struct {
	// SampleRate of the pipeline in Hz. Sources must deliver mono frames at
	// this rate.
	SampleRate int `yaml:"sample_rate"`

	// MinBatchDuration is the minimum speech accumulated before silence can
	// close a batch.
	MinBatchDuration Duration `yaml:"min_batch_duration"`

	// MaxBatchDuration force-closes a batch regardless of silence.
	MaxBatchDuration Duration `yaml:"max_batch_duration"`

	// SilenceDuration is how long energy must stay at or below the threshold
	// before a batch boundary is recognised.
	SilenceDuration Duration `yaml:"silence_duration"`

	// OverlapDuration is the tail of each batch replayed at the head of the
	// next so words straddling a boundary are not lost.
	OverlapDuration Duration `yaml:"overlap_duration"`

	// SilenceThreshold is the RMS energy at or below which a frame counts as
	// silent, in raw 16-bit sample units.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// QueueSize bounds the batch queue between segmenter and dispatcher.
	// On overflow the oldest pending batch is dropped.
	QueueSize int `yaml:"queue_size"`
}

// TranscriptionConfig selects models and tunes the dispatch chain.
type TranscriptionConfig struct {
	// Model is the primary transcription model id.
	Model string `yaml:"model"`

	// FallbackModels are tried in order after the primary is exhausted.
	FallbackModels []string `yaml:"fallback_models"`

	// Workers is the number of batches transcribed concurrently. Results are
	// still published in batch order.
	Workers int `yaml:"workers"`

	// APITimeout bounds each individual provider request.
	APITimeout Duration `yaml:"api_timeout"`

	// MaxRetries is the attempt count per model before falling through.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the base backoff delay; it doubles per retry.
	RetryDelay Duration `yaml:"retry_delay"`

	// NoiseReduction enables the moving-average smoothing stage.
	NoiseReduction bool `yaml:"noise_reduction"`

	// Language is an optional ISO-639-1 hint passed to providers.
	Language string `yaml:"language"`

	// OpenAIBaseURL overrides the OpenAI API endpoint. Leave empty for the
	// platform default. Useful for compatible self-hosted gateways.
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// GeminiModel is the underlying Gemini model used when the pipeline
	// model id is "gemini-audio".
	GeminiModel string `yaml:"gemini_model"`
}

// AIConfig selects the LLM used for insights, answers, and suggested
// questions.
type AIConfig struct {
	// Provider is the chat backend name (e.g. "gemini", "openai", "ollama").
	Provider string `yaml:"provider"`

	// Model is the chat model id for the selected provider.
	Model string `yaml:"model"`

	// FallbackProviders are tried in order when the primary is failing.
	FallbackProviders []ProviderRef `yaml:"fallback_providers"`

	// InsightInterval is the cadence of the insight generator.
	InsightInterval Duration `yaml:"insight_interval"`

	// QuestionInterval is the cadence of suggested-question refreshes.
	QuestionInterval Duration `yaml:"question_interval"`

	// Temperature for all chat completions.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each chat completion.
	MaxTokens int `yaml:"max_tokens"`
}

// ProviderRef names a fallback chat backend and its model.
type ProviderRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// CorrectorConfig tunes the vocabulary corrector applied to transcription
// output before it enters the context store.
type CorrectorConfig struct {
	// Enabled toggles the corrector. Correction uses knowledge-base titles
	// and headings plus ExtraTerms as the vocabulary.
	Enabled bool `yaml:"enabled"`

	// ExtraTerms are additional canonical spellings to repair toward.
	ExtraTerms []string `yaml:"extra_terms"`
}

// KeysConfig locates the env file used to persist API keys set at runtime.
type KeysConfig struct {
	// EnvFile is the dotenv path. Created on first write if absent.
	EnvFile string `yaml:"env_file"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Default returns the configuration used when no file is present. Every
// field is valid; a zero-config start serves localhost with the stock
// model chain.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8765,
			HTTPPort:       8766,
			MaxSessions:    10,
			SessionTimeout: Duration(time.Hour),
			SendQueueSize:  64,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			MinBatchDuration: Duration(3 * time.Second),
			MaxBatchDuration: Duration(30 * time.Second),
			SilenceDuration:  Duration(500 * time.Millisecond),
			OverlapDuration:  Duration(500 * time.Millisecond),
			SilenceThreshold: 100.0,
			QueueSize:        100,
		},
		Transcription: TranscriptionConfig{
			Model:          "gpt-4o-transcribe",
			FallbackModels: []string{"whisper-1"},
			Workers:        2,
			APITimeout:     Duration(30 * time.Second),
			MaxRetries:     3,
			RetryDelay:     Duration(time.Second),
			GeminiModel:    "gemini-2.0-flash",
		},
		AI: AIConfig{
			Provider:         "gemini",
			Model:            "gemini-2.0-flash",
			InsightInterval:  Duration(60 * time.Second),
			QuestionInterval: Duration(15 * time.Second),
			Temperature:      0.7,
			MaxTokens:        300,
		},
		Corrector: CorrectorConfig{
			Enabled: true,
		},
		Keys: KeysConfig{
			EnvFile: ".env",
		},
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogText,
		},
	}
}
