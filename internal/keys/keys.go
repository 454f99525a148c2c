// Package keys manages the OpenAI and Gemini API keys: format validation,
// display masking, and persistence to the process environment plus an env
// file. Provider clients read the environment per request, so a successful
// Set takes effect without a restart.
package keys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// ErrInvalidKey reports a key that fails the format check. Nothing is
// persisted when any submitted key is invalid.
var ErrInvalidKey = errors.New("keys: invalid api key")

const (
	// EnvOpenAIKey is the environment variable holding the OpenAI key.
	EnvOpenAIKey = "OPENAI_API_KEY"

	// EnvGeminiKey is the environment variable holding the Gemini key.
	// Google SDKs conventionally read GOOGLE_API_KEY.
	EnvGeminiKey = "GOOGLE_API_KEY"

	// fileHeader starts a freshly created env file.
	fileHeader = "# API Keys"
)

var (
	openaiKeyRE = regexp.MustCompile(`^sk-(?:proj-)?[a-zA-Z0-9]{32,}$`)
	geminiKeyRE = regexp.MustCompile(`^AIza[0-9A-Za-z_-]{35}$`)
)

// ValidOpenAIKey reports whether key looks like an OpenAI API key:
// "sk-" or "sk-proj-" followed by at least 32 alphanumeric characters.
func ValidOpenAIKey(key string) bool {
	return openaiKeyRE.MatchString(key)
}

// ValidGeminiKey reports whether key looks like a Google API key: exactly
// 39 characters starting with "AIza".
func ValidGeminiKey(key string) bool {
	return geminiKeyRE.MatchString(key)
}

// Mask hides the middle of a key for display. Very short keys are returned
// as-is; an empty key masks to "".
func Mask(key string) string {
	switch n := len(key); {
	case n <= 2:
		return key
	case n <= 10:
		return key[:1] + "..." + key[n-1:]
	default:
		return key[:4] + "..." + key[n-5:]
	}
}

// Keys is a pair of masked key values for display.
type Keys struct {
	OpenAI string
	Gemini string
}

// Status reports which keys are present without exposing any part of them.
type Status struct {
	HasOpenAIKey bool
	HasGeminiKey bool
}

// Manager validates, masks, and persists API keys. Raw key material never
// leaves the package; callers get masked values and presence flags only.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager loads the env file at path into the process environment
// (already-set variables win) and returns a manager that persists future
// updates there. A missing file is not an error; it is created on the
// first Set.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		return nil, errors.New("keys: env file path is required")
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("keys: loading env file %s: %w", path, err)
	}
	return &Manager{path: path}, nil
}

// Masked returns both keys masked for display. Unset keys come back empty.
func (m *Manager) Masked() Keys {
	return Keys{
		OpenAI: Mask(os.Getenv(EnvOpenAIKey)),
		Gemini: Mask(os.Getenv(EnvGeminiKey)),
	}
}

// Status reports which keys are currently set.
func (m *Manager) Status() Status {
	return Status{
		HasOpenAIKey: os.Getenv(EnvOpenAIKey) != "",
		HasGeminiKey: os.Getenv(EnvGeminiKey) != "",
	}
}

// Set validates and stores the submitted keys in the env file and the
// process environment. An empty string leaves that key unchanged; any
// invalid key fails the whole update with nothing persisted. The file is
// rewritten atomically, preserving unrelated lines and comments.
func (m *Manager) Set(openaiKey, geminiKey string) error {
	openaiKey = strings.TrimSpace(openaiKey)
	geminiKey = strings.TrimSpace(geminiKey)
	if openaiKey != "" && !ValidOpenAIKey(openaiKey) {
		return fmt.Errorf("%w: OpenAI keys start with sk- followed by at least 32 alphanumeric characters", ErrInvalidKey)
	}
	if geminiKey != "" && !ValidGeminiKey(geminiKey) {
		return fmt.Errorf("%w: Gemini keys start with AIza and are exactly 39 characters", ErrInvalidKey)
	}

	updates := make(map[string]string, 2)
	if openaiKey != "" {
		updates[EnvOpenAIKey] = openaiKey
	}
	if geminiKey != "" {
		updates[EnvGeminiKey] = geminiKey
	}
	if len(updates) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.rewriteFile(updates); err != nil {
		return fmt.Errorf("keys: persisting env file: %w", err)
	}
	for _, name := range [...]string{EnvOpenAIKey, EnvGeminiKey} {
		if value, ok := updates[name]; ok {
			if err := os.Setenv(name, value); err != nil {
				return fmt.Errorf("keys: updating environment: %w", err)
			}
		}
	}
	return nil
}

// rewriteFile applies updates to the env file: existing KEY= lines are
// replaced in place, missing keys are appended, everything else is kept
// byte for byte.
func (m *Manager) rewriteFile(updates map[string]string) error {
	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data = []byte(fileHeader + "\n")
	case err != nil:
		return err
	}

	lines := strings.Split(string(data), "\n")
	// Splitting content that ends with a newline leaves a trailing empty
	// element; drop it so appends land before the final newline.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	replaced := make(map[string]bool, len(updates))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for name, value := range updates {
			if strings.HasPrefix(line, name+"=") {
				lines[i] = name + "=" + value
				replaced[name] = true
			}
		}
	}
	for _, name := range [...]string{EnvOpenAIKey, EnvGeminiKey} {
		if value, ok := updates[name]; ok && !replaced[name] {
			lines = append(lines, name+"="+value)
		}
	}

	return writeFileAtomic(m.path, []byte(strings.Join(lines, "\n")+"\n"))
}

// writeFileAtomic writes data to a temp file in path's directory and
// renames it over path, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".env-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
