// Package gemini provides a Transcriber backed by the Google Gemini
// generateContent API.
//
// Gemini has no dedicated transcription endpoint; audio is sent as an inline
// base64 WAV part next to an instruction text part, and the transcript is the
// first candidate's text.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/provider/stt"
)

const (
	envKey         = "GOOGLE_API_KEY"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"

	// instruction keeps the model from wrapping the transcript in commentary.
	instruction = "Transcribe this audio accurately. Provide only the transcription text without any additional commentary."
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber against the Gemini API.
//
// The registry model id (gemini-audio) is decoupled from the underlying
// Gemini model, which is configurable. The API key is resolved on every
// request, so keys written to the process environment after startup are
// picked up on the next call.
type Transcriber struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the underlying Gemini model. Defaults to gemini-2.0-flash.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		if model != "" {
			t.model = model
		}
	}
}

// WithAPIKey pins the API key instead of reading GOOGLE_API_KEY per request.
func WithAPIKey(key string) Option {
	return func(t *Transcriber) {
		t.apiKey = key
	}
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(t *Transcriber) {
		t.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(t *Transcriber) {
		t.httpClient = &http.Client{Timeout: d}
	}
}

// New creates a Transcriber with the given options applied.
func New(opts ...Option) *Transcriber {
	t := &Transcriber{
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements stt.Transcriber.
func (t *Transcriber) Name() string { return "gemini" }

// Gemini API request/response structures (generateContent subset).
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64 encoded
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Transcribe encodes the request audio as WAV and POSTs it to generateContent
// together with the transcription instruction.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	start := time.Now()

	key := t.apiKey
	if key == "" {
		key = os.Getenv(envKey)
	}
	if key == "" {
		return stt.Result{}, fmt.Errorf("gemini: %w: %s", stt.ErrNoAPIKey, envKey)
	}

	wav := audio.EncodeWAV(req.Samples, req.SampleRate)

	prompt := instruction
	if req.Language != "" {
		prompt = fmt.Sprintf("Transcribe this audio in %s. Provide only the transcription text without any additional commentary.", req.Language)
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiInlineData{
					MimeType: "audio/wav",
					Data:     base64.StdEncoding.EncodeToString(wav),
				}},
			},
		}},
	})
	if err != nil {
		return stt.Result{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", t.baseURL, t.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return stt.Result{}, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("gemini: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("gemini: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("gemini: %w", &stt.APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(data),
		})
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return stt.Result{}, fmt.Errorf("gemini: parse JSON response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return stt.Result{}, fmt.Errorf("gemini: no candidates in response")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return stt.Result{
		Text:    strings.TrimSpace(text.String()),
		Model:   req.Model,
		Latency: time.Since(start),
	}, nil
}

// truncate caps error bodies so log lines stay readable.
func truncate(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
