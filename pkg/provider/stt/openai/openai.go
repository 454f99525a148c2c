// Package openai provides a Transcriber backed by the OpenAI audio
// transcription API.
//
// One instance serves every OpenAI transcription model: the model id from the
// request is forwarded in the multipart form, so the registry can bind
// whisper-1, gpt-4o-transcribe and gpt-4o-mini-transcribe to the same
// Transcriber.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/earshotlabs/earshot/pkg/audio"
	"github.com/earshotlabs/earshot/pkg/provider/stt"
)

const (
	envKey         = "OPENAI_API_KEY"
	defaultBaseURL = "https://api.openai.com"
	transcribePath = "/v1/audio/transcriptions"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber against the OpenAI API.
//
// The API key is resolved on every request, so keys written to the process
// environment after startup are picked up on the next call.
type Transcriber struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithAPIKey pins the API key instead of reading OPENAI_API_KEY per request.
func WithAPIKey(key string) Option {
	return func(t *Transcriber) {
		t.apiKey = key
	}
}

// WithBaseURL overrides the default API base URL. Useful for proxies and
// OpenAI-compatible servers.
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
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name implements stt.Transcriber.
func (t *Transcriber) Name() string { return "openai" }

// Transcribe encodes the request audio as WAV and POSTs it to the
// transcriptions endpoint as multipart/form-data.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	start := time.Now()

	key := t.apiKey
	if key == "" {
		key = os.Getenv(envKey)
	}
	if key == "" {
		return stt.Result{}, fmt.Errorf("openai: %w: %s", stt.ErrNoAPIKey, envKey)
	}

	wav := audio.EncodeWAV(req.Samples, req.SampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("openai: write wav data: %w", err)
	}
	if err := mw.WriteField("model", req.Model); err != nil {
		return stt.Result{}, fmt.Errorf("openai: write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return stt.Result{}, fmt.Errorf("openai: write response_format field: %w", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return stt.Result{}, fmt.Errorf("openai: write language field: %w", err)
		}
	}
	if req.Prompt != "" {
		if err := mw.WriteField("prompt", req.Prompt); err != nil {
			return stt.Result{}, fmt.Errorf("openai: write prompt field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("openai: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+transcribePath, &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("openai: %w", &stt.APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(data),
		})
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return stt.Result{}, fmt.Errorf("openai: parse JSON response: %w", err)
	}

	return stt.Result{
		Text:    strings.TrimSpace(parsed.Text),
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
