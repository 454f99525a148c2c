package stt

import (
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownModel is returned by [Registry.Lookup] for model ids that no
// registered Transcriber serves.
var ErrUnknownModel = fmt.Errorf("unknown transcription model")

// Registry maps model ids to the Transcriber instances that serve them.
// Several ids may point at the same instance (the OpenAI backend serves
// whisper-1 and both gpt-4o transcription models).
//
// Registry is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[string]Transcriber
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{transcribers: make(map[string]Transcriber)}
}

// Register binds a model id to a Transcriber, replacing any previous binding.
func (r *Registry) Register(model string, t Transcriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[model] = t
}

// Lookup returns the Transcriber serving model, or an error wrapping
// [ErrUnknownModel].
func (r *Registry) Lookup(model string) (Transcriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transcribers[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return t, nil
}

// Models returns the registered model ids in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.transcribers))
	for m := range r.transcribers {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
