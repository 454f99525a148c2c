package server

import "sync"

// Intent holds the session focus shared across the whole process: clients
// set it over the WebSocket, and the insight generator and Q&A handler
// read it when they build prompts. Last write wins. The zero value is an
// empty focus, ready to use.
type Intent struct {
	mu sync.RWMutex
	v  string
}

func NewIntent() *Intent { return &Intent{} }

// Set replaces the focus. Empty clears it.
func (i *Intent) Set(v string) {
	i.mu.Lock()
	i.v = v
	i.mu.Unlock()
}

// Get returns the current focus, or "" when none is set.
func (i *Intent) Get() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.v
}
