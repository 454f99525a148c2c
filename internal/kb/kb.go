// Package kb maintains the session knowledge base: user-provided markdown
// documents whose content is injected into insight and answer prompts and
// whose titles and headings seed the transcript vocabulary corrector.
package kb

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ErrNotFound is returned for operations on document ids the store does not
// hold.
var ErrNotFound = errors.New("document not found")

// separator joins document contents in Content.
const separator = "\n\n---\n\n"

const untitled = "Untitled Document"

// Document is one knowledge-base entry. Title and CharCount are derived
// from Content on every write.
type Document struct {
	ID        string
	Title     string
	Content   string
	CharCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats summarises the store.
type Stats struct {
	Documents int
	Chars     int
}

const subscriberBuffer = 1

// Store holds the documents. All operations serialise against each other;
// readers get point-in-time copies.
type Store struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// NewStore creates an empty knowledge base.
func NewStore() *Store {
	return &Store{
		docs: make(map[string]Document),
		now:  time.Now,
		subs: make(map[int]chan struct{}),
	}
}

// Add creates a document from content and returns it. The title is derived
// from the content's first heading or line.
func (s *Store) Add(content string) Document {
	s.mu.Lock()
	now := s.now()
	doc := Document{
		ID:        uuid.NewString(),
		Title:     deriveTitle(content),
		Content:   content,
		CharCount: utf8.RuneCountInString(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.docs[doc.ID] = doc
	s.mu.Unlock()

	s.notify()
	return doc
}

// Update replaces a document's content, re-deriving the title. UpdatedAt is
// strictly greater than the previous value even when the clock has not
// advanced.
func (s *Store) Update(id, content string) (Document, error) {
	s.mu.Lock()
	doc, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return Document{}, ErrNotFound
	}
	updated := s.now()
	if !updated.After(doc.UpdatedAt) {
		updated = doc.UpdatedAt.Add(time.Nanosecond)
	}
	doc.Content = content
	doc.Title = deriveTitle(content)
	doc.CharCount = utf8.RuneCountInString(content)
	doc.UpdatedAt = updated
	s.docs[id] = doc
	s.mu.Unlock()

	s.notify()
	return doc, nil
}

// Remove deletes a document.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.docs[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.docs, id)
	s.mu.Unlock()

	s.notify()
	return nil
}

// Get returns a document by id.
func (s *Store) Get(id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// List returns every document ordered by creation time ascending, ties
// broken by id.
func (s *Store) List() []Document {
	s.mu.RLock()
	docs := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

// Content joins all document contents in List order. Empty store, empty
// string.
func (s *Store) Content() string {
	docs := s.List()
	if len(docs) == 0 {
		return ""
	}
	contents := make([]string, len(docs))
	for i, doc := range docs {
		contents[i] = doc.Content
	}
	return strings.Join(contents, separator)
}

// Stats returns document and character totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Documents: len(s.docs)}
	for _, doc := range s.docs {
		st.Chars += doc.CharCount
	}
	return st
}

// Clear removes every document.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.docs)
	s.mu.Unlock()

	s.notify()
}

// Replace clears the store and adds content as its single document. This is
// the whole-knowledge-base update path used by clients that edit the KB as
// one blob.
func (s *Store) Replace(content string) Document {
	s.mu.Lock()
	clear(s.docs)
	now := s.now()
	doc := Document{
		ID:        uuid.NewString(),
		Title:     deriveTitle(content),
		Content:   content,
		CharCount: utf8.RuneCountInString(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.docs[doc.ID] = doc
	s.mu.Unlock()

	s.notify()
	return doc
}

// Subscribe returns a channel that receives a signal after every mutation,
// and a cancel function. Signals coalesce: a subscriber that has not drained
// the previous signal is not queued another.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, subscriberBuffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// deriveTitle extracts a display title from markdown content: the first H1
// anywhere, else the first H2, else the first non-empty line truncated to
// 50 runes, else a placeholder.
func deriveTitle(content string) string {
	lines := strings.Split(strings.TrimSpace(content), "\n")

	if t, ok := findHeading(lines, "# "); ok {
		return t
	}
	if t, ok := findHeading(lines, "## "); ok {
		return t
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 50 {
			return string(r[:47]) + "..."
		}
		return line
	}
	return untitled
}

// findHeading returns the text of the first line with exactly the given
// heading marker.
func findHeading(lines []string, marker string) (string, bool) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, marker)
		if !ok || strings.HasPrefix(rest, "#") {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest != "" {
			return rest, true
		}
	}
	return "", false
}
