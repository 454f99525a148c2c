package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	// minTokenRunes is the shortest single token the corrector considers
	// repairing, and the shortest vocabulary entry kept at preparation.
	// Correcting two-letter tokens does more harm than good.
	minTokenRunes = 3

	// phoneticSlack widens the distance budget when Double Metaphone codes
	// agree. Codes truncate at four symbols, so a code match alone is weak
	// evidence for long words and must stay anchored to the edit distance.
	phoneticSlack = 2
)

// Corrector repairs transcribed near-misses of known vocabulary terms.
//
// Speech-to-text output reliably mangles project names and other terms the
// model has never seen. The corrector keeps a vocabulary of canonical
// spellings — knowledge-base titles and headings plus configured extras —
// and rewrites tokens that are phonetically or typographically close to an
// entry. Matching combines Double Metaphone codes with optimal string
// alignment distance from github.com/antzucaro/matchr. Multi-word terms are
// matched against token windows; the closest window wins.
//
// All methods are safe for concurrent use. A nil *Corrector performs no
// corrections.
type Corrector struct {
	extra []string

	mu       sync.RWMutex
	vocab    []vocabTerm
	maxWords int
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithExtraTerms adds canonical spellings that are always part of the
// vocabulary, independent of the knowledge base.
func WithExtraTerms(terms ...string) Option {
	return func(c *Corrector) {
		c.extra = append(c.extra, terms...)
	}
}

// NewCorrector returns a corrector whose vocabulary holds only the extra
// terms until [Corrector.SetVocabulary] is called.
func NewCorrector(opts ...Option) *Corrector {
	c := &Corrector{}
	for _, o := range opts {
		o(c)
	}
	c.SetVocabulary(nil)
	return c
}

// SetVocabulary replaces the knowledge-base derived part of the vocabulary.
// Extra terms always remain. Case-insensitive duplicates keep their first
// occurrence, so extra terms win over knowledge-base spellings.
func (c *Corrector) SetVocabulary(terms []string) {
	all := make([]string, 0, len(c.extra)+len(terms))
	all = append(all, c.extra...)
	all = append(all, terms...)
	vocab, maxWords := prepareTerms(all)

	c.mu.Lock()
	c.vocab = vocab
	c.maxWords = maxWords
	c.mu.Unlock()
}

// Correct rewrites near-miss vocabulary terms in text and returns the
// result. Whitespace is normalised to single spaces. The first letter of a
// replacement adopts the case of the original token's first letter, so
// sentence capitalisation survives correction. Each substitution is logged
// at debug level.
func (c *Corrector) Correct(text string) string {
	if c == nil {
		return text
	}
	c.mu.RLock()
	vocab, maxWords := c.vocab, c.maxWords
	c.mu.RUnlock()
	if len(vocab) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	// One token beyond the longest term lets a term split across two
	// tokens rejoin.
	maxWindow := maxWords + 1

	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		repl, consumed := replaceAt(tokens, i, maxWindow, vocab)
		if consumed == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, repl...)
		i += consumed
	}
	return strings.Join(out, " ")
}

// replaceAt matches vocabulary terms against the token windows starting at
// position i and picks the window with the lowest edit distance, preferring
// the longer window on ties. It returns the replacement tokens and the
// number of input tokens consumed; consumed is zero when nothing matched.
func replaceAt(tokens []string, i, maxWindow int, vocab []vocabTerm) ([]string, int) {
	var (
		bestTerm       vocabTerm
		bestScore      int
		bestN          int
		prefix, suffix string
		firstCore      string
	)
	for n := min(maxWindow, len(tokens)-i); n >= 1; n-- {
		window := tokens[i : i+n]
		pre, cores, suf, ok := splitWindow(window)
		if !ok {
			continue
		}
		term, score, ok := closestTerm(cores, vocab)
		if !ok {
			continue
		}
		if bestN == 0 || score < bestScore {
			bestTerm, bestScore, bestN = term, score, n
			prefix, suffix, firstCore = pre, suf, cores[0]
		}
	}
	if bestN == 0 {
		return nil, 0
	}

	repl := strings.Fields(bestTerm.canonical)
	repl[0] = adoptCase(repl[0], firstCore)
	repl[0] = prefix + repl[0]
	repl[len(repl)-1] += suffix

	slog.Debug("corrected transcript term",
		"from", strings.Join(tokens[i:i+bestN], " "),
		"to", bestTerm.canonical)
	return repl, bestN
}

// splitWindow strips edge punctuation from a token window. Interior
// punctuation (a comma between window tokens, say) means the tokens do not
// form one phrase and the window is rejected, as is a single-token window
// shorter than minTokenRunes.
func splitWindow(window []string) (prefix string, cores []string, suffix string, ok bool) {
	cores = make([]string, len(window))
	for j, tok := range window {
		p, core, s := splitPunct(tok)
		if core == "" {
			return "", nil, "", false
		}
		if j > 0 && p != "" {
			return "", nil, "", false
		}
		if j < len(window)-1 && s != "" {
			return "", nil, "", false
		}
		if j == 0 {
			prefix = p
		}
		if j == len(window)-1 {
			suffix = s
		}
		cores[j] = core
	}
	if len(cores) == 1 && utf8.RuneCountInString(cores[0]) < minTokenRunes {
		return "", nil, "", false
	}
	return prefix, cores, suffix, true
}

// closestTerm returns the vocabulary term nearest to the window, if any term
// matches. Lower edit distance wins; ties keep vocabulary order.
func closestTerm(cores []string, vocab []vocabTerm) (vocabTerm, int, bool) {
	lower := make([]string, len(cores))
	codes := make([]codeSet, len(cores))
	shortest := -1
	for j, core := range cores {
		lower[j] = strings.ToLower(core)
		codes[j] = metaphoneCodes(lower[j])
		if n := utf8.RuneCountInString(core); shortest == -1 || n < shortest {
			shortest = n
		}
	}
	joined := strings.Join(lower, "")

	bestIdx, bestScore := -1, 0
	for idx, term := range vocab {
		var score int
		var ok bool
		if len(term.words) == len(lower) {
			score, ok = alignedDistance(lower, codes, term)
		} else {
			score, ok = joinedDistance(joined, shortest, term)
		}
		if !ok {
			continue
		}
		if bestIdx == -1 || score < bestScore {
			bestIdx, bestScore = idx, score
		}
	}
	if bestIdx == -1 {
		return vocabTerm{}, 0, false
	}
	return vocab[bestIdx], bestScore, true
}

// alignedDistance matches a window against a term with the same word count.
// Every word pair must be an exact match, within the distance budget, or
// phonetically equal and within the widened budget. A window that already is
// the term (case aside) is not a match; there is nothing to repair.
func alignedDistance(lower []string, codes []codeSet, term vocabTerm) (int, bool) {
	total, exact := 0, true
	for j := range lower {
		if lower[j] == term.words[j] {
			continue
		}
		exact = false
		d := matchr.OSA(lower[j], term.words[j])
		budget := osaBudget(maxRunes(lower[j], term.words[j]))
		if d > budget && !(codesOverlap(codes[j], term.codes[j]) && d <= budget+phoneticSlack) {
			return 0, false
		}
		total += d
	}
	if exact {
		return 0, false
	}
	return total, true
}

// joinedDistance matches a window against a term with a different word count
// by comparing space-stripped forms. The budget scales with the term, not
// the window, so a term cannot absorb arbitrary neighbouring text, and the
// distance must stay below the shortest window token or the alignment could
// delete a neighbouring word outright. Metaphone codes truncate at four
// symbols and over-match on long concatenations, so only the distance
// counts here.
func joinedDistance(joined string, shortestToken int, term vocabTerm) (int, bool) {
	d := matchr.OSA(joined, term.joined)
	if d > osaBudget(utf8.RuneCountInString(term.joined)) || d >= shortestToken {
		return 0, false
	}
	return d, true
}

// osaBudget is the edit-distance budget for a comparison whose longer side
// has n runes.
func osaBudget(n int) int {
	switch {
	case n <= 3:
		return 0
	case n <= 5:
		return 1
	case n <= 8:
		return 2
	default:
		return 3
	}
}

// vocabTerm is a vocabulary entry with its matching forms precomputed.
type vocabTerm struct {
	canonical string
	words     []string  // lowercased
	joined    string    // lowercased, spaces stripped
	codes     []codeSet // per-word metaphone codes
}

func prepareTerms(terms []string) (vocab []vocabTerm, maxWords int) {
	maxWords = 1
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		canonical := strings.TrimSpace(t)
		lower := strings.ToLower(canonical)
		if _, dup := seen[lower]; canonical == "" || dup {
			continue
		}
		words := strings.Fields(lower)
		joined := strings.Join(words, "")
		if utf8.RuneCountInString(joined) < minTokenRunes {
			continue
		}
		seen[lower] = struct{}{}

		vt := vocabTerm{
			canonical: canonical,
			words:     words,
			joined:    joined,
			codes:     make([]codeSet, len(words)),
		}
		for j, w := range words {
			vt.codes[j] = metaphoneCodes(w)
		}
		maxWords = max(maxWords, len(words))
		vocab = append(vocab, vt)
	}
	return vocab, maxWords
}

type codeSet map[string]struct{}

// metaphoneCodes returns the Double Metaphone codes of a word. Words too
// short to produce a code yield an empty set.
func metaphoneCodes(word string) codeSet {
	codes := make(codeSet, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b codeSet) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// splitPunct separates leading and trailing punctuation from a token. A
// trailing possessive ("falkon's") moves into the suffix so the stem can be
// matched on its own.
func splitPunct(tok string) (prefix, core, suffix string) {
	runes := []rune(tok)
	start := 0
	for start < len(runes) && !isWordRune(runes[start]) {
		start++
	}
	end := len(runes)
	for end > start && !isWordRune(runes[end-1]) {
		end--
	}
	prefix, core, suffix = string(runes[:start]), string(runes[start:end]), string(runes[end:])
	if stem, found := strings.CutSuffix(core, "'s"); found && stem != "" {
		core, suffix = stem, "'s"+suffix
	}
	return prefix, core, suffix
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
}

// adoptCase carries the first-letter case of the original token onto the
// replacement so sentence capitalisation survives correction.
func adoptCase(repl, original string) string {
	or, _ := utf8.DecodeRuneInString(original)
	rr, size := utf8.DecodeRuneInString(repl)
	if or == utf8.RuneError || rr == utf8.RuneError {
		return repl
	}
	switch {
	case unicode.IsUpper(or):
		return string(unicode.ToUpper(rr)) + repl[size:]
	case unicode.IsLower(or):
		return string(unicode.ToLower(rr)) + repl[size:]
	}
	return repl
}

func maxRunes(a, b string) int {
	return max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
}

// Headings returns the text of every markdown heading in content, in
// document order. It feeds the corrector vocabulary from knowledge-base
// documents.
func Headings(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
			continue
		}
		if text := strings.TrimSpace(trimmed[level+1:]); text != "" {
			out = append(out, text)
		}
	}
	return out
}
