package qa_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/earshotlabs/earshot/internal/kb"
	"github.com/earshotlabs/earshot/internal/qa"
	"github.com/earshotlabs/earshot/internal/transcript"
	"github.com/earshotlabs/earshot/pkg/provider/llm"
	"github.com/earshotlabs/earshot/pkg/provider/llm/mock"
	"github.com/earshotlabs/earshot/pkg/types"
)

func newHandler(t *testing.T, p *mock.Provider, opts ...qa.Option) (*qa.Handler, *transcript.Store, *kb.Store) {
	t.Helper()
	tr := transcript.NewStore()
	docs := kb.NewStore()
	h, err := qa.New(qa.Config{}, p, tr, docs, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, tr, docs
}

func appendSegments(tr *transcript.Store, texts ...string) {
	for i, text := range texts {
		tr.Append(types.Segment{Seq: uint64(i + 1), Text: text})
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	tr := transcript.NewStore()
	docs := kb.NewStore()
	p := &mock.Provider{}

	if _, err := qa.New(qa.Config{}, nil, tr, docs); err == nil {
		t.Error("New with nil provider: got nil error")
	}
	if _, err := qa.New(qa.Config{}, p, nil, docs); err == nil {
		t.Error("New with nil transcript: got nil error")
	}
	if _, err := qa.New(qa.Config{}, p, tr, nil); err == nil {
		t.Error("New with nil knowledge base: got nil error")
	}
}

func TestAnswerBuildsFullContextPrompt(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: " The budget was discussed. "}}
	h, tr, docs := newHandler(t, p, qa.WithIntent(func() string { return "review the budget" }))
	appendSegments(tr, "budget is tight", "timeline slips", "ship friday")
	docs.Add("# Glossary\nARR means annual recurring revenue.")

	ans, err := h.Answer(context.Background(), "  What about the budget?  ")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got, want := ans.Question, "What about the budget?"; got != want {
		t.Errorf("Question = %q, want %q", got, want)
	}
	if got, want := ans.Text, "The budget was discussed."; got != want {
		t.Errorf("Text = %q, want %q", got, want)
	}
	if ans.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", ans.Confidence)
	}

	want := "KNOWLEDGE BASE:\n# Glossary\nARR means annual recurring revenue.\n\n" +
		"The user's goal for this session is: 'review the budget'\n\n" +
		"You are an AI assistant with access to the COMPLETE meeting transcript from beginning to end. Please answer the following question using ANY information from the ENTIRE meeting.\n\n" +
		"Complete Meeting Transcript (everything from start to now):\nbudget is tight\ntimeline slips\nship friday\n\n" +
		"Question: What about the budget?\n\n" +
		"Please provide a comprehensive answer based on the ENTIRE meeting transcript. You have access to everything that has been said from the beginning of the meeting. If the answer requires information from earlier in the meeting, please include it.\n\nAnswer:"
	if got := p.CompleteCalls[0].Req.Messages[0].Content; got != want {
		t.Errorf("prompt mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestAnswerOmitsEmptyBlocks(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Sure."}}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "hello")

	if _, err := h.Answer(context.Background(), "What was said?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	prompt := p.CompleteCalls[0].Req.Messages[0].Content
	if strings.Contains(prompt, "KNOWLEDGE BASE:") {
		t.Errorf("prompt contains knowledge base block for empty store:\n%s", prompt)
	}
	if strings.Contains(prompt, "The user's goal") {
		t.Errorf("prompt contains intent line without intent:\n%s", prompt)
	}
	if !strings.HasPrefix(prompt, "You are an AI assistant") {
		t.Errorf("prompt does not start with the task instruction:\n%s", prompt)
	}
}

func TestAnswerEmptyQuestion(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Sure."}}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "hello")

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := h.Answer(context.Background(), q); err == nil {
			t.Errorf("Answer(%q): got nil error", q)
		}
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("completion calls = %d, want 0", len(p.CompleteCalls))
	}
	if got := len(h.History()); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestAnswerEmptyTranscriptSkipsModel(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Sure."}}
	h, _, _ := newHandler(t, p)

	ans, err := h.Answer(context.Background(), "Anything yet?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got, want := ans.Text, "No meeting context available yet."; got != want {
		t.Errorf("Text = %q, want %q", got, want)
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("completion calls = %d, want 0", len(p.CompleteCalls))
	}
	history := h.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != llm.RoleUser || history[1].Role != llm.RoleAssistant {
		t.Errorf("history roles = %q, %q; want user, assistant", history[0].Role, history[1].Role)
	}
}

func TestAnswerModelError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: errors.New("rate limited")}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "hello")

	_, err := h.Answer(context.Background(), "What was said?")
	if err == nil {
		t.Fatal("Answer: got nil error")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want it to wrap the provider error", err)
	}
	// The question stays in history; no assistant turn is recorded.
	history := h.History()
	if len(history) != 1 || history[0].Role != llm.RoleUser {
		t.Errorf("history = %+v, want a single user message", history)
	}
}

func TestAnswerHistoryPruning(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Answer."}}
	tr := transcript.NewStore()
	appendSegments(tr, "hello")
	h, err := qa.New(qa.Config{MaxHistory: 4}, p, tr, kb.NewStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, q := range []string{"first?", "second?", "third?"} {
		if _, err := h.Answer(context.Background(), q); err != nil {
			t.Fatalf("Answer(%q): %v", q, err)
		}
	}

	history := h.History()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	wantContents := []string{"second?", "Answer.", "third?", "Answer."}
	for i, want := range wantContents {
		if history[i].Content != want {
			t.Errorf("history[%d].Content = %q, want %q", i, history[i].Content, want)
		}
	}
}

func TestSuggestedQuestionsParsesResponse(t *testing.T) {
	t.Parallel()
	response := "1. What is the budget?\n- When do we ship?\n\nNot a question line\n• Who owns testing?\nAnything else to cover?"
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: response}}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "planning meeting")

	got := h.SuggestedQuestions(context.Background())
	want := []string{
		"What is the budget?",
		"When do we ship?",
		"Who owns testing?",
		"Anything else to cover?",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SuggestedQuestions = %#v, want %#v", got, want)
	}
}

func TestSuggestedQuestionsPadsShortSets(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Only one question?"}}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "planning meeting")

	got := h.SuggestedQuestions(context.Background())
	want := []string{
		"Only one question?",
		"What are the key technical details mentioned?",
		"What are the next steps or action items?",
		"Who is responsible for each task?",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SuggestedQuestions = %#v, want %#v", got, want)
	}
}

func TestSuggestedQuestionsTruncatesLongSets(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: "One?\nTwo?\nThree?\nFour?\nFive?\nSix?",
	}}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "planning meeting")

	got := h.SuggestedQuestions(context.Background())
	want := []string{"One?", "Two?", "Three?", "Four?"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SuggestedQuestions = %#v, want %#v", got, want)
	}
}

func TestSuggestedQuestionsEmptyTranscript(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A?\nB?\nC?\nD?"}}
	h, _, _ := newHandler(t, p)

	if got := h.SuggestedQuestions(context.Background()); got != nil {
		t.Errorf("SuggestedQuestions = %#v, want nil", got)
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("completion calls = %d, want 0", len(p.CompleteCalls))
	}
}

func TestSuggestedQuestionsModelError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: errors.New("overloaded")}
	h, tr, _ := newHandler(t, p)
	appendSegments(tr, "planning meeting")

	got := h.SuggestedQuestions(context.Background())
	want := []string{
		"What are the main topics being discussed?",
		"What decisions have been made so far?",
		"Are there any action items or next steps?",
		"What questions or concerns were raised?",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SuggestedQuestions = %#v, want %#v", got, want)
	}
}

func TestSuggestedQuestionsPromptIncludesIntentOnly(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A?\nB?\nC?\nD?"}}
	h, tr, docs := newHandler(t, p, qa.WithIntent(func() string { return "prep the review" }))
	appendSegments(tr, "planning meeting")
	docs.Add("# Notes\nSome background.")

	h.SuggestedQuestions(context.Background())
	prompt := p.CompleteCalls[0].Req.Messages[0].Content
	if !strings.HasPrefix(prompt, "The user's goal for this session is: 'prep the review'\n\n") {
		t.Errorf("prompt does not start with the intent line:\n%s", prompt)
	}
	if !strings.Contains(prompt, ", with special focus on prep the review, list exactly 4 questions") {
		t.Errorf("prompt missing the intent focus clause:\n%s", prompt)
	}
	// Unlike answers, question generation does not see the knowledge base.
	if strings.Contains(prompt, "KNOWLEDGE BASE:") {
		t.Errorf("questions prompt unexpectedly contains the knowledge base:\n%s", prompt)
	}
}

func TestRunRegeneratesEveryTick(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A?\nB?\nC?\nD?"}}
	tr := transcript.NewStore()
	appendSegments(tr, "planning meeting")
	h, err := qa.New(qa.Config{Interval: 15 * time.Millisecond, InitialDelay: 10 * time.Millisecond}, p, tr, kb.NewStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	want := []string{"A?", "B?", "C?", "D?"}
	// The set is refreshed on every tick even though the transcript has
	// not changed between them.
	for i := range 2 {
		select {
		case got := <-h.Questions():
			if !reflect.DeepEqual(got, want) {
				t.Errorf("set %d = %#v, want %#v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for set %d", i)
		}
	}

	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	for range h.Questions() {
	}
}

func TestRunSkipsEmptyTranscript(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A?\nB?\nC?\nD?"}}
	h, err := qa.New(qa.Config{Interval: 10 * time.Millisecond, InitialDelay: 5 * time.Millisecond}, p, transcript.NewStore(), kb.NewStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Run(ctx) }()

	select {
	case qs := <-h.Questions():
		t.Fatalf("unexpected question set for empty transcript: %#v", qs)
	case <-time.After(80 * time.Millisecond):
	}

	cancel()
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("completion calls = %d, want 0", len(p.CompleteCalls))
	}
}
