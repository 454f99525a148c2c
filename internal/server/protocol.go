package server

import (
	"encoding/json"
	"time"

	"github.com/earshotlabs/earshot/internal/kb"
)

// Message types accepted from clients.
const (
	msgQuestion         = "question"
	msgIntent           = "intent"
	msgRecordingControl = "recording_control"
	msgStatusRequest    = "status_request"
	msgUpdateKB         = "update_kb"
	msgListKBRecords    = "list_kb_records"
	msgCreateKBRecord   = "create_kb_record"
	msgUpdateKBRecord   = "update_kb_record"
	msgDeleteKBRecord   = "delete_kb_record"
	msgGetKBRecord      = "get_kb_record"
	msgGetAPIKeys       = "get_api_keys"
	msgSetAPIKeys       = "set_api_keys"
)

// Message types sent to clients.
const (
	typeStatus             = "status"
	typeError              = "error"
	typeAnswer             = "answer"
	typeTranscript         = "transcript"
	typeInsight            = "insight"
	typeSuggestedQuestions = "suggested_questions"
	typeRecordingStatus    = "recording_status"
	typeKBContent          = "kb_content"
	typeKBUpdated          = "kb_updated"
	typeKBRecordsList      = "kb_records_list"
	typeKBRecordCreated    = "kb_record_created"
	typeKBRecordUpdated    = "kb_record_updated"
	typeKBRecordDeleted    = "kb_record_deleted"
	typeKBRecordContent    = "kb_record_content"
	typeAPIKeys            = "api_keys"
	typeAPIKeysUpdated     = "api_keys_updated"
	typeAPIKeysStatus      = "api_keys_status"
)

// inbound is the envelope for every client frame. Content is decoded per
// message type: most messages carry a plain string, recording_control
// carries an object with an action field.
type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Content   json.RawMessage `json:"content"`
	DocID     string          `json:"doc_id"`
	OpenAIKey string          `json:"openai_key"`
	GeminiKey string          `json:"gemini_key"`
}

// contentString decodes the content field as a JSON string. A missing
// content field decodes to "".
func (m inbound) contentString() (string, bool) {
	if len(m.Content) == 0 {
		return "", true
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// recordingAction decodes the content of a recording_control message.
func (m inbound) recordingAction() (string, bool) {
	var c struct {
		Action string `json:"action"`
	}
	if len(m.Content) == 0 || json.Unmarshal(m.Content, &c) != nil {
		return "", false
	}
	return c.Action, true
}

type statusMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type errorMsg struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// answerMsg duplicates the answer text in content and answer; older
// clients read one field, newer ones the other.
type answerMsg struct {
	Type           string  `json:"type"`
	Question       string  `json:"question"`
	Content        string  `json:"content"`
	Answer         string  `json:"answer"`
	RequestID      string  `json:"request_id,omitempty"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Timestamp      string  `json:"timestamp"`
}

type transcriptMsg struct {
	Type    string            `json:"type"`
	Content transcriptPayload `json:"content"`
}

type transcriptPayload struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	BatchID   string `json:"batch_id"`
}

type insightMsg struct {
	Type    string         `json:"type"`
	Content insightPayload `json:"content"`
}

type insightPayload struct {
	Kind       string  `json:"type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

type questionsMsg struct {
	Type    string           `json:"type"`
	Content questionsPayload `json:"content"`
}

type questionsPayload struct {
	Questions []string `json:"questions"`
	Timestamp string   `json:"timestamp"`
}

type recordingStatusMsg struct {
	Type    string           `json:"type"`
	Content recordingPayload `json:"content"`
}

type recordingPayload struct {
	Recording bool   `json:"recording"`
	Timestamp string `json:"timestamp"`
}

type kbContentMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type kbUpdatedMsg struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
}

type kbRecordSummary struct {
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Size      int    `json:"size"`
}

type kbRecordsListMsg struct {
	Type      string            `json:"type"`
	Records   []kbRecordSummary `json:"records"`
	RequestID string            `json:"request_id,omitempty"`
}

type kbRecordCreatedMsg struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	RequestID string `json:"request_id,omitempty"`
}

type kbRecordUpdatedMsg struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	DocID     string `json:"doc_id"`
	RequestID string `json:"request_id,omitempty"`
}

type kbRecordDeletedMsg struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	DocID     string `json:"doc_id"`
	RequestID string `json:"request_id,omitempty"`
}

type kbRecordContentMsg struct {
	Type      string `json:"type"`
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

type apiKeysMsg struct {
	Type      string `json:"type"`
	OpenAIKey string `json:"openai_key"`
	GeminiKey string `json:"gemini_key"`
	RequestID string `json:"request_id,omitempty"`
}

type apiKeysUpdatedMsg struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type apiKeysStatusMsg struct {
	Type         string `json:"type"`
	HasOpenAIKey bool   `json:"has_openai_key"`
	HasGeminiKey bool   `json:"has_gemini_key"`
}

// wireTime renders protocol timestamps.
func wireTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func recordSummaries(docs []kb.Document) []kbRecordSummary {
	out := make([]kbRecordSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, kbRecordSummary{
			DocID:     d.ID,
			Title:     d.Title,
			CreatedAt: wireTime(d.CreatedAt),
			UpdatedAt: wireTime(d.UpdatedAt),
			Size:      d.CharCount,
		})
	}
	return out
}
