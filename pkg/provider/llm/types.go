package llm

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single message in a chat conversation.
type Message struct {
	Role    Role
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages
	// and system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Some providers return
	// it directly rather than computing it from the parts.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response. Single-turn callers put
	// the whole prompt in one user message.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation. Providers without a dedicated system field prepend
	// it as a system-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	// Zero-valued when the backend does not report usage.
	Usage Usage
}

// UserPrompt wraps a single prompt string in a one-message request.
func UserPrompt(prompt string) []Message {
	return []Message{{Role: RoleUser, Content: prompt}}
}
