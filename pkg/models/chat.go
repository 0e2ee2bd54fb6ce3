package models

import "time"

// Caller is the identity and quota context attached by the edge proxy.
type Caller struct {
	ID    string            `json:"id"`
	Quota map[string]string `json:"quota,omitempty"`
}

// RawChatRequest is the gateway request body as received.
// Temperature and MaxTokens are pointers so absent fields can be defaulted.
type RawChatRequest struct {
	Message        string   `json:"message"`
	Model          string   `json:"model"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Fallback       []string `json:"fallback,omitempty"`
}

// ChatRequest is a validated, normalized request. Only the validator
// constructs it and nothing mutates it afterwards.
type ChatRequest struct {
	RequestID      string
	Caller         Caller
	Message        string
	SystemPrompt   string
	Model          string
	Temperature    float64
	MaxTokens      int
	Fallback       []string
	ConversationID string
}

// Messages renders the request as a chat transcript.
func (r ChatRequest) Messages() []ChatMessage {
	msgs := make([]ChatMessage, 0, 2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: r.SystemPrompt})
	}
	return append(msgs, ChatMessage{Role: "user", Content: r.Message})
}

// ChatResponse is the gateway response body.
type ChatResponse struct {
	Response       string    `json:"response"`
	ModelUsed      string    `json:"model_used"`
	TokensUsed     int       `json:"tokens_used"`
	ProcessingTime float64   `json:"processing_time"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Cached         bool      `json:"cached"`
	FallbackDepth  int       `json:"fallback_depth"`
}

// ErrorResponse is the structured error body.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Attempts  []AttemptReport `json:"attempts,omitempty"`
}

// AttemptReport is the client-facing view of one candidate attempt.
type AttemptReport struct {
	Model  string    `json:"model"`
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}
