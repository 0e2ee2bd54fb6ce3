package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OutcomeRecord is the persisted form of an InvocationOutcome.
type OutcomeRecord struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	Caller           string    `json:"caller"`
	RequestedModel   string    `json:"requested_model"`
	ModelUsed        string    `json:"model_used"`
	FallbackDepth    int       `json:"fallback_depth"`
	CacheHit         bool      `json:"cache_hit"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelSummary aggregates outcomes for one model.
type ModelSummary struct {
	Model        string  `json:"model"`
	RequestCount int     `json:"request_count"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	CacheHits    int     `json:"cache_hits"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	TotalTokens  int64   `json:"total_tokens"`
}
