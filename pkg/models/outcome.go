package models

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failure for routing, telemetry, and the API surface.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindTimeout            ErrorKind = "timeout"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindBackendRejected    ErrorKind = "backend_rejected"
	KindExhausted          ErrorKind = "all_candidates_exhausted"
	KindCanceled           ErrorKind = "canceled"
)

// Retryable reports whether an invoker may immediately retry this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindBackendUnavailable
}

// Attempt records what happened to one candidate model.
type Attempt struct {
	Model    string
	Calls    int
	Kind     ErrorKind
	Status   int // upstream HTTP status of the last call, 0 if none
	Err      error
	Duration time.Duration
}

// Reason summarises the attempt for API clients. Upstream error bodies stay
// in logs only.
func (a Attempt) Reason() string {
	if a.Status != 0 {
		return fmt.Sprintf("%s (status %d)", a.Kind, a.Status)
	}
	return string(a.Kind)
}

// InvocationOutcome describes how one request was served. It is built per
// request, handed to telemetry, then discarded.
type InvocationOutcome struct {
	RequestID      string
	Caller         string
	RequestedModel string
	ModelUsed      string
	Response       string
	Usage          Usage
	FallbackDepth  int
	CacheHit       bool
	Latency        time.Duration
	ErrorKind      ErrorKind
	Attempts       []Attempt
	CompletedAt    time.Time
}

// Record converts the outcome into its persisted form.
func (o InvocationOutcome) Record() OutcomeRecord {
	return OutcomeRecord{
		RequestID:        o.RequestID,
		Caller:           o.Caller,
		RequestedModel:   o.RequestedModel,
		ModelUsed:        o.ModelUsed,
		FallbackDepth:    o.FallbackDepth,
		CacheHit:         o.CacheHit,
		ErrorKind:        o.ErrorKind,
		LatencyMs:        o.Latency.Milliseconds(),
		PromptTokens:     o.Usage.PromptTokens,
		CompletionTokens: o.Usage.CompletionTokens,
		TotalTokens:      o.Usage.TotalTokens,
		CreatedAt:        o.CompletedAt,
	}
}
