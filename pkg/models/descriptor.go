package models

import "time"

// Provider wire formats understood by the backend invoker.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	// ProviderGemini is the Gemini API authenticated with an API key.
	ProviderGemini = "gemini"
	// ProviderVertex is Gemini on Vertex AI; APIKey holds an OAuth access token.
	ProviderVertex = "vertex"
)

// ModelDescriptor defines a routable model and the backend that serves it.
// Descriptors are loaded once at startup and shared read-only.
type ModelDescriptor struct {
	ID            string        `json:"id" yaml:"id"`
	Provider      string        `json:"provider" yaml:"provider"`
	URL           string        `json:"url" yaml:"url"`
	APIKey        string        `json:"-" yaml:"api_key"`
	UpstreamModel string        `json:"upstream_model,omitempty" yaml:"upstream_model"`
	CostWeight    float64       `json:"cost_weight" yaml:"cost_weight"`
	Priority      int           `json:"priority" yaml:"priority"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	Fallback      []string      `json:"fallback,omitempty" yaml:"fallback"`
}

// BackendModel is the model name sent upstream.
func (d ModelDescriptor) BackendModel() string {
	if d.UpstreamModel != "" {
		return d.UpstreamModel
	}
	return d.ID
}
