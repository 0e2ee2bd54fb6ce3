package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
)

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Validator normalizes inbound chat requests against the model catalog.
type Validator struct {
	cfg *config.Config
}

// New creates a Validator backed by cfg.
func New(cfg *config.Config) *Validator {
	return &Validator{cfg: cfg}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Validate returns a normalized ChatRequest or an error wrapping ErrInvalidRequest.
func (v *Validator) Validate(raw models.RawChatRequest, caller models.Caller, requestID string) (models.ChatRequest, error) {
	if strings.TrimSpace(raw.Message) == "" {
		return models.ChatRequest{}, invalid("message is required")
	}
	if limit := v.cfg.Limits.MaxMessageBytes; limit > 0 && len(raw.Message) > limit {
		return models.ChatRequest{}, invalid("message exceeds %d bytes", limit)
	}

	model := strings.TrimSpace(raw.Model)
	if model == "" {
		model = v.cfg.Routing.DefaultModel
	}
	if model == "" {
		return models.ChatRequest{}, invalid("model is required")
	}
	if !v.accepts(model) {
		return models.ChatRequest{}, invalid("unknown model %q", model)
	}

	temperature := v.cfg.Limits.DefaultTemperature
	if raw.Temperature != nil {
		temperature = *raw.Temperature
	}
	if math.IsNaN(temperature) || temperature < 0 || temperature > 2 {
		return models.ChatRequest{}, invalid("temperature must be within [0, 2]")
	}

	maxTokens := v.cfg.Limits.DefaultMaxTokens
	if raw.MaxTokens != nil {
		maxTokens = *raw.MaxTokens
	}
	if maxTokens <= 0 {
		return models.ChatRequest{}, invalid("max_tokens must be positive")
	}
	if limit := v.cfg.Limits.MaxTokens; limit > 0 && maxTokens > limit {
		return models.ChatRequest{}, invalid("max_tokens must not exceed %d", limit)
	}

	// A present override, even one that normalizes to nothing, replaces the
	// configured chain; nil means none was given.
	var fallback []string
	if raw.Fallback != nil {
		seen := map[string]bool{model: true}
		fallback = make([]string, 0, len(raw.Fallback))
		for _, id := range raw.Fallback {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			if !v.accepts(id) {
				return models.ChatRequest{}, invalid("unknown fallback model %q", id)
			}
			seen[id] = true
			fallback = append(fallback, id)
		}
	}

	if caller.Quota != nil {
		quota := make(map[string]string, len(caller.Quota))
		for k, val := range caller.Quota {
			quota[k] = val
		}
		caller.Quota = quota
	}

	return models.ChatRequest{
		RequestID:      requestID,
		Caller:         caller,
		Message:        raw.Message,
		SystemPrompt:   raw.SystemPrompt,
		Model:          model,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		Fallback:       fallback,
		ConversationID: raw.ConversationID,
	}, nil
}

func (v *Validator) accepts(model string) bool {
	_, ok := v.cfg.Lookup(model)
	return ok
}
