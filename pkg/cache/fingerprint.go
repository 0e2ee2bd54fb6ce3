package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pario-ai/modelgate/pkg/models"
)

// fingerprintFields is the canonical, order-stable shape that gets hashed.
type fingerprintFields struct {
	Message      string  `json:"message"`
	SystemPrompt string  `json:"system_prompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Caller       string  `json:"caller,omitempty"`
}

// Fingerprint computes the cache key for a validated request. The requested
// model is used, not whichever candidate eventually answers. Caller identity
// is folded in only when perCaller is set.
func Fingerprint(req models.ChatRequest, perCaller bool) string {
	f := fingerprintFields{
		Message:      req.Message,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
	if perCaller {
		f.Caller = req.Caller.ID
	}
	data, _ := json.Marshal(f)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
