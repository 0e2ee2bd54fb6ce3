package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models = []models.ModelDescriptor{
		{ID: "primary", URL: "http://a", Fallback: []string{"secondary"}},
		{ID: "secondary", URL: "http://b"},
	}
	cfg.Routing.DefaultModel = "primary"
	cfg.Routing.PassthroughVia = "primary"
	return cfg
}

func ptr[T any](v T) *T { return &v }

func TestValidateDefaults(t *testing.T) {
	v := New(testConfig())
	req, err := v.Validate(models.RawChatRequest{Message: "Hello"}, models.Caller{ID: "team-a"}, "req-1")
	require.NoError(t, err)

	assert.Equal(t, "primary", req.Model)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Equal(t, "team-a", req.Caller.ID)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Nil(t, req.Fallback)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  models.RawChatRequest
	}{
		{"missing message", models.RawChatRequest{Model: "primary"}},
		{"blank message", models.RawChatRequest{Message: "  \n", Model: "primary"}},
		{"unknown model", models.RawChatRequest{Message: "hi", Model: "gpt-9"}},
		{"temperature high", models.RawChatRequest{Message: "hi", Temperature: ptr(2.5)}},
		{"temperature negative", models.RawChatRequest{Message: "hi", Temperature: ptr(-0.1)}},
		{"zero max tokens", models.RawChatRequest{Message: "hi", MaxTokens: ptr(0)}},
		{"negative max tokens", models.RawChatRequest{Message: "hi", MaxTokens: ptr(-5)}},
		{"max tokens above limit", models.RawChatRequest{Message: "hi", MaxTokens: ptr(4001)}},
		{"unknown fallback", models.RawChatRequest{Message: "hi", Fallback: []string{"ghost"}}},
	}

	v := New(testConfig())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.raw, models.Caller{}, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestValidateBoundaryValues(t *testing.T) {
	v := New(testConfig())
	for _, temp := range []float64{0, 2} {
		_, err := v.Validate(models.RawChatRequest{Message: "hi", Temperature: ptr(temp), MaxTokens: ptr(1)}, models.Caller{}, "")
		assert.NoError(t, err, "temperature %v", temp)
	}
}

func TestValidateFallbackNormalized(t *testing.T) {
	v := New(testConfig())
	req, err := v.Validate(models.RawChatRequest{
		Message:  "hi",
		Model:    " primary ",
		Fallback: []string{"secondary", "primary", " secondary", ""},
	}, models.Caller{}, "")
	require.NoError(t, err)

	assert.Equal(t, "primary", req.Model)
	assert.Equal(t, []string{"secondary"}, req.Fallback)
}

func TestValidateFallbackOfOnlyPrimaryDisablesFallback(t *testing.T) {
	v := New(testConfig())
	for _, fb := range [][]string{{"primary"}, {" primary", ""}, {}} {
		req, err := v.Validate(models.RawChatRequest{Message: "hi", Model: "primary", Fallback: fb}, models.Caller{}, "")
		require.NoError(t, err)
		assert.NotNil(t, req.Fallback, "override %q", fb)
		assert.Empty(t, req.Fallback)
	}

	req, err := v.Validate(models.RawChatRequest{Message: "hi", Model: "primary"}, models.Caller{}, "")
	require.NoError(t, err)
	assert.Nil(t, req.Fallback)
}

func TestValidateCopiesCallerQuota(t *testing.T) {
	v := New(testConfig())
	quota := map[string]string{"tier": "gold"}
	req, err := v.Validate(models.RawChatRequest{Message: "hi"}, models.Caller{ID: "alice", Quota: quota}, "")
	require.NoError(t, err)

	quota["tier"] = "free"
	assert.Equal(t, "gold", req.Caller.Quota["tier"])
}

func TestValidateAnyModelPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.AllowAnyModel = true
	v := New(cfg)

	req, err := v.Validate(models.RawChatRequest{Message: "hi", Model: "gpt-4o"}, models.Caller{}, "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", req.Model)
}

func TestValidateMessageLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxMessageBytes = 4
	v := New(cfg)

	_, err := v.Validate(models.RawChatRequest{Message: "hello"}, models.Caller{}, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
