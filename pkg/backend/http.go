package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/modelgate/pkg/models"
)

const (
	defaultAnthropicVersion = "2023-06-01"
	maxResponseBytes        = 8 << 20
	maxErrorSnippet         = 512
)

// HTTPInvoker speaks the OpenAI-compatible, Anthropic and Gemini chat protocols.
type HTTPInvoker struct {
	client           *http.Client
	anthropicVersion string
}

// NewHTTPInvoker creates an invoker using client, or http.DefaultClient when nil.
func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{client: client, anthropicVersion: defaultAnthropicVersion}
}

// upstreamResult holds the raw response from a single upstream call.
type upstreamResult struct {
	statusCode int
	body       []byte
}

// doUpstreamRequest posts body to providerURL+path and reads the response.
func (h *HTTPInvoker) doUpstreamRequest(ctx context.Context, providerURL, path string, headers map[string]string, body []byte) (*upstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(providerURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &upstreamResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// Invoke calls the backend for desc under its per-call timeout.
func (h *HTTPInvoker) Invoke(ctx context.Context, desc models.ModelDescriptor, req models.ChatRequest) (*Result, error) {
	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	var (
		path    string
		headers map[string]string
		body    []byte
		err     error
	)
	switch desc.Provider {
	case models.ProviderAnthropic:
		path = "/v1/messages"
		headers = map[string]string{
			"x-api-key":         desc.APIKey,
			"anthropic-version": h.anthropicVersion,
		}
		body, err = json.Marshal(anthropicRequest(desc, req))
	case models.ProviderGemini, models.ProviderVertex:
		// desc.URL is the API root up to and including the version (Gemini)
		// or the publisher (Vertex AI).
		path = "/models/" + desc.BackendModel() + ":generateContent"
		headers = map[string]string{}
		if desc.Provider == models.ProviderVertex {
			headers["Authorization"] = "Bearer " + desc.APIKey
		} else {
			headers["x-goog-api-key"] = desc.APIKey
		}
		body, err = json.Marshal(geminiRequest(req))
	default:
		path = "/v1/chat/completions"
		headers = map[string]string{}
		if desc.APIKey != "" {
			headers["Authorization"] = "Bearer " + desc.APIKey
		}
		body, err = json.Marshal(openAIRequest(desc, req))
	}
	if err != nil {
		return nil, &Error{Kind: models.KindBackendRejected, Model: desc.ID, Err: fmt.Errorf("encode request: %w", err)}
	}

	start := time.Now()
	res, err := h.doUpstreamRequest(ctx, desc.URL, path, headers, body)
	latency := time.Since(start)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Model: desc.ID, Err: err}
	}

	if res.statusCode < 200 || res.statusCode > 299 {
		return nil, &Error{
			Kind:   classifyStatus(res.statusCode),
			Model:  desc.ID,
			Status: res.statusCode,
			Err:    errors.New(snippet(res.body)),
		}
	}

	var out *Result
	switch desc.Provider {
	case models.ProviderAnthropic:
		out, err = parseAnthropic(res.body)
	case models.ProviderGemini, models.ProviderVertex:
		out, err = parseGemini(res.body, desc.BackendModel())
	default:
		out, err = parseOpenAI(res.body)
	}
	if err != nil {
		return nil, &Error{Kind: models.KindBackendUnavailable, Model: desc.ID, Status: res.statusCode, Err: err}
	}
	out.Latency = latency
	out.StatusCode = res.statusCode
	return out, nil
}

func openAIRequest(desc models.ModelDescriptor, req models.ChatRequest) models.ChatCompletionRequest {
	temperature := req.Temperature
	maxTokens := req.MaxTokens
	return models.ChatCompletionRequest{
		Model:       desc.BackendModel(),
		Messages:    req.Messages(),
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}

func anthropicRequest(desc models.ModelDescriptor, req models.ChatRequest) models.AnthropicRequest {
	temperature := req.Temperature
	// Anthropic caps temperature at 1.
	if temperature > 1 {
		temperature = 1
	}
	return models.AnthropicRequest{
		Model:       desc.BackendModel(),
		Messages:    []models.ChatMessage{{Role: "user", Content: req.Message}},
		System:      req.SystemPrompt,
		MaxTokens:   req.MaxTokens,
		Temperature: &temperature,
	}
}

func geminiRequest(req models.ChatRequest) models.GeminiRequest {
	temperature := req.Temperature
	out := models.GeminiRequest{
		Contents: []models.GeminiContent{{Role: "user", Parts: []models.GeminiPart{{Text: req.Message}}}},
		GenerationConfig: &models.GeminiGenerationConfig{
			Temperature:     &temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &models.GeminiContent{Parts: []models.GeminiPart{{Text: req.SystemPrompt}}}
	}
	return out
}

func parseOpenAI(body []byte) (*Result, error) {
	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	out := &Result{Text: resp.Choices[0].Message.Content, Model: resp.Model}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}
	return out, nil
}

func parseAnthropic(body []byte) (*Result, error) {
	var resp models.AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("response has no text content")
	}
	out := &Result{Text: text.String(), Model: resp.Model}
	if resp.Usage != nil {
		out.Usage = *resp.Usage.ToUsage()
	}
	return out, nil
}

func parseGemini(body []byte, model string) (*Result, error) {
	var resp models.GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("response has no candidates")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, errors.New("response has no text content")
	}
	out := &Result{Text: text.String(), Model: model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = models.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	if s == "" {
		s = "empty response body"
	}
	return s
}
