package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/HarborDesk/pkg/secrets"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicBaseURL    = "https://api.anthropic.com/v1/messages"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Client Implementation ---

// AnthropicClient speaks the Anthropic Messages REST API. Usage arrives as
// an inline block in the response body, so the client is wired with the
// UsageInline adapter. Anthropic has no embeddings endpoint; deployments
// using Claude for chat pair it with another Embedder.
type AnthropicClient struct {
	httpClient   *http.Client
	apiKey       *secrets.Key
	baseURL      string
	model        string
	systemPrompt string
	usage        UsageAdapter
	estimator    *Estimator
}

var (
	_ LLMClient = (*AnthropicClient)(nil)
	_ Pinger    = (*AnthropicClient)(nil)
)

func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	cfg.EnsureDefaults()

	if cfg.APIKey == nil {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("anthropic: API key not configured")
	}

	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("Anthropic model not set, defaulting to", "model", model)
	}
	baseURL := anthropicBaseURL
	if cfg.BaseURL != "" {
		baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &AnthropicClient{
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		usage:        UsageInline{},
		estimator:    NewEstimator(model),
	}, nil
}

// Generate implements the LLMClient interface.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	// System prompt goes in the dedicated top-level field. Long personas
	// get ephemeral caching to cut repeat-token cost.
	var systemBlocks []systemBlock
	if a.systemPrompt != "" {
		block := systemBlock{Type: "text", Text: a.systemPrompt}
		if len(a.systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		System:    systemBlocks,
		MaxTokens: 4096,
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if params.TopK != nil {
		reqPayload.TopK = params.TopK
	}
	if len(params.Stop) > 0 {
		reqPayload.StopSeqs = params.Stop
	}

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := a.apiKey.WithValue(func(key string) error {
		req.Header.Set("x-api-key", key)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("anthropic: reading API key: %w", err)
	}
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	slog.Debug("Sending REST request to Anthropic", "model", a.model)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		slog.Error("Anthropic returned an error", "status", resp.StatusCode, "body_snippet", snippet(bodyBytes, 512))
		return nil, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return nil, fmt.Errorf("received empty content from Anthropic")
	}

	finalText := ""
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			finalText += block.Text
		}
	}
	if finalText == "" {
		return nil, fmt.Errorf("received content but no text block found")
	}

	usage, ok := a.usage.Extract(ProviderCall{Body: bodyBytes})
	if !ok {
		usage = a.estimator.Estimate(prompt, finalText)
	}

	model := apiResp.Model
	if model == "" {
		model = a.model
	}
	return &ChatResult{Content: finalText, Model: model, Usage: usage}, nil
}

// snippet truncates b for log output.
func snippet(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Ping checks connectivity and credentials against the models listing,
// the cheapest authenticated endpoint the API offers.
func (a *AnthropicClient) Ping(ctx context.Context) error {
	url := strings.Replace(a.baseURL, "/messages", "/models", 1)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	if err := a.apiKey.WithValue(func(key string) error {
		req.Header.Set("x-api-key", key)
		return nil
	}); err != nil {
		return fmt.Errorf("anthropic: reading API key: %w", err)
	}
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anthropic: status %d", resp.StatusCode)
	}
	return nil
}
