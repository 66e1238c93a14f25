// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HarborDesk/pkg/secrets"
)

var tracer = otel.Tracer("harbordesk.llm")

// GenerationParams are the optional sampling controls forwarded to the
// provider. Nil fields fall back to provider defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatResult is the outcome of one chat call: the generated text plus the
// provider's token accounting, normalized through a UsageAdapter.
type ChatResult struct {
	Content string     `json:"content"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
}

// LLMClient is the chat port used by the query pipeline.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (*ChatResult, error)
}

// Embedder is the embeddings port used by vector search. Embed returns a
// fixed-dimension vector for the given text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pinger is the liveness probe a backend exposes for the health endpoint.
// All shipped clients implement it; the composition root type-asserts.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config selects and parameterizes the chat and embeddings backends.
//
// # Description
//
// The composition root builds one Config from the environment and hands it
// to NewClient and NewEmbedder. Constructors never read the environment
// themselves, so tests can point a client at an httptest server without
// touching process state.
type Config struct {
	// Provider is the chat backend: "openai", "ollama", or
	// "claude"/"anthropic".
	Provider string

	// EmbeddingProvider is the embeddings backend. Empty means "same as
	// Provider". Anthropic has no embeddings API, so deployments pairing
	// Claude chat with vector search must set this.
	EmbeddingProvider string

	// Model is the chat model name, e.g. "gpt-4o-mini" or "llama3.1".
	Model string

	// EmbeddingModel is the embeddings model name.
	EmbeddingModel string

	// BaseURL overrides the provider endpoint. Required for Ollama,
	// optional for OpenAI-compatible gateways and Anthropic proxies.
	BaseURL string

	// APIKey is the provider credential, sealed in guarded memory.
	// Nil for keyless backends (Ollama).
	APIKey *secrets.Key

	// SystemPrompt is the persona prepended to every chat call.
	SystemPrompt string

	// HTTPTimeout is the transport ceiling. Callers bound individual
	// stages with context deadlines; this only catches hung connections.
	HTTPTimeout time.Duration
}

// EnsureDefaults fills unset fields with safe values.
func (c *Config) EnsureDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	c.EmbeddingProvider = strings.ToLower(strings.TrimSpace(c.EmbeddingProvider))
	if c.EmbeddingProvider == "" {
		c.EmbeddingProvider = c.Provider
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = "You are a helpful assistant."
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 2 * time.Minute
	}
}

// NewClient builds the configured chat backend.
//
// # Description
//
// Dispatches on Config.Provider. Unknown providers fall back to Ollama,
// matching the self-hosted default of the deployment images.
//
// # Outputs
//
//   - LLMClient: Ready-to-use chat client.
//   - error: Non-nil if the provider cannot be constructed (missing key,
//     missing base URL).
func NewClient(cfg Config) (LLMClient, error) {
	cfg.EnsureDefaults()

	switch cfg.Provider {
	case "openai":
		slog.Info("Using OpenAI chat backend")
		return NewOpenAIClient(cfg)
	case "ollama":
		slog.Info("Using Ollama chat backend")
		return NewOllamaClient(cfg)
	case "claude", "anthropic":
		slog.Info("Using Anthropic (Claude) chat backend")
		return NewAnthropicClient(cfg)
	default:
		slog.Warn("Unknown chat provider, defaulting to ollama", "provider", cfg.Provider)
		return NewOllamaClient(cfg)
	}
}

// NewEmbedder builds the configured embeddings backend.
//
// Dispatches on Config.EmbeddingProvider (falling back to Provider).
// Returns an error for providers without an embeddings API.
func NewEmbedder(cfg Config) (Embedder, error) {
	cfg.EnsureDefaults()

	switch cfg.EmbeddingProvider {
	case "openai":
		return NewOpenAIClient(cfg)
	case "ollama":
		return NewOllamaClient(cfg)
	case "claude", "anthropic":
		return nil, fmt.Errorf("provider %q has no embeddings API: set EMBEDDING_PROVIDER to openai or ollama", cfg.EmbeddingProvider)
	default:
		slog.Warn("Unknown embedding provider, defaulting to ollama", "provider", cfg.EmbeddingProvider)
		return NewOllamaClient(cfg)
	}
}
