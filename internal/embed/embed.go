// Package embed provides text-to-vector embedding via OpenAI-compatible APIs.
//
// Supported providers:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - deepseek: https://api.deepseek.com/v1/embeddings
// - voyage: https://api.voyageai.com/v1/embeddings
// - openrouter: https://openrouter.ai/api/v1/embeddings
// - custom: user-specified endpoint
//
// All providers use the /v1/embeddings request format. The client owns
// retry/backoff policy; callers see a single batched call per run. Budget
// tiers map to per-provider models with credit rates so runs can report a
// cost estimate alongside token usage.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hurttlocker/skein/internal/theme"
)

// Budget tiers select embedding quality vs. cost.
const (
	TierLite     = "lite"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// DefaultCreditsPerMTokens prices models with no table entry.
const DefaultCreditsPerMTokens = 20.0

// Config holds embedding provider configuration.
type Config struct {
	Provider    string // "ollama", "openai", "deepseek", "voyage", "openrouter", "custom"
	Model       string // default model when no tier table applies
	Endpoint    string // full API URL
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)
}

// embedRequest is an OpenAI-compatible embeddings request.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is an OpenAI-compatible embeddings response.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// HTTPError represents an HTTP error with retry context.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// modelSpec names a model and its credit rate per million input tokens.
type modelSpec struct {
	name              string
	creditsPerMTokens float64
}

// tierModels maps provider → tier → model. Providers without an entry serve
// every tier with the configured default model.
var tierModels = map[string]map[string]modelSpec{
	"openai": {
		TierLite:     {"text-embedding-3-small", 20},
		TierStandard: {"text-embedding-3-small", 20},
		TierPremium:  {"text-embedding-3-large", 130},
	},
	"voyage": {
		TierLite:     {"voyage-3.5-lite", 20},
		TierStandard: {"voyage-3.5", 60},
		TierPremium:  {"voyage-3-large", 180},
	},
}

// Client implements theme.EmbeddingClient over HTTP.
type Client struct {
	config  Config
	http    *http.Client
	counter *tokenCounter
}

// ParseEmbedFlag parses "provider/model" format. Handles model names with
// slashes like "openrouter/sentence-transformers/all-MiniLM-L6-v2".
func ParseEmbedFlag(flag string) (*Config, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid embed format: expected 'provider/model', got %q", flag)
	}

	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]
	if provider == "" {
		return nil, fmt.Errorf("empty provider in embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in embed flag: %q", flag)
	}

	config := &Config{
		Provider:    provider,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch provider {
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
		// No API key needed for Ollama.
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "deepseek":
		config.Endpoint = "https://api.deepseek.com/v1/embeddings"
		config.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "voyage":
		config.Endpoint = "https://api.voyageai.com/v1/embeddings"
		config.APIKey = os.Getenv("VOYAGE_API_KEY")
	case "openrouter":
		config.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "custom":
		config.Endpoint = os.Getenv("SKEIN_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("SKEIN_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, deepseek, voyage, openrouter, custom", provider)
	}

	// Environment overrides beat provider defaults.
	if endpoint := os.Getenv("SKEIN_EMBED_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}
	if apiKey := os.Getenv("SKEIN_EMBED_API_KEY"); apiKey != "" {
		config.APIKey = apiKey
	}

	return config, nil
}

// ResolveEmbedConfig resolves configuration from all sources.
// Priority: CLI flag > SKEIN_EMBED env var. Returns nil, nil when the
// feature is simply not configured.
func ResolveEmbedConfig(cliFlag string) (*Config, error) {
	if cliFlag != "" {
		return ParseEmbedFlag(cliFlag)
	}

	if envEmbed := os.Getenv("SKEIN_EMBED"); envEmbed != "" {
		config, err := ParseEmbedFlag(envEmbed)
		if err != nil {
			return nil, fmt.Errorf("parsing SKEIN_EMBED env var: %w", err)
		}
		return config, nil
	}

	return nil, nil
}

// Validate checks if the embedding configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	// Ollama runs locally and needs no key.
	if c.Provider != "ollama" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

// NewClient creates a new embedding client. Construction fails when the
// feature is disabled or misconfigured; the clustering orchestrator treats
// that failure as "embeddings unavailable" rather than a hard error.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("embedding is not configured")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
		counter: newTokenCounter(),
	}, nil
}

// Factory returns a theme.ClientFactory resolving configuration at call
// time. The factory errors when embedding is unconfigured, which the
// orchestrator degrades to identity labeling.
func Factory(cliFlag string) theme.ClientFactory {
	return func() (theme.EmbeddingClient, error) {
		config, err := ResolveEmbedConfig(cliFlag)
		if err != nil {
			return nil, err
		}
		if config == nil {
			return nil, fmt.Errorf("embedding is not configured (set SKEIN_EMBED or pass -embed)")
		}
		return NewClient(config)
	}
}

// ChooseModel maps a budget tier to a model reference for this provider.
// Unknown tiers fall back to the standard tier; providers without a tier
// table serve every tier with the configured model.
func (c *Client) ChooseModel(tier string) string {
	tiers, ok := tierModels[c.config.Provider]
	if !ok {
		return c.config.Model
	}
	spec, ok := tiers[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		spec = tiers[TierStandard]
	}
	return spec.name
}

// creditRate returns the per-million-token credit rate for a model.
func (c *Client) creditRate(model string) float64 {
	for _, spec := range tierModels[c.config.Provider] {
		if spec.name == model {
			return spec.creditsPerMTokens
		}
	}
	if c.config.Provider == "ollama" {
		return 0 // local models are free
	}
	return DefaultCreditsPerMTokens
}

// EmbedBatch embeds all texts in a single request and returns positionally
// aligned vectors plus token and credit accounting. When the provider omits
// usage figures, tokens are estimated locally.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) (*theme.BatchResult, error) {
	if model == "" {
		model = c.config.Model
	}
	if len(texts) == 0 {
		return &theme.BatchResult{}, nil
	}

	vectors, usedTokens, err := c.embedWithRetry(ctx, model, texts)
	if err != nil {
		return nil, err
	}

	tokens := usedTokens
	if tokens == 0 {
		tokens = c.counter.count(texts)
	}

	return &theme.BatchResult{
		Vectors:             vectors,
		InputTokens:         tokens,
		CostEstimateCredits: float64(tokens) / 1e6 * c.creditRate(model),
	}, nil
}

// embedWithRetry runs the request with exponential backoff, honoring
// Retry-After on rate limits.
func (c *Client) embedWithRetry(ctx context.Context, model string, texts []string) ([][]float32, int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		vectors, tokens, err := c.attemptEmbedBatch(ctx, model, texts)
		if err == nil {
			return vectors, tokens, nil
		}
		lastErr = err

		if attempt == c.config.MaxRetries {
			break
		}

		// Exponential backoff: 1s, 2s, 4s.
		backoff := time.Duration(1<<attempt) * time.Second
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusTooManyRequests {
			if httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, 0, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// attemptEmbedBatch makes a single embedding attempt.
func (c *Client) attemptEmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, int, error) {
	requestBody, err := json.Marshal(embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == "openrouter" {
		httpReq.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/skein")
		httpReq.Header.Set("X-Title", "Skein")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, 0, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			RetryAfter: retryAfter,
		}
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("parsing response JSON: %w", err)
	}

	// Positional alignment via data[].index; the response may legitimately
	// be shorter than the input, leaving nil slots the caller drops.
	vectors := make([][]float32, len(texts))
	for _, data := range parsed.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, 0, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}

	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = parsed.Usage.PromptTokens
	}
	return vectors, tokens, nil
}
