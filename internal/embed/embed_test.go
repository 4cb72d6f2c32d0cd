package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestParseEmbedFlag(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		want    *Config
		wantErr bool
	}{
		{
			name: "ollama simple",
			flag: "ollama/all-minilm",
			want: &Config{
				Provider:    "ollama",
				Model:       "all-minilm",
				Endpoint:    "http://localhost:11434/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name: "openai simple",
			flag: "openai/text-embedding-3-small",
			want: &Config{
				Provider:    "openai",
				Model:       "text-embedding-3-small",
				Endpoint:    "https://api.openai.com/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name: "voyage simple",
			flag: "voyage/voyage-3.5-lite",
			want: &Config{
				Provider:    "voyage",
				Model:       "voyage-3.5-lite",
				Endpoint:    "https://api.voyageai.com/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name: "deepseek simple",
			flag: "deepseek/deepseek-embed",
			want: &Config{
				Provider:    "deepseek",
				Model:       "deepseek-embed",
				Endpoint:    "https://api.deepseek.com/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{
			name: "openrouter complex model",
			flag: "openrouter/sentence-transformers/all-MiniLM-L6-v2",
			want: &Config{
				Provider:    "openrouter",
				Model:       "sentence-transformers/all-MiniLM-L6-v2",
				Endpoint:    "https://openrouter.ai/api/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
		},
		{name: "empty flag", flag: "", wantErr: true},
		{name: "no slash", flag: "ollama", wantErr: true},
		{name: "empty provider", flag: "/model", wantErr: true},
		{name: "empty model", flag: "provider/", wantErr: true},
		{name: "unknown provider", flag: "unknown/model", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEmbedFlag(tt.flag)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEmbedFlag() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			if got.Provider != tt.want.Provider {
				t.Errorf("Provider = %v, want %v", got.Provider, tt.want.Provider)
			}
			if got.Model != tt.want.Model {
				t.Errorf("Model = %v, want %v", got.Model, tt.want.Model)
			}
			if got.Endpoint != tt.want.Endpoint {
				t.Errorf("Endpoint = %v, want %v", got.Endpoint, tt.want.Endpoint)
			}
			if got.MaxRetries != tt.want.MaxRetries {
				t.Errorf("MaxRetries = %v, want %v", got.MaxRetries, tt.want.MaxRetries)
			}
			if got.TimeoutSecs != tt.want.TimeoutSecs {
				t.Errorf("TimeoutSecs = %v, want %v", got.TimeoutSecs, tt.want.TimeoutSecs)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{
			name: "valid ollama without key",
			config: Config{
				Provider:    "ollama",
				Model:       "all-minilm",
				Endpoint:    "http://localhost:11434/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
			want: true,
		},
		{
			name: "openai missing key",
			config: Config{
				Provider:    "openai",
				Model:       "text-embedding-3-small",
				Endpoint:    "https://api.openai.com/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
			want: false,
		},
		{
			name: "missing model",
			config: Config{
				Provider:    "ollama",
				Endpoint:    "http://localhost:11434/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 60,
			},
			want: false,
		},
		{
			name: "negative retries",
			config: Config{
				Provider:    "ollama",
				Model:       "all-minilm",
				Endpoint:    "http://localhost:11434/v1/embeddings",
				MaxRetries:  -1,
				TimeoutSecs: 60,
			},
			want: false,
		},
		{
			name: "zero timeout",
			config: Config{
				Provider:    "ollama",
				Model:       "all-minilm",
				Endpoint:    "http://localhost:11434/v1/embeddings",
				MaxRetries:  3,
				TimeoutSecs: 0,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if got := err == nil; got != tt.want {
				t.Errorf("Validate() = %v, want %v, error: %v", got, tt.want, err)
			}
		})
	}
}

// mockEmbeddingServer returns one 3-dim vector per input, positionally
// aligned, with usage figures.
func mockEmbeddingServer(t *testing.T, totalTokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST request, got %s", r.Method)
		}

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}

		resp := embedResponse{}
		resp.Usage.TotalTokens = totalTokens
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{
				Embedding: []float32{float32(i), 1, 0},
				Index:     i,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(endpoint string) *Config {
	return &Config{
		Provider:    "test",
		Model:       "test-model",
		Endpoint:    endpoint,
		MaxRetries:  1,
		TimeoutSecs: 5,
	}
}

func TestEmbedBatch(t *testing.T) {
	server := mockEmbeddingServer(t, 17)
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	got, err := client.EmbedBatch(context.Background(), "test-model", []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	if len(got.Vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(got.Vectors))
	}
	for i, vec := range got.Vectors {
		if vec[0] != float32(i) {
			t.Errorf("vector %d out of positional order: %v", i, vec)
		}
	}
	if got.InputTokens != 17 {
		t.Errorf("InputTokens = %d, want usage passthrough 17", got.InputTokens)
	}
	if got.CostEstimateCredits <= 0 {
		t.Errorf("expected a positive cost estimate, got %v", got.CostEstimateCredits)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	client, err := NewClient(testConfig("http://localhost:1"))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	got, err := client.EmbedBatch(context.Background(), "test-model", nil)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(got.Vectors) != 0 || got.InputTokens != 0 {
		t.Errorf("empty input should make no request: %+v", got)
	}
}

func TestEmbedBatchLocalTokenFallback(t *testing.T) {
	// Server omits usage figures; token count comes from the local BPE.
	server := mockEmbeddingServer(t, 0)
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	got, err := client.EmbedBatch(context.Background(), "test-model", []string{"Fed rate cut signal"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if got.InputTokens <= 0 {
		t.Errorf("expected a local token estimate, got %d", got.InputTokens)
	}
}

func TestEmbedBatchShortResponse(t *testing.T) {
	// One slot of three comes back; the other two stay nil for the caller
	// to drop.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embedResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1, 0}, Index: 1})
		resp.Usage.TotalTokens = 3
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	got, err := client.EmbedBatch(context.Background(), "test-model", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if got.Vectors[0] != nil || got.Vectors[2] != nil {
		t.Errorf("missing slots must stay nil: %v", got.Vectors)
	}
	if len(got.Vectors[1]) != 2 {
		t.Errorf("slot 1 should carry the returned vector: %v", got.Vectors[1])
	}
}

func TestEmbedBatchRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		resp := embedResponse{}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: []float32{1}, Index: 0})
		resp.Usage.TotalTokens = 1
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	got, err := client.EmbedBatch(context.Background(), "test-model", []string{"a"})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(got.Vectors) != 1 {
		t.Fatalf("unexpected result after retry: %+v", got)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestEmbedBatchFailsAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 0
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.EmbedBatch(context.Background(), "test-model", []string{"a"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestChooseModel(t *testing.T) {
	tests := []struct {
		provider string
		tier     string
		want     string
	}{
		{"openai", TierLite, "text-embedding-3-small"},
		{"openai", TierPremium, "text-embedding-3-large"},
		{"openai", "bogus-tier", "text-embedding-3-small"},
		{"voyage", TierStandard, "voyage-3.5"},
		{"voyage", TierPremium, "voyage-3-large"},
		{"ollama", TierPremium, "all-minilm"},
		{"custom", TierLite, "my-model"},
	}

	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.tier, func(t *testing.T) {
			model := "all-minilm"
			if tt.provider == "custom" {
				model = "my-model"
			}
			client := &Client{config: Config{Provider: tt.provider, Model: model}}
			if got := client.ChooseModel(tt.tier); got != tt.want {
				t.Errorf("ChooseModel(%q) = %q, want %q", tt.tier, got, tt.want)
			}
		})
	}
}

func TestFactoryUnconfigured(t *testing.T) {
	t.Setenv("SKEIN_EMBED", "")

	if _, err := Factory("")(); err == nil {
		t.Fatal("unconfigured factory must fail so the orchestrator can degrade")
	}
}

func TestFactoryFromEnv(t *testing.T) {
	t.Setenv("SKEIN_EMBED", "ollama/all-minilm")

	client, err := Factory("")()
	if err != nil {
		t.Fatalf("expected client from env config, got %v", err)
	}
	if client == nil {
		t.Fatal("nil client")
	}
}
