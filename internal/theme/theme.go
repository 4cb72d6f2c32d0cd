// Package theme groups short LLM-generated topic phrases into stable theme
// labels for digest display.
//
// Topics are clustered by greedy nearest-centroid assignment over embedding
// vectors: each topic joins the first existing cluster whose centroid beats
// the similarity threshold, otherwise it founds a new cluster. Seed clusters
// from a prior run keep labels stable digest-over-digest. A post-hoc override
// pass corrects overly terse or overly dominant labels using an item's own
// topic text.
//
// The clustering engine, label policy and override pass are pure functions
// over caller-owned inputs; the only process-wide read is the optional
// SKEIN_THEME_THRESHOLD environment override.
package theme

import "context"

// Uncategorized is the sentinel label for topics that cannot be clustered.
const Uncategorized = "Uncategorized"

// DefaultThreshold is the cosine similarity a topic must strictly exceed to
// join an existing cluster.
const DefaultThreshold = 0.75

// EnvThreshold names the environment variable overriding DefaultThreshold.
// Applied only when it parses to a finite float.
const EnvThreshold = "SKEIN_THEME_THRESHOLD"

// Candidate is one upstream triage candidate with its topic phrase.
// Many candidates may share identical topic text.
type Candidate struct {
	CandidateID string `json:"candidateId"`
	Topic       string `json:"topic"`
}

// CandidateTheme is the per-candidate clustering outcome.
type CandidateTheme struct {
	CandidateID string    `json:"candidateId"`
	Topic       string    `json:"topic"`
	Vector      []float32 `json:"vector"`
	ThemeLabel  string    `json:"themeLabel"`
}

// RunStats summarizes one clustering run for pipeline reports.
type RunStats struct {
	UniqueTopics        int     `json:"unique_topics"`
	ClusterCount        int     `json:"cluster_count"`
	InputTokens         int     `json:"input_tokens"`
	CostEstimateCredits float64 `json:"cost_estimate_credits"`
}

// RunResult is the full output of an embedding-path clustering run.
type RunResult struct {
	Items    []CandidateTheme    `json:"items"`
	Clusters map[string][]string `json:"clusters"`
	Stats    RunStats            `json:"stats"`
}

// Seed is a previously established (label, vector) pair used to anchor a new
// run for cross-run label stability.
type Seed struct {
	Label  string    `json:"label"`
	Vector []float32 `json:"vector"`
}

// Cluster owns a label, its member topics in insertion order, the parallel
// member vectors, and the elementwise-mean centroid.
type Cluster struct {
	Label    string
	Topics   []string
	Vectors  [][]float32
	Centroid []float32
}

// TopicVector pairs a topic phrase with its embedding.
type TopicVector struct {
	Topic  string
	Vector []float32
}

// VectorItem is a candidate with an already-computed embedding, used by the
// administrative re-clustering path.
type VectorItem struct {
	CandidateID string    `json:"candidateId"`
	Topic       string    `json:"topic"`
	Vector      []float32 `json:"vector"`
}

// BatchResult carries the vectors and accounting figures of one batched
// embedding request. Vectors are positionally aligned with the request and
// may be shorter than the input.
type BatchResult struct {
	Vectors             [][]float32
	InputTokens         int
	CostEstimateCredits float64
}

// EmbeddingClient is the external embedding provider.
type EmbeddingClient interface {
	// ChooseModel maps a budget tier token to a model reference.
	ChooseModel(tier string) string
	// EmbedBatch embeds all texts in a single request.
	EmbedBatch(ctx context.Context, model string, texts []string) (*BatchResult, error)
}

// ClientFactory constructs an EmbeddingClient on demand. Construction may
// fail when the feature is disabled or misconfigured; the orchestrator
// treats that as "unavailable" and degrades to identity labeling instead of
// aborting the caller's digest run.
type ClientFactory func() (EmbeddingClient, error)
