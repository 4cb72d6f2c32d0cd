package theme

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// RunOptions carries the optional knobs of an embedding-path run.
type RunOptions struct {
	// Threshold overrides the similarity threshold. Nil falls back to the
	// SKEIN_THEME_THRESHOLD environment value, then DefaultThreshold.
	Threshold *float64
	// Seeds are (label, vector) pairs from a prior run's persisted clusters.
	Seeds []Seed
}

// RunEmbeddingClustering is the end-to-end entry point: it dedupes topics,
// embeds the distinct valid ones in a single batched call, clusters them,
// and returns one output per original input plus run statistics.
//
// A factory that is nil or fails to construct a client degrades the run to
// identity labeling (every valid topic labels itself) — that failure never
// aborts the caller's digest run. An error from the embedding request itself
// propagates; run-level retry/abort policy belongs to the pipeline.
func RunEmbeddingClustering(ctx context.Context, factory ClientFactory, inputs []Candidate, tier string, opts RunOptions) (*RunResult, error) {
	valid := make([]Candidate, 0, len(inputs))
	for _, in := range inputs {
		if isValidTopic(in.Topic) {
			valid = append(valid, in)
		}
	}

	if len(valid) == 0 {
		items := make([]CandidateTheme, len(inputs))
		for i, in := range inputs {
			items[i] = CandidateTheme{
				CandidateID: in.CandidateID,
				Topic:       in.Topic,
				Vector:      []float32{},
				ThemeLabel:  Uncategorized,
			}
		}
		return &RunResult{Items: items, Clusters: map[string][]string{}}, nil
	}

	// Embedding cost is per unique string: only distinct valid topics are
	// embedded, in first-seen order.
	unique := make([]string, 0, len(valid))
	firstSeen := make(map[string]struct{}, len(valid))
	for _, in := range valid {
		if _, ok := firstSeen[in.Topic]; ok {
			continue
		}
		firstSeen[in.Topic] = struct{}{}
		unique = append(unique, in.Topic)
	}

	client, err := newEmbeddingClient(factory)
	if err != nil {
		return degradedResult(inputs, len(unique)), nil
	}

	model := client.ChooseModel(tier)
	batch, err := client.EmbedBatch(ctx, model, unique)
	if err != nil {
		return nil, fmt.Errorf("embedding %d topics: %w", len(unique), err)
	}

	// Positional alignment; a topic whose slot lacks a vector is dropped
	// from clustering but still resolved per item below.
	vectors := make(map[string][]float32, len(unique))
	clusterable := make([]TopicVector, 0, len(unique))
	for i, topic := range unique {
		if i >= len(batch.Vectors) || len(batch.Vectors[i]) == 0 {
			continue
		}
		vectors[topic] = batch.Vectors[i]
		clusterable = append(clusterable, TopicVector{Topic: topic, Vector: batch.Vectors[i]})
	}

	threshold := ResolveThreshold(opts.Threshold)
	clusters, topicToLabel := BuildThemeClusters(clusterable, threshold, opts.Seeds)

	items := make([]CandidateTheme, len(inputs))
	for i, in := range inputs {
		item := CandidateTheme{CandidateID: in.CandidateID, Topic: in.Topic, Vector: []float32{}}
		switch {
		case !isValidTopic(in.Topic):
			item.ThemeLabel = Uncategorized
		case vectors[in.Topic] != nil:
			item.Vector = vectors[in.Topic]
			if label, ok := topicToLabel[in.Topic]; ok && label != "" {
				item.ThemeLabel = label
			} else {
				item.ThemeLabel = in.Topic
			}
		default:
			// No vector came back for this topic's slot.
			item.ThemeLabel = in.Topic
		}
		items[i] = item
	}

	clusterMap := make(map[string][]string, len(clusters))
	for _, c := range clusters {
		clusterMap[c.Label] = append(clusterMap[c.Label], c.Topics...)
	}

	return &RunResult{
		Items:    items,
		Clusters: clusterMap,
		Stats: RunStats{
			UniqueTopics:        len(unique),
			ClusterCount:        len(clusters),
			InputTokens:         batch.InputTokens,
			CostEstimateCredits: batch.CostEstimateCredits,
		},
	}, nil
}

// RunVectorClustering re-clusters candidates whose vectors were already
// computed, skipping the embedding call entirely. Synchronous and pure.
// Every input candidate gets an entry; candidates filtered out (blank or
// sentinel topic, missing vector) map to Uncategorized.
func RunVectorClustering(items []VectorItem, threshold *float64) map[string]string {
	clusterable := make([]TopicVector, 0, len(items))
	for _, item := range items {
		if isValidTopic(item.Topic) && len(item.Vector) > 0 {
			clusterable = append(clusterable, TopicVector{Topic: item.Topic, Vector: item.Vector})
		}
	}

	_, topicToLabel := BuildThemeClusters(clusterable, ResolveThreshold(threshold), nil)

	labels := make(map[string]string, len(items))
	for _, item := range items {
		label := Uncategorized
		if isValidTopic(item.Topic) && len(item.Vector) > 0 {
			if l, ok := topicToLabel[item.Topic]; ok && l != "" {
				label = l
			}
		}
		labels[item.CandidateID] = label
	}
	return labels
}

// ResolveThreshold picks the similarity threshold: explicit finite value,
// else a finite SKEIN_THEME_THRESHOLD environment float, else the default.
func ResolveThreshold(explicit *float64) float64 {
	if explicit != nil && isFinite(*explicit) {
		return *explicit
	}
	if raw := strings.TrimSpace(os.Getenv(EnvThreshold)); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && isFinite(v) {
			return v
		}
	}
	return DefaultThreshold
}

func newEmbeddingClient(factory ClientFactory) (EmbeddingClient, error) {
	if factory == nil {
		return nil, fmt.Errorf("no embedding client factory configured")
	}
	client, err := factory()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("embedding client factory returned nil")
	}
	return client, nil
}

// degradedResult is the identity-labeling fallback used when the embedding
// client cannot be constructed: every valid topic labels itself.
func degradedResult(inputs []Candidate, uniqueTopics int) *RunResult {
	items := make([]CandidateTheme, len(inputs))
	for i, in := range inputs {
		label := Uncategorized
		if isValidTopic(in.Topic) {
			label = in.Topic
		}
		items[i] = CandidateTheme{
			CandidateID: in.CandidateID,
			Topic:       in.Topic,
			Vector:      []float32{},
			ThemeLabel:  label,
		}
	}
	return &RunResult{
		Items:    items,
		Clusters: map[string][]string{},
		Stats:    RunStats{UniqueTopics: uniqueTopics},
	}
}

func isValidTopic(topic string) bool {
	trimmed := strings.TrimSpace(topic)
	return trimmed != "" && trimmed != Uncategorized
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
