package theme

import "strings"

// BuildThemeClusters groups (topic, vector) pairs into clusters by greedy
// nearest-centroid assignment. Items are processed in input order; each item
// joins the existing cluster whose centroid similarity strictly exceeds the
// threshold (first cluster wins ties, clusters iterated in creation order),
// or founds a new single-member cluster. Seeds pre-populate clusters so a
// later run keeps the previous run's labels.
//
// Returns the clusters in creation order and a topic → final-label map
// covering every topic in every cluster, seed-derived and data-derived.
// Deterministic and side-effect free; repeated topics are no-ops.
func BuildThemeClusters(items []TopicVector, threshold float64, seeds []Seed) ([]*Cluster, map[string]string) {
	clusters := make([]*Cluster, 0, len(items))
	seen := make(map[string]struct{}, len(items)+len(seeds))

	// Seed phase. A seed is rejected when its label is blank, the
	// Uncategorized sentinel, a duplicate of an earlier seed, or its vector
	// is missing. Seed labels count as already-resolved topics.
	for _, seed := range seeds {
		trimmed := strings.TrimSpace(seed.Label)
		if trimmed == "" || trimmed == Uncategorized || len(seed.Vector) == 0 {
			continue
		}
		if _, dup := seen[seed.Label]; dup {
			continue
		}
		clusters = append(clusters, &Cluster{
			Label:    seed.Label,
			Topics:   []string{seed.Label},
			Vectors:  [][]float32{seed.Vector},
			Centroid: seed.Vector,
		})
		seen[seed.Label] = struct{}{}
	}

	// Assignment phase. The "best" bar starts at the threshold itself, so a
	// similarity exactly equal to the threshold never matches.
	for _, item := range items {
		if _, resolved := seen[item.Topic]; resolved {
			continue
		}

		bestSim := threshold
		bestIdx := -1
		for i, c := range clusters {
			if sim := CosineSimilarity(item.Vector, c.Centroid); sim > bestSim {
				bestSim = sim
				bestIdx = i
			}
		}

		if bestIdx >= 0 {
			c := clusters[bestIdx]
			c.Topics = append(c.Topics, item.Topic)
			c.Vectors = append(c.Vectors, item.Vector)
			c.Centroid = meanVector(c.Vectors)
		} else {
			clusters = append(clusters, &Cluster{
				Label:    item.Topic,
				Topics:   []string{item.Topic},
				Vectors:  [][]float32{item.Vector},
				Centroid: item.Vector,
			})
		}
		seen[item.Topic] = struct{}{}
	}

	// Finalization: the label policy overwrites the provisional
	// first-inserted-topic label, then the topic map is rebuilt from scratch
	// against the final labels.
	topicToLabel := make(map[string]string, len(seen))
	for _, c := range clusters {
		c.Label = PickLabel(c.Topics)
		for _, topic := range c.Topics {
			topicToLabel[topic] = c.Label
		}
	}

	return clusters, topicToLabel
}
