package theme

import "strings"

// OverrideOptions controls the post-hoc label correction pass. Both knobs
// are disabled at their zero values.
type OverrideOptions struct {
	// MinLabelWords flags labels with fewer words than this as too terse.
	// Values <= 1 disable the terseness check.
	MinLabelWords int
	// MaxDominancePct flags a label carried by at least this fraction of
	// all items as dominant. Values <= 0 disable the dominance check.
	MaxDominancePct float64
}

// ApplyOverrides corrects overly terse or overly dominant theme labels by
// substituting an item's own raw topic text. It never invents a label: the
// only possible replacement for an item is its own topic. This is the
// safety valve against the two failure modes of a single global similarity
// threshold, over-merging and under-specification.
//
// When nothing changes (both knobs disabled, or no item qualifies), the
// input is returned unchanged; callers rely on that stable reference.
func ApplyOverrides(res *RunResult, opts OverrideOptions) *RunResult {
	if res == nil || len(res.Items) == 0 {
		return res
	}
	if opts.MinLabelWords <= 1 && opts.MaxDominancePct <= 0 {
		return res
	}

	// Label frequency over all items, Uncategorized included. The sentinel
	// inflates the denominator but is itself never flagged dominant.
	total := len(res.Items)
	counts := make(map[string]int, total)
	for _, item := range res.Items {
		counts[item.ThemeLabel]++
	}

	isDominant := func(label string) bool {
		if opts.MaxDominancePct <= 0 || label == Uncategorized {
			return false
		}
		return float64(counts[label])/float64(total) >= opts.MaxDominancePct
	}

	items := make([]CandidateTheme, len(res.Items))
	copy(items, res.Items)

	changed := false
	for i := range items {
		rawTopic := strings.TrimSpace(items[i].Topic)
		if rawTopic == "" || rawTopic == Uncategorized {
			continue
		}
		current := items[i].ThemeLabel
		if rawTopic == current {
			continue
		}
		if wordCount(rawTopic) < opts.MinLabelWords {
			continue
		}
		if wordCount(current) >= opts.MinLabelWords && !isDominant(current) {
			continue
		}
		items[i].ThemeLabel = rawTopic
		changed = true
	}

	if !changed {
		return res
	}

	// Labels moved, so the label → topics view and the cluster count are
	// rebuilt from the updated items. All other stats pass through.
	clusters := make(map[string][]string)
	memberSeen := make(map[string]map[string]struct{})
	for _, item := range items {
		members, ok := memberSeen[item.ThemeLabel]
		if !ok {
			members = make(map[string]struct{})
			memberSeen[item.ThemeLabel] = members
		}
		if _, dup := members[item.Topic]; dup {
			continue
		}
		members[item.Topic] = struct{}{}
		clusters[item.ThemeLabel] = append(clusters[item.ThemeLabel], item.Topic)
	}

	out := &RunResult{Items: items, Clusters: clusters, Stats: res.Stats}
	out.Stats.ClusterCount = len(clusters)
	return out
}
