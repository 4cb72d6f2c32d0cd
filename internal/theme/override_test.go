package theme

import "testing"

func makeResult(items []CandidateTheme) *RunResult {
	clusters := make(map[string][]string)
	labels := make(map[string]bool)
	for _, item := range items {
		labels[item.ThemeLabel] = true
	}
	return &RunResult{
		Items:    items,
		Clusters: clusters,
		Stats:    RunStats{UniqueTopics: len(items), ClusterCount: len(labels)},
	}
}

func TestOverridesDisabledReturnsSameResult(t *testing.T) {
	res := makeResult([]CandidateTheme{
		{CandidateID: "a", Topic: "Fed rate cut", ThemeLabel: "Markets"},
	})

	got := ApplyOverrides(res, OverrideOptions{MinLabelWords: 1, MaxDominancePct: 0})
	if got != res {
		t.Fatal("disabled knobs must return the input unchanged")
	}
}

func TestDominanceOverride(t *testing.T) {
	items := make([]CandidateTheme, 0, 10)
	for i := 0; i < 9; i++ {
		items = append(items, CandidateTheme{CandidateID: string(rune('a' + i)), Topic: "Markets", ThemeLabel: "Markets"})
	}
	items = append(items, CandidateTheme{CandidateID: "j", Topic: "Markets regulation shift", ThemeLabel: "Markets"})

	res := makeResult(items)
	got := ApplyOverrides(res, OverrideOptions{MaxDominancePct: 0.5})

	if got == res {
		t.Fatal("expected a new result, got the original reference")
	}
	for i := 0; i < 9; i++ {
		if got.Items[i].ThemeLabel != "Markets" {
			t.Errorf("item %d: label %q, want 'Markets' (no more-specific raw text available)", i, got.Items[i].ThemeLabel)
		}
	}
	if got.Items[9].ThemeLabel != "Markets regulation shift" {
		t.Errorf("item j: label %q, want its own raw topic restored", got.Items[9].ThemeLabel)
	}
	if got.Stats.ClusterCount != 2 {
		t.Errorf("cluster count = %d, want 2", got.Stats.ClusterCount)
	}
	if members := got.Clusters["Markets regulation shift"]; len(members) != 1 {
		t.Errorf("rebuilt clusters missing restored label: %v", got.Clusters)
	}
}

func TestTerseLabelOverride(t *testing.T) {
	res := makeResult([]CandidateTheme{
		{CandidateID: "a", Topic: "Fed rate cut signal", ThemeLabel: "Fed"},
		{CandidateID: "b", Topic: "Fed", ThemeLabel: "Fed"},
	})

	got := ApplyOverrides(res, OverrideOptions{MinLabelWords: 2})
	if got.Items[0].ThemeLabel != "Fed rate cut signal" {
		t.Errorf("terse label should yield to the item's own topic, got %q", got.Items[0].ThemeLabel)
	}
	// Item b's raw topic is also below the word floor, so it cannot replace.
	if got.Items[1].ThemeLabel != "Fed" {
		t.Errorf("item b label = %q, want unchanged 'Fed'", got.Items[1].ThemeLabel)
	}
}

func TestOverrideNeverInventsLabels(t *testing.T) {
	res := makeResult([]CandidateTheme{
		{CandidateID: "a", Topic: "  ", ThemeLabel: "X"},
		{CandidateID: "b", Topic: Uncategorized, ThemeLabel: "X"},
		{CandidateID: "c", Topic: "X", ThemeLabel: "X"},
	})

	got := ApplyOverrides(res, OverrideOptions{MinLabelWords: 3})
	if got != res {
		t.Fatal("no item qualifies; original reference expected")
	}
}

func TestUncategorizedNeverDominant(t *testing.T) {
	res := makeResult([]CandidateTheme{
		{CandidateID: "a", Topic: "real topic here", ThemeLabel: Uncategorized},
		{CandidateID: "b", Topic: "", ThemeLabel: Uncategorized},
		{CandidateID: "c", Topic: "", ThemeLabel: Uncategorized},
	})

	// 100% dominance, but the sentinel is exempt and the terse check is off,
	// so nothing changes.
	got := ApplyOverrides(res, OverrideOptions{MaxDominancePct: 0.5})
	if got != res {
		t.Fatal("Uncategorized must never be flagged dominant")
	}
}

func TestDominanceDenominatorIncludesUncategorized(t *testing.T) {
	// 2 of 4 items carry "Markets": exactly 50%. The two Uncategorized items
	// stay in the denominator, keeping the ratio at the flag boundary.
	res := makeResult([]CandidateTheme{
		{CandidateID: "a", Topic: "Markets", ThemeLabel: "Markets"},
		{CandidateID: "b", Topic: "Markets regulation shift", ThemeLabel: "Markets"},
		{CandidateID: "c", Topic: "", ThemeLabel: Uncategorized},
		{CandidateID: "d", Topic: "", ThemeLabel: Uncategorized},
	})

	got := ApplyOverrides(res, OverrideOptions{MaxDominancePct: 0.5})
	if got == res {
		t.Fatal("count/total >= pct should flag at the boundary")
	}
	if got.Items[1].ThemeLabel != "Markets regulation shift" {
		t.Errorf("item b label = %q, want raw topic", got.Items[1].ThemeLabel)
	}
}

func TestOverrideStatsPassThrough(t *testing.T) {
	res := makeResult([]CandidateTheme{
		{CandidateID: "a", Topic: "Fed rate cut signal", ThemeLabel: "Fed"},
	})
	res.Stats.InputTokens = 123
	res.Stats.CostEstimateCredits = 0.5

	got := ApplyOverrides(res, OverrideOptions{MinLabelWords: 2})
	if got.Stats.InputTokens != 123 || got.Stats.CostEstimateCredits != 0.5 {
		t.Errorf("token/cost stats must pass through unchanged, got %+v", got.Stats)
	}
	if got.Stats.ClusterCount != 1 {
		t.Errorf("cluster count = %d, want 1", got.Stats.ClusterCount)
	}
}
