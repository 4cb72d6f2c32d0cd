// Package mcp provides a Model Context Protocol server for skein.
//
// It exposes theme clustering as MCP tools (preview a clustering run,
// re-cluster a stored run at a new threshold, list runs, store stats) and
// recent runs as an MCP resource. Stdio transport, for MCP-capable agent
// hosts.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/skein/internal/store"
	"github.com/hurttlocker/skein/internal/theme"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    store.Store
	Embedder theme.ClientFactory // optional; preview degrades to identity labels without it
	Version  string
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering: a saved run is visible to the next seed lookup.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all skein tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Skein",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerPreviewTool(s, cfg.Store, cfg.Embedder)
	registerReclusterTool(s, cfg.Store)
	registerRunsTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	registerRecentRunsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerPreviewTool(s *server.MCPServer, st store.Store, embedder theme.ClientFactory) {
	tool := mcp.NewTool("skein_preview",
		mcp.WithDescription("Cluster a batch of topic phrases into theme labels. Topics are embedded, grouped by cosine similarity against the threshold, and labeled by the most specific member phrase. Optionally seeds from the last saved run and persists the result."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("topics",
			mcp.Required(),
			mcp.Description(`JSON array of topic phrases, either plain strings or {"candidateId","topic"} objects`),
		),
		mcp.WithString("tier",
			mcp.Description("Embedding budget tier (default: standard)"),
			mcp.Enum("lite", "standard", "premium"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Cosine similarity a topic must strictly exceed to join a cluster (default: 0.75)"),
		),
		mcp.WithBoolean("seed_from_last",
			mcp.Description("Anchor clustering on the seed centroids of the most recent saved run (default: false)"),
		),
		mcp.WithBoolean("save",
			mcp.Description("Persist the run, its assignments and derived seeds (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		raw, err := req.RequireString("topics")
		if err != nil {
			return mcp.NewToolResultError("topics is required"), nil
		}
		candidates, err := parseCandidates(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid topics: %v", err)), nil
		}

		tier := "standard"
		if t, err := req.RequireString("tier"); err == nil && t != "" {
			tier = t
		}

		opts := theme.RunOptions{}
		if v, err := req.RequireFloat("threshold"); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			opts.Threshold = &v
		}

		if seed, err := req.RequireBool("seed_from_last"); err == nil && seed {
			seeds, err := st.LatestSeeds(ctx)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("loading seeds: %v", err)), nil
			}
			opts.Seeds = seeds
		}

		res, err := theme.RunEmbeddingClustering(ctx, embedder, candidates, tier, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("clustering error: %v", err)), nil
		}

		payload := map[string]interface{}{
			"items":    res.Items,
			"clusters": res.Clusters,
			"stats":    res.Stats,
		}

		if save, err := req.RequireBool("save"); err == nil && save {
			run, err := st.SaveRun(ctx, tier, theme.ResolveThreshold(opts.Threshold), res)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("saving run: %v", err)), nil
			}
			payload["run_id"] = run.ID
		}

		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerReclusterTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("skein_recluster",
		mcp.WithDescription("Re-cluster a stored run's candidates at a different similarity threshold, reusing their persisted vectors. No embedding call is made. Optionally saves the result as a new run."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("run_id",
			mcp.Description("Run to re-cluster (default: most recent run)"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("New similarity threshold (default: 0.75 or SKEIN_THEME_THRESHOLD)"),
		),
		mcp.WithBoolean("save",
			mcp.Description("Persist the re-clustered assignments as a new run (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runID := ""
		if id, err := req.RequireString("run_id"); err == nil {
			runID = strings.TrimSpace(id)
		}
		if runID == "" {
			runs, err := st.ListRuns(ctx, 1)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("listing runs: %v", err)), nil
			}
			if len(runs) == 0 {
				return mcp.NewToolResultError("no runs stored yet"), nil
			}
			runID = runs[0].ID
		}

		stored, err := st.RunItems(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("loading run %s: %v", runID, err)), nil
		}
		if len(stored) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("run %s has no items", runID)), nil
		}

		var threshold *float64
		if v, err := req.RequireFloat("threshold"); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			threshold = &v
		}

		vecItems := make([]theme.VectorItem, len(stored))
		for i, item := range stored {
			vecItems[i] = theme.VectorItem{
				CandidateID: item.CandidateID,
				Topic:       item.Topic,
				Vector:      item.Vector,
			}
		}
		labels := theme.RunVectorClustering(vecItems, threshold)

		res := reclusteredResult(stored, labels)
		payload := map[string]interface{}{
			"source_run_id": runID,
			"threshold":     theme.ResolveThreshold(threshold),
			"labels":        labels,
			"clusters":      res.Clusters,
			"stats":         res.Stats,
		}

		if save, err := req.RequireBool("save"); err == nil && save {
			run, err := st.SaveRun(ctx, "recluster", theme.ResolveThreshold(threshold), res)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("saving run: %v", err)), nil
			}
			payload["run_id"] = run.ID
		}

		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRunsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("skein_runs",
		mcp.WithDescription("List recent clustering runs with their threshold, tier and stats, newest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := 20
		if v, err := req.RequireFloat("limit"); err == nil {
			l := int(v)
			if l > 100 {
				l = 100
			}
			if l > 0 {
				limit = l
			}
		}

		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing runs: %v", err)), nil
		}

		data, _ := json.MarshalIndent(runsPayload(runs), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("skein_stats",
		mcp.WithDescription("Store statistics: run, assignment and seed counts plus database size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		payload := map[string]interface{}{
			"run_count":     stats.RunCount,
			"item_count":    stats.ItemCount,
			"seed_count":    stats.SeedCount,
			"db_size_bytes": stats.DBSizeBytes,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Helpers ---

// parseCandidates accepts either a JSON array of strings or a JSON array of
// {"candidateId","topic"} objects. Plain strings get positional IDs.
func parseCandidates(raw string) ([]theme.Candidate, error) {
	var phrases []string
	if err := json.Unmarshal([]byte(raw), &phrases); err == nil {
		candidates := make([]theme.Candidate, len(phrases))
		for i, p := range phrases {
			candidates[i] = theme.Candidate{
				CandidateID: fmt.Sprintf("topic-%d", i+1),
				Topic:       p,
			}
		}
		return candidates, nil
	}

	var candidates []theme.Candidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("expected a JSON array of strings or candidate objects: %w", err)
	}
	for i := range candidates {
		if strings.TrimSpace(candidates[i].CandidateID) == "" {
			candidates[i].CandidateID = fmt.Sprintf("topic-%d", i+1)
		}
	}
	return candidates, nil
}

// reclusteredResult rebuilds a RunResult from stored items and fresh labels
// so a re-clustering can be persisted like any other run.
func reclusteredResult(stored []theme.CandidateTheme, labels map[string]string) *theme.RunResult {
	items := make([]theme.CandidateTheme, len(stored))
	clusters := map[string][]string{}
	memberSeen := map[string]bool{}
	uniqueTopics := map[string]bool{}

	for i, item := range stored {
		label := labels[item.CandidateID]
		if label == "" {
			label = theme.Uncategorized
		}
		items[i] = theme.CandidateTheme{
			CandidateID: item.CandidateID,
			Topic:       item.Topic,
			Vector:      item.Vector,
			ThemeLabel:  label,
		}
		if label == theme.Uncategorized {
			continue
		}
		uniqueTopics[item.Topic] = true
		key := label + "\x00" + item.Topic
		if !memberSeen[key] {
			memberSeen[key] = true
			clusters[label] = append(clusters[label], item.Topic)
		}
	}

	return &theme.RunResult{
		Items:    items,
		Clusters: clusters,
		Stats: theme.RunStats{
			UniqueTopics: len(uniqueTopics),
			ClusterCount: len(clusters),
		},
	}
}

type runSummary struct {
	ID           string  `json:"id"`
	Tier         string  `json:"tier"`
	Threshold    float64 `json:"threshold"`
	UniqueTopics int     `json:"unique_topics"`
	ClusterCount int     `json:"cluster_count"`
	InputTokens  int     `json:"input_tokens"`
	CostCredits  float64 `json:"cost_estimate_credits"`
	CreatedAt    string  `json:"created_at"`
}

func runsPayload(runs []*store.Run) map[string]interface{} {
	summaries := make([]runSummary, len(runs))
	for i, r := range runs {
		summaries[i] = runSummary{
			ID:           r.ID,
			Tier:         r.Tier,
			Threshold:    r.Threshold,
			UniqueTopics: r.Stats.UniqueTopics,
			ClusterCount: r.Stats.ClusterCount,
			InputTokens:  r.Stats.InputTokens,
			CostCredits:  r.Stats.CostEstimateCredits,
			CreatedAt:    r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return map[string]interface{}{
		"runs":  summaries,
		"count": len(summaries),
	}
}
