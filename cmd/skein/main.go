package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/skein/internal/config"
	"github.com/hurttlocker/skein/internal/embed"
	"github.com/hurttlocker/skein/internal/mcp"
	"github.com/hurttlocker/skein/internal/store"
	"github.com/hurttlocker/skein/internal/theme"
)

const version = "0.1.0"

func main() {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "cluster":
		err = runCluster(os.Args[2:])
	case "recluster":
		err = runRecluster(os.Args[2:])
	case "runs":
		err = runRuns(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("skein %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCluster(args []string) error {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	input := fs.String("input", "-", "path to a JSON array of topics, or - for stdin")
	tier := fs.String("tier", embed.TierStandard, "embedding budget tier: lite, standard, premium")
	embedFlag := fs.String("embed", "", "embedding provider as provider/model (e.g. openai/text-embedding-3-small)")
	threshold := fs.String("threshold", "", "cosine similarity a topic must strictly exceed to join a cluster")
	dbPath := fs.String("db", "", "database path (default: ~/.skein/skein.db)")
	configPath := fs.String("config", "", "config file path (default: ~/.skein/config.yaml)")
	seedFromLast := fs.Bool("seed-from-last", false, "anchor clustering on the last saved run's seed centroids")
	save := fs.Bool("save", false, "persist the run, its assignments and derived seeds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:   *configPath,
		CLIEmbed:     *embedFlag,
		CLIDBPath:    *dbPath,
		CLIThreshold: *threshold,
	})
	if err != nil {
		return err
	}
	exportEmbedEnv(cfg)

	candidates, err := readCandidates(*input)
	if err != nil {
		return err
	}

	opts := theme.RunOptions{Threshold: cfg.Threshold()}

	var st store.Store
	if *seedFromLast || *save {
		st, err = store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()
	}

	ctx := context.Background()
	if *seedFromLast {
		seeds, err := st.LatestSeeds(ctx)
		if err != nil {
			return fmt.Errorf("loading seeds: %w", err)
		}
		opts.Seeds = seeds
	}

	factory := embed.Factory(cfg.EmbedProvider.Value)
	res, err := theme.RunEmbeddingClustering(ctx, factory, candidates, *tier, opts)
	if err != nil {
		return err
	}

	res = theme.ApplyOverrides(res, theme.OverrideOptions{
		MinLabelWords:   cfg.MinWords(),
		MaxDominancePct: cfg.DominancePct(),
	})

	if *save {
		run, err := st.SaveRun(ctx, *tier, theme.ResolveThreshold(opts.Threshold), res)
		if err != nil {
			return fmt.Errorf("saving run: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Saved run %s\n", run.ID)
	}

	fmt.Fprintf(os.Stderr, "%d topics → %d clusters (%d tokens, %.4f credits)\n",
		res.Stats.UniqueTopics, res.Stats.ClusterCount,
		res.Stats.InputTokens, res.Stats.CostEstimateCredits)
	return printJSON(res)
}

func runRecluster(args []string) error {
	fs := flag.NewFlagSet("recluster", flag.ContinueOnError)
	runID := fs.String("run", "", "run to re-cluster (default: most recent run)")
	threshold := fs.String("threshold", "", "new similarity threshold")
	dbPath := fs.String("db", "", "database path (default: ~/.skein/skein.db)")
	configPath := fs.String("config", "", "config file path (default: ~/.skein/config.yaml)")
	save := fs.Bool("save", false, "persist the re-clustered assignments as a new run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:   *configPath,
		CLIDBPath:    *dbPath,
		CLIThreshold: *threshold,
	})
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	id := strings.TrimSpace(*runID)
	if id == "" {
		runs, err := st.ListRuns(ctx, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("no runs stored yet")
		}
		id = runs[0].ID
	}

	stored, err := st.RunItems(ctx, id)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return fmt.Errorf("run %s has no items", id)
	}

	vecItems := make([]theme.VectorItem, len(stored))
	for i, item := range stored {
		vecItems[i] = theme.VectorItem{
			CandidateID: item.CandidateID,
			Topic:       item.Topic,
			Vector:      item.Vector,
		}
	}
	labels := theme.RunVectorClustering(vecItems, cfg.Threshold())

	if *save {
		items := make([]theme.CandidateTheme, len(stored))
		clusters := map[string][]string{}
		seen := map[string]bool{}
		for i, item := range stored {
			label := labels[item.CandidateID]
			items[i] = theme.CandidateTheme{
				CandidateID: item.CandidateID,
				Topic:       item.Topic,
				Vector:      item.Vector,
				ThemeLabel:  label,
			}
			if label == theme.Uncategorized {
				continue
			}
			key := label + "\x00" + item.Topic
			if !seen[key] {
				seen[key] = true
				clusters[label] = append(clusters[label], item.Topic)
			}
		}
		res := &theme.RunResult{
			Items:    items,
			Clusters: clusters,
			Stats:    theme.RunStats{UniqueTopics: len(seen), ClusterCount: len(clusters)},
		}
		run, err := st.SaveRun(ctx, "recluster", theme.ResolveThreshold(cfg.Threshold()), res)
		if err != nil {
			return fmt.Errorf("saving run: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Saved run %s\n", run.ID)
	}

	return printJSON(map[string]interface{}{
		"source_run_id": id,
		"threshold":     theme.ResolveThreshold(cfg.Threshold()),
		"labels":        labels,
	})
}

func runRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum number of runs")
	dbPath := fs.String("db", "", "database path (default: ~/.skein/skein.db)")
	configPath := fs.String("config", "", "config file path (default: ~/.skein/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{ConfigPath: *configPath, CLIDBPath: *dbPath})
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet.")
		return nil
	}

	for _, r := range runs {
		fmt.Printf("%s  %s  tier=%s threshold=%.2f topics=%d clusters=%d tokens=%d credits=%.4f\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04"), r.ID, r.Tier, r.Threshold,
			r.Stats.UniqueTopics, r.Stats.ClusterCount,
			r.Stats.InputTokens, r.Stats.CostEstimateCredits)
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	dbPath := fs.String("db", "", "database path (default: ~/.skein/skein.db)")
	configPath := fs.String("config", "", "config file path (default: ~/.skein/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{ConfigPath: *configPath, CLIDBPath: *dbPath})
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Runs:      %d\n", stats.RunCount)
	fmt.Printf("Items:     %d\n", stats.ItemCount)
	fmt.Printf("Seeds:     %d\n", stats.SeedCount)
	fmt.Printf("DB size:   %d bytes\n", stats.DBSizeBytes)
	return nil
}

func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	embedFlag := fs.String("embed", "", "embedding provider as provider/model")
	dbPath := fs.String("db", "", "database path (default: ~/.skein/skein.db)")
	configPath := fs.String("config", "", "config file path (default: ~/.skein/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: *configPath,
		CLIEmbed:   *embedFlag,
		CLIDBPath:  *dbPath,
	})
	if err != nil {
		return err
	}
	exportEmbedEnv(cfg)

	st, err := store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	srv := mcp.NewServer(mcp.ServerConfig{
		Store:    st,
		Embedder: embed.Factory(cfg.EmbedProvider.Value),
		Version:  version,
	})
	return server.ServeStdio(srv)
}

// readCandidates reads a JSON array of topics — plain strings or
// {"candidateId","topic"} objects — from a file or stdin.
func readCandidates(path string) ([]theme.Candidate, error) {
	var data []byte
	var err error
	if path == "-" || path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading topics: %w", err)
	}

	var phrases []string
	if err := json.Unmarshal(data, &phrases); err == nil {
		candidates := make([]theme.Candidate, len(phrases))
		for i, p := range phrases {
			candidates[i] = theme.Candidate{CandidateID: fmt.Sprintf("topic-%d", i+1), Topic: p}
		}
		return candidates, nil
	}

	var candidates []theme.Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil, fmt.Errorf("expected a JSON array of strings or candidate objects: %w", err)
	}
	for i := range candidates {
		if strings.TrimSpace(candidates[i].CandidateID) == "" {
			candidates[i].CandidateID = fmt.Sprintf("topic-%d", i+1)
		}
	}
	return candidates, nil
}

// exportEmbedEnv makes config-file embed credentials visible to the embed
// client, which resolves endpoint and key through the environment.
func exportEmbedEnv(cfg config.ResolvedConfig) {
	if cfg.EmbedEndpoint.Source == config.SourceConfig && os.Getenv("SKEIN_EMBED_ENDPOINT") == "" {
		os.Setenv("SKEIN_EMBED_ENDPOINT", cfg.EmbedEndpoint.Value)
	}
	if cfg.EmbedAPIKey.Source == config.SourceConfig && os.Getenv("SKEIN_EMBED_API_KEY") == "" {
		os.Setenv("SKEIN_EMBED_API_KEY", cfg.EmbedAPIKey.Value)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Println(`skein — theme clustering for LLM topic phrases

Usage:
  skein cluster   [-input topics.json] [-tier lite|standard|premium] [-embed provider/model]
                  [-threshold 0.75] [-seed-from-last] [-save] [-db path] [-config path]
  skein recluster [-run <id>] [-threshold 0.6] [-save] [-db path]
  skein runs      [-limit 20] [-db path]
  skein stats     [-db path]
  skein mcp       [-embed provider/model] [-db path]
  skein version

Topics are read as a JSON array of strings or {"candidateId","topic"} objects.
Configuration comes from CLI flags, SKEIN_* environment variables and
~/.skein/config.yaml, in that order of precedence.`)
}
