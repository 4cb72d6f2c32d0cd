// Package config resolves skein configuration from a yaml file, environment
// variables and CLI flags, recording where each value came from.
// Precedence: CLI flag > env var > config file > built-in default.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath   string
	CLIEmbed     string
	CLIDBPath    string
	CLIThreshold string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	ThemeThreshold  ResolvedValue `json:"theme_threshold"`
	MinLabelWords   ResolvedValue `json:"min_label_words"`
	MaxDominancePct ResolvedValue `json:"max_dominance_pct"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Embed  struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Theme struct {
		Threshold       string `yaml:"threshold"`
		MinLabelWords   string `yaml:"min_label_words"`
		MaxDominancePct string `yaml:"max_dominance_pct"`
	} `yaml:"theme"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".skein", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.ThemeThreshold, cfg.Theme.Threshold, SourceConfig, path)
		apply(&out.MinLabelWords, cfg.Theme.MinLabelWords, SourceConfig, path)
		apply(&out.MaxDominancePct, cfg.Theme.MaxDominancePct, SourceConfig, path)

		if key := strings.TrimSpace(cfg.Embed.APIKey); key != "" {
			out.EmbedAPIKey = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.DBPath, "SKEIN_DB")
	applyEnv(&out.DBPath, "SKEIN_DB_PATH")

	applyEnv(&out.EmbedProvider, "SKEIN_EMBED")
	applyEnv(&out.EmbedEndpoint, "SKEIN_EMBED_ENDPOINT")
	if v := strings.TrimSpace(os.Getenv("SKEIN_EMBED_API_KEY")); v != "" {
		out.EmbedAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: "SKEIN_EMBED_API_KEY"}
	}

	applyEnv(&out.ThemeThreshold, "SKEIN_THEME_THRESHOLD")
	applyEnv(&out.MinLabelWords, "SKEIN_MIN_LABEL_WORDS")
	applyEnv(&out.MaxDominancePct, "SKEIN_MAX_DOMINANCE_PCT")

	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "-embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "-db")
	apply(&out.ThemeThreshold, opts.CLIThreshold, SourceCLI, "-threshold")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// Threshold returns the resolved similarity threshold as a float pointer,
// or nil when unset or not a finite number.
func (r ResolvedConfig) Threshold() *float64 {
	return finiteFloat(r.ThemeThreshold.Value)
}

// MinWords returns the resolved minimum-label-words override knob.
func (r ResolvedConfig) MinWords() int {
	v, err := strconv.Atoi(strings.TrimSpace(r.MinLabelWords.Value))
	if err != nil {
		return 0
	}
	return v
}

// DominancePct returns the resolved dominance override knob.
func (r ResolvedConfig) DominancePct() float64 {
	if v := finiteFloat(r.MaxDominancePct.Value); v != nil {
		return *v
	}
	return 0
}

func finiteFloat(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
