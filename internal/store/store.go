// Package store provides the SQLite storage layer for skein.
//
// One database file holds everything:
// - Clustering runs with their threshold, tier and accounting stats
// - Per-candidate theme assignments with their embedding vectors
// - Theme seeds (label + centroid) for cross-run label continuity
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hurttlocker/skein/internal/theme"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.skein/skein.db"

// Run is one persisted clustering run.
type Run struct {
	ID        string
	Tier      string
	Threshold float64
	CreatedAt time.Time
	Stats     theme.RunStats
}

// SeedRecord is a persisted seed centroid with its provenance.
type SeedRecord struct {
	RunID       string
	Label       string
	Centroid    []float32
	MemberCount int
}

// StoreStats holds observability statistics about the store.
type StoreStats struct {
	RunCount    int64
	ItemCount   int64
	SeedCount   int64
	DBSizeBytes int64
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store defines the persistence interface.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, tier string, threshold float64, res *theme.RunResult) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	RunItems(ctx context.Context, runID string) ([]theme.CandidateTheme, error)

	// Seeds
	LatestSeeds(ctx context.Context) ([]theme.Seed, error)
	SeedsForRun(ctx context.Context, runID string) ([]SeedRecord, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// migrate creates all tables if they don't exist.
func (s *SQLiteStore) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL DEFAULT '',
			threshold REAL NOT NULL,
			unique_topics INTEGER NOT NULL DEFAULT 0,
			cluster_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			cost_credits REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS candidate_themes (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			candidate_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			theme_label TEXT NOT NULL,
			vector BLOB,
			dimensions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, candidate_id)
		)`,
		`CREATE TABLE IF NOT EXISTS theme_seeds (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			centroid BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			member_count INTEGER NOT NULL,
			PRIMARY KEY (run_id, label)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidate_themes_run ON candidate_themes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_theme_seeds_run ON theme_seeds(run_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only — never auto-vacuum.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Stats returns row counts and the on-disk database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{}

	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM runs", &st.RunCount},
		{"SELECT COUNT(*) FROM candidate_themes", &st.ItemCount},
		{"SELECT COUNT(*) FROM theme_seeds", &st.SeedCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			st.DBSizeBytes = pageCount * pageSize
		}
	}

	return st, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
