package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hurttlocker/skein/internal/theme"
)

// SaveRun persists a clustering run, its per-candidate assignments and the
// seed centroids derived from it, all in one transaction.
//
// Seeds are derived per final label as the elementwise mean over the vectors
// of that label's distinct member topics. Uncategorized items and items
// without a vector contribute no seed.
func (s *SQLiteStore) SaveRun(ctx context.Context, tier string, threshold float64, res *theme.RunResult) (*Run, error) {
	if res == nil {
		return nil, fmt.Errorf("saving run: nil result")
	}

	run := &Run{
		ID:        uuid.NewString(),
		Tier:      tier,
		Threshold: threshold,
		CreatedAt: time.Now().UTC(),
		Stats:     res.Stats,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, tier, threshold, unique_topics, cluster_count, input_tokens, cost_credits, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Tier, run.Threshold,
		run.Stats.UniqueTopics, run.Stats.ClusterCount,
		run.Stats.InputTokens, run.Stats.CostEstimateCredits,
		run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	itemStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO candidate_themes (run_id, candidate_id, topic, theme_label, vector, dimensions)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing item insert: %w", err)
	}
	defer itemStmt.Close()

	for _, item := range res.Items {
		var blob []byte
		if len(item.Vector) > 0 {
			blob = float32ToBytes(item.Vector)
		}
		if _, err := itemStmt.ExecContext(ctx,
			run.ID, item.CandidateID, item.Topic, item.ThemeLabel,
			blob, len(item.Vector),
		); err != nil {
			return nil, fmt.Errorf("inserting item %s: %w", item.CandidateID, err)
		}
	}

	for _, seed := range deriveSeeds(res.Items) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO theme_seeds (run_id, label, centroid, dimensions, member_count)
			 VALUES (?, ?, ?, ?, ?)`,
			run.ID, seed.Label, float32ToBytes(seed.Centroid),
			len(seed.Centroid), seed.MemberCount,
		); err != nil {
			return nil, fmt.Errorf("inserting seed %q: %w", seed.Label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing run: %w", err)
	}
	return run, nil
}

// deriveSeeds computes one centroid per theme label from the distinct member
// topics that carry a vector. Iteration follows item order so the first
// vector seen for a topic wins.
func deriveSeeds(items []theme.CandidateTheme) []SeedRecord {
	type acc struct {
		sum   []float64
		count int
	}
	byLabel := map[string]*acc{}
	seenTopic := map[string]bool{}
	var order []string

	for _, item := range items {
		if item.ThemeLabel == "" || item.ThemeLabel == theme.Uncategorized {
			continue
		}
		if len(item.Vector) == 0 {
			continue
		}
		key := item.ThemeLabel + "\x00" + item.Topic
		if seenTopic[key] {
			continue
		}
		seenTopic[key] = true

		a := byLabel[item.ThemeLabel]
		if a == nil {
			a = &acc{sum: make([]float64, len(item.Vector))}
			byLabel[item.ThemeLabel] = a
			order = append(order, item.ThemeLabel)
		}
		if len(item.Vector) != len(a.sum) {
			continue
		}
		for i, v := range item.Vector {
			a.sum[i] += float64(v)
		}
		a.count++
	}

	seeds := make([]SeedRecord, 0, len(order))
	for _, label := range order {
		a := byLabel[label]
		if a.count == 0 {
			continue
		}
		centroid := make([]float32, len(a.sum))
		for i, v := range a.sum {
			centroid[i] = float32(v / float64(a.count))
		}
		seeds = append(seeds, SeedRecord{
			Label:       label,
			Centroid:    centroid,
			MemberCount: a.count,
		})
	}
	return seeds
}

// GetRun retrieves a single run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tier, threshold, unique_topics, cluster_count, input_tokens, cost_credits, created_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tier, threshold, unique_topics, cluster_count, input_tokens, cost_credits, created_at
		 FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(&run.ID, &run.Tier, &run.Threshold,
		&run.Stats.UniqueTopics, &run.Stats.ClusterCount,
		&run.Stats.InputTokens, &run.Stats.CostEstimateCredits,
		&run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RunItems retrieves the per-candidate assignments of a run in insertion order.
func (s *SQLiteStore) RunItems(ctx context.Context, runID string) ([]theme.CandidateTheme, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id, topic, theme_label, vector
		 FROM candidate_themes WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying items for run %s: %w", runID, err)
	}
	defer rows.Close()

	var items []theme.CandidateTheme
	for rows.Next() {
		var item theme.CandidateTheme
		var blob []byte
		if err := rows.Scan(&item.CandidateID, &item.Topic, &item.ThemeLabel, &blob); err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		if len(blob) > 0 {
			item.Vector = bytesToFloat32(blob)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LatestSeeds returns the seed set of the most recent run that produced any,
// ready to anchor the next clustering run.
func (s *SQLiteStore) LatestSeeds(ctx context.Context) ([]theme.Seed, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT r.id FROM runs r
		 WHERE EXISTS (SELECT 1 FROM theme_seeds ts WHERE ts.run_id = r.id)
		 ORDER BY r.seq DESC LIMIT 1`).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest seeded run: %w", err)
	}

	records, err := s.SeedsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	seeds := make([]theme.Seed, len(records))
	for i, r := range records {
		seeds[i] = theme.Seed{Label: r.Label, Vector: r.Centroid}
	}
	return seeds, nil
}

// SeedsForRun retrieves the persisted seed centroids of one run.
func (s *SQLiteStore) SeedsForRun(ctx context.Context, runID string) ([]SeedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, label, centroid, member_count
		 FROM theme_seeds WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying seeds for run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []SeedRecord
	for rows.Next() {
		var r SeedRecord
		var blob []byte
		if err := rows.Scan(&r.RunID, &r.Label, &blob, &r.MemberCount); err != nil {
			return nil, fmt.Errorf("scanning seed row: %w", err)
		}
		r.Centroid = bytesToFloat32(blob)
		records = append(records, r)
	}
	return records, rows.Err()
}
