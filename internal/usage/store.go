package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists usage patterns across restarts.
type Store interface {
	SavePatterns(ctx context.Context, patterns []UsagePattern) error
	LoadPatterns(ctx context.Context) ([]UsagePattern, error)
	Close() error
}

const createPatternTable = `
CREATE TABLE IF NOT EXISTS UsagePattern (
  sample_id TEXT PRIMARY KEY,
  category TEXT,
  access_count INTEGER NOT NULL DEFAULT 0,
  frequency REAL NOT NULL DEFAULT 0,
  last_accessed DATETIME,
  last_analyzed DATETIME,
  quality_profile TEXT,
  model TEXT NOT NULL
);
`

// patternModel is the part of a pattern stored as a JSON column
type patternModel struct {
	RecentAccesses         []time.Time        `json:"recentAccesses"`
	TimeOfDay              [24]float64        `json:"timeOfDay"`
	DayOfWeek              [7]float64         `json:"dayOfWeek"`
	CategoryAffinity       map[string]float64 `json:"categoryAffinity"`
	SequentialPatterns     []string           `json:"sequentialPatterns"`
	QualityCounts          map[string]int64   `json:"qualityCounts"`
	AverageSessionDuration time.Duration      `json:"averageSessionDuration"`
}

// SQLiteStore keeps patterns in a sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(createPatternTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePatterns upserts the given patterns in one transaction.
func (s *SQLiteStore) SavePatterns(ctx context.Context, patterns []UsagePattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO UsagePattern (sample_id, category, access_count, frequency, last_accessed, last_analyzed, quality_profile, model)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sample_id) DO UPDATE SET
  category = excluded.category,
  access_count = excluded.access_count,
  frequency = excluded.frequency,
  last_accessed = excluded.last_accessed,
  last_analyzed = excluded.last_analyzed,
  quality_profile = excluded.quality_profile,
  model = excluded.model`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range patterns {
		model, err := json.Marshal(patternModel{
			RecentAccesses:         p.RecentAccesses,
			TimeOfDay:              p.TimeOfDay,
			DayOfWeek:              p.DayOfWeek,
			CategoryAffinity:       p.CategoryAffinity,
			SequentialPatterns:     p.SequentialPatterns,
			QualityCounts:          p.QualityCounts,
			AverageSessionDuration: p.AverageSessionDuration,
		})
		if err != nil {
			return fmt.Errorf("encoding pattern %q: %w", p.SampleID, err)
		}
		_, err = stmt.ExecContext(ctx, p.SampleID, p.Category, p.AccessCount, p.Frequency,
			p.LastAccessed.UTC(), p.LastAnalyzed.UTC(), p.QualityProfile, string(model))
		if err != nil {
			return fmt.Errorf("saving pattern %q: %w", p.SampleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LoadPatterns reads every stored pattern ordered by sample id.
func (s *SQLiteStore) LoadPatterns(ctx context.Context) ([]UsagePattern, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sample_id, category, access_count, frequency, last_accessed, last_analyzed, quality_profile, model
FROM UsagePattern
ORDER BY sample_id`)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var patterns []UsagePattern
	for rows.Next() {
		var (
			p        UsagePattern
			category sql.NullString
			profile  sql.NullString
			accessed sql.NullTime
			analyzed sql.NullTime
			model    string
		)
		if err := rows.Scan(&p.SampleID, &category, &p.AccessCount, &p.Frequency, &accessed, &analyzed, &profile, &model); err != nil {
			return nil, fmt.Errorf("scanning pattern: %w", err)
		}
		var m patternModel
		if err := json.Unmarshal([]byte(model), &m); err != nil {
			return nil, fmt.Errorf("decoding pattern %q: %w", p.SampleID, err)
		}
		p.Category = category.String
		p.QualityProfile = profile.String
		p.LastAccessed = accessed.Time
		p.LastAnalyzed = analyzed.Time
		p.RecentAccesses = m.RecentAccesses
		p.TimeOfDay = m.TimeOfDay
		p.DayOfWeek = m.DayOfWeek
		p.CategoryAffinity = m.CategoryAffinity
		p.SequentialPatterns = m.SequentialPatterns
		p.QualityCounts = m.QualityCounts
		p.AverageSessionDuration = m.AverageSessionDuration
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
