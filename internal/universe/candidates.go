package universe

import (
	"database/sql"
	"fmt"

	"github.com/meridianfund/meridian/internal/domain"
	"github.com/rs/zerolog"
)

// Candidate is an instrument eligible for universe auto-expansion, ranked by
// its stored Sharpe ratio.
type Candidate struct {
	ISIN          string
	Name          string
	Bucket        domain.Bucket
	Sharpe        float64
	EquityContent float64
}

// CandidateRepository stores per-instrument quality metrics used to rank
// auto-expand candidates.
type CandidateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCandidateRepository creates the repository and ensures its schema exists.
func NewCandidateRepository(db *sql.DB, log zerolog.Logger) (*CandidateRepository, error) {
	r := &CandidateRepository{
		db:  db,
		log: log.With().Str("component", "candidate_repo").Logger(),
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candidates (
			isin           TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			bucket         TEXT NOT NULL DEFAULT 'other',
			sharpe         REAL NOT NULL DEFAULT 0,
			equity_content REAL NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create candidates table: %w", err)
	}
	return r, nil
}

// Upsert stores or refreshes one candidate's metrics.
func (r *CandidateRepository) Upsert(c Candidate) error {
	_, err := r.db.Exec(`
		INSERT INTO candidates (isin, name, bucket, sharpe, equity_content)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(isin) DO UPDATE SET
			name = excluded.name,
			bucket = excluded.bucket,
			sharpe = excluded.sharpe,
			equity_content = excluded.equity_content
	`, c.ISIN, c.Name, string(c.Bucket), c.Sharpe, c.EquityContent)
	if err != nil {
		return fmt.Errorf("failed to upsert candidate %s: %w", c.ISIN, err)
	}
	return nil
}

// TopEquityCandidates returns up to limit candidates whose equity content
// meets the minimum threshold, best Sharpe first.
func (r *CandidateRepository) TopEquityCandidates(minEquityContent float64, limit int) ([]Candidate, error) {
	rows, err := r.db.Query(`
		SELECT isin, name, bucket, sharpe, equity_content
		FROM candidates
		WHERE equity_content >= ?
		ORDER BY sharpe DESC
		LIMIT ?
	`, minEquityContent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var bucket string
		if err := rows.Scan(&c.ISIN, &c.Name, &bucket, &c.Sharpe, &c.EquityContent); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.Bucket = domain.Bucket(bucket)
		out = append(out, c)
	}
	return out, rows.Err()
}
