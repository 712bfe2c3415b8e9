// Package rates supplies the annualized risk-free rate on a daily validity
// cycle: expensive to fetch, cheap to reuse within the cycle.
package rates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FallbackSource marks a rate that came from the hardcoded fallback constant.
const FallbackSource = "fallback"

// Source is the external risk-free-rate provider boundary.
type Source interface {
	// Latest returns the most recent published short-term rate observation.
	Latest(ctx context.Context) (rate float64, source string, err error)
}

type cachedRate struct {
	Rate      float64
	UpdatedAt time.Time
	Source    string
}

// Provider caches the rate in memory and in a persistent document, refetching
// once per daily cycle. External failure degrades to the fallback constant and
// is never cached, so the next call retries the source.
type Provider struct {
	source    Source
	db        *sql.DB // persistent tier; nil disables it
	cycleHour int     // UTC hour at which a new cycle starts
	fallback  float64
	now       func() time.Time

	mu  sync.RWMutex
	mem *cachedRate

	log zerolog.Logger
}

// NewProvider creates the provider and ensures the persistent cache schema.
func NewProvider(source Source, db *sql.DB, cycleHour int, fallback float64, log zerolog.Logger) (*Provider, error) {
	p := &Provider{
		source:    source,
		db:        db,
		cycleHour: cycleHour,
		fallback:  fallback,
		now:       time.Now,
		log:       log.With().Str("component", "riskfree_rate").Logger(),
	}
	if db != nil {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS rate_cache (
				id         INTEGER PRIMARY KEY CHECK (id = 1),
				rate       REAL NOT NULL,
				updated_at INTEGER NOT NULL,
				source     TEXT NOT NULL,
				cycle      TEXT NOT NULL
			)
		`)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate_cache table: %w", err)
		}
	}
	return p, nil
}

// GetRate returns the annualized risk-free rate. It never fails: external
// errors degrade the rate input but never block optimization or metrics.
func (p *Provider) GetRate(ctx context.Context) float64 {
	cycleStart := p.CycleStart(p.now())

	// Memory tier.
	p.mu.RLock()
	mem := p.mem
	p.mu.RUnlock()
	if mem != nil && !mem.UpdatedAt.Before(cycleStart) {
		return mem.Rate
	}

	// Persistent tier.
	if cached := p.readPersistent(); cached != nil && !cached.UpdatedAt.Before(cycleStart) {
		p.mu.Lock()
		p.mem = cached
		p.mu.Unlock()
		return cached.Rate
	}

	// External source.
	rate, source, err := p.source.Latest(ctx)
	if err != nil {
		p.log.Warn().
			Err(err).
			Float64("fallback", p.fallback).
			Msg("Rate source failed, using fallback (not cached)")
		return p.fallback
	}

	now := p.now()
	entry := &cachedRate{Rate: rate, UpdatedAt: now, Source: source}
	p.mu.Lock()
	p.mem = entry
	p.mu.Unlock()
	p.writePersistent(entry, cycleStart)

	p.log.Info().
		Float64("rate", rate).
		Str("source", source).
		Msg("Fetched risk-free rate")
	return rate
}

// CycleStart returns the start of the validity cycle containing now: today at
// the cycle hour, or yesterday's cycle hour if the hour has not passed yet.
func (p *Provider) CycleStart(now time.Time) time.Time {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), p.cycleHour, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// InvalidateCycle drops the memory tier. Scheduled at each cycle start so the
// first call of the new cycle refetches.
func (p *Provider) InvalidateCycle() {
	p.mu.Lock()
	p.mem = nil
	p.mu.Unlock()
	p.log.Debug().Msg("Rate cycle invalidated")
}

func (p *Provider) readPersistent() *cachedRate {
	if p.db == nil {
		return nil
	}
	var rate float64
	var updatedAt int64
	var source string
	err := p.db.QueryRow("SELECT rate, updated_at, source FROM rate_cache WHERE id = 1").
		Scan(&rate, &updatedAt, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to read persistent rate cache")
		return nil
	}
	return &cachedRate{Rate: rate, UpdatedAt: time.Unix(updatedAt, 0).UTC(), Source: source}
}

func (p *Provider) writePersistent(entry *cachedRate, cycleStart time.Time) {
	if p.db == nil {
		return
	}
	_, err := p.db.Exec(`
		INSERT INTO rate_cache (id, rate, updated_at, source, cycle) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rate = excluded.rate,
			updated_at = excluded.updated_at,
			source = excluded.source,
			cycle = excluded.cycle
	`, entry.Rate, entry.UpdatedAt.Unix(), entry.Source, cycleStart.Format(time.RFC3339))
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to write persistent rate cache")
	}
}
