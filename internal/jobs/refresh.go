// Package jobs holds the scheduled maintenance work: the daily price refresh
// and the rate-cycle rollover.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianfund/meridian/internal/marketdata"
	"github.com/meridianfund/meridian/internal/rates"
	"github.com/meridianfund/meridian/internal/universe"
)

// refreshLookbackDays is how far back each incremental fetch reaches. Wide
// enough to cover provider backfills, small enough to keep payloads cheap.
const refreshLookbackDays = 14

// refreshBatchSize bounds how many instruments one fetch round covers.
const refreshBatchSize = 25

// RefreshReport describes one refresh run. Partial completion is a normal
// outcome: the budget can expire mid-universe.
type RefreshReport struct {
	Started   time.Time
	Finished  time.Time
	Total     int
	Refreshed int
	Failed    []string
	Remaining []string // not attempted before the budget expired
	Anomalies int
	Written   int
}

// Complete reports whether every instrument was attempted.
func (r RefreshReport) Complete() bool {
	return len(r.Remaining) == 0
}

// Refresher runs the daily incremental price refresh over the stored
// universe within a wall-clock budget.
type Refresher struct {
	store    *universe.HistoryStore
	provider *marketdata.Provider
	cache    *marketdata.Cache
	rates    *rates.Provider
	detector *universe.AnomalyDetector
	budget   time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRefresher wires the refresh job. budget caps the whole run; zero means
// no cap.
func NewRefresher(store *universe.HistoryStore, provider *marketdata.Provider, cache *marketdata.Cache, rateProvider *rates.Provider, budget time.Duration, log zerolog.Logger) *Refresher {
	return &Refresher{
		store:    store,
		provider: provider,
		cache:    cache,
		rates:    rateProvider,
		detector: universe.NewAnomalyDetector(universe.DefaultDailyChangeCutoff, log),
		budget:   budget,
		now:      time.Now,
		log:      log.With().Str("component", "refresh_job").Logger(),
	}
}

// Run fetches the recent window for every stored instrument in batches,
// merges the results, and invalidates the affected cache entries. The budget
// is checked between batches, never mid-batch, so each batch's transaction
// either lands fully or is never started.
func (r *Refresher) Run(ctx context.Context) (RefreshReport, error) {
	report := RefreshReport{Started: r.now()}
	deadline := time.Time{}
	if r.budget > 0 {
		deadline = report.Started.Add(r.budget)
	}

	isins, err := r.store.ListISINs()
	if err != nil {
		report.Finished = r.now()
		return report, err
	}
	report.Total = len(isins)

	to := report.Started.UTC().Format("2006-01-02")
	from := report.Started.UTC().AddDate(0, 0, -refreshLookbackDays).Format("2006-01-02")

	for start := 0; start < len(isins); start += refreshBatchSize {
		if ctx.Err() != nil {
			report.Remaining = append(report.Remaining, isins[start:]...)
			break
		}
		if !deadline.IsZero() && r.now().After(deadline) {
			report.Remaining = append(report.Remaining, isins[start:]...)
			r.log.Warn().
				Int("remaining", len(report.Remaining)).
				Dur("budget", r.budget).
				Msg("refresh budget expired, stopping with partial completion")
			break
		}

		end := start + refreshBatchSize
		if end > len(isins) {
			end = len(isins)
		}
		batch := isins[start:end]

		series, failures := r.provider.FetchBatch(ctx, batch, from, to)
		for isin, fetchErr := range failures {
			report.Failed = append(report.Failed, isin)
			r.log.Warn().Err(fetchErr).Str("isin", isin).Msg("refresh fetch failed")
		}
		report.Refreshed += len(series)

		for isin, points := range series {
			if anomalies := r.detector.Scan(points); len(anomalies) > 0 {
				report.Anomalies += len(anomalies)
				r.log.Warn().
					Str("isin", isin).
					Int("count", len(anomalies)).
					Msg("price anomalies flagged in fetched series")
			}
		}

		written, err := r.store.WriteBatch(series, "provider")
		if err != nil {
			// Prior batches are committed; record the rest as remaining.
			report.Remaining = append(report.Remaining, isins[start:]...)
			report.Finished = r.now()
			return report, err
		}
		report.Written += written

		for isin := range series {
			r.cache.Invalidate(isin)
		}
	}

	report.Finished = r.now()
	r.log.Info().
		Int("total", report.Total).
		Int("refreshed", report.Refreshed).
		Int("written", report.Written).
		Int("failed", len(report.Failed)).
		Int("remaining", len(report.Remaining)).
		Bool("complete", report.Complete()).
		Msg("price refresh finished")
	return report, nil
}

// RotateRateCycle drops the cached risk-free rate so the next read fetches
// the new cycle's value.
func (r *Refresher) RotateRateCycle() {
	if r.rates == nil {
		return
	}
	r.rates.InvalidateCycle()
	r.log.Info().Msg("risk-free rate cycle rotated")
}
