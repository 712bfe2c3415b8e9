// Package marketdata resolves price series for requested asset lists with
// minimal backing-store access.
package marketdata

import (
	"sort"
	"sync"

	"github.com/meridianfund/meridian/internal/universe"
	"github.com/rs/zerolog"
)

// MinUsablePoints is the minimum series length treated as usable history.
// Thinner series are excluded from the universe, not patched with synthetic data.
const MinUsablePoints = 30

// SeriesSource is the backing store contract (batched read).
type SeriesSource interface {
	GetMany(isins []string) (map[string]*universe.HistoryDocument, error)
}

// ResolveReport describes what could not be served from real data.
type ResolveReport struct {
	Missing   []string // no usable history (absent or below MinUsablePoints)
	Synthetic []string // served from the synthetic generator (demo mode only)
}

// Cache is a two-tier cache in front of the history store. Tier 1 is a
// process-memory map with unbounded lifetime (prices update at most daily);
// tier 2 is a single batched store read for all misses. Races on the memory
// tier only ever produce a redundant refetch, never corruption.
type Cache struct {
	store    SeriesSource
	mu       sync.RWMutex
	tier1    map[string][]universe.PricePoint
	demoMode bool
	log      zerolog.Logger
}

// NewCache creates the cache. demoMode enables the synthetic-series fallback
// for absent instruments; production paths leave it off.
func NewCache(store SeriesSource, demoMode bool, log zerolog.Logger) *Cache {
	return &Cache{
		store:    store,
		tier1:    make(map[string][]universe.PricePoint),
		demoMode: demoMode,
		log:      log.With().Str("component", "marketdata_cache").Logger(),
	}
}

// Resolve returns price series for the requested assets. Assets without
// usable history are listed in the report's Missing set; in demo mode they
// are served synthetically and flagged as such instead.
func (c *Cache) Resolve(assets []string) (map[string][]universe.PricePoint, ResolveReport) {
	result := make(map[string][]universe.PricePoint, len(assets))
	var report ResolveReport

	// Tier 1: process-memory.
	var misses []string
	c.mu.RLock()
	for _, isin := range assets {
		if series, ok := c.tier1[isin]; ok {
			result[isin] = series
		} else {
			misses = append(misses, isin)
		}
	}
	c.mu.RUnlock()

	// Tier 2: one batched round trip for all misses.
	if len(misses) > 0 {
		docs, err := c.store.GetMany(misses)
		if err != nil {
			c.log.Warn().Err(err).Int("misses", len(misses)).Msg("Batched store read failed")
			docs = map[string]*universe.HistoryDocument{}
		}
		for _, isin := range misses {
			doc, ok := docs[isin]
			if !ok || len(doc.History) == 0 {
				c.handleAbsent(isin, result, &report)
				continue
			}
			if len(doc.History) < MinUsablePoints {
				c.log.Debug().
					Str("isin", isin).
					Int("points", len(doc.History)).
					Msg("Series below minimum usable length, excluding")
				report.Missing = append(report.Missing, isin)
				continue
			}
			result[isin] = doc.History
			c.set(isin, doc.History)
		}
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Synthetic)
	return result, report
}

func (c *Cache) handleAbsent(isin string, result map[string][]universe.PricePoint, report *ResolveReport) {
	if !c.demoMode {
		report.Missing = append(report.Missing, isin)
		return
	}
	series := SyntheticSeries(isin, MinUsablePoints*10)
	result[isin] = series
	report.Synthetic = append(report.Synthetic, isin)
	c.log.Warn().Str("isin", isin).Msg("Serving synthetic series (demo mode)")
}

// Get returns the tier-1 entry for one instrument, if present.
func (c *Cache) Get(isin string) ([]universe.PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	series, ok := c.tier1[isin]
	return series, ok
}

func (c *Cache) set(isin string, series []universe.PricePoint) {
	c.mu.Lock()
	c.tier1[isin] = series
	c.mu.Unlock()
}

// Invalidate drops the tier-1 entry for one instrument. Called after an
// explicit re-fetch; price-series entries have no time-based expiry.
func (c *Cache) Invalidate(isin string) {
	c.mu.Lock()
	delete(c.tier1, isin)
	c.mu.Unlock()
}

// InvalidateAll clears the memory tier.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.tier1 = make(map[string][]universe.PricePoint)
	c.mu.Unlock()
}
