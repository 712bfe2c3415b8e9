package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/meridianfund/meridian/internal/universe"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds concurrent provider requests in a batch.
const fetchConcurrency = 4

// Provider fetches daily adjusted-close rows from the external price-history
// provider. Fetches are always treated as fallible: callers skip failed
// instruments rather than retrying indefinitely.
type Provider struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewProvider creates a provider client with a short timeout.
func NewProvider(baseURL string, log zerolog.Logger) *Provider {
	return &Provider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "price_provider").Logger(),
	}
}

// providerRow is one row of the provider's daily history response.
type providerRow struct {
	Date     string  `json:"date"`
	AdjClose float64 `json:"adj_close"`
}

// FetchDaily fetches the adjusted-close series for one ticker and date range.
func (p *Provider) FetchDaily(ctx context.Context, ticker, fromDate, toDate string) ([]universe.PricePoint, error) {
	u := fmt.Sprintf("%s/history?ticker=%s&from=%s&to=%s",
		p.baseURL, url.QueryEscape(ticker), url.QueryEscape(fromDate), url.QueryEscape(toDate))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var rows []providerRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to parse provider response: %w", err)
	}

	points := make([]universe.PricePoint, 0, len(rows))
	for _, row := range rows {
		if row.AdjClose <= 0 || len(row.Date) != 10 {
			continue
		}
		points = append(points, universe.PricePoint{Date: row.Date, NAV: row.AdjClose})
	}
	return points, nil
}

// FetchBatch fetches many tickers with bounded concurrency. Results are keyed
// by identifier, never by arrival order, so merging is deterministic. Failed
// instruments appear in the error map and are simply absent from the series map.
func (p *Provider) FetchBatch(ctx context.Context, tickers []string, fromDate, toDate string) (map[string][]universe.PricePoint, map[string]error) {
	series := make(map[string][]universe.PricePoint, len(tickers))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			points, err := p.FetchDaily(gctx, ticker, fromDate, toDate)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[ticker] = err
				return nil // fetch failure is non-fatal, skip the asset
			}
			series[ticker] = points
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		p.log.Warn().
			Int("failed", len(failures)).
			Int("fetched", len(series)).
			Msg("Some provider fetches failed")
	}
	return series, failures
}
