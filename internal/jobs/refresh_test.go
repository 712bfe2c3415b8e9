package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfund/meridian/internal/marketdata"
	"github.com/meridianfund/meridian/internal/universe"

	_ "modernc.org/sqlite"
)

func seedStore(t *testing.T, count int) *universe.HistoryStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := universe.NewHistoryStore(db, zerolog.Nop())
	require.NoError(t, err)

	points := make([]universe.PricePoint, 35)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range points {
		points[i] = universe.PricePoint{Date: day.AddDate(0, 0, i).Format("2006-01-02"), NAV: 100}
	}
	for i := 0; i < count; i++ {
		_, err := store.Write(fmt.Sprintf("IE00SEED%04d", i), points, "seed", universe.ModeOverwrite)
		require.NoError(t, err)
	}
	return store
}

// providerStub serves a small fresh window for every ticker, optionally
// failing specific tickers.
func providerStub(t *testing.T, fail map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ticker := r.URL.Query().Get("ticker")
		if fail[ticker] {
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}
		rows := []map[string]interface{}{
			{"date": "2024-02-05", "adj_close": 101.0},
			{"date": "2024-02-06", "adj_close": 102.0},
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshRunCompletes(t *testing.T) {
	store := seedStore(t, 8)
	srv := providerStub(t, nil)

	log := zerolog.Nop()
	cache := marketdata.NewCache(store, false, log)
	provider := marketdata.NewProvider(srv.URL, log)

	// Warm one cache entry to verify invalidation.
	cache.Resolve([]string{"IE00SEED0000"})
	_, warmed := cache.Get("IE00SEED0000")
	require.True(t, warmed)

	r := NewRefresher(store, provider, cache, nil, 0, log)
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Complete())
	assert.Equal(t, 8, report.Total)
	assert.Equal(t, 8, report.Refreshed)
	assert.Equal(t, 8, report.Written, "every series gained new dates")
	assert.Empty(t, report.Failed)

	_, stillWarm := cache.Get("IE00SEED0000")
	assert.False(t, stillWarm, "refreshed entries are invalidated")

	doc, err := store.Get("IE00SEED0000")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-06", doc.Metadata.MaxDate, "fetched window merged into the stored series")
}

func TestRefreshRunPartialCompletionOnBudget(t *testing.T) {
	store := seedStore(t, 30) // two batches of 25 and 5
	srv := providerStub(t, nil)

	log := zerolog.Nop()
	cache := marketdata.NewCache(store, false, log)
	provider := marketdata.NewProvider(srv.URL, log)

	r := NewRefresher(store, provider, cache, nil, 90*time.Second, log)

	// Deterministic clock advancing one minute per observation: the second
	// batch's check lands past the 90s budget.
	base := time.Date(2024, 2, 7, 5, 30, 0, 0, time.UTC)
	calls := 0
	r.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * time.Minute)
	}

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Complete())
	assert.Equal(t, 30, report.Total)
	assert.Equal(t, 25, report.Refreshed, "first batch finished before the budget expired")
	assert.Len(t, report.Remaining, 5)
}

func TestRefreshRunRecordsFetchFailures(t *testing.T) {
	store := seedStore(t, 3)
	srv := providerStub(t, map[string]bool{"IE00SEED0001": true})

	log := zerolog.Nop()
	cache := marketdata.NewCache(store, false, log)
	provider := marketdata.NewProvider(srv.URL, log)

	r := NewRefresher(store, provider, cache, nil, 0, log)
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Complete())
	assert.Equal(t, 2, report.Refreshed)
	assert.Equal(t, []string{"IE00SEED0001"}, report.Failed)
}

func TestRefreshRunCancelledContext(t *testing.T) {
	store := seedStore(t, 5)
	srv := providerStub(t, nil)

	log := zerolog.Nop()
	cache := marketdata.NewCache(store, false, log)
	provider := marketdata.NewProvider(srv.URL, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRefresher(store, provider, cache, nil, 0, log)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Remaining, 5, "nothing attempted after cancellation")
}
