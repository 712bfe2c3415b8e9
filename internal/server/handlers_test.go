package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfund/meridian/internal/marketdata"
	"github.com/meridianfund/meridian/internal/metrics"
	"github.com/meridianfund/meridian/internal/optimizer"
	"github.com/meridianfund/meridian/internal/rates"
	"github.com/meridianfund/meridian/internal/riskmodel"
	"github.com/meridianfund/meridian/internal/timeseries"
	"github.com/meridianfund/meridian/internal/universe"

	_ "modernc.org/sqlite"
)

type fixedRateSource struct{ rate float64 }

func (f fixedRateSource) Latest(ctx context.Context) (float64, string, error) {
	return f.rate, "stub", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := zerolog.Nop()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := universe.NewHistoryStore(db, log)
	require.NoError(t, err)
	for _, isin := range []string{"IE00AAA00001", "IE00BBB00002", "IE00CCC00003"} {
		_, err := store.Write(isin, marketdata.SyntheticSeries(isin, 400), "seed", universe.ModeOverwrite)
		require.NoError(t, err)
	}

	cache := marketdata.NewCache(store, false, log)
	rateProvider, err := rates.NewProvider(fixedRateSource{rate: 0.025}, nil, 6, 0.02, log)
	require.NoError(t, err)

	svc := optimizer.NewService(
		cache,
		timeseries.NewAligner(log),
		riskmodel.NewEstimator(log),
		rateProvider,
		nil,
		log,
	)

	return New(Config{
		Port:      0,
		Log:       log,
		Optimizer: svc,
		Metrics:   metrics.NewCalculator(log),
		Cache:     cache,
		Store:     store,
		Rates:     rateProvider,
	})
}

func TestHandleHealth(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["instruments"])
}

func TestHandleOptimize(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	payload, _ := json.Marshal(optimizer.Request{
		Assets:             []string{"IE00AAA00001", "IE00BBB00002", "IE00CCC00003"},
		RiskLevel:          5,
		DisableBucketRules: true,
	})
	resp, err := http.Post(srv.URL+"/api/optimize", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result optimizer.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.NotEmpty(t, result.RequestID)
	assert.Len(t, result.Weights, 3)

	var sum float64
	for _, w := range result.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Equal(t, 0.025, result.Metrics.RiskFreeRate)
}

func TestHandleOptimizeValidation(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"empty assets", `{"assets":[],"risk_level":5}`},
		{"risk level out of range", `{"assets":["IE00AAA00001"],"risk_level":11}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/optimize", "application/json", bytes.NewBufferString(tc.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandleSeriesMetrics(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics/IE00AAA00001")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ISIN      string                 `json:"isin"`
		Synthetic bool                   `json:"synthetic"`
		Metrics   map[string]interface{} `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "IE00AAA00001", body.ISIN)
	assert.False(t, body.Synthetic)
	assert.Contains(t, body.Metrics, "cagr")
	assert.Contains(t, body.Metrics, "max_drawdown")
}

func TestHandleSeriesMetricsNotFound(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics/IE00GONE0001")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleRiskFreeRate(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/rates/risk-free")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0.025, body["rate"])
}

func TestHandleRefreshNotConfigured(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/jobs/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleListUniverse(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/universe")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count int      `json:"count"`
		ISINs []string `json:"isins"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body.Count)
	assert.Contains(t, body.ISINs, "IE00AAA00001")
}
