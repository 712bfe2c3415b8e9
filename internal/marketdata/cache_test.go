package marketdata

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfund/meridian/internal/universe"
)

// fakeSource is an in-memory SeriesSource that counts batched reads.
type fakeSource struct {
	docs  map[string]*universe.HistoryDocument
	calls int
	err   error
}

func (f *fakeSource) GetMany(isins []string) (map[string]*universe.HistoryDocument, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*universe.HistoryDocument)
	for _, isin := range isins {
		if doc, ok := f.docs[isin]; ok {
			out[isin] = doc
		}
	}
	return out, nil
}

func docWithPoints(n int) *universe.HistoryDocument {
	points := make([]universe.PricePoint, n)
	for i := range points {
		points[i] = universe.PricePoint{
			Date: fmt.Sprintf("2024-%02d-%02d", i/28+1, i%28+1),
			NAV:  100 + float64(i),
		}
	}
	return &universe.HistoryDocument{History: points, SchemaVersion: universe.SchemaVersion}
}

func TestCacheResolveBatchesAndMemoizes(t *testing.T) {
	source := &fakeSource{docs: map[string]*universe.HistoryDocument{
		"IE00AAA00001": docWithPoints(60),
		"IE00BBB00002": docWithPoints(60),
	}}
	cache := NewCache(source, false, zerolog.Nop())

	series, report := cache.Resolve([]string{"IE00AAA00001", "IE00BBB00002"})
	require.Len(t, series, 2)
	assert.Empty(t, report.Missing)
	assert.Equal(t, 1, source.calls, "all misses go through one batched read")

	// Second resolve is served entirely from the memory tier.
	series, _ = cache.Resolve([]string{"IE00AAA00001", "IE00BBB00002"})
	require.Len(t, series, 2)
	assert.Equal(t, 1, source.calls)
}

func TestCacheResolveExcludesThinSeries(t *testing.T) {
	source := &fakeSource{docs: map[string]*universe.HistoryDocument{
		"IE00AAA00001": docWithPoints(60),
		"IE00THIN0001": docWithPoints(MinUsablePoints - 1),
	}}
	cache := NewCache(source, false, zerolog.Nop())

	series, report := cache.Resolve([]string{"IE00AAA00001", "IE00THIN0001"})
	require.Len(t, series, 1)
	assert.Equal(t, []string{"IE00THIN0001"}, report.Missing)

	// Thin series never enter the memory tier.
	_, ok := cache.Get("IE00THIN0001")
	assert.False(t, ok)
}

func TestCacheResolveMissingWithoutDemoMode(t *testing.T) {
	source := &fakeSource{docs: map[string]*universe.HistoryDocument{}}
	cache := NewCache(source, false, zerolog.Nop())

	series, report := cache.Resolve([]string{"IE00GONE0001"})
	assert.Empty(t, series)
	assert.Equal(t, []string{"IE00GONE0001"}, report.Missing)
	assert.Empty(t, report.Synthetic)
}

func TestCacheResolveSyntheticInDemoMode(t *testing.T) {
	source := &fakeSource{docs: map[string]*universe.HistoryDocument{}}
	cache := NewCache(source, true, zerolog.Nop())

	series, report := cache.Resolve([]string{"IE00GONE0001"})
	require.Contains(t, series, "IE00GONE0001")
	assert.GreaterOrEqual(t, len(series["IE00GONE0001"]), MinUsablePoints)
	assert.Equal(t, []string{"IE00GONE0001"}, report.Synthetic)
	assert.Empty(t, report.Missing, "synthetic series are flagged, not missing")
}

func TestCacheInvalidate(t *testing.T) {
	source := &fakeSource{docs: map[string]*universe.HistoryDocument{
		"IE00AAA00001": docWithPoints(60),
	}}
	cache := NewCache(source, false, zerolog.Nop())

	cache.Resolve([]string{"IE00AAA00001"})
	require.Equal(t, 1, source.calls)

	cache.Invalidate("IE00AAA00001")
	cache.Resolve([]string{"IE00AAA00001"})
	assert.Equal(t, 2, source.calls, "invalidated entry is re-read from the store")
}

func TestSyntheticSeriesDeterministic(t *testing.T) {
	a := SyntheticSeries("IE00DEMO0001", 100)
	b := SyntheticSeries("IE00DEMO0001", 100)
	other := SyntheticSeries("IE00DEMO0002", 100)

	require.Equal(t, a, b, "same instrument must produce the same series")
	assert.NotEqual(t, a, other)
	require.Len(t, a, 100)
	for i, p := range a {
		assert.Positive(t, p.NAV)
		if i > 0 {
			assert.Greater(t, p.Date, a[i-1].Date)
		}
	}
}
