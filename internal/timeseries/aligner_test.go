package timeseries

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfund/meridian/internal/universe"
)

func TestBusinessDaysSkipsWeekends(t *testing.T) {
	// 2024-01-05 is a Friday, 2024-01-08 the following Monday.
	days := BusinessDays("2024-01-04", "2024-01-09")
	assert.Equal(t, []string{"2024-01-04", "2024-01-05", "2024-01-08", "2024-01-09"}, days)
}

func TestAlignFillsGapsForwardThenBackward(t *testing.T) {
	aligner := NewAligner(zerolog.Nop())

	series := map[string][]universe.PricePoint{
		// Full week.
		"IE00FULL0001": {
			{Date: "2024-01-01", NAV: 100},
			{Date: "2024-01-02", NAV: 101},
			{Date: "2024-01-03", NAV: 102},
			{Date: "2024-01-04", NAV: 103},
			{Date: "2024-01-05", NAV: 104},
		},
		// Starts later and has a mid-week hole.
		"IE00GAPS0001": {
			{Date: "2024-01-02", NAV: 50},
			{Date: "2024-01-04", NAV: 52},
		},
	}
	table, dropped := aligner.Align(series, AlignOptions{})
	assert.Empty(t, dropped)
	require.Equal(t, 5, table.NumRows())

	gaps := table.Columns["IE00GAPS0001"]
	require.Len(t, gaps, 5)
	assert.Equal(t, 50.0, gaps[0], "leading gap back-filled from first observation")
	assert.Equal(t, 50.0, gaps[1])
	assert.Equal(t, 50.0, gaps[2], "interior gap forward-filled")
	assert.Equal(t, 52.0, gaps[3])
	assert.Equal(t, 52.0, gaps[4], "trailing gap forward-filled")
}

func TestAlignCollapsesDuplicateDates(t *testing.T) {
	aligner := NewAligner(zerolog.Nop())

	series := map[string][]universe.PricePoint{
		"IE00DUPE0001": {
			{Date: "2024-01-02", NAV: 100},
			{Date: "2024-01-02", NAV: 105}, // later observation wins
			{Date: "2024-01-03", NAV: 106},
		},
	}
	table, _ := aligner.Align(series, AlignOptions{})
	require.Equal(t, 2, table.NumRows())
	assert.Equal(t, 105.0, table.Columns["IE00DUPE0001"][0])
}

func TestAlignTrailingWindow(t *testing.T) {
	aligner := NewAligner(zerolog.Nop())

	// Five years of weekday data ending at a fixed date.
	end := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
	var points []universe.PricePoint
	for d := end.AddDate(-5, 0, 0); !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		points = append(points, universe.PricePoint{Date: d.Format("2006-01-02"), NAV: 100})
	}
	table, _ := aligner.Align(map[string][]universe.PricePoint{"IE00LONG0001": points}, AlignOptions{
		WindowDays: StandardWindowDays,
	})

	require.NotZero(t, table.NumRows())
	cutoff := end.AddDate(0, 0, -StandardWindowDays).Format("2006-01-02")
	assert.GreaterOrEqual(t, table.Dates[0], cutoff, "rows before the window cutoff are discarded")
	assert.Equal(t, "2024-06-28", table.Dates[len(table.Dates)-1])
}

func TestAlignDropsColumnsBelowCoverage(t *testing.T) {
	aligner := NewAligner(zerolog.Nop())

	var full []universe.PricePoint
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; len(full) < 100; i++ {
		day := d.AddDate(0, 0, i)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		full = append(full, universe.PricePoint{Date: day.Format("2006-01-02"), NAV: 100 + float64(i)})
	}

	series := map[string][]universe.PricePoint{
		"IE00FULL0001": full,
		// A single real observation over the same span: coverage far below 10%.
		"IE00THIN0001": {{Date: full[0].Date, NAV: 42}},
	}
	table, dropped := aligner.Align(series, AlignOptions{})
	assert.Equal(t, []string{"IE00THIN0001"}, dropped)
	assert.NotContains(t, table.Columns, "IE00THIN0001")
	assert.Contains(t, table.Columns, "IE00FULL0001")
}

func TestAlignStrictDropsGapRows(t *testing.T) {
	aligner := NewAligner(zerolog.Nop())

	// Second column covers only part of the range so strict mode trims rows.
	series := map[string][]universe.PricePoint{
		"IE00AAAA0001": {
			{Date: "2024-01-01", NAV: 100},
			{Date: "2024-01-02", NAV: 101},
			{Date: "2024-01-03", NAV: 102},
		},
		"IE00BBBB0001": {
			{Date: "2024-01-02", NAV: 50},
			{Date: "2024-01-03", NAV: 51},
		},
	}
	table, _ := aligner.Align(series, AlignOptions{Strict: true})

	// Back-fill closes the leading gap here, so nothing is NaN and all rows
	// survive; strict mode only removes rows that remain gapped.
	require.Equal(t, 3, table.NumRows())
	for _, col := range table.Columns {
		for _, v := range col {
			assert.False(t, math.IsNaN(v))
		}
	}
}

func TestAlignEmptyInput(t *testing.T) {
	aligner := NewAligner(zerolog.Nop())
	table, dropped := aligner.Align(nil, AlignOptions{})
	assert.Zero(t, table.NumRows())
	assert.Empty(t, dropped)
}

func BenchmarkAlign(b *testing.B) {
	aligner := NewAligner(zerolog.Nop())
	series := make(map[string][]universe.PricePoint, 20)
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		var points []universe.PricePoint
		for d := 0; d < 1200; d++ {
			day := start.AddDate(0, 0, d)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			points = append(points, universe.PricePoint{Date: day.Format("2006-01-02"), NAV: 100})
		}
		series[fmt.Sprintf("IE00BENCH%03d", i)] = points
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		aligner.Align(series, AlignOptions{WindowDays: StandardWindowDays})
	}
}
