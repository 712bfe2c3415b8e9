package riskmodel

import (
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianfund/meridian/internal/timeseries"
)

// tableFromReturns builds an aligned table whose daily returns are exactly the
// given per-asset sequences.
func tableFromReturns(returns map[string][]float64) timeseries.Table {
	var rows int
	for _, r := range returns {
		rows = len(r) + 1
		break
	}
	table := timeseries.Table{
		Dates:   make([]string, rows),
		Columns: make(map[string][]float64, len(returns)),
	}
	for i := range table.Dates {
		table.Dates[i] = fmt.Sprintf("2024-01-%02d", i+1)
	}
	for isin, r := range returns {
		prices := make([]float64, rows)
		prices[0] = 100
		for i, ret := range r {
			prices[i+1] = prices[i] * (1 + ret)
		}
		table.Columns[isin] = prices
	}
	return table
}

func constantReturns(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func alternatingReturns(amp float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

func TestEstimateAnnualizesMeanReturns(t *testing.T) {
	e := NewEstimator(zerolog.Nop())

	table := tableFromReturns(map[string][]float64{
		"IE00AAA00001": constantReturns(0.001, 60),
	})
	model, err := e.Estimate(table, []string{"IE00AAA00001"})
	require.NoError(t, err)

	// Arithmetic daily mean times 252, not compounded.
	assert.InDelta(t, 0.001*TradingDaysPerYear, model.Mu[0], 1e-9)
	assert.Equal(t, 0, model.Index("IE00AAA00001"))
	assert.Equal(t, -1, model.Index("IE00UNKNOWN0"))
}

func TestEstimateInsufficientRows(t *testing.T) {
	e := NewEstimator(zerolog.Nop())

	table := tableFromReturns(map[string][]float64{
		"IE00AAA00001": constantReturns(0.001, 10),
	})
	_, err := e.Estimate(table, []string{"IE00AAA00001"})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEstimateMissingColumn(t *testing.T) {
	e := NewEstimator(zerolog.Nop())

	table := tableFromReturns(map[string][]float64{
		"IE00AAA00001": constantReturns(0.001, 60),
	})
	_, err := e.Estimate(table, []string{"IE00AAA00001", "IE00GONE0001"})
	assert.Error(t, err)
}

func TestEstimateSigmaIsPSD(t *testing.T) {
	e := NewEstimator(zerolog.Nop())

	// Two perfectly inverse assets plus one flat: a degenerate covariance that
	// exercises the shrinkage and PSD repair paths.
	table := tableFromReturns(map[string][]float64{
		"IE00AAA00001": alternatingReturns(0.01, 80),
		"IE00BBB00002": alternatingReturns(-0.01, 80),
		"IE00CCC00003": constantReturns(0.0002, 80),
	})
	isins := []string{"IE00AAA00001", "IE00BBB00002", "IE00CCC00003"}
	model, err := e.Estimate(table, isins)
	require.NoError(t, err)
	require.Equal(t, 3, model.Sigma.SymmetricDim())

	var eig mat.EigenSym
	require.True(t, eig.Factorize(model.Sigma, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-9, "sigma must be positive semidefinite")
	}
}

func TestRepairPSDClipsNegativeEigenvalues(t *testing.T) {
	// Indefinite matrix: eigenvalues 3 and -1.
	sigma := mat.NewSymDense(2, []float64{1, 2, 2, 1})

	repaired := repairPSD(sigma)

	var eig mat.EigenSym
	require.True(t, eig.Factorize(repaired, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	// The dominant eigenstructure survives the clip.
	assert.InDelta(t, 2.0, repaired.At(0, 1), 0.6)
}

func TestRepairPSDLeavesPSDUntouched(t *testing.T) {
	sigma := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	repaired := repairPSD(sigma)
	assert.Equal(t, sigma, repaired)
}

func TestLedoitWolfShrinkagePullsTowardsTarget(t *testing.T) {
	sample := [][]float64{
		{0.04, 0.001},
		{0.001, 0.01},
	}
	shrunk, err := ledoitWolfShrinkage(sample)
	require.NoError(t, err)

	avgVar := (0.04 + 0.01) / 2
	// Diagonal entries move towards the average variance.
	assert.Less(t, shrunk[0][0], 0.04)
	assert.Greater(t, shrunk[1][1], 0.01)
	assert.Less(t, math.Abs(shrunk[0][0]-avgVar), math.Abs(0.04-avgVar))
}

func TestDailyReturns(t *testing.T) {
	returns := dailyReturns([]float64{100, 110, 99})
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.10, returns[0], 1e-12)
	assert.InDelta(t, -0.10, returns[1], 1e-12)

	assert.Nil(t, dailyReturns([]float64{100}))
}
