// Package riskmodel converts an aligned price table into the expected-return
// vector and covariance matrix the optimizer consumes.
package riskmodel

import (
	"errors"
	"fmt"
	"math"

	"github.com/meridianfund/meridian/internal/timeseries"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// MinObservations is the minimum aligned row count for estimation.
const MinObservations = 30

// ErrInsufficientData is returned when the table is too short to estimate from.
var ErrInsufficientData = errors.New("insufficient observations for risk model")

// Model holds the estimated inputs for one optimization call.
//
// Mu is the annualized arithmetic mean of simple daily returns. This is
// deliberately not compounded: it stays consistent with the quadratic-form
// volatility w'Σw. Realized CAGR lives in the metrics package and must not
// be mixed with these figures.
type Model struct {
	ISINs []string
	Mu    []float64
	Sigma *mat.SymDense // annualized, PSD-repaired
}

// Index returns the position of an instrument in the model's ordering, or -1.
func (m *Model) Index(isin string) int {
	for i, id := range m.ISINs {
		if id == isin {
			return i
		}
	}
	return -1
}

// Estimator builds risk models from aligned tables.
type Estimator struct {
	log zerolog.Logger
}

// NewEstimator creates an estimator.
func NewEstimator(log zerolog.Logger) *Estimator {
	return &Estimator{log: log.With().Str("component", "risk_model").Logger()}
}

// Estimate computes (μ, Σ) over the given instruments from an aligned table.
func (e *Estimator) Estimate(table timeseries.Table, isins []string) (*Model, error) {
	if len(isins) == 0 {
		return nil, fmt.Errorf("no instruments provided")
	}
	if table.NumRows() < MinObservations {
		return nil, fmt.Errorf("%w: %d rows (need %d)", ErrInsufficientData, table.NumRows(), MinObservations)
	}

	returns := make(map[string][]float64, len(isins))
	for _, isin := range isins {
		prices, ok := table.Columns[isin]
		if !ok {
			return nil, fmt.Errorf("missing aligned column for %s", isin)
		}
		returns[isin] = dailyReturns(prices)
	}

	n := len(isins)
	mu := make([]float64, n)
	for i, isin := range isins {
		mu[i] = stat.Mean(returns[isin], nil) * TradingDaysPerYear
	}

	sampleCov, err := sampleCovariance(returns, isins)
	if err != nil {
		return nil, err
	}

	// Shrinkage stabilizes small universes; if it fails, fall back to the
	// raw sample covariance rather than erroring.
	cov, err := ledoitWolfShrinkage(sampleCov)
	if err != nil {
		e.log.Warn().Err(err).Msg("Shrinkage failed, using raw sample covariance")
		cov = sampleCov
	}

	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sigma.SetSym(i, j, cov[i][j]*TradingDaysPerYear)
		}
	}

	repaired := repairPSD(sigma)

	e.log.Debug().
		Int("instruments", n).
		Int("observations", table.NumRows()-1).
		Msg("Estimated risk model")

	return &Model{ISINs: isins, Mu: mu, Sigma: repaired}, nil
}

// dailyReturns computes simple daily returns from a gap-filled price column.
func dailyReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 && !math.IsNaN(prices[i]) && !math.IsNaN(prices[i-1]) {
			out[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return out
}

// sampleCovariance computes the sample covariance matrix of daily returns.
func sampleCovariance(returns map[string][]float64, isins []string) ([][]float64, error) {
	var length int
	for _, isin := range isins {
		r := returns[isin]
		if length == 0 {
			length = len(r)
		}
		if len(r) != length {
			return nil, fmt.Errorf("inconsistent return lengths for %s: %d vs %d", isin, len(r), length)
		}
	}
	if length < 2 {
		return nil, fmt.Errorf("%w: %d return observations", ErrInsufficientData, length)
	}

	n := len(isins)
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := stat.Covariance(returns[isins[i]], returns[isins[j]], nil)
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return cov, nil
}

// ledoitWolfShrinkage shrinks the sample covariance towards a constant
// correlation target.
//
// Reference: Ledoit, O., & Wolf, M. (2004). "A well-conditioned estimator for
// large-dimensional covariance matrices"
func ledoitWolfShrinkage(sampleCov [][]float64) ([][]float64, error) {
	n := len(sampleCov)
	if n == 0 {
		return nil, fmt.Errorf("empty covariance matrix")
	}
	if n == 1 {
		return sampleCov, nil
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sampleCov[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sampleCov[i][j]
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		if avgVar > 0 {
			return avgCov
		}
		return 0
	}

	// Simplified shrinkage intensity from the dispersion of the sample
	// covariance around the target.
	shrinkage := 0.2
	if avgVar > 0 {
		var sumSqDiff, sumSq, sum float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := sampleCov[i][j] - target(i, j)
				sumSqDiff += diff * diff
				sum += sampleCov[i][j]
				sumSq += sampleCov[i][j] * sampleCov[i][j]
			}
		}
		count := float64(n * n)
		meanSq := sumSqDiff / count
		mean := sum / count
		variance := sumSq/count - mean*mean
		if variance > 0 && meanSq > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, variance/(variance+meanSq)))
		}
	}

	shrunk := make([][]float64, n)
	for i := 0; i < n; i++ {
		shrunk[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			shrunk[i][j] = (1-shrinkage)*sampleCov[i][j] + shrinkage*target(i, j)
		}
	}
	return shrunk, nil
}

// repairPSD projects a symmetric matrix to the nearest positive-semidefinite
// matrix by clipping negative eigenvalues. Degenerate data and floating-point
// artifacts must never reach the solver raw.
func repairPSD(sigma *mat.SymDense) *mat.SymDense {
	n := sigma.SymmetricDim()

	var eig mat.EigenSym
	if ok := eig.Factorize(sigma, true); !ok {
		// Factorization failure: fall back to a diagonal-loaded copy.
		out := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				out.SetSym(i, j, sigma.At(i, j))
			}
			out.SetSym(i, i, sigma.At(i, i)+1e-8)
		}
		return out
	}

	values := eig.Values(nil)
	negative := false
	for _, v := range values {
		if v < 0 {
			negative = true
			break
		}
	}
	if !negative {
		return sigma
	}

	const floor = 1e-10
	for i, v := range values {
		if v < floor {
			values[i] = floor
		}
	}

	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Reconstruct V * diag(values) * V'.
	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vectors.At(i, j)*values[j])
		}
	}
	var product mat.Dense
	product.Mul(scaled, vectors.T())

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// Average the off-diagonal pair to keep exact symmetry.
			out.SetSym(i, j, 0.5*(product.At(i, j)+product.At(j, i)))
		}
	}
	return out
}
