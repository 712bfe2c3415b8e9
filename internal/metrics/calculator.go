// Package metrics derives risk/return statistics either from a realized price
// series (backtesting, auditing) or directly from weights and a risk model
// (optimizer output).
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/meridianfund/meridian/internal/universe"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// MinSeriesPoints is the minimum series length for realized metrics. Shorter
// series yield ErrInsufficientData, not a computed-but-meaningless figure.
const MinSeriesPoints = 30

// VaRConfidence is the fixed confidence level for historical VaR/CVaR.
const VaRConfidence = 0.95

// ErrInsufficientData is returned for series too short to score.
var ErrInsufficientData = errors.New("insufficient data for metrics")

// SeriesMetrics are realized statistics from one price series.
//
// CAGR is compounded from total return over elapsed years; it reflects
// realized performance and is intentionally a different convention from the
// forward-looking arithmetic expectation used inside the optimizer.
type SeriesMetrics struct {
	CAGR         float64 `json:"cagr"`
	Volatility   float64 `json:"volatility"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	VaR95        float64 `json:"var_95"`
	CVaR95       float64 `json:"cvar_95"`
	Observations int     `json:"observations"`
}

// Calculator computes realized metrics.
type Calculator struct {
	log zerolog.Logger
}

// NewCalculator creates a calculator.
func NewCalculator(log zerolog.Logger) *Calculator {
	return &Calculator{log: log.With().Str("component", "metrics").Logger()}
}

// FromPrices computes realized metrics from a date-ascending price series.
func (c *Calculator) FromPrices(points []universe.PricePoint, riskFree float64) (*SeriesMetrics, error) {
	if len(points) < MinSeriesPoints {
		c.log.Debug().Int("points", len(points)).Msg("Series too short for metrics")
		return nil, fmt.Errorf("%w: %d points (need %d)", ErrInsufficientData, len(points), MinSeriesPoints)
	}

	returns := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev := points[i-1].NAV
		if prev <= 0 {
			continue
		}
		returns = append(returns, (points[i].NAV-prev)/prev)
	}
	if len(returns) < 2 {
		c.log.Debug().Int("returns", len(returns)).Msg("Too few usable returns for metrics")
		return nil, fmt.Errorf("%w: %d usable returns", ErrInsufficientData, len(returns))
	}

	volatility := stat.StdDev(returns, nil) * math.Sqrt(TradingDaysPerYear)
	cagr, err := compoundAnnualGrowth(points)
	if err != nil {
		return nil, err
	}

	sharpe := 0.0
	if volatility > 1e-10 {
		sharpe = (cagr - riskFree) / volatility
	}

	vaR, cvaR := historicalVaR(returns, VaRConfidence)

	return &SeriesMetrics{
		CAGR:         cagr,
		Volatility:   volatility,
		Sharpe:       sharpe,
		MaxDrawdown:  maxDrawdown(points),
		VaR95:        vaR,
		CVaR95:       cvaR,
		Observations: len(points),
	}, nil
}

// compoundAnnualGrowth computes CAGR from total return over elapsed years.
func compoundAnnualGrowth(points []universe.PricePoint) (float64, error) {
	first, last := points[0], points[len(points)-1]
	start, err := time.Parse("2006-01-02", first.Date)
	if err != nil {
		return 0, fmt.Errorf("bad start date %q: %w", first.Date, err)
	}
	end, err := time.Parse("2006-01-02", last.Date)
	if err != nil {
		return 0, fmt.Errorf("bad end date %q: %w", last.Date, err)
	}

	years := end.Sub(start).Hours() / 24 / 365.25
	if years <= 0 || first.NAV <= 0 {
		return 0, fmt.Errorf("%w: degenerate date range", ErrInsufficientData)
	}
	return math.Pow(last.NAV/first.NAV, 1/years) - 1, nil
}

// maxDrawdown is the worst peak-to-trough decline: min(price/runningMax - 1).
func maxDrawdown(points []universe.PricePoint) float64 {
	runningMax := points[0].NAV
	worst := 0.0
	for _, p := range points {
		if p.NAV > runningMax {
			runningMax = p.NAV
		}
		if runningMax > 0 {
			dd := p.NAV/runningMax - 1
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// historicalVaR computes the (1-confidence) percentile of daily returns and
// the mean of returns at or below it.
func historicalVaR(returns []float64, confidence float64) (vaR, cvaR float64) {
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	vaR = stat.Quantile(1-confidence, stat.Empirical, sorted, nil)

	var sum float64
	count := 0
	for _, r := range sorted {
		if r <= vaR {
			sum += r
			count++
		}
	}
	if count > 0 {
		cvaR = sum / float64(count)
	}
	return vaR, cvaR
}

// Quadratic computes the optimizer's reporting metrics from weights and the
// risk model: return = w'μ, volatility = sqrt(w'Σw), Sharpe from the given
// risk-free rate (zero when volatility vanishes). Using the quadratic forms
// guarantees the reported point lies exactly on the displayed frontier.
func Quadratic(weights, mu []float64, sigma *mat.SymDense, riskFree float64) (ret, vol, sharpe float64) {
	n := len(weights)
	for i := 0; i < n; i++ {
		ret += weights[i] * mu[i]
	}

	var variance float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += weights[i] * weights[j] * sigma.At(i, j)
		}
	}
	vol = math.Sqrt(math.Max(variance, 0))

	if vol > 1e-10 {
		sharpe = (ret - riskFree) / vol
	}
	return ret, vol, sharpe
}
