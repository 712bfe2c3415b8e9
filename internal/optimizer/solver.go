package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

type objectiveKind int

const (
	objMinVolatility objectiveKind = iota
	objMaxSharpe
	objTargetVolatility
	objTargetReturn
)

const penaltyWeight = 1000.0

// solvePenalty runs a penalty-method mean-variance solve for the given
// objective. target carries the volatility or return level for the target
// objectives and the risk-free rate for max Sharpe. The returned weights are
// projected to bounds and normalized to sum to one.
func solvePenalty(mu []float64, sigma *mat.SymDense, cs constraintSet, kind objectiveKind, target float64) ([]float64, error) {
	n := len(mu)
	if n == 0 {
		return nil, fmt.Errorf("empty universe")
	}
	if n == 1 {
		return []float64{1.0}, nil
	}

	sigmaW := func(w []float64) []float64 {
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				out[i] += sigma.At(i, j) * w[j]
			}
		}
		return out
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			w := projectToBounds(x, cs.minW, cs.maxW)

			sw := sigmaW(w)
			variance := dot(w, sw)
			ret := dot(mu, w)

			var obj float64
			switch kind {
			case objMinVolatility:
				obj = variance
			case objMaxSharpe:
				vol := math.Sqrt(math.Max(variance, 1e-12))
				obj = -(ret - target) / vol
			case objTargetVolatility:
				vol := math.Sqrt(math.Max(variance, 1e-12))
				obj = -ret + penaltyWeight*(vol-target)*(vol-target)
			case objTargetReturn:
				obj = variance + penaltyWeight*(ret-target)*(ret-target)
			}

			sum := 0.0
			for i := range w {
				sum += w[i]
			}
			obj += penaltyWeight * (sum - 1.0) * (sum - 1.0)
			obj += penaltyWeight * cs.penalty(w)
			obj += cs.divPenalty * dot(w, w)
			return obj
		},
		Grad: func(grad, x []float64) {
			w := projectToBounds(x, cs.minW, cs.maxW)

			sw := sigmaW(w)
			variance := dot(w, sw)
			ret := dot(mu, w)

			switch kind {
			case objMinVolatility:
				for i := range grad {
					grad[i] = 2 * sw[i]
				}
			case objMaxSharpe:
				vol := math.Sqrt(math.Max(variance, 1e-12))
				excess := ret - target
				for i := range grad {
					grad[i] = -mu[i]/vol + excess*sw[i]/(vol*vol*vol)
				}
			case objTargetVolatility:
				vol := math.Sqrt(math.Max(variance, 1e-12))
				for i := range grad {
					grad[i] = -mu[i] + 2*penaltyWeight*(vol-target)*sw[i]/vol
				}
			case objTargetReturn:
				for i := range grad {
					grad[i] = 2*sw[i] + 2*penaltyWeight*(ret-target)*mu[i]
				}
			}

			sum := 0.0
			for i := range w {
				sum += w[i]
			}
			for i := range grad {
				grad[i] += 2 * penaltyWeight * (sum - 1.0)
				grad[i] += 2 * cs.divPenalty * w[i]
			}
			cs.addPenaltyGradient(grad, w, penaltyWeight)
		},
	}

	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
	if err != nil || !converged(result.Status) {
		// Gradient methods stall on the kinked penalty surface sometimes.
		result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
		if err != nil {
			return nil, fmt.Errorf("optimization failed: %w", err)
		}
		if !converged(result.Status) {
			return nil, fmt.Errorf("optimization did not converge: status=%v", result.Status)
		}
	}

	w := projectToBounds(result.X, cs.minW, cs.maxW)
	normalize(w)
	if !finite(w) {
		return nil, fmt.Errorf("optimization produced non-finite weights")
	}
	return w, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence:
		return true
	}
	return false
}

func projectToBounds(x, minW, maxW []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = math.Min(math.Max(x[i], minW[i]), maxW[i])
	}
	return out
}

func normalize(w []float64) {
	sum := 0.0
	for i := range w {
		if w[i] < 0 {
			w[i] = 0
		}
		sum += w[i]
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1.0 / float64(len(w))
		}
		return
	}
	for i := range w {
		w[i] /= sum
	}
}

func finite(w []float64) bool {
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}
