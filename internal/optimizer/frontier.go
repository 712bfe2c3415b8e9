package optimizer

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// FrontierPoints is the number of samples traced along the efficient frontier.
const FrontierPoints = 20

// traceFrontier samples the efficient frontier between the minimum-volatility
// portfolio's return and the highest single-asset expected return, under the
// same constraints as the main solve. Points whose target-return solve fails
// are skipped; an empty slice means the frontier could not be traced at all.
func traceFrontier(mu []float64, sigma *mat.SymDense, cs constraintSet) []FrontierPoint {
	if len(mu) < 2 {
		return nil
	}

	wMin, err := solvePenalty(mu, sigma, cs, objMinVolatility, 0)
	if err != nil {
		return nil
	}
	retLow := dot(mu, wMin)

	retHigh := mu[0]
	for _, m := range mu[1:] {
		retHigh = math.Max(retHigh, m)
	}
	if retHigh <= retLow {
		vol := portfolioVolatility(wMin, sigma)
		return []FrontierPoint{{Volatility: vol, Return: retLow}}
	}

	points := make([]FrontierPoint, 0, FrontierPoints)
	step := (retHigh - retLow) / float64(FrontierPoints-1)
	for i := 0; i < FrontierPoints; i++ {
		target := retLow + float64(i)*step
		w, err := solvePenalty(mu, sigma, cs, objTargetReturn, target)
		if err != nil {
			continue
		}
		points = append(points, FrontierPoint{
			Volatility: portfolioVolatility(w, sigma),
			Return:     dot(mu, w),
		})
	}
	return points
}

func portfolioVolatility(w []float64, sigma *mat.SymDense) float64 {
	n := len(w)
	var variance float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += w[i] * w[j] * sigma.At(i, j)
		}
	}
	return math.Sqrt(math.Max(variance, 0))
}
