package marketdata

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/meridianfund/meridian/internal/universe"
)

// SyntheticSeries generates a deterministic geometric random walk for demo
// and degraded-mode fallbacks. Seeded from the identifier so repeated calls
// produce the same series. Never blended into real metrics unflagged.
func SyntheticSeries(isin string, days int) []universe.PricePoint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(isin))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	// Modest drift and volatility so demo portfolios look plausible.
	const (
		annualDrift = 0.05
		annualVol   = 0.15
		tradingDays = 252.0
	)
	dailyDrift := annualDrift / tradingDays
	dailyVol := annualVol / math.Sqrt(tradingDays)

	points := make([]universe.PricePoint, 0, days)
	price := 80.0 + rng.Float64()*40.0
	day := time.Now().UTC().AddDate(0, 0, -days)

	for len(points) < days {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		price *= math.Exp(dailyDrift - 0.5*dailyVol*dailyVol + dailyVol*rng.NormFloat64())
		points = append(points, universe.PricePoint{
			Date: day.Format("2006-01-02"),
			NAV:  math.Round(price*10000) / 10000,
		})
	}
	return points
}
