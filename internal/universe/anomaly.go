package universe

import (
	"math"

	"github.com/rs/zerolog"
)

// DefaultDailyChangeCutoff flags any single-day move beyond 25% as anomalous.
const DefaultDailyChangeCutoff = 0.25

// Anomaly records one suspicious day-over-day move in a stored series.
// Anomalies are surfaced for data-quality auditing; they are never silently
// fed into optimization.
type Anomaly struct {
	Date       string  `json:"date"`
	PrevNAV    float64 `json:"prev_nav"`
	NAV        float64 `json:"nav"`
	Change     float64 `json:"change"` // signed fractional change
	ChangeAbs  float64 `json:"change_abs"`
	CutoffUsed float64 `json:"cutoff_used"`
}

// AnomalyDetector validates series quality with a threshold rule on daily changes.
type AnomalyDetector struct {
	cutoff float64
	log    zerolog.Logger
}

// NewAnomalyDetector creates a detector. cutoff <= 0 selects the default.
func NewAnomalyDetector(cutoff float64, log zerolog.Logger) *AnomalyDetector {
	if cutoff <= 0 {
		cutoff = DefaultDailyChangeCutoff
	}
	return &AnomalyDetector{
		cutoff: cutoff,
		log:    log.With().Str("component", "anomaly_detector").Logger(),
	}
}

// Scan returns every point whose day-over-day change exceeds the cutoff.
// The series must be date-ascending (the store guarantees this).
func (d *AnomalyDetector) Scan(points []PricePoint) []Anomaly {
	var anomalies []Anomaly
	for i := 1; i < len(points); i++ {
		prev := points[i-1].NAV
		if prev <= 0 {
			continue
		}
		change := (points[i].NAV - prev) / prev
		if math.Abs(change) > d.cutoff {
			anomalies = append(anomalies, Anomaly{
				Date:       points[i].Date,
				PrevNAV:    prev,
				NAV:        points[i].NAV,
				Change:     change,
				ChangeAbs:  math.Abs(change),
				CutoffUsed: d.cutoff,
			})
		}
	}
	if len(anomalies) > 0 {
		d.log.Warn().
			Int("anomalies", len(anomalies)).
			Float64("cutoff", d.cutoff).
			Msg("Detected anomalous daily price moves")
	}
	return anomalies
}
