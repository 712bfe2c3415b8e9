package universe

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyDetectorScan(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	detector := NewAnomalyDetector(0.25, log)

	points := []PricePoint{
		{Date: "2024-01-01", NAV: 100.0},
		{Date: "2024-01-02", NAV: 102.0}, // +2%, fine
		{Date: "2024-01-03", NAV: 140.0}, // +37%, flagged
		{Date: "2024-01-04", NAV: 100.0}, // -29%, flagged
		{Date: "2024-01-05", NAV: 101.0},
	}
	anomalies := detector.Scan(points)
	require.Len(t, anomalies, 2)

	assert.Equal(t, "2024-01-03", anomalies[0].Date)
	assert.InDelta(t, 0.3725, anomalies[0].Change, 1e-4)
	assert.Equal(t, "2024-01-04", anomalies[1].Date)
	assert.Negative(t, anomalies[1].Change)
	assert.Equal(t, 0.25, anomalies[1].CutoffUsed)
}

func TestAnomalyDetectorCleanSeries(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	detector := NewAnomalyDetector(0, log) // default cutoff

	points := []PricePoint{
		{Date: "2024-01-01", NAV: 100.0},
		{Date: "2024-01-02", NAV: 101.0},
	}
	assert.Empty(t, detector.Scan(points))
	assert.Empty(t, detector.Scan(nil))
}
