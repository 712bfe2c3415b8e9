package domain

// BucketRange bounds the aggregate weight of one asset-class bucket.
type BucketRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// RiskProfile maps a client risk level to a target volatility and a
// bucket-constraint table. Profiles are immutable, process-wide configuration.
type RiskProfile struct {
	Level            int
	TargetVolatility float64 // annualized
	SafetyBuffer     float64 // added to the target before solving
	MaxAssetWeight   float64 // default per-asset cap
	Buckets          map[Bucket]BucketRange
}

// profiles is the fixed level table. Levels 1-3 are defensive, 4-7 balanced,
// 8-10 aggressive (equity floor applies).
var profiles = map[int]RiskProfile{
	1:  {Level: 1, TargetVolatility: 0.03, Buckets: bucketTable(0.00, 0.10, 0.40, 1.00, 0.30, 1.00)},
	2:  {Level: 2, TargetVolatility: 0.045, Buckets: bucketTable(0.00, 0.20, 0.30, 1.00, 0.20, 0.90)},
	3:  {Level: 3, TargetVolatility: 0.06, Buckets: bucketTable(0.05, 0.30, 0.25, 0.90, 0.10, 0.80)},
	4:  {Level: 4, TargetVolatility: 0.08, Buckets: bucketTable(0.10, 0.45, 0.20, 0.80, 0.00, 0.60)},
	5:  {Level: 5, TargetVolatility: 0.10, Buckets: bucketTable(0.20, 0.60, 0.15, 0.70, 0.00, 0.50)},
	6:  {Level: 6, TargetVolatility: 0.12, Buckets: bucketTable(0.30, 0.70, 0.10, 0.60, 0.00, 0.40)},
	7:  {Level: 7, TargetVolatility: 0.14, Buckets: bucketTable(0.40, 0.80, 0.05, 0.50, 0.00, 0.30)},
	8:  {Level: 8, TargetVolatility: 0.16, Buckets: bucketTable(0.55, 0.95, 0.00, 0.35, 0.00, 0.20)},
	9:  {Level: 9, TargetVolatility: 0.18, Buckets: bucketTable(0.65, 1.00, 0.00, 0.25, 0.00, 0.15)},
	10: {Level: 10, TargetVolatility: 0.20, Buckets: bucketTable(0.75, 1.00, 0.00, 0.15, 0.00, 0.10)},
}

func bucketTable(eqMin, eqMax, fiMin, fiMax, mmMin, mmMax float64) map[Bucket]BucketRange {
	return map[Bucket]BucketRange{
		BucketEquity:      {Min: eqMin, Max: eqMax},
		BucketFixedIncome: {Min: fiMin, Max: fiMax},
		BucketMoneyMarket: {Min: mmMin, Max: mmMax},
		BucketMixed:       {Min: 0.0, Max: 0.50},
		BucketOther:       {Min: 0.0, Max: 0.20},
	}
}

// ProfileForLevel returns the profile for a risk level, clamping out-of-range
// levels into [1, 10].
func ProfileForLevel(level int) RiskProfile {
	if level < 1 {
		level = 1
	}
	if level > 10 {
		level = 10
	}
	p := profiles[level]
	p.SafetyBuffer = 0.01
	if level <= 7 {
		p.MaxAssetWeight = 0.40
	} else {
		p.MaxAssetWeight = 0.60
	}
	return p
}

// Aggressive reports whether the profile carries a binding equity floor.
func (p RiskProfile) Aggressive() bool {
	return p.Level >= 8
}

// EquityFloor returns the minimum aggregate equity-bucket weight.
func (p RiskProfile) EquityFloor() float64 {
	return p.Buckets[BucketEquity].Min
}
