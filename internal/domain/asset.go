// Package domain contains the core types shared across the engine.
// Asset metadata is normalized into these structs at the data-store boundary
// so downstream components never branch on raw field presence.
package domain

import "strings"

// Bucket is the asset-class bucket an instrument belongs to.
// Every asset is classified into exactly one bucket.
type Bucket string

const (
	BucketEquity      Bucket = "equity"
	BucketFixedIncome Bucket = "fixed_income"
	BucketMoneyMarket Bucket = "money_market"
	BucketMixed       Bucket = "mixed"
	BucketOther       Bucket = "other"
)

// AllBuckets lists every bucket in a stable order.
var AllBuckets = []Bucket{BucketEquity, BucketFixedIncome, BucketMoneyMarket, BucketMixed, BucketOther}

// Asset holds normalized classification metadata for one instrument.
type Asset struct {
	ISIN          string             `json:"isin"`
	Name          string             `json:"name,omitempty"`
	Bucket        Bucket             `json:"bucket"`
	EquityContent float64            `json:"equity_content"` // 0..1 share of equity exposure
	Regions       map[string]float64 `json:"regions,omitempty"`
	MarketCap     *float64           `json:"market_cap,omitempty"`
}

// bucketKeywords maps lowercase name fragments to buckets, checked in order.
var bucketKeywords = []struct {
	keyword string
	bucket  Bucket
}{
	{"money market", BucketMoneyMarket},
	{"cash", BucketMoneyMarket},
	{"treasury bill", BucketMoneyMarket},
	{"bond", BucketFixedIncome},
	{"fixed income", BucketFixedIncome},
	{"treasury", BucketFixedIncome},
	{"government", BucketFixedIncome},
	{"corporate debt", BucketFixedIncome},
	{"balanced", BucketMixed},
	{"mixed", BucketMixed},
	{"multi-asset", BucketMixed},
	{"allocation", BucketMixed},
	{"equity", BucketEquity},
	{"stock", BucketEquity},
	{"shares", BucketEquity},
	{"index", BucketEquity},
}

// ClassifyBucket resolves the bucket for an asset. An explicitly declared
// bucket wins; otherwise the fund name is matched against known keywords.
func ClassifyBucket(declared string, name string) Bucket {
	switch Bucket(strings.ToLower(strings.TrimSpace(declared))) {
	case BucketEquity, BucketFixedIncome, BucketMoneyMarket, BucketMixed, BucketOther:
		return Bucket(strings.ToLower(strings.TrimSpace(declared)))
	}

	lower := strings.ToLower(name)
	for _, kw := range bucketKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.bucket
		}
	}
	return BucketOther
}

// DefaultEquityContent returns the assumed equity exposure for a bucket when
// the instrument carries no explicit figure.
func DefaultEquityContent(b Bucket) float64 {
	switch b {
	case BucketEquity:
		return 1.0
	case BucketMixed:
		return 0.5
	default:
		return 0.0
	}
}
