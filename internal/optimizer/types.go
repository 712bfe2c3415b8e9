// Package optimizer produces portfolio weights maximizing risk-adjusted
// return subject to bucket, cap and lock constraints, with graceful
// degradation instead of user-facing failures.
package optimizer

import (
	"github.com/meridianfund/meridian/internal/domain"
)

// Objective is an explicit solve-objective override.
type Objective string

const (
	ObjectiveMaxSharpe        Objective = "max_sharpe"
	ObjectiveMinVolatility    Objective = "min_volatility"
	ObjectiveTargetVolatility Objective = "target_volatility"
)

// Request describes one optimization call. Transient, created per call.
type Request struct {
	ID                 string                  `json:"id,omitempty"`
	Assets             []string                `json:"assets"`
	RiskLevel          int                     `json:"risk_level"`
	MaxWeight          float64                 `json:"max_weight,omitempty"` // 0 = profile default
	Cutoff             float64                 `json:"cutoff,omitempty"`     // weights below it are zeroed; 0 = default
	Objective          Objective               `json:"objective,omitempty"`  // empty = profile-driven ladder
	DisableBucketRules bool                    `json:"disable_bucket_rules,omitempty"`
	AutoExpand         bool                    `json:"auto_expand,omitempty"`
	LockedAssets       []string                `json:"locked_assets,omitempty"`
	Metadata           map[string]domain.Asset `json:"metadata,omitempty"`
	RegionFloors       map[string]float64      `json:"region_floors,omitempty"`
	RegionCaps         map[string]float64      `json:"region_caps,omitempty"`
}

// Status is the degradation level of a result.
type Status string

const (
	StatusOptimal                Status = "optimal"
	StatusFallback               Status = "fallback"
	StatusInfeasibleEquityFloor  Status = "infeasible_equity_floor"
	StatusAutoExpandNoCandidates Status = "auto_expand_no_candidates"
	StatusNoHistory              Status = "no_history"
)

// SolvePath records which rung of the solve ladder produced the weights.
type SolvePath string

const (
	PathNone               SolvePath = "none"
	PathDirectObjective    SolvePath = "direct_objective"
	PathVolatilityTarget   SolvePath = "volatility_target"
	PathRelaxedEquityFloor SolvePath = "relaxed_equity_floor"
	PathMinVolatility      SolvePath = "min_volatility"
	PathEqualWeight        SolvePath = "equal_weight"
)

// PortfolioMetrics are the quadratic-form figures for a weight vector:
// return = w'μ, volatility = sqrt(w'Σw). Always consistent with the frontier.
type PortfolioMetrics struct {
	Return       float64 `json:"return"`
	Volatility   float64 `json:"volatility"`
	Sharpe       float64 `json:"sharpe"`
	RiskFreeRate float64 `json:"risk_free_rate"`
}

// FrontierPoint is one sample of the efficient-frontier curve.
type FrontierPoint struct {
	Volatility float64 `json:"volatility"`
	Return     float64 `json:"return"`
}

// Result is the structured outcome of one optimization request. It is always
// returned, with Status reflecting the degradation level; it is immutable
// after construction.
type Result struct {
	RequestID        string                    `json:"request_id"`
	Status           Status                    `json:"status"`
	SolvePath        SolvePath                 `json:"solve_path"`
	Weights          map[string]float64        `json:"weights"` // dense: zero-weighted and missing assets included
	UsedAssets       []string                  `json:"used_assets"`
	MissingAssets    []string                  `json:"missing_assets"`
	DroppedAssets    []string                  `json:"dropped_assets"` // solved but zero-weighted
	AutoAddedAssets  []string                  `json:"auto_added_assets,omitempty"`
	SyntheticAssets  []string                  `json:"synthetic_assets,omitempty"`
	Metrics          PortfolioMetrics          `json:"metrics"`
	Buckets          map[domain.Bucket]float64 `json:"buckets"`
	Frontier         []FrontierPoint           `json:"frontier"`
	AchievableEquity float64                   `json:"achievable_equity,omitempty"` // set for infeasible_equity_floor
	Warnings         []string                  `json:"warnings,omitempty"`
}
