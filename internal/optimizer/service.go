package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianfund/meridian/internal/domain"
	"github.com/meridianfund/meridian/internal/marketdata"
	"github.com/meridianfund/meridian/internal/metrics"
	"github.com/meridianfund/meridian/internal/riskmodel"
	"github.com/meridianfund/meridian/internal/timeseries"
)

// postProcessRounds bounds the cap/floor/renormalize fixup loop. Each round
// can push mass across the cap again, so a handful of passes is needed before
// the vector settles.
const postProcessRounds = 5

// RateSource supplies the risk-free rate for Sharpe figures.
type RateSource interface {
	GetRate(ctx context.Context) float64
}

// Service runs the full optimization pipeline: resolve prices, align,
// estimate, solve, post-process. It is safe for concurrent use; each call
// works on its own request-scoped state.
type Service struct {
	cache      *marketdata.Cache
	aligner    *timeseries.Aligner
	estimator  *riskmodel.Estimator
	rates      RateSource
	candidates CandidateSource // nil disables auto-expansion
	log        zerolog.Logger
}

// NewService wires the pipeline stages together.
func NewService(cache *marketdata.Cache, aligner *timeseries.Aligner, estimator *riskmodel.Estimator, rateSource RateSource, candidates CandidateSource, log zerolog.Logger) *Service {
	return &Service{
		cache:      cache,
		aligner:    aligner,
		estimator:  estimator,
		rates:      rateSource,
		candidates: candidates,
		log:        log.With().Str("component", "optimizer").Logger(),
	}
}

// Run executes one optimization request. It always returns a structured
// result; degraded outcomes are reported through Status and Warnings rather
// than errors.
func (s *Service) Run(ctx context.Context, req Request) *Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := s.log.With().Str("request_id", req.ID).Logger()

	result := &Result{
		RequestID: req.ID,
		Status:    StatusNoHistory,
		SolvePath: PathNone,
		Weights:   make(map[string]float64, len(req.Assets)),
		Buckets:   make(map[domain.Bucket]float64),
	}
	for _, isin := range req.Assets {
		result.Weights[isin] = 0
	}
	if len(req.Assets) == 0 {
		result.Warnings = append(result.Warnings, "empty asset universe")
		return result
	}

	riskFree := s.rates.GetRate(ctx)
	result.Metrics.RiskFreeRate = riskFree
	profile := domain.ProfileForLevel(req.RiskLevel)

	assets := append([]string(nil), req.Assets...)
	expanded := false

	for {
		series, report := s.cache.Resolve(assets)
		result.MissingAssets = report.Missing
		result.SyntheticAssets = report.Synthetic

		table, dropped := s.aligner.Align(series, timeseries.AlignOptions{
			WindowDays: timeseries.StandardWindowDays,
		})
		result.MissingAssets = mergeSorted(result.MissingAssets, dropped)

		isins := make([]string, 0, len(table.Columns))
		for isin := range table.Columns {
			isins = append(isins, isin)
		}
		sort.Strings(isins)

		model, err := s.estimateUniverse(table, isins)
		if err != nil {
			if !expanded && req.AutoExpand {
				added, expandErr := s.expandUniverse(result, assets)
				if expandErr == nil && len(added) > 0 {
					assets = append(assets, added...)
					expanded = true
					continue
				}
				result.Status = StatusAutoExpandNoCandidates
				if expandErr != nil {
					log.Warn().Err(expandErr).Msg("auto-expand failed")
				}
			}
			if result.Status != StatusAutoExpandNoCandidates {
				result.Status = StatusNoHistory
			}
			result.MissingAssets = mergeSorted(result.MissingAssets, isins)
			result.Warnings = append(result.Warnings, err.Error())
			log.Warn().Err(err).Int("assets", len(assets)).Msg("optimization aborted: no usable universe")
			return result
		}

		cs := buildConstraints(model.ISINs, req, profile)

		// Feasibility pre-check for aggressive profiles: even packing the
		// cap into the highest-equity instruments may not reach the floor.
		// An explicit objective takes the direct-solve path and skips it.
		if req.Objective == "" && profile.Aggressive() && !req.DisableBucketRules {
			achievable, ok := greedyAchievableEquity(cs)
			if ok && achievable < profile.EquityFloor()-BucketTolerance {
				if !expanded && req.AutoExpand {
					added, expandErr := s.expandUniverse(result, assets)
					if expandErr == nil && len(added) > 0 {
						assets = append(assets, added...)
						expanded = true
						continue
					}
					result.Status = StatusAutoExpandNoCandidates
					if expandErr != nil {
						log.Warn().Err(expandErr).Msg("auto-expand failed")
					}
				} else {
					result.Status = StatusInfeasibleEquityFloor
				}
				result.AchievableEquity = achievable
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("equity floor %.2f unreachable: max achievable %.2f", profile.EquityFloor(), achievable))
				s.solveDegraded(result, model, cs, req, riskFree)
				return result
			}
		}

		s.solveLadder(result, model, cs, req, profile, riskFree, log)
		return result
	}
}

// estimateUniverse wraps estimation with the empty-universe check so the
// caller has a single failure path.
func (s *Service) estimateUniverse(table timeseries.Table, isins []string) (*riskmodel.Model, error) {
	if len(isins) == 0 {
		return nil, fmt.Errorf("no instruments with usable history")
	}
	return s.estimator.Estimate(table, isins)
}

// expandUniverse runs one auto-expansion round and records what was added.
func (s *Service) expandUniverse(result *Result, assets []string) ([]string, error) {
	present := make(map[string]bool, len(assets))
	for _, isin := range assets {
		present[isin] = true
	}
	added, err := s.autoExpand(present)
	if err != nil || len(added) == 0 {
		return nil, err
	}
	result.AutoAddedAssets = mergeSorted(result.AutoAddedAssets, added)
	for _, isin := range added {
		if _, ok := result.Weights[isin]; !ok {
			result.Weights[isin] = 0
		}
	}
	return added, nil
}

// solveLadder walks the deterministic solve sequence and fills the result.
// Every rung that fails adds a warning; the final rung cannot fail.
func (s *Service) solveLadder(result *Result, model *riskmodel.Model, cs constraintSet, req Request, profile domain.RiskProfile, riskFree float64, log zerolog.Logger) {
	type rung struct {
		path  SolvePath
		solve func() ([]float64, error)
	}

	targetVol := profile.TargetVolatility + profile.SafetyBuffer
	var rungs []rung

	if req.Objective != "" {
		rungs = append(rungs, rung{PathDirectObjective, func() ([]float64, error) {
			switch req.Objective {
			case ObjectiveMaxSharpe:
				return solvePenalty(model.Mu, model.Sigma, cs, objMaxSharpe, riskFree)
			case ObjectiveMinVolatility:
				return solvePenalty(model.Mu, model.Sigma, cs, objMinVolatility, 0)
			case ObjectiveTargetVolatility:
				return solvePenalty(model.Mu, model.Sigma, cs, objTargetVolatility, targetVol)
			default:
				return nil, fmt.Errorf("unknown objective %q", req.Objective)
			}
		}})
	} else {
		rungs = append(rungs, rung{PathVolatilityTarget, func() ([]float64, error) {
			return solvePenalty(model.Mu, model.Sigma, cs, objTargetVolatility, targetVol)
		}})
	}
	relaxed := cs.relaxEquityFloor()
	noBuckets := cs.dropBuckets()
	rungs = append(rungs,
		rung{PathRelaxedEquityFloor, func() ([]float64, error) {
			return solvePenalty(model.Mu, model.Sigma, relaxed, objTargetVolatility, targetVol)
		}},
		rung{PathMinVolatility, func() ([]float64, error) {
			return solvePenalty(model.Mu, model.Sigma, noBuckets, objMinVolatility, 0)
		}},
		rung{PathEqualWeight, func() ([]float64, error) {
			return equalWeights(len(model.Mu)), nil
		}},
	)

	var w []float64
	firstRung := false
	for i, r := range rungs {
		solved, err := r.solve()
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", r.path, err))
			log.Debug().Err(err).Str("path", string(r.path)).Msg("solve rung failed, descending")
			continue
		}
		w = solved
		result.SolvePath = r.path
		firstRung = i == 0
		break
	}

	// Status is judged on the post-processed vector: capping, floors and the
	// dust cutoff can move a raw solver output in or out of feasibility.
	settled := s.finalize(result, model, cs, req, w, riskFree, true)
	if firstRung && settled != nil && cs.satisfied(settled) {
		result.Status = StatusOptimal
	} else {
		result.Status = StatusFallback
	}
	log.Info().
		Str("status", string(result.Status)).
		Str("path", string(result.SolvePath)).
		Int("used", len(result.UsedAssets)).
		Int("missing", len(result.MissingAssets)).
		Msg("optimization complete")
}

// solveDegraded produces best-effort weights for an infeasible universe: the
// equity band is dropped so the remaining constraints still shape the result.
func (s *Service) solveDegraded(result *Result, model *riskmodel.Model, cs constraintSet, req Request, riskFree float64) {
	noBuckets := cs.dropBuckets()
	w, err := solvePenalty(model.Mu, model.Sigma, noBuckets, objMinVolatility, 0)
	if err != nil {
		w = equalWeights(len(model.Mu))
		result.SolvePath = PathEqualWeight
	} else {
		result.SolvePath = PathMinVolatility
	}
	s.finalize(result, model, cs, req, w, riskFree, false)
}

// finalize post-processes the weight vector and fills metrics, buckets,
// frontier and the dense weight map. Returns the settled vector so the caller
// can classify the outcome against it.
func (s *Service) finalize(result *Result, model *riskmodel.Model, cs constraintSet, req Request, w []float64, riskFree float64, frontier bool) []float64 {
	if w == nil {
		return nil
	}
	cutoff := req.Cutoff
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	w, droppedIdx := postProcess(w, cs, cutoff)

	for i, isin := range model.ISINs {
		result.Weights[isin] = w[i]
		if droppedIdx[i] {
			result.DroppedAssets = append(result.DroppedAssets, isin)
		} else if w[i] > 0 {
			result.UsedAssets = append(result.UsedAssets, isin)
		}
	}
	sort.Strings(result.UsedAssets)
	sort.Strings(result.DroppedAssets)

	ret, vol, sharpe := metrics.Quadratic(w, model.Mu, model.Sigma, riskFree)
	result.Metrics.Return = ret
	result.Metrics.Volatility = vol
	result.Metrics.Sharpe = sharpe

	result.Buckets = bucketBreakdown(model.ISINs, w, req.Metadata)
	if frontier && len(model.ISINs) >= 2 {
		result.Frontier = traceFrontier(model.Mu, model.Sigma, cs)
	}
	return w
}

// postProcess applies locked floors, caps and the dust cutoff, renormalizing
// after each adjustment. Locked positions are never cut off. Returns the
// settled vector and the set of indices zeroed by the cutoff.
func postProcess(w []float64, cs constraintSet, cutoff float64) ([]float64, map[int]bool) {
	out := append([]float64(nil), w...)
	for round := 0; round < postProcessRounds; round++ {
		changed := false
		for i := range out {
			if out[i] < cs.minW[i] {
				out[i] = cs.minW[i]
				changed = true
			}
			if out[i] > cs.maxW[i] {
				out[i] = cs.maxW[i]
				changed = true
			}
		}
		normalize(out)
		if !changed {
			break
		}
	}

	dropped := make(map[int]bool)
	for i := range out {
		if out[i] > 0 && out[i] < cutoff && cs.minW[i] == 0 {
			out[i] = 0
			dropped[i] = true
		}
	}
	normalize(out)
	// Renormalization can push weights back over the cap; settle once more.
	for round := 0; round < postProcessRounds; round++ {
		over := false
		for i := range out {
			if out[i] > cs.maxW[i] {
				out[i] = cs.maxW[i]
				over = true
			}
		}
		if !over {
			break
		}
		normalize(out)
	}
	return out, dropped
}

// greedyAchievableEquity computes the maximum equity exposure reachable by
// packing the per-asset cap into the highest-equity instruments first. The
// second return is false when no equity constraint exists.
func greedyAchievableEquity(cs constraintSet) (float64, bool) {
	exposure, ok := cs.equityExposure()
	if !ok {
		return 0, false
	}
	idx := make([]int, len(exposure))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return exposure[idx[a]] > exposure[idx[b]] })

	var achievable, budget float64
	budget = 1.0
	for _, i := range idx {
		if budget <= 0 {
			break
		}
		w := math.Min(cs.maxW[i], budget)
		achievable += w * exposure[i]
		budget -= w
	}
	return achievable, true
}

func bucketBreakdown(isins []string, w []float64, meta map[string]domain.Asset) map[domain.Bucket]float64 {
	out := make(map[domain.Bucket]float64)
	for _, bucket := range domain.AllBuckets {
		var exp float64
		for i, isin := range isins {
			exp += w[i] * bucketExposure(meta[isin], bucket)
		}
		if exp > 0 {
			out[bucket] = exp
		}
	}
	return out
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
