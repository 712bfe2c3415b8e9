package optimizer

import (
	"math"
	"sort"

	"github.com/meridianfund/meridian/internal/domain"
)

const (
	// LockedMinWeight is the floor applied to explicitly locked assets.
	LockedMinWeight = 0.03

	// BucketTolerance softens bucket range checks so a solution a couple of
	// points outside the band is still accepted rather than rejected.
	BucketTolerance = 0.02

	// DefaultCutoff zeroes dust positions after the solve.
	DefaultCutoff = 0.005

	// equityFloorRelaxStep is how far the floor is lowered when the strict
	// solve fails.
	equityFloorRelaxStep = 0.10
)

type bucketConstraint struct {
	bucket   domain.Bucket
	min, max float64
	// exposure[i] is asset i's contribution to the bucket. Equity content is
	// fractional for mixed funds, so this is a weighted sum, not membership.
	exposure []float64
}

type regionConstraint struct {
	region   string
	floor    float64
	cap      float64
	exposure []float64
}

// constraintSet is the full constraint description handed to the penalty
// solver. Index order matches the isins slice it was built from.
type constraintSet struct {
	n          int
	minW       []float64
	maxW       []float64
	buckets    []bucketConstraint
	regions    []regionConstraint
	divPenalty float64
}

// buildConstraints assembles bounds, bucket bands and region bands for the
// given universe. Metadata-less assets fall back to keyword classification
// with a conservative default equity content.
func buildConstraints(isins []string, req Request, profile domain.RiskProfile) constraintSet {
	n := len(isins)
	maxWeight := req.MaxWeight
	if maxWeight <= 0 {
		maxWeight = profile.MaxAssetWeight
	}

	cs := constraintSet{
		n:    n,
		minW: make([]float64, n),
		maxW: make([]float64, n),
		// Larger universes get a stronger pull away from concentrated
		// corner solutions.
		divPenalty: 0.01 * math.Sqrt(float64(n)),
	}

	locked := make(map[string]bool, len(req.LockedAssets))
	for _, isin := range req.LockedAssets {
		locked[isin] = true
	}
	for i, isin := range isins {
		cs.maxW[i] = maxWeight
		if locked[isin] {
			cs.minW[i] = LockedMinWeight
			if cs.maxW[i] < LockedMinWeight {
				cs.maxW[i] = LockedMinWeight
			}
		}
	}

	if !req.DisableBucketRules {
		cs.buckets = bucketConstraints(isins, req.Metadata, profile)
	}
	cs.regions = regionConstraints(isins, req.Metadata, req.RegionFloors, req.RegionCaps)
	return cs
}

func bucketConstraints(isins []string, meta map[string]domain.Asset, profile domain.RiskProfile) []bucketConstraint {
	out := make([]bucketConstraint, 0, len(profile.Buckets))
	for _, bucket := range domain.AllBuckets {
		rng, ok := profile.Buckets[bucket]
		if !ok {
			continue
		}
		bc := bucketConstraint{
			bucket:   bucket,
			min:      rng.Min,
			max:      rng.Max,
			exposure: make([]float64, len(isins)),
		}
		for i, isin := range isins {
			bc.exposure[i] = bucketExposure(meta[isin], bucket)
		}
		out = append(out, bc)
	}
	return out
}

// bucketExposure maps an asset onto a bucket as a fraction in [0, 1]. Mixed
// funds split between equity and fixed income by their equity content.
func bucketExposure(asset domain.Asset, bucket domain.Bucket) float64 {
	b := asset.Bucket
	if b == "" {
		b = domain.ClassifyBucket("", asset.Name)
	}
	eq := asset.EquityContent
	if eq == 0 {
		eq = domain.DefaultEquityContent(b)
	}
	switch bucket {
	case domain.BucketEquity:
		switch b {
		case domain.BucketEquity:
			return 1
		case domain.BucketMixed:
			return eq
		}
	case domain.BucketFixedIncome:
		switch b {
		case domain.BucketFixedIncome:
			return 1
		case domain.BucketMixed:
			return 1 - eq
		}
	case domain.BucketMixed:
		// Mixed funds are split across equity and fixed income above, so the
		// mixed bucket itself carries no exposure.
		return 0
	default:
		if b == bucket {
			return 1
		}
	}
	return 0
}

func regionConstraints(isins []string, meta map[string]domain.Asset, floors, caps map[string]float64) []regionConstraint {
	if len(floors) == 0 && len(caps) == 0 {
		return nil
	}
	regions := make(map[string]bool)
	for r := range floors {
		regions[r] = true
	}
	for r := range caps {
		regions[r] = true
	}
	names := make([]string, 0, len(regions))
	for r := range regions {
		names = append(names, r)
	}
	sort.Strings(names)

	out := make([]regionConstraint, 0, len(names))
	for _, region := range names {
		rc := regionConstraint{
			region:   region,
			floor:    floors[region],
			cap:      1,
			exposure: make([]float64, len(isins)),
		}
		if c, ok := caps[region]; ok {
			rc.cap = c
		}
		for i, isin := range isins {
			rc.exposure[i] = meta[isin].Regions[region]
		}
		out = append(out, rc)
	}
	return out
}

// equityExposure returns the per-asset equity contribution for the feasibility
// pre-check and the relaxation ladder.
func (cs constraintSet) equityExposure() ([]float64, bool) {
	for _, bc := range cs.buckets {
		if bc.bucket == domain.BucketEquity {
			return bc.exposure, true
		}
	}
	return nil, false
}

// relaxEquityFloor returns a copy with the equity bucket floor lowered by one
// step, clamped at zero.
func (cs constraintSet) relaxEquityFloor() constraintSet {
	out := cs
	out.buckets = make([]bucketConstraint, len(cs.buckets))
	copy(out.buckets, cs.buckets)
	for i := range out.buckets {
		if out.buckets[i].bucket == domain.BucketEquity {
			out.buckets[i].min = math.Max(0, out.buckets[i].min-equityFloorRelaxStep)
		}
	}
	return out
}

// dropBuckets returns a copy with all bucket bands removed, keeping bounds and
// region constraints.
func (cs constraintSet) dropBuckets() constraintSet {
	out := cs
	out.buckets = nil
	return out
}

// penalty sums the quadratic violation of every soft constraint at w. The
// budget constraint is handled by the solver's normalization, not here.
func (cs constraintSet) penalty(w []float64) float64 {
	var p float64
	for i := range w {
		if w[i] < cs.minW[i] {
			d := cs.minW[i] - w[i]
			p += d * d
		}
		if w[i] > cs.maxW[i] {
			d := w[i] - cs.maxW[i]
			p += d * d
		}
	}
	for _, bc := range cs.buckets {
		exp := dot(bc.exposure, w)
		if exp < bc.min-BucketTolerance {
			d := bc.min - BucketTolerance - exp
			p += d * d
		}
		if exp > bc.max+BucketTolerance {
			d := exp - bc.max - BucketTolerance
			p += d * d
		}
	}
	for _, rc := range cs.regions {
		exp := dot(rc.exposure, w)
		if exp < rc.floor {
			d := rc.floor - exp
			p += d * d
		}
		if exp > rc.cap {
			d := exp - rc.cap
			p += d * d
		}
	}
	return p
}

// addPenaltyGradient accumulates the gradient of weight*penalty(w) into grad.
func (cs constraintSet) addPenaltyGradient(grad, w []float64, weight float64) {
	for i := range w {
		if w[i] < cs.minW[i] {
			grad[i] += 2 * weight * (w[i] - cs.minW[i])
		}
		if w[i] > cs.maxW[i] {
			grad[i] += 2 * weight * (w[i] - cs.maxW[i])
		}
	}
	for _, bc := range cs.buckets {
		exp := dot(bc.exposure, w)
		if exp < bc.min-BucketTolerance {
			d := exp - (bc.min - BucketTolerance)
			for i := range grad {
				grad[i] += 2 * weight * d * bc.exposure[i]
			}
		}
		if exp > bc.max+BucketTolerance {
			d := exp - (bc.max + BucketTolerance)
			for i := range grad {
				grad[i] += 2 * weight * d * bc.exposure[i]
			}
		}
	}
	for _, rc := range cs.regions {
		exp := dot(rc.exposure, w)
		if exp < rc.floor {
			d := exp - rc.floor
			for i := range grad {
				grad[i] += 2 * weight * d * rc.exposure[i]
			}
		}
		if exp > rc.cap {
			d := exp - rc.cap
			for i := range grad {
				grad[i] += 2 * weight * d * rc.exposure[i]
			}
		}
	}
}

// satisfied reports whether w meets every constraint within tolerance. Used to
// decide between optimal and fallback after post-processing.
func (cs constraintSet) satisfied(w []float64) bool {
	const eps = 1e-6
	for i := range w {
		if w[i] < cs.minW[i]-eps || w[i] > cs.maxW[i]+eps {
			return false
		}
	}
	for _, bc := range cs.buckets {
		exp := dot(bc.exposure, w)
		if exp < bc.min-BucketTolerance-eps || exp > bc.max+BucketTolerance+eps {
			return false
		}
	}
	for _, rc := range cs.regions {
		exp := dot(rc.exposure, w)
		if exp < rc.floor-eps || exp > rc.cap+eps {
			return false
		}
	}
	return true
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
