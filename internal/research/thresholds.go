package research

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// defaultImbalanceThreshold applies until the |imbalance| ring has data.
const defaultImbalanceThreshold = 0.20

// Thresholds are recomputed from per-symbol history on every evaluation, so
// "wide spread" and "thin book" track what the venue has recently shown
// instead of fixed constants. A symbol that always trades wide is not
// permanently gated; one that suddenly widens is.
type Thresholds struct {
	Imbalance    float64 // P70 of |imbalance|, clamped to [0.05, 0.40]
	SpreadWide   float64 // P80 of spreadPct; +Inf until history exists
	DepthLow     float64 // median(depth) · 0.5
	VolumeLow    float64 // median(volume) · 0.5
	DepthMedian  float64
	VolumeMedian float64
}

func thresholdsFrom(absImb, spreadPct, depth, volume []float64) Thresholds {
	th := Thresholds{
		Imbalance:  defaultImbalanceThreshold,
		SpreadWide: math.Inf(1),
	}
	if len(absImb) > 0 {
		th.Imbalance = clamp(quantile(absImb, 0.70), 0.05, 0.40)
	}
	if len(spreadPct) > 0 {
		th.SpreadWide = quantile(spreadPct, 0.80)
	}
	if len(depth) > 0 {
		th.DepthMedian = quantile(depth, 0.50)
		th.DepthLow = th.DepthMedian * 0.5
	}
	if len(volume) > 0 {
		th.VolumeMedian = quantile(volume, 0.50)
		th.VolumeLow = th.VolumeMedian * 0.5
	}
	return th
}

// quantile computes the empirical p-quantile of xs. The input is copied
// because gonum requires sorted data and callers hand us ring snapshots.
func quantile(xs []float64, p float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
