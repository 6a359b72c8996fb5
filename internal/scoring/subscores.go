package scoring

import (
	"math"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// subscoreResult carries one normalized subscore plus the inputs that were
// missing when it was computed. Missing inputs contribute zero, never a
// stand-in number.
type subscoreResult struct {
	Value   float64
	Missing []string
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// volumeMomentum composites relative volume, uptrend persistence, the VWAP
// reclaim flag, and intraday range. All inputs here are observed on the
// hot path, so the subscore is always computable.
func volumeMomentum(f domain.FactorSet) subscoreResult {
	relvol := clamp01(f.RelVol30 / 10.0)
	uptrend := clamp01(float64(f.UptrendDays) / 5.0)
	vwap := 0.0
	if f.VWAPReclaimed {
		vwap = 1.0
	}
	atr := clamp01(f.ATRPct / 0.10)

	return subscoreResult{Value: 0.4*relvol + 0.2*uptrend + 0.2*vwap + 0.2*atr}
}

// squeeze requires attributed float and short-interest observations.
// Borrow fee and utilization sharpen the score when present; when the
// required inputs are missing the subscore is zero with the gaps recorded.
func squeeze(f domain.FactorSet) subscoreResult {
	var missing []string

	floatShares, okFloat := f.FloatShares.Get()
	if !okFloat {
		missing = append(missing, "float_shares")
	}
	si, okSI := f.ShortInterest.Get()
	if !okSI {
		missing = append(missing, "short_interest")
	}
	if !okFloat || !okSI {
		return subscoreResult{Value: 0, Missing: missing}
	}

	var floatTightness float64
	switch domain.ClassifyFloat(floatShares) {
	case domain.FloatSmall:
		floatTightness = 1.0
	case domain.FloatMid:
		floatTightness = 0.5
	default:
		floatTightness = 0.2
	}
	siScore := clamp01(si / 0.40)

	score := 0.5*floatTightness + 0.5*siScore

	// Optional sharpeners scale the base rather than replace it.
	if fee, ok := f.BorrowFee.Get(); ok {
		score *= 0.8 + 0.2*clamp01(fee/0.50)
	} else {
		missing = append(missing, "borrow_fee")
	}
	if util, ok := f.Utilization.Get(); ok {
		score *= 0.8 + 0.2*clamp01(util)
	} else {
		missing = append(missing, "utilization")
	}

	return subscoreResult{Value: clamp01(score), Missing: missing}
}

// catalyst averages the known news and social signals; zero when absent.
func catalyst(f domain.FactorSet) subscoreResult {
	return averageKnown(map[string]domain.Value{
		"news_signal": f.NewsSignal,
		"social_rank": f.SocialRank,
	})
}

// options combines call/put ratio and IV percentile; zero when absent.
func options(f domain.FactorSet) subscoreResult {
	var missing []string
	var parts []float64

	if cpr, ok := f.CallPutRatio.Get(); ok {
		parts = append(parts, clamp01(cpr/3.0))
	} else {
		missing = append(missing, "call_put_ratio")
	}
	if ivp, ok := f.IVPercentile.Get(); ok {
		parts = append(parts, clamp01(ivp))
	} else {
		missing = append(missing, "iv_percentile")
	}

	return subscoreResult{Value: mean(parts), Missing: missing}
}

// technical scores EMA-cross state and RSI band membership.
func technical(f domain.FactorSet) subscoreResult {
	var missing []string
	var parts []float64

	if cross, ok := f.EMACross.Get(); ok {
		switch {
		case cross > 0:
			parts = append(parts, 1.0)
		case cross < 0:
			parts = append(parts, 0.0)
		default:
			parts = append(parts, 0.5)
		}
	} else {
		missing = append(missing, "ema_cross")
	}

	if rsi, ok := f.RSI.Get(); ok {
		parts = append(parts, rsiBandScore(rsi))
	} else {
		missing = append(missing, "rsi")
	}

	return subscoreResult{Value: mean(parts), Missing: missing}
}

// rsiBandScore favors the momentum band without rewarding exhaustion.
func rsiBandScore(rsi float64) float64 {
	switch {
	case rsi >= 60 && rsi <= 75:
		return 1.0
	case rsi >= 50 && rsi < 60, rsi > 75 && rsi <= 80:
		return 0.5
	default:
		return 0.0
	}
}

func averageKnown(inputs map[string]domain.Value) subscoreResult {
	var missing []string
	var parts []float64
	for name, v := range inputs {
		if val, ok := v.Get(); ok {
			parts = append(parts, clamp01(val))
		} else {
			missing = append(missing, name)
		}
	}
	return subscoreResult{Value: mean(parts), Missing: missing}
}

func mean(parts []float64) float64 {
	if len(parts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range parts {
		sum += p
	}
	v := sum / float64(len(parts))
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// computeSubscores evaluates all five subscores for a factor set.
func computeSubscores(f domain.FactorSet) map[string]subscoreResult {
	return map[string]subscoreResult{
		domain.SubscoreVolumeMomentum: volumeMomentum(f),
		domain.SubscoreSqueeze:        squeeze(f),
		domain.SubscoreCatalyst:       catalyst(f),
		domain.SubscoreOptions:        options(f),
		domain.SubscoreTechnical:      technical(f),
	}
}
