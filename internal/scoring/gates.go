package scoring

import (
	"math"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// gateVerdict is the outcome of the ordered hard gates for one candidate.
type gateVerdict struct {
	Passed bool
	// Reason is the first failing gate's stable reason string.
	Reason string
	// SoftPassEligible means exactly one of gates 1-3 failed within
	// tolerance while the float path still holds; admission further
	// depends on the catalyst floor and the per-scan cap, which the
	// engine enforces.
	SoftPassEligible bool
	// MidFloatAlt marks admission through the mid-float alternative path.
	MidFloatAlt bool
}

// evaluateGates runs gates 1-4 in order; gate 5 (score floor) runs in the
// engine after the composite is known. First failure rejects. vwap is the
// session VWAP, zero when unavailable.
func evaluateGates(f domain.FactorSet, price, vwap float64, t calibration.Thresholds) gateVerdict {
	type gateCheck struct {
		reason   string
		passed   bool
		nearMiss bool
	}

	vwapPassed, vwapNear := vwapGate(f, price, vwap, t)
	checks := []gateCheck{
		{
			reason:   domain.ReasonRelVolGate,
			passed:   f.RelVol30 >= t.MinRelVol30,
			nearMiss: f.RelVol30 >= t.MinRelVol30*(1-t.SoftPassTolerance),
		},
		{
			reason:   domain.ReasonATRGate,
			passed:   f.ATRPct >= t.MinATRPct,
			nearMiss: f.ATRPct >= t.MinATRPct*(1-t.SoftPassTolerance),
		},
		{
			reason:   domain.ReasonVWAPGate,
			passed:   vwapPassed,
			nearMiss: vwapNear,
		},
	}

	failures := 0
	firstFailure := ""
	softEligible := false
	for _, c := range checks {
		if c.passed {
			continue
		}
		failures++
		if firstFailure == "" {
			firstFailure = c.reason
			softEligible = c.nearMiss
		}
	}

	// Gate 4: float path. Evaluated even when gates 1-3 failed: a soft
	// pass only relaxes one of gates 1-3, never the float path.
	floatOK, midAlt := floatGate(f, t)

	if failures > 1 {
		return gateVerdict{Reason: firstFailure}
	}
	if failures == 1 {
		return gateVerdict{
			Reason:           firstFailure,
			SoftPassEligible: softEligible && floatOK,
			MidFloatAlt:      floatOK && midAlt,
		}
	}
	if !floatOK {
		return gateVerdict{Reason: domain.ReasonFloatGate}
	}

	return gateVerdict{Passed: true, MidFloatAlt: midAlt}
}

// vwapGate passes when the reclaim happened, when the gate is disabled,
// or when price sits within the proximity band of VWAP. Near-miss for
// soft-pass purposes is twice the proximity band.
func vwapGate(f domain.FactorSet, price, vwap float64, t calibration.Thresholds) (passed, nearMiss bool) {
	if !t.RequireVWAPReclaim || f.VWAPReclaimed {
		return true, true
	}
	if vwap <= 0 {
		return false, false
	}
	dist := math.Abs(price-vwap) / vwap
	return dist <= t.VWAPProximityPct, dist <= 2*t.VWAPProximityPct
}

// floatGate implements the three admission paths: small float, large float
// with strong tape, or the mid-float alternative when enabled. An unknown
// float is not a rejection: the squeeze subscore already contributes zero
// without float data, and hard-failing every symbol missing float coverage
// would empty the scan.
func floatGate(f domain.FactorSet, t calibration.Thresholds) (passed, midAlt bool) {
	shares, ok := f.FloatShares.Get()
	if !ok {
		return true, false
	}
	switch domain.ClassifyFloat(shares) {
	case domain.FloatSmall:
		return true, false
	case domain.FloatLarge:
		strong := f.RelVol30 >= t.MinRelVol30*1.5 && f.ATRPct >= t.MinATRPct*1.25
		return strong, false
	case domain.FloatMid:
		return t.MidFloatPathEnabled, t.MidFloatPathEnabled
	default:
		return true, false
	}
}
