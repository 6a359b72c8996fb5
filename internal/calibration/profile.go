package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// ErrCalibrationInvalid rejects mutations that would corrupt the profile.
// The current profile is always retained on rejection.
var ErrCalibrationInvalid = errors.New("calibration update invalid")

const weightSumTolerance = 1e-6

// Weights maps subscore name to its share of the composite score.
// Valid weights are non-negative and sum to 1 within tolerance.
type Weights map[string]float64

// Validate checks weight structure: all five subscores present,
// non-negative, and on the [0,1] fractional scale.
func (w Weights) Validate() error {
	for _, key := range domain.SubscoreKeys {
		v, ok := w[key]
		if !ok {
			return fmt.Errorf("%w: missing weight %q", ErrCalibrationInvalid, key)
		}
		if v < 0 {
			return fmt.Errorf("%w: negative weight %s=%v", ErrCalibrationInvalid, key, v)
		}
		if v > 1 {
			return fmt.Errorf("%w: weight %s=%v exceeds 1, legacy percent scale rejected", ErrCalibrationInvalid, key, v)
		}
	}
	if len(w) != len(domain.SubscoreKeys) {
		return fmt.Errorf("%w: unknown weight keys present", ErrCalibrationInvalid)
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1.0", ErrCalibrationInvalid, sum)
	}
	return nil
}

// Sum totals the weights.
func (w Weights) Sum() float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}

// Normalize scales weights so they sum to 1. No-op on a zero sum.
func (w Weights) Normalize() {
	sum := w.Sum()
	if sum <= 0 {
		return
	}
	for k := range w {
		w[k] /= sum
	}
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Hash is the canonical hash of the weight map, attached to candidates for
// drift detection. Key-sorted so equal maps always hash equal.
func (w Weights) Hash() string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%.9f;", k, w[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Thresholds are the gate and tagging parameters. Score-like fields
// (TradeReadyMin, WatchlistMin, CatalystSoftPassMin, SoftPassPenalty) are
// fractions in [0,1]; volume/volatility minima are ratios and may exceed 1.
type Thresholds struct {
	MinRelVol30         float64 `json:"min_relvol_30" yaml:"min_relvol_30"`
	MinATRPct           float64 `json:"min_atr_pct" yaml:"min_atr_pct"`
	RequireVWAPReclaim  bool    `json:"require_vwap_reclaim" yaml:"require_vwap_reclaim"`
	VWAPProximityPct    float64 `json:"vwap_proximity_pct" yaml:"vwap_proximity_pct"`
	MidFloatPathEnabled bool    `json:"mid_float_path_enabled" yaml:"mid_float_path_enabled"`
	MinRVol             float64 `json:"min_rvol" yaml:"min_rvol"`
	TradeReadyMin       float64 `json:"trade_ready_min" yaml:"trade_ready_min"`
	WatchlistMin        float64 `json:"watchlist_min" yaml:"watchlist_min"`
	MaxSoftPass         int     `json:"max_soft_pass" yaml:"max_soft_pass"`
	SoftPassTolerance   float64 `json:"soft_pass_tolerance" yaml:"soft_pass_tolerance"`
	CatalystSoftPassMin float64 `json:"catalyst_soft_pass_min" yaml:"catalyst_soft_pass_min"`
	SoftPassPenalty     float64 `json:"soft_pass_penalty" yaml:"soft_pass_penalty"`
}

// Validate rejects score-like thresholds off the [0,1] scale. Values above
// 1 are almost always legacy percent-scale configs.
func (t Thresholds) Validate() error {
	scoreLike := map[string]float64{
		"trade_ready_min":        t.TradeReadyMin,
		"watchlist_min":          t.WatchlistMin,
		"catalyst_soft_pass_min": t.CatalystSoftPassMin,
		"soft_pass_penalty":      t.SoftPassPenalty,
	}
	for name, v := range scoreLike {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v outside [0,1], legacy percent scale rejected", ErrCalibrationInvalid, name, v)
		}
	}
	if t.WatchlistMin > t.TradeReadyMin {
		return fmt.Errorf("%w: watchlist_min %v above trade_ready_min %v", ErrCalibrationInvalid, t.WatchlistMin, t.TradeReadyMin)
	}
	if t.MinRelVol30 < 0 || t.MinATRPct < 0 || t.MinRVol < 0 || t.MaxSoftPass < 0 {
		return fmt.Errorf("%w: negative threshold", ErrCalibrationInvalid)
	}
	return nil
}

// SessionOverride relaxes or tightens thresholds for one session. Nil
// fields inherit the base value.
type SessionOverride struct {
	MinRelVol30  *float64 `json:"min_relvol_30,omitempty" yaml:"min_relvol_30"`
	MinRVol      *float64 `json:"min_rvol,omitempty" yaml:"min_rvol"`
	MinATRPct    *float64 `json:"min_atr_pct,omitempty" yaml:"min_atr_pct"`
	SkipVWAPGate *bool    `json:"skip_vwap_gate,omitempty" yaml:"skip_vwap_gate"`
}

// Profile is one calibration document. Updates are copy-on-write; Version
// increases monotonically with every observable transition.
type Profile struct {
	Version          int64                              `json:"version"`
	Strategy         string                             `json:"strategy"`
	ActivePreset     string                             `json:"active_preset"`
	Weights          Weights                            `json:"weights"`
	Thresholds       Thresholds                         `json:"thresholds"`
	SessionOverrides map[domain.Session]SessionOverride `json:"session_overrides"`
}

// Clone returns a deep copy safe to mutate.
func (p Profile) Clone() Profile {
	out := p
	out.Weights = p.Weights.Clone()
	out.SessionOverrides = make(map[domain.Session]SessionOverride, len(p.SessionOverrides))
	for k, v := range p.SessionOverrides {
		out.SessionOverrides[k] = v
	}
	return out
}

// ForSession merges the session override onto the base thresholds.
func (p Profile) ForSession(session domain.Session) Thresholds {
	t := p.Thresholds
	ov, ok := p.SessionOverrides[session]
	if !ok {
		return t
	}
	if ov.MinRelVol30 != nil {
		t.MinRelVol30 = *ov.MinRelVol30
	}
	if ov.MinRVol != nil {
		t.MinRVol = *ov.MinRVol
	}
	if ov.MinATRPct != nil {
		t.MinATRPct = *ov.MinATRPct
	}
	if ov.SkipVWAPGate != nil && *ov.SkipVWAPGate {
		t.RequireVWAPReclaim = false
	}
	return t
}

// ResolvedProfile is what readers bind to at scan start: the base profile
// with any unexpired emergency override applied.
type ResolvedProfile struct {
	Profile
	WeightsHash string `json:"weights_hash"`
	Forced      bool   `json:"forced"`
}
