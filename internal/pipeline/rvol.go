package pipeline

import (
	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// RVolInput pairs a surviving snapshot with its computed relative volume.
type RVolInput struct {
	Snapshot domain.Snapshot
	RVol     float64
	Avg20d   float64
}

// RVolEvaluator computes relative volume against cached 20-day baselines
// and drops symbols below the session minimum. Cache misses are dropped,
// never backfilled; a miss and a weak RVOL are distinct rejection reasons.
type RVolEvaluator struct {
	cfg config.RVolConfig
}

// NewRVolEvaluator builds the evaluator from rvol configuration.
func NewRVolEvaluator(cfg config.RVolConfig) *RVolEvaluator {
	return &RVolEvaluator{cfg: cfg}
}

// Apply evaluates every snapshot against the baseline map. minRVol is the
// session-resolved threshold; values above cfg.MaxRVol indicate a corrupt
// baseline and are rejected.
func (e *RVolEvaluator) Apply(snaps []domain.Snapshot, averages map[string]domain.VolumeAverage, minRVol float64, session domain.Session) ([]RVolInput, []domain.RejectionRecord) {
	if minRVol <= 0 {
		minRVol = e.cfg.MinRVol
	}

	survivors := make([]RVolInput, 0, len(snaps))
	var rejections []domain.RejectionRecord

	reject := func(sym, reason string) {
		rejections = append(rejections, domain.RejectionRecord{
			Symbol:  sym,
			Stage:   StageRVol,
			Reason:  reason,
			Session: session,
		})
	}

	for _, s := range snaps {
		avg, ok := averages[s.Symbol]
		if !ok || avg.Avg20d <= 0 {
			reject(s.Symbol, domain.ReasonCacheMiss)
			continue
		}

		rvol := float64(s.Volume) / avg.Avg20d
		switch {
		case rvol > e.cfg.MaxRVol:
			reject(s.Symbol, domain.ReasonRVolCorrupt)
		case rvol < minRVol:
			reject(s.Symbol, domain.ReasonRVolBelowMin)
		default:
			survivors = append(survivors, RVolInput{Snapshot: s, RVol: rvol, Avg20d: avg.Avg20d})
		}
	}

	return survivors, rejections
}
