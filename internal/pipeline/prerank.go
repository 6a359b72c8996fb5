package pipeline

import (
	"math"
	"sort"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// Stage names shared by the pipeline and the trace recorder.
const (
	StageSnapshot = "bulk_snapshot"
	StageUniverse = "universe_filter"
	StagePrerank  = "momentum_prerank"
	StageCacheGet = "volume_cache_get"
	StageRVol     = "rvol_filter"
	StageScoring  = "scoring"
	StagePublish  = "publish"
)

// MomentumPreRanker caps downstream work by keeping the top K snapshots by
// momentum. When markets are closed change_pct is zero everywhere and the
// ranking degenerates to volume; the cache-backed RVOL stage downstream
// re-sorts on relative volume, so that is acceptable.
type MomentumPreRanker struct {
	topK int
}

// NewMomentumPreRanker builds a pre-ranker keeping the top K symbols.
func NewMomentumPreRanker(topK int) *MomentumPreRanker {
	return &MomentumPreRanker{topK: topK}
}

// momentumScore is 2*|change%| + ln(max(volume,1)).
func momentumScore(s domain.Snapshot) float64 {
	vol := s.Volume
	if vol < 1 {
		vol = 1
	}
	return 2*math.Abs(s.ChangePct) + math.Log(float64(vol))
}

// Apply returns the top K survivors and a rejection per cut symbol. Ties
// break by volume descending, then symbol ascending, for determinism.
func (r *MomentumPreRanker) Apply(snaps []domain.Snapshot, session domain.Session) ([]domain.Snapshot, []domain.RejectionRecord) {
	if len(snaps) <= r.topK {
		ranked := append([]domain.Snapshot(nil), snaps...)
		sortByMomentum(ranked)
		return ranked, nil
	}

	ranked := append([]domain.Snapshot(nil), snaps...)
	sortByMomentum(ranked)

	rejections := make([]domain.RejectionRecord, 0, len(ranked)-r.topK)
	for _, s := range ranked[r.topK:] {
		rejections = append(rejections, domain.RejectionRecord{
			Symbol:  s.Symbol,
			Stage:   StagePrerank,
			Reason:  domain.ReasonNotPreranked,
			Session: session,
		})
	}
	return ranked[:r.topK], rejections
}

func sortByMomentum(snaps []domain.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		mi, mj := momentumScore(snaps[i]), momentumScore(snaps[j])
		if mi != mj {
			return mi > mj
		}
		if snaps[i].Volume != snaps[j].Volume {
			return snaps[i].Volume > snaps[j].Volume
		}
		return snaps[i].Symbol < snaps[j].Symbol
	})
}
