package pipeline

import (
	"strings"

	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// Token lists for instrument-type screening. Matched against whole tokens
// of the ticker name, not substrings, so "TRUST" rejects a unit trust but
// not a company whose name merely contains the letters.
var fundTokens = map[string]bool{
	"ETF":   true,
	"FUND":  true,
	"INDEX": true,
	"TRUST": true,
	"REIT":  true,
}

var leveragedTokens = map[string]bool{
	"2X":      true,
	"3X":      true,
	"BULL":    true,
	"BEAR":    true,
	"INVERSE": true,
}

// UniverseFilter is the stage-1 quality gate on price, volume, and
// instrument type. Pure function over snapshots.
type UniverseFilter struct {
	cfg config.UniverseConfig
}

// NewUniverseFilter builds the filter from universe configuration.
func NewUniverseFilter(cfg config.UniverseConfig) *UniverseFilter {
	return &UniverseFilter{cfg: cfg}
}

// Apply partitions snapshots into survivors and rejections. The first
// failing check wins; reason strings are stable for histogram bucketing.
func (f *UniverseFilter) Apply(snaps []domain.Snapshot, session domain.Session) ([]domain.Snapshot, []domain.RejectionRecord) {
	survivors := make([]domain.Snapshot, 0, len(snaps))
	var rejections []domain.RejectionRecord

	reject := func(sym, reason string) {
		rejections = append(rejections, domain.RejectionRecord{
			Symbol:  sym,
			Stage:   StageUniverse,
			Reason:  reason,
			Session: session,
		})
	}

	for _, s := range snaps {
		switch {
		case !domain.ValidSymbol(s.Symbol):
			reject(s.Symbol, domain.ReasonInvalidSymbol)
		case s.Price <= 0:
			reject(s.Symbol, domain.ReasonInvalidPrice)
		case s.Volume < 0:
			reject(s.Symbol, domain.ReasonInvalidVolume)
		case s.Price < f.cfg.PriceMin:
			reject(s.Symbol, domain.ReasonPriceBelowMin)
		case s.Price > f.cfg.PriceMax:
			reject(s.Symbol, domain.ReasonPriceAboveMax)
		case s.Volume < f.cfg.MinVolume:
			reject(s.Symbol, domain.ReasonVolumeBelowMin)
		case f.cfg.ExcludeFunds && matchesTokens(s, fundTokens):
			reject(s.Symbol, domain.ReasonFundToken)
		case f.cfg.ExcludeLeveraged && matchesTokens(s, leveragedTokens):
			reject(s.Symbol, domain.ReasonLeveragedToken)
		default:
			survivors = append(survivors, s)
		}
	}

	return survivors, rejections
}

func matchesTokens(s domain.Snapshot, tokens map[string]bool) bool {
	if tokens[strings.ToUpper(s.Symbol)] {
		return true
	}
	for _, tok := range strings.Fields(strings.ToUpper(s.Name)) {
		if tokens[strings.Trim(tok, ".,()")] {
			return true
		}
	}
	return false
}
