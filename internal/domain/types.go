package domain

import (
	"regexp"
	"time"
)

// Strategy names. legacy_v0 and hybrid_v1 share the scoring engine and differ
// only in calibration presets.
const (
	StrategyHybridV1 = "hybrid_v1"
	StrategyLegacyV0 = "legacy_v0"
)

// ActionTag classifies a scored candidate.
type ActionTag string

const (
	ActionTradeReady ActionTag = "trade_ready"
	ActionWatchlist  ActionTag = "watchlist"
	ActionRejected   ActionTag = "rejected"
)

// FloatClass buckets the tradeable share count.
type FloatClass string

const (
	FloatSmall   FloatClass = "small"   // <= 75M shares
	FloatMid     FloatClass = "mid"     // 75M - 150M
	FloatLarge   FloatClass = "large"   // >= 150M
	FloatUnknown FloatClass = "unknown"
)

const (
	SmallFloatMax = 75_000_000.0
	LargeFloatMin = 150_000_000.0
)

// ClassifyFloat maps a share count to its float class. Zero or negative
// counts are unknown, never defaulted to small.
func ClassifyFloat(shares float64) FloatClass {
	switch {
	case shares <= 0:
		return FloatUnknown
	case shares <= SmallFloatMax:
		return FloatSmall
	case shares >= LargeFloatMin:
		return FloatLarge
	default:
		return FloatMid
	}
}

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{1,6}$`)

// ValidSymbol reports whether s is an uppercase alphanumeric ticker, 1-6 chars.
func ValidSymbol(s string) bool {
	return symbolRe.MatchString(s)
}

// Snapshot is one market observation for a symbol at scan time. Created by
// the market data client per scan and never persisted.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
	PrevClose float64   `json:"prev_close"`
	ChangePct float64   `json:"change_pct"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	VWAP      float64   `json:"vwap,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one completed daily aggregate, used only by the cache refresh job.
type Bar struct {
	Date   time.Time `json:"date"`
	Volume int64     `json:"volume"`
	Close  float64   `json:"close"`
}

// VolumeAverage is the cached 20-day volume baseline for a symbol.
// Avg20d is always > 0; rows violating that never enter the cache.
type VolumeAverage struct {
	Symbol      string    `json:"symbol" db:"symbol"`
	Avg20d      float64   `json:"avg_20d" db:"avg_20d"`
	Avg30d      *float64  `json:"avg_30d,omitempty" db:"avg_30d"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Subscore keys for the 5-component weighted model.
const (
	SubscoreVolumeMomentum = "volume_momentum"
	SubscoreSqueeze        = "squeeze"
	SubscoreCatalyst       = "catalyst"
	SubscoreOptions        = "options"
	SubscoreTechnical      = "technical"
)

// SubscoreKeys lists the subscores in canonical order.
var SubscoreKeys = []string{
	SubscoreVolumeMomentum,
	SubscoreSqueeze,
	SubscoreCatalyst,
	SubscoreOptions,
	SubscoreTechnical,
}

// FactorSet carries the raw inputs feeding the subscores. Optional inputs
// use Value so that missing data stays missing instead of becoming a number.
type FactorSet struct {
	RVol          float64 `json:"rvol"`
	RelVol30      float64 `json:"relvol_30"`
	ATRPct        float64 `json:"atr_pct"`
	VWAPReclaimed bool    `json:"vwap_reclaimed"`
	UptrendDays   int     `json:"uptrend_days"`
	FloatShares   Value   `json:"float_shares"`
	ShortInterest Value   `json:"short_interest"`
	BorrowFee     Value   `json:"borrow_fee"`
	Utilization   Value   `json:"utilization"`
	NewsSignal    Value   `json:"news_signal"`
	SocialRank    Value   `json:"social_rank"`
	CallPutRatio  Value   `json:"call_put_ratio"`
	IVPercentile  Value   `json:"iv_percentile"`
	EMACross      Value   `json:"ema_cross"` // 1 bullish, 0 neutral, -1 bearish
	RSI           Value   `json:"rsi"`
}

// Candidate is a scored survivor of the pipeline. Immutable once published.
type Candidate struct {
	Symbol      string             `json:"symbol"`
	ScanID      string             `json:"scan_id"`
	Price       float64            `json:"price"`
	Volume      int64              `json:"volume"`
	ChangePct   float64            `json:"change_pct"`
	RVol        float64            `json:"rvol"`
	ATRPct      float64            `json:"atr_pct"`
	RelVol30    float64            `json:"relvol_30"`
	VWAPReclaim bool               `json:"vwap_reclaimed"`
	FloatClass  FloatClass         `json:"float_class"`
	Factors     FactorSet          `json:"factors"`
	Subscores   map[string]float64 `json:"subscores"`
	Score       float64            `json:"score"`
	ActionTag   ActionTag          `json:"action_tag"`
	SoftPass    bool               `json:"soft_pass"`
	MidFloatAlt bool               `json:"mid_float_alt"`
	Strategy    string             `json:"strategy"`
	Preset      string             `json:"preset"`
	WeightsHash string             `json:"weights_hash"`
}

// ScanStats summarizes one run for the artifact payload.
type ScanStats struct {
	UniverseSize  int `json:"universe_size"`
	Preranked     int `json:"preranked"`
	RVolSurvivors int `json:"rvol_survivors"`
	Scored        int `json:"scored"`
	TradeReady    int `json:"trade_ready"`
	Watchlist     int `json:"watchlist"`
}

// ScanArtifact is the published snapshot of one run. Readers compute
// freshness from GeneratedAt, not from store TTL alone.
type ScanArtifact struct {
	ScanID      string      `json:"scan_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Strategy    string      `json:"strategy"`
	Preset      string      `json:"preset"`
	WeightsHash string      `json:"weights_hash"`
	Candidates  []Candidate `json:"candidates"`
	Stats       ScanStats   `json:"stats"`
	TraceRef    string      `json:"trace_ref"`
}

// RejectionRecord notes one symbol dropped at one stage.
type RejectionRecord struct {
	Symbol  string  `json:"symbol"`
	Stage   string  `json:"stage"`
	Reason  string  `json:"reason"`
	Session Session `json:"session"`
}

// Stable rejection reason strings. Bounded cardinality: new reasons are
// added here, never formatted per-symbol.
const (
	ReasonPriceBelowMin   = "price_below_min"
	ReasonPriceAboveMax   = "price_above_max"
	ReasonVolumeBelowMin  = "volume_below_min"
	ReasonFundToken       = "etf_token"
	ReasonLeveragedToken  = "leveraged_etf_token"
	ReasonInvalidSymbol   = "invalid_symbol"
	ReasonInvalidPrice    = "invalid_price"
	ReasonInvalidVolume   = "invalid_volume"
	ReasonNotPreranked    = "below_momentum_cutoff"
	ReasonCacheMiss       = "cache_miss"
	ReasonRVolBelowMin    = "rvol_below_min"
	ReasonRVolCorrupt     = "rvol_above_sanity_max"
	ReasonRelVolGate      = "relvol_30_below_min"
	ReasonATRGate         = "atr_pct_below_min"
	ReasonVWAPGate        = "vwap_not_reclaimed"
	ReasonFloatGate       = "float_path_failed"
	ReasonScoreBelowMin   = "score_below_watchlist_min"
	ReasonSoftPassCap     = "soft_pass_cap_reached"
)
