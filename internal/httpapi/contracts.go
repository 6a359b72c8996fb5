package httpapi

import (
	"time"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/trace"
)

// System states for the serving surface. DEGRADED still returns 200: the
// caller gets whatever truthful data exists plus the reason it is partial.
const (
	StateHealthy   = "HEALTHY"
	StateDegraded  = "DEGRADED"
	StateUnhealthy = "UNHEALTHY"
)

// Degradation reasons.
const (
	ReasonNoArtifact    = "no_artifact"
	ReasonStaleArtifact = "stale_artifact"
	ReasonFabrication   = "fabrication_detected"
	ReasonNoCandidates  = "no_candidates"
)

// Meta carries serving-state context alongside candidate payloads.
type Meta struct {
	SystemState string  `json:"system_state"`
	Reason      string  `json:"reason,omitempty"`
	AgeSeconds  float64 `json:"age_seconds,omitempty"`
	ScanID      string  `json:"scan_id,omitempty"`
	Preset      string  `json:"preset,omitempty"`
	WeightsHash string  `json:"weights_hash,omitempty"`
}

// ContendersResponse is the primary read payload.
type ContendersResponse struct {
	Candidates  []domain.Candidate `json:"candidates"`
	Count       int                `json:"count"`
	Strategy    string             `json:"strategy"`
	GeneratedAt *time.Time         `json:"generated_at,omitempty"`
	Meta        Meta               `json:"meta"`
}

// DebugResponse exposes the latest scan trace, rejection histogram, data
// age and the weights currently resolved for the traced strategy.
type DebugResponse struct {
	ScanID             string             `json:"scan_id"`
	Strategy           string             `json:"strategy"`
	Session            domain.Session     `json:"session"`
	DurationMS         int64              `json:"duration_ms"`
	BudgetSoftBreached bool               `json:"budget_soft_breached"`
	BudgetHardBreached bool               `json:"budget_hard_breached"`
	Published          bool               `json:"published"`
	Stages             []trace.StageEvent `json:"stages"`
	RejectionHistogram map[string]int     `json:"rejection_histogram"`
	DataAgeSeconds     *float64           `json:"data_age_seconds,omitempty"`
	Weights            map[string]float64 `json:"weights,omitempty"`
	WeightsHash        string             `json:"weights_hash,omitempty"`
	Err                string             `json:"error,omitempty"`
}

// ComponentHealth is one dependency's health probe result.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse aggregates dependency health and data freshness.
type HealthResponse struct {
	SystemState string                     `json:"system_state"`
	Components  map[string]ComponentHealth `json:"components"`
	DataAge     *float64                   `json:"data_age_seconds,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// CalibrationResponse wraps the resolved profile plus override state.
type CalibrationResponse struct {
	Profile  calibration.ResolvedProfile    `json:"profile"`
	Override *calibration.EmergencyOverride `json:"override,omitempty"`
}

// ForceLegacyRequest is the emergency-override body. TTLSeconds is capped
// server-side.
type ForceLegacyRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// StrategyComparison re-weights the latest artifact's published subscores
// under one preset. Scores shift, gate outcomes do not; it answers "what
// would this preset have tagged" cheaply and truthfully.
type StrategyComparison struct {
	Preset      string  `json:"preset"`
	Candidates  int     `json:"candidates"`
	TradeReady  int     `json:"trade_ready"`
	Watchlist   int     `json:"watchlist"`
	TopScore    float64 `json:"top_score"`
	TopSymbol   string  `json:"top_symbol,omitempty"`
	WeightsHash string  `json:"weights_hash"`
}

// ValidationResponse is the side-by-side strategy report.
type ValidationResponse struct {
	BaseScanID  string               `json:"base_scan_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Comparisons []StrategyComparison `json:"comparisons"`
	Meta        Meta                 `json:"meta"`
}

type errorResponse struct {
	Error string `json:"error"`
}
