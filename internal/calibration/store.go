package calibration

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// MaxOverrideTTL caps emergency overrides so a rollback cannot be
// forgotten in place.
const MaxOverrideTTL = 15 * time.Minute

// EmergencyOverride shadows the active profile with a forced strategy
// until it expires.
type EmergencyOverride struct {
	ForcedStrategy string    `json:"forced_strategy"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// PatchRequest is a partial update merged into the active profile.
// Weight patches are re-normalized if they leave the sum off 1.
type PatchRequest struct {
	Weights    map[string]float64 `json:"weights,omitempty"`
	Thresholds map[string]any     `json:"thresholds,omitempty"`
}

// Store holds the active calibration profile per strategy with
// copy-on-write updates. Readers take an immutable snapshot via Get;
// writers swap the root under the lock.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	override *EmergencyOverride
	presets  map[string]Preset
	clock    domain.Clock
	history  HistorySink
}

// HistorySink receives every committed profile version. Optional.
type HistorySink interface {
	SaveVersion(strategy string, p Profile) error
}

// NewStore builds a store seeded with the pinned defaults for the given
// strategies.
func NewStore(clock domain.Clock, strategies ...string) *Store {
	if len(strategies) == 0 {
		strategies = []string{domain.StrategyHybridV1, domain.StrategyLegacyV0}
	}
	profiles := make(map[string]Profile, len(strategies))
	for _, s := range strategies {
		profiles[s] = defaultProfile(s)
	}
	return &Store{
		profiles: profiles,
		presets:  builtinPresets(),
		clock:    clock,
	}
}

// SetHistorySink attaches a persistence sink for committed versions.
func (s *Store) SetHistorySink(sink HistorySink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = sink
}

// Get returns the resolved profile for strategy: the base profile with any
// unexpired emergency override applied. The returned value is a deep copy.
func (s *Store) Get(strategy string) (ResolvedProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	effective := strategy
	forced := false
	if ov := s.override; ov != nil && s.clock.Now().Before(ov.ExpiresAt) {
		effective = ov.ForcedStrategy
		forced = true
	}

	p, ok := s.profiles[effective]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", ErrCalibrationInvalid, effective)
	}

	clone := p.Clone()
	return ResolvedProfile{
		Profile:     clone,
		WeightsHash: clone.Weights.Hash(),
		Forced:      forced,
	}, nil
}

// Patch merges a partial update into the strategy's profile. Invalid
// patches leave the current profile untouched.
func (s *Store) Patch(strategy string, req PatchRequest) (ResolvedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.profiles[strategy]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", ErrCalibrationInvalid, strategy)
	}

	next := base.Clone()

	if len(req.Weights) > 0 {
		for k, v := range req.Weights {
			if v < 0 {
				return ResolvedProfile{}, fmt.Errorf("%w: negative weight %s=%v", ErrCalibrationInvalid, k, v)
			}
			if _, known := next.Weights[k]; !known {
				return ResolvedProfile{}, fmt.Errorf("%w: unknown weight key %q", ErrCalibrationInvalid, k)
			}
			next.Weights[k] = v
		}
		next.Weights.Normalize()
		if err := next.Weights.Validate(); err != nil {
			return ResolvedProfile{}, err
		}
	}

	if len(req.Thresholds) > 0 {
		if err := applyThresholdPatch(&next.Thresholds, req.Thresholds); err != nil {
			return ResolvedProfile{}, err
		}
		if err := next.Thresholds.Validate(); err != nil {
			return ResolvedProfile{}, err
		}
	}

	return s.commit(strategy, next)
}

// SetPreset swaps the preset subtree (weights and thresholds) while keeping
// session overrides.
func (s *Store) SetPreset(strategy, name string) (ResolvedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.profiles[strategy]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", ErrCalibrationInvalid, strategy)
	}
	preset, ok := s.presets[name]
	if !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown preset %q", ErrCalibrationInvalid, name)
	}

	next := base.Clone()
	next.ActivePreset = preset.Name
	next.Weights = preset.Weights.Clone()
	next.Thresholds = preset.Thresholds

	return s.commit(strategy, next)
}

// Reset restores the pinned defaults for the strategy.
func (s *Store) Reset(strategy string) (ResolvedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[strategy]; !ok {
		return ResolvedProfile{}, fmt.Errorf("%w: unknown strategy %q", ErrCalibrationInvalid, strategy)
	}

	next := defaultProfile(strategy)
	next.Version = s.profiles[strategy].Version // bumped by commit
	return s.commit(strategy, next)
}

// ForceStrategy creates an emergency override routing all reads to the
// forced strategy until the TTL expires. TTL is capped at MaxOverrideTTL.
func (s *Store) ForceStrategy(strategy string, ttl time.Duration) (EmergencyOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[strategy]; !ok {
		return EmergencyOverride{}, fmt.Errorf("%w: unknown strategy %q", ErrCalibrationInvalid, strategy)
	}
	if ttl <= 0 || ttl > MaxOverrideTTL {
		ttl = MaxOverrideTTL
	}

	ov := EmergencyOverride{
		ForcedStrategy: strategy,
		ExpiresAt:      s.clock.Now().Add(ttl),
	}
	s.override = &ov

	log.Warn().Str("strategy", strategy).Time("expires_at", ov.ExpiresAt).
		Msg("emergency strategy override engaged")
	return ov, nil
}

// ClearOverride removes any active emergency override.
func (s *Store) ClearOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.override = nil
}

// ActiveOverride returns the override while unexpired, else nil.
func (s *Store) ActiveOverride() *EmergencyOverride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override == nil || !s.clock.Now().Before(s.override.ExpiresAt) {
		return nil
	}
	ov := *s.override
	return &ov
}

// Strategies lists the configured strategy names.
func (s *Store) Strategies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.profiles))
	for k := range s.profiles {
		out = append(out, k)
	}
	return out
}

// PresetParams returns a preset's weights and thresholds by name.
func (s *Store) PresetParams(name string) (Weights, Thresholds, bool) {
	preset, ok := s.presets[name]
	if !ok {
		return nil, Thresholds{}, false
	}
	return preset.Weights.Clone(), preset.Thresholds, true
}

// PresetNames lists the available presets.
func (s *Store) PresetNames() []string {
	out := make([]string, 0, len(s.presets))
	for k := range s.presets {
		out = append(out, k)
	}
	return out
}

// commit validates, bumps the version and swaps the profile. Caller holds
// the write lock.
func (s *Store) commit(strategy string, next Profile) (ResolvedProfile, error) {
	if err := next.Weights.Validate(); err != nil {
		return ResolvedProfile{}, err
	}
	if err := next.Thresholds.Validate(); err != nil {
		return ResolvedProfile{}, err
	}

	next.Version = s.profiles[strategy].Version + 1
	s.profiles[strategy] = next

	if s.history != nil {
		if err := s.history.SaveVersion(strategy, next); err != nil {
			log.Warn().Err(err).Str("strategy", strategy).Msg("calibration history write failed")
		}
	}

	clone := next.Clone()
	return ResolvedProfile{Profile: clone, WeightsHash: clone.Weights.Hash()}, nil
}

func applyThresholdPatch(t *Thresholds, patch map[string]any) error {
	for key, raw := range patch {
		switch key {
		case "min_relvol_30":
			if err := setFloat(&t.MinRelVol30, key, raw); err != nil {
				return err
			}
		case "min_atr_pct":
			if err := setFloat(&t.MinATRPct, key, raw); err != nil {
				return err
			}
		case "vwap_proximity_pct":
			if err := setFloat(&t.VWAPProximityPct, key, raw); err != nil {
				return err
			}
		case "min_rvol":
			if err := setFloat(&t.MinRVol, key, raw); err != nil {
				return err
			}
		case "trade_ready_min":
			if err := setFloat(&t.TradeReadyMin, key, raw); err != nil {
				return err
			}
		case "watchlist_min":
			if err := setFloat(&t.WatchlistMin, key, raw); err != nil {
				return err
			}
		case "soft_pass_tolerance":
			if err := setFloat(&t.SoftPassTolerance, key, raw); err != nil {
				return err
			}
		case "catalyst_soft_pass_min":
			if err := setFloat(&t.CatalystSoftPassMin, key, raw); err != nil {
				return err
			}
		case "soft_pass_penalty":
			if err := setFloat(&t.SoftPassPenalty, key, raw); err != nil {
				return err
			}
		case "max_soft_pass":
			f, err := asFloat(key, raw)
			if err != nil {
				return err
			}
			t.MaxSoftPass = int(f)
		case "require_vwap_reclaim":
			b, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("%w: %s wants a bool", ErrCalibrationInvalid, key)
			}
			t.RequireVWAPReclaim = b
		case "mid_float_path_enabled":
			b, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("%w: %s wants a bool", ErrCalibrationInvalid, key)
			}
			t.MidFloatPathEnabled = b
		default:
			return fmt.Errorf("%w: unknown threshold key %q", ErrCalibrationInvalid, key)
		}
	}
	return nil
}

func setFloat(dst *float64, key string, raw any) error {
	f, err := asFloat(key, raw)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func asFloat(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %s wants a number, got %T", ErrCalibrationInvalid, key, raw)
	}
}
