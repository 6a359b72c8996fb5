package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 19, 14, 0, 0, 0, time.UTC)}
	return NewStore(clock), clock
}

func TestGetReturnsValidDefaults(t *testing.T) {
	store, _ := newTestStore()
	p, err := store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "hybrid_v1", p.ActivePreset)
	assert.NoError(t, p.Weights.Validate())
	assert.InDelta(t, 1.0, p.Weights.Sum(), 1e-9)
	assert.NotEmpty(t, p.WeightsHash)
	assert.False(t, p.Forced)
}

func TestPatchRenormalizesWeights(t *testing.T) {
	store, _ := newTestStore()
	p, err := store.Patch(domain.StrategyHybridV1, PatchRequest{
		Weights: map[string]float64{domain.SubscoreSqueeze: 0.50},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Weights.Sum(), 1e-9)
	assert.Equal(t, int64(2), p.Version)
}

func TestPatchRejectsNegativeWeight(t *testing.T) {
	store, _ := newTestStore()
	before, _ := store.Get(domain.StrategyHybridV1)

	_, err := store.Patch(domain.StrategyHybridV1, PatchRequest{
		Weights: map[string]float64{domain.SubscoreSqueeze: -0.2},
	})
	require.ErrorIs(t, err, ErrCalibrationInvalid)

	after, _ := store.Get(domain.StrategyHybridV1)
	assert.Equal(t, before.Version, after.Version, "rejected patch keeps the current profile")
}

func TestPatchRejectsLegacyPercentScale(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Patch(domain.StrategyHybridV1, PatchRequest{
		Thresholds: map[string]any{"trade_ready_min": 75.0},
	})
	require.ErrorIs(t, err, ErrCalibrationInvalid)
}

func TestPatchRejectsUnknownKeys(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Patch(domain.StrategyHybridV1, PatchRequest{
		Thresholds: map[string]any{"mystery_knob": 1.0},
	})
	require.ErrorIs(t, err, ErrCalibrationInvalid)

	_, err = store.Patch(domain.StrategyHybridV1, PatchRequest{
		Weights: map[string]float64{"sentiment": 0.3},
	})
	require.ErrorIs(t, err, ErrCalibrationInvalid)
}

func TestSetPresetSwapsSubtree(t *testing.T) {
	store, _ := newTestStore()
	p, err := store.SetPreset(domain.StrategyHybridV1, "squeeze_aggressive")
	require.NoError(t, err)
	assert.Equal(t, "squeeze_aggressive", p.ActivePreset)
	assert.Equal(t, 0.40, p.Weights[domain.SubscoreSqueeze])
	assert.Equal(t, 2.0, p.Thresholds.MinRelVol30)

	_, err = store.SetPreset(domain.StrategyHybridV1, "nope")
	require.ErrorIs(t, err, ErrCalibrationInvalid)
}

func TestResetIsLeftIdentityForPatch(t *testing.T) {
	store, _ := newTestStore()
	patch := PatchRequest{Thresholds: map[string]any{"min_relvol_30": 3.0}}

	// Patch applied to a freshly reset profile equals the patch applied
	// to the pinned defaults.
	_, err := store.Patch(domain.StrategyHybridV1, PatchRequest{
		Thresholds: map[string]any{"min_atr_pct": 0.09},
	})
	require.NoError(t, err)
	_, err = store.Reset(domain.StrategyHybridV1)
	require.NoError(t, err)
	afterReset, err := store.Patch(domain.StrategyHybridV1, patch)
	require.NoError(t, err)

	fresh := NewStore(&fakeClock{t: time.Now()})
	direct, err := fresh.Patch(domain.StrategyHybridV1, patch)
	require.NoError(t, err)

	assert.Equal(t, direct.Weights, afterReset.Weights)
	assert.Equal(t, direct.Thresholds, afterReset.Thresholds)
}

func TestVersionMonotonicAcrossTransitions(t *testing.T) {
	store, _ := newTestStore()
	var last int64
	for _, step := range []func() (ResolvedProfile, error){
		func() (ResolvedProfile, error) {
			return store.Patch(domain.StrategyHybridV1, PatchRequest{Thresholds: map[string]any{"min_rvol": 2.0}})
		},
		func() (ResolvedProfile, error) { return store.SetPreset(domain.StrategyHybridV1, "catalyst_heavy") },
		func() (ResolvedProfile, error) { return store.Reset(domain.StrategyHybridV1) },
	} {
		p, err := step()
		require.NoError(t, err)
		assert.Greater(t, p.Version, last)
		last = p.Version
	}
}

func TestForceStrategyShadowsUntilExpiry(t *testing.T) {
	store, clock := newTestStore()

	ov, err := store.ForceStrategy(domain.StrategyLegacyV0, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), ov.ExpiresAt)

	p, err := store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyLegacyV0, p.Strategy)
	assert.True(t, p.Forced)

	// One second past the TTL the base strategy is back.
	clock.Advance(15*time.Minute + time.Second)
	p, err = store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyHybridV1, p.Strategy)
	assert.False(t, p.Forced)
	assert.Nil(t, store.ActiveOverride())
}

func TestForceStrategyCapsTTL(t *testing.T) {
	store, clock := newTestStore()
	ov, err := store.ForceStrategy(domain.StrategyLegacyV0, 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(MaxOverrideTTL), ov.ExpiresAt)
}

func TestWeightsHashStableAndDriftSensitive(t *testing.T) {
	w1 := Weights{
		domain.SubscoreVolumeMomentum: 0.35,
		domain.SubscoreSqueeze:        0.25,
		domain.SubscoreCatalyst:       0.20,
		domain.SubscoreOptions:        0.10,
		domain.SubscoreTechnical:      0.10,
	}
	w2 := w1.Clone()
	assert.Equal(t, w1.Hash(), w2.Hash())

	w2[domain.SubscoreSqueeze] = 0.26
	assert.NotEqual(t, w1.Hash(), w2.Hash())
}

func TestForSessionMergesOverrides(t *testing.T) {
	p := defaultProfile(domain.StrategyHybridV1)

	regular := p.ForSession(domain.SessionRegular)
	assert.Equal(t, 2.5, regular.MinRelVol30)

	after := p.ForSession(domain.SessionAfterhours)
	assert.Equal(t, 1.8, after.MinRelVol30)

	closed := p.ForSession(domain.SessionClosed)
	assert.False(t, closed.RequireVWAPReclaim)
}
