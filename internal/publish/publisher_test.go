package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

// regularSessionTime is a Wednesday 14:00 UTC, 10:00 ET.
var regularSessionTime = time.Date(2026, 8, 19, 14, 0, 0, 0, time.UTC)

func testArtifact(generatedAt time.Time) domain.ScanArtifact {
	return domain.ScanArtifact{
		ScanID:      "01J5TESTSCAN",
		GeneratedAt: generatedAt,
		Strategy:    domain.StrategyHybridV1,
		Preset:      "hybrid_v1",
		WeightsHash: "abc123",
		Candidates: []domain.Candidate{{
			Symbol: "VIGL", Price: 3.20, Score: 0.87,
			ActionTag: domain.ActionTradeReady,
			Factors: domain.FactorSet{
				RVol:          20.9,
				ShortInterest: domain.Known(0.35, domain.SourceEnriched, 0.9),
			},
		}},
		Stats: domain.ScanStats{Scored: 1, TradeReady: 1},
	}
}

func TestPublishWritesBothKeysIdentically(t *testing.T) {
	kv := NewMemKV()
	pub := NewPublisher(kv, "discovery:contenders:latest", 600*time.Second)

	require.NoError(t, pub.Publish(context.Background(), testArtifact(regularSessionTime)))

	primary, ok, err := kv.Get(context.Background(), "discovery:contenders:latest:hybrid_v1")
	require.NoError(t, err)
	require.True(t, ok)
	fallback, ok, err := kv.Get(context.Background(), "discovery:contenders:latest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, primary, fallback, "both keys carry the identical payload")
}

func TestPublishAbortsOnWriteError(t *testing.T) {
	kv := NewMemKV()
	kv.FailSet = errors.New("connection reset")
	pub := NewPublisher(kv, "discovery:contenders:latest", 600*time.Second)

	err := pub.Publish(context.Background(), testArtifact(regularSessionTime))
	require.ErrorIs(t, err, ErrPublishFailed)

	_, ok, _ := kv.Get(context.Background(), "discovery:contenders:latest:hybrid_v1")
	assert.False(t, ok, "nothing written after failed publish")
}

func TestLatestPrefersStrategyKey(t *testing.T) {
	kv := NewMemKV()
	clock := &fixedClock{t: regularSessionTime}
	pub := NewPublisher(kv, "discovery:contenders:latest", 600*time.Second)
	reader := NewReader(kv, "discovery:contenders:latest", clock, 300*time.Second, 900*time.Second)

	require.NoError(t, pub.Publish(context.Background(), testArtifact(regularSessionTime.Add(-time.Minute))))

	artifact, fresh, err := reader.Latest(context.Background(), domain.StrategyHybridV1)
	require.NoError(t, err)
	assert.Equal(t, "01J5TESTSCAN", artifact.ScanID)
	assert.True(t, fresh.Fresh)
	assert.False(t, fresh.Degraded)
	assert.Equal(t, time.Minute, fresh.Age)
}

func TestLatestFallsBackToBareKey(t *testing.T) {
	kv := NewMemKV()
	clock := &fixedClock{t: regularSessionTime}
	reader := NewReader(kv, "discovery:contenders:latest", clock, 300*time.Second, 900*time.Second)

	payload, err := json.Marshal(testArtifact(regularSessionTime))
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), "discovery:contenders:latest", payload, time.Minute))

	artifact, _, err := reader.Latest(context.Background(), domain.StrategyLegacyV0)
	require.NoError(t, err)
	assert.Equal(t, "01J5TESTSCAN", artifact.ScanID)
}

func TestLatestNoArtifact(t *testing.T) {
	reader := NewReader(NewMemKV(), "discovery:contenders:latest",
		&fixedClock{t: regularSessionTime}, 300*time.Second, 900*time.Second)

	_, _, err := reader.Latest(context.Background(), domain.StrategyHybridV1)
	require.ErrorIs(t, err, ErrNoArtifact)
}

func TestStaleArtifactMarkedDegraded(t *testing.T) {
	kv := NewMemKV()
	clock := &fixedClock{t: regularSessionTime}
	pub := NewPublisher(kv, "discovery:contenders:latest", time.Hour)
	reader := NewReader(kv, "discovery:contenders:latest", clock, 300*time.Second, 900*time.Second)

	require.NoError(t, pub.Publish(context.Background(), testArtifact(regularSessionTime.Add(-10*time.Minute))))

	_, fresh, err := reader.Latest(context.Background(), domain.StrategyHybridV1)
	require.NoError(t, err)
	assert.False(t, fresh.Fresh)
	assert.True(t, fresh.Degraded)
}

func TestFutureTimestampMarkedDegraded(t *testing.T) {
	kv := NewMemKV()
	clock := &fixedClock{t: regularSessionTime}
	pub := NewPublisher(kv, "discovery:contenders:latest", time.Hour)
	reader := NewReader(kv, "discovery:contenders:latest", clock, 300*time.Second, 900*time.Second)

	require.NoError(t, pub.Publish(context.Background(), testArtifact(regularSessionTime.Add(2*time.Minute))))

	_, fresh, err := reader.Latest(context.Background(), domain.StrategyHybridV1)
	require.NoError(t, err)
	assert.False(t, fresh.Fresh)
	assert.True(t, fresh.Degraded, "a generated_at ahead of the clock is not trusted")
	assert.Negative(t, fresh.Age)
}

func TestOffHoursUsesRelaxedMaxAge(t *testing.T) {
	kv := NewMemKV()
	// Wednesday 02:00 UTC is 22:00 ET Tuesday, closed session.
	closed := time.Date(2026, 8, 19, 2, 0, 0, 0, time.UTC)
	clock := &fixedClock{t: closed}
	kv.SetClock(clock.Now)
	pub := NewPublisher(kv, "discovery:contenders:latest", time.Hour)
	reader := NewReader(kv, "discovery:contenders:latest", clock, 300*time.Second, 900*time.Second)

	require.NoError(t, pub.Publish(context.Background(), testArtifact(closed.Add(-10*time.Minute))))

	_, fresh, err := reader.Latest(context.Background(), domain.StrategyHybridV1)
	require.NoError(t, err)
	assert.True(t, fresh.Fresh, "10 minutes is inside the off-hours window")
	assert.Equal(t, 900*time.Second, fresh.MaxAge)
}

func TestFabricatedValueRejectsWholeArtifact(t *testing.T) {
	kv := NewMemKV()
	clock := &fixedClock{t: regularSessionTime}
	pub := NewPublisher(kv, "discovery:contenders:latest", time.Hour)
	reader := NewReader(kv, "discovery:contenders:latest", clock, 300*time.Second, 900*time.Second)

	bad := testArtifact(regularSessionTime)
	bad.Candidates = append(bad.Candidates, domain.Candidate{
		Symbol: "FAKE",
		Factors: domain.FactorSet{
			ShortInterest: domain.Known(0.15, domain.SourceSectorFallback, 0),
		},
	})
	require.NoError(t, pub.Publish(context.Background(), bad))

	_, _, err := reader.Latest(context.Background(), domain.StrategyHybridV1)
	require.ErrorIs(t, err, ErrArtifactCorrupt)
}

func TestBannedConstantFromRealSourcePasses(t *testing.T) {
	a := testArtifact(regularSessionTime)
	a.Candidates[0].Factors.ShortInterest = domain.Known(0.25, domain.SourceEnriched, 0.9)
	assert.NoError(t, CheckArtifact(a), "observed values may equal a banned constant")
}

func TestLockAcquireReleaseCycle(t *testing.T) {
	kv := NewMemKV()
	ctx := context.Background()

	ok, err := kv.AcquireLock(ctx, "discovery:scan:lock", "scan-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.AcquireLock(ctx, "discovery:scan:lock", "scan-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second writer blocked while lock held")

	// Wrong token does not release.
	require.NoError(t, kv.ReleaseLock(ctx, "discovery:scan:lock", "scan-b"))
	ok, _ = kv.AcquireLock(ctx, "discovery:scan:lock", "scan-b", time.Minute)
	assert.False(t, ok)

	require.NoError(t, kv.ReleaseLock(ctx, "discovery:scan:lock", "scan-a"))
	ok, _ = kv.AcquireLock(ctx, "discovery:scan:lock", "scan-b", time.Minute)
	assert.True(t, ok)
}
