package volcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/market"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeBars struct {
	bars map[string][]domain.Bar
	errs map[string]error
}

func (f *fakeBars) HistoricalBars(_ context.Context, symbol string, _ int) ([]domain.Bar, error) {
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	return f.bars[symbol], nil
}

type fakeUniverse struct{ symbols []string }

func (f *fakeUniverse) ActiveUniverse(context.Context) ([]string, error) {
	return append([]string(nil), f.symbols...), nil
}

func dailyBars(n int, volume int64) []domain.Bar {
	bars := make([]domain.Bar, n)
	day := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = domain.Bar{Date: day.AddDate(0, 0, -i), Volume: volume, Close: 5}
	}
	return bars
}

func testRefreshCfg() config.RefreshConfig {
	cfg := config.Default().Refresh
	cfg.BatchDelay = time.Millisecond
	return cfg
}

func TestRefreshFullComputesMeans(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 8, 21, 22, 0, 0, 0, time.UTC)}
	store := NewFakeStore(clock)
	bars := &fakeBars{bars: map[string][]domain.Bar{
		"VIGL": dailyBars(20, 450_000),
		"THIN": dailyBars(5, 100_000), // fewer than min_bars, skipped
	}}
	job := NewRefreshJob(store, bars, &fakeUniverse{symbols: []string{"VIGL", "THIN"}}, testRefreshCfg(), clock)

	summary, err := job.Run(context.Background(), RefreshFull)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Targeted)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Errors)

	got, err := store.BatchGet(context.Background(), []string{"VIGL", "THIN"})
	require.NoError(t, err)
	require.Contains(t, got, "VIGL")
	assert.Equal(t, 450_000.0, got["VIGL"].Avg20d)
	assert.NotContains(t, got, "THIN")
}

func TestRefreshIsolatesPerSymbolFailures(t *testing.T) {
	clock := fixedClock{t: time.Now()}
	store := NewFakeStore(clock)
	bars := &fakeBars{
		bars: map[string][]domain.Bar{"GOOD": dailyBars(20, 300_000)},
		errs: map[string]error{"BAD": assertAnError()},
	}
	job := NewRefreshJob(store, bars, &fakeUniverse{symbols: []string{"GOOD", "BAD"}}, testRefreshCfg(), clock)

	summary, err := job.Run(context.Background(), RefreshFull)
	require.NoError(t, err, "job succeeds while any symbol succeeds")
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Errors)
}

func TestRefreshGlobalOutageFails(t *testing.T) {
	clock := fixedClock{t: time.Now()}
	store := NewFakeStore(clock)
	bars := &fakeBars{errs: map[string]error{
		"A": market.ErrProviderUnavailable,
		"B": market.ErrProviderUnavailable,
	}}
	job := NewRefreshJob(store, bars, &fakeUniverse{symbols: []string{"A", "B"}}, testRefreshCfg(), clock)

	_, err := job.Run(context.Background(), RefreshFull)
	require.Error(t, err)
	assert.Zero(t, store.Len(), "cache unchanged on total outage")
}

func TestRefreshStaleModeTargetsOnlyStale(t *testing.T) {
	now := time.Date(2026, 8, 21, 22, 0, 0, 0, time.UTC) // Friday
	clock := fixedClock{t: now}
	store := NewFakeStore(clock)
	store.Seed(domain.VolumeAverage{Symbol: "OLD", Avg20d: 100_000, LastUpdated: now.AddDate(0, 0, -10)})
	store.Seed(domain.VolumeAverage{Symbol: "NEW", Avg20d: 200_000, LastUpdated: now.Add(-time.Hour)})

	bars := &fakeBars{bars: map[string][]domain.Bar{"OLD": dailyBars(20, 120_000)}}
	job := NewRefreshJob(store, bars, nil, testRefreshCfg(), clock)

	summary, err := job.Run(context.Background(), RefreshStale)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Targeted)
	assert.Equal(t, 1, summary.Processed)
}

func TestRefreshTestModeRespectsLimit(t *testing.T) {
	clock := fixedClock{t: time.Now()}
	store := NewFakeStore(clock)
	syms := make([]string, 50)
	barsBySym := make(map[string][]domain.Bar, 50)
	for i := range syms {
		syms[i] = string(rune('A'+i/26)) + string(rune('A'+i%26))
		barsBySym[syms[i]] = dailyBars(20, 500_000)
	}
	job := NewRefreshJob(store, &fakeBars{bars: barsBySym}, &fakeUniverse{symbols: syms}, testRefreshCfg(), clock)
	job.Limit = 10

	summary, err := job.Run(context.Background(), RefreshTest)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Targeted)
	assert.Equal(t, 10, summary.Processed)
}

func TestUpsertRejectsNonPositiveMean(t *testing.T) {
	clock := fixedClock{t: time.Now()}
	store := NewFakeStore(clock)
	err := store.Upsert(context.Background(), []domain.VolumeAverage{{Symbol: "X", Avg20d: 0}})
	require.ErrorIs(t, err, ErrInvalidVolume)
}

func assertAnError() error { return context.DeadlineExceeded }

func TestMemoStoreServesFromMemoWithinTTL(t *testing.T) {
	clock := fixedClock{t: time.Now()}
	inner := NewFakeStore(clock)
	inner.Seed(domain.VolumeAverage{Symbol: "VIGL", Avg20d: 450_000, LastUpdated: clock.Now()})

	memo := NewMemoStore(inner, time.Minute, clock)
	first, err := memo.BatchGet(context.Background(), []string{"VIGL"})
	require.NoError(t, err)
	require.Contains(t, first, "VIGL")

	// Inner store failing no longer matters for memoized symbols.
	inner.FailWith = context.DeadlineExceeded
	second, err := memo.BatchGet(context.Background(), []string{"VIGL"})
	require.NoError(t, err)
	assert.Equal(t, 450_000.0, second["VIGL"].Avg20d)
}

func TestMemoStoreDoesNotMemoizeMisses(t *testing.T) {
	clock := fixedClock{t: time.Now()}
	inner := NewFakeStore(clock)
	memo := NewMemoStore(inner, time.Minute, clock)

	got, err := memo.BatchGet(context.Background(), []string{"NEWCO"})
	require.NoError(t, err)
	assert.Empty(t, got)

	// A refresh lands; the next read must see it.
	require.NoError(t, inner.Upsert(context.Background(), []domain.VolumeAverage{{Symbol: "NEWCO", Avg20d: 900_000}}))
	got, err = memo.BatchGet(context.Background(), []string{"NEWCO"})
	require.NoError(t, err)
	assert.Contains(t, got, "NEWCO")
}
