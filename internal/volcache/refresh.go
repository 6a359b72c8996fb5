package volcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/market"
)

// RefreshMode selects which symbols a refresh run targets.
type RefreshMode string

const (
	// RefreshFull refreshes the entire active universe.
	RefreshFull RefreshMode = "full"
	// RefreshTest refreshes a random sample, bounded by Limit.
	RefreshTest RefreshMode = "test"
	// RefreshStale refreshes only symbols past the freshness window.
	RefreshStale RefreshMode = "stale"
)

// BarSource supplies historical daily bars, normally the market client.
type BarSource interface {
	HistoricalBars(ctx context.Context, symbol string, nDays int) ([]domain.Bar, error)
}

// UniverseSource lists the symbols eligible for a full refresh.
type UniverseSource interface {
	ActiveUniverse(ctx context.Context) ([]string, error)
}

// RefreshSummary is the structured terminal outcome of one run.
type RefreshSummary struct {
	Mode      RefreshMode   `json:"mode"`
	Targeted  int           `json:"targeted"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Elapsed   time.Duration `json:"elapsed"`
}

// RefreshJob populates the volume cache from historical aggregates. Per-
// symbol failures are isolated and counted; a global provider outage fails
// the run and leaves the cache untouched.
type RefreshJob struct {
	store    Store
	bars     BarSource
	universe UniverseSource
	cfg      config.RefreshConfig
	clock    domain.Clock

	// Limit caps the symbol count in test mode.
	Limit int
}

// NewRefreshJob wires a refresh job. universe may be nil when only stale
// mode is used.
func NewRefreshJob(store Store, bars BarSource, universe UniverseSource, cfg config.RefreshConfig, clock domain.Clock) *RefreshJob {
	return &RefreshJob{store: store, bars: bars, universe: universe, cfg: cfg, clock: clock, Limit: 100}
}

// Run executes one refresh pass in the given mode.
func (j *RefreshJob) Run(ctx context.Context, mode RefreshMode) (RefreshSummary, error) {
	start := j.clock.Now()
	summary := RefreshSummary{Mode: mode}

	symbols, err := j.targets(ctx, mode)
	if err != nil {
		return summary, fmt.Errorf("resolve refresh targets: %w", err)
	}
	summary.Targeted = len(symbols)
	log.Info().Str("mode", string(mode)).Int("symbols", len(symbols)).Msg("volume refresh starting")

	batchSize := j.cfg.BatchSize
	delay := j.cfg.BatchDelay

	for i := 0; i < len(symbols); i += batchSize {
		end := i + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		results, skipped, errs, throttled := j.processBatch(ctx, symbols[i:end])
		summary.Skipped += skipped
		summary.Errors += errs

		if len(results) > 0 {
			if err := j.store.Upsert(ctx, results); err != nil {
				return summary, fmt.Errorf("upsert refresh batch: %w", err)
			}
			summary.Processed += len(results)
		}

		// Provider pushing back: halve the batch, double the pause.
		if throttled {
			if batchSize > 10 {
				batchSize /= 2
			}
			delay *= 2
			log.Warn().Int("batch_size", batchSize).Dur("delay", delay).
				Msg("provider throttling detected, backing off")
		}

		if end < len(symbols) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				summary.Elapsed = j.clock.Now().Sub(start)
				return summary, ctx.Err()
			}
		}
	}

	summary.Elapsed = j.clock.Now().Sub(start)
	if summary.Processed == 0 && summary.Errors > 0 {
		return summary, fmt.Errorf("%w: refresh produced no results (%d errors)",
			market.ErrProviderUnavailable, summary.Errors)
	}

	log.Info().Int("processed", summary.Processed).Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).Dur("elapsed", summary.Elapsed).
		Msg("volume refresh finished")
	return summary, nil
}

func (j *RefreshJob) targets(ctx context.Context, mode RefreshMode) ([]string, error) {
	switch mode {
	case RefreshStale:
		cutoff := domain.BusinessHoursBefore(j.clock.Now(), j.cfg.StaleWindow)
		return j.store.StaleSymbols(ctx, cutoff)
	case RefreshTest:
		if j.universe == nil {
			return nil, errors.New("test mode needs a universe source")
		}
		all, err := j.universe.ActiveUniverse(ctx)
		if err != nil {
			return nil, err
		}
		rand.Shuffle(len(all), func(a, b int) { all[a], all[b] = all[b], all[a] })
		if len(all) > j.Limit {
			all = all[:j.Limit]
		}
		return all, nil
	case RefreshFull:
		if j.universe == nil {
			return nil, errors.New("full mode needs a universe source")
		}
		return j.universe.ActiveUniverse(ctx)
	default:
		return nil, fmt.Errorf("unknown refresh mode %q", mode)
	}
}

// processBatch fetches bars for one batch concurrently. Returns computed
// averages, skip and error counts, and whether throttling was observed.
func (j *RefreshJob) processBatch(ctx context.Context, symbols []string) ([]domain.VolumeAverage, int, int, bool) {
	var (
		mu        sync.Mutex
		results   []domain.VolumeAverage
		skipped   int
		errCount  int
		throttled bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			avg, skip, err := j.computeAverage(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errCount++
				if errors.Is(err, market.ErrProviderUnavailable) {
					throttled = true
				}
				log.Debug().Err(err).Str("symbol", sym).Msg("refresh symbol failed")
			case skip:
				skipped++
			default:
				results = append(results, avg)
			}
			// Per-symbol failures never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	return results, skipped, errCount, throttled
}

func (j *RefreshJob) computeAverage(ctx context.Context, symbol string) (domain.VolumeAverage, bool, error) {
	bars, err := j.bars.HistoricalBars(ctx, symbol, j.cfg.LookbackDays)
	if err != nil {
		return domain.VolumeAverage{}, false, err
	}
	if len(bars) < j.cfg.MinBars {
		return domain.VolumeAverage{}, true, nil
	}
	if len(bars) > j.cfg.LookbackDays {
		bars = bars[:j.cfg.LookbackDays]
	}

	var total int64
	for _, b := range bars {
		total += b.Volume
	}
	mean := float64(total) / float64(len(bars))
	if mean <= 0 {
		return domain.VolumeAverage{}, true, nil
	}

	return domain.VolumeAverage{Symbol: symbol, Avg20d: mean}, false, nil
}
