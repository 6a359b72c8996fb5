// Package scan drives one full discovery run: snapshot, filter, score,
// publish, with per-stage tracing and a wall-clock budget.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/pipeline"
	"github.com/mikedmote52/AMC-trader-sub000/internal/publish"
	"github.com/mikedmote52/AMC-trader-sub000/internal/scoring"
	"github.com/mikedmote52/AMC-trader-sub000/internal/trace"
	"github.com/mikedmote52/AMC-trader-sub000/internal/volcache"
)

// LockKey guards against concurrent scans across processes.
const LockKey = "discovery:scan:lock"

// ErrScanInProgress means another writer holds the scan lock.
var ErrScanInProgress = errors.New("scan already in progress")

// ErrBudgetExceeded aborts a run past the hard wall-clock budget. Nothing
// is published; the previous artifact keeps serving.
var ErrBudgetExceeded = errors.New("scan hard budget exceeded")

// SnapshotSource supplies the full-market snapshot.
type SnapshotSource interface {
	BulkSnapshot(ctx context.Context) ([]domain.Snapshot, error)
}

// ProfileSource resolves the active calibration profile at scan start.
type ProfileSource interface {
	Get(strategy string) (calibration.ResolvedProfile, error)
}

// Observer receives stage timings and scan outcomes. Implemented by the
// metrics registry; a nil observer is skipped.
type Observer interface {
	ObserveStage(stage string, d time.Duration, outCount int)
	ScanCompleted(outcome string, d time.Duration)
	CacheResult(hits, misses int)
}

// Orchestrator owns the scan loop wiring. One instance serves all runs;
// the shared-store lock serializes writers across processes.
type Orchestrator struct {
	snapshots SnapshotSource
	universe  *pipeline.UniverseFilter
	prerank   *pipeline.MomentumPreRanker
	cache     volcache.Store
	rvol      *pipeline.RVolEvaluator
	enricher  scoring.Enricher
	engine    *scoring.Engine
	profiles  ProfileSource
	publisher *publish.Publisher
	kv        publish.KV
	recorder  *trace.Recorder
	observer  Observer
	clock     domain.Clock
	cfg       config.ScanConfig
	strategy  string

	mu            sync.Mutex
	lastGenerated time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Snapshots SnapshotSource
	Universe  *pipeline.UniverseFilter
	Prerank   *pipeline.MomentumPreRanker
	Cache     volcache.Store
	RVol      *pipeline.RVolEvaluator
	Enricher  scoring.Enricher
	Engine    *scoring.Engine
	Profiles  ProfileSource
	Publisher *publish.Publisher
	KV        publish.KV
	Recorder  *trace.Recorder
	Observer  Observer
	Clock     domain.Clock
}

// NewOrchestrator wires a scan loop for one strategy.
func NewOrchestrator(deps Deps, cfg config.ScanConfig, strategy string) *Orchestrator {
	enricher := deps.Enricher
	if enricher == nil {
		enricher = scoring.NoopEnricher{}
	}
	return &Orchestrator{
		snapshots: deps.Snapshots,
		universe:  deps.Universe,
		prerank:   deps.Prerank,
		cache:     deps.Cache,
		rvol:      deps.RVol,
		enricher:  enricher,
		engine:    deps.Engine,
		profiles:  deps.Profiles,
		publisher: deps.Publisher,
		kv:        deps.KV,
		recorder:  deps.Recorder,
		observer:  deps.Observer,
		clock:     deps.Clock,
		cfg:       cfg,
		strategy:  strategy,
	}
}

// Run executes one scan end to end and returns the published artifact.
// Exactly one of (artifact, error) is meaningful; on error nothing was
// published and the previous artifact stays live.
func (o *Orchestrator) Run(ctx context.Context) (domain.ScanArtifact, error) {
	scanID := ulid.Make().String()
	started := o.clock.Now()
	session := domain.SessionAt(started)

	acquired, err := o.kv.AcquireLock(ctx, LockKey, scanID, o.cfg.HardBudget)
	if err != nil {
		return domain.ScanArtifact{}, fmt.Errorf("acquire scan lock: %w", err)
	}
	if !acquired {
		return domain.ScanArtifact{}, ErrScanInProgress
	}
	defer func() {
		if err := o.kv.ReleaseLock(context.WithoutCancel(ctx), LockKey, scanID); err != nil {
			log.Warn().Err(err).Str("scan_id", scanID).Msg("scan lock release failed")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.HardBudget)
	defer cancel()

	tr := trace.ScanTrace{
		ScanID:    scanID,
		Strategy:  o.strategy,
		Session:   session,
		StartedAt: started,
	}

	artifact, err := o.run(ctx, scanID, session, started, &tr)

	tr.CompletedAt = o.clock.Now()
	tr.Duration = tr.CompletedAt.Sub(started)
	tr.BudgetSoft = tr.Duration > o.cfg.SoftBudget
	tr.BudgetHard = tr.Duration > o.cfg.HardBudget || errors.Is(err, ErrBudgetExceeded)
	if err != nil {
		tr.Err = err.Error()
	}
	if o.recorder != nil {
		o.recorder.Record(tr)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrBudgetExceeded) {
			outcome = "budget_exceeded"
		}
	}
	if o.observer != nil {
		o.observer.ScanCompleted(outcome, tr.Duration)
	}
	if tr.BudgetSoft && err == nil {
		log.Warn().Str("scan_id", scanID).Dur("duration", tr.Duration).
			Msg("scan exceeded soft budget")
	}

	return artifact, err
}

func (o *Orchestrator) run(ctx context.Context, scanID string, session domain.Session, started time.Time, tr *trace.ScanTrace) (domain.ScanArtifact, error) {
	profile, err := o.profiles.Get(o.strategy)
	if err != nil {
		return domain.ScanArtifact{}, fmt.Errorf("resolve profile: %w", err)
	}
	thresholds := profile.ForSession(session)

	var snaps []domain.Snapshot
	err = o.stage(tr, started, pipeline.StageSnapshot, 0, func() (int, map[string]int, error) {
		snaps, err = o.snapshots.BulkSnapshot(ctx)
		return len(snaps), nil, err
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}
	universeSize := len(snaps)

	var filtered []domain.Snapshot
	err = o.stage(tr, started, pipeline.StageUniverse, len(snaps), func() (int, map[string]int, error) {
		var rejs []domain.RejectionRecord
		filtered, rejs = o.universe.Apply(snaps, session)
		return len(filtered), countReasons(rejs), nil
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}

	var preranked []domain.Snapshot
	err = o.stage(tr, started, pipeline.StagePrerank, len(filtered), func() (int, map[string]int, error) {
		var rejs []domain.RejectionRecord
		preranked, rejs = o.prerank.Apply(filtered, session)
		return len(preranked), countReasons(rejs), nil
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}

	var averages map[string]domain.VolumeAverage
	err = o.stage(tr, started, pipeline.StageCacheGet, len(preranked), func() (int, map[string]int, error) {
		symbols := make([]string, len(preranked))
		for i, s := range preranked {
			symbols[i] = s.Symbol
		}
		averages, err = o.cache.BatchGet(ctx, symbols)
		if err != nil {
			return 0, nil, fmt.Errorf("volume cache read: %w", err)
		}
		if o.observer != nil {
			o.observer.CacheResult(len(averages), len(symbols)-len(averages))
		}
		return len(averages), nil, nil
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}

	var survivors []pipeline.RVolInput
	err = o.stage(tr, started, pipeline.StageRVol, len(preranked), func() (int, map[string]int, error) {
		var rejs []domain.RejectionRecord
		survivors, rejs = o.rvol.Apply(preranked, averages, thresholds.MinRVol, session)
		return len(survivors), countReasons(rejs), nil
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}

	var result scoring.Result
	err = o.stage(tr, started, pipeline.StageScoring, len(survivors), func() (int, map[string]int, error) {
		symbols := make([]string, len(survivors))
		for i, s := range survivors {
			symbols[i] = s.Snapshot.Symbol
		}
		enrichments, enErr := o.enricher.Enrich(ctx, symbols)
		if enErr != nil {
			// Enrichment is additive: score on hot-path observables.
			log.Warn().Err(enErr).Int("symbols", len(symbols)).Msg("enrichment unavailable")
			enrichments = nil
		}

		inputs := make([]scoring.Input, len(survivors))
		for i, s := range survivors {
			en, ok := enrichments[s.Snapshot.Symbol]
			if !ok {
				en = scoring.MissingEnrichment()
			}
			var avg30 *float64
			if a, ok := averages[s.Snapshot.Symbol]; ok {
				avg30 = a.Avg30d
			}
			inputs[i] = scoring.Input{
				Snapshot:   s.Snapshot,
				RVol:       s.RVol,
				Avg30d:     avg30,
				Enrichment: en,
			}
		}

		result, err = o.engine.Score(ctx, inputs, profile, session, scanID)
		return len(result.Candidates), countReasons(result.Rejections), err
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}

	artifact := domain.ScanArtifact{
		ScanID:      scanID,
		GeneratedAt: o.nextGeneratedAt(),
		Strategy:    profile.Strategy,
		Preset:      profile.ActivePreset,
		WeightsHash: profile.WeightsHash,
		Candidates:  result.Candidates,
		Stats: domain.ScanStats{
			UniverseSize:  universeSize,
			Preranked:     len(preranked),
			RVolSurvivors: len(survivors),
			Scored:        len(result.Candidates),
			TradeReady:    countTag(result.Candidates, domain.ActionTradeReady),
			Watchlist:     countTag(result.Candidates, domain.ActionWatchlist),
		},
		TraceRef: scanID,
	}
	if artifact.Candidates == nil {
		artifact.Candidates = []domain.Candidate{}
	}

	if err := publish.CheckArtifact(artifact); err != nil {
		return domain.ScanArtifact{}, err
	}

	err = o.stage(tr, started, pipeline.StagePublish, len(artifact.Candidates), func() (int, map[string]int, error) {
		return len(artifact.Candidates), nil, o.publisher.Publish(ctx, artifact)
	})
	if err != nil {
		return domain.ScanArtifact{}, err
	}
	tr.Published = true

	return artifact, nil
}

// stage runs one pipeline stage with timing, trace capture and the hard
// budget check. The budget is enforced between stages so a finished
// stage's results are never half-recorded.
func (o *Orchestrator) stage(tr *trace.ScanTrace, started time.Time, name string, in int, fn func() (int, map[string]int, error)) error {
	if elapsed := o.clock.Now().Sub(started); elapsed > o.cfg.HardBudget {
		return fmt.Errorf("%w: %v elapsed before %s", ErrBudgetExceeded, elapsed, name)
	}

	stageStart := o.clock.Now()
	out, rejections, err := fn()
	d := o.clock.Now().Sub(stageStart)

	ev := trace.StageEvent{
		Stage:      name,
		Duration:   d,
		InCount:    in,
		OutCount:   out,
		Rejections: rejections,
	}
	if err != nil {
		ev.Err = err.Error()
	}
	tr.Stages = append(tr.Stages, ev)

	if o.observer != nil {
		o.observer.ObserveStage(name, d, out)
	}
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}
	return nil
}

// nextGeneratedAt returns a strictly increasing timestamp so readers can
// order artifacts even across clock slew.
func (o *Orchestrator) nextGeneratedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	if !now.After(o.lastGenerated) {
		now = o.lastGenerated.Add(time.Millisecond)
	}
	o.lastGenerated = now
	return now
}

func countReasons(rejs []domain.RejectionRecord) map[string]int {
	if len(rejs) == 0 {
		return nil
	}
	out := make(map[string]int)
	for _, r := range rejs {
		out[r.Reason]++
	}
	return out
}

func countTag(cands []domain.Candidate, tag domain.ActionTag) int {
	n := 0
	for _, c := range cands {
		if c.ActionTag == tag {
			n++
		}
	}
	return n
}
