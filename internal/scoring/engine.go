package scoring

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// Enrichment holds the optional inputs the enrichment layer may supply.
// Anything it could not observe stays Missing; subscores handle the gap.
type Enrichment struct {
	FloatShares   domain.Value
	ShortInterest domain.Value
	BorrowFee     domain.Value
	Utilization   domain.Value
	NewsSignal    domain.Value
	SocialRank    domain.Value
	CallPutRatio  domain.Value
	IVPercentile  domain.Value
	EMACross      domain.Value
	RSI           domain.Value
	UptrendDays   int
}

// Enricher supplies per-symbol enrichment for scoring. Implementations
// must return Missing values for anything they cannot observe.
type Enricher interface {
	Enrich(ctx context.Context, symbols []string) (map[string]Enrichment, error)
}

// NoopEnricher reports every input missing. The engine still scores on
// hot-path observables.
type NoopEnricher struct{}

func (NoopEnricher) Enrich(_ context.Context, symbols []string) (map[string]Enrichment, error) {
	out := make(map[string]Enrichment, len(symbols))
	for _, s := range symbols {
		out[s] = MissingEnrichment()
	}
	return out, nil
}

// MissingEnrichment returns an enrichment with every value absent.
func MissingEnrichment() Enrichment {
	return Enrichment{
		FloatShares:   domain.Missing("no_float_data"),
		ShortInterest: domain.Missing("no_short_data"),
		BorrowFee:     domain.Missing("no_borrow_data"),
		Utilization:   domain.Missing("no_utilization_data"),
		NewsSignal:    domain.Missing("no_news_data"),
		SocialRank:    domain.Missing("no_social_data"),
		CallPutRatio:  domain.Missing("no_options_data"),
		IVPercentile:  domain.Missing("no_options_data"),
		EMACross:      domain.Missing("no_technical_data"),
		RSI:           domain.Missing("no_technical_data"),
	}
}

// Input is one pre-ranked, RVOL-qualified symbol entering the engine.
type Input struct {
	Snapshot   domain.Snapshot
	RVol       float64
	Avg30d     *float64
	Enrichment Enrichment
}

// Result is the outcome of the scoring stage.
type Result struct {
	Candidates []domain.Candidate
	Rejections []domain.RejectionRecord
	SoftPassed int
}

// Engine computes the 5-subscore weighted composite and applies the hard
// gates, soft-pass policy and action tagging.
type Engine struct {
	shardThreshold int
	shardWorkers   int
	maxCandidates  int
}

// NewEngine builds a scoring engine. Sharding kicks in above
// shardThreshold inputs.
func NewEngine(shardThreshold, shardWorkers, maxCandidates int) *Engine {
	if shardWorkers < 1 {
		shardWorkers = 1
	}
	return &Engine{
		shardThreshold: shardThreshold,
		shardWorkers:   shardWorkers,
		maxCandidates:  maxCandidates,
	}
}

// scored is the pre-admission evaluation of one input.
type scored struct {
	candidate domain.Candidate
	verdict   gateVerdict
	catalyst  float64
}

// Score evaluates every input under the resolved profile and session,
// returning admitted candidates ordered by score desc, symbol asc, capped
// at the configured maximum.
func (e *Engine) Score(ctx context.Context, inputs []Input, profile calibration.ResolvedProfile, session domain.Session, scanID string) (Result, error) {
	thresholds := profile.ForSession(session)

	evaluated, err := e.evaluate(ctx, inputs, profile, thresholds, scanID)
	if err != nil {
		return Result{}, err
	}

	// Deterministic admission order before the soft-pass cap applies.
	sort.Slice(evaluated, func(i, j int) bool {
		if evaluated[i].candidate.Score != evaluated[j].candidate.Score {
			return evaluated[i].candidate.Score > evaluated[j].candidate.Score
		}
		return evaluated[i].candidate.Symbol < evaluated[j].candidate.Symbol
	})

	var res Result
	for _, s := range evaluated {
		c := s.candidate

		if !s.verdict.Passed {
			if e.admitSoftPass(s, thresholds, &res) {
				continue
			}
			res.Rejections = append(res.Rejections, domain.RejectionRecord{
				Symbol:  c.Symbol,
				Stage:   "scoring",
				Reason:  s.verdict.Reason,
				Session: session,
			})
			continue
		}

		// Gate 5: score floor.
		if c.Score < thresholds.WatchlistMin {
			res.Rejections = append(res.Rejections, domain.RejectionRecord{
				Symbol:  c.Symbol,
				Stage:   "scoring",
				Reason:  domain.ReasonScoreBelowMin,
				Session: session,
			})
			continue
		}

		c.ActionTag = domain.ActionWatchlist
		if c.Score >= thresholds.TradeReadyMin {
			c.ActionTag = domain.ActionTradeReady
		}
		res.Candidates = append(res.Candidates, c)
	}

	if len(res.Candidates) > e.maxCandidates {
		for _, cut := range res.Candidates[e.maxCandidates:] {
			res.Rejections = append(res.Rejections, domain.RejectionRecord{
				Symbol:  cut.Symbol,
				Stage:   "scoring",
				Reason:  "candidate_cap_reached",
				Session: session,
			})
		}
		res.Candidates = res.Candidates[:e.maxCandidates]
	}

	return res, nil
}

// admitSoftPass admits a near-miss candidate when the soft-pass policy
// allows it. Returns true when the candidate was handled (admitted).
func (e *Engine) admitSoftPass(s scored, t calibration.Thresholds, res *Result) bool {
	if t.MaxSoftPass <= 0 || !s.verdict.SoftPassEligible {
		return false
	}
	if res.SoftPassed >= t.MaxSoftPass {
		return false
	}
	if s.catalyst < t.CatalystSoftPassMin {
		return false
	}
	c := s.candidate
	if c.Score < t.WatchlistMin {
		return false
	}

	c.SoftPass = true
	c.ActionTag = domain.ActionWatchlist
	// Soft-passed candidates need extra headroom to be trade-ready.
	if c.Score >= t.TradeReadyMin+t.SoftPassPenalty {
		c.ActionTag = domain.ActionTradeReady
	}
	res.Candidates = append(res.Candidates, c)
	res.SoftPassed++
	return true
}

// evaluate scores all inputs, sharding across workers when the survivor
// set is large enough to be worth it.
func (e *Engine) evaluate(ctx context.Context, inputs []Input, profile calibration.ResolvedProfile, t calibration.Thresholds, scanID string) ([]scored, error) {
	out := make([]scored, len(inputs))

	if len(inputs) <= e.shardThreshold || e.shardWorkers == 1 {
		for i, in := range inputs {
			if i%256 == 0 && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out[i] = e.scoreOne(in, profile, t, scanID)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(inputs) + e.shardWorkers - 1) / e.shardWorkers
	for w := 0; w < e.shardWorkers; w++ {
		start := w * chunk
		if start >= len(inputs) {
			break
		}
		end := start + chunk
		if end > len(inputs) {
			end = len(inputs)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%256 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				out[i] = e.scoreOne(inputs[i], profile, t, scanID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) scoreOne(in Input, profile calibration.ResolvedProfile, t calibration.Thresholds, scanID string) scored {
	snap := in.Snapshot
	f := buildFactorSet(in)

	subs := computeSubscores(f)
	subscores := make(map[string]float64, len(subs))
	var score float64
	for key, sr := range subs {
		subscores[key] = sr.Value
		score += profile.Weights[key] * sr.Value
	}

	verdict := evaluateGates(f, snap.Price, snap.VWAP, t)

	return scored{
		candidate: domain.Candidate{
			Symbol:      snap.Symbol,
			ScanID:      scanID,
			Price:       snap.Price,
			Volume:      snap.Volume,
			ChangePct:   snap.ChangePct,
			RVol:        f.RVol,
			ATRPct:      f.ATRPct,
			RelVol30:    f.RelVol30,
			VWAPReclaim: f.VWAPReclaimed,
			FloatClass:  floatClassOf(f),
			Factors:     f,
			Subscores:   subscores,
			Score:       score,
			ActionTag:   domain.ActionRejected,
			MidFloatAlt: verdict.MidFloatAlt,
			Strategy:    profile.Strategy,
			Preset:      profile.ActivePreset,
			WeightsHash: profile.WeightsHash,
		},
		verdict:  verdict,
		catalyst: subscores[domain.SubscoreCatalyst],
	}
}

// buildFactorSet derives the factor set from hot-path observables plus
// enrichment. relvol_30 prefers the 30-day baseline and falls back to the
// 20-day RVOL; both are observed ratios, never defaults.
func buildFactorSet(in Input) domain.FactorSet {
	snap := in.Snapshot

	relvol30 := in.RVol
	if in.Avg30d != nil && *in.Avg30d > 0 {
		relvol30 = float64(snap.Volume) / *in.Avg30d
	}

	atrPct := 0.0
	if snap.Price > 0 && snap.High > snap.Low && snap.Low >= 0 {
		atrPct = (snap.High - snap.Low) / snap.Price
	}

	vwapReclaimed := snap.VWAP > 0 && snap.Price >= snap.VWAP

	en := in.Enrichment
	return domain.FactorSet{
		RVol:          in.RVol,
		RelVol30:      relvol30,
		ATRPct:        atrPct,
		VWAPReclaimed: vwapReclaimed,
		UptrendDays:   en.UptrendDays,
		FloatShares:   en.FloatShares,
		ShortInterest: en.ShortInterest,
		BorrowFee:     en.BorrowFee,
		Utilization:   en.Utilization,
		NewsSignal:    en.NewsSignal,
		SocialRank:    en.SocialRank,
		CallPutRatio:  en.CallPutRatio,
		IVPercentile:  en.IVPercentile,
		EMACross:      en.EMACross,
		RSI:           en.RSI,
	}
}

func floatClassOf(f domain.FactorSet) domain.FloatClass {
	shares, ok := f.FloatShares.Get()
	if !ok {
		return domain.FloatUnknown
	}
	return domain.ClassifyFloat(shares)
}
