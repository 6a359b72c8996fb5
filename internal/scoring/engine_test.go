package scoring

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

func testProfile(t *testing.T) calibration.ResolvedProfile {
	t.Helper()
	store := calibration.NewStore(domain.RealClock{})
	p, err := store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)
	return p
}

// strongInput models a VIGL-style mover: rvol ~20.9, wide range, price
// above VWAP, with attributed squeeze and catalyst data.
func strongInput() Input {
	en := MissingEnrichment()
	en.FloatShares = domain.Known(12_000_000, domain.SourceEnriched, 0.9)
	en.ShortInterest = domain.Known(0.35, domain.SourceEnriched, 0.9)
	en.BorrowFee = domain.Known(0.60, domain.SourceEnriched, 0.8)
	en.Utilization = domain.Known(0.98, domain.SourceEnriched, 0.8)
	en.NewsSignal = domain.Known(0.9, domain.SourceEnriched, 0.9)
	en.SocialRank = domain.Known(0.85, domain.SourceEnriched, 0.7)
	en.CallPutRatio = domain.Known(2.8, domain.SourceEnriched, 0.8)
	en.IVPercentile = domain.Known(0.92, domain.SourceEnriched, 0.8)
	en.EMACross = domain.Known(1, domain.SourceEnriched, 0.9)
	en.RSI = domain.Known(68, domain.SourceEnriched, 0.9)
	en.UptrendDays = 4

	return Input{
		Snapshot: domain.Snapshot{
			Symbol: "VIGL", Price: 3.20, Volume: 9_400_000,
			PrevClose: 2.20, ChangePct: 45.2,
			High: 3.40, Low: 2.10, VWAP: 3.05,
		},
		RVol:       20.9,
		Enrichment: en,
	}
}

func TestWinnerDetection(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	res, err := engine.Score(context.Background(), []Input{strongInput()},
		testProfile(t), domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	assert.GreaterOrEqual(t, c.Score, 0.75, "strong mover scores trade-ready")
	assert.LessOrEqual(t, c.Score, 1.0)
	assert.Equal(t, domain.ActionTradeReady, c.ActionTag)
	assert.Equal(t, domain.FloatSmall, c.FloatClass)
	assert.False(t, c.SoftPass)
	assert.InDelta(t, 20.9, c.RVol, 1e-9)
	assert.NotEmpty(t, c.WeightsHash)
}

func TestCompositeEqualsWeightedSum(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	profile := testProfile(t)
	res, err := engine.Score(context.Background(), []Input{strongInput()},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	var sum float64
	for key, w := range profile.Weights {
		sub := c.Subscores[key]
		assert.GreaterOrEqual(t, sub, 0.0)
		assert.LessOrEqual(t, sub, 1.0)
		sum += w * sub
	}
	assert.InDelta(t, sum, c.Score, 1e-9)
}

func TestMissingSqueezeInputsContributeZero(t *testing.T) {
	in := strongInput()
	in.Enrichment.ShortInterest = domain.Missing("no_short_data")

	sr := squeeze(buildFactorSet(in))
	assert.Zero(t, sr.Value)
	assert.Contains(t, sr.Missing, "short_interest")
}

func TestGateRejectionsInOrder(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	profile := testProfile(t)

	weakRelVol := strongInput()
	weakRelVol.RVol = 1.6 // relvol_30 falls below 2.5

	flatRange := strongInput()
	flatRange.Snapshot.High = 3.21
	flatRange.Snapshot.Low = 3.19

	belowVWAP := strongInput()
	belowVWAP.Snapshot.Price = 2.80
	belowVWAP.Snapshot.VWAP = 3.05

	res, err := engine.Score(context.Background(),
		[]Input{weakRelVol, flatRange, belowVWAP},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	reasons := map[string]int{}
	for _, r := range res.Rejections {
		reasons[r.Reason]++
	}
	assert.Equal(t, 1, reasons[domain.ReasonRelVolGate])
	assert.Equal(t, 1, reasons[domain.ReasonATRGate])
	assert.Equal(t, 1, reasons[domain.ReasonVWAPGate])
}

func TestSessionOverrideRelaxesRelVolGate(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	profile := testProfile(t)

	in := strongInput()
	in.RVol = 1.9 // below regular 2.5, above afterhours 1.8

	regular, err := engine.Score(context.Background(), []Input{in},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	assert.Empty(t, regular.Candidates)

	after, err := engine.Score(context.Background(), []Input{in},
		profile, domain.SessionAfterhours, "scan-1")
	require.NoError(t, err)
	assert.Len(t, after.Candidates, 1)
}

func TestSoftPassDisabledByDefault(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	in := strongInput()
	in.RVol = 2.3 // near miss on gate 1 (within 10% of 2.5)

	res, err := engine.Score(context.Background(), []Input{in},
		testProfile(t), domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates, "max_soft_pass=0 disables soft admission")
}

func TestSoftPassCapAndPenalty(t *testing.T) {
	engine := NewEngine(2000, 4, 50)

	store := calibration.NewStore(domain.RealClock{})
	_, err := store.Patch(domain.StrategyHybridV1, calibration.PatchRequest{
		Thresholds: map[string]any{"max_soft_pass": 1.0},
	})
	require.NoError(t, err)
	profile, err := store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)

	near1 := strongInput()
	near1.RVol = 2.3
	near2 := strongInput()
	near2.Snapshot.Symbol = "NXTL"
	near2.RVol = 2.3

	res, err := engine.Score(context.Background(), []Input{near1, near2},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1, "cap of one soft pass per scan")

	c := res.Candidates[0]
	assert.True(t, c.SoftPass)
	if c.ActionTag == domain.ActionTradeReady {
		assert.GreaterOrEqual(t, c.Score,
			profile.Thresholds.TradeReadyMin+profile.Thresholds.SoftPassPenalty)
	}
	assert.Equal(t, 1, res.SoftPassed)
}

func TestSoftPassNeedsCatalystFloor(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	store := calibration.NewStore(domain.RealClock{})
	_, err := store.Patch(domain.StrategyHybridV1, calibration.PatchRequest{
		Thresholds: map[string]any{"max_soft_pass": 3.0},
	})
	require.NoError(t, err)
	profile, err := store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)

	in := strongInput()
	in.RVol = 2.3
	in.Enrichment.NewsSignal = domain.Known(0.2, domain.SourceEnriched, 0.9)
	in.Enrichment.SocialRank = domain.Known(0.1, domain.SourceEnriched, 0.7)

	res, err := engine.Score(context.Background(), []Input{in},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates, "weak catalyst blocks soft pass")
}

func TestSoftPassStillRequiresFloatGate(t *testing.T) {
	engine := NewEngine(2000, 4, 50)

	store := calibration.NewStore(domain.RealClock{})
	_, err := store.Patch(domain.StrategyHybridV1, calibration.PatchRequest{
		Thresholds: map[string]any{
			"max_soft_pass":          1.0,
			"mid_float_path_enabled": false,
		},
	})
	require.NoError(t, err)
	profile, err := store.Get(domain.StrategyHybridV1)
	require.NoError(t, err)

	in := strongInput()
	in.RVol = 2.3 // near miss on gate 1
	in.Enrichment.FloatShares = domain.Known(100_000_000, domain.SourceEnriched, 0.9)

	res, err := engine.Score(context.Background(), []Input{in},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates, "float path failure is never soft-passable")
	assert.Zero(t, res.SoftPassed)

	// Same tape with a small float soft-passes under the same budget.
	in.Enrichment.FloatShares = domain.Known(12_000_000, domain.SourceEnriched, 0.9)
	res, err = engine.Score(context.Background(), []Input{in},
		profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.True(t, res.Candidates[0].SoftPass)
}

func TestMidFloatAltPath(t *testing.T) {
	engine := NewEngine(2000, 4, 50)
	in := strongInput()
	in.Enrichment.FloatShares = domain.Known(100_000_000, domain.SourceEnriched, 0.9)

	res, err := engine.Score(context.Background(), []Input{in},
		testProfile(t), domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.True(t, res.Candidates[0].MidFloatAlt)
	assert.Equal(t, domain.FloatMid, res.Candidates[0].FloatClass)
}

func TestLargeFloatNeedsStrongTape(t *testing.T) {
	engine := NewEngine(2000, 4, 50)

	weak := strongInput()
	weak.Enrichment.FloatShares = domain.Known(300_000_000, domain.SourceEnriched, 0.9)
	weak.RVol = 2.6 // passes gate 1 but not "strong" (>= 3.75)

	res, err := engine.Score(context.Background(), []Input{weak},
		testProfile(t), domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.NotEmpty(t, res.Rejections)
	assert.Equal(t, domain.ReasonFloatGate, res.Rejections[0].Reason)
}

func TestOrderingAndCapDeterministic(t *testing.T) {
	engine := NewEngine(2000, 4, 3)
	var inputs []Input
	for i := 0; i < 6; i++ {
		in := strongInput()
		in.Snapshot.Symbol = fmt.Sprintf("SYM%d", i)
		inputs = append(inputs, in)
	}

	res, err := engine.Score(context.Background(), inputs,
		testProfile(t), domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)

	// Equal scores break by symbol ascending.
	assert.Equal(t, "SYM0", res.Candidates[0].Symbol)
	assert.Equal(t, "SYM1", res.Candidates[1].Symbol)
	assert.Equal(t, "SYM2", res.Candidates[2].Symbol)
}

func TestShardedScoringMatchesSequential(t *testing.T) {
	seq := NewEngine(10_000, 1, 50)
	par := NewEngine(1, 4, 50)

	var inputs []Input
	for i := 0; i < 40; i++ {
		in := strongInput()
		in.Snapshot.Symbol = fmt.Sprintf("SH%02d", i)
		in.RVol = 3.0 + float64(i)*0.1
		inputs = append(inputs, in)
	}

	profile := testProfile(t)
	a, err := seq.Score(context.Background(), inputs, profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)
	b, err := par.Score(context.Background(), inputs, profile, domain.SessionRegular, "scan-1")
	require.NoError(t, err)

	require.Equal(t, len(a.Candidates), len(b.Candidates))
	for i := range a.Candidates {
		assert.Equal(t, a.Candidates[i].Symbol, b.Candidates[i].Symbol)
		assert.Equal(t, a.Candidates[i].Score, b.Candidates[i].Score)
	}
}
