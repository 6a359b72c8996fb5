// Package publish writes scan artifacts to the shared store and reads them
// back with freshness and corruption checks. The store is the only
// hand-off between the scan loop and the read API.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// ErrPublishFailed wraps store write errors. A failed publish leaves the
// previous artifact in place; readers keep serving it until it ages out.
var ErrPublishFailed = errors.New("artifact publish failed")

// ErrNoArtifact means no artifact exists under any key.
var ErrNoArtifact = errors.New("no published artifact")

// ErrArtifactCorrupt rejects an artifact whose payload fails the
// placeholder-value check. The whole list is refused, not filtered.
var ErrArtifactCorrupt = errors.New("artifact failed corruption check")

// bannedDefaults are the historic placeholder constants. A Known value
// from a fallback source matching one of these marks the artifact corrupt.
var bannedDefaults = []float64{0.25, 0.30, 0.50, 1.00, 100.0, 15.0, 0.15}

const bannedTolerance = 1e-9

// Publisher writes artifacts under the strategy key and the bare
// compatibility key with identical payloads.
type Publisher struct {
	kv        KV
	keyPrefix string
	ttl       time.Duration
}

// NewPublisher builds a publisher. keyPrefix is the bare compatibility
// key; per-strategy keys append ":<strategy>".
func NewPublisher(kv KV, keyPrefix string, ttl time.Duration) *Publisher {
	return &Publisher{kv: kv, keyPrefix: keyPrefix, ttl: ttl}
}

// StrategyKey returns the primary key for a strategy.
func (p *Publisher) StrategyKey(strategy string) string {
	return p.keyPrefix + ":" + strategy
}

// FallbackKey returns the bare compatibility key.
func (p *Publisher) FallbackKey() string { return p.keyPrefix }

// Publish writes the artifact to both keys. The strategy key goes first;
// any write error aborts with the previous artifact intact under whichever
// keys were not yet touched.
func (p *Publisher) Publish(ctx context.Context, artifact domain.ScanArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPublishFailed, err)
	}

	primary := p.StrategyKey(artifact.Strategy)
	if err := p.kv.Set(ctx, primary, payload, p.ttl); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, primary, err)
	}
	if err := p.kv.Set(ctx, p.keyPrefix, payload, p.ttl); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, p.keyPrefix, err)
	}

	log.Info().
		Str("scan_id", artifact.ScanID).
		Str("strategy", artifact.Strategy).
		Int("candidates", len(artifact.Candidates)).
		Int("trade_ready", artifact.Stats.TradeReady).
		Msg("artifact published")
	return nil
}

// Freshness describes how old an artifact is relative to the serving
// policy for the current session.
type Freshness struct {
	Age      time.Duration `json:"age_seconds"`
	MaxAge   time.Duration `json:"max_age_seconds"`
	Fresh    bool          `json:"fresh"`
	Degraded bool          `json:"degraded"`
}

// Reader serves the latest artifact with freshness computed from
// generated_at, never from store TTL alone.
type Reader struct {
	kv             KV
	keyPrefix      string
	clock          domain.Clock
	maxAge         time.Duration
	maxAgeOffHours time.Duration
}

// NewReader builds a reader. maxAgeOffHours applies outside the regular
// session, where scans run less often.
func NewReader(kv KV, keyPrefix string, clock domain.Clock, maxAge, maxAgeOffHours time.Duration) *Reader {
	return &Reader{
		kv:             kv,
		keyPrefix:      keyPrefix,
		clock:          clock,
		maxAge:         maxAge,
		maxAgeOffHours: maxAgeOffHours,
	}
}

// Latest loads the newest artifact for strategy, preferring the strategy
// key and falling back to the bare key. Corrupt artifacts are rejected
// whole; the caller decides whether to serve empty or error.
func (r *Reader) Latest(ctx context.Context, strategy string) (domain.ScanArtifact, Freshness, error) {
	var artifact domain.ScanArtifact

	data, found, err := r.kv.Get(ctx, r.keyPrefix+":"+strategy)
	if err != nil {
		return artifact, Freshness{}, err
	}
	if !found {
		data, found, err = r.kv.Get(ctx, r.keyPrefix)
		if err != nil {
			return artifact, Freshness{}, err
		}
	}
	if !found {
		return artifact, Freshness{}, ErrNoArtifact
	}

	if err := json.Unmarshal(data, &artifact); err != nil {
		return domain.ScanArtifact{}, Freshness{}, fmt.Errorf("%w: decode: %v", ErrArtifactCorrupt, err)
	}
	if err := CheckArtifact(artifact); err != nil {
		return domain.ScanArtifact{}, Freshness{}, err
	}

	return artifact, r.freshness(artifact), nil
}

// Raw returns the stored payload without the corruption or freshness
// checks, for the diagnostic endpoint.
func (r *Reader) Raw(ctx context.Context, strategy string) ([]byte, error) {
	data, found, err := r.kv.Get(ctx, r.keyPrefix+":"+strategy)
	if err != nil {
		return nil, err
	}
	if !found {
		data, found, err = r.kv.Get(ctx, r.keyPrefix)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, ErrNoArtifact
	}
	return data, nil
}

func (r *Reader) freshness(a domain.ScanArtifact) Freshness {
	now := r.clock.Now()
	maxAge := r.maxAge
	if domain.SessionAt(now) != domain.SessionRegular {
		maxAge = r.maxAgeOffHours
	}
	age := now.Sub(a.GeneratedAt)
	return Freshness{
		Age:    age,
		MaxAge: maxAge,
		Fresh:  age >= 0 && age <= maxAge,
		// A timestamp from the future is as untrustworthy as a stale one.
		Degraded: age > maxAge || age < 0,
	}
}

// CheckArtifact scans every candidate's attributed inputs for banned
// placeholder constants. One hit rejects the entire artifact: a list that
// mixes real and fabricated numbers is worse than no list.
func CheckArtifact(a domain.ScanArtifact) error {
	for _, c := range a.Candidates {
		if name, ok := fabricatedInput(c.Factors); ok {
			log.Error().
				Str("scan_id", a.ScanID).
				Str("symbol", c.Symbol).
				Str("input", name).
				Msg("banned placeholder value in published artifact")
			return fmt.Errorf("%w: %s has placeholder %s", ErrArtifactCorrupt, c.Symbol, name)
		}
	}
	return nil
}

func fabricatedInput(f domain.FactorSet) (string, bool) {
	inputs := map[string]domain.Value{
		"float_shares":   f.FloatShares,
		"short_interest": f.ShortInterest,
		"borrow_fee":     f.BorrowFee,
		"utilization":    f.Utilization,
		"news_signal":    f.NewsSignal,
		"social_rank":    f.SocialRank,
		"call_put_ratio": f.CallPutRatio,
		"iv_percentile":  f.IVPercentile,
		"ema_cross":      f.EMACross,
		"rsi":            f.RSI,
	}
	for name, v := range inputs {
		if !v.FromFallbackSource() {
			continue
		}
		val, _ := v.Get()
		for _, banned := range bannedDefaults {
			if val > banned-bannedTolerance && val < banned+bannedTolerance {
				return name, true
			}
		}
	}
	return "", false
}
