// Package events forwards scan outcomes to the learning sink. Delivery is
// fire-and-forget: a dead sink never slows or fails a scan.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// Event types emitted by the scan loop.
const (
	TypeScanCompleted      = "scan_completed"
	TypeCandidatePublished = "candidate_published"
	TypeCalibrationChanged = "calibration_changed"
)

// Event is one learning record. Payload shape varies by type.
type Event struct {
	Type      string    `json:"type"`
	ScanID    string    `json:"scan_id,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Sink delivers events over HTTP behind a circuit breaker. A nil *Sink is
// valid and drops everything, so callers never nil-check.
type Sink struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	clock   domain.Clock
}

// NewSink builds a sink for url. Returns nil when url is empty, which
// disables delivery entirely.
func NewSink(url string, timeout time.Duration, clock domain.Clock) *Sink {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	settings := gobreaker.Settings{Name: "learning-sink"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).
			Str("from", from.String()).Str("to", to.String()).
			Msg("learning sink breaker state change")
	}

	return &Sink{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		clock:   clock,
	}
}

// Emit delivers one event asynchronously. Failures are logged at debug
// and swallowed; the breaker stops hammering a dead sink.
func (s *Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	go func() {
		if err := s.deliver(ev); err != nil {
			log.Debug().Err(err).Str("type", ev.Type).Msg("learning event dropped")
		}
	}()
}

// ScanCompleted emits the standard post-scan event.
func (s *Sink) ScanCompleted(artifact domain.ScanArtifact) {
	if s == nil {
		return
	}
	s.Emit(Event{
		Type:     TypeScanCompleted,
		ScanID:   artifact.ScanID,
		Strategy: artifact.Strategy,
		Payload: map[string]any{
			"stats":        artifact.Stats,
			"preset":       artifact.Preset,
			"weights_hash": artifact.WeightsHash,
			"generated_at": artifact.GeneratedAt,
		},
	})
	for _, c := range artifact.Candidates {
		s.Emit(Event{
			Type:     TypeCandidatePublished,
			ScanID:   artifact.ScanID,
			Strategy: artifact.Strategy,
			Symbol:   c.Symbol,
			Payload: map[string]any{
				"score":      c.Score,
				"action_tag": c.ActionTag,
				"subscores":  c.Subscores,
				"soft_pass":  c.SoftPass,
			},
		})
	}
}

func (s *Sink) deliver(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("sink returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
