package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/publish"
)

// strategyParam resolves the effective strategy for a read: an explicit
// query parameter wins, then any unexpired emergency override, then the
// configured default. Routing reads through the override is what makes a
// forced rollback take effect immediately instead of after the old
// artifact's TTL.
func (s *Server) strategyParam(r *http.Request) string {
	if v := r.URL.Query().Get("strategy"); v != "" {
		return v
	}
	if ov := s.calib.ActiveOverride(); ov != nil {
		return ov.ForcedStrategy
	}
	return s.strategy
}

// handleContenders serves the latest candidate list. Absent, stale, or
// corrupt artifacts degrade to an empty-but-truthful response; only
// infrastructure failures return 503.
func (s *Server) handleContenders(w http.ResponseWriter, r *http.Request) {
	strategy := s.strategyParam(r)

	resp := ContendersResponse{
		Candidates: []domain.Candidate{},
		Strategy:   strategy,
		Meta:       Meta{SystemState: StateHealthy},
	}

	artifact, fresh, err := s.reader.Latest(r.Context(), strategy)
	switch {
	case errors.Is(err, publish.ErrNoArtifact):
		resp.Meta = Meta{SystemState: StateDegraded, Reason: ReasonNoArtifact}
		writeJSON(w, http.StatusOK, resp)
		return
	case errors.Is(err, publish.ErrArtifactCorrupt):
		resp.Meta = Meta{SystemState: StateDegraded, Reason: ReasonFabrication}
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "artifact store unavailable"})
		return
	}

	if s.observer != nil {
		s.observer.ObserveArtifactAge(fresh.Age)
	}

	// Stale data is withheld, not served with a warning label. The caller
	// gets the same empty-but-truthful shape as for a missing artifact.
	if fresh.Degraded {
		resp.Meta = Meta{
			SystemState: StateDegraded,
			Reason:      ReasonStaleArtifact,
			AgeSeconds:  fresh.Age.Seconds(),
			ScanID:      artifact.ScanID,
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	candidates := artifact.Candidates
	if limit, ok := limitParam(r); ok && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	resp.Candidates = candidates
	resp.Count = len(candidates)
	resp.GeneratedAt = &artifact.GeneratedAt
	resp.Meta = Meta{
		SystemState: StateHealthy,
		AgeSeconds:  fresh.Age.Seconds(),
		ScanID:      artifact.ScanID,
		Preset:      artifact.Preset,
		WeightsHash: artifact.WeightsHash,
	}
	if len(artifact.Candidates) == 0 {
		resp.Meta.SystemState = StateDegraded
		resp.Meta.Reason = ReasonNoCandidates
	}
	writeJSON(w, http.StatusOK, resp)
}

func limitParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handleContendersRaw returns the stored payload verbatim, bypassing the
// corruption and freshness checks.
func (s *Server) handleContendersRaw(w http.ResponseWriter, r *http.Request) {
	data, err := s.reader.Raw(r.Context(), s.strategyParam(r))
	if errors.Is(err, publish.ErrNoArtifact) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no artifact published"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "artifact store unavailable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleContendersDebug(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.recorder.Latest()
	if id := r.URL.Query().Get("scan_id"); id != "" {
		tr, ok = s.recorder.Get(id)
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no scan recorded"})
		return
	}

	resp := DebugResponse{
		ScanID:             tr.ScanID,
		Strategy:           tr.Strategy,
		Session:            tr.Session,
		DurationMS:         tr.Duration.Milliseconds(),
		BudgetSoftBreached: tr.BudgetSoft,
		BudgetHardBreached: tr.BudgetHard,
		Published:          tr.Published,
		Stages:             tr.Stages,
		RejectionHistogram: tr.TotalRejections(),
		Err:                tr.Err,
	}
	if _, fresh, err := s.reader.Latest(r.Context(), tr.Strategy); err == nil {
		age := fresh.Age.Seconds()
		resp.DataAgeSeconds = &age
	}
	if profile, err := s.calib.Get(tr.Strategy); err == nil {
		resp.Weights = profile.Weights
		resp.WeightsHash = profile.WeightsHash
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth probes every registered dependency. All green is HEALTHY;
// any failure degrades; a failing artifact store is UNHEALTHY because the
// serving surface has nothing truthful left to offer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		SystemState: StateHealthy,
		Components:  make(map[string]ComponentHealth, len(s.probes)),
		Timestamp:   s.clock.Now(),
	}

	failures := 0
	for name, probe := range s.probes {
		if err := probe(r.Context()); err != nil {
			failures++
			resp.Components[name] = ComponentHealth{Status: "down", Error: err.Error()}
			continue
		}
		resp.Components[name] = ComponentHealth{Status: "ok"}
	}

	if _, fresh, err := s.reader.Latest(r.Context(), s.strategyParam(r)); err == nil {
		age := fresh.Age.Seconds()
		resp.DataAge = &age
		if fresh.Degraded {
			resp.SystemState = StateDegraded
		}
	} else if !errors.Is(err, publish.ErrNoArtifact) {
		failures++
		resp.Components["artifact_store"] = ComponentHealth{Status: "down", Error: err.Error()}
	}

	status := http.StatusOK
	switch {
	case failures >= len(s.probes) && len(s.probes) > 0:
		resp.SystemState = StateUnhealthy
		status = http.StatusServiceUnavailable
	case failures > 0:
		resp.SystemState = StateDegraded
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleCalibrationGet(w http.ResponseWriter, r *http.Request) {
	profile, err := s.calib.Get(mux.Vars(r)["strategy"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CalibrationResponse{
		Profile:  profile,
		Override: s.calib.ActiveOverride(),
	})
}

func (s *Server) handleCalibrationPatch(w http.ResponseWriter, r *http.Request) {
	var req calibration.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed patch body"})
		return
	}

	profile, err := s.calib.Patch(mux.Vars(r)["strategy"], req)
	if errors.Is(err, calibration.ErrCalibrationInvalid) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CalibrationResponse{Profile: profile})
}

func (s *Server) handleCalibrationPreset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing preset name"})
		return
	}

	profile, err := s.calib.SetPreset(mux.Vars(r)["strategy"], name)
	if errors.Is(err, calibration.ErrCalibrationInvalid) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CalibrationResponse{Profile: profile})
}

func (s *Server) handleCalibrationReset(w http.ResponseWriter, r *http.Request) {
	profile, err := s.calib.Reset(mux.Vars(r)["strategy"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CalibrationResponse{Profile: profile})
}

func (s *Server) handleForceLegacy(w http.ResponseWriter, r *http.Request) {
	var req ForceLegacyRequest
	if r.Body != nil {
		// Empty body means "use the cap".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ov, err := s.calib.ForceStrategy(domain.StrategyLegacyV0, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CalibrationResponse{Override: &ov})
}

func (s *Server) handleClearOverride(w http.ResponseWriter, _ *http.Request) {
	s.calib.ClearOverride()
	w.WriteHeader(http.StatusNoContent)
}

// handleStrategyValidation re-weights the latest artifact's subscores
// under every builtin preset and reports what each would have tagged.
func (s *Server) handleStrategyValidation(w http.ResponseWriter, r *http.Request) {
	artifact, fresh, err := s.reader.Latest(r.Context(), s.strategyParam(r))
	if errors.Is(err, publish.ErrNoArtifact) || errors.Is(err, publish.ErrArtifactCorrupt) {
		reason := ReasonNoArtifact
		if errors.Is(err, publish.ErrArtifactCorrupt) {
			reason = ReasonFabrication
		}
		writeJSON(w, http.StatusOK, ValidationResponse{
			Comparisons: []StrategyComparison{},
			Meta:        Meta{SystemState: StateDegraded, Reason: reason},
		})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "artifact store unavailable"})
		return
	}

	names := s.calib.PresetNames()
	sort.Strings(names)

	resp := ValidationResponse{
		BaseScanID:  artifact.ScanID,
		GeneratedAt: artifact.GeneratedAt,
		Comparisons: make([]StrategyComparison, 0, len(names)),
		Meta:        Meta{SystemState: StateHealthy, AgeSeconds: fresh.Age.Seconds()},
	}
	if fresh.Degraded {
		resp.Meta.SystemState = StateDegraded
		resp.Meta.Reason = ReasonStaleArtifact
	}

	for _, name := range names {
		weights, thresholds, ok := s.calib.PresetParams(name)
		if !ok {
			continue
		}
		resp.Comparisons = append(resp.Comparisons, compareUnderPreset(name, weights, thresholds, artifact.Candidates))
	}
	writeJSON(w, http.StatusOK, resp)
}

func compareUnderPreset(name string, weights calibration.Weights, t calibration.Thresholds, cands []domain.Candidate) StrategyComparison {
	cmp := StrategyComparison{
		Preset:      name,
		Candidates:  len(cands),
		WeightsHash: weights.Hash(),
	}
	for _, c := range cands {
		var score float64
		for key, w := range weights {
			score += w * c.Subscores[key]
		}
		switch {
		case score >= t.TradeReadyMin:
			cmp.TradeReady++
		case score >= t.WatchlistMin:
			cmp.Watchlist++
		}
		if score > cmp.TopScore {
			cmp.TopScore = score
			cmp.TopSymbol = c.Symbol
		}
	}
	return cmp
}
