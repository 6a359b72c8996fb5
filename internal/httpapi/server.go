// Package httpapi is the read and control surface: contenders, health,
// calibration, diagnostics. It never triggers scans; the scan loop and
// the API meet only at the artifact store.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/publish"
	"github.com/mikedmote52/AMC-trader-sub000/internal/trace"
)

// HealthProbe checks one dependency. Name keys the component map.
type HealthProbe func(ctx context.Context) error

// Deps wires the server's collaborators.
type Deps struct {
	Reader    *publish.Reader
	Calib     *calibration.Store
	Recorder  *trace.Recorder
	Probes    map[string]HealthProbe
	Metrics   http.Handler
	Clock     domain.Clock
	Observer  AgeObserver
	RateLimit *rate.Limiter
}

// AgeObserver receives the served artifact age for the freshness gauge.
type AgeObserver interface {
	ObserveArtifactAge(age time.Duration)
}

// Server hosts the discovery HTTP surface.
type Server struct {
	router   *mux.Router
	srv      *http.Server
	reader   *publish.Reader
	calib    *calibration.Store
	recorder *trace.Recorder
	probes   map[string]HealthProbe
	clock    domain.Clock
	observer AgeObserver
	limiter  *rate.Limiter
	strategy string
}

// NewServer builds the router and handlers. strategy is the default for
// requests that do not name one.
func NewServer(cfg config.HTTPConfig, strategy string, deps Deps) *Server {
	limiter := deps.RateLimit
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(50), 100)
	}
	s := &Server{
		router:   mux.NewRouter(),
		reader:   deps.Reader,
		calib:    deps.Calib,
		recorder: deps.Recorder,
		probes:   deps.Probes,
		clock:    deps.Clock,
		observer: deps.Observer,
		limiter:  limiter,
		strategy: strategy,
	}
	s.routes(deps.Metrics)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router
	r.Use(s.requestID, s.logging, s.recovery, s.throttle)

	d := r.PathPrefix("/discovery").Subrouter()
	d.HandleFunc("/contenders", s.handleContenders).Methods(http.MethodGet)
	d.HandleFunc("/contenders/raw", s.handleContendersRaw).Methods(http.MethodGet)
	d.HandleFunc("/contenders/debug", s.handleContendersDebug).Methods(http.MethodGet)
	d.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	d.HandleFunc("/strategy-validation", s.handleStrategyValidation).Methods(http.MethodGet)

	d.HandleFunc("/calibration/{strategy}/config", s.handleCalibrationGet).Methods(http.MethodGet)
	d.HandleFunc("/calibration/{strategy}", s.handleCalibrationPatch).Methods(http.MethodPatch)
	d.HandleFunc("/calibration/{strategy}/preset", s.handleCalibrationPreset).Methods(http.MethodPatch)
	d.HandleFunc("/calibration/{strategy}/reset", s.handleCalibrationReset).Methods(http.MethodPost)
	d.HandleFunc("/calibration/emergency/force-legacy", s.handleForceLegacy).Methods(http.MethodPost)
	d.HandleFunc("/calibration/emergency/clear", s.handleClearOverride).Methods(http.MethodPost)

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		reqID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("request_id", reqID).
			Msg("http request")
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}
