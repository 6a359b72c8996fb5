// Command discovery runs the explosive-stock discovery engine: an HTTP
// serving surface plus a periodic scan loop, with one-shot scan and
// cache-refresh subcommands for operations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mikedmote52/AMC-trader-sub000/internal/calibration"
	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
	"github.com/mikedmote52/AMC-trader-sub000/internal/events"
	"github.com/mikedmote52/AMC-trader-sub000/internal/httpapi"
	"github.com/mikedmote52/AMC-trader-sub000/internal/market"
	"github.com/mikedmote52/AMC-trader-sub000/internal/metrics"
	"github.com/mikedmote52/AMC-trader-sub000/internal/pipeline"
	"github.com/mikedmote52/AMC-trader-sub000/internal/publish"
	"github.com/mikedmote52/AMC-trader-sub000/internal/scan"
	"github.com/mikedmote52/AMC-trader-sub000/internal/scoring"
	"github.com/mikedmote52/AMC-trader-sub000/internal/trace"
	"github.com/mikedmote52/AMC-trader-sub000/internal/volcache"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "discovery",
		Short: "Real-time explosive-stock discovery engine",
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(flagLogLevel)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "config/discovery.yaml", "config file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "zerolog level (trace..error)")

	root.AddCommand(serveCmd(), scanCmd(), refreshCacheCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      config.Config
	clock    domain.Clock
	client   *market.Client
	store    volcache.Store
	pgStore  *volcache.PostgresStore
	rdb      *redis.Client
	kv       *publish.RedisKV
	calib    *calibration.Store
	recorder *trace.Recorder
	metrics  *metrics.Metrics
	sink     *events.Sink
}

func buildApp(cfg config.Config) (*app, error) {
	clock := domain.RealClock{}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	kv := publish.NewRedisKV(rdb)

	var store volcache.Store
	var pgStore *volcache.PostgresStore
	if cfg.Database.URL != "" {
		pg, err := volcache.NewPostgresStore(cfg.Database.URL, cfg.Database.Timeout,
			cfg.Refresh.StaleWindow, clock)
		if err != nil {
			return nil, fmt.Errorf("volume cache: %w", err)
		}
		pgStore = pg
		store = pg
	} else {
		log.Warn().Msg("DATABASE_URL unset, volume cache runs in-memory only")
		store = volcache.NewFakeStore(clock)
	}
	// Short memo layer keeps repeated scans off the database.
	store = volcache.NewMemoStore(store, 30*time.Second, clock)

	calib := calibration.NewStore(clock)
	if pgStore != nil {
		history, err := calibration.NewPostgresHistory(pgStore.DB(), cfg.Database.Timeout)
		if err != nil {
			log.Warn().Err(err).Msg("calibration history disabled")
		} else {
			calib.SetHistorySink(history)
		}
	}

	return &app{
		cfg:      cfg,
		clock:    clock,
		client:   market.NewClient(cfg.Provider),
		store:    store,
		pgStore:  pgStore,
		rdb:      rdb,
		kv:       kv,
		calib:    calib,
		recorder: trace.NewRecorder(trace.DefaultCapacity),
		metrics:  metrics.New(),
		sink:     events.NewSink(cfg.Events.SinkURL, cfg.Events.Timeout, clock),
	}, nil
}

func (a *app) orchestrator() *scan.Orchestrator {
	cfg := a.cfg
	return scan.NewOrchestrator(scan.Deps{
		Snapshots: a.client,
		Universe:  pipeline.NewUniverseFilter(cfg.Universe),
		Prerank:   pipeline.NewMomentumPreRanker(cfg.Prerank.TopK),
		Cache:     a.store,
		RVol:      pipeline.NewRVolEvaluator(cfg.RVol),
		Enricher:  scoring.NoopEnricher{},
		Engine:    scoring.NewEngine(cfg.Scan.ShardThreshold, cfg.Scan.ShardWorkers, cfg.Scan.MaxCandidates),
		Profiles:  a.calib,
		Publisher: publish.NewPublisher(a.kv, cfg.Publish.KeyPrefix, cfg.Publish.TTL),
		KV:        a.kv,
		Recorder:  a.recorder,
		Observer:  a.metrics,
		Clock:     a.clock,
	}, cfg.Scan, cfg.Strategy)
}

func (a *app) probes() map[string]httpapi.HealthProbe {
	probes := map[string]httpapi.HealthProbe{
		"env": func(context.Context) error {
			if a.cfg.Provider.APIKey == "" {
				return fmt.Errorf("provider api key not configured")
			}
			return nil
		},
		"cache":    a.store.Ping,
		"provider": a.client.Health,
	}
	probes["db"] = func(ctx context.Context) error {
		if a.pgStore == nil {
			return fmt.Errorf("database not configured")
		}
		return a.pgStore.Ping(ctx)
	}
	return probes
}

func serveCmd() *cobra.Command {
	var interval time.Duration
	var noScan bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic scan loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			reader := publish.NewReader(a.kv, cfg.Publish.KeyPrefix, a.clock,
				cfg.API.MaxDataAge, cfg.API.MaxDataAgeOffHours)
			server := httpapi.NewServer(cfg.HTTP, cfg.Strategy, httpapi.Deps{
				Reader:   reader,
				Calib:    a.calib,
				Recorder: a.recorder,
				Probes:   a.probes(),
				Metrics:  a.metrics.Handler(),
				Clock:    a.clock,
				Observer: a.metrics,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var orch atomic.Pointer[scan.Orchestrator]
			orch.Store(a.orchestrator())

			// SIGHUP re-reads config and swaps the scan wiring in place.
			// The HTTP listener keeps its address; changing it needs a
			// restart.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for range hup {
					next, err := config.Load(flagConfig)
					if err != nil {
						log.Error().Err(err).Msg("reload failed, keeping current config")
						continue
					}
					a.cfg = next
					orch.Store(a.orchestrator())
					log.Info().Str("strategy", next.Strategy).Msg("configuration reloaded")
				}
			}()

			if !noScan {
				go scanLoop(ctx, &orch, a, interval)
			}

			errc := make(chan error, 1)
			go func() { errc <- server.Start() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 60*time.Second, "delay between scans")
	cmd.Flags().BoolVar(&noScan, "no-scan", false, "serve reads only, no scan loop")
	return cmd
}

func scanLoop(ctx context.Context, orch *atomic.Pointer[scan.Orchestrator], a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		artifact, err := orch.Load().Run(ctx)
		switch {
		case err == nil:
			a.metrics.SetCandidateCounts(artifact.Stats.TradeReady, artifact.Stats.Watchlist)
			a.sink.ScanCompleted(artifact)
		case ctx.Err() != nil:
			return
		default:
			log.Error().Err(err).Msg("scan failed")
			if errors.Is(err, publish.ErrPublishFailed) {
				a.metrics.PublishFailed()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single scan and print the artifact summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			artifact, err := a.orchestrator().Run(cmd.Context())
			if err != nil {
				return err
			}
			a.sink.ScanCompleted(artifact)

			out := struct {
				ScanID      string            `json:"scan_id"`
				GeneratedAt time.Time         `json:"generated_at"`
				Strategy    string            `json:"strategy"`
				Stats       domain.ScanStats  `json:"stats"`
				Candidates  []candidateDigest `json:"candidates"`
			}{
				ScanID:      artifact.ScanID,
				GeneratedAt: artifact.GeneratedAt,
				Strategy:    artifact.Strategy,
				Stats:       artifact.Stats,
			}
			for _, c := range artifact.Candidates {
				out.Candidates = append(out.Candidates, candidateDigest{
					Symbol: c.Symbol, Score: c.Score, Action: string(c.ActionTag), RVol: c.RVol,
				})
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

type candidateDigest struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
	Action string  `json:"action"`
	RVol   float64 `json:"rvol"`
}

func refreshCacheCmd() *cobra.Command {
	var mode string
	var limit int

	cmd := &cobra.Command{
		Use:   "refresh-cache",
		Short: "Populate the 20-day volume cache from historical bars",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			job := volcache.NewRefreshJob(a.store, a.client,
				&snapshotUniverse{client: a.client, filter: pipeline.NewUniverseFilter(cfg.Universe), clock: a.clock},
				cfg.Refresh, a.clock)
			job.Limit = limit

			summary, err := job.Run(cmd.Context(), volcache.RefreshMode(mode))
			if err != nil {
				return err
			}
			log.Info().
				Str("mode", string(summary.Mode)).
				Int("targeted", summary.Targeted).
				Int("processed", summary.Processed).
				Int("skipped", summary.Skipped).
				Int("errors", summary.Errors).
				Dur("elapsed", summary.Elapsed).
				Msg("refresh complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(volcache.RefreshFull), "full, test, or stale")
	cmd.Flags().IntVar(&limit, "limit", 100, "symbol cap in test mode")
	return cmd
}

// snapshotUniverse derives the refresh universe from a live snapshot run
// through the same quality filter the scan uses.
type snapshotUniverse struct {
	client *market.Client
	filter *pipeline.UniverseFilter
	clock  domain.Clock
}

func (u *snapshotUniverse) ActiveUniverse(ctx context.Context) ([]string, error) {
	snaps, err := u.client.BulkSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	session := domain.SessionAt(u.clock.Now())
	survivors, _ := u.filter.Apply(snaps, session)
	symbols := make([]string, len(survivors))
	for i, s := range survivors {
		symbols[i] = s.Symbol
	}
	return symbols, nil
}
