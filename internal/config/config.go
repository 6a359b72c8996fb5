package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. YAML supplies defaults;
// environment variables override the switches operators actually flip.
type Config struct {
	Strategy string         `yaml:"strategy"`
	HTTP     HTTPConfig     `yaml:"http"`
	Provider ProviderConfig `yaml:"provider"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Universe UniverseConfig `yaml:"universe"`
	Prerank  PrerankConfig  `yaml:"prerank"`
	RVol     RVolConfig     `yaml:"rvol"`
	Scan     ScanConfig     `yaml:"scan"`
	Publish  PublishConfig  `yaml:"publish"`
	API      APIConfig      `yaml:"api"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Events   EventsConfig   `yaml:"events"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type ProviderConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	SnapshotRPS    float64       `yaml:"snapshot_rps"`
	SnapshotBurst  int           `yaml:"snapshot_burst"`
	HistoryRPS     float64       `yaml:"history_rps"`
	HistoryBurst   int           `yaml:"history_burst"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type DatabaseConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type UniverseConfig struct {
	PriceMin         float64 `yaml:"price_min"`
	PriceMax         float64 `yaml:"price_max"`
	MinVolume        int64   `yaml:"min_volume"`
	ExcludeFunds     bool    `yaml:"exclude_funds"`
	ExcludeLeveraged bool    `yaml:"exclude_leveraged"`
}

type PrerankConfig struct {
	TopK int `yaml:"top_k"`
}

type RVolConfig struct {
	MinRVol float64 `yaml:"min_rvol"`
	MaxRVol float64 `yaml:"max_rvol"`
}

type ScanConfig struct {
	SoftBudget     time.Duration `yaml:"soft_budget"`
	HardBudget     time.Duration `yaml:"hard_budget"`
	MaxCandidates  int           `yaml:"max_candidates"`
	ShardThreshold int           `yaml:"shard_threshold"`
	ShardWorkers   int           `yaml:"shard_workers"`
}

type PublishConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type APIConfig struct {
	MaxDataAge         time.Duration `yaml:"max_data_age"`
	MaxDataAgeOffHours time.Duration `yaml:"max_data_age_off_hours"`
}

type RefreshConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	LookbackDays int           `yaml:"lookback_days"`
	MinBars      int           `yaml:"min_bars"`
	StaleWindow  int           `yaml:"stale_window_business_hours"`
	BatchDelay   time.Duration `yaml:"batch_delay"`
}

type EventsConfig struct {
	SinkURL string        `yaml:"sink_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the pinned defaults used when no YAML file is present.
func Default() Config {
	return Config{
		Strategy: "hybrid_v1",
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.polygon.io",
			RequestTimeout: 15 * time.Second,
			MaxRetries:     3,
			BackoffBase:    250 * time.Millisecond,
			BackoffCap:     5 * time.Second,
			SnapshotRPS:    5,
			SnapshotBurst:  5,
			HistoryRPS:     40,
			HistoryBurst:   10,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{Timeout: 5 * time.Second},
		Universe: UniverseConfig{
			PriceMin:         0.10,
			PriceMax:         100.0,
			MinVolume:        100_000,
			ExcludeFunds:     true,
			ExcludeLeveraged: true,
		},
		Prerank: PrerankConfig{TopK: 1000},
		RVol:    RVolConfig{MinRVol: 1.5, MaxRVol: 1000},
		Scan: ScanConfig{
			SoftBudget:     15 * time.Second,
			HardBudget:     30 * time.Second,
			MaxCandidates:  50,
			ShardThreshold: 2000,
			ShardWorkers:   4,
		},
		Publish: PublishConfig{
			KeyPrefix: "discovery:contenders:latest",
			TTL:       600 * time.Second,
		},
		API: APIConfig{
			MaxDataAge:         300 * time.Second,
			MaxDataAgeOffHours: 900 * time.Second,
		},
		Refresh: RefreshConfig{
			BatchSize:    100,
			LookbackDays: 20,
			MinBars:      15,
			StaleWindow:  48,
			BatchDelay:   500 * time.Millisecond,
		},
		Events: EventsConfig{Timeout: 2 * time.Second},
	}
}

// Load reads defaults, overlays the YAML file at path when present, then
// applies environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	// .env is developer convenience only. Real environments set vars.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			log.Info().Str("path", path).Msg("loaded config file")
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STRATEGY"); v != "" {
		c.Strategy = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LEARNING_SINK_URL"); v != "" {
		c.Events.SinkURL = v
	}
	if n, ok := envInt("HTTP_PORT"); ok {
		c.HTTP.Port = n
	}
	if n, ok := envInt("MAX_DATA_AGE_SECONDS"); ok {
		c.API.MaxDataAge = time.Duration(n) * time.Second
	}
	if n, ok := envInt("SCAN_BUDGET_SECONDS"); ok {
		c.Scan.SoftBudget = time.Duration(n) * time.Second
		c.Scan.HardBudget = 2 * c.Scan.SoftBudget
	}
	if n, ok := envInt("MOMENTUM_TOPK"); ok {
		c.Prerank.TopK = n
	}
	if f, ok := envFloat("MIN_RVOL_DEFAULT"); ok {
		c.RVol.MinRVol = f
	}
}

// Validate rejects configurations that would corrupt the pipeline rather
// than degrade it.
func (c *Config) Validate() error {
	if c.Universe.PriceMin <= 0 || c.Universe.PriceMax <= c.Universe.PriceMin {
		return fmt.Errorf("universe price band invalid: [%v, %v]", c.Universe.PriceMin, c.Universe.PriceMax)
	}
	if c.Prerank.TopK <= 0 {
		return fmt.Errorf("prerank top_k must be positive, got %d", c.Prerank.TopK)
	}
	if c.RVol.MinRVol <= 0 || c.RVol.MaxRVol <= c.RVol.MinRVol {
		return fmt.Errorf("rvol band invalid: [%v, %v]", c.RVol.MinRVol, c.RVol.MaxRVol)
	}
	if c.Scan.HardBudget < c.Scan.SoftBudget {
		return fmt.Errorf("hard budget %v below soft budget %v", c.Scan.HardBudget, c.Scan.SoftBudget)
	}
	if c.Scan.MaxCandidates <= 0 || c.Scan.MaxCandidates > 50 {
		return fmt.Errorf("max_candidates must be in (0, 50], got %d", c.Scan.MaxCandidates)
	}
	if c.Publish.TTL <= 0 {
		return fmt.Errorf("publish ttl must be positive")
	}
	if c.Provider.BackoffBase <= 0 {
		return fmt.Errorf("provider backoff_base must be positive, got %v", c.Provider.BackoffBase)
	}
	if c.Provider.BackoffCap < c.Provider.BackoffBase {
		return fmt.Errorf("provider backoff_cap %v below backoff_base %v", c.Provider.BackoffCap, c.Provider.BackoffBase)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer env override")
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-numeric env override")
		return 0, false
	}
	return f, true
}
