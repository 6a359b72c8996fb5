package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mikedmote52/AMC-trader-sub000/internal/config"
	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

var (
	// ErrProviderUnavailable covers transport failures and 5xx after
	// retries are exhausted. The scan aborts; nothing is fabricated.
	ErrProviderUnavailable = errors.New("market data provider unavailable")
	// ErrProviderAuth is fatal until credentials are reloaded.
	ErrProviderAuth = errors.New("market data provider rejected credentials")
)

// Client fetches bulk snapshots and historical daily bars from the upstream
// provider. Snapshot and history traffic run on separate token buckets so
// the offline refresh job cannot starve the hot path.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	maxRetries     int
	backoffBase    time.Duration
	backoffCap     time.Duration
	snapshotBucket *rate.Limiter
	historyBucket  *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
}

// NewClient builds a client from provider configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	settings := gobreaker.Settings{Name: "market-provider"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		maxRetries:     cfg.MaxRetries,
		backoffBase:    cfg.BackoffBase,
		backoffCap:     cfg.BackoffCap,
		snapshotBucket: rate.NewLimiter(rate.Limit(cfg.SnapshotRPS), cfg.SnapshotBurst),
		historyBucket:  rate.NewLimiter(rate.Limit(cfg.HistoryRPS), cfg.HistoryBurst),
		breaker:        gobreaker.NewCircuitBreaker(settings),
	}
}

// snapshotResponse mirrors the provider's bulk snapshot payload.
type snapshotResponse struct {
	Tickers []snapshotTicker `json:"tickers"`
	Status  string           `json:"status"`
	Count   int              `json:"count"`
}

type snapshotTicker struct {
	Ticker           string  `json:"ticker"`
	TodaysChangePerc float64 `json:"todaysChangePerc"`
	Updated          int64   `json:"updated"`
	Day              struct {
		Close  float64 `json:"c"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Volume float64 `json:"v"`
		VWAP   float64 `json:"vw"`
	} `json:"day"`
	PrevDay struct {
		Close float64 `json:"c"`
	} `json:"prevDay"`
	LastTrade struct {
		Price float64 `json:"p"`
	} `json:"lastTrade"`
}

type aggsResponse struct {
	Ticker  string `json:"ticker"`
	Status  string `json:"status"`
	Results []struct {
		Timestamp int64   `json:"t"`
		Volume    float64 `json:"v"`
		Close     float64 `json:"c"`
	} `json:"results"`
}

// BulkSnapshot returns the latest quote for every active U.S. equity in one
// upstream call. Rows with zero price, negative volume, or malformed symbols
// are dropped at the boundary, never synthesized.
func (c *Client) BulkSnapshot(ctx context.Context) ([]domain.Snapshot, error) {
	if err := c.snapshotBucket.Wait(ctx); err != nil {
		return nil, fmt.Errorf("snapshot rate limit: %w", err)
	}

	u := fmt.Sprintf("%s/v2/snapshot/locale/us/markets/stocks/tickers", c.baseURL)
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp snapshotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode snapshot response: %w", err)
	}

	snapshots := make([]domain.Snapshot, 0, len(resp.Tickers))
	dropped := 0
	for _, t := range resp.Tickers {
		snap, ok := toSnapshot(t)
		if !ok {
			dropped++
			continue
		}
		snapshots = append(snapshots, snap)
	}

	log.Debug().Int("tickers", len(resp.Tickers)).Int("dropped", dropped).
		Msg("bulk snapshot fetched")
	return snapshots, nil
}

func toSnapshot(t snapshotTicker) (domain.Snapshot, bool) {
	if !domain.ValidSymbol(t.Ticker) {
		return domain.Snapshot{}, false
	}
	price := t.LastTrade.Price
	if price <= 0 {
		price = t.Day.Close
	}
	if price <= 0 || t.Day.Volume < 0 || t.PrevDay.Close < 0 {
		return domain.Snapshot{}, false
	}
	changePct := t.TodaysChangePerc
	if t.PrevDay.Close == 0 {
		changePct = 0
	}
	return domain.Snapshot{
		Symbol:    t.Ticker,
		Price:     price,
		Volume:    int64(t.Day.Volume),
		PrevClose: t.PrevDay.Close,
		ChangePct: changePct,
		High:      t.Day.High,
		Low:       t.Day.Low,
		VWAP:      t.Day.VWAP,
		Timestamp: time.UnixMilli(t.Updated).UTC(),
	}, true
}

// HistoricalBars fetches up to nDays completed daily aggregates for one
// symbol. Used only by the cache refresh job, on the history bucket.
func (c *Client) HistoricalBars(ctx context.Context, symbol string, nDays int) ([]domain.Bar, error) {
	if err := c.historyBucket.Wait(ctx); err != nil {
		return nil, fmt.Errorf("history rate limit: %w", err)
	}

	to := time.Now().UTC()
	// Calendar span wide enough to cover nDays trading days.
	from := to.AddDate(0, 0, -(nDays*7/5 + 10))
	u := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?adjusted=true&sort=desc&limit=%d",
		c.baseURL, url.PathEscape(symbol),
		from.Format("2006-01-02"), to.Format("2006-01-02"), nDays)

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var resp aggsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode aggs response for %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Volume < 0 {
			continue
		}
		bars = append(bars, domain.Bar{
			Date:   time.UnixMilli(r.Timestamp).UTC(),
			Volume: int64(r.Volume),
			Close:  r.Close,
		})
	}
	return bars, nil
}

// Health performs a cheap authenticated call to verify connectivity.
func (c *Client) Health(ctx context.Context) error {
	if err := c.snapshotBucket.Wait(ctx); err != nil {
		return err
	}
	_, err := c.get(ctx, fmt.Sprintf("%s/v1/marketstatus/now", c.baseURL))
	return err
}

// get runs one HTTP GET through the circuit breaker with jittered
// exponential backoff. Auth failures are not retried.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying provider call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, rawURL)
		})
		if err == nil {
			return result.([]byte), nil
		}
		if errors.Is(err, ErrProviderAuth) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func (c *Client) doGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrProviderAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider throttled (429)")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("provider error: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected provider status: %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.backoffBase
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	delay := base << uint(attempt-1)
	if delay > c.backoffCap {
		delay = c.backoffCap
	}
	// Full jitter keeps retry herds apart; the cap bounds the jittered
	// value, not just the exponential term.
	delay = time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
	if delay > c.backoffCap {
		delay = c.backoffCap
	}
	return delay
}
