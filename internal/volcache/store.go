package volcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// ErrInvalidVolume rejects rows whose 20-day average is not positive.
// The cache would rather miss than hold a fabricated baseline.
var ErrInvalidVolume = errors.New("volume average must be positive")

// Store is the volume-average cache contract. BatchGet omits missing and
// stale symbols from the result; callers treat absence as "skip symbol".
type Store interface {
	BatchGet(ctx context.Context, symbols []string) (map[string]domain.VolumeAverage, error)
	Upsert(ctx context.Context, records []domain.VolumeAverage) error
	StaleSymbols(ctx context.Context, olderThan time.Time) ([]string, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// PostgresStore is the authoritative persistent store, keyed by symbol with
// a secondary index on last_updated.
type PostgresStore struct {
	db         *sqlx.DB
	timeout    time.Duration
	staleAfter func(now time.Time) time.Time
	clock      domain.Clock
}

const schema = `
CREATE TABLE IF NOT EXISTS volume_averages (
    symbol       TEXT PRIMARY KEY,
    avg_20d      DOUBLE PRECISION NOT NULL CHECK (avg_20d > 0),
    avg_30d      DOUBLE PRECISION,
    last_updated TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_volume_averages_last_updated
    ON volume_averages (last_updated);
`

// NewPostgresStore opens the database and ensures the schema exists.
// staleWindowBusinessHours controls how old a row may be before BatchGet
// stops returning it.
func NewPostgresStore(url string, timeout time.Duration, staleWindowBusinessHours int, clock domain.Clock) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open volume cache db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure volume cache schema: %w", err)
	}

	return &PostgresStore{
		db:      db,
		timeout: timeout,
		clock:   clock,
		staleAfter: func(now time.Time) time.Time {
			return domain.BusinessHoursBefore(now, staleWindowBusinessHours)
		},
	}, nil
}

// DB exposes the underlying handle so components sharing the database
// (calibration history) reuse the same pool.
func (s *PostgresStore) DB() *sqlx.DB { return s.db }

// BatchGet returns fresh averages for the requested symbols. Missing and
// stale symbols are simply absent from the map.
func (s *PostgresStore) BatchGet(ctx context.Context, symbols []string) (map[string]domain.VolumeAverage, error) {
	if len(symbols) == 0 {
		return map[string]domain.VolumeAverage{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cutoff := s.staleAfter(s.clock.Now())
	query, args, err := sqlx.In(`
		SELECT symbol, avg_20d, avg_30d, last_updated, created_at
		FROM volume_averages
		WHERE symbol IN (?) AND last_updated >= ?`, symbols, cutoff)
	if err != nil {
		return nil, fmt.Errorf("build batch get query: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []domain.VolumeAverage
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("batch get volume averages: %w", err)
	}

	out := make(map[string]domain.VolumeAverage, len(rows))
	for _, r := range rows {
		if r.Avg20d <= 0 {
			// Constraint should prevent this; guard the boundary anyway.
			log.Warn().Str("symbol", r.Symbol).Float64("avg_20d", r.Avg20d).
				Msg("dropping non-positive cached average")
			continue
		}
		out[r.Symbol] = r
	}
	return out, nil
}

// Upsert replaces rows atomically per record, refreshing last_updated.
// Records violating avg_20d > 0 fail the whole batch with ErrInvalidVolume
// before anything is written.
func (s *PostgresStore) Upsert(ctx context.Context, records []domain.VolumeAverage) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if r.Avg20d <= 0 {
			return fmt.Errorf("%w: %s avg_20d=%v", ErrInvalidVolume, r.Symbol, r.Avg20d)
		}
		if !domain.ValidSymbol(r.Symbol) {
			return fmt.Errorf("%w: invalid symbol %q", ErrInvalidVolume, r.Symbol)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC()
	const query = `
		INSERT INTO volume_averages (symbol, avg_20d, avg_30d, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (symbol) DO UPDATE SET
			avg_20d = EXCLUDED.avg_20d,
			avg_30d = EXCLUDED.avg_30d,
			last_updated = EXCLUDED.last_updated`
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, query, r.Symbol, r.Avg20d, r.Avg30d, now); err != nil {
			return fmt.Errorf("upsert %s: %w", r.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// StaleSymbols lists symbols whose last refresh predates olderThan.
func (s *PostgresStore) StaleSymbols(ctx context.Context, olderThan time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var symbols []string
	err := s.db.SelectContext(ctx, &symbols,
		`SELECT symbol FROM volume_averages WHERE last_updated < $1 ORDER BY last_updated ASC`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("query stale symbols: %w", err)
	}
	return symbols, nil
}

// ActiveSymbols lists every cached symbol, freshest first.
func (s *PostgresStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var symbols []string
	err := s.db.SelectContext(ctx, &symbols,
		`SELECT symbol FROM volume_averages ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("query active symbols: %w", err)
	}
	return symbols, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// MemoStore layers a short-TTL in-process memo over a persistent store.
// The persistent store stays authoritative; the memo only smooths repeated
// hot-path reads within a few scans.
type MemoStore struct {
	inner Store
	ttl   time.Duration
	clock domain.Clock

	mu      sync.RWMutex
	entries map[string]memoEntry
}

type memoEntry struct {
	avg      domain.VolumeAverage
	cachedAt time.Time
}

// NewMemoStore wraps inner with a memo of the given TTL.
func NewMemoStore(inner Store, ttl time.Duration, clock domain.Clock) *MemoStore {
	return &MemoStore{
		inner:   inner,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]memoEntry),
	}
}

func (m *MemoStore) BatchGet(ctx context.Context, symbols []string) (map[string]domain.VolumeAverage, error) {
	now := m.clock.Now()
	out := make(map[string]domain.VolumeAverage, len(symbols))
	var misses []string

	m.mu.RLock()
	for _, sym := range symbols {
		if e, ok := m.entries[sym]; ok && now.Sub(e.cachedAt) <= m.ttl {
			out[sym] = e.avg
		} else {
			misses = append(misses, sym)
		}
	}
	m.mu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := m.inner.BatchGet(ctx, misses)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for sym, avg := range fetched {
		m.entries[sym] = memoEntry{avg: avg, cachedAt: now}
		out[sym] = avg
	}
	m.mu.Unlock()
	// Symbols missing from the inner store are not memoized: a refresh may
	// land between scans and a miss must not outlive it.
	return out, nil
}

func (m *MemoStore) Upsert(ctx context.Context, records []domain.VolumeAverage) error {
	if err := m.inner.Upsert(ctx, records); err != nil {
		return err
	}
	m.mu.Lock()
	for _, r := range records {
		delete(m.entries, r.Symbol)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoStore) StaleSymbols(ctx context.Context, olderThan time.Time) ([]string, error) {
	return m.inner.StaleSymbols(ctx, olderThan)
}

func (m *MemoStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	return m.inner.ActiveSymbols(ctx)
}

func (m *MemoStore) Ping(ctx context.Context) error { return m.inner.Ping(ctx) }
