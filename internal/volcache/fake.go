package volcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// FakeStore is an in-memory Store for tests and offline runs. It applies
// the same boundary checks as the Postgres store.
type FakeStore struct {
	mu    sync.RWMutex
	rows  map[string]domain.VolumeAverage
	clock domain.Clock

	// Cutoff for staleness in BatchGet; zero disables the check.
	FreshCutoff time.Time
	// FailWith makes every call return this error, for outage tests.
	FailWith error
}

// NewFakeStore returns an empty fake cache.
func NewFakeStore(clock domain.Clock) *FakeStore {
	return &FakeStore{rows: make(map[string]domain.VolumeAverage), clock: clock}
}

// Seed inserts a row directly, bypassing timestamps for test setup.
func (f *FakeStore) Seed(avg domain.VolumeAverage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[avg.Symbol] = avg
}

func (f *FakeStore) BatchGet(_ context.Context, symbols []string) (map[string]domain.VolumeAverage, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]domain.VolumeAverage)
	for _, sym := range symbols {
		r, ok := f.rows[sym]
		if !ok || r.Avg20d <= 0 {
			continue
		}
		if !f.FreshCutoff.IsZero() && r.LastUpdated.Before(f.FreshCutoff) {
			continue
		}
		out[sym] = r
	}
	return out, nil
}

func (f *FakeStore) Upsert(_ context.Context, records []domain.VolumeAverage) error {
	if f.FailWith != nil {
		return f.FailWith
	}
	for _, r := range records {
		if r.Avg20d <= 0 {
			return fmt.Errorf("%w: %s avg_20d=%v", ErrInvalidVolume, r.Symbol, r.Avg20d)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now().UTC()
	for _, r := range records {
		r.LastUpdated = now
		if existing, ok := f.rows[r.Symbol]; ok {
			r.CreatedAt = existing.CreatedAt
		} else {
			r.CreatedAt = now
		}
		f.rows[r.Symbol] = r
	}
	return nil
}

func (f *FakeStore) StaleSymbols(_ context.Context, olderThan time.Time) ([]string, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []string
	for sym, r := range f.rows {
		if r.LastUpdated.Before(olderThan) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeStore) ActiveSymbols(_ context.Context) ([]string, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.rows))
	for sym := range f.rows {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeStore) Ping(context.Context) error { return f.FailWith }

// Len reports how many rows the fake holds.
func (f *FakeStore) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rows)
}
