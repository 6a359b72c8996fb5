// Package trace keeps bounded in-memory records of recent scans for the
// debug surface. Records are explanatory, never inputs to scoring.
package trace

import (
	"sync"
	"time"

	"github.com/mikedmote52/AMC-trader-sub000/internal/domain"
)

// DefaultCapacity bounds the ring when the caller passes zero.
const DefaultCapacity = 64

// StageEvent is the record of one pipeline stage within a scan.
type StageEvent struct {
	Stage      string         `json:"stage"`
	Duration   time.Duration  `json:"duration_ms"`
	InCount    int            `json:"in_count"`
	OutCount   int            `json:"out_count"`
	Rejections map[string]int `json:"rejections,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// ScanTrace is the full per-scan record: one event per stage in execution
// order plus the scan envelope.
type ScanTrace struct {
	ScanID      string         `json:"scan_id"`
	Strategy    string         `json:"strategy"`
	Session     domain.Session `json:"session"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration_ms"`
	Stages      []StageEvent   `json:"stages"`
	BudgetSoft  bool           `json:"budget_soft_breached"`
	BudgetHard  bool           `json:"budget_hard_breached"`
	Published   bool           `json:"published"`
	Err         string         `json:"error,omitempty"`
}

// TotalRejections sums rejection counts across all stages by reason.
func (t ScanTrace) TotalRejections() map[string]int {
	out := map[string]int{}
	for _, s := range t.Stages {
		for reason, n := range s.Rejections {
			out[reason] += n
		}
	}
	return out
}

// Recorder is a fixed-capacity ring of scan traces. Oldest records are
// evicted once the ring is full.
type Recorder struct {
	mu    sync.RWMutex
	ring  []ScanTrace
	next  int
	count int
}

// NewRecorder builds a recorder holding up to capacity traces.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{ring: make([]ScanTrace, capacity)}
}

// Record stores a completed scan trace, evicting the oldest when full.
func (r *Recorder) Record(t ScanTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = t
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// Latest returns the most recent trace, or false when none recorded.
func (r *Recorder) Latest() (ScanTrace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return ScanTrace{}, false
	}
	idx := (r.next - 1 + len(r.ring)) % len(r.ring)
	return r.ring[idx], true
}

// Get returns the trace for a scan id, or false when evicted or unknown.
func (r *Recorder) Get(scanID string) (ScanTrace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 0; i < r.count; i++ {
		idx := (r.next - 1 - i + 2*len(r.ring)) % len(r.ring)
		if r.ring[idx].ScanID == scanID {
			return r.ring[idx], true
		}
	}
	return ScanTrace{}, false
}

// Recent returns up to n traces, newest first.
func (r *Recorder) Recent(n int) []ScanTrace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]ScanTrace, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + 2*len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Len reports how many traces are currently held.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
