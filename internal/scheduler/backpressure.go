package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backpressure tracks recent migration run outcomes and adjusts how many
// runs the daemon starts in parallel. A failure rate above the threshold
// halves the limit; a clean window doubles it back towards the maximum.
type Backpressure struct {
	maxRuns   int32
	minRuns   int32
	threshold float64
	window    time.Duration

	limit atomic.Int32

	mu       sync.Mutex
	outcomes []outcome
}

type outcome struct {
	at time.Time
	ok bool
}

// BackpressureConfig holds configuration for run throttling.
type BackpressureConfig struct {
	// MaxParallelRuns is the upper bound for concurrent migration runs (default: 4).
	MaxParallelRuns int `json:"max_parallel_runs" yaml:"max_parallel_runs"`

	// MinParallelRuns is the lower bound (default: 1).
	MinParallelRuns int `json:"min_parallel_runs" yaml:"min_parallel_runs"`

	// FailureThreshold is the failure rate above which the limit is halved (default: 0.25).
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// Window is the sliding window over which outcomes are counted (default: 30m).
	Window time.Duration `json:"window" yaml:"window"`
}

// DefaultBackpressureConfig returns the default throttling configuration.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxParallelRuns:  4,
		MinParallelRuns:  1,
		FailureThreshold: 0.25,
		Window:           30 * time.Minute,
	}
}

// NewBackpressure creates a throttle starting at the maximum limit.
func NewBackpressure(cfg BackpressureConfig) *Backpressure {
	d := DefaultBackpressureConfig()
	if cfg.MaxParallelRuns <= 0 {
		cfg.MaxParallelRuns = d.MaxParallelRuns
	}
	if cfg.MinParallelRuns <= 0 {
		cfg.MinParallelRuns = d.MinParallelRuns
	}
	if cfg.MinParallelRuns > cfg.MaxParallelRuns {
		cfg.MinParallelRuns = cfg.MaxParallelRuns
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}

	bp := &Backpressure{
		maxRuns:   int32(cfg.MaxParallelRuns),
		minRuns:   int32(cfg.MinParallelRuns),
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
	}
	bp.limit.Store(bp.maxRuns)
	return bp
}

// Record adds one run outcome.
func (bp *Backpressure) Record(ok bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.outcomes = append(bp.outcomes, outcome{at: time.Now(), ok: ok})
}

// FailureRate returns the share of failed runs within the window.
func (bp *Backpressure) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, _, _ := bp.rateLocked()
	return rate
}

// rateLocked prunes old outcomes and returns the failure rate with the
// totals it was computed from. Caller must hold bp.mu.
func (bp *Backpressure) rateLocked() (float64, int, int) {
	cutoff := time.Now().Add(-bp.window)
	i := 0
	for i < len(bp.outcomes) && bp.outcomes[i].at.Before(cutoff) {
		i++
	}
	bp.outcomes = bp.outcomes[i:]

	if len(bp.outcomes) == 0 {
		return 0, 0, 0
	}
	failed := 0
	for _, o := range bp.outcomes {
		if !o.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(bp.outcomes)), len(bp.outcomes), failed
}

// Adjust recomputes the limit. Called at the start of each cycle.
func (bp *Backpressure) Adjust() {
	bp.mu.Lock()
	rate, total, _ := bp.rateLocked()
	bp.mu.Unlock()

	current := bp.limit.Load()
	next := current
	switch {
	case rate > bp.threshold:
		next = current / 2
	case total > 0 && rate == 0:
		next = current * 2
	case rate <= bp.threshold/2:
		next = current + 1
	}
	if next < bp.minRuns {
		next = bp.minRuns
	}
	if next > bp.maxRuns {
		next = bp.maxRuns
	}
	bp.limit.Store(next)
}

// ShouldPause reports whether a cycle with pending due runs should be
// skipped. Backlogs that fit in one round always run so the window can
// recover.
func (bp *Backpressure) ShouldPause(pending int) bool {
	if pending == 0 || int32(pending) <= bp.maxRuns {
		return false
	}
	return bp.FailureRate() > bp.threshold
}

// Limit returns the current number of runs allowed in parallel.
func (bp *Backpressure) Limit() int {
	return int(bp.limit.Load())
}

// BackpressureStats is a snapshot for the admin API.
type BackpressureStats struct {
	Limit       int     `json:"limit"`
	FailureRate float64 `json:"failure_rate"`
	Runs        int     `json:"runs_in_window"`
	Failures    int     `json:"failures_in_window"`
}

// Stats returns the current throttle state.
func (bp *Backpressure) Stats() BackpressureStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, total, failed := bp.rateLocked()
	return BackpressureStats{
		Limit:       bp.Limit(),
		FailureRate: rate,
		Runs:        total,
		Failures:    failed,
	}
}
