package observability

import (
	"sort"
	"sync"
	"time"
)

// ActivityStats tracks recent operations per table or migration run for the
// admin API. Entries not seen within the window are dropped by Prune.
type ActivityStats struct {
	mu       sync.RWMutex
	subjects map[string]*SubjectStats
	window   time.Duration
}

// SubjectStats holds statistics for one table or run.
type SubjectStats struct {
	Subject    string           `json:"subject"`
	Frequency  int64            `json:"frequency"`
	LastSeen   time.Time        `json:"last_seen"`
	LastError  string           `json:"last_error,omitempty"`
	Operations map[string]int64 `json:"operations"` // operation → count (e.g., "split" → 3, "batch" → 12)
}

// NewActivityStats creates a tracker.
// window: time duration for pruning old entries (e.g., 24 hours)
func NewActivityStats(window time.Duration) *ActivityStats {
	return &ActivityStats{
		subjects: make(map[string]*SubjectStats),
		window:   window,
	}
}

// Record counts one operation on subject. A non-nil err is kept as the
// subject's last error; a nil err leaves the previous one in place.
func (a *ActivityStats) Record(subject, operation string, err error) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	stats, exists := a.subjects[subject]
	if !exists {
		stats = &SubjectStats{
			Subject:    subject,
			Operations: make(map[string]int64),
		}
		a.subjects[subject] = stats
	}

	stats.Frequency++
	stats.LastSeen = time.Now()
	stats.Operations[operation]++
	if err != nil {
		stats.LastError = err.Error()
	}
}

// Get returns a copy of the stats for subject.
func (a *ActivityStats) Get(subject string) (SubjectStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.subjects[subject]
	if !ok {
		return SubjectStats{}, false
	}
	return copyStats(s), true
}

// Top returns the n most active subjects, most active first.
func (a *ActivityStats) Top(n int) []SubjectStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n <= 0 || len(a.subjects) == 0 {
		return []SubjectStats{}
	}

	stats := make([]SubjectStats, 0, len(a.subjects))
	for _, s := range a.subjects {
		stats = append(stats, copyStats(s))
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Subject < stats[j].Subject
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

func copyStats(s *SubjectStats) SubjectStats {
	out := *s
	out.Operations = make(map[string]int64, len(s.Operations))
	for op, count := range s.Operations {
		out.Operations[op] = count
	}
	return out
}

// Prune removes subjects not seen within the window.
func (a *ActivityStats) Prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	threshold := time.Now().Add(-a.window)
	for subject, stats := range a.subjects {
		if stats.LastSeen.Before(threshold) {
			delete(a.subjects, subject)
		}
	}
}
