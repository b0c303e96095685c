package retrieval

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/tenderflow/pkg/graphdb"
)

// ErrMetricsFinalized is returned when recording after Finalize.
var ErrMetricsFinalized = errors.New("performance metrics finalized")

// StageTiming is the elapsed time of one stage.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// PerformanceMetrics accumulates the cost of one run. Recording is
// append-only until Finalize.
type PerformanceMetrics struct {
	mu        sync.Mutex
	snap      MetricsSnapshot
	finalized bool
}

// CallStats is the retry cost of the analyzer or refiner calls.
type CallStats struct {
	Attempts int           `json:"attempts"`
	Retries  int           `json:"retries"`
	Backoff  time.Duration `json:"backoff"`
}

// MetricsSnapshot is a read-only copy of PerformanceMetrics.
type MetricsSnapshot struct {
	Stages      []StageTiming   `json:"stages"`
	Total       time.Duration   `json:"total"`
	Attempts    int             `json:"attempts"`
	Retries     int             `json:"retries"`
	Delays      []time.Duration `json:"delays,omitempty"`
	PoolWait    time.Duration   `json:"pool_wait"`
	QueryTime   time.Duration   `json:"query_time"`
	RowCount    int             `json:"row_count"`
	ResultCount int             `json:"result_count"`
	Analyzer    CallStats       `json:"analyzer"`
	Refiner     CallStats       `json:"refiner"`
	CacheHit    bool            `json:"cache_hit"`
	Finalized   bool            `json:"finalized"`
}

func (m *PerformanceMetrics) record(fn func(s *MetricsSnapshot)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrMetricsFinalized
	}
	fn(&m.snap)
	return nil
}

// RecordStage appends the elapsed time of a stage.
func (m *PerformanceMetrics) RecordStage(stage string, d time.Duration) error {
	return m.record(func(s *MetricsSnapshot) {
		s.Stages = append(s.Stages, StageTiming{Stage: stage, Duration: d})
	})
}

// RecordQuery adds the cost of one executor call.
func (m *PerformanceMetrics) RecordQuery(stats graphdb.ExecStats, rows int) error {
	return m.record(func(s *MetricsSnapshot) {
		s.Attempts += stats.Attempts
		s.Retries += stats.Retries
		s.Delays = append(s.Delays, stats.Delays...)
		s.PoolWait += stats.PoolWait
		s.QueryTime += stats.Duration
		s.RowCount += rows
	})
}

// RecordCapability adds the cost of the analyzer (StageAnalyze) or
// refiner (StageEnhance) calls. Other stages are ignored.
func (m *PerformanceMetrics) RecordCapability(stage string, attempts int, delays []time.Duration) error {
	return m.record(func(s *MetricsSnapshot) {
		var cs *CallStats
		switch stage {
		case StageAnalyze:
			cs = &s.Analyzer
		case StageEnhance:
			cs = &s.Refiner
		default:
			return
		}
		cs.Attempts += attempts
		cs.Retries += len(delays)
		for _, d := range delays {
			cs.Backoff += d
		}
	})
}

// RecordResults sets the final result count.
func (m *PerformanceMetrics) RecordResults(n int) error {
	return m.record(func(s *MetricsSnapshot) {
		s.ResultCount = n
	})
}

// RecordCacheHit marks the run as served from the cache.
func (m *PerformanceMetrics) RecordCacheHit() error {
	return m.record(func(s *MetricsSnapshot) {
		s.CacheHit = true
	})
}

// Finalize sets the total elapsed time and freezes the metrics.
// Finalizing twice returns ErrMetricsFinalized.
func (m *PerformanceMetrics) Finalize(total time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrMetricsFinalized
	}
	m.snap.Total = total
	m.snap.Finalized = true
	m.finalized = true
	return nil
}

// Snapshot returns a copy of the current values.
func (m *PerformanceMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	s.Stages = slices.Clone(m.snap.Stages)
	s.Delays = slices.Clone(m.snap.Delays)
	return s
}

// TotalDelay sums the backoff delays.
func (s MetricsSnapshot) TotalDelay() time.Duration {
	var total time.Duration
	for _, d := range s.Delays {
		total += d
	}
	return total
}

// PerformanceSummary condenses stage timings.
type PerformanceSummary struct {
	StageCount    int           `json:"stage_count"`
	AverageStage  time.Duration `json:"average_stage"`
	SlowestStage  string        `json:"slowest_stage,omitempty"`
	SlowestTime   time.Duration `json:"slowest_time"`
	Total         time.Duration `json:"total"`
	Retries       int           `json:"retries"`
	PoolWait      time.Duration `json:"pool_wait"`
	TotalBackoff  time.Duration `json:"total_backoff"`
	ResultCount   int           `json:"result_count"`
	ServedByCache bool          `json:"served_by_cache"`
}

// Summary reports the average and slowest stage along with the totals.
// Ties for slowest go to the earlier stage.
func (s MetricsSnapshot) Summary() PerformanceSummary {
	sum := PerformanceSummary{
		StageCount:    len(s.Stages),
		Total:         s.Total,
		Retries:       s.Retries,
		PoolWait:      s.PoolWait,
		TotalBackoff:  s.TotalDelay(),
		ResultCount:   s.ResultCount,
		ServedByCache: s.CacheHit,
	}
	if len(s.Stages) == 0 {
		return sum
	}
	var total time.Duration
	for _, st := range s.Stages {
		total += st.Duration
		if sum.SlowestStage == "" || st.Duration > sum.SlowestTime {
			sum.SlowestStage = st.Stage
			sum.SlowestTime = st.Duration
		}
	}
	sum.AverageStage = total / time.Duration(len(s.Stages))
	return sum
}

// Summary summarizes the current values.
func (m *PerformanceMetrics) Summary() PerformanceSummary {
	return m.Snapshot().Summary()
}
