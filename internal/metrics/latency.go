package metrics

import (
	"sort"
	"sync"
	"time"
)

// Operation names the explorer operations whose latency is tracked
type Operation string

const (
	OpList           Operation = "list"
	OpGet            Operation = "get"
	OpSet            Operation = "set"
	OpDelete         Operation = "delete"
	OpChildren       Operation = "children"
	OpBrowse         Operation = "browse"
	OpTestConnection Operation = "test_connection"
)

type latencySample struct {
	duration  time.Duration
	timestamp time.Time
	success   bool
}

// LatencyStats contains percentile statistics for an operation
type LatencyStats struct {
	Operation    Operation `json:"operation"`
	Count        int64     `json:"count"`
	P50          float64   `json:"p50_ms"`
	P95          float64   `json:"p95_ms"`
	P99          float64   `json:"p99_ms"`
	Mean         float64   `json:"mean_ms"`
	Min          float64   `json:"min_ms"`
	Max          float64   `json:"max_ms"`
	SuccessRate  float64   `json:"success_rate"`
	ErrorCount   int64     `json:"error_count"`
	LastRecorded time.Time `json:"last_recorded"`
}

// LatencyCollector keeps a rolling window of request latencies per
// operation
type LatencyCollector struct {
	mu         sync.RWMutex
	samples    map[Operation][]latencySample
	maxSamples int
	retention  time.Duration
	now        func() time.Time
}

// NewLatencyCollector keeps at most maxSamples samples, none older than
// retention, per operation
func NewLatencyCollector(maxSamples int, retention time.Duration) *LatencyCollector {
	return &LatencyCollector{
		samples:    make(map[Operation][]latencySample),
		maxSamples: maxSamples,
		retention:  retention,
		now:        time.Now,
	}
}

// RecordLatency adds one sample
func (c *LatencyCollector) RecordLatency(op Operation, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	samples := append(c.samples[op], latencySample{duration: duration, timestamp: now, success: success})
	if len(samples) > c.maxSamples {
		samples = samples[len(samples)-c.maxSamples:]
	}

	cutoff := now.Add(-c.retention)
	i := sort.Search(len(samples), func(i int) bool { return samples[i].timestamp.After(cutoff) })
	c.samples[op] = samples[i:]
}

// GetLatencyStats calculates latency statistics for op
func (c *LatencyCollector) GetLatencyStats(op Operation) *LatencyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked(op)
}

// GetAllLatencyStats returns statistics for every operation seen so far
func (c *LatencyCollector) GetAllLatencyStats() map[Operation]*LatencyStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[Operation]*LatencyStats, len(c.samples))
	for op := range c.samples {
		stats[op] = c.statsLocked(op)
	}
	return stats
}

func (c *LatencyCollector) statsLocked(op Operation) *LatencyStats {
	samples := c.samples[op]
	if len(samples) == 0 {
		return &LatencyStats{Operation: op}
	}

	durations := make([]float64, 0, len(samples))
	var sum float64
	var errorCount int64
	lastRecorded := samples[0].timestamp
	for _, s := range samples {
		ms := float64(s.duration) / float64(time.Millisecond)
		durations = append(durations, ms)
		sum += ms
		if !s.success {
			errorCount++
		}
		if s.timestamp.After(lastRecorded) {
			lastRecorded = s.timestamp
		}
	}
	sort.Float64s(durations)

	count := int64(len(durations))
	return &LatencyStats{
		Operation:    op,
		Count:        count,
		P50:          calculatePercentile(durations, 50),
		P95:          calculatePercentile(durations, 95),
		P99:          calculatePercentile(durations, 99),
		Mean:         sum / float64(count),
		Min:          durations[0],
		Max:          durations[len(durations)-1],
		SuccessRate:  float64(count-errorCount) / float64(count) * 100,
		ErrorCount:   errorCount,
		LastRecorded: lastRecorded,
	}
}

// Reset clears all collected samples
func (c *LatencyCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = make(map[Operation][]latencySample)
}

// calculatePercentile interpolates linearly between the closest ranks
func calculatePercentile(sortedData []float64, percentile int) float64 {
	if len(sortedData) == 0 {
		return 0
	}
	if percentile <= 0 {
		return sortedData[0]
	}
	if percentile >= 100 {
		return sortedData[len(sortedData)-1]
	}

	rank := float64(percentile) / 100.0 * float64(len(sortedData)-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= len(sortedData) {
		return sortedData[lower]
	}

	weight := rank - float64(lower)
	return sortedData[lower]*(1-weight) + sortedData[upper]*weight
}
