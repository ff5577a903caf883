package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyCollector_Stats(t *testing.T) {
	c := NewLatencyCollector(100, time.Hour)
	for i := 1; i <= 10; i++ {
		c.RecordLatency(OpList, time.Duration(i)*time.Millisecond, i != 10)
	}

	stats := c.GetLatencyStats(OpList)
	require.NotNil(t, stats)
	assert.Equal(t, int64(10), stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 10.0, stats.Max)
	assert.InDelta(t, 5.5, stats.Mean, 0.001)
	assert.InDelta(t, 5.5, stats.P50, 0.001)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.InDelta(t, 90.0, stats.SuccessRate, 0.001)
}

func TestLatencyCollector_Empty(t *testing.T) {
	c := NewLatencyCollector(10, time.Hour)

	stats := c.GetLatencyStats(OpGet)
	assert.Equal(t, OpGet, stats.Operation)
	assert.Equal(t, int64(0), stats.Count)
	assert.Empty(t, c.GetAllLatencyStats())
}

func TestLatencyCollector_MaxSamples(t *testing.T) {
	c := NewLatencyCollector(3, time.Hour)
	for i := 1; i <= 5; i++ {
		c.RecordLatency(OpSet, time.Duration(i)*time.Millisecond, true)
	}

	stats := c.GetLatencyStats(OpSet)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, 3.0, stats.Min)
}

func TestLatencyCollector_Retention(t *testing.T) {
	c := NewLatencyCollector(100, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now.Add(-2 * time.Minute) }
	c.RecordLatency(OpDelete, time.Millisecond, true)

	c.now = func() time.Time { return now }
	c.RecordLatency(OpDelete, 2*time.Millisecond, true)

	stats := c.GetLatencyStats(OpDelete)
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, 2.0, stats.Min)
}

func TestLatencyCollector_AllAndReset(t *testing.T) {
	c := NewLatencyCollector(10, time.Hour)
	c.RecordLatency(OpGet, time.Millisecond, true)
	c.RecordLatency(OpChildren, time.Millisecond, false)

	all := c.GetAllLatencyStats()
	assert.Len(t, all, 2)
	assert.Equal(t, int64(1), all[OpChildren].ErrorCount)

	c.Reset()
	assert.Empty(t, c.GetAllLatencyStats())
}

func TestCalculatePercentile(t *testing.T) {
	data := []float64{10, 20, 30, 40}
	assert.Equal(t, 10.0, calculatePercentile(data, 0))
	assert.Equal(t, 40.0, calculatePercentile(data, 100))
	assert.InDelta(t, 25.0, calculatePercentile(data, 50), 0.001)
	assert.Equal(t, 0.0, calculatePercentile(nil, 50))
}
