package statistics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatistics_ConcurrentCounters(t *testing.T) {
	s := NewStatistics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.IncrementRunsStarted()
			s.IncrementRunsConverged()
			s.AddIterations(2)
			s.AddBytes(1000, 400)
			s.IncrementCategory("IMAGE")
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(50), snap.RunsStarted)
	assert.Equal(t, int64(50), snap.RunsConverged)
	assert.Equal(t, int64(100), snap.Iterations)
	assert.Equal(t, int64(50000), snap.BytesIn)
	assert.Equal(t, int64(30000), snap.BytesSaved)
	assert.InDelta(t, 60.0, snap.PercentSaved, 0.001)
	assert.Equal(t, int64(50), snap.Categories["IMAGE"])
}

func TestStatistics_Summary(t *testing.T) {
	s := NewStatistics()
	s.IncrementRunsExhausted()
	s.IncrementOracleFallbacks()
	s.AddBytes(2048, 1024)
	s.Finalize()

	summary := s.GetSummary()
	assert.Contains(t, summary, "Exhausted: 1")
	assert.Contains(t, summary, "Oracle Fallbacks: 1")
	assert.Contains(t, summary, "Bytes In: 2.0 KiB")
	assert.Contains(t, summary, "Saved: 1.0 KiB (50.0%)")
}

func TestStatistics_ErrorSummary(t *testing.T) {
	s := NewStatistics()
	assert.Equal(t, "No errors occurred during processing", s.GetErrorSummary())

	for i := 0; i < 12; i++ {
		s.AddError("a.png", "compress", "boom")
	}
	summary := s.GetErrorSummary()
	assert.Contains(t, summary, "Errors (12 total)")
	assert.Contains(t, summary, "... and 2 more errors")
	assert.Equal(t, 12, s.Snapshot().ErrorCount)
}

func TestStatistics_CategoryBreakdownSorted(t *testing.T) {
	s := NewStatistics()
	s.IncrementCategory("TEXT")
	s.IncrementCategory("IMAGE")
	assert.Equal(t, "Category Breakdown:\n  IMAGE: 1\n  TEXT: 1\n", s.GetCategoryBreakdown())
}
