package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics accumulates counters over many compression runs. All methods
// are safe for concurrent use.
type Statistics struct {
	FilesFound   int64
	FilesSkipped int64

	RunsStarted   int64
	RunsConverged int64
	RunsExhausted int64
	RunsFailed    int64
	RunsCancelled int64
	RunsRejected  int64

	Iterations      int64
	OracleFallbacks int64

	BytesIn  int64
	BytesOut int64

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Errors []StatError

	mutex sync.RWMutex

	CategoryStats map[string]int64
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string    `json:"file"`
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent, serializable copy of the counters.
type Snapshot struct {
	FilesFound      int64            `json:"files_found"`
	FilesSkipped    int64            `json:"files_skipped"`
	RunsStarted     int64            `json:"runs_started"`
	RunsConverged   int64            `json:"runs_converged"`
	RunsExhausted   int64            `json:"runs_exhausted"`
	RunsFailed      int64            `json:"runs_failed"`
	RunsCancelled   int64            `json:"runs_cancelled"`
	RunsRejected    int64            `json:"runs_rejected"`
	Iterations      int64            `json:"iterations"`
	OracleFallbacks int64            `json:"oracle_fallbacks"`
	BytesIn         int64            `json:"bytes_in"`
	BytesOut        int64            `json:"bytes_out"`
	BytesSaved      int64            `json:"bytes_saved"`
	PercentSaved    float64          `json:"percent_saved"`
	Uptime          string           `json:"uptime"`
	Categories      map[string]int64 `json:"categories"`
	ErrorCount      int              `json:"error_count"`
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:     time.Now(),
		CategoryStats: make(map[string]int64),
		Errors:        make([]StatError, 0),
	}
}

// IncrementFilesFound increases the count of discovered files by 1.
func (s *Statistics) IncrementFilesFound() {
	atomic.AddInt64(&s.FilesFound, 1)
}

// IncrementFilesSkipped increases the count of files left alone by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementRunsStarted increases the count of started runs by 1.
func (s *Statistics) IncrementRunsStarted() {
	atomic.AddInt64(&s.RunsStarted, 1)
}

// IncrementRunsConverged increases the count of runs that met their target.
func (s *Statistics) IncrementRunsConverged() {
	atomic.AddInt64(&s.RunsConverged, 1)
}

// IncrementRunsExhausted increases the count of runs that ran out of
// iterations.
func (s *Statistics) IncrementRunsExhausted() {
	atomic.AddInt64(&s.RunsExhausted, 1)
}

// IncrementRunsFailed increases the count of runs that produced no output.
func (s *Statistics) IncrementRunsFailed() {
	atomic.AddInt64(&s.RunsFailed, 1)
}

// IncrementRunsCancelled increases the count of abandoned runs.
func (s *Statistics) IncrementRunsCancelled() {
	atomic.AddInt64(&s.RunsCancelled, 1)
}

// IncrementRunsRejected increases the count of requests refused by a
// precondition.
func (s *Statistics) IncrementRunsRejected() {
	atomic.AddInt64(&s.RunsRejected, 1)
}

// AddIterations adds n loop iterations.
func (s *Statistics) AddIterations(n int) {
	atomic.AddInt64(&s.Iterations, int64(n))
}

// IncrementOracleFallbacks increases the count of iterations that used the
// fallback strategy.
func (s *Statistics) IncrementOracleFallbacks() {
	atomic.AddInt64(&s.OracleFallbacks, 1)
}

// AddBytes records the input and output size of a finished run.
func (s *Statistics) AddBytes(in, out int64) {
	atomic.AddInt64(&s.BytesIn, in)
	atomic.AddInt64(&s.BytesOut, out)
}

// IncrementCategory increases the count for a file category by 1.
func (s *Statistics) IncrementCategory(category string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.CategoryStats[category]++
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize stamps the end time and duration.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// Snapshot returns a copy of all counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mutex.RLock()
	categories := make(map[string]int64, len(s.CategoryStats))
	for k, v := range s.CategoryStats {
		categories[k] = v
	}
	errCount := len(s.Errors)
	s.mutex.RUnlock()

	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)
	snap := Snapshot{
		FilesFound:      atomic.LoadInt64(&s.FilesFound),
		FilesSkipped:    atomic.LoadInt64(&s.FilesSkipped),
		RunsStarted:     atomic.LoadInt64(&s.RunsStarted),
		RunsConverged:   atomic.LoadInt64(&s.RunsConverged),
		RunsExhausted:   atomic.LoadInt64(&s.RunsExhausted),
		RunsFailed:      atomic.LoadInt64(&s.RunsFailed),
		RunsCancelled:   atomic.LoadInt64(&s.RunsCancelled),
		RunsRejected:    atomic.LoadInt64(&s.RunsRejected),
		Iterations:      atomic.LoadInt64(&s.Iterations),
		OracleFallbacks: atomic.LoadInt64(&s.OracleFallbacks),
		BytesIn:         in,
		BytesOut:        out,
		BytesSaved:      in - out,
		Uptime:          time.Since(s.StartTime).Round(time.Second).String(),
		Categories:      categories,
		ErrorCount:      errCount,
	}
	if in > 0 {
		snap.PercentSaved = float64(in-out) * 100 / float64(in)
	}
	return snap
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()

	s.mutex.RLock()
	duration := s.Duration
	s.mutex.RUnlock()

	return fmt.Sprintf(`Smart Squeeze Statistics Summary:

Files:
		Found: %d
		Skipped: %d

Runs:
		Started: %d
		Converged: %d
		Exhausted: %d
		Failed: %d
		Cancelled: %d
		Rejected: %d

Loop:
		Iterations: %d
		Oracle Fallbacks: %d

Size:
		Bytes In: %s
		Bytes Out: %s
		Saved: %s (%.1f%%)

Performance:
		Duration: %v`,
		snap.FilesFound,
		snap.FilesSkipped,
		snap.RunsStarted,
		snap.RunsConverged,
		snap.RunsExhausted,
		snap.RunsFailed,
		snap.RunsCancelled,
		snap.RunsRejected,
		snap.Iterations,
		snap.OracleFallbacks,
		humanize.IBytes(uint64(snap.BytesIn)),
		humanize.IBytes(uint64(snap.BytesOut)),
		formatSaved(snap.BytesSaved),
		snap.PercentSaved,
		duration)
}

// GetCategoryBreakdown returns a formatted breakdown of categories processed.
func (s *Statistics) GetCategoryBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.CategoryStats) == 0 {
		return "No category statistics available"
	}

	names := make([]string, 0, len(s.CategoryStats))
	for name := range s.CategoryStats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Category Breakdown:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %d\n", name, s.CategoryStats[name])
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// formatSaved renders a possibly negative byte delta.
func formatSaved(delta int64) string {
	if delta < 0 {
		return "-" + humanize.IBytes(uint64(-delta))
	}
	return humanize.IBytes(uint64(delta))
}
