// Package compressor drives target-size compression runs: an iterative loop
// that asks an oracle for a strategy, encodes, and stops once the output is
// within tolerance of the requested size or the iteration budget is spent.
package compressor

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/encoder"
	"smart-squeeze-go/internal/strategy"
)

// State is the lifecycle state of a run.
type State int

const (
	Idle State = iota
	Running
	Converged
	Exhausted
	Failed
	Cancelled
)

var stateNames = map[State]string{
	Idle:      "idle",
	Running:   "running",
	Converged: "converged",
	Exhausted: "exhausted",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", text)
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Converged || s == Exhausted || s == Failed || s == Cancelled
}

// CompressionResult is the outcome of a successful run. It is built once and
// never modified afterwards.
type CompressionResult struct {
	RunID           string              `json:"run_id"`
	Name            string              `json:"name"`
	Category        classifier.Category `json:"category"`
	OriginalSize    int64               `json:"original_size"`
	CompressedSize  int64               `json:"compressed_size"`
	TargetSize      int64               `json:"target_size"`
	SourceMediaType string              `json:"source_media_type"`
	MediaType       string              `json:"media_type"`
	Strategy        strategy.Strategy   `json:"strategy"`
	Iterations      int                 `json:"iterations"`
	Status          State               `json:"status"`
	TargetMet       bool                `json:"target_met"`
	Ratio           float64             `json:"ratio"`
	PercentageSaved float64             `json:"percentage_saved"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
	Data            []byte              `json:"-"`
}

// DownloadName returns the file name offered for the compressed output.
func (r *CompressionResult) DownloadName() string {
	return DownloadName(r.Name, r.SourceMediaType, r.MediaType)
}

// Duration returns the wall time of the run.
func (r *CompressionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Assemble packages the final encoder output. Ratio is compressed/original
// and PercentageSaved is negative when the output grew.
func Assemble(originalSize int64, out encoder.Output, used strategy.Strategy) CompressionResult {
	res := CompressionResult{
		OriginalSize:   originalSize,
		CompressedSize: out.Size(),
		MediaType:      out.MediaType,
		Strategy:       used,
		Data:           out.Data,
	}
	if originalSize > 0 {
		res.Ratio = float64(res.CompressedSize) / float64(originalSize)
		res.PercentageSaved = float64(originalSize-res.CompressedSize) * 100 / float64(originalSize)
	}
	return res
}

// DownloadName prefixes the original name with "smart_". When the encoder
// changed the format, the extension follows the output type; stream
// compressors append theirs.
func DownloadName(name, sourceType, outputType string) string {
	if name == "" {
		name = "file"
	}
	if outputType == "" || strings.EqualFold(sourceType, outputType) {
		return "smart_" + name
	}
	switch ext := classifier.ExtensionFor(outputType); ext {
	case "":
		return "smart_" + name
	case ".gz", ".zst":
		return "smart_" + name + ext
	default:
		return "smart_" + strings.TrimSuffix(name, filepath.Ext(name)) + ext
	}
}

// Progress is a snapshot of a run, delivered to the caller at every state
// change and iteration.
type Progress struct {
	RunID        string             `json:"run_id"`
	State        State              `json:"state"`
	Iteration    int                `json:"iteration"`
	Percent      int                `json:"percent"`
	Strategy     *strategy.Strategy `json:"strategy,omitempty"`
	AchievedSize int64              `json:"achieved_size,omitempty"`
}

// ProgressFunc receives progress updates. It is called synchronously from the
// run's goroutine and must not block for long.
type ProgressFunc func(Progress)

// IterationPercent is the coarse progress shown while iteration n runs.
func IterationPercent(n int) int {
	return min(10+n*20, 100)
}
