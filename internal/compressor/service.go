package compressor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/encoder"
	"smart-squeeze-go/internal/oracle"
)

// DefaultMaxFileSize is the input limit when none is configured.
const DefaultMaxFileSize int64 = 500 * 1024 * 1024

// DefaultTargetSize is used when a caller gives no target.
const DefaultTargetSize int64 = 500 * 1024

const (
	suggestedTargetRatio  = 0.4
	aggressiveTargetRatio = 0.05
)

// RunRequest is one file to compress.
type RunRequest struct {
	ID         string // generated when empty
	Name       string
	Data       []byte
	MediaType  string // declared type, may be empty
	TargetSize int64
}

// Service is the caller-facing entry point: it enforces input limits,
// classifies the file and hands it to the controller.
type Service struct {
	controller  *Controller
	maxFileSize int64
	options
}

// NewService creates a service from configuration.
func NewService(cfg *config.Config, o oracle.Oracle, encoders *encoder.Registry, opts ...Option) *Service {
	maxSize := cfg.Limits.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Service{
		controller:  NewController(o, encoders, cfg.Convergence, opts...),
		maxFileSize: maxSize,
		options:     buildOptions(opts),
	}
}

// Controller returns the underlying loop controller.
func (s *Service) Controller() *Controller {
	return s.controller
}

// MaxFileSize returns the input limit in bytes.
func (s *Service) MaxFileSize() int64 {
	return s.maxFileSize
}

// CheckPreconditions validates a request's sizes without doing any work.
func (s *Service) CheckPreconditions(originalSize, targetSize int64) error {
	if originalSize > s.maxFileSize {
		return fmt.Errorf("%w: %s exceeds the %s limit", ErrFileTooLarge,
			humanize.IBytes(uint64(originalSize)), humanize.IBytes(uint64(s.maxFileSize)))
	}
	return ValidateTarget(originalSize, targetSize)
}

// StartRun compresses one file. Precondition failures are returned before
// any oracle or encoder call. Progress is optional.
func (s *Service) StartRun(ctx context.Context, req RunRequest, progress ProgressFunc) (*CompressionResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	originalSize := int64(len(req.Data))

	if err := s.CheckPreconditions(originalSize, req.TargetSize); err != nil {
		s.recordRejected(req, err)
		return nil, err
	}

	mediaType := classifier.DetectMediaType(req.MediaType, req.Name, req.Data)
	category := classifier.Classify(mediaType)

	if s.stats != nil {
		s.stats.IncrementRunsStarted()
		s.stats.IncrementCategory(category.String())
	}
	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunFinished()
	}

	started := time.Now()
	res, err := s.controller.Run(ctx, req.ID, encoder.Input{Data: req.Data, MediaType: mediaType}, category, req.TargetSize, progress)
	if err != nil {
		s.recordFailure(req, category, started, err)
		return nil, err
	}
	res.Name = req.Name

	s.recordResult(res)
	return res, nil
}

func (s *Service) recordRejected(req RunRequest, err error) {
	s.logger.WithFields(logrus.Fields{
		"run_id": req.ID,
		"file":   req.Name,
		"size":   len(req.Data),
		"target": req.TargetSize,
	}).WithError(err).Warn("Run rejected")
	if s.stats != nil {
		s.stats.IncrementRunsRejected()
	}
	if s.metrics != nil {
		s.metrics.RecordRun(classifier.Unknown.String(), "rejected", 0, 0)
	}
}

func (s *Service) recordFailure(req RunRequest, category classifier.Category, started time.Time, err error) {
	outcome := Failed
	if errors.Is(err, ErrCancelled) {
		outcome = Cancelled
	}
	if s.stats != nil {
		if outcome == Cancelled {
			s.stats.IncrementRunsCancelled()
		} else {
			s.stats.IncrementRunsFailed()
			s.stats.AddError(req.Name, "compress", err.Error())
		}
	}
	if s.metrics != nil {
		s.metrics.RecordRun(category.String(), outcome.String(), 0, time.Since(started).Seconds())
	}
}

func (s *Service) recordResult(res *CompressionResult) {
	if s.stats != nil {
		if res.Status == Converged {
			s.stats.IncrementRunsConverged()
		} else {
			s.stats.IncrementRunsExhausted()
		}
		s.stats.AddIterations(res.Iterations)
		s.stats.AddBytes(res.OriginalSize, res.CompressedSize)
	}
	if s.metrics != nil {
		category := res.Category.String()
		s.metrics.RecordRun(category, res.Status.String(), res.Iterations, res.Duration().Seconds())
		s.metrics.RecordBytesSaved(category, res.OriginalSize, res.CompressedSize)
	}
}

// SuggestTarget proposes a target of 40% of the original size.
func SuggestTarget(originalSize int64) int64 {
	return TargetForRatio(originalSize, suggestedTargetRatio)
}

// TargetForRatio returns ratio*size, rounded down and kept at least 1.
func TargetForRatio(originalSize int64, ratio float64) int64 {
	return max(int64(math.Floor(float64(originalSize)*ratio)), 1)
}

// ParseTargetSize reads a target given in bytes or in humanized form
// ("500KB", "1.5 MiB"). An empty string yields DefaultTargetSize.
func ParseTargetSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTargetSize, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot parse %q", ErrInvalidTarget, s)
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidTarget, s)
	}
	return int64(n), nil
}

// IsAggressiveTarget reports whether target is below 5% of the original
// size.
func IsAggressiveTarget(originalSize, targetSize int64) bool {
	return float64(targetSize) < float64(originalSize)*aggressiveTargetRatio
}
