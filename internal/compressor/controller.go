package compressor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/encoder"
	"smart-squeeze-go/internal/logger"
	"smart-squeeze-go/internal/metrics"
	"smart-squeeze-go/internal/oracle"
	"smart-squeeze-go/internal/statistics"
	"smart-squeeze-go/internal/strategy"
)

// Default loop parameters.
const (
	DefaultMaxIterations = 4
	DefaultTolerance     = 0.05
	DefaultOracleTimeout = 20 * time.Second
)

// Option configures a Controller or Service.
type Option func(*options)

type options struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	stats   *statistics.Statistics
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records run outcomes in Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStatistics records run outcomes in in-process counters.
func WithStatistics(s *statistics.Statistics) Option {
	return func(o *options) { o.stats = s }
}

func buildOptions(opts []Option) options {
	o := options{logger: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Controller runs the convergence loop. A Controller holds no per-run state
// and may serve any number of concurrent runs.
type Controller struct {
	oracle        oracle.Oracle
	encoders      *encoder.Registry
	maxIterations int
	tolerance     float64
	oracleTimeout time.Duration
	options
}

// NewController creates a controller. Zero values in cfg select the
// defaults.
func NewController(o oracle.Oracle, encoders *encoder.Registry, cfg config.ConvergenceConfig, opts ...Option) *Controller {
	c := &Controller{
		oracle:        o,
		encoders:      encoders,
		maxIterations: cfg.MaxIterations,
		tolerance:     cfg.Tolerance,
		oracleTimeout: cfg.OracleTimeout,
		options:       buildOptions(opts),
	}
	if c.maxIterations <= 0 {
		c.maxIterations = DefaultMaxIterations
	}
	if c.tolerance < 0 {
		c.tolerance = DefaultTolerance
	}
	if c.oracleTimeout <= 0 {
		c.oracleTimeout = DefaultOracleTimeout
	}
	return c
}

// MaxIterations returns the iteration budget.
func (c *Controller) MaxIterations() int {
	return c.maxIterations
}

// Accepts reports whether size is within tolerance of target.
func (c *Controller) Accepts(size, target int64) bool {
	return float64(size) <= float64(target)*(1+c.tolerance)
}

// loopState is owned by a single call to Run.
type loopState struct {
	iteration int
	lastSize  int64
	last      encoder.Output
	applied   strategy.Strategy
}

// Run compresses in towards targetSize. The target must be positive and
// strictly below the input size. Exhausting the iteration budget is not an
// error: the last output is returned with Status Exhausted.
func (c *Controller) Run(ctx context.Context, runID string, in encoder.Input, category classifier.Category,
	targetSize int64, progress ProgressFunc) (*CompressionResult, error) {

	originalSize := int64(len(in.Data))
	if err := ValidateTarget(originalSize, targetSize); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	log := logger.WithFields(c.logger, logrus.Fields{
		"run_id":   runID,
		"category": category.String(),
		"original": originalSize,
		"target":   targetSize,
	})
	enc := c.encoders.Lookup(category)
	started := time.Now()

	progress(Progress{RunID: runID, State: Running, Percent: 5})

	st := loopState{lastSize: originalSize}
	status := Exhausted

	for st.iteration < c.maxIterations {
		if err := ctx.Err(); err != nil {
			return nil, c.cancelled(runID, st.iteration, err, progress)
		}

		st.iteration++
		progress(Progress{RunID: runID, State: Running, Iteration: st.iteration, Percent: IterationPercent(st.iteration)})

		s := c.suggest(ctx, log, oracle.Request{
			Category:     category,
			OriginalSize: originalSize,
			TargetSize:   targetSize,
			Iteration:    st.iteration,
			PreviousSize: st.lastSize,
		})
		if err := ctx.Err(); err != nil {
			return nil, c.cancelled(runID, st.iteration, err, progress)
		}
		s = strategy.Clamp(s)

		encStart := time.Now()
		out, err := enc.Encode(ctx, in, s)
		if c.metrics != nil {
			c.metrics.RecordEncode(enc.Name(), time.Since(encStart).Seconds())
		}
		if err != nil {
			encErr := &EncodeError{Category: category, Encoder: enc.Name(), Iteration: st.iteration, Err: err}
			log.WithError(err).WithField("iteration", st.iteration).Error("Encoder failed")
			progress(Progress{RunID: runID, State: Failed, Iteration: st.iteration, Percent: 100})
			return nil, encErr
		}

		st.last, st.lastSize, st.applied = out, out.Size(), s
		log.WithFields(logrus.Fields{
			"iteration": st.iteration,
			"strategy":  s.String(),
			"achieved":  st.lastSize,
		}).Debug("Iteration finished")

		applied := s
		progress(Progress{
			RunID:        runID,
			State:        Running,
			Iteration:    st.iteration,
			Percent:      IterationPercent(st.iteration),
			Strategy:     &applied,
			AchievedSize: st.lastSize,
		})

		if c.Accepts(st.lastSize, targetSize) {
			status = Converged
			break
		}
	}

	res := Assemble(originalSize, st.last, st.applied)
	res.RunID = runID
	res.Category = category
	res.SourceMediaType = in.MediaType
	res.TargetSize = targetSize
	res.Iterations = st.iteration
	res.Status = status
	res.TargetMet = status == Converged
	res.StartedAt = started
	res.FinishedAt = time.Now()

	applied := st.applied
	progress(Progress{
		RunID:        runID,
		State:        status,
		Iteration:    st.iteration,
		Percent:      100,
		Strategy:     &applied,
		AchievedSize: res.CompressedSize,
	})

	log.WithFields(logrus.Fields{
		"status":     status.String(),
		"iterations": st.iteration,
		"compressed": res.CompressedSize,
	}).Info("Run finished")

	return &res, nil
}

// suggest asks the oracle for a strategy under the per-call timeout. Any
// failure is absorbed and answered with the fallback strategy.
func (c *Controller) suggest(ctx context.Context, log *logrus.Entry, req oracle.Request) strategy.Strategy {
	callCtx, cancel := context.WithTimeout(ctx, c.oracleTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.oracle.Suggest(callCtx, req)
	if c.metrics != nil {
		c.metrics.RecordOracleCall(time.Since(start).Seconds())
	}
	if err == nil {
		// an answer that arrives after the deadline is discarded
		err = callCtx.Err()
	}
	if err == nil {
		err = resp.Validate()
	}
	if err == nil {
		return resp.Strategy()
	}

	if ctx.Err() == nil {
		reason := fallbackReason(err, callCtx)
		log.WithError(err).WithFields(logrus.Fields{
			"iteration": req.Iteration,
			"reason":    reason,
		}).Warn("Strategy oracle failed, using fallback strategy")
		if c.metrics != nil {
			c.metrics.RecordFallback(reason)
		}
		if c.stats != nil {
			c.stats.IncrementOracleFallbacks()
		}
	}
	return strategy.Fallback()
}

func fallbackReason(err error, callCtx context.Context) string {
	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, oracle.ErrMalformedResponse):
		return "malformed"
	default:
		return "unavailable"
	}
}

func (c *Controller) cancelled(runID string, iteration int, cause error, progress ProgressFunc) error {
	c.logger.WithFields(logrus.Fields{
		"run_id":    runID,
		"iteration": iteration,
	}).Info("Run cancelled")
	progress(Progress{RunID: runID, State: Cancelled, Iteration: iteration, Percent: IterationPercent(iteration)})
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// ValidateTarget checks that target is positive and strictly below the
// original size.
func ValidateTarget(originalSize, targetSize int64) error {
	if targetSize <= 0 {
		return fmt.Errorf("%w: target must be positive, got %d", ErrInvalidTarget, targetSize)
	}
	if targetSize >= originalSize {
		return fmt.Errorf("%w: target %d must be below original size %d", ErrInvalidTarget, targetSize, originalSize)
	}
	return nil
}
