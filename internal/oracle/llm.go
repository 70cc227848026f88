package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Completer sends a prompt to a text-completion model and returns its
// answer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMOracle asks a text-completion model for a strategy.
type LLMOracle struct {
	completer  Completer
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	logger     *logrus.Logger
}

// LLMOption configures an LLMOracle.
type LLMOption func(*LLMOracle)

// WithRateLimit paces outgoing calls across all runs sharing the oracle.
func WithRateLimit(perSecond float64, burst int) LLMOption {
	return func(o *LLMOracle) {
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetries retries transport failures with exponential backoff.
// Malformed answers are never retried.
func WithRetries(maxRetries int, delay time.Duration) LLMOption {
	return func(o *LLMOracle) {
		o.maxRetries = maxRetries
		o.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *logrus.Logger) LLMOption {
	return func(o *LLMOracle) {
		o.logger = logger
	}
}

// NewLLMOracle returns an oracle backed by the given completer.
func NewLLMOracle(completer Completer, opts ...LLMOption) *LLMOracle {
	o := &LLMOracle{
		completer:  completer,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		retryDelay: 500 * time.Millisecond,
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Suggest implements Oracle.
func (o *LLMOracle) Suggest(ctx context.Context, req Request) (Response, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}

	prompt := BuildPrompt(req)

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := o.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
			o.logger.WithFields(logrus.Fields{
				"attempt":   attempt,
				"iteration": req.Iteration,
				"error":     lastErr,
			}).Debug("Retrying strategy request")
		}

		text, err := o.completer.Complete(ctx, prompt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return ParseResponse(text)
	}

	if errors.Is(lastErr, ErrUnavailable) {
		return Response{}, lastErr
	}
	return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// BuildPrompt renders the request as instructions for a completion model.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You choose parameters for an iterative file compressor.\n")
	b.WriteString("Compression request:\n")
	fmt.Fprintf(&b, "- File Category: %s\n", req.Category)
	fmt.Fprintf(&b, "- Original Size: %.2f KB\n", float64(req.OriginalSize)/1024)
	fmt.Fprintf(&b, "- Target Size: %.2f KB\n", float64(req.TargetSize)/1024)
	fmt.Fprintf(&b, "- Iteration: %d\n", req.Iteration)
	if req.PreviousSize > 0 {
		fmt.Fprintf(&b, "- Previous Attempt Size: %.2f KB\n", float64(req.PreviousSize)/1024)
	}
	b.WriteString(`
Rules:
1. If the previous attempt was too large, lower quality and scale decisively.
2. quality is the lossy codec fidelity from 0.05 to 1.0.
3. scale is the resolution factor from 0.1 to 1.0 (images only).
4. For TEXT and ARCHIVE the method is "GZIP"; parameters are ignored.
5. For DOCUMENT focus on metadata removal.
Answer with one JSON object only:
{"quality": number, "scale": number, "bitrate": number, "method": string, "reasoning": string}
quality and method are required.
`)
	return b.String()
}
