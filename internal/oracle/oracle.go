// Package oracle defines the boundary to the service that proposes
// compression parameters for each iteration of a run, together with the
// implementations shipped with the tool.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/strategy"
)

var (
	// ErrUnavailable means no answer could be obtained at all.
	ErrUnavailable = errors.New("strategy oracle unavailable")
	// ErrMalformedResponse means an answer arrived but is unusable.
	ErrMalformedResponse = errors.New("malformed strategy response")
)

// Oracle proposes a strategy for one iteration of a run. Implementations
// must be safe for concurrent use by independent runs.
type Oracle interface {
	Suggest(ctx context.Context, req Request) (Response, error)
}

// Request is the loop state handed to the oracle.
type Request struct {
	Category     classifier.Category `json:"category"`
	OriginalSize int64               `json:"originalSizeBytes"`
	TargetSize   int64               `json:"targetSizeBytes"`
	Iteration    int                 `json:"iteration"`
	PreviousSize int64               `json:"previousAchievedSizeBytes,omitempty"`
}

// Response is the raw, unvalidated answer of an oracle. Optional numeric
// fields are pointers so that absence can be told apart from zero.
type Response struct {
	Quality   *float64 `json:"quality"`
	Scale     *float64 `json:"scale,omitempty"`
	Bitrate   *float64 `json:"bitrate,omitempty"`
	Method    string   `json:"method"`
	Reasoning string   `json:"reasoning"`
}

// Validate checks that the mandatory fields are present.
func (r Response) Validate() error {
	if r.Quality == nil {
		return fmt.Errorf("%w: missing quality", ErrMalformedResponse)
	}
	if strings.TrimSpace(r.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrMalformedResponse)
	}
	return nil
}

// Strategy converts the response into a strategy. Absent scale means no
// scaling. The result is not clamped.
func (r Response) Strategy() strategy.Strategy {
	s := strategy.Strategy{
		Quality:   strategy.DefaultQuality,
		Scale:     strategy.DefaultScale,
		Method:    strings.TrimSpace(r.Method),
		Reasoning: strings.TrimSpace(r.Reasoning),
	}
	if r.Quality != nil {
		s.Quality = *r.Quality
	}
	if r.Scale != nil {
		s.Scale = *r.Scale
	}
	if r.Bitrate != nil {
		s.Bitrate = *r.Bitrate
	}
	if s.Reasoning == "" {
		s.Reasoning = "Optimizing for target size."
	}
	return s
}

// ParseResponse decodes a JSON answer. Surrounding prose and markdown code
// fences are tolerated.
func ParseResponse(text string) (Response, error) {
	body := strings.TrimSpace(text)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return Response{}, fmt.Errorf("%w: no JSON object in response", ErrMalformedResponse)
	}

	var resp Response
	if err := json.Unmarshal([]byte(body[start:end+1]), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := resp.Validate(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Float returns a pointer to v, for building responses.
func Float(v float64) *float64 {
	return &v
}
