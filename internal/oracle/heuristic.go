package oracle

import (
	"context"
	"fmt"
	"math"

	"smart-squeeze-go/internal/classifier"
)

// HeuristicOracle derives a strategy from the size ratios alone. It keeps no
// state, so identical requests always get identical answers.
type HeuristicOracle struct{}

// NewHeuristicOracle returns a HeuristicOracle.
func NewHeuristicOracle() *HeuristicOracle {
	return &HeuristicOracle{}
}

// Suggest implements Oracle.
func (h *HeuristicOracle) Suggest(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if req.OriginalSize <= 0 || req.TargetSize <= 0 {
		return Response{}, fmt.Errorf("%w: sizes must be positive", ErrMalformedResponse)
	}

	ratio := float64(req.TargetSize) / float64(req.OriginalSize)

	switch req.Category {
	case classifier.Image:
		return imageSuggestion(req, ratio), nil
	case classifier.Text, classifier.Archive:
		return Response{
			Quality:   Float(1.0),
			Method:    "GZIP",
			Reasoning: "Lossless stream compression; parameters do not affect the output.",
		}, nil
	case classifier.Document:
		return Response{
			Quality:   Float(1.0),
			Method:    "Metadata Strip",
			Reasoning: "Remove descriptive metadata and pack objects into streams.",
		}, nil
	default:
		return Response{
			Quality:   Float(1.0),
			Method:    "Pass-through",
			Reasoning: fmt.Sprintf("No encoder available for %s content.", req.Category),
		}, nil
	}
}

func imageSuggestion(req Request, ratio float64) Response {
	// Lossy quality roughly tracks size on a sub-linear curve; pixel count
	// scales with the square of the scale factor.
	quality := 0.95 * math.Pow(ratio, 0.35)
	scale := 1.0
	if ratio < 0.5 {
		scale = math.Sqrt(ratio * 2)
	}

	if req.Iteration > 1 && req.PreviousSize > req.TargetSize {
		miss := float64(req.TargetSize) / float64(req.PreviousSize)
		steps := float64(req.Iteration - 1)
		quality *= math.Pow(miss, 0.5*steps)
		scale *= math.Pow(miss, 0.25*steps)
	}

	quality = math.Max(0.05, math.Min(1.0, quality))
	scale = math.Max(0.1, math.Min(1.0, scale))

	return Response{
		Quality: Float(quality),
		Scale:   Float(scale),
		Method:  "Adaptive Lossy",
		Reasoning: fmt.Sprintf("Target is %.0f%% of original at iteration %d.",
			ratio*100, req.Iteration),
	}
}
