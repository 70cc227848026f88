package strategy

import (
	"fmt"
	"math"
)

// Parameter domains.
const (
	MinQuality = 0.05
	MaxQuality = 1.0
	MinScale   = 0.1
	MaxScale   = 1.0

	DefaultQuality = 0.8
	DefaultScale   = 1.0
)

// FallbackMethod names the conservative strategy used when no valid
// suggestion could be obtained.
const FallbackMethod = "Safety Fallback"

// Strategy is the set of encoder parameters applied for one iteration.
type Strategy struct {
	Quality   float64 `json:"quality"`
	Scale     float64 `json:"scale"`
	Bitrate   float64 `json:"bitrate,omitempty"` // informational only
	Method    string  `json:"method"`
	Reasoning string  `json:"reasoning"`
}

// Fallback returns the conservative strategy used when the oracle fails.
func Fallback() Strategy {
	return Strategy{
		Quality:   0.5,
		Scale:     0.7,
		Method:    FallbackMethod,
		Reasoning: "Strategy suggestion unavailable, using conservative defaults.",
	}
}

// IsFallback reports whether s was produced by Fallback.
func (s Strategy) IsFallback() bool {
	return s.Method == FallbackMethod
}

// Clamp forces quality and scale into their domains. Non-finite values are
// replaced by the defaults before clamping.
func Clamp(s Strategy) Strategy {
	s.Quality = clampValue(s.Quality, DefaultQuality, MinQuality, MaxQuality)
	s.Scale = clampValue(s.Scale, DefaultScale, MinScale, MaxScale)
	if math.IsNaN(s.Bitrate) || math.IsInf(s.Bitrate, 0) || s.Bitrate < 0 {
		s.Bitrate = 0
	}
	return s
}

// QualityPercent returns quality on the 1-100 scale used by lossy codecs.
func (s Strategy) QualityPercent() int {
	q := int(math.Round(s.Quality * 100))
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return q
}

// String returns a short human-readable description.
func (s Strategy) String() string {
	return fmt.Sprintf("%s (quality=%.2f scale=%.2f)", s.Method, s.Quality, s.Scale)
}

func clampValue(v, def, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = def
	}
	return math.Max(lo, math.Min(hi, v))
}
