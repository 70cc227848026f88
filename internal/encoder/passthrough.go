package encoder

import (
	"context"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/strategy"
)

// PassthroughEncoder returns its input unchanged. It serves video, audio and
// unknown content, for which no encoder is available.
type PassthroughEncoder struct{}

// NewPassthroughEncoder creates a pass-through encoder.
func NewPassthroughEncoder() *PassthroughEncoder {
	return &PassthroughEncoder{}
}

// Encode returns the input bytes as-is.
func (p *PassthroughEncoder) Encode(ctx context.Context, in Input, s strategy.Strategy) (Output, error) {
	mediaType := in.MediaType
	if mediaType == "" {
		mediaType = classifier.GenericMediaType
	}
	return Output{Data: in.Data, MediaType: mediaType}, nil
}

// Name returns "passthrough".
func (p *PassthroughEncoder) Name() string {
	return "passthrough"
}
