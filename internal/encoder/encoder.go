// Package encoder holds one encoder per file category and the registry that
// selects among them.
package encoder

import (
	"context"
	"fmt"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/strategy"
)

// Input is the raw file handed to an encoder. Encoders never modify Data.
type Input struct {
	Data      []byte
	MediaType string
}

// Output is the encoded file and its media type.
type Output struct {
	Data      []byte
	MediaType string
}

// Size returns the encoded size in bytes.
func (o Output) Size() int64 {
	return int64(len(o.Data))
}

// Encoder produces a new encoding of its input for one strategy. Identical
// inputs give identical outputs. An error means no output could be produced
// at all.
type Encoder interface {
	Encode(ctx context.Context, in Input, s strategy.Strategy) (Output, error)
	Name() string
}

// Registry maps categories to encoders. Categories without an encoder get
// the pass-through encoder.
type Registry struct {
	encoders    map[classifier.Category]Encoder
	passthrough Encoder
}

// NewRegistry returns a registry where every category passes through.
func NewRegistry() *Registry {
	return &Registry{
		encoders:    make(map[classifier.Category]Encoder),
		passthrough: NewPassthroughEncoder(),
	}
}

// NewDefaultRegistry returns a registry with the configured encoder for
// every supported category.
func NewDefaultRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()

	img, err := NewImageEncoder(cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("image encoder: %w", err)
	}
	stream, err := NewStreamEncoder(cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("stream encoder: %w", err)
	}

	r.Register(classifier.Image, img)
	r.Register(classifier.Text, stream)
	r.Register(classifier.Archive, stream)
	r.Register(classifier.Document, NewDocumentEncoder(cfg.Document))
	return r, nil
}

// Register sets the encoder for a category, replacing any previous one.
func (r *Registry) Register(c classifier.Category, e Encoder) {
	r.encoders[c] = e
}

// Lookup returns the encoder for a category.
func (r *Registry) Lookup(c classifier.Category) Encoder {
	if e, ok := r.encoders[c]; ok {
		return e
	}
	return r.passthrough
}

// Supports reports whether a category has an encoder other than
// pass-through.
func (r *Registry) Supports(c classifier.Category) bool {
	_, ok := r.encoders[c]
	return ok
}

// Encode dispatches to the encoder registered for c.
func (r *Registry) Encode(ctx context.Context, c classifier.Category, in Input, s strategy.Strategy) (Output, error) {
	return r.Lookup(c).Encode(ctx, in, s)
}
