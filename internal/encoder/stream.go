package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/strategy"
)

// StreamEncoder applies a lossless general-purpose compressor. Strategy
// parameters are ignored.
type StreamEncoder struct {
	algorithm string
	level     int
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
}

// NewStreamEncoder creates a stream encoder for gzip or zstd.
func NewStreamEncoder(cfg config.StreamConfig) (*StreamEncoder, error) {
	s := &StreamEncoder{algorithm: cfg.Algorithm, level: cfg.Level}

	switch cfg.Algorithm {
	case "gzip":
		if cfg.Level < gzip.BestSpeed || cfg.Level > gzip.BestCompression {
			return nil, fmt.Errorf("gzip level must be between 1 and 9, got %d", cfg.Level)
		}
	case "zstd":
		if cfg.Level < 1 || cfg.Level > 22 {
			return nil, fmt.Errorf("zstd level must be between 1 and 22, got %d", cfg.Level)
		}
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.Level)),
			zstd.WithEncoderConcurrency(1),
			zstd.WithZeroFrames(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		s.zenc, s.zdec = enc, dec
	default:
		return nil, fmt.Errorf("unknown stream algorithm: %s", cfg.Algorithm)
	}
	return s, nil
}

// Encode compresses the input.
func (s *StreamEncoder) Encode(ctx context.Context, in Input, _ strategy.Strategy) (Output, error) {
	data, err := s.Compress(in.Data)
	if err != nil {
		return Output{}, err
	}
	return Output{Data: data, MediaType: s.MediaType()}, nil
}

// Compress compresses data.
func (s *StreamEncoder) Compress(data []byte) ([]byte, error) {
	if s.algorithm == "zstd" {
		return s.zenc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
	}

	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, s.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func (s *StreamEncoder) Decompress(data []byte) ([]byte, error) {
	if s.algorithm == "zstd" {
		out, err := s.zdec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}
		return out, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}

// MediaType returns the media type of the compressed output.
func (s *StreamEncoder) MediaType() string {
	if s.algorithm == "zstd" {
		return "application/zstd"
	}
	return "application/gzip"
}

// Name returns the algorithm name.
func (s *StreamEncoder) Name() string {
	return s.algorithm
}

// Close releases zstd resources.
func (s *StreamEncoder) Close() error {
	if s.zenc != nil {
		s.zenc.Close()
	}
	if s.zdec != nil {
		s.zdec.Close()
	}
	return nil
}
