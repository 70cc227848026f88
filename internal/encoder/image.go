package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"

	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/strategy"
)

// Output media types produced by the image encoder.
const (
	MediaTypeWebP = "image/webp"
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
)

var losslessImageTypes = map[string]bool{
	"image/png":      true,
	"image/gif":      true,
	"image/bmp":      true,
	"image/x-ms-bmp": true,
	"image/tiff":     true,
}

var resampleFilters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

// ImageEncoder rescales and re-encodes raster images.
type ImageEncoder struct {
	lossyThreshold float64
	lossyFormat    string
	filter         imaging.ResampleFilter
}

// NewImageEncoder creates an image encoder from configuration.
func NewImageEncoder(cfg config.ImageConfig) (*ImageEncoder, error) {
	filter, ok := resampleFilters[strings.ToLower(cfg.Filter)]
	if !ok {
		return nil, fmt.Errorf("unknown resample filter: %s", cfg.Filter)
	}

	lossy := MediaTypeWebP
	switch strings.ToLower(cfg.LossyFormat) {
	case "webp":
	case "jpeg":
		lossy = MediaTypeJPEG
	default:
		return nil, fmt.Errorf("unknown lossy format: %s", cfg.LossyFormat)
	}

	return &ImageEncoder{
		lossyThreshold: cfg.LossyThreshold,
		lossyFormat:    lossy,
		filter:         filter,
	}, nil
}

// Encode decodes the image, scales both dimensions by s.Scale and encodes it
// in the format chosen by OutputFormat.
func (e *ImageEncoder) Encode(ctx context.Context, in Input, s strategy.Strategy) (Output, error) {
	img, err := imaging.Decode(bytes.NewReader(in.Data), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, fmt.Errorf("decode image: %w", err)
	}

	img = e.scale(img, s.Scale)

	format := e.OutputFormat(in.MediaType, s.Quality)

	var buf bytes.Buffer
	switch format {
	case MediaTypeWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: s.QualityPercent()})
	case MediaTypePNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.QualityPercent()))
	}
	if err != nil {
		return Output{}, fmt.Errorf("encode %s: %w", format, err)
	}

	return Output{Data: buf.Bytes(), MediaType: format}, nil
}

// OutputFormat picks the output media type: the lossy format below the
// fidelity threshold, otherwise PNG for lossless sources and JPEG for the
// rest.
func (e *ImageEncoder) OutputFormat(inputType string, quality float64) string {
	if quality < e.lossyThreshold {
		return e.lossyFormat
	}
	if losslessImageTypes[strings.ToLower(inputType)] {
		return MediaTypePNG
	}
	return MediaTypeJPEG
}

// Name returns "image".
func (e *ImageEncoder) Name() string {
	return "image"
}

func (e *ImageEncoder) scale(img image.Image, factor float64) image.Image {
	w, h := ScaledDimensions(img.Bounds().Dx(), img.Bounds().Dy(), factor)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return img
	}
	return imaging.Resize(img, w, h, e.filter)
}

// ScaledDimensions multiplies both dimensions by factor, rounding down and
// keeping at least one pixel each.
func ScaledDimensions(width, height int, factor float64) (int, int) {
	w := int(math.Floor(float64(width) * factor))
	h := int(math.Floor(float64(height) * factor))
	return max(w, 1), max(h, 1)
}
