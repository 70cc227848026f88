package encoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/strategy"
)

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func encodeTestImage(t *testing.T, format imaging.Format, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, testImage(w, h), format))
	return buf.Bytes()
}

func newImageEncoder(t *testing.T) *ImageEncoder {
	t.Helper()
	enc, err := NewImageEncoder(config.DefaultConfig().Image)
	require.NoError(t, err)
	return enc
}

func TestScaledDimensions(t *testing.T) {
	tests := []struct {
		w, h         int
		factor       float64
		wantW, wantH int
	}{
		{100, 50, 0.5, 50, 25},
		{100, 50, 1.0, 100, 50},
		{10, 10, 0.99, 9, 9},
		{3, 3, 0.1, 1, 1},
		{1000, 1, 0.5, 500, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d@%v", tt.w, tt.h, tt.factor), func(t *testing.T) {
			w, h := ScaledDimensions(tt.w, tt.h, tt.factor)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestImageEncoder_OutputFormat(t *testing.T) {
	enc := newImageEncoder(t)

	assert.Equal(t, MediaTypeWebP, enc.OutputFormat("image/png", 0.5))
	assert.Equal(t, MediaTypeWebP, enc.OutputFormat("image/jpeg", 0.84))
	assert.Equal(t, MediaTypePNG, enc.OutputFormat("image/png", 0.85))
	assert.Equal(t, MediaTypePNG, enc.OutputFormat("image/gif", 0.9))
	assert.Equal(t, MediaTypeJPEG, enc.OutputFormat("image/jpeg", 0.95))
	assert.Equal(t, MediaTypeJPEG, enc.OutputFormat("image/webp", 1.0))

	cfg := config.DefaultConfig().Image
	cfg.LossyFormat = "jpeg"
	jpegEnc, err := NewImageEncoder(cfg)
	require.NoError(t, err)
	assert.Equal(t, MediaTypeJPEG, jpegEnc.OutputFormat("image/png", 0.5))
}

func TestImageEncoder_ScalesAndKeepsPNG(t *testing.T) {
	enc := newImageEncoder(t)
	data := encodeTestImage(t, imaging.PNG, 100, 50)

	out, err := enc.Encode(context.Background(), Input{Data: data, MediaType: "image/png"},
		strategy.Strategy{Quality: 0.9, Scale: 0.5})
	require.NoError(t, err)
	assert.Equal(t, MediaTypePNG, out.MediaType)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 25, cfg.Height)
}

func TestImageEncoder_LossyWebP(t *testing.T) {
	enc := newImageEncoder(t)
	data := encodeTestImage(t, imaging.PNG, 64, 64)

	out, err := enc.Encode(context.Background(), Input{Data: data, MediaType: "image/png"},
		strategy.Strategy{Quality: 0.4, Scale: 1.0})
	require.NoError(t, err)
	assert.Equal(t, MediaTypeWebP, out.MediaType)

	cfg, err := webp.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 64, cfg.Height)
}

func TestImageEncoder_JPEGQualityAffectsSize(t *testing.T) {
	enc := newImageEncoder(t)
	data := encodeTestImage(t, imaging.JPEG, 200, 200)
	in := Input{Data: data, MediaType: "image/jpeg"}

	high, err := enc.Encode(context.Background(), in, strategy.Strategy{Quality: 1.0, Scale: 1.0})
	require.NoError(t, err)
	low, err := enc.Encode(context.Background(), in, strategy.Strategy{Quality: 0.86, Scale: 0.3})
	require.NoError(t, err)

	assert.Equal(t, MediaTypeJPEG, high.MediaType)
	assert.Less(t, low.Size(), high.Size())
}

func TestImageEncoder_DeterministicAndPure(t *testing.T) {
	enc := newImageEncoder(t)
	data := encodeTestImage(t, imaging.JPEG, 80, 60)
	original := append([]byte(nil), data...)
	s := strategy.Strategy{Quality: 0.9, Scale: 0.75}

	a, err := enc.Encode(context.Background(), Input{Data: data, MediaType: "image/jpeg"}, s)
	require.NoError(t, err)
	b, err := enc.Encode(context.Background(), Input{Data: data, MediaType: "image/jpeg"}, s)
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, original, data, "input must not be modified")
}

func TestImageEncoder_CorruptInput(t *testing.T) {
	enc := newImageEncoder(t)
	_, err := enc.Encode(context.Background(), Input{Data: []byte("definitely not an image"), MediaType: "image/png"},
		strategy.Strategy{Quality: 0.5, Scale: 1})
	assert.Error(t, err)
}

func TestStreamEncoder_RoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":        {},
		"single byte":  {0x42},
		"text":         []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200)),
		"binary zeros": make([]byte, 4096),
		"all bytes": func() []byte {
			b := make([]byte, 256)
			for i := range b {
				b[i] = byte(i)
			}
			return b
		}(),
	}

	for _, algo := range []struct {
		name  string
		level int
	}{{"gzip", 9}, {"zstd", 3}} {
		enc, err := NewStreamEncoder(config.StreamConfig{Algorithm: algo.name, Level: algo.level})
		require.NoError(t, err)
		t.Cleanup(func() { _ = enc.Close() })

		for name, data := range inputs {
			t.Run(algo.name+"/"+name, func(t *testing.T) {
				out, err := enc.Encode(context.Background(), Input{Data: data, MediaType: "text/plain"}, strategy.Fallback())
				require.NoError(t, err)

				back, err := enc.Decompress(out.Data)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, back), "round trip must be lossless")
			})
		}
	}
}

func TestStreamEncoder_ShrinksCompressibleInput(t *testing.T) {
	enc, err := NewStreamEncoder(config.StreamConfig{Algorithm: "gzip", Level: 9})
	require.NoError(t, err)

	data := []byte(strings.Repeat("compressible ", 1000))
	out, err := enc.Encode(context.Background(), Input{Data: data}, strategy.Strategy{Quality: 0.1, Scale: 0.1})
	require.NoError(t, err)
	assert.Less(t, len(out.Data), len(data))
	assert.Equal(t, "application/gzip", out.MediaType)

	// strategy parameters do not influence the output
	again, err := enc.Encode(context.Background(), Input{Data: data}, strategy.Strategy{Quality: 1, Scale: 1})
	require.NoError(t, err)
	assert.Equal(t, out.Data, again.Data)
}

func TestStreamEncoder_InvalidConfig(t *testing.T) {
	_, err := NewStreamEncoder(config.StreamConfig{Algorithm: "gzip", Level: 12})
	assert.Error(t, err)
	_, err = NewStreamEncoder(config.StreamConfig{Algorithm: "lzma", Level: 1})
	assert.Error(t, err)
}

func TestPassthroughEncoder(t *testing.T) {
	p := NewPassthroughEncoder()
	data := []byte{1, 2, 3, 4}
	for _, s := range []strategy.Strategy{strategy.Fallback(), {Quality: 0.05, Scale: 0.1}} {
		out, err := p.Encode(context.Background(), Input{Data: data, MediaType: "video/mp4"}, s)
		require.NoError(t, err)
		assert.Equal(t, data, out.Data)
		assert.Equal(t, "video/mp4", out.MediaType)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewDefaultRegistry(config.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, "image", r.Lookup(classifier.Image).Name())
	assert.Equal(t, "gzip", r.Lookup(classifier.Text).Name())
	assert.Equal(t, "gzip", r.Lookup(classifier.Archive).Name())
	assert.Equal(t, "document", r.Lookup(classifier.Document).Name())

	for _, c := range []classifier.Category{classifier.Video, classifier.Audio, classifier.Unknown} {
		assert.False(t, r.Supports(c))
		assert.Equal(t, "passthrough", r.Lookup(c).Name())

		data := []byte("some media bytes")
		out, err := r.Encode(context.Background(), c, Input{Data: data, MediaType: "x/y"}, strategy.Fallback())
		require.NoError(t, err)
		assert.Equal(t, data, out.Data)
	}
}

// buildPDF assembles a one-page PDF with a document information dictionary,
// computing cross-reference offsets as it goes.
func buildPDF() []byte {
	content := "BT /F1 12 Tf 20 100 Td (Hello) Tj ET"
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] /Contents 4 0 R /Resources << /Font << /F1 << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Title (Secret Title) /Author (Jane Doe) /Creator (Old Writer) /Producer (Old Producer) /CreationDate (D:20200101120000Z) >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Info 5 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestDocumentEncoder_StripsMetadata(t *testing.T) {
	enc := NewDocumentEncoder(config.DocumentConfig{UseObjectStreams: true})
	data := buildPDF()
	original := append([]byte(nil), data...)

	out, err := enc.Encode(context.Background(), Input{Data: data, MediaType: MediaTypePDF}, strategy.Fallback())
	require.NoError(t, err)
	assert.Equal(t, MediaTypePDF, out.MediaType)
	assert.Equal(t, original, data, "input must not be modified")
	require.NotEqual(t, data, out.Data, "document should have been rewritten")

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pdfCtx, err := api.ReadContext(bytes.NewReader(out.Data), conf)
	require.NoError(t, err)
	assert.Equal(t, 1, pdfCtx.PageCount)

	require.NotNil(t, pdfCtx.Info)
	info, err := pdfCtx.DereferenceDict(*pdfCtx.Info)
	require.NoError(t, err)
	for _, key := range []string{"Title", "Author", "Creator", "Producer", "ModDate"} {
		_, found := info.Find(key)
		assert.False(t, found, key)
	}
	created := info.StringLiteralEntry("CreationDate")
	require.NotNil(t, created)
	assert.Equal(t, "D:20200101120000Z", created.Value())
	assert.NotContains(t, string(out.Data), "pdfcpu")
}

func TestDocumentEncoder_Deterministic(t *testing.T) {
	for _, objectStreams := range []bool{true, false} {
		enc := NewDocumentEncoder(config.DocumentConfig{UseObjectStreams: objectStreams})
		in := Input{Data: buildPDF(), MediaType: MediaTypePDF}

		first, err := enc.Encode(context.Background(), in, strategy.Fallback())
		require.NoError(t, err)
		require.NotEqual(t, in.Data, first.Data)

		// Writer timestamps have one-second resolution.
		time.Sleep(1100 * time.Millisecond)

		second, err := enc.Encode(context.Background(), in, strategy.Fallback())
		require.NoError(t, err)
		assert.Equal(t, first.Data, second.Data, "object streams: %v", objectStreams)
	}
}

func TestDocumentEncoder_InvalidInputPassesThrough(t *testing.T) {
	enc := NewDocumentEncoder(config.DocumentConfig{UseObjectStreams: true})
	data := []byte("%PDF-1.7\nthis is not really a pdf")

	out, err := enc.Encode(context.Background(), Input{Data: data, MediaType: MediaTypePDF}, strategy.Fallback())
	require.NoError(t, err)
	assert.Equal(t, data, out.Data)
	assert.Equal(t, MediaTypePDF, out.MediaType)
}
