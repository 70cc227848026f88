package extractor

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/logger"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func TestInspector_Image(t *testing.T) {
	in := NewInspector(logger.Discard(), nil)
	data := pngBytes(t, 64, 32)

	meta, err := in.Inspect(context.Background(), "logo.png", data)
	require.NoError(t, err)

	assert.Equal(t, "image/png", meta.MediaType)
	assert.Equal(t, classifier.Image, meta.Category)
	assert.Equal(t, "png", meta.Format)
	assert.Equal(t, 64, meta.Width)
	assert.Equal(t, 32, meta.Height)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Equal(t, int64(len(data))*4/10, meta.SuggestedTarget)
	assert.Nil(t, meta.Taken, "generated PNG has no EXIF")
}

func TestInspector_NonImage(t *testing.T) {
	in := NewInspector(logger.Discard(), nil)

	meta, err := in.Inspect(context.Background(), "index.html", []byte("<p>hello</p>"))
	require.NoError(t, err)
	assert.Equal(t, classifier.Text, meta.Category)
	assert.Zero(t, meta.Width)
}

func TestInspector_CorruptImageStillClassified(t *testing.T) {
	in := NewInspector(logger.Discard(), nil)
	data := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)

	meta, err := in.Inspect(context.Background(), "broken.png", data)
	require.NoError(t, err)
	assert.Equal(t, classifier.Image, meta.Category)
	assert.Zero(t, meta.Width)
}

func TestInspector_Cache(t *testing.T) {
	in := NewInspector(logger.Discard(), nil)
	data := pngBytes(t, 8, 8)

	first, err := in.Inspect(context.Background(), "a.png", data)
	require.NoError(t, err)
	second, err := in.Inspect(context.Background(), "a.png", data)
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats := in.GetCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	in.ClearCache()
	assert.Zero(t, in.GetCacheStats().TotalQueries)
}

func TestInspector_CancelledContext(t *testing.T) {
	in := NewInspector(logger.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := in.Inspect(ctx, "a.png", pngBytes(t, 2, 2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseEXIFDateTime(t *testing.T) {
	in := NewInspector(logger.Discard(), nil)

	date := in.parseEXIFDateTime("2023:07:14 09:30:00")
	require.NotNil(t, date)
	assert.Equal(t, 2023, date.Year())
	assert.Equal(t, 9, date.Hour())

	assert.NotNil(t, in.parseEXIFDateTime("2023-07-14"))
	assert.Nil(t, in.parseEXIFDateTime("yesterday"))
	assert.Nil(t, in.parseEXIFDateTime(""))
}

func TestInspector_InspectFileWithExiftool(t *testing.T) {
	if !ExiftoolAvailable() {
		t.Skip("exiftool not installed")
	}
	reader, err := NewExiftoolReader()
	require.NoError(t, err)
	defer reader.Close()

	path := filepath.Join(t.TempDir(), "pic.png")
	data := pngBytes(t, 4, 4)
	require.NoError(t, os.WriteFile(path, data, 0644))

	meta, err := NewInspector(logger.Discard(), reader).InspectFile(context.Background(), path, data)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.Fields)
}

func TestDateSourceString(t *testing.T) {
	assert.Equal(t, "EXIF DateTimeOriginal", DateSourceEXIFDateTimeOriginal.String())
	assert.Equal(t, "Unknown", DateSource(42).String())
}
