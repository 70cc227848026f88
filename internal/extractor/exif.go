package extractor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	// decoders for image.DecodeConfig; imaging already pulls in bmp and tiff
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/disintegration/imaging"
	_ "github.com/gen2brain/webp"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/compressor"
)

// Inspector reads media type, image dimensions and EXIF data from file
// contents. Results are cached by content hash.
type Inspector struct {
	logger   *logrus.Logger
	exiftool *ExiftoolReader
	cache    *sync.Map
	stats    CacheStats
	mutex    sync.RWMutex
}

// NewInspector returns a new Inspector. exiftool may be nil.
func NewInspector(logger *logrus.Logger, exiftool *ExiftoolReader) *Inspector {
	return &Inspector{
		logger:   logger,
		exiftool: exiftool,
		cache:    &sync.Map{},
	}
}

// Inspect describes a file. Undecodable images still yield the media type
// and category; only I/O-free work is done here.
func (e *Inspector) Inspect(ctx context.Context, name string, data []byte) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := e.getCacheKey(name, data)
	if cached := e.getCached(key); cached != nil {
		e.incrementCacheHits()
		return cached, nil
	}
	e.incrementCacheMisses()

	mediaType := classifier.DetectMediaType("", name, data)
	meta := &Metadata{
		Name:            name,
		Size:            int64(len(data)),
		MediaType:       mediaType,
		Category:        classifier.Classify(mediaType),
		SuggestedTarget: compressor.SuggestTarget(int64(len(data))),
	}

	if meta.Category == classifier.Image {
		if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			meta.Width, meta.Height, meta.Format = cfg.Width, cfg.Height, format
		} else {
			e.logger.WithError(err).WithField("file", name).Debug("Could not read image dimensions")
		}
		e.readEXIF(meta, data)
	}

	e.cache.Store(key, meta)
	return meta, nil
}

// InspectFile inspects a file on disk, adding exiftool fields when exiftool
// is available.
func (e *Inspector) InspectFile(ctx context.Context, path string, data []byte) (*Metadata, error) {
	meta, err := e.Inspect(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if e.exiftool == nil {
		return meta, nil
	}

	fields, err := e.exiftool.Read(path)
	if err != nil {
		e.logger.WithError(err).WithField("file", path).Warn("exiftool extraction failed")
		return meta, nil
	}

	enriched := *meta
	enriched.Fields = fields
	if enriched.Software == "" {
		if sw, ok := fields["Software"].(string); ok {
			enriched.Software = sw
		}
	}
	return &enriched, nil
}

// ClearCache removes all entries from the internal cache and resets statistics.
func (e *Inspector) ClearCache() {
	e.cache = &sync.Map{}
	e.mutex.Lock()
	e.stats = CacheStats{}
	e.mutex.Unlock()
}

// GetCacheStats returns cache statistics for this inspector.
func (e *Inspector) GetCacheStats() CacheStats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	stats := e.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

// readEXIF fills date, camera and software from EXIF data, if any.
func (e *Inspector) readEXIF(meta *Metadata, data []byte) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return
	}

	if tm, err := x.DateTime(); err == nil {
		meta.Taken = &ExtractedDate{Date: tm, Source: DateSourceEXIFDateTime}
	} else {
		for _, candidate := range []struct {
			field  exif.FieldName
			source DateSource
		}{
			{exif.DateTimeOriginal, DateSourceEXIFDateTimeOriginal},
			{exif.DateTimeDigitized, DateSourceEXIFDateTimeDigitized},
		} {
			if date := e.dateField(x, candidate.field); date != nil {
				meta.Taken = &ExtractedDate{Date: *date, Source: candidate.source}
				break
			}
		}
	}

	maker, _ := stringField(x, exif.Make)
	model, _ := stringField(x, exif.Model)
	meta.Camera = strings.TrimSpace(maker + " " + model)
	meta.Software, _ = stringField(x, exif.Software)
}

func (e *Inspector) dateField(x *exif.Exif, name exif.FieldName) *time.Time {
	dateStr, err := stringField(x, name)
	if err != nil {
		return nil
	}
	return e.parseEXIFDateTime(dateStr)
}

func stringField(x *exif.Exif, name exif.FieldName) (string, error) {
	tag, err := x.Get(name)
	if err != nil {
		return "", err
	}
	val, err := tag.StringVal()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(val), nil
}

// parseEXIFDateTime parses an EXIF date time string. Returns nil if parsing
// fails.
func (e *Inspector) parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
	}

	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}

	e.logger.Debugf("Failed to parse date string: %s", dateStr)
	return nil
}

func (e *Inspector) getCacheKey(name string, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s:%s", name, hex.EncodeToString(sum[:]))
}

func (e *Inspector) getCached(key string) *Metadata {
	if value, ok := e.cache.Load(key); ok {
		if meta, ok := value.(*Metadata); ok {
			return meta
		}
	}
	return nil
}

func (e *Inspector) incrementCacheHits() {
	e.mutex.Lock()
	e.stats.Hits++
	e.stats.TotalQueries++
	e.mutex.Unlock()
}

func (e *Inspector) incrementCacheMisses() {
	e.mutex.Lock()
	e.stats.Misses++
	e.stats.TotalQueries++
	e.mutex.Unlock()
}
