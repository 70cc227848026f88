package extractor

import (
	"context"
	"time"

	"smart-squeeze-go/internal/classifier"
)

// MetadataExtractor describes files before they are compressed.
type MetadataExtractor interface {
	Inspect(ctx context.Context, name string, data []byte) (*Metadata, error)
}

// CachedMetadataExtractor extends MetadataExtractor with caching capabilities.
type CachedMetadataExtractor interface {
	MetadataExtractor
	ClearCache()
	GetCacheStats() CacheStats
}

// Metadata is what the inspector learned about a file.
type Metadata struct {
	Name            string              `json:"name"`
	Size            int64               `json:"size"`
	MediaType       string              `json:"media_type"`
	Category        classifier.Category `json:"category"`
	Format          string              `json:"format,omitempty"`
	Width           int                 `json:"width,omitempty"`
	Height          int                 `json:"height,omitempty"`
	Taken           *ExtractedDate      `json:"taken,omitempty"`
	Camera          string              `json:"camera,omitempty"`
	Software        string              `json:"software,omitempty"`
	SuggestedTarget int64               `json:"suggested_target"`
	Fields          map[string]any      `json:"fields,omitempty"`
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalQueries int64   `json:"total_queries"`
}

// DateSource represents the source of the extracted date.
type DateSource int

const (
	DateSourceUnknown DateSource = iota
	DateSourceEXIFDateTime
	DateSourceEXIFDateTimeOriginal
	DateSourceEXIFDateTimeDigitized
)

// ExtractedDate contains the extracted date and its source.
type ExtractedDate struct {
	Date   time.Time  `json:"date"`
	Source DateSource `json:"source"`
}

// String returns a human-readable description of the date source.
func (ds DateSource) String() string {
	switch ds {
	case DateSourceEXIFDateTime:
		return "EXIF DateTime"
	case DateSourceEXIFDateTimeOriginal:
		return "EXIF DateTimeOriginal"
	case DateSourceEXIFDateTimeDigitized:
		return "EXIF DateTimeDigitized"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the source by its description.
func (ds DateSource) MarshalText() ([]byte, error) {
	return []byte(ds.String()), nil
}
