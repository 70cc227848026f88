package classifier

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// Category is the closed set of file categories a run can be classified into.
type Category int

const (
	Unknown Category = iota
	Image
	Document
	Video
	Audio
	Text
	Archive
)

// GenericMediaType is the declared type browsers and HTTP clients use when
// they know nothing about the content.
const GenericMediaType = "application/octet-stream"

// sniffLen is how many leading bytes filetype needs to match every
// signature it knows.
const sniffLen = 8192

// textExtensions covers plain-text formats that neither filetype nor Go's
// builtin MIME table know, so detection does not depend on the host's
// mime.types.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".log":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
}

var categoryNames = map[Category]string{
	Unknown:  "UNKNOWN",
	Image:    "IMAGE",
	Document: "DOCUMENT",
	Video:    "VIDEO",
	Audio:    "AUDIO",
	Text:     "TEXT",
	Archive:  "ARCHIVE",
}

// String returns the canonical upper-case name of the category.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return categoryNames[Unknown]
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory parses a category name case-insensitively. "PDF" is accepted
// as an alias for Document.
func ParseCategory(name string) (Category, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "PDF" {
		return Document, nil
	}
	for c, n := range categoryNames {
		if n == upper {
			return c, nil
		}
	}
	return Unknown, fmt.Errorf("unknown file category: %q", name)
}

// Classify maps a declared media type to a category. Matching ignores case
// and surrounding whitespace. First match wins, in this order: image/,
// video/, audio/, exactly application/pdf, archive markers, text/ or
// word-processor markers.
func Classify(mediaType string) Category {
	t := strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case strings.HasPrefix(t, "image/"):
		return Image
	case strings.HasPrefix(t, "video/"):
		return Video
	case strings.HasPrefix(t, "audio/"):
		return Audio
	case t == "application/pdf":
		return Document
	case strings.Contains(t, "zip"), strings.Contains(t, "tar"), strings.Contains(t, "rar"):
		return Archive
	case strings.HasPrefix(t, "text/"), strings.Contains(t, "word"), strings.Contains(t, "document"):
		return Text
	default:
		return Unknown
	}
}

// DetectMediaType resolves the media type of a file. A specific declared type
// is trusted as-is; an empty or generic one is replaced by content sniffing,
// then by the file name extension.
func DetectMediaType(declared, name string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, GenericMediaType) {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
		return declared
	}

	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}

	if name != "" {
		ext := strings.ToLower(filepath.Ext(name))
		if kind := filetype.GetType(strings.TrimPrefix(ext, ".")); kind != filetype.Unknown {
			return kind.MIME.Value
		}
		if mt, ok := textExtensions[ext]; ok {
			return mt
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			if parsed, _, err := mime.ParseMediaType(mt); err == nil {
				return parsed
			}
			return mt
		}
	}

	if declared != "" {
		return declared
	}
	return GenericMediaType
}

// ExtensionFor returns a file extension, including the dot, for an output
// media type. Unknown types yield an empty string.
func ExtensionFor(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "application/gzip":
		return ".gz"
	case "application/zstd":
		return ".zst"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
