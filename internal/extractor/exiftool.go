package extractor

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/barasher/go-exiftool"
)

// ExiftoolReader reads every tag exiftool knows about. It keeps one
// exiftool process alive and serializes access to it.
type ExiftoolReader struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// ExiftoolAvailable reports whether the exiftool binary is on PATH.
func ExiftoolAvailable() bool {
	_, err := exec.LookPath("exiftool")
	return err == nil
}

// NewExiftoolReader starts an exiftool process.
func NewExiftoolReader() (*ExiftoolReader, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &ExiftoolReader{et: et}, nil
}

// Read returns the tags of one file.
func (r *ExiftoolReader) Read(path string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := r.et.ExtractMetadata(path)
	if len(files) == 0 {
		return nil, fmt.Errorf("exiftool returned no metadata for %s", path)
	}
	if files[0].Err != nil {
		return nil, files[0].Err
	}
	return files[0].Fields, nil
}

// Close stops the exiftool process.
func (r *ExiftoolReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.et.Close()
}
