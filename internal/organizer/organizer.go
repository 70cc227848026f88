package organizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/compressor"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/statistics"
)

// outputPrefix marks files written by batch mode so reruns skip them.
const outputPrefix = "smart_"

// LogHookFunc receives user-facing log lines, e.g. for a WebSocket feed.
type LogHookFunc func(level, message string)

// Runner starts a single compression run.
type Runner interface {
	StartRun(ctx context.Context, req compressor.RunRequest, progress compressor.ProgressFunc) (*compressor.CompressionResult, error)
}

// CategoryFilter reports which categories are worth compressing.
type CategoryFilter interface {
	Supports(c classifier.Category) bool
}

// BatchCompressor compresses every supported file in a directory tree. Each
// file is an independent run.
type BatchCompressor struct {
	config  *config.Config
	logger  *logrus.Logger
	stats   *statistics.Statistics
	runner  Runner
	filter  CategoryFilter
	workers int

	logHook LogHookFunc
}

// FileInfo contains information about a file to be compressed.
type FileInfo struct {
	Path       string
	RelPath    string
	Size       int64
	ModTime    time.Time
	MediaType  string
	Category   classifier.Category
	TargetSize int64
}

// FileResult describes what happened to one file.
type FileResult struct {
	SourcePath     string        `json:"source"`
	OutputPath     string        `json:"output,omitempty"`
	OriginalSize   int64         `json:"original_size"`
	CompressedSize int64         `json:"compressed_size,omitempty"`
	TargetSize     int64         `json:"target_size"`
	Status         string        `json:"status"` // converged, exhausted, failed, skipped, planned
	Iterations     int           `json:"iterations,omitempty"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// NewBatchCompressor returns a new BatchCompressor.
func NewBatchCompressor(
	cfg *config.Config,
	logger *logrus.Logger,
	stats *statistics.Statistics,
	runner Runner,
	filter CategoryFilter,
) *BatchCompressor {
	return NewBatchCompressorWithLogHook(cfg, logger, stats, runner, filter, nil)
}

// NewBatchCompressorWithLogHook forwards user-facing log lines to logHook.
func NewBatchCompressorWithLogHook(
	cfg *config.Config,
	logger *logrus.Logger,
	stats *statistics.Statistics,
	runner Runner,
	filter CategoryFilter,
	logHook LogHookFunc,
) *BatchCompressor {
	workers := cfg.Performance.WorkerThreads
	if workers <= 0 {
		workers = 4
	}
	return &BatchCompressor{
		config:  cfg,
		logger:  logger,
		stats:   stats,
		runner:  runner,
		filter:  filter,
		workers: workers,
		logHook: logHook,
	}
}

// Run compresses all files in the source directory into the target
// directory. Results are returned in discovery order.
func (bc *BatchCompressor) Run(ctx context.Context) ([]FileResult, error) {
	if bc.config.Batch.SourceDirectory == "" {
		return nil, errors.New("batch source directory is not set")
	}
	if bc.config.Batch.TargetDirectory == "" {
		return nil, errors.New("batch target directory is not set")
	}

	bc.logger.Info("Starting batch compression")
	bc.stats.StartTime = time.Now()

	files, err := bc.discoverFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}

	if len(files) == 0 {
		bc.logger.Info("No supported files found to compress")
		bc.stats.Finalize()
		return nil, nil
	}

	bc.logger.Infof("Found %d files to process", len(files))

	if bc.config.Batch.DryRun {
		bc.logger.Info("Running in dry-run mode - no files will be written")
	}

	results := bc.processFiles(ctx, files)
	bc.stats.Finalize()
	bc.logger.Info("Batch compression completed")

	return results, ctx.Err()
}

// discoverFiles finds all files whose category has an encoder.
func (bc *BatchCompressor) discoverFiles() ([]FileInfo, error) {
	var files []FileInfo

	source := bc.config.Batch.SourceDirectory
	target, _ := filepath.Abs(bc.config.Batch.TargetDirectory)

	err := filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			bc.logger.Warnf("Error accessing path %s: %v", path, err)
			return nil
		}

		if info.IsDir() {
			if abs, _ := filepath.Abs(path); abs == target && path != source {
				bc.logger.Debugf("Skipping target directory: %s", path)
				return filepath.SkipDir
			}
			return nil
		}

		if !info.Mode().IsRegular() || strings.HasPrefix(info.Name(), outputPrefix) {
			return nil
		}

		mediaType := classifier.DetectMediaType("", path, nil)
		category := classifier.Classify(mediaType)
		if !bc.filter.Supports(category) {
			bc.logger.Debugf("Skipping unsupported file: %s (%s)", path, mediaType)
			return nil
		}

		targetSize, ok := bc.targetFor(info.Size())
		if !ok {
			bc.logger.Debugf("Skipping file too small to compress: %s", path)
			bc.stats.IncrementFilesSkipped()
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			rel = info.Name()
		}

		files = append(files, FileInfo{
			Path:       path,
			RelPath:    rel,
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			MediaType:  mediaType,
			Category:   category,
			TargetSize: targetSize,
		})
		bc.stats.IncrementFilesFound()

		if bc.config.Batch.MaxFilesPerRun > 0 && len(files) >= bc.config.Batch.MaxFilesPerRun {
			bc.logger.Infof("Reached maximum files limit (%d), stopping discovery", bc.config.Batch.MaxFilesPerRun)
			return filepath.SkipAll
		}

		return nil
	})

	return files, err
}

// targetFor returns the target size for a file, or false when no target
// strictly below its size exists.
func (bc *BatchCompressor) targetFor(size int64) (int64, bool) {
	if size < 2 {
		return 0, false
	}
	if fixed := bc.config.Batch.TargetSize; fixed > 0 {
		return min(fixed, size-1), true
	}
	return compressor.TargetForRatio(size, bc.config.Batch.Ratio), true
}

// processFiles runs files through a fixed pool of workers.
func (bc *BatchCompressor) processFiles(ctx context.Context, files []FileInfo) []FileResult {
	type job struct {
		index int
		file  FileInfo
	}

	results := make([]FileResult, len(files))
	jobs := make(chan job, max(bc.config.Performance.BatchSize, 1))

	var wg sync.WaitGroup
	for i := 0; i < bc.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = bc.processFile(ctx, j.file)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, file := range files {
			select {
			case jobs <- job{index: i, file: file}:
			case <-ctx.Done():
				for k := i; k < len(files); k++ {
					results[k] = FileResult{
						SourcePath:   files[k].Path,
						OriginalSize: files[k].Size,
						TargetSize:   files[k].TargetSize,
						Status:       "skipped",
						Error:        ctx.Err().Error(),
					}
				}
				return
			}
		}
	}()

	wg.Wait()
	return results
}

// processFile compresses a single file.
func (bc *BatchCompressor) processFile(ctx context.Context, file FileInfo) FileResult {
	start := time.Now()
	res := FileResult{
		SourcePath:   file.Path,
		OriginalSize: file.Size,
		TargetSize:   file.TargetSize,
	}

	if bc.config.Batch.DryRun {
		res.Status = "planned"
		res.OutputPath = bc.outputPath(file, file.MediaType)
		bc.emit("info", fmt.Sprintf("DRY-RUN: Would compress %s -> %s (target %d bytes)", file.Path, res.OutputPath, file.TargetSize))
		return res
	}

	fail := func(op string, err error) FileResult {
		res.Status = "failed"
		res.Error = err.Error()
		res.Duration = time.Since(start)
		bc.stats.AddError(file.Path, op, err.Error())
		bc.emit("error", fmt.Sprintf("Could not compress %s: %v", file.Path, err))
		return res
	}

	data, err := os.ReadFile(file.Path)
	if err != nil {
		return fail("read_file", err)
	}

	result, err := bc.runner.StartRun(ctx, compressor.RunRequest{
		ID:         uuid.NewString(),
		Name:       filepath.Base(file.Path),
		Data:       data,
		MediaType:  file.MediaType,
		TargetSize: file.TargetSize,
	}, nil)
	if err != nil {
		if errors.Is(err, compressor.ErrCancelled) {
			res.Status = "skipped"
			res.Error = err.Error()
			return res
		}
		return fail("compress", err)
	}

	outPath := bc.outputPath(file, result.MediaType)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fail("directory_creation", err)
	}
	outPath, err = reserveUniqueFilename(outPath)
	if err != nil {
		return fail("write_file", err)
	}
	if err := writeFileAtomic(outPath, result.Data); err != nil {
		_ = os.Remove(outPath)
		return fail("write_file", err)
	}

	res.OutputPath = outPath
	res.CompressedSize = result.CompressedSize
	res.Iterations = result.Iterations
	res.Status = result.Status.String()
	res.Duration = time.Since(start)

	level := "info"
	if !result.TargetMet {
		level = "warning"
	}
	bc.emit(level, fmt.Sprintf("Compressed %s -> %s (%d -> %d bytes, target %d, %s)",
		file.Path, outPath, file.Size, result.CompressedSize, file.TargetSize, result.Status))
	return res
}

// outputPath mirrors the file's relative directory under the target
// directory.
func (bc *BatchCompressor) outputPath(file FileInfo, outputType string) string {
	dir := filepath.Dir(file.RelPath)
	name := compressor.DownloadName(filepath.Base(file.Path), file.MediaType, outputType)
	return filepath.Join(bc.config.Batch.TargetDirectory, dir, name)
}

func (bc *BatchCompressor) emit(level, msg string) {
	switch level {
	case "error":
		bc.logger.Error(msg)
	case "warning":
		bc.logger.Warn(msg)
	default:
		bc.logger.Info(msg)
	}
	if bc.logHook != nil {
		bc.logHook(level, msg)
	}
}

// reserveUniqueFilename claims basePath, or the first free name with a
// counter suffix, by creating it exclusively. The caller owns the returned
// path and replaces the empty placeholder with the real content.
func reserveUniqueFilename(basePath string) (string, error) {
	dir := filepath.Dir(basePath)
	name := filepath.Base(basePath)
	ext := filepath.Ext(name)
	nameWithoutExt := strings.TrimSuffix(name, ext)

	path := basePath
	for counter := 1; ; counter++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("reserve output name: %w", err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", nameWithoutExt, counter, ext))
	}
}

// writeFileAtomic writes to a private temporary file next to path and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".smart-*")
	if err != nil {
		return fmt.Errorf("create tmp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write tmp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close tmp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
