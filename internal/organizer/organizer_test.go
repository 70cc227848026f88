package organizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-squeeze-go/internal/compressor"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/encoder"
	"smart-squeeze-go/internal/logger"
	"smart-squeeze-go/internal/oracle"
	"smart-squeeze-go/internal/statistics"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func setupTree(t *testing.T) (source, target string) {
	t.Helper()
	root := t.TempDir()
	source = filepath.Join(root, "in")
	target = filepath.Join(root, "out")

	writeFile(t, filepath.Join(source, "notes.txt"), strings.Repeat("batch mode test line\n", 400))
	writeFile(t, filepath.Join(source, "sub", "page.html"), "<html>"+strings.Repeat("<p>para</p>", 300)+"</html>")
	writeFile(t, filepath.Join(source, "clip.mp4"), strings.Repeat("\x00", 64))
	writeFile(t, filepath.Join(source, "smart_previous.txt"), strings.Repeat("already done\n", 100))
	writeFile(t, filepath.Join(source, "tiny.txt"), "x")
	return source, target
}

type fixture struct {
	cfg   *config.Config
	stats *statistics.Statistics
	batch *BatchCompressor
}

func newFixture(t *testing.T, source, target string, runner Runner) fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Batch.SourceDirectory = source
	cfg.Batch.TargetDirectory = target
	cfg.Performance.WorkerThreads = 2

	registry, err := encoder.NewDefaultRegistry(cfg)
	require.NoError(t, err)
	stats := statistics.NewStatistics()
	if runner == nil {
		runner = compressor.NewService(cfg, oracle.NewHeuristicOracle(), registry, compressor.WithStatistics(stats))
	}
	return fixture{
		cfg:   cfg,
		stats: stats,
		batch: NewBatchCompressor(cfg, logger.Discard(), stats, runner, registry),
	}
}

func TestBatchCompressor_CompressesSupportedFiles(t *testing.T) {
	source, target := setupTree(t)
	f := newFixture(t, source, target, nil)

	results, err := f.batch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, filepath.Join(source, "notes.txt"), results[0].SourcePath)
	assert.Equal(t, filepath.Join(target, "smart_notes.txt.gz"), results[0].OutputPath)
	assert.Equal(t, filepath.Join(target, "sub", "smart_page.html.gz"), results[1].OutputPath)

	stream, err := encoder.NewStreamEncoder(f.cfg.Stream)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "converged", r.Status)
		assert.Equal(t, 1, r.Iterations)
		assert.LessOrEqual(t, r.CompressedSize, r.TargetSize)

		compressed, err := os.ReadFile(r.OutputPath)
		require.NoError(t, err)
		original, err := os.ReadFile(r.SourcePath)
		require.NoError(t, err)
		plain, err := stream.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, original, plain)
	}

	snap := f.stats.Snapshot()
	assert.Equal(t, int64(2), snap.FilesFound)
	assert.Equal(t, int64(1), snap.FilesSkipped, "one-byte file has no valid target")
	assert.Equal(t, int64(2), snap.RunsConverged)
	assert.NoFileExists(t, filepath.Join(target, "smart_clip.mp4"))
}

func TestBatchCompressor_DryRun(t *testing.T) {
	source, target := setupTree(t)
	f := newFixture(t, source, target, nil)
	f.cfg.Batch.DryRun = true

	var (
		mu    sync.Mutex
		lines []string
	)
	f.batch.logHook = func(level, msg string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, msg)
	}

	results, err := f.batch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "planned", r.Status)
	}
	assert.Equal(t, filepath.Join(target, "smart_notes.txt"), results[0].OutputPath)
	assert.NoDirExists(t, target)
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DRY-RUN: Would compress")
}

type failingRunner struct{}

func (failingRunner) StartRun(ctx context.Context, req compressor.RunRequest, _ compressor.ProgressFunc) (*compressor.CompressionResult, error) {
	return nil, &compressor.EncodeError{Encoder: "gzip", Iteration: 1, Err: errors.New("disk on fire")}
}

func TestBatchCompressor_RecordsFailures(t *testing.T) {
	source, target := setupTree(t)
	f := newFixture(t, source, target, failingRunner{})

	results, err := f.batch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "failed", r.Status)
		assert.Contains(t, r.Error, "disk on fire")
		assert.Empty(t, r.OutputPath)
	}
	assert.Equal(t, 2, f.stats.Snapshot().ErrorCount)
}

func TestBatchCompressor_NeverOverwrites(t *testing.T) {
	source, target := setupTree(t)
	f := newFixture(t, source, target, nil)
	writeFile(t, filepath.Join(target, "smart_notes.txt.gz"), "keep me")

	results, err := f.batch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, "smart_notes.txt_1.gz"), results[0].OutputPath)

	kept, err := os.ReadFile(filepath.Join(target, "smart_notes.txt.gz"))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(kept))
}

func TestBatchCompressor_SkipsTargetInsideSource(t *testing.T) {
	source, _ := setupTree(t)
	target := filepath.Join(source, "compressed")
	writeFile(t, filepath.Join(target, "old.txt"), strings.Repeat("old output\n", 100))
	f := newFixture(t, source, target, nil)

	files, err := f.batch.discoverFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, file := range files {
		assert.NotEqual(t, target, filepath.Dir(file.Path))
	}
}

func TestBatchCompressor_TargetFor(t *testing.T) {
	f := newFixture(t, "in", "out", nil)

	target, ok := f.batch.targetFor(1000)
	assert.True(t, ok)
	assert.Equal(t, int64(400), target)

	f.cfg.Batch.TargetSize = 5000
	target, ok = f.batch.targetFor(1000)
	assert.True(t, ok)
	assert.Equal(t, int64(999), target, "fixed target is capped below the file size")

	_, ok = f.batch.targetFor(1)
	assert.False(t, ok)
}

func TestBatchCompressor_RequiresDirectories(t *testing.T) {
	f := newFixture(t, "", "out", nil)
	_, err := f.batch.Run(context.Background())
	assert.Error(t, err)

	f = newFixture(t, "in", "", nil)
	_, err = f.batch.Run(context.Background())
	assert.Error(t, err)
}

// gatedRunner holds every run until all expected runs are in flight, so the
// outputs are written concurrently.
type gatedRunner struct {
	mu      sync.Mutex
	arrived int
	want    int
	open    chan struct{}
}

func (g *gatedRunner) StartRun(ctx context.Context, req compressor.RunRequest, _ compressor.ProgressFunc) (*compressor.CompressionResult, error) {
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.want {
		close(g.open)
	}
	g.mu.Unlock()

	select {
	case <-g.open:
	case <-time.After(2 * time.Second):
	}

	return &compressor.CompressionResult{
		Name:            req.Name,
		SourceMediaType: req.MediaType,
		MediaType:       "image/webp",
		Data:            []byte(req.Name),
		CompressedSize:  int64(len(req.Name)),
		Iterations:      1,
		Status:          compressor.Converged,
		TargetMet:       true,
	}, nil
}

func TestBatchCompressor_ConcurrentCollidingOutputs(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "in")
	target := filepath.Join(root, "out")
	names := []string{"a.png", "a.jpg", "a.gif", "a.webp"}
	for _, name := range names {
		writeFile(t, filepath.Join(source, name), strings.Repeat("pixels", 50))
	}

	runner := &gatedRunner{want: len(names), open: make(chan struct{})}
	f := newFixture(t, source, target, runner)
	f.batch.workers = 4

	results, err := f.batch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(names))

	outputs := make(map[string]string)
	for _, r := range results {
		require.Equal(t, "converged", r.Status, r.Error)
		outputs[r.OutputPath] = filepath.Base(r.SourcePath)
	}
	assert.Len(t, outputs, len(names), "every source gets its own output")

	for path, name := range outputs {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, name, string(data))
	}

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Len(t, entries, len(names), "no temporary files left behind")
}
