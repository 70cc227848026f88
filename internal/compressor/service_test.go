package compressor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/encoder"
	"smart-squeeze-go/internal/oracle"
	"smart-squeeze-go/internal/statistics"
	"smart-squeeze-go/internal/strategy"
)

func newTestService(t *testing.T, cfg *config.Config, o oracle.Oracle, stats *statistics.Statistics) *Service {
	t.Helper()
	registry, err := encoder.NewDefaultRegistry(cfg)
	require.NoError(t, err)
	return NewService(cfg, o, registry, WithStatistics(stats))
}

func TestService_TextConvergesInOneIteration(t *testing.T) {
	stats := statistics.NewStatistics()
	svc := newTestService(t, config.DefaultConfig(), oracle.NewHeuristicOracle(), stats)

	data := []byte(strings.Repeat("log line: request served in 3ms\n", 500))
	res, err := svc.StartRun(context.Background(), RunRequest{
		Name:       "server.log",
		Data:       data,
		MediaType:  "text/plain",
		TargetSize: int64(len(data) / 4),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, Converged, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.True(t, res.TargetMet)
	assert.Equal(t, classifier.Text, res.Category)
	assert.Equal(t, "application/gzip", res.MediaType)
	assert.Equal(t, "smart_server.log.gz", res.DownloadName())
	assert.NotEmpty(t, res.RunID)
	assert.Less(t, res.Ratio, 0.25)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	stream, err := encoder.NewStreamEncoder(config.DefaultConfig().Stream)
	require.NoError(t, err)
	plain, err := stream.Decompress(res.Data)
	require.NoError(t, err)
	assert.Equal(t, data, plain)

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.RunsStarted)
	assert.Equal(t, int64(1), snap.RunsConverged)
	assert.Equal(t, int64(1), snap.Categories["TEXT"])
}

func TestService_FileTooLarge(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Limits.MaxFileSize = 1024
	stats := statistics.NewStatistics()
	o := &scriptedOracle{}
	svc := newTestService(t, cfg, o, stats)

	_, err := svc.StartRun(context.Background(), RunRequest{
		Name:       "big.bin",
		Data:       make([]byte, 1025),
		TargetSize: 100,
	}, nil)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.True(t, IsUserError(err))
	assert.Empty(t, o.calls())
	assert.Equal(t, int64(1), stats.Snapshot().RunsRejected)

	// exactly at the limit is accepted
	_, err = svc.StartRun(context.Background(), RunRequest{Data: make([]byte, 1024), TargetSize: 100}, nil)
	assert.NoError(t, err)
}

func TestService_InvalidTargetChecksBeforeWork(t *testing.T) {
	o := &scriptedOracle{}
	svc := newTestService(t, config.DefaultConfig(), o, statistics.NewStatistics())

	data := []byte("hello world")
	_, err := svc.StartRun(context.Background(), RunRequest{Data: data, TargetSize: int64(len(data))}, nil)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.True(t, IsUserError(err))
	assert.Empty(t, o.calls())
}

func TestService_SniffsGenericMediaType(t *testing.T) {
	svc := newTestService(t, config.DefaultConfig(), oracle.NewHeuristicOracle(), nil)

	data := []byte("%PDF-1.4\n" + strings.Repeat("garbage", 100))
	res, err := svc.StartRun(context.Background(), RunRequest{
		Name:       "report.pdf",
		Data:       data,
		MediaType:  "application/octet-stream",
		TargetSize: 10,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, classifier.Document, res.Category)
	assert.Equal(t, Exhausted, res.Status, "unreadable PDF passes through unchanged")
	assert.Equal(t, data, res.Data)
	assert.Equal(t, "smart_report.pdf", res.DownloadName())
}

func TestService_CancelledRunCounted(t *testing.T) {
	stats := statistics.NewStatistics()
	svc := newTestService(t, config.DefaultConfig(), oracle.NewHeuristicOracle(), stats)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.StartRun(ctx, RunRequest{Data: []byte(strings.Repeat("x", 100)), TargetSize: 10}, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, IsUserError(err))
	assert.Equal(t, int64(1), stats.Snapshot().RunsCancelled)
	assert.Equal(t, int64(0), stats.Snapshot().RunsFailed)
}

func TestAssemble(t *testing.T) {
	s := strategy.Strategy{Quality: 0.7, Scale: 0.5, Method: "Adaptive Lossy"}
	res := Assemble(1000, encoder.Output{Data: make([]byte, 250), MediaType: "image/webp"}, s)

	assert.Equal(t, int64(1000), res.OriginalSize)
	assert.Equal(t, int64(250), res.CompressedSize)
	assert.Equal(t, "image/webp", res.MediaType)
	assert.Equal(t, s, res.Strategy)
	assert.InDelta(t, 0.25, res.Ratio, 1e-9)
	assert.InDelta(t, 75.0, res.PercentageSaved, 1e-9)

	grown := Assemble(100, encoder.Output{Data: make([]byte, 150)}, s)
	assert.InDelta(t, -50.0, grown.PercentageSaved, 1e-9)
}

func TestDownloadName(t *testing.T) {
	tests := []struct {
		name, source, output, want string
	}{
		{"photo.png", "image/png", "image/png", "smart_photo.png"},
		{"photo.png", "image/png", "image/webp", "smart_photo.webp"},
		{"photo.jpeg", "image/jpeg", "image/jpeg", "smart_photo.jpeg"},
		{"scan.bmp", "image/bmp", "image/png", "smart_scan.png"},
		{"notes.txt", "text/plain", "application/gzip", "smart_notes.txt.gz"},
		{"bundle.tar", "application/x-tar", "application/zstd", "smart_bundle.tar.zst"},
		{"clip.mp4", "video/mp4", "video/mp4", "smart_clip.mp4"},
		{"", "", "", "smart_file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DownloadName(tt.name, tt.source, tt.output), tt.name)
	}
}

func TestTargets(t *testing.T) {
	assert.Equal(t, int64(400), SuggestTarget(1000))
	assert.Equal(t, int64(1), SuggestTarget(1))
	assert.Equal(t, int64(250), TargetForRatio(1000, 0.25))

	assert.True(t, IsAggressiveTarget(1000, 49))
	assert.False(t, IsAggressiveTarget(1000, 50))
}

func TestParseTargetSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", DefaultTargetSize},
		{"2048", 2048},
		{"500KB", 500_000},
		{"500 KiB", 512_000},
		{"1.5MiB", 1_572_864},
	}
	for _, tt := range tests {
		got, err := ParseTargetSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"lots", "0", "-5KB"} {
		_, err := ParseTargetSize(bad)
		assert.ErrorIs(t, err, ErrInvalidTarget, bad)
	}
}

func TestState(t *testing.T) {
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.True(t, Converged.Terminal())
	assert.False(t, Running.Terminal())

	var s State
	require.NoError(t, s.UnmarshalText([]byte("CANCELLED")))
	assert.Equal(t, Cancelled, s)
	assert.Error(t, s.UnmarshalText([]byte("paused")))
	assert.Equal(t, 30, IterationPercent(1))
	assert.Equal(t, 90, IterationPercent(4))
	assert.Equal(t, 100, IterationPercent(5))
}
