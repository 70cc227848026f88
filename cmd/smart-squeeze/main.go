package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"smart-squeeze-go/internal/classifier"
	"smart-squeeze-go/internal/compressor"
	"smart-squeeze-go/internal/config"
	"smart-squeeze-go/internal/encoder"
	"smart-squeeze-go/internal/extractor"
	"smart-squeeze-go/internal/logger"
	"smart-squeeze-go/internal/metrics"
	"smart-squeeze-go/internal/oracle"
	"smart-squeeze-go/internal/organizer"
	"smart-squeeze-go/internal/statistics"
	"smart-squeeze-go/internal/web"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	version = "dev"

	targetFlag string
	ratioFlag  float64
	outFlag    string
	typeFlag   string

	sourceDir  string
	targetDir  string
	batchSize  string
	dryRun     bool
	workers    int
	jsonOutput bool
	port       int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "smart-squeeze",
	Short: "Compress files to a target size",
	Long: `Smart Squeeze compresses a file until it fits a requested size.

Each run asks a strategy oracle for encoder parameters, encodes, measures
the result and feeds the achieved size back, for at most a few iterations.
Images are re-encoded and resized, text and archives are stream compressed
and PDFs are rewritten without metadata.

If the target cannot be reached the last attempt is kept.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// compressCmd compresses a single file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress one file to a target size",
	Long: `Compress one file to a target size given in bytes or humanized form
(500KB, 1.5MiB) or as a ratio of the original size. Without either, the
target is 40% of the original.

The output is written next to the input as smart_<name> unless --out is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args[0])
	},
}

// batchCmd compresses a directory tree.
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Compress every supported file in a directory",
	Long: `Walk the source directory and compress every file that has an encoder,
mirroring the directory layout under the target directory. Existing files
are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch()
	},
}

// inspectCmd shows what the tool knows about a file.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show media type, category and metadata of a file",
	Long: `Inspect a file and show its detected media type, category, image
dimensions, EXIF data and the suggested target size. exiftool is used for
extra fields when it is installed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts an HTTP server exposing the compression API:

  POST   /api/compress           upload a file and a target_size
  GET    /api/runs/{id}          run state and result
  GET    /api/runs/{id}/download compressed bytes
  DELETE /api/runs/{id}          cancel or forget a run
  POST   /api/inspect            file metadata
  GET    /ws                     live run events
  GET    /metrics                Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().StringVar(&targetFlag, "target", "", "target size, e.g. 500KB or 2MiB")
	compressCmd.Flags().Float64Var(&ratioFlag, "ratio", 0, "target as a fraction of the original size")
	compressCmd.Flags().StringVar(&outFlag, "out", "", "output path (default: smart_<name> next to the input)")
	compressCmd.Flags().StringVar(&typeFlag, "type", "", "declared media type, e.g. image/png")
	compressCmd.MarkFlagsMutuallyExclusive("target", "ratio")

	batchCmd.Flags().StringVar(&sourceDir, "source", "", "source directory")
	batchCmd.Flags().StringVar(&targetDir, "target-dir", "", "directory for compressed files")
	batchCmd.Flags().Float64Var(&ratioFlag, "ratio", 0, "target as a fraction of each file's size")
	batchCmd.Flags().StringVar(&batchSize, "target", "", "fixed target size for every file, e.g. 200KB")
	batchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be compressed without writing")
	batchCmd.Flags().IntVar(&workers, "workers", 0, "number of parallel runs")
	batchCmd.MarkFlagsMutuallyExclusive("target", "ratio")

	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")

	serveCmd.Flags().IntVar(&port, "port", 0, "port to run the server on (default from config, 8080)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress compresses one file and writes the best output.
func runCompress(path string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	size := int64(len(data))

	target, err := resolveTarget(size)
	if err != nil {
		return err
	}
	if compressor.IsAggressiveTarget(size, target) && !quiet {
		fmt.Fprintf(os.Stderr, "Warning: target %s is below 5%% of %s and may not be reachable\n",
			humanize.IBytes(uint64(target)), humanize.IBytes(uint64(size)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, _, _, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}

	res, err := svc.StartRun(ctx, compressor.RunRequest{
		Name:       filepath.Base(path),
		Data:       data,
		MediaType:  typeFlag,
		TargetSize: target,
	}, printProgress)
	if err != nil {
		return err
	}

	outPath := outFlag
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(path), res.DownloadName())
		if _, err := os.Stat(outPath); err == nil {
			return fmt.Errorf("output already exists: %s (use --out to choose another path)", outPath)
		}
	}
	if err := os.WriteFile(outPath, res.Data, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if !quiet {
		fmt.Printf("%s -> %s\n", path, outPath)
		fmt.Printf("  size:       %s -> %s (target %s, %.1f%% saved)\n",
			humanize.IBytes(uint64(res.OriginalSize)),
			humanize.IBytes(uint64(res.CompressedSize)),
			humanize.IBytes(uint64(res.TargetSize)),
			res.PercentageSaved)
		fmt.Printf("  status:     %s after %d iteration(s) in %v\n", res.Status, res.Iterations, res.Duration().Round(time.Millisecond))
		fmt.Printf("  strategy:   %s (quality %d%%, scale %.2f)\n", res.Strategy.Method, res.Strategy.QualityPercent(), res.Strategy.Scale)
		fmt.Printf("  media type: %s -> %s\n", res.SourceMediaType, res.MediaType)
		if !res.TargetMet {
			fmt.Println("  target was not reached; the last attempt was kept")
		}
	}
	return nil
}

// resolveTarget turns --target or --ratio into a byte count.
func resolveTarget(size int64) (int64, error) {
	switch {
	case targetFlag != "":
		return compressor.ParseTargetSize(targetFlag)
	case ratioFlag != 0:
		if ratioFlag <= 0 || ratioFlag >= 1 {
			return 0, fmt.Errorf("%w: --ratio must be between 0 and 1, got %v", compressor.ErrInvalidTarget, ratioFlag)
		}
		return compressor.TargetForRatio(size, ratioFlag), nil
	default:
		return compressor.SuggestTarget(size), nil
	}
}

func printProgress(p compressor.Progress) {
	if quiet || p.Strategy == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "[%3d%%] iteration %d: %s (quality %.2f, scale %.2f) -> %s\n",
		p.Percent, p.Iteration, p.Strategy.Method, p.Strategy.Quality, p.Strategy.Scale,
		humanize.IBytes(uint64(p.AchievedSize)))
}

// runBatch compresses a directory tree.
func runBatch() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if sourceDir != "" {
		cfg.Batch.SourceDirectory = sourceDir
	}
	if targetDir != "" {
		cfg.Batch.TargetDirectory = targetDir
	}
	if ratioFlag != 0 {
		cfg.Batch.Ratio = ratioFlag
	}
	if batchSize != "" {
		size, err := compressor.ParseTargetSize(batchSize)
		if err != nil {
			return err
		}
		cfg.Batch.TargetSize = size
	}
	if dryRun {
		cfg.Batch.DryRun = true
	}
	if workers > 0 {
		cfg.Performance.WorkerThreads = workers
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	if !dirExists(cfg.Batch.SourceDirectory) {
		return fmt.Errorf("source directory does not exist: %s", cfg.Batch.SourceDirectory)
	}

	log := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, registry, stats, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}

	var hook organizer.LogHookFunc
	if !quiet {
		hook = func(level, message string) {
			fmt.Println(message)
		}
	}
	batch := organizer.NewBatchCompressorWithLogHook(cfg, log, stats, svc, registry, hook)

	if _, err := batch.Run(ctx); err != nil {
		return fmt.Errorf("batch compression failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
		fmt.Println(stats.GetCategoryBreakdown())
		if stats.Snapshot().ErrorCount > 0 {
			fmt.Println(stats.GetErrorSummary())
		}
	}
	return nil
}

// runInspect prints what the inspector learns about a file.
func runInspect(path string) error {
	if !fileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	log := logger.Discard()
	if verbose {
		log = logrus.New()
		log.SetLevel(logrus.DebugLevel)
	}

	var reader *extractor.ExiftoolReader
	if extractor.ExiftoolAvailable() {
		if reader, err = extractor.NewExiftoolReader(); err != nil {
			log.WithError(err).Debug("exiftool unavailable")
			reader = nil
		} else {
			defer reader.Close()
		}
	}

	meta, err := extractor.NewInspector(log, reader).InspectFile(context.Background(), path, data)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}

	fmt.Printf("File:             %s\n", path)
	fmt.Printf("Size:             %s\n", humanize.IBytes(uint64(meta.Size)))
	fmt.Printf("Media type:       %s\n", meta.MediaType)
	fmt.Printf("Category:         %s\n", meta.Category)
	if meta.Width > 0 {
		fmt.Printf("Dimensions:       %dx%d (%s)\n", meta.Width, meta.Height, meta.Format)
	}
	if meta.Taken != nil {
		fmt.Printf("Taken:            %s (%s)\n", meta.Taken.Date.Format("2006-01-02 15:04:05"), meta.Taken.Source)
	}
	if meta.Camera != "" {
		fmt.Printf("Camera:           %s\n", meta.Camera)
	}
	if meta.Software != "" {
		fmt.Printf("Software:         %s\n", meta.Software)
	}
	fmt.Printf("Suggested target: %s\n", humanize.IBytes(uint64(meta.SuggestedTarget)))
	if meta.Category == classifier.Unknown {
		fmt.Println("No encoder for this category; output would equal the input")
	}

	if len(meta.Fields) > 0 && verbose {
		keys := make([]string, 0, len(meta.Fields))
		for k := range meta.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\nexiftool fields:")
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, meta.Fields[k])
		}
	}
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)

	svc, _, stats, err := buildService(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	server := web.NewServer(cfg, log, svc, extractor.NewInspector(log, nil), stats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("Smart Squeeze API listening on http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped")
	return nil
}

// buildService wires the oracle, encoders, metrics and statistics into a
// compression service.
func buildService(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*compressor.Service, *encoder.Registry, *statistics.Statistics, error) {
	registry, err := encoder.NewDefaultRegistry(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create encoders: %w", err)
	}
	if doc, ok := registry.Lookup(classifier.Document).(*encoder.DocumentEncoder); ok {
		doc.SetLogger(log)
	}

	o, err := oracle.New(ctx, cfg.Oracle, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create strategy oracle: %w", err)
	}

	stats := statistics.NewStatistics()
	svc := compressor.NewService(cfg, o, registry,
		compressor.WithLogger(log),
		compressor.WithMetrics(metrics.NewMetrics()),
		compressor.WithStatistics(stats),
	)
	return svc, registry, stats, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging, verbose)

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if compressor.IsUserError(err) {
			os.Exit(2)
		}
		if errors.Is(err, compressor.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
