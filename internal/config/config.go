package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Limits      LimitsConfig      `mapstructure:"limits"`
	Convergence ConvergenceConfig `mapstructure:"convergence"`
	Oracle      OracleConfig      `mapstructure:"oracle"`
	Image       ImageConfig       `mapstructure:"image"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Document    DocumentConfig    `mapstructure:"document"`
	Server      ServerConfig      `mapstructure:"server"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// LimitsConfig contains input limits enforced before any work starts
type LimitsConfig struct {
	MaxFileSize int64 `mapstructure:"max_file_size"` // bytes
}

// ConvergenceConfig contains the loop budget and stopping rule
type ConvergenceConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	Tolerance     float64       `mapstructure:"tolerance"` // allowed overshoot, 0.05 = 5%
	OracleTimeout time.Duration `mapstructure:"oracle_timeout"`
}

// OracleConfig selects and configures the strategy oracle
type OracleConfig struct {
	Provider    string        `mapstructure:"provider"` // heuristic, googleai, openai, ollama
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	RateLimit   float64       `mapstructure:"rate_limit"` // requests per second
	Burst       int           `mapstructure:"burst"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// ImageConfig contains image encoder settings
type ImageConfig struct {
	LossyThreshold float64 `mapstructure:"lossy_threshold"`
	LossyFormat    string  `mapstructure:"lossy_format"` // webp, jpeg
	Filter         string  `mapstructure:"filter"`       // lanczos, catmullrom, linear, box, nearest
}

// StreamConfig contains generic byte compressor settings
type StreamConfig struct {
	Algorithm string `mapstructure:"algorithm"` // gzip, zstd
	Level     int    `mapstructure:"level"`
}

// DocumentConfig contains PDF encoder settings
type DocumentConfig struct {
	UseObjectStreams bool `mapstructure:"use_object_streams"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	RunRetention time.Duration `mapstructure:"run_retention"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int `mapstructure:"worker_threads"`
	BatchSize     int `mapstructure:"batch_size"`
}

// BatchConfig contains directory batch mode settings
type BatchConfig struct {
	SourceDirectory string  `mapstructure:"source_directory"`
	TargetDirectory string  `mapstructure:"target_directory"`
	Ratio           float64 `mapstructure:"ratio"`       // target = ratio * size
	TargetSize      int64   `mapstructure:"target_size"` // fixed target in bytes, overrides ratio
	DryRun          bool    `mapstructure:"dry_run"`
	MaxFilesPerRun  int     `mapstructure:"max_files_per_run"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxFileSize: 500 * 1024 * 1024,
		},
		Convergence: ConvergenceConfig{
			MaxIterations: 4,
			Tolerance:     0.05,
			OracleTimeout: 20 * time.Second,
		},
		Oracle: OracleConfig{
			Provider:    "heuristic",
			Temperature: 0.2,
			RateLimit:   2,
			Burst:       4,
			MaxRetries:  2,
			RetryDelay:  500 * time.Millisecond,
		},
		Image: ImageConfig{
			LossyThreshold: 0.85,
			LossyFormat:    "webp",
			Filter:         "lanczos",
		},
		Stream: StreamConfig{
			Algorithm: "gzip",
			Level:     9,
		},
		Document: DocumentConfig{
			UseObjectStreams: true,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			RunRetention: 30 * time.Minute,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
			BatchSize:     100,
		},
		Batch: BatchConfig{
			Ratio: 0.4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "smart-squeeze.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	config := DefaultConfig()

	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.smart-squeeze")
		v.AddConfigPath("/etc/smart-squeeze")
	}

	v.SetEnvPrefix("SMART_SQUEEZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnvKeys registers every key viper must look up in the environment.
// AutomaticEnv alone only covers keys viper already knows from a file.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"limits.max_file_size",
		"convergence.max_iterations", "convergence.tolerance", "convergence.oracle_timeout",
		"oracle.provider", "oracle.model", "oracle.api_key", "oracle.base_url",
		"oracle.temperature", "oracle.rate_limit", "oracle.burst",
		"oracle.max_retries", "oracle.retry_delay",
		"image.lossy_threshold", "image.lossy_format", "image.filter",
		"stream.algorithm", "stream.level",
		"document.use_object_streams",
		"server.port", "server.run_retention",
		"performance.worker_threads",
		"batch.source_directory", "batch.target_directory", "batch.ratio", "batch.target_size", "batch.dry_run",
		"logging.level", "logging.file_path",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates the configuration, normalizing zero values to defaults
// and reporting every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	def := DefaultConfig()

	if c.Limits.MaxFileSize <= 0 {
		c.Limits.MaxFileSize = def.Limits.MaxFileSize
	}

	if c.Convergence.MaxIterations <= 0 {
		c.Convergence.MaxIterations = def.Convergence.MaxIterations
	}
	if c.Convergence.Tolerance < 0 || c.Convergence.Tolerance >= 1 {
		result = multierror.Append(result,
			fmt.Errorf("convergence.tolerance must be in [0, 1), got %v", c.Convergence.Tolerance))
	}
	if c.Convergence.OracleTimeout <= 0 {
		c.Convergence.OracleTimeout = def.Convergence.OracleTimeout
	}

	c.Oracle.Provider = strings.ToLower(strings.TrimSpace(c.Oracle.Provider))
	if c.Oracle.Provider == "" {
		c.Oracle.Provider = def.Oracle.Provider
	}
	validProviders := map[string]bool{
		"heuristic": true,
		"googleai":  true,
		"openai":    true,
		"ollama":    true,
	}
	if !validProviders[c.Oracle.Provider] {
		result = multierror.Append(result,
			fmt.Errorf("invalid oracle.provider: %s (valid: heuristic, googleai, openai, ollama)", c.Oracle.Provider))
	}
	if c.Oracle.RateLimit <= 0 {
		c.Oracle.RateLimit = def.Oracle.RateLimit
	}
	if c.Oracle.Burst <= 0 {
		c.Oracle.Burst = def.Oracle.Burst
	}
	if c.Oracle.MaxRetries < 0 {
		c.Oracle.MaxRetries = 0
	}
	if c.Oracle.RetryDelay <= 0 {
		c.Oracle.RetryDelay = def.Oracle.RetryDelay
	}

	if c.Image.LossyThreshold <= 0 || c.Image.LossyThreshold > 1 {
		result = multierror.Append(result,
			fmt.Errorf("image.lossy_threshold must be in (0, 1], got %v", c.Image.LossyThreshold))
	}
	c.Image.LossyFormat = strings.ToLower(c.Image.LossyFormat)
	if c.Image.LossyFormat != "webp" && c.Image.LossyFormat != "jpeg" {
		result = multierror.Append(result,
			fmt.Errorf("invalid image.lossy_format: %s (valid: webp, jpeg)", c.Image.LossyFormat))
	}
	validFilters := map[string]bool{
		"lanczos":    true,
		"catmullrom": true,
		"linear":     true,
		"box":        true,
		"nearest":    true,
	}
	c.Image.Filter = strings.ToLower(c.Image.Filter)
	if !validFilters[c.Image.Filter] {
		result = multierror.Append(result,
			fmt.Errorf("invalid image.filter: %s (valid: lanczos, catmullrom, linear, box, nearest)", c.Image.Filter))
	}

	c.Stream.Algorithm = strings.ToLower(c.Stream.Algorithm)
	switch c.Stream.Algorithm {
	case "gzip":
		if c.Stream.Level < 1 || c.Stream.Level > 9 {
			result = multierror.Append(result,
				fmt.Errorf("stream.level for gzip must be between 1 and 9, got %d", c.Stream.Level))
		}
	case "zstd":
		if c.Stream.Level < 1 || c.Stream.Level > 22 {
			result = multierror.Append(result,
				fmt.Errorf("stream.level for zstd must be between 1 and 22, got %d", c.Stream.Level))
		}
	default:
		result = multierror.Append(result,
			fmt.Errorf("invalid stream.algorithm: %s (valid: gzip, zstd)", c.Stream.Algorithm))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Server.RunRetention <= 0 {
		c.Server.RunRetention = def.Server.RunRetention
	}

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = def.Performance.WorkerThreads
	}
	if c.Performance.BatchSize <= 0 {
		c.Performance.BatchSize = def.Performance.BatchSize
	}

	if c.Batch.Ratio <= 0 || c.Batch.Ratio >= 1 {
		result = multierror.Append(result,
			fmt.Errorf("batch.ratio must be in (0, 1), got %v", c.Batch.Ratio))
	}
	if c.Batch.TargetSize < 0 {
		result = multierror.Append(result,
			fmt.Errorf("batch.target_size must not be negative, got %d", c.Batch.TargetSize))
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		result = multierror.Append(result,
			fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level))
	}

	return result.ErrorOrNil()
}

// RequiresAPIKey reports whether the configured provider is a hosted service.
func (o OracleConfig) RequiresAPIKey() bool {
	return o.Provider == "googleai" || o.Provider == "openai"
}
