package oracle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"smart-squeeze-go/internal/config"
)

const (
	defaultGoogleModel = "gemini-2.0-flash"
	defaultOpenAIModel = "gpt-4o-mini"
	defaultOllamaModel = "llama3.1"
)

// modelCompleter adapts a langchaingo model to Completer.
type modelCompleter struct {
	model       llms.Model
	temperature float64
}

// NewModelCompleter wraps a langchaingo model. Calls request JSON output.
func NewModelCompleter(model llms.Model, temperature float64) Completer {
	return &modelCompleter{model: model, temperature: temperature}
}

// Complete implements Completer.
func (c *modelCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithJSONMode(),
		llms.WithTemperature(c.temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return text, nil
}

// NewModel builds the langchaingo model for the configured provider.
func NewModel(ctx context.Context, cfg config.OracleConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "googleai":
		model := cfg.Model
		if model == "" {
			model = defaultGoogleModel
		}
		return googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(model),
		)
	case "openai":
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		opts := []ollama.Option{ollama.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("provider %q has no model", cfg.Provider)
	}
}

// New returns the oracle selected by configuration. Hosted providers without
// an API key degrade to the heuristic oracle.
func New(ctx context.Context, cfg config.OracleConfig, logger *logrus.Logger) (Oracle, error) {
	if cfg.Provider == "" || cfg.Provider == "heuristic" {
		return NewHeuristicOracle(), nil
	}
	if cfg.RequiresAPIKey() && cfg.APIKey == "" {
		logger.WithField("provider", cfg.Provider).
			Warn("No API key configured for strategy oracle, using heuristic oracle")
		return NewHeuristicOracle(), nil
	}

	model, err := NewModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}

	logger.WithFields(logrus.Fields{
		"provider": cfg.Provider,
		"model":    cfg.Model,
	}).Info("Using LLM strategy oracle")

	return NewLLMOracle(NewModelCompleter(model, cfg.Temperature),
		WithRateLimit(cfg.RateLimit, cfg.Burst),
		WithRetries(cfg.MaxRetries, cfg.RetryDelay),
		WithLogger(logger),
	), nil
}
