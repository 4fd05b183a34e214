package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/infvision/photosort/internal/cache"
	"github.com/infvision/photosort/internal/config"
	"github.com/infvision/photosort/internal/embedding"
	"github.com/infvision/photosort/internal/escalate"
	"github.com/infvision/photosort/internal/pipeline"
	"github.com/infvision/photosort/internal/quality"
)

// loadConfig loads and validates the environment configuration.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openCache opens the configured cache backend. The caller owns Close.
func openCache(cfg *config.Config) (cache.Store, error) {
	return cache.Open(cache.Options{
		Backend:  cfg.Cache.Backend,
		Location: cfg.Cache.Location,
		URL:      cfg.Cache.URL,
		Required: cfg.Cache.Required,
	}, slog.Default())
}

// buildEscalator constructs the Stage-2 cascade for the configured provider.
func buildEscalator(ctx context.Context, cfg *config.Config) (pipeline.Escalator, error) {
	var provider escalate.Provider
	switch cfg.Escalation.Provider {
	case "none":
		return nil, nil
	case "ollama":
		provider = escalate.NewOllamaProvider(cfg.Escalation.OllamaURL, cfg.Escalation.Model)
	case "openai":
		if cfg.Escalation.OpenAIKey == "" {
			return nil, errors.New("OPENAI_TOKEN is required for the openai provider")
		}
		provider = escalate.NewOpenAIProvider(cfg.Escalation.OpenAIKey)
	case "gemini":
		if cfg.Escalation.GeminiKey == "" {
			return nil, errors.New("GEMINI_API_KEY is required for the gemini provider")
		}
		p, err := escalate.NewGeminiProvider(ctx, cfg.Escalation.GeminiKey)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown VLM provider %q (expected ollama, openai, gemini or none)", cfg.Escalation.Provider)
	}
	return escalate.NewCascade(provider, cfg.Escalation.Timeout, slog.Default()), nil
}

// buildDeps wires the full dependency set for a pipeline run.
func buildDeps(ctx context.Context, cfg *config.Config) (pipeline.Deps, error) {
	store, err := openCache(cfg)
	if err != nil {
		return pipeline.Deps{}, err
	}

	scorer, err := quality.New(cfg.Quality.Scorer)
	if err != nil {
		return pipeline.Deps{}, err
	}

	escalator, err := buildEscalator(ctx, cfg)
	if err != nil {
		return pipeline.Deps{}, err
	}

	return pipeline.Deps{
		Cache:     store,
		Embedder:  embedding.NewClient(cfg.Embedding.URL, ""),
		Scorer:    scorer,
		Escalator: escalator,
		Config:    cfg,
		Logger:    slog.Default(),
	}, nil
}
