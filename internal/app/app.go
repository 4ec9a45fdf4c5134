// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitescribe/sitescribe/internal/checkpoint"
	"github.com/sitescribe/sitescribe/internal/config"
	"github.com/sitescribe/sitescribe/internal/logging"
	"github.com/sitescribe/sitescribe/internal/metrics"
	"github.com/sitescribe/sitescribe/internal/summarize"
)

// App holds the shared, long-lived services for one invocation: the logger,
// the checkpoint store, and the summarization provider. It is initialized
// once at startup and passed to the command that needs it.
type App struct {
	runID      string
	cfg        config.Config
	logger     *zap.Logger
	store      checkpoint.Store
	summarizer summarize.Summarizer
}

// RunID returns the unique identifier for this invocation.
func (a *App) RunID() string { return a.runID }

// Config returns the validated configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the checkpoint store.
func (a *App) Store() checkpoint.Store { return a.store }

// Summarizer returns the configured summarization provider.
func (a *App) Summarizer() summarize.Summarizer { return a.summarizer }

// New creates and initializes an App from validated configuration. It is the
// central point for service initialization and fails fast when any critical
// service cannot be built.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	runID := uuid.NewString()
	logger, err := logging.New(cfg.Logging.Development, runID)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Checkpoint store ready",
		zap.String("backend", storeBackend(cfg)),
		zap.Int("records", len(store.All())),
	)

	summarizer, err := summarize.NewSummarizer(summarize.ProviderConfig{
		Provider:      cfg.Summarizer.Provider,
		Model:         cfg.Summarizer.Model,
		APIKey:        cfg.Summarizer.APIKey,
		BaseURL:       cfg.Summarizer.BaseURL,
		MaxInputChars: cfg.Summarizer.MaxInputChars,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build summarizer: %w", err)
	}

	if cfg.Metrics.Enabled {
		go metrics.Serve(ctx, cfg.Metrics.Addr, logger)
	}

	return &App{
		runID:      runID,
		cfg:        cfg,
		logger:     logger,
		store:      store,
		summarizer: summarizer,
	}, nil
}

func storeBackend(cfg config.Config) string {
	if cfg.Checkpoint.Backend == "" {
		return "file"
	}
	return cfg.Checkpoint.Backend
}

func openStore(cfg config.Config) (checkpoint.Store, error) {
	path := cfg.Checkpoint.Path
	switch storeBackend(cfg) {
	case "file":
		if path == "" {
			path = filepath.Join(cfg.Output.ProjectDir, "summarized_urls.jsonl")
		}
		store, err := checkpoint.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return store, nil
	case "sqlite":
		if path == "" {
			path = filepath.Join(cfg.Output.ProjectDir, "summarized_urls.db")
		}
		store, err := checkpoint.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// Close gracefully shuts down the App's services. It is called by a Cobra
// hook after the command finishes execution.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Error closing checkpoint store", zap.Error(err))
	}
	// Flushing stdout/stderr sinks commonly reports EINVAL; nothing to do.
	_ = a.logger.Sync()
}
