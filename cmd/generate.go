package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sitescribe/sitescribe/internal/config"
	"github.com/sitescribe/sitescribe/internal/extract"
	"github.com/sitescribe/sitescribe/internal/fetch"
	"github.com/sitescribe/sitescribe/internal/orchestrate"
	"github.com/sitescribe/sitescribe/internal/retry"
	"github.com/sitescribe/sitescribe/internal/summarize"
)

// newGenerateCmd creates and configures the 'generate' subcommand. Flags are
// bound into the shared Viper instance so the precedence is flag, then
// environment, then config file, then default.
func newGenerateCmd(v *viper.Viper) *cobra.Command {
	var (
		urls             []string
		existingManifest string
		updateOnly       bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Crawl the given URLs and write an llms.txt manifest",
		Long: `Crawls the given URLs breadth-first up to the configured depth, summarizes
every extracted page, and writes the sorted manifest into the project
directory. Re-running with the same project directory skips pages that were
already summarized.

Instead of seed URLs, an existing llms.txt file can be given; its entries
become the seed set. With --update-descriptions-only the existing file's
structure and URL order are preserved and only the summaries are refreshed.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, urls, existingManifest, updateOnly)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&urls, "urls", "u", nil, "seed URLs to crawl")
	flags.StringVar(&existingManifest, "existing-llms-file", "", "existing llms.txt to extract seed URLs from and update")
	flags.BoolVar(&updateOnly, "update-descriptions-only", false, "refresh only the summaries in the existing llms.txt, preserving its structure and URL order")
	flags.Int("max-depth", 5, "maximum recursion depth from each seed")
	flags.String("mode", "local", "execution mode: local or durable")
	flags.Int("crawl-concurrency", 3, "concurrent page fetches")
	flags.Int("summary-concurrency", 5, "concurrent summarization calls")
	flags.String("project-dir", "llms_txt", "directory receiving the manifest and checkpoints")
	flags.String("output-file", "llms.txt", "manifest filename within the project directory")
	flags.String("provider", "openai", "summarizer provider: openai or static")
	flags.String("model", "", "summarizer model name (provider default when empty)")
	flags.String("extractor", "markdown", "content extractor: markdown or text")
	flags.String("blacklist-file", "", "file of URLs to exclude from summarization")

	mustBind(v, "crawler.max_depth", flags.Lookup("max-depth"))
	mustBind(v, "orchestrator.mode", flags.Lookup("mode"))
	mustBind(v, "crawler.concurrency", flags.Lookup("crawl-concurrency"))
	mustBind(v, "summarizer.concurrency", flags.Lookup("summary-concurrency"))
	mustBind(v, "output.project_dir", flags.Lookup("project-dir"))
	mustBind(v, "output.file", flags.Lookup("output-file"))
	mustBind(v, "summarizer.provider", flags.Lookup("provider"))
	mustBind(v, "summarizer.model", flags.Lookup("model"))
	mustBind(v, "extractor.name", flags.Lookup("extractor"))
	mustBind(v, "summarizer.blacklist_file", flags.Lookup("blacklist-file"))

	cmd.MarkFlagsMutuallyExclusive("urls", "existing-llms-file")

	return cmd
}

func runGenerate(cmd *cobra.Command, urls []string, existingManifest string, updateOnly bool) error {
	seeds := make([]string, 0, len(urls))
	for _, u := range urls {
		if s := strings.TrimSpace(u); s != "" {
			seeds = append(seeds, s)
		}
	}
	if len(seeds) == 0 && existingManifest == "" {
		return errors.New("either --urls or --existing-llms-file is required")
	}
	if updateOnly && existingManifest == "" {
		return errors.New("--update-descriptions-only requires --existing-llms-file")
	}

	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	orchestrator, err := buildOrchestrator(cfg, appInstance)
	if err != nil {
		return err
	}

	logger.Info("Starting run",
		zap.Strings("urls", seeds),
		zap.String("mode", cfg.Orchestrator.Mode),
		zap.Int("max_depth", cfg.Crawler.MaxDepth),
	)
	if existingManifest != "" {
		logger.Info("Seeding from existing manifest",
			zap.String("path", existingManifest),
			zap.Bool("update_descriptions_only", updateOnly),
		)
	}

	result, err := orchestrator.Run(cmd.Context(), orchestrate.RunSpec{
		Seeds:              seeds,
		MaxDepth:           cfg.Crawler.MaxDepth,
		CrawlConcurrency:   cfg.Crawler.Concurrency,
		SummaryConcurrency: cfg.Summarizer.Concurrency,
		ProjectDir:         cfg.Output.ProjectDir,
		OutputFile:         cfg.Output.File,
		ExistingManifest:   existingManifest,
		UpdateOnly:         updateOnly,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run interrupted; progress is checkpointed, rerun to resume")
			return nil
		}
		return fmt.Errorf("generate: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Manifest written to", result.ManifestPath)
	return nil
}

func buildOrchestrator(cfg config.Config, appInstance App) (orchestrate.Orchestrator, error) {
	extractor, err := extract.New(cfg.Extractor.Name)
	if err != nil {
		return nil, err
	}

	blacklist, err := summarize.LoadBlacklist(cfg.Summarizer.BlacklistFile)
	if err != nil {
		return nil, err
	}

	prompt := summarize.DefaultPrompt
	if cfg.Summarizer.PromptFile != "" {
		data, err := os.ReadFile(cfg.Summarizer.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	summariesDir := ""
	if cfg.Output.SummariesDir != "" {
		summariesDir = filepath.Join(cfg.Output.ProjectDir, cfg.Output.SummariesDir)
	}

	deps := orchestrate.Deps{
		Fetcher: fetch.NewColly(fetch.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			Timeout:       cfg.FetchTimeout(),
			RespectRobots: !cfg.Crawler.IgnoreRobots,
			MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
		}),
		Extractor:    extractor,
		Summarizer:   appInstance.Summarizer(),
		Store:        appInstance.Store(),
		Retry:        retry.NewExponentialWith(cfg.Crawler.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax()),
		Logger:       appInstance.Logger(),
		Prompt:       prompt,
		SummariesDir: summariesDir,
		Blacklist:    blacklist,
	}

	return orchestrate.New(
		orchestrate.Mode(cfg.Orchestrator.Mode),
		deps,
		orchestrate.DurableOptions{
			BatchSize:          cfg.Orchestrator.BatchSize,
			MaxParallelBatches: cfg.Orchestrator.MaxParallelBatches,
			ContinueAfterDocs:  cfg.Orchestrator.ContinueAfterDocs,
		},
	)
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
