package orchestrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitescribe/sitescribe/internal/crawl"
	"github.com/sitescribe/sitescribe/internal/summarize"
)

// Local runs the crawl and summarization engines concurrently in one
// process, wired by a channel. Progress is durable only through the
// checkpoint store; a crash loses nothing already checkpointed.
type Local struct {
	deps Deps
}

// NewLocal builds the in-process orchestrator.
func NewLocal(deps Deps) *Local {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Local{deps: deps}
}

// Run implements Orchestrator.
func (o *Local) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := spec.validate(); err != nil {
		return RunResult{}, err
	}
	seeds, err := spec.resolveSeeds()
	if err != nil {
		return RunResult{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	crawler := crawl.NewEngine(
		spec.crawlConfig(),
		o.deps.Fetcher,
		o.deps.Extractor,
		o.deps.Retry,
		o.deps.Logger,
	)
	docs := crawler.Run(ctx, seeds)

	engine := summarize.NewEngine(
		spec.summarizeConfig(o.deps),
		o.deps.Summarizer,
		o.deps.Store,
		o.deps.Retry,
		o.deps.Logger,
	)
	counters, err := engine.Run(ctx, docs)
	if err != nil {
		return RunResult{}, fmt.Errorf("summarization run: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}

	path, err := spec.writeManifest(o.deps.Store)
	if err != nil {
		return RunResult{}, err
	}

	stats := crawler.Stats()
	o.deps.Logger.Info("Run complete",
		zap.Int64("pages_fetched", stats.Fetched),
		zap.Int64("pages_failed", stats.Failed),
		zap.Int64("summaries", counters.Succeeded),
		zap.Int64("failures", counters.Failed),
		zap.Int64("skipped", counters.Skipped),
		zap.String("manifest", path),
	)
	return RunResult{
		PagesFetched: stats.Fetched,
		PagesFailed:  stats.Failed,
		Succeeded:    counters.Succeeded,
		Failed:       counters.Failed,
		Skipped:      counters.Skipped,
		ManifestPath: path,
	}, nil
}
