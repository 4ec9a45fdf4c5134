// Package orchestrate selects and drives the pipeline execution mode: an
// in-process scheduler, or a durable scheduler that batches work into
// independently-resumable units with persisted step histories.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sitescribe/sitescribe/internal/checkpoint"
	"github.com/sitescribe/sitescribe/internal/crawl"
	"github.com/sitescribe/sitescribe/internal/manifest"
	"github.com/sitescribe/sitescribe/internal/retry"
	"github.com/sitescribe/sitescribe/internal/summarize"
)

// Mode names an execution strategy.
type Mode string

// Supported modes.
const (
	ModeLocal   Mode = "local"
	ModeDurable Mode = "durable"
)

// RunSpec is the external contract shared by every orchestrator: seeds plus
// depth and concurrency limits in, manifest out.
type RunSpec struct {
	Seeds              []string
	MaxDepth           int
	CrawlConcurrency   int
	SummaryConcurrency int
	ProjectDir         string
	OutputFile         string

	// ExistingManifest, when set, contributes the "[title](url)" entries of
	// a previously generated manifest to the seed set.
	ExistingManifest string
	// UpdateOnly rewrites ExistingManifest instead of assembling a fresh
	// manifest: line order and non-entry lines are preserved and only the
	// summaries are refreshed. The crawl stays at depth zero so exactly the
	// listed pages are revisited.
	UpdateOnly bool
}

// RunResult reports what a finished run produced.
type RunResult struct {
	PagesFetched int64
	PagesFailed  int64
	Succeeded    int64
	Failed       int64
	Skipped      int64
	ManifestPath string
}

// Orchestrator runs the full crawl-and-summarize pipeline.
type Orchestrator interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// Deps bundles the collaborators an orchestrator wires together.
type Deps struct {
	Fetcher    crawl.Fetcher
	Extractor  crawl.Extractor
	Summarizer summarize.Summarizer
	Store      checkpoint.Store
	Retry      retry.Policy
	Logger     *zap.Logger

	// Summarization knobs shared by both modes.
	Prompt       string
	SummariesDir string
	Blacklist    map[string]struct{}
}

// New builds the orchestrator for the requested mode.
func New(mode Mode, deps Deps, opts DurableOptions) (Orchestrator, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	switch mode {
	case "", ModeLocal:
		return NewLocal(deps), nil
	case ModeDurable:
		return NewDurable(deps, opts), nil
	default:
		return nil, fmt.Errorf("unknown orchestration mode %q", mode)
	}
}

func (s RunSpec) validate() error {
	if s.UpdateOnly && s.ExistingManifest == "" {
		return errors.New("update mode requires an existing manifest")
	}
	return nil
}

// resolveSeeds merges the explicit seeds with URLs extracted from the
// existing manifest, when one was given.
func (s RunSpec) resolveSeeds() ([]string, error) {
	seeds := append([]string(nil), s.Seeds...)
	if s.ExistingManifest != "" {
		entries, err := manifest.ReadEntries(s.ExistingManifest)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			seeds = append(seeds, e.URL)
		}
	}
	return seeds, nil
}

func (s RunSpec) crawlConfig() crawl.Config {
	depth := s.MaxDepth
	if s.UpdateOnly {
		depth = 0
	}
	return crawl.Config{MaxDepth: depth, Concurrency: s.CrawlConcurrency}
}

func (s RunSpec) manifestPath() string {
	out := s.OutputFile
	if out == "" {
		out = "llms.txt"
	}
	return filepath.Join(s.ProjectDir, out)
}

// writeManifest produces the run's output file: a structure-preserving
// rewrite of the existing manifest in update mode, a sorted assembly of the
// checkpoint store otherwise.
func (s RunSpec) writeManifest(store checkpoint.Store) (string, error) {
	path := s.manifestPath()
	if s.UpdateOnly {
		return path, manifest.UpdateFile(store, s.ExistingManifest, path)
	}
	return path, manifest.Write(store, path)
}

func (s RunSpec) summarizeConfig(deps Deps) summarize.Config {
	return summarize.Config{
		Concurrency:  s.SummaryConcurrency,
		Prompt:       deps.Prompt,
		SummariesDir: deps.SummariesDir,
		Blacklist:    deps.Blacklist,
		Refresh:      s.UpdateOnly,
	}
}
