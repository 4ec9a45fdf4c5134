package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sitescribe/sitescribe/internal/checkpoint"
	"github.com/sitescribe/sitescribe/internal/crawl"
	"github.com/sitescribe/sitescribe/internal/metrics"
	"github.com/sitescribe/sitescribe/internal/summarize"
)

// DurableOptions tunes the durable scheduler.
type DurableOptions struct {
	// BatchSize is the number of documents per child unit.
	BatchSize int
	// MaxParallelBatches bounds how many child units run at once.
	MaxParallelBatches int
	// ContinueAfterDocs is the continuation safety valve: after this many
	// documents dispatched, the parent context is sealed and a successor
	// takes over, bounding any single history's size.
	ContinueAfterDocs int
	// HistoryDir and StagingDir default under the run's project directory.
	HistoryDir string
	StagingDir string
}

func (o DurableOptions) withDefaults(spec RunSpec) DurableOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxParallelBatches <= 0 {
		o.MaxParallelBatches = 2
	}
	if o.ContinueAfterDocs <= 0 {
		o.ContinueAfterDocs = 500
	}
	if o.HistoryDir == "" {
		o.HistoryDir = filepath.Join(spec.ProjectDir, ".history")
	}
	if o.StagingDir == "" {
		o.StagingDir = filepath.Join(spec.ProjectDir, ".staging")
	}
	return o
}

// Durable splits execution into a parent coordination context and child batch
// units, each with a persisted step history. A crashed process resumes from
// the last completed step instead of restarting from zero; every step's
// external effect is an idempotent checkpoint upsert, so replay converges.
type Durable struct {
	deps Deps
	opts DurableOptions
}

// NewDurable builds the durable orchestrator.
func NewDurable(deps Deps, opts DurableOptions) *Durable {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Durable{deps: deps, opts: opts}
}

// stagedDoc is one discovered document parked on disk between the crawl
// phase and its batch's summarization.
type stagedDoc struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Depth       int    `json:"depth"`
	ContentFile string `json:"content_file"`
}

type discoverResult struct {
	ManifestPath string `json:"manifest_path"`
	TotalDocs    int    `json:"total_docs"`
	PagesFetched int64  `json:"pages_fetched"`
	PagesFailed  int64  `json:"pages_failed"`
}

type batchResult struct {
	Succeeded  int64    `json:"succeeded"`
	Failed     int64    `json:"failed"`
	Skipped    int64    `json:"skipped"`
	FailedURLs []string `json:"failed_urls,omitempty"`
}

// contextState is the minimal state a continuation carries into a successor
// execution context.
type contextState struct {
	StagingManifest string `json:"staging_manifest"`
	TotalDocs       int    `json:"total_docs"`
	NextBatch       int    `json:"next_batch"`
	PagesFetched    int64  `json:"pages_fetched"`
	PagesFailed     int64  `json:"pages_failed"`
	Succeeded       int64  `json:"succeeded"`
	Failed          int64  `json:"failed"`
	Skipped         int64  `json:"skipped"`
}

// Run implements Orchestrator.
func (d *Durable) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := spec.validate(); err != nil {
		return RunResult{}, err
	}
	opts := d.opts.withDefaults(spec)

	gen, err := latestContext(opts.HistoryDir)
	if err != nil {
		return RunResult{}, err
	}
	hist, err := OpenHistory(contextPath(opts.HistoryDir, gen))
	if err != nil {
		return RunResult{}, err
	}
	// hist is swapped on continuation; close whichever context is current.
	defer func() { hist.Close() }()
	if gen > 0 {
		d.deps.Logger.Info("Resuming execution context", zap.Int("context", gen))
	}

	var state contextState
	if err := hist.Step("begin", &state, func() (any, error) {
		return contextState{}, nil
	}); err != nil {
		return RunResult{}, err
	}

	if state.StagingManifest == "" {
		var disc discoverResult
		if err := hist.Step("discover", &disc, func() (any, error) {
			return d.discover(ctx, spec, opts.StagingDir)
		}); err != nil {
			return RunResult{}, fmt.Errorf("discover: %w", err)
		}
		state.StagingManifest = disc.ManifestPath
		state.TotalDocs = disc.TotalDocs
		state.PagesFetched = disc.PagesFetched
		state.PagesFailed = disc.PagesFailed
		d.deps.Logger.Info("Discovery complete", zap.Int("documents", disc.TotalDocs))
	}

	staged, err := loadStagingManifest(state.StagingManifest)
	if err != nil {
		return RunResult{}, err
	}
	batches := partition(staged, opts.BatchSize)

	dispatched := 0
	for i := state.NextBatch; i < len(batches); {
		end := i + opts.MaxParallelBatches
		if end > len(batches) {
			end = len(batches)
		}

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for j := i; j < end; j++ {
			j := j
			batch := batches[j]
			g.Go(func() error {
				var res batchResult
				if err := hist.Step(batchStepID(j), &res, func() (any, error) {
					metrics.ObserveBatch()
					return d.runBatch(gctx, spec, batch, j, opts.HistoryDir)
				}); err != nil {
					return err
				}
				mu.Lock()
				state.Succeeded += res.Succeeded
				state.Failed += res.Failed
				state.Skipped += res.Skipped
				mu.Unlock()
				if len(res.FailedURLs) > 0 {
					d.deps.Logger.Warn("Batch finished with failures",
						zap.Int("batch", j),
						zap.Strings("urls", res.FailedURLs),
					)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return RunResult{}, err
		}

		for j := i; j < end; j++ {
			dispatched += len(batches[j])
		}
		i = end
		state.NextBatch = i

		if dispatched >= opts.ContinueAfterDocs && i < len(batches) {
			hist, gen, err = d.continueAsNew(hist, gen, opts.HistoryDir, state)
			if err != nil {
				return RunResult{}, err
			}
			dispatched = 0
		}
	}

	var path string
	if err := hist.Step("assemble", &path, func() (any, error) {
		p, err := spec.writeManifest(d.deps.Store)
		if err != nil {
			return nil, err
		}
		return p, nil
	}); err != nil {
		return RunResult{}, err
	}

	// Run finished: the checkpoint store holds everything worth keeping.
	if err := hist.Remove(); err != nil {
		d.deps.Logger.Warn("Failed to remove history", zap.Error(err))
	}
	_ = os.Remove(opts.HistoryDir)
	if err := os.RemoveAll(opts.StagingDir); err != nil {
		d.deps.Logger.Warn("Failed to remove staging dir", zap.Error(err))
	}

	d.deps.Logger.Info("Durable run complete",
		zap.Int("documents", state.TotalDocs),
		zap.Int64("summaries", state.Succeeded),
		zap.Int64("failures", state.Failed),
		zap.Int64("skipped", state.Skipped),
		zap.Int("contexts", gen+1),
		zap.String("manifest", path),
	)
	return RunResult{
		PagesFetched: state.PagesFetched,
		PagesFailed:  state.PagesFailed,
		Succeeded:    state.Succeeded,
		Failed:       state.Failed,
		Skipped:      state.Skipped,
		ManifestPath: path,
	}, nil
}

// continueAsNew seals the current context and starts a successor carrying
// only the minimal resume state, then truncates the predecessor's history.
func (d *Durable) continueAsNew(hist *History, gen int, historyDir string, state contextState) (*History, int, error) {
	metrics.ObserveContinuation()
	next := gen + 1

	succ, err := OpenHistory(contextPath(historyDir, next))
	if err != nil {
		return hist, gen, err
	}
	carried := state
	if err := succ.Step("begin", nil, func() (any, error) {
		return carried, nil
	}); err != nil {
		succ.Close()
		return hist, gen, err
	}
	if err := hist.Remove(); err != nil {
		d.deps.Logger.Warn("Failed to truncate predecessor history", zap.Error(err))
	}

	d.deps.Logger.Info("Continuing in fresh execution context",
		zap.Int("context", next),
		zap.Int("next_batch", state.NextBatch),
	)
	return succ, next, nil
}

// discover crawls the seeds to completion and parks every extracted document
// in the staging directory, returning the staging manifest.
func (d *Durable) discover(ctx context.Context, spec RunSpec, stagingDir string) (discoverResult, error) {
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return discoverResult{}, fmt.Errorf("create staging dir: %w", err)
	}

	seeds, err := spec.resolveSeeds()
	if err != nil {
		return discoverResult{}, err
	}
	crawler := crawl.NewEngine(
		spec.crawlConfig(),
		d.deps.Fetcher,
		d.deps.Extractor,
		d.deps.Retry,
		d.deps.Logger,
	)

	var entries []stagedDoc
	for doc := range crawler.Run(ctx, seeds) {
		sum := sha256.Sum256([]byte(doc.URL))
		path := filepath.Join(stagingDir, hex.EncodeToString(sum[:8])+".txt")
		if err := os.WriteFile(path, []byte(doc.Text), 0o600); err != nil {
			return discoverResult{}, fmt.Errorf("stage content for %s: %w", doc.URL, err)
		}
		entries = append(entries, stagedDoc{
			URL:         doc.URL,
			Title:       doc.Title,
			Depth:       doc.Depth,
			ContentFile: path,
		})
	}
	if err := ctx.Err(); err != nil {
		return discoverResult{}, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return discoverResult{}, fmt.Errorf("marshal staging manifest: %w", err)
	}
	manifestPath := filepath.Join(stagingDir, "manifest.json")
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return discoverResult{}, fmt.Errorf("write staging manifest: %w", err)
	}

	stats := crawler.Stats()
	return discoverResult{
		ManifestPath: manifestPath,
		TotalDocs:    len(entries),
		PagesFetched: stats.Fetched,
		PagesFailed:  stats.Failed,
	}, nil
}

// runBatch executes one child unit: the batch's documents are summarized
// with the run's summary concurrency limit, each behind its own history step
// so an interrupted batch resumes mid-way. The returned error is non-nil
// only for fatal conditions; per-document failures land in the result.
func (d *Durable) runBatch(ctx context.Context, spec RunSpec, batch []stagedDoc, idx int, historyDir string) (batchResult, error) {
	child, err := OpenHistory(filepath.Join(historyDir, fmt.Sprintf("batch-%04d.jsonl", idx)))
	if err != nil {
		return batchResult{}, err
	}

	engine := summarize.NewEngine(
		spec.summarizeConfig(d.deps),
		d.deps.Summarizer,
		d.deps.Store,
		d.deps.Retry,
		d.deps.Logger,
	)

	limit := spec.SummaryConcurrency
	if limit <= 0 {
		limit = 5
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var res batchResult
	for _, sd := range batch {
		sd := sd
		g.Go(func() error {
			var outcome string
			if err := child.Step("doc:"+sd.URL, &outcome, func() (any, error) {
				return d.processStaged(gctx, engine, sd)
			}); err != nil {
				return err
			}
			mu.Lock()
			switch summarize.Outcome(outcome) {
			case summarize.OutcomeSuccess:
				res.Succeeded++
			case summarize.OutcomeSkipped:
				res.Skipped++
			default:
				res.Failed++
				res.FailedURLs = append(res.FailedURLs, sd.URL)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		child.Close()
		return batchResult{}, err
	}
	sort.Strings(res.FailedURLs)

	// The batch is retired; its completion lives in the parent history.
	if err := child.Remove(); err != nil {
		d.deps.Logger.Warn("Failed to retire batch history", zap.Int("batch", idx), zap.Error(err))
	}
	return res, nil
}

func (d *Durable) processStaged(ctx context.Context, engine *summarize.Engine, sd stagedDoc) (any, error) {
	text, err := os.ReadFile(sd.ContentFile)
	if err != nil {
		// Staged content lost between contexts: record the failure so the
		// run output reports it, then move on.
		rec := checkpoint.Record{
			URL:       sd.URL,
			Title:     sd.Title,
			Status:    checkpoint.StatusFailed,
			Error:     fmt.Sprintf("staged content unavailable: %v", err),
			UpdatedAt: time.Now().UTC(),
		}
		if perr := d.deps.Store.Put(ctx, rec); perr != nil {
			return nil, fmt.Errorf("checkpoint write for %s: %w", sd.URL, perr)
		}
		return string(summarize.OutcomeFailed), nil
	}

	outcome, err := engine.ProcessDocument(ctx, crawl.PageDocument{
		URL:   sd.URL,
		Depth: sd.Depth,
		Title: sd.Title,
		Text:  string(text),
	})
	if err != nil {
		return nil, err
	}
	return string(outcome), nil
}

func loadStagingManifest(path string) ([]stagedDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read staging manifest: %w", err)
	}
	var staged []stagedDoc
	if err := json.Unmarshal(data, &staged); err != nil {
		return nil, fmt.Errorf("decode staging manifest: %w", err)
	}
	return staged, nil
}

func partition(staged []stagedDoc, size int) [][]stagedDoc {
	var batches [][]stagedDoc
	for start := 0; start < len(staged); start += size {
		end := start + size
		if end > len(staged) {
			end = len(staged)
		}
		batches = append(batches, staged[start:end])
	}
	return batches
}

func batchStepID(idx int) string {
	return fmt.Sprintf("batch-%04d", idx)
}

func contextPath(dir string, gen int) string {
	return filepath.Join(dir, fmt.Sprintf("parent-%04d.jsonl", gen))
}

// latestContext returns the highest numbered parent context present in dir,
// or zero when none exists.
func latestContext(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan history dir: %w", err)
	}
	latest := 0
	for _, entry := range entries {
		name := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), "parent-"), ".jsonl")
		if name == entry.Name() {
			continue
		}
		gen, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if gen > latest {
			latest = gen
		}
	}
	return latest, nil
}
