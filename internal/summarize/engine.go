package summarize

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sitescribe/sitescribe/internal/checkpoint"
	"github.com/sitescribe/sitescribe/internal/crawl"
	"github.com/sitescribe/sitescribe/internal/manifest"
	"github.com/sitescribe/sitescribe/internal/metrics"
	"github.com/sitescribe/sitescribe/internal/retry"
)

// Outcome classifies how a document was handled.
type Outcome string

// Outcome values.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Config controls engine behavior.
type Config struct {
	Concurrency int
	Prompt      string
	// SummariesDir, when set, receives one formatted summary file per URL.
	SummariesDir string
	// Blacklist holds normalized URLs that must never be summarized.
	Blacklist map[string]struct{}
	// Refresh re-summarizes URLs that already carry a success record,
	// used when updating the descriptions of an existing manifest.
	Refresh bool
}

// Counters tallies outcomes for a run.
type Counters struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
}

// Engine drives the summarization capability over a document stream,
// consulting and updating the checkpoint store.
type Engine struct {
	cfg    Config
	llm    Summarizer
	store  checkpoint.Store
	retry  retry.Policy
	logger *zap.Logger
	now    func() time.Time

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewEngine builds a summarization engine.
func NewEngine(cfg Config, llm Summarizer, store checkpoint.Store, policy retry.Policy, logger *zap.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if policy == nil {
		policy = retry.NewExponential()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		llm:    llm,
		store:  store,
		retry:  policy,
		logger: logger,
		now:    time.Now,
	}
}

// Run consumes documents until the stream closes, dispatching at most
// Concurrency summarization calls at a time. It returns a non-nil error only
// on fatal failures (checkpoint persistence), which abort the run.
func (e *Engine) Run(ctx context.Context, docs <-chan crawl.PageDocument) (Counters, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.cfg.Concurrency))

	for doc := range docs {
		if gctx.Err() != nil {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		doc := doc
		g.Go(func() error {
			defer sem.Release(1)
			_, err := e.ProcessDocument(gctx, doc)
			return err
		})
	}

	err := g.Wait()
	return e.Counters(), err
}

// Counters reports outcome tallies so far.
func (e *Engine) Counters() Counters {
	return Counters{
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Skipped:   e.skipped.Load(),
	}
}

// ProcessDocument runs the checkpoint-gated summarization of one document.
// A summarization failure is recorded and reported as OutcomeFailed; the
// returned error is non-nil only for fatal conditions (checkpoint write
// failure or run cancellation).
func (e *Engine) ProcessDocument(ctx context.Context, doc crawl.PageDocument) (Outcome, error) {
	if _, banned := e.cfg.Blacklist[doc.URL]; banned {
		e.skipped.Add(1)
		metrics.ObserveSummary(string(OutcomeSkipped), 0)
		e.logger.Info("Skipping blacklisted URL", zap.String("url", doc.URL))
		return OutcomeSkipped, nil
	}

	if !e.cfg.Refresh {
		if rec, ok := e.store.Get(doc.URL); ok && rec.Status == checkpoint.StatusSuccess {
			e.skipped.Add(1)
			metrics.ObserveSummary(string(OutcomeSkipped), 0)
			e.logger.Debug("Already summarized", zap.String("url", doc.URL))
			return OutcomeSkipped, nil
		}
	}

	start := e.now()
	metrics.IncActiveSummaries()
	summary, attempts, err := e.summarizeWithRetry(ctx, doc.Text)
	metrics.DecActiveSummaries()

	if err != nil {
		// Cancellation is not a verdict on the document; leave no failed
		// record behind so a resumed run tries again.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		rec := checkpoint.Record{
			URL:       doc.URL,
			Title:     doc.Title,
			Status:    checkpoint.StatusFailed,
			Attempts:  attempts,
			Error:     err.Error(),
			UpdatedAt: e.now().UTC(),
		}
		if perr := e.store.Put(ctx, rec); perr != nil {
			return "", fmt.Errorf("checkpoint write for %s: %w", doc.URL, perr)
		}
		e.failed.Add(1)
		metrics.ObserveSummary(string(OutcomeFailed), e.now().Sub(start))
		e.logger.Warn("Summarization failed",
			zap.String("url", doc.URL),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return OutcomeFailed, nil
	}

	rec := checkpoint.Record{
		URL:       doc.URL,
		Title:     doc.Title,
		Summary:   manifest.Collapse(summary),
		Status:    checkpoint.StatusSuccess,
		Attempts:  attempts,
		UpdatedAt: e.now().UTC(),
	}
	if perr := e.store.Put(ctx, rec); perr != nil {
		return "", fmt.Errorf("checkpoint write for %s: %w", doc.URL, perr)
	}

	if e.cfg.SummariesDir != "" {
		if werr := e.writeSummaryFile(rec); werr != nil {
			e.logger.Warn("Failed to write summary file", zap.String("url", doc.URL), zap.Error(werr))
		}
	}

	e.succeeded.Add(1)
	metrics.ObserveSummary(string(OutcomeSuccess), e.now().Sub(start))
	e.logger.Info("Summarized", zap.String("url", doc.URL), zap.Int("attempts", attempts))
	return OutcomeSuccess, nil
}

func (e *Engine) summarizeWithRetry(ctx context.Context, text string) (string, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts++
		summary, err := e.llm.Summarize(ctx, text, e.cfg.Prompt)
		if err == nil {
			return summary, attempts, nil
		}
		lastErr = err
		if !e.retry.ShouldRetry(err, attempt+1) {
			break
		}
		if werr := retry.Wait(ctx, e.retry.Backoff(attempt)); werr != nil {
			break
		}
	}
	return "", attempts, lastErr
}

func (e *Engine) writeSummaryFile(rec checkpoint.Record) error {
	if err := os.MkdirAll(e.cfg.SummariesDir, 0o750); err != nil {
		return fmt.Errorf("create summaries dir: %w", err)
	}
	path := filepath.Join(e.cfg.SummariesDir, SummaryFilename(rec.URL))
	entry := manifest.FormatEntry(rec.Title, rec.URL, rec.Summary)
	if err := os.WriteFile(path, []byte(entry), 0o600); err != nil {
		return fmt.Errorf("write summary file: %w", err)
	}
	return nil
}

// SummaryFilename derives a flat filename from a URL: host and path joined
// with underscores, a short URL hash, ".txt" suffixed. The hash keeps URLs
// that flatten to the same name ("/a/b" vs "/a_b") from sharing a file.
func SummaryFilename(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		name = u.Host + u.Path
	}
	name = strings.Trim(strings.ReplaceAll(name, "/", "_"), "_")
	if name == "" {
		name = "index"
	}
	sum := sha256.Sum256([]byte(rawURL))
	return name + "-" + hex.EncodeToString(sum[:4]) + ".txt"
}

// LoadBlacklist reads a newline-delimited URL exclusion file. URLs are
// normalized with the crawl engine's rule so they match document URLs; lines
// that fail to normalize are kept verbatim. Blank lines and '#' comments are
// ignored. A missing path yields an empty set.
func LoadBlacklist(path string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if path == "" {
		return out, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blacklist file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if norm, err := crawl.NormalizeURL(line); err == nil {
			out[norm] = struct{}{}
		} else {
			out[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blacklist file: %w", err)
	}
	return out, nil
}
