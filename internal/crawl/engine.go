package crawl

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sitescribe/sitescribe/internal/metrics"
	"github.com/sitescribe/sitescribe/internal/retry"
)

const queueBuffer = 1024

// Config holds the settings for a crawl run.
type Config struct {
	MaxDepth    int
	Concurrency int
}

// Stats counts fetch outcomes for a finished run. Read it only after the
// document channel has closed.
type Stats struct {
	Fetched int64
	Failed  int64
}

// Engine discovers reachable pages from a set of seeds, deduplicating by
// normalized URL and bounding fetch concurrency.
type Engine struct {
	cfg       Config
	fetcher   Fetcher
	extractor Extractor
	retry     retry.Policy
	logger    *zap.Logger

	fetched atomic.Int64
	failed  atomic.Int64
}

// NewEngine builds a crawl engine.
func NewEngine(cfg Config, fetcher Fetcher, extractor Extractor, policy retry.Policy, logger *zap.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if policy == nil {
		policy = retry.NewExponential()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		retry:     policy,
		logger:    logger,
	}
}

// Run starts the crawl and returns a stream of page documents in completion
// order. The channel closes once the frontier is drained and every in-flight
// fetch has resolved, or promptly after ctx is canceled.
func (e *Engine) Run(ctx context.Context, seeds []string) <-chan PageDocument {
	out := make(chan PageDocument)
	queue := make(chan Task, queueBuffer)
	visited := newVisitedSet()

	// Counts queued plus in-flight tasks. The worker that drops it to zero
	// closes the queue, which terminates the pool.
	var active atomic.Int64

	var tasks []Task
	for _, seed := range seeds {
		norm, err := NormalizeURL(seed)
		if err != nil {
			e.logger.Warn("Skipping invalid seed URL", zap.String("url", seed), zap.Error(err))
			continue
		}
		if !visited.MarkIfNew(norm) {
			continue
		}
		tasks = append(tasks, Task{URL: norm, Depth: 0})
	}
	// Count every seed before the first send so a fast worker draining the
	// early seeds cannot drop active to zero and close the queue mid-seeding.
	if len(tasks) == 0 {
		close(queue)
	} else {
		active.Add(int64(len(tasks)))
	}

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				e.process(ctx, task, queue, out, visited, &active)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	// Seeds go through the non-blocking enqueue: a seed list larger than the
	// queue buffer must not block Run before the pool can drain it.
	for _, task := range tasks {
		e.enqueue(queue, task)
	}
	return out
}

// Stats reports fetch counters for the run.
func (e *Engine) Stats() Stats {
	return Stats{
		Fetched: e.fetched.Load(),
		Failed:  e.failed.Load(),
	}
}

func (e *Engine) process(
	ctx context.Context,
	task Task,
	queue chan Task,
	out chan<- PageDocument,
	visited *visitedSet,
	active *atomic.Int64,
) {
	defer func() {
		if active.Add(-1) == 0 {
			close(queue)
		}
	}()

	if ctx.Err() != nil {
		return
	}

	metrics.IncActiveFetches()
	page, err := e.fetchWithRetry(ctx, task.URL)
	metrics.DecActiveFetches()
	if err != nil {
		e.failed.Add(1)
		metrics.ObservePage("failed")
		e.logger.Warn("Fetch failed, skipping URL",
			zap.String("url", task.URL),
			zap.Int("depth", task.Depth),
			zap.Error(err),
		)
		return
	}

	base := page.FinalURL
	if base == "" {
		base = task.URL
	}
	content, err := e.extractor.Extract(base, page.Body)
	if err != nil {
		e.failed.Add(1)
		metrics.ObservePage("failed")
		e.logger.Warn("Extraction failed, skipping URL", zap.String("url", task.URL), zap.Error(err))
		return
	}
	e.fetched.Add(1)
	metrics.ObservePage("fetched")

	if task.Depth+1 <= e.cfg.MaxDepth {
		for _, link := range content.Links {
			norm, err := NormalizeURL(link)
			if err != nil {
				continue
			}
			if !visited.MarkIfNew(norm) {
				continue
			}
			active.Add(1)
			e.enqueue(queue, Task{URL: norm, Depth: task.Depth + 1})
		}
	}

	doc := PageDocument{
		URL:   task.URL,
		Depth: task.Depth,
		Title: content.Title,
		Text:  content.Text,
		Links: content.Links,
	}
	select {
	case out <- doc:
	case <-ctx.Done():
	}
}

// enqueue never blocks a worker: when the queue buffer is full the send is
// completed from a goroutine. The pending task is already counted in active,
// so the queue cannot close underneath it.
func (e *Engine) enqueue(queue chan Task, task Task) {
	select {
	case queue <- task:
	default:
		go func() { queue <- task }()
	}
}

func (e *Engine) fetchWithRetry(ctx context.Context, rawURL string) (Page, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		page, err := e.fetcher.Fetch(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !e.retry.ShouldRetry(err, attempt+1) {
			break
		}
		e.logger.Debug("Retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if werr := retry.Wait(ctx, e.retry.Backoff(attempt)); werr != nil {
			break
		}
	}
	return Page{}, lastErr
}

// visitedSet tracks normalized URLs already enqueued or fetched.
type visitedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newVisitedSet() *visitedSet {
	return &visitedSet{seen: make(map[string]struct{})}
}

// MarkIfNew records the URL and reports whether it was unseen.
func (v *visitedSet) MarkIfNew(url string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[url]; ok {
		return false
	}
	v.seen[url] = struct{}{}
	return true
}
