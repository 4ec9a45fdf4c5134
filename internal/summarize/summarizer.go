// Package summarize invokes the summarization capability over discovered
// documents with bounded concurrency and checkpoint-gated deduplication.
package summarize

import (
	"context"
	"fmt"
	"strings"
)

// DefaultPrompt guides the model toward llms.txt-style page descriptions.
const DefaultPrompt = "You are creating a summary for a webpage to be used in a llms.txt file " +
	"to help LLMs in the future know what is on this page. Produce a concise " +
	"summary of the key items on this page and when an LLM should access it."

// Summarizer is the external summarization capability. Implementations may
// fail or be slow; callers own retry and timeout policy.
type Summarizer interface {
	Summarize(ctx context.Context, text, prompt string) (string, error)
}

// ProviderConfig selects and configures a Summarizer implementation at
// construction time.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// MaxInputChars truncates document text before it is sent to the
	// provider. Zero means no truncation.
	MaxInputChars int
}

// NewSummarizer builds the provider named by cfg.Provider.
func NewSummarizer(cfg ProviderConfig) (Summarizer, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(cfg)
	case "static":
		return NewStatic(0), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}

// Static is a deterministic offline provider: the summary is a collapsed
// leading excerpt of the document text. Useful for dry runs and tests.
type Static struct {
	maxRunes int
}

// NewStatic builds a Static provider; maxRunes <= 0 selects the default cap.
func NewStatic(maxRunes int) *Static {
	if maxRunes <= 0 {
		maxRunes = 280
	}
	return &Static{maxRunes: maxRunes}
}

// Summarize implements Summarizer.
func (s *Static) Summarize(_ context.Context, text, _ string) (string, error) {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= s.maxRunes {
		return collapsed, nil
	}
	return string(runes[:s.maxRunes]), nil
}
