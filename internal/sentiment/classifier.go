package sentiment

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// initState tracks the lazy classifier's lifecycle. The term index is
// built on first use; concurrent first callers share one build instead of
// racing to do it N times.
type initState int

const (
	stateUninitialized initState = iota
	stateLoading
	stateReady
)

// LexiconClassifier scores post text against weighted bullish and bearish
// term lists. It is deliberately transparent: the aggregate report's
// credibility comes from the weighting policy, not from the per-post
// scorer.
type LexiconClassifier struct {
	mu    sync.Mutex
	state initState
	ready chan struct{}
	index map[string]float64
	err   error
}

// NewLexiconClassifier creates a classifier. The term index is not built
// until the first Classify call.
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{ready: make(chan struct{})}
}

// Classify scores text. The first call (or concurrent first calls) builds
// the term index; everyone else waits for that one build.
func (c *LexiconClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	if err := c.ensureReady(ctx); err != nil {
		return Classification{}, err
	}

	var score float64
	var hits int
	for _, tok := range tokenize(text) {
		if w, ok := c.index[tok]; ok {
			score += w
			hits++
		}
	}

	if hits == 0 {
		// No signal terms at all: neutral, but low confidence.
		return Classification{Label: Neutral, Score: 0, Confidence: 0.5}, nil
	}

	// Normalize to [-1, 1] and let agreement between terms raise
	// confidence.
	norm := score / float64(hits)
	if norm > 1 {
		norm = 1
	} else if norm < -1 {
		norm = -1
	}
	confidence := 0.6 + 0.1*float64(min(hits, 4))

	cl := Classification{Score: norm, Confidence: confidence}
	switch {
	case norm > 0.1:
		cl.Label = Bullish
	case norm < -0.1:
		cl.Label = Bearish
	default:
		cl.Label = Neutral
	}
	return cl, nil
}

// ensureReady performs the single shared initialization.
func (c *LexiconClassifier) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return c.err
	case stateLoading:
		ready := c.ready
		c.mu.Unlock()
		select {
		case <-ready:
			return c.err
		case <-ctx.Done():
			return fmt.Errorf("waiting for classifier init: %w", ctx.Err())
		}
	}

	c.state = stateLoading
	c.mu.Unlock()

	index := buildIndex()

	c.mu.Lock()
	c.index = index
	c.state = stateReady
	close(c.ready)
	c.mu.Unlock()
	return nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '$'
	})
}

// buildIndex assembles the weighted term lexicon. Kept as a function so
// the cost lands on first use, mirroring how a real model load would.
func buildIndex() map[string]float64 {
	index := make(map[string]float64, 64)
	for term, w := range map[string]float64{
		"bullish": 1, "buy": 0.8, "long": 0.6, "calls": 0.7, "moon": 0.9,
		"rally": 0.8, "breakout": 0.8, "upgrade": 0.9, "beat": 0.7,
		"beats": 0.7, "strong": 0.6, "growth": 0.6, "undervalued": 0.8,
		"upside": 0.7, "soar": 0.9, "surge": 0.8, "record": 0.5,
		"outperform": 0.9, "winner": 0.7, "rocket": 0.8,
	} {
		index[term] = w
	}
	for term, w := range map[string]float64{
		"bearish": 1, "sell": 0.8, "short": 0.6, "puts": 0.7, "crash": 1,
		"dump": 0.8, "downgrade": 0.9, "miss": 0.7, "missed": 0.7,
		"weak": 0.6, "decline": 0.6, "overvalued": 0.8, "downside": 0.7,
		"plunge": 0.9, "tank": 0.8, "bubble": 0.7, "lawsuit": 0.6,
		"underperform": 0.9, "loser": 0.7, "bankruptcy": 1,
	} {
		index[term] = -w
	}
	return index
}
