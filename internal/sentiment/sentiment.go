// Package sentiment aggregates social-media posts about a ticker into a
// single labeled score. Posts come from pluggable sources, each post is
// classified individually, and the classifications are combined with
// recency and engagement weighting. The classifier is an expensive
// resource initialized on first use.
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/stockdesk/internal/log"
)

// Label is the aggregate or per-post sentiment class.
type Label string

const (
	Bullish Label = "bullish"
	Bearish Label = "bearish"
	Neutral Label = "neutral"
)

// Post is one social-media item about a ticker.
type Post struct {
	Text       string
	Source     string
	CreatedAt  time.Time
	Engagement int
}

// Classification is the classifier's verdict on one post. Score is in
// [-1, 1], Confidence in [0, 1].
type Classification struct {
	Label      Label
	Score      float64
	Confidence float64
}

// Source fetches recent posts about a ticker.
type Source interface {
	Name() string
	Fetch(ctx context.Context, ticker string) ([]Post, error)
}

// Classifier scores a single post's text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Policy holds the aggregation thresholds. The asymmetry (bearish triggers
// closer to zero than bullish) reflects that retail chatter skews positive;
// the numbers are tunable product policy, not model output.
type Policy struct {
	// BullishThreshold is the minimum weighted score for a bullish label.
	BullishThreshold float64
	// BearishThreshold is the maximum weighted score for a bearish label.
	BearishThreshold float64
	// MinConfidence drops classifications the model is unsure about.
	MinConfidence float64
	// NeutralScore is the score a confident-neutral post contributes.
	NeutralScore float64
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		BullishThreshold: 0.3,
		BearishThreshold: -0.15,
		MinConfidence:    0.6,
		NeutralScore:     -0.05,
	}
}

// Report is the aggregate sentiment for one ticker.
type Report struct {
	Ticker    string   `json:"ticker"`
	Label     Label    `json:"label"`
	Score     float64  `json:"score"`
	PostCount int      `json:"post_count"`
	Bullish   int      `json:"bullish"`
	Bearish   int      `json:"bearish"`
	Neutral   int      `json:"neutral"`
	Sources   []string `json:"sources"`
}

// ErrNoPosts indicates no source returned anything usable for the ticker.
var ErrNoPosts = errors.New("no posts found")

// Service fetches, classifies, and aggregates.
type Service struct {
	sources    []Source
	classifier Classifier
	policy     Policy
	logger     log.Logger
	now        func() time.Time
}

// Config configures a Service.
type Config struct {
	Sources    []Source
	Classifier Classifier
	// Policy overrides the aggregation thresholds. Zero value means
	// DefaultPolicy.
	Policy *Policy
	Logger log.Logger
}

// NewService creates a sentiment service.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one post source is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	return &Service{
		sources:    cfg.Sources,
		classifier: cfg.Classifier,
		policy:     policy,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// Aggregate fetches posts from every source concurrently, classifies them,
// and returns the weighted aggregate. A source failing is logged and
// skipped; only all sources failing (or returning nothing) is an error.
func (s *Service) Aggregate(ctx context.Context, ticker string) (*Report, error) {
	var (
		g, gctx = errgroup.WithContext(ctx)
		batches = make([][]Post, len(s.sources))
	)
	for i, src := range s.sources {
		g.Go(func() error {
			posts, err := src.Fetch(gctx, ticker)
			if err != nil {
				s.logger.Warn("sentiment source failed",
					"source", src.Name(),
					"ticker", ticker,
					"error", err)
				return nil
			}
			batches[i] = posts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var posts []Post
	var used []string
	for i, batch := range batches {
		if len(batch) > 0 {
			posts = append(posts, batch...)
			used = append(used, s.sources[i].Name())
		}
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: ticker %s", ErrNoPosts, ticker)
	}

	report := &Report{Ticker: ticker, Sources: used}
	var weightedSum, totalWeight float64
	now := s.now()

	for _, post := range posts {
		cl, err := s.classifier.Classify(ctx, post.Text)
		if err != nil {
			return nil, fmt.Errorf("classifying post: %w", err)
		}
		if cl.Confidence < s.policy.MinConfidence {
			continue
		}

		score := cl.Score
		switch cl.Label {
		case Bullish:
			report.Bullish++
		case Bearish:
			report.Bearish++
		default:
			report.Neutral++
			score = s.policy.NeutralScore
		}
		report.PostCount++

		w := recencyWeight(now.Sub(post.CreatedAt)) * engagementWeight(post.Engagement) * cl.Confidence
		weightedSum += score * w
		totalWeight += w
	}

	if report.PostCount == 0 {
		return nil, fmt.Errorf("%w: no post cleared the confidence floor for %s", ErrNoPosts, ticker)
	}

	report.Score = math.Round(weightedSum/totalWeight*1000) / 1000
	report.Label = s.labelOf(report.Score)
	return report, nil
}

func (s *Service) labelOf(score float64) Label {
	switch {
	case score >= s.policy.BullishThreshold:
		return Bullish
	case score <= s.policy.BearishThreshold:
		return Bearish
	default:
		return Neutral
	}
}

// recencyWeight favors fresh chatter: posts under a day old count double,
// under three days count 1.5x, older count once.
func recencyWeight(age time.Duration) float64 {
	switch {
	case age < 24*time.Hour:
		return 2.0
	case age < 72*time.Hour:
		return 1.5
	default:
		return 1.0
	}
}

// engagementWeight damps raw like/upvote counts logarithmically so one
// viral post cannot dominate the aggregate.
func engagementWeight(engagement int) float64 {
	if engagement < 0 {
		engagement = 0
	}
	return 1 + math.Log1p(float64(engagement))
}
