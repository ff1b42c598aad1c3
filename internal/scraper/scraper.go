// Package scraper fetches news articles, extracts their readable text, and
// indexes them into the knowledge store so search_knowledge_base can ground
// answers in recent coverage.
package scraper

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/stockdesk/internal/knowledge"
	"github.com/koopa0/stockdesk/internal/log"
)

const (
	// MaxArticles caps one indexing request.
	MaxArticles = 20

	// workers bounds concurrent fetches.
	workers = 5

	// minContentLength drops pages whose extracted text is too short to
	// be a real article (paywalls, consent walls, link farms).
	minContentLength = 200

	// maxContentLength truncates extracted text before embedding.
	maxContentLength = 8000

	fetchTimeout = 20 * time.Second
)

// ErrTooManyArticles indicates the request exceeded MaxArticles.
var ErrTooManyArticles = errors.New("too many articles")

// Article is one URL to index.
type Article struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Stats reports what happened to one indexing batch.
type Stats struct {
	Scraped  int `json:"scraped"`
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Index is the knowledge-store surface the indexer needs.
type Index interface {
	Add(ctx context.Context, doc knowledge.Document) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Indexer scrapes and indexes article batches.
type Indexer struct {
	index      Index
	logger     log.Logger
	httpClient *http.Client
}

// NewIndexer creates an Indexer backed by index.
func NewIndexer(index Index, logger log.Logger) (*Indexer, error) {
	if index == nil {
		return nil, errors.New("knowledge index is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Indexer{
		index:      index,
		logger:     logger,
		httpClient: &http.Client{Timeout: fetchTimeout},
	}, nil
}

// DocumentID derives the stable document id for an article URL. The hash
// keeps ids short while making re-indexing the same URL idempotent.
func DocumentID(ticker, articleURL string) string {
	sum := md5.Sum([]byte(articleURL))
	return fmt.Sprintf("%s_news_%x", strings.ToUpper(ticker), sum[:6])
}

// IndexArticles fetches up to MaxArticles concurrently, extracts readable
// text, and upserts each into the knowledge store under the news
// namespace. Already-indexed URLs are skipped; individual failures are
// counted, not fatal.
func (ix *Indexer) IndexArticles(ctx context.Context, ticker string, articles []Article) (Stats, error) {
	if len(articles) > MaxArticles {
		return Stats{}, fmt.Errorf("%w: %d articles, limit %d", ErrTooManyArticles, len(articles), MaxArticles)
	}

	type outcome int
	const (
		outcomeEmbedded outcome = iota
		outcomeFailed
		outcomeSkipped
	)

	outcomes := make([]outcome, len(articles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, article := range articles {
		g.Go(func() error {
			switch err := ix.indexOne(gctx, ticker, article); {
			case errors.Is(err, errAlreadyIndexed):
				outcomes[i] = outcomeSkipped
			case err != nil:
				ix.logger.Warn("article indexing failed",
					"url", article.URL,
					"ticker", ticker,
					"error", err)
				outcomes[i] = outcomeFailed
			default:
				outcomes[i] = outcomeEmbedded
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, o := range outcomes {
		switch o {
		case outcomeEmbedded:
			stats.Scraped++
			stats.Embedded++
		case outcomeFailed:
			stats.Failed++
		case outcomeSkipped:
			stats.Skipped++
		}
	}

	ix.logger.Info("article batch indexed",
		"ticker", ticker,
		"embedded", stats.Embedded,
		"failed", stats.Failed,
		"skipped", stats.Skipped)
	return stats, nil
}

var errAlreadyIndexed = errors.New("already indexed")

func (ix *Indexer) indexOne(ctx context.Context, ticker string, article Article) error {
	docID := DocumentID(ticker, article.URL)

	exists, err := ix.index.Exists(ctx, docID)
	if err != nil {
		return fmt.Errorf("checking index: %w", err)
	}
	if exists {
		return errAlreadyIndexed
	}

	content, title, err := ix.extract(ctx, article.URL)
	if err != nil {
		return err
	}
	if article.Title != "" {
		title = article.Title
	}

	doc := knowledge.Document{
		ID:      docID,
		Content: title + "\n\n" + content,
		Metadata: map[string]string{
			"namespace": knowledge.NamespaceNews,
			"ticker":    strings.ToUpper(ticker),
			"url":       article.URL,
			"title":     title,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := ix.index.Add(ctx, doc); err != nil {
		return fmt.Errorf("adding to index: %w", err)
	}
	return nil
}

// extract fetches the page and pulls out its readable text.
func (ix *Indexer) extract(ctx context.Context, articleURL string) (content, title string, err error) {
	parsed, err := url.Parse(articleURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", "", fmt.Errorf("invalid article URL %q", articleURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "stockdesk/1.0")

	resp, err := ix.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetching article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("fetching article: status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, 5<<20)
	parsedArticle, err := readability.FromReader(body, parsed)
	if err != nil {
		return "", "", fmt.Errorf("extracting readable content: %w", err)
	}

	text := strings.TrimSpace(parsedArticle.TextContent)
	if len(text) < minContentLength {
		return "", "", fmt.Errorf("extracted content too short (%d chars)", len(text))
	}
	if len(text) > maxContentLength {
		text = text[:maxContentLength]
	}
	return text, parsedArticle.Title, nil
}
