package agent

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/stockdesk/internal/cache"
	"github.com/koopa0/stockdesk/internal/forecast"
	"github.com/koopa0/stockdesk/internal/knowledge"
	"github.com/koopa0/stockdesk/internal/log"
	"github.com/koopa0/stockdesk/internal/market"
	"github.com/koopa0/stockdesk/internal/sentiment"
)

// MarketData is the market collaborator surface the executor consumes.
type MarketData interface {
	Quote(ctx context.Context, ticker string) (*market.Quote, error)
	CompanyInfo(ctx context.Context, ticker string) (*market.CompanyInfo, error)
	News(ctx context.Context, ticker string, limit int) ([]market.NewsArticle, error)
	Financials(ctx context.Context, ticker string) ([]market.FinancialsReport, error)
	Dividends(ctx context.Context, ticker string) ([]market.Dividend, error)
	Splits(ctx context.Context, ticker string) ([]market.Split, error)
	PriceHistory(ctx context.Context, ticker, rangeName string) ([]market.Candle, error)
}

// KnowledgeSearcher backs search_knowledge_base.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// SentimentSource backs get_sentiment.
type SentimentSource interface {
	Aggregate(ctx context.Context, ticker string) (*sentiment.Report, error)
}

// Forecaster backs get_price_forecast.
type Forecaster interface {
	Forecast(ctx context.Context, ticker string) (*forecast.Forecast, error)
}

// Executor runs tool calls: schema validation, cache lookup, collaborator
// call, cache store. Every call yields exactly one result, failures
// included; that pairing is what the loop's protocol check relies on.
type Executor struct {
	registry   *Registry
	market     MarketData
	knowledge  KnowledgeSearcher // nil when no index is configured
	sentiment  SentimentSource
	forecaster Forecaster
	store      *cache.Store
	logger     log.Logger
	topK       int
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Registry   *Registry
	Market     MarketData
	Knowledge  KnowledgeSearcher // optional
	Sentiment  SentimentSource
	Forecaster Forecaster
	Cache      *cache.Store
	Logger     log.Logger

	// TopK is how many knowledge results a search returns. Zero means 5.
	TopK int
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Market == nil {
		return nil, errors.New("market collaborator is required")
	}
	if cfg.Sentiment == nil {
		return nil, errors.New("sentiment collaborator is required")
	}
	if cfg.Forecaster == nil {
		return nil, errors.New("forecaster is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	return &Executor{
		registry:   cfg.Registry,
		market:     cfg.Market,
		knowledge:  cfg.Knowledge,
		sentiment:  cfg.Sentiment,
		forecaster: cfg.Forecaster,
		store:      cfg.Cache,
		logger:     cfg.Logger,
		topK:       topK,
	}, nil
}

// ExecuteAll runs every call concurrently and returns results in call
// order: results[i] always answers calls[i]. It never returns fewer or
// more results than calls.
func (e *Executor) ExecuteAll(ctx context.Context, calls []ToolCall, snap *cache.Snapshot) []ToolResult {
	results := make([]ToolResult, len(calls))
	layered := cache.NewLayered(snap, e.store)

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.execute(gctx, call, layered)
			return nil
		})
	}
	// Workers never return errors; failures live inside the results.
	_ = g.Wait()
	return results
}

func (e *Executor) execute(ctx context.Context, call ToolCall, layered *cache.Layered) ToolResult {
	result := ToolResult{CallID: call.ID, Name: call.Name}

	tool, err := e.registry.Lookup(call.Name)
	if err != nil {
		result.Err = NewToolError(CodeInvalidArgument, "no such tool: %s", call.Name)
		return result
	}

	args, toolErr := tool.ValidateArgs(call.Args)
	if toolErr != nil {
		result.Err = toolErr
		return result
	}

	key, cacheable := tool.CacheKey(args)
	if cacheable {
		if payload, ok := layered.Get(key); ok {
			e.logger.Debug("tool cache hit", "tool", call.Name, "key", key)
			result.Payload = payload
			return result
		}
	}

	payload, toolErr := e.dispatch(ctx, call.Name, args)
	if toolErr != nil {
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"code", toolErr.Code,
			"error", toolErr.Message)
		result.Err = toolErr
		return result
	}

	data, err := json.Marshal(payload)
	if err != nil {
		result.Err = NewToolError(CodeUpstreamError, "encoding %s result: %v", call.Name, err)
		return result
	}

	if cacheable {
		layered.Set(key, data, tool.TTL())
	}
	result.Payload = data
	return result
}

// dispatch routes a validated call to its collaborator.
func (e *Executor) dispatch(ctx context.Context, name string, args map[string]any) (any, *ToolError) {
	ticker, _ := args["ticker"].(string)

	switch name {
	case "get_stock_quote":
		return upstream(e.market.Quote(ctx, ticker))

	case "get_company_info":
		return upstream(e.market.CompanyInfo(ctx, ticker))

	case "get_financials":
		return upstream(e.market.Financials(ctx, ticker))

	case "search_news":
		limit := 10
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		return upstream(e.market.News(ctx, ticker, limit))

	case "search_knowledge_base":
		return e.searchKnowledge(ctx, args)

	case "get_sentiment":
		return upstream(e.sentiment.Aggregate(ctx, ticker))

	case "get_price_forecast":
		return upstream(e.forecaster.Forecast(ctx, ticker))

	case "get_dividends":
		return upstream(e.market.Dividends(ctx, ticker))

	case "get_splits":
		return upstream(e.market.Splits(ctx, ticker))

	case "get_price_history":
		rangeName, _ := args["range"].(string)
		if !market.ValidRange(rangeName) {
			return nil, NewToolError(CodeInvalidArgument, "unknown range %q; use 1d, 5d, 1mo, 3mo, 6mo, 1y, or 5y", rangeName)
		}
		return upstream(e.market.PriceHistory(ctx, ticker, rangeName))

	default:
		// Unreachable: Lookup already rejected unknown names.
		return nil, NewToolError(CodeInvalidArgument, "no such tool: %s", name)
	}
}

// knowledgeHit is the model-facing shape of one knowledge result.
type knowledgeHit struct {
	Content    string  `json:"content"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Similarity float32 `json:"similarity"`
}

func (e *Executor) searchKnowledge(ctx context.Context, args map[string]any) (any, *ToolError) {
	type response struct {
		Configured bool           `json:"configured"`
		Results    []knowledgeHit `json:"results"`
	}

	if e.knowledge == nil {
		// No index configured: tell the model honestly rather than
		// erroring, so it can answer from other tools.
		return response{Configured: false, Results: []knowledgeHit{}}, nil
	}

	query, _ := args["query"].(string)
	if ticker, ok := args["ticker"].(string); ok && ticker != "" {
		query = ticker + " " + query
	}

	results, err := e.knowledge.Search(ctx, query, knowledge.WithTopK(e.topK))
	if err != nil {
		return nil, NewToolError(CodeUpstreamError, "knowledge search failed: %v", err)
	}

	hits := make([]knowledgeHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, knowledgeHit{
			Content:    r.Document.Content,
			Title:      r.Document.Metadata["title"],
			URL:        r.Document.Metadata["url"],
			Similarity: r.Similarity,
		})
	}
	return response{Configured: true, Results: hits}, nil
}

// upstream converts a collaborator (value, error) pair into the executor's
// (payload, *ToolError) shape, classifying failures as UPSTREAM_ERROR.
func upstream[T any](value T, err error) (any, *ToolError) {
	if err != nil {
		return nil, NewToolError(CodeUpstreamError, "%v", err)
	}
	return value, nil
}
