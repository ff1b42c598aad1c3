package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/koopa0/stockdesk/internal/cache"
)

// Tool input types. Schemas are derived from these structs; the
// description tags become the parameter documentation the model sees.

// TickerInput is the argument shape shared by most market-data tools.
type TickerInput struct {
	Ticker string `json:"ticker" jsonschema_description:"Stock ticker symbol, e.g. AAPL"`
}

// NewsInput selects recent news for a ticker.
type NewsInput struct {
	Ticker string `json:"ticker" jsonschema_description:"Stock ticker symbol, e.g. AAPL"`
	Limit  int    `json:"limit,omitempty" jsonschema_description:"Maximum number of articles to return (default 10)"`
}

// KnowledgeSearchInput queries the indexed research knowledge base.
type KnowledgeSearchInput struct {
	Query  string `json:"query" jsonschema_description:"Natural-language search query"`
	Ticker string `json:"ticker,omitempty" jsonschema_description:"Optional ticker to bias the search toward"`
}

// PriceHistoryInput selects daily bars over a named range.
type PriceHistoryInput struct {
	Ticker string `json:"ticker" jsonschema_description:"Stock ticker symbol, e.g. AAPL"`
	Range  string `json:"range" jsonschema_description:"History window: 1d, 5d, 1mo, 3mo, 6mo, 1y, or 5y"`
}

// Tool is one entry in the fixed catalog: name, schema, and cache policy.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the tool's arguments, also the
	// source for the model-facing function declaration.
	Schema   *jsonschema.Schema
	resolved *jsonschema.Resolved

	// ttl is the server-cache freshness window. cache.NoExpiry keeps
	// results for the process lifetime; zero disables caching entirely.
	ttl time.Duration

	// cacheKind is the key's first segment; empty means the tool's
	// results are never cached.
	cacheKind string

	// keyExtra names an argument appended as the key's third segment
	// (the price-history range).
	keyExtra string
}

// Cacheable reports whether results of this tool enter the cache at all.
func (t *Tool) Cacheable() bool {
	return t.cacheKind != "" && t.ttl != 0
}

// TTL returns the server-cache freshness window.
func (t *Tool) TTL() time.Duration {
	return t.ttl
}

// CacheKey derives the cache key for validated args. ok is false when the
// tool is uncacheable or the args carry no ticker.
func (t *Tool) CacheKey(args map[string]any) (key string, ok bool) {
	if !t.Cacheable() {
		return "", false
	}
	ticker, _ := args["ticker"].(string)
	if ticker == "" {
		return "", false
	}
	if t.keyExtra != "" {
		extra, _ := args[t.keyExtra].(string)
		return cache.Key(t.cacheKind, ticker, extra), true
	}
	return cache.Key(t.cacheKind, ticker), true
}

// ValidateArgs checks raw against the tool's schema and returns the
// decoded argument map. Schema violations come back as INVALID_ARGUMENT
// tool errors.
func (t *Tool) ValidateArgs(raw json.RawMessage) (map[string]any, *ToolError) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, NewToolError(CodeInvalidArgument, "arguments are not a JSON object: %v", err)
	}
	if err := t.resolved.Validate(args); err != nil {
		return nil, NewToolError(CodeInvalidArgument, "invalid arguments for %s: %v", t.Name, err)
	}
	if ticker, present := args["ticker"]; present {
		s, ok := ticker.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, NewToolError(CodeInvalidArgument, "ticker must be a non-empty string")
		}
	}
	return args, nil
}

// Registry is the fixed tool catalog. Built once at startup; read-only
// afterwards, so safe for concurrent use.
type Registry struct {
	tools []*Tool
	byName map[string]*Tool
}

// NewRegistry builds the catalog. The tool set is fixed; the model can
// never talk the executor into running anything outside it.
func NewRegistry() (*Registry, error) {
	specs := []struct {
		name        string
		description string
		schemaFor   func() (*jsonschema.Schema, error)
		ttl         time.Duration
		cacheKind   string
		keyExtra    string
	}{
		{
			name:        "get_stock_quote",
			description: "Get the latest price, daily change, and volume for a stock.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         time.Minute,
			cacheKind:   cache.KindQuote,
		},
		{
			name:        "get_company_info",
			description: "Get the company profile: name, description, industry, market cap, and employee count.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         cache.NoExpiry,
			cacheKind:   cache.KindCompanyInfo,
		},
		{
			name:        "get_financials",
			description: "Get recent quarterly financial statements: revenue, net income, EPS, and balance sheet totals.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         24 * time.Hour,
			cacheKind:   cache.KindFinancials,
		},
		{
			name:        "search_news",
			description: "Search recent news articles about a stock.",
			schemaFor:   schemaFor[NewsInput],
			ttl:         15 * time.Minute,
			cacheKind:   cache.KindNews,
		},
		{
			name:        "search_knowledge_base",
			description: "Search the indexed research knowledge base of scraped articles and notes. Use for deeper context than headlines.",
			schemaFor:   schemaFor[KnowledgeSearchInput],
			// Results depend on index contents, so they are never cached.
			ttl: 0,
		},
		{
			name:        "get_sentiment",
			description: "Get aggregated social-media sentiment (bullish/bearish/neutral) for a stock from StockTwits and Reddit.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         10 * time.Minute,
			cacheKind:   cache.KindSentiment,
		},
		{
			name:        "get_price_forecast",
			description: "Get a 30-day trend projection with confidence bands, fit over recent daily closes.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         30 * time.Minute,
			cacheKind:   cache.KindForecast,
		},
		{
			name:        "get_dividends",
			description: "Get recent dividend declarations for a stock.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         24 * time.Hour,
			cacheKind:   cache.KindDividends,
		},
		{
			name:        "get_splits",
			description: "Get stock split history for a stock.",
			schemaFor:   schemaFor[TickerInput],
			ttl:         24 * time.Hour,
			cacheKind:   cache.KindSplits,
		},
		{
			name:        "get_price_history",
			description: "Get daily OHLCV price bars over a named range (1d to 5y).",
			schemaFor:   schemaFor[PriceHistoryInput],
			ttl:         time.Hour,
			cacheKind:   cache.KindPriceHistory,
			keyExtra:    "range",
		},
	}

	r := &Registry{byName: make(map[string]*Tool, len(specs))}
	for _, spec := range specs {
		schema, err := spec.schemaFor()
		if err != nil {
			return nil, fmt.Errorf("deriving schema for %s: %w", spec.name, err)
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolving schema for %s: %w", spec.name, err)
		}
		tool := &Tool{
			Name:        spec.name,
			Description: spec.description,
			Schema:      schema,
			resolved:    resolved,
			ttl:         spec.ttl,
			cacheKind:   spec.cacheKind,
			keyExtra:    spec.keyExtra,
		}
		r.tools = append(r.tools, tool)
		r.byName[spec.name] = tool
	}
	return r, nil
}

// schemaFor adapts jsonschema.For to a plain function value.
func schemaFor[T any]() (*jsonschema.Schema, error) {
	return jsonschema.For[T](nil)
}

// Lookup returns the tool or ErrUnknownTool.
func (r *Registry) Lookup(name string) (*Tool, error) {
	tool, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool, nil
}

// Tools returns the catalog in declaration order.
func (r *Registry) Tools() []*Tool {
	return r.tools
}
