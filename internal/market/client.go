// Package market is the Polygon.io client behind the market-data tools.
// All requests pass through a shared rate limiter sized for the free tier;
// callers block (honoring their context) rather than hitting 429s.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/koopa0/stockdesk/internal/log"
)

// DefaultBaseURL is the production Polygon API endpoint.
const DefaultBaseURL = "https://api.polygon.io"

var (
	// ErrUpstream indicates Polygon returned a non-success status or was
	// unreachable. Tool results built from it carry UPSTREAM_ERROR.
	ErrUpstream = errors.New("market data upstream error")

	// ErrUnknownRange indicates an unsupported price-history range string.
	ErrUnknownRange = errors.New("unknown price range")

	// ErrNoData indicates the ticker exists but the endpoint had nothing
	// to return for it.
	ErrNoData = errors.New("no market data")
)

// historyRanges maps the range strings the price-history tool accepts to a
// lookback window. The set mirrors the ranges the dashboard's chart offers.
var historyRanges = map[string]time.Duration{
	"1d":  24 * time.Hour,
	"5d":  5 * 24 * time.Hour,
	"1mo": 30 * 24 * time.Hour,
	"3mo": 91 * 24 * time.Hour,
	"6mo": 182 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
	"5y":  5 * 365 * 24 * time.Hour,
}

// ValidRange reports whether r is an accepted price-history range.
func ValidRange(r string) bool {
	_, ok := historyRanges[r]
	return ok
}

// Client talks to the Polygon REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger
}

// Config configures a Client.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint; tests point it at httptest.
	// Empty means DefaultBaseURL.
	BaseURL string

	// RequestsPerMinute sizes the rate limiter. Required.
	RequestsPerMinute int

	Logger log.Logger

	// HTTPClient overrides the transport. Nil gets a 15s-timeout client.
	HTTPClient *http.Client
}

// NewClient creates a Polygon client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("polygon API key is required")
	}
	if cfg.RequestsPerMinute < 1 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", cfg.RequestsPerMinute)
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		logger:     cfg.Logger,
	}, nil
}

// Quote returns the latest daily pricing for ticker.
func (c *Client) Quote(ctx context.Context, ticker string) (*Quote, error) {
	var resp struct {
		Results []struct {
			Open   float64 `json:"o"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Close  float64 `json:"c"`
			Volume float64 `json:"v"`
			Time   int64   `json:"t"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev", url.PathEscape(strings.ToUpper(ticker)))
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("%w: no previous close for %s", ErrNoData, ticker)
	}

	r := resp.Results[0]
	q := &Quote{
		Ticker: strings.ToUpper(ticker),
		Price:  r.Close,
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Volume: r.Volume,
		Change: r.Close - r.Open,
		AsOf:   time.UnixMilli(r.Time).UTC().Format("2006-01-02"),
	}
	if r.Open != 0 {
		q.ChangePercent = (r.Close - r.Open) / r.Open * 100
	}
	return q, nil
}

// CompanyInfo returns the reference profile for ticker.
func (c *Client) CompanyInfo(ctx context.Context, ticker string) (*CompanyInfo, error) {
	var resp struct {
		Results struct {
			Ticker      string `json:"ticker"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Exchange    string `json:"primary_exchange"`
			SICDesc     string `json:"sic_description"`
			MarketCap   float64 `json:"market_cap"`
			Employees   int    `json:"total_employees"`
			ListDate    string `json:"list_date"`
			Homepage    string `json:"homepage_url"`
		} `json:"results"`
	}
	path := "/v3/reference/tickers/" + url.PathEscape(strings.ToUpper(ticker))
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	r := resp.Results
	if r.Ticker == "" {
		return nil, fmt.Errorf("%w: no profile for %s", ErrNoData, ticker)
	}
	return &CompanyInfo{
		Ticker:      r.Ticker,
		Name:        r.Name,
		Description: r.Description,
		Exchange:    r.Exchange,
		Industry:    r.SICDesc,
		MarketCap:   r.MarketCap,
		Employees:   r.Employees,
		Homepage:    r.Homepage,
		ListDate:    r.ListDate,
	}, nil
}

// News returns recent articles about ticker, newest first.
func (c *Client) News(ctx context.Context, ticker string, limit int) ([]NewsArticle, error) {
	if limit < 1 {
		limit = 10
	}
	var resp struct {
		Results []struct {
			Title     string    `json:"title"`
			URL       string    `json:"article_url"`
			Published time.Time `json:"published_utc"`
			Summary   string    `json:"description"`
			Publisher struct {
				Name string `json:"name"`
			} `json:"publisher"`
		} `json:"results"`
	}
	q := url.Values{
		"ticker": {strings.ToUpper(ticker)},
		"limit":  {fmt.Sprint(limit)},
		"order":  {"desc"},
		"sort":   {"published_utc"},
	}
	if err := c.get(ctx, "/v2/reference/news", q, &resp); err != nil {
		return nil, err
	}

	articles := make([]NewsArticle, 0, len(resp.Results))
	for _, r := range resp.Results {
		articles = append(articles, NewsArticle{
			Title:       r.Title,
			Publisher:   r.Publisher.Name,
			URL:         r.URL,
			PublishedAt: r.Published,
			Summary:     r.Summary,
		})
	}
	return articles, nil
}

// Financials returns recent reporting periods for ticker, newest first.
func (c *Client) Financials(ctx context.Context, ticker string) ([]FinancialsReport, error) {
	var resp struct {
		Results []struct {
			FiscalPeriod string `json:"fiscal_period"`
			FiscalYear   string `json:"fiscal_year"`
			StartDate    string `json:"start_date"`
			EndDate      string `json:"end_date"`
			Financials   struct {
				IncomeStatement struct {
					Revenues struct {
						Value float64 `json:"value"`
					} `json:"revenues"`
					NetIncomeLoss struct {
						Value float64 `json:"value"`
					} `json:"net_income_loss"`
					BasicEPS struct {
						Value float64 `json:"value"`
					} `json:"basic_earnings_per_share"`
				} `json:"income_statement"`
				BalanceSheet struct {
					Assets struct {
						Value float64 `json:"value"`
					} `json:"assets"`
					Liabilities struct {
						Value float64 `json:"value"`
					} `json:"liabilities"`
					Equity struct {
						Value float64 `json:"value"`
					} `json:"equity"`
				} `json:"balance_sheet"`
			} `json:"financials"`
		} `json:"results"`
	}
	q := url.Values{
		"ticker": {strings.ToUpper(ticker)},
		"limit":  {"4"},
	}
	if err := c.get(ctx, "/vX/reference/financials", q, &resp); err != nil {
		return nil, err
	}

	reports := make([]FinancialsReport, 0, len(resp.Results))
	for _, r := range resp.Results {
		reports = append(reports, FinancialsReport{
			FiscalPeriod: r.FiscalPeriod,
			FiscalYear:   r.FiscalYear,
			StartDate:    r.StartDate,
			EndDate:      r.EndDate,
			Revenue:      r.Financials.IncomeStatement.Revenues.Value,
			NetIncome:    r.Financials.IncomeStatement.NetIncomeLoss.Value,
			EPS:          r.Financials.IncomeStatement.BasicEPS.Value,
			Assets:       r.Financials.BalanceSheet.Assets.Value,
			Liabilities:  r.Financials.BalanceSheet.Liabilities.Value,
			Equity:       r.Financials.BalanceSheet.Equity.Value,
		})
	}
	return reports, nil
}

// Dividends returns recent dividend declarations for ticker.
func (c *Client) Dividends(ctx context.Context, ticker string) ([]Dividend, error) {
	var resp struct {
		Results []struct {
			ExDate      string  `json:"ex_dividend_date"`
			PayDate     string  `json:"pay_date"`
			Amount      float64 `json:"cash_amount"`
			Frequency   int     `json:"frequency"`
			DeclaredOn  string  `json:"declaration_date"`
		} `json:"results"`
	}
	q := url.Values{
		"ticker": {strings.ToUpper(ticker)},
		"limit":  {"12"},
	}
	if err := c.get(ctx, "/v3/reference/dividends", q, &resp); err != nil {
		return nil, err
	}

	dividends := make([]Dividend, 0, len(resp.Results))
	for _, r := range resp.Results {
		dividends = append(dividends, Dividend{
			ExDate:     r.ExDate,
			PayDate:    r.PayDate,
			Amount:     r.Amount,
			Frequency:  r.Frequency,
			DeclaredOn: r.DeclaredOn,
		})
	}
	return dividends, nil
}

// Splits returns stock split events for ticker.
func (c *Client) Splits(ctx context.Context, ticker string) ([]Split, error) {
	var resp struct {
		Results []struct {
			ExecutionDate string  `json:"execution_date"`
			From          float64 `json:"split_from"`
			To            float64 `json:"split_to"`
		} `json:"results"`
	}
	q := url.Values{
		"ticker": {strings.ToUpper(ticker)},
		"limit":  {"10"},
	}
	if err := c.get(ctx, "/v3/reference/splits", q, &resp); err != nil {
		return nil, err
	}

	splits := make([]Split, 0, len(resp.Results))
	for _, r := range resp.Results {
		splits = append(splits, Split{
			ExecutionDate: r.ExecutionDate,
			From:          r.From,
			To:            r.To,
		})
	}
	return splits, nil
}

// PriceHistory returns daily bars for ticker over the named range.
func (c *Client) PriceHistory(ctx context.Context, ticker, rangeName string) ([]Candle, error) {
	lookback, ok := historyRanges[rangeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRange, rangeName)
	}

	to := time.Now().UTC()
	from := to.Add(-lookback)

	var resp struct {
		Results []struct {
			Open   float64 `json:"o"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Close  float64 `json:"c"`
			Volume float64 `json:"v"`
			Time   int64   `json:"t"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		url.PathEscape(strings.ToUpper(ticker)),
		from.Format("2006-01-02"),
		to.Format("2006-01-02"))
	q := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {"5000"},
	}
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s over %s", ErrNoData, ticker, rangeName)
	}

	candles := make([]Candle, 0, len(resp.Results))
	for _, r := range resp.Results {
		candles = append(candles, Candle{
			Date:   time.UnixMilli(r.Time).UTC().Format("2006-01-02"),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return candles, nil
}

// get performs a rate-limited GET against the Polygon API and decodes the
// JSON response into result.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", c.apiKey)
	fullURL := c.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("polygon request failed",
			"path", path,
			"status", resp.StatusCode)
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, truncate(body, 200))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrUpstream, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
