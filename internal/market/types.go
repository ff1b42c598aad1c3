package market

import "time"

// Quote is the latest daily pricing for a ticker, derived from the
// previous-close aggregate.
type Quote struct {
	Ticker        string  `json:"ticker"`
	Price         float64 `json:"price"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Volume        float64 `json:"volume"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	AsOf          string  `json:"as_of"`
}

// CompanyInfo is the reference profile for a ticker.
type CompanyInfo struct {
	Ticker      string  `json:"ticker"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Exchange    string  `json:"exchange,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	MarketCap   float64 `json:"market_cap,omitempty"`
	Employees   int     `json:"employees,omitempty"`
	Homepage    string  `json:"homepage,omitempty"`
	ListDate    string  `json:"list_date,omitempty"`
}

// NewsArticle is one published article about a ticker.
type NewsArticle struct {
	Title       string    `json:"title"`
	Publisher   string    `json:"publisher,omitempty"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Summary     string    `json:"summary,omitempty"`
}

// FinancialsReport is one reporting period's statements, flattened to the
// figures the model actually reasons about.
type FinancialsReport struct {
	FiscalPeriod string  `json:"fiscal_period"`
	FiscalYear   string  `json:"fiscal_year"`
	StartDate    string  `json:"start_date,omitempty"`
	EndDate      string  `json:"end_date,omitempty"`
	Revenue      float64 `json:"revenue,omitempty"`
	NetIncome    float64 `json:"net_income,omitempty"`
	EPS          float64 `json:"eps,omitempty"`
	Assets       float64 `json:"assets,omitempty"`
	Liabilities  float64 `json:"liabilities,omitempty"`
	Equity       float64 `json:"equity,omitempty"`
}

// Dividend is one cash dividend declaration.
type Dividend struct {
	ExDate      string  `json:"ex_date"`
	PayDate     string  `json:"pay_date,omitempty"`
	Amount      float64 `json:"amount"`
	Frequency   int     `json:"frequency,omitempty"`
	DeclaredOn  string  `json:"declared_on,omitempty"`
}

// Split is one stock split event.
type Split struct {
	ExecutionDate string  `json:"execution_date"`
	From          float64 `json:"split_from"`
	To            float64 `json:"split_to"`
}

// Candle is one daily OHLCV bar.
type Candle struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}
