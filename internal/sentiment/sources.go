package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const fetchTimeout = 10 * time.Second

// StockTwits reads the public symbol stream.
type StockTwits struct {
	baseURL    string
	httpClient *http.Client
}

// NewStockTwits creates a StockTwits source. baseURL is overridable for
// tests; empty means the public API.
func NewStockTwits(baseURL string) *StockTwits {
	if baseURL == "" {
		baseURL = "https://api.stocktwits.com"
	}
	return &StockTwits{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

func (s *StockTwits) Name() string { return "stocktwits" }

// Fetch returns the latest messages for ticker's symbol stream.
func (s *StockTwits) Fetch(ctx context.Context, ticker string) ([]Post, error) {
	u := fmt.Sprintf("%s/api/2/streams/symbol/%s.json", s.baseURL, url.PathEscape(strings.ToUpper(ticker)))
	body, err := fetchJSON(ctx, s.httpClient, u)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []struct {
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"created_at"`
			Likes     struct {
				Total int `json:"total"`
			} `json:"likes"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding stocktwits response: %w", err)
	}

	posts := make([]Post, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.Body == "" {
			continue
		}
		posts = append(posts, Post{
			Text:       m.Body,
			Source:     s.Name(),
			CreatedAt:  m.CreatedAt,
			Engagement: m.Likes.Total,
		})
	}
	return posts, nil
}

// Reddit searches r/stocks for recent mentions via the public JSON listing.
type Reddit struct {
	baseURL    string
	httpClient *http.Client
}

// NewReddit creates a Reddit source. baseURL is overridable for tests;
// empty means reddit.com.
func NewReddit(baseURL string) *Reddit {
	if baseURL == "" {
		baseURL = "https://www.reddit.com"
	}
	return &Reddit{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

func (r *Reddit) Name() string { return "reddit" }

// Fetch returns recent r/stocks posts mentioning ticker.
func (r *Reddit) Fetch(ctx context.Context, ticker string) ([]Post, error) {
	q := url.Values{
		"q":           {strings.ToUpper(ticker)},
		"sort":        {"new"},
		"limit":       {"25"},
		"restrict_sr": {"1"},
	}
	u := r.baseURL + "/r/stocks/search.json?" + q.Encode()
	body, err := fetchJSON(ctx, r.httpClient, u)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Children []struct {
				Data struct {
					Title       string  `json:"title"`
					SelfText    string  `json:"selftext"`
					CreatedUTC  float64 `json:"created_utc"`
					Score       int     `json:"score"`
					NumComments int     `json:"num_comments"`
				} `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding reddit response: %w", err)
	}

	posts := make([]Post, 0, len(resp.Data.Children))
	for _, child := range resp.Data.Children {
		d := child.Data
		text := d.Title
		if d.SelfText != "" {
			text += "\n" + d.SelfText
		}
		if text == "" {
			continue
		}
		posts = append(posts, Post{
			Text:       text,
			Source:     r.Name(),
			CreatedAt:  time.Unix(int64(d.CreatedUTC), 0).UTC(),
			Engagement: d.Score + d.NumComments,
		})
	}
	return posts, nil
}

func fetchJSON(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	// Reddit rejects default Go user agents.
	req.Header.Set("User-Agent", "stockdesk/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
