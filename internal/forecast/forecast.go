// Package forecast produces a deterministic price projection from recent
// daily closes. A least-squares line is fit over the lookback window and
// extended over the horizon with a confidence band that widens with
// distance; the model is intentionally simple and self-describing so the
// chat model can caveat it honestly.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/koopa0/stockdesk/internal/market"
)

// Horizon is how many trading days ahead the projection extends.
const Horizon = 30

// historyRange is the lookback window requested from the price source.
const historyRange = "6mo"

// minSamples is the fewest closes a fit will accept.
const minSamples = 10

// ErrInsufficientHistory indicates too few closes to fit a trend.
var ErrInsufficientHistory = errors.New("insufficient price history for forecast")

// Trend labels the fitted slope direction.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// Point is one projected day.
type Point struct {
	Date      string  `json:"date"`
	Predicted float64 `json:"predicted"`
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
}

// Forecast is the projection for one ticker.
type Forecast struct {
	Ticker     string  `json:"ticker"`
	Trend      Trend   `json:"trend"`
	LastClose  float64 `json:"last_close"`
	DailySlope float64 `json:"daily_slope"`
	Points     []Point `json:"points"`
	Model      string  `json:"model"`
}

// PriceSource supplies the daily bars the fit runs over.
type PriceSource interface {
	PriceHistory(ctx context.Context, ticker, rangeName string) ([]market.Candle, error)
}

// Model fits trend projections from a price source.
type Model struct {
	prices PriceSource
}

// New creates a forecast model backed by prices.
func New(prices PriceSource) (*Model, error) {
	if prices == nil {
		return nil, errors.New("price source is required")
	}
	return &Model{prices: prices}, nil
}

// Forecast fetches history for ticker and projects Horizon days ahead.
func (m *Model) Forecast(ctx context.Context, ticker string) (*Forecast, error) {
	candles, err := m.prices.PriceHistory(ctx, ticker, historyRange)
	if err != nil {
		return nil, fmt.Errorf("fetching history for forecast: %w", err)
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return fit(ticker, closes, time.Now().UTC())
}

// fit performs the least-squares projection over closes. Split out from
// Forecast so tests can drive it with fixed data and a fixed clock.
func fit(ticker string, closes []float64, now time.Time) (*Forecast, error) {
	n := len(closes)
	if n < minSamples {
		return nil, fmt.Errorf("%w: %d closes, need %d", ErrInsufficientHistory, n, minSamples)
	}

	// Least squares over x = 0..n-1.
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range closes {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return nil, fmt.Errorf("%w: degenerate fit", ErrInsufficientHistory)
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	// Residual standard deviation sizes the confidence band.
	var ss float64
	for i, y := range closes {
		r := y - (intercept + slope*float64(i))
		ss += r * r
	}
	sigma := math.Sqrt(ss / fn)

	last := closes[n-1]
	points := make([]Point, 0, Horizon)
	for d := 1; d <= Horizon; d++ {
		x := float64(n - 1 + d)
		predicted := intercept + slope*x
		// Band widens with the square root of the projection distance.
		band := sigma * (1 + math.Sqrt(float64(d)/float64(Horizon)))
		points = append(points, Point{
			Date:      now.AddDate(0, 0, d).Format("2006-01-02"),
			Predicted: round2(predicted),
			Low:       round2(predicted - band),
			High:      round2(predicted + band),
		})
	}

	return &Forecast{
		Ticker:     ticker,
		Trend:      trendOf(slope, last),
		LastClose:  last,
		DailySlope: round2(slope),
		Points:     points,
		Model:      "linear trend over 6mo daily closes",
	}, nil
}

// trendOf labels the slope, treating moves under 0.05% of price per day
// as flat.
func trendOf(slope, price float64) Trend {
	if price <= 0 {
		return TrendFlat
	}
	switch rel := slope / price; {
	case rel > 0.0005:
		return TrendUp
	case rel < -0.0005:
		return TrendDown
	default:
		return TrendFlat
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
