package datafetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"stock_research_backend/models"
)

const DefaultBaseURL = "https://query1.finance.yahoo.com"

// marketSuffixes maps market codes to the provider's ticker suffix
var marketSuffixes = map[string]string{
	"TW":  ".TW",
	"TWO": ".TWO",
	"HK":  ".HK",
	"JP":  ".T",
	"US":  "",
}

// Client fetches quotes and candles from a Yahoo-chart compatible endpoint
type Client struct {
	client *resty.Client
}

// Config holds client settings
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// NewClient creates a market-data client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; stock-collector/1.0)"
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetHeader("Accept", "application/json")

	return &Client{client: client}
}

// ProviderSymbol converts a symbol to the provider's ticker for market
func ProviderSymbol(symbol, market string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	suffix, ok := marketSuffixes[strings.ToUpper(market)]
	if !ok || suffix == "" || strings.HasSuffix(symbol, suffix) {
		return symbol
	}
	return symbol + suffix
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta struct {
		Currency           string   `json:"currency"`
		Symbol             string   `json:"symbol"`
		RegularMarketPrice *float64 `json:"regularMarketPrice"`
		ChartPreviousClose *float64 `json:"chartPreviousClose"`
		PreviousClose      *float64 `json:"previousClose"`
		RegularMarketTime  int64    `json:"regularMarketTime"`
		RegularMarketVol   int64    `json:"regularMarketVolume"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

func (c *Client) chart(ctx context.Context, symbol, market, interval, rng string) (*chartResult, error) {
	ticker := ProviderSymbol(symbol, market)

	var body chartResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("symbol", ticker).
		SetQueryParams(map[string]string{
			"interval": interval,
			"range":    rng,
		}).
		SetResult(&body).
		SetError(&body).
		Get("/v8/finance/chart/{symbol}")
	if err != nil {
		return nil, fmt.Errorf("failed to call chart API for %s: %w", ticker, err)
	}

	if body.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error for %s: %s", ticker, body.Chart.Error.Description)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("chart API error for %s: status %d", ticker, resp.StatusCode())
	}
	if len(body.Chart.Result) == 0 {
		return nil, fmt.Errorf("chart API returned no data for %s", ticker)
	}
	return &body.Chart.Result[0], nil
}

// FetchQuote returns the latest quote for a symbol
func (c *Client) FetchQuote(ctx context.Context, symbol, market string) (*models.Quote, error) {
	r, err := c.chart(ctx, symbol, market, "1d", "1d")
	if err != nil {
		return nil, err
	}
	if r.Meta.RegularMarketPrice == nil {
		return nil, fmt.Errorf("no market price for %s", symbol)
	}

	price := decimal.NewFromFloat(*r.Meta.RegularMarketPrice)
	prev := price
	switch {
	case r.Meta.PreviousClose != nil:
		prev = decimal.NewFromFloat(*r.Meta.PreviousClose)
	case r.Meta.ChartPreviousClose != nil:
		prev = decimal.NewFromFloat(*r.Meta.ChartPreviousClose)
	}

	change := price.Sub(prev)
	changePct := decimal.Zero
	if !prev.IsZero() {
		changePct = change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
	}

	return &models.Quote{
		Symbol:        strings.ToUpper(symbol),
		Market:        strings.ToUpper(market),
		Currency:      r.Meta.Currency,
		Price:         price,
		PreviousClose: prev,
		Change:        change,
		ChangePercent: changePct,
		Volume:        r.Meta.RegularMarketVol,
		Timestamp:     time.Unix(r.Meta.RegularMarketTime, 0).UTC(),
	}, nil
}

// FetchHistorical returns candles for a symbol. Rows with missing prices are skipped.
func (c *Client) FetchHistorical(ctx context.Context, symbol, market, interval, rng string) (*models.HistoricalSeries, error) {
	r, err := c.chart(ctx, symbol, market, interval, rng)
	if err != nil {
		return nil, err
	}

	series := &models.HistoricalSeries{
		Symbol:   strings.ToUpper(symbol),
		Market:   strings.ToUpper(market),
		Interval: interval,
		Range:    rng,
		Bars:     make([]models.Bar, 0, len(r.Timestamp)),
	}
	if len(r.Indicators.Quote) == 0 {
		return series, nil
	}
	q := r.Indicators.Quote[0]
	var adj []*float64
	if len(r.Indicators.AdjClose) > 0 {
		adj = r.Indicators.AdjClose[0].AdjClose
	}

	for i, ts := range r.Timestamp {
		open, high, low, cls := at(q.Open, i), at(q.High, i), at(q.Low, i), at(q.Close, i)
		if open == nil || high == nil || low == nil || cls == nil {
			continue
		}
		bar := models.Bar{
			Date:     time.Unix(ts, 0).UTC(),
			Open:     decimal.NewFromFloat(*open),
			High:     decimal.NewFromFloat(*high),
			Low:      decimal.NewFromFloat(*low),
			Close:    decimal.NewFromFloat(*cls),
			AdjClose: decimal.NewFromFloat(*cls),
		}
		if a := at(adj, i); a != nil {
			bar.AdjClose = decimal.NewFromFloat(*a)
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			bar.Volume = *q.Volume[i]
		}
		series.Bars = append(series.Bars, bar)
	}
	return series, nil
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}
