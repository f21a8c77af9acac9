package fdr

import (
	"context"
	"sort"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	xhttp "StockMaster/pkg/http"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/util"

	"golang.org/x/time/rate"
)

// Client implements PriceSource against the data-reader HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	client  *xhttp.Client
	limiter *rate.Limiter
	log     *logger.Logger
}

// New creates a price history source.
func New(baseURL, apiKey string, timeout time.Duration, perSec float64, log *logger.Logger) drepo.PriceSource {
	if perSec <= 0 {
		perSec = 5
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		log:     log,
	}
}

type barRow struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume uint64  `json:"volume"`
}

// FetchHistory returns daily bars for [from, to], oldest first. Rows that fail
// basic OHLC sanity checks are dropped and logged; the series itself is still
// usable for inference.
func (c *Client) FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	headers := map[string]string{"Accept": "application/json"}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var rows []barRow
	err := c.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodGet,
		URL:     c.baseURL + "/v1/price/" + symbol,
		Headers: headers,
		QueryParams: map[string][]string{
			"from": {util.FormatDate(from)},
			"to":   {util.FormatDate(to)},
		},
	}, &rows)
	if err != nil {
		return nil, &models.SourceUnavailableError{Source: "fdr_price", Err: err}
	}

	bars := make([]models.PriceBar, 0, len(rows))
	for _, r := range rows {
		d, ok := util.ParseDate(r.Date)
		if !ok {
			continue
		}
		b := models.PriceBar{
			Symbol:    symbol,
			TradeDate: util.DateOnly(d),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
		if err := b.Validate(); err != nil {
			c.log.Warn("dropping malformed price bar",
				logger.String("symbol", symbol),
				logger.String("trade_date", r.Date),
				logger.Error(err))
			continue
		}
		bars = append(bars, b)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate.Before(bars[j].TradeDate) })
	return bars, nil
}
