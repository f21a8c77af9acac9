package krx

import (
	"context"
	"fmt"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	xhttp "StockMaster/pkg/http"
	"StockMaster/pkg/util"

	"golang.org/x/time/rate"
)

// KIND market codes used by the listing/delisting search endpoints.
var marketCodes = map[models.Market]string{
	models.MarketKOSPI:  "Y",
	models.MarketKOSDAQ: "K",
	models.MarketKONEX:  "N",
}

// Client implements ExchangeSource against the KRX KIND JSON endpoints.
// All calls are plain pull-style queries; identical input yields identical
// output, so retrying a fetch is always safe.
type Client struct {
	baseURL string
	client  *xhttp.Client
	limiter *rate.Limiter
}

// New creates a KRX exchange source.
func New(baseURL string, timeout time.Duration, perSec float64, burst int) drepo.ExchangeSource {
	if perSec <= 0 {
		perSec = 2
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

type listingRow struct {
	Code        string `json:"isu_cd"`
	Name        string `json:"isu_nm"`
	ListingDate string `json:"list_dd"`
}

type listingsResp struct {
	Rows []listingRow `json:"block1"`
}

// FetchListings returns the currently listed issues for one market segment.
// An empty result is valid (the endpoint answers with an empty block); only
// transport-level failures surface as SourceUnavailable.
func (c *Client) FetchListings(ctx context.Context, market models.Market) ([]drepo.Listing, error) {
	code, ok := marketCodes[market]
	if !ok {
		return nil, fmt.Errorf("krx: unknown market %q", market)
	}

	var resp listingsResp
	err := c.post(ctx, map[string]string{
		"method":          "searchListCompanyList",
		"market":          code,
		"currentPageSize": "5000",
		"pageIndex":       "1",
	}, &resp)
	if err != nil {
		return nil, &models.SourceUnavailableError{Source: "krx_listings", Err: err}
	}

	out := make([]drepo.Listing, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if !models.ValidSymbol(r.Code) || r.Name == "" {
			continue
		}
		l := drepo.Listing{Symbol: r.Code, Name: r.Name, Market: market}
		if d, ok := util.ParseDate(r.ListingDate); ok {
			l.ListingDate = util.DatePtr(d)
		}
		out = append(out, l)
	}
	return out, nil
}

type delistingRow struct {
	Code          string `json:"isu_cd"`
	Name          string `json:"isu_nm"`
	DelistingDate string `json:"del_dd"`
	Reason        string `json:"del_rsn"`
}

type delistingsResp struct {
	Rows []delistingRow `json:"block1"`
}

// FetchDelistings returns the delisting records for one market segment. Rows
// without a parseable delisting date are dropped; the date is the whole point
// of the record.
func (c *Client) FetchDelistings(ctx context.Context, market models.Market) ([]drepo.Delisting, error) {
	code, ok := marketCodes[market]
	if !ok {
		return nil, fmt.Errorf("krx: unknown market %q", market)
	}

	var resp delistingsResp
	err := c.post(ctx, map[string]string{
		"method":          "searchDelCompanyList",
		"market":          code,
		"currentPageSize": "5000",
		"pageIndex":       "1",
	}, &resp)
	if err != nil {
		return nil, &models.SourceUnavailableError{Source: "krx_delistings", Err: err}
	}

	out := make([]drepo.Delisting, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if !models.ValidSymbol(r.Code) {
			continue
		}
		d, ok := util.ParseDate(r.DelistingDate)
		if !ok {
			continue
		}
		out = append(out, drepo.Delisting{
			Symbol:        r.Code,
			Name:          r.Name,
			Market:        market,
			DelistingDate: util.DateOnly(d),
			Reason:        r.Reason,
		})
	}
	return out, nil
}

type actionRow struct {
	Code          string `json:"isu_cd"`
	Kind          string `json:"event_tp"`
	EffectiveDate string `json:"eff_dd"`
}

type actionsResp struct {
	Rows []actionRow `json:"block1"`
}

// FetchCorporateActions returns split/merger announcements for one symbol
// since the given date, used to corroborate suspected price discontinuities.
func (c *Client) FetchCorporateActions(ctx context.Context, symbol string, since time.Time) ([]models.CorporateActionSignal, error) {
	var resp actionsResp
	err := c.post(ctx, map[string]string{
		"method":   "searchCorpActionList",
		"isuCd":    symbol,
		"fromDate": since.Format("20060102"),
	}, &resp)
	if err != nil {
		return nil, &models.SourceUnavailableError{Source: "krx_actions", Err: err}
	}

	out := make([]models.CorporateActionSignal, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		d, ok := util.ParseDate(r.EffectiveDate)
		if !ok {
			continue
		}
		switch r.Kind {
		case "split", "reverse_split", "merger":
		default:
			continue
		}
		out = append(out, models.CorporateActionSignal{
			Symbol:        r.Code,
			Kind:          r.Kind,
			EffectiveDate: util.DateOnly(d),
		})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, form map[string]string, dest interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    c.baseURL + "/kind/company.do",
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Accept":       "application/json",
		},
		Body: form,
	}, dest)
}
