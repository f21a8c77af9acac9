package repository

import (
	"context"
	"time"

	"StockMaster/internal/domain/models"
)

// Listing is one row of the exchange's current-listings fetch. ListingDate is
// nil when the exchange page does not carry it; the inference phase fills it
// from price history later.
type Listing struct {
	Symbol      string
	Name        string
	Market      models.Market
	ListingDate *time.Time
}

// Delisting is one row of the exchange's delisting fetch.
type Delisting struct {
	Symbol        string
	Name          string
	Market        models.Market
	DelistingDate time.Time
	Reason        string
}

// ExchangeSource pulls listing/delisting state and corporate-action
// announcements from the exchange. Implementations must be idempotent on
// identical input and must return *models.SourceUnavailableError for
// transient failures; an empty slice is a valid result, not an error.
type ExchangeSource interface {
	FetchListings(ctx context.Context, market models.Market) ([]Listing, error)
	FetchDelistings(ctx context.Context, market models.Market) ([]Delisting, error)
	FetchCorporateActions(ctx context.Context, symbol string, since time.Time) ([]models.CorporateActionSignal, error)
}

// PriceSource pulls daily price history for one symbol, chronological.
type PriceSource interface {
	FetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error)
}

// MarketCount is a per-market row of the end-of-run registry report.
type MarketCount struct {
	Market   models.Market
	Active   int
	Delisted int
}

// RegistryStore persists the stock master and its price history. Upserts are
// keyed by symbol, price bars by (symbol, trade_date). Every write is atomic
// from the caller's perspective. A nil market on GetInstruments means all
// markets (pass models.Market("")).
type RegistryStore interface {
	GetInstruments(ctx context.Context, market models.Market) ([]models.Instrument, error)
	GetMissingListingDates(ctx context.Context) ([]models.Instrument, error)
	UpsertInstrument(ctx context.Context, ins *models.Instrument) error
	AppendPriceBars(ctx context.Context, symbol string, bars []models.PriceBar) (int, error)
	LastCloses(ctx context.Context, symbol string, n int) ([]models.PriceBar, error)
	CountPriceBars(ctx context.Context, symbol string) (int, error)
	DeletePriceBars(ctx context.Context, symbol string, from, to time.Time) error
	GetCAStates(ctx context.Context) (map[string]models.CorporateActionState, error)
	SaveCAState(ctx context.Context, st models.CorporateActionState) error
	MarketCounts(ctx context.Context) ([]MarketCount, error)
	Optimize(ctx context.Context) error
	Health(ctx context.Context) error
}

// AuditSink receives one structured record per classified symbol per run.
type AuditSink interface {
	Record(ctx context.Context, o models.Outcome) error
	Close() error
}

// RunLocker guards against overlapping runs for the same market. Acquire
// returns false when another run still holds the marker.
type RunLocker interface {
	Acquire(ctx context.Context, market models.Market, runID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, market models.Market, runID string) error
}

// Metrics records batch observability counters.
type Metrics interface {
	RecordClassification(market, classification string)
	RecordWrite(table string)
	RecordSourceError(source string)
	RecordPhaseDuration(phase string, seconds float64)
	RecordActiveInstruments(market string, count int)
}
