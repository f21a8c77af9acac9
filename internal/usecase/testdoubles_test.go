package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
)

// memStore is an in-memory RegistryStore with the same idempotency semantics
// as the real one: upsert by symbol, price bars keyed by (symbol, date).
type memStore struct {
	mu          sync.Mutex
	instruments map[string]models.Instrument
	bars        map[string][]models.PriceBar
	caStates    map[string]models.CorporateActionState
	upserts     int
	barWrites   int
	deletes     int
	optimized   int
	down        bool
}

func newMemStore() *memStore {
	return &memStore{
		instruments: make(map[string]models.Instrument),
		bars:        make(map[string][]models.PriceBar),
		caStates:    make(map[string]models.CorporateActionState),
	}
}

func (s *memStore) check() error {
	if s.down {
		return models.ErrStoreUnavailable
	}
	return nil
}

func (s *memStore) GetInstruments(_ context.Context, market models.Market) ([]models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []models.Instrument
	for _, ins := range s.instruments {
		if market == "" || ins.Market == market {
			out = append(out, ins)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *memStore) GetMissingListingDates(context.Context) ([]models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []models.Instrument
	for _, ins := range s.instruments {
		if ins.ListingDate == nil {
			out = append(out, ins)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *memStore) UpsertInstrument(_ context.Context, ins *models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := ins.Validate(); err != nil {
		return err
	}
	s.instruments[ins.Symbol] = *ins
	s.upserts++
	return nil
}

func (s *memStore) AppendPriceBars(_ context.Context, symbol string, bars []models.PriceBar) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	existing := s.bars[symbol]
	byDate := make(map[string]models.PriceBar, len(existing))
	for _, b := range existing {
		byDate[b.TradeDate.Format("2006-01-02")] = b
	}
	for _, b := range bars {
		byDate[b.TradeDate.Format("2006-01-02")] = b
	}
	merged := make([]models.PriceBar, 0, len(byDate))
	for _, b := range byDate {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TradeDate.Before(merged[j].TradeDate) })
	s.bars[symbol] = merged
	s.barWrites++
	return len(bars), nil
}

func (s *memStore) LastCloses(_ context.Context, symbol string, n int) ([]models.PriceBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	bars := s.bars[symbol]
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]models.PriceBar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *memStore) CountPriceBars(_ context.Context, symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return len(s.bars[symbol]), nil
}

func (s *memStore) DeletePriceBars(_ context.Context, symbol string, from, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	var kept []models.PriceBar
	for _, b := range s.bars[symbol] {
		if b.TradeDate.Before(from) || b.TradeDate.After(to) {
			kept = append(kept, b)
		}
	}
	s.bars[symbol] = kept
	s.deletes++
	return nil
}

func (s *memStore) GetCAStates(context.Context) (map[string]models.CorporateActionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make(map[string]models.CorporateActionState, len(s.caStates))
	for k, v := range s.caStates {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) SaveCAState(_ context.Context, st models.CorporateActionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.caStates[st.Symbol] = st
	return nil
}

func (s *memStore) MarketCounts(context.Context) ([]drepo.MarketCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	byMarket := make(map[models.Market]*drepo.MarketCount)
	for _, ins := range s.instruments {
		mc, ok := byMarket[ins.Market]
		if !ok {
			mc = &drepo.MarketCount{Market: ins.Market}
			byMarket[ins.Market] = mc
		}
		if ins.IsActive {
			mc.Active++
		} else {
			mc.Delisted++
		}
	}
	var out []drepo.MarketCount
	for _, mc := range byMarket {
		out = append(out, *mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

func (s *memStore) Optimize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.optimized++
	return nil
}

func (s *memStore) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

func (s *memStore) instrument(symbol string) (models.Instrument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.instruments[symbol]
	return ins, ok
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts + s.barWrites + s.deletes
}

// fakeExchange serves canned listings/delistings/signals and counts calls.
type fakeExchange struct {
	mu           sync.Mutex
	listings     map[models.Market][]drepo.Listing
	delistings   map[models.Market][]drepo.Delisting
	signals      map[string][]models.CorporateActionSignal
	listingsErr  error
	listingCalls int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		listings:   make(map[models.Market][]drepo.Listing),
		delistings: make(map[models.Market][]drepo.Delisting),
		signals:    make(map[string][]models.CorporateActionSignal),
	}
}

func (f *fakeExchange) FetchListings(_ context.Context, market models.Market) ([]drepo.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listingCalls++
	if f.listingsErr != nil {
		return nil, f.listingsErr
	}
	return f.listings[market], nil
}

func (f *fakeExchange) FetchDelistings(_ context.Context, market models.Market) ([]drepo.Delisting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delistings[market], nil
}

func (f *fakeExchange) FetchCorporateActions(_ context.Context, symbol string, _ time.Time) ([]models.CorporateActionSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals[symbol], nil
}

// fakePrices serves canned per-symbol history filtered to [from, to].
type fakePrices struct {
	mu      sync.Mutex
	history map[string][]models.PriceBar
	err     error
	calls   int
}

func newFakePrices() *fakePrices {
	return &fakePrices{history: make(map[string][]models.PriceBar)}
}

func (f *fakePrices) FetchHistory(_ context.Context, symbol string, from, to time.Time) ([]models.PriceBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []models.PriceBar
	for _, b := range f.history[symbol] {
		if !b.TradeDate.Before(from) && !b.TradeDate.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

// captureAudit collects outcomes for assertions.
type captureAudit struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (a *captureAudit) Record(_ context.Context, o models.Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	return nil
}

func (a *captureAudit) Close() error { return nil }

func (a *captureAudit) byClass(c models.Classification) []models.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.Outcome
	for _, o := range a.outcomes {
		if o.Classification == c {
			out = append(out, o)
		}
	}
	return out
}

// nopMetrics satisfies the Metrics interface.
type nopMetrics struct{}

func (nopMetrics) RecordClassification(string, string) {}
func (nopMetrics) RecordWrite(string)                  {}
func (nopMetrics) RecordSourceError(string)            {}
func (nopMetrics) RecordPhaseDuration(string, float64) {}
func (nopMetrics) RecordActiveInstruments(string, int) {}

// denyLocker refuses every acquisition, for overlap tests.
type denyLocker struct{}

func (denyLocker) Acquire(context.Context, models.Market, string, time.Duration) (bool, error) {
	return false, nil
}

func (denyLocker) Release(context.Context, models.Market, string) error { return nil }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func bar(symbol string, t time.Time, close float64) models.PriceBar {
	return models.PriceBar{
		Symbol:    symbol,
		TradeDate: t,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1000,
	}
}
