package models

import (
	"fmt"
	"regexp"
	"time"
)

// Market is a KRX exchange segment.
type Market string

const (
	MarketKOSPI  Market = "KOSPI"
	MarketKOSDAQ Market = "KOSDAQ"
	MarketKONEX  Market = "KONEX"
)

// AllMarkets lists every supported exchange segment.
var AllMarkets = []Market{MarketKOSPI, MarketKOSDAQ, MarketKONEX}

// ParseMarket validates a market code string.
func ParseMarket(s string) (Market, error) {
	switch Market(s) {
	case MarketKOSPI, MarketKOSDAQ, MarketKONEX:
		return Market(s), nil
	}
	return "", fmt.Errorf("unknown market %q", s)
}

// ListingDateSource records where an instrument's listing date came from.
type ListingDateSource string

const (
	ListingDateAuthoritative ListingDateSource = "authoritative"
	ListingDateInferred      ListingDateSource = "inferred_from_price"
	ListingDateUnknown       ListingDateSource = "unknown"
)

// Instrument is one row of the stock master: a tradable security and its
// listing/delisting lifecycle. Rows are never deleted; delisting is a state
// transition so the historical lineage survives for backtesting.
type Instrument struct {
	Symbol            string
	Name              string
	Market            Market
	IsActive          bool
	ListingDate       *time.Time
	ListingDateSource ListingDateSource
	DelistingDate     *time.Time
	DelistingReason   string
	LastReconciledAt  time.Time
}

var symbolPattern = regexp.MustCompile(`^\d{6}$`)

// ValidSymbol reports whether s is a 6-digit KRX issue code.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Validate checks the lifecycle invariants:
// delisting_date is set iff is_active is false, and listing_date never
// follows delisting_date.
func (i *Instrument) Validate() error {
	if !ValidSymbol(i.Symbol) {
		return fmt.Errorf("instrument %q: symbol must be a 6-digit code", i.Symbol)
	}
	if i.Name == "" {
		return fmt.Errorf("instrument %s: name is empty", i.Symbol)
	}
	if _, err := ParseMarket(string(i.Market)); err != nil {
		return fmt.Errorf("instrument %s: %w", i.Symbol, err)
	}
	if i.IsActive && i.DelistingDate != nil {
		return fmt.Errorf("instrument %s: active but delisting_date set", i.Symbol)
	}
	if !i.IsActive && i.DelistingDate == nil {
		return fmt.Errorf("instrument %s: inactive but delisting_date missing", i.Symbol)
	}
	if i.ListingDate != nil && i.DelistingDate != nil && i.ListingDate.After(*i.DelistingDate) {
		return fmt.Errorf("instrument %s: listing_date after delisting_date", i.Symbol)
	}
	switch i.ListingDateSource {
	case ListingDateAuthoritative, ListingDateInferred, ListingDateUnknown:
	default:
		return fmt.Errorf("instrument %s: bad listing_date_source %q", i.Symbol, i.ListingDateSource)
	}
	if i.ListingDate == nil && i.ListingDateSource != ListingDateUnknown {
		return fmt.Errorf("instrument %s: listing_date null but source %q", i.Symbol, i.ListingDateSource)
	}
	return nil
}

// Equal reports whether two instruments describe the same persisted state.
// LastReconciledAt is a bookkeeping column and does not participate, so the
// reconciliation skip logic can detect a true no-op.
func (i *Instrument) Equal(o *Instrument) bool {
	if o == nil {
		return false
	}
	return i.Symbol == o.Symbol &&
		i.Name == o.Name &&
		i.Market == o.Market &&
		i.IsActive == o.IsActive &&
		sameDate(i.ListingDate, o.ListingDate) &&
		i.ListingDateSource == o.ListingDateSource &&
		sameDate(i.DelistingDate, o.DelistingDate) &&
		i.DelistingReason == o.DelistingReason
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
