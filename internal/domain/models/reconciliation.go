package models

import "time"

// Classification is the per-symbol outcome of a reconciliation pass.
type Classification string

const (
	ClassNew          Classification = "new"
	ClassDelisted     Classification = "delisted"
	ClassUnchanged    Classification = "unchanged"
	ClassPriceAnomaly Classification = "price_anomaly"
)

// Outcome is the transient per-run record for one classified symbol. It feeds
// the audit sink and downstream phases and is never persisted in the registry.
type Outcome struct {
	RunID          string         `json:"run_id"`
	Symbol         string         `json:"symbol"`
	Market         Market         `json:"market"`
	Classification Classification `json:"classification"`
	Before         *Instrument    `json:"before,omitempty"`
	After          *Instrument    `json:"after,omitempty"`
	Evidence       string         `json:"evidence,omitempty"`
	Written        bool           `json:"written"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Conflict flags a symbol seen in both the listings and delistings fetch of a
// single run. Resolved delisting-first, surfaced for manual review.
type Conflict struct {
	Symbol        string
	Market        Market
	ListedName    string
	DelistingDate time.Time
}

// MarketReport aggregates one market's reconciliation pass.
type MarketReport struct {
	Market    Market
	New       int
	Delisted  int
	Unchanged int
	Writes    int
	Conflicts []Conflict
	Err       error
}

// RunSummary is the user-visible result of one orchestrated batch run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Markets    []MarketReport
	Inferred   int
	Pending    int
	Suspected  int
	Confirmed  int
	Recollects int
	Warnings   []string
	Fatal      error
}

// Counts sums per-classification totals across markets.
func (s *RunSummary) Counts() (newN, delisted, unchanged int) {
	for _, m := range s.Markets {
		newN += m.New
		delisted += m.Delisted
		unchanged += m.Unchanged
	}
	return
}
