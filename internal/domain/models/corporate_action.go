package models

import "time"

// CAState is the per-symbol corporate-action detection state.
type CAState string

const (
	CAWatching  CAState = "watching"
	CASuspected CAState = "suspected"
	CAConfirmed CAState = "confirmed"
)

// CorporateActionState is the persisted machine state for one symbol,
// re-evaluated each run against the latest close-to-close ratio.
type CorporateActionState struct {
	Symbol        string
	State         CAState
	SuspectDate   time.Time // trade date of the anomalous move
	SuspectRatio  float64   // close[t] / close[t-1] that raised suspicion
	ObservedClose float64   // close on SuspectDate, for persistence re-check
	UpdatedAt     time.Time
}

// CorporateActionSignal is an announcement from the exchange side
// corroborating a suspected split or merger.
type CorporateActionSignal struct {
	Symbol        string
	Kind          string // "split", "reverse_split", "merger"
	EffectiveDate time.Time
}
