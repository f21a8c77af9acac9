package models

import (
	"fmt"
	"time"
)

// PriceBar is one daily OHLCV row for a symbol.
type PriceBar struct {
	Symbol    string
	TradeDate time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

// Validate checks the bar shape: non-negative prices, high/low envelope.
func (b *PriceBar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("price bar: symbol empty")
	}
	if b.TradeDate.IsZero() {
		return fmt.Errorf("price bar %s: trade_date zero", b.Symbol)
	}
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
		return fmt.Errorf("price bar %s@%s: negative price", b.Symbol, b.TradeDate.Format("2006-01-02"))
	}
	if b.High < b.Low {
		return fmt.Errorf("price bar %s@%s: high below low", b.Symbol, b.TradeDate.Format("2006-01-02"))
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("price bar %s@%s: high below open/close", b.Symbol, b.TradeDate.Format("2006-01-02"))
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("price bar %s@%s: low above open/close", b.Symbol, b.TradeDate.Format("2006-01-02"))
	}
	return nil
}

// Same reports whether two bars carry identical values, used by the store to
// decide whether a re-insert is a no-op.
func (b *PriceBar) Same(o *PriceBar) bool {
	if o == nil {
		return false
	}
	return b.Symbol == o.Symbol &&
		b.TradeDate.Equal(o.TradeDate) &&
		b.Open == o.Open && b.High == o.High &&
		b.Low == o.Low && b.Close == o.Close &&
		b.Volume == o.Volume
}
