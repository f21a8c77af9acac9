package repository

import (
	"testing"
	"time"

	"StockMaster/internal/domain/models"
	"StockMaster/pkg/util"
)

func tradeBar(day int, close float64) models.PriceBar {
	return models.PriceBar{
		Symbol:    "005930",
		TradeDate: time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC),
		Open:      100, High: 110, Low: 95, Close: close, Volume: 1000,
	}
}

func TestDiffBarsSkipsIdenticalReinsert(t *testing.T) {
	stored := tradeBar(2, 105)
	existing := map[string]models.PriceBar{util.FormatDate(stored.TradeDate): stored}

	toWrite, updated := diffBars(existing, []models.PriceBar{tradeBar(2, 105)})
	if len(toWrite) != 0 {
		t.Fatalf("identical re-insert must be a no-op, got %d rows to write", len(toWrite))
	}
	if len(updated) != 0 {
		t.Fatalf("identical re-insert must not be flagged as update, got %d", len(updated))
	}
}

func TestDiffBarsFlagsChangedValuesAsUpdate(t *testing.T) {
	stored := tradeBar(2, 105)
	existing := map[string]models.PriceBar{util.FormatDate(stored.TradeDate): stored}

	changed := tradeBar(2, 52.5) // revised close, e.g. after a split adjustment
	toWrite, updated := diffBars(existing, []models.PriceBar{changed})
	if len(toWrite) != 1 {
		t.Fatalf("changed re-insert must be written, got %d rows", len(toWrite))
	}
	if len(updated) != 1 || !updated[0].TradeDate.Equal(changed.TradeDate) {
		t.Fatalf("changed re-insert must be flagged as update, got %v", updated)
	}
}

func TestDiffBarsWritesNewDatesWithoutUpdateFlag(t *testing.T) {
	stored := tradeBar(2, 105)
	existing := map[string]models.PriceBar{util.FormatDate(stored.TradeDate): stored}

	toWrite, updated := diffBars(existing, []models.PriceBar{tradeBar(2, 105), tradeBar(3, 107)})
	if len(toWrite) != 1 || toWrite[0].TradeDate.Day() != 3 {
		t.Fatalf("expected only the new date to be written, got %v", toWrite)
	}
	if len(updated) != 0 {
		t.Fatalf("a fresh date is not an update, got %v", updated)
	}
}
