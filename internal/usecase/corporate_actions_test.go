package usecase

import (
	"context"
	"testing"
	"time"

	"StockMaster/internal/domain/models"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/retry"
)

func TestNextCAStateWatchingToSuspected(t *testing.T) {
	obs := CAObservation{
		Today:         date(2024, 5, 3),
		LatestBarDate: date(2024, 5, 2),
		LatestClose:   48,
		LatestRatio:   0.48, // 52% drop, over the 0.5 threshold
	}
	tr := NextCAState(models.CorporateActionState{Symbol: "005930"}, obs, 0.5, 5)
	if !tr.Suspected || tr.Next.State != models.CASuspected {
		t.Fatalf("expected suspected, got %+v", tr)
	}
	if tr.Next.SuspectRatio != 0.48 || !tr.Next.SuspectDate.Equal(date(2024, 5, 2)) {
		t.Errorf("suspect evidence not recorded: %+v", tr.Next)
	}
}

func TestNextCAStateWatchingNormalMove(t *testing.T) {
	obs := CAObservation{Today: date(2024, 5, 3), LatestBarDate: date(2024, 5, 2), LatestClose: 103, LatestRatio: 1.03}
	tr := NextCAState(models.CorporateActionState{Symbol: "005930"}, obs, 0.5, 5)
	if tr.Suspected || tr.Next.State != models.CAWatching {
		t.Fatalf("3%% move must not raise suspicion: %+v", tr)
	}
}

func TestNextCAStateThresholdBoundaryInclusive(t *testing.T) {
	obs := CAObservation{Today: date(2024, 5, 3), LatestBarDate: date(2024, 5, 2), LatestClose: 50, LatestRatio: 0.5}
	tr := NextCAState(models.CorporateActionState{}, obs, 0.5, 5)
	if !tr.Suspected {
		t.Fatal("|ratio-1| equal to threshold must raise suspicion")
	}
}

func suspectedState() models.CorporateActionState {
	return models.CorporateActionState{
		Symbol:        "005930",
		State:         models.CASuspected,
		SuspectDate:   date(2024, 5, 2),
		SuspectRatio:  0.48,
		ObservedClose: 48,
	}
}

func TestNextCAStateSuspectedConfirmedBySignal(t *testing.T) {
	tr := NextCAState(suspectedState(), CAObservation{Today: date(2024, 5, 3), HasSignal: true}, 0.5, 5)
	if !tr.Confirmed || tr.Next.State != models.CAConfirmed {
		t.Fatalf("signal must confirm: %+v", tr)
	}
}

func TestNextCAStateSuspectedConfirmedByPersistence(t *testing.T) {
	tr := NextCAState(suspectedState(), CAObservation{Today: date(2024, 5, 3), RatioPersists: true}, 0.5, 5)
	if !tr.Confirmed {
		t.Fatalf("persisting ratio must confirm: %+v", tr)
	}
}

func TestNextCAStateSuspectedTimesOut(t *testing.T) {
	tr := NextCAState(suspectedState(), CAObservation{Today: date(2024, 5, 9)}, 0.5, 5)
	if !tr.FalsePositive || tr.Next.State != models.CAWatching {
		t.Fatalf("unconfirmed suspicion past the window must revert: %+v", tr)
	}
}

func TestNextCAStateSuspectedWaitsInsideWindow(t *testing.T) {
	tr := NextCAState(suspectedState(), CAObservation{Today: date(2024, 5, 4)}, 0.5, 5)
	if tr.Confirmed || tr.FalsePositive || tr.Next.State != models.CASuspected {
		t.Fatalf("inside the window an unconfirmed suspicion waits: %+v", tr)
	}
}

func TestNextCAStateConfirmedStaysPut(t *testing.T) {
	st := suspectedState()
	st.State = models.CAConfirmed
	tr := NextCAState(st, CAObservation{Today: date(2024, 5, 4)}, 0.5, 5)
	if tr.Next.State != models.CAConfirmed {
		t.Fatalf("confirmed resolves only via re-collection: %+v", tr)
	}
}

func newTestCA(ex *fakeExchange, prices *fakePrices, store *memStore, audit *captureAudit) *CorporateActions {
	return NewCorporateActions(ex, prices, store, audit, nopMetrics{}, logger.Nop(), CAConfig{
		Threshold:     0.5,
		WindowDays:    5,
		Workers:       4,
		EarliestBound: date(1990, 1, 1),
		Retry:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
}

func seedActive(t *testing.T, store *memStore, symbol string) {
	t.Helper()
	ld := date(2015, 3, 2)
	seedInstrument(t, store, models.Instrument{
		Symbol: symbol, Name: "Corp " + symbol, Market: models.MarketKOSPI,
		IsActive: true, ListingDate: &ld, ListingDateSource: models.ListingDateAuthoritative,
	})
}

func TestCAScanRaisesSuspicion(t *testing.T) {
	store := newMemStore()
	seedActive(t, store, "005930")
	_, _ = store.AppendPriceBars(context.Background(), "005930", []models.PriceBar{
		bar("005930", date(2024, 5, 1), 100),
		bar("005930", date(2024, 5, 2), 48),
	})

	audit := &captureAudit{}
	ca := newTestCA(newFakeExchange(), newFakePrices(), store, audit)
	res, err := ca.Run(context.Background(), "run1", date(2024, 5, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Suspected != 1 {
		t.Fatalf("suspected=%d, want 1", res.Suspected)
	}
	st := store.caStates["005930"]
	if st.State != models.CASuspected {
		t.Fatalf("persisted state = %s", st.State)
	}
	if len(audit.byClass(models.ClassPriceAnomaly)) != 1 {
		t.Error("expected a price_anomaly audit record")
	}
	if store.deletes != 0 {
		t.Error("suspicion alone must not delete anything")
	}
}

func TestCAConfirmedBySignalTriggersRecollection(t *testing.T) {
	store := newMemStore()
	seedActive(t, store, "005930")
	// Stale pre-split series in the store.
	_, _ = store.AppendPriceBars(context.Background(), "005930", []models.PriceBar{
		bar("005930", date(2024, 4, 30), 98),
		bar("005930", date(2024, 5, 1), 100),
		bar("005930", date(2024, 5, 2), 48),
	})
	store.caStates["005930"] = suspectedState()

	ex := newFakeExchange()
	ex.signals["005930"] = []models.CorporateActionSignal{
		{Symbol: "005930", Kind: "split", EffectiveDate: date(2024, 5, 2)},
	}
	// Adjusted full history from the source, different row count.
	prices := newFakePrices()
	prices.history["005930"] = []models.PriceBar{
		bar("005930", date(2024, 4, 30), 49),
		bar("005930", date(2024, 5, 1), 50),
		bar("005930", date(2024, 5, 2), 48),
		bar("005930", date(2024, 5, 3), 47),
	}

	ca := newTestCA(ex, prices, store, &captureAudit{})
	res, err := ca.Run(context.Background(), "run1", date(2024, 5, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Confirmed != 1 || res.Recollects != 1 {
		t.Fatalf("confirmed=%d recollects=%d, want 1/1", res.Confirmed, res.Recollects)
	}

	n, _ := store.CountPriceBars(context.Background(), "005930")
	if n != 4 {
		t.Fatalf("stored bars = %d, want exactly the fresh fetch's 4 (no residual pre-event rows)", n)
	}
	bars, _ := store.LastCloses(context.Background(), "005930", 10)
	if bars[0].Close != 49 {
		t.Errorf("oldest close = %v, want adjusted 49", bars[0].Close)
	}
	if st := store.caStates["005930"]; st.State != models.CAWatching {
		t.Errorf("state after successful re-collection = %s, want watching", st.State)
	}
}

func TestCAFalsePositiveDeletesNothing(t *testing.T) {
	store := newMemStore()
	seedActive(t, store, "005930")
	_, _ = store.AppendPriceBars(context.Background(), "005930", []models.PriceBar{
		bar("005930", date(2024, 5, 1), 100),
		bar("005930", date(2024, 5, 2), 48),
	})
	store.caStates["005930"] = suspectedState()

	// No signal, and the fresh fetch shows a corrected (non-anomalous) series.
	prices := newFakePrices()
	prices.history["005930"] = []models.PriceBar{
		bar("005930", date(2024, 5, 1), 100),
		bar("005930", date(2024, 5, 2), 98),
	}

	ca := newTestCA(newFakeExchange(), prices, store, &captureAudit{})
	res, err := ca.Run(context.Background(), "run1", date(2024, 5, 9)) // past the window
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Confirmed != 0 || res.Recollects != 0 {
		t.Fatalf("false positive must not confirm: %+v", res)
	}
	if store.deletes != 0 {
		t.Fatal("false positive must not delete data")
	}
	if st := store.caStates["005930"]; st.State != models.CAWatching {
		t.Errorf("state = %s, want watching", st.State)
	}
}

func TestCARecollectFetchFailureStaysConfirmed(t *testing.T) {
	store := newMemStore()
	seedActive(t, store, "005930")
	_, _ = store.AppendPriceBars(context.Background(), "005930", []models.PriceBar{
		bar("005930", date(2024, 5, 1), 100),
		bar("005930", date(2024, 5, 2), 48),
	})
	st := suspectedState()
	st.State = models.CAConfirmed
	store.caStates["005930"] = st

	prices := newFakePrices()
	prices.err = &models.SourceUnavailableError{Source: "fdr_price", Err: context.DeadlineExceeded}

	ca := newTestCA(newFakeExchange(), prices, store, &captureAudit{})
	res, err := ca.Run(context.Background(), "run1", date(2024, 5, 3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning about the failed re-collection")
	}
	if store.deletes != 0 {
		t.Fatal("nothing may be deleted before a successful fresh fetch")
	}
	if n, _ := store.CountPriceBars(context.Background(), "005930"); n != 2 {
		t.Fatalf("old series must survive a failed re-collection, have %d bars", n)
	}
	if got := store.caStates["005930"]; got.State != models.CAConfirmed {
		t.Errorf("state = %s, must stay confirmed for retry next run", got.State)
	}
}
