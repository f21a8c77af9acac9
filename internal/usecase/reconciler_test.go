package usecase

import (
	"context"
	"testing"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/retry"
	"StockMaster/pkg/util"
)

func newTestReconciler(ex drepo.ExchangeSource, store drepo.RegistryStore, audit drepo.AuditSink, skip bool) *Reconciler {
	return NewReconciler(ex, store, audit, nopMetrics{}, logger.Nop(), ReconcilerConfig{
		SkipUnchanged: skip,
		Retry:         retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
}

func TestReconcileNewListing(t *testing.T) {
	store := newMemStore()
	ex := newFakeExchange()
	ld := date(2020, 5, 2)
	ex.listings[models.MarketKOSPI] = []drepo.Listing{
		{Symbol: "005930", Name: "Samsung Electronics", Market: models.MarketKOSPI, ListingDate: &ld},
		{Symbol: "000660", Name: "SK hynix", Market: models.MarketKOSPI},
	}
	audit := &captureAudit{}
	r := newTestReconciler(ex, store, audit, true)

	report := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSPI, time.Now())
	if report.Err != nil {
		t.Fatalf("unexpected error: %v", report.Err)
	}
	if report.New != 2 || report.Writes != 2 {
		t.Fatalf("new=%d writes=%d, want 2/2", report.New, report.Writes)
	}

	ins, ok := store.instrument("005930")
	if !ok || !ins.IsActive {
		t.Fatalf("005930 not stored as active: %+v", ins)
	}
	if ins.ListingDateSource != models.ListingDateAuthoritative {
		t.Errorf("listing_date_source = %s, want authoritative", ins.ListingDateSource)
	}

	ins2, _ := store.instrument("000660")
	if ins2.ListingDate != nil || ins2.ListingDateSource != models.ListingDateUnknown {
		t.Errorf("fetch without date must leave listing_date null/unknown: %+v", ins2)
	}
	if len(audit.byClass(models.ClassNew)) != 2 {
		t.Errorf("expected 2 audit records classified new")
	}
}

func TestReconcileIdempotence(t *testing.T) {
	store := newMemStore()
	ex := newFakeExchange()
	ld := date(2020, 5, 2)
	dd := date(2024, 3, 15)
	ex.listings[models.MarketKOSPI] = []drepo.Listing{
		{Symbol: "005930", Name: "Samsung Electronics", Market: models.MarketKOSPI, ListingDate: &ld},
	}
	ex.delistings[models.MarketKOSPI] = []drepo.Delisting{
		{Symbol: "123456", Name: "Gone Corp", Market: models.MarketKOSPI, DelistingDate: dd, Reason: "merger"},
	}
	r := newTestReconciler(ex, store, &captureAudit{}, true)

	first := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSPI, time.Now())
	if first.Err != nil {
		t.Fatalf("first pass: %v", first.Err)
	}
	writesAfterFirst := store.writeCount()
	if writesAfterFirst == 0 {
		t.Fatal("first pass should write")
	}

	second := r.ReconcileMarket(context.Background(), "run2", models.MarketKOSPI, time.Now())
	if second.Err != nil {
		t.Fatalf("second pass: %v", second.Err)
	}
	if store.writeCount() != writesAfterFirst {
		t.Fatalf("second pass against identical source data must write nothing, got %d extra writes",
			store.writeCount()-writesAfterFirst)
	}
	if second.New != 0 || second.Delisted != 0 {
		t.Errorf("second pass classifications: new=%d delisted=%d, want all unchanged", second.New, second.Delisted)
	}
	if second.Unchanged == 0 {
		t.Errorf("second pass should classify symbols as unchanged")
	}
}

func TestReconcileDelisting(t *testing.T) {
	store := newMemStore()
	ld := date(2020, 5, 2)
	seed := models.Instrument{
		Symbol: "123456", Name: "Gone Corp", Market: models.MarketKOSPI,
		IsActive: true, ListingDate: &ld, ListingDateSource: models.ListingDateAuthoritative,
	}
	if err := store.UpsertInstrument(context.Background(), &seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := newFakeExchange()
	ex.delistings[models.MarketKOSPI] = []drepo.Delisting{
		{Symbol: "123456", Name: "Gone Corp", Market: models.MarketKOSPI,
			DelistingDate: date(2024, 3, 15), Reason: "bankruptcy"},
	}
	r := newTestReconciler(ex, store, &captureAudit{}, true)

	report := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSPI, time.Now())
	if report.Delisted != 1 {
		t.Fatalf("delisted = %d, want 1", report.Delisted)
	}
	ins, _ := store.instrument("123456")
	if ins.IsActive {
		t.Fatal("instrument still active after delisting")
	}
	if ins.DelistingDate == nil || !util.SameDay(*ins.DelistingDate, date(2024, 3, 15)) {
		t.Errorf("delisting_date = %v", ins.DelistingDate)
	}
	if ins.DelistingReason != "bankruptcy" {
		t.Errorf("delisting_reason = %q", ins.DelistingReason)
	}
	if ins.ListingDate == nil || ins.ListingDateSource != models.ListingDateAuthoritative {
		t.Errorf("listing date must be preserved through delisting: %+v", ins)
	}
}

func TestReconcileConflictDelistingWins(t *testing.T) {
	store := newMemStore()
	ex := newFakeExchange()
	ex.listings[models.MarketKOSDAQ] = []drepo.Listing{
		{Symbol: "777777", Name: "Flip Corp", Market: models.MarketKOSDAQ},
	}
	ex.delistings[models.MarketKOSDAQ] = []drepo.Delisting{
		{Symbol: "777777", Name: "Flip Corp", Market: models.MarketKOSDAQ,
			DelistingDate: date(2024, 6, 1), Reason: "review"},
	}
	r := newTestReconciler(ex, store, &captureAudit{}, true)

	report := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSDAQ, time.Now())
	if len(report.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(report.Conflicts))
	}
	if report.Conflicts[0].Symbol != "777777" {
		t.Errorf("conflict symbol = %s", report.Conflicts[0].Symbol)
	}
	ins, ok := store.instrument("777777")
	if !ok {
		t.Fatal("row not written")
	}
	if ins.IsActive {
		t.Fatal("delisting must take precedence over same-day listing")
	}
}

func TestReconcileSourceFailureRetriedAndIsolated(t *testing.T) {
	store := newMemStore()
	ex := newFakeExchange()
	ex.listingsErr = &models.SourceUnavailableError{Source: "krx_listings", Err: context.DeadlineExceeded}
	r := newTestReconciler(ex, store, &captureAudit{}, true)

	report := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSPI, time.Now())
	if report.Err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if ex.listingCalls != 3 {
		t.Errorf("listing fetch attempted %d times, want 3", ex.listingCalls)
	}
	if store.writeCount() != 0 {
		t.Errorf("failed market must leave state untouched, got %d writes", store.writeCount())
	}
}

func TestReconcileForceWrites(t *testing.T) {
	store := newMemStore()
	ld := date(2020, 5, 2)
	seed := models.Instrument{
		Symbol: "005930", Name: "Samsung Electronics", Market: models.MarketKOSPI,
		IsActive: true, ListingDate: &ld, ListingDateSource: models.ListingDateAuthoritative,
	}
	if err := store.UpsertInstrument(context.Background(), &seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := store.writeCount()

	ex := newFakeExchange()
	ex.listings[models.MarketKOSPI] = []drepo.Listing{
		{Symbol: "005930", Name: "Samsung Electronics", Market: models.MarketKOSPI, ListingDate: &ld},
	}
	r := newTestReconciler(ex, store, &captureAudit{}, false) // skip disabled

	report := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSPI, time.Now())
	if report.Writes != 1 || store.writeCount() != before+1 {
		t.Fatalf("skip_unchanged=false must re-write matching rows, writes=%d", report.Writes)
	}
	if report.Unchanged != 1 {
		t.Errorf("re-written matching row is still classified unchanged, got new=%d unchanged=%d",
			report.New, report.Unchanged)
	}
}

func TestReconcileStoreDownIsFatal(t *testing.T) {
	store := newMemStore()
	store.down = true
	ex := newFakeExchange()
	r := newTestReconciler(ex, store, &captureAudit{}, true)

	report := r.ReconcileMarket(context.Background(), "run1", models.MarketKOSPI, time.Now())
	if report.Err == nil {
		t.Fatal("expected store error")
	}
}
