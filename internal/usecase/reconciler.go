package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/retry"
	"StockMaster/pkg/util"
)

// ReconcilerConfig carries the per-run knobs of the diff pass.
type ReconcilerConfig struct {
	// SkipUnchanged suppresses writes for rows already matching the fetch.
	// Disable for audit runs that must re-touch every record.
	SkipUnchanged bool
	Retry         retry.Policy
}

// Reconciler diffs the exchange's freshly fetched listing/delisting state
// against the persisted registry, one market at a time. Markets touch
// disjoint symbol sets, so instances of ReconcileMarket can run in parallel.
type Reconciler struct {
	exchange drepo.ExchangeSource
	store    drepo.RegistryStore
	audit    drepo.AuditSink
	metrics  drepo.Metrics
	log      *logger.Logger
	cfg      ReconcilerConfig
}

func NewReconciler(exchange drepo.ExchangeSource, store drepo.RegistryStore, audit drepo.AuditSink,
	m drepo.Metrics, log *logger.Logger, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{exchange: exchange, store: store, audit: audit, metrics: m, log: log, cfg: cfg}
}

// ReconcileMarket runs one market's diff pass. Failures land in the report's
// Err field so the orchestrator can keep other markets going; only a store
// failure (wrapped ErrStoreUnavailable) is fatal to the whole run.
func (r *Reconciler) ReconcileMarket(ctx context.Context, runID string, market models.Market, now time.Time) models.MarketReport {
	report := models.MarketReport{Market: market}

	var listings []drepo.Listing
	err := r.cfg.Retry.Do(ctx, func() error {
		var ferr error
		listings, ferr = r.exchange.FetchListings(ctx, market)
		return ferr
	}, models.IsSourceUnavailable)
	if err != nil {
		r.metrics.RecordSourceError("exchange_listings")
		report.Err = fmt.Errorf("fetch listings %s: %w", market, err)
		return report
	}

	var delistings []drepo.Delisting
	err = r.cfg.Retry.Do(ctx, func() error {
		var ferr error
		delistings, ferr = r.exchange.FetchDelistings(ctx, market)
		return ferr
	}, models.IsSourceUnavailable)
	if err != nil {
		r.metrics.RecordSourceError("exchange_delistings")
		report.Err = fmt.Errorf("fetch delistings %s: %w", market, err)
		return report
	}

	persisted, err := r.store.GetInstruments(ctx, market)
	if err != nil {
		report.Err = err
		return report
	}

	// Immutable snapshot of persisted state for this pass.
	snapshot := make(map[string]models.Instrument, len(persisted))
	for _, ins := range persisted {
		snapshot[ins.Symbol] = ins
	}

	listed := make(map[string]drepo.Listing, len(listings))
	for _, l := range listings {
		listed[l.Symbol] = l
	}

	// Same-day relist/delist conflicts: delisting wins, row is flagged.
	for _, d := range delistings {
		if l, ok := listed[d.Symbol]; ok {
			report.Conflicts = append(report.Conflicts, models.Conflict{
				Symbol:        d.Symbol,
				Market:        market,
				ListedName:    l.Name,
				DelistingDate: d.DelistingDate,
			})
			r.log.Warn("data quality conflict: symbol in both listings and delistings",
				logger.String("symbol", d.Symbol),
				logger.String("market", string(market)),
				logger.Time("delisting_date", d.DelistingDate))
			delete(listed, d.Symbol)
		}
	}

	seen := make(map[string]bool, len(listings)+len(delistings))

	for _, d := range delistings {
		seen[d.Symbol] = true
		if fatal := r.applyDelisting(ctx, runID, &report, snapshot, d, now); fatal != nil {
			report.Err = fatal
			return report
		}
	}

	for _, l := range listings {
		seen[l.Symbol] = true
		if _, stillListed := listed[l.Symbol]; !stillListed {
			continue // delisting took precedence
		}
		if fatal := r.applyListing(ctx, runID, &report, snapshot, l, now); fatal != nil {
			report.Err = fatal
			return report
		}
	}

	// Active symbols absent from today's fetch are still classified, they
	// just have nothing to say.
	for sym, cur := range snapshot {
		if seen[sym] || !cur.IsActive {
			continue
		}
		r.record(ctx, runID, &report, models.ClassUnchanged, &cur, &cur, "absent from today's fetch", false, now)
	}

	return report
}

func (r *Reconciler) applyDelisting(ctx context.Context, runID string, report *models.MarketReport,
	snapshot map[string]models.Instrument, d drepo.Delisting, now time.Time) error {

	cur, known := snapshot[d.Symbol]

	var desired models.Instrument
	if known {
		desired = cur
	} else {
		// First sighting is already a delisting: backfill the historical row.
		name := d.Name
		if name == "" {
			name = d.Symbol
		}
		desired = models.Instrument{
			Symbol:            d.Symbol,
			Name:              name,
			Market:            d.Market,
			ListingDateSource: models.ListingDateUnknown,
		}
	}
	desired.IsActive = false
	desired.DelistingDate = util.DatePtr(d.DelistingDate)
	if d.Reason != "" {
		desired.DelistingReason = d.Reason
	}

	if known && r.cfg.SkipUnchanged && cur.Equal(&desired) {
		r.record(ctx, runID, report, models.ClassUnchanged, &cur, &cur, "delisting already reflected", false, now)
		return nil
	}

	evidence := fmt.Sprintf("delisting fetch: date=%s reason=%q", util.FormatDate(d.DelistingDate), d.Reason)
	return r.write(ctx, runID, report, models.ClassDelisted, known, cur, desired, evidence, now)
}

func (r *Reconciler) applyListing(ctx context.Context, runID string, report *models.MarketReport,
	snapshot map[string]models.Instrument, l drepo.Listing, now time.Time) error {

	cur, known := snapshot[l.Symbol]

	var desired models.Instrument
	if known {
		desired = cur
	} else {
		desired = models.Instrument{Symbol: l.Symbol, ListingDateSource: models.ListingDateUnknown}
	}
	desired.Name = l.Name
	desired.Market = l.Market
	desired.IsActive = true
	desired.DelistingDate = nil
	desired.DelistingReason = ""
	if l.ListingDate != nil {
		// The exchange's own date always wins, including over a previously
		// inferred one.
		d := util.DateOnly(*l.ListingDate)
		desired.ListingDate = &d
		desired.ListingDateSource = models.ListingDateAuthoritative
	}

	class := models.ClassNew
	evidence := "first seen in listings fetch"
	switch {
	case known && cur.IsActive:
		class = models.ClassUnchanged
		evidence = "listings fetch"
	case known && !cur.IsActive:
		evidence = "reappeared in listings fetch after delisting"
	}

	if known && r.cfg.SkipUnchanged && cur.Equal(&desired) {
		r.record(ctx, runID, report, models.ClassUnchanged, &cur, &cur, "state already matches fetch", false, now)
		return nil
	}

	return r.write(ctx, runID, report, class, known, cur, desired, evidence, now)
}

// write upserts the desired row and records the outcome. It returns an error
// only when the store is down; a row that fails its own invariants is logged
// and skipped so one bad fetch row cannot poison the market pass.
func (r *Reconciler) write(ctx context.Context, runID string, report *models.MarketReport,
	class models.Classification, known bool, cur, desired models.Instrument,
	evidence string, now time.Time) error {

	desired.LastReconciledAt = now
	if err := r.store.UpsertInstrument(ctx, &desired); err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			return err
		}
		r.log.Warn("skipping invalid instrument state",
			logger.String("symbol", desired.Symbol),
			logger.Error(err))
		return nil
	}
	report.Writes++

	var before *models.Instrument
	if known {
		c := cur
		before = &c
	}
	r.record(ctx, runID, report, class, before, &desired, evidence, true, now)
	return nil
}

func (r *Reconciler) record(ctx context.Context, runID string, report *models.MarketReport,
	class models.Classification, before, after *models.Instrument, evidence string, written bool, now time.Time) {

	switch class {
	case models.ClassNew:
		report.New++
	case models.ClassDelisted:
		report.Delisted++
	case models.ClassUnchanged:
		report.Unchanged++
	}
	r.metrics.RecordClassification(string(report.Market), string(class))

	_ = r.audit.Record(ctx, models.Outcome{
		RunID:          runID,
		Symbol:         after.Symbol,
		Market:         report.Market,
		Classification: class,
		Before:         before,
		After:          after,
		Evidence:       evidence,
		Written:        written,
		Timestamp:      now,
	})
}
