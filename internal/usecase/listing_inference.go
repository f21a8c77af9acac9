package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/retry"
	"StockMaster/pkg/util"

	"golang.org/x/sync/errgroup"
)

// InferenceConfig carries the knobs of the listing-date inference phase.
type InferenceConfig struct {
	// EarliestBound is the earliest plausible trading date on the exchange;
	// history fetches start here when no better lower bound exists.
	EarliestBound time.Time
	Workers       int
	Retry         retry.Policy
}

// InferenceResult summarizes one inference pass.
type InferenceResult struct {
	Inferred int
	Pending  int
	Warnings []string
}

// ListingInference fills missing listing dates from the first available
// price-history bar. A symbol with no history at all is not an error; it
// stays pending and is retried on the next run.
type ListingInference struct {
	prices  drepo.PriceSource
	store   drepo.RegistryStore
	metrics drepo.Metrics
	log     *logger.Logger
	cfg     InferenceConfig
}

func NewListingInference(prices drepo.PriceSource, store drepo.RegistryStore,
	m drepo.Metrics, log *logger.Logger, cfg InferenceConfig) *ListingInference {
	return &ListingInference{prices: prices, store: store, metrics: m, log: log, cfg: cfg}
}

// Run processes every instrument with a null listing date, bounded to
// cfg.Workers concurrent history fetches. Per-symbol failures are isolated;
// only a store failure aborts the phase.
func (li *ListingInference) Run(ctx context.Context, now time.Time) (InferenceResult, error) {
	var res InferenceResult

	queue, err := li.store.GetMissingListingDates(ctx)
	if err != nil {
		return res, err
	}
	if len(queue) == 0 {
		return res, nil
	}

	workers := li.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu       sync.Mutex
		fatalErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, ins := range queue {
		if ins.ListingDateSource == models.ListingDateAuthoritative {
			// An authoritative date is never overwritten by inference.
			continue
		}
		ins := ins
		g.Go(func() error {
			inferred, warning, err := li.inferOne(gctx, ins, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && errors.Is(err, models.ErrStoreUnavailable):
				fatalErr = err
				return err // cancels the group
			case err != nil:
				res.Pending++
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("inference %s: %v", ins.Symbol, err))
			case inferred:
				res.Inferred++
			default:
				res.Pending++
			}
			if warning != "" {
				res.Warnings = append(res.Warnings, warning)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && fatalErr != nil {
		return res, fatalErr
	}
	return res, nil
}

// inferOne fetches the symbol's history from the earliest bound and takes the
// first bar's date. The fetched bars are persisted as a side effect so later
// phases read a warm price table.
func (li *ListingInference) inferOne(ctx context.Context, ins models.Instrument, now time.Time) (bool, string, error) {
	from := li.cfg.EarliestBound
	to := util.DateOnly(now)

	var bars []models.PriceBar
	err := li.cfg.Retry.Do(ctx, func() error {
		var ferr error
		bars, ferr = li.prices.FetchHistory(ctx, ins.Symbol, from, to)
		return ferr
	}, models.IsSourceUnavailable)
	if err != nil {
		li.metrics.RecordSourceError("price_history")
		return false, "", err
	}

	if len(bars) == 0 {
		// Pending, not an error. The next run retries.
		li.log.Debug("no price history yet, listing date stays pending",
			logger.String("symbol", ins.Symbol))
		return false, "", nil
	}

	first := util.DateOnly(bars[0].TradeDate)
	if ins.DelistingDate != nil && first.After(*ins.DelistingDate) {
		// A first trade after the delisting date means the series belongs to
		// someone else (symbol reuse). Leave the date pending for review.
		return false, fmt.Sprintf("inference %s: first bar %s after delisting %s, left pending",
			ins.Symbol, util.FormatDate(first), util.FormatDate(*ins.DelistingDate)), nil
	}

	updated := ins
	updated.ListingDate = &first
	updated.ListingDateSource = models.ListingDateInferred
	updated.LastReconciledAt = now
	if err := li.store.UpsertInstrument(ctx, &updated); err != nil {
		return false, "", err
	}

	if _, err := li.store.AppendPriceBars(ctx, ins.Symbol, bars); err != nil {
		if errors.Is(err, models.ErrStoreUnavailable) {
			return true, "", err
		}
		return true, fmt.Sprintf("inference %s: date inferred but bar persist failed: %v", ins.Symbol, err), nil
	}

	li.log.Info("inferred listing date from price history",
		logger.String("symbol", ins.Symbol),
		logger.Time("listing_date", first),
		logger.Int("bars", len(bars)))
	return true, "", nil
}
