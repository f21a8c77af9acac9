package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/retry"
	"StockMaster/pkg/util"

	"golang.org/x/sync/errgroup"
)

// CAConfig carries the detector's knobs.
type CAConfig struct {
	// Threshold is the minimum |ratio-1| of a day-over-day close move that
	// raises suspicion, e.g. 0.5 for a 50% move.
	Threshold float64
	// WindowDays bounds how long a suspicion may wait for corroboration
	// before it is written off as a false positive.
	WindowDays    int
	Workers       int
	EarliestBound time.Time
	Retry         retry.Policy
}

// CAObservation is what one evaluation of a symbol saw today.
type CAObservation struct {
	Today         time.Time
	LatestBarDate time.Time
	LatestClose   float64
	LatestRatio   float64 // close[t] / close[t-1]; 0 when fewer than two bars
	HasSignal     bool    // corroborating split/merger announcement
	RatioPersists bool    // suspect-day discontinuity still present on a fresh fetch
}

// CATransition is the outcome of one state evaluation.
type CATransition struct {
	Next          models.CorporateActionState
	Suspected     bool // entered Suspected this evaluation
	Confirmed     bool // entered Confirmed this evaluation
	FalsePositive bool // reverted to Watching unconfirmed
}

// NextCAState is the pure transition function of the detection state machine.
// A single anomalous ratio only raises suspicion; acting on it requires either
// an exchange signal or the discontinuity surviving a re-fetch.
func NextCAState(cur models.CorporateActionState, obs CAObservation, threshold float64, windowDays int) CATransition {
	next := cur
	next.UpdatedAt = obs.Today

	switch cur.State {
	case models.CASuspected:
		if obs.HasSignal || obs.RatioPersists {
			next.State = models.CAConfirmed
			return CATransition{Next: next, Confirmed: true}
		}
		if obs.Today.Sub(cur.SuspectDate) > time.Duration(windowDays)*24*time.Hour {
			next.State = models.CAWatching
			next.SuspectRatio = 0
			next.ObservedClose = 0
			return CATransition{Next: next, FalsePositive: true}
		}
		return CATransition{Next: next}

	case models.CAConfirmed:
		// Confirmed resolves only through a completed re-collection.
		return CATransition{Next: next}

	default: // watching, or no prior state
		next.State = models.CAWatching
		if obs.LatestRatio > 0 && math.Abs(obs.LatestRatio-1) >= threshold {
			next.State = models.CASuspected
			next.SuspectDate = obs.LatestBarDate
			next.SuspectRatio = obs.LatestRatio
			next.ObservedClose = obs.LatestClose
			return CATransition{Next: next, Suspected: true}
		}
		return CATransition{Next: next}
	}
}

// CAResult summarizes one detector pass.
type CAResult struct {
	Suspected  int
	Confirmed  int
	Recollects int
	Warnings   []string
}

// CorporateActions scans active instruments for price discontinuities and
// runs full-history re-collection for confirmed capital events.
type CorporateActions struct {
	exchange drepo.ExchangeSource
	prices   drepo.PriceSource
	store    drepo.RegistryStore
	audit    drepo.AuditSink
	metrics  drepo.Metrics
	log      *logger.Logger
	cfg      CAConfig
}

func NewCorporateActions(exchange drepo.ExchangeSource, prices drepo.PriceSource, store drepo.RegistryStore,
	audit drepo.AuditSink, m drepo.Metrics, log *logger.Logger, cfg CAConfig) *CorporateActions {
	return &CorporateActions{exchange: exchange, prices: prices, store: store,
		audit: audit, metrics: m, log: log, cfg: cfg}
}

// Run evaluates every active instrument, bounded to cfg.Workers. Workers are
// partitioned by symbol so no two ever write the same rows. Per-symbol
// failures are isolated; only a store failure aborts the phase.
func (ca *CorporateActions) Run(ctx context.Context, runID string, now time.Time) (CAResult, error) {
	var res CAResult

	instruments, err := ca.store.GetInstruments(ctx, "")
	if err != nil {
		return res, err
	}
	states, err := ca.store.GetCAStates(ctx)
	if err != nil {
		return res, err
	}

	workers := ca.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu       sync.Mutex
		fatalErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, ins := range instruments {
		if !ins.IsActive {
			continue
		}
		ins := ins
		g.Go(func() error {
			sr, err := ca.evaluateSymbol(gctx, runID, ins, states[ins.Symbol], now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, models.ErrStoreUnavailable) {
					fatalErr = err
					return err
				}
				res.Warnings = append(res.Warnings, fmt.Sprintf("ca %s: %v", ins.Symbol, err))
				return nil
			}
			res.Suspected += sr.Suspected
			res.Confirmed += sr.Confirmed
			res.Recollects += sr.Recollects
			res.Warnings = append(res.Warnings, sr.Warnings...)
			return nil
		})
	}

	if err := g.Wait(); err != nil && fatalErr != nil {
		return res, fatalErr
	}
	return res, nil
}

func (ca *CorporateActions) evaluateSymbol(ctx context.Context, runID string,
	ins models.Instrument, state models.CorporateActionState, now time.Time) (CAResult, error) {

	var res CAResult
	state.Symbol = ins.Symbol

	// A symbol left Confirmed by an earlier run retries its re-collection
	// before anything else; evaluating fresh ratios on a mixed series would
	// be meaningless.
	if state.State == models.CAConfirmed {
		return ca.recollect(ctx, ins, state, now)
	}

	obs, err := ca.observe(ctx, ins, state, now)
	if err != nil {
		return res, err
	}

	t := NextCAState(state, obs, ca.cfg.Threshold, ca.cfg.WindowDays)

	switch {
	case t.Suspected:
		res.Suspected++
		ca.metrics.RecordClassification(string(ins.Market), string(models.ClassPriceAnomaly))
		_ = ca.audit.Record(ctx, models.Outcome{
			RunID:          runID,
			Symbol:         ins.Symbol,
			Market:         ins.Market,
			Classification: models.ClassPriceAnomaly,
			Evidence: fmt.Sprintf("close ratio %.4f on %s exceeds threshold %.2f",
				t.Next.SuspectRatio, util.FormatDate(t.Next.SuspectDate), ca.cfg.Threshold),
			Timestamp: now,
		})
	case t.FalsePositive:
		ca.log.Info("price anomaly unconfirmed within window, reverting to watching",
			logger.String("symbol", ins.Symbol),
			logger.Float64("suspect_ratio", state.SuspectRatio),
			logger.Time("suspect_date", state.SuspectDate))
	}

	if t.Next.State != state.State || t.Suspected {
		if err := ca.store.SaveCAState(ctx, t.Next); err != nil {
			return res, err
		}
	}

	if t.Confirmed {
		res.Confirmed++
		rr, err := ca.recollect(ctx, ins, t.Next, now)
		res.Recollects += rr.Recollects
		res.Warnings = append(res.Warnings, rr.Warnings...)
		return res, err
	}
	return res, nil
}

// observe gathers today's evidence for one symbol: the latest day-over-day
// ratio from the store, and for an open suspicion, a corroborating exchange
// signal plus a fresh re-fetch of the suspect range.
func (ca *CorporateActions) observe(ctx context.Context, ins models.Instrument,
	state models.CorporateActionState, now time.Time) (CAObservation, error) {

	obs := CAObservation{Today: util.DateOnly(now)}

	bars, err := ca.store.LastCloses(ctx, ins.Symbol, 2)
	if err != nil {
		return obs, err
	}
	if n := len(bars); n == 2 && bars[0].Close > 0 {
		obs.LatestBarDate = util.DateOnly(bars[1].TradeDate)
		obs.LatestClose = bars[1].Close
		obs.LatestRatio = bars[1].Close / bars[0].Close
	}

	if state.State != models.CASuspected {
		return obs, nil
	}

	since := state.SuspectDate.AddDate(0, 0, -ca.cfg.WindowDays)
	signals, err := ca.exchange.FetchCorporateActions(ctx, ins.Symbol, since)
	if err != nil {
		// Missing corroboration is not fatal; the persistence check and the
		// window timeout still apply.
		ca.metrics.RecordSourceError("exchange_actions")
		ca.log.Warn("corporate action signal fetch failed",
			logger.String("symbol", ins.Symbol), logger.Error(err))
	}
	for _, s := range signals {
		gap := s.EffectiveDate.Sub(state.SuspectDate)
		if gap < 0 {
			gap = -gap
		}
		if gap <= time.Duration(ca.cfg.WindowDays)*24*time.Hour {
			obs.HasSignal = true
			break
		}
	}

	obs.RatioPersists = ca.suspectRatioPersists(ctx, ins.Symbol, state)
	return obs, nil
}

// suspectRatioPersists re-fetches the days around the suspect date straight
// from the source and recomputes the ratio, so a one-off bad sample in the
// original fetch cannot confirm itself.
func (ca *CorporateActions) suspectRatioPersists(ctx context.Context, symbol string, state models.CorporateActionState) bool {
	from := state.SuspectDate.AddDate(0, 0, -7)
	var bars []models.PriceBar
	err := ca.cfg.Retry.Do(ctx, func() error {
		var ferr error
		bars, ferr = ca.prices.FetchHistory(ctx, symbol, from, state.SuspectDate)
		return ferr
	}, models.IsSourceUnavailable)
	if err != nil || len(bars) < 2 {
		return false
	}

	last := bars[len(bars)-1]
	if !util.SameDay(last.TradeDate, state.SuspectDate) {
		return false
	}
	prev := bars[len(bars)-2]
	if prev.Close <= 0 {
		return false
	}
	return math.Abs(last.Close/prev.Close-1) >= ca.cfg.Threshold
}

// recollect replaces the symbol's whole price series. The fresh history is
// fetched before anything is deleted; a failed fetch leaves the old series
// and the Confirmed state intact for the next run. A mixed pre/post-event
// series must never survive this function.
func (ca *CorporateActions) recollect(ctx context.Context, ins models.Instrument,
	state models.CorporateActionState, now time.Time) (CAResult, error) {

	var res CAResult

	from := ca.cfg.EarliestBound
	if ins.ListingDate != nil {
		from = *ins.ListingDate
	}
	to := util.DateOnly(now)

	var fresh []models.PriceBar
	err := ca.cfg.Retry.Do(ctx, func() error {
		var ferr error
		fresh, ferr = ca.prices.FetchHistory(ctx, ins.Symbol, from, to)
		return ferr
	}, models.IsSourceUnavailable)
	if err != nil {
		ca.metrics.RecordSourceError("price_history")
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("recollect %s: fetch failed, staying confirmed: %v", ins.Symbol, err))
		return res, nil
	}
	if len(fresh) == 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("recollect %s: source returned no history, staying confirmed", ins.Symbol))
		return res, nil
	}

	if err := ca.store.DeletePriceBars(ctx, ins.Symbol, from, to); err != nil {
		return res, err
	}
	written, err := ca.store.AppendPriceBars(ctx, ins.Symbol, fresh)
	if err != nil {
		return res, err
	}

	count, err := ca.store.CountPriceBars(ctx, ins.Symbol)
	if err != nil {
		return res, err
	}
	if count != len(fresh) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("recollect %s: stored %d bars but count is %d", ins.Symbol, len(fresh), count))
	}

	state.State = models.CAWatching
	state.SuspectRatio = 0
	state.ObservedClose = 0
	state.UpdatedAt = now
	if err := ca.store.SaveCAState(ctx, state); err != nil {
		return res, err
	}

	res.Recollects++
	ca.log.Info("re-collected full price history",
		logger.String("symbol", ins.Symbol),
		logger.Time("from", from),
		logger.Time("to", to),
		logger.Int("bars", written))
	return res, nil
}
