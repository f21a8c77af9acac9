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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig carries the run-level knobs.
type OrchestratorConfig struct {
	Markets          []models.Market
	MarketWorkers    int
	LockTTL          time.Duration
	OptimizeAfterRun bool
}

// Orchestrator sequences one batch run: Reconciliation, then Listing-Date
// Inference, then the Corporate-Action scan. A phase that only warns lets the
// run continue; an unreachable store halts it, and the next scheduled run
// simply starts over since every phase is idempotent.
type Orchestrator struct {
	reconciler *Reconciler
	inference  *ListingInference
	actions    *CorporateActions
	store      drepo.RegistryStore
	locker     drepo.RunLocker
	metrics    drepo.Metrics
	log        *logger.Logger
	cfg        OrchestratorConfig

	mu   sync.RWMutex
	last *models.RunSummary
}

func NewOrchestrator(reconciler *Reconciler, inference *ListingInference, actions *CorporateActions,
	store drepo.RegistryStore, locker drepo.RunLocker, m drepo.Metrics,
	log *logger.Logger, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		reconciler: reconciler,
		inference:  inference,
		actions:    actions,
		store:      store,
		locker:     locker,
		metrics:    m,
		log:        log,
		cfg:        cfg,
	}
}

// LastSummary returns the most recent completed run, or nil before the first.
func (o *Orchestrator) LastSummary() *models.RunSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Run executes one full batch pass and always returns a summary, fatal or not.
func (o *Orchestrator) Run(ctx context.Context) *models.RunSummary {
	summary := &models.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	now := summary.StartedAt

	o.log.Info("batch run starting",
		logger.String("run_id", summary.RunID),
		logger.Any("markets", o.cfg.Markets))

	o.runPhase(summary, "reconciliation", func() error {
		return o.reconcilePhase(ctx, summary, now)
	})
	o.runPhase(summary, "inference", func() error {
		res, err := o.inference.Run(ctx, now)
		summary.Inferred = res.Inferred
		summary.Pending = res.Pending
		summary.Warnings = append(summary.Warnings, res.Warnings...)
		return err
	})
	o.runPhase(summary, "corporate_actions", func() error {
		res, err := o.actions.Run(ctx, summary.RunID, now)
		summary.Suspected = res.Suspected
		summary.Confirmed = res.Confirmed
		summary.Recollects = res.Recollects
		summary.Warnings = append(summary.Warnings, res.Warnings...)
		return err
	})
	o.runPhase(summary, "report", func() error {
		return o.reportPhase(ctx, summary)
	})

	summary.FinishedAt = time.Now()
	o.logSummary(summary)

	o.mu.Lock()
	o.last = summary
	o.mu.Unlock()
	return summary
}

// runPhase executes one phase unless an earlier one went fatal.
func (o *Orchestrator) runPhase(summary *models.RunSummary, name string, fn func() error) {
	if summary.Fatal != nil {
		return
	}
	start := time.Now()
	err := fn()
	o.metrics.RecordPhaseDuration(name, time.Since(start).Seconds())
	if err != nil {
		summary.Fatal = fmt.Errorf("%s: %w", name, err)
		o.log.Error("phase failed fatally, halting run",
			logger.String("run_id", summary.RunID),
			logger.String("phase", name),
			logger.Error(err))
	}
}

func (o *Orchestrator) reconcilePhase(ctx context.Context, summary *models.RunSummary, now time.Time) error {
	var mu sync.Mutex

	workers := o.cfg.MarketWorkers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, market := range o.cfg.Markets {
		market := market
		g.Go(func() error {
			report := o.reconcileMarket(gctx, summary.RunID, market, now)
			mu.Lock()
			summary.Markets = append(summary.Markets, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Per-market failures are isolated; only a dead store stops the run.
	for _, report := range summary.Markets {
		if report.Err == nil {
			continue
		}
		if errors.Is(report.Err, models.ErrStoreUnavailable) {
			return report.Err
		}
		summary.Warnings = append(summary.Warnings,
			fmt.Sprintf("market %s: %v", report.Market, report.Err))
	}
	return nil
}

// reconcileMarket wraps one market's pass in its run lock so two overlapping
// invocations never reconcile the same market at once.
func (o *Orchestrator) reconcileMarket(ctx context.Context, runID string, market models.Market, now time.Time) models.MarketReport {
	ok, err := o.locker.Acquire(ctx, market, runID, o.cfg.LockTTL)
	if err != nil {
		return models.MarketReport{Market: market, Err: fmt.Errorf("acquire run lock: %w", err)}
	}
	if !ok {
		return models.MarketReport{Market: market,
			Err: fmt.Errorf("previous run still in flight, skipping market")}
	}
	defer func() {
		if err := o.locker.Release(ctx, market, runID); err != nil {
			o.log.Warn("run lock release failed",
				logger.String("market", string(market)), logger.Error(err))
		}
	}()

	return o.reconciler.ReconcileMarket(ctx, runID, market, now)
}

// reportPhase publishes the end-of-run registry census and optionally
// collapses table versions while the cluster is quiet.
func (o *Orchestrator) reportPhase(ctx context.Context, summary *models.RunSummary) error {
	counts, err := o.store.MarketCounts(ctx)
	if err != nil {
		return err
	}
	for _, c := range counts {
		o.metrics.RecordActiveInstruments(string(c.Market), c.Active)
		o.log.Info("registry census",
			logger.String("market", string(c.Market)),
			logger.Int("active", c.Active),
			logger.Int("delisted", c.Delisted))
	}

	if o.cfg.OptimizeAfterRun {
		if err := o.store.Optimize(ctx); err != nil {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("optimize: %v", err))
		}
	}
	return nil
}

func (o *Orchestrator) logSummary(s *models.RunSummary) {
	newN, delisted, unchanged := s.Counts()
	fields := []logger.Field{
		logger.String("run_id", s.RunID),
		logger.Duration("took", s.FinishedAt.Sub(s.StartedAt)),
		logger.Int("new", newN),
		logger.Int("delisted", delisted),
		logger.Int("unchanged", unchanged),
		logger.Int("inferred", s.Inferred),
		logger.Int("pending", s.Pending),
		logger.Int("suspected", s.Suspected),
		logger.Int("confirmed", s.Confirmed),
		logger.Int("recollects", s.Recollects),
		logger.Int("warnings", len(s.Warnings)),
	}
	if s.Fatal != nil {
		fields = append(fields, logger.Error(s.Fatal))
		o.log.Error("batch run halted", fields...)
		return
	}
	o.log.Info("batch run finished", fields...)
}
