package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hirewire/hirewire/internal/metrics"
)

// Reconciler periodically scans for settlements whose escrow and
// contract writes never landed and completes them. It never touches
// wallets; the wallet credit recorded with the settlement is the source
// of truth, so completion can only bring escrow/contract state in line
// with it.
type Reconciler struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReconciler creates a settlement reconciler.
func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reconciler loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeRun(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in settlement reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	r.Run(ctx)
}

// Run performs one reconciliation pass. Exposed for the admin trigger.
func (r *Reconciler) Run(ctx context.Context) {
	mismatches, err := r.store.ListMismatches(ctx, 100)
	if err != nil {
		r.logger.Warn("failed to list settlement mismatches", "error", err)
		return
	}

	for _, m := range mismatches {
		metrics.ReconciliationMismatchesTotal.Inc()
		if err := r.store.CompleteSettlement(ctx, m); err != nil {
			r.logger.Warn("failed to complete settlement",
				"settlementId", m.SettlementID,
				"contractId", m.ContractID,
				"error", err,
			)
			continue
		}
		r.logger.Info("completed dangling settlement",
			"settlementId", m.SettlementID,
			"contractId", m.ContractID,
			"operation", string(m.Operation),
		)
	}
}
