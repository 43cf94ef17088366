package escrow

import (
	"context"
	"time"

	"github.com/ksred/klear-escrow/internal/compliance"
	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/metrics"
	"github.com/rs/zerolog/log"
)

// PendingSyncs lists escrows whose compliance sync is still owed.
type PendingSyncs interface {
	Pending(ctx context.Context, limit int) ([]compliance.SyncState, error)
}

// Reconciler periodically retries compliance syncs that failed after a
// transition was committed.
type Reconciler struct {
	service   *Service
	pending   PendingSyncs
	interval  time.Duration
	batchSize int
	metrics   *metrics.Registry
}

func NewReconciler(service *Service, pending PendingSyncs, cfg config.Reconcile) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Reconciler{
		service:   service,
		pending:   pending,
		interval:  interval,
		batchSize: batchSize,
		metrics:   metrics.Escrow(),
	}
}

// Start runs the reconciliation loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "compliance_reconciler").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting compliance reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down compliance reconciler")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to reconcile compliance syncs")
			}
		}
	}
}

// RunOnce retries one batch of owed syncs and returns how many succeeded.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "compliance_reconciler").Logger()

	states, err := r.pending.Pending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 0, nil
	}
	logger.Info().Int("pending_count", len(states)).Msg("reconciling compliance syncs")

	synced := 0
	for _, state := range states {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if err := r.service.ResyncCompliance(ctx, state); err != nil {
			r.metrics.Reconciled("failed")
			logger.Warn().
				Err(err).
				Str("escrow_id", state.EscrowID).
				Str("trade_id", state.TradeID).
				Int("attempts", state.Attempts).
				Msg("compliance resync failed")
			continue
		}
		r.metrics.Reconciled("synced")
		synced++
	}
	return synced, nil
}
