// Package reconciliation verifies wallet cached balances against the
// ledger. The ledger is the ground truth: for every wallet the sum of its
// ledger rows is recomputed and, on mismatch, overwrites the stored
// balance. Held balance is never touched; holds are reservations, not
// ledger activity.
package reconciliation

import (
	"context"
	"time"

	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/retry"
	"github.com/starlit-live/walletcore/internal/wallet"
)

// Result summarizes one reconciliation run.
type Result struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Errors    int `json:"errors"`
}

// Service recomputes wallet balances from the ledger.
type Service struct {
	store wallet.Store
}

// NewService creates a reconciliation service.
func NewService(store wallet.Store) *Service {
	return &Service{store: store}
}

// ReconcileAll checks every wallet. A failure on one wallet is logged and
// counted; the run continues with the rest.
func (s *Service) ReconcileAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	userIDs, err := s.store.ListWalletUserIDs(ctx)
	if err != nil {
		runErrors.Inc()
		return nil, err
	}

	res := &Result{}
	for _, userID := range userIDs {
		res.Checked++
		corrected, err := s.reconcileOne(ctx, userID)
		if err != nil {
			res.Errors++
			runErrors.Inc()
			logging.L(ctx).Error("reconcile failed", "user_id", userID, "error", err)
			continue
		}
		if corrected {
			res.Corrected++
		}
	}

	balanceMismatches.Set(float64(res.Corrected))
	runDuration.Observe(time.Since(start).Seconds())
	logging.L(ctx).Info("reconciliation run complete",
		"checked", res.Checked, "corrected", res.Corrected, "errors", res.Errors,
		"duration", time.Since(start))
	return res, nil
}

// ReconcileUser checks a single wallet, for targeted admin use.
func (s *Service) ReconcileUser(ctx context.Context, userID string) (bool, error) {
	return s.reconcileOne(ctx, userID)
}

// reconcileOne delegates the sum-compare-overwrite to the store, which runs
// it under the wallet row lock. Doing it here as separate reads and a write
// would race concurrent transfers and reset the balance to a stale sum.
func (s *Service) reconcileOne(ctx context.Context, userID string) (bool, error) {
	var corrected bool
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		corrected = false
		stored, ledger, err := s.store.ReconcileWallet(ctx, userID)
		if err != nil {
			return err
		}
		if ledger == stored {
			return nil
		}
		logging.L(ctx).Warn("balance discrepancy",
			"user_id", userID, "stored", stored, "ledger", ledger, "delta", ledger-stored)
		corrected = true
		return nil
	})
	return corrected, err
}
