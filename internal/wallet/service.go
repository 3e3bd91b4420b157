package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starlit-live/walletcore/internal/idgen"
	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/pagination"
	"github.com/starlit-live/walletcore/internal/traces"
)

// Service implements the wallet operations exposed to the rest of the
// platform. All money movement goes through here; route-level code never
// touches balances directly.
type Service struct {
	store Store
	cache *Cache // advisory balance cache, may be nil
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithCache attaches an advisory balance cache. The cache is invalidated on
// every balance write and is never authoritative.
func (s *Service) WithCache(c *Cache) *Service {
	s.cache = c
	return s
}

// GetBalance returns a user's wallet, reading through the advisory cache.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrNotFound)
	}
	if s.cache != nil {
		if w, ok := s.cache.Get(ctx, userID); ok {
			return w, nil
		}
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, w)
	}
	return w, nil
}

// GetHistory returns a page of ledger rows for a user, newest first.
// cursor is an opaque position from a previous page; empty starts at the top.
func (s *Service) GetHistory(ctx context.Context, userID, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidCursor, cursor)
	}
	txns, err := s.store.ListTransactions(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// Credit injects externally-purchased coins into a wallet.
// A reused idempotency key returns the previously-applied transaction.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, typ TxType, idempotencyKey, description string, metadata map[string]string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("idempotency key is required")
	}

	ctx, span := traces.StartSpan(ctx, "wallet.Credit",
		traces.UserID(userID), traces.Amount(amount))
	defer span.End()

	txn, err := s.store.Credit(ctx, userID, amount, typ, idempotencyKey, description, metadata)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		prior, getErr := s.store.GetTransactionByKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("duplicate key but prior transaction missing: %w", getErr)
		}
		logging.L(ctx).Info("credit already applied", "user_id", userID, "idempotency_key", idempotencyKey)
		return prior, nil
	}
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, userID)
	transfersTotal.WithLabelValues(string(typ)).Inc()
	return txn, nil
}

// RecordTransfer moves coins between two users as one linked ledger pair.
// A reused idempotency key returns the prior pair with AlreadyApplied set.
func (s *Service) RecordTransfer(ctx context.Context, fromUserID, toUserID string, amount int64, typ TxType, idempotencyKey, description string) (*TransferResult, error) {
	return s.recordTransferTyped(ctx, fromUserID, toUserID, amount, typ, typ, idempotencyKey, description, nil)
}

func (s *Service) recordTransferTyped(ctx context.Context, fromUserID, toUserID string, amount int64, debitType, creditType TxType, idempotencyKey, description string, metadata map[string]string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return nil, errors.New("payer and payee cannot be the same user")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("idempotency key is required")
	}

	ctx, span := traces.StartSpan(ctx, "wallet.RecordTransfer",
		traces.UserID(fromUserID), traces.Amount(amount))
	defer span.End()

	res, err := s.store.Transfer(ctx, fromUserID, toUserID, amount, debitType, creditType, idempotencyKey, description, metadata)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		prior, getErr := s.store.GetTransactionByKey(ctx, idempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("duplicate key but prior transfer missing: %w", getErr)
		}
		logging.L(ctx).Info("transfer already applied",
			"from", fromUserID, "to", toUserID, "idempotency_key", idempotencyKey)
		return &TransferResult{
			DebitID:        prior.ID,
			CreditID:       prior.RelatedTransactionID,
			AlreadyApplied: true,
		}, nil
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			insufficientFundsTotal.Inc()
		}
		return nil, err
	}

	s.invalidate(ctx, fromUserID, toUserID)
	transfersTotal.WithLabelValues(string(debitType)).Inc()
	return res, nil
}

// CreateHold reserves amount against the payer's free balance
// (balance - heldBalance) for a metered session.
func (s *Service) CreateHold(ctx context.Context, userID string, amount int64) (*Hold, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "wallet.CreateHold",
		traces.UserID(userID), traces.Amount(amount))
	defer span.End()

	hold := &Hold{
		ID:        idgen.WithPrefix("hold_"),
		UserID:    userID,
		Amount:    amount,
		Status:    HoldActive,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateHold(ctx, hold); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			insufficientFundsTotal.Inc()
		}
		return nil, err
	}

	s.invalidate(ctx, userID)
	activeHolds.Inc()
	return hold, nil
}

// SettleHold closes a hold with a final charge, capped to the hold amount.
// Safe to call more than once for the same hold: the losing caller of a
// termination race observes AlreadySettled and identical balances.
func (s *Service) SettleHold(ctx context.Context, holdID, payeeUserID string, actualCharge int64, debitType, creditType TxType, description string) (*SettleResult, error) {
	if actualCharge < 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "wallet.SettleHold",
		traces.HoldID(holdID), traces.Amount(actualCharge))
	defer span.End()

	// One logical settlement per hold, so the key derives from the hold ID.
	// Racing termination triggers collapse onto the same ledger pair.
	key := "settle:" + holdID

	res, err := s.store.SettleHold(ctx, holdID, payeeUserID, actualCharge, debitType, creditType, key, description)
	if err != nil {
		return nil, err
	}

	hold, getErr := s.store.GetHold(ctx, holdID)
	if getErr == nil {
		s.invalidate(ctx, hold.UserID, payeeUserID)
	}
	if !res.AlreadySettled {
		activeHolds.Dec()
		settlementsTotal.WithLabelValues(string(debitType)).Inc()
		coinsSettled.Add(float64(res.Charged))
	}
	return res, nil
}

// ReleaseHold abandons a hold that never became billable. No ledger rows are
// written; the reservation returns to free balance. Releasing a hold that is
// already terminal is a benign no-op.
func (s *Service) ReleaseHold(ctx context.Context, holdID string) error {
	ctx, span := traces.StartSpan(ctx, "wallet.ReleaseHold", traces.HoldID(holdID))
	defer span.End()

	err := s.store.ReleaseHold(ctx, holdID)
	if errors.Is(err, ErrHoldNotActive) {
		return nil
	}
	if err != nil {
		return err
	}

	if hold, getErr := s.store.GetHold(ctx, holdID); getErr == nil {
		s.invalidate(ctx, hold.UserID)
	}
	activeHolds.Dec()
	return nil
}

// GetHold returns a hold by ID.
func (s *Service) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	return s.store.GetHold(ctx, holdID)
}

func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	if s.cache == nil {
		return
	}
	for _, id := range userIDs {
		s.cache.Invalidate(ctx, id)
	}
}
