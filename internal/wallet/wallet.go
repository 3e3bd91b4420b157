// Package wallet is the financial core of the platform: per-user coin
// balances, the append-only transaction ledger, and spend holds.
//
// Flow:
//  1. Fan buys coins (purchase) → balance credited via a ledger row
//  2. A metered session starts → a spend hold reserves coins (heldBalance)
//  3. The session ends → settlement writes a debit/credit ledger pair,
//     moves coins to the creator, and releases the hold
//  4. Nightly reconciliation recomputes balances from the ledger
//
// The ledger is canonical. The stored balance is a materialized view of the
// ledger that reconciliation corrects when it drifts. Balance only changes
// when a ledger row is written; heldBalance only changes on hold
// create/settle/release.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/starlit-live/walletcore/internal/pagination"
)

var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrHoldNotActive           = errors.New("hold is not active")
	ErrNotFound                = errors.New("not found")
	ErrLockTimeout             = errors.New("row lock timed out")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidCursor           = errors.New("invalid pagination cursor")
)

// TxType classifies a ledger entry.
type TxType string

const (
	TypePurchase          TxType = "purchase"
	TypeCallPayment       TxType = "call_payment"
	TypeCallEarnings      TxType = "call_earnings"
	TypeGroupRoomPayment  TxType = "group_room_payment"
	TypeGroupRoomEarnings TxType = "group_room_earnings"
	TypeBookingPayment    TxType = "booking_payment"
	TypeBookingEarnings   TxType = "booking_earnings"
	TypeBookingRefund     TxType = "booking_refund"
	TypeAdminRefund       TxType = "admin_refund"
	TypeTip               TxType = "tip"
	TypeUnlock            TxType = "unlock"
)

// HoldStatus is the lifecycle state of a spend hold.
// Transitions: active → settled (money moved) or active → released (no charge).
// Both terminal states are final.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldSettled  HoldStatus = "settled"
	HoldReleased HoldStatus = "released"
)

// Wallet holds a user's total coins and the portion reserved by active holds.
// Spendable-for-new-holds is Balance - HeldBalance.
type Wallet struct {
	UserID      string    `json:"userId"`
	Balance     int64     `json:"balance"`
	HeldBalance int64     `json:"heldBalance"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Transaction is one immutable ledger row. Negative amounts are debits,
// positive amounts are credits. A two-party movement is a pair of rows with
// equal magnitude, opposite sign, mutually linked via RelatedTransactionID.
type Transaction struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"userId"`
	Amount               int64             `json:"amount"`
	Type                 TxType            `json:"type"`
	Status               string            `json:"status"`
	Description          string            `json:"description,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	IdempotencyKey       string            `json:"idempotencyKey,omitempty"`
	RelatedTransactionID string            `json:"relatedTransactionId,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// Hold reserves coins against a wallet for a metered session that has not
// been priced yet. An active hold has incremented heldBalance by Amount;
// settle/release decrements by the same Amount, never partially.
type Hold struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Amount    int64      `json:"amount"`
	Status    HoldStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// TransferResult identifies the debit/credit pair written by a transfer.
type TransferResult struct {
	DebitID        string `json:"debitId"`
	CreditID       string `json:"creditId"`
	AlreadyApplied bool   `json:"alreadyApplied"`
}

// SettleResult reports the outcome of settling a hold.
type SettleResult struct {
	Charged        int64  `json:"charged"`
	AlreadySettled bool   `json:"alreadySettled"`
	DebitID        string `json:"debitId,omitempty"`
	CreditID       string `json:"creditId,omitempty"`
}

// Store persists wallets, ledger rows, and holds. Every mutating method is
// one atomic unit: row locks, ledger inserts, and balance updates either all
// commit or none do. Implementations must lock wallets in ascending user-ID
// order when two are involved.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetHold(ctx context.Context, holdID string) (*Hold, error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error)

	// Credit injects external funds (purchases, admin grants); single row.
	Credit(ctx context.Context, userID string, amount int64, typ TxType, idempotencyKey, description string, metadata map[string]string) (*Transaction, error)

	// Transfer moves coins between two users as a linked debit/credit pair.
	// The debit is admitted against the payer's free balance only; coins
	// reserved by an active hold cannot be transferred away.
	Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, debitType, creditType TxType, idempotencyKey, description string, metadata map[string]string) (*TransferResult, error)

	// CreateHold reserves amount against the payer's free balance.
	CreateHold(ctx context.Context, hold *Hold) error

	// SettleHold closes an active hold: charge = min(actualCharge, hold
	// amount), ledger pair payer→payee, heldBalance decremented by the full
	// hold amount. A non-active hold is a no-op with AlreadySettled set.
	SettleHold(ctx context.Context, holdID, payeeUserID string, actualCharge int64, debitType, creditType TxType, idempotencyKey, description string) (*SettleResult, error)

	// ReleaseHold abandons an active hold with no charge and no ledger rows.
	ReleaseHold(ctx context.Context, holdID string) error

	// Reconciliation support. LedgerSum is the ground truth for a balance.
	// ReconcileWallet recomputes the sum and overwrites the stored balance
	// as one atomic unit under the wallet row lock, so a transfer committing
	// mid-reconcile can never be clobbered by a stale sum. It reports the
	// balance found and the ledger sum it now matches.
	ListWalletUserIDs(ctx context.Context) ([]string, error)
	LedgerSum(ctx context.Context, userID string) (int64, error)
	ReconcileWallet(ctx context.Context, userID string) (stored, ledger int64, err error)
	SetBalance(ctx context.Context, userID string, balance int64) error
}

// lockOrder returns the two user IDs in deterministic (ascending) order.
// Every code path that locks two wallets must use this ordering.
func lockOrder(a, b string) (first, second string) {
	if a <= b {
		return a, b
	}
	return b, a
}
