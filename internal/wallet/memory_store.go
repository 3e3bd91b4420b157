package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/starlit-live/walletcore/internal/idgen"
	"github.com/starlit-live/walletcore/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo mode and unit tests.
// A single mutex stands in for the database row locks, which preserves the
// atomic all-or-nothing behavior of each operation.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	txns    []*Transaction
	byKey   map[string]*Transaction
	holds   map[string]*Hold
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byKey:   make(map[string]*Transaction),
		holds:   make(map[string]*Hold),
	}
}

func (m *MemoryStore) wallet(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID, UpdatedAt: time.Now()}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.ID == txID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byKey[idempotencyKey]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.txns[i]
		if t.UserID != userID {
			continue
		}
		if before != nil {
			// Same (created_at, id) descending order the SQL store uses.
			if t.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(before.CreatedAt) && t.ID >= before.ID {
				continue
			}
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) append(t *Transaction) {
	m.txns = append(m.txns, t)
	if t.IdempotencyKey != "" {
		m.byKey[t.IdempotencyKey] = t
	}
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, typ TxType, idempotencyKey, description string, metadata map[string]string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[idempotencyKey]; ok {
		return nil, ErrDuplicateIdempotencyKey
	}

	txn := &Transaction{
		ID:             idgen.WithPrefix("txn_"),
		UserID:         userID,
		Amount:         amount,
		Type:           typ,
		Status:         "completed",
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	m.append(txn)

	w := m.wallet(userID)
	w.Balance += amount
	w.UpdatedAt = time.Now()

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, debitType, creditType TxType, idempotencyKey, description string, metadata map[string]string) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[idempotencyKey]; ok {
		return nil, ErrDuplicateIdempotencyKey
	}

	payer := m.wallet(fromUserID)
	// Coins reserved by an active hold are not spendable: admitting a debit
	// against them would leave the hold unable to settle.
	if payer.Balance-payer.HeldBalance < amount {
		return nil, ErrInsufficientFunds
	}

	debit, credit := m.writePair(fromUserID, toUserID, amount, debitType, creditType, idempotencyKey, description, metadata)

	payer.Balance -= amount
	payer.UpdatedAt = time.Now()
	payee := m.wallet(toUserID)
	payee.Balance += amount
	payee.UpdatedAt = time.Now()

	return &TransferResult{DebitID: debit.ID, CreditID: credit.ID}, nil
}

func (m *MemoryStore) writePair(fromUserID, toUserID string, amount int64, debitType, creditType TxType, idempotencyKey, description string, metadata map[string]string) (debit, credit *Transaction) {
	now := time.Now()
	debit = &Transaction{
		ID:             idgen.WithPrefix("txn_"),
		UserID:         fromUserID,
		Amount:         -amount,
		Type:           debitType,
		Status:         "completed",
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	credit = &Transaction{
		ID:                   idgen.WithPrefix("txn_"),
		UserID:               toUserID,
		Amount:               amount,
		Type:                 creditType,
		Status:               "completed",
		Description:          description,
		Metadata:             metadata,
		IdempotencyKey:       idempotencyKey + ":credit",
		RelatedTransactionID: debit.ID,
		CreatedAt:            now,
	}
	debit.RelatedTransactionID = credit.ID
	m.append(debit)
	m.append(credit)
	return debit, credit
}

func (m *MemoryStore) CreateHold(ctx context.Context, hold *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.wallet(hold.UserID)
	if w.Balance-w.HeldBalance < hold.Amount {
		return ErrInsufficientFunds
	}

	cp := *hold
	m.holds[hold.ID] = &cp
	w.HeldBalance += hold.Amount
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SettleHold(ctx context.Context, holdID, payeeUserID string, actualCharge int64, debitType, creditType TxType, idempotencyKey, description string) (*SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold, ok := m.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}

	if hold.Status != HoldActive {
		if prior, ok := m.byKey[idempotencyKey]; ok {
			return &SettleResult{
				Charged:        -prior.Amount,
				AlreadySettled: true,
				DebitID:        prior.ID,
				CreditID:       prior.RelatedTransactionID,
			}, nil
		}
		return &SettleResult{Charged: 0, AlreadySettled: true}, nil
	}

	charge := actualCharge
	if charge > hold.Amount {
		charge = hold.Amount
	}

	payer := m.wallet(hold.UserID)
	res := &SettleResult{Charged: charge}

	if charge > 0 {
		if payer.Balance < charge {
			return nil, ErrInsufficientFunds
		}
		debit, credit := m.writePair(hold.UserID, payeeUserID, charge, debitType, creditType, idempotencyKey, description, nil)
		payer.Balance -= charge
		payee := m.wallet(payeeUserID)
		payee.Balance += charge
		payee.UpdatedAt = time.Now()
		res.DebitID = debit.ID
		res.CreditID = credit.ID
	}

	payer.HeldBalance -= hold.Amount
	payer.UpdatedAt = time.Now()

	now := time.Now()
	hold.Status = HoldSettled
	hold.SettledAt = &now
	return res, nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold, ok := m.holds[holdID]
	if !ok {
		return ErrNotFound
	}
	if hold.Status != HoldActive {
		return ErrHoldNotActive
	}

	w := m.wallet(hold.UserID)
	w.HeldBalance -= hold.Amount
	w.UpdatedAt = time.Now()

	now := time.Now()
	hold.Status = HoldReleased
	hold.SettledAt = &now
	return nil
}

func (m *MemoryStore) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) LedgerSum(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.txns {
		if t.UserID == userID {
			sum += t.Amount
		}
	}
	return sum, nil
}

// ReconcileWallet recomputes the ledger sum and overwrites the balance
// under the store mutex, so no transfer can commit between the read and
// the write-back.
func (m *MemoryStore) ReconcileWallet(ctx context.Context, userID string) (stored, ledger int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return 0, 0, ErrNotFound
	}
	stored = w.Balance
	for _, t := range m.txns {
		if t.UserID == userID {
			ledger += t.Amount
		}
	}
	if ledger != stored {
		w.Balance = ledger
		w.UpdatedAt = time.Now()
	}
	return stored, ledger, nil
}

func (m *MemoryStore) SetBalance(ctx context.Context, userID string, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.Balance = balance
	w.UpdatedAt = time.Now()
	return nil
}
