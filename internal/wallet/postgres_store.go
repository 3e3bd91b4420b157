package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/starlit-live/walletcore/internal/idgen"
	"github.com/starlit-live/walletcore/internal/pagination"
)

// Postgres error codes we translate into the wallet error taxonomy.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgLockNotAvail    = "55P03"
	pgLockTimeout     = "57014" // statement_timeout fired while waiting
)

// PostgresStore implements Store with PostgreSQL. Correctness comes from
// row-level locks taken inside a single transaction per operation, not from
// in-process mutual exclusion.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: 3 * time.Second}
}

func translatePGErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return ErrDuplicateIdempotencyKey
		case pgCheckViolation:
			return ErrInsufficientFunds
		case pgLockNotAvail, pgLockTimeout:
			return ErrLockTimeout
		}
	}
	return err
}

// withTx runs fn inside one transaction with a bounded lock wait.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return translatePGErr(err)
	}
	if err := tx.Commit(); err != nil {
		return translatePGErr(err)
	}
	return nil
}

// ensureWalletTx lazily creates the wallet row so it can be locked.
func ensureWalletTx(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, held_balance, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

// lockWalletTx takes a row-level exclusive lock on one wallet.
func lockWalletTx(ctx context.Context, tx *sql.Tx, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := tx.QueryRowContext(ctx, `
		SELECT balance, held_balance, updated_at
		FROM wallets WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.Balance, &w.HeldBalance, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// lockWalletPairTx locks two wallets in ascending user-ID order. Every code
// path that locks both a payer and a payee goes through here, which is what
// keeps lock acquisition deadlock-free.
func lockWalletPairTx(ctx context.Context, tx *sql.Tx, a, b string) (walletA, walletB *Wallet, err error) {
	first, second := lockOrder(a, b)
	for _, id := range []string{first, second} {
		if err := ensureWalletTx(ctx, tx, id); err != nil {
			return nil, nil, err
		}
	}
	firstW, err := lockWalletTx(ctx, tx, first)
	if err != nil {
		return nil, nil, err
	}
	secondW, err := lockWalletTx(ctx, tx, second)
	if err != nil {
		return nil, nil, err
	}
	if first == a {
		return firstW, secondW, nil
	}
	return secondW, firstW, nil
}

func updateBalanceTx(ctx context.Context, tx *sql.Tx, userID string, balanceDelta, heldDelta int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance      = balance + $2,
			held_balance = held_balance + $3,
			updated_at   = NOW()
		WHERE user_id = $1
	`, userID, balanceDelta, heldDelta)
	return err
}

func insertTransactionTx(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var meta any
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	var key any
	if t.IdempotencyKey != "" {
		key = t.IdempotencyKey
	}
	var related any
	if t.RelatedTransactionID != "" {
		related = t.RelatedTransactionID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, amount, type, status, description, metadata, idempotency_key, related_transaction_id, created_at)
		VALUES ($1, $2, $3, $4, 'completed', $5, $6, $7, $8, NOW())
	`, t.ID, t.UserID, t.Amount, string(t.Type), t.Description, meta, key, related)
	return err
}

// writePairTx inserts a linked debit/credit pair: debit first, then the
// credit referencing it, then the debit is updated once to point back. The
// back-link update is the only mutation a ledger row ever sees.
func writePairTx(ctx context.Context, tx *sql.Tx, debit, credit *Transaction) error {
	if err := insertTransactionTx(ctx, tx, debit); err != nil {
		return err
	}
	credit.RelatedTransactionID = debit.ID
	if err := insertTransactionTx(ctx, tx, credit); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE wallet_transactions SET related_transaction_id = $2 WHERE id = $1
	`, debit.ID, credit.ID)
	if err != nil {
		return err
	}
	debit.RelatedTransactionID = credit.ID
	return nil
}

// GetWallet returns a user's wallet, or a zero wallet if none exists yet.
func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, held_balance, updated_at FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.HeldBalance, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Wallet{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetHold retrieves a hold by ID.
func (p *PostgresStore) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	h := &Hold{ID: holdID}
	var settledAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, amount, status, created_at, settled_at
		FROM spend_holds WHERE id = $1
	`, holdID).Scan(&h.UserID, &h.Amount, &h.Status, &h.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		h.SettledAt = &settledAt.Time
	}
	return h, nil
}

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	t := &Transaction{}
	var desc, key, related sql.NullString
	var meta []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Status, &desc, &meta, &key, &related, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.IdempotencyKey = key.String
	t.RelatedTransactionID = related.String
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return t, nil
}

const txColumns = `id, user_id, amount, type, status, description, metadata, idempotency_key, related_transaction_id, created_at`

// GetTransaction retrieves one ledger row.
func (p *PostgresStore) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE id = $1`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTransactionByKey retrieves the ledger row written under a key.
func (p *PostgresStore) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, idempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTransactions returns a user's most recent ledger rows, newest first.
// A cursor resumes the listing strictly before the (created_at, id) position.
func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM wallet_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+` FROM wallet_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Credit applies an external fund injection inside one transaction.
func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, typ TxType, idempotencyKey, description string, metadata map[string]string) (*Transaction, error) {
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
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureWalletTx(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := lockWalletTx(ctx, tx, userID); err != nil {
			return err
		}
		if err := insertTransactionTx(ctx, tx, txn); err != nil {
			return err
		}
		return updateBalanceTx(ctx, tx, userID, amount, 0)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Transfer moves coins between two users: lock both wallets in ascending
// user-ID order, verify funds, write the linked pair, update both balances.
func (p *PostgresStore) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, debitType, creditType TxType, idempotencyKey, description string, metadata map[string]string) (*TransferResult, error) {
	var res *TransferResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = p.TransferTx(ctx, tx, fromUserID, toUserID, amount, debitType, creditType, idempotencyKey, description, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TransferTx is the transaction-scoped form of Transfer, used by callers
// (booking cancellation, settlement) that must commit their own status rows
// in the same atomic unit as the money movement.
func (p *PostgresStore) TransferTx(ctx context.Context, tx *sql.Tx, fromUserID, toUserID string, amount int64, debitType, creditType TxType, idempotencyKey, description string, metadata map[string]string) (*TransferResult, error) {
	payer, _, err := lockWalletPairTx(ctx, tx, fromUserID, toUserID)
	if err != nil {
		return nil, err
	}
	// Coins reserved by an active hold are not spendable: admitting a debit
	// against them would leave the hold unable to settle.
	if payer.Balance-payer.HeldBalance < amount {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	debit := &Transaction{
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
	credit := &Transaction{
		ID:             idgen.WithPrefix("txn_"),
		UserID:         toUserID,
		Amount:         amount,
		Type:           creditType,
		Status:         "completed",
		Description:    description,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey + ":credit",
		CreatedAt:      now,
	}
	if err := writePairTx(ctx, tx, debit, credit); err != nil {
		return nil, err
	}
	if err := updateBalanceTx(ctx, tx, fromUserID, -amount, 0); err != nil {
		return nil, err
	}
	if err := updateBalanceTx(ctx, tx, toUserID, amount, 0); err != nil {
		return nil, err
	}
	return &TransferResult{DebitID: debit.ID, CreditID: credit.ID}, nil
}

// CreateHold reserves coins against the payer's free balance. The balance
// itself is untouched: heldBalance grows by the hold amount and the quantity
// spendable for new holds is balance - heldBalance.
func (p *PostgresStore) CreateHold(ctx context.Context, hold *Hold) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureWalletTx(ctx, tx, hold.UserID); err != nil {
			return err
		}
		w, err := lockWalletTx(ctx, tx, hold.UserID)
		if err != nil {
			return err
		}
		if w.Balance-w.HeldBalance < hold.Amount {
			return ErrInsufficientFunds
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO spend_holds (id, user_id, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, hold.ID, hold.UserID, hold.Amount, string(hold.Status), hold.CreatedAt)
		if err != nil {
			return err
		}
		return updateBalanceTx(ctx, tx, hold.UserID, 0, hold.Amount)
	})
}

// lockHoldTx locks the hold row so racing settlements serialize on it.
func lockHoldTx(ctx context.Context, tx *sql.Tx, holdID string) (*Hold, error) {
	h := &Hold{ID: holdID}
	var settledAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, amount, status, created_at, settled_at
		FROM spend_holds WHERE id = $1
		FOR UPDATE
	`, holdID).Scan(&h.UserID, &h.Amount, &h.Status, &h.CreatedAt, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		h.SettledAt = &settledAt.Time
	}
	return h, nil
}

// SettleHold converts an active hold into a final charge.
func (p *PostgresStore) SettleHold(ctx context.Context, holdID, payeeUserID string, actualCharge int64, debitType, creditType TxType, idempotencyKey, description string) (*SettleResult, error) {
	var res *SettleResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = p.SettleHoldTx(ctx, tx, holdID, payeeUserID, actualCharge, debitType, creditType, idempotencyKey, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SettleHoldTx is the transaction-scoped form of SettleHold. The hold row is
// locked first; a hold that is no longer active short-circuits to the
// previously-applied result, which is what makes a leave racing a timeout
// sweep a safe no-op instead of a double charge.
func (p *PostgresStore) SettleHoldTx(ctx context.Context, tx *sql.Tx, holdID, payeeUserID string, actualCharge int64, debitType, creditType TxType, idempotencyKey, description string) (*SettleResult, error) {
	hold, err := lockHoldTx(ctx, tx, holdID)
	if err != nil {
		return nil, err
	}

	if hold.Status != HoldActive {
		// Recover the prior charge from the ledger row written under the
		// settlement key. A released hold has no row: charged 0.
		prior, err := scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+txColumns+` FROM wallet_transactions WHERE idempotency_key = $1`, idempotencyKey))
		if errors.Is(err, sql.ErrNoRows) {
			return &SettleResult{Charged: 0, AlreadySettled: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return &SettleResult{
			Charged:        -prior.Amount,
			AlreadySettled: true,
			DebitID:        prior.ID,
			CreditID:       prior.RelatedTransactionID,
		}, nil
	}

	charge := actualCharge
	if charge > hold.Amount {
		charge = hold.Amount
	}

	res := &SettleResult{Charged: charge}
	if charge > 0 {
		payer, _, err := lockWalletPairTx(ctx, tx, hold.UserID, payeeUserID)
		if err != nil {
			return nil, err
		}
		// The hold reserved these coins at creation time, so the balance
		// must still cover the capped charge. If it doesn't, the books have
		// been corrupted outside this package; refuse rather than go negative.
		if payer.Balance < charge {
			return nil, ErrInsufficientFunds
		}

		now := time.Now()
		debit := &Transaction{
			ID:             idgen.WithPrefix("txn_"),
			UserID:         hold.UserID,
			Amount:         -charge,
			Type:           debitType,
			Status:         "completed",
			Description:    description,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		}
		credit := &Transaction{
			ID:             idgen.WithPrefix("txn_"),
			UserID:         payeeUserID,
			Amount:         charge,
			Type:           creditType,
			Status:         "completed",
			Description:    description,
			IdempotencyKey: idempotencyKey + ":credit",
			CreatedAt:      now,
		}
		if err := writePairTx(ctx, tx, debit, credit); err != nil {
			return nil, err
		}
		// Payer loses the charge and the entire reservation comes off
		// heldBalance; any unused portion returns to free balance.
		if err := updateBalanceTx(ctx, tx, hold.UserID, -charge, -hold.Amount); err != nil {
			return nil, err
		}
		if err := updateBalanceTx(ctx, tx, payeeUserID, charge, 0); err != nil {
			return nil, err
		}
		res.DebitID = debit.ID
		res.CreditID = credit.ID
	} else {
		// Zero charge: no ledger rows, just release the reservation.
		if err := ensureWalletTx(ctx, tx, hold.UserID); err != nil {
			return nil, err
		}
		if _, err := lockWalletTx(ctx, tx, hold.UserID); err != nil {
			return nil, err
		}
		if err := updateBalanceTx(ctx, tx, hold.UserID, 0, -hold.Amount); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE spend_holds SET status = $2, settled_at = NOW() WHERE id = $1
	`, holdID, string(HoldSettled))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReleaseHold abandons an active hold with no charge.
func (p *PostgresStore) ReleaseHold(ctx context.Context, holdID string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		hold, err := lockHoldTx(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != HoldActive {
			return ErrHoldNotActive
		}
		if _, err := lockWalletTx(ctx, tx, hold.UserID); err != nil {
			return err
		}
		if err := updateBalanceTx(ctx, tx, hold.UserID, 0, -hold.Amount); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE spend_holds SET status = $2, settled_at = NOW() WHERE id = $1
		`, holdID, string(HoldReleased))
		return err
	})
}

// ListWalletUserIDs returns every wallet owner, for the reconciliation sweep.
func (p *PostgresStore) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LedgerSum recomputes a user's balance from the ledger. A wallet with no
// rows sums to zero.
func (p *PostgresStore) LedgerSum(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// ReconcileWallet locks the wallet row, recomputes the ledger sum inside
// the same transaction, and overwrites the balance on mismatch. The row
// lock serializes against concurrent transfers, so the sum can never be
// stale by the time it is written back.
func (p *PostgresStore) ReconcileWallet(ctx context.Context, userID string) (stored, ledger int64, err error) {
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		w, err := lockWalletTx(ctx, tx, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		stored = w.Balance
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE user_id = $1
		`, userID).Scan(&ledger); err != nil {
			return err
		}
		if ledger == stored {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET balance = $2, updated_at = NOW() WHERE user_id = $1
		`, userID, ledger)
		return err
	})
	return stored, ledger, err
}

// SetBalance overwrites a stored balance with the ledger-derived value.
// heldBalance is untouched because active holds intentionally have no
// ledger rows yet.
func (p *PostgresStore) SetBalance(ctx context.Context, userID string, balance int64) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockWalletTx(ctx, tx, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = $2, updated_at = NOW() WHERE user_id = $1
		`, userID, balance)
		return err
	})
}

// DB exposes the underlying handle so sibling stores (settlement, booking)
// can open a transaction that spans their status rows and a money movement.
func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

// WithTx runs fn in one transaction with the store's lock-timeout policy.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return p.withTx(ctx, fn)
}
