package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starlit-live/walletcore/internal/wallet"
)

// PostgresStore implements Store with PostgreSQL. Booking rows share one
// database transaction with the wallet store's ledger writes, so a payment
// or refund and its booking status land together or not at all.
type PostgresStore struct {
	db      *sql.DB
	wallets *wallet.PostgresStore
}

// NewPostgresStore creates a booking store over the shared database.
func NewPostgresStore(wallets *wallet.PostgresStore) *PostgresStore {
	return &PostgresStore{db: wallets.DB(), wallets: wallets}
}

const bookingColumns = `id, fan_id, creator_id, scheduled_start, duration_minutes, coins_charged, status, cancelled_by, cancel_reason, refund_amount, refund_transaction_id, created_at, cancelled_at`

func scanBooking(row interface{ Scan(...any) error }) (*Booking, error) {
	b := &Booking{}
	var cancelledBy, cancelReason, refundTxID sql.NullString
	var cancelledAt sql.NullTime
	err := row.Scan(&b.ID, &b.FanID, &b.CreatorID, &b.ScheduledStart,
		&b.DurationMinutes, &b.CoinsCharged, &b.Status,
		&cancelledBy, &cancelReason, &b.RefundAmount, &refundTxID,
		&b.CreatedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	b.CancelledBy = cancelledBy.String
	b.CancelReason = cancelReason.String
	b.RefundTransactionID = refundTxID.String
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.Time
	}
	return b, nil
}

// Create charges the fan upfront and inserts the booking row in one
// transaction.
func (p *PostgresStore) Create(ctx context.Context, b *Booking, idempotencyKey string) error {
	return p.wallets.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := p.wallets.TransferTx(ctx, tx, b.FanID, b.CreatorID, b.CoinsCharged,
			wallet.TypeBookingPayment, wallet.TypeBookingEarnings, idempotencyKey,
			fmt.Sprintf("booking %s", b.ID),
			map[string]string{"booking_id": b.ID})
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bookings
				(id, fan_id, creator_id, scheduled_start, duration_minutes, coins_charged, status, refund_amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
		`, b.ID, b.FanID, b.CreatorID, b.ScheduledStart, b.DurationMinutes,
			b.CoinsCharged, string(b.Status), b.CreatedAt)
		return err
	})
}

// Get retrieves a booking by ID.
func (p *PostgresStore) Get(ctx context.Context, bookingID string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Cancel flips a confirmed booking to cancelled and writes the creator→fan
// refund pair in the same transaction. The status is re-checked under the
// row lock so concurrent cancellations resolve to a single refund.
func (p *PostgresStore) Cancel(ctx context.Context, bookingID, cancelledBy, reason string, refundAmount int64) (string, error) {
	var refundTxID string
	err := p.wallets.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBooking(tx.QueryRowContext(ctx,
			`SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBookingNotFound
		}
		if err != nil {
			return err
		}
		if b.Status != StatusConfirmed {
			return ErrAlreadyCancelled
		}

		if refundAmount > 0 {
			res, err := p.wallets.TransferTx(ctx, tx, b.CreatorID, b.FanID, refundAmount,
				wallet.TypeBookingRefund, wallet.TypeBookingRefund,
				"refund:"+bookingID,
				fmt.Sprintf("refund for booking %s", bookingID),
				map[string]string{"booking_id": bookingID, "cancelled_by": cancelledBy})
			if err != nil {
				return err
			}
			refundTxID = res.CreditID
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bookings
			SET status = 'cancelled', cancelled_by = $2, cancel_reason = $3,
			    refund_amount = $4, refund_transaction_id = NULLIF($5, ''), cancelled_at = $6
			WHERE id = $1
		`, bookingID, cancelledBy, reason, refundAmount, refundTxID, time.Now())
		return err
	})
	if err != nil {
		return "", err
	}
	return refundTxID, nil
}
