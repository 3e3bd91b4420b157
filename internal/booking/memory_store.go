package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starlit-live/walletcore/internal/wallet"
)

// MemoryStore is an in-memory Store for tests and local development. Money
// movement is delegated to the wallet store, which owns balance semantics.
type MemoryStore struct {
	mu       sync.Mutex
	wallets  wallet.Store
	bookings map[string]*Booking
}

// NewMemoryStore creates an empty in-memory booking store.
func NewMemoryStore(wallets wallet.Store) *MemoryStore {
	return &MemoryStore{wallets: wallets, bookings: make(map[string]*Booking)}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.wallets.Transfer(ctx, b.FanID, b.CreatorID, b.CoinsCharged,
		wallet.TypeBookingPayment, wallet.TypeBookingEarnings, idempotencyKey,
		fmt.Sprintf("booking %s", b.ID),
		map[string]string{"booking_id": b.ID})
	if err != nil {
		return err
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, bookingID string) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Cancel(ctx context.Context, bookingID, cancelledBy, reason string, refundAmount int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return "", ErrBookingNotFound
	}
	if b.Status != StatusConfirmed {
		return "", ErrAlreadyCancelled
	}

	var refundTxID string
	if refundAmount > 0 {
		res, err := m.wallets.Transfer(ctx, b.CreatorID, b.FanID, refundAmount,
			wallet.TypeBookingRefund, wallet.TypeBookingRefund,
			"refund:"+bookingID,
			fmt.Sprintf("refund for booking %s", bookingID),
			map[string]string{"booking_id": bookingID, "cancelled_by": cancelledBy})
		if err != nil {
			return "", err
		}
		refundTxID = res.CreditID
	}

	now := time.Now()
	b.Status = StatusCancelled
	b.CancelledBy = cancelledBy
	b.CancelReason = reason
	b.RefundAmount = refundAmount
	b.RefundTransactionID = refundTxID
	b.CancelledAt = &now
	return refundTxID, nil
}
