// Package booking handles scheduled paid sessions and their time-tiered
// cancellation refunds.
//
// Refund policy, measured against the scheduled start at the moment of
// cancellation:
//   - cancelled by the creator: 100%, regardless of timing
//   - cancelled by the fan ≥24h before start: 100%
//   - cancelled by the fan between 1h and 24h before start: 50%
//   - cancelled by the fan <1h before start: 0%
//
// The refund amount is floor(coinsCharged × percent / 100). The booking
// status flip and the refund ledger pair commit in one transaction; a
// half-applied cancellation is a correctness bug, not a retry case.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starlit-live/walletcore/internal/idgen"
	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/traces"
	"github.com/starlit-live/walletcore/internal/wallet"
)

var (
	ErrBookingNotFound  = errors.New("booking not found")
	ErrAlreadyCancelled = errors.New("booking is not cancellable")
	ErrNotBookingParty  = errors.New("user is not a party to this booking")
)

// Status is a booking's lifecycle state.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Booking is a pre-paid scheduled session between a fan and a creator.
type Booking struct {
	ID                  string     `json:"id"`
	FanID               string     `json:"fanId"`
	CreatorID           string     `json:"creatorId"`
	ScheduledStart      time.Time  `json:"scheduledStart"`
	DurationMinutes     int        `json:"durationMinutes"`
	CoinsCharged        int64      `json:"coinsCharged"`
	Status              Status     `json:"status"`
	CancelledBy         string     `json:"cancelledBy,omitempty"`
	CancelReason        string     `json:"cancelReason,omitempty"`
	RefundAmount        int64      `json:"refundAmount"`
	RefundTransactionID string     `json:"refundTransactionId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
}

// CancelResult reports the outcome of a cancellation.
type CancelResult struct {
	RefundAmount  int64 `json:"refundAmount"`
	RefundPercent int   `json:"refundPercent"`
}

// Store persists bookings. Create applies the upfront payment and the
// booking row atomically; Cancel applies the status flip and the refund
// pair atomically, re-checking the status under lock.
type Store interface {
	Create(ctx context.Context, b *Booking, idempotencyKey string) error
	Get(ctx context.Context, bookingID string) (*Booking, error)
	// Cancel flips a confirmed booking to cancelled and, when refundAmount
	// is positive, writes the creator→fan refund pair in the same
	// transaction. Returns ErrAlreadyCancelled if the booking is no longer
	// confirmed by the time the row lock is held.
	Cancel(ctx context.Context, bookingID, cancelledBy, reason string, refundAmount int64) (refundTxID string, err error)
}

// RefundPercent returns the refund tier for a cancellation.
func RefundPercent(b *Booking, cancellingUserID string, at time.Time) int {
	if cancellingUserID == b.CreatorID {
		return 100
	}
	untilStart := b.ScheduledStart.Sub(at)
	switch {
	case untilStart >= 24*time.Hour:
		return 100
	case untilStart >= time.Hour:
		return 50
	default:
		return 0
	}
}

// Service implements booking business logic.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a booking service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the service clock. For tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create books a session: the fan pays upfront and the booking is recorded
// in the same transaction.
func (s *Service) Create(ctx context.Context, fanID, creatorID string, scheduledStart time.Time, durationMinutes int, price int64, idempotencyKey string) (*Booking, error) {
	if fanID == creatorID {
		return nil, errors.New("fan and creator cannot be the same user")
	}
	if price <= 0 {
		return nil, wallet.ErrInvalidAmount
	}
	if !scheduledStart.After(s.now()) {
		return nil, errors.New("scheduled start must be in the future")
	}
	if idempotencyKey == "" {
		idempotencyKey = "booking:" + idgen.New()
	}

	ctx, span := traces.StartSpan(ctx, "booking.Create",
		traces.UserID(fanID), traces.Amount(price))
	defer span.End()

	b := &Booking{
		ID:              idgen.WithPrefix("bkg_"),
		FanID:           fanID,
		CreatorID:       creatorID,
		ScheduledStart:  scheduledStart,
		DurationMinutes: durationMinutes,
		CoinsCharged:    price,
		Status:          StatusConfirmed,
		CreatedAt:       s.now(),
	}
	if err := s.store.Create(ctx, b, idempotencyKey); err != nil {
		return nil, err
	}
	bookingsTotal.Inc()
	return b, nil
}

// Cancel cancels a confirmed booking and routes the tiered refund back to
// the fan. The refund amount is decided from the cancellation moment; a
// zero-refund cancellation still flips the status but writes no ledger rows.
func (s *Service) Cancel(ctx context.Context, bookingID, cancellingUserID, reason string) (*CancelResult, error) {
	ctx, span := traces.StartSpan(ctx, "booking.Cancel",
		traces.BookingID(bookingID), traces.UserID(cancellingUserID))
	defer span.End()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if cancellingUserID != b.FanID && cancellingUserID != b.CreatorID {
		return nil, ErrNotBookingParty
	}
	if b.Status != StatusConfirmed {
		return nil, ErrAlreadyCancelled
	}

	percent := RefundPercent(b, cancellingUserID, s.now())
	refund := b.CoinsCharged * int64(percent) / 100

	refundTxID, err := s.store.Cancel(ctx, bookingID, cancellingUserID, reason, refund)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("booking cancelled",
		"booking_id", bookingID, "cancelled_by", cancellingUserID,
		"refund", refund, "percent", percent, "refund_tx", refundTxID)
	cancellationsTotal.WithLabelValues(fmt.Sprintf("%d", percent)).Inc()
	coinsRefunded.Add(float64(refund))
	return &CancelResult{RefundAmount: refund, RefundPercent: percent}, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, bookingID string) (*Booking, error) {
	return s.store.Get(ctx, bookingID)
}
