package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starlit-live/walletcore/internal/wallet"
)

var bookTime = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newBookingService(t *testing.T) (*Service, *wallet.MemoryStore) {
	t.Helper()
	wallets := wallet.NewMemoryStore()
	svc := NewService(NewMemoryStore(wallets)).WithClock(func() time.Time { return bookTime })
	return svc, wallets
}

func seed(t *testing.T, wallets *wallet.MemoryStore, userID string, coins int64) {
	t.Helper()
	_, err := wallets.Credit(context.Background(), userID, coins, wallet.TypePurchase, "seed:"+userID, "", nil)
	if err != nil {
		t.Fatalf("seed %s: %v", userID, err)
	}
}

func balanceOf(t *testing.T, wallets *wallet.MemoryStore, userID string) int64 {
	t.Helper()
	w, err := wallets.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWallet %s: %v", userID, err)
	}
	return w.Balance
}

func TestRefundPercent(t *testing.T) {
	b := &Booking{
		FanID:          "fan_1",
		CreatorID:      "creator_1",
		ScheduledStart: bookTime.Add(48 * time.Hour),
	}

	cases := []struct {
		name        string
		cancelledBy string
		untilStart  time.Duration
		want        int
	}{
		{"fan cancels 30h ahead", "fan_1", 30 * time.Hour, 100},
		{"fan cancels exactly 24h ahead", "fan_1", 24 * time.Hour, 100},
		{"fan cancels 10h ahead", "fan_1", 10 * time.Hour, 50},
		{"fan cancels exactly 1h ahead", "fan_1", time.Hour, 50},
		{"fan cancels 20min ahead", "fan_1", 20 * time.Minute, 0},
		{"fan cancels after start", "fan_1", -time.Hour, 0},
		{"creator cancels 20min ahead", "creator_1", 20 * time.Minute, 100},
		{"creator cancels after start", "creator_1", -time.Hour, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			at := b.ScheduledStart.Add(-tc.untilStart)
			if got := RefundPercent(b, tc.cancelledBy, at); got != tc.want {
				t.Errorf("RefundPercent = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCreate_ChargesFanUpfront(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1500)

	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(48*time.Hour), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != StatusConfirmed || b.CoinsCharged != 1000 {
		t.Errorf("booking = %+v, want confirmed for 1000", b)
	}

	if got := balanceOf(t, wallets, "fan_1"); got != 500 {
		t.Errorf("fan = %d, want 500", got)
	}
	if got := balanceOf(t, wallets, "creator_1"); got != 1000 {
		t.Errorf("creator = %d, want 1000", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1500)

	if _, err := svc.Create(ctx, "fan_1", "fan_1", bookTime.Add(time.Hour), 30, 100, ""); err == nil {
		t.Error("self-booking accepted")
	}
	if _, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(time.Hour), 30, 0, ""); !errors.Is(err, wallet.ErrInvalidAmount) {
		t.Errorf("zero price = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(-time.Hour), 30, 100, ""); err == nil {
		t.Error("past start accepted")
	}
	if _, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(time.Hour), 30, 9999, ""); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Errorf("unaffordable booking = %v, want ErrInsufficientFunds", err)
	}
}

func TestCancel_FullRefund(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1000)

	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(30*time.Hour), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := svc.Cancel(ctx, b.ID, "fan_1", "plans changed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.RefundPercent != 100 || res.RefundAmount != 1000 {
		t.Errorf("refund = %d%% / %d coins, want 100%% / 1000", res.RefundPercent, res.RefundAmount)
	}

	if got := balanceOf(t, wallets, "fan_1"); got != 1000 {
		t.Errorf("fan = %d, want 1000 back", got)
	}
	if got := balanceOf(t, wallets, "creator_1"); got != 0 {
		t.Errorf("creator = %d, want 0", got)
	}

	got, _ := svc.Get(ctx, b.ID)
	if got.Status != StatusCancelled || got.RefundTransactionID == "" || got.CancelledAt == nil {
		t.Errorf("booking after cancel = %+v, want cancelled with refund tx", got)
	}
}

func TestCancel_HalfRefund(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1000)

	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(10*time.Hour), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := svc.Cancel(ctx, b.ID, "fan_1", "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.RefundPercent != 50 || res.RefundAmount != 500 {
		t.Errorf("refund = %d%% / %d coins, want 50%% / 500", res.RefundPercent, res.RefundAmount)
	}
	if got := balanceOf(t, wallets, "fan_1"); got != 500 {
		t.Errorf("fan = %d, want 500", got)
	}
	if got := balanceOf(t, wallets, "creator_1"); got != 500 {
		t.Errorf("creator = %d, want 500", got)
	}
}

func TestCancel_RefundFloorsOddAmounts(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 333)

	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(10*time.Hour), 30, 333, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := svc.Cancel(ctx, b.ID, "fan_1", "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.RefundAmount != 166 {
		t.Errorf("refund = %d, want 166 (floor of 333 × 50%%)", res.RefundAmount)
	}
}

func TestCancel_ZeroRefundWritesNoLedgerRows(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1000)

	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(20*time.Minute), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := svc.Cancel(ctx, b.ID, "fan_1", "too late")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.RefundPercent != 0 || res.RefundAmount != 0 {
		t.Errorf("refund = %d%% / %d coins, want 0/0", res.RefundPercent, res.RefundAmount)
	}

	// Status flips but no refund pair exists.
	if _, err := wallets.GetTransactionByKey(ctx, "refund:"+b.ID); !errors.Is(err, wallet.ErrNotFound) {
		t.Errorf("refund ledger row exists for zero refund: %v", err)
	}
	got, _ := svc.Get(ctx, b.ID)
	if got.Status != StatusCancelled || got.RefundTransactionID != "" {
		t.Errorf("booking = %+v, want cancelled with no refund tx", got)
	}
	if fan := balanceOf(t, wallets, "fan_1"); fan != 0 {
		t.Errorf("fan = %d, creator keeps the full charge", fan)
	}
}

func TestCancel_CreatorAlwaysRefundsFully(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1000)

	// 20 minutes before start a fan would get nothing; the creator
	// cancelling still refunds everything.
	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(20*time.Minute), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := svc.Cancel(ctx, b.ID, "creator_1", "emergency")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.RefundPercent != 100 || res.RefundAmount != 1000 {
		t.Errorf("refund = %d%% / %d coins, want 100%% / 1000", res.RefundPercent, res.RefundAmount)
	}
	if got := balanceOf(t, wallets, "fan_1"); got != 1000 {
		t.Errorf("fan = %d, want full 1000 back", got)
	}
}

func TestCancel_Guards(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 1000)

	b, err := svc.Create(ctx, "fan_1", "creator_1", bookTime.Add(48*time.Hour), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Cancel(ctx, "bkg_missing", "fan_1", ""); !errors.Is(err, ErrBookingNotFound) {
		t.Errorf("missing booking = %v, want ErrBookingNotFound", err)
	}
	if _, err := svc.Cancel(ctx, b.ID, "fan_99", ""); !errors.Is(err, ErrNotBookingParty) {
		t.Errorf("stranger cancel = %v, want ErrNotBookingParty", err)
	}

	if _, err := svc.Cancel(ctx, b.ID, "fan_1", ""); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := svc.Cancel(ctx, b.ID, "fan_1", ""); !errors.Is(err, ErrAlreadyCancelled) {
		t.Errorf("second cancel = %v, want ErrAlreadyCancelled", err)
	}
	// The refund moved exactly once.
	if got := balanceOf(t, wallets, "fan_1"); got != 1000 {
		t.Errorf("fan = %d after double cancel, want 1000", got)
	}
}

func TestCreate_DuplicateIdempotencyKey(t *testing.T) {
	svc, wallets := newBookingService(t)
	ctx := context.Background()
	seed(t, wallets, "fan_1", 2000)

	start := bookTime.Add(48 * time.Hour)
	if _, err := svc.Create(ctx, "fan_1", "creator_1", start, 30, 500, "bk_once"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.Create(ctx, "fan_1", "creator_1", start, 30, 500, "bk_once"); !errors.Is(err, wallet.ErrDuplicateIdempotencyKey) {
		t.Errorf("replayed create = %v, want ErrDuplicateIdempotencyKey", err)
	}
	if got := balanceOf(t, wallets, "fan_1"); got != 1500 {
		t.Errorf("fan = %d, want charged once to 1500", got)
	}
}
