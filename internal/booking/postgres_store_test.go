//go:build integration

package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starlit-live/walletcore/internal/testutil"
	"github.com/starlit-live/walletcore/internal/wallet"
)

func setupPG(t *testing.T) (*Service, *wallet.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	wallets := wallet.NewPostgresStore(db)
	svc := NewService(NewPostgresStore(wallets))
	return svc, wallets, cleanup
}

func pgSeed(t *testing.T, wallets *wallet.PostgresStore, userID string, coins int64) {
	t.Helper()
	_, err := wallets.Credit(context.Background(), userID, coins, wallet.TypePurchase, "seed:"+userID, "", nil)
	if err != nil {
		t.Fatalf("seed %s: %v", userID, err)
	}
}

func TestPostgres_CreateAndCancel(t *testing.T) {
	svc, wallets, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	pgSeed(t, wallets, "fan_1", 1000)

	b, err := svc.Create(ctx, "fan_1", "creator_1", time.Now().Add(48*time.Hour), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fan, _ := wallets.GetWallet(ctx, "fan_1")
	creator, _ := wallets.GetWallet(ctx, "creator_1")
	if fan.Balance != 0 || creator.Balance != 1000 {
		t.Fatalf("balances = %d/%d after create, want 0/1000", fan.Balance, creator.Balance)
	}

	res, err := svc.Cancel(ctx, b.ID, "fan_1", "plans changed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.RefundPercent != 100 || res.RefundAmount != 1000 {
		t.Errorf("refund = %d%% / %d, want 100%% / 1000", res.RefundPercent, res.RefundAmount)
	}

	got, err := svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled || got.RefundTransactionID == "" || got.CancelledAt == nil {
		t.Errorf("booking = %+v, want cancelled with refund tx", got)
	}

	fan, _ = wallets.GetWallet(ctx, "fan_1")
	if fan.Balance != 1000 {
		t.Errorf("fan = %d after refund, want 1000", fan.Balance)
	}
}

func TestPostgres_ConcurrentCancelRefundsOnce(t *testing.T) {
	svc, wallets, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	pgSeed(t, wallets, "fan_1", 1000)

	b, err := svc.Create(ctx, "fan_1", "creator_1", time.Now().Add(48*time.Hour), 30, 1000, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const callers = 6
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Cancel(ctx, b.ID, "fan_1", "race")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i := 0; i < callers; i++ {
		switch {
		case errs[i] == nil:
			succeeded++
		case errors.Is(errs[i], ErrAlreadyCancelled):
		default:
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if succeeded != 1 {
		t.Errorf("successful cancels = %d, want exactly 1", succeeded)
	}

	fan, _ := wallets.GetWallet(ctx, "fan_1")
	if fan.Balance != 1000 {
		t.Errorf("fan = %d, refund must land once", fan.Balance)
	}
}

func TestPostgres_InsufficientFanFundsLeavesNoBooking(t *testing.T) {
	svc, wallets, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	pgSeed(t, wallets, "fan_1", 100)

	b, err := svc.Create(ctx, "fan_1", "creator_1", time.Now().Add(48*time.Hour), 30, 1000, "")
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if b != nil {
		if _, err := svc.Get(ctx, b.ID); !errors.Is(err, ErrBookingNotFound) {
			t.Error("booking row exists for failed payment")
		}
	}
}
