//go:build integration

package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starlit-live/walletcore/internal/testutil"
	"github.com/starlit-live/walletcore/internal/wallet"
)

type pgFixture struct {
	svc     *Service
	store   *PostgresStore
	wallets *wallet.PostgresStore
}

func setupPG(t *testing.T) (*pgFixture, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	wallets := wallet.NewPostgresStore(db)
	store := NewPostgresStore(wallets)
	svc := NewService(store, wallet.NewService(wallets), 120)
	return &pgFixture{svc: svc, store: store, wallets: wallets}, cleanup
}

func (f *pgFixture) seed(t *testing.T, userID string, coins int64) {
	t.Helper()
	_, err := f.wallets.Credit(context.Background(), userID, coins, wallet.TypePurchase, "seed:"+userID, "", nil)
	if err != nil {
		t.Fatalf("seed %s: %v", userID, err)
	}
}

func TestPostgres_JoinAndLeave(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "fan_1", 2000)

	room, err := f.svc.CreateRoom(ctx, "creator_1", "pg room", PriceFlat, 500)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	p, err := f.svc.Join(ctx, room.ID, "fan_1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	w, _ := f.wallets.GetWallet(ctx, "fan_1")
	if w.Balance != 2000 || w.HeldBalance != 500 {
		t.Fatalf("fan = %d/%d after join, want 2000/500", w.Balance, w.HeldBalance)
	}

	res, err := f.svc.Leave(ctx, room.ID, "fan_1")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if res.Charged != 500 {
		t.Errorf("charged = %d, want the flat price 500", res.Charged)
	}

	got, err := f.store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.CurrentParticipants != 0 || got.TotalEarnings != 500 {
		t.Errorf("room = %d participants / %d earnings, want 0/500", got.CurrentParticipants, got.TotalEarnings)
	}
	if _, err := f.store.GetJoinedParticipant(ctx, room.ID, "fan_1"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("participant %s still joined after leave", p.ID)
	}
}

func TestPostgres_DoubleJoinBlockedByIndex(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "fan_1", 2000)

	room, err := f.svc.CreateRoom(ctx, "creator_1", "", PriceFlat, 100)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := f.svc.Join(ctx, room.ID, "fan_1"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := f.svc.Join(ctx, room.ID, "fan_1"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join = %v, want ErrAlreadyJoined", err)
	}

	// Exactly one hold reserved.
	w, _ := f.wallets.GetWallet(ctx, "fan_1")
	if w.HeldBalance != 100 {
		t.Errorf("held = %d, want 100", w.HeldBalance)
	}
}

func TestPostgres_ConcurrentSettleBookkeepsOnce(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "fan_1", 2000)

	room, err := f.svc.CreateRoom(ctx, "creator_1", "", PriceFlat, 300)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	p, err := f.svc.Join(ctx, room.ID, "fan_1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	const callers = 6
	var wg sync.WaitGroup
	results := make([]*wallet.SettleResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.store.SettleParticipant(ctx, p, "creator_1", 300, "left", 60, "race test")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].AlreadySettled {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("fresh settlements = %d, want exactly 1", fresh)
	}

	// The room earned the charge once, not once per caller.
	got, _ := f.store.GetRoom(ctx, room.ID)
	if got.TotalEarnings != 300 || got.CurrentParticipants != 0 {
		t.Errorf("room = %d earnings / %d participants, want 300/0", got.TotalEarnings, got.CurrentParticipants)
	}
	creator, _ := f.wallets.GetWallet(ctx, "creator_1")
	if creator.Balance != 300 {
		t.Errorf("creator = %d, want 300", creator.Balance)
	}
}

func TestPostgres_SweepStaleUsesHeartbeat(t *testing.T) {
	f, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()
	f.seed(t, "fan_1", 2000)

	room, err := f.svc.CreateRoom(ctx, "creator_1", "", PricePerMinute, 10)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	p, err := f.svc.Join(ctx, room.ID, "fan_1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Backdate the heartbeat instead of sleeping.
	stale := time.Now().Add(-5 * time.Minute)
	if _, err := f.wallets.DB().ExecContext(ctx,
		`UPDATE group_room_participants SET last_heartbeat = $2, joined_at = $2 WHERE id = $1`,
		p.ID, stale); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	settled, err := f.svc.SweepStale(ctx, 90*time.Second)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}

	w, _ := f.wallets.GetWallet(ctx, "fan_1")
	if w.HeldBalance != 0 {
		t.Errorf("held = %d after sweep, want 0", w.HeldBalance)
	}
	if w.Balance != 1950 {
		t.Errorf("balance = %d, want 1950 (5 minutes × 10 charged)", w.Balance)
	}
}
