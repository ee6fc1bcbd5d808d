package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

// These tests need a Redis server; set REDIS_ADDRESS to run them.
func redisOrSkip(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	return addr
}

func TestBalanceKey(t *testing.T) {
	id := uuid.MustParse("5f1b7a2e-8c3d-4e9f-a0b1-c2d3e4f5a6b7")
	if got := BalanceKey(id); got != "wallet:balance:5f1b7a2e-8c3d-4e9f-a0b1-c2d3e4f5a6b7" {
		t.Fatalf("BalanceKey = %s", got)
	}
}

func TestBalancesRoundTrip(t *testing.T) {
	rdb, err := Connect(context.Background(), redisOrSkip(t), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()
	ctx := context.Background()
	b := NewBalances(rdb, time.Minute)
	w := &models.WalletAccount{OrganizationID: uuid.New(), AvailableBalance: decimal.RequireFromString("8620"), HeldAmount: decimal.RequireFromString("1380")}

	_, gen, ok, err := b.GetBalance(ctx, w.OrganizationID)
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := b.SetBalance(ctx, w, gen); err != nil {
		t.Fatal(err)
	}
	got, _, ok, err := b.GetBalance(ctx, w.OrganizationID)
	if err != nil || !ok || !got.HeldAmount.Equal(w.HeldAmount) {
		t.Fatalf("got %+v ok=%v err=%v", got, ok, err)
	}
	if err := b.InvalidateBalance(ctx, w.OrganizationID); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := b.GetBalance(ctx, w.OrganizationID); ok {
		t.Fatal("balance still cached after invalidate")
	}
}

func TestBalancesDropStaleFill(t *testing.T) {
	rdb, err := Connect(context.Background(), redisOrSkip(t), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()
	ctx := context.Background()
	b := NewBalances(rdb, time.Minute)
	org := uuid.New()

	_, gen, _, err := b.GetBalance(ctx, org)
	if err != nil {
		t.Fatal(err)
	}
	// A write commits and invalidates between the miss and the fill.
	if err := b.InvalidateBalance(ctx, org); err != nil {
		t.Fatal(err)
	}
	stale := &models.WalletAccount{OrganizationID: org, AvailableBalance: decimal.RequireFromString("1")}
	if err := b.SetBalance(ctx, stale, gen); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := b.GetBalance(ctx, org); ok {
		t.Fatal("stale fill was cached after a newer invalidate")
	}
}

func TestLockerSerializes(t *testing.T) {
	rdb, err := Connect(context.Background(), redisOrSkip(t), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()
	l := NewLocker(rdb)
	key := "test:" + uuid.NewString()

	var (
		mu      sync.Mutex
		holders int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			release, err := l.Obtain(ctx, key, time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			holders++
			if holders > 1 {
				t.Error("two holders at once")
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			_ = release(context.Background())
		}()
	}
	wg.Wait()
}
