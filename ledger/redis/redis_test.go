//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inkfold/scantrans"
	ledgerredis "github.com/inkfold/scantrans/ledger/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client, opts ...ledgerredis.Option) *ledgerredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	opts = append([]ledgerredis.Option{ledgerredis.WithKeyPrefix(prefix)}, opts...)
	s := ledgerredis.New(client, opts...)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestConsumeFromFreeAllowance(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	id := scantrans.Identity{Key: "visitor-1"}
	snap, err := store.Consume(ctx, id, 3)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if snap.Used != 3 || snap.Remaining != 7 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestConsumeExceeded(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client, ledgerredis.WithDailyLimit(5))
	ctx := context.Background()

	id := scantrans.Identity{Key: "visitor-1"}
	if _, err := store.Consume(ctx, id, 5); err != nil {
		t.Fatalf("consume: %v", err)
	}

	snap, err := store.Consume(ctx, id, 1)
	if err != scantrans.ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if snap.Used != 5 {
		t.Fatalf("expected used unchanged at 5, got %d", snap.Used)
	}
}

func TestConsumeSpillsIntoWallet(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client, ledgerredis.WithDailyLimit(2))
	ctx := context.Background()

	id := scantrans.Identity{Key: "user-1", Account: "acct-1"}
	if _, err := store.Credit(ctx, "acct-1", 5, scantrans.ReasonPackPurchase, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// 2 free + 3 from the wallet.
	if _, err := store.Consume(ctx, id, 5); err != nil {
		t.Fatalf("consume: %v", err)
	}

	summary, err := store.WalletSummary(ctx, "acct-1")
	if err != nil {
		t.Fatalf("wallet summary: %v", err)
	}
	if summary.Balance != 2 {
		t.Fatalf("expected balance=2, got %d", summary.Balance)
	}

	// The entry log mirrors wallet movements only: +5 credit, -3 debit.
	entries, err := store.Entries(ctx, "acct-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	if sum != summary.Balance {
		t.Fatalf("expected entry sum %d to equal balance %d", sum, summary.Balance)
	}
}

func TestConsumeAllOrNothing(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client, ledgerredis.WithDailyLimit(2))
	ctx := context.Background()

	id := scantrans.Identity{Key: "user-1", Account: "acct-1"}
	if _, err := store.Credit(ctx, "acct-1", 1, scantrans.ReasonPackPurchase, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// 2 free + 1 credit cannot cover 4. Nothing must be debited.
	_, err := store.Consume(ctx, id, 4)
	if err != scantrans.ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	snap, _ := store.Remaining(ctx, id)
	if snap.Used != 0 {
		t.Fatalf("expected used=0, got %d", snap.Used)
	}
	summary, _ := store.WalletSummary(ctx, "acct-1")
	if summary.Balance != 1 {
		t.Fatalf("expected balance=1, got %d", summary.Balance)
	}
}

func TestCreditExternalRefDedup(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	bal, err := store.Credit(ctx, "acct-1", 40, scantrans.ReasonPackPurchase, "stripe-evt-1")
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if bal != 40 {
		t.Fatalf("expected balance=40, got %d", bal)
	}

	bal, err = store.Credit(ctx, "acct-1", 40, scantrans.ReasonPackPurchase, "stripe-evt-1")
	if err != nil {
		t.Fatalf("duplicate credit: %v", err)
	}
	if bal != 40 {
		t.Fatalf("expected balance unchanged at 40, got %d", bal)
	}
}

func TestConcurrentConsumesNoOverAllocation(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	id := scantrans.Identity{Key: "visitor-1"}

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, id, 1)
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 10 {
		t.Fatalf("expected exactly 10 successful consumes, got %d", successCount.Load())
	}
}

func TestPaidFlag(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	id := scantrans.Identity{Key: "user-1", Account: "acct-1"}

	snap, err := store.Remaining(ctx, id)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if snap.Paid {
		t.Fatal("expected unpaid account")
	}

	if err := store.SetPaid(ctx, "acct-1", true); err != nil {
		t.Fatalf("set paid: %v", err)
	}
	snap, _ = store.Remaining(ctx, id)
	if !snap.Paid {
		t.Fatal("expected paid account")
	}
}

func TestKeyPrefixIsolation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	s1 := ledgerredis.New(client, ledgerredis.WithKeyPrefix("test:iso1:"))
	s2 := ledgerredis.New(client, ledgerredis.WithKeyPrefix("test:iso2:"))
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "test:iso*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	id := scantrans.Identity{Key: "visitor-1"}
	if _, err := s1.Consume(ctx, id, 4); err != nil {
		t.Fatalf("consume: %v", err)
	}

	snap1, _ := s1.Remaining(ctx, id)
	snap2, _ := s2.Remaining(ctx, id)
	if snap1.Used != 4 {
		t.Fatalf("s1 expected used=4, got %d", snap1.Used)
	}
	if snap2.Used != 0 {
		t.Fatalf("s2 expected used=0, got %d", snap2.Used)
	}
}
