//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/testutil"
)

func setupTestStore(t *testing.T) (*ledger.PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	return ledger.NewPostgresStore(db), cleanup
}

func seedPGAccount(t *testing.T, store *ledger.PostgresStore, uid, phone, balance string) {
	t.Helper()
	err := store.CreateAccount(context.Background(), &ledger.Account{
		UID:     uid,
		Name:    "Test User",
		Phone:   phone,
		Balance: balance,
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
}

func TestPostgres_CreateAndGetAccount(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	seedPGAccount(t, store, "user_pg1", "+6591110001", "100.00")

	acct, err := store.GetAccount(ctx, "user_pg1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != "100.00" {
		t.Errorf("Expected balance 100.00, got %s", acct.Balance)
	}

	byPhone, err := store.GetAccountByPhone(ctx, "+6591110001")
	if err != nil {
		t.Fatalf("GetAccountByPhone failed: %v", err)
	}
	if byPhone.UID != "user_pg1" {
		t.Errorf("Expected uid user_pg1, got %s", byPhone.UID)
	}
}

func TestPostgres_DuplicatePhone(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	seedPGAccount(t, store, "user_pg2", "+6591110002", "0")

	err := store.CreateAccount(context.Background(), &ledger.Account{
		UID:   "user_pg2b",
		Phone: "+6591110002",
	})
	if !errors.Is(err, ledger.ErrDuplicateAccount) {
		t.Errorf("Expected ErrDuplicateAccount, got %v", err)
	}
}

func TestPostgres_IncrementBalance_Overdraft(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	seedPGAccount(t, store, "user_pg3", "+6591110003", "50.00")

	if err := store.IncrementBalance(ctx, "user_pg3", "25.00"); err != nil {
		t.Fatalf("IncrementBalance failed: %v", err)
	}

	// The CHECK constraint rejects a debit past zero.
	if err := store.IncrementBalance(ctx, "user_pg3", "-100.00"); err == nil {
		t.Fatal("Expected overdraft to fail, but it succeeded")
	}

	acct, _ := store.GetAccount(ctx, "user_pg3")
	if acct.Balance != "75.00" {
		t.Errorf("Expected balance 75.00 after failed overdraft, got %s", acct.Balance)
	}
}

func TestPostgres_AppendAndListRecords(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	seedPGAccount(t, store, "user_pg4", "+6591110004", "100.00")

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"txn_pga", "txn_pgb"} {
		err := store.AppendRecord(ctx, "user_pg4", &ledger.Record{
			ID:         id,
			AccountUID: "user_pg4",
			Kind:       ledger.KindCashIn,
			Amount:     "10.00",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			FraudScore: 0.1,
			Verified:   true,
			Label:      ledger.LabelLegit,
		})
		if err != nil {
			t.Fatalf("AppendRecord failed: %v", err)
		}
	}

	recs, err := store.ListRecords(ctx, "user_pg4")
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].ID != "txn_pga" {
		t.Errorf("Expected oldest first, got %s", recs[0].ID)
	}

	recent, err := store.RecentRecords(ctx, "user_pg4", 1)
	if err != nil {
		t.Fatalf("RecentRecords failed: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "txn_pgb" {
		t.Errorf("Expected newest record txn_pgb, got %+v", recent)
	}
}

func TestPostgres_ResolveRecord(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	seedPGAccount(t, store, "user_pg5", "+6591110005", "100.00")

	held := &ledger.Record{
		ID:         "txn_pgheld",
		AccountUID: "user_pg5",
		Kind:       ledger.KindCashOut,
		Amount:     "40.00",
		Timestamp:  time.Now().UTC(),
		Fraud:      true,
		FraudScore: 0.9,
		Verified:   false,
		Label:      ledger.LabelPending,
	}
	if err := store.AppendRecord(ctx, "user_pg5", held); err != nil {
		t.Fatalf("AppendRecord failed: %v", err)
	}

	pending, err := store.PendingRecords(ctx, "user_pg5")
	if err != nil {
		t.Fatalf("PendingRecords failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending record, got %d", len(pending))
	}

	now := time.Now().UTC()
	if err := store.ResolveRecord(ctx, "user_pg5", "txn_pgheld", "-40.00", now); err != nil {
		t.Fatalf("ResolveRecord failed: %v", err)
	}

	acct, _ := store.GetAccount(ctx, "user_pg5")
	if acct.Balance != "60.00" {
		t.Errorf("Expected balance 60.00 after resolve, got %s", acct.Balance)
	}

	recs, _ := store.ListRecords(ctx, "user_pg5")
	if !recs[0].Verified || recs[0].Fraud || recs[0].Label != ledger.LabelLegit {
		t.Errorf("Expected verified legit record after resolve, got %+v", recs[0])
	}
	if recs[0].ResolvedAt == nil {
		t.Error("Expected ResolvedAt to be set")
	}

	// Resolving twice must not double-apply the balance effect.
	err = store.ResolveRecord(ctx, "user_pg5", "txn_pgheld", "-40.00", now)
	if !errors.Is(err, ledger.ErrAlreadyResolved) {
		t.Errorf("Expected ErrAlreadyResolved, got %v", err)
	}

	err = store.ResolveRecord(ctx, "user_pg5", "txn_missing", "-40.00", now)
	if !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestPostgres_ConcurrentIncrements(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	seedPGAccount(t, store, "user_pg6", "+6591110006", "0")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.IncrementBalance(ctx, "user_pg6", "1.00")
		}()
	}
	wg.Wait()

	acct, err := store.GetAccount(ctx, "user_pg6")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != "10.00" {
		t.Errorf("Expected balance 10.00 after 10 concurrent credits, got %s", acct.Balance)
	}
}
