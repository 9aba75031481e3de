package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piggypay/piggypay/internal/fraud"
	"github.com/piggypay/piggypay/internal/ledger"
)

// stubScorer returns a fixed verdict regardless of the feature vector.
type stubScorer struct {
	fraud bool
	score float64
}

func (s stubScorer) Score(fraud.Vector) (bool, float64) { return s.fraud, s.score }
func (s stubScorer) Version() string                    { return "test-v1" }

func newTestEngine(t *testing.T, scorer fraud.Scorer) (*Engine, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	eng := New(store, scorer, nil, Options{
		Threshold:   0.5,
		CountryCode: "+65",
		Now:         func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) },
	})
	return eng, store
}

func seedAccount(t *testing.T, store *ledger.MemoryStore, uid, phone, balance string) {
	t.Helper()
	err := store.CreateAccount(context.Background(), &ledger.Account{
		UID:     uid,
		Phone:   phone,
		Balance: balance,
	})
	require.NoError(t, err)
}

func balance(t *testing.T, store *ledger.MemoryStore, uid string) string {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), uid)
	require.NoError(t, err)
	return acct.Balance
}

func TestProcess_Validation(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"missing uid", Request{Kind: ledger.KindCashIn, Amount: 10}, ErrMissingFields},
		{"missing kind", Request{UID: "alice", Amount: 10}, ErrMissingFields},
		{"zero amount", Request{UID: "alice", Kind: ledger.KindCashIn}, ledger.ErrInvalidAmount},
		{"negative amount", Request{UID: "alice", Kind: ledger.KindCashIn, Amount: -5}, ledger.ErrInvalidAmount},
		{"unsupported kind", Request{UID: "alice", Kind: ledger.KindPayment, Amount: 10}, ErrUnsupportedKind},
		{"transfer without contact", Request{UID: "alice", Kind: ledger.KindTransfer, Amount: 10}, ErrMissingFields},
		{"unknown account", Request{UID: "nobody", Kind: ledger.KindCashIn, Amount: 10}, ledger.ErrAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Process(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// None of the rejections touched the balance.
	assert.Equal(t, "100.00", balance(t, store, "alice"))
}

func TestProcess_CashIn(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{fraud: false, score: 0.1})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindCashIn, Amount: 20,
	})
	require.NoError(t, err)
	assert.False(t, res.Fraud)
	assert.Equal(t, 0.1, res.FraudScore)
	assert.Equal(t, "120.00", balance(t, store, "alice"))

	recs, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Verified)
	assert.Equal(t, ledger.LabelLegit, recs[0].Label)
	assert.Equal(t, "test-v1", recs[0].ModelVersion)
}

func TestProcess_CashOut(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindCashOut, Amount: 30,
	})
	require.NoError(t, err)
	assert.False(t, res.Fraud)
	assert.Equal(t, "70.00", balance(t, store, "alice"))
}

func TestProcess_CashOut_InsufficientBalance(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	_, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindCashOut, Amount: 150,
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "100.00", balance(t, store, "alice"))

	recs, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestProcess_Transfer_Clean(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{fraud: false, score: 0.2})
	seedAccount(t, store, "alice", "+6591110000", "100.00")
	seedAccount(t, store, "bob", "+6592220000", "50.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindTransfer, Amount: 30, Contact: "+6592220000",
	})
	require.NoError(t, err)
	assert.False(t, res.Fraud)
	assert.Equal(t, "bob", res.RecipientUID)

	assert.Equal(t, "70.00", balance(t, store, "alice"))
	assert.Equal(t, "80.00", balance(t, store, "bob"))

	aliceRecs, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, aliceRecs, 1)
	assert.Equal(t, ledger.DirectionOut, aliceRecs[0].Direction)
	assert.True(t, aliceRecs[0].Verified)
	assert.Equal(t, "+6592220000", aliceRecs[0].Counterparty)

	bobRecs, err := store.ListRecords(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, bobRecs, 1)
	assert.Equal(t, ledger.DirectionIn, bobRecs[0].Direction)
	assert.True(t, bobRecs[0].Verified)
	assert.Equal(t, "+6591110000", bobRecs[0].Counterparty)

	// Mirrored leg carries the same feature and score payload.
	assert.Equal(t, aliceRecs[0].FraudScore, bobRecs[0].FraudScore)
	assert.Equal(t, aliceRecs[0].WalletRatio, bobRecs[0].WalletRatio)
	assert.NotEqual(t, aliceRecs[0].ID, bobRecs[0].ID)
}

func TestProcess_Transfer_Held(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{fraud: true, score: 0.93})
	seedAccount(t, store, "alice", "+6591110000", "100.00")
	seedAccount(t, store, "bob", "+6592220000", "50.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindTransfer, Amount: 30, Contact: "+6592220000",
	})
	require.NoError(t, err)
	assert.True(t, res.Fraud)
	assert.True(t, res.Flagged)
	assert.Equal(t, "bob", res.RecipientUID)

	// Neither balance moved.
	assert.Equal(t, "100.00", balance(t, store, "alice"))
	assert.Equal(t, "50.00", balance(t, store, "bob"))

	aliceRecs, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, aliceRecs, 1)
	assert.False(t, aliceRecs[0].Verified)
	assert.True(t, aliceRecs[0].FlagHistory)
	assert.Equal(t, ledger.LabelPending, aliceRecs[0].Label)

	// The recipient sees nothing while the sender's record is held.
	bobRecs, err := store.ListRecords(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, bobRecs)

	acct, err := store.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, acct.HasFraudAlert)
}

func TestProcess_CashIn_Held(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{fraud: true, score: 0.8})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindCashIn, Amount: 20,
	})
	require.NoError(t, err)
	assert.True(t, res.Fraud)
	assert.Equal(t, "100.00", balance(t, store, "alice"))
}

func TestProcess_SelfTransferRejected(t *testing.T) {
	for _, s := range []stubScorer{{fraud: false, score: 0}, {fraud: true, score: 1}} {
		eng, store := newTestEngine(t, s)
		seedAccount(t, store, "alice", "+6591110000", "100.00")

		_, err := eng.Process(context.Background(), Request{
			UID: "alice", Kind: ledger.KindTransfer, Amount: 10, Contact: "+6591110000",
		})
		assert.ErrorIs(t, err, ErrSelfTransfer)
		assert.Equal(t, "100.00", balance(t, store, "alice"))
	}
}

func TestProcess_SelfTransferRejected_BareAlias(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	// Bare alias normalizes to the caller's own phone.
	_, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindTransfer, Amount: 10, Contact: "91110000",
	})
	assert.ErrorIs(t, err, ErrSelfTransfer)
}

func TestProcess_Transfer_RecipientNotFound(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	_, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindTransfer, Amount: 10, Contact: "+6599990000",
	})
	assert.ErrorIs(t, err, ErrRecipientNotFound)
}

func TestProcess_Transfer_NormalizesContact(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")
	seedAccount(t, store, "bob", "+6592220000", "0.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindTransfer, Amount: 10, Contact: "9222 0000",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", res.RecipientUID)
	assert.Equal(t, "+6592220000", res.Contact)
	assert.Equal(t, "10.00", balance(t, store, "bob"))
}

func TestProcess_FlaggedButNotFraud(t *testing.T) {
	// Score over threshold but model label says not fraud: the balance
	// moves, the flag is persisted for audit only.
	eng, store := newTestEngine(t, stubScorer{fraud: false, score: 0.7})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindCashIn, Amount: 20,
	})
	require.NoError(t, err)
	assert.False(t, res.Fraud)
	assert.True(t, res.Flagged)
	assert.Equal(t, "120.00", balance(t, store, "alice"))

	recs, err := store.ListRecords(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Flagged)
	assert.False(t, recs[0].Fraud)
	assert.True(t, recs[0].Verified)
}

func TestProcess_PredictionAuditLogged(t *testing.T) {
	store := ledger.NewMemoryStore()
	preds := fraud.NewMemoryPredictionStore()
	eng := New(store, stubScorer{score: 0.3}, preds, Options{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	res, err := eng.Process(context.Background(), Request{
		UID: "alice", Kind: ledger.KindCashIn, Amount: 20,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		ps, err := preds.ListByAccount(context.Background(), "alice", 10)
		return err == nil && len(ps) == 1 && ps[0].TxnID == res.TxnID
	}, time.Second, 10*time.Millisecond)
}

func TestProcess_ConcurrentCashOutsSerialize(t *testing.T) {
	eng, store := newTestEngine(t, stubScorer{})
	seedAccount(t, store, "alice", "+6591110000", "100.00")

	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := eng.Process(context.Background(), Request{
				UID: "alice", Kind: ledger.KindCashOut, Amount: 20,
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	// Exactly five withdrawals of 20 fit in a balance of 100.
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, "0.00", balance(t, store, "alice"))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"91234567", "+6591234567"},
		{"+6591234567", "+6591234567"},
		{" 9123 4567 ", "+6591234567"},
		{"+14155550123", "+14155550123"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in, "+65"), "input %q", tt.in)
	}
}
