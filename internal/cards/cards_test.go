package cards

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piggypay/piggypay/internal/ledger"
)

// fakeGateway records calls in memory.
type fakeGateway struct {
	customers int
	cards     map[string][]*Card // customerID -> cards
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{cards: make(map[string][]*Card)}
}

func (f *fakeGateway) CreateCustomer(ctx context.Context, name, email, phone string) (string, error) {
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *fakeGateway) AttachCard(ctx context.Context, customerID, token string) (*Card, error) {
	card := &Card{
		ID:    fmt.Sprintf("card_%s_%d", customerID, len(f.cards[customerID])+1),
		Brand: "visa",
		Last4: "4242",
	}
	f.cards[customerID] = append(f.cards[customerID], card)
	return card, nil
}

func (f *fakeGateway) ListCards(ctx context.Context, customerID string) ([]*Card, error) {
	return f.cards[customerID], nil
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore, *fakeGateway) {
	t.Helper()
	store := ledger.NewMemoryStore()
	gw := newFakeGateway()
	err := store.CreateAccount(context.Background(), &ledger.Account{
		UID:   "alice",
		Name:  "Alice",
		Phone: "+6591110000",
		Email: "alice@example.com",
	})
	require.NoError(t, err)
	return NewService(gw, store, nil), store, gw
}

func TestEnsureCustomer_CreatesOnce(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()

	id1, err := svc.EnsureCustomer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id1)

	// Second call reuses the persisted customer id.
	id2, err := svc.EnsureCustomer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, gw.customers)

	acct, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", acct.StripeCustomerID)
}

func TestEnsureCustomer_UnknownAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.EnsureCustomer(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSaveCard(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	card, err := svc.SaveCard(ctx, "alice", "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, "4242", card.Last4)

	cards, err := svc.LinkedCards(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, card.ID, cards[0].ID)
}

func TestSaveCard_MissingToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.SaveCard(context.Background(), "alice", "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestLinkedCards_NoCustomer(t *testing.T) {
	svc, _, _ := newTestService(t)

	cards, err := svc.LinkedCards(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, cards)
}
