// Package cards is the card-on-file glue around the wallet: it creates a
// payment-provider customer per account and attaches tokenized cards to it.
// Tokenization itself happens client-side; only opaque tokens reach this
// package. Peripheral to the transaction path.
package cards

import (
	"context"
	"errors"
	"log/slog"

	"github.com/piggypay/piggypay/internal/ledger"
)

var ErrMissingToken = errors.New("card token required")

// Card is the stored-card summary returned to clients. Never carries PANs.
type Card struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"expMonth"`
	ExpYear  int64  `json:"expYear"`
}

// Gateway abstracts the payment provider.
type Gateway interface {
	CreateCustomer(ctx context.Context, name, email, phone string) (customerID string, err error)
	AttachCard(ctx context.Context, customerID, token string) (*Card, error)
	ListCards(ctx context.Context, customerID string) ([]*Card, error)
}

// Service links wallet accounts to provider customers and their cards.
type Service struct {
	gateway Gateway
	store   ledger.Store
	logger  *slog.Logger
}

// NewService creates a card service.
func NewService(gateway Gateway, store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gateway: gateway, store: store, logger: logger}
}

// EnsureCustomer returns the account's provider customer id, creating one
// lazily on first use and persisting it on the account.
func (s *Service) EnsureCustomer(ctx context.Context, uid string) (string, error) {
	acct, err := s.store.GetAccount(ctx, uid)
	if err != nil {
		return "", err
	}
	if acct.StripeCustomerID != "" {
		return acct.StripeCustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, acct.Name, acct.Email, acct.Phone)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateAccount(ctx, uid, ledger.AccountUpdate{StripeCustomerID: &customerID}); err != nil {
		return "", err
	}

	s.logger.Info("customer created", "uid", uid, "customer_id", customerID)
	return customerID, nil
}

// SaveCard attaches a tokenized card to the account's customer.
func (s *Service) SaveCard(ctx context.Context, uid, token string) (*Card, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	customerID, err := s.EnsureCustomer(ctx, uid)
	if err != nil {
		return nil, err
	}
	card, err := s.gateway.AttachCard(ctx, customerID, token)
	if err != nil {
		return nil, err
	}
	s.logger.Info("card saved", "uid", uid, "card_id", card.ID, "last4", card.Last4)
	return card, nil
}

// LinkedCards lists the account's stored cards. An account that never saved
// a card has no customer and gets an empty list.
func (s *Service) LinkedCards(ctx context.Context, uid string) ([]*Card, error) {
	acct, err := s.store.GetAccount(ctx, uid)
	if err != nil {
		return nil, err
	}
	if acct.StripeCustomerID == "" {
		return []*Card{}, nil
	}
	return s.gateway.ListCards(ctx, acct.StripeCustomerID)
}
