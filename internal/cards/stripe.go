package cards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/piggypay/piggypay/internal/circuitbreaker"
	"github.com/piggypay/piggypay/internal/retry"
)

// ErrGatewayUnavailable is returned when the circuit to Stripe is open.
var ErrGatewayUnavailable = errors.New("card gateway temporarily unavailable")

const (
	stripeMaxAttempts = 3
	stripeBaseDelay   = 200 * time.Millisecond
)

// StripeGateway implements Gateway against the Stripe API. Calls are retried
// with backoff on transient failures and guarded by a per-operation circuit
// breaker so a Stripe outage cannot pile up request goroutines.
type StripeGateway struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{
		api:     api,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, name, email, phone string) (string, error) {
	params := &stripe.CustomerParams{
		Name:  stripe.String(name),
		Email: stripe.String(email),
		Phone: stripe.String(phone),
	}
	params.Context = ctx

	var cust *stripe.Customer
	err := g.call(ctx, "customer.create", func() error {
		var err error
		cust, err = g.api.Customers.New(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (g *StripeGateway) AttachCard(ctx context.Context, customerID, token string) (*Card, error) {
	params := &stripe.CardParams{
		Customer: stripe.String(customerID),
		Token:    stripe.String(token),
	}
	params.Context = ctx

	var c *stripe.Card
	err := g.call(ctx, "card.attach", func() error {
		var err error
		c, err = g.api.Cards.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromStripeCard(c), nil
}

func (g *StripeGateway) ListCards(ctx context.Context, customerID string) ([]*Card, error) {
	params := &stripe.CardListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx

	result := []*Card{}
	err := g.call(ctx, "card.list", func() error {
		result = result[:0]
		iter := g.api.Cards.List(params)
		for iter.Next() {
			result = append(result, fromStripeCard(iter.Card()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// call runs one Stripe operation through the breaker and retry policy.
// Stripe's 4xx responses are request defects and are never retried.
func (g *StripeGateway) call(ctx context.Context, op string, fn func() error) error {
	if !g.breaker.Allow(op) {
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, op)
	}

	err := retry.Do(ctx, stripeMaxAttempts, stripeBaseDelay, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != 429 {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		g.breaker.RecordFailure(op)
		return err
	}
	g.breaker.RecordSuccess(op)
	return nil
}

func fromStripeCard(c *stripe.Card) *Card {
	return &Card{
		ID:       c.ID,
		Brand:    string(c.Brand),
		Last4:    c.Last4,
		ExpMonth: c.ExpMonth,
		ExpYear:  c.ExpYear,
	}
}
