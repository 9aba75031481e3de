// Package ledger tracks wallet accounts and their transaction logs.
//
// Flow:
//  1. User registers and an account document is created with a zero balance
//  2. The transaction engine appends log records and moves balances via
//     atomic field increments
//  3. Flagged records are held (verified=false): recorded, no balance effect
//  4. The resolver later verifies held records and applies the deferred
//     balance effect in a single atomic step per record
//
// The store is a document-store abstraction: per-account get/set/merge, an
// append-only per-account transaction log, atomic numeric increment on the
// balance field, and equality/order-by queries. No multi-document
// transactions are required except ResolveRecord, which each backend must
// make atomic on its own terms.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrDuplicateAccount = errors.New("account already exists")
	ErrRecordNotFound   = errors.New("transaction record not found")
	ErrAlreadyResolved  = errors.New("transaction record already resolved")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Kind is the closed set of transaction kinds the classifier was trained on.
type Kind string

const (
	KindCashIn   Kind = "CASH_IN"
	KindCashOut  Kind = "CASH_OUT"
	KindDebit    Kind = "DEBIT"
	KindPayment  Kind = "PAYMENT"
	KindTransfer Kind = "TRANSFER"
)

// Kinds lists all transaction kinds in the model's one-hot column order.
func Kinds() []Kind {
	return []Kind{KindCashIn, KindCashOut, KindDebit, KindPayment, KindTransfer}
}

// Valid reports whether k names a known transaction kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCashIn, KindCashOut, KindDebit, KindPayment, KindTransfer:
		return true
	}
	return false
}

// Direction distinguishes the two legs of a transfer.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Label is the lifecycle label attached to a record for training purposes.
type Label string

const (
	LabelPending Label = "pending"
	LabelLegit   Label = "legit"
	LabelFraud   Label = "fraud"
)

// Account is a wallet principal. Balance is a decimal string and must never
// be mutated outside the store's increment operations.
type Account struct {
	UID              string    `json:"uid"`
	Name             string    `json:"name,omitempty"`
	Phone            string    `json:"phone"`
	Email            string    `json:"email,omitempty"`
	IBAN             string    `json:"iban,omitempty"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	Balance          string    `json:"balance"`
	HasFraudAlert    bool      `json:"hasFraudAlert"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Record is one entry in an account's append-only transaction log.
//
// A record with Verified=false represents a suspended balance effect: its
// amount has not been applied to the owning account. Fraud is the model's
// predicted label and is what gates holds; Flagged is the separate
// threshold-policy verdict (score >= configured threshold). The two can
// disagree; both are persisted, only Fraud changes behavior.
type Record struct {
	ID           string    `json:"id" dynamodbav:"id"`
	AccountUID   string    `json:"accountUid" dynamodbav:"accountUid"`
	Kind         Kind      `json:"kind" dynamodbav:"kind"`
	Direction    Direction `json:"direction,omitempty" dynamodbav:"direction"`
	Amount       string    `json:"amount" dynamodbav:"amount"`
	Timestamp    time.Time `json:"timestamp" dynamodbav:"ts"`
	Counterparty string    `json:"counterparty,omitempty" dynamodbav:"counterparty"`
	RecipientUID string    `json:"recipientUid,omitempty" dynamodbav:"recipientUid"`

	// Feature snapshot used for scoring, kept for audit and retraining.
	WalletRatio  float64 `json:"walletRatio" dynamodbav:"walletRatio"`
	HourOfDay    int     `json:"hourOfDay" dynamodbav:"hourOfDay"`
	SenderFreq   int     `json:"senderFreq" dynamodbav:"senderFreq"`
	ReceiverFreq int     `json:"receiverFreq" dynamodbav:"receiverFreq"`
	IsMerchant   int     `json:"isMerchant" dynamodbav:"isMerchant"`

	Fraud        bool    `json:"fraud" dynamodbav:"fraud"`
	FraudScore   float64 `json:"fraudScore" dynamodbav:"fraudScore"`
	Flagged      bool    `json:"isFlagged" dynamodbav:"isFlagged"`
	ModelVersion string  `json:"modelVersion" dynamodbav:"modelVersion"`

	Verified    bool       `json:"verified" dynamodbav:"verified"`
	Label       Label      `json:"label" dynamodbav:"label"`
	FlagHistory bool       `json:"flagHistory,omitempty" dynamodbav:"flagHistory"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty" dynamodbav:"resolvedAt"`
}

// AccountUpdate carries merge-semantics field updates. Nil fields are left
// untouched.
type AccountUpdate struct {
	Name             *string
	Email            *string
	IBAN             *string
	StripeCustomerID *string
}

// Store persists accounts and transaction logs.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, uid string) (*Account, error)
	// GetAccountByPhone resolves an account by its canonical phone alias
	// (equality filter, first match).
	GetAccountByPhone(ctx context.Context, phone string) (*Account, error)
	// ListAccounts is used by the export path only, never by the hot path.
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, uid string, upd AccountUpdate) error

	// IncrementBalance atomically adds delta (a signed decimal string) to the
	// account's balance field.
	IncrementBalance(ctx context.Context, uid, delta string) error
	SetFraudAlert(ctx context.Context, uid string, flagged bool) error

	AppendRecord(ctx context.Context, uid string, rec *Record) error
	// ListRecords returns the full log in chronological order.
	ListRecords(ctx context.Context, uid string) ([]*Record, error)
	// RecentRecords returns up to limit records, most recent first.
	RecentRecords(ctx context.Context, uid string, limit int) ([]*Record, error)
	// PendingRecords returns records with Verified=false in chronological order.
	PendingRecords(ctx context.Context, uid string) ([]*Record, error)

	// ResolveRecord marks a held record verified (fraud=false, label=legit,
	// resolved_at=at) and applies delta to the account balance as ONE atomic
	// unit. A record that is already verified returns ErrAlreadyResolved and
	// must leave the balance untouched.
	ResolveRecord(ctx context.Context, uid, recordID, delta string, at time.Time) error
}
