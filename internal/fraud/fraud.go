// Package fraud implements real-time fraud scoring for wallet transactions.
//
// Every transaction is scored before any balance moves: a fixed 11-feature
// vector is derived from live account state and the account's transaction
// history, then fed through a binary classifier loaded once at startup.
// The model's predicted label gates holds; the separate threshold verdict
// (score >= configured threshold) is persisted for audit but does not change
// behavior. The two may legitimately disagree and callers must tolerate that.
package fraud

import (
	"context"
	"time"
)

// NumFeatures is the classifier's input width. The ordering below is fixed
// by the training pipeline and must never change without a model version bump.
const NumFeatures = 11

// Vector is the fixed-order numeric input consumed by the classifier.
// Exactly one of the five kind indicators is 1.
type Vector struct {
	WalletRatio  float64 `json:"wallet_ratio"`
	HourOfDay    float64 `json:"hour_of_day"`
	Amount       float64 `json:"amount"`
	ReceiverFreq float64 `json:"receiver_freq"`
	SenderFreq   float64 `json:"sender_freq"`
	IsMerchant   float64 `json:"is_merchant"`
	TypeCashIn   float64 `json:"type_CASH_IN"`
	TypeCashOut  float64 `json:"type_CASH_OUT"`
	TypeDebit    float64 `json:"type_DEBIT"`
	TypePayment  float64 `json:"type_PAYMENT"`
	TypeTransfer float64 `json:"type_TRANSFER"`
}

// Values returns the vector in the model's column order.
func (v Vector) Values() [NumFeatures]float64 {
	return [NumFeatures]float64{
		v.WalletRatio, v.HourOfDay, v.Amount,
		v.ReceiverFreq, v.SenderFreq, v.IsMerchant,
		v.TypeCashIn, v.TypeCashOut, v.TypeDebit, v.TypePayment, v.TypeTransfer,
	}
}

// Scorer scores a feature vector. Implementations are stateless per call;
// the underlying model is immutable for the process lifetime.
type Scorer interface {
	// Score returns the model's predicted label and the fraud probability
	// in [0, 1]. The label reflects the model's own decision boundary, not
	// the externally configured hold threshold.
	Score(v Vector) (fraud bool, probability float64)
	// Version identifies the loaded model artifact for audit trails.
	Version() string
}

// Prediction is an audit log entry recording one scoring decision, keyed by
// transaction id. Write-once-or-merge; never read by the hot path.
type Prediction struct {
	ID           string    `json:"id"`
	TxnID        string    `json:"txnId"`
	AccountUID   string    `json:"uid"`
	Raw          Vector    `json:"raw"`
	Probability  float64   `json:"proba"`
	Fraud        bool      `json:"prediction"`
	ModelVersion string    `json:"modelVersion"`
	Status       string    `json:"label"` // pending, legit, or fraud
	CreatedAt    time.Time `json:"ts"`
}

// PredictionStore persists scoring decisions for retraining.
type PredictionStore interface {
	Record(ctx context.Context, p *Prediction) error
	ListByAccount(ctx context.Context, uid string, limit int) ([]*Prediction, error)
}
