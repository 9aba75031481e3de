// Package engine implements the transaction-processing core: feature
// extraction, synchronous fraud scoring, and the three-way control flow
// (straight-through, held, later-verified release) over the ledger store.
//
// Every balance-mutating path runs under a per-account lock so that the
// read-score-write sequence is serialized per account. Two concurrent
// withdrawals can therefore never both pass the balance check against the
// same stale read.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/piggypay/piggypay/internal/fraud"
	"github.com/piggypay/piggypay/internal/idgen"
	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/metrics"
	"github.com/piggypay/piggypay/internal/money"
	"github.com/piggypay/piggypay/internal/syncutil"
	"github.com/piggypay/piggypay/internal/traces"
)

var (
	ErrMissingFields       = errors.New("missing required fields")
	ErrUnsupportedKind     = errors.New("unsupported transaction kind")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSelfTransfer        = errors.New("cannot transfer to own wallet")
)

// Request is one proposed transaction.
type Request struct {
	UID     string
	Kind    ledger.Kind
	Amount  float64
	Contact string // recipient phone alias, transfers only
}

// Result is the engine's verdict on a processed transaction.
type Result struct {
	TxnID        string  `json:"txnId"`
	Fraud        bool    `json:"fraud"`
	FraudScore   float64 `json:"fraud_score"`
	Flagged      bool    `json:"flagged"`
	Contact      string  `json:"contact,omitempty"`
	RecipientUID string  `json:"recipient_uid,omitempty"`
}

// Options tunes engine policy. Zero values fall back to sane defaults.
type Options struct {
	// Threshold is the policy flag boundary over the fraud probability.
	// Independent of the model's own decision boundary.
	Threshold float64
	// CountryCode is prepended to bare phone aliases (e.g. "+65").
	CountryCode string
	Logger      *slog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Engine orchestrates extraction, scoring, and conditional ledger mutation.
type Engine struct {
	store  ledger.Store
	scorer fraud.Scorer
	preds  fraud.PredictionStore
	locks  *syncutil.ContextShardedMutex

	threshold   float64
	countryCode string
	logger      *slog.Logger
	now         func() time.Time
}

// New builds an Engine. The scorer handle is injected here and shared
// read-only across all requests. preds may be nil to disable the audit log.
func New(store ledger.Store, scorer fraud.Scorer, preds fraud.PredictionStore, opts Options) *Engine {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.CountryCode == "" {
		opts.CountryCode = "+65"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       store,
		scorer:      scorer,
		preds:       preds,
		locks:       syncutil.NewContextShardedMutex(),
		threshold:   opts.Threshold,
		countryCode: opts.CountryCode,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// NormalizePhone canonicalizes a phone alias: strips spaces and prepends the
// country prefix when absent.
func NormalizePhone(phone, countryCode string) string {
	phone = strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
	if phone == "" {
		return ""
	}
	if !strings.HasPrefix(phone, "+") {
		phone = countryCode + phone
	}
	return phone
}

// Process runs one transaction end to end: load state, score, branch.
// A fraud verdict records the transaction but suspends its balance effect.
func (e *Engine) Process(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Process",
		traces.AccountUID(req.UID),
		traces.TxnKind(string(req.Kind)),
	)
	defer span.End()

	res, err := e.process(ctx, req)
	outcome := outcomeLabel(res, err)
	metrics.TransactionsTotal.WithLabelValues(string(req.Kind), outcome).Inc()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(traces.TxnID(res.TxnID), traces.FraudScore(res.FraudScore))
	return res, nil
}

func (e *Engine) process(ctx context.Context, req Request) (*Result, error) {
	if req.UID == "" || req.Kind == "" {
		return nil, ErrMissingFields
	}
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	switch req.Kind {
	case ledger.KindCashIn, ledger.KindCashOut, ledger.KindTransfer:
	default:
		// DEBIT and PAYMENT exist only as model vocabulary for now.
		return nil, ErrUnsupportedKind
	}
	if req.Kind == ledger.KindTransfer && strings.TrimSpace(req.Contact) == "" {
		return nil, ErrMissingFields
	}

	// Serialize the read-score-write sequence per sender account. Recipient
	// mutation is a pure atomic increment and needs no lock of its own.
	unlock, err := e.locks.LockContext(ctx, req.UID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := e.store.GetAccount(ctx, req.UID)
	if err != nil {
		return nil, err
	}

	var recipient *ledger.Account
	contact := ""
	if req.Kind == ledger.KindTransfer {
		contact = NormalizePhone(req.Contact, e.countryCode)
		if contact == NormalizePhone(acct.Phone, e.countryCode) {
			return nil, ErrSelfTransfer
		}
		recipient, err = e.store.GetAccountByPhone(ctx, contact)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return nil, ErrRecipientNotFound
			}
			return nil, err
		}
	}

	history, err := e.store.ListRecords(ctx, req.UID)
	if err != nil {
		return nil, err
	}

	vec := fraud.Extract(fraud.ExtractInput{
		Balance: money.ToFloat(acct.Balance),
		Amount:  req.Amount,
		Kind:    req.Kind,
		Now:     e.now(),
		History: history,
	})

	timer := prometheus.NewTimer(metrics.FraudScoreDuration)
	isFraud, score := e.scorer.Score(vec)
	timer.ObserveDuration()
	metrics.FraudScore.Observe(score)

	flagged := score >= e.threshold

	now := e.now()
	rec := &ledger.Record{
		ID:         idgen.WithPrefix("txn_"),
		AccountUID: acct.UID,
		Kind:       req.Kind,
		Amount:     money.FromFloat(req.Amount),
		Timestamp:  now,

		WalletRatio:  vec.WalletRatio,
		HourOfDay:    int(vec.HourOfDay),
		SenderFreq:   int(vec.SenderFreq),
		ReceiverFreq: int(vec.ReceiverFreq),
		IsMerchant:   int(vec.IsMerchant),

		Fraud:        isFraud,
		FraudScore:   score,
		Flagged:      flagged,
		ModelVersion: e.scorer.Version(),
	}

	var result *Result
	switch req.Kind {
	case ledger.KindCashIn:
		result, err = e.processCashIn(ctx, acct, rec)
	case ledger.KindCashOut:
		result, err = e.processCashOut(ctx, acct, rec)
	case ledger.KindTransfer:
		rec.Direction = ledger.DirectionOut
		rec.Counterparty = contact
		rec.RecipientUID = recipient.UID
		result, err = e.processTransfer(ctx, acct, recipient, rec)
	}
	if err != nil {
		return nil, err
	}

	e.logPrediction(ctx, rec, vec)

	e.logger.Info("transaction processed",
		"txn_id", rec.ID,
		"uid", acct.UID,
		"kind", rec.Kind,
		"amount", rec.Amount,
		"fraud", rec.Fraud,
		"fraud_score", rec.FraudScore,
		"flagged", rec.Flagged,
	)

	return result, nil
}

func (e *Engine) processCashIn(ctx context.Context, acct *ledger.Account, rec *ledger.Record) (*Result, error) {
	if rec.Fraud {
		return e.hold(ctx, acct, rec)
	}
	rec.Verified = true
	rec.Label = ledger.LabelLegit
	if err := e.store.AppendRecord(ctx, acct.UID, rec); err != nil {
		return nil, err
	}
	if err := e.store.IncrementBalance(ctx, acct.UID, rec.Amount); err != nil {
		return nil, err
	}
	return e.accepted(rec), nil
}

func (e *Engine) processCashOut(ctx context.Context, acct *ledger.Account, rec *ledger.Record) (*Result, error) {
	if money.Cmp(acct.Balance, rec.Amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	if rec.Fraud {
		return e.hold(ctx, acct, rec)
	}
	rec.Verified = true
	rec.Label = ledger.LabelLegit
	if err := e.store.AppendRecord(ctx, acct.UID, rec); err != nil {
		return nil, err
	}
	if err := e.store.IncrementBalance(ctx, acct.UID, money.Neg(rec.Amount)); err != nil {
		return nil, err
	}
	return e.accepted(rec), nil
}

func (e *Engine) processTransfer(ctx context.Context, acct, recipient *ledger.Account, rec *ledger.Record) (*Result, error) {
	if money.Cmp(acct.Balance, rec.Amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	if rec.Fraud {
		// Held transfers record only the sender leg. The recipient sees
		// nothing until the sender's record is resolved.
		rec.FlagHistory = true
		return e.hold(ctx, acct, rec)
	}

	rec.Verified = true
	rec.Label = ledger.LabelLegit
	if err := e.store.AppendRecord(ctx, acct.UID, rec); err != nil {
		return nil, err
	}
	if err := e.store.IncrementBalance(ctx, acct.UID, money.Neg(rec.Amount)); err != nil {
		return nil, err
	}

	// Mirrored leg on the recipient, same feature and score payload.
	mirror := *rec
	mirror.ID = idgen.WithPrefix("txn_")
	mirror.AccountUID = recipient.UID
	mirror.Direction = ledger.DirectionIn
	mirror.Counterparty = acct.Phone
	mirror.RecipientUID = ""
	mirror.FlagHistory = false
	if err := e.store.AppendRecord(ctx, recipient.UID, &mirror); err != nil {
		return nil, fmt.Errorf("append recipient record: %w", err)
	}
	if err := e.store.IncrementBalance(ctx, recipient.UID, rec.Amount); err != nil {
		return nil, fmt.Errorf("credit recipient: %w", err)
	}

	res := e.accepted(rec)
	res.Contact = rec.Counterparty
	res.RecipientUID = recipient.UID
	return res, nil
}

// hold records the transaction without touching any balance and raises the
// account fraud alert.
func (e *Engine) hold(ctx context.Context, acct *ledger.Account, rec *ledger.Record) (*Result, error) {
	rec.Verified = false
	rec.Label = ledger.LabelPending
	if err := e.store.AppendRecord(ctx, acct.UID, rec); err != nil {
		return nil, err
	}
	if err := e.store.SetFraudAlert(ctx, acct.UID, true); err != nil {
		return nil, err
	}
	if !acct.HasFraudAlert {
		metrics.AccountsWithFraudAlert.Inc()
	}

	e.logger.Warn("transaction held",
		"txn_id", rec.ID,
		"uid", acct.UID,
		"kind", rec.Kind,
		"amount", rec.Amount,
		"fraud_score", rec.FraudScore,
	)

	res := &Result{
		TxnID:        rec.ID,
		Fraud:        true,
		FraudScore:   rec.FraudScore,
		Flagged:      true,
		RecipientUID: rec.RecipientUID,
	}
	if rec.Counterparty != "" {
		res.Contact = rec.Counterparty
	}
	return res, nil
}

func (e *Engine) accepted(rec *ledger.Record) *Result {
	return &Result{
		TxnID:      rec.ID,
		Fraud:      false,
		FraudScore: rec.FraudScore,
		Flagged:    rec.Flagged,
	}
}

// logPrediction appends the scoring decision to the audit log. Best effort:
// a failure here never fails the transaction.
func (e *Engine) logPrediction(ctx context.Context, rec *ledger.Record, vec fraud.Vector) {
	if e.preds == nil {
		return
	}
	p := &fraud.Prediction{
		ID:           idgen.WithPrefix("pred_"),
		TxnID:        rec.ID,
		AccountUID:   rec.AccountUID,
		Raw:          vec,
		Probability:  rec.FraudScore,
		Fraud:        rec.Fraud,
		ModelVersion: rec.ModelVersion,
		Status:       string(rec.Label),
		CreatedAt:    rec.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.preds.Record(ctx, p); err != nil {
			metrics.PredictionLogFailuresTotal.Inc()
			e.logger.Error("failed to log prediction", "txn_id", p.TxnID, "error", err)
		}
	}()
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case err == nil && res.Fraud:
		return "flagged"
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrMissingFields),
		errors.Is(err, ErrUnsupportedKind),
		errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrRecipientNotFound),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrAccountNotFound):
		return "declined"
	default:
		return "error"
	}
}
