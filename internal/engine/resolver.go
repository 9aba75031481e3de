package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/metrics"
	"github.com/piggypay/piggypay/internal/money"
	"github.com/piggypay/piggypay/internal/traces"
)

// Resolve finalizes every held record on the account: each record is marked
// verified and its deferred balance effect applied as one atomic store
// operation, then the account's fraud alert is cleared.
//
// Replay rules per record: inbound transfer or CASH_IN credits the amount,
// CASH_OUT debits it, outbound transfer legs move nothing (the sender was
// never debited while held). Idempotent: a second call with no new pending
// records is a no-op.
func (e *Engine) Resolve(ctx context.Context, uid string) error {
	ctx, span := traces.StartSpan(ctx, "engine.Resolve", traces.AccountUID(uid))
	defer span.End()

	if uid == "" {
		return ErrMissingFields
	}

	unlock, err := e.locks.LockContext(ctx, uid)
	if err != nil {
		return err
	}
	defer unlock()

	acct, err := e.store.GetAccount(ctx, uid)
	if err != nil {
		return err
	}

	pending, err := e.store.PendingRecords(ctx, uid)
	if err != nil {
		return fmt.Errorf("list pending records: %w", err)
	}

	resolved := 0
	for _, rec := range pending {
		err := e.store.ResolveRecord(ctx, uid, rec.ID, resolveDelta(rec), e.now())
		if err != nil {
			// Already-resolved records are safe to skip; the balance
			// effect was applied by an earlier run.
			if errors.Is(err, ledger.ErrAlreadyResolved) {
				continue
			}
			return fmt.Errorf("resolve record %s: %w", rec.ID, err)
		}
		resolved++
		metrics.HeldTransactionsResolvedTotal.Inc()
	}

	if err := e.store.SetFraudAlert(ctx, uid, false); err != nil {
		return err
	}
	if acct.HasFraudAlert {
		metrics.AccountsWithFraudAlert.Dec()
	}

	e.logger.Info("account resolved",
		"uid", uid,
		"pending", len(pending),
		"resolved", resolved,
	)
	return nil
}

// resolveDelta computes the deferred balance effect of a held record.
func resolveDelta(rec *ledger.Record) string {
	switch {
	case rec.Kind == ledger.KindTransfer && rec.Direction == ledger.DirectionOut:
		// The sender was never debited while held; nothing to replay.
		return money.FromFloat(0)
	case rec.Kind == ledger.KindCashOut:
		return money.Neg(rec.Amount)
	default:
		// CASH_IN and inbound transfer legs credit the amount.
		return rec.Amount
	}
}
