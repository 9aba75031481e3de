// Package export produces training data for the fraud model: every resolved
// transaction record, flattened back into the classifier's column layout
// plus its final label. Pending records are excluded; their labels are not
// settled yet.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/money"
)

// Header is the CSV column layout, matching the training pipeline.
var Header = []string{
	"wallet_ratio", "hour_of_day", "amount",
	"receiver_freq", "sender_freq", "is_merchant",
	"type_CASH_IN", "type_CASH_OUT", "type_DEBIT", "type_PAYMENT", "type_TRANSFER",
	"is_fraud",
}

// Service walks the ledger and emits labeled rows.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewService creates an export service.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// WriteCSV writes all labeled records across all accounts. Returns the
// number of rows written.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	rows := 0
	for _, acct := range accounts {
		recs, err := s.store.ListRecords(ctx, acct.UID)
		if err != nil {
			return rows, fmt.Errorf("list records for %s: %w", acct.UID, err)
		}
		for _, rec := range recs {
			if rec.Label != ledger.LabelLegit && rec.Label != ledger.LabelFraud {
				continue
			}
			if err := cw.Write(row(rec)); err != nil {
				return rows, fmt.Errorf("write row: %w", err)
			}
			rows++
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, err
	}

	s.logger.Info("export complete", "accounts", len(accounts), "rows", rows)
	return rows, nil
}

func row(rec *ledger.Record) []string {
	cols := []string{
		formatFloat(rec.WalletRatio),
		strconv.Itoa(rec.HourOfDay),
		formatFloat(money.ToFloat(rec.Amount)),
		strconv.Itoa(rec.ReceiverFreq),
		strconv.Itoa(rec.SenderFreq),
		strconv.Itoa(rec.IsMerchant),
	}
	for _, k := range ledger.Kinds() {
		if rec.Kind == k {
			cols = append(cols, "1")
		} else {
			cols = append(cols, "0")
		}
	}
	if rec.Label == ledger.LabelFraud {
		cols = append(cols, "1")
	} else {
		cols = append(cols, "0")
	}
	return cols
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
