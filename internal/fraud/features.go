package fraud

import (
	"time"

	"github.com/piggypay/piggypay/internal/ledger"
)

// neutralWalletRatio is used when the balance is zero or unknown so the
// feature stays finite.
const neutralWalletRatio = 0.5

// ExtractInput carries the live state a feature vector is derived from.
type ExtractInput struct {
	Balance float64
	Amount  float64
	Kind    ledger.Kind
	Now     time.Time
	// History is the account's full transaction log. SenderFreq is its
	// length; ReceiverFreq counts prior records of the proposed kind.
	History []*ledger.Record
}

// Extract derives the feature vector for a prospective transaction.
// It has no error paths: requests with missing fields are rejected upstream.
func Extract(in ExtractInput) Vector {
	receiverFreq := 0
	for _, rec := range in.History {
		if rec.Kind == in.Kind {
			receiverFreq++
		}
	}

	ratio := neutralWalletRatio
	if in.Balance > 0 {
		ratio = in.Amount / in.Balance
	}

	v := Vector{
		WalletRatio:  ratio,
		HourOfDay:    float64(in.Now.UTC().Hour()),
		Amount:       in.Amount,
		ReceiverFreq: float64(receiverFreq),
		SenderFreq:   float64(len(in.History)),
		IsMerchant:   0, // reserved for future merchant classification
	}

	switch in.Kind {
	case ledger.KindCashIn:
		v.TypeCashIn = 1
	case ledger.KindCashOut:
		v.TypeCashOut = 1
	case ledger.KindDebit:
		v.TypeDebit = 1
	case ledger.KindPayment:
		v.TypePayment = 1
	case ledger.KindTransfer:
		v.TypeTransfer = 1
	}

	return v
}
