package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresPredictionStore implements PredictionStore with PostgreSQL.
type PostgresPredictionStore struct {
	db *sql.DB
}

// NewPostgresPredictionStore creates a PostgreSQL-backed prediction store.
func NewPostgresPredictionStore(db *sql.DB) *PostgresPredictionStore {
	return &PostgresPredictionStore{db: db}
}

// Migrate creates the prediction audit table.
func (p *PostgresPredictionStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_predictions (
			id            VARCHAR(36) PRIMARY KEY,
			txn_id        VARCHAR(36) NOT NULL,
			account_uid   VARCHAR(64) NOT NULL,
			raw           JSONB NOT NULL,
			proba         DOUBLE PRECISION NOT NULL,
			prediction    BOOLEAN NOT NULL,
			model_version VARCHAR(32) NOT NULL,
			label         VARCHAR(16) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_pred_txn ON fraud_predictions(txn_id);
		CREATE INDEX IF NOT EXISTS idx_fraud_pred_account ON fraud_predictions(account_uid, created_at DESC);
	`)
	return err
}

// Record upserts by transaction id (write-once-or-merge).
func (p *PostgresPredictionStore) Record(ctx context.Context, pred *Prediction) error {
	raw, err := json.Marshal(pred.Raw)
	if err != nil {
		return fmt.Errorf("failed to encode feature vector: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_predictions (id, txn_id, account_uid, raw, proba, prediction, model_version, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (txn_id) DO UPDATE SET
			proba         = EXCLUDED.proba,
			prediction    = EXCLUDED.prediction,
			model_version = EXCLUDED.model_version,
			label         = EXCLUDED.label
	`, pred.ID, pred.TxnID, pred.AccountUID, raw, pred.Probability, pred.Fraud,
		pred.ModelVersion, pred.Status, pred.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

func (p *PostgresPredictionStore) ListByAccount(ctx context.Context, uid string, limit int) ([]*Prediction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, txn_id, account_uid, raw, proba, prediction, model_version, label, created_at
		FROM fraud_predictions
		WHERE account_uid = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Prediction
	for rows.Next() {
		pred := &Prediction{}
		var raw []byte
		if err := rows.Scan(&pred.ID, &pred.TxnID, &pred.AccountUID, &raw, &pred.Probability,
			&pred.Fraud, &pred.ModelVersion, &pred.Status, &pred.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &pred.Raw); err != nil {
			return nil, fmt.Errorf("failed to decode feature vector: %w", err)
		}
		result = append(result, pred)
	}
	return result, rows.Err()
}
