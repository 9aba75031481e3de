package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			uid                VARCHAR(64) PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			phone              VARCHAR(32) NOT NULL,
			email              TEXT NOT NULL DEFAULT '',
			iban               VARCHAR(64) NOT NULL DEFAULT '',
			stripe_customer_id VARCHAR(64) NOT NULL DEFAULT '',
			balance            NUMERIC(20,2) NOT NULL DEFAULT 0,
			has_fraud_alert    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_accounts_phone ON wallet_accounts(phone);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id            VARCHAR(36) PRIMARY KEY,
			account_uid   VARCHAR(64) NOT NULL REFERENCES wallet_accounts(uid),
			kind          VARCHAR(16) NOT NULL,
			direction     VARCHAR(4)  NOT NULL DEFAULT '',
			amount        NUMERIC(20,2) NOT NULL,
			ts            TIMESTAMPTZ NOT NULL,
			counterparty  VARCHAR(32) NOT NULL DEFAULT '',
			recipient_uid VARCHAR(64) NOT NULL DEFAULT '',
			wallet_ratio  DOUBLE PRECISION NOT NULL DEFAULT 0,
			hour_of_day   INT NOT NULL DEFAULT 0,
			sender_freq   INT NOT NULL DEFAULT 0,
			receiver_freq INT NOT NULL DEFAULT 0,
			is_merchant   INT NOT NULL DEFAULT 0,
			fraud         BOOLEAN NOT NULL DEFAULT FALSE,
			fraud_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_flagged    BOOLEAN NOT NULL DEFAULT FALSE,
			model_version VARCHAR(32) NOT NULL DEFAULT '',
			verified      BOOLEAN NOT NULL DEFAULT TRUE,
			label         VARCHAR(16) NOT NULL DEFAULT 'legit',
			flag_history  BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at   TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_wallet_txn_account ON wallet_transactions(account_uid);
		CREATE INDEX IF NOT EXISTS idx_wallet_txn_ts ON wallet_transactions(account_uid, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_wallet_txn_pending ON wallet_transactions(account_uid) WHERE NOT verified;
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	balance := acct.Balance
	if balance == "" {
		balance = "0"
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_accounts (uid, name, phone, email, iban, stripe_customer_id, balance, has_fraud_alert, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8, NOW(), NOW())
	`, acct.UID, acct.Name, acct.Phone, acct.Email, acct.IBAN, acct.StripeCustomerID, balance, acct.HasFraudAlert)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, uid string) (*Account, error) {
	return p.getAccount(ctx, `WHERE uid = $1`, uid)
}

func (p *PostgresStore) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	return p.getAccount(ctx, `WHERE phone = $1`, phone)
}

func (p *PostgresStore) getAccount(ctx context.Context, where string, arg any) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT uid, name, phone, email, iban, stripe_customer_id, balance, has_fraud_alert, created_at, updated_at
		FROM wallet_accounts `+where+` LIMIT 1
	`, arg).Scan(&acct.UID, &acct.Name, &acct.Phone, &acct.Email, &acct.IBAN,
		&acct.StripeCustomerID, &acct.Balance, &acct.HasFraudAlert, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT uid, name, phone, email, iban, stripe_customer_id, balance, has_fraud_alert, created_at, updated_at
		FROM wallet_accounts ORDER BY uid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acct := &Account{}
		if err := rows.Scan(&acct.UID, &acct.Name, &acct.Phone, &acct.Email, &acct.IBAN,
			&acct.StripeCustomerID, &acct.Balance, &acct.HasFraudAlert, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (p *PostgresStore) UpdateAccount(ctx context.Context, uid string, upd AccountUpdate) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			name               = COALESCE($2, name),
			email              = COALESCE($3, email),
			iban               = COALESCE($4, iban),
			stripe_customer_id = COALESCE($5, stripe_customer_id),
			updated_at         = NOW()
		WHERE uid = $1
	`, uid, upd.Name, upd.Email, upd.IBAN, upd.StripeCustomerID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncrementBalance applies a signed delta using native NUMERIC arithmetic.
// The CHECK constraint (balance >= 0) rejects overdrafts at the DB level.
func (p *PostgresStore) IncrementBalance(ctx context.Context, uid, delta string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			balance    = balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE uid = $1
	`, uid, delta)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) SetFraudAlert(ctx context.Context, uid string, flagged bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_accounts SET has_fraud_alert = $2, updated_at = NOW() WHERE uid = $1
	`, uid, flagged)
	if err != nil {
		return fmt.Errorf("failed to set fraud alert: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) AppendRecord(ctx context.Context, uid string, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, account_uid, kind, direction, amount, ts, counterparty, recipient_uid,
			wallet_ratio, hour_of_day, sender_freq, receiver_freq, is_merchant,
			fraud, fraud_score, is_flagged, model_version, verified, label, flag_history, resolved_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, rec.ID, uid, rec.Kind, rec.Direction, rec.Amount, rec.Timestamp, rec.Counterparty, rec.RecipientUID,
		rec.WalletRatio, rec.HourOfDay, rec.SenderFreq, rec.ReceiverFreq, rec.IsMerchant,
		rec.Fraud, rec.FraudScore, rec.Flagged, rec.ModelVersion, rec.Verified, rec.Label, rec.FlagHistory, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListRecords(ctx context.Context, uid string) ([]*Record, error) {
	return p.queryRecords(ctx, `WHERE account_uid = $1 ORDER BY ts ASC`, uid)
}

func (p *PostgresStore) RecentRecords(ctx context.Context, uid string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryRecords(ctx, fmt.Sprintf(`WHERE account_uid = $1 ORDER BY ts DESC LIMIT %d`, limit), uid)
}

func (p *PostgresStore) PendingRecords(ctx context.Context, uid string) ([]*Record, error) {
	return p.queryRecords(ctx, `WHERE account_uid = $1 AND NOT verified ORDER BY ts ASC`, uid)
}

// ResolveRecord verifies a held record and applies its balance delta inside
// a single database transaction so a crash can never split the two writes.
func (p *PostgresStore) ResolveRecord(ctx context.Context, uid, recordID, delta string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_transactions SET
			verified    = TRUE,
			fraud       = FALSE,
			label       = 'legit',
			resolved_at = $3
		WHERE id = $1 AND account_uid = $2 AND NOT verified
	`, recordID, uid, at)
	if err != nil {
		return fmt.Errorf("failed to verify record: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish missing from already-resolved.
		var verified bool
		err := tx.QueryRowContext(ctx,
			`SELECT verified FROM wallet_transactions WHERE id = $1 AND account_uid = $2`,
			recordID, uid).Scan(&verified)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			balance    = balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE uid = $1
	`, uid, delta)
	if err != nil {
		return fmt.Errorf("failed to apply balance effect: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) queryRecords(ctx context.Context, clause string, uid string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_uid, kind, direction, amount, ts, counterparty, recipient_uid,
			wallet_ratio, hour_of_day, sender_freq, receiver_freq, is_merchant,
			fraud, fraud_score, is_flagged, model_version, verified, label, flag_history, resolved_at
		FROM wallet_transactions `+clause, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec := &Record{}
		var resolvedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.AccountUID, &rec.Kind, &rec.Direction, &rec.Amount,
			&rec.Timestamp, &rec.Counterparty, &rec.RecipientUID,
			&rec.WalletRatio, &rec.HourOfDay, &rec.SenderFreq, &rec.ReceiverFreq, &rec.IsMerchant,
			&rec.Fraud, &rec.FraudScore, &rec.Flagged, &rec.ModelVersion,
			&rec.Verified, &rec.Label, &rec.FlagHistory, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			rec.ResolvedAt = &t
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// isUniqueViolation checks for a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
