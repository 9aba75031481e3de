package identity

import (
	"context"
	"database/sql"
)

// PostgresStore persists identity tokens in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new identity token
func (p *PostgresStore) Create(ctx context.Context, tok *Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO identity_tokens (id, hash, account_uid, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.Hash, tok.AccountUID, tok.CreatedAt, tok.ExpiresAt, tok.Revoked)
	return err
}

// GetByHash retrieves a token by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	tok := &Token{}
	var expiresAt sql.NullTime
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, account_uid, created_at, last_used, expires_at, revoked
		FROM identity_tokens WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash).Scan(
		&tok.ID, &tok.Hash, &tok.AccountUID,
		&tok.CreatedAt, &lastUsed, &expiresAt, &tok.Revoked,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		tok.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		tok.LastUsed = lastUsed.Time
	}
	return tok, nil
}

// GetByAccount retrieves all tokens for an account
func (p *PostgresStore) GetByAccount(ctx context.Context, uid string) ([]*Token, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, account_uid, created_at, last_used, expires_at, revoked
		FROM identity_tokens WHERE account_uid = $1 ORDER BY created_at DESC
	`, uid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var toks []*Token
	for rows.Next() {
		tok := &Token{}
		var expiresAt sql.NullTime
		var lastUsed sql.NullTime

		if err := rows.Scan(
			&tok.ID, &tok.Hash, &tok.AccountUID,
			&tok.CreatedAt, &lastUsed, &expiresAt, &tok.Revoked,
		); err != nil {
			return nil, err
		}

		if expiresAt.Valid {
			tok.ExpiresAt = &expiresAt.Time
		}
		if lastUsed.Valid {
			tok.LastUsed = lastUsed.Time
		}
		toks = append(toks, tok)
	}
	return toks, rows.Err()
}

// Update updates a token's mutable fields
func (p *PostgresStore) Update(ctx context.Context, tok *Token) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE identity_tokens SET last_used = $1, revoked = $2 WHERE id = $3
	`, tok.LastUsed, tok.Revoked, tok.ID)
	return err
}

// Delete removes a token
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM identity_tokens WHERE id = $1`, id)
	return err
}

// Migrate creates the identity_tokens table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS identity_tokens (
			id            VARCHAR(36) PRIMARY KEY,
			hash          VARCHAR(64) NOT NULL UNIQUE,
			account_uid   VARCHAR(64) NOT NULL,
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			last_used     TIMESTAMPTZ,
			expires_at    TIMESTAMPTZ,
			revoked       BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_identity_tokens_hash ON identity_tokens(hash);
		CREATE INDEX IF NOT EXISTS idx_identity_tokens_account ON identity_tokens(account_uid);
	`)
	return err
}
