// Package identity verifies wallet identity tokens.
//
// Model:
// - Tokens are issued at registration and map to exactly one account
// - Clients send the raw token with each request; the server stores only
//   a SHA256 hash
// - verify(token) -> account uid, or an invalid-credential error on
//   bad/expired/revoked tokens
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoToken       = errors.New("identity token required")
	ErrInvalidToken  = errors.New("invalid or expired identity token")
	ErrTokenNotFound = errors.New("identity token not found")
)

// Token is the stored metadata for one issued identity token. The raw
// token value is shown once at issue time and never persisted.
type Token struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"` // SHA256 hash of the raw token (stored)
	AccountUID string     `json:"uid"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Store persists identity tokens
type Store interface {
	Create(ctx context.Context, tok *Token) error
	GetByHash(ctx context.Context, hash string) (*Token, error)
	GetByAccount(ctx context.Context, uid string) ([]*Token, error)
	Update(ctx context.Context, tok *Token) error
	Delete(ctx context.Context, id string) error
}

// Verifier issues and checks identity tokens
type Verifier struct {
	store Store
}

// NewVerifier creates a new token verifier
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Issue creates a new identity token for an account.
// Returns the raw token (shown once) and the stored metadata.
func (v *Verifier) Issue(ctx context.Context, uid string) (rawToken string, tok *Token, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawToken = "pgy_" + hex.EncodeToString(b)

	tok = &Token{
		ID:         "tok_" + hex.EncodeToString(b[:8]),
		Hash:       hashToken(rawToken),
		AccountUID: uid,
		CreatedAt:  time.Now(),
	}

	if err := v.store.Create(ctx, tok); err != nil {
		return "", nil, err
	}

	return rawToken, tok, nil
}

// Verify validates a raw token and returns the account uid it belongs to
func (v *Verifier) Verify(ctx context.Context, rawToken string) (string, error) {
	if rawToken == "" {
		return "", ErrNoToken
	}

	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)

	if !strings.HasPrefix(rawToken, "pgy_") {
		return "", ErrInvalidToken
	}

	tok, err := v.store.GetByHash(ctx, hashToken(rawToken))
	if err != nil {
		return "", ErrInvalidToken
	}

	if tok.Revoked {
		return "", ErrInvalidToken
	}
	if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
		return "", ErrInvalidToken
	}

	// Update last used (fire and forget)
	go func() {
		tok.LastUsed = time.Now()
		v.store.Update(context.Background(), tok)
	}()

	return tok.AccountUID, nil
}

// ListTokens returns all tokens for an account
func (v *Verifier) ListTokens(ctx context.Context, uid string) ([]*Token, error) {
	return v.store.GetByAccount(ctx, uid)
}

// Revoke revokes an identity token
func (v *Verifier) Revoke(ctx context.Context, tokenID, uid string) error {
	toks, err := v.store.GetByAccount(ctx, uid)
	if err != nil {
		return err
	}

	for _, tok := range toks {
		if tok.ID == tokenID {
			tok.Revoked = true
			return v.store.Update(ctx, tok)
		}
	}

	return ErrTokenNotFound
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*Token),
	}
}

func (s *MemoryStore) Create(ctx context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ID] = tok
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tok := range s.tokens {
		if tok.Hash == hash {
			return tok, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (s *MemoryStore) GetByAccount(ctx context.Context, uid string) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Token
	for _, tok := range s.tokens {
		if tok.AccountUID == uid {
			result = append(result, tok)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ID] = tok
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}
