package identity

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestIssue(t *testing.T) {
	store := NewMemoryStore()
	v := NewVerifier(store)
	ctx := context.Background()

	rawToken, tok, err := v.Issue(ctx, "user_abc123")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Check raw token format
	if !strings.HasPrefix(rawToken, "pgy_") {
		t.Errorf("Expected raw token to start with pgy_, got %s", rawToken[:10])
	}
	if len(rawToken) != 68 { // "pgy_" + 64 hex chars
		t.Errorf("Expected raw token length 68, got %d", len(rawToken))
	}

	// Check token metadata
	if !strings.HasPrefix(tok.ID, "tok_") {
		t.Errorf("Expected token ID to start with tok_, got %s", tok.ID)
	}
	if tok.AccountUID != "user_abc123" {
		t.Errorf("Expected account uid user_abc123, got %s", tok.AccountUID)
	}
}

func TestVerify(t *testing.T) {
	store := NewMemoryStore()
	v := NewVerifier(store)
	ctx := context.Background()

	rawToken, _, err := v.Issue(ctx, "user_abc123")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Verify with correct token
	uid, err := v.Verify(ctx, rawToken)
	if err != nil {
		t.Errorf("Verify failed for valid token: %v", err)
	}
	if uid != "user_abc123" {
		t.Errorf("Expected uid user_abc123, got %s", uid)
	}

	// Verify with Bearer prefix
	uid, err = v.Verify(ctx, "Bearer "+rawToken)
	if err != nil {
		t.Errorf("Verify failed with Bearer prefix: %v", err)
	}
	if uid != "user_abc123" {
		t.Errorf("Expected uid user_abc123, got %s", uid)
	}

	// Verify with wrong token
	_, err = v.Verify(ctx, "pgy_wrongtoken1234567890123456789012345678901234567890123456789012")
	if err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for wrong token, got: %v", err)
	}

	// Verify with empty token
	_, err = v.Verify(ctx, "")
	if err != ErrNoToken {
		t.Errorf("Expected ErrNoToken for empty token, got: %v", err)
	}

	// Verify with malformed token
	_, err = v.Verify(ctx, "not_a_valid_token")
	if err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for malformed token, got: %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	store := NewMemoryStore()
	v := NewVerifier(store)
	ctx := context.Background()

	rawToken, tok, err := v.Issue(ctx, "user_abc123")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	expired := time.Now().Add(-time.Hour)
	tok.ExpiresAt = &expired
	if err := store.Update(ctx, tok); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err = v.Verify(ctx, rawToken)
	if err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken for expired token, got: %v", err)
	}
}

func TestListTokens(t *testing.T) {
	store := NewMemoryStore()
	v := NewVerifier(store)
	ctx := context.Background()

	v.Issue(ctx, "user_1")
	v.Issue(ctx, "user_1")
	v.Issue(ctx, "user_2")

	toks, err := v.ListTokens(ctx, "user_1")
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	if len(toks) != 2 {
		t.Errorf("Expected 2 tokens for user_1, got %d", len(toks))
	}

	toks, err = v.ListTokens(ctx, "user_2")
	if err != nil {
		t.Fatalf("ListTokens failed: %v", err)
	}
	if len(toks) != 1 {
		t.Errorf("Expected 1 token for user_2, got %d", len(toks))
	}
}

func TestRevoke(t *testing.T) {
	store := NewMemoryStore()
	v := NewVerifier(store)
	ctx := context.Background()

	rawToken, tok, _ := v.Issue(ctx, "user_1")

	// Verify before revoke
	if _, err := v.Verify(ctx, rawToken); err != nil {
		t.Errorf("Token should be valid before revoke")
	}

	// Revoke
	if err := v.Revoke(ctx, tok.ID, "user_1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	// Verify after revoke - should fail
	if _, err := v.Verify(ctx, rawToken); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken after revoke, got: %v", err)
	}
}

func TestTokenHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	v := NewVerifier(store)
	ctx := context.Background()

	rawToken, tok, _ := v.Issue(ctx, "user_1")

	// Hash should not equal the raw token and must be set
	if tok.Hash == rawToken {
		t.Error("Hash should not equal raw token")
	}
	if tok.Hash == "" {
		t.Error("Hash should be set")
	}
}
