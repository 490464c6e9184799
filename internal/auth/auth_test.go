package auth

import (
	"context"
	"testing"
	"time"

	"tenantstore/internal/apperr"
	"tenantstore/internal/models"
	"tenantstore/internal/store"
)

func setupManager(t *testing.T, validity time.Duration) (*Manager, store.Engine) {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Backend: store.BackendSQLite, SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, validity), s
}

var alice = models.Principal{UserID: "alice", ProjectID: "p-1", ProjectName: "acme"}

func TestHashToken(t *testing.T) {
	// Test that hashing is deterministic
	hash1 := HashToken("token")
	hash2 := HashToken("token")
	if hash1 != hash2 {
		t.Error("Same token should produce same hash")
	}

	if hash1 == HashToken("other") {
		t.Error("Different tokens should produce different hashes")
	}

	// SHA-256 produces 64 hex characters
	if len(hash1) != 64 {
		t.Errorf("Hash should be 64 characters, got %d", len(hash1))
	}
}

func TestIssueAndValidate(t *testing.T) {
	am, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	token, sess, err := am.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if len(token) != 64 {
		t.Errorf("Token should be 64 characters, got %d", len(token))
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Error("Expiry should be after creation")
	}

	p, err := am.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Token should be valid: %v", err)
	}
	if *p != alice {
		t.Errorf("Expected %+v, got %+v", alice, *p)
	}

	token2, _, err := am.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if token == token2 {
		t.Error("Tokens should be unique")
	}
}

func TestValidateFromStore(t *testing.T) {
	am, s := setupManager(t, time.Hour)
	ctx := context.Background()

	token, _, err := am.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	// a second manager only sees the persisted session
	other := New(s, time.Hour)
	p, err := other.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Token should be valid across managers: %v", err)
	}
	if p.ProjectName != "acme" {
		t.Errorf("Expected project acme, got %s", p.ProjectName)
	}
}

func TestValidateErrors(t *testing.T) {
	am, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	_, err := am.Validate(ctx, "")
	if apperr.KindOf(err) != apperr.Unauthenticated {
		t.Errorf("Missing token should be Unauthenticated, got %v", err)
	}
	if err.Error() != "Access token required" {
		t.Errorf("Unexpected message %q", err.Error())
	}

	_, err = am.Validate(ctx, "not-a-token")
	if apperr.KindOf(err) != apperr.PermissionDenied {
		t.Errorf("Unknown token should be PermissionDenied, got %v", err)
	}
	if err.Error() != "Invalid or expired token" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestExpiredToken(t *testing.T) {
	am, _ := setupManager(t, time.Minute)
	ctx := context.Background()

	token, _, err := am.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	am.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := am.Validate(ctx, token); apperr.KindOf(err) != apperr.PermissionDenied {
		t.Errorf("Expired token should be rejected, got %v", err)
	}

	// expired sessions are removed
	am.now = time.Now
	if _, err := am.Validate(ctx, token); err == nil {
		t.Error("Expired token should stay invalid")
	}
}

func TestRevokeToken(t *testing.T) {
	am, _ := setupManager(t, time.Hour)
	ctx := context.Background()

	token, _, err := am.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	if err := am.Revoke(ctx, token); err != nil {
		t.Fatalf("Failed to revoke token: %v", err)
	}
	if _, err := am.Validate(ctx, token); err == nil {
		t.Error("Token should be invalid after revoke")
	}

	// revoking again is not an error
	if err := am.Revoke(ctx, token); err != nil {
		t.Errorf("Second revoke failed: %v", err)
	}
}

func TestIssueRequiresPrincipal(t *testing.T) {
	am, _ := setupManager(t, time.Hour)
	if _, _, err := am.Issue(context.Background(), models.Principal{UserID: "x"}); err == nil {
		t.Error("Should error without project")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer abc ":  "abc",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
		"Bearerabcdef": "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
