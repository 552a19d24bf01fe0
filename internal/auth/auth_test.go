package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	ks, err := Load(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return ks
}

func TestIssueThenVerify_RoundTrips(t *testing.T) {
	ks := newTestKeystore(t)
	token, _, err := ks.IssueToken("default", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ns, ok := ks.Verify(token)
	if !ok || ns != "default" {
		t.Fatalf("Verify = (%q, %v), want (default, true)", ns, ok)
	}
}

func TestVerify_UnknownTokenFails(t *testing.T) {
	ks := newTestKeystore(t)
	if _, ok := ks.Verify("not-a-real-token"); ok {
		t.Fatal("expected an unknown token to fail verification")
	}
}

func TestVerify_ExpiredTokenFails(t *testing.T) {
	ks := newTestKeystore(t)
	token, _, err := ks.IssueToken("default", time.Millisecond)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := ks.Verify(token); ok {
		t.Fatal("expected an expired token to fail verification")
	}
}

func TestRevoke_InvalidatesToken(t *testing.T) {
	ks := newTestKeystore(t)
	token, id, err := ks.IssueToken("default", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ok, err := ks.Revoke(id)
	if err != nil || !ok {
		t.Fatalf("Revoke = (%v, %v)", ok, err)
	}
	if _, ok := ks.Verify(token); ok {
		t.Fatal("expected a revoked token to fail verification")
	}
}

func TestResetKey_InvalidatesAllExistingTokens(t *testing.T) {
	ks := newTestKeystore(t)
	token, _, err := ks.IssueToken("default", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if err := ks.ResetKey(); err != nil {
		t.Fatalf("ResetKey: %v", err)
	}
	if _, ok := ks.Verify(token); ok {
		t.Fatal("expected every token to be invalidated after a key reset")
	}
}

func TestAuthorize_WildcardMatchesAnyNamespace(t *testing.T) {
	if !Authorize("*", "default") {
		t.Fatal("expected wildcard scope to authorize any namespace")
	}
	if Authorize("default", "other") {
		t.Fatal("expected a namespace-scoped token not to authorize a different namespace")
	}
}

func TestMiddleware_RejectsMissingAuthorizationHeader(t *testing.T) {
	ks := newTestKeystore(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	called := false
	ks.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected the inner handler not to run without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSeedToken_RegistersCallerSuppliedValue(t *testing.T) {
	ks := newTestKeystore(t)
	id, err := ks.SeedToken("my-pinned-token", "*", 0)
	if err != nil {
		t.Fatalf("SeedToken: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}
	ns, ok := ks.Verify("my-pinned-token")
	if !ok || ns != "*" {
		t.Fatalf("Verify = (%q, %v), want (*, true)", ns, ok)
	}
}

func TestSeedToken_IsIdempotentForTheSameValue(t *testing.T) {
	ks := newTestKeystore(t)
	id1, err := ks.SeedToken("my-pinned-token", "*", 0)
	if err != nil {
		t.Fatalf("SeedToken: %v", err)
	}
	id2, err := ks.SeedToken("my-pinned-token", "*", 0)
	if err != nil {
		t.Fatalf("SeedToken (second call): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected re-seeding the same token to return the same id, got %q and %q", id1, id2)
	}
}

func TestDevKeystore_AuthorizesEveryRequestAsWildcard(t *testing.T) {
	ks := NewDev()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil) // no Authorization header at all

	var gotNamespace string
	ks.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = NamespaceFromContext(r.Context())
	})).ServeHTTP(rec, req)

	if gotNamespace != "*" {
		t.Fatalf("expected dev mode to scope every request to \"*\", got %q", gotNamespace)
	}
	if rec.Code != http.StatusOK && rec.Code != 0 {
		t.Fatalf("expected the inner handler to run, got status %d", rec.Code)
	}
}

func TestMiddleware_AcceptsValidTokenAndSetsNamespace(t *testing.T) {
	ks := newTestKeystore(t)
	token, _, err := ks.IssueToken("default", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	var gotNamespace string
	ks.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = NamespaceFromContext(r.Context())
	})).ServeHTTP(rec, req)

	if gotNamespace != "default" {
		t.Fatalf("expected namespace %q in context, got %q", "default", gotNamespace)
	}
}
