// Package auth issues and verifies the opaque bearer tokens that scope RPC
// and MCP requests to a namespace.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radiumce/microsandbox/internal/errs"
)

// wildcardNamespace is the namespace scope value meaning "every namespace".
const wildcardNamespace = "*"

type record struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"` // hex HMAC-SHA256(serverKey, token)
	Namespace string    `json:"namespace"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type fileFormat struct {
	ServerKey string   `json:"server_key"` // hex
	Tokens    []record `json:"tokens"`
}

// Keystore holds the server's HMAC key and every issued token's hash. It is
// persisted to a single JSON file using the same write-tmp-then-rename
// pattern as the namespace store, so a crash mid-write never corrupts it.
type Keystore struct {
	mu        sync.Mutex
	path      string
	serverKey []byte
	tokens    []record
	dev       bool // --dev: Middleware authorizes every request as wildcard scope
}

// NewDev returns a Keystore whose Middleware skips verification entirely and
// scopes every request to the wildcard namespace. Backs the --dev flag for
// local iteration; never persisted to disk.
func NewDev() *Keystore {
	return &Keystore{dev: true}
}

// Load reads the keystore at path, creating a fresh one (with a freshly
// generated server key) if the file doesn't exist yet.
func Load(path string) (*Keystore, error) {
	ks := &Keystore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, genErr := randomBytes(32)
		if genErr != nil {
			return nil, errs.InternalError(genErr)
		}
		ks.serverKey = key
		if err := ks.save(); err != nil {
			return nil, err
		}
		return ks, nil
	}
	if err != nil {
		return nil, errs.InternalError(err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, errs.InternalError(err)
	}
	key, err := hex.DecodeString(ff.ServerKey)
	if err != nil {
		return nil, errs.InternalError(err)
	}
	ks.serverKey = key
	ks.tokens = ff.Tokens
	return ks, nil
}

func (ks *Keystore) save() error {
	ff := fileFormat{ServerKey: hex.EncodeToString(ks.serverKey), Tokens: ks.tokens}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return errs.InternalError(err)
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0o700); err != nil {
		return errs.InternalError(err)
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.InternalError(err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return errs.InternalError(err)
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (ks *Keystore) mac(token string) string {
	h := hmac.New(sha256.New, ks.serverKey)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// IssueToken mints a new bearer token scoped to namespace (wildcardNamespace
// for every namespace), valid for ttl (zero means no expiry).
func (ks *Keystore) IssueToken(namespace string, ttl time.Duration) (token string, id string, err error) {
	raw, err := randomBytes(32)
	if err != nil {
		return "", "", errs.InternalError(err)
	}
	token = hex.EncodeToString(raw)
	id = uuid.NewString()

	r := record{ID: id, Hash: ks.mac(token), Namespace: namespace, IssuedAt: time.Now()}
	if ttl > 0 {
		r.ExpiresAt = time.Now().Add(ttl)
	}

	ks.mu.Lock()
	ks.tokens = append(ks.tokens, r)
	err = ks.save()
	ks.mu.Unlock()
	if err != nil {
		return "", "", err
	}
	return token, id, nil
}

// SeedToken registers a caller-supplied raw token (rather than minting a
// random one) scoped to namespace, if no existing record already hashes to
// it. Backs the --key flag on `server start`, letting an operator pin a
// known admin token instead of capturing server-generated keygen output.
func (ks *Keystore) SeedToken(token, namespace string, ttl time.Duration) (id string, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	mac := ks.mac(token)
	for _, r := range ks.tokens {
		if hmac.Equal([]byte(r.Hash), []byte(mac)) {
			return r.ID, nil
		}
	}

	id = uuid.NewString()
	r := record{ID: id, Hash: mac, Namespace: namespace, IssuedAt: time.Now()}
	if ttl > 0 {
		r.ExpiresAt = time.Now().Add(ttl)
	}
	ks.tokens = append(ks.tokens, r)
	if err := ks.save(); err != nil {
		return "", err
	}
	return id, nil
}

// Revoke removes a token by id. Returns false if no such token existed.
func (ks *Keystore) Revoke(id string) (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for i, r := range ks.tokens {
		if r.ID == id {
			ks.tokens = append(ks.tokens[:i], ks.tokens[i+1:]...)
			return true, ks.save()
		}
	}
	return false, nil
}

// ResetKey regenerates the server's HMAC key, immediately invalidating
// every previously issued token (every stored hash was computed under the
// old key). Backs the --reset-key CLI flag.
func (ks *Keystore) ResetKey() error {
	key, err := randomBytes(32)
	if err != nil {
		return errs.InternalError(err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.serverKey = key
	ks.tokens = nil
	return ks.save()
}

// Verify checks a presented bearer token and, if valid and unexpired,
// returns the namespace it is scoped to.
func (ks *Keystore) Verify(token string) (namespace string, ok bool) {
	mac := ks.mac(token)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	now := time.Now()
	for _, r := range ks.tokens {
		if !hmac.Equal([]byte(r.Hash), []byte(mac)) {
			continue
		}
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			return "", false
		}
		return r.Namespace, true
	}
	return "", false
}

// Authorize reports whether a token scoped to tokenNamespace may act on
// namespace.
func Authorize(tokenNamespace, namespace string) bool {
	return tokenNamespace == wildcardNamespace || tokenNamespace == namespace
}

type contextKey string

const namespaceKey contextKey = "auth-namespace"

// Middleware extracts and verifies the bearer token, storing its namespace
// scope in the request context. Requests with no or invalid token are
// rejected before reaching the handler.
func (ks *Keystore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ks.dev {
			ctx := context.WithValue(r.Context(), namespaceKey, wildcardNamespace)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeAuthError(w, errs.AuthMissing())
			return
		}
		token := strings.TrimPrefix(header, prefix)
		ns, ok := ks.Verify(token)
		if !ok {
			writeAuthError(w, errs.AuthMissing())
			return
		}
		ctx := context.WithValue(r.Context(), namespaceKey, ns)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, e *errs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": e.Message, "data": e.Data()})
}

// NamespaceFromContext extracts the token's namespace scope set by
// Middleware.
func NamespaceFromContext(ctx context.Context) string {
	v, _ := ctx.Value(namespaceKey).(string)
	return v
}
