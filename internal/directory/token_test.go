package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rsteenberg/vossieparent/internal/cache"
	"github.com/rsteenberg/vossieparent/internal/config"
)

const testSecret = "s3cr3t-value"

func testCfg(orgURL string) *config.Config {
	return &config.Config{
		DirectoryTenantID:     "tenant-1",
		DirectoryClientID:     "client-1",
		DirectoryClientSecret: testSecret,
		DirectoryOrgURL:       orgURL,
		DirectoryEnabled:      true,
	}
}

func newTestProvider(authority string) *TokenProvider {
	p := NewTokenProvider(testCfg("https://org.example.com"), cache.NewMemory())
	p.authority = authority
	return p
}

func tokenHandler(requests *int32, token string, expiresIn int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/oauth2/v2.0/token") {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"expires_in":   expiresIn,
		})
	}
}

func TestTokenReusedWhileValid(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(tokenHandler(&requests, "tok-1", 3600))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := p.Token(ctx, "https://org.example.com/.default")
		if err != nil {
			t.Fatal(err)
		}
		if tok != "tok-1" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Fatalf("expected a single token request, got %d", n)
	}
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(tokenHandler(&requests, "tok-1", 60))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	now := time.Now()
	p.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := p.Token(ctx, "scope"); err != nil {
		t.Fatal(err)
	}

	// Inside the 30s safety margin the cached token no longer counts.
	now = now.Add(45 * time.Second)
	if _, err := p.Token(ctx, "scope"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Fatalf("expected a refresh inside the margin, got %d requests", n)
	}
}

func TestTokenMissingConfig(t *testing.T) {
	p := NewTokenProvider(&config.Config{}, cache.NewMemory())
	ctx := context.Background()

	_, err := p.Token(ctx, "")
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("empty scope should be a configuration error, got %v", err)
	}

	_, err = p.Token(ctx, "scope")
	if !errors.As(err, &cfgErr) {
		t.Fatalf("missing credentials should be a configuration error, got %v", err)
	}
}

func TestTokenRejectionIsAuthErrorAndNotCached(t *testing.T) {
	var requests int32
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_client",
				"error_description": "client secret rejected",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-2", "expires_in": 3600})
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	ctx := context.Background()

	_, err := p.Token(ctx, "scope")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if authErr.Code != "invalid_client" {
		t.Fatalf("unexpected code %q", authErr.Code)
	}
	if strings.Contains(err.Error(), testSecret) {
		t.Fatal("error text must never contain the client secret")
	}

	// Failures are not cached; the next call retries and succeeds.
	fail = false
	tok, err := p.Token(ctx, "scope")
	if err != nil || tok != "tok-2" {
		t.Fatalf("retry after rejection failed: tok=%q err=%v", tok, err)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Fatalf("expected 2 requests, got %d", n)
	}
}
