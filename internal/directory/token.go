package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rsteenberg/vossieparent/internal/cache"
	"github.com/rsteenberg/vossieparent/internal/config"
)

const (
	// defaultAuthority is the AAD token endpoint base; tests override it.
	defaultAuthority = "https://login.microsoftonline.com"

	// tokenMargin is subtracted from the provider-declared lifetime
	// before a cached token is considered expired.
	tokenMargin = 30 * time.Second
)

// AuthError means the token endpoint rejected the request. It is never
// cached; the next call retries. The client secret is never included.
type AuthError struct {
	Code        string
	Description string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token acquisition failed: %s: %s", e.Code, e.Description)
}

// TokenProvider acquires and caches service-principal access tokens,
// one cache entry per scope. Concurrent misses each fetch independently;
// the last write wins, which is benign since every token stays valid
// until its own expiry.
type TokenProvider struct {
	cfg       *config.Config
	cache     cache.Cache
	httpc     *http.Client
	authority string
	now       func() time.Time
}

type tokenEntry struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

func NewTokenProvider(cfg *config.Config, c cache.Cache) *TokenProvider {
	return &TokenProvider{
		cfg:       cfg,
		cache:     c,
		httpc:     &http.Client{Timeout: 20 * time.Second},
		authority: defaultAuthority,
		now:       time.Now,
	}
}

// Token returns a cached token for the scope while it has more than the
// safety margin of lifetime left, otherwise requests a fresh one with
// the client-credentials grant.
func (p *TokenProvider) Token(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		return "", config.Errorf("DIR_ORG_URL", "token scope is empty; set the org URL")
	}
	if p.cfg.DirectoryTenantID == "" || p.cfg.DirectoryClientID == "" || p.cfg.DirectoryClientSecret == "" {
		return "", config.Errorf("DIR_TENANT_ID/DIR_CLIENT_ID/DIR_CLIENT_SECRET", "directory credentials are not fully configured")
	}

	key := "svctoken:" + scope
	if raw, ok := p.cache.Get(ctx, key); ok {
		var e tokenEntry
		if json.Unmarshal([]byte(raw), &e) == nil &&
			p.now().Add(tokenMargin).Unix() < e.ExpiresAt {
			return e.AccessToken, nil
		}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.cfg.DirectoryClientID},
		"client_secret": {p.cfg.DirectoryClientSecret},
		"scope":         {scope},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", p.authority, p.cfg.DirectoryTenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var result struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("malformed token response (status %d): %w", resp.StatusCode, err)
	}
	if result.AccessToken == "" {
		return "", &AuthError{Code: result.Error, Description: result.ErrorDescription}
	}

	entry := tokenEntry{
		AccessToken: result.AccessToken,
		ExpiresAt:   p.now().Unix() + result.ExpiresIn,
	}
	if raw, err := json.Marshal(entry); err == nil {
		p.cache.Set(ctx, key, string(raw), time.Duration(result.ExpiresIn)*time.Second)
	}
	return result.AccessToken, nil
}
