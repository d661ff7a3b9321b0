// Package credential mints short-lived GitHub App installation tokens
// (spec.md §4.A). Grounded on
// tools/si/internal/githubbridge/auth_app.go's hand-rolled JWT signer and
// installation-id discovery, generalized into a per-org cache with
// single-flight refresh (spec.md §5).
package credential

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/httpx"
	"github.com/overskill/deployctl/internal/reqexec"
)

const baseURL = "https://api.github.com"

// Token is the credential handed back to callers.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Provider mints and caches installation tokens for a single GitHub App.
type Provider struct {
	appID      int64
	key        *rsa.PrivateKey
	keyPEM     []byte
	httpClient *http.Client

	mu     sync.RWMutex
	cached map[string]Token // org (lowercased) -> token

	group singleflight.Group
}

// New parses the PEM-encoded RSA private key once at construction, the way
// auth_app.go's NewAppProvider does, and fails fast with
// ctlerr.MissingCredential when it is empty or unparsable.
func New(appID int64, privateKeyPEM string) (*Provider, error) {
	if appID <= 0 {
		return nil, &ctlerr.MissingCredential{Reason: "app id is required"}
	}
	key := strings.TrimSpace(privateKeyPEM)
	if strings.Contains(key, "\\n") {
		key = strings.ReplaceAll(key, "\\n", "\n")
	}
	if key == "" {
		return nil, &ctlerr.MissingCredential{Reason: "private key PEM is empty"}
	}
	parsed, err := parseRSAPrivateKey(key)
	if err != nil {
		return nil, &ctlerr.MissingCredential{Reason: err.Error()}
	}
	return &Provider{
		appID:      appID,
		key:        parsed,
		keyPEM:     []byte(key),
		httpClient: httpx.SharedClient(30 * time.Second),
		cached:     map[string]Token{},
	}, nil
}

// InstallationID resolves and returns the installation id for org, so
// long-lived callers (internal/sourcehost builds a ghinstallation-backed
// *github.Client per repo) can manage their own token refresh rather than
// going through TokenFor for every call.
func (p *Provider) InstallationID(ctx context.Context, org string) (int64, error) {
	return p.installationID(ctx, strings.ToLower(strings.TrimSpace(org)))
}

// AppID returns the configured GitHub App id.
func (p *Provider) AppID() int64 { return p.appID }

// PrivateKeyPEM returns the raw PEM bytes ghinstallation's transport
// constructors need (they parse the key themselves).
func (p *Provider) PrivateKeyPEM() []byte { return p.keyPEM }

// TokenFor returns a cached, still-valid installation token for org, or
// mints a new one. Concurrent callers for the same org share one refresh
// (spec.md §5: "At most one refresh per (org) is in flight").
func (p *Provider) TokenFor(ctx context.Context, org string) (Token, error) {
	org = strings.ToLower(strings.TrimSpace(org))
	if org == "" {
		return Token{}, fmt.Errorf("org is required")
	}

	p.mu.RLock()
	tok, ok := p.cached[org]
	p.mu.RUnlock()
	if ok && time.Until(tok.ExpiresAt) > 60*time.Second {
		return tok, nil
	}

	result, err, _ := p.group.Do(org, func() (any, error) {
		// Re-check: another waiter may have refreshed while we queued for
		// the group.
		p.mu.RLock()
		tok, ok := p.cached[org]
		p.mu.RUnlock()
		if ok && time.Until(tok.ExpiresAt) > 60*time.Second {
			return tok, nil
		}
		fresh, err := p.refresh(ctx, org)
		if err != nil {
			return Token{}, err
		}
		p.mu.Lock()
		p.cached[org] = fresh
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// fixedBackoff is the literal 1s/2s/3s schedule spec.md §4.A calls out,
// distinct from internal/reqexec's jittered exponential default.
var fixedBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}

func (p *Provider) refresh(ctx context.Context, org string) (Token, error) {
	installationID, err := p.installationID(ctx, org)
	if err != nil {
		return Token{}, err
	}
	jwtToken, err := p.signedJWT(time.Now().UTC())
	if err != nil {
		return Token{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= len(fixedBackoff)+1; attempt++ {
		tok, retryable, err := p.exchangeInstallationToken(ctx, installationID, jwtToken)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if !retryable {
			return Token{}, err
		}
		if attempt > len(fixedBackoff) {
			break
		}
		if sleepErr := reqexec.Sleep(ctx, fixedBackoff[attempt-1]); sleepErr != nil {
			return Token{}, sleepErr
		}
	}
	return Token{}, &ctlerr.Transient{Cause: lastErr}
}

func (p *Provider) installationID(ctx context.Context, org string) (int64, error) {
	jwtToken, err := p.signedJWT(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	id, err := p.lookupInstallationByOrg(ctx, org, jwtToken)
	if err == nil {
		return id, nil
	}
	id, listErr := p.lookupInstallationByListing(ctx, org, jwtToken)
	if listErr == nil {
		return id, nil
	}
	return 0, &ctlerr.InstallationNotFound{Org: org}
}

func (p *Provider) lookupInstallationByOrg(ctx context.Context, org, jwtToken string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/orgs/"+url.PathEscape(org)+"/installation", nil)
	if err != nil {
		return 0, err
	}
	setAppHeaders(req, jwtToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, httpStatusErr(resp.StatusCode, string(body))
	}
	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == 0 {
		return 0, fmt.Errorf("installation lookup: unexpected response")
	}
	return payload.ID, nil
}

func (p *Provider) lookupInstallationByListing(ctx context.Context, org, jwtToken string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/app/installations?per_page=100", nil)
	if err != nil {
		return 0, err
	}
	setAppHeaders(req, jwtToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, httpStatusErr(resp.StatusCode, string(body))
	}
	var installations []struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	}
	if err := json.Unmarshal(body, &installations); err != nil {
		return 0, fmt.Errorf("installation listing: unexpected response")
	}
	for _, inst := range installations {
		if strings.EqualFold(inst.Account.Login, org) {
			return inst.ID, nil
		}
	}
	return 0, &ctlerr.InstallationNotFound{Org: org}
}

func (p *Provider) exchangeInstallationToken(ctx context.Context, installationID int64, jwtToken string) (Token, bool, error) {
	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Token{}, false, err
	}
	setAppHeaders(req, jwtToken)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Token{}, true, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500
		return Token{}, retryable, httpStatusErr(resp.StatusCode, string(body))
	}
	var payload struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Token == "" {
		return Token{}, false, fmt.Errorf("exchange installation token: unexpected response")
	}
	expiresAt, _ := time.Parse(time.RFC3339, payload.ExpiresAt)
	return Token{Value: payload.Token, ExpiresAt: expiresAt}, false, nil
}

func httpStatusErr(status int, body string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ctlerr.Unauthorized{StatusCode: status, Body: ctlerr.RedactSensitive(body)}
	case http.StatusNotFound:
		return &ctlerr.NotFound{Resource: "github app installation"}
	default:
		return &ctlerr.Permanent{Code: status, Body: ctlerr.RedactSensitive(body)}
	}
}

func setAppHeaders(req *http.Request, jwtToken string) {
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

// signedJWT mints the short-lived app JWT: iat = now-60s, exp = now+10min
// (spec.md §4.A), RS256-signed with the App's private key.
func (p *Provider) signedJWT(now time.Time) (string, error) {
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", p.appID),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	hash := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

func parseRSAPrivateKey(value string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(value))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key must be RSA")
	}
	return key, nil
}
