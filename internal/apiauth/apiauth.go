// Package apiauth authenticates inbound trigger requests against this
// control plane's own API (spec.md §4.12). Adapted from the teacher's
// githubapp.VerifyWebhook — same X-Signature-256: sha256=<hex> header shape
// and constant-time compare, repurposed from verifying inbound GitHub
// webhooks to verifying inbound callers of this API, the closest analogous
// concern this spec actually has.
package apiauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Verifier holds the shared signing secret configured for this instance.
type Verifier struct {
	secret []byte
}

func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify reads and returns r's body after checking its X-Signature-256
// header against an HMAC-SHA256 of the body keyed by the shared secret. The
// body is always fully consumed and closed, signature valid or not, so
// callers can rely on r.Body being safe to discard.
func (v *Verifier) Verify(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()

	sig := strings.TrimSpace(r.Header.Get("X-Signature-256"))
	if sig == "" {
		return nil, fmt.Errorf("missing X-Signature-256 header")
	}
	if err := verifySig(sig, body, v.secret); err != nil {
		return nil, err
	}
	return body, nil
}

func verifySig(header string, body, secret []byte) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return fmt.Errorf("invalid signature header prefix")
	}
	wantHex := strings.TrimPrefix(header, prefix)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	gotHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(wantHex), []byte(gotHex)) {
		return fmt.Errorf("invalid request signature")
	}
	return nil
}

// Middleware wraps next, rejecting any request that fails Verify with 401
// before next ever sees it. The verified body is restored onto the request
// so downstream handlers can still decode it.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := v.Verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
