package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/deploystate"
	"github.com/overskill/deployctl/internal/dispatch"
	"github.com/overskill/deployctl/internal/edgeplatform"
	"github.com/overskill/deployctl/internal/promotion"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	secret := "test-secret"

	edgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success": true, "result": {}}`))
	}))
	t.Cleanup(edgeSrv.Close)

	edge, err := edgeplatform.New(edgeplatform.Config{AccountID: "acct_1", APIToken: "tok", BaseURL: edgeSrv.URL})
	if err != nil {
		t.Fatalf("edgeplatform.New: %v", err)
	}
	pub := dispatch.New(edge, config.Config{RuntimeEnv: "development", InboundSigningSecret: secret})

	state, err := deploystate.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("deploystate.Open: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })

	promoter := promotion.New(pub, state)

	cfg := config.Config{RuntimeEnv: "development", InboundSigningSecret: secret}
	srv := New(cfg, nil, pub, nil, promoter, state, nil)
	return srv, secret
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthzRequiresNoSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusRejectsUnsignedRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/apps/my-app/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStatusReturnsAggregateForSignedRequest(t *testing.T) {
	srv, secret := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/apps/my-app/status", nil)
	req.Header.Set("X-Signature-256", sign(secret, ""))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPromoteRejectsInvalidEnvironment(t *testing.T) {
	srv, secret := newTestServer(t)
	body := `{"from": "bogus", "to": "staging"}`
	req := httptest.NewRequest(http.MethodPost, "/apps/my-app/promote", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPromoteRejectsDisallowedPair(t *testing.T) {
	srv, secret := newTestServer(t)
	body := `{"from": "production", "to": "preview"}`
	req := httptest.NewRequest(http.MethodPost, "/apps/my-app/promote", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a disallowed promotion pair, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPromoteSucceedsForSignedValidRequest(t *testing.T) {
	srv, secret := newTestServer(t)
	body := `{"from": "preview", "to": "staging"}`
	req := httptest.NewRequest(http.MethodPost, "/apps/my-app/promote", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
