package apiauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := New("shh")
	body := `{"app_id":"app-1"}`
	req := httptest.NewRequest(http.MethodPost, "/apps/app-1/deploy", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", sign("shh", body))

	got, err := v.Verify(req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(got) != body {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	v := New("shh")
	body := `{"app_id":"app-1"}`
	req := httptest.NewRequest(http.MethodPost, "/apps/app-1/deploy", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", sign("wrong-secret", body))

	if _, err := v.Verify(req); err == nil {
		t.Fatalf("expected an error for a mismatched signature")
	}
}

func TestVerifyRejectsMissingHeader(t *testing.T) {
	v := New("shh")
	req := httptest.NewRequest(http.MethodPost, "/apps/app-1/deploy", bytes.NewBufferString("{}"))
	if _, err := v.Verify(req); err == nil {
		t.Fatalf("expected an error when the signature header is absent")
	}
}

func TestMiddlewareRejectsUnsignedRequests(t *testing.T) {
	v := New("shh")
	called := false
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/apps/app-1/deploy", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatalf("expected next handler not to run for an unsigned request")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewarePassesBodyThrough(t *testing.T) {
	v := New("shh")
	body := `{"from":"preview","to":"staging"}`
	var gotBody string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))

	req := httptest.NewRequest(http.MethodPost, "/apps/app-1/promote", bytes.NewBufferString(body))
	req.Header.Set("X-Signature-256", sign("shh", body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotBody != body {
		t.Fatalf("expected the handler to see the verified body, got %q", gotBody)
	}
}
