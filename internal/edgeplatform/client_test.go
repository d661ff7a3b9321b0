package edgeplatform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{AccountID: "acct_123", APIToken: "tok_abc", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client, srv
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, success bool, result any) {
	t.Helper()
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "result": result, "errors": []any{}})
}

func TestEnsureNamespaceIsIdempotentOn409(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusConflict, false, nil)
	})
	if err := client.EnsureNamespace(context.Background(), "overskill-development-preview"); err != nil {
		t.Fatalf("expected 409 to be treated as success, got %v", err)
	}
}

func TestEnsureNamespaceSurfacesOtherErrors(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusUnprocessableEntity, false, nil)
	})
	if err := client.EnsureNamespace(context.Background(), "bad name"); err == nil {
		t.Fatalf("expected a non-409 failure to surface")
	}
}

func TestGetOrCreateKVNamespaceReusesExisting(t *testing.T) {
	calls := 0
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodGet {
			t.Fatalf("expected only a GET lookup, got %s", r.Method)
		}
		writeEnvelope(t, w, http.StatusOK, true, []map[string]any{{"id": "kv_1", "title": "overskill-preview-files"}})
	})
	id, err := client.GetOrCreateKVNamespace(context.Background(), "overskill-preview-files")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "kv_1" {
		t.Fatalf("expected existing kv namespace id, got %q", id)
	}
	if calls != 1 {
		t.Fatalf("expected a single lookup call, got %d", calls)
	}
}

func TestAccountSubdomainReadsResult(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, true, map[string]any{"subdomain": "overskill-acct"})
	})
	subdomain, err := client.AccountSubdomain(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subdomain != "overskill-acct" {
		t.Fatalf("unexpected subdomain: %q", subdomain)
	}
}

func TestUploadScriptSendsMultipartWithIndexJS(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.MultipartForm.Value["metadata"] == nil {
			t.Fatalf("expected a metadata field")
		}
		files := r.MultipartForm.File["index.js"]
		if len(files) != 1 {
			t.Fatalf("expected one index.js part, got %d", len(files))
		}
		if ct := files[0].Header.Get("Content-Type"); ct != "application/javascript+module" {
			t.Fatalf("unexpected content type: %q", ct)
		}
		writeEnvelope(t, w, http.StatusOK, true, nil)
	})
	err := client.UploadScript(context.Background(), "overskill-development-preview", "my-app", []byte("export default {}"), ScriptMetadata{
		MainModule: "index.js",
		Bindings:   []Binding{{Type: "kv_namespace", Name: "PREVIEW_FILES", NamespaceID: "kv_1"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetScriptDoesNotRedactScriptBytes(t *testing.T) {
	// A compiled worker bundle can plausibly contain substrings that look
	// like a Bearer token or a base64 JWT; GetScript must return them
	// byte-for-byte so internal/promotion's copy stays byte-identical
	// (spec.md §4.I, §3 "records a new Deployment... referencing the same
	// bytes (by digest)").
	scriptJS := `const token = "Bearer eyJhbGciOiJIUzI1NiJ9.payload.sig"; export default { fetch() { return token; } }`
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(scriptJS))
	})
	got, err := client.GetScript(context.Background(), "overskill-development-staging", "my-app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != scriptJS {
		t.Fatalf("expected script bytes to survive unredacted, got %q", string(got))
	}
}

func TestIsAlreadyExistsMatchesMessageText(t *testing.T) {
	err := &APIError{StatusCode: http.StatusBadRequest, Message: "namespace already exists"}
	if !IsAlreadyExists(err) {
		t.Fatalf("expected message-based already-exists detection")
	}
}
