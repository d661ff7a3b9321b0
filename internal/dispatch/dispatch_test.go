package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/edgeplatform"
	"github.com/overskill/deployctl/internal/model"
)

func TestFilterBindingsDropsDeniedNames(t *testing.T) {
	in := []edgeplatform.Binding{
		{Name: "APP_ID", Text: "app-1"},
		{Name: "CLOUDFLARE_API_TOKEN", Text: "secret"},
		{Name: "DATABASE_URL", Text: "secret"},
		{Name: "SUPABASE_ANON_KEY", Text: "public-anon-key"},
		{Name: "SOME_SECRET_VALUE", Text: "secret"},
	}
	out := FilterBindings(in)
	names := map[string]bool{}
	for _, b := range out {
		names[b.Name] = true
	}
	if !names["APP_ID"] || !names["SUPABASE_ANON_KEY"] {
		t.Fatalf("expected safe names to survive, got %+v", out)
	}
	if names["CLOUDFLARE_API_TOKEN"] || names["DATABASE_URL"] || names["SOME_SECRET_VALUE"] {
		t.Fatalf("expected denied names to be dropped, got %+v", out)
	}
}

func testPublisher(t *testing.T, handler http.HandlerFunc) *Publisher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	edge, err := edgeplatform.New(edgeplatform.Config{AccountID: "acct_1", APIToken: "tok", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return New(edge, config.Config{RuntimeEnv: "development"})
}

func TestComposeBindingsOrdersKVFirstAndMirrorsViteVars(t *testing.T) {
	p := testPublisher(t, func(w http.ResponseWriter, r *http.Request) {})
	bindings := p.ComposeBindings("kv_1", model.Preview, TenantVars{AppID: "app-1", SupabaseAnonKey: "anon-key"})
	if bindings[0].Type != "kv_namespace" || bindings[0].Name != "PREVIEW_FILES" {
		t.Fatalf("expected PREVIEW_FILES kv binding first, got %+v", bindings[0])
	}
	var sawAppID, sawViteAppID bool
	for _, b := range bindings {
		if b.Name == "APP_ID" && b.Text == "app-1" {
			sawAppID = true
		}
		if b.Name == "VITE_APP_ID" && b.Text == "app-1" {
			sawViteAppID = true
		}
	}
	if !sawAppID || !sawViteAppID {
		t.Fatalf("expected both unprefixed and VITE_-prefixed APP_ID bindings, got %+v", bindings)
	}
}

func TestURLForPrefersSubdomainWhenAppsDomainConfigured(t *testing.T) {
	p := testPublisher(t, func(w http.ResponseWriter, r *http.Request) {})
	p.cfg.AppsDomain = "overskill.app"
	app := &model.App{ID: "my-app"}
	url, err := p.URLFor(context.Background(), app, model.Preview)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://preview-my-app.overskill.app" {
		t.Fatalf("unexpected url: %q", url)
	}
}

func TestURLForFallsBackToPathStyleWithoutAppsDomain(t *testing.T) {
	p := testPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]any{"subdomain": "overskill-acct"}})
	})
	app := &model.App{ID: "my-app"}
	url, err := p.URLFor(context.Background(), app, model.Production)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://overskill-dispatch.overskill-acct.workers.dev/app/my-app" {
		t.Fatalf("unexpected url: %q", url)
	}
}

func TestNamespaceForUsesRuntimeEnvAndEnvironment(t *testing.T) {
	p := testPublisher(t, func(w http.ResponseWriter, r *http.Request) {})
	if got := p.NamespaceFor(model.Staging); got != "overskill-development-staging" {
		t.Fatalf("unexpected namespace: %q", got)
	}
}

func TestUploadTenantScriptSendsComposedBindings(t *testing.T) {
	var sawContentType string
	p := testPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		sawContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success": true, "result": {}}`))
	})
	app := &model.App{ID: "my-app"}
	err := p.UploadTenantScript(context.Background(), app, model.Preview, []byte("export default { fetch() {} }"), "kv_1", TenantVars{AppID: "my-app"})
	if err != nil {
		t.Fatalf("UploadTenantScript: %v", err)
	}
	if !strings.HasPrefix(sawContentType, "multipart/form-data") {
		t.Fatalf("expected a multipart upload, got content-type %q", sawContentType)
	}
}
