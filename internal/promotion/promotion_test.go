package promotion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/deploystate"
	"github.com/overskill/deployctl/internal/dispatch"
	"github.com/overskill/deployctl/internal/edgeplatform"
	"github.com/overskill/deployctl/internal/model"
)

func newTestPromoter(t *testing.T, scriptJS string) *Promoter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/content") && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(scriptJS))
		case strings.HasSuffix(r.URL.Path, "/scripts/"+"staging-"+"my-app") || strings.Contains(r.URL.Path, "/scripts/"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success": true, "result": {}}`))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success": true, "result": {}}`))
		}
	}))
	t.Cleanup(srv.Close)

	edge, err := edgeplatform.New(edgeplatform.Config{AccountID: "acct_1", APIToken: "tok", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("edgeplatform.New: %v", err)
	}
	pub := dispatch.New(edge, config.Config{RuntimeEnv: "development"})

	store, err := deploystate.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("deploystate.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return New(pub, store)
}

func TestPromoteCopiesScriptAndRecordsDigest(t *testing.T) {
	p := newTestPromoter(t, "export default { fetch() {} }")
	app := &model.App{ID: "my-app"}

	deployment, err := p.Promote(context.Background(), app, model.Preview, model.Staging)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if deployment == nil {
		t.Fatalf("expected a deployment row")
	}
	if deployment.Status != model.DeployStatusDeployed {
		t.Fatalf("expected deployed status, got %s", deployment.Status)
	}
	digest, ok := deployment.Metadata["digest"].(string)
	if !ok || digest == "" {
		t.Fatalf("expected a non-empty digest in metadata, got %+v", deployment.Metadata)
	}
	if deployment.Metadata["promoted_from"] != "preview" {
		t.Fatalf("expected promoted_from=preview, got %+v", deployment.Metadata)
	}
}

func TestPromoteRejectsDisallowedPair(t *testing.T) {
	p := newTestPromoter(t, "export default { fetch() {} }")
	app := &model.App{ID: "my-app"}

	cases := []struct{ from, to model.Environment }{
		{model.Production, model.Preview},
		{model.Preview, model.Production},
		{model.Staging, model.Preview},
	}
	for _, tc := range cases {
		_, err := p.Promote(context.Background(), app, tc.from, tc.to)
		if err == nil {
			t.Fatalf("expected an error promoting %s -> %s", tc.from, tc.to)
		}
		if _, ok := err.(*ctlerr.InvalidPromotion); !ok {
			t.Fatalf("expected *ctlerr.InvalidPromotion for %s -> %s, got %T (%v)", tc.from, tc.to, err, err)
		}
	}
}

func TestStatusAggregatesAcrossEnvironments(t *testing.T) {
	p := newTestPromoter(t, "export default { fetch() {} }")
	app := &model.App{ID: "my-app"}

	if _, err := p.Promote(context.Background(), app, model.Preview, model.Staging); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	status, err := p.Status(context.Background(), app)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status[model.Staging].Status != "deployed" {
		t.Fatalf("expected staging deployed, got %+v", status[model.Staging])
	}
	if status[model.Production].Status != "not_deployed" {
		t.Fatalf("expected production not_deployed, got %+v", status[model.Production])
	}
}
