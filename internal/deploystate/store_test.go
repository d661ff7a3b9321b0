package deploystate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "deploystate.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBeginThenCompleteTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx, "app-1", model.Preview, "script-1", map[string]any{"trigger": "push"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Complete(ctx, h, "https://preview.example.workers.dev"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	latest, err := s.Latest(ctx, "app-1", model.Preview)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Status != model.DeployStatusDeployed {
		t.Fatalf("expected a deployed row, got %+v", latest)
	}
	if latest.URL != "https://preview.example.workers.dev" {
		t.Fatalf("unexpected url: %q", latest.URL)
	}
	if latest.Metadata["trigger"] != "push" {
		t.Fatalf("expected metadata to be preserved, got %+v", latest.Metadata)
	}
}

func TestCompleteTwiceIsIllegalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx, "app-1", model.Staging, "script-1", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Complete(ctx, h, "https://staging.example.workers.dev"); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	err = s.Complete(ctx, h, "https://staging.example.workers.dev")
	if err == nil {
		t.Fatalf("expected the second Complete on an already-deployed row to fail")
	}
	var illegal *ctlerr.IllegalTransition
	if !asIllegalTransition(err, &illegal) {
		t.Fatalf("expected an IllegalTransition, got %v (%T)", err, err)
	}
	if illegal.From != "deploying" || illegal.To != "deployed" {
		t.Fatalf("unexpected transition in error: %+v", illegal)
	}
}

func TestFailTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx, "app-2", model.Production, "script-2", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Fail(ctx, h, map[string]any{"kind": "type_mismatch"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	latest, err := s.Latest(ctx, "app-2", model.Production)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Status != model.DeployStatusFailed {
		t.Fatalf("expected a failed row, got %+v", latest)
	}
	if latest.Metadata["kind"] != "type_mismatch" {
		t.Fatalf("expected failure metadata recorded, got %+v", latest.Metadata)
	}
}

func TestStatusByEnvReportsNotDeployedForUntouchedEnvironments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.Begin(ctx, "app-3", model.Preview, "script-3", nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Complete(ctx, h, "https://preview.example.workers.dev"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	status, err := s.StatusByEnv(ctx, "app-3")
	if err != nil {
		t.Fatalf("StatusByEnv: %v", err)
	}
	if status[model.Preview].Status != "deployed" {
		t.Fatalf("expected preview deployed, got %+v", status[model.Preview])
	}
	if status[model.Staging].Status != "not_deployed" {
		t.Fatalf("expected staging not_deployed, got %+v", status[model.Staging])
	}
	if status[model.Production].Status != "not_deployed" {
		t.Fatalf("expected production not_deployed, got %+v", status[model.Production])
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h1, _ := s.Begin(ctx, "app-4", model.Preview, "script-a", nil)
	_ = s.Complete(ctx, h1, "https://a.example.workers.dev")
	h2, _ := s.Begin(ctx, "app-4", model.Preview, "script-b", nil)
	_ = s.Complete(ctx, h2, "https://b.example.workers.dev")

	list, err := s.List(ctx, "app-4")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(list))
	}
	if list[0].DeploymentID != "script-b" {
		t.Fatalf("expected newest row first, got %+v", list[0])
	}
}

func asIllegalTransition(err error, target **ctlerr.IllegalTransition) bool {
	it, ok := err.(*ctlerr.IllegalTransition)
	if !ok {
		return false
	}
	*target = it
	return true
}
