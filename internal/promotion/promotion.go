// Package promotion copies an already-built script between environments
// without a rebuild or a source commit (spec.md §4.I), and aggregates
// per-environment status for the status API.
package promotion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/deploystate"
	"github.com/overskill/deployctl/internal/dispatch"
	"github.com/overskill/deployctl/internal/model"
)

type Promoter struct {
	dispatch *dispatch.Publisher
	state    *deploystate.Store
}

func New(d *dispatch.Publisher, state *deploystate.Store) *Promoter {
	return &Promoter{dispatch: d, state: state}
}

// Promote copies the script deployed at from into to's namespace under to's
// script name, registers to's route, and records a Deployment row carrying
// the copied script's digest (spec.md §3 Testable Properties scenario 4:
// "promotion copies bytes, it does not rebuild").
func (p *Promoter) Promote(ctx context.Context, app *model.App, from, to model.Environment) (*model.Deployment, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if allowed, ok := from.PromotesTo(); !ok || allowed != to {
		return nil, &ctlerr.InvalidPromotion{From: string(from), To: string(to)}
	}

	fromNamespace := p.dispatch.NamespaceFor(from)
	fromScript := p.dispatch.ScriptName(app, from)
	toNamespace := p.dispatch.NamespaceFor(to)
	toScript := p.dispatch.ScriptName(app, to)

	scriptJS, err := p.dispatch.Edge().GetScript(ctx, fromNamespace, fromScript)
	if err != nil {
		return nil, fmt.Errorf("promotion: fetch source script: %w", err)
	}
	digest := sha256.Sum256(scriptJS)
	digestHex := hex.EncodeToString(digest[:])

	if err := p.dispatch.Edge().UploadScript(ctx, toNamespace, toScript, scriptJS, dispatch.ScriptMetadata(nil)); err != nil {
		return nil, fmt.Errorf("promotion: upload to %s: %w", to, err)
	}

	routeErr := p.dispatch.EnsureRoute(ctx, app, to)

	url, err := p.dispatch.URLFor(ctx, app, to)
	if err != nil {
		return nil, fmt.Errorf("promotion: resolve url: %w", err)
	}

	meta := map[string]any{
		"digest":         digestHex,
		"promoted_from":  string(from),
		"route_degraded": routeErr != nil,
	}

	h, err := p.state.Begin(ctx, app.ID, to, toScript, meta)
	if err != nil {
		return nil, fmt.Errorf("promotion: begin state: %w", err)
	}
	if err := p.state.Complete(ctx, h, url); err != nil {
		return nil, fmt.Errorf("promotion: complete state: %w", err)
	}
	return p.state.Latest(ctx, app.ID, to)
}

// Status aggregates the deploystate's latest row per environment into the
// shape the status API returns (spec.md §4.I).
func (p *Promoter) Status(ctx context.Context, app *model.App) (map[model.Environment]model.EnvStatus, error) {
	return p.state.StatusByEnv(ctx, app.ID)
}
