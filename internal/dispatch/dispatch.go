// Package dispatch publishes tenant worker scripts into the edge platform's
// dispatch namespaces and keeps their routes, bindings, and public URLs in
// sync (spec.md §4.E). Grounded on tools/si/internal/cloudflarebridge for the
// REST shape (via internal/edgeplatform) and on the teacher's config-driven
// naming conventions (apps/ReleaseParty/backend/internal/config).
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/edgeplatform"
	"github.com/overskill/deployctl/internal/model"
)

// DispatchWorkerName is the single shared script installed once per account
// (spec.md §4.E).
const DispatchWorkerName = "overskill-dispatch"

type Publisher struct {
	edge *edgeplatform.Client
	cfg  config.Config

	mu                sync.Mutex
	accountSubdomain  string
	subdomainResolved bool
	zoneIDs           map[string]string
}

func New(edge *edgeplatform.Client, cfg config.Config) *Publisher {
	return &Publisher{edge: edge, cfg: cfg, zoneIDs: map[string]string{}}
}

// Edge exposes the underlying edge platform client to internal/promotion,
// which copies already-built scripts directly (get_script/upload_script)
// without going through ComposeBindings (spec.md §4.I: promotion copies
// bytes, it does not recompute tenant vars).
func (p *Publisher) Edge() *edgeplatform.Client {
	return p.edge
}

// ScriptMetadata is the fixed main-module/compatibility-date pair shared by
// every script upload, tenant or promoted (spec.md §4.E).
func ScriptMetadata(bindings []edgeplatform.Binding) edgeplatform.ScriptMetadata {
	return edgeplatform.ScriptMetadata{
		MainModule:        "index.js",
		CompatibilityDate: "2024-09-23",
		Bindings:          bindings,
	}
}

// NamespaceFor returns the dispatch namespace name for env, e.g.
// overskill-production-preview (spec.md §3, §4.E).
func (p *Publisher) NamespaceFor(env model.Environment) string {
	return env.Namespace(p.cfg.RuntimeEnv)
}

// ScriptName returns the per-environment script name (spec.md §4.E).
func (p *Publisher) ScriptName(app *model.App, env model.Environment) string {
	return app.ScriptName(env)
}

// EnsureDispatchWorker installs the shared dispatch worker once, idempotently
// (spec.md §4.E: "installed once per account").
func (p *Publisher) EnsureDispatchWorker(ctx context.Context) error {
	return p.edge.UploadWorker(ctx, DispatchWorkerName, []byte(dispatchWorkerScript), ScriptMetadata(nil))
}

// EnsureNamespaces creates every dispatch namespace lazily and idempotently
// (spec.md §4.E).
func (p *Publisher) EnsureNamespaces(ctx context.Context) error {
	for _, env := range model.Environments() {
		if err := p.edge.EnsureNamespace(ctx, p.NamespaceFor(env)); err != nil {
			return err
		}
	}
	return nil
}

// TenantVars is the per-app substitution set composed into bindings (spec.md
// §4.E).
type TenantVars struct {
	AppID           string
	AppName         string
	AppOwnerID      string
	SupabaseURL     string
	SupabaseAnonKey string
	APIBaseURL      string
	WebSocketURL    string
	BuildTimestamp  string
	Version         string
	AppNamespace    string
	TenantID        string
	DevelopmentMode string
}

// secretNameDenyFragments never appear, even as a substring, in a composed
// binding's name (spec.md §4.E). SUPABASE_ANON_KEY is explicitly exempted
// even though it ends in _KEY, since the deny list matches on these literal
// fragments, none of which SUPABASE_ANON_KEY contains.
var secretNameDenyFragments = []string{"SECRET", "API_KEY", "PASSWORD", "TOKEN", "PRIVATE", "DATABASE_URL"}

func isDeniedBindingName(name string) bool {
	upper := strings.ToUpper(name)
	for _, fragment := range secretNameDenyFragments {
		if strings.Contains(upper, fragment) {
			return true
		}
	}
	return false
}

// FilterBindings drops any binding whose name matches a deny fragment,
// preserving the order of the rest (spec.md §4.E). Pure function, unit
// tested directly against the literal deny list.
func FilterBindings(bindings []edgeplatform.Binding) []edgeplatform.Binding {
	out := make([]edgeplatform.Binding, 0, len(bindings))
	for _, b := range bindings {
		if isDeniedBindingName(b.Name) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// ComposeBindings builds the ordered binding list for a tenant script upload:
// (1) the shared preview-files KV namespace, (2) safe platform vars, (3)
// per-app vars with both unprefixed and VITE_-prefixed mirrors (spec.md
// §4.E), then runs the result through FilterBindings as a defense-in-depth
// pass even though none of the named fields match the deny list today.
func (p *Publisher) ComposeBindings(previewFilesKVID string, env model.Environment, vars TenantVars) []edgeplatform.Binding {
	bindings := []edgeplatform.Binding{
		{Type: "kv_namespace", Name: "PREVIEW_FILES", NamespaceID: previewFilesKVID},
		{Type: "plain_text", Name: "OVERSKILL_API_BASE_URL", Text: vars.APIBaseURL},
		{Type: "plain_text", Name: "ENVIRONMENT", Text: string(env)},
		{Type: "plain_text", Name: "APP_DOMAIN", Text: p.cfg.AppsDomain},
		{Type: "plain_text", Name: "HMR_ENABLED", Text: boolString(env == model.Preview)},
	}
	appVars := map[string]string{
		"APP_ID":            vars.AppID,
		"APP_NAME":          vars.AppName,
		"APP_OWNER_ID":      vars.AppOwnerID,
		"SUPABASE_URL":      vars.SupabaseURL,
		"SUPABASE_ANON_KEY": vars.SupabaseAnonKey,
		"API_BASE_URL":      vars.APIBaseURL,
		"WEBSOCKET_URL":     vars.WebSocketURL,
		"BUILD_TIMESTAMP":   vars.BuildTimestamp,
		"VERSION":           vars.Version,
		"APP_NAMESPACE":     vars.AppNamespace,
		"TENANT_ID":         vars.TenantID,
		"DEVELOPMENT_MODE":  vars.DevelopmentMode,
	}
	names := make([]string, 0, len(appVars))
	for name := range appVars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := appVars[name]
		bindings = append(bindings, edgeplatform.Binding{Type: "plain_text", Name: name, Text: value})
		bindings = append(bindings, edgeplatform.Binding{Type: "plain_text", Name: "VITE_" + name, Text: value})
	}
	return FilterBindings(bindings)
}

// UploadTenantScript composes bindings and uploads a compiled worker script
// into app's namespace for env (spec.md §4.E).
func (p *Publisher) UploadTenantScript(ctx context.Context, app *model.App, env model.Environment, scriptJS []byte, previewFilesKVID string, vars TenantVars) error {
	bindings := p.ComposeBindings(previewFilesKVID, env, vars)
	return p.edge.UploadScript(ctx, p.NamespaceFor(env), p.ScriptName(app, env), scriptJS, ScriptMetadata(bindings))
}

// EnsureRoute registers a non-wildcard route for app/env pointing at the
// shared dispatch worker. Failures never fail the deploy — the caller falls
// back to the path-style URL (spec.md §4.E).
func (p *Publisher) EnsureRoute(ctx context.Context, app *model.App, env model.Environment) error {
	if strings.TrimSpace(p.cfg.AppsDomain) == "" {
		return nil
	}
	zoneID, err := p.zoneID(ctx)
	if err != nil {
		return err
	}
	pattern := fmt.Sprintf("%s%s.%s/*", env.EnvPrefix(), p.ScriptName(app, env), p.cfg.AppsDomain)
	_, err = p.edge.CreateRoute(ctx, zoneID, edgeplatform.Route{Pattern: pattern, Script: DispatchWorkerName})
	return err
}

func (p *Publisher) zoneID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.zoneIDs[p.cfg.AppsDomain]; ok {
		return id, nil
	}
	id, err := p.edge.ZoneID(ctx, p.cfg.AppsDomain)
	if err != nil {
		return "", err
	}
	p.zoneIDs[p.cfg.AppsDomain] = id
	return id, nil
}

// URLFor derives the public URL for app/env: subdomain style when apps_domain
// is configured, path style against the account's workers.dev subdomain
// otherwise (spec.md §4.E, §6).
func (p *Publisher) URLFor(ctx context.Context, app *model.App, env model.Environment) (string, error) {
	scriptName := p.ScriptName(app, env)
	if strings.TrimSpace(p.cfg.AppsDomain) != "" {
		return fmt.Sprintf("https://%s%s.%s", env.EnvPrefix(), scriptName, p.cfg.AppsDomain), nil
	}
	subdomain, err := p.resolveAccountSubdomain(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s.%s.workers.dev/app/%s%s", DispatchWorkerName, subdomain, env.EnvPrefix(), scriptName), nil
}

func (p *Publisher) resolveAccountSubdomain(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subdomainResolved {
		return p.accountSubdomain, nil
	}
	subdomain, err := p.edge.AccountSubdomain(ctx)
	if err != nil {
		return "", err
	}
	p.accountSubdomain = subdomain
	p.subdomainResolved = true
	return subdomain, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
