// Package orchestrator drives spec.md §4.D's repository lifecycle: bootstrap
// a tenant repo, materialize its CI/edge-platform config, push secrets,
// publish a file tree as an atomic commit, tag a version, and restore a tag
// back into an App's file set. Grounded on
// apps/ReleaseParty/backend/internal/githubops's commit/branch/PR helpers and
// releaseparty's RenderPath templating idiom, generalized from single-file
// path templates to whole-file `text/template` rendering.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/model"
	"github.com/overskill/deployctl/internal/sourcehost"
)

// BootstrapMode selects how a tenant repo is created (spec.md §4.D.1).
type BootstrapMode string

const (
	ModeNewRepo BootstrapMode = "new_repo"
	ModeFork    BootstrapMode = "fork"
)

const defaultBranch = "main"

// sourceAPI is the subset of *sourcehost.Client this package drives.
// Declared as an interface so tests can substitute a fake for the cases
// sourcehost.Client can't itself exercise without a live installation
// (e.g. ModeFork bootstrap).
type sourceAPI interface {
	CreateRepo(ctx context.Context, org, name string, opts sourcehost.CreateRepoOptions) (*github.Repository, error)
	ForkRepo(ctx context.Context, templateOwner, templateRepo, org, newName string) (*github.Repository, error)
	EnableActionsForFork(ctx context.Context, owner, repo string) error
	BatchCommit(ctx context.Context, owner, repo string, files map[string]string, message, branch string) (sourcehost.CommitResult, error)
	PutSecret(ctx context.Context, owner, repo, name, value string) error
	CreateTag(ctx context.Context, owner, repo, tagName, message, targetSHA string) error
	GetFile(ctx context.Context, owner, repo, path, ref string) (sourcehost.File, error)
}

type Orchestrator struct {
	source sourceAPI
	cfg    config.Config
}

func New(source *sourcehost.Client, cfg config.Config) *Orchestrator {
	return &Orchestrator{source: source, cfg: cfg}
}

// Bootstrap provisions a tenant repo for app, choosing new_repo or fork per
// mode, then materializes config and pushes secrets in one sequence.
// Anything failing after the repo exists is surfaced as PartialBootstrap
// without attempting rollback (spec.md §4.D).
func (o *Orchestrator) Bootstrap(ctx context.Context, app *model.App, mode BootstrapMode, secretValues map[string]string) error {
	repoName := strings.ToLower(app.ID)

	switch mode {
	case ModeNewRepo:
		repo, err := o.source.CreateRepo(ctx, o.cfg.SourceOrg, repoName, sourcehost.CreateRepoOptions{
			Private:     true,
			Description: fmt.Sprintf("overskill tenant app %s", app.ID),
		})
		if err != nil {
			return err
		}
		app.RepositoryFullName = repo.GetFullName()
		app.RepositoryID = repo.GetID()
	case ModeFork:
		if strings.TrimSpace(o.cfg.TemplateRepo) == "" {
			return fmt.Errorf("orchestrator: fork mode requires a configured template repo")
		}
		repo, err := o.source.ForkRepo(ctx, o.cfg.SourceOrg, o.cfg.TemplateRepo, o.cfg.SourceOrg, repoName)
		if err != nil {
			return err
		}
		app.RepositoryFullName = repo.GetFullName()
		app.RepositoryID = repo.GetID()
		// Private forks don't run workflows by default (spec.md §4.D.1); this
		// must happen before MaterializeConfig's commit below or the fork's
		// first CI run never starts.
		if err := o.source.EnableActionsForFork(ctx, o.cfg.SourceOrg, repoName); err != nil {
			return &ctlerr.PartialBootstrap{Step: "enable_fork_actions", Cause: err}
		}
	default:
		return fmt.Errorf("orchestrator: unknown bootstrap mode %q", mode)
	}

	owner, name, err := splitFullName(app.RepositoryFullName)
	if err != nil {
		return &ctlerr.PartialBootstrap{Step: "resolve_repo_name", Cause: err}
	}

	files, err := o.MaterializeConfig(app)
	if err != nil {
		return &ctlerr.PartialBootstrap{Step: "materialize_config", Cause: err}
	}
	if _, err := o.source.BatchCommit(ctx, owner, name, files, "overskill: bootstrap deployment config", defaultBranch); err != nil {
		return &ctlerr.PartialBootstrap{Step: "commit_config", Cause: err}
	}

	if failed := o.PushSecrets(ctx, owner, name, secretValues); len(failed) > 0 {
		return &ctlerr.PartialBootstrap{Step: "push_secrets", Cause: fmt.Errorf("failed to push secrets: %s", strings.Join(failed, ", "))}
	}

	return nil
}

// MaterializeConfig renders the CI workflow and edge-platform config files
// for app, substituting app_id, owner_id, the runtime env and the production
// script name. The Supabase URL and anon key are not substituted: the
// rendered workflow reads them from the SUPABASE_URL and SUPABASE_ANON_KEY
// repository secrets at CI time. Teacher analogue: releaseparty.RenderPath's placeholder
// substitution, generalized to whole files via text/template.
func (o *Orchestrator) MaterializeConfig(app *model.App) (map[string]string, error) {
	data := templateData{
		AppID:      app.ID,
		OwnerID:    app.TeamID,
		RuntimeEnv: o.cfg.RuntimeEnv,
		ScriptName: app.ScriptName(model.Production),
	}
	workflow, err := renderTemplate(deployWorkflowTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("render deploy workflow: %w", err)
	}
	if err := validateWorkflowYAML(workflow); err != nil {
		return nil, fmt.Errorf("rendered deploy workflow is not valid yaml: %w", err)
	}
	edgeConfig, err := renderTemplate(edgePlatformConfigTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("render edge platform config: %w", err)
	}
	return map[string]string{
		".github/workflows/deploy.yml": workflow,
		"overskill.config.json":        edgeConfig,
	}, nil
}

// PushSecrets pushes every configured deployment secret name, skipping blank
// values and collecting the names that failed to push (spec.md §4.D.3, §7:
// "surfaced collectively").
func (o *Orchestrator) PushSecrets(ctx context.Context, owner, repo string, values map[string]string) []string {
	var failed []string
	for _, name := range o.cfg.DeploymentSecretNames {
		value := strings.TrimSpace(values[name])
		if value == "" {
			continue
		}
		if err := o.source.PutSecret(ctx, owner, repo, name, value); err != nil {
			failed = append(failed, name)
		}
	}
	return failed
}

// PublishResult is the outcome of Publish.
type PublishResult struct {
	CommitSHA    string
	DeployMarker string
}

// autoFixCommitPrefix is the literal message prefix spec.md scenario 2
// mandates for auto-fix commits, distinguishing them from ordinary publishes
// in the repo's commit history.
const autoFixCommitPrefix = "🔧 Auto-fix build errors"

// Publish commits files atomically with a generated message that names up to
// three representative files and carries a Deploy-Marker trailer the build
// monitor correlates the triggered run against (spec.md §4.D.4). When
// isAutoFix is set, the message is prefixed with autoFixCommitPrefix (spec.md
// scenario 2). Teacher analogue: githubops.BuildCommitMessage.
func (o *Orchestrator) Publish(ctx context.Context, app *model.App, files map[string]string, nonce string, isAutoFix bool) (PublishResult, error) {
	owner, name, err := splitFullName(app.RepositoryFullName)
	if err != nil {
		return PublishResult{}, err
	}
	marker := fmt.Sprintf("%s/%s", app.ID, nonce)
	message := buildCommitMessage(files, marker, isAutoFix)
	result, err := o.source.BatchCommit(ctx, owner, name, files, message, defaultBranch)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{CommitSHA: result.CommitSHA, DeployMarker: marker}, nil
}

func buildCommitMessage(files map[string]string, marker string, isAutoFix bool) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	shown := paths
	if len(shown) > 3 {
		shown = shown[:3]
	}
	var b strings.Builder
	if isAutoFix {
		fmt.Fprintf(&b, "%s: %d file(s)\n\n", autoFixCommitPrefix, len(files))
	} else {
		fmt.Fprintf(&b, "overskill: publish %d file(s)\n\n", len(files))
	}
	for _, p := range shown {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(paths) > len(shown) {
		fmt.Fprintf(&b, "- ...and %d more\n", len(paths)-len(shown))
	}
	fmt.Fprintf(&b, "\nDeploy-Marker: %s\n", marker)
	return b.String()
}

// Tag creates an annotated tag v{version}-{YYYYMMDDHHMMSS} at targetSHA and
// records it on version (spec.md §4.D.5).
func (o *Orchestrator) Tag(ctx context.Context, app *model.App, version *model.AppVersion, targetSHA string, now time.Time) error {
	owner, name, err := splitFullName(app.RepositoryFullName)
	if err != nil {
		return err
	}
	tagName := fmt.Sprintf("v%s-%s", version.VersionNumber, now.UTC().Format("20060102150405"))
	message := fmt.Sprintf("overskill release %s", tagName)
	if err := o.source.CreateTag(ctx, owner, name, tagName, message, targetSHA); err != nil {
		return err
	}
	version.TagName = tagName
	version.CommitSHA = targetSHA
	return nil
}

// restoreSkipPrefixes holds the directory entries of the fixed skip list from
// spec.md §4.D.6; shouldSkipRestorePath adds the *.map and .env* rules.
var restoreSkipPrefixes = []string{".git/", ".github/workflows/", "node_modules/", "dist/", "build/"}

func shouldSkipRestorePath(path string) bool {
	if strings.HasSuffix(path, ".map") {
		return true
	}
	if strings.HasPrefix(path, ".env") {
		return true
	}
	for _, prefix := range restoreSkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// RestoreManifest fetches, one GetFile call at ref tagName per path, every
// non-skipped path in knownPaths (spec.md §4.D.6). The caller supplies the set
// of paths known to exist at tagName (typically the AppVersion's own
// AppVersionFile history), since GitHub's contents API has no bulk
// recursive-tree call wired into internal/sourcehost (spec.md §4.B only
// specifies single-file get/put plus the blob/tree/commit/ref batch API, not
// a tree listing operation).
func (o *Orchestrator) RestoreManifest(ctx context.Context, app *model.App, tagName string, knownPaths []string, currentFiles map[string]model.AppFile) (map[string]model.AppFile, []model.AppVersionFile, error) {
	owner, name, err := splitFullName(app.RepositoryFullName)
	if err != nil {
		return nil, nil, err
	}
	restored := make(map[string]model.AppFile, len(knownPaths))
	var changes []model.AppVersionFile
	for _, path := range knownPaths {
		if shouldSkipRestorePath(path) {
			continue
		}
		file, err := o.source.GetFile(ctx, owner, name, path, tagName)
		if err != nil {
			if _, ok := err.(*ctlerr.NotFound); ok {
				continue
			}
			return nil, nil, err
		}
		restored[path] = model.AppFile{Path: path, Content: file.Content}
		if existing, ok := currentFiles[path]; !ok {
			changes = append(changes, model.AppVersionFile{Path: path, Action: model.FileCreated})
		} else if existing.Content != file.Content {
			changes = append(changes, model.AppVersionFile{Path: path, Action: model.FileUpdated})
		}
	}
	for path := range currentFiles {
		if shouldSkipRestorePath(path) {
			continue
		}
		if _, ok := restored[path]; !ok {
			changes = append(changes, model.AppVersionFile{Path: path, Action: model.FileDeleted})
		}
	}
	return restored, changes, nil
}

func splitFullName(fullName string) (owner, name string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("orchestrator: invalid repository full name %q", fullName)
	}
	return parts[0], parts[1], nil
}

// SplitFullName exposes splitFullName to internal/monitor, which needs the
// same owner/repo split to call internal/sourcehost's run/job endpoints
// directly.
func SplitFullName(fullName string) (owner, name string, err error) {
	return splitFullName(fullName)
}
