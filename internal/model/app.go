package model

import "time"

// App is the tenant unit described in spec.md §3. This system never creates
// or destroys App rows; it only reads them, and orchestrator.Bootstrap sets
// the provisioning fields RepositoryFullName and RepositoryID. DeployStatus
// and LastDeployedAt are not written by this module; per-environment deploy
// outcomes are recorded in internal/deploystate instead.
type App struct {
	ID   string // opaque, short, URL-safe; callers must lowercase before using in a hostname.
	Name string

	TeamID string

	// SubdomainSlug is optional; unique across live production apps when set.
	SubdomainSlug string

	// RepositoryFullName is "org/repo". internal/api only bootstraps (and so
	// only sets it on) an App whose RepositoryFullName is empty; no store or
	// type-level guard prevents a later change.
	RepositoryFullName string
	RepositoryID       int64

	DeployStatus   string
	LastDeployedAt map[Environment]time.Time
}

// ScriptName returns the per-environment script name per spec.md §4.E:
// production prefers the subdomain slug, falling back to the lowercased id;
// preview/staging always use the lowercased id (the environment lives in the
// namespace, not the script name).
func (a App) ScriptName(env Environment) string {
	id := lowercase(a.ID)
	if env == Production && a.SubdomainSlug != "" {
		return lowercase(a.SubdomainSlug)
	}
	return id
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// AppFile is a single file owned by an App (spec.md §3). The set of
// (app, path) pairs is unique and is the authoritative source of truth for
// the next commit produced by internal/orchestrator.
type AppFile struct {
	Path     string
	Content  string
	FileType string
}

// AppVersion is an immutable snapshot attached to an App (spec.md §3).
type AppVersion struct {
	AppID         string
	VersionNumber string // semver triple, optionally with a "-restored" suffix.
	Changelog     string
	UserID        string
	Environment   Environment
	CommitSHA     string // immutable once set.
	TagName       string
}

type AppVersionFileAction string

const (
	FileCreated AppVersionFileAction = "created"
	FileUpdated AppVersionFileAction = "updated"
	FileDeleted AppVersionFileAction = "deleted"
)

type AppVersionFile struct {
	AppVersionID int64
	Path         string
	Action       AppVersionFileAction
}
