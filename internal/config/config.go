// Package config loads the fixed set of environment inputs this control
// plane needs at boot (spec.md §6 "Configuration"). Grounded on
// apps/ReleaseParty/backend/internal/config/config.go's flat-struct +
// fail-fast idiom.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr string

	// Source host (GitHub App) credentials — spec.md §4.A, §6.
	GitHubAppID         int64
	GitHubAppSlug       string
	GitHubPrivateKeyPEM string

	// Org that owns tenant repositories, and the template repo used by the
	// fork bootstrap mode (spec.md §4.D).
	SourceOrg    string
	TemplateRepo string

	// Edge platform (Cloudflare-shaped) credentials — spec.md §4.C, §6.
	EdgePlatformAccountID string
	EdgePlatformAPIToken  string

	// AppsDomain is the wildcard domain dispatch routes are registered
	// under; empty disables the subdomain URL scheme in favor of the
	// path-style fallback (spec.md §4.E).
	AppsDomain string

	// RuntimeEnv names this control-plane instance itself
	// (development|staging|production), used to derive the dispatch
	// namespace name (spec.md §3).
	RuntimeEnv string

	// KVNamespaceTitle is the title of the shared PREVIEW_FILES KV
	// namespace bound into every tenant script (spec.md §4.E).
	KVNamespaceTitle string

	// DeploymentSecretNames lists the per-app secret names pushed during
	// bootstrap (spec.md §4.D.3). Values are sourced per-app by the caller;
	// missing values are skipped, not errors.
	DeploymentSecretNames []string

	// InboundSigningSecret authenticates callers of this control plane's own
	// trigger API (internal/apiauth), adapted from the teacher's GitHub
	// webhook HMAC verification.
	InboundSigningSecret string

	DatabasePath string
}

func Load() (Config, error) {
	cfg := Config{
		Addr:                  env("OVERSKILL_ADDR", ":8090"),
		GitHubAppSlug:         env("GITHUB_APP_SLUG", ""),
		GitHubPrivateKeyPEM:   env("GITHUB_APP_PRIVATE_KEY_PEM", ""),
		SourceOrg:             env("OVERSKILL_SOURCE_ORG", ""),
		TemplateRepo:          env("OVERSKILL_TEMPLATE_REPO", ""),
		EdgePlatformAccountID: env("EDGE_ACCOUNT_ID", ""),
		EdgePlatformAPIToken:  env("EDGE_API_TOKEN", ""),
		AppsDomain:            strings.TrimSuffix(env("OVERSKILL_APPS_DOMAIN", ""), "."),
		RuntimeEnv:            env("OVERSKILL_RUNTIME_ENV", "development"),
		KVNamespaceTitle:      env("OVERSKILL_KV_NAMESPACE_TITLE", "overskill-preview-files"),
		InboundSigningSecret:  env("OVERSKILL_INBOUND_SIGNING_SECRET", ""),
		DatabasePath:          env("OVERSKILL_DB_PATH", "data/overskill-deploy.sqlite"),
	}
	cfg.DeploymentSecretNames = splitList(env("OVERSKILL_DEPLOYMENT_SECRET_NAMES", "CLOUDFLARE_API_TOKEN,CLOUDFLARE_ACCOUNT_ID"))

	if v := strings.TrimSpace(env("GITHUB_APP_ID", "")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, err
		}
		cfg.GitHubAppID = n
	}
	if cfg.GitHubPrivateKeyPEM == "" {
		if path := strings.TrimSpace(env("GITHUB_APP_PRIVATE_KEY_PATH", "")); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return Config{}, err
			}
			cfg.GitHubPrivateKeyPEM = string(b)
		}
	}

	if cfg.GitHubAppID == 0 {
		return Config{}, errors.New("missing GITHUB_APP_ID")
	}
	if strings.TrimSpace(cfg.GitHubPrivateKeyPEM) == "" {
		return Config{}, errors.New("missing GITHUB_APP_PRIVATE_KEY_PEM or GITHUB_APP_PRIVATE_KEY_PATH")
	}
	if strings.TrimSpace(cfg.GitHubAppSlug) == "" {
		return Config{}, errors.New("missing GITHUB_APP_SLUG")
	}
	if strings.TrimSpace(cfg.SourceOrg) == "" {
		return Config{}, errors.New("missing OVERSKILL_SOURCE_ORG")
	}
	if strings.TrimSpace(cfg.EdgePlatformAccountID) == "" {
		return Config{}, errors.New("missing EDGE_ACCOUNT_ID")
	}
	if strings.TrimSpace(cfg.EdgePlatformAPIToken) == "" {
		return Config{}, errors.New("missing EDGE_API_TOKEN")
	}
	if cfg.RuntimeEnv != "development" && cfg.RuntimeEnv != "staging" && cfg.RuntimeEnv != "production" {
		return Config{}, errors.New("OVERSKILL_RUNTIME_ENV must be one of development, staging, production")
	}

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
