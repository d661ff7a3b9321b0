// Package deploystate is the append-only deployment audit log described in
// spec.md §4.H: guarded deploying->{deployed,failed} transitions, serialized
// per (app, env), and the aggregate status read. Grounded on
// apps/ReleaseParty/backend/internal/store's Open/migrate/ON-CONFLICT idiom
// over modernc.org/sqlite.
package deploystate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/model"
)

type Store struct {
	db *sql.DB

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("deploystate: db path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, keyLocks: map[string]*sync.Mutex{}}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			deployment_id TEXT NOT NULL,
			status TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_app_env ON deployments(app_id, environment, created_at);`,
		`CREATE TABLE IF NOT EXISTS app_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id TEXT NOT NULL,
			version_number TEXT NOT NULL,
			changelog TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			tag_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS app_version_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_version_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			action TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Handle identifies one in-flight deployment row, returned by Begin and
// required by Complete/Fail.
type Handle struct {
	ID    int64
	AppID string
	Env   model.Environment
}

func (s *Store) lockFor(appID string, env model.Environment) *sync.Mutex {
	key := appID + "/" + string(env)
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

// Begin inserts a new row in the "deploying" state for (app, env). Writes to
// the same (app, env) key are serialized (spec.md §5: "no two begin may
// overlap on the same key").
func (s *Store) Begin(ctx context.Context, appID string, env model.Environment, deploymentID string, metadata map[string]any) (Handle, error) {
	lock := s.lockFor(appID, env)
	lock.Lock()
	defer lock.Unlock()

	metaJSON, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return Handle{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (app_id, environment, deployment_id, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, appID, string(env), deploymentID, string(model.DeployStatusDeploying), string(metaJSON), now, now)
	if err != nil {
		return Handle{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Handle{}, err
	}
	return Handle{ID: id, AppID: appID, Env: env}, nil
}

// Complete transitions h to deployed with url. Guarded by a
// WHERE status='deploying' UPDATE; any other current status raises
// IllegalTransition (spec.md §4.H).
func (s *Store) Complete(ctx context.Context, h Handle, url string) error {
	lock := s.lockFor(h.AppID, h.Env)
	lock.Lock()
	defer lock.Unlock()
	return s.guardedTransition(ctx, h, model.DeployStatusDeployed, url, nil)
}

// Fail transitions h to failed, merging summary into metadata (spec.md §7:
// "structured error summary ... in metadata").
func (s *Store) Fail(ctx context.Context, h Handle, summary map[string]any) error {
	lock := s.lockFor(h.AppID, h.Env)
	lock.Lock()
	defer lock.Unlock()
	return s.guardedTransition(ctx, h, model.DeployStatusFailed, "", summary)
}

func (s *Store) guardedTransition(ctx context.Context, h Handle, to model.DeployStatus, url string, mergeMetadata map[string]any) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var metaJSON string
	if mergeMetadata != nil {
		row := s.db.QueryRowContext(ctx, `SELECT metadata_json FROM deployments WHERE id = ?`, h.ID)
		if err := row.Scan(&metaJSON); err != nil {
			return err
		}
		merged := map[string]any{}
		_ = json.Unmarshal([]byte(metaJSON), &merged)
		for k, v := range mergeMetadata {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		metaJSON = string(raw)
	}

	var res sql.Result
	var err error
	if mergeMetadata != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE deployments SET status = ?, url = ?, metadata_json = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(to), url, metaJSON, now, h.ID, string(model.DeployStatusDeploying))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE deployments SET status = ?, url = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(to), url, now, h.ID, string(model.DeployStatusDeploying))
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ctlerr.IllegalTransition{From: string(model.DeployStatusDeploying), To: string(to)}
	}
	return nil
}

// Latest returns the most recent Deployment row for (app, env), or nil if
// none exists.
func (s *Store) Latest(ctx context.Context, appID string, env model.Environment) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, environment, deployment_id, status, url, actor, metadata_json, created_at, updated_at
		FROM deployments WHERE app_id = ? AND environment = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, appID, string(env))
	d, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns every Deployment row for app, newest first.
func (s *Store) List(ctx context.Context, appID string) ([]model.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app_id, environment, deployment_id, status, url, actor, metadata_json, created_at, updated_at
		FROM deployments WHERE app_id = ?
		ORDER BY created_at DESC, id DESC
	`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StatusByEnv aggregates the latest row per environment (spec.md §4.H).
func (s *Store) StatusByEnv(ctx context.Context, appID string) (map[model.Environment]model.EnvStatus, error) {
	out := map[model.Environment]model.EnvStatus{}
	for _, env := range model.Environments() {
		latest, err := s.Latest(ctx, appID, env)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			out[env] = model.EnvStatus{Status: "not_deployed"}
			continue
		}
		status := "not_deployed"
		if latest.Status == model.DeployStatusDeployed {
			status = "deployed"
		}
		out[env] = model.EnvStatus{URL: latest.URL, Status: status, LastDeployedAt: latest.UpdatedAt}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (model.Deployment, error) {
	var d model.Deployment
	var env, status, created, updated, metaJSON string
	if err := row.Scan(&d.ID, &d.AppID, &env, &d.DeploymentID, &status, &d.URL, &d.Actor, &metaJSON, &created, &updated); err != nil {
		return model.Deployment{}, err
	}
	d.Environment = model.Environment(env)
	d.Status = model.DeployStatus(status)
	d.CreatedAt, _ = time.Parse(time.RFC3339, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	d.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &d.Metadata)
	return d, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
