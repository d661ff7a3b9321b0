// Package sourcehost is the typed wrapper over the source-provider REST
// surface described in spec.md §4.B / §6: file get/put, the low-level
// blob/tree/commit/ref API for atomic multi-file commits, repo create/fork,
// sealed-box repository secrets, and workflow-run/job/log reads. Grounded on
// apps/ReleaseParty/backend/internal/githubops/githubops.go's go-github
// usage, generalized from release-note PRs to tenant-repo commits, and on
// tools/si/internal/githubbridge/errors.go's response-redaction idiom.
package sourcehost

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"
	"golang.org/x/crypto/nacl/box"

	"github.com/overskill/deployctl/internal/credential"
	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/httpx"
	"github.com/overskill/deployctl/internal/reqexec"
)

// ServiceAuthor is the fixed commit identity used for every batch_commit
// (spec.md §4.B: "Author is a fixed service identity").
var ServiceAuthor = github.CommitAuthor{
	Name:  github.String("OverSkill Deploybot"),
	Email: github.String("deploy@overskill.app"),
}

type Client struct {
	cred  *credential.Provider
	appID int64
}

func New(cred *credential.Provider) *Client {
	return &Client{cred: cred, appID: cred.AppID()}
}

// forRepo builds a *github.Client authenticated as the installation that owns
// owner/repo, via a ghinstallation transport (the credential provider only
// resolves the installation id; ghinstallation mints and refreshes the
// installation token for the lifetime of this one call's client, the same
// division of labor as githubapp.App.InstallationClient).
func (c *Client) forRepo(ctx context.Context, owner string) (*github.Client, error) {
	installationID, err := c.cred.InstallationID(ctx, owner)
	if err != nil {
		return nil, err
	}
	tr, err := ghinstallation.New(http.DefaultTransport, c.appID, installationID, c.cred.PrivateKeyPEM())
	if err != nil {
		return nil, err
	}
	return github.NewClient(&http.Client{Transport: tr, Timeout: 30 * time.Second}), nil
}

// File is the decoded result of GetFile.
type File struct {
	Content string
	SHA     string
}

func (c *Client) GetFile(ctx context.Context, owner, repo, path, ref string) (File, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return File{}, err
	}
	fc, _, resp, err := client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return File{}, &ctlerr.NotFound{Resource: fmt.Sprintf("%s/%s:%s@%s", owner, repo, path, ref)}
		}
		return File{}, classifyErr(resp, err)
	}
	content, err := fc.GetContent()
	if err != nil {
		return File{}, err
	}
	return File{Content: content, SHA: fc.GetSHA()}, nil
}

// PutFile creates or updates a single file, retrying SHA conflicts (HTTP 409)
// up to 3 times with 0.5s*attempt jittered delay, per spec.md §4.B.
func (c *Client) PutFile(ctx context.Context, owner, repo, path, content, message, branch string, expectedSHA string) (string, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return "", err
	}

	sha := expectedSHA
	for attempt := 1; attempt <= 4; attempt++ {
		opts := &github.RepositoryContentFileOptions{
			Message:   github.String(message),
			Content:   []byte(content),
			Branch:    github.String(branch),
			Author:    &ServiceAuthor,
			Committer: &ServiceAuthor,
		}
		var result *github.RepositoryContentResponse
		var resp *github.Response
		var callErr error
		if sha == "" {
			result, resp, callErr = client.Repositories.CreateFile(ctx, owner, repo, path, opts)
		} else {
			opts.SHA = github.String(sha)
			result, resp, callErr = client.Repositories.UpdateFile(ctx, owner, repo, path, opts)
		}
		if callErr == nil {
			return result.GetContent().GetSHA(), nil
		}
		if resp == nil || resp.StatusCode != http.StatusConflict || attempt == 4 {
			return "", classifyErr(resp, callErr)
		}
		current, getErr := c.GetFile(ctx, owner, repo, path, branch)
		if getErr == nil {
			sha = current.SHA
		}
		delay := time.Duration(attempt) * 500 * time.Millisecond
		delay = delay*4/5 + time.Duration(mathrand.Int63n(int64(delay*2/5)))
		if sleepErr := reqexec.Sleep(ctx, delay); sleepErr != nil {
			return "", sleepErr
		}
	}
	return "", &ctlerr.Conflict{Resource: fmt.Sprintf("%s/%s:%s", owner, repo, path)}
}

// CommitResult is the outcome of an atomic BatchCommit.
type CommitResult struct {
	CommitSHA string
	TreeSHA   string
}

// BatchCommit performs the blob/tree/commit/ref sequence from spec.md §4.B:
// read branch ref -> read HEAD commit -> create a blob per file -> create a
// tree (base_tree = HEAD.tree_sha) -> create a commit (parent = HEAD) ->
// fast-forward the ref. Any step failure aborts before the ref is touched —
// no partial file visibility is ever observable (spec.md §8).
func (c *Client) BatchCommit(ctx context.Context, owner, repo string, files map[string]string, message, branch string) (CommitResult, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return CommitResult{}, err
	}

	refName := "refs/heads/" + branch
	ref, _, err := client.Git.GetRef(ctx, owner, repo, refName)
	if err != nil {
		return CommitResult{}, classifyErr(nil, err)
	}
	headSHA := ref.GetObject().GetSHA()

	headCommit, _, err := client.Git.GetCommit(ctx, owner, repo, headSHA)
	if err != nil {
		return CommitResult{}, classifyErr(nil, err)
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for path, content := range files {
		blob, _, err := client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  github.String(content),
			Encoding: github.String("utf-8"),
		})
		if err != nil {
			return CommitResult{}, classifyErr(nil, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	tree, _, err := client.Git.CreateTree(ctx, owner, repo, headCommit.GetTree().GetSHA(), entries)
	if err != nil {
		return CommitResult{}, classifyErr(nil, err)
	}

	commit, _, err := client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message:   github.String(message),
		Tree:      tree,
		Parents:   []*github.Commit{{SHA: github.String(headSHA)}},
		Author:    &ServiceAuthor,
		Committer: &ServiceAuthor,
	}, nil)
	if err != nil {
		return CommitResult{}, classifyErr(nil, err)
	}

	// Fast-forward only: never force-push over concurrent history.
	_, _, err = client.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String(refName),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return CommitResult{}, &ctlerr.Conflict{Resource: refName}
	}

	return CommitResult{CommitSHA: commit.GetSHA(), TreeSHA: tree.GetSHA()}, nil
}

// CreateTag creates an annotated tag object and its ref (spec.md §4.D.5).
func (c *Client) CreateTag(ctx context.Context, owner, repo, tagName, message, targetSHA string) error {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return err
	}
	tagObj, _, err := client.Git.CreateTag(ctx, owner, repo, &github.Tag{
		Tag:     github.String(tagName),
		Message: github.String(message),
		Object:  &github.GitObject{SHA: github.String(targetSHA), Type: github.String("commit")},
		Tagger:  &ServiceAuthor,
	})
	if err != nil {
		return classifyErr(nil, err)
	}
	_, _, err = client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/tags/" + tagName),
		Object: &github.GitObject{SHA: tagObj.SHA},
	})
	if err != nil {
		return classifyErr(nil, err)
	}
	return nil
}

type CreateRepoOptions struct {
	Private     bool
	Description string
}

func (c *Client) CreateRepo(ctx context.Context, org, name string, opts CreateRepoOptions) (*github.Repository, error) {
	client, err := c.forRepo(ctx, org)
	if err != nil {
		return nil, err
	}
	repo, _, err := client.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(name),
		Private:     github.Bool(opts.Private),
		Description: github.String(opts.Description),
	})
	if err != nil {
		return nil, classifyErr(nil, err)
	}
	return repo, nil
}

func (c *Client) ForkRepo(ctx context.Context, templateOwner, templateRepo, org, newName string) (*github.Repository, error) {
	client, err := c.forRepo(ctx, org)
	if err != nil {
		return nil, err
	}
	repo, _, err := client.Repositories.CreateFork(ctx, templateOwner, templateRepo, &github.RepositoryCreateForkOptions{
		Organization: org,
		Name:         newName,
	})
	if err != nil && !isAcceptedAsync(err) {
		return nil, classifyErr(nil, err)
	}
	return repo, nil
}

// isAcceptedAsync treats go-github's AcceptedError (fork creation is async,
// GitHub returns 202) as success.
func isAcceptedAsync(err error) bool {
	_, ok := err.(*github.AcceptedError)
	return ok
}

// EnableActionsForFork turns on GitHub Actions for a freshly forked repo.
// Private forks don't run workflows by default (spec.md §4.D.1); this must
// happen before the first push or the fork's CI never starts.
func (c *Client) EnableActionsForFork(ctx context.Context, owner, repo string) error {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return err
	}
	_, _, err = client.Repositories.EditActionsPermissions(ctx, owner, repo, github.ActionsPermissionsRepository{
		Enabled:        github.Bool(true),
		AllowedActions: github.String("all"),
	})
	if err != nil {
		return classifyErr(nil, err)
	}
	return nil
}

// PutSecret pushes a repository secret, sealed with the repo's current
// libsodium public key (spec.md §4.D.3). GitHub requires an anonymous NaCl
// box, not age's identity-based scheme, so this reaches for
// golang.org/x/crypto/nacl/box directly rather than the vault package's age
// wrapper (see DESIGN.md).
func (c *Client) PutSecret(ctx context.Context, owner, repo, name, value string) error {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return err
	}
	pubKey, _, err := client.Actions.GetRepoPublicKey(ctx, owner, repo)
	if err != nil {
		return classifyErr(nil, err)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(pubKey.GetKey())
	if err != nil {
		return fmt.Errorf("decode repo public key: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("repo public key: unexpected length %d", len(keyBytes))
	}
	var recipientKey [32]byte
	copy(recipientKey[:], keyBytes)

	sealed, err := box.SealAnonymous(nil, []byte(value), &recipientKey, rand.Reader)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	_, err = client.Actions.CreateOrUpdateRepoSecret(ctx, owner, repo, &github.EncryptedSecret{
		Name:           name,
		KeyID:          pubKey.GetKeyID(),
		EncryptedValue: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return classifyErr(nil, err)
	}
	return nil
}

// FetchJobLogs downloads a job's log bytes (spec.md §6: "120s for log
// downloads"). go-github's job-logs endpoint returns a redirect URL to blob
// storage rather than the log bytes themselves, so the bytes are fetched with
// a plain GET of that URL on the shared 120s client; that request carries no
// Authorization header.
func (c *Client) FetchJobLogs(ctx context.Context, owner, repo string, jobID int64) ([]byte, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return nil, err
	}
	logURL, _, err := client.Actions.GetWorkflowJobLogs(ctx, owner, repo, jobID, 3)
	if err != nil {
		return nil, classifyErr(nil, err)
	}
	httpClient := httpx.SharedClient(120 * time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &ctlerr.Transient{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ctlerr.Permanent{Code: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) ListRuns(ctx context.Context, owner, repo string, opts *github.ListWorkflowRunsOptions) ([]*github.WorkflowRun, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return nil, err
	}
	runs, _, err := client.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, opts)
	if err != nil {
		return nil, classifyErr(nil, err)
	}
	return runs.WorkflowRuns, nil
}

func (c *Client) GetRun(ctx context.Context, owner, repo string, runID int64) (*github.WorkflowRun, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return nil, err
	}
	run, _, err := client.Actions.GetWorkflowRunByID(ctx, owner, repo, runID)
	if err != nil {
		return nil, classifyErr(nil, err)
	}
	return run, nil
}

func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64) ([]*github.WorkflowJob, error) {
	client, err := c.forRepo(ctx, owner)
	if err != nil {
		return nil, err
	}
	jobs, _, err := client.Actions.ListWorkflowJobs(ctx, owner, repo, runID, &github.ListWorkflowJobsOptions{})
	if err != nil {
		return nil, classifyErr(nil, err)
	}
	return jobs.Jobs, nil
}

func classifyErr(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	var status int
	if resp != nil {
		status = resp.StatusCode
	} else {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil {
			status = ghErr.Response.StatusCode
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &ctlerr.RateLimited{}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ctlerr.Unauthorized{StatusCode: status, Body: ctlerr.RedactSensitive(err.Error())}
	case status == http.StatusNotFound:
		return &ctlerr.NotFound{Resource: "source host resource"}
	case status == http.StatusConflict:
		return &ctlerr.Conflict{}
	case status >= 500 || status == 0:
		return &ctlerr.Transient{Cause: err}
	default:
		return &ctlerr.Permanent{Code: status, Body: ctlerr.RedactSensitive(err.Error())}
	}
}
