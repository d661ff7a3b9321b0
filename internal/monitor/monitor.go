// Package monitor polls a published commit's CI run to a terminal outcome,
// classifying and auto-fixing build failures along the way (spec.md §4.G).
// Grounded on the teacher's polling idiom in
// apps/ReleaseParty/backend/internal/githubops (poll-then-compare). The
// discovery loop uses its own fixed, unjittered schedule
// (discoveryBackoffSchedule), not internal/reqexec's backoff helpers.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/overskill/deployctl/internal/auditlog"
	"github.com/overskill/deployctl/internal/buildfix"
	"github.com/overskill/deployctl/internal/ctlerr"
	"github.com/overskill/deployctl/internal/deploystate"
	"github.com/overskill/deployctl/internal/dispatch"
	"github.com/overskill/deployctl/internal/model"
	"github.com/overskill/deployctl/internal/orchestrator"
	"github.com/overskill/deployctl/internal/sourcehost"
)

const (
	discoveryDeadlineDefault = 180 * time.Second
	discoveryDeadlineRecent  = 300 * time.Second
	discoveryBackoffCap      = 30 * time.Second
	checkInterval            = 30 * time.Second
	wallDeadline             = 600 * time.Second
	estimatedTotalS          = 120
	recentMutationWindow     = 10 * time.Minute
)

// discoveryBackoffSchedule is the literal 10s, 15s, 22s, ... sequence from
// spec.md §4.G, each step roughly 1.5x the last, capped at 30s.
func discoveryBackoffSchedule() []time.Duration {
	return []time.Duration{10 * time.Second, 15 * time.Second, 22 * time.Second, discoveryBackoffCap}
}

// Progress is one status-loop event. ElapsedS is seconds since the polled
// workflow run was created, so it is non-decreasing while one run is polled;
// when an auto-fix retry starts a new run within the same Run call, ElapsedS
// starts again from that run's creation.
type Progress struct {
	RunID           int64
	Status          string
	ElapsedS        int
	EstimatedTotalS int
}

// Outcome is monitor's terminal result (spec.md §4.G).
type Outcome struct {
	Success  bool
	RunID    int64
	URL      string
	ElapsedS int
	Err      error
}

type Monitor struct {
	source   *sourcehost.Client
	orch     *orchestrator.Orchestrator
	dispatch *dispatch.Publisher
	state    *deploystate.Store
	audit    *auditlog.Logger
}

func New(source *sourcehost.Client, orch *orchestrator.Orchestrator, dispatch *dispatch.Publisher, state *deploystate.Store, audit *auditlog.Logger) *Monitor {
	return &Monitor{source: source, orch: orch, dispatch: dispatch, state: state, audit: audit}
}

// Run watches commitSHA's CI run to a terminal outcome for (app, env),
// auto-fixing and recommitting on recoverable build failures, and records
// the final transition on handle. sink, if non-nil, receives at-most-one
// in-flight progress event; a slow consumer simply misses intermediate
// events rather than blocking the loop (spec.md §4.G step 2).
func (m *Monitor) Run(ctx context.Context, app *model.App, env model.Environment, handle deploystate.Handle, commitSHA string, pushedAt time.Time, sink chan<- Progress) Outcome {
	return m.runAttempt(ctx, app, env, handle, commitSHA, pushedAt, sink, 0)
}

func (m *Monitor) runAttempt(ctx context.Context, app *model.App, env model.Environment, handle deploystate.Handle, commitSHA string, pushedAt time.Time, sink chan<- Progress, attempt int) Outcome {
	owner, repo, err := orchestrator.SplitFullName(app.RepositoryFullName)
	if err != nil {
		return m.fail(ctx, handle, 0, err)
	}

	run, err := m.discoverRun(ctx, owner, repo, commitSHA, pushedAt)
	if err != nil {
		return m.fail(ctx, handle, 0, err)
	}

	run, err = m.pollToTerminal(ctx, owner, repo, run, sink)
	if err != nil {
		return m.fail(ctx, handle, elapsedSince(run), err)
	}

	if run.GetConclusion() == "success" {
		return m.succeed(ctx, app, env, handle, run)
	}

	jobs, err := m.failedJobLogs(ctx, owner, repo, run.GetID())
	if err != nil {
		return m.fail(ctx, handle, elapsedSince(run), err)
	}

	errs := buildfix.Classify(jobs)
	budget := buildfix.RetryBudget(errs)
	if budget == 0 {
		return m.fail(ctx, handle, elapsedSince(run), &ctlerr.BuildFailedUnfixable{Summary: summarize(errs)})
	}
	if attempt >= budget {
		return m.fail(ctx, handle, elapsedSince(run), &ctlerr.BuildFailedRetryExceeded{Attempts: attempt})
	}

	contents, err := m.fetchFileContents(ctx, owner, repo, errs)
	if err != nil {
		return m.fail(ctx, handle, elapsedSince(run), err)
	}
	patches := buildfix.Fix(errs, contents)
	if len(patches) == 0 {
		return m.fail(ctx, handle, elapsedSince(run), &ctlerr.BuildFailedUnfixable{Summary: summarize(errs)})
	}

	files := make(map[string]string, len(patches))
	for _, p := range patches {
		files[p.Path] = p.NewContent
	}
	result, err := m.orch.Publish(ctx, app, files, fmt.Sprintf("autofix-%d", attempt+1), true)
	if err != nil {
		return m.fail(ctx, handle, elapsedSince(run), err)
	}
	m.audit.Emit(auditlog.EventAutoFixApplied, app.ID, map[string]any{
		"environment": string(env),
		"attempt":     attempt + 1,
		"commit_sha":  result.CommitSHA,
		"fixed_count": len(patches),
	})

	delays := buildfix.RetryDelays()
	delayIdx := attempt
	if delayIdx >= len(delays) {
		delayIdx = len(delays) - 1
	}
	if err := sleepCancellable(ctx, time.Duration(delays[delayIdx])*time.Second); err != nil {
		return m.fail(ctx, handle, elapsedSince(run), err)
	}

	return m.runAttempt(ctx, app, env, handle, result.CommitSHA, time.Now(), sink, attempt+1)
}

func (m *Monitor) discoverRun(ctx context.Context, owner, repo, commitSHA string, pushedAt time.Time) (*github.WorkflowRun, error) {
	deadline := discoveryDeadlineDefault
	if time.Since(pushedAt) < recentMutationWindow {
		deadline = discoveryDeadlineRecent
	}
	start := time.Now()
	schedule := discoveryBackoffSchedule()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, &ctlerr.Cancelled{}
		}
		runs, err := m.source.ListRuns(ctx, owner, repo, nil)
		if err != nil {
			return nil, err
		}
		if run := mostRecentForCommit(runs, commitSHA); run != nil {
			return run, nil
		}
		if time.Since(start) >= deadline {
			return nil, fmt.Errorf("monitor: no run discovered for commit %s within %s", commitSHA, deadline)
		}
		delay := schedule[attempt]
		if attempt < len(schedule)-1 {
			attempt++
		}
		if err := sleepCancellable(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func mostRecentForCommit(runs []*github.WorkflowRun, commitSHA string) *github.WorkflowRun {
	var best *github.WorkflowRun
	for _, r := range runs {
		if r.GetHeadSHA() != commitSHA {
			continue
		}
		if best == nil || r.GetCreatedAt().After(best.GetCreatedAt().Time) {
			best = r
		}
	}
	return best
}

func (m *Monitor) pollToTerminal(ctx context.Context, owner, repo string, run *github.WorkflowRun, sink chan<- Progress) (*github.WorkflowRun, error) {
	start := time.Now()
	current := run
	for {
		if err := ctx.Err(); err != nil {
			return current, &ctlerr.Cancelled{}
		}
		if current.GetStatus() == "completed" {
			return current, nil
		}
		if time.Since(start) >= wallDeadline {
			return current, fmt.Errorf("monitor: run %d did not complete within %s", current.GetID(), wallDeadline)
		}
		sendProgress(sink, Progress{
			RunID:           current.GetID(),
			Status:          current.GetStatus(),
			ElapsedS:        elapsedSince(current),
			EstimatedTotalS: estimatedTotalS,
		})
		if err := sleepCancellable(ctx, checkInterval); err != nil {
			return current, err
		}
		fresh, err := m.source.GetRun(ctx, owner, repo, current.GetID())
		if err != nil {
			return current, err
		}
		current = fresh
	}
}

func (m *Monitor) failedJobLogs(ctx context.Context, owner, repo string, runID int64) ([]model.JobLog, error) {
	jobs, err := m.source.ListJobs(ctx, owner, repo, runID)
	if err != nil {
		return nil, err
	}
	var out []model.JobLog
	for _, j := range jobs {
		if j.GetConclusion() == "success" || j.GetConclusion() == "skipped" {
			continue
		}
		logs, err := m.source.FetchJobLogs(ctx, owner, repo, j.GetID())
		if err != nil {
			return nil, err
		}
		out = append(out, model.JobLog{JobName: j.GetName(), JobID: j.GetID(), Logs: string(logs)})
	}
	return out, nil
}

func (m *Monitor) fetchFileContents(ctx context.Context, owner, repo string, errs []model.BuildError) (map[string]string, error) {
	out := map[string]string{}
	for _, e := range errs {
		if e.File == "" {
			continue
		}
		if _, ok := out[e.File]; ok {
			continue
		}
		file, err := m.source.GetFile(ctx, owner, repo, e.File, "")
		if err != nil {
			if _, ok := err.(*ctlerr.NotFound); ok {
				continue
			}
			return nil, err
		}
		out[e.File] = file.Content
	}
	return out, nil
}

func (m *Monitor) succeed(ctx context.Context, app *model.App, env model.Environment, handle deploystate.Handle, run *github.WorkflowRun) Outcome {
	url, err := m.dispatch.URLFor(ctx, app, env)
	if err != nil {
		return m.fail(ctx, handle, elapsedSince(run), err)
	}
	if err := m.state.Complete(ctx, handle, url); err != nil {
		return Outcome{Success: false, RunID: run.GetID(), ElapsedS: elapsedSince(run), Err: err}
	}
	m.audit.Emit(auditlog.EventDeployCompleted, app.ID, map[string]any{
		"environment": string(env),
		"run_id":      run.GetID(),
		"url":         url,
	})
	return Outcome{Success: true, RunID: run.GetID(), URL: url, ElapsedS: elapsedSince(run)}
}

func (m *Monitor) fail(ctx context.Context, handle deploystate.Handle, elapsedS int, cause error) Outcome {
	_ = m.state.Fail(ctx, handle, map[string]any{"error": cause.Error()})
	m.audit.Emit(auditlog.EventDeployFailed, handle.AppID, map[string]any{
		"environment": string(handle.Env),
		"error":       cause.Error(),
	})
	return Outcome{Success: false, ElapsedS: elapsedS, Err: cause}
}

func elapsedSince(run *github.WorkflowRun) int {
	if run == nil || run.GetCreatedAt().IsZero() {
		return 0
	}
	return int(time.Since(run.GetCreatedAt().Time).Seconds())
}

func summarize(errs []model.BuildError) string {
	if len(errs) == 0 {
		return "no fixable errors detected"
	}
	return fmt.Sprintf("%d unresolved build error(s), first: %s", len(errs), errs[0].Message)
}

func sendProgress(sink chan<- Progress, p Progress) {
	if sink == nil {
		return
	}
	select {
	case sink <- p:
	default:
	}
}

func sleepCancellable(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &ctlerr.Cancelled{}
	case <-timer.C:
		return nil
	}
}
