package monitor

import (
	"testing"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/overskill/deployctl/internal/model"
)

func TestMostRecentForCommitPicksNewestMatchingSHA(t *testing.T) {
	older := &github.WorkflowRun{
		ID:        github.Int64(1),
		HeadSHA:   github.String("abc123"),
		CreatedAt: &github.Timestamp{Time: time.Now().Add(-time.Hour)},
	}
	newer := &github.WorkflowRun{
		ID:        github.Int64(2),
		HeadSHA:   github.String("abc123"),
		CreatedAt: &github.Timestamp{Time: time.Now()},
	}
	other := &github.WorkflowRun{
		ID:        github.Int64(3),
		HeadSHA:   github.String("def456"),
		CreatedAt: &github.Timestamp{Time: time.Now()},
	}

	got := mostRecentForCommit([]*github.WorkflowRun{older, newer, other}, "abc123")
	if got == nil || got.GetID() != 2 {
		t.Fatalf("expected run 2, got %+v", got)
	}
}

func TestMostRecentForCommitReturnsNilWhenNoMatch(t *testing.T) {
	run := &github.WorkflowRun{ID: github.Int64(1), HeadSHA: github.String("zzz")}
	if got := mostRecentForCommit([]*github.WorkflowRun{run}, "abc123"); got != nil {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestElapsedSinceZeroCreatedAt(t *testing.T) {
	if got := elapsedSince(&github.WorkflowRun{}); got != 0 {
		t.Fatalf("expected 0 for a zero CreatedAt, got %d", got)
	}
}

func TestSummarizeEmptyErrors(t *testing.T) {
	if got := summarize(nil); got != "no fixable errors detected" {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestSummarizeIncludesFirstMessage(t *testing.T) {
	errs := []model.BuildError{{Message: "unexpected token"}, {Message: "second"}}
	got := summarize(errs)
	if got != "2 unresolved build error(s), first: unexpected token" {
		t.Fatalf("unexpected summary: %q", got)
	}
}

func TestSendProgressDropsWhenSinkFull(t *testing.T) {
	sink := make(chan Progress, 1)
	sink <- Progress{RunID: 1}
	sendProgress(sink, Progress{RunID: 2})
	got := <-sink
	if got.RunID != 1 {
		t.Fatalf("expected the unconsumed event to remain, got %+v", got)
	}
}
