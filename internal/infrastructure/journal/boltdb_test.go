package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/usecase/bootstrap"
)

func TestJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	store, err := Open(path, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	started := time.Now().Add(-time.Minute)
	running := bootstrap.RunState{
		WorkflowID: "organization-bootstrap-acme",
		RunID:      "run-1",
		Slug:       "acme",
		Status:     bootstrap.RunRunning,
		Steps:      []string{bootstrap.StepCreate, bootstrap.StepActivate},
		Completed:  []string{bootstrap.StepCreate},
		StartedAt:  started,
	}
	if err := store.Save(ctx, running); err != nil {
		t.Fatalf("save: %v", err)
	}
	finished := time.Now().Add(-48 * time.Hour)
	if err := store.Save(ctx, bootstrap.RunState{
		WorkflowID: "organization-bootstrap-old",
		RunID:      "run-0",
		Status:     bootstrap.RunCompleted,
		StartedAt:  finished,
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(path, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.Get(ctx, running.WorkflowID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunID != "run-1" || len(got.Completed) != 1 || got.Completed[0] != bootstrap.StepCreate {
		t.Fatalf("unexpected state %+v", got)
	}

	list, err := store.ListRunning(ctx)
	if err != nil || len(list) != 1 || list[0].WorkflowID != running.WorkflowID {
		t.Fatalf("expected one running workflow, got %+v err=%v", list, err)
	}

	removed, err := store.Cleanup(time.Now().Add(-24 * time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("expected one finished run removed, got %d err=%v", removed, err)
	}
	if size, _ := store.Size(); size != 1 {
		t.Fatalf("expected one journaled run left, got %d", size)
	}
	if _, err := store.Get(ctx, "organization-bootstrap-old"); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
