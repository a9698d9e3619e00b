package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/repository/memory"
	"github.com/fastygo/orgcore/usecase/events"
	"github.com/fastygo/orgcore/usecase/projection"
)

func newService(t *testing.T, store repository.Store) *events.Service {
	t.Helper()
	router, err := events.NewRouter(projection.Processors()...)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return events.NewService(store, router, zap.NewNop(), events.Config{})
}

func command(t *testing.T, streamID string, payload domain.Payload) events.AppendCommand {
	t.Helper()
	cmd, err := events.NewCommand(streamID, payload, domain.EventMetadata{ActorID: "tester", CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	return cmd
}

func mustAppend(t *testing.T, svc *events.Service, streamID string, payload domain.Payload) *domain.Event {
	t.Helper()
	ev, err := svc.Append(context.Background(), command(t, streamID, payload))
	if err != nil {
		t.Fatalf("append %s to %s: %v", payload.EventType(), streamID, err)
	}
	return ev
}

func TestRouterMustBeExhaustive(t *testing.T) {
	if _, err := events.NewRouter(projection.NewOrganizationProcessor()); err == nil {
		t.Fatal("expected error for router missing stream types")
	}
	all := projection.Processors()
	if _, err := events.NewRouter(append(all, projection.NewContactProcessor())...); err == nil {
		t.Fatal("expected error for duplicate stream routing")
	}
	if _, err := events.NewRouter(all...); err != nil {
		t.Fatalf("expected complete router, got %v", err)
	}
}

func TestAppendRejectsUnknownStreamType(t *testing.T) {
	store := memory.NewStore()
	svc := newService(t, store)

	cmd := command(t, "x-1", &domain.PermissionDefinedData{Name: "a.b", Applet: "a", Action: "b"})
	cmd.StreamType = "spaceship"
	if _, err := svc.Append(context.Background(), cmd); !domain.IsDomainError(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}

	cmd = command(t, "x-1", &domain.PermissionDefinedData{Name: "a.b", Applet: "a", Action: "b"})
	cmd.StreamType = domain.StreamRole
	if _, err := svc.Append(context.Background(), cmd); !domain.IsDomainError(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected mismatched stream type to be rejected, got %v", err)
	}

	history, err := svc.History(context.Background(), "x-1")
	if err != nil || len(history) != 0 {
		t.Fatalf("expected nothing recorded, got %d events err=%v", len(history), err)
	}
	if _, err := svc.History(context.Background(), " "); !domain.IsDomainError(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected stream_id validation, got %v", err)
	}
}

func TestStreamVersionsAreGapless(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewStore())

	for i := 0; i < 3; i++ {
		ev := mustAppend(t, svc, "perm-1", &domain.PermissionDefinedData{Name: "org.view", Applet: "org", Action: "view"})
		if ev.StreamVersion != int64(i+1) {
			t.Fatalf("expected version %d, got %d", i+1, ev.StreamVersion)
		}
		if !ev.IsProcessed() {
			t.Fatalf("expected processed event, got %+v", ev)
		}
	}

	stale := int64(1)
	cmd := command(t, "perm-1", &domain.PermissionDefinedData{Name: "org.view", Applet: "org", Action: "view"})
	cmd.ExpectedVersion = &stale
	if _, err := svc.Append(ctx, cmd); !domain.IsDomainError(err, domain.ErrCodeOrdering) {
		t.Fatalf("expected ordering error, got %v", err)
	}

	current := int64(3)
	cmd.ExpectedVersion = &current
	ev, err := svc.Append(ctx, cmd)
	if err != nil || ev.StreamVersion != 4 {
		t.Fatalf("expected version 4, got %+v err=%v", ev, err)
	}
}

func TestProcessingErrorIsRecordedAndRetried(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewStore())

	ev, err := svc.Append(ctx, command(t, "user-1", &domain.UserRoleAssignedData{RoleID: "role-1"}))
	if !domain.IsDomainError(err, domain.ErrCodeProcessing) {
		t.Fatalf("expected processing error, got %v", err)
	}
	if ev == nil || !ev.IsFailed() || ev.IsProcessed() {
		t.Fatalf("expected stored failed event, got %+v", ev)
	}

	failed, err := svc.Failed(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].ID != ev.ID {
		t.Fatalf("expected one failed event, got %+v err=%v", failed, err)
	}

	mustAppend(t, svc, "role-1", &domain.RoleCreatedData{Name: "auditor"})

	retried, err := svc.Retry(ctx, ev.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !retried.IsProcessed() || retried.IsFailed() {
		t.Fatalf("expected processed after retry, got %+v", retried)
	}
	again, err := svc.Retry(ctx, ev.ID)
	if err != nil || again.ProcessedAt == nil || !again.ProcessedAt.Equal(*retried.ProcessedAt) {
		t.Fatalf("expected retry of processed event to be a no-op, got %+v err=%v", again, err)
	}

	report, err := svc.RetryFailed(ctx, 10)
	if err != nil || report.Attempted != 0 {
		t.Fatalf("expected nothing left to retry, got %+v err=%v", report, err)
	}
}

func TestRetryFailedReportsOutcomes(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewStore())

	if _, err := svc.Append(ctx, command(t, "user-1", &domain.UserRoleAssignedData{RoleID: "role-1"})); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := svc.Append(ctx, command(t, "user-2", &domain.UserRoleAssignedData{RoleID: "role-2"})); err == nil {
		t.Fatal("expected failure")
	}
	mustAppend(t, svc, "role-1", &domain.RoleCreatedData{Name: "auditor"})

	report, err := svc.RetryFailed(ctx, 10)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if report.Attempted != 2 || report.Recovered != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestOrganizationDeleteCascadesToActiveRoles(t *testing.T) {
	svc := newService(t, memory.NewStore())

	var (
		mu        sync.Mutex
		committed []domain.Event
	)
	svc.Subscribe(events.ObserverFunc(func(ctx context.Context, evs []domain.Event) {
		mu.Lock()
		committed = append(committed, evs...)
		mu.Unlock()
	}))

	mustAppend(t, svc, "org-1", &domain.OrganizationCreatedData{Name: "Acme", Slug: "acme", Path: "root.acme", ParentPath: domain.RootScope})
	for _, id := range []string{"role-a", "role-b", "role-c"} {
		mustAppend(t, svc, id, &domain.RoleCreatedData{Name: id, OrganizationID: "org-1", ScopePath: "root.acme"})
	}
	mustAppend(t, svc, "role-c", &domain.RoleDeletedData{Reason: "retired"})

	mu.Lock()
	committed = nil
	mu.Unlock()

	root := mustAppend(t, svc, "org-1", &domain.OrganizationDeletedData{Reason: "closed"})

	mu.Lock()
	defer mu.Unlock()
	var cascaded []domain.Event
	for _, ev := range committed {
		if ev.EventType == domain.RoleDeleted {
			cascaded = append(cascaded, ev)
		}
	}
	if len(cascaded) != 2 {
		t.Fatalf("expected exactly 2 role.deleted, got %d", len(cascaded))
	}
	for _, ev := range cascaded {
		if ev.Metadata.CausationID != root.ID || ev.Metadata.CorrelationID != "corr-1" || ev.Metadata.ActorID != "tester" {
			t.Fatalf("cascade metadata not inherited: %+v", ev.Metadata)
		}
		if !ev.IsProcessed() {
			t.Fatalf("expected cascaded event processed, got %+v", ev)
		}
	}
	if committed[0].ID != root.ID {
		t.Fatalf("expected root event first, got %s", committed[0].EventType)
	}
}

func TestDuplicateGrantsAndAssignmentsKeepOneRow(t *testing.T) {
	store := memory.NewStore()
	svc := newService(t, store)
	ctx := context.Background()

	mustAppend(t, svc, "p-view", &domain.PermissionDefinedData{Name: "org.view", Applet: "org", Action: "view"})
	mustAppend(t, svc, "org-1", &domain.OrganizationCreatedData{Name: "Acme", Slug: "acme", Path: "root.acme", ParentPath: domain.RootScope})
	mustAppend(t, svc, "role-1", &domain.RoleCreatedData{Name: "viewer", OrganizationID: "org-1", ScopePath: "root.acme"})
	for i := 0; i < 2; i++ {
		if ev := mustAppend(t, svc, "role-1", &domain.RolePermissionGrantedData{PermissionID: "p-view"}); !ev.IsProcessed() {
			t.Fatalf("grant %d not processed: %+v", i, ev)
		}
		if ev := mustAppend(t, svc, "user-1", &domain.UserRoleAssignedData{RoleID: "role-1", ScopePath: "root.acme"}); !ev.IsProcessed() {
			t.Fatalf("assignment %d not processed: %+v", i, ev)
		}
	}

	err := store.View(ctx, func(tx repository.Tx) error {
		grants, err := tx.Roles().ListGrants(ctx, []string{"role-1"})
		if err != nil {
			return err
		}
		if len(grants) != 1 || grants[0].PermissionID != "p-view" {
			t.Errorf("expected one grant row, got %+v", grants)
		}
		assignments, err := tx.UserRoles().ListActive(ctx, "user-1")
		if err != nil {
			return err
		}
		if len(assignments) != 1 || assignments[0].ScopePath != "root.acme" {
			t.Errorf("expected one assignment row, got %+v", assignments)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestFailedCascadeRollsBackProjections(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newService(t, store)

	mustAppend(t, svc, "org-1", &domain.OrganizationCreatedData{Name: "Acme", Slug: "acme", Path: "root.acme", ParentPath: domain.RootScope})
	mustAppend(t, svc, "inv-1", &domain.InvitationCreatedData{
		OrganizationID: "org-1", Email: "a@acme.test", RoleID: "missing-role", Token: "tok",
		ExpiresAt: mustTime(t, "2999-01-01T00:00:00Z"),
	})

	ev, err := svc.Append(ctx, command(t, "inv-1", &domain.InvitationAcceptedData{UserID: "user-1"}))
	if !domain.IsDomainError(err, domain.ErrCodeProcessing) {
		t.Fatalf("expected processing error from failed cascade, got %v", err)
	}

	err = store.View(ctx, func(tx repository.Tx) error {
		inv, err := tx.Invitations().Get(ctx, "inv-1")
		if err != nil {
			return err
		}
		if inv.Status != domain.InvitationStatusPending {
			t.Errorf("expected invitation write rolled back, got %s", inv.Status)
		}
		history, err := tx.Events().ListStream(ctx, "user-1")
		if err != nil {
			return err
		}
		if len(history) != 0 {
			t.Errorf("expected cascaded event discarded, got %d", len(history))
		}
		stored, err := tx.Events().Get(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !stored.IsFailed() {
			t.Errorf("expected root event kept as failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestHistoryShowsDeleteAndReactivate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewStore())

	mustAppend(t, svc, "org-1", &domain.OrganizationCreatedData{Name: "Acme", Slug: "acme", Path: "root.acme", ParentPath: domain.RootScope})
	mustAppend(t, svc, "org-1", &domain.OrganizationDeletedData{})
	mustAppend(t, svc, "org-1", &domain.OrganizationReactivatedData{})

	history, err := svc.History(ctx, "org-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []domain.EventType{domain.OrganizationCreated, domain.OrganizationDeleted, domain.OrganizationReactivated}
	if len(history) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(history))
	}
	for i, ev := range history {
		if ev.EventType != want[i] || ev.StreamVersion != int64(i+1) {
			t.Fatalf("event %d: got %s v%d", i, ev.EventType, ev.StreamVersion)
		}
	}
}

// racingStore makes the first insert lose a version race.
type racingStore struct {
	repository.Store
	mu    sync.Mutex
	races int
}

func (s *racingStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx repository.Tx) error {
		return fn(&racingTx{Tx: tx, store: s})
	})
}

type racingTx struct {
	repository.Tx
	store *racingStore
}

func (t *racingTx) Events() repository.EventRepository {
	return &racingEvents{EventRepository: t.Tx.Events(), store: t.store}
}

type racingEvents struct {
	repository.EventRepository
	store *racingStore
}

func (r *racingEvents) Insert(ctx context.Context, ev *domain.Event) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.races > 0 {
		r.store.races--
		return domain.NewOrderingError(ev.StreamID, ev.StreamVersion)
	}
	return r.EventRepository.Insert(ctx, ev)
}

func TestAppendRetriesLostVersionRace(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: memory.NewStore(), races: 2}
	svc := newService(t, store)

	ev, err := svc.Append(ctx, command(t, "perm-1", &domain.PermissionDefinedData{Name: "org.view", Applet: "org", Action: "view"}))
	if err != nil {
		t.Fatalf("expected append to survive ordering races, got %v", err)
	}
	if ev.StreamVersion != 1 {
		t.Fatalf("expected version 1, got %d", ev.StreamVersion)
	}

	store.races = 1
	expected := int64(1)
	cmd := command(t, "perm-1", &domain.PermissionDefinedData{Name: "org.view", Applet: "org", Action: "view"})
	cmd.ExpectedVersion = &expected
	if _, err := svc.Append(ctx, cmd); !domain.IsDomainError(err, domain.ErrCodeOrdering) {
		t.Fatalf("expected ordering error with expected version, got %v", err)
	}
}

func TestGetUnknownEvent(t *testing.T) {
	svc := newService(t, memory.NewStore())
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrEventNotFound) && !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func mustTime(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	return ts
}
