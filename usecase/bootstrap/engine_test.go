package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/repository/memory"
	redisrepo "github.com/fastygo/orgcore/repository/redis"
	"github.com/fastygo/orgcore/usecase/events"
	"github.com/fastygo/orgcore/usecase/projection"
)

type fakeDNS struct {
	mu      sync.Mutex
	seq     int
	records map[string]string
	created int
	block   chan struct{}
	entered chan struct{}
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{records: make(map[string]string)}
}

func (d *fakeDNS) CreateRecord(ctx context.Context, fqdn, target string) (string, error) {
	if d.block != nil {
		if d.entered != nil {
			close(d.entered)
			d.entered = nil
		}
		select {
		case <-d.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.created++
	id := fmt.Sprintf("rec-%d", d.seq)
	d.records[id] = fqdn
	return id, nil
}

func (d *fakeDNS) DeleteRecord(ctx context.Context, recordID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, recordID)
	return nil
}

func (d *fakeDNS) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

type fakeResolver struct {
	name string
	mu   sync.Mutex
	ok   bool
	err  error
}

func (r *fakeResolver) Name() string { return r.name }

func (r *fakeResolver) Confirm(ctx context.Context, fqdn, target string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ok, r.err
}

func (r *fakeResolver) set(ok bool) {
	r.mu.Lock()
	r.ok = ok
	r.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []InvitationMessage
}

func (n *fakeNotifier) SendInvitation(ctx context.Context, msg InvitationMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type harness struct {
	store     *memory.Store
	events    *events.Service
	dns       *fakeDNS
	resolvers []*fakeResolver
	notifier  *fakeNotifier
	engine    *Engine
}

func newHarness(t *testing.T, locker repository.Locker) *harness {
	t.Helper()
	store := memory.NewStore()
	router, err := events.NewRouter(projection.Processors()...)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	h := &harness{
		store:    store,
		events:   events.NewService(store, router, zap.NewNop(), events.Config{}),
		dns:      newFakeDNS(),
		notifier: &fakeNotifier{},
	}
	var resolvers []Resolver
	for i := 0; i < 3; i++ {
		r := &fakeResolver{name: fmt.Sprintf("resolver-%d", i), ok: true}
		h.resolvers = append(h.resolvers, r)
		resolvers = append(resolvers, r)
	}
	fast := RetryPolicy{Timeout: time.Second, MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	h.engine, err = NewEngine(Deps{
		Store:     store,
		Events:    h.events,
		DNS:       h.dns,
		Resolvers: resolvers,
		Notifier:  h.notifier,
		Locker:    locker,
		Logger:    zap.NewNop(),
	}, Config{
		BaseDomain:   "example.test",
		RecordTarget: "203.0.113.10",
		Activity:     fast,
		Verification: fast,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })

	if _, err := h.events.Append(context.Background(), mustCommand(t, "perm-org-manage", &domain.PermissionDefinedData{
		Name: "org.manage", Applet: "org", Action: "manage",
	})); err != nil {
		t.Fatalf("define permission: %v", err)
	}
	return h
}

func mustCommand(t *testing.T, streamID string, payload domain.Payload) events.AppendCommand {
	t.Helper()
	cmd, err := events.NewCommand(streamID, payload, domain.EventMetadata{ActorID: "test"})
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	return cmd
}

func acmeParams() Params {
	return Params{
		Name:      "Acme",
		Slug:      "acme",
		Subdomain: "acme",
		Contacts:  []ContactSpec{{Type: "billing", Email: "Billing@Acme.test", FirstName: "Bea"}},
		Addresses: []AddressSpec{{Type: "hq", Street1: "1 Main St", City: "Springfield"}},
		Units:     []UnitSpec{{Name: "engineering"}},
		AdminRole: &RoleSpec{Name: "admin", Permissions: []string{"org.manage"}},
		Invitees:  []InviteeSpec{{Email: "owner@acme.test", Admin: true}},
		ActorID:   "operator",
	}
}

func (h *harness) wait(t *testing.T, handle *Handle) (*RunState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	if state == nil {
		t.Fatalf("wait: %v", err)
	}
	return state, err
}

func (h *harness) org(t *testing.T, slug string) *domain.Organization {
	t.Helper()
	var org *domain.Organization
	err := h.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		org, err = tx.Organizations().GetBySlug(context.Background(), slug)
		return err
	})
	if err != nil {
		t.Fatalf("organization %s: %v", slug, err)
	}
	return org
}

func (h *harness) contacts(t *testing.T, orgID string) []domain.Contact {
	t.Helper()
	var out []domain.Contact
	err := h.store.View(context.Background(), func(tx repository.Tx) error {
		var err error
		out, err = tx.Contacts().ListByOrganization(context.Background(), orgID)
		return err
	})
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	return out
}

func TestBootstrapCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	handle, err := h.engine.Start(ctx, acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle.WorkflowID() != "organization-bootstrap-acme" {
		t.Fatalf("unexpected workflow id %s", handle.WorkflowID())
	}
	state, err := h.wait(t, handle)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if state.Status != RunCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}

	org := h.org(t, "acme")
	if !org.IsFullyActive() {
		t.Fatalf("expected fully active organization, got %+v", org)
	}
	if org.Path != "root.acme" || org.SubdomainVerifiedAt == nil {
		t.Fatalf("unexpected organization %+v", org)
	}
	if h.dns.count() != 1 {
		t.Fatalf("expected one dns record, got %d", h.dns.count())
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0].Email != "owner@acme.test" {
		t.Fatalf("unexpected notifications %+v", h.notifier.sent)
	}

	snap, err := h.engine.snapshot(ctx, org.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap.unitByPath("root.acme.engineering"); !ok {
		t.Fatal("expected engineering unit")
	}
	role, ok := snap.roleByName("admin")
	if !ok || !snap.granted[role.ID+"|perm-org-manage"] {
		t.Fatalf("expected admin role with org.manage grant, got %+v", snap.roles)
	}
	if len(snap.invitations) != 1 || snap.invitations[0].Status != domain.InvitationStatusSent || snap.invitations[0].RoleID != role.ID {
		t.Fatalf("unexpected invitations %+v", snap.invitations)
	}

	if _, err := h.engine.Resume(ctx, org.ID, ResumeOptions{}); !errors.Is(err, domain.ErrNothingToResume) {
		t.Fatalf("expected nothing to resume, got %v", err)
	}

	// A second run for the same live organization converges without duplicates.
	handle, err = h.engine.Start(ctx, acmeParams())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := h.wait(t, handle); err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if again := h.org(t, "acme"); again.ID != org.ID {
		t.Fatalf("expected same organization, got %s and %s", org.ID, again.ID)
	}
	if h.dns.created != 1 || len(h.notifier.sent) != 1 {
		t.Fatalf("expected no repeated side effects, dns=%d mails=%d", h.dns.created, len(h.notifier.sent))
	}
	if got := h.contacts(t, org.ID); len(got) != 1 {
		t.Fatalf("expected one contact, got %d", len(got))
	}
}

func TestQuorumFailureCompensatesThenResumeReactivates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.resolvers[1].set(false)
	h.resolvers[2].set(false)

	handle, err := h.engine.Start(ctx, acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state, err := h.wait(t, handle)
	if err == nil {
		t.Fatal("expected verification failure")
	}
	if state.Status != RunFailed || state.FailedStep != StepVerify {
		t.Fatalf("unexpected run state %+v", state)
	}
	if len(state.Compensated) != 2 || state.Compensated[0] != StepConfigure || state.Compensated[1] != StepCreate {
		t.Fatalf("expected reverse compensation, got %v", state.Compensated)
	}

	org := h.org(t, "acme")
	if !org.IsDeleted() || org.IsActive || org.BootstrapStatus != domain.BootstrapFailed {
		t.Fatalf("expected soft-deleted failed organization, got %+v", org)
	}
	if org.HasSubdomainRecord() || h.dns.count() != 0 {
		t.Fatalf("expected dns record removed, projection=%q provider=%d", org.SubdomainRecordID, h.dns.count())
	}
	contacts := h.contacts(t, org.ID)
	if len(contacts) != 1 || contacts[0].DeletedAt == nil {
		t.Fatalf("expected soft-deleted contact, got %+v", contacts)
	}

	if _, err := h.engine.Start(ctx, acmeParams()); !domain.IsDomainError(err, domain.ErrCodeConflict) {
		t.Fatalf("expected conflict for deleted slug, got %v", err)
	}

	h.resolvers[1].set(true)
	h.resolvers[2].set(true)
	handle, err = h.engine.Resume(ctx, org.ID, ResumeOptions{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if handle.WorkflowID() != ResumeWorkflowID(org.ID) {
		t.Fatalf("unexpected workflow id %s", handle.WorkflowID())
	}
	state, err = h.wait(t, handle)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if state.Steps[0] != StepReactivate || state.Steps[1] != StepConfigure {
		t.Fatalf("unexpected resume steps %v", state.Steps)
	}

	resumed := h.org(t, "acme")
	if resumed.ID != org.ID {
		t.Fatalf("resume recreated the organization: %s != %s", resumed.ID, org.ID)
	}
	if !resumed.IsFullyActive() {
		t.Fatalf("expected fully active organization, got %+v", resumed)
	}
	after := h.contacts(t, org.ID)
	if len(after) != 1 || after[0].ID != contacts[0].ID || after[0].DeletedAt != nil {
		t.Fatalf("expected the original contact reactivated, got %+v", after)
	}
	if h.dns.count() != 1 {
		t.Fatalf("expected one dns record, got %d", h.dns.count())
	}
}

func TestQuorumFailureReportsUnreachableResolvers(t *testing.T) {
	h := newHarness(t, nil)
	core, logs := observer.New(zap.WarnLevel)
	h.engine.logger = zap.New(core)
	h.resolvers[1].err = errors.New("i/o timeout")
	h.resolvers[2].set(false)

	handle, err := h.engine.Start(context.Background(), acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state, err := h.wait(t, handle)
	if err == nil || state.FailedStep != StepVerify {
		t.Fatalf("unexpected run state %+v err=%v", state, err)
	}
	if !strings.Contains(state.Error, "1 of 3 resolvers confirmed") || !strings.Contains(state.Error, "resolver-1: i/o timeout") {
		t.Fatalf("expected resolver failure in error, got %q", state.Error)
	}
	if logs.FilterMessage("resolver unreachable").Len() == 0 {
		t.Fatal("expected unreachable resolver to be logged at warn")
	}
}

func TestConcurrentStartIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.dns.block = make(chan struct{})
	h.dns.entered = make(chan struct{})
	entered := h.dns.entered

	handle, err := h.engine.Start(ctx, acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	if _, err := h.engine.Start(ctx, acmeParams()); !errors.Is(err, domain.ErrWorkflowRunning) {
		t.Fatalf("expected workflow running, got %v", err)
	}

	close(h.dns.block)
	if _, err := h.wait(t, handle); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
}

func TestLockerRejectsSecondEngine(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redisrepo.NewLocker(client)

	h := newHarness(t, locker)
	ctx := context.Background()
	h.dns.block = make(chan struct{})
	h.dns.entered = make(chan struct{})
	entered := h.dns.entered

	handle, err := h.engine.Start(ctx, acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered

	other, err := NewEngine(Deps{Store: h.store, Events: h.events, DNS: h.dns, Locker: locker}, Config{})
	if err != nil {
		t.Fatalf("second engine: %v", err)
	}
	if _, err := other.Start(ctx, acmeParams()); !errors.Is(err, domain.ErrWorkflowRunning) {
		t.Fatalf("expected workflow running from second engine, got %v", err)
	}

	close(h.dns.block)
	if _, err := h.wait(t, handle); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if mr.Exists("lock:organization:acme") {
		t.Fatal("expected lock released after run")
	}
}

func TestCancelCompensates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.dns.block = make(chan struct{})
	h.dns.entered = make(chan struct{})
	entered := h.dns.entered

	handle, err := h.engine.Start(ctx, acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	if err := h.engine.Cancel(handle.WorkflowID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	state, err := h.wait(t, handle)
	if err == nil {
		t.Fatal("expected cancelled run to report an error")
	}
	if state.Status != RunCancelled || state.FailedStep != StepConfigure {
		t.Fatalf("unexpected run state %+v", state)
	}
	org := h.org(t, "acme")
	if !org.IsDeleted() || org.IsActive {
		t.Fatalf("expected compensated organization, got %+v", org)
	}

	journaled, err := h.engine.Status(ctx, handle.WorkflowID())
	if err != nil || journaled.Status != RunCancelled {
		t.Fatalf("expected journaled cancellation, got %+v err=%v", journaled, err)
	}
	if err := h.engine.Cancel(handle.WorkflowID()); !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected finished workflow to be gone, got %v", err)
	}
}

func TestRecoverInterruptedCompensates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	params := acmeParams()
	params.Subdomain = ""
	params.Normalize()
	r := h.engine.newRun(KindBootstrap, BootstrapWorkflowID(params.Slug), &params, ResumeOptions{})
	if err := h.engine.createOrganization(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	r.state.OrganizationID = r.orgID
	r.state.Steps = []string{StepCreate, StepGenerate, StepNotify, StepActivate}
	r.state.Completed = []string{StepCreate}
	if err := h.engine.deps.Journal.Save(ctx, r.state); err != nil {
		t.Fatalf("journal: %v", err)
	}

	n, err := h.engine.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered run, got %d err=%v", n, err)
	}
	org := h.org(t, "acme")
	if !org.IsDeleted() || org.BootstrapStatus != domain.BootstrapFailed {
		t.Fatalf("expected compensated organization, got %+v", org)
	}
	state, err := h.engine.Status(ctx, r.state.WorkflowID)
	if err != nil || state.Status != RunFailed || state.FailedStep != StepGenerate {
		t.Fatalf("unexpected journaled state %+v err=%v", state, err)
	}
}

// rejectingAppender fails every append of one event type.
type rejectingAppender struct {
	next   EventAppender
	reject domain.EventType
}

func (a rejectingAppender) Append(ctx context.Context, cmd events.AppendCommand) (*domain.Event, error) {
	if cmd.EventType == a.reject {
		return nil, errors.New("event store unavailable")
	}
	return a.next.Append(ctx, cmd)
}

func TestFailedSubdomainRecordingRemovesRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.deps.Events = rejectingAppender{next: h.events, reject: domain.OrganizationSubdomainConfigured}

	handle, err := h.engine.Start(context.Background(), acmeParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state, err := h.wait(t, handle)
	if err == nil || state.Status != RunFailed || state.FailedStep != StepConfigure {
		t.Fatalf("unexpected run state %+v err=%v", state, err)
	}
	if h.dns.created != 1 {
		t.Fatalf("expected the record to be created once across attempts, got %d", h.dns.created)
	}
	if n := h.dns.count(); n != 0 {
		t.Fatalf("expected no DNS records after compensation, got %d", n)
	}
	if state.PendingRecordID != "" {
		t.Fatalf("expected pending record to be cleared, got %q", state.PendingRecordID)
	}
	if org := h.org(t, "acme"); !org.IsDeleted() {
		t.Fatalf("expected compensated organization, got %+v", org)
	}
}

func TestRecoverInterruptedRemovesPendingRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	params := acmeParams()
	params.Normalize()
	r := h.engine.newRun(KindBootstrap, BootstrapWorkflowID(params.Slug), &params, ResumeOptions{})
	if err := h.engine.createOrganization(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	recordID, err := h.dns.CreateRecord(ctx, "acme.example.test", "203.0.113.10")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	r.state.OrganizationID = r.orgID
	r.state.Steps = []string{StepCreate, StepConfigure, StepVerify, StepGenerate, StepNotify, StepActivate}
	r.state.Completed = []string{StepCreate}
	r.state.PendingRecordID = recordID
	if err := h.engine.deps.Journal.Save(ctx, r.state); err != nil {
		t.Fatalf("journal: %v", err)
	}

	if n, err := h.engine.RecoverInterrupted(ctx); err != nil || n != 1 {
		t.Fatalf("expected one recovered run, got %d err=%v", n, err)
	}
	if n := h.dns.count(); n != 0 {
		t.Fatalf("expected journaled record to be removed, got %d records", n)
	}
	state, err := h.engine.Status(ctx, r.state.WorkflowID)
	if err != nil || state.Status != RunFailed || state.FailedStep != StepConfigure || state.PendingRecordID != "" {
		t.Fatalf("unexpected journaled state %+v err=%v", state, err)
	}
}

func TestStartValidatesParams(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Start(context.Background(), Params{Slug: "x"}); !domain.IsDomainError(err, domain.ErrCodeInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
