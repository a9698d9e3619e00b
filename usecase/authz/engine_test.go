package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/repository/memory"
	redisrepo "github.com/fastygo/orgcore/repository/redis"
	"github.com/fastygo/orgcore/usecase/events"
	"github.com/fastygo/orgcore/usecase/projection"
)

func permissions(names ...string) map[string]domain.Permission {
	out := make(map[string]domain.Permission, len(names))
	for _, n := range names {
		out[n] = domain.Permission{ID: n, Name: n}
	}
	return out
}

func TestComputeKeepsWidestScope(t *testing.T) {
	in := Input{
		Assignments: []domain.UserRole{
			{UserID: "u", RoleID: "org-admin", ScopePath: "root.acme"},
			{UserID: "u", RoleID: "team-admin", ScopePath: "root.acme.eng"},
			{UserID: "u", RoleID: "other", ScopePath: "root.globex"},
		},
		Roles: map[string]domain.Role{
			"org-admin":  {ID: "org-admin"},
			"team-admin": {ID: "team-admin"},
			"other":      {ID: "other"},
		},
		Grants: []domain.RolePermission{
			{RoleID: "org-admin", PermissionID: "users.manage"},
			{RoleID: "team-admin", PermissionID: "users.manage"},
			{RoleID: "other", PermissionID: "users.manage"},
		},
		Permissions: permissions("users.manage"),
	}

	got := Compute(in)
	want := []domain.EffectivePermission{
		{Permission: "users.manage", Scope: "root.acme"},
		{Permission: "users.manage", Scope: "root.globex"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestComputeExpandsImplicationsAndDedupesAgain(t *testing.T) {
	in := Input{
		Assignments: []domain.UserRole{
			{UserID: "u", RoleID: "manager", ScopePath: "root.acme"},
			{UserID: "u", RoleID: "viewer", ScopePath: "root.acme.eng"},
		},
		Roles: map[string]domain.Role{
			"manager": {ID: "manager"},
			"viewer":  {ID: "viewer"},
		},
		Grants: []domain.RolePermission{
			{RoleID: "manager", PermissionID: "org.manage"},
			{RoleID: "viewer", PermissionID: "org.view"},
		},
		Permissions: permissions("org.manage", "org.edit", "org.view"),
		Implications: []domain.PermissionImplication{
			{PermissionID: "org.manage", ImpliedPermissionID: "org.edit"},
			{PermissionID: "org.edit", ImpliedPermissionID: "org.view"},
			{PermissionID: "org.view", ImpliedPermissionID: "org.manage"},
		},
	}

	got := Compute(in)
	want := []domain.EffectivePermission{
		{Permission: "org.edit", Scope: "root.acme"},
		{Permission: "org.manage", Scope: "root.acme"},
		{Permission: "org.view", Scope: "root.acme"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestComputeIgnoresDanglingReferences(t *testing.T) {
	deleted := time.Now()
	in := Input{
		Assignments: []domain.UserRole{
			{UserID: "u", RoleID: "gone", ScopePath: "root.acme"},
			{UserID: "u", RoleID: "missing", ScopePath: "root.acme"},
			{UserID: "u", RoleID: "revoked", ScopePath: "root.acme", RevokedAt: &deleted},
			{UserID: "u", RoleID: "scoped"},
		},
		Roles: map[string]domain.Role{
			"gone":    {ID: "gone", DeletedAt: &deleted},
			"revoked": {ID: "revoked"},
			"scoped":  {ID: "scoped", OrganizationID: "org-1", ScopePath: "root.acme"},
		},
		Grants: []domain.RolePermission{
			{RoleID: "gone", PermissionID: "org.view"},
			{RoleID: "revoked", PermissionID: "org.view"},
			{RoleID: "scoped", PermissionID: "org.view"},
			{RoleID: "scoped", PermissionID: "undefined"},
		},
		Permissions:  permissions("org.view"),
		Implications: []domain.PermissionImplication{{PermissionID: "org.view", ImpliedPermissionID: "undefined"}},
	}

	got := Compute(in)
	if len(got) != 1 || got[0] != (domain.EffectivePermission{Permission: "org.view", Scope: "root.acme"}) {
		t.Fatalf("unexpected set %v", got)
	}
}

func TestHasEffectivePermission(t *testing.T) {
	set := []domain.EffectivePermission{
		{Permission: "org.view", Scope: "root.acme"},
		{Permission: "audit.read", Scope: ""},
	}
	cases := []struct {
		permission string
		target     domain.ScopePath
		want       bool
	}{
		{"org.view", "root.acme", true},
		{"org.view", "root.acme.eng.platform", true},
		{"org.view", "root.acmecorp", false},
		{"org.view", "root", false},
		{"org.edit", "root.acme", false},
		{"audit.read", "root.globex", true},
	}
	for _, tc := range cases {
		if got := HasEffectivePermission(set, tc.permission, tc.target); got != tc.want {
			t.Errorf("%s at %s: expected %v, got %v", tc.permission, tc.target, tc.want, got)
		}
	}
}

func TestServiceCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	router, err := events.NewRouter(projection.Processors()...)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	log := events.NewService(store, router, zap.NewNop(), events.Config{})

	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewService(store, redisrepo.NewPermissionCache(client, time.Minute), zap.NewNop())
	log.Subscribe(svc)

	appendAll := func(streamID string, payloads ...domain.Payload) {
		t.Helper()
		for _, p := range payloads {
			cmd, err := events.NewCommand(streamID, p, domain.EventMetadata{})
			if err != nil {
				t.Fatalf("command: %v", err)
			}
			if _, err := log.Append(ctx, cmd); err != nil {
				t.Fatalf("append %s: %v", p.EventType(), err)
			}
		}
	}

	appendAll("org-1", &domain.OrganizationCreatedData{Name: "Acme", Slug: "acme", Path: "root.acme", ParentPath: domain.RootScope})
	appendAll("p-view", &domain.PermissionDefinedData{Name: "org.view", Applet: "org", Action: "view"})
	appendAll("p-edit", &domain.PermissionDefinedData{Name: "org.edit", Applet: "org", Action: "edit"})
	appendAll("role-1",
		&domain.RoleCreatedData{Name: "editor", OrganizationID: "org-1", ScopePath: "root.acme"},
		&domain.RolePermissionGrantedData{PermissionID: "p-edit"})
	appendAll("user-1", &domain.UserRoleAssignedData{RoleID: "role-1"})

	if err := svc.Check(ctx, "user-1", "org.edit", "root.acme.eng"); err != nil {
		t.Fatalf("expected edit allowed, got %v", err)
	}
	if err := svc.Check(ctx, "user-1", "org.view", "root.acme"); !domain.IsDomainError(err, domain.ErrCodeForbidden) {
		t.Fatalf("expected forbidden before implication, got %v", err)
	}

	appendAll("p-edit", &domain.ImplicationAddedData{ImpliedPermissionID: "p-view"})
	if err := svc.Check(ctx, "user-1", "org.view", "root.acme"); err != nil {
		t.Fatalf("expected implication to apply after invalidation, got %v", err)
	}

	appendAll("user-1", &domain.UserRoleRevokedData{RoleID: "role-1", ScopePath: "root.acme"})
	perms, err := svc.EffectivePermissions(ctx, "user-1")
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected empty set after revoke, got %v", perms)
	}
}

// afterViewStore runs hook once, right after the first read completes.
type afterViewStore struct {
	repository.Store
	hook func()
}

func (s *afterViewStore) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	err := s.Store.View(ctx, fn)
	if hook := s.hook; hook != nil {
		s.hook = nil
		hook()
	}
	return err
}

func TestRevokeDuringLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	router, err := events.NewRouter(projection.Processors()...)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	log := events.NewService(store, router, zap.NewNop(), events.Config{})

	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	view := &afterViewStore{Store: store}
	svc := NewService(view, redisrepo.NewPermissionCache(client, time.Minute), zap.NewNop())
	log.Subscribe(svc)

	appendOne := func(streamID string, p domain.Payload) {
		t.Helper()
		cmd, err := events.NewCommand(streamID, p, domain.EventMetadata{})
		if err != nil {
			t.Fatalf("command: %v", err)
		}
		if _, err := log.Append(ctx, cmd); err != nil {
			t.Fatalf("append %s: %v", p.EventType(), err)
		}
	}
	appendOne("p-delete", &domain.PermissionDefinedData{Name: "org.delete", Applet: "org", Action: "delete"})
	appendOne("role-1", &domain.RoleCreatedData{Name: "owner"})
	appendOne("role-1", &domain.RolePermissionGrantedData{PermissionID: "p-delete"})
	appendOne("user-1", &domain.UserRoleAssignedData{RoleID: "role-1"})

	view.hook = func() { appendOne("role-1", &domain.RolePermissionRevokedData{PermissionID: "p-delete"}) }
	if _, err := svc.EffectivePermissions(ctx, "user-1"); err != nil {
		t.Fatalf("read racing revoke: %v", err)
	}

	perms, err := svc.EffectivePermissions(ctx, "user-1")
	if err != nil {
		t.Fatalf("read after revoke: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected revoked permission to be gone, got %v", perms)
	}
	if err := svc.Check(ctx, "user-1", "org.delete", ""); !domain.IsDomainError(err, domain.ErrCodeForbidden) {
		t.Fatalf("expected forbidden after revoke, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	claims := &Claims{UserID: "u", Permissions: []domain.EffectivePermission{{Permission: "org.view", Scope: "root.acme"}}}
	if !claims.Has("org.view", "root.acme.eng") || claims.Has("org.view", "root.globex") {
		t.Fatalf("unexpected claim checks for %+v", claims)
	}
	if _, err := ParseToken("not-a-token", "secret"); !domain.IsDomainError(err, domain.ErrCodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
