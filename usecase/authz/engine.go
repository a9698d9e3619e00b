// Package authz computes effective permissions from the access projections.
package authz

import (
	"sort"

	"github.com/fastygo/orgcore/domain"
)

// Input is a snapshot of everything Compute needs for one principal.
type Input struct {
	Assignments  []domain.UserRole
	Roles        map[string]domain.Role
	Grants       []domain.RolePermission
	Permissions  map[string]domain.Permission
	Implications []domain.PermissionImplication
}

type grant struct {
	permissionID string
	scope        domain.ScopePath
}

// Compute returns the deduplicated (permission, scope) set of a principal.
// Dangling references (deleted roles, unknown permissions) contribute nothing.
// The result is sorted by permission name, then scope.
func Compute(in Input) []domain.EffectivePermission {
	byRole := make(map[string][]string)
	for _, g := range in.Grants {
		byRole[g.RoleID] = append(byRole[g.RoleID], g.PermissionID)
	}

	var explicit []grant
	for _, a := range in.Assignments {
		if a.RevokedAt != nil {
			continue
		}
		role, ok := in.Roles[a.RoleID]
		if !ok || role.IsDeleted() {
			continue
		}
		scope := a.ScopePath
		if scope.IsGlobal() && role.OrganizationID != "" {
			scope = role.ScopePath
		}
		for _, permID := range byRole[role.ID] {
			if _, ok := in.Permissions[permID]; !ok {
				continue
			}
			explicit = append(explicit, grant{permissionID: permID, scope: scope})
		}
	}

	widest := dedupe(explicit)
	expanded := expand(widest, in.Implications, in.Permissions)
	final := dedupe(expanded)

	out := make([]domain.EffectivePermission, 0, len(final))
	for _, g := range final {
		out = append(out, domain.EffectivePermission{
			Permission: in.Permissions[g.permissionID].Name,
			Scope:      g.scope,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Permission != out[j].Permission {
			return out[i].Permission < out[j].Permission
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// dedupe keeps, per permission, only scopes not covered by a wider kept
// scope. Unrelated scopes of the same permission all survive.
func dedupe(grants []grant) []grant {
	scopes := make(map[string][]domain.ScopePath)
	for _, g := range grants {
		scopes[g.permissionID] = append(scopes[g.permissionID], g.scope)
	}

	ids := make([]string, 0, len(scopes))
	for id := range scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []grant
	for _, id := range ids {
		candidates := scopes[id]
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Depth() != candidates[j].Depth() {
				return candidates[i].Depth() < candidates[j].Depth()
			}
			return candidates[i] < candidates[j]
		})
		var kept []domain.ScopePath
	next:
		for _, s := range candidates {
			for _, k := range kept {
				if k.Contains(s) {
					continue next
				}
			}
			kept = append(kept, s)
		}
		for _, s := range kept {
			out = append(out, grant{permissionID: id, scope: s})
		}
	}
	return out
}

// expand adds every permission reachable through the implication graph at
// the scope of the grant that implies it. Cycles are tolerated.
func expand(grants []grant, edges []domain.PermissionImplication, permissions map[string]domain.Permission) []grant {
	implies := make(map[string][]string)
	for _, e := range edges {
		implies[e.PermissionID] = append(implies[e.PermissionID], e.ImpliedPermissionID)
	}

	out := make([]grant, 0, len(grants))
	for _, g := range grants {
		seen := map[string]bool{g.permissionID: true}
		queue := []string{g.permissionID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, ok := permissions[id]; !ok {
				continue
			}
			out = append(out, grant{permissionID: id, scope: g.scope})
			for _, next := range implies[id] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return out
}

// HasEffectivePermission reports whether set grants permission at target.
// An entry with the global scope satisfies every target.
func HasEffectivePermission(set []domain.EffectivePermission, permission string, target domain.ScopePath) bool {
	for _, ep := range set {
		if ep.Permission == permission && ep.Scope.Contains(target) {
			return true
		}
	}
	return false
}
