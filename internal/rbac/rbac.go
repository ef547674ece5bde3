// Package rbac defines the Principal contract the remediation core consumes
// from its external authentication/authorization collaborator. The core
// never issues or validates credentials itself; it only reads roles off an
// already-authenticated Principal.
package rbac

// Well-known roles referenced by the approval and ranking rules.
const (
	RoleAdmin      = "admin"
	RoleOwner      = "owner"
	RoleMaintainer = "maintainer"
	RoleOperator   = "operator"
	RoleApprover   = "approver"
	RoleViewer     = "viewer"
)

// Principal is the authenticated actor behind an approval decision, a
// manual execution trigger, or a solution-ranking request.
type Principal struct {
	ID    string
	Name  string
	Roles map[string]struct{}
}

// NewPrincipal builds a Principal from an ID/name and a role list.
func NewPrincipal(id, name string, roles ...string) Principal {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return Principal{ID: id, Name: name, Roles: set}
}

// HasRole reports whether p carries the given role.
func (p Principal) HasRole(role string) bool {
	_, ok := p.Roles[role]
	return ok
}

// HasAnyRole reports whether p carries any of the given roles. An empty
// roles list is treated as "no restriction" and always matches, matching
// a Runbook with no configured ApprovalRoles.
func (p Principal) HasAnyRole(roles map[string]struct{}) bool {
	if len(roles) == 0 {
		return true
	}
	for r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// CanViewAll reports whether p can see every runbook regardless of
// ownership, used by the SolutionRanker's ACL filter.
func (p Principal) CanViewAll() bool {
	return p.HasRole(RoleAdmin) || p.HasRole(RoleOwner) || p.HasRole(RoleMaintainer) || p.HasRole(RoleOperator)
}
