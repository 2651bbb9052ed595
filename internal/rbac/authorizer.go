package rbac

// Authorizer answers capability queries for one principal snapshot.
// A nil principal (anonymous or still loading) is denied everything.
type Authorizer struct {
	principal *Principal
}

// NewAuthorizer wraps p. p may be nil.
func NewAuthorizer(p *Principal) Authorizer {
	return Authorizer{principal: p}
}

// Principal returns the wrapped principal, nil when there is none.
func (a Authorizer) Principal() *Principal {
	return a.principal
}

// IsAdministrator reports whether the principal holds the administrator role.
func (a Authorizer) IsAdministrator() bool {
	return a.principal != nil && a.principal.Role.System == RoleAdministrator
}

// CanGrant reports whether the principal may hand key to a role or user.
// Privileged keys need an administrator.
func (a Authorizer) CanGrant(key string) bool {
	return a.IsAdministrator() || !IsPrivilegedPermission(key)
}

// HasPermission reports whether the principal holds key. Administrators hold every key.
func (a Authorizer) HasPermission(key string) bool {
	p := a.principal
	if p == nil {
		return false
	}
	if p.Role.System == RoleAdministrator {
		return true
	}
	return p.Permissions.Has(key)
}

// HasAnyPermission reports whether any of keys is held, checked in order.
func (a Authorizer) HasAnyPermission(keys ...string) bool {
	for _, k := range keys {
		if a.HasPermission(k) {
			return true
		}
	}
	return false
}

// Can evaluates c: administrator, then the capability's system-role shortcut,
// then its permission keys.
func (a Authorizer) Can(c Capability) bool {
	p := a.principal
	if p == nil {
		return false
	}
	rule, ok := capabilityRules[c]
	if !ok {
		return false
	}
	if p.Role.System == RoleAdministrator {
		return true
	}
	for _, r := range rule.roles {
		if p.Role.System == r {
			return true
		}
	}
	return a.HasAnyPermission(rule.keys...)
}

// CanAny reports whether any of caps is granted.
func (a Authorizer) CanAny(caps ...Capability) bool {
	for _, c := range caps {
		if a.Can(c) {
			return true
		}
	}
	return false
}

// Capabilities projects every capability to a boolean.
func (a Authorizer) Capabilities() map[Capability]bool {
	out := make(map[Capability]bool, len(capabilityOrder))
	for _, c := range capabilityOrder {
		out[c] = a.Can(c)
	}
	return out
}

func (a Authorizer) CanViewPermits() bool    { return a.Can(CapViewPermits) }
func (a Authorizer) CanCreatePermit() bool   { return a.Can(CapCreatePermit) }
func (a Authorizer) CanViewApprovals() bool  { return a.Can(CapViewApprovals) }
func (a Authorizer) CanApprove() bool        { return a.Can(CapApprove) }
func (a Authorizer) CanReapprove() bool      { return a.Can(CapReapprove) }
func (a Authorizer) CanExtend() bool         { return a.Can(CapExtend) }
func (a Authorizer) CanRevoke() bool         { return a.Can(CapRevoke) }
func (a Authorizer) CanClose() bool          { return a.Can(CapClose) }
func (a Authorizer) CanAddRemarks() bool     { return a.Can(CapAddRemarks) }
func (a Authorizer) CanDeletePermits() bool  { return a.Can(CapDeletePermits) }
func (a Authorizer) CanExport() bool         { return a.Can(CapExport) }
func (a Authorizer) CanManageUsers() bool    { return a.Can(CapManageUsers) }
func (a Authorizer) CanManageRoles() bool    { return a.Can(CapManageRoles) }
func (a Authorizer) CanManageWorkers() bool  { return a.Can(CapManageWorkers) }
func (a Authorizer) CanViewStatistics() bool { return a.Can(CapViewStatistics) }
