package rbac

// Capability names a class of action gated for the UI and the API.
type Capability string

const (
	CapViewPermits    Capability = "view_permits"
	CapCreatePermit   Capability = "create_permit"
	CapViewApprovals  Capability = "view_approvals"
	CapApprove        Capability = "approve"
	CapReapprove      Capability = "reapprove"
	CapExtend         Capability = "extend"
	CapRevoke         Capability = "revoke"
	CapClose          Capability = "close"
	CapAddRemarks     Capability = "add_remarks"
	CapDeletePermits  Capability = "delete_permits"
	CapExport         Capability = "export"
	CapManageUsers    Capability = "manage_users"
	CapManageRoles    Capability = "manage_roles"
	CapManageWorkers  Capability = "manage_workers"
	CapViewStatistics Capability = "view_statistics"
)

// capabilityRule lists the system roles granted the capability implicitly and
// the permission keys that grant it explicitly, in evaluation order.
// The administrator is never listed: it is checked before any rule.
type capabilityRule struct {
	roles []SystemRole
	keys  []string
}

var capabilityOrder = []Capability{
	CapViewPermits,
	CapCreatePermit,
	CapViewApprovals,
	CapApprove,
	CapReapprove,
	CapExtend,
	CapRevoke,
	CapClose,
	CapAddRemarks,
	CapDeletePermits,
	CapExport,
	CapManageUsers,
	CapManageRoles,
	CapManageWorkers,
	CapViewStatistics,
}

var capabilityRules = map[Capability]capabilityRule{
	CapViewPermits:    {roles: []SystemRole{RoleApprover, RoleRequestor}, keys: []string{PermPermitsView}},
	CapCreatePermit:   {roles: []SystemRole{RoleApprover, RoleRequestor}, keys: []string{PermPermitsCreate}},
	CapViewApprovals:  {roles: []SystemRole{RoleApprover}, keys: []string{PermApprovalsView}},
	CapApprove:        {roles: []SystemRole{RoleApprover}, keys: []string{PermApprovalsApprove}},
	CapReapprove:      {roles: []SystemRole{RoleApprover}, keys: []string{PermApprovalsReapprove, PermPermitsReapprove}},
	CapExtend:         {roles: []SystemRole{RoleApprover}, keys: []string{PermPermitsExtend}},
	CapRevoke:         {roles: []SystemRole{RoleApprover}, keys: []string{PermPermitsRevoke}},
	CapClose:          {roles: []SystemRole{RoleApprover}, keys: []string{PermPermitsClose}},
	CapAddRemarks:     {roles: []SystemRole{RoleApprover}, keys: []string{PermApprovalsRemarks}},
	CapDeletePermits:  {roles: []SystemRole{RoleApprover}, keys: []string{PermPermitsDelete}},
	CapExport:         {roles: []SystemRole{RoleApprover}, keys: []string{PermPermitsExport}},
	CapManageUsers:    {keys: []string{PermUsersManage}},
	CapManageRoles:    {keys: []string{PermRolesManage}},
	CapManageWorkers:  {keys: []string{PermWorkersManage}},
	CapViewStatistics: {roles: []SystemRole{RoleApprover}, keys: []string{PermStatisticsView}},
}

// AllCapabilities returns the catalogue of capabilities in display order.
func AllCapabilities() []Capability {
	out := make([]Capability, len(capabilityOrder))
	copy(out, capabilityOrder)
	return out
}

// PermissionKeys returns the keys that grant c explicitly.
func (c Capability) PermissionKeys() []string {
	rule := capabilityRules[c]
	out := make([]string, len(rule.keys))
	copy(out, rule.keys)
	return out
}

// Known reports whether c is part of the catalogue.
func (c Capability) Known() bool {
	_, ok := capabilityRules[c]
	return ok
}
