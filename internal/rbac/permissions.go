package rbac

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Permission keys, namespaced as module.action.
const (
	PermPermitsView      = "permits.view"
	PermPermitsCreate    = "permits.create"
	PermPermitsDelete    = "permits.delete"
	PermPermitsExtend    = "permits.extend"
	PermPermitsRevoke    = "permits.revoke"
	PermPermitsClose     = "permits.close"
	PermPermitsReapprove = "permits.reapprove"
	PermPermitsExport    = "permits.export"

	PermApprovalsView      = "approvals.view"
	PermApprovalsApprove   = "approvals.approve"
	PermApprovalsReapprove = "approvals.reapprove"
	PermApprovalsRemarks   = "approvals.remarks"

	PermUsersManage   = "users.manage"
	PermRolesManage   = "roles.manage"
	PermWorkersManage = "workers.manage"

	PermStatisticsView = "statistics.view"
)

// Permission is an atomic capability key.
type Permission struct {
	Key         string `json:"key"`
	Module      string `json:"module"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// PermissionGroup bundles the permissions of one module for display.
type PermissionGroup struct {
	Module      string       `json:"module"`
	Label       string       `json:"label"`
	Permissions []Permission `json:"permissions"`
}

var catalogue = []Permission{
	newPermission(PermPermitsView, "View work permits"),
	newPermission(PermPermitsCreate, "Raise work permits"),
	newPermission(PermPermitsDelete, "Delete work permits"),
	newPermission(PermPermitsExtend, "Extend active permits"),
	newPermission(PermPermitsRevoke, "Revoke active permits"),
	newPermission(PermPermitsClose, "Close active permits"),
	newPermission(PermPermitsReapprove, "Reapprove revoked permits"),
	newPermission(PermPermitsExport, "Export permit registers"),
	newPermission(PermApprovalsView, "View the approval queue"),
	newPermission(PermApprovalsApprove, "Approve or reject pending permits"),
	newPermission(PermApprovalsReapprove, "Reapprove revoked permits"),
	newPermission(PermApprovalsRemarks, "Add approver remarks"),
	newPermission(PermUsersManage, "Manage user accounts"),
	newPermission(PermRolesManage, "Manage roles"),
	newPermission(PermWorkersManage, "Manage the worker register"),
	newPermission(PermStatisticsView, "View permit statistics"),
}

func newPermission(key, description string) Permission {
	module, action, _ := strings.Cut(key, ".")
	return Permission{Key: key, Module: module, Action: action, Description: description}
}

// Catalogue returns every known permission.
func Catalogue() []Permission {
	out := make([]Permission, len(catalogue))
	copy(out, catalogue)
	return out
}

// IsKnownPermission reports whether key is part of the catalogue.
func IsKnownPermission(key string) bool {
	key = normalizeKey(key)
	for _, p := range catalogue {
		if p.Key == key {
			return true
		}
	}
	return false
}

// IsPrivilegedPermission reports whether key administers principals or roles.
// Only an administrator may hand such keys out.
func IsPrivilegedPermission(key string) bool {
	switch normalizeKey(key) {
	case PermUsersManage, PermRolesManage:
		return true
	}
	return false
}

// GroupByModule groups permissions by their namespace prefix, modules sorted by name.
func GroupByModule(perms []Permission) []PermissionGroup {
	title := cases.Title(language.English)
	index := make(map[string]int)
	var groups []PermissionGroup
	for _, p := range perms {
		i, ok := index[p.Module]
		if !ok {
			i = len(groups)
			index[p.Module] = i
			groups = append(groups, PermissionGroup{Module: p.Module, Label: title.String(p.Module)})
		}
		groups[i].Permissions = append(groups[i].Permissions, p)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].Module < groups[b].Module })
	return groups
}
