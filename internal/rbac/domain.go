package rbac

import (
	"encoding/json"
	"sort"
	"strings"
)

// SystemRole tags the effective role of a principal. It is resolved once from
// the raw role string when the principal is loaded.
type SystemRole int

const (
	// RoleCustom marks an administrator-defined role.
	RoleCustom SystemRole = iota
	// RoleAdministrator is implicitly granted every permission.
	RoleAdministrator
	// RoleApprover is the safety officer role that signs off permits.
	RoleApprover
	// RoleRequestor raises permits.
	RoleRequestor
)

// Canonical names of the system roles as stored in the roles table.
const (
	RoleNameAdministrator = "ADMIN"
	RoleNameApprover      = "SAFETY_OFFICER"
	RoleNameRequestor     = "REQUESTOR"
)

// roleAliases maps legacy spellings onto the canonical system roles.
var roleAliases = map[string]SystemRole{
	"ADMIN":          RoleAdministrator,
	"ADMINISTRATOR":  RoleAdministrator,
	"SAFETY_OFFICER": RoleApprover,
	"FIREMAN":        RoleApprover,
	"APPROVER":       RoleApprover,
	"REQUESTOR":      RoleRequestor,
}

// SystemRoleNames lists the canonical names of the non-deletable roles.
func SystemRoleNames() []string {
	return []string{RoleNameAdministrator, RoleNameApprover, RoleNameRequestor}
}

// EffectiveRole is the resolved role of a principal.
type EffectiveRole struct {
	System SystemRole
	// Name is the canonical system role name, or the custom role name.
	Name string
}

// ParseRole resolves a raw role string, folding legacy aliases.
func ParseRole(raw string) EffectiveRole {
	name := NormalizeRoleName(raw)
	if sys, ok := roleAliases[name]; ok {
		return EffectiveRole{System: sys, Name: canonicalName(sys)}
	}
	return EffectiveRole{System: RoleCustom, Name: name}
}

// NormalizeRoleName upper-cases a role name and joins words with underscores.
func NormalizeRoleName(raw string) string {
	fields := strings.FieldsFunc(strings.ToUpper(strings.TrimSpace(raw)), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

// IsSystemRoleName reports whether name resolves to a system role.
func IsSystemRoleName(name string) bool {
	return ParseRole(name).System != RoleCustom
}

func canonicalName(sys SystemRole) string {
	switch sys {
	case RoleAdministrator:
		return RoleNameAdministrator
	case RoleApprover:
		return RoleNameApprover
	case RoleRequestor:
		return RoleNameRequestor
	default:
		return ""
	}
}

// IsSystem reports whether the role is one of the built-in roles.
func (r EffectiveRole) IsSystem() bool {
	return r.System != RoleCustom
}

func (r EffectiveRole) String() string {
	return r.Name
}

// MarshalJSON encodes the role as its canonical name.
func (r EffectiveRole) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Name)
}

// UnmarshalJSON resolves the role through ParseRole so aliases never leak past decoding.
func (r *EffectiveRole) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ParseRole(raw)
	return nil
}

// PermissionSet is a set of normalised permission keys.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys, dropping blanks.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	set.Add(keys...)
	return set
}

// Add inserts keys into the set.
func (s PermissionSet) Add(keys ...string) {
	for _, k := range keys {
		k = normalizeKey(k)
		if k == "" {
			continue
		}
		s[k] = struct{}{}
	}
}

// Has reports membership of key.
func (s PermissionSet) Has(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s[normalizeKey(key)]
	return ok
}

// Keys returns the sorted keys.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

// UnmarshalJSON decodes an array of keys.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewPermissionSet(keys...)
	return nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Principal describes the signed-in actor.
type Principal struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Role        EffectiveRole `json:"role"`
	Permissions PermissionSet `json:"permissions"`
	Active      bool          `json:"active"`
}
