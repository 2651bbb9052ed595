package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func principal(role string, perms ...string) *Principal {
	return &Principal{ID: 7, Role: ParseRole(role), Permissions: NewPermissionSet(perms...), Active: true}
}

func TestNilPrincipalIsDeniedEverything(t *testing.T) {
	a := NewAuthorizer(nil)
	require.False(t, a.HasPermission(PermPermitsView))
	require.False(t, a.HasAnyPermission(PermPermitsView, PermApprovalsApprove))
	for _, c := range AllCapabilities() {
		require.Falsef(t, a.Can(c), "capability %s", c)
	}
}

func TestAdministratorHoldsEveryCapability(t *testing.T) {
	for _, raw := range []string{"ADMIN", "administrator", "Admin"} {
		a := NewAuthorizer(principal(raw))
		for _, c := range AllCapabilities() {
			require.Truef(t, a.Can(c), "role %s capability %s", raw, c)
		}
		for _, p := range Catalogue() {
			require.True(t, a.HasPermission(p.Key))
		}
		require.True(t, a.HasPermission("anything.at_all"))
	}
}

func TestRequestorWithoutPermissions(t *testing.T) {
	a := NewAuthorizer(principal("REQUESTOR"))
	require.False(t, a.CanApprove())
	require.False(t, a.CanManageUsers())
	require.False(t, a.CanManageRoles())
	require.True(t, a.CanCreatePermit())
	require.True(t, a.CanViewPermits())
}

func TestHasPermissionMatchesExplicitSetForNonAdministrators(t *testing.T) {
	granted := []string{PermPermitsDelete, PermStatisticsView}
	for _, raw := range []string{"REQUESTOR", "SAFETY_OFFICER", "CONTRACTOR_LEAD"} {
		a := NewAuthorizer(principal(raw, granted...))
		for _, p := range Catalogue() {
			want := p.Key == PermPermitsDelete || p.Key == PermStatisticsView
			require.Equalf(t, want, a.HasPermission(p.Key), "role %s key %s", raw, p.Key)
		}
	}
}

func TestLegacyFiremanShortcutGrantsApprove(t *testing.T) {
	a := NewAuthorizer(principal("FIREMAN"))
	require.Equal(t, RoleApprover, a.Principal().Role.System)
	require.Equal(t, RoleNameApprover, a.Principal().Role.Name)
	require.True(t, a.CanApprove())
	require.True(t, a.CanReapprove())
	require.False(t, a.HasPermission(PermApprovalsApprove))
	require.False(t, a.CanManageRoles())
}

func TestReapproveAcceptsEitherKey(t *testing.T) {
	require.True(t, NewAuthorizer(principal("SUPERVISOR", PermApprovalsReapprove)).CanReapprove())
	require.True(t, NewAuthorizer(principal("SUPERVISOR", PermPermitsReapprove)).CanReapprove())
	require.False(t, NewAuthorizer(principal("SUPERVISOR", PermPermitsRevoke)).CanReapprove())
	require.False(t, NewAuthorizer(principal("REQUESTOR")).CanReapprove())
}

func TestHasAnyPermissionShortCircuits(t *testing.T) {
	a := NewAuthorizer(principal("REQUESTOR", PermPermitsClose))
	require.True(t, a.HasAnyPermission("unknown.key", PermPermitsClose))
	require.False(t, a.HasAnyPermission())
	require.False(t, a.HasAnyPermission("unknown.key"))
}

func TestCapabilitiesSnapshot(t *testing.T) {
	caps := NewAuthorizer(principal("REQUESTOR", PermPermitsDelete)).Capabilities()
	require.Len(t, caps, len(AllCapabilities()))
	require.True(t, caps[CapDeletePermits])
	require.False(t, caps[CapApprove])
	require.False(t, NewAuthorizer(principal("REQUESTOR")).Can(Capability("bogus")))
}

func TestSessionAuthorizerOnlyForAuthenticated(t *testing.T) {
	p := principal("ADMIN")
	require.False(t, Session{State: SessionLoading, Principal: p}.Authorizer().CanApprove())
	require.False(t, Anonymous().Authorizer().CanApprove())
	require.True(t, Authenticated(p).Authorizer().CanApprove())
	require.Equal(t, SessionAnonymous, Authenticated(nil).State)
}
