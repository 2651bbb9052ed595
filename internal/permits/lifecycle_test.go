package permits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

func authorizer(id int64, role string, perms ...string) rbac.Authorizer {
	return rbac.NewAuthorizer(&rbac.Principal{ID: id, Role: rbac.ParseRole(role), Permissions: rbac.NewPermissionSet(perms...), Active: true})
}

func permitIn(status Status) Permit {
	start := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	return Permit{ID: 1, Status: status, StartAt: start, EndAt: start.Add(8 * time.Hour), RequestedBy: 99}
}

func TestLifecycleTableCoversEveryActionOnce(t *testing.T) {
	seen := map[Action]bool{}
	for _, r := range Rules() {
		require.False(t, seen[r.Action], "duplicate rule for %s", r.Action)
		seen[r.Action] = true
		for _, from := range r.From {
			require.True(t, from.Valid())
			require.False(t, from == StatusRejected, "%s offered from REJECTED", r.Action)
		}
	}
	require.Len(t, seen, 8)
}

func TestNoRuleProducesPendingRemarks(t *testing.T) {
	for _, r := range Rules() {
		for _, from := range r.From {
			require.NotEqual(t, StatusPendingRemarks, r.Next(from))
		}
	}
}

func TestCheckOrdersCapabilityStateInput(t *testing.T) {
	requestor := authorizer(1, "REQUESTOR")
	approver := authorizer(2, "FIREMAN")

	_, err := Check(requestor, permitIn(StatusPending), TransitionRequest{Action: ActionApprove})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = Check(approver, permitIn(StatusClosed), TransitionRequest{Action: ActionApprove})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = Check(approver, permitIn(StatusPending), TransitionRequest{Action: ActionReject, Comment: "   "})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, "a comment is required to reject", shared.Message(err))

	_, err = Check(approver, permitIn(StatusPending), TransitionRequest{Action: "teleport"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = Check(authorizer(3, "ADMIN"), permitIn(StatusApproved), TransitionRequest{Action: ActionAutoClose})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestCheckRequestNeedsNoPermit(t *testing.T) {
	approver := authorizer(2, "SAFETY_OFFICER")
	until := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	_, err := CheckRequest(approver, TransitionRequest{Action: ActionReject})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, "a comment is required to reject", shared.Message(err))

	_, err = CheckRequest(approver, TransitionRequest{Action: ActionExtend})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = CheckRequest(approver, TransitionRequest{Action: ActionClose, ExtendedUntil: &until})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = CheckRequest(authorizer(1, "REQUESTOR"), TransitionRequest{Action: ActionRevoke, Comment: "unsafe"})
	require.ErrorIs(t, err, shared.ErrForbidden)

	rule, err := CheckRequest(approver, TransitionRequest{Action: ActionExtend, ExtendedUntil: &until})
	require.NoError(t, err)
	require.True(t, rule.NeedsExtension)
}

func TestExtendMustMovePastEffectiveEnd(t *testing.T) {
	a := authorizer(2, "SAFETY_OFFICER")
	p := permitIn(StatusApproved)
	end := p.EndAt

	for _, until := range []time.Time{end, end.Add(-time.Minute)} {
		until := until
		_, err := Check(a, p, TransitionRequest{Action: ActionExtend, ExtendedUntil: &until})
		require.ErrorIs(t, err, shared.ErrValidation)
	}
	_, err := Check(a, p, TransitionRequest{Action: ActionExtend})
	require.ErrorIs(t, err, shared.ErrValidation)

	extended := end.Add(2 * time.Hour)
	p.ExtendedUntil = &extended
	p.Status = StatusExtended
	between := end.Add(time.Hour)
	_, err = Check(a, p, TransitionRequest{Action: ActionExtend, ExtendedUntil: &between})
	require.ErrorIs(t, err, shared.ErrValidation, "must beat the extended end, not the original one")

	later := extended.Add(time.Second)
	rule, err := Check(a, p, TransitionRequest{Action: ActionExtend, ExtendedUntil: &later})
	require.NoError(t, err)
	require.Equal(t, StatusExtended, rule.To)
}

func TestRevokeNeedsReasonAndReapproveDoesNot(t *testing.T) {
	a := authorizer(2, "SAFETY_OFFICER")
	_, err := Check(a, permitIn(StatusApproved), TransitionRequest{Action: ActionRevoke})
	require.ErrorIs(t, err, shared.ErrValidation)

	rule, err := Check(a, permitIn(StatusRevoked), TransitionRequest{Action: ActionReapprove, Signature: "data:image/png;base64,AA=="})
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, rule.Decision)
}

func TestAvailableActions(t *testing.T) {
	approver := authorizer(2, "FIREMAN")
	require.Equal(t, []Action{ActionApprove, ActionReject, ActionRemarks}, AvailableActions(approver, permitIn(StatusPending)))
	require.Equal(t, []Action{ActionExtend, ActionRevoke, ActionClose, ActionRemarks}, AvailableActions(approver, permitIn(StatusApproved)))
	require.Empty(t, AvailableActions(approver, permitIn(StatusRejected)))
	require.Empty(t, AvailableActions(authorizer(1, "REQUESTOR"), permitIn(StatusPending)))
	require.Empty(t, AvailableActions(rbac.NewAuthorizer(nil), permitIn(StatusPending)))
}

func TestReapproveNotOfferedWithoutEitherKey(t *testing.T) {
	revoked := permitIn(StatusRevoked)
	lead := authorizer(5, "SITE_LEAD", rbac.PermPermitsRevoke, rbac.PermApprovalsApprove)
	require.False(t, lead.CanReapprove())
	require.NotContains(t, AvailableActions(lead, revoked), ActionReapprove)
	_, err := Check(lead, revoked, TransitionRequest{Action: ActionReapprove})
	require.ErrorIs(t, err, shared.ErrForbidden)

	for _, key := range []string{rbac.PermApprovalsReapprove, rbac.PermPermitsReapprove} {
		require.Contains(t, AvailableActions(authorizer(5, "SITE_LEAD", key), revoked), ActionReapprove)
	}
}

func TestApplyAppendsHistory(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	p := permitIn(StatusPending)
	rule, _ := RuleFor(ActionReject)
	approval, action := Apply(&p, rule, TransitionRequest{Action: ActionReject, Comment: " no isolation plan "}, 2, now)

	require.Equal(t, StatusRejected, p.Status)
	require.NotNil(t, approval)
	require.Equal(t, DecisionRejected, approval.Decision)
	require.Equal(t, "no isolation plan", approval.Comment)
	require.NotEmpty(t, approval.Ref)
	require.Equal(t, StatusPending, action.FromStatus)
	require.Equal(t, int64(1), p.Version)
	require.Len(t, p.Approvals, 1)
	require.Len(t, p.Actions, 1)

	remarks, _ := RuleFor(ActionRemarks)
	p.Status = StatusClosed
	approval, action = Apply(&p, remarks, TransitionRequest{Action: ActionRemarks, Comment: "site clean"}, 2, now)
	require.Nil(t, approval)
	require.Equal(t, StatusClosed, p.Status)
	require.Equal(t, StatusClosed, action.ToStatus)
}
