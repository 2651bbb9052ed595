package permits

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ptw-platform/ptw/internal/rbac"
	"github.com/ptw-platform/ptw/internal/shared"
)

// Action is a workflow action proposed against a permit.
type Action string

const (
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionExtend    Action = "extend"
	ActionRevoke    Action = "revoke"
	ActionReapprove Action = "reapprove"
	ActionClose     Action = "close"
	ActionAutoClose Action = "auto_close"
	ActionRemarks   Action = "remarks"
)

// Rule is one row of the lifecycle table.
type Rule struct {
	Action Action
	From   []Status
	// To is empty when the action leaves the status unchanged.
	To         Status
	Capability rbac.Capability
	// SystemOnly rules are applied by the scheduler, never by a principal.
	SystemOnly      bool
	CommentRequired bool
	NeedsExtension  bool
	AcceptSignature bool
	// Decision is the approval record appended by the action, if any.
	Decision Decision
}

var activeStatuses = []Status{StatusApproved, StatusExtended, StatusReapproved}

var lifecycle = []Rule{
	{Action: ActionApprove, From: []Status{StatusPending}, To: StatusApproved, Capability: rbac.CapApprove, AcceptSignature: true, Decision: DecisionApproved},
	{Action: ActionReject, From: []Status{StatusPending}, To: StatusRejected, Capability: rbac.CapApprove, CommentRequired: true, Decision: DecisionRejected},
	{Action: ActionExtend, From: activeStatuses, To: StatusExtended, Capability: rbac.CapExtend, NeedsExtension: true},
	{Action: ActionRevoke, From: activeStatuses, To: StatusRevoked, Capability: rbac.CapRevoke, CommentRequired: true},
	{Action: ActionReapprove, From: []Status{StatusRevoked}, To: StatusReapproved, Capability: rbac.CapReapprove, AcceptSignature: true, Decision: DecisionApproved},
	{Action: ActionClose, From: activeStatuses, To: StatusClosed, Capability: rbac.CapClose},
	{Action: ActionAutoClose, From: activeStatuses, To: StatusClosed, SystemOnly: true},
	{Action: ActionRemarks, From: []Status{
		StatusPending, StatusApproved, StatusExtended, StatusRevoked,
		StatusReapproved, StatusClosed, StatusPendingRemarks,
	}, Capability: rbac.CapAddRemarks, CommentRequired: true},
}

// Rules returns a copy of the lifecycle table.
func Rules() []Rule {
	return append([]Rule(nil), lifecycle...)
}

// RuleFor returns the table row for a.
func RuleFor(a Action) (Rule, bool) {
	for _, r := range lifecycle {
		if r.Action == a {
			return r, true
		}
	}
	return Rule{}, false
}

// Allows reports whether the rule applies from status s.
func (r Rule) Allows(s Status) bool {
	for _, from := range r.From {
		if from == s {
			return true
		}
	}
	return false
}

// Next returns the status after applying the rule from s.
func (r Rule) Next(s Status) Status {
	if r.To == "" {
		return s
	}
	return r.To
}

// TransitionRequest carries the input of a workflow action.
type TransitionRequest struct {
	Action        Action     `json:"action" validate:"required"`
	Comment       string     `json:"comment,omitempty" validate:"max=2000"`
	Signature     string     `json:"signature,omitempty" validate:"max=20000"`
	ExtendedUntil *time.Time `json:"extended_until,omitempty"`
}

// Check validates req against the lifecycle table for principal a and permit p.
// It is pure: the authority and the client both call it before acting.
func Check(a rbac.Authorizer, p Permit, req TransitionRequest) (Rule, error) {
	rule, err := permitted(a, req)
	if err != nil {
		return Rule{}, err
	}
	if !rule.Allows(p.Status) {
		return Rule{}, shared.Errorf(shared.ErrInvalidTransition, "cannot %s a permit in status %s", rule.Action, p.Status)
	}
	if err := checkShape(rule, req); err != nil {
		return Rule{}, err
	}
	if rule.NeedsExtension {
		end := p.EffectiveEnd()
		if !req.ExtendedUntil.After(end) {
			return Rule{}, shared.Errorf(shared.ErrValidation, "extended_until must be after %s", end.UTC().Format(time.RFC3339))
		}
	}
	return rule, nil
}

// CheckRequest runs the checks that need no permit: the action exists, a
// may perform it and req carries the input the action takes. A request that
// passes still needs Check against the permit's status and effective end.
func CheckRequest(a rbac.Authorizer, req TransitionRequest) (Rule, error) {
	rule, err := permitted(a, req)
	if err != nil {
		return Rule{}, err
	}
	if err := checkShape(rule, req); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func permitted(a rbac.Authorizer, req TransitionRequest) (Rule, error) {
	rule, ok := RuleFor(req.Action)
	if !ok {
		return Rule{}, shared.Errorf(shared.ErrValidation, "unknown action %q", req.Action)
	}
	if rule.SystemOnly {
		return Rule{}, shared.Errorf(shared.ErrForbidden, "%s is performed by the scheduler", rule.Action)
	}
	if !a.Can(rule.Capability) {
		return Rule{}, shared.Errorf(shared.ErrForbidden, "not permitted to %s permits", rule.Action)
	}
	return rule, nil
}

func checkShape(rule Rule, req TransitionRequest) error {
	if rule.CommentRequired && strings.TrimSpace(req.Comment) == "" {
		return shared.Errorf(shared.ErrValidation, "a comment is required to %s", rule.Action)
	}
	if !rule.AcceptSignature && req.Signature != "" {
		return shared.Errorf(shared.ErrValidation, "%s does not take a signature", rule.Action)
	}
	switch {
	case rule.NeedsExtension && req.ExtendedUntil == nil:
		return shared.Errorf(shared.ErrValidation, "extended_until is required")
	case !rule.NeedsExtension && req.ExtendedUntil != nil:
		return shared.Errorf(shared.ErrValidation, "%s does not take extended_until", rule.Action)
	}
	return nil
}

// AvailableActions lists the actions a may perform on p, in table order.
func AvailableActions(a rbac.Authorizer, p Permit) []Action {
	out := make([]Action, 0, 4)
	for _, rule := range lifecycle {
		if rule.SystemOnly || !rule.Allows(p.Status) || !a.Can(rule.Capability) {
			continue
		}
		out = append(out, rule.Action)
	}
	return out
}

// Apply mutates p according to rule and returns the appended records. The
// approval record is nil for actions that do not decide.
func Apply(p *Permit, rule Rule, req TransitionRequest, actorID int64, now time.Time) (*ApprovalRecord, ActionRecord) {
	from := p.Status
	to := rule.Next(from)

	switch rule.Action {
	case ActionExtend:
		until := req.ExtendedUntil.UTC()
		p.ExtendedUntil = &until
	case ActionClose:
		p.ClosedAt = &now
	case ActionAutoClose:
		p.ClosedAt = &now
		p.AutoClosedAt = &now
	}
	p.Status = to
	p.UpdatedAt = now
	p.Version++

	action := ActionRecord{
		Action:     rule.Action,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   to,
		Comment:    strings.TrimSpace(req.Comment),
		At:         now,
	}
	if rule.Action == ActionExtend {
		action.ExtendedUntil = p.ExtendedUntil
	}
	p.Actions = append(p.Actions, action)

	if rule.Decision == "" {
		return nil, action
	}
	approval := ApprovalRecord{
		Ref:        uuid.NewString(),
		Decision:   rule.Decision,
		ApproverID: actorID,
		Comment:    strings.TrimSpace(req.Comment),
		Signature:  req.Signature,
		At:         now,
	}
	p.Approvals = append(p.Approvals, approval)
	return &approval, action
}

// ParseAction resolves a raw action name.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := RuleFor(a); !ok {
		return "", fmt.Errorf("permits: unknown action %q", raw)
	}
	return a, nil
}
