// Package access computes allow/deny decisions for (actor, resource,
// action) triples. Decisions are pure: no I/O, no clock, deterministic
// for identical inputs, so the rule table is testable without a
// database.
package access

import (
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/models"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/roles"
)

// Deny reason codes. These are stable machine-readable strings; the
// transport layer maps them to HTTP statuses.
const (
	ReasonUnauthenticated  = "unauthenticated"
	ReasonForbidden        = "forbidden"
	ReasonInsufficientRole = "insufficient_role"
	ReasonAlreadyVerified  = "already_verified"
	ReasonNotVerified      = "not_verified"
)

type Action string

const (
	ActionRead     Action = "read"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionVerify   Action = "verify"
	ActionUnverify Action = "unverify"
	ActionComment  Action = "comment"
	ActionLike     Action = "like"
	ActionBookmark Action = "bookmark"
)

// Actor is the identity attempting an action. The zero value is the
// anonymous actor.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) Anonymous() bool { return a.ID == "" }

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }
func mutating(action Action) bool { return action != ActionRead }

// Decide evaluates the rule table in precedence order; the first
// matching rule wins.
//
//  1. Anonymous actors may only read.
//  2. Private snippets are readable by their owner only. No role
//     overrides this, moderators and admins included.
//  3. Update/delete requires ownership or the moderate capability.
//  4. Verify requires the verify capability and an unverified snippet.
//  5. Unverify requires the remove-verification capability or being the
//     original verifier, and a verified snippet.
func Decide(actor Actor, snippet *models.Snippet, action Action) Decision {
	if actor.Anonymous() && mutating(action) {
		return deny(ReasonUnauthenticated)
	}
	if action == ActionRead && snippet != nil && !snippet.IsPublic && snippet.AuthorID != actor.ID {
		return deny(ReasonForbidden)
	}
	switch action {
	case ActionUpdate, ActionDelete:
		if snippet != nil && snippet.AuthorID != actor.ID && !roles.CanModerate(actor.Role) {
			return deny(ReasonForbidden)
		}
	case ActionVerify:
		if !roles.CanVerify(actor.Role) {
			return deny(ReasonInsufficientRole)
		}
		if snippet != nil && snippet.IsVerified {
			return deny(ReasonAlreadyVerified)
		}
	case ActionUnverify:
		if !isOriginalVerifier(actor, snippet) && !roles.CanRemoveVerification(actor.Role) {
			return deny(ReasonInsufficientRole)
		}
		if snippet != nil && !snippet.IsVerified {
			return deny(ReasonNotVerified)
		}
	}
	return allow()
}

func isOriginalVerifier(actor Actor, snippet *models.Snippet) bool {
	return snippet != nil && snippet.VerifiedBy != nil && *snippet.VerifiedBy == actor.ID
}
