// Package verifyfsm holds the snippet verification lifecycle rules and
// the reputation ledger deltas each transition applies. The package is
// pure; handlers persist transitions with single conditional updates so
// that racing transitions on one snippet serialize on the stored state.
package verifyfsm

import (
	"errors"
	"time"
)

const (
	Unverified = "UNVERIFIED"
	Verified   = "VERIFIED"
)

var (
	ErrAlreadyVerified = errors.New("snippet already verified")
	ErrNotVerified     = errors.New("snippet not verified")
	ErrLostRace        = errors.New("verification state changed concurrently")
)

// ReputationDelta is the incremental reputation applied to the snippet
// author on verify (+) and unverify (-). This counter is the canonical
// persisted reputation; the weighted display score in models.Stats is
// derived separately and never written back.
const ReputationDelta = 10

// State maps the stored boolean to the lifecycle state name.
func State(isVerified bool) string {
	if isVerified {
		return Verified
	}
	return Unverified
}

// Grant describes the field values a successful verify writes.
type Grant struct {
	VerifiedBy string
	VerifiedAt time.Time
	Notes      string
}

// NewGrant builds the verify effect for an actor. Notes default to the
// empty string, matching the unverified-state invariant on clear.
func NewGrant(actorID string, notes string, now time.Time) Grant {
	return Grant{VerifiedBy: actorID, VerifiedAt: now.UTC(), Notes: notes}
}

// AuthorEffects are the author counter deltas for one transition.
type AuthorEffects struct {
	SnippetsVerified int
	Reputation       int
}

// VerifierEffects are the verifier counter deltas for one transition.
// Unverify leaves VerificationsMade untouched: the review work was
// still performed even when its outcome is later revoked.
type VerifierEffects struct {
	VerificationsMade int
}

func VerifyEffects() (AuthorEffects, VerifierEffects) {
	return AuthorEffects{SnippetsVerified: 1, Reputation: ReputationDelta},
		VerifierEffects{VerificationsMade: 1}
}

// UnverifyEffects is the symmetric inverse on the author side only.
// Author reputation may go negative; revoked verifications are meant
// to cost more than never having been verified.
func UnverifyEffects() (AuthorEffects, VerifierEffects) {
	return AuthorEffects{SnippetsVerified: -1, Reputation: -ReputationDelta},
		VerifierEffects{}
}
