// Package roles defines the fixed role enumeration and the capability
// sets derived from it. The role strings are a stable wire contract.
package roles

import "strings"

const (
	JuniorDeveloper   = "junior-developer"
	MidLevelDeveloper = "mid-level-developer"
	SeniorDeveloper   = "senior-developer"
	LeadDeveloper     = "lead-developer"
	PrincipalEngineer = "principal-engineer"
	Moderator         = "moderator"
	Admin             = "admin"
)

// hierarchy orders the developer track; moderator and admin sit outside
// the track and are granted through explicit capability sets instead.
var hierarchy = map[string]int{
	JuniorDeveloper:   1,
	MidLevelDeveloper: 2,
	SeniorDeveloper:   3,
	LeadDeveloper:     4,
	PrincipalEngineer: 5,
	Moderator:         6,
	Admin:             7,
}

var canVerify = set(SeniorDeveloper, LeadDeveloper, PrincipalEngineer, Moderator, Admin)

var canRemoveVerification = set(LeadDeveloper, PrincipalEngineer, Moderator, Admin)

var canModerate = set(Moderator, Admin)

func set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// Valid reports whether name is one of the fixed roles.
func Valid(name string) bool {
	_, ok := hierarchy[Normalize(name)]
	return ok
}

// Normalize trims and lower-cases a role string so capability checks
// tolerate header/JSON casing differences.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Tier returns the role's position in the hierarchy, 0 for unknown roles.
func Tier(name string) int {
	return hierarchy[Normalize(name)]
}

// CanVerify reports whether the role may verify snippets.
func CanVerify(role string) bool {
	_, ok := canVerify[Normalize(role)]
	return ok
}

// CanRemoveVerification reports whether the role may remove a
// verification it did not author. The original verifier is always
// permitted; that exception is handled by the access engine, not here.
func CanRemoveVerification(role string) bool {
	_, ok := canRemoveVerification[Normalize(role)]
	return ok
}

// CanModerate reports whether the role may delete others' content and
// reach admin routes.
func CanModerate(role string) bool {
	_, ok := canModerate[Normalize(role)]
	return ok
}

// All returns the role names in hierarchy order.
func All() []string {
	return []string{
		JuniorDeveloper,
		MidLevelDeveloper,
		SeniorDeveloper,
		LeadDeveloper,
		PrincipalEngineer,
		Moderator,
		Admin,
	}
}
