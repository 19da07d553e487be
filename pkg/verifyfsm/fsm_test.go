package verifyfsm

import (
	"testing"
	"time"
)

func TestState(t *testing.T) {
	if State(true) != Verified || State(false) != Unverified {
		t.Fatal("state mapping mismatch")
	}
}

func TestEffectsAreInverseOnAuthor(t *testing.T) {
	verifyAuthor, verifier := VerifyEffects()
	unverifyAuthor, revoked := UnverifyEffects()
	if verifyAuthor.SnippetsVerified+unverifyAuthor.SnippetsVerified != 0 {
		t.Fatalf("snippets_verified deltas not inverse: %+v / %+v", verifyAuthor, unverifyAuthor)
	}
	if verifyAuthor.Reputation+unverifyAuthor.Reputation != 0 {
		t.Fatalf("reputation deltas not inverse: %+v / %+v", verifyAuthor, unverifyAuthor)
	}
	if verifier.VerificationsMade != 1 {
		t.Fatalf("verify must credit the verifier once, got %+v", verifier)
	}
	if revoked.VerificationsMade != 0 {
		t.Fatalf("unverify must not debit the verifier, got %+v", revoked)
	}
}

func TestNewGrant(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	g := NewGrant("u1", "looks correct", at)
	if g.VerifiedBy != "u1" || g.Notes != "looks correct" {
		t.Fatalf("unexpected grant: %+v", g)
	}
	if g.VerifiedAt.Location() != time.UTC {
		t.Fatalf("grant timestamp must be UTC, got %v", g.VerifiedAt)
	}
	if g.VerifiedAt != at.UTC() {
		t.Fatalf("grant timestamp = %v, want %v", g.VerifiedAt, at.UTC())
	}
}
