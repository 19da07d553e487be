package roles

import "testing"

func TestCapabilitySets(t *testing.T) {
	cases := []struct {
		role     string
		verify   bool
		unverify bool
		moderate bool
	}{
		{JuniorDeveloper, false, false, false},
		{MidLevelDeveloper, false, false, false},
		{SeniorDeveloper, true, false, false},
		{LeadDeveloper, true, true, false},
		{PrincipalEngineer, true, true, false},
		{Moderator, true, true, true},
		{Admin, true, true, true},
	}
	for _, tc := range cases {
		if CanVerify(tc.role) != tc.verify {
			t.Errorf("CanVerify(%s) = %v, want %v", tc.role, !tc.verify, tc.verify)
		}
		if CanRemoveVerification(tc.role) != tc.unverify {
			t.Errorf("CanRemoveVerification(%s) = %v, want %v", tc.role, !tc.unverify, tc.unverify)
		}
		if CanModerate(tc.role) != tc.moderate {
			t.Errorf("CanModerate(%s) = %v, want %v", tc.role, !tc.moderate, tc.moderate)
		}
	}
}

func TestNormalizeTolerantLookups(t *testing.T) {
	if !CanVerify("  Senior-Developer ") {
		t.Fatal("expected case/space tolerant lookup")
	}
	if CanVerify("") {
		t.Fatal("empty role must carry no capability")
	}
	if CanVerify("architect") {
		t.Fatal("unknown role must carry no capability")
	}
}

func TestTierOrdering(t *testing.T) {
	prev := 0
	for _, role := range All() {
		tier := Tier(role)
		if tier <= prev {
			t.Fatalf("tier for %s not strictly increasing: %d after %d", role, tier, prev)
		}
		prev = tier
	}
	if Tier("unknown") != 0 {
		t.Fatalf("unknown role tier = %d, want 0", Tier("unknown"))
	}
	if !Valid("admin") || Valid("root") {
		t.Fatal("Valid mismatch")
	}
}
