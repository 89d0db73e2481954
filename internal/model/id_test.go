package model

import "testing"

func TestParseIDRoundTrip(t *testing.T) {
	cases := []string{"auth.login", "auth.login+1", "auth.login+2", "a-b_c.d-e+7"}
	for _, c := range cases {
		id, err := ParseID(c)
		if err != nil {
			t.Fatalf("ParseID(%q): %v", c, err)
		}
		if got, err := ParseID(RenderID(id)); err != nil || got != id {
			t.Fatalf("round trip for %q: got %+v, err %v", c, got, err)
		}
	}
}

func TestParseIDImplicitVersionOne(t *testing.T) {
	bare, err := ParseID("auth.login")
	if err != nil {
		t.Fatal(err)
	}
	suffixed, err := ParseID("auth.login+1")
	if err != nil {
		t.Fatal(err)
	}
	if bare != suffixed {
		t.Fatalf("ParseID(base) != ParseID(base+1): %+v vs %+v", bare, suffixed)
	}
}

func TestParseIDErrors(t *testing.T) {
	bad := []string{
		"",
		".",
		"a..b",
		".a",
		"a.",
		"a+",
		"a+0",
		"a+-1",
		"a+1+2",
		"a b",
		"a/b",
	}
	for _, c := range bad {
		if _, err := ParseID(c); err == nil {
			t.Errorf("ParseID(%q): expected error, got none", c)
		}
	}
}

func TestValidBase(t *testing.T) {
	if !ValidBase("auth.login") {
		t.Error("expected auth.login to be valid")
	}
	if ValidBase("") {
		t.Error("expected empty base to be invalid")
	}
	if ValidBase("auth..login") {
		t.Error("expected empty segment to be invalid")
	}
}
