package domain

import (
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	cases := []struct {
		in   string
		want Role
	}{
		{"admin", Admin},
		{"ADMIN", Admin},
		{"ban", Banned},
		{"banned", Banned},
		{"mod", Moderator},
		{" moderator ", Moderator},
		{"add:root", RegistryAdd("root")},
		{"regadd:math", RegistryAdd("math")},
		{"mod:math", RegistryMod("math")},
		{"regmod:root", RegistryMod("root")},
	}
	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRole(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseRoleRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "owner", "add:", "kick:root", "mod:"} {
		if _, err := ParseRole(in); !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("ParseRole(%q) expected ErrInvalidRole, got %v", in, err)
		}
	}
}

func TestRoleStringRoundTrip(t *testing.T) {
	for _, r := range []Role{Admin, Banned, Moderator, RegistryAdd("x"), RegistryMod("y")} {
		text, err := r.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", r, err)
		}
		var back Role
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal %q: %v", text, err)
		}
		if back != r {
			t.Fatalf("round trip %v -> %q -> %v", r, text, back)
		}
	}
	if _, err := (Role{}).MarshalText(); err == nil {
		t.Fatalf("expected zero role to fail marshalling")
	}
}

func TestRoleChains(t *testing.T) {
	if p, ok := RegistryMod("math").Parent(); !ok || p != Moderator {
		t.Fatalf("registry mod should imply moderator, got %v %v", p, ok)
	}
	if _, ok := Moderator.Parent(); ok {
		t.Fatalf("moderator must not imply anything")
	}
	chain := []Role{RegistryAdd("math")}
	for {
		next, ok := chain[len(chain)-1].Escalation()
		if !ok {
			break
		}
		chain = append(chain, next)
	}
	want := []Role{RegistryAdd("math"), RegistryMod("math"), Moderator, Admin}
	if len(chain) != len(want) {
		t.Fatalf("escalation chain %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("escalation chain %v, want %v", chain, want)
		}
	}
	if Banned.Grantor() != Moderator || Admin.Grantor() != Admin || RegistryAdd("a").Grantor() != RegistryMod("a") {
		t.Fatalf("unexpected grantor mapping")
	}
}

func TestParseUserID(t *testing.T) {
	cases := map[string]UserID{
		"1234":      1234,
		"<@1234>":   1234,
		"<@!98765>": 98765,
		"<@00042>":  42,
	}
	for in, want := range cases {
		got, ok := ParseUserID(in)
		if !ok || got != want {
			t.Fatalf("ParseUserID(%q) = %d %v, want %d", in, got, ok, want)
		}
	}
	for _, in := range []string{"", "abc", "<@>", "<@12a>", "-5", "99999999999999999999999"} {
		if _, ok := ParseUserID(in); ok {
			t.Fatalf("ParseUserID(%q) should fail", in)
		}
	}
	if UserID(7).Mention() != "<@7>" {
		t.Fatalf("unexpected mention")
	}
}
