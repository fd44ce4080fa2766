// SPDX-License-Identifier: MIT

package lang

import "testing"

func TestMatchCrossStandard(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"ger", "deu", true},
		{"deu", "de", true},
		{"de", "ger", true},
		{"eng", "en", true},
		{"fre", "fra", true},
		{"fr", "fre", true},
		{"eng", "ger", false},
		{"jpn", "ja", true},
		{"pt-BR", "por", true},
		{"", "eng", false},
	}
	for _, tc := range cases {
		if got := Match(tc.a, tc.b); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMatchSymmetricTransitive(t *testing.T) {
	group := []string{"ger", "deu", "de"}
	for _, a := range group {
		for _, b := range group {
			if !Match(a, b) {
				t.Errorf("Match(%q, %q) should hold within an alias group", a, b)
			}
			if Match(a, b) != Match(b, a) {
				t.Errorf("Match(%q, %q) not symmetric", a, b)
			}
		}
	}
}

func TestMatchAny(t *testing.T) {
	if !MatchAny("de", []string{"eng", "ger"}) {
		t.Error("expected de to match ger in list")
	}
	if MatchAny("spa", []string{"eng", "ger"}) {
		t.Error("spa should not match")
	}
}

func TestIsUndetermined(t *testing.T) {
	for _, code := range []string{"", "und", "zxx"} {
		if !IsUndetermined(code) {
			t.Errorf("IsUndetermined(%q) should be true", code)
		}
	}
	if IsUndetermined("eng") {
		t.Error("eng is determined")
	}
}
