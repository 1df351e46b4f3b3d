package record

import (
	"testing"
	"time"
)

func TestNormalizeTitle(t *testing.T) {
	cases := map[string]string{
		"Policy Expiry Date":    "policy_expiry_date",
		"Done?":                 "done",
		"F/U Date":              "f_u_date",
		"  Phone Number ":       "phone_number",
		"Renewal / Non-Renewal": "renewal_non_renewal",
		"AI Call Stage":         "ai_call_stage",
	}
	for in, want := range cases {
		if got := NormalizeTitle(in); got != want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseDateFormats(t *testing.T) {
	want := time.Date(2025, time.January, 20, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-01-20", "01/20/2025", "01/20/25", "2025/01/20", "2025-01-20T00:00:00"} {
		got, ok := ParseDate(in)
		if !ok {
			t.Fatalf("ParseDate(%q) not ok", in)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "  ", "pending", "13/45/2025"} {
		if _, ok := ParseDate(in); ok {
			t.Fatalf("ParseDate(%q) unexpectedly ok", in)
		}
	}
}

func TestParseStage(t *testing.T) {
	cases := map[string]int{
		"":    0,
		" ":   0,
		"0":   0,
		"2":   2,
		"1.0": 1,
		"n/a": 0,
	}
	for in, want := range cases {
		if got := ParseStage(in); got != want {
			t.Fatalf("ParseStage(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestTerminal(t *testing.T) {
	r := Record{Stage: 2}
	if r.Terminal(3) {
		t.Fatalf("stage 2 of 3 should not be terminal")
	}
	if !r.Terminal(2) {
		t.Fatalf("stage 2 of 2 should be terminal")
	}
	r = Record{Stage: 0, Done: true}
	if !r.Terminal(3) {
		t.Fatalf("done record should be terminal regardless of stage")
	}
}
