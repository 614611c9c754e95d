package phone

import "testing"

func TestCanonical_PrependsDefaultCode(t *testing.T) {
	t.Parallel()

	got := Canonical("0812-3456-789", "62")
	want := "628123456789"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCanonical_KeepsExistingCode(t *testing.T) {
	t.Parallel()

	got := Canonical("+62 812 3456 7890", "62")
	want := "6281234567890"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCanonical_DetectsCodeWithoutHint(t *testing.T) {
	t.Parallel()

	// 13 digits starting with 62: already prefixed, no hint needed.
	got := Canonical("6281234567890", "")
	if got != "6281234567890" {
		t.Fatalf("expected detection to keep number unchanged, got %q", got)
	}
}

func TestCanonical_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"0812-3456-789",
		"+62 812 3456 7890",
		"(62) 812 345 678 90",
		"08123456789012",
		"812345678",
	}
	for _, raw := range inputs {
		once := Canonical(raw, "62")
		twice := Canonical(once, "62")
		if once != twice {
			t.Fatalf("canonicalization not idempotent for %q: %q != %q", raw, once, twice)
		}
	}
}

func TestCanonical_EquivalentFormats(t *testing.T) {
	t.Parallel()

	a := Canonical("0812 3456 7890", "62")
	b := Canonical("+62-812-3456-7890", "62")
	if a != b {
		t.Fatalf("expected equal canonical forms, got %q and %q", a, b)
	}
	if !Equal("0812 3456 7890", "+62-812-3456-7890", "62") {
		t.Fatalf("Equal() disagreed with Canonical comparison")
	}
}

func TestCanonical_EmptyAndMalformedInput(t *testing.T) {
	t.Parallel()

	cases := []string{"", "   ", "---", "abc", "0000"}
	for _, raw := range cases {
		if got := Canonical(raw, "62"); got != "" {
			t.Fatalf("expected empty result for %q, got %q", raw, got)
		}
	}
}

func TestCanonical_NoDefaultCode(t *testing.T) {
	t.Parallel()

	// Short local number with no hint: digits pass through untouched.
	if got := Canonical("08123456789", ""); got != "8123456789" {
		t.Fatalf("expected bare digits, got %q", got)
	}
}

func TestDigits(t *testing.T) {
	t.Parallel()

	if got := Digits("+62 (812) 345-678"); got != "62812345678" {
		t.Fatalf("expected 62812345678, got %q", got)
	}
}
