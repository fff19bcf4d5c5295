package slug

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add user authentication", "add-user-authentication"},
		{"Fix  bug #42 (login)", "fix-bug-42-login"},
		{"---already---slugged---", "already-slugged"},
		{"UPPER Case Title", "upper-case-title"},
		{"", ""},
		{"!!!", ""},
		{"émigré café", "migr-caf"},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"Add user authentication",
		"a very long title that goes on and on and on and will definitely exceed the fifty character limit",
		"trailing-hyphen-case-",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestSanitizeBounds(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := Sanitize(long)
	if len(got) > 50 {
		t.Errorf("len(Sanitize(long)) = %d, want <= 50", len(got))
	}
	if strings.HasPrefix(got, "-") || strings.HasSuffix(got, "-") {
		t.Errorf("Sanitize(long) = %q has leading/trailing hyphen", got)
	}
	for _, r := range got {
		if !(r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			t.Errorf("Sanitize(long) contains %q, want only [a-z0-9-]", r)
		}
	}
}
