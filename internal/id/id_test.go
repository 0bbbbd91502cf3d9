package id

import (
	"strings"
	"testing"
)

func TestIdentifiers(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
	if !Valid(a) {
		t.Fatalf("expected %q to be valid", a)
	}

	s := NewSession()
	if !strings.HasPrefix(s, "ses_") || len(s) != 36 {
		t.Fatalf("unexpected session id %q", s)
	}
	if !Valid(s) {
		t.Fatalf("expected session id %q to be valid", s)
	}
	if Valid("../../etc/passwd") {
		t.Fatal("expected path-like id to be rejected")
	}
}
