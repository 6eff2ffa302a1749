package ids

import (
	"testing"
	"time"
)

func TestNew_PrefixAndUniqueness(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		tok, err := New(HandlePrefix, now)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if !HasPrefix(tok, HandlePrefix) {
			t.Fatalf("token %q does not carry prefix %q", tok, HandlePrefix)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestHasPrefix(t *testing.T) {
	tok, err := New(UndoPrefix, time.Now())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		token  string
		prefix string
		want   bool
	}{
		{tok, UndoPrefix, true},
		{tok, HandlePrefix, false},
		{"undo_short", UndoPrefix, false},
		{"", UndoPrefix, false},
	}
	for _, tt := range tests {
		if got := HasPrefix(tt.token, tt.prefix); got != tt.want {
			t.Errorf("HasPrefix(%q, %q) = %v, want %v", tt.token, tt.prefix, got, tt.want)
		}
	}
}
