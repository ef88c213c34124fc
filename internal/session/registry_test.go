package session

import (
	"testing"
	"time"
)

func TestCreateLookupEnd(t *testing.T) {
	r := NewRegistry()
	s, err := r.Create("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Key) != keyLen {
		t.Fatalf("got key len %d, want %d", len(s.Key), keyLen)
	}
	if len(s.Token) != 32 {
		t.Fatalf("got token len %d, want 32 (hex-encoded 128-bit token)", len(s.Token))
	}
	for _, c := range s.Token {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("token %q contains non-hex character %q", s.Token, c)
		}
	}
	if !r.IsOnline("alice") {
		t.Fatal("expected alice to be online")
	}

	got, ok := r.Lookup("alice")
	if !ok || got.Token != s.Token {
		t.Fatal("lookup mismatch")
	}

	r.End("alice")
	if r.IsOnline("alice") {
		t.Fatal("expected alice to be offline after End")
	}
}

func TestCreateReplacesPriorSession(t *testing.T) {
	r := NewRegistry()
	first, _ := r.Create("bob")
	second, _ := r.Create("bob")
	if first.Token == second.Token {
		t.Fatal("expected a fresh token on re-create")
	}
	got, _ := r.Lookup("bob")
	if got.Token != second.Token {
		t.Fatal("expected the later session to win")
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	r := NewRegistry()
	r.Create("carol")
	time.Sleep(2 * time.Millisecond)
	r.Touch("carol")
	idle, ok := r.IdleSince("carol")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if idle > time.Second {
		t.Fatalf("idle duration unexpectedly large: %v", idle)
	}
}

func TestLookupUnknownUser(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("nobody"); ok {
		t.Fatal("expected lookup to fail for unknown user")
	}
}
