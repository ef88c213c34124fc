package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLogAndRecentActions(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.LogAction("alice", "kick", "bob", `{"room":"R"}`); err != nil {
		t.Fatal(err)
	}
	recs, err := s.RecentActions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Actor != "alice" || recs[0].Action != "kick" {
		t.Fatalf("got %+v", recs)
	}
}

func TestBanUnbanAndExpiry(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id, err := s.Ban("alice", "spam", "root", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsBanned("alice") {
		t.Fatal("expected alice to be banned")
	}
	if err := s.Unban(id); err != nil {
		t.Fatal(err)
	}
	if s.IsBanned("alice") {
		t.Fatal("expected alice to no longer be banned")
	}
}

func TestPurgeExpired(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Ban("bob", "test", "root", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	n, err := s.PurgeExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d purged, want 1", n)
	}
}
