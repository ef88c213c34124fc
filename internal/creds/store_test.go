package creds

import (
	"path/filepath"
	"testing"
)

func TestAddVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Add("alice", "hunter2"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Verify("alice", "hunter2") {
		t.Fatal("expected verify to succeed with correct password")
	}
	if s.Verify("alice", "wrong") {
		t.Fatal("expected verify to fail with wrong password")
	}
	if s.Verify("bob", "hunter2") {
		t.Fatal("expected verify to fail for unknown user")
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Add("alice", "pw1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("alice", "pw2"); err != ErrDuplicate {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
	if !s.Verify("alice", "pw1") {
		t.Fatal("original password should still verify after rejected duplicate add")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Add("carol", "pw"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if !s2.Verify("carol", "pw") {
		t.Fatal("expected credential to survive reopen")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Add("dave", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("dave"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("dave") {
		t.Fatal("expected user to be removed")
	}
}

func TestMissingFileIsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Open should not fail on missing file: %v", err)
	}
	defer s.Close()
	if s.Exists("anyone") {
		t.Fatal("expected empty store")
	}
}
