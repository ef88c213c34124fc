// Package creds implements the durable username -> (salt, derived key)
// credential store (spec C1).
//
// Grounded on original_source/server/auth.py's UserStore: a JSON file of
// {"users": {username: {salt, hash, created_at}}}, auto-registration of
// unknown users on first login, and constant-time password verification.
package creds

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2-HMAC-SHA256 iteration count.
	Iterations = 200_000
	saltLen    = 16
	keyLen     = 32
)

var (
	// ErrDuplicate is returned by Add when the username already exists.
	ErrDuplicate = fmt.Errorf("creds: user already exists")
)

// Record is one persisted credential entry.
type Record struct {
	Salt      string `json:"salt"`
	Hash      string `json:"hash"`
	CreatedAt int64  `json:"created_at"`
}

type fileFormat struct {
	Users map[string]Record `json:"users"`
}

// Store is a process-wide credential table backed by a single JSON file,
// written atomically (temp file + rename) and safe for concurrent use.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]Record

	watcher *fsnotify.Watcher
}

// Open loads path into memory, treating a missing file as an empty store,
// and starts watching it for external changes (e.g. a concurrent `useradd`
// CLI invocation) so the running server stays consistent without a
// restart.
func Open(path string) (*Store, error) {
	s := &Store{path: path, users: map[string]Record{}}
	if err := s.load(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("creds: file watch unavailable, external edits will not be picked up live", "err", err)
		return s, nil
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		slog.Warn("creds: watch directory failed", "dir", dir, "err", err)
		w.Close()
		return s, nil
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.load(); err != nil {
				slog.Error("creds: reload after external change failed", "err", err)
			} else {
				slog.Info("creds: reloaded after external change")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("creds: watcher error", "err", err)
		}
	}
}

// Close stops the file watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) load() error {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.users = map[string]Record{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("creds: read %s: %w", s.path, err)
	}
	var ff fileFormat
	if len(buf) > 0 {
		if err := json.Unmarshal(buf, &ff); err != nil {
			return fmt.Errorf("creds: parse %s: %w", s.path, err)
		}
	}
	if ff.Users == nil {
		ff.Users = map[string]Record{}
	}
	s.mu.Lock()
	s.users = ff.Users
	s.mu.Unlock()
	return nil
}

// persist must be called without s.mu held (it takes a read lock itself to
// snapshot the table) and writes the full table via a temp file + rename
// for crash atomicity.
func (s *Store) persist() error {
	s.mu.RLock()
	ff := fileFormat{Users: make(map[string]Record, len(s.users))}
	for k, v := range s.users {
		ff.Users[k] = v
	}
	s.mu.RUnlock()

	buf, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("creds: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creds: mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".creds-*.tmp")
	if err != nil {
		return fmt.Errorf("creds: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("creds: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("creds: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("creds: rename into place: %w", err)
	}
	return nil
}

// Exists reports whether username has a credential entry.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// Add creates a new credential entry. It returns ErrDuplicate if the
// username already exists; the store is left unmodified in that case.
func (s *Store) Add(username, password string) error {
	s.mu.Lock()
	if _, ok := s.users[username]; ok {
		s.mu.Unlock()
		return ErrDuplicate
	}
	rec, err := newRecord(password)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.users[username] = rec
	s.mu.Unlock()
	return s.persist()
}

// Remove deletes a credential entry if present.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	if _, ok := s.users[username]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.users, username)
	s.mu.Unlock()
	return s.persist()
}

// Verify checks password against the stored hash for username using a
// constant-time comparison. It returns false for an unknown username.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	rec, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(rec.Hash)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, Iterations, keyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Entry pairs a username with its record, for CLI listing.
type Entry struct {
	Username string
	Record
}

// List returns the current entries in the store, for CLI listing.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.users))
	for u, r := range s.users {
		out = append(out, Entry{Username: u, Record: r})
	}
	return out
}

func newRecord(password string) (Record, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Record{}, fmt.Errorf("creds: read salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, Iterations, keyLen, sha256.New)
	return Record{
		Salt:      hex.EncodeToString(salt),
		Hash:      hex.EncodeToString(hash),
		CreatedAt: time.Now().Unix(),
	}, nil
}
