// Package audit implements the moderation audit trail and ban list (spec
// C10): an append-only log of admin actions (never chat content) and a
// simple ban list checked at TCP login and UDP join. Grounded on
// bken/server/store/store.go's ordered-migrations pattern and
// bken/server/room.go's Phase 8 onAuditLog/onBan/onUnban callback wiring,
// re-scoped from chat moderation to this system's room/ban model.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS bans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		principal TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		banned_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bans_principal ON bans(principal)`,
	`PRAGMA journal_mode=WAL`,
}

// Store persists the audit trail and ban list in a single SQLite file,
// independent of the credential JSON file (spec §6 persistent state).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// LogAction appends one audit record. A failed write is the caller's
// responsibility to log; it must never abort the action being recorded
// (spec §7).
func (s *Store) LogAction(actor, action, target, details string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, actor, action, target, details) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), actor, action, target, details,
	)
	return err
}

// AuditRecord is one row of the audit trail.
type AuditRecord struct {
	ID      int64
	TS      int64
	Actor   string
	Action  string
	Target  string
	Details string
}

// RecentActions returns up to limit most recent audit records, newest
// first.
func (s *Store) RecentActions(limit int) ([]AuditRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, actor, action, target, details FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.TS, &r.Actor, &r.Action, &r.Target, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ban adds a ban record. duration of 0 means permanent.
func (s *Store) Ban(principal, reason, bannedBy string, duration time.Duration) (int64, error) {
	now := time.Now()
	var expiresAt int64
	if duration > 0 {
		expiresAt = now.Add(duration).Unix()
	}
	res, err := s.db.Exec(
		`INSERT INTO bans (principal, reason, banned_by, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		principal, reason, bannedBy, now.Unix(), expiresAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Unban removes a ban record by id.
func (s *Store) Unban(id int64) error {
	_, err := s.db.Exec(`DELETE FROM bans WHERE id = ?`, id)
	return err
}

// IsBanned reports whether principal (username or IP) has a live,
// unexpired ban.
func (s *Store) IsBanned(principal string) bool {
	var n int
	now := time.Now().Unix()
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM bans WHERE principal = ? AND (expires_at = 0 OR expires_at > ?)`,
		principal, now,
	).Scan(&n)
	return err == nil && n > 0
}

// PurgeExpired removes bans whose expiry has passed, returning the count
// removed.
func (s *Store) PurgeExpired() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM bans WHERE expires_at != 0 AND expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
