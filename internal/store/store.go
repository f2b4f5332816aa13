// Package store provides sqlite persistence for identities, sessions,
// pairing requests, and the trust audit log.
//
// The store is deliberately dumb: plain get/put/append operations, no
// business rules. The owning packages load state at startup and write
// through on mutation so everything survives process restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/arcuslabs/arcusgw/internal/logging"
)

// ErrNotFound is returned when a requested row doesn't exist
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite database
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	L_info("store: opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle (used by tests)
func (s *Store) DB() *sql.DB {
	return s.db
}

// ---------------------------------------------------------------------------
// Identities & aliases

// IdentityRow is a canonical identity record
type IdentityRow struct {
	CanonicalID string
	CreatedAt   time.Time
	MergedInto  string // non-empty once merged away
}

// PutIdentity inserts or updates a canonical identity
func (s *Store) PutIdentity(ctx context.Context, row IdentityRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (canonical_id, created_at, merged_into) VALUES (?, ?, ?)
		 ON CONFLICT(canonical_id) DO UPDATE SET merged_into = excluded.merged_into`,
		row.CanonicalID, row.CreatedAt.UnixMilli(), row.MergedInto)
	return err
}

// PutAlias maps an alias to a canonical identity (insert or reassign)
func (s *Store) PutAlias(ctx context.Context, alias, canonicalID string, linkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases (alias, canonical_id, linked_at) VALUES (?, ?, ?)
		 ON CONFLICT(alias) DO UPDATE SET canonical_id = excluded.canonical_id`,
		alias, canonicalID, linkedAt.UnixMilli())
	return err
}

// ReassignAliases moves every alias of one canonical identity to
// another (identity merge)
func (s *Store) ReassignAliases(ctx context.Context, fromID, toID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE aliases SET canonical_id = ? WHERE canonical_id = ?`, toID, fromID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET merged_into = ? WHERE canonical_id = ?`, toID, fromID); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadAliases returns the full alias -> canonical reverse index
func (s *Store) LoadAliases(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, canonical_id FROM aliases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var alias, id string
		if err := rows.Scan(&alias, &id); err != nil {
			return nil, err
		}
		out[alias] = id
	}
	return out, rows.Err()
}

// LoadIdentities returns all canonical identities (including merged-away
// ones, so creation timestamps survive for deterministic merge ordering)
func (s *Store) LoadIdentities(ctx context.Context) ([]IdentityRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical_id, created_at, merged_into FROM identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentityRow
	for rows.Next() {
		var r IdentityRow
		var created int64
		if err := rows.Scan(&r.CanonicalID, &created, &r.MergedInto); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Sessions & turns

// TurnRow is one persisted conversation turn
type TurnRow struct {
	SessionKey string
	Role       string
	Text       string
	Channel    string
	Timestamp  time.Time
}

// PutSession inserts or touches a session record
func (s *Store) PutSession(ctx context.Context, key, canonicalID string, createdAt, lastActiveAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, canonical_id, created_at, last_active_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET last_active_at = excluded.last_active_at`,
		key, canonicalID, createdAt.UnixMilli(), lastActiveAt.UnixMilli())
	return err
}

// SessionRow is a persisted session record
type SessionRow struct {
	Key          string
	CanonicalID  string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// LoadSessions returns all session records
func (s *Store) LoadSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, canonical_id, created_at, last_active_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var created, active int64
		if err := rows.Scan(&r.Key, &r.CanonicalID, &created, &active); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		r.LastActiveAt = time.UnixMilli(active)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendTurn appends a turn to a session's history
func (s *Store) AppendTurn(ctx context.Context, t TurnRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_key, role, text, channel, ts) VALUES (?, ?, ?, ?, ?)`,
		t.SessionKey, t.Role, t.Text, t.Channel, t.Timestamp.UnixMilli())
	return err
}

// GetTurns returns up to limit most recent turns in chronological order.
// limit <= 0 returns everything.
func (s *Store) GetTurns(ctx context.Context, sessionKey string, limit int) ([]TurnRow, error) {
	q := `SELECT session_key, role, text, channel, ts FROM turns
	      WHERE session_key = ? ORDER BY id DESC`
	args := []any{sessionKey}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var t TurnRow
		var ts int64
		if err := rows.Scan(&t.SessionKey, &t.Role, &t.Text, &t.Channel, &ts); err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearTurns deletes a session's history (session reset)
func (s *Store) ClearTurns(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_key = ?`, sessionKey)
	return err
}

// ---------------------------------------------------------------------------
// Pairing requests

// PairingRow is a persisted pairing request
type PairingRow struct {
	ID        string
	Alias     string
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Status    string
	Approver  string
}

// PutPairing inserts or updates a pairing request
func (s *Store) PutPairing(ctx context.Context, r PairingRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_requests (id, alias, code, issued_at, expires_at, status, approver)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, approver = excluded.approver`,
		r.ID, r.Alias, r.Code, r.IssuedAt.UnixMilli(), r.ExpiresAt.UnixMilli(), r.Status, r.Approver)
	return err
}

// LoadPairings returns all pairing requests
func (s *Store) LoadPairings(ctx context.Context) ([]PairingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alias, code, issued_at, expires_at, status, approver FROM pairing_requests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PairingRow
	for rows.Next() {
		var r PairingRow
		var issued, expires int64
		if err := rows.Scan(&r.ID, &r.Alias, &r.Code, &issued, &expires, &r.Status, &r.Approver); err != nil {
			return nil, err
		}
		r.IssuedAt = time.UnixMilli(issued)
		r.ExpiresAt = time.UnixMilli(expires)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RevokeApprovals flips an alias's approved requests to denied, so the
// revocation survives restart
func (s *Store) RevokeApprovals(ctx context.Context, alias string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pairing_requests SET status = 'denied' WHERE alias = ? AND status = 'approved'`,
		alias)
	return err
}

// DeletePairingsBefore removes dead requests whose expiry predates
// cutoff (retention sweep). Approved rows are kept: they are the
// durable access grant.
func (s *Store) DeletePairingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pairing_requests
		 WHERE status IN ('expired', 'denied', 'superseded') AND expires_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Trust audit log

// AuditRow is one immutable trust ledger entry
type AuditRow struct {
	ID          string // ulid: sortable per-identity append order
	CanonicalID string
	Category    string
	Delta       float64
	Reason      string
	Outcome     string
	Timestamp   time.Time
}

// AppendAudit appends an audit entry. Entries are never updated or
// deleted; corrections append compensating entries.
func (s *Store) AppendAudit(ctx context.Context, r AuditRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_audit (id, canonical_id, category, delta, reason, outcome, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CanonicalID, r.Category, r.Delta, r.Reason, r.Outcome, r.Timestamp.UnixMilli())
	return err
}

// GetAudit returns an identity's full audit history in append order
func (s *Store) GetAudit(ctx context.Context, canonicalID string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_id, category, delta, reason, outcome, ts
		 FROM trust_audit WHERE canonical_id = ? ORDER BY id`, canonicalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var ts int64
		if err := rows.Scan(&r.ID, &r.CanonicalID, &r.Category, &r.Delta, &r.Reason, &r.Outcome, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReassignAudit re-points one identity's audit entries at another
// (identity merge). Entry ids and contents are untouched, so the
// combined history stays replayable in append order.
func (s *Store) ReassignAudit(ctx context.Context, fromID, toID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trust_audit SET canonical_id = ? WHERE canonical_id = ?`, toID, fromID)
	return err
}

// LoadAudit returns the complete audit log grouped by identity, used to
// rebuild cached scores at startup
func (s *Store) LoadAudit(ctx context.Context) (map[string][]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_id, category, delta, reason, outcome, ts
		 FROM trust_audit ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]AuditRow)
	for rows.Next() {
		var r AuditRow
		var ts int64
		if err := rows.Scan(&r.ID, &r.CanonicalID, &r.Category, &r.Delta, &r.Reason, &r.Outcome, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts)
		out[r.CanonicalID] = append(out[r.CanonicalID], r)
	}
	return out, rows.Err()
}
