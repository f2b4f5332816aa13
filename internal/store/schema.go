package store

import "database/sql"

const schemaVersion = 1

// initSchema creates all tables if missing
func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
	canonical_id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	merged_into TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS aliases (
	alias TEXT PRIMARY KEY,
	canonical_id TEXT NOT NULL,
	linked_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aliases_canonical ON aliases(canonical_id);

CREATE TABLE IF NOT EXISTS sessions (
	key TEXT PRIMARY KEY,
	canonical_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, id);

CREATE TABLE IF NOT EXISTS pairing_requests (
	id TEXT PRIMARY KEY,
	alias TEXT NOT NULL,
	code TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	approver TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pairing_alias ON pairing_requests(alias);
CREATE INDEX IF NOT EXISTS idx_pairing_code ON pairing_requests(code);

CREATE TABLE IF NOT EXISTS trust_audit (
	id TEXT PRIMARY KEY,
	canonical_id TEXT NOT NULL,
	category TEXT NOT NULL,
	delta REAL NOT NULL,
	reason TEXT NOT NULL,
	outcome TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_identity ON trust_audit(canonical_id, id);
`

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	_, err := db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion)
	return err
}
