// Package store persists Panther's records in a single SQLite database.
// Every operation takes the store mutex; SQLite sees one connection.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"panther/internal/envelope"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrEncryptionMismatch reports a database created under another encryption mode.
	ErrEncryptionMismatch = errors.New("database encryption mode does not match configuration")
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS provider_accounts (
	id            TEXT PRIMARY KEY,
	provider_type TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	base_url      TEXT NOT NULL DEFAULT '',
	auth_ref      TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS conversation_settings (
	conversation_id TEXT PRIMARY KEY,
	settings        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS token_usage (
	id                TEXT PRIMARY KEY,
	ts                INTEGER NOT NULL,
	provider_id       TEXT NOT NULL DEFAULT '',
	model_name        TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens      INTEGER NOT NULL,
	context_hash      TEXT NOT NULL DEFAULT '',
	source_tag        TEXT NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_token_usage_ts ON token_usage(ts);
CREATE TABLE IF NOT EXISTS project_chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id  TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_project_chunks_project ON project_chunks(project_id, created_at);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	author_type     TEXT NOT NULL,
	body            BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS redaction_maps (
	conversation_id TEXT NOT NULL,
	turn_id         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	body            BLOB NOT NULL,
	PRIMARY KEY (conversation_id, turn_id)
);
CREATE TABLE IF NOT EXISTS keyring (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	salt           BLOB NOT NULL,
	iterations     INTEGER NOT NULL,
	wrapped_master BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_keys (
	conversation_id TEXT PRIMARY KEY,
	wrapped_dek     BLOB NOT NULL
);
`

// Store is the SQLite-backed record store.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	sealer envelope.Sealer
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise schema: %w", err)
	}

	return &Store{db: db, path: path, sealer: envelope.Plaintext{}}, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// UseSealer installs the sealer for message bodies and redaction maps.
// The first sealer ever used fixes the database's encryption mode; a later
// mismatch fails with ErrEncryptionMismatch.
func (s *Store) UseSealer(ctx context.Context, sealer envelope.Sealer) error {
	if sealer == nil {
		return errors.New("sealer must not be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var mode string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'encryption'`).Scan(&mode)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES ('encryption', ?)`, sealer.Mode()); err != nil {
			return fmt.Errorf("record encryption mode: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read encryption mode: %w", err)
	case mode != sealer.Mode():
		return fmt.Errorf("%w: database is %q, configured %q", ErrEncryptionMismatch, mode, sealer.Mode())
	}
	s.sealer = sealer
	return nil
}

// EncryptionMode reports the mode of the installed sealer.
func (s *Store) EncryptionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealer.Mode()
}
