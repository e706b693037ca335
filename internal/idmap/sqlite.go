// Package idmap maintains the durable mappings between a changeset's
// native id and its alternate identifier schemes: the legacy sequential
// revision number and the alternate-system commit hash.
package idmap

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS legacy_revisions (
    changeset_id    BLOB PRIMARY KEY,
    revision        INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS alternate_hashes (
    changeset_id    BLOB PRIMARY KEY,
    alt_hash        BLOB NOT NULL UNIQUE
);
`

// Store is the SQLite-backed identifier mapping store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the identifier database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("idmap: create database directory: %w", err)
	}

	// Transactions take the write lock up front: revision assignment
	// reads MAX(revision) and inserts in one transaction, so a deferred
	// lock would let two assignments read the same next value.
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("idmap: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("idmap: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// AssignLegacyRevision issues the next sequential revision number to a
// changeset. Numbers are strictly increasing across calls and never
// reused. Assigning to an already-assigned changeset returns the existing
// number: an assignment is immutable.
func (s *Store) AssignLegacyRevision(id types.ChangesetId) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("idmap: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow(`SELECT revision FROM legacy_revisions WHERE changeset_id = ?`, id[:]).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("idmap: read revision for %s: %w", id, err)
	}

	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(revision), 0) + 1 FROM legacy_revisions`).Scan(&next); err != nil {
		return 0, fmt.Errorf("idmap: compute next revision: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO legacy_revisions (changeset_id, revision) VALUES (?, ?)`,
		id[:], next,
	); err != nil {
		return 0, fmt.Errorf("idmap: assign revision %d to %s: %w", next, id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("idmap: commit revision assignment: %w", err)
	}
	return next, nil
}

// GetLegacyRevision returns the revision number assigned to a changeset,
// or nil when none was ever assigned.
func (s *Store) GetLegacyRevision(id types.ChangesetId) (*int64, error) {
	var rev int64
	err := s.db.QueryRow(`SELECT revision FROM legacy_revisions WHERE changeset_id = ?`, id[:]).Scan(&rev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idmap: read revision for %s: %w", id, err)
	}
	return &rev, nil
}

// GetByLegacyRevision is the reverse lookup for revision numbers.
func (s *Store) GetByLegacyRevision(rev int64) (*types.ChangesetId, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT changeset_id FROM legacy_revisions WHERE revision = ?`, rev).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idmap: lookup revision %d: %w", rev, err)
	}
	id, err := types.ChangesetIdFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("idmap: corrupt entry for revision %d: %w", rev, err)
	}
	return &id, nil
}

// PutAlternateHash records the alternate-system hash for a changeset. The
// hash is structurally derived, so recording an identical pair twice is a
// no-op; a differing pair means the store is corrupt.
func (s *Store) PutAlternateHash(id types.ChangesetId, hash types.AlternateHash) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("idmap: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRow(`SELECT alt_hash FROM alternate_hashes WHERE changeset_id = ?`, id[:]).Scan(&raw)
	if err == nil {
		existing, convErr := types.AlternateHashFromBytes(raw)
		if convErr != nil {
			return fmt.Errorf("idmap: corrupt alternate hash for %s: %w", id, convErr)
		}
		if existing == hash {
			return nil
		}
		return fmt.Errorf("idmap: alternate hash conflict for %s: recorded %s, refusing %s", id, existing, hash)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("idmap: read alternate hash for %s: %w", id, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO alternate_hashes (changeset_id, alt_hash) VALUES (?, ?)`,
		id[:], hash[:],
	); err != nil {
		return fmt.Errorf("idmap: record alternate hash for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("idmap: commit alternate hash: %w", err)
	}
	return nil
}

// GetAlternateHash returns the recorded alternate hash for a changeset, or
// nil when none is recorded.
func (s *Store) GetAlternateHash(id types.ChangesetId) (*types.AlternateHash, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT alt_hash FROM alternate_hashes WHERE changeset_id = ?`, id[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idmap: read alternate hash for %s: %w", id, err)
	}
	hash, err := types.AlternateHashFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("idmap: corrupt alternate hash for %s: %w", id, err)
	}
	return &hash, nil
}

// GetByAlternateHash is the reverse lookup for alternate hashes.
func (s *Store) GetByAlternateHash(hash types.AlternateHash) (*types.ChangesetId, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT changeset_id FROM alternate_hashes WHERE alt_hash = ?`, hash[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idmap: lookup alternate hash %s: %w", hash, err)
	}
	id, err := types.ChangesetIdFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("idmap: corrupt entry for alternate hash %s: %w", hash, err)
	}
	return &id, nil
}
