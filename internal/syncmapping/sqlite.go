// Package syncmapping records the durable equivalence between a small-repo
// changeset and its large-repo counterpart. The relation is append-only:
// entries are never mutated or deleted, and a source commit can never be
// bound to two different targets for the same config version.
package syncmapping

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS synced_commit_mapping (
    small_repo_id   INTEGER NOT NULL,
    large_repo_id   INTEGER NOT NULL,
    config_version  INTEGER NOT NULL,
    small_cs_id     BLOB NOT NULL,
    large_cs_id     BLOB NOT NULL,
    created_at      INTEGER NOT NULL,
    UNIQUE (small_repo_id, large_repo_id, config_version, small_cs_id),
    UNIQUE (small_repo_id, large_repo_id, config_version, large_cs_id)
);
`

// Entry is one recorded small/large equivalence.
type Entry struct {
	SmallRepo types.RepositoryID
	LargeRepo types.RepositoryID
	Version   int
	SmallID   types.ChangesetId
	LargeID   types.ChangesetId
}

// Store is the SQLite-backed synced commit mapping store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the mapping database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("syncmapping: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("syncmapping: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("syncmapping: apply schema: %w", err)
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

// Add records an equivalence. Inserting an identical tuple twice is a
// no-op; claiming a different target for an already-mapped source (or a
// different source for an already-mapped target) fails with
// *MappingConflictError. This is the invariant that keeps the two
// repositories' histories from silently forking.
func (s *Store) Add(e Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("syncmapping: begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := lookup(tx, e, bySmall)
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing == e.LargeID {
			return nil
		}
		return &MappingConflictError{
			Entry:          e,
			ExistingTarget: *existing,
		}
	}

	reverse, err := lookup(tx, e, byLarge)
	if err != nil {
		return err
	}
	if reverse != nil {
		// The identical tuple was handled above, so this target already
		// belongs to a different source.
		return &MappingConflictError{
			Entry:          e,
			ExistingSource: reverse,
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO synced_commit_mapping
		 (small_repo_id, large_repo_id, config_version, small_cs_id, large_cs_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int(e.SmallRepo), int(e.LargeRepo), e.Version, e.SmallID[:], e.LargeID[:], time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("syncmapping: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncmapping: commit entry: %w", err)
	}
	return nil
}

// GetLargeFromSmall returns the large-repo counterpart of a small-repo
// changeset, or nil when the commit has not been synced.
func (s *Store) GetLargeFromSmall(small, large types.RepositoryID, version int, smallID types.ChangesetId) (*types.ChangesetId, error) {
	return s.get(
		`SELECT large_cs_id FROM synced_commit_mapping
		 WHERE small_repo_id = ? AND large_repo_id = ? AND config_version = ? AND small_cs_id = ?`,
		small, large, version, smallID,
	)
}

// GetSmallFromLarge returns the small-repo counterpart of a large-repo
// changeset, or nil when no mapping exists.
func (s *Store) GetSmallFromLarge(small, large types.RepositoryID, version int, largeID types.ChangesetId) (*types.ChangesetId, error) {
	return s.get(
		`SELECT small_cs_id FROM synced_commit_mapping
		 WHERE small_repo_id = ? AND large_repo_id = ? AND config_version = ? AND large_cs_id = ?`,
		small, large, version, largeID,
	)
}

func (s *Store) get(query string, small, large types.RepositoryID, version int, id types.ChangesetId) (*types.ChangesetId, error) {
	var raw []byte
	err := s.db.QueryRow(query, int(small), int(large), version, id[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("syncmapping: lookup %s: %w", id, err)
	}
	out, err := types.ChangesetIdFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("syncmapping: corrupt entry for %s: %w", id, err)
	}
	return &out, nil
}

type lookupSide int

const (
	bySmall lookupSide = iota
	byLarge
)

func lookup(tx *sql.Tx, e Entry, side lookupSide) (*types.ChangesetId, error) {
	var query string
	var key types.ChangesetId
	switch side {
	case bySmall:
		query = `SELECT large_cs_id FROM synced_commit_mapping
		 WHERE small_repo_id = ? AND large_repo_id = ? AND config_version = ? AND small_cs_id = ?`
		key = e.SmallID
	case byLarge:
		query = `SELECT small_cs_id FROM synced_commit_mapping
		 WHERE small_repo_id = ? AND large_repo_id = ? AND config_version = ? AND large_cs_id = ?`
		key = e.LargeID
	}
	var raw []byte
	err := tx.QueryRow(query, int(e.SmallRepo), int(e.LargeRepo), e.Version, key[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("syncmapping: lookup %s: %w", key, err)
	}
	out, err := types.ChangesetIdFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("syncmapping: corrupt entry for %s: %w", key, err)
	}
	return &out, nil
}
