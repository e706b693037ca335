// Package bookmarks stores mutable named pointers to changesets. A
// bookmark is scoped to one repository and moves only through a
// compare-and-swap, which is the single serialization point for
// concurrent pushes.
package bookmarks

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

// Schema for the bookmark store. The log table is append-only and records
// every successful move, creation, and deletion.
const schema = `
CREATE TABLE IF NOT EXISTS bookmarks (
    repo_id         INTEGER NOT NULL,
    name            TEXT NOT NULL,
    changeset_id    BLOB NOT NULL,
    PRIMARY KEY (repo_id, name)
);

CREATE TABLE IF NOT EXISTS bookmark_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id         INTEGER NOT NULL,
    name            TEXT NOT NULL,
    old_id          BLOB,
    new_id          BLOB,
    moved_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookmark_log_name ON bookmark_log(repo_id, name);
`

// Bookmark is one named pointer in one repository.
type Bookmark struct {
	Repo   types.RepositoryID
	Name   string
	Target types.ChangesetId
}

// LogEntry is one recorded bookmark move. A nil OldID means creation, a
// nil NewID means deletion.
type LogEntry struct {
	Repo    types.RepositoryID
	Name    string
	OldID   *types.ChangesetId
	NewID   *types.ChangesetId
	MovedAt int64
}

// Store is the SQLite-backed bookmark store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the bookmark database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bookmarks: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("bookmarks: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bookmarks: apply schema: %w", err)
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

// Read returns the current target of a bookmark, or nil when the bookmark
// does not exist.
func (s *Store) Read(repo types.RepositoryID, name string) (*types.ChangesetId, error) {
	var raw []byte
	err := s.db.QueryRow(
		`SELECT changeset_id FROM bookmarks WHERE repo_id = ? AND name = ?`,
		int(repo), name,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("bookmarks: read %q: %w", name, err)
	}
	id, err := types.ChangesetIdFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: corrupt target for %q: %w", name, err)
	}
	return &id, nil
}

// CompareAndSwap moves a bookmark from expected to newID. A nil expected
// creates the bookmark, which fails if it already exists. It returns false
// without error when the bookmark moved concurrently (the current value no
// longer matches expected).
func (s *Store) CompareAndSwap(repo types.RepositoryID, name string, expected *types.ChangesetId, newID types.ChangesetId) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("bookmarks: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if expected == nil {
		res, err = tx.Exec(
			`INSERT INTO bookmarks (repo_id, name, changeset_id)
			 SELECT ?, ?, ?
			 WHERE NOT EXISTS (SELECT 1 FROM bookmarks WHERE repo_id = ? AND name = ?)`,
			int(repo), name, newID[:], int(repo), name,
		)
	} else {
		res, err = tx.Exec(
			`UPDATE bookmarks SET changeset_id = ?
			 WHERE repo_id = ? AND name = ? AND changeset_id = ?`,
			newID[:], int(repo), name, expected[:],
		)
	}
	if err != nil {
		return false, fmt.Errorf("bookmarks: swap %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bookmarks: get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendLog(tx, repo, name, expected, &newID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("bookmarks: commit swap: %w", err)
	}
	return true, nil
}

// Delete removes a bookmark if it currently points at expected. It returns
// false without error when the value no longer matches.
func (s *Store) Delete(repo types.RepositoryID, name string, expected types.ChangesetId) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("bookmarks: begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`DELETE FROM bookmarks WHERE repo_id = ? AND name = ? AND changeset_id = ?`,
		int(repo), name, expected[:],
	)
	if err != nil {
		return false, fmt.Errorf("bookmarks: delete %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bookmarks: get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendLog(tx, repo, name, &expected, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("bookmarks: commit delete: %w", err)
	}
	return true, nil
}

// List returns every bookmark in a repository, ordered by name.
func (s *Store) List(repo types.RepositoryID) ([]Bookmark, error) {
	rows, err := s.db.Query(
		`SELECT name, changeset_id FROM bookmarks WHERE repo_id = ? ORDER BY name ASC`,
		int(repo),
	)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: list: %w", err)
	}
	defer rows.Close()

	var out []Bookmark
	for rows.Next() {
		var name string
		var raw []byte
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("bookmarks: scan bookmark: %w", err)
		}
		id, err := types.ChangesetIdFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("bookmarks: corrupt target for %q: %w", name, err)
		}
		out = append(out, Bookmark{Repo: repo, Name: name, Target: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookmarks: iterate bookmarks: %w", err)
	}
	return out, nil
}

// LogCount returns how many moves the log records for one bookmark.
func (s *Store) LogCount(repo types.RepositoryID, name string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM bookmark_log WHERE repo_id = ? AND name = ?`,
		int(repo), name,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("bookmarks: count log entries: %w", err)
	}
	return n, nil
}

// Log returns the recorded moves for one bookmark, oldest first.
func (s *Store) Log(repo types.RepositoryID, name string) ([]LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT old_id, new_id, moved_at FROM bookmark_log
		 WHERE repo_id = ? AND name = ? ORDER BY id ASC`,
		int(repo), name,
	)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: read log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var oldRaw, newRaw []byte
		entry := LogEntry{Repo: repo, Name: name}
		if err := rows.Scan(&oldRaw, &newRaw, &entry.MovedAt); err != nil {
			return nil, fmt.Errorf("bookmarks: scan log entry: %w", err)
		}
		if oldRaw != nil {
			id, err := types.ChangesetIdFromBytes(oldRaw)
			if err != nil {
				return nil, fmt.Errorf("bookmarks: corrupt log entry: %w", err)
			}
			entry.OldID = &id
		}
		if newRaw != nil {
			id, err := types.ChangesetIdFromBytes(newRaw)
			if err != nil {
				return nil, fmt.Errorf("bookmarks: corrupt log entry: %w", err)
			}
			entry.NewID = &id
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bookmarks: iterate log: %w", err)
	}
	return out, nil
}

func appendLog(tx *sql.Tx, repo types.RepositoryID, name string, oldID, newID *types.ChangesetId) error {
	var oldRaw, newRaw []byte
	if oldID != nil {
		oldRaw = oldID[:]
	}
	if newID != nil {
		newRaw = newID[:]
	}
	if _, err := tx.Exec(
		`INSERT INTO bookmark_log (repo_id, name, old_id, new_id, moved_at) VALUES (?, ?, ?, ?, ?)`,
		int(repo), name, oldRaw, newRaw, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("bookmarks: append log: %w", err)
	}
	return nil
}
