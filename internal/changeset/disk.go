package changeset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// DiskStore persists changesets one file per changeset, named by the hex
// id, holding the canonical serialization. Because the filename is the
// digest of the contents, a re-Put of an existing changeset is a no-op.
type DiskStore struct {
	dir string
}

// NewDiskStore creates (if needed) and opens a changeset directory.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("changeset: create changeset dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(id types.ChangesetId) string {
	return filepath.Join(s.dir, id.String())
}

// Put implements Store.
func (s *DiskStore) Put(cs *types.Changeset) (types.ChangesetId, error) {
	if err := cs.Verify(); err != nil {
		return types.ChangesetId{}, fmt.Errorf("changeset: reject put: %w", err)
	}
	data, err := cs.CanonicalBytes()
	if err != nil {
		return types.ChangesetId{}, err
	}
	id, err := cs.ID()
	if err != nil {
		return types.ChangesetId{}, err
	}
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return types.ChangesetId{}, fmt.Errorf("changeset: create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return types.ChangesetId{}, fmt.Errorf("changeset: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return types.ChangesetId{}, fmt.Errorf("changeset: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return types.ChangesetId{}, fmt.Errorf("changeset: close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return types.ChangesetId{}, fmt.Errorf("changeset: rename temp to target: %w", err)
	}
	return id, nil
}

// Get implements Store.
func (s *DiskStore) Get(id types.ChangesetId) (*types.Changeset, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("changeset: read %s: %w", id, err)
	}
	return types.DecodeChangeset(data)
}

// Has implements Store.
func (s *DiskStore) Has(id types.ChangesetId) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}
