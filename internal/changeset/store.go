// Package changeset stores immutable, content-addressed changesets and
// provides graph traversal over their parent linkage.
package changeset

import (
	"errors"
	"fmt"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// ErrNotFound indicates the requested changeset is not in the store.
var ErrNotFound = errors.New("changeset: not found")

// Store is a content-addressed changeset store. Put derives the key from
// the content, so storing the same changeset twice is a no-op.
type Store interface {
	// Put verifies and stores a changeset, returning its id.
	Put(cs *types.Changeset) (types.ChangesetId, error)
	// Get returns the changeset for an id, or an error wrapping
	// ErrNotFound when absent.
	Get(id types.ChangesetId) (*types.Changeset, error)
	// Has reports whether the id is present.
	Has(id types.ChangesetId) bool
}

// MemStore is an in-memory Store, safe for concurrent use.
type MemStore struct {
	changesets cmap.ConcurrentMap
}

// NewMemStore creates an empty in-memory changeset store.
func NewMemStore() *MemStore {
	return &MemStore{changesets: cmap.New()}
}

// Put implements Store.
func (s *MemStore) Put(cs *types.Changeset) (types.ChangesetId, error) {
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
	s.changesets.SetIfAbsent(id.String(), data)
	return id, nil
}

// Get implements Store.
func (s *MemStore) Get(id types.ChangesetId) (*types.Changeset, error) {
	v, ok := s.changesets.Get(id.String())
	if !ok {
		return nil, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
	}
	return types.DecodeChangeset(v.([]byte))
}

// Has implements Store.
func (s *MemStore) Has(id types.ChangesetId) bool {
	return s.changesets.Has(id.String())
}

// Len returns the number of stored changesets.
func (s *MemStore) Len() int {
	return s.changesets.Count()
}
