// Package repo aggregates the stores of one repository and exposes the
// operational surface: identifier lookup, path-level diff, and cross-repo
// push synchronization.
package repo

import (
	"bytes"
	"fmt"

	"github.com/lukaspiatkowski/mononoke/internal/blobstore"
	"github.com/lukaspiatkowski/mononoke/internal/bookmarks"
	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/idmap"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// Repo bundles the stores of one repository.
type Repo struct {
	ID         types.RepositoryID
	Name       string
	Changesets changeset.Store
	Blobs      blobstore.Blobstore
	Bookmarks  *bookmarks.Store
	IDs        *idmap.Store
}

// Resolver returns an identifier resolver scoped to this repository.
func (r *Repo) Resolver() *idmap.Resolver {
	return &idmap.Resolver{
		IDs:        r.IDs,
		Bookmarks:  r.Bookmarks,
		Changesets: r.Changesets,
		Repo:       r.ID,
	}
}

// Lookup resolves an identifier of any supported scheme and returns every
// scheme resolvable for the commit.
func (r *Repo) Lookup(ident string) (*idmap.LookupResult, error) {
	return r.Resolver().Lookup(ident)
}

// DiffStatus classifies one diff entry.
type DiffStatus string

const (
	StatusModified DiffStatus = "modified"
	StatusDeleted  DiffStatus = "deleted"
	StatusRenamed  DiffStatus = "renamed"
	StatusCopied   DiffStatus = "copied"
)

// DiffEntry is one path-level change between two commits.
type DiffEntry struct {
	// Path is repository-relative.
	Path string
	// Status is the kind of change.
	Status DiffStatus
	// CopyFrom is set for renamed and copied entries.
	CopyFrom string
	// Binary reports whether the new content looks binary.
	Binary bool
}

// Diff produces the path-level change list between two commits, where from
// must be an ancestor of to. Renames and copies are reported explicitly: a
// modification with copy provenance whose source is deleted in the same
// commit is a rename, otherwise a copy. Binary detection uses a NUL-byte
// heuristic on the first 8000 bytes of the new content.
func (r *Repo) Diff(fromIdent, toIdent string) ([]DiffEntry, error) {
	resolver := r.Resolver()
	from, err := resolver.Resolve(fromIdent)
	if err != nil {
		return nil, err
	}
	to, err := resolver.Resolve(toIdent)
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, nil
	}
	ok, err := changeset.IsAncestor(r.Changesets, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("repo: %s is not an ancestor of %s", from, to)
	}

	ids, err := changeset.Range(r.Changesets, to, from)
	if err != nil {
		return nil, err
	}

	type lastChange struct {
		fc     types.FileChange
		commit types.ChangesetId
	}
	// Accumulate in topological order; the last writer of a path wins.
	acc := make(map[string]lastChange)
	for _, id := range ids {
		cs, err := r.Changesets.Get(id)
		if err != nil {
			return nil, err
		}
		for p, fc := range cs.FileChanges {
			acc[p] = lastChange{fc: fc, commit: id}
		}
	}

	// Paths whose deletion was consumed by a rename are not reported.
	consumed := make(map[string]struct{})
	var out []DiffEntry
	for p, lc := range acc {
		if lc.fc.Type == types.FileDeleted {
			continue
		}
		entry := DiffEntry{Path: p, Status: StatusModified}
		if lc.fc.Copy != nil {
			src, srcSeen := acc[lc.fc.Copy.FromPath]
			if srcSeen && src.fc.Type == types.FileDeleted && src.commit == lc.commit {
				entry.Status = StatusRenamed
				consumed[lc.fc.Copy.FromPath] = struct{}{}
			} else {
				entry.Status = StatusCopied
			}
			entry.CopyFrom = lc.fc.Copy.FromPath
		}
		binary, err := r.isBinary(lc.fc)
		if err != nil {
			return nil, err
		}
		entry.Binary = binary
		out = append(out, entry)
	}
	for p, lc := range acc {
		if lc.fc.Type != types.FileDeleted {
			continue
		}
		if _, ok := consumed[p]; ok {
			continue
		}
		out = append(out, DiffEntry{Path: p, Status: StatusDeleted})
	}

	sortEntries(out)
	return out, nil
}

func (r *Repo) isBinary(fc types.FileChange) (bool, error) {
	if fc.Type != types.FileModified || r.Blobs == nil || !r.Blobs.Has(fc.ContentID) {
		return false, nil
	}
	data, err := r.Blobs.Get(fc.ContentID)
	if err != nil {
		return false, err
	}
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0, nil
}

func sortEntries(entries []DiffEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Path < entries[j-1].Path; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
