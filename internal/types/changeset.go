package types

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	"golang.org/x/crypto/blake2b"
)

// FileChangeType distinguishes the two variants of a FileChange.
type FileChangeType int

const (
	// FileModified is a file creation or content change. It may carry
	// copy provenance.
	FileModified FileChangeType = iota
	// FileDeleted removes the path. A pure rename is a FileDeleted at the
	// old path plus a FileModified with copy info at the new path in the
	// same changeset.
	FileDeleted
)

// CopyInfo records that a modified file was copied from a path as it
// existed in a parent changeset.
type CopyInfo struct {
	FromPath string      `json:"from_path"`
	FromID   ChangesetId `json:"from_id"`
}

// FileChange is one path-level change in a changeset.
type FileChange struct {
	Type      FileChangeType
	ContentID cid.Cid
	Size      int64
	Copy      *CopyInfo
}

// fileChangeWire is the canonical JSON form of a FileChange. Field order
// is fixed; the Deleted variant serializes with the type tag alone.
type fileChangeWire struct {
	Type      string    `json:"type"`
	ContentID *cid.Cid  `json:"content_id,omitempty"`
	Size      *int64    `json:"size,omitempty"`
	Copy      *CopyInfo `json:"copy,omitempty"`
}

// MarshalJSON implements json.Marshaler with a deterministic encoding.
func (fc FileChange) MarshalJSON() ([]byte, error) {
	switch fc.Type {
	case FileDeleted:
		return json.Marshal(fileChangeWire{Type: "deleted"})
	case FileModified:
		contentID := fc.ContentID
		size := fc.Size
		return json.Marshal(fileChangeWire{
			Type:      "modified",
			ContentID: &contentID,
			Size:      &size,
			Copy:      fc.Copy,
		})
	default:
		return nil, fmt.Errorf("types: unknown file change type %d", fc.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FileChange) UnmarshalJSON(data []byte) error {
	var wire fileChangeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case "deleted":
		*fc = FileChange{Type: FileDeleted}
	case "modified":
		out := FileChange{Type: FileModified, Copy: wire.Copy}
		if wire.ContentID != nil {
			out.ContentID = *wire.ContentID
		}
		if wire.Size != nil {
			out.Size = *wire.Size
		}
		*fc = out
	default:
		return fmt.Errorf("types: unknown file change type %q", wire.Type)
	}
	return nil
}

// Changeset is an immutable commit record. Its identity is a pure function
// of its content: two changesets with the same parents, file changes,
// message, author, and extra metadata have the same ChangesetId.
type Changeset struct {
	// Parents, in order. Zero for a root, one for a normal commit, two or
	// more for a merge.
	Parents []ChangesetId `json:"parents"`
	// FileChanges maps repository-relative paths to changes.
	FileChanges map[string]FileChange `json:"file_changes"`
	Message     string                `json:"message"`
	Author      string                `json:"author"`
	// Extra carries free-form metadata, e.g. a legacy revision number or
	// an audit back-reference to a sync source commit.
	Extra map[string][]byte `json:"extra"`
}

// normalized returns a copy with nil collections replaced by empty ones,
// so that semantically identical changesets serialize identically.
func (cs *Changeset) normalized() *Changeset {
	out := &Changeset{
		Parents:     cs.Parents,
		FileChanges: cs.FileChanges,
		Message:     cs.Message,
		Author:      cs.Author,
		Extra:       cs.Extra,
	}
	if out.Parents == nil {
		out.Parents = []ChangesetId{}
	}
	if out.FileChanges == nil {
		out.FileChanges = map[string]FileChange{}
	}
	if len(out.Extra) == 0 {
		out.Extra = map[string][]byte{}
	}
	return out
}

// CanonicalBytes returns the canonical serialization the id is computed
// over: JSON with fixed field order and sorted map keys.
func (cs *Changeset) CanonicalBytes() ([]byte, error) {
	data, err := json.Marshal(cs.normalized())
	if err != nil {
		return nil, fmt.Errorf("types: serialize changeset: %w", err)
	}
	return data, nil
}

// ID computes the content-addressed identifier of the changeset.
func (cs *Changeset) ID() (ChangesetId, error) {
	data, err := cs.CanonicalBytes()
	if err != nil {
		return ChangesetId{}, err
	}
	return ChangesetId(blake2b.Sum256(data)), nil
}

// DecodeChangeset parses a canonical serialization produced by
// CanonicalBytes.
func DecodeChangeset(data []byte) (*Changeset, error) {
	var cs Changeset
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("types: decode changeset: %w", err)
	}
	return cs.normalized(), nil
}

// SortedPaths returns the changed paths in lexicographic order.
func (cs *Changeset) SortedPaths() []string {
	paths := make([]string, 0, len(cs.FileChanges))
	for p := range cs.FileChanges {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TreeHash computes the alternate-system commit hash: a SHA-1 over the
// parents, the commit metadata, and the sorted (path, change) pairs of
// the file tree. Covering the parents makes distinct commits hash to
// distinct values even when they carry the same change set.
func (cs *Changeset) TreeHash() AlternateHash {
	h := sha1.New()
	for _, p := range cs.Parents {
		h.Write(p[:])
	}
	h.Write([]byte(cs.Author))
	h.Write([]byte{0})
	h.Write([]byte(cs.Message))
	h.Write([]byte{0})
	extraKeys := make([]string, 0, len(cs.Extra))
	for k := range cs.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(cs.Extra[k])
		h.Write([]byte{'\n'})
	}
	for _, p := range cs.SortedPaths() {
		fc := cs.FileChanges[p]
		h.Write([]byte(p))
		h.Write([]byte{0})
		if fc.Type == FileDeleted {
			h.Write([]byte("deleted"))
		} else {
			h.Write([]byte(fc.ContentID.String()))
		}
		h.Write([]byte{'\n'})
	}
	var out AlternateHash
	copy(out[:], h.Sum(nil))
	return out
}

// Verify checks the semantic well-formedness of the changeset: paths are
// clean repository-relative paths, deletions carry no copy or content
// information, copy sources are sane, and parents are distinct.
func (cs *Changeset) Verify() error {
	seen := make(map[ChangesetId]struct{}, len(cs.Parents))
	for _, p := range cs.Parents {
		if p.IsZero() {
			return fmt.Errorf("types: changeset has a zero parent id")
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("types: changeset lists parent %s twice", p)
		}
		seen[p] = struct{}{}
	}
	for path, fc := range cs.FileChanges {
		if err := verifyPath(path); err != nil {
			return err
		}
		switch fc.Type {
		case FileDeleted:
			if fc.Copy != nil {
				return fmt.Errorf("types: deletion of %q carries copy info", path)
			}
			if fc.ContentID.Defined() {
				return fmt.Errorf("types: deletion of %q carries a content id", path)
			}
		case FileModified:
			if !fc.ContentID.Defined() {
				return fmt.Errorf("types: modification of %q has no content id", path)
			}
			if fc.Copy != nil {
				if err := verifyPath(fc.Copy.FromPath); err != nil {
					return err
				}
				if fc.Copy.FromPath == path {
					return fmt.Errorf("types: %q copies from itself", path)
				}
				if fc.Copy.FromID.IsZero() {
					return fmt.Errorf("types: copy source of %q has a zero changeset id", path)
				}
			}
		default:
			return fmt.Errorf("types: unknown file change type %d for %q", fc.Type, path)
		}
	}
	return nil
}

func verifyPath(p string) error {
	if p == "" {
		return fmt.Errorf("types: empty path in changeset")
	}
	if strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return fmt.Errorf("types: path %q must be repository-relative without leading or trailing slash", p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == "" || elem == "." || elem == ".." {
			return fmt.Errorf("types: path %q contains invalid element %q", p, elem)
		}
	}
	return nil
}

// Equal reports whether two changesets have identical content. Because
// identity is content-addressed, Equal(a, b) implies a and b share an id.
func (cs *Changeset) Equal(other *Changeset) bool {
	if !sameParents(cs.Parents, other.Parents) {
		return false
	}
	a, err := cs.CanonicalBytes()
	if err != nil {
		return false
	}
	b, err := other.CanonicalBytes()
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
