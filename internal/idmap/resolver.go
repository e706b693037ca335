package idmap

import (
	"fmt"
	"strconv"

	"github.com/lukaspiatkowski/mononoke/internal/bookmarks"
	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// IdentifierKind is the closed set of identifier schemes the resolver
// understands. New kinds extend this set without touching call sites.
type IdentifierKind int

const (
	// KindNative is a 64-character hex content-addressed changeset id.
	KindNative IdentifierKind = iota
	// KindLegacyRevision is a decimal sequential revision number.
	KindLegacyRevision
	// KindAlternateHash is a 40-character hex alternate-system hash.
	KindAlternateHash
	// KindBookmark is a bookmark name, resolved through the bookmark
	// store to a native id.
	KindBookmark
)

func (k IdentifierKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindLegacyRevision:
		return "legacy-revision"
	case KindAlternateHash:
		return "alternate-hash"
	case KindBookmark:
		return "bookmark"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ClassifyIdentifier decides which scheme a well-formed identifier belongs
// to. Each scheme is syntactically disjoint from the others, so an
// identifier is never ambiguous.
func ClassifyIdentifier(ident string) IdentifierKind {
	if _, err := types.ParseChangesetId(ident); err == nil {
		return KindNative
	}
	if _, err := types.ParseAlternateHash(ident); err == nil {
		return KindAlternateHash
	}
	if _, err := strconv.ParseInt(ident, 10, 64); err == nil {
		return KindLegacyRevision
	}
	return KindBookmark
}

// Resolver resolves any supported identifier to a native changeset id
// within one repository.
type Resolver struct {
	IDs        *Store
	Bookmarks  *bookmarks.Store
	Changesets changeset.Store
	Repo       types.RepositoryID
}

// Resolve maps an identifier of any supported kind to the native id of an
// existing changeset. A well-formed but unknown identifier fails with
// *NotFoundError.
func (r *Resolver) Resolve(ident string) (types.ChangesetId, error) {
	kind := ClassifyIdentifier(ident)
	switch kind {
	case KindNative:
		id, err := types.ParseChangesetId(ident)
		if err != nil {
			return types.ChangesetId{}, err
		}
		if !r.Changesets.Has(id) {
			return types.ChangesetId{}, &NotFoundError{Identifier: ident, Kind: kind}
		}
		return id, nil

	case KindLegacyRevision:
		rev, err := strconv.ParseInt(ident, 10, 64)
		if err != nil {
			return types.ChangesetId{}, fmt.Errorf("idmap: parse revision %q: %w", ident, err)
		}
		id, err := r.IDs.GetByLegacyRevision(rev)
		if err != nil {
			return types.ChangesetId{}, err
		}
		if id == nil {
			return types.ChangesetId{}, &NotFoundError{Identifier: ident, Kind: kind}
		}
		return *id, nil

	case KindAlternateHash:
		hash, err := types.ParseAlternateHash(ident)
		if err != nil {
			return types.ChangesetId{}, err
		}
		id, err := r.IDs.GetByAlternateHash(hash)
		if err != nil {
			return types.ChangesetId{}, err
		}
		if id == nil {
			return types.ChangesetId{}, &NotFoundError{Identifier: ident, Kind: kind}
		}
		return *id, nil

	case KindBookmark:
		id, err := r.Bookmarks.Read(r.Repo, ident)
		if err != nil {
			return types.ChangesetId{}, err
		}
		if id == nil {
			return types.ChangesetId{}, &NotFoundError{Identifier: ident, Kind: kind}
		}
		return *id, nil

	default:
		return types.ChangesetId{}, fmt.Errorf("idmap: unsupported identifier kind %s", kind)
	}
}

// LookupResult holds every identifier scheme resolvable for one changeset.
// Pointers are nil for schemes that were never assigned.
type LookupResult struct {
	Native         types.ChangesetId
	LegacyRevision *int64
	AlternateHash  *types.AlternateHash
}

// Lookup resolves an identifier and reports every scheme it resolves to.
func (r *Resolver) Lookup(ident string) (*LookupResult, error) {
	id, err := r.Resolve(ident)
	if err != nil {
		return nil, err
	}
	rev, err := r.IDs.GetLegacyRevision(id)
	if err != nil {
		return nil, err
	}
	hash, err := r.IDs.GetAlternateHash(id)
	if err != nil {
		return nil, err
	}
	return &LookupResult{Native: id, LegacyRevision: rev, AlternateHash: hash}, nil
}
