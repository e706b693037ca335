// Package pushrebase atomically publishes a chain of commits onto a
// bookmark: it rebases the chain onto the current bookmark head, checks
// for path-level conflicts with commits that landed since the chain's
// base, and moves the bookmark with a compare-and-swap, retrying from a
// fresh head when the bookmark moved concurrently.
package pushrebase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// RebasedFromExtraKey is the extra-metadata key carrying the audit
// back-reference from a rebased commit to its pre-rebase id.
const RebasedFromExtraKey = "rebased-from"

// DefaultMaxRetries bounds the fetch-rebase-swap loop under contention.
const DefaultMaxRetries = 8

// BookmarkStore is the compare-and-swap surface the engine publishes to.
// *bookmarks.Store satisfies it.
type BookmarkStore interface {
	Read(repo types.RepositoryID, name string) (*types.ChangesetId, error)
	CompareAndSwap(repo types.RepositoryID, name string, expected *types.ChangesetId, newID types.ChangesetId) (bool, error)
	Delete(repo types.RepositoryID, name string, expected types.ChangesetId) (bool, error)
}

// RebasedCommit records how one pushed commit landed.
type RebasedCommit struct {
	// OldID is the commit's id as it arrived (destination-namespace,
	// pre-rebase).
	OldID types.ChangesetId
	// NewID is the published id. Equal to OldID when no reparenting was
	// needed.
	NewID types.ChangesetId
}

// Outcome reports a successful publication.
type Outcome struct {
	// Head is the bookmark's new target.
	Head types.ChangesetId
	// Rebased lists the pushed commits in order, oldest first. Empty when
	// the engine determined nothing new had to move.
	Rebased []RebasedCommit
	// Attempts is how many fetch-rebase-swap rounds were needed.
	Attempts int
}

// Engine publishes onto one destination repository. The bookmark
// compare-and-swap is the only serialization point; everything before it
// may race freely.
type Engine struct {
	Changesets changeset.Store
	Bookmarks  BookmarkStore
	Repo       types.RepositoryID
	// MaxRetries bounds the retry loop; zero means DefaultMaxRetries.
	MaxRetries int
	// OnPublish, if set, runs once after a successful swap with the
	// final rebased commits. Publishers use it to record sync mappings
	// and identifier assignments. A crash before it runs is recoverable:
	// the mapping is re-derivable from the commits' audit
	// back-references.
	OnPublish func(outcome *Outcome) error
	Log       *slog.Logger
}

func (e *Engine) maxRetries() int {
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return DefaultMaxRetries
}

// Push rebases chain (destination-namespace ids, ancestors first, rooted
// on base) onto the bookmark and publishes the result. A zero base means
// the chain starts at a root commit.
func (e *Engine) Push(ctx context.Context, bookmark string, chain []types.ChangesetId, base types.ChangesetId) (*Outcome, error) {
	if len(chain) == 0 {
		head, err := e.Bookmarks.Read(e.Repo, bookmark)
		if err != nil {
			return nil, err
		}
		out := &Outcome{Attempts: 0}
		if head != nil {
			out.Head = *head
		}
		return out, nil
	}

	for attempt := 1; attempt <= e.maxRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Always a fresh read: stale heads are never reused.
		headPtr, err := e.Bookmarks.Read(e.Repo, bookmark)
		if err != nil {
			return nil, err
		}
		var head types.ChangesetId
		if headPtr != nil {
			head = *headPtr
		}

		tip := chain[len(chain)-1]
		if head == tip {
			// The tip is already published; nothing moves.
			return &Outcome{Head: head, Attempts: attempt}, nil
		}
		if !head.IsZero() && e.Changesets.Has(tip) {
			// A tip buried under later commits is likewise already
			// published; rebasing it would conflict with its own copy.
			published, err := changeset.IsAncestor(e.Changesets, tip, head)
			if err != nil {
				return nil, err
			}
			if published {
				return &Outcome{Head: head, Attempts: attempt}, nil
			}
		}

		rebased, tip, err := e.rebaseOnto(chain, base, head)
		if err != nil {
			return nil, err
		}

		swapped, err := e.Bookmarks.CompareAndSwap(e.Repo, bookmark, headPtr, tip)
		if err != nil {
			return nil, err
		}
		if !swapped {
			if e.Log != nil {
				e.Log.Debug("bookmark moved concurrently, retrying",
					"bookmark", bookmark, "attempt", attempt)
			}
			continue
		}

		outcome := &Outcome{Head: tip, Rebased: rebased, Attempts: attempt}
		if e.OnPublish != nil {
			if err := e.OnPublish(outcome); err != nil {
				return nil, fmt.Errorf("pushrebase: record published commits: %w", err)
			}
		}
		return outcome, nil
	}
	return nil, &TooManyRetriesError{Bookmark: bookmark, Attempts: e.maxRetries()}
}

// rebaseOnto reparents the chain from base onto head, recomputing ids, and
// returns the rebased commits plus the new tip. When head equals base, or
// the bookmark is absent, the chain publishes as-is.
func (e *Engine) rebaseOnto(chain []types.ChangesetId, base, head types.ChangesetId) ([]RebasedCommit, types.ChangesetId, error) {
	rebased := make([]RebasedCommit, 0, len(chain))
	if head == base || head.IsZero() {
		// An absent bookmark has nothing to rebase onto: the chain lands
		// rooted on its own base, which must already be present.
		if head.IsZero() && !base.IsZero() && !e.Changesets.Has(base) {
			return nil, types.ChangesetId{}, fmt.Errorf("pushrebase: base changeset %s not present in destination", base)
		}
		for _, id := range chain {
			rebased = append(rebased, RebasedCommit{OldID: id, NewID: id})
		}
		return rebased, chain[len(chain)-1], nil
	}

	if err := e.checkConflicts(chain, base, head); err != nil {
		return nil, types.ChangesetId{}, err
	}

	idMap := map[types.ChangesetId]types.ChangesetId{base: head}
	tip := head
	for _, id := range chain {
		cs, err := e.Changesets.Get(id)
		if err != nil {
			return nil, types.ChangesetId{}, err
		}

		parents := make([]types.ChangesetId, 0, len(cs.Parents)+1)
		for _, p := range cs.Parents {
			if mapped, ok := idMap[p]; ok {
				parents = append(parents, mapped)
			} else {
				parents = append(parents, p)
			}
		}
		if len(parents) == 0 && !head.IsZero() {
			// A chain rooted at a brand-new root lands on top of head.
			parents = append(parents, head)
		}

		extra := make(map[string][]byte, len(cs.Extra)+1)
		for k, v := range cs.Extra {
			extra[k] = v
		}
		extra[RebasedFromExtraKey] = id[:]

		newCS := &types.Changeset{
			Parents:     parents,
			FileChanges: cs.FileChanges,
			Message:     cs.Message,
			Author:      cs.Author,
			Extra:       extra,
		}
		newID, err := e.Changesets.Put(newCS)
		if err != nil {
			return nil, types.ChangesetId{}, err
		}
		idMap[id] = newID
		rebased = append(rebased, RebasedCommit{OldID: id, NewID: newID})
		tip = newID
	}
	return rebased, tip, nil
}

// checkConflicts fails with *RebaseConflictError when any path touched by
// the chain was also touched by a commit that is reachable from head but
// not from the chain's base. Nothing is published on conflict.
func (e *Engine) checkConflicts(chain []types.ChangesetId, base, head types.ChangesetId) error {
	landed, err := changeset.PathsTouched(e.Changesets, head, base)
	if err != nil {
		return err
	}
	if len(landed) == 0 {
		return nil
	}

	conflictSet := make(map[string]struct{})
	for _, id := range chain {
		cs, err := e.Changesets.Get(id)
		if err != nil {
			return err
		}
		for p := range cs.FileChanges {
			if _, clash := landed[p]; clash {
				conflictSet[p] = struct{}{}
			}
		}
	}
	if len(conflictSet) == 0 {
		return nil
	}

	paths := make([]string, 0, len(conflictSet))
	for p := range conflictSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &RebaseConflictError{Paths: paths}
}

// CreateBookmark publishes an existing commit under a new bookmark. The
// degenerate form of a push: no commits to rebase, a compare-and-swap from
// absent. The target must already be present in the destination
// repository (e.g. via a prior sync).
func (e *Engine) CreateBookmark(ctx context.Context, bookmark string, target types.ChangesetId) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.Changesets.Has(target) {
		return fmt.Errorf("pushrebase: create %q: target changeset %s not present in destination", bookmark, target)
	}
	created, err := e.Bookmarks.CompareAndSwap(e.Repo, bookmark, nil, target)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("pushrebase: create %q: bookmark already exists", bookmark)
	}
	return nil
}

// DeleteBookmark removes a bookmark: a degenerate push with no commits, a
// pure compare-and-delete, retried on concurrent movement.
func (e *Engine) DeleteBookmark(ctx context.Context, bookmark string) error {
	for attempt := 1; attempt <= e.maxRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, err := e.Bookmarks.Read(e.Repo, bookmark)
		if err != nil {
			return err
		}
		if head == nil {
			return nil
		}
		deleted, err := e.Bookmarks.Delete(e.Repo, bookmark, *head)
		if err != nil {
			return err
		}
		if deleted {
			return nil
		}
	}
	return &TooManyRetriesError{Bookmark: bookmark, Attempts: e.maxRetries()}
}
