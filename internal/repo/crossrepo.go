package repo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/commitsync"
	"github.com/lukaspiatkowski/mononoke/internal/pushrebase"
	"github.com/lukaspiatkowski/mononoke/internal/syncmapping"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// CrossRepo is one synchronized repository pair: the small repository and
// the large repository that embeds it. Pushes to the small side are
// redirected through commit rewriting and pushrebase onto the large side.
type CrossRepo struct {
	Small    *Repo
	Large    *Repo
	Cfg      *commitsync.CommitSyncConfig
	Mappings *syncmapping.Store
	Log      *slog.Logger
}

// PushOutcome reports the large-repo state after a redirected push.
type PushOutcome struct {
	// Bookmark is the large-repo-visible bookmark name.
	Bookmark string
	// Head is the bookmark's target after publication.
	Head types.ChangesetId
	// NewCommits is how many commits the publication added to the
	// bookmark; zero when the content was already at the head.
	NewCommits int
	// Attempts is how many pushrebase rounds were needed.
	Attempts int
}

func (x *CrossRepo) syncer() *commitsync.Syncer {
	return &commitsync.Syncer{
		Cfg:      x.Cfg,
		Dir:      commitsync.SmallToLarge,
		Source:   x.Small.Changesets,
		Target:   x.Large.Changesets,
		Mappings: x.Mappings,
		Log:      x.Log,
	}
}

func (x *CrossRepo) engine(onPublish func(*pushrebase.Outcome) error) *pushrebase.Engine {
	return &pushrebase.Engine{
		Changesets: x.Large.Changesets,
		Bookmarks:  x.Large.Bookmarks,
		Repo:       x.Cfg.LargeRepoID,
		OnPublish:  onPublish,
		Log:        x.Log,
	}
}

// PushSync redirects a small-repo push into the large repository: rewrite
// tip and its unsynced ancestors into the large namespace, pushrebase them
// onto the corresponding large-repo bookmark, then durably record the
// mapping entries and identifier assignments for the published commits.
func (x *CrossRepo) PushSync(ctx context.Context, bookmark string, tip types.ChangesetId) (*PushOutcome, error) {
	visible, _ := commitsync.ResolveBookmark(bookmark, x.Cfg)

	rewritten, err := x.syncer().RewriteStack(tip)
	if err != nil {
		return nil, err
	}

	// The rebased source of each pre-rebase id, for the record step.
	sources := make(map[types.ChangesetId]types.ChangesetId, len(rewritten))
	chain := make([]types.ChangesetId, 0, len(rewritten))
	for _, rw := range rewritten {
		if rw.Skipped {
			continue
		}
		sources[rw.TargetID] = rw.Source
		chain = append(chain, rw.TargetID)
	}

	if len(chain) == 0 {
		// Everything was already synced (or skipped): publish the
		// previously mapped target of tip.
		mapped, err := x.Mappings.GetLargeFromSmall(x.Cfg.SmallRepoID, x.Cfg.LargeRepoID, x.Cfg.Version, tip)
		if err != nil {
			return nil, err
		}
		if mapped == nil {
			return nil, fmt.Errorf("repo: nothing to push: %s has no large-repo equivalent", tip)
		}
		chain = append(chain, *mapped)
	}

	base, err := x.chainBase(chain[0])
	if err != nil {
		return nil, err
	}

	engine := x.engine(func(outcome *pushrebase.Outcome) error {
		return x.recordPublished(outcome, sources)
	})

	oldHead, err := x.Large.Bookmarks.Read(x.Cfg.LargeRepoID, visible)
	if err != nil {
		return nil, err
	}

	outcome, err := engine.Push(ctx, visible, chain, base)
	if err != nil {
		return nil, err
	}

	newCommits, err := x.countNewCommits(outcome.Head, oldHead)
	if err != nil {
		return nil, err
	}
	if x.Log != nil {
		x.Log.Info("push synchronized",
			"bookmark", visible, "head", outcome.Head.String(),
			"new_commits", newCommits, "attempts", outcome.Attempts)
	}
	return &PushOutcome{
		Bookmark:   visible,
		Head:       outcome.Head,
		NewCommits: newCommits,
		Attempts:   outcome.Attempts,
	}, nil
}

// chainBase is the commit the chain is rooted on in the large repository:
// the first parent of its oldest commit, or zero for a root.
func (x *CrossRepo) chainBase(first types.ChangesetId) (types.ChangesetId, error) {
	cs, err := x.Large.Changesets.Get(first)
	if err != nil {
		return types.ChangesetId{}, err
	}
	if len(cs.Parents) == 0 {
		return types.ChangesetId{}, nil
	}
	return cs.Parents[0], nil
}

// recordPublished persists the synced-commit mapping and identifier
// assignments for every published commit. It runs after the bookmark swap;
// if the process dies in between, the mapping is re-derivable from the
// published commits' audit back-references, so re-running converges to the
// same entries instead of inventing new ones.
func (x *CrossRepo) recordPublished(outcome *pushrebase.Outcome, sources map[types.ChangesetId]types.ChangesetId) error {
	for _, rc := range outcome.Rebased {
		source, ok := sources[rc.OldID]
		if !ok {
			// A re-push of already-synced commits carries no batch
			// source; fall back to the audit back-reference.
			cs, err := x.Large.Changesets.Get(rc.NewID)
			if err != nil {
				return err
			}
			source, ok = commitsync.SyncSource(cs)
			if !ok {
				continue
			}
		}
		if err := x.Mappings.Add(syncmapping.Entry{
			SmallRepo: x.Cfg.SmallRepoID,
			LargeRepo: x.Cfg.LargeRepoID,
			Version:   x.Cfg.Version,
			SmallID:   source,
			LargeID:   rc.NewID,
		}); err != nil {
			return err
		}

		cs, err := x.Large.Changesets.Get(rc.NewID)
		if err != nil {
			return err
		}
		if _, err := x.Large.IDs.AssignLegacyRevision(rc.NewID); err != nil {
			return err
		}
		if err := x.Large.IDs.PutAlternateHash(rc.NewID, cs.TreeHash()); err != nil {
			return err
		}
	}
	return nil
}

func (x *CrossRepo) countNewCommits(head types.ChangesetId, oldHead *types.ChangesetId) (int, error) {
	var base types.ChangesetId
	if oldHead != nil {
		base = *oldHead
	}
	ids, err := changeset.Range(x.Large.Changesets, head, base)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CreateBookmark mirrors a small-repo bookmark creation into the large
// repository. The target must already have a large-repo equivalent from a
// prior sync.
func (x *CrossRepo) CreateBookmark(ctx context.Context, bookmark string, smallTarget types.ChangesetId) error {
	visible, _ := commitsync.ResolveBookmark(bookmark, x.Cfg)
	mapped, err := x.Mappings.GetLargeFromSmall(x.Cfg.SmallRepoID, x.Cfg.LargeRepoID, x.Cfg.Version, smallTarget)
	if err != nil {
		return err
	}
	if mapped == nil {
		return fmt.Errorf("repo: cannot create %q: %s was never synced", bookmark, smallTarget)
	}
	return x.engine(nil).CreateBookmark(ctx, visible, *mapped)
}

// DeleteBookmark mirrors a small-repo bookmark deletion into the large
// repository.
func (x *CrossRepo) DeleteBookmark(ctx context.Context, bookmark string) error {
	visible, _ := commitsync.ResolveBookmark(bookmark, x.Cfg)
	return x.engine(nil).DeleteBookmark(ctx, visible)
}

// Backsync projects a large-repo commit onto the small repository,
// recording mappings directly: the reverse direction has no pushrebase
// step because the small repository is the origin of truth for its own
// bookmark namespace.
func (x *CrossRepo) Backsync(ctx context.Context, tip types.ChangesetId) (*types.ChangesetId, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	syncer := &commitsync.Syncer{
		Cfg:      x.Cfg,
		Dir:      commitsync.LargeToSmall,
		Source:   x.Large.Changesets,
		Target:   x.Small.Changesets,
		Mappings: x.Mappings,
		Log:      x.Log,
	}
	return syncer.SyncCommit(tip)
}
