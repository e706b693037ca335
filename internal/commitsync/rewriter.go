package commitsync

import (
	"fmt"
	"log/slog"

	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/syncmapping"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// SourceExtraKey is the extra-metadata key carrying the audit
// back-reference from a rewritten commit to its source commit.
const SourceExtraKey = "source-changeset-id"

// Rewritten is the result of rewriting one source commit.
type Rewritten struct {
	// Source is the id of the commit that was rewritten.
	Source types.ChangesetId
	// Target is the rewritten commit, nil when the commit was skipped.
	Target *types.Changeset
	// TargetID is the rewritten commit's id. For a skipped commit it is
	// the id descendants should reparent onto (the nearest mapped
	// ancestor's target), possibly zero for a skipped root.
	TargetID types.ChangesetId
	// Skipped is true when rewriting dropped every file change and the
	// policy says to skip.
	Skipped bool
}

// Rewriter turns source-namespace commits into target-namespace commits.
// Parents must already be mapped (durably, or within the same batch)
// before a commit is rewritten; violations fail with
// *UnsyncedAncestorError.
type Rewriter struct {
	cfg      *CommitSyncConfig
	dir      Direction
	mover    *Mover
	mappings *syncmapping.Store
	// overlay holds batch-local mappings not yet durably recorded:
	// commits rewritten earlier in the batch, and skipped commits bound
	// to their inherited target.
	overlay map[types.ChangesetId]types.ChangesetId
}

// NewRewriter builds a Rewriter for one direction of one config.
func NewRewriter(cfg *CommitSyncConfig, dir Direction, mappings *syncmapping.Store) *Rewriter {
	return &Rewriter{
		cfg:      cfg,
		dir:      dir,
		mover:    NewMover(cfg, dir),
		mappings: mappings,
		overlay:  make(map[types.ChangesetId]types.ChangesetId),
	}
}

// lookupMapped returns the target-namespace id of a source commit: the
// batch overlay first, then the durable mapping store. nil means unmapped.
func (r *Rewriter) lookupMapped(id types.ChangesetId) (*types.ChangesetId, error) {
	if mapped, ok := r.overlay[id]; ok {
		return &mapped, nil
	}
	switch r.dir {
	case SmallToLarge:
		return r.mappings.GetLargeFromSmall(r.cfg.SmallRepoID, r.cfg.LargeRepoID, r.cfg.Version, id)
	default:
		return r.mappings.GetSmallFromLarge(r.cfg.SmallRepoID, r.cfg.LargeRepoID, r.cfg.Version, id)
	}
}

// bind records a batch-local mapping for commits rewritten (or skipped)
// earlier in the same batch.
func (r *Rewriter) bind(source, target types.ChangesetId) {
	r.overlay[source] = target
}

// RewriteCommit produces the target-namespace equivalent of one commit.
// Rewriting the same commit twice from the same mapped parents yields a
// byte-identical result, because the id is computed by the ordinary
// content-addressing rule.
func (r *Rewriter) RewriteCommit(cs *types.Changeset) (*Rewritten, error) {
	sourceID, err := cs.ID()
	if err != nil {
		return nil, err
	}

	parents := make([]types.ChangesetId, 0, len(cs.Parents))
	for _, p := range cs.Parents {
		mapped, err := r.lookupMapped(p)
		if err != nil {
			return nil, err
		}
		if mapped == nil {
			return nil, &UnsyncedAncestorError{Commit: sourceID, Ancestor: p, Version: r.cfg.Version}
		}
		// A zero mapped id marks a skipped root; its descendants become
		// roots themselves.
		if mapped.IsZero() {
			continue
		}
		parents = append(parents, *mapped)
	}

	moved := make(map[string]types.FileChange, len(cs.FileChanges))
	for path, fc := range cs.FileChanges {
		newPath, newChange, ok := r.mover.MoveFileChange(path, fc)
		if !ok {
			continue
		}
		// Copy provenance must refer to the mapped source commit. If the
		// source commit was never synced, drop the provenance rather
		// than point across namespaces.
		if newChange.Copy != nil {
			mappedFrom, err := r.lookupMapped(newChange.Copy.FromID)
			if err != nil {
				return nil, err
			}
			if mappedFrom == nil || mappedFrom.IsZero() {
				newChange.Copy = nil
			} else {
				newChange.Copy = &types.CopyInfo{FromPath: newChange.Copy.FromPath, FromID: *mappedFrom}
			}
		}
		moved[newPath] = newChange
	}

	if len(moved) == 0 && len(cs.FileChanges) > 0 && r.cfg.EmptyCommits == EmptyCommitSkip {
		inherited := types.ChangesetId{}
		if len(parents) > 0 {
			inherited = parents[0]
		}
		r.bind(sourceID, inherited)
		return &Rewritten{Source: sourceID, Skipped: true, TargetID: inherited}, nil
	}

	extra := make(map[string][]byte, len(cs.Extra)+1)
	for k, v := range cs.Extra {
		extra[k] = v
	}
	extra[SourceExtraKey] = sourceID[:]

	target := &types.Changeset{
		Parents:     parents,
		FileChanges: moved,
		Message:     cs.Message,
		Author:      cs.Author,
		Extra:       extra,
	}
	targetID, err := target.ID()
	if err != nil {
		return nil, err
	}
	r.bind(sourceID, targetID)
	return &Rewritten{Source: sourceID, Target: target, TargetID: targetID}, nil
}

// SyncSource extracts the audit back-reference from a rewritten commit.
// It is how mappings are re-derived after a crash between publication and
// mapping record.
func SyncSource(cs *types.Changeset) (types.ChangesetId, bool) {
	raw, ok := cs.Extra[SourceExtraKey]
	if !ok {
		return types.ChangesetId{}, false
	}
	id, err := types.ChangesetIdFromBytes(raw)
	if err != nil {
		return types.ChangesetId{}, false
	}
	return id, true
}

// Syncer drives the rewrite of a commit and all of its unsynced ancestors
// between the two repositories of one config.
type Syncer struct {
	Cfg      *CommitSyncConfig
	Dir      Direction
	Source   changeset.Store
	Target   changeset.Store
	Mappings *syncmapping.Store
	Log      *slog.Logger
}

// entry builds the mapping entry for a (source, target) pair in the
// syncer's direction.
func (s *Syncer) entry(source, target types.ChangesetId) syncmapping.Entry {
	e := syncmapping.Entry{
		SmallRepo: s.Cfg.SmallRepoID,
		LargeRepo: s.Cfg.LargeRepoID,
		Version:   s.Cfg.Version,
	}
	if s.Dir == SmallToLarge {
		e.SmallID, e.LargeID = source, target
	} else {
		e.SmallID, e.LargeID = target, source
	}
	return e
}

// unsyncedAncestors returns tip and every ancestor without a mapping
// entry, in topological order, ancestors first. The walk is an explicit
// worklist; a long linear history never grows the call stack.
func (s *Syncer) unsyncedAncestors(tip types.ChangesetId) ([]types.ChangesetId, error) {
	rewriter := NewRewriter(s.Cfg, s.Dir, s.Mappings)
	members := make(map[types.ChangesetId][]types.ChangesetId)
	synced := make(map[types.ChangesetId]struct{})
	queue := []types.ChangesetId{tip}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := members[id]; ok {
			continue
		}
		if _, ok := synced[id]; ok {
			continue
		}
		mapped, err := rewriter.lookupMapped(id)
		if err != nil {
			return nil, err
		}
		if mapped != nil {
			synced[id] = struct{}{}
			continue
		}
		cs, err := s.Source.Get(id)
		if err != nil {
			return nil, err
		}
		members[id] = cs.Parents
		queue = append(queue, cs.Parents...)
	}
	return topoOrder(members)
}

// RewriteStack rewrites tip and its unsynced ancestors, ancestors first,
// and stores the rewritten commits in the target repository. It does NOT
// persist mapping entries: when a publication step follows (pushrebase may
// change the final ids), the publisher records the mappings with the final
// ids. Use SyncCommit when no publication step follows.
func (s *Syncer) RewriteStack(tip types.ChangesetId) ([]Rewritten, error) {
	order, err := s.unsyncedAncestors(tip)
	if err != nil {
		return nil, err
	}
	rewriter := NewRewriter(s.Cfg, s.Dir, s.Mappings)
	out := make([]Rewritten, 0, len(order))
	for _, id := range order {
		cs, err := s.Source.Get(id)
		if err != nil {
			return nil, err
		}
		rw, err := rewriter.RewriteCommit(cs)
		if err != nil {
			return nil, err
		}
		if rw.Skipped {
			if s.Log != nil {
				s.Log.Debug("skipping commit with no in-scope changes",
					"changeset", rw.Source.String(), "direction", s.Dir.String())
			}
			out = append(out, *rw)
			continue
		}
		stored, err := s.Target.Put(rw.Target)
		if err != nil {
			return nil, err
		}
		if stored != rw.TargetID {
			return nil, fmt.Errorf("commitsync: rewritten commit stored as %s, expected %s", stored, rw.TargetID)
		}
		out = append(out, *rw)
	}
	return out, nil
}

// SyncCommit rewrites tip and its unsynced ancestors and durably records
// the mapping entries, for flows with no separate publication step
// (backsync, backfill). It returns the target id of tip, or nil when tip
// itself was skipped.
func (s *Syncer) SyncCommit(tip types.ChangesetId) (*types.ChangesetId, error) {
	rewritten, err := s.RewriteStack(tip)
	if err != nil {
		return nil, err
	}
	var tipTarget *types.ChangesetId
	for i := range rewritten {
		rw := &rewritten[i]
		if rw.Skipped {
			continue
		}
		if err := s.Mappings.Add(s.entry(rw.Source, rw.TargetID)); err != nil {
			return nil, err
		}
	}
	if len(rewritten) > 0 {
		last := rewritten[len(rewritten)-1]
		if last.Source == tip && !last.Skipped {
			id := last.TargetID
			tipTarget = &id
		}
	}
	if tipTarget == nil {
		// tip may have been synced before this call.
		rewriter := NewRewriter(s.Cfg, s.Dir, s.Mappings)
		mapped, err := rewriter.lookupMapped(tip)
		if err != nil {
			return nil, err
		}
		if mapped != nil && !mapped.IsZero() {
			tipTarget = mapped
		}
	}
	return tipTarget, nil
}

// topoOrder Kahn-sorts the collected unsynced subgraph ancestors first.
// Parents outside the member set are already synced and impose no order.
func topoOrder(members map[types.ChangesetId][]types.ChangesetId) ([]types.ChangesetId, error) {
	indegree := make(map[types.ChangesetId]int, len(members))
	children := make(map[types.ChangesetId][]types.ChangesetId, len(members))
	for id, parents := range members {
		for _, p := range parents {
			if _, inside := members[p]; !inside {
				continue
			}
			indegree[id]++
			children[p] = append(children[p], id)
		}
	}
	var ready []types.ChangesetId
	for id := range members {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]types.ChangesetId, 0, len(members))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, c := range children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(out) != len(members) {
		return nil, fmt.Errorf("commitsync: parent cycle detected over %d changesets", len(members))
	}
	return out, nil
}
