package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukaspiatkowski/mononoke/internal/commitsync"
	"github.com/lukaspiatkowski/mononoke/internal/logging"
	"github.com/lukaspiatkowski/mononoke/internal/pushrebase"
	"github.com/lukaspiatkowski/mononoke/internal/syncmapping"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

func newTestPair(t *testing.T) *CrossRepo {
	t.Helper()
	mappings, err := syncmapping.Open(filepath.Join(t.TempDir(), "mappings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { mappings.Close() })

	return &CrossRepo{
		Small: newTestRepo(t, 1, "smallrepo"),
		Large: newTestRepo(t, 2, "monorepo"),
		Cfg: &commitsync.CommitSyncConfig{
			Version:         1,
			SmallRepoID:     1,
			LargeRepoID:     2,
			Prefix:          "smallrepo",
			CommonBookmarks: []string{"main"},
			BookmarkPrefix:  "smallrepo",
			EmptyCommits:    commitsync.EmptyCommitSkip,
		},
		Mappings: mappings,
		Log:      logging.Discard(),
	}
}

func TestPushSyncPublishesChain(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	a := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"src/lib.c": addFile(t, x.Small, "lib"),
	})
	b := putChangeset(t, x.Small, []types.ChangesetId{a}, "b", map[string]types.FileChange{
		"src/main.c": addFile(t, x.Small, "main"),
	})

	out, err := x.PushSync(ctx, "main", b)
	require.NoError(t, err)
	assert.Equal(t, "main", out.Bookmark, "common bookmarks keep their name")
	assert.Equal(t, 2, out.NewCommits)

	head, err := x.Large.Bookmarks.Read(2, "main")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, out.Head, *head)

	// The published head lives in the large namespace and carries the
	// audit back-reference.
	published, err := x.Large.Changesets.Get(out.Head)
	require.NoError(t, err)
	assert.Contains(t, published.FileChanges, "smallrepo/src/main.c")
	source, ok := commitsync.SyncSource(published)
	require.True(t, ok)
	assert.Equal(t, b, source)

	// Mappings, legacy revisions and alternate hashes were recorded for
	// every published commit.
	for _, small := range []types.ChangesetId{a, b} {
		mapped, err := x.Mappings.GetLargeFromSmall(1, 2, 1, small)
		require.NoError(t, err)
		require.NotNil(t, mapped, "commit %s has no mapping", small)
		rev, err := x.Large.IDs.GetLegacyRevision(*mapped)
		require.NoError(t, err)
		assert.NotNil(t, rev)
		hash, err := x.Large.IDs.GetAlternateHash(*mapped)
		require.NoError(t, err)
		assert.NotNil(t, hash)
	}
}

func TestPushSyncChainOfFour(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	var parents []types.ChangesetId
	var tip types.ChangesetId
	for _, msg := range []string{"one", "two", "three", "four"} {
		tip = putChangeset(t, x.Small, parents, msg, map[string]types.FileChange{
			"f/" + msg: addFile(t, x.Small, msg),
		})
		parents = []types.ChangesetId{tip}
	}

	out, err := x.PushSync(ctx, "main", tip)
	require.NoError(t, err)
	assert.Equal(t, 4, out.NewCommits)

	// One published chain means one bookmark move.
	n, err := x.Large.Bookmarks.LogCount(2, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPushSyncToNewBookmark(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	a := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v"),
	})
	_, err := x.PushSync(ctx, "main", a)
	require.NoError(t, err)

	// Pushing a child to a bookmark that does not exist yet creates it,
	// rooted on the already-synced ancestor.
	b := putChangeset(t, x.Small, []types.ChangesetId{a}, "b", map[string]types.FileChange{
		"g": addFile(t, x.Small, "w"),
	})
	out, err := x.PushSync(ctx, "feature", b)
	require.NoError(t, err)
	assert.Equal(t, "smallrepo/feature", out.Bookmark)

	head, err := x.Large.Bookmarks.Read(2, "smallrepo/feature")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, out.Head, *head)

	mapped, err := x.Mappings.GetLargeFromSmall(1, 2, 1, b)
	require.NoError(t, err)
	require.NotNil(t, mapped)
	assert.Equal(t, *mapped, out.Head)
}

func TestPushSyncRepushOfAncestorIsNoop(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	a := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v1"),
	})
	b := putChangeset(t, x.Small, []types.ChangesetId{a}, "b", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v2"),
	})
	second, err := x.PushSync(ctx, "main", b)
	require.NoError(t, err)

	// Re-pushing a after b landed on top of it must not conflict with
	// a's own published copy.
	out, err := x.PushSync(ctx, "main", a)
	require.NoError(t, err)
	assert.Equal(t, second.Head, out.Head)
	assert.Equal(t, 0, out.NewCommits)
}

func TestPushSyncRepublishesRevertedContent(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	// c3 reverts f to c1's content, so c1 and c3 carry the same change
	// set. Their alternate hashes must still be distinct or recording
	// the third publication fails.
	c1 := putChangeset(t, x.Small, nil, "add f", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v1"),
	})
	_, err := x.PushSync(ctx, "main", c1)
	require.NoError(t, err)

	c2 := putChangeset(t, x.Small, []types.ChangesetId{c1}, "drop f", map[string]types.FileChange{
		"f": {Type: types.FileDeleted},
	})
	_, err = x.PushSync(ctx, "main", c2)
	require.NoError(t, err)

	c3 := putChangeset(t, x.Small, []types.ChangesetId{c2}, "restore f", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v1"),
	})
	_, err = x.PushSync(ctx, "main", c3)
	require.NoError(t, err)

	first, err := x.Mappings.GetLargeFromSmall(1, 2, 1, c1)
	require.NoError(t, err)
	require.NotNil(t, first)
	third, err := x.Mappings.GetLargeFromSmall(1, 2, 1, c3)
	require.NoError(t, err)
	require.NotNil(t, third)

	h1, err := x.Large.IDs.GetAlternateHash(*first)
	require.NoError(t, err)
	require.NotNil(t, h1)
	h3, err := x.Large.IDs.GetAlternateHash(*third)
	require.NoError(t, err)
	require.NotNil(t, h3)
	assert.NotEqual(t, *h1, *h3)
}

func TestPushSyncRewritesCopyProvenance(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	base := putChangeset(t, x.Small, nil, "base", map[string]types.FileChange{
		"a": addFile(t, x.Small, "alpha"),
		"b": addFile(t, x.Small, "beta"),
	})
	_, err := x.PushSync(ctx, "main", base)
	require.NoError(t, err)

	movedA := addFile(t, x.Small, "alpha")
	movedA.Copy = &types.CopyInfo{FromPath: "a", FromID: base}
	copiedB := addFile(t, x.Small, "beta")
	copiedB.Copy = &types.CopyInfo{FromPath: "b", FromID: base}
	tip := putChangeset(t, x.Small, []types.ChangesetId{base}, "rearrange", map[string]types.FileChange{
		"a":        {Type: types.FileDeleted},
		"moved_a":  movedA,
		"copied_b": copiedB,
	})

	out, err := x.PushSync(ctx, "main", tip)
	require.NoError(t, err)

	published, err := x.Large.Changesets.Get(out.Head)
	require.NoError(t, err)

	moved, ok := published.FileChanges["smallrepo/moved_a"]
	require.True(t, ok)
	require.NotNil(t, moved.Copy)
	assert.Equal(t, "smallrepo/a", moved.Copy.FromPath)
	// The provenance commit is remapped into the large namespace.
	baseMapped, err := x.Mappings.GetLargeFromSmall(1, 2, 1, base)
	require.NoError(t, err)
	require.NotNil(t, baseMapped)
	assert.Equal(t, *baseMapped, moved.Copy.FromID)

	copied, ok := published.FileChanges["smallrepo/copied_b"]
	require.True(t, ok)
	require.NotNil(t, copied.Copy)
	assert.Equal(t, "smallrepo/b", copied.Copy.FromPath)

	del, ok := published.FileChanges["smallrepo/a"]
	require.True(t, ok)
	assert.Equal(t, types.FileDeleted, del.Type)

	// The diff of the published range reports the rename and the copy
	// under the prefix.
	entries, err := x.Large.Diff(baseMapped.String(), out.Head.String())
	require.NoError(t, err)
	byPath := map[string]DiffEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	assert.Equal(t, StatusRenamed, byPath["smallrepo/moved_a"].Status)
	assert.Equal(t, StatusCopied, byPath["smallrepo/copied_b"].Status)
}

func TestPushSyncAppendsBookmarkLog(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	a := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v1"),
	})
	_, err := x.PushSync(ctx, "main", a)
	require.NoError(t, err)

	b := putChangeset(t, x.Small, []types.ChangesetId{a}, "b", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v2"),
	})
	_, err = x.PushSync(ctx, "main", b)
	require.NoError(t, err)

	// One log entry per successful bookmark move.
	n, err := x.Large.Bookmarks.LogCount(2, "main")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPushSyncIdempotent(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	tip := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v"),
	})
	first, err := x.PushSync(ctx, "main", tip)
	require.NoError(t, err)

	again, err := x.PushSync(ctx, "main", tip)
	require.NoError(t, err)
	assert.Equal(t, first.Head, again.Head)
	assert.Equal(t, 0, again.NewCommits)
}

func TestPushSyncRebasesOntoLargeOnlyWork(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	a := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v"),
	})
	first, err := x.PushSync(ctx, "main", a)
	require.NoError(t, err)

	// Unrelated work lands directly in the large repository and advances
	// the shared bookmark.
	landed := putChangeset(t, x.Large, []types.ChangesetId{first.Head}, "large-only", map[string]types.FileChange{
		"otherproject/readme": addFile(t, x.Large, "doc"),
	})
	prev := first.Head
	ok, err := x.Large.Bookmarks.CompareAndSwap(2, "main", &prev, landed)
	require.NoError(t, err)
	require.True(t, ok)

	b := putChangeset(t, x.Small, []types.ChangesetId{a}, "b", map[string]types.FileChange{
		"g": addFile(t, x.Small, "w"),
	})
	out, err := x.PushSync(ctx, "main", b)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NewCommits)

	// The published commit was rebased onto the landed large-only commit
	// and the mapping records the post-rebase id.
	published, err := x.Large.Changesets.Get(out.Head)
	require.NoError(t, err)
	require.Len(t, published.Parents, 1)
	assert.Equal(t, landed, published.Parents[0])
	_, wasRebased := published.Extra[pushrebase.RebasedFromExtraKey]
	assert.True(t, wasRebased)

	mapped, err := x.Mappings.GetLargeFromSmall(1, 2, 1, b)
	require.NoError(t, err)
	require.NotNil(t, mapped)
	assert.Equal(t, out.Head, *mapped)
}

func TestPushSyncUnsyncedTipFails(t *testing.T) {
	x := newTestPair(t)

	// A commit whose every change is out of the reverse scope cannot
	// happen small-to-large, but an unmapped tip with nothing to rewrite
	// can: pushing a never-stored id.
	_, err := x.PushSync(context.Background(), "main", types.ChangesetId{42})
	require.Error(t, err)
}

func TestCreateAndDeleteMirroredBookmark(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	tip := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v"),
	})
	_, err := x.PushSync(ctx, "main", tip)
	require.NoError(t, err)

	// Creating before any sync fails.
	unsynced := putChangeset(t, x.Small, []types.ChangesetId{tip}, "local", map[string]types.FileChange{
		"g": addFile(t, x.Small, "w"),
	})
	require.Error(t, x.CreateBookmark(ctx, "feature", unsynced))

	require.NoError(t, x.CreateBookmark(ctx, "feature", tip))

	// Non-common bookmarks are namespaced on the large side.
	head, err := x.Large.Bookmarks.Read(2, "smallrepo/feature")
	require.NoError(t, err)
	require.NotNil(t, head)
	mapped, err := x.Mappings.GetLargeFromSmall(1, 2, 1, tip)
	require.NoError(t, err)
	require.NotNil(t, mapped)
	assert.Equal(t, *mapped, *head)

	require.NoError(t, x.DeleteBookmark(ctx, "feature"))
	head, err = x.Large.Bookmarks.Read(2, "smallrepo/feature")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestBacksyncProjectsLargeCommit(t *testing.T) {
	x := newTestPair(t)
	ctx := context.Background()

	small := putChangeset(t, x.Small, nil, "a", map[string]types.FileChange{
		"f": addFile(t, x.Small, "v"),
	})
	out, err := x.PushSync(ctx, "main", small)
	require.NoError(t, err)

	// A large-repo commit touches the embedded prefix plus unrelated
	// paths; only the prefixed changes project back.
	large := putChangeset(t, x.Large, []types.ChangesetId{out.Head}, "mixed", map[string]types.FileChange{
		"smallrepo/g":         addFile(t, x.Large, "w"),
		"otherproject/readme": addFile(t, x.Large, "doc"),
	})

	tip, err := x.Backsync(ctx, large)
	require.NoError(t, err)
	require.NotNil(t, tip)

	projected, err := x.Small.Changesets.Get(*tip)
	require.NoError(t, err)
	assert.Contains(t, projected.FileChanges, "g")
	assert.Len(t, projected.FileChanges, 1)
	require.Len(t, projected.Parents, 1)
	assert.Equal(t, small, projected.Parents[0], "the projected commit reparents onto the mapped small ancestor")

	mapped, err := x.Mappings.GetSmallFromLarge(1, 2, 1, large)
	require.NoError(t, err)
	require.NotNil(t, mapped)
	assert.Equal(t, *tip, *mapped)
}
