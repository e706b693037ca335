package walker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukaspiatkowski/mononoke/internal/blobstore"
	"github.com/lukaspiatkowski/mononoke/internal/bookmarks"
	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/commitsync"
	"github.com/lukaspiatkowski/mononoke/internal/idmap"
	"github.com/lukaspiatkowski/mononoke/internal/logging"
	"github.com/lukaspiatkowski/mononoke/internal/syncmapping"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

func testStores(t *testing.T) (changeset.Store, *bookmarks.Store, *syncmapping.Store, *idmap.Store) {
	t.Helper()
	dir := t.TempDir()
	bm, err := bookmarks.Open(filepath.Join(dir, "bookmarks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bm.Close() })
	m, err := syncmapping.Open(filepath.Join(dir, "mappings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	ids, err := idmap.Open(filepath.Join(dir, "identifiers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })
	return changeset.NewMemStore(), bm, m, ids
}

func testCfg() *commitsync.CommitSyncConfig {
	return &commitsync.CommitSyncConfig{
		Version:        1,
		SmallRepoID:    1,
		LargeRepoID:    2,
		Prefix:         "smallrepo",
		BookmarkPrefix: "smallrepo",
		EmptyCommits:   commitsync.EmptyCommitSkip,
	}
}

func putCommit(t *testing.T, s changeset.Store, parents []types.ChangesetId, msg string, extra map[string][]byte) types.ChangesetId {
	t.Helper()
	c, err := blobstore.ComputeID([]byte(msg))
	require.NoError(t, err)
	id, err := s.Put(&types.Changeset{
		Parents: parents,
		FileChanges: map[string]types.FileChange{
			"smallrepo/" + msg: {Type: types.FileModified, ContentID: c, Size: 1},
		},
		Message: msg,
		Author:  "test <test@example.com>",
		Extra:   extra,
	})
	require.NoError(t, err)
	return id
}

func sourceExtra(small types.ChangesetId) map[string][]byte {
	return map[string][]byte{commitsync.SourceExtraKey: small[:]}
}

func TestCheckCleanRepository(t *testing.T) {
	cs, bm, mappings, ids := testStores(t)
	cfg := testCfg()

	smallA := types.ChangesetId{1}
	smallB := types.ChangesetId{2}
	a := putCommit(t, cs, nil, "a", sourceExtra(smallA))
	b := putCommit(t, cs, []types.ChangesetId{a}, "b", sourceExtra(smallB))

	require.NoError(t, mappings.Add(syncmapping.Entry{SmallRepo: 1, LargeRepo: 2, Version: 1, SmallID: smallA, LargeID: a}))
	require.NoError(t, mappings.Add(syncmapping.Entry{SmallRepo: 1, LargeRepo: 2, Version: 1, SmallID: smallB, LargeID: b}))
	for _, id := range []types.ChangesetId{a, b} {
		_, err := ids.AssignLegacyRevision(id)
		require.NoError(t, err)
	}
	ok, err := bm.CompareAndSwap(2, "main", nil, b)
	require.NoError(t, err)
	require.True(t, ok)

	checker := &Checker{
		Changesets: cs, Bookmarks: bm, Repo: 2,
		Cfg: cfg, Mappings: mappings,
		IDs: ids, RequireLegacy: true,
		Log: logging.Discard(),
	}
	report, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %v", report.Findings)
	assert.Equal(t, 2, report.Checked)
}

// tamperedStore serves a different message for one changeset, simulating
// a storage backend whose content no longer matches its key.
type tamperedStore struct {
	changeset.Store
	victim types.ChangesetId
}

func (s *tamperedStore) Get(id types.ChangesetId) (*types.Changeset, error) {
	cs, err := s.Store.Get(id)
	if err != nil {
		return nil, err
	}
	if id == s.victim {
		cs.Message = "tampered"
	}
	return cs, nil
}

func TestCheckCorruptedChangeset(t *testing.T) {
	cs, bm, _, _ := testStores(t)

	a := putCommit(t, cs, nil, "a", nil)
	b := putCommit(t, cs, []types.ChangesetId{a}, "b", nil)
	ok, err := bm.CompareAndSwap(2, "main", nil, b)
	require.NoError(t, err)
	require.True(t, ok)

	checker := &Checker{
		Changesets: &tamperedStore{Store: cs, victim: a},
		Bookmarks:  bm, Repo: 2,
		Log: logging.Discard(),
	}
	report, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, CheckHash, report.Findings[0].Check)
	assert.Equal(t, a, report.Findings[0].Changeset)
	assert.Contains(t, report.Findings[0].Detail, "content hashes to")
}

func TestCheckMissingParent(t *testing.T) {
	cs, bm, _, _ := testStores(t)

	orphan := putCommit(t, cs, []types.ChangesetId{{42}}, "orphan", nil)
	checker := &Checker{Changesets: cs, Bookmarks: bm, Repo: 2, Log: logging.Discard()}

	report := &Report{}
	require.NoError(t, checker.checkOne(orphan, report))
	require.Len(t, report.Findings, 1)
	assert.Equal(t, CheckParents, report.Findings[0].Check)
	assert.Equal(t, orphan, report.Findings[0].Changeset)
}

func TestCheckSyncSourceWithoutMapping(t *testing.T) {
	cs, bm, mappings, _ := testStores(t)
	cfg := testCfg()

	// The commit claims a sync source but no mapping entry exists: the
	// publish-then-record sequence was interrupted.
	id := putCommit(t, cs, nil, "unrecorded", sourceExtra(types.ChangesetId{7}))
	ok, err := bm.CompareAndSwap(2, "main", nil, id)
	require.NoError(t, err)
	require.True(t, ok)

	checker := &Checker{
		Changesets: cs, Bookmarks: bm, Repo: 2,
		Cfg: cfg, Mappings: mappings,
		Log: logging.Discard(),
	}
	report, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, CheckMappingSource, report.Findings[0].Check)
}

func TestCheckSyncSourceDisagreesWithMapping(t *testing.T) {
	cs, bm, mappings, _ := testStores(t)
	cfg := testCfg()

	claimed := types.ChangesetId{7}
	recorded := types.ChangesetId{8}
	id := putCommit(t, cs, nil, "diverged", sourceExtra(claimed))
	require.NoError(t, mappings.Add(syncmapping.Entry{SmallRepo: 1, LargeRepo: 2, Version: 1, SmallID: recorded, LargeID: id}))
	ok, err := bm.CompareAndSwap(2, "main", nil, id)
	require.NoError(t, err)
	require.True(t, ok)

	checker := &Checker{
		Changesets: cs, Bookmarks: bm, Repo: 2,
		Cfg: cfg, Mappings: mappings,
		Log: logging.Discard(),
	}
	report, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, CheckMappingSource, report.Findings[0].Check)
}

func TestCheckMissingLegacyRevision(t *testing.T) {
	cs, bm, _, ids := testStores(t)

	id := putCommit(t, cs, nil, "unnumbered", nil)
	ok, err := bm.CompareAndSwap(2, "main", nil, id)
	require.NoError(t, err)
	require.True(t, ok)

	checker := &Checker{
		Changesets: cs, Bookmarks: bm, Repo: 2,
		IDs: ids, RequireLegacy: true,
		Log: logging.Discard(),
	}
	report, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, CheckLegacyLink, report.Findings[0].Check)
}

func TestCheckCancelled(t *testing.T) {
	cs, bm, _, _ := testStores(t)
	id := putCommit(t, cs, nil, "tip", nil)
	ok, err := bm.CompareAndSwap(2, "main", nil, id)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := &Checker{Changesets: cs, Bookmarks: bm, Repo: 2, Log: logging.Discard()}
	_, err = checker.Check(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
