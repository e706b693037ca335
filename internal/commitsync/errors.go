package commitsync

import (
	"fmt"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// UnsyncedAncestorError reports a rewrite attempted before the commit's
// parent was synced. Commits must be processed ancestors first; the caller
// must backfill the ancestor or treat the push as failed.
type UnsyncedAncestorError struct {
	// Commit is the changeset whose rewrite was attempted.
	Commit types.ChangesetId
	// Ancestor is the parent with no mapping entry.
	Ancestor types.ChangesetId
	// Version is the config version the mapping was looked up under.
	Version int
}

func (e *UnsyncedAncestorError) Error() string {
	return fmt.Sprintf(
		"commitsync: cannot rewrite %s: parent %s has no mapping for config version %d",
		e.Commit, e.Ancestor, e.Version,
	)
}
