package syncmapping

import (
	"fmt"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// MappingConflictError reports an attempt to record a second, different
// equivalence for an already-mapped changeset. It is fatal and surfaced to
// an operator; it is never auto-resolved.
type MappingConflictError struct {
	// Entry is the rejected insertion.
	Entry Entry
	// ExistingTarget is set when Entry's source is already mapped to a
	// different target.
	ExistingTarget types.ChangesetId
	// ExistingSource is set when Entry's target is already claimed by a
	// different source.
	ExistingSource *types.ChangesetId
}

func (e *MappingConflictError) Error() string {
	if e.ExistingSource != nil {
		return fmt.Sprintf(
			"syncmapping: conflict for target %s (version %d): already mapped from %s, refusing %s",
			e.Entry.LargeID, e.Entry.Version, e.ExistingSource, e.Entry.SmallID,
		)
	}
	return fmt.Sprintf(
		"syncmapping: conflict for source %s (version %d): already mapped to %s, refusing %s",
		e.Entry.SmallID, e.Entry.Version, e.ExistingTarget, e.Entry.LargeID,
	)
}
