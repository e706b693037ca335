package pushrebase

import (
	"fmt"
	"strings"
)

// RebaseConflictError reports overlapping file edits between the pushed
// chain and commits that landed on the bookmark since the chain's base.
// The pushing client is expected to rebase locally and retry.
type RebaseConflictError struct {
	// Paths are the conflicting paths, sorted.
	Paths []string
}

func (e *RebaseConflictError) Error() string {
	return fmt.Sprintf("pushrebase: conflicting paths: %s", strings.Join(e.Paths, ", "))
}

// TooManyRetriesError reports exhausted compare-and-swap retries under
// high contention on one bookmark. It is transient: the push is safe to
// retry later.
type TooManyRetriesError struct {
	Bookmark string
	Attempts int
}

func (e *TooManyRetriesError) Error() string {
	return fmt.Sprintf("pushrebase: bookmark %q moved concurrently %d times, giving up", e.Bookmark, e.Attempts)
}
