// Package commitsync rewrites commits between the small repository's
// namespace and the large (mono) repository that embeds it under a path
// prefix, and decides how bookmark names correspond across the pair.
package commitsync

import (
	"fmt"
	"strings"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// Direction selects which way a rewrite goes.
type Direction int

const (
	// SmallToLarge moves a commit into the large repository's namespace.
	SmallToLarge Direction = iota
	// LargeToSmall projects a commit onto the small repository.
	LargeToSmall
)

func (d Direction) String() string {
	if d == SmallToLarge {
		return "small-to-large"
	}
	return "large-to-small"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == SmallToLarge {
		return LargeToSmall
	}
	return SmallToLarge
}

// EmptyCommitPolicy decides what happens when rewriting drops every file
// change of a commit. This is an explicit configuration choice, never an
// implicit default.
type EmptyCommitPolicy string

const (
	// EmptyCommitSkip skips the commit entirely: no rewritten commit is
	// emitted and no mapping entry is created.
	EmptyCommitSkip EmptyCommitPolicy = "skip"
	// EmptyCommitKeep emits the rewritten commit with no file changes.
	EmptyCommitKeep EmptyCommitPolicy = "keep"
)

// CommitSyncConfig is the versioned configuration for one repo pair.
type CommitSyncConfig struct {
	// Version identifies this mapping configuration. Mapping entries are
	// scoped to it.
	Version int `toml:"version" json:"version" yaml:"version"`

	SmallRepoID types.RepositoryID `toml:"small_repo_id" json:"small_repo_id" yaml:"small_repo_id"`
	LargeRepoID types.RepositoryID `toml:"large_repo_id" json:"large_repo_id" yaml:"large_repo_id"`

	// Prefix is the directory under which the small repository is
	// embedded in the large repository.
	Prefix string `toml:"prefix" json:"prefix" yaml:"prefix"`

	// CommonBookmarks are synchronized under the identical name in both
	// repositories. Every other bookmark is mirrored under
	// BookmarkPrefix on the large side.
	CommonBookmarks []string `toml:"common_bookmarks" json:"common_bookmarks" yaml:"common_bookmarks"`

	// BookmarkPrefix namespaces non-common bookmarks in the large
	// repository.
	BookmarkPrefix string `toml:"bookmark_prefix" json:"bookmark_prefix" yaml:"bookmark_prefix"`

	// EmptyCommits is the policy for commits whose rewritten change set
	// is empty.
	EmptyCommits EmptyCommitPolicy `toml:"empty_commits" json:"empty_commits" yaml:"empty_commits"`
}

// Validate checks the configuration for internal consistency.
func (c *CommitSyncConfig) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("commitsync: config version must be positive, got %d", c.Version)
	}
	if c.SmallRepoID == c.LargeRepoID {
		return fmt.Errorf("commitsync: small and large repo ids must differ, both are %d", int(c.SmallRepoID))
	}
	if c.Prefix == "" {
		return fmt.Errorf("commitsync: prefix must not be empty")
	}
	if strings.HasPrefix(c.Prefix, "/") || strings.HasSuffix(c.Prefix, "/") {
		return fmt.Errorf("commitsync: prefix %q must not have leading or trailing slash", c.Prefix)
	}
	if c.BookmarkPrefix == "" {
		return fmt.Errorf("commitsync: bookmark prefix must not be empty")
	}
	if strings.HasSuffix(c.BookmarkPrefix, "/") {
		return fmt.Errorf("commitsync: bookmark prefix %q must not end with a slash", c.BookmarkPrefix)
	}
	switch c.EmptyCommits {
	case EmptyCommitSkip, EmptyCommitKeep:
	default:
		return fmt.Errorf("commitsync: empty commit policy must be %q or %q, got %q", EmptyCommitSkip, EmptyCommitKeep, c.EmptyCommits)
	}
	return nil
}

// IsCommonBookmark reports whether a bookmark name is in the common set.
func (c *CommitSyncConfig) IsCommonBookmark(name string) bool {
	for _, b := range c.CommonBookmarks {
		if b == name {
			return true
		}
	}
	return false
}

// ResolveBookmark decides the large-repo-visible name for a small-repo
// bookmark. Common bookmarks keep their name in both repositories; every
// other name is prefixed on the large side so a small-repo-local bookmark
// can never collide with an unrelated large-repo bookmark. The small
// repository's namespace is never rewritten.
func ResolveBookmark(name string, cfg *CommitSyncConfig) (visibleName string, isCommon bool) {
	if cfg.IsCommonBookmark(name) {
		return name, true
	}
	return cfg.BookmarkPrefix + "/" + name, false
}
