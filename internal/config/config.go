// Package config handles configuration loading and validation for the
// storage backend: storage locations, logging, and the commit sync
// section for one repository pair.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lukaspiatkowski/mononoke/internal/commitsync"
	"github.com/lukaspiatkowski/mononoke/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete backend configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the durable stores.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging logging.Config `toml:"logging" json:"logging" yaml:"logging"`

	// Sync is the commit sync configuration for the repo pair.
	Sync commitsync.CommitSyncConfig `toml:"sync" json:"sync" yaml:"sync"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	// Root is the directory holding every store. The individual paths
	// below default to locations under it.
	Root string `toml:"root" json:"root" yaml:"root"`

	// BookmarksDB is the path to the bookmark database.
	BookmarksDB string `toml:"bookmarks_db" json:"bookmarks_db" yaml:"bookmarks_db"`

	// MappingsDB is the path to the synced commit mapping database.
	MappingsDB string `toml:"mappings_db" json:"mappings_db" yaml:"mappings_db"`

	// IdentifiersDB is the path to the identifier mapping database.
	IdentifiersDB string `toml:"identifiers_db" json:"identifiers_db" yaml:"identifiers_db"`

	// ChangesetDir is the directory for persisted changesets. One
	// subdirectory per repository is created beneath it.
	ChangesetDir string `toml:"changeset_dir" json:"changeset_dir" yaml:"changeset_dir"`

	// BlobDir is the directory for file content blobs.
	BlobDir string `toml:"blob_dir" json:"blob_dir" yaml:"blob_dir"`
}

// DefaultConfig returns a configuration with every default applied. The
// sync section has no usable default and must come from the file.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Storage: StorageConfig{Root: "data"},
		Logging: logging.DefaultConfig(),
		Sync: commitsync.CommitSyncConfig{
			EmptyCommits: commitsync.EmptyCommitSkip,
		},
	}
}

// applyDefaults fills derived paths from the storage root.
func (c *Config) applyDefaults() {
	if c.Storage.Root == "" {
		c.Storage.Root = "data"
	}
	if c.Storage.BookmarksDB == "" {
		c.Storage.BookmarksDB = c.Storage.Root + "/bookmarks.db"
	}
	if c.Storage.MappingsDB == "" {
		c.Storage.MappingsDB = c.Storage.Root + "/mappings.db"
	}
	if c.Storage.IdentifiersDB == "" {
		c.Storage.IdentifiersDB = c.Storage.Root + "/identifiers.db"
	}
	if c.Storage.ChangesetDir == "" {
		c.Storage.ChangesetDir = c.Storage.Root + "/changesets"
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = c.Storage.Root + "/blobs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Sync.EmptyCommits == "" {
		c.Sync.EmptyCommits = commitsync.EmptyCommitSkip
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be \"text\" or \"json\", got %q", c.Logging.Format),
		})
	}
	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "sync", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ApplyEnvOverrides overrides select fields from MONONOKE_* environment
// variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MONONOKE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MONONOKE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MONONOKE_STORAGE_ROOT"); v != "" {
		root := c.Storage.Root
		c.Storage.Root = v
		// Re-derive paths that followed the old root.
		if strings.HasPrefix(c.Storage.BookmarksDB, root+"/") {
			c.Storage.BookmarksDB = v + strings.TrimPrefix(c.Storage.BookmarksDB, root)
		}
		if strings.HasPrefix(c.Storage.MappingsDB, root+"/") {
			c.Storage.MappingsDB = v + strings.TrimPrefix(c.Storage.MappingsDB, root)
		}
		if strings.HasPrefix(c.Storage.IdentifiersDB, root+"/") {
			c.Storage.IdentifiersDB = v + strings.TrimPrefix(c.Storage.IdentifiersDB, root)
		}
		if strings.HasPrefix(c.Storage.ChangesetDir, root+"/") {
			c.Storage.ChangesetDir = v + strings.TrimPrefix(c.Storage.ChangesetDir, root)
		}
		if strings.HasPrefix(c.Storage.BlobDir, root+"/") {
			c.Storage.BlobDir = v + strings.TrimPrefix(c.Storage.BlobDir, root)
		}
	}
	if v := os.Getenv("MONONOKE_SYNC_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.Version = n
		}
	}
}
