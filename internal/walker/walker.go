// Package walker validates structural invariants of a repository's
// changeset graph and its mapping tables. It is strictly read-only: the
// outcome is a report, never a repair.
package walker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lukaspiatkowski/mononoke/internal/bookmarks"
	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/commitsync"
	"github.com/lukaspiatkowski/mononoke/internal/idmap"
	"github.com/lukaspiatkowski/mononoke/internal/syncmapping"
	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// Check names for findings.
const (
	CheckHash            = "changeset-hash"
	CheckParents         = "parents-present"
	CheckSemantics       = "changeset-semantics"
	CheckMappingSymmetry = "mapping-symmetry"
	CheckMappingSource   = "mapping-source"
	CheckLegacyLink      = "legacy-link"
)

// Finding is one detected invariant violation.
type Finding struct {
	Changeset types.ChangesetId
	Check     string
	Detail    string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Changeset, f.Check, f.Detail)
}

// Report is the outcome of one walk.
type Report struct {
	Checked  int
	Findings []Finding
}

// OK reports whether the walk found no violations.
func (r *Report) OK() bool {
	return len(r.Findings) == 0
}

func (r *Report) add(id types.ChangesetId, check, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{
		Changeset: id,
		Check:     check,
		Detail:    fmt.Sprintf(format, args...),
	})
}

// Checker walks one repository's graph from its bookmarks. The mapping and
// identifier checks are optional and run only when the corresponding
// stores are configured.
type Checker struct {
	Changesets changeset.Store
	Bookmarks  *bookmarks.Store
	Repo       types.RepositoryID

	// Cfg and Mappings enable the mapping-symmetry checks. The walked
	// repository must be the pair's large repository.
	Cfg      *commitsync.CommitSyncConfig
	Mappings *syncmapping.Store

	// IDs and RequireLegacy enable the legacy-link population check.
	IDs           *idmap.Store
	RequireLegacy bool

	Log *slog.Logger
}

// Check walks every changeset reachable from the repository's bookmarks
// and validates the structural invariants.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	heads, err := c.Bookmarks.List(c.Repo)
	if err != nil {
		return nil, err
	}
	ids := make([]types.ChangesetId, 0, len(heads))
	for _, b := range heads {
		ids = append(ids, b.Target)
	}
	reachable, err := changeset.Reachable(c.Changesets, ids...)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for id := range reachable {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.checkOne(id, report); err != nil {
			return nil, err
		}
		report.Checked++
	}
	if c.Log != nil {
		c.Log.Info("graph walk finished",
			"repo", int(c.Repo), "checked", report.Checked, "findings", len(report.Findings))
	}
	return report, nil
}

func (c *Checker) checkOne(id types.ChangesetId, report *Report) error {
	cs, err := c.Changesets.Get(id)
	if err != nil {
		return err
	}

	// The stored changeset must hash back to the key it is stored under.
	computed, err := cs.ID()
	if err != nil {
		return err
	}
	if computed != id {
		report.add(id, CheckHash, "content hashes to %s", computed)
		// A bad hash undermines every other check for this changeset.
		return nil
	}

	for _, p := range cs.Parents {
		if !c.Changesets.Has(p) {
			report.add(id, CheckParents, "parent %s is missing", p)
		}
	}

	if err := cs.Verify(); err != nil {
		report.add(id, CheckSemantics, "%v", err)
	}

	if c.Mappings != nil && c.Cfg != nil {
		if err := c.checkMapping(id, cs, report); err != nil {
			return err
		}
	}

	if c.IDs != nil && c.RequireLegacy {
		rev, err := c.IDs.GetLegacyRevision(id)
		if err != nil {
			return err
		}
		if rev == nil {
			report.add(id, CheckLegacyLink, "no legacy revision assigned")
		}
	}
	return nil
}

// checkMapping verifies the synced-commit mapping both ways: the small id
// recorded for this large commit must map back to it, and the audit
// back-reference carried in the commit must agree with the durable
// mapping.
func (c *Checker) checkMapping(id types.ChangesetId, cs *types.Changeset, report *Report) error {
	small, err := c.Mappings.GetSmallFromLarge(c.Cfg.SmallRepoID, c.Cfg.LargeRepoID, c.Cfg.Version, id)
	if err != nil {
		return err
	}
	if small != nil {
		roundTrip, err := c.Mappings.GetLargeFromSmall(c.Cfg.SmallRepoID, c.Cfg.LargeRepoID, c.Cfg.Version, *small)
		if err != nil {
			return err
		}
		if roundTrip == nil || *roundTrip != id {
			got := "nothing"
			if roundTrip != nil {
				got = roundTrip.String()
			}
			report.add(id, CheckMappingSymmetry, "maps to small %s which maps back to %s", small, got)
		}
	}

	if source, ok := commitsync.SyncSource(cs); ok {
		if small == nil {
			report.add(id, CheckMappingSource, "carries sync source %s but has no mapping entry", source)
		} else if *small != source {
			report.add(id, CheckMappingSource, "carries sync source %s but is mapped from %s", source, small)
		}
	}
	return nil
}
