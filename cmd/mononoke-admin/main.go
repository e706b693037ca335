// mononoke-admin is the operator CLI for the storage backend: identifier
// lookup and conversion, path-level diffs, bookmark inspection, cross-repo
// push synchronization, and offline graph validation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lukaspiatkowski/mononoke/internal/blobstore"
	"github.com/lukaspiatkowski/mononoke/internal/bookmarks"
	"github.com/lukaspiatkowski/mononoke/internal/changeset"
	"github.com/lukaspiatkowski/mononoke/internal/config"
	"github.com/lukaspiatkowski/mononoke/internal/idmap"
	"github.com/lukaspiatkowski/mononoke/internal/logging"
	"github.com/lukaspiatkowski/mononoke/internal/repo"
	"github.com/lukaspiatkowski/mononoke/internal/syncmapping"
	"github.com/lukaspiatkowski/mononoke/internal/types"
	"github.com/lukaspiatkowski/mononoke/internal/walker"
)

var configPath = flag.String("config", "config.toml", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "lookup":
		requireArgs(args, 1, "lookup <identifier>")
		cmdLookup(args[0])
	case "hash-convert":
		cmdHashConvert(args)
	case "diff":
		requireArgs(args, 2, "diff <from> <to>")
		cmdDiff(args[0], args[1])
	case "bookmarks":
		cmdBookmarks(args)
	case "push-sync":
		requireArgs(args, 2, "push-sync <bookmark> <small-tip>")
		cmdPushSync(args[0], args[1])
	case "delete-bookmark":
		requireArgs(args, 1, "delete-bookmark <bookmark>")
		cmdDeleteBookmark(args[0])
	case "check":
		cmdCheck(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `mononoke-admin - Operator utility for the storage backend

Usage: mononoke-admin [options] <command> [args]

Commands:
  lookup <identifier>              Resolve an identifier and print every scheme
  hash-convert -to <scheme> <id>   Convert an identifier to another scheme
  diff <from> <to>                 Path-level diff between two commits
  bookmarks [small|large]          List bookmarks of a repository
  push-sync <bookmark> <tip>       Sync a small-repo push onto the large repo
  delete-bookmark <bookmark>       Mirror a small-repo bookmark deletion
  check [-require-legacy=false]    Validate graph and mapping invariants
  help                             Show this help message

Options:
  -config <path>  Path to config file (default: config.toml)

Identifiers may be a 64-hex native id, a decimal legacy revision, a 40-hex
alternate hash, or a bookmark name.`)
}

func requireArgs(args []string, n int, usageLine string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "Usage: mononoke-admin %s\n", usageLine)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// env is everything the subcommands operate on.
type env struct {
	cfg   *config.Config
	cross *repo.CrossRepo
}

func openEnv() *env {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fatal(err)
	}

	small, err := openRepo(cfg, cfg.Sync.SmallRepoID, "small")
	if err != nil {
		fatal(err)
	}
	large, err := openRepo(cfg, cfg.Sync.LargeRepoID, "large")
	if err != nil {
		fatal(err)
	}
	mappings, err := syncmapping.Open(cfg.Storage.MappingsDB)
	if err != nil {
		fatal(err)
	}

	return &env{
		cfg: cfg,
		cross: &repo.CrossRepo{
			Small:    small,
			Large:    large,
			Cfg:      &cfg.Sync,
			Mappings: mappings,
			Log:      logging.Component(log, "crossrepo"),
		},
	}
}

func openRepo(cfg *config.Config, id types.RepositoryID, name string) (*repo.Repo, error) {
	changesets, err := changeset.NewDiskStore(filepath.Join(cfg.Storage.ChangesetDir, name))
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.NewDiskStore(filepath.Join(cfg.Storage.BlobDir, name))
	if err != nil {
		return nil, err
	}
	marks, err := bookmarks.Open(cfg.Storage.BookmarksDB)
	if err != nil {
		return nil, err
	}
	ids, err := idmap.Open(cfg.Storage.IdentifiersDB)
	if err != nil {
		return nil, err
	}
	return &repo.Repo{
		ID:         id,
		Name:       name,
		Changesets: changesets,
		Blobs:      blobs,
		Bookmarks:  marks,
		IDs:        ids,
	}, nil
}

func cmdLookup(ident string) {
	e := openEnv()
	result, err := e.cross.Large.Lookup(ident)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("native:          %s\n", result.Native)
	if result.LegacyRevision != nil {
		fmt.Printf("legacy-revision: %d\n", *result.LegacyRevision)
	}
	if result.AlternateHash != nil {
		fmt.Printf("alternate-hash:  %s\n", result.AlternateHash)
	}
}

func cmdHashConvert(args []string) {
	fs := flag.NewFlagSet("hash-convert", flag.ExitOnError)
	to := fs.String("to", "native", "target scheme: native, legacy-revision, alternate-hash")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: mononoke-admin hash-convert -to <scheme> <identifier>")
		os.Exit(1)
	}

	e := openEnv()
	result, err := e.cross.Large.Lookup(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	switch *to {
	case "native":
		fmt.Println(result.Native)
	case "legacy-revision":
		if result.LegacyRevision == nil {
			fatal(fmt.Errorf("no legacy revision assigned to %s", result.Native))
		}
		fmt.Println(*result.LegacyRevision)
	case "alternate-hash":
		if result.AlternateHash == nil {
			fatal(fmt.Errorf("no alternate hash recorded for %s", result.Native))
		}
		fmt.Println(result.AlternateHash)
	default:
		fatal(fmt.Errorf("unknown scheme %q", *to))
	}
}

func cmdDiff(from, to string) {
	e := openEnv()
	entries, err := e.cross.Large.Diff(from, to)
	if err != nil {
		fatal(err)
	}
	for _, d := range entries {
		switch d.Status {
		case repo.StatusRenamed:
			fmt.Printf("rename from %s to %s", d.CopyFrom, d.Path)
		case repo.StatusCopied:
			fmt.Printf("copy from %s to %s", d.CopyFrom, d.Path)
		case repo.StatusDeleted:
			fmt.Printf("deleted %s", d.Path)
		default:
			fmt.Printf("modified %s", d.Path)
		}
		if d.Binary {
			fmt.Print(" (binary)")
		}
		fmt.Println()
	}
}

func cmdBookmarks(args []string) {
	e := openEnv()
	which := "large"
	if len(args) > 0 {
		which = args[0]
	}
	var r *repo.Repo
	switch which {
	case "small":
		r = e.cross.Small
	case "large":
		r = e.cross.Large
	default:
		fatal(fmt.Errorf("unknown repository %q, want small or large", which))
	}
	list, err := r.Bookmarks.List(r.ID)
	if err != nil {
		fatal(err)
	}
	for _, b := range list {
		fmt.Printf("%s\t%s\n", b.Name, b.Target)
	}
}

func cmdPushSync(bookmark, tipIdent string) {
	e := openEnv()
	tip, err := e.cross.Small.Resolver().Resolve(tipIdent)
	if err != nil {
		fatal(err)
	}
	outcome, err := e.cross.PushSync(context.Background(), bookmark, tip)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("bookmark %s is now %s (%d new commits, %d attempts)\n",
		outcome.Bookmark, outcome.Head, outcome.NewCommits, outcome.Attempts)
}

func cmdDeleteBookmark(bookmark string) {
	e := openEnv()
	if err := e.cross.DeleteBookmark(context.Background(), bookmark); err != nil {
		fatal(err)
	}
	fmt.Printf("deleted %s\n", bookmark)
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	requireLegacy := fs.Bool("require-legacy", true, "report reachable changesets without a legacy revision")
	fs.Parse(args)

	e := openEnv()
	checker := &walker.Checker{
		Changesets:    e.cross.Large.Changesets,
		Bookmarks:     e.cross.Large.Bookmarks,
		Repo:          e.cross.Large.ID,
		Cfg:           e.cross.Cfg,
		Mappings:      e.cross.Mappings,
		IDs:           e.cross.Large.IDs,
		RequireLegacy: *requireLegacy,
	}
	report, err := checker.Check(context.Background())
	if err != nil {
		fatal(err)
	}
	for _, f := range report.Findings {
		fmt.Println(f)
	}
	fmt.Printf("checked %d changesets, %d findings\n", report.Checked, len(report.Findings))
	if !report.OK() {
		os.Exit(1)
	}
}
