package syncmapping

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mappings.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(small, large byte) Entry {
	return Entry{
		SmallRepo: 1,
		LargeRepo: 2,
		Version:   1,
		SmallID:   types.ChangesetId{small},
		LargeID:   types.ChangesetId{large},
	}
}

func TestAddAndLookupBothDirections(t *testing.T) {
	s := openTestStore(t)
	e := entry(1, 9)
	if err := s.Add(e); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	large, err := s.GetLargeFromSmall(1, 2, 1, e.SmallID)
	if err != nil {
		t.Fatalf("GetLargeFromSmall failed: %v", err)
	}
	if large == nil || *large != e.LargeID {
		t.Errorf("GetLargeFromSmall = %v, want %s", large, e.LargeID)
	}

	small, err := s.GetSmallFromLarge(1, 2, 1, e.LargeID)
	if err != nil {
		t.Fatalf("GetSmallFromLarge failed: %v", err)
	}
	if small == nil || *small != e.SmallID {
		t.Errorf("GetSmallFromLarge = %v, want %s", small, e.SmallID)
	}
}

func TestLookupMissing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetLargeFromSmall(1, 2, 1, types.ChangesetId{42})
	if err != nil {
		t.Fatalf("GetLargeFromSmall failed: %v", err)
	}
	if got != nil {
		t.Errorf("lookup of unmapped id returned %v, want nil", got)
	}
}

func TestAddIdenticalTupleIsNoop(t *testing.T) {
	s := openTestStore(t)
	e := entry(1, 9)
	if err := s.Add(e); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := s.Add(e); err != nil {
		t.Errorf("re-adding the identical tuple failed: %v", err)
	}
}

func TestAddConflictingTarget(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add(entry(1, 9)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	err := s.Add(entry(1, 10))
	var conflict *MappingConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MappingConflictError, got %v", err)
	}
	if conflict.ExistingTarget != (types.ChangesetId{9}) {
		t.Errorf("ExistingTarget = %s, want %s", conflict.ExistingTarget, types.ChangesetId{9})
	}
	if conflict.ExistingSource != nil {
		t.Errorf("ExistingSource = %v, want nil for a target conflict", conflict.ExistingSource)
	}
}

func TestAddConflictingSource(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add(entry(1, 9)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Same target, different source.
	err := s.Add(entry(2, 9))
	var conflict *MappingConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MappingConflictError, got %v", err)
	}
	if conflict.ExistingSource == nil || *conflict.ExistingSource != (types.ChangesetId{1}) {
		t.Errorf("ExistingSource = %v, want %s", conflict.ExistingSource, types.ChangesetId{1})
	}
}

func TestVersionsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	e1 := entry(1, 9)
	if err := s.Add(e1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// The same source may map differently under another config version.
	e2 := e1
	e2.Version = 2
	e2.LargeID = types.ChangesetId{10}
	if err := s.Add(e2); err != nil {
		t.Fatalf("Add under new version failed: %v", err)
	}

	got, err := s.GetLargeFromSmall(1, 2, 2, e1.SmallID)
	if err != nil {
		t.Fatalf("GetLargeFromSmall failed: %v", err)
	}
	if got == nil || *got != e2.LargeID {
		t.Errorf("version 2 mapping = %v, want %s", got, e2.LargeID)
	}
}
