// Package types defines the core data model: content-addressed changesets,
// file changes, and the identifier kinds derived from them.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// RepositoryID identifies one repository in the storage backend.
type RepositoryID int

// ChangesetIdLen is the length in bytes of a changeset identifier.
const ChangesetIdLen = 32

// ChangesetId is the content-addressed identifier of a Changeset: the
// BLAKE2b-256 digest of its canonical serialization. Identical content
// always yields the identical id.
type ChangesetId [ChangesetIdLen]byte

// IsZero reports whether the id is the all-zero value, which never
// identifies a real changeset.
func (id ChangesetId) IsZero() bool {
	return id == ChangesetId{}
}

func (id ChangesetId) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler (lowercase hex).
func (id ChangesetId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ChangesetId) UnmarshalText(text []byte) error {
	parsed, err := ParseChangesetId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseChangesetId parses a 64-character lowercase hex changeset id.
func ParseChangesetId(s string) (ChangesetId, error) {
	var id ChangesetId
	if len(s) != hex.EncodedLen(ChangesetIdLen) {
		return id, fmt.Errorf("types: changeset id must be %d hex characters, got %d", hex.EncodedLen(ChangesetIdLen), len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("types: decode changeset id: %w", err)
	}
	copy(id[:], raw)
	return id, nil
}

// ChangesetIdFromBytes converts a raw 32-byte digest to a ChangesetId.
func ChangesetIdFromBytes(raw []byte) (ChangesetId, error) {
	var id ChangesetId
	if len(raw) != ChangesetIdLen {
		return id, fmt.Errorf("types: changeset id must be %d bytes, got %d", ChangesetIdLen, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// AlternateHashLen is the length in bytes of an alternate-system hash.
const AlternateHashLen = 20

// AlternateHash is a commit hash in the alternate identifier scheme,
// derived structurally from a changeset's file tree. It is independent of
// the native ChangesetId.
type AlternateHash [AlternateHashLen]byte

func (h AlternateHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the all-zero value.
func (h AlternateHash) IsZero() bool {
	return h == AlternateHash{}
}

// ParseAlternateHash parses a 40-character lowercase hex alternate hash.
func ParseAlternateHash(s string) (AlternateHash, error) {
	var h AlternateHash
	if len(s) != hex.EncodedLen(AlternateHashLen) {
		return h, fmt.Errorf("types: alternate hash must be %d hex characters, got %d", hex.EncodedLen(AlternateHashLen), len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("types: decode alternate hash: %w", err)
	}
	copy(h[:], raw)
	return h, nil
}

// AlternateHashFromBytes converts a raw 20-byte digest to an AlternateHash.
func AlternateHashFromBytes(raw []byte) (AlternateHash, error) {
	var h AlternateHash
	if len(raw) != AlternateHashLen {
		return h, fmt.Errorf("types: alternate hash must be %d bytes, got %d", AlternateHashLen, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// sameParents reports whether two parent lists are identical, in order.
func sameParents(a, b []ChangesetId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i][:], b[i][:]) {
			return false
		}
	}
	return true
}
