// Package blobstore provides content-addressed storage for opaque file
// contents. Blob ids are CIDv1 (raw codec, SHA2-256), a pure function of
// the content, so Put is idempotent by construction.
package blobstore

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Blobstore stores immutable blobs keyed by their content id.
type Blobstore interface {
	// Put stores data and returns its content id. Storing the same bytes
	// twice is a no-op.
	Put(data []byte) (cid.Cid, error)
	// Get returns the blob for a content id.
	Get(c cid.Cid) ([]byte, error)
	// Has reports whether the blob is present.
	Has(c cid.Cid) bool
}

// ComputeID computes the content id for a blob without storing it.
func ComputeID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("blobstore: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
