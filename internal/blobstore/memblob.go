package blobstore

import (
	"fmt"

	"github.com/ipfs/go-cid"
	cmap "github.com/orcaman/concurrent-map"
)

// Memblob is a pure in-memory blobstore, safe for concurrent use. It is
// the default backend for tests and single-process setups.
type Memblob struct {
	blobs cmap.ConcurrentMap
}

// NewMemblob creates an empty in-memory blobstore.
func NewMemblob() *Memblob {
	return &Memblob{blobs: cmap.New()}
}

// Put implements Blobstore.
func (m *Memblob) Put(data []byte) (cid.Cid, error) {
	c, err := ComputeID(data)
	if err != nil {
		return cid.Undef, err
	}
	key := c.String()
	if m.blobs.Has(key) {
		return c, nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blobs.Set(key, stored)
	return c, nil
}

// Get implements Blobstore.
func (m *Memblob) Get(c cid.Cid) ([]byte, error) {
	v, ok := m.blobs.Get(c.String())
	if !ok {
		return nil, fmt.Errorf("blobstore: blob %s not found", c)
	}
	stored := v.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// Has implements Blobstore.
func (m *Memblob) Has(c cid.Cid) bool {
	return m.blobs.Has(c.String())
}

// Len returns the number of stored blobs.
func (m *Memblob) Len() int {
	return m.blobs.Count()
}
