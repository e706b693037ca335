package blobstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
)

// DiskStore keeps one file per blob under a directory. Filenames are the
// base32lower multibase encoding of the content id, and writes go through
// a tempfile-and-rename so a crash never leaves a truncated blob behind.
type DiskStore struct {
	dir string
}

// NewDiskStore creates (if needed) and opens a blob directory.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: create blob dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) blobPath(c cid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return filepath.Join(s.dir, encoded)
}

// Put implements Blobstore.
func (s *DiskStore) Put(data []byte) (cid.Cid, error) {
	c, err := ComputeID(data)
	if err != nil {
		return cid.Undef, err
	}
	path := s.blobPath(c)
	if _, err := os.Stat(path); err == nil {
		return c, nil
	}
	if err := writeAtomic(path, data); err != nil {
		return cid.Undef, fmt.Errorf("blobstore: write blob: %w", err)
	}
	return c, nil
}

// Get implements Blobstore.
func (s *DiskStore) Get(c cid.Cid) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(c))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob %s: %w", c, err)
	}
	return data, nil
}

// Has implements Blobstore.
func (s *DiskStore) Has(c cid.Cid) bool {
	_, err := os.Stat(s.blobPath(c))
	return err == nil
}

// writeAtomic writes data via tempfile, fsync, then rename. The tempfile
// lives in the target directory so the rename stays on one filesystem.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp to target: %w", err)
	}
	return nil
}
