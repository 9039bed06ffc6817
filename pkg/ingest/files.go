package ingest

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideStore is returned by Open for paths outside the store directory.
var ErrOutsideStore = errors.New("path outside the file store")

// DiskFileStore writes uploads into a shared directory.
type DiskFileStore struct {
	dir string
}

// NewDiskFileStore creates dir if needed
func NewDiskFileStore(dir string) (*DiskFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &DiskFileStore{dir: dir}, nil
}

// Save writes r to <dir>/<name> through a temp file and a rename, so a reader
// never sees a partial upload.
func (d *DiskFileStore) Save(name string, r io.Reader) (string, error) {
	path := filepath.Join(d.dir, filepath.Base(name))

	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, nil
}

// Open opens a file written into the store directory, by this process or by a
// worker sharing it.
func (d *DiskFileStore) Open(path string) (io.ReadCloser, error) {
	dir, err := filepath.Abs(d.dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideStore, path)
	}
	return os.Open(abs)
}

// Remove deletes a stored upload. Missing files are not an error.
func (d *DiskFileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
