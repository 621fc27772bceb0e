package intake

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore keeps the raw bytes of staged files. The ref returned by Save is
// the file's preview handle.
type BlobStore interface {
	// Save stores data under name and returns its ref
	Save(name string, data []byte) (string, error)

	// Get reads the bytes behind ref
	Get(ref string) ([]byte, error)

	// Delete removes ref
	Delete(ref string) error
}

// LocalBlobStore implements BlobStore on the local filesystem
type LocalBlobStore struct {
	basePath string
}

// NewLocalBlobStore creates the directory if needed
func NewLocalBlobStore(basePath string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	return &LocalBlobStore{
		basePath: basePath,
	}, nil
}

func (l *LocalBlobStore) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(l.basePath, ref), nil
}

func (l *LocalBlobStore) Save(name string, data []byte) (string, error) {
	p, err := l.path(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0600); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	return name, nil
}

func (l *LocalBlobStore) Get(ref string) ([]byte, error) {
	p, err := l.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

func (l *LocalBlobStore) Delete(ref string) error {
	p, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// Purge deletes every blob left in the directory, for startup after an
// unclean exit.
func (l *LocalBlobStore) Purge() (int, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(l.basePath, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, fmt.Errorf("deleting blob: %w", err)
		}
		n++
	}
	return n, nil
}

// blobReleaser releases preview handles by deleting their blobs
type blobReleaser struct {
	blobs BlobStore
}

func (r blobReleaser) Release(ref string) error {
	return r.blobs.Delete(ref)
}
