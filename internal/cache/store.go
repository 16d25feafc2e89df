package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/segdist/internal/tally"
)

// ErrNotFound is returned by Store.Load when no entry exists for a key.
var ErrNotFound = errors.New("tally not cached")

// Store persists encoded tally matrices.
type Store interface {
	// Load returns the stored matrix or ErrNotFound.
	Load(ctx context.Context, key Key) (*tally.Matrix, error)
	// Prepare makes the store writable. It runs before a tally is computed
	// so that an unusable store fails fast.
	Prepare(ctx context.Context) error
	// Save persists m under key. Readers never observe a partial entry.
	Save(ctx context.Context, key Key, m *tally.Matrix) error
}

// FileStore keeps one .npy file per key in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first Prepare.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns where key's artifact lives.
func (s *FileStore) Path(key Key) string {
	return filepath.Join(s.dir, key.Name())
}

func (s *FileStore) Load(_ context.Context, key Key) (*tally.Matrix, error) {
	path := s.Path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached tally: %w", err)
	}

	m, err := DecodeNPY(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return m, nil
}

func (s *FileStore) Prepare(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	return nil
}

// Save writes to a temporary file in the cache directory and renames it over
// the final name once fully written and synced.
func (s *FileStore) Save(_ context.Context, key Key, m *tally.Matrix) error {
	final := s.Path(key)
	tmp, err := os.CreateTemp(s.dir, key.Name()+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp tally file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	if err := EncodeNPY(&buf, m); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp tally file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp tally file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp tally file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("renaming tally file into place: %w", err)
	}
	return nil
}
