// Package cache persists tally matrices keyed by image directory and sample
// size, so repeated evaluations of the same directory skip segmentation.
//
// Entries are never invalidated: a directory is assumed to be immutable once
// it has been tallied.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Key identifies one cached tally.
type Key struct {
	Dir  string
	Size int
}

// NewKey canonicalises dir to a clean absolute path. Symlinks are resolved
// when the directory exists so that two spellings of one directory share an
// entry.
func NewKey(dir string, size int) (Key, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Key{}, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return Key{Dir: filepath.Clean(abs), Size: size}, nil
}

// Name returns the artifact file name for the key: a readable prefix taken
// from the directory's base name, a SHA-256 of the full path and the size.
func (k Key) Name() string {
	sum := sha256.Sum256([]byte(k.Dir))
	return fmt.Sprintf("%s-%s_segtally_%d.npy", slug(filepath.Base(k.Dir)), hex.EncodeToString(sum[:12]), k.Size)
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	if b.Len() == 0 {
		return "root"
	}
	return b.String()
}
