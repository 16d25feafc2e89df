// Package imageset exposes a directory of images as an indexable dataset of
// preprocessed tensors.
package imageset

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/segdist/internal/model"
)

// ErrNoImages is returned when a directory contains no decodable image files.
var ErrNoImages = errors.New("no images found")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Folder is every image file under a directory tree, in lexical path order.
type Folder struct {
	root      string
	paths     []string
	transform Transform
}

// NewFolder walks root and records the image files it contains. The listing
// is sorted so that dataset indices are stable across runs.
func NewFolder(root string, transform Transform) (*Folder, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening image directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening image directory: %s is not a directory", root)
	}

	var paths []string
	// WalkDir visits entries in lexical order.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing image directory %s: %w", root, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, root)
	}

	return &Folder{root: root, paths: paths, transform: transform}, nil
}

// Len returns the number of images.
func (f *Folder) Len() int {
	return len(f.paths)
}

// Path returns the file backing index i.
func (f *Folder) Path(i int) string {
	return f.paths[i]
}

// Load decodes and transforms image i.
func (f *Folder) Load(ctx context.Context, i int) (model.Image, error) {
	if err := ctx.Err(); err != nil {
		return model.Image{}, err
	}
	file, err := os.Open(f.paths[i])
	if err != nil {
		return model.Image{}, fmt.Errorf("opening image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return model.Image{}, fmt.Errorf("decoding image %s: %w", f.paths[i], err)
	}
	return f.transform.Apply(img), nil
}
