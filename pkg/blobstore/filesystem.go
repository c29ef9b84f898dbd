package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore reads blobs from a local directory tree. File modification
// times stand in for object update times.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a store rooted at dir.
func NewFilesystemStore(dir string) *FilesystemStore {
	return &FilesystemStore{root: dir}
}

func (f *FilesystemStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}

		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed between readdir and stat
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		objects = append(objects, Object{Name: name, Updated: info.ModTime().UTC()})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", f.root, err)
	}

	return objects, nil
}

func (f *FilesystemStore) Get(_ context.Context, name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrNotFound, name)
	}

	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	return data, nil
}
