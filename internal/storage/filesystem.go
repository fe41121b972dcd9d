package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath rejects bucket or key values that could leave the base
// directory.
var ErrInvalidPath = errors.New("invalid object path")

// FilesystemBackend implements Backend for local files. With a base path,
// objects live at {basePath}/{bucket}/{key} and are opened through an
// os.Root, so neither ".." nor symlinks can escape it. Without one, key is
// a path on the host and bucket must be empty.
type FilesystemBackend struct {
	basePath string
}

func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{basePath: basePath}
}

// objectName validates bucket and key separately, so a key cannot climb
// out of its bucket, and joins them.
func objectName(bucket, key string) (string, error) {
	for _, part := range []string{bucket, key} {
		if part == "" {
			continue
		}
		if strings.ContainsAny(part, "\x00\\") || (len(part) >= 2 && part[1] == ':') || !filepath.IsLocal(part) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, part)
		}
	}
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidPath)
	}
	return filepath.Join(bucket, key), nil
}

// objectFile closes the os.Root it was opened through, when there is one.
type objectFile struct {
	*os.File
	root *os.Root
}

func (f objectFile) Close() error {
	err := f.File.Close()
	if f.root != nil {
		err = errors.Join(err, f.root.Close())
	}
	return err
}

func (f *FilesystemBackend) open(bucket, key string) (objectFile, error) {
	if f.basePath == "" {
		if bucket != "" {
			return objectFile{}, fmt.Errorf("%w: bucket requires a base path", ErrInvalidPath)
		}
		if key == "" || strings.Contains(key, "\x00") {
			return objectFile{}, fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
		file, err := os.Open(filepath.Clean(key))
		if err != nil {
			return objectFile{}, err
		}
		return objectFile{File: file}, nil
	}

	name, err := objectName(bucket, key)
	if err != nil {
		return objectFile{}, err
	}
	root, err := os.OpenRoot(f.basePath)
	if err != nil {
		return objectFile{}, err
	}
	file, err := root.Open(name)
	if err != nil {
		root.Close()
		return objectFile{}, err
	}
	return objectFile{File: file, root: root}, nil
}

// Get opens the object at bucket/key. Missing files and directories are
// ErrNotFound. Caller must close the returned ReadCloser.
func (f *FilesystemBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := f.open(bucket, key)
	if err != nil {
		return nil, f.wrap(err, bucket, key)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, fmt.Errorf("checking file: %w", err)
	}
	if info.IsDir() {
		obj.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, filepath.Join(bucket, key))
	}
	return obj, nil
}

// Exists reports whether a regular file is stored at bucket/key.
func (f *FilesystemBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	obj, err := f.open(bucket, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, f.wrap(err, bucket, key)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return false, fmt.Errorf("checking file: %w", err)
	}
	return !info.IsDir(), nil
}

func (f *FilesystemBackend) wrap(err error, bucket, key string) error {
	switch {
	case errors.Is(err, ErrInvalidPath):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Join(f.basePath, bucket, key))
	default:
		return fmt.Errorf("opening %s: %w", filepath.Join(bucket, key), err)
	}
}
