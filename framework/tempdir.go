package framework

import (
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// WithTempDir runs fn inside a fresh temporary directory that is removed on
// every exit path. The directory path has symlinks resolved so tools that
// echo paths back report the same location.
func WithTempDir(fn func(dir string) error) (err error) {
	dir, err := os.MkdirTemp("", "cuekit-")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, os.RemoveAll(dir))
	}()
	if real, evalErr := filepath.EvalSymlinks(dir); evalErr == nil {
		dir = real
	}
	return fn(dir)
}

// WithTempFile runs fn with a path named name inside a scoped temporary directory.
func WithTempFile(name string, fn func(path string) error) error {
	return WithTempDir(func(dir string) error {
		return fn(filepath.Join(dir, name))
	})
}
