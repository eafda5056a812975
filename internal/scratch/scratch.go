// Package scratch manages the per-run scratch directory and atomic file
// promotion.
//
// Files are written to a temporary file and renamed to their final path
// only when complete, so a partially written file is never visible at the
// final path.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir is a run-owned scratch directory. The directory is created on the
// first call to Create, so a run that fails early leaves nothing behind.
type Dir struct {
	root string
	path string
}

// New returns a Dir that will be created under root.
// An empty root uses os.TempDir.
func New(root string) *Dir {
	if root == "" {
		root = os.TempDir()
	}
	return &Dir{root: root}
}

// Path returns the scratch directory path, or "" if nothing was created yet.
func (d *Dir) Path() string {
	return d.path
}

// Create creates a new file in the scratch directory.
// The pattern follows os.CreateTemp.
func (d *Dir) Create(pattern string) (*File, error) {
	if d.path == "" {
		if err := os.MkdirAll(d.root, 0o750); err != nil {
			return nil, fmt.Errorf("create scratch root %s: %w", d.root, err)
		}
		path, err := os.MkdirTemp(d.root, "archivesync-*")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		d.path = path
	}
	f, err := os.CreateTemp(d.path, pattern)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	return &File{File: f}, nil
}

// Close removes the scratch directory and everything in it.
func (d *Dir) Close() error {
	if d.path == "" {
		return nil
	}
	path := d.path
	d.path = ""
	return os.RemoveAll(path)
}

// File is a scratch file. It embeds *os.File for reading and writing.
type File struct {
	*os.File
}

// Size returns the current size of the file.
func (f *File) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Rewind seeks back to the start of the file.
func (f *File) Rewind() error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// Promote copies the file's full contents to dest atomically.
// The scratch file itself is left in place for the directory cleanup.
func (f *File) Promote(dest string, perm fs.FileMode) error {
	if err := f.Rewind(); err != nil {
		return err
	}
	return WriteFile(dest, f, perm)
}

// WriteFile writes the contents of r to dest through a temporary file in the
// same directory and renames it into place on success.
func WriteFile(dest string, r io.Reader, perm fs.FileMode) (err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".archivesync-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()        //nolint:errcheck // already failing
			_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename to %s: %w", dest, err)
	}
	return nil
}

// Exists reports whether path names an existing file.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
