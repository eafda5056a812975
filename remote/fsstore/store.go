// Package fsstore provides a remote.Store backed by a local directory.
//
// Remote paths map onto files below the root. Upload sessions are staged as
// part files in a hidden sessions directory and renamed into place on
// finish, so an unfinished session never changes the destination.
package fsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/meigma/archivesync/internal/scratch"
	"github.com/meigma/archivesync/remote"
)

const sessionDir = ".sessions"

// Store is a directory-backed remote.Store.
type Store struct {
	root string
	perm fs.FileMode
}

var _ remote.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithFileMode sets the permission bits of committed objects.
// Default: 0o644.
func WithFileMode(perm fs.FileMode) Option {
	return func(s *Store) {
		s.perm = perm
	}
}

// New returns a Store rooted at root. The directory must already exist.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("fsstore: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fsstore: %w", err)
	}
	s := &Store{root: abs, perm: 0o644}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string {
	return s.root
}

// resolve maps a remote path to a file below the root.
func (s *Store) resolve(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || clean == sessionDir || strings.HasPrefix(clean, sessionDir+"/") {
		return "", fmt.Errorf("%w: invalid path %q", remote.ErrAPI, p)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) partPath(sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("%w: unknown session %q", remote.ErrAPI, sessionID)
	}
	return filepath.Join(s.root, sessionDir, sessionID+".part"), nil
}

// Download implements remote.Store.
func (s *Store) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest) //nolint:gosec // path is confined to the root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, p)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return f, nil
}

// UploadWhole implements remote.Store.
func (s *Store) UploadWhole(ctx context.Context, p string, data []byte, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := s.checkOverwrite(dest, p, overwrite); err != nil {
		return err
	}
	if err := scratch.WriteFile(dest, bytes.NewReader(data), s.perm); err != nil {
		return mapError(err)
	}
	return nil
}

// SessionStart implements remote.Store.
func (s *Store) SessionStart(ctx context.Context, first []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	part, err := s.partPath(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(part), 0o750); err != nil {
		return "", mapError(err)
	}
	if err := os.WriteFile(part, first, 0o600); err != nil {
		return "", mapError(err)
	}
	return id, nil
}

// SessionAppend implements remote.Store.
func (s *Store) SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	part, err := s.partPath(sessionID)
	if err != nil {
		return 0, err
	}
	return appendAt(part, offset, chunk)
}

// SessionFinish implements remote.Store.
func (s *Store) SessionFinish(ctx context.Context, sessionID string, offset int64, last []byte, commit remote.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	part, err := s.partPath(sessionID)
	if err != nil {
		return err
	}
	dest, err := s.resolve(commit.Path)
	if err != nil {
		return err
	}
	if err := s.checkOverwrite(dest, commit.Path, commit.Overwrite); err != nil {
		return err
	}
	if _, err := appendAt(part, offset, last); err != nil {
		return err
	}
	if err := os.Chmod(part, s.perm); err != nil {
		return mapError(err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return mapError(err)
	}
	if err := os.Rename(part, dest); err != nil {
		return mapError(err)
	}
	return nil
}

// ProbeIdentity implements remote.Store. The identity is the store root;
// a missing or unusable root fails with remote.ErrAuth.
func (s *Store) ProbeIdentity(ctx context.Context) (remote.Identity, error) {
	if err := ctx.Err(); err != nil {
		return remote.Identity{}, err
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return remote.Identity{}, fmt.Errorf("%w: %v", remote.ErrAuth, err)
	}
	if !info.IsDir() {
		return remote.Identity{}, fmt.Errorf("%w: %s is not a directory", remote.ErrAuth, s.root)
	}
	return remote.Identity{AccountID: s.root, Name: "file://" + filepath.ToSlash(s.root)}, nil
}

func (s *Store) checkOverwrite(dest, p string, overwrite bool) error {
	if overwrite {
		return nil
	}
	exists, err := scratch.Exists(dest)
	if err != nil {
		return mapError(err)
	}
	if exists {
		return fmt.Errorf("%w: conflict at %s", remote.ErrAPI, p)
	}
	return nil
}

// appendAt appends data to the part file after checking that its size
// equals offset, and returns the new size.
func appendAt(part string, offset int64, data []byte) (int64, error) {
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_APPEND, 0) //nolint:gosec // session file below the root
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: unknown session %s", remote.ErrAPI, filepath.Base(part))
	}
	if err != nil {
		return 0, mapError(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, mapError(err)
	}
	if info.Size() != offset {
		return 0, fmt.Errorf("%w: sent %d, committed %d", remote.ErrOffsetMismatch, offset, info.Size())
	}
	if _, err := f.Write(data); err != nil {
		return 0, mapError(err)
	}
	if err := f.Sync(); err != nil {
		return 0, mapError(err)
	}
	return offset + int64(len(data)), nil
}

// mapError classifies filesystem failures.
func mapError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", remote.ErrAuth, err)
	}
	return fmt.Errorf("%w: %v", remote.ErrAPI, err)
}
