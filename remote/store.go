// Package remote defines the object-store capability set consumed by the
// sync engine and the errors every backend maps its failures onto.
//
// Backends live in subpackages:
//   - [github.com/meigma/archivesync/remote/dropbox]: Dropbox HTTP API v2
//   - [github.com/meigma/archivesync/remote/oci]: OCI registries via ORAS
//   - [github.com/meigma/archivesync/remote/fsstore]: a local directory
//   - [github.com/meigma/archivesync/remote/memstore]: in-memory, for tests
package remote

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors. Backends wrap their native failures with one of these
// so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when no object exists at the requested path.
	ErrNotFound = errors.New("remote: not found")

	// ErrAuth is returned when the credential is missing, invalid, or expired.
	ErrAuth = errors.New("remote: authentication failed")

	// ErrAPI is returned for remote-side failures such as quota, conflict,
	// or transient server errors.
	ErrAPI = errors.New("remote: api error")

	// ErrOffsetMismatch is returned when an upload session's committed
	// offset disagrees with the offset the client sent.
	ErrOffsetMismatch = errors.New("remote: upload offset mismatch")
)

// Commit carries the metadata applied when an upload session is finished.
type Commit struct {
	// Path is the absolute remote path the object is materialized at.
	Path string

	// Overwrite replaces an existing object at Path. When false, finishing
	// against an existing object fails with ErrAPI.
	Overwrite bool
}

// Identity describes the account the store credential belongs to.
type Identity struct {
	AccountID string
	Name      string
	Email     string
}

// String returns the most descriptive identity field available.
func (id Identity) String() string {
	switch {
	case id.Email != "":
		return id.Email
	case id.Name != "":
		return id.Name
	default:
		return id.AccountID
	}
}

// Store is the remote object-store capability set.
//
// Sessions are the three-phase upload protocol: SessionStart sends the first
// chunk and returns an opaque session ID, SessionAppend sends further chunks
// at the running offset, and SessionFinish sends the last chunk and
// atomically materializes the object. Nothing is visible at the destination
// path before SessionFinish succeeds.
type Store interface {
	// Download opens the object at path. Returns ErrNotFound if absent.
	// The caller must close the returned reader.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// UploadWhole stores data at path in a single request.
	UploadWhole(ctx context.Context, path string, data []byte, overwrite bool) error

	// SessionStart opens an upload session with the first chunk.
	SessionStart(ctx context.Context, first []byte) (string, error)

	// SessionAppend sends chunk at offset and returns the offset committed
	// by the store afterwards. Returns ErrOffsetMismatch if offset is not
	// the store's committed offset.
	SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte) (int64, error)

	// SessionFinish sends the final chunk at offset and commits the object.
	SessionFinish(ctx context.Context, sessionID string, offset int64, last []byte, commit Commit) error

	// ProbeIdentity verifies the credential and reports whose it is.
	ProbeIdentity(ctx context.Context) (Identity, error)
}
