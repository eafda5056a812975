// Package memstore provides an in-memory remote.Store that records every
// call. It is intended for tests and dry runs.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/meigma/archivesync/remote"
)

// Op names a Store method in the call log.
type Op string

// Store operations.
const (
	OpDownload      Op = "download"
	OpUploadWhole   Op = "upload"
	OpSessionStart  Op = "session_start"
	OpSessionAppend Op = "session_append"
	OpSessionFinish Op = "session_finish"
	OpProbeIdentity Op = "probe_identity"
)

// Call records a single Store invocation.
type Call struct {
	Op        Op
	Path      string
	SessionID string
	Offset    int64
	Size      int
}

type session struct {
	buf bytes.Buffer
}

// Store is an in-memory remote.Store.
type Store struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]*session
	calls    []Call
	failures map[Op]error
	skew     int64
	identity remote.Identity
}

var _ remote.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		objects:  make(map[string][]byte),
		sessions: make(map[string]*session),
		failures: make(map[Op]error),
		identity: remote.Identity{AccountID: "memstore", Name: "memstore"},
	}
}

// Put seeds an object without recording a call.
func (s *Store) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = bytes.Clone(data)
}

// Object returns a copy of the object stored at path.
func (s *Store) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return bytes.Clone(data), ok
}

// Calls returns a copy of the call log.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// OpenSessions returns the number of sessions started but not finished.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// FailOn makes every subsequent call of op return err.
// A nil err clears the failure.
func (s *Store) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SkewAppendOffset makes SessionAppend report a committed offset that is
// off by delta, simulating a desynchronized server.
func (s *Store) SkewAppendOffset(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew = delta
}

// SetIdentity sets the identity returned by ProbeIdentity.
func (s *Store) SetIdentity(id remote.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// record appends a call and returns the injected failure for op, if any.
// Callers must hold s.mu.
func (s *Store) record(c Call) error {
	s.calls = append(s.calls, c)
	return s.failures[c.Op]
}

// Download implements remote.Store.
func (s *Store) Download(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpDownload, Path: path}); err != nil {
		return nil, err
	}
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, path)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// UploadWhole implements remote.Store.
func (s *Store) UploadWhole(_ context.Context, path string, data []byte, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpUploadWhole, Path: path, Size: len(data)}); err != nil {
		return err
	}
	if _, exists := s.objects[path]; exists && !overwrite {
		return fmt.Errorf("%w: conflict at %s", remote.ErrAPI, path)
	}
	s.objects[path] = bytes.Clone(data)
	return nil
}

// SessionStart implements remote.Store.
func (s *Store) SessionStart(_ context.Context, first []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	if err := s.record(Call{Op: OpSessionStart, SessionID: id, Size: len(first)}); err != nil {
		return "", err
	}
	sess := &session{}
	sess.buf.Write(first)
	s.sessions[id] = sess
	return id, nil
}

// SessionAppend implements remote.Store.
func (s *Store) SessionAppend(_ context.Context, sessionID string, offset int64, chunk []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpSessionAppend, SessionID: sessionID, Offset: offset, Size: len(chunk)}); err != nil {
		return 0, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: unknown session %s", remote.ErrAPI, sessionID)
	}
	if committed := int64(sess.buf.Len()); committed != offset {
		return 0, fmt.Errorf("%w: sent %d, committed %d", remote.ErrOffsetMismatch, offset, committed)
	}
	sess.buf.Write(chunk)
	return int64(sess.buf.Len()) + s.skew, nil
}

// SessionFinish implements remote.Store.
func (s *Store) SessionFinish(_ context.Context, sessionID string, offset int64, last []byte, commit remote.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpSessionFinish, Path: commit.Path, SessionID: sessionID, Offset: offset, Size: len(last)}); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: unknown session %s", remote.ErrAPI, sessionID)
	}
	if committed := int64(sess.buf.Len()); committed != offset {
		return fmt.Errorf("%w: sent %d, committed %d", remote.ErrOffsetMismatch, offset, committed)
	}
	if _, exists := s.objects[commit.Path]; exists && !commit.Overwrite {
		return fmt.Errorf("%w: conflict at %s", remote.ErrAPI, commit.Path)
	}
	sess.buf.Write(last)
	s.objects[commit.Path] = bytes.Clone(sess.buf.Bytes())
	delete(s.sessions, sessionID)
	return nil
}

// ProbeIdentity implements remote.Store.
func (s *Store) ProbeIdentity(context.Context) (remote.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(Call{Op: OpProbeIdentity}); err != nil {
		return remote.Identity{}, err
	}
	return s.identity, nil
}
