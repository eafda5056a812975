package oci

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/meigma/archivesync/remote"
)

// uploadSession is a chunked blob upload in progress.
type uploadSession struct {
	location *url.URL
	offset   int64
	digester digest.Digester
}

// SessionStart implements remote.Store. It opens a chunked blob upload and
// sends the first chunk.
func (s *Store) SessionStart(ctx context.Context, first []byte) (string, error) {
	ctx = s.scoped(ctx)
	start := &url.URL{
		Scheme: s.scheme(),
		Host:   s.ref.Host(),
		Path:   fmt.Sprintf("/v2/%s/blobs/uploads/", s.ref.Repository),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, start.String(), http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := s.rawClient.Do(req)
	if err != nil {
		return "", s.transportError(ctx, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusAccepted {
		return "", statusError(resp)
	}
	location, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("%w: upload location: %v", remote.ErrAPI, err)
	}

	id := resp.Header.Get("Docker-Upload-UUID")
	if id == "" {
		id = uuid.NewString()
	}
	sess := &uploadSession{location: location, digester: digest.SHA256.Digester()}
	if err := s.patch(ctx, sess, first); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.log().Debug("blob upload started", "session", id, "repository", s.ref.Repository)
	return id, nil
}

// SessionAppend implements remote.Store. The committed offset is taken from
// the registry's Range header.
func (s *Store) SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte) (int64, error) {
	sess, err := s.session(sessionID, offset)
	if err != nil {
		return 0, err
	}
	if err := s.patch(s.scoped(ctx), sess, chunk); err != nil {
		return 0, err
	}
	return sess.offset, nil
}

// SessionFinish implements remote.Store. The final chunk completes the blob
// and the manifest push under the commit path's tag makes it visible.
func (s *Store) SessionFinish(ctx context.Context, sessionID string, offset int64, last []byte, commit remote.Commit) error {
	tag, err := TagFor(commit.Path)
	if err != nil {
		return err
	}
	sess, err := s.session(sessionID, offset)
	if err != nil {
		return err
	}
	ctx = s.scoped(ctx)
	repo := s.repository()
	if err := s.checkOverwrite(ctx, repo, tag, commit.Overwrite); err != nil {
		return err
	}

	_, _ = sess.digester.Hash().Write(last) //nolint:errcheck // hash writes never fail
	dgst := sess.digester.Digest()
	size := sess.offset + int64(len(last))

	target := *sess.location
	q := target.Query()
	q.Set("digest", dgst.String())
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(last))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if len(last) > 0 {
		req.Header.Set("Content-Range", contentRange(sess.offset, len(last)))
	}
	resp, err := s.rawClient.Do(req)
	if err != nil {
		return s.transportError(ctx, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	layer := ocispec.Descriptor{MediaType: MediaTypeArchive, Digest: dgst, Size: size}
	return s.commit(ctx, repo, tag, commit.Path, layer)
}

// patch sends chunk at the session's offset and advances it to the end of
// the range the registry reports as received.
func (s *Store) patch(ctx context.Context, sess *uploadSession, chunk []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, sess.location.String(), bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", contentRange(sess.offset, len(chunk)))
	resp, err := s.rawClient.Do(req)
	if err != nil {
		return s.transportError(ctx, err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}

	received, err := parseRange(resp.Header.Get("Range"))
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrAPI, err)
	}
	if want := sess.offset + int64(len(chunk)); received != want {
		return fmt.Errorf("%w: registry holds %d bytes, sent %d", remote.ErrOffsetMismatch, received, want)
	}
	_, _ = sess.digester.Hash().Write(chunk) //nolint:errcheck // hash writes never fail
	sess.offset = received
	if location, err := resp.Location(); err == nil {
		sess.location = location
	}
	return nil
}

// session looks up an open session and checks the caller's offset.
func (s *Store) session(id string, offset int64) (*uploadSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %s", remote.ErrAPI, id)
	}
	if sess.offset != offset {
		return nil, fmt.Errorf("%w: sent %d, committed %d", remote.ErrOffsetMismatch, offset, sess.offset)
	}
	return sess, nil
}

func (s *Store) scoped(ctx context.Context) context.Context {
	return auth.AppendRepositoryScope(ctx, s.ref, auth.ActionPull, auth.ActionPush)
}

func (s *Store) scheme() string {
	if s.plainHTTP {
		return "http"
	}
	return "https"
}

func (s *Store) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", remote.ErrAPI, err)
}

// statusError maps an unexpected upload response to the remote sentinels.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10)) //nolint:errcheck // best-effort error body
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: %s", remote.ErrAuth, resp.Request.Method, resp.Request.URL.Path, msg)
	case http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %s", remote.ErrOffsetMismatch, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: upload not found: %s", remote.ErrAPI, msg)
	default:
		return fmt.Errorf("%w: %s %s: %s", remote.ErrAPI, resp.Request.Method, resp.Request.URL.Path, msg)
	}
}

// contentRange formats the inclusive byte range used by chunked uploads.
func contentRange(offset int64, n int) string {
	return fmt.Sprintf("%d-%d", offset, offset+int64(n)-1)
}

// parseRange returns the number of bytes a registry reports as received
// from a Range header of the form "0-<last>".
func parseRange(value string) (int64, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "bytes=")
	start, end, ok := strings.Cut(value, "-")
	if !ok || start != "0" {
		return 0, fmt.Errorf("invalid Range %q", value)
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < 0 {
		return 0, fmt.Errorf("invalid Range %q", value)
	}
	return last + 1, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}
