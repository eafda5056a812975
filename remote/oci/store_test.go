package oci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/archivesync/remote"
)

const (
	testRepo  = "archivesync/master"
	testPath  = "/Bots_V3_splunkapps.tar"
	testTag   = "Bots_V3_splunkapps.tar"
	testUser  = "uploader"
	testPass  = "s3cret"
	repoRoute = "/v2/" + testRepo + "/"
)

// fakeRegistry implements the subset of the OCI distribution API used by
// the store.
type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[digest.Digest][]byte
	manifests map[digest.Digest][]byte
	tags      map[string]digest.Digest
	uploads   map[string]*bytes.Buffer
	nextID    int
	rangeSkew int
	basicAuth bool
	patches   int
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, string) {
	t.Helper()
	f := &fakeRegistry{
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[digest.Digest][]byte),
		tags:      make(map[string]digest.Digest),
		uploads:   make(map[string]*bytes.Buffer),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, strings.TrimPrefix(srv.URL, "http://")
}

func newTestStore(t *testing.T, host string, opts ...Option) *Store {
	t.Helper()
	s, err := New(host+"/"+testRepo, append([]Option{WithPlainHTTP(true)}, opts...)...)
	require.NoError(t, err)
	return s
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.basicAuth {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testUser || pass != testPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="fake"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`)
			return
		}
	}

	if r.URL.Path == "/v2/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	rest, ok := strings.CutPrefix(r.URL.Path, repoRoute)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)

	switch {
	case strings.HasPrefix(rest, "manifests/"):
		f.serveManifest(w, r, strings.TrimPrefix(rest, "manifests/"), body)
	case rest == "blobs/uploads/" && r.Method == http.MethodPost:
		f.nextID++
		id := fmt.Sprintf("upload-%d", f.nextID)
		f.uploads[id] = &bytes.Buffer{}
		w.Header().Set("Location", repoRoute+"blobs/uploads/"+id)
		w.Header().Set("Docker-Upload-UUID", id)
		w.Header().Set("Range", "0-0")
		w.WriteHeader(http.StatusAccepted)
	case strings.HasPrefix(rest, "blobs/uploads/"):
		f.serveUpload(w, r, strings.TrimPrefix(rest, "blobs/uploads/"), body)
	case strings.HasPrefix(rest, "blobs/"):
		data, ok := f.blobs[digest.Digest(strings.TrimPrefix(rest, "blobs/"))]
		if !ok {
			writeNotFound(w, "BLOB_UNKNOWN")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeRegistry) serveManifest(w http.ResponseWriter, r *http.Request, ref string, body []byte) {
	if r.Method == http.MethodPut {
		d := digest.FromBytes(body)
		f.manifests[d] = body
		f.tags[ref] = d
		w.Header().Set("Docker-Content-Digest", d.String())
		w.WriteHeader(http.StatusCreated)
		return
	}
	d, ok := f.tags[ref]
	if !ok {
		d = digest.Digest(ref)
	}
	data, ok := f.manifests[d]
	if !ok {
		writeNotFound(w, "MANIFEST_UNKNOWN")
		return
	}
	w.Header().Set("Content-Type", ocispec.MediaTypeImageManifest)
	w.Header().Set("Docker-Content-Digest", d.String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func (f *fakeRegistry) serveUpload(w http.ResponseWriter, r *http.Request, id string, body []byte) {
	buf, ok := f.uploads[id]
	if !ok {
		writeNotFound(w, "BLOB_UPLOAD_UNKNOWN")
		return
	}
	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, _, _ := strings.Cut(cr, "-")
		if start != strconv.Itoa(buf.Len()) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}
	buf.Write(body)

	switch r.Method {
	case http.MethodPatch:
		f.patches++
		w.Header().Set("Location", repoRoute+"blobs/uploads/"+id)
		w.Header().Set("Range", fmt.Sprintf("0-%d", buf.Len()-1+f.rangeSkew))
		w.WriteHeader(http.StatusAccepted)
	case http.MethodPut:
		want := digest.Digest(r.URL.Query().Get("digest"))
		if digest.FromBytes(buf.Bytes()) != want {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"errors":[{"code":"DIGEST_INVALID","message":"digest mismatch"}]}`)
			return
		}
		f.blobs[want] = bytes.Clone(buf.Bytes())
		delete(f.uploads, id)
		w.Header().Set("Docker-Content-Digest", want.String())
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeNotFound(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_, _ = fmt.Fprintf(w, `{"errors":[{"code":%q,"message":"not found"}]}`, code)
}

func (f *fakeRegistry) requireBasicAuth() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.basicAuth = true
}

func (f *fakeRegistry) tagged(tag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tags[tag]
	return ok
}

func download(t *testing.T, s *Store, path string) []byte {
	t.Helper()
	rc, err := s.Download(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestNewRejectsTaggedRepository(t *testing.T) {
	t.Parallel()

	_, err := New("registry.example.com/masters:latest")
	require.Error(t, err)

	_, err = New("not a reference")
	require.Error(t, err)

	s, err := New("registry.example.com/masters")
	require.NoError(t, err)
	assert.Equal(t, "masters", s.ref.Repository)
}

func TestTagFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/Bots_V3_splunkapps.tar", want: "Bots_V3_splunkapps.tar"},
		{path: "backups/master.tgz", want: "backups_master.tgz"},
		{path: "/", wantErr: true},
		{path: "/.hidden", wantErr: true},
		{path: "/has space.tar", wantErr: true},
		{path: "/" + strings.Repeat("a", 129), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			got, err := TagFor(tt.path)
			if tt.wantErr {
				require.ErrorIs(t, err, remote.ErrAPI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadWholeAndDownload(t *testing.T) {
	t.Parallel()

	f, host := newFakeRegistry(t)
	s := newTestStore(t, host)
	ctx := context.Background()

	_, err := s.Download(ctx, testPath)
	require.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, s.UploadWhole(ctx, testPath, []byte("master v1"), true))
	assert.True(t, f.tagged(testTag))
	assert.Equal(t, "master v1", string(download(t, s, testPath)))

	require.NoError(t, s.UploadWhole(ctx, testPath, []byte("master v2"), true))
	assert.Equal(t, "master v2", string(download(t, s, testPath)))

	err = s.UploadWhole(ctx, testPath, []byte("master v3"), false)
	require.ErrorIs(t, err, remote.ErrAPI)
	assert.Equal(t, "master v2", string(download(t, s, testPath)))
}

func TestSessionUpload(t *testing.T) {
	t.Parallel()

	f, host := newFakeRegistry(t)
	s := newTestStore(t, host)
	ctx := context.Background()
	require.NoError(t, s.UploadWhole(ctx, testPath, []byte("old"), true))

	id, err := s.SessionStart(ctx, []byte("aaaa"))
	require.NoError(t, err)
	assert.Equal(t, "upload-3", id, "two uploads precede the session")

	committed, err := s.SessionAppend(ctx, id, 4, []byte("bbbb"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), committed)

	// The tag still points at the previous object.
	assert.Equal(t, "old", string(download(t, s, testPath)))

	require.NoError(t, s.SessionFinish(ctx, id, 8, []byte("cc"), remote.Commit{Path: testPath, Overwrite: true}))
	assert.Equal(t, "aaaabbbbcc", string(download(t, s, testPath)))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.patches)
	assert.Empty(t, f.uploads)
}

func TestSessionFinishEmptyLastChunk(t *testing.T) {
	t.Parallel()

	_, host := newFakeRegistry(t)
	s := newTestStore(t, host)
	ctx := context.Background()

	id, err := s.SessionStart(ctx, []byte("whole"))
	require.NoError(t, err)
	require.NoError(t, s.SessionFinish(ctx, id, 5, []byte{}, remote.Commit{Path: testPath, Overwrite: true}))
	assert.Equal(t, "whole", string(download(t, s, testPath)))
}

func TestSessionOffsetMismatch(t *testing.T) {
	t.Parallel()

	t.Run("caller offset", func(t *testing.T) {
		t.Parallel()

		_, host := newFakeRegistry(t)
		s := newTestStore(t, host)
		ctx := context.Background()

		id, err := s.SessionStart(ctx, []byte("aaaa"))
		require.NoError(t, err)
		_, err = s.SessionAppend(ctx, id, 3, []byte("b"))
		require.ErrorIs(t, err, remote.ErrOffsetMismatch)
	})

	t.Run("registry range", func(t *testing.T) {
		t.Parallel()

		f, host := newFakeRegistry(t)
		s := newTestStore(t, host)
		ctx := context.Background()

		id, err := s.SessionStart(ctx, []byte("aaaa"))
		require.NoError(t, err)

		f.mu.Lock()
		f.rangeSkew = -1
		f.mu.Unlock()

		_, err = s.SessionAppend(ctx, id, 4, []byte("bbbb"))
		require.ErrorIs(t, err, remote.ErrOffsetMismatch)
		assert.False(t, f.tagged(testTag))
	})
}

func TestSessionUnknown(t *testing.T) {
	t.Parallel()

	_, host := newFakeRegistry(t)
	s := newTestStore(t, host)

	_, err := s.SessionAppend(context.Background(), "nope", 0, []byte("x"))
	require.ErrorIs(t, err, remote.ErrAPI)
}

func TestSessionFinishWithoutOverwrite(t *testing.T) {
	t.Parallel()

	_, host := newFakeRegistry(t)
	s := newTestStore(t, host)
	ctx := context.Background()
	require.NoError(t, s.UploadWhole(ctx, testPath, []byte("keep"), true))

	id, err := s.SessionStart(ctx, []byte("new"))
	require.NoError(t, err)
	err = s.SessionFinish(ctx, id, 3, nil, remote.Commit{Path: testPath})
	require.ErrorIs(t, err, remote.ErrAPI)
	assert.Equal(t, "keep", string(download(t, s, testPath)))
}

func TestDownloadDetectsCorruptLayer(t *testing.T) {
	t.Parallel()

	f, host := newFakeRegistry(t)
	s := newTestStore(t, host)
	ctx := context.Background()
	require.NoError(t, s.UploadWhole(ctx, testPath, []byte("pristine"), true))

	f.mu.Lock()
	d := digest.FromBytes([]byte("pristine"))
	f.blobs[d] = []byte("tampered")
	f.mu.Unlock()

	rc, err := s.Download(ctx, testPath)
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	require.ErrorIs(t, err, remote.ErrAPI)
}

func TestProbeIdentity(t *testing.T) {
	t.Parallel()

	t.Run("anonymous", func(t *testing.T) {
		t.Parallel()

		_, host := newFakeRegistry(t)
		s := newTestStore(t, host, WithAnonymous())
		id, err := s.ProbeIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "anonymous", id.AccountID)
		assert.Equal(t, host+"/"+testRepo, id.Name)
	})

	t.Run("basic auth", func(t *testing.T) {
		t.Parallel()

		f, host := newFakeRegistry(t)
		f.requireBasicAuth()
		s := newTestStore(t, host, WithStaticCredentials(testUser, testPass))
		id, err := s.ProbeIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testUser, id.AccountID)

		require.NoError(t, s.UploadWhole(context.Background(), testPath, []byte("x"), true))
		sid, err := s.SessionStart(context.Background(), []byte("abc"))
		require.NoError(t, err)
		require.NoError(t, s.SessionFinish(context.Background(), sid, 3, []byte("d"), remote.Commit{Path: testPath, Overwrite: true}))
		assert.Equal(t, "abcd", string(download(t, s, testPath)))
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		f, host := newFakeRegistry(t)
		f.requireBasicAuth()
		s := newTestStore(t, host, WithStaticCredentials(testUser, "wrong"))

		_, err := s.ProbeIdentity(context.Background())
		require.ErrorIs(t, err, remote.ErrAuth)

		_, err = s.SessionStart(context.Background(), []byte("abc"))
		require.ErrorIs(t, err, remote.ErrAuth)
	})
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"errdef not found", fmt.Errorf("wrapped: %w", errdef.ErrNotFound), remote.ErrNotFound},
		{"404", &errcode.ErrorResponse{StatusCode: http.StatusNotFound}, remote.ErrNotFound},
		{"401", &errcode.ErrorResponse{StatusCode: http.StatusUnauthorized}, remote.ErrAuth},
		{"403", &errcode.ErrorResponse{StatusCode: http.StatusForbidden}, remote.ErrAuth},
		{"416", &errcode.ErrorResponse{StatusCode: http.StatusRequestedRangeNotSatisfiable}, remote.ErrOffsetMismatch},
		{"500", &errcode.ErrorResponse{StatusCode: http.StatusInternalServerError}, remote.ErrAPI},
		{"network", errors.New("connection refused"), remote.ErrAPI},
		{"canceled", context.Canceled, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}
	assert.NoError(t, mapError(nil))
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	n, err := parseRange("0-1023")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	n, err = parseRange("bytes=0-0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, bad := range []string{"", "5-10", "0-", "0-x", "0--2"} {
		_, err := parseRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	store := StaticCredentials("https://registry.example.com/", "u", "p")
	cred, err := store.Get(context.Background(), "registry.example.com")
	require.NoError(t, err)
	assert.Equal(t, "u", cred.Username)

	cred, err = store.Get(context.Background(), "other.example.com")
	require.NoError(t, err)
	assert.Empty(t, cred.Username)

	require.Error(t, store.Put(context.Background(), "x", cred))
	require.Error(t, store.Delete(context.Background(), "x"))
}
