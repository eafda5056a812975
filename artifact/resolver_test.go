package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivesync/archive"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// writeFile creates path with content and sets its modification time to
// baseTime plus offset.
func writeFile(t *testing.T, path string, content []byte, offset time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	mtime := baseTime.Add(offset)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func gzipped(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestCanonicalName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"app.tar.gz", "app.tgz"},
		{"App.TAR.GZ", "App.tgz"},
		{"app.tgz", "app.tgz"},
		{"/builds/2024/app-1.2.tar.gz", "app-1.2.tgz"},
		{"notes.txt", "notes.txt"},
		{"app.tar", "app.tar"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanonicalName(tt.in))
		})
	}
}

func TestResolvePicksNewest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "old.tar.gz"), []byte("old"), 0)
	writeFile(t, filepath.Join(dir, "new.tar.gz"), []byte("newer"), time.Hour)
	writeFile(t, filepath.Join(dir, "newest.txt"), []byte("ignored"), 2*time.Hour)

	r, err := NewResolver(dir)
	require.NoError(t, err)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "new.tar.gz"), got.Path)
	assert.Equal(t, "new.tgz", got.Name)
	assert.Equal(t, int64(5), got.Size)
	assert.True(t, got.ModTime.Equal(baseTime.Add(time.Hour)))
}

func TestResolveTieBreaksByPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.tgz"), []byte("a"), 0)
	writeFile(t, filepath.Join(dir, "b.tgz"), []byte("b"), 0)

	r, err := NewResolver(dir)
	require.NoError(t, err)

	for range 3 {
		got, err := r.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "b.tgz", got.Name)
	}
}

func TestResolveNoMatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "readme.md"), []byte("x"), 0)

	r, err := NewResolver(dir)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background())
	require.ErrorIs(t, err, ErrNoArtifact)
}

func TestResolveMissingDirectory(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)

	_, err = r.Resolve(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoArtifact))
}

func TestResolveRecursive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.tar.gz"), []byte("top"), 0)
	writeFile(t, filepath.Join(dir, "nested", "deep", "inner.tar.gz"), []byte("inner"), time.Hour)
	writeFile(t, filepath.Join(dir, ".cache", "hidden.tar.gz"), []byte("hidden"), 2*time.Hour)

	flat, err := NewResolver(dir)
	require.NoError(t, err)
	got, err := flat.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "top.tgz", got.Name)

	deep, err := NewResolver(dir, WithRecursive(true))
	require.NoError(t, err)
	got, err = deep.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inner.tgz", got.Name)
	assert.Equal(t, filepath.Join(dir, "nested", "deep", "inner.tar.gz"), got.Path)
}

func TestResolveExclude(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	master := filepath.Join(dir, "master.tgz")
	writeFile(t, filepath.Join(dir, "app.tgz"), []byte("app"), 0)
	writeFile(t, master, []byte("master"), time.Hour)
	writeFile(t, filepath.Join(dir, "scratch-1.tgz"), []byte("tmp"), 2*time.Hour)

	r, err := NewResolver(dir, WithExclude(master, "scratch-*"))
	require.NoError(t, err)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "app.tgz", got.Name)
}

func TestResolveCustomPatterns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.tgz"), []byte("app"), time.Hour)
	writeFile(t, filepath.Join(dir, "bundle.zip"), []byte("zip"), 0)

	r, err := NewResolver(dir, WithPatterns("*.zip"))
	require.NoError(t, err)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bundle.zip", got.Name)
}

func TestResolveVerifyGzip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.tar.gz"), gzipped(t, "payload"), 0)
	writeFile(t, filepath.Join(dir, "broken.tar.gz"), []byte("not gzip"), time.Hour)

	r, err := NewResolver(dir, WithVerifyGzip(true))
	require.NoError(t, err)

	got, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "good.tgz", got.Name)
}

func TestResolveCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app.tgz"), []byte("app"), 0)

	r, err := NewResolver(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewResolverValidation(t *testing.T) {
	t.Parallel()

	_, err := NewResolver("")
	require.Error(t, err)

	_, err = NewResolver(t.TempDir(), WithPatterns("[bad"))
	require.Error(t, err)
}

func TestArtifactSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "app.tar.gz")
	writeFile(t, path, []byte("artifact bytes"), 0)

	r, err := NewResolver(dir)
	require.NoError(t, err)
	got, err := r.Resolve(context.Background())
	require.NoError(t, err)

	src := got.Source()
	assert.Equal(t, "app.tgz", src.Name)
	assert.Equal(t, int64(len("artifact bytes")), src.Size)

	rc, err := src.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "artifact bytes", string(data))

	require.NoError(t, os.Remove(path))
	_, err = src.Open()
	require.ErrorIs(t, err, archive.ErrSourceUnavailable)
}
