//go:build integration

package integration

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/archivesync/archive"
	"github.com/meigma/archivesync/remote/oci"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Store Factory ---

// newTestStore creates an OCI store in a repository unique to the test.
func newTestStore(tb testing.TB, registryAddr, testName string, opts ...oci.Option) *oci.Store {
	tb.Helper()

	allOpts := append([]oci.Option{oci.WithPlainHTTP(true), oci.WithAnonymous()}, opts...)
	store, err := oci.New(fmt.Sprintf("%s/test/%s", registryAddr, testName), allOpts...)
	require.NoError(tb, err, "create test store")

	return store
}

// --- Test Data Helpers ---

// writeArtifact writes an artifact file with the given age.
func writeArtifact(tb testing.TB, dir, name string, content []byte, age time.Duration) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	require.NoError(tb, os.WriteFile(path, content, 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(tb, os.Chtimes(path, mtime, mtime))
	return path
}

// makeRandomContent creates random binary content.
func makeRandomContent(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.Read(data)
	return data
}

// buildTar creates an uncompressed tar archive holding files in order.
func buildTar(tb testing.TB, names []string, files map[string][]byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		require.NoError(tb, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     int64(len(content)),
			Mode:     0o644,
			ModTime:  time.Unix(1_700_000_000, 0),
		}))
		_, err := tw.Write(content)
		require.NoError(tb, err)
	}
	require.NoError(tb, tw.Close())
	return buf.Bytes()
}

// --- Assertion Helpers ---

// readMaster downloads path from store and returns its entries in order.
func readMaster(tb testing.TB, store *oci.Store, path string, c archive.Compression) ([]string, map[string][]byte) {
	tb.Helper()

	rc, err := store.Download(context.Background(), path)
	require.NoError(tb, err, "download master")
	defer rc.Close()

	var names []string
	files := map[string][]byte{}
	err = archive.Walk(rc, c, func(e archive.Entry, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		names = append(names, e.Name)
		files[e.Name] = data
		return nil
	})
	require.NoError(tb, err, "walk master")
	return names, files
}
