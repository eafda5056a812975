// Package oci implements remote.Store on an OCI distribution registry.
//
// Each remote path maps to a tag in one repository. The object is stored as
// a single-layer OCI artifact: an empty config, one layer holding the bytes,
// and a manifest pushed under the tag. Pushing the manifest is the commit,
// so a failed upload leaves the previous tag untouched.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	orasremote "oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/archivesync/remote"
)

// Media types for master archives.
const (
	// ArtifactType identifies a master archive manifest.
	ArtifactType = "application/vnd.meigma.archivesync.v1"

	// MediaTypeArchive is the media type of the archive layer.
	MediaTypeArchive = "application/vnd.meigma.archivesync.archive.v1.tar"

	// AnnotationPath records the remote path a manifest was committed for.
	AnnotationPath = "io.meigma.archivesync.path"

	maxManifestSize = 4 << 20
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// Store is an OCI registry remote.Store.
type Store struct {
	ref        registry.Reference
	plainHTTP  bool
	userAgent  string
	anonymous  bool
	credStore  credentials.Store
	httpClient *http.Client
	logger     *slog.Logger

	cache      auth.Cache
	authClient *auth.Client // ORAS operations, with retries
	rawClient  *auth.Client // upload session requests, never retried

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

var _ remote.Store = (*Store)(nil)

// New returns a Store for the repository named by repo, for example
// "ghcr.io/acme/masters". A tag or digest in repo is rejected.
func New(repo string, opts ...Option) (*Store, error) {
	ref, err := registry.ParseReference(repo)
	if err != nil {
		return nil, fmt.Errorf("oci: parse repository %q: %w", repo, err)
	}
	if ref.Reference != "" {
		return nil, fmt.Errorf("oci: repository %q must not carry a tag or digest", repo)
	}
	s := &Store{
		ref:       ref,
		userAgent: "archivesync/1.0",
		cache:     auth.NewCache(),
		sessions:  make(map[string]*uploadSession),
	}
	for _, opt := range opts {
		opt(s)
	}

	base := s.httpClient
	if base == nil {
		base = retry.DefaultClient
	}
	s.authClient = s.newAuthClient(base)

	raw := s.httpClient
	if raw == nil {
		raw = http.DefaultClient
	}
	s.rawClient = s.newAuthClient(raw)
	return s, nil
}

func (s *Store) newAuthClient(client *http.Client) *auth.Client {
	return &auth.Client{
		Client: client,
		Cache:  s.cache,
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if s.anonymous || s.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return s.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{s.userAgent},
		},
	}
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// repository returns a Repository sharing the store's auth client.
func (s *Store) repository() *orasremote.Repository {
	return &orasremote.Repository{
		Client:    s.authClient,
		Reference: s.ref,
		PlainHTTP: s.plainHTTP,
	}
}

// TagFor maps a remote path to the tag it is stored under: leading slashes
// are dropped and inner slashes become underscores.
func TagFor(path string) (string, error) {
	tag := strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
	if !tagPattern.MatchString(tag) {
		return "", fmt.Errorf("%w: path %q does not map to a valid tag", remote.ErrAPI, path)
	}
	return tag, nil
}

// Download implements remote.Store.
func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	tag, err := TagFor(path)
	if err != nil {
		return nil, err
	}
	repo := s.repository()

	layer, err := s.fetchLayer(ctx, repo, tag)
	if err != nil {
		return nil, err
	}
	rc, err := repo.Blobs().Fetch(ctx, layer)
	if err != nil {
		return nil, mapError(err)
	}
	return newVerifyReader(rc, layer), nil
}

// fetchLayer resolves tag and returns the archive layer of its manifest.
func (s *Store) fetchLayer(ctx context.Context, repo *orasremote.Repository, tag string) (ocispec.Descriptor, error) {
	desc, rc, err := repo.FetchReference(ctx, tag)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	defer rc.Close()

	if desc.MediaType != "" && desc.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s is a %s, not an image manifest", remote.ErrAPI, tag, desc.MediaType)
	}
	var manifest ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(rc, maxManifestSize)).Decode(&manifest); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: decode manifest %s: %v", remote.ErrAPI, tag, err)
	}
	if len(manifest.Layers) != 1 || manifest.Layers[0].MediaType != MediaTypeArchive {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s is not an archive manifest", remote.ErrAPI, tag)
	}
	layer := manifest.Layers[0]
	if err := layer.Digest.Validate(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer digest: %v", remote.ErrAPI, err)
	}
	return layer, nil
}

// UploadWhole implements remote.Store.
func (s *Store) UploadWhole(ctx context.Context, path string, data []byte, overwrite bool) error {
	tag, err := TagFor(path)
	if err != nil {
		return err
	}
	repo := s.repository()
	if err := s.checkOverwrite(ctx, repo, tag, overwrite); err != nil {
		return err
	}

	layer := content.NewDescriptorFromBytes(MediaTypeArchive, data)
	if err := repo.Push(ctx, layer, bytes.NewReader(data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push layer: %w", mapError(err))
	}
	return s.commit(ctx, repo, tag, path, layer)
}

// ProbeIdentity implements remote.Store by pinging the registry's /v2/
// endpoint with the configured credential.
func (s *Store) ProbeIdentity(ctx context.Context) (remote.Identity, error) {
	reg, err := orasremote.NewRegistry(s.ref.Registry)
	if err != nil {
		return remote.Identity{}, fmt.Errorf("oci: %w", err)
	}
	reg.Client = s.authClient
	reg.PlainHTTP = s.plainHTTP

	ctx = auth.AppendRepositoryScope(ctx, s.ref, auth.ActionPull, auth.ActionPush)
	if err := reg.Ping(ctx); err != nil {
		return remote.Identity{}, fmt.Errorf("ping %s: %w", s.ref.Registry, mapError(err))
	}

	id := remote.Identity{AccountID: "anonymous", Name: s.ref.Registry + "/" + s.ref.Repository}
	if !s.anonymous && s.credStore != nil {
		cred, err := s.credStore.Get(ctx, s.ref.Host())
		if err == nil && cred.Username != "" {
			id.AccountID = cred.Username
		}
	}
	return id, nil
}

// checkOverwrite fails with remote.ErrAPI when overwrite is false and tag
// already exists.
func (s *Store) checkOverwrite(ctx context.Context, repo *orasremote.Repository, tag string, overwrite bool) error {
	if overwrite {
		return nil
	}
	_, err := repo.Resolve(ctx, tag)
	switch {
	case err == nil:
		return fmt.Errorf("%w: conflict at tag %s", remote.ErrAPI, tag)
	case errors.Is(err, errdef.ErrNotFound):
		return nil
	default:
		return mapError(err)
	}
}

// commit pushes the empty config and the manifest tagging layer.
func (s *Store) commit(ctx context.Context, repo *orasremote.Repository, tag, path string, layer ocispec.Descriptor) error {
	config := ocispec.DescriptorEmptyJSON
	if err := repo.Push(ctx, config, bytes.NewReader(config.Data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push config: %w", mapError(err))
	}
	config.Data = nil

	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       config,
		Layers:       []ocispec.Descriptor{layer},
		Annotations: map[string]string{
			ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
			AnnotationPath:            path,
		},
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(raw),
		Size:      int64(len(raw)),
	}
	if err := repo.PushReference(ctx, desc, bytes.NewReader(raw), tag); err != nil {
		return fmt.Errorf("push manifest: %w", mapError(err))
	}
	s.log().Debug("manifest committed", "tag", tag, "layer", layer.Digest.String(), "size", layer.Size)
	return nil
}

// mapError maps ORAS and registry errors to the remote sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		switch errResp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", remote.ErrAuth, err)
		case http.StatusRequestedRangeNotSatisfiable:
			return fmt.Errorf("%w: %v", remote.ErrOffsetMismatch, err)
		}
	}
	return fmt.Errorf("%w: %v", remote.ErrAPI, err)
}

// verifyReader checks size and digest of a fetched layer as it is read.
type verifyReader struct {
	rc       io.ReadCloser
	verifier digest.Verifier
	desc     ocispec.Descriptor
	n        int64
}

func newVerifyReader(rc io.ReadCloser, desc ocispec.Descriptor) *verifyReader {
	return &verifyReader{rc: rc, verifier: desc.Digest.Verifier(), desc: desc}
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		v.n += int64(n)
		if v.n > v.desc.Size {
			return n, fmt.Errorf("%w: layer exceeds %d bytes", remote.ErrAPI, v.desc.Size)
		}
		_, _ = v.verifier.Write(p[:n]) //nolint:errcheck // hash writes never fail
	}
	if errors.Is(err, io.EOF) {
		if v.n != v.desc.Size {
			return n, fmt.Errorf("%w: layer has %d bytes, manifest says %d", remote.ErrAPI, v.n, v.desc.Size)
		}
		if !v.verifier.Verified() {
			return n, fmt.Errorf("%w: layer digest mismatch for %s", remote.ErrAPI, v.desc.Digest)
		}
	}
	return n, err
}

func (v *verifyReader) Close() error {
	return v.rc.Close()
}
