package archivesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/archivesync/archive"
	"github.com/meigma/archivesync/artifact"
	"github.com/meigma/archivesync/internal/scratch"
	"github.com/meigma/archivesync/remote"
	"github.com/meigma/archivesync/transport"
)

// Stage identifies a step of a run.
type Stage uint8

// Run stages, in execution order.
const (
	StageResolve Stage = iota
	StageProbe
	StageFetch
	StageMerge
	StageUpload
	StagePromote
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageResolve:
		return "resolve"
	case StageProbe:
		return "probe"
	case StageFetch:
		return "fetch"
	case StageMerge:
		return "merge"
	case StageUpload:
		return "upload"
	case StagePromote:
		return "promote"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Config names the master and where artifacts come from.
type Config struct {
	// MasterPath is the absolute remote path of the master archive.
	MasterPath string

	// ArtifactDir is searched for the newest artifact by Run.
	// It may be empty when only SyncFile is used.
	ArtifactDir string

	// Patterns are base-name globs an artifact must match.
	// Default: artifact.DefaultPatterns.
	Patterns []string

	// Exclude lists extra base-name globs or absolute paths to skip, such
	// as the config and log files. The master's own name is always skipped.
	Exclude []string

	// Recursive searches subdirectories of ArtifactDir.
	Recursive bool

	// VerifyGzip skips artifacts whose gzip header is invalid.
	VerifyGzip bool
}

// Report summarizes a successful run.
type Report struct {
	// Artifact is the file that was merged.
	Artifact artifact.Artifact

	// MasterPath is the remote path that was updated.
	MasterPath string

	// Identity is the account the store credential belongs to. It is the
	// zero value when identity verification is disabled.
	Identity remote.Identity

	// Created reports that no master existed before the run.
	Created bool

	// Entries is the number of entries in the uploaded master.
	Entries int

	// Replaced reports that an older entry with the artifact's name was replaced.
	Replaced bool

	// Dropped counts legacy duplicate entries removed by the rebuild.
	Dropped int

	// Size is the uploaded master size in bytes.
	Size int64

	// Digest is the sha256 digest of the uploaded master.
	Digest digest.Digest

	// Transfer describes how the master was uploaded.
	Transfer transport.Stats

	// LocalMaster is the local copy that was updated, if any.
	LocalMaster string

	// Duration is the wall time of the run.
	Duration time.Duration
}

// Syncer runs the resolve, fetch, merge, and upload pipeline against one
// master. A Syncer holds no per-run state; runs must not overlap for the
// same master path.
type Syncer struct {
	store remote.Store
	cfg   Config

	logger         *slog.Logger
	progress       ProgressFunc
	scratchRoot    string
	localMaster    string
	localPerm      fs.FileMode
	chunkSize      int64
	threshold      int64
	overwrite      bool
	verifyIdentity bool
	compression    archive.Compression
	compressionSet bool

	resolver  *artifact.Resolver
	merger    *archive.Merger
	transport *transport.Transport
}

// New creates a Syncer for the master at cfg.MasterPath on store.
func New(store remote.Store, cfg Config, opts ...Option) (*Syncer, error) {
	if store == nil {
		return nil, errors.New("archivesync: store is required")
	}
	if cfg.MasterPath == "" {
		return nil, errors.New("archivesync: master path is required")
	}
	s := &Syncer{
		store:          store,
		cfg:            cfg,
		chunkSize:      transport.DefaultChunkSize,
		threshold:      transport.DefaultThreshold,
		overwrite:      true,
		verifyIdentity: true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("archivesync: %w", err)
		}
	}
	if !s.compressionSet {
		s.compression = archive.CompressionForPath(cfg.MasterPath)
	}

	t, err := transport.New(store,
		transport.WithChunkSize(s.chunkSize),
		transport.WithThreshold(s.threshold),
		transport.WithOverwrite(s.overwrite),
		transport.WithLogger(s.logger),
		transport.WithProgress(s.progress),
	)
	if err != nil {
		return nil, fmt.Errorf("archivesync: %w", err)
	}
	s.transport = t
	s.merger = archive.NewMerger(
		archive.WithCompression(s.compression),
		archive.WithLogger(s.logger),
	)

	if cfg.ArtifactDir != "" {
		exclude := append([]string{path.Base(cfg.MasterPath)}, cfg.Exclude...)
		if s.localMaster != "" {
			exclude = append(exclude, s.localMaster)
		}
		ropts := []artifact.Option{
			artifact.WithExclude(exclude...),
			artifact.WithRecursive(cfg.Recursive),
			artifact.WithVerifyGzip(cfg.VerifyGzip),
			artifact.WithLogger(s.logger),
		}
		if len(cfg.Patterns) > 0 {
			ropts = append(ropts, artifact.WithPatterns(cfg.Patterns...))
		}
		r, err := artifact.NewResolver(cfg.ArtifactDir, ropts...)
		if err != nil {
			return nil, fmt.Errorf("archivesync: %w", err)
		}
		s.resolver = r
	}
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Syncer) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Transport returns the transport used for fetch and upload.
func (s *Syncer) Transport() *transport.Transport {
	return s.transport
}

// Run merges the newest artifact in the configured directory into the
// master.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	if s.resolver == nil {
		return nil, stageError(StageResolve, ErrNoArtifactDir)
	}
	s.log().Info("resolving artifact", "stage", StageResolve.String(), "dir", s.cfg.ArtifactDir)
	art, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, stageError(StageResolve, err)
	}
	return s.sync(ctx, art)
}

// SyncFile merges the file at path into the master, bypassing discovery.
// The entry name is derived with artifact.CanonicalName.
func (s *Syncer) SyncFile(ctx context.Context, path string) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, stageError(StageResolve, fmt.Errorf("%w: %v", ErrSourceUnavailable, err))
	}
	if !info.Mode().IsRegular() {
		return nil, stageError(StageResolve, fmt.Errorf("%w: %s is not a regular file", ErrSourceUnavailable, path))
	}
	return s.sync(ctx, artifact.Artifact{
		Path:    path,
		Name:    artifact.CanonicalName(path),
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	})
}

// Probe verifies the store credential.
func (s *Syncer) Probe(ctx context.Context) (remote.Identity, error) {
	id, err := s.store.ProbeIdentity(ctx)
	if err != nil {
		return remote.Identity{}, stageError(StageProbe, err)
	}
	return id, nil
}

// List returns the entries of the remote master. The boolean is false when
// no master exists yet.
func (s *Syncer) List(ctx context.Context) ([]archive.Entry, bool, error) {
	rc, err := s.transport.Fetch(ctx, s.cfg.MasterPath)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, stageError(StageFetch, err)
	}
	defer rc.Close()

	entries, err := archive.List(rc, s.compression)
	if err != nil {
		return nil, true, stageError(StageFetch, readError(ctx, err))
	}
	return entries, true, nil
}

func (s *Syncer) sync(ctx context.Context, art artifact.Artifact) (*Report, error) {
	start := time.Now()
	src := art.Source()
	if err := checkReadable(src); err != nil {
		return nil, stageError(StageResolve, err)
	}
	s.log().Info("artifact resolved",
		"path", art.Path,
		"name", art.Name,
		"size", humanize.IBytes(uint64(art.Size)), //nolint:gosec // file sizes are non-negative
	)
	report := &Report{Artifact: art, MasterPath: s.cfg.MasterPath}

	if s.verifyIdentity {
		s.log().Info("verifying identity", "stage", StageProbe.String())
		id, err := s.store.ProbeIdentity(ctx)
		if err != nil {
			return nil, stageError(StageProbe, err)
		}
		report.Identity = id
		s.log().Info("identity verified", "account", id.String())
	}

	s.log().Info("fetching master", "stage", StageFetch.String(), "path", s.cfg.MasterPath)
	master, err := s.transport.Fetch(ctx, s.cfg.MasterPath)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		report.Created = true
		s.log().Info("no master found, starting a new one", "path", s.cfg.MasterPath)
	case err != nil:
		return nil, stageError(StageFetch, err)
	default:
		defer master.Close()
	}

	// Scratch space exists only once the fetch has answered.
	dir := scratch.New(s.scratchRoot)
	defer func() {
		if err := dir.Close(); err != nil {
			s.log().Warn("failed to remove scratch directory", "error", err)
		}
	}()

	var existing io.ReadSeeker
	if master != nil {
		f, err := s.download(ctx, dir, master)
		if err != nil {
			return nil, stageError(StageFetch, err)
		}
		defer f.Close()
		existing = f
	}

	s.log().Info("merging artifact", "stage", StageMerge.String(), "name", art.Name)
	out, err := dir.Create("rebuilt-*")
	if err != nil {
		return nil, stageError(StageMerge, err)
	}
	defer out.Close()

	digester := digest.SHA256.Digester()
	res, err := s.merger.Merge(ctx, io.MultiWriter(out, digester.Hash()), existing, s.withMergeProgress(src, art))
	if err != nil {
		return nil, stageError(StageMerge, err)
	}
	size, err := out.Size()
	if err != nil {
		return nil, stageError(StageMerge, err)
	}
	report.Entries = res.Entries
	report.Replaced = res.Replaced
	report.Dropped = res.Dropped
	report.Size = size
	report.Digest = digester.Digest()
	if res.Dropped > 0 {
		s.log().Warn("dropped duplicate entries from master", "count", res.Dropped)
	}
	s.log().Info("master rebuilt",
		"entries", res.Entries,
		"replaced", res.Replaced,
		"size", humanize.IBytes(uint64(size)), //nolint:gosec // file sizes are non-negative
		"digest", report.Digest.String(),
	)

	s.log().Info("uploading master", "stage", StageUpload.String(), "path", s.cfg.MasterPath)
	if err := out.Rewind(); err != nil {
		return nil, stageError(StageUpload, err)
	}
	stats, err := s.transport.Send(ctx, s.cfg.MasterPath, out, size)
	if err != nil {
		return nil, stageError(StageUpload, err)
	}
	report.Transfer = stats

	if s.localMaster != "" {
		if err := out.Promote(s.localMaster, s.localPerm); err != nil {
			return nil, stageError(StagePromote, err)
		}
		report.LocalMaster = s.localMaster
		s.log().Info("local master updated", "stage", StagePromote.String(), "path", s.localMaster)
	}

	report.Duration = time.Since(start)
	s.log().Info("sync complete",
		"path", s.cfg.MasterPath,
		"mode", stats.Mode.String(),
		"chunks", stats.Chunks,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

// download copies the fetched master into a scratch file and rewinds it.
func (s *Syncer) download(ctx context.Context, dir *scratch.Dir, master io.Reader) (*scratch.File, error) {
	f, err := dir.Create("master-*")
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, master)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("download master: %w", readError(ctx, err))
	}
	if err := f.Rewind(); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.log().Info("master fetched", "size", humanize.IBytes(uint64(n))) //nolint:gosec // copy counts are non-negative
	return f, nil
}

// withMergeProgress reports merge progress as the artifact is read.
func (s *Syncer) withMergeProgress(src archive.Source, art artifact.Artifact) archive.Source {
	if s.progress == nil {
		return src
	}
	open := src.Open
	src.Open = func() (io.ReadCloser, error) {
		rc, err := open()
		if err != nil {
			return nil, err
		}
		return progressReadCloser{
			Reader: transport.NewProgressReader(rc, s.progress, StageMerging, art.Path, art.Size),
			Closer: rc,
		}, nil
	}
	return src
}

type progressReadCloser struct {
	io.Reader
	io.Closer
}

// checkReadable opens and closes src so an unreadable artifact fails before
// any remote call.
func checkReadable(src archive.Source) error {
	rc, err := src.Open()
	if err != nil {
		return err
	}
	return rc.Close()
}

// readError classifies a failure while streaming a remote body. Errors that
// already carry a sentinel or come from the context pass through.
func readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	for _, sentinel := range []error{remote.ErrAPI, remote.ErrAuth, remote.ErrNotFound, archive.ErrCorruptArchive} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", remote.ErrAPI, err)
}
