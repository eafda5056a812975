package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/meigma/archivesync"
	"github.com/meigma/archivesync/internal/config"
	"github.com/meigma/archivesync/remote"
	"github.com/meigma/archivesync/remote/dropbox"
	"github.com/meigma/archivesync/remote/fsstore"
	"github.com/meigma/archivesync/remote/oci"
)

func userAgent() string {
	return "archivesync/" + version
}

// openStore builds the remote.Store selected by cfg.Backend.
func openStore(cfg *config.Config, logger *slog.Logger) (remote.Store, error) {
	switch cfg.Backend {
	case config.BackendDropbox:
		opts := []dropbox.Option{
			dropbox.WithUserAgent(userAgent()),
			dropbox.WithLogger(logger),
		}
		if cfg.Dropbox.APIURL != "" {
			opts = append(opts, dropbox.WithAPIURL(cfg.Dropbox.APIURL))
		}
		if cfg.Dropbox.ContentURL != "" {
			opts = append(opts, dropbox.WithContentURL(cfg.Dropbox.ContentURL))
		}
		return dropbox.New(cfg.Dropbox.Token, opts...)

	case config.BackendOCI:
		opts := []oci.Option{
			oci.WithUserAgent(userAgent()),
			oci.WithLogger(logger),
			oci.WithPlainHTTP(cfg.OCI.PlainHTTP),
		}
		switch {
		case cfg.OCI.Token != "":
			opts = append(opts, oci.WithStaticToken(cfg.OCI.Token))
		case cfg.OCI.Username != "":
			opts = append(opts, oci.WithStaticCredentials(cfg.OCI.Username, cfg.OCI.Password))
		case cfg.OCI.DockerConfig:
			opts = append(opts, oci.WithDockerConfig())
		default:
			opts = append(opts, oci.WithAnonymous())
		}
		return oci.New(cfg.OCI.Repository, opts...)

	case config.BackendFile:
		root, err := filepath.Abs(cfg.File.Root)
		if err != nil {
			return nil, fmt.Errorf("file backend root: %w", err)
		}
		return fsstore.New(root)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// newSyncer validates cfg and builds a Syncer on the configured store.
func (a *app) newSyncer(extra ...archivesync.Option) (*archivesync.Syncer, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	store, err := openStore(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	chunk, _ := a.cfg.ChunkSizeBytes()     //nolint:errcheck // checked by Validate
	threshold, _ := a.cfg.ThresholdBytes() //nolint:errcheck // checked by Validate
	opts := []archivesync.Option{
		archivesync.WithLogger(a.logger),
		archivesync.WithScratchRoot(a.cfg.ScratchDir),
		archivesync.WithChunkSize(chunk),
		archivesync.WithThreshold(threshold),
		archivesync.WithOverwrite(a.cfg.Overwrite),
		archivesync.WithVerifyIdentity(a.cfg.VerifyIdentity),
	}
	if c, ok, _ := a.cfg.CompressionOverride(); ok {
		opts = append(opts, archivesync.WithCompression(c))
	}
	if a.cfg.LocalMaster != "" {
		opts = append(opts, archivesync.WithLocalMaster(a.cfg.LocalMaster, 0o644))
	}
	opts = append(opts, extra...)

	return archivesync.New(store, archivesync.Config{
		MasterPath:  a.cfg.MasterPath,
		ArtifactDir: a.cfg.ArtifactDir,
		Patterns:    a.cfg.Patterns,
		Exclude:     a.toolFiles(),
		Recursive:   a.cfg.Recursive,
		VerifyGzip:  a.cfg.VerifyGzip,
	}, opts...)
}

// toolFiles returns the configured excludes plus the config and log files,
// so the tool never picks up its own files as artifacts.
func (a *app) toolFiles() []string {
	exclude := append([]string(nil), a.cfg.Exclude...)
	for _, p := range []string{a.cfg.Path, a.cfg.LogFile} {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		exclude = append(exclude, p)
	}
	return exclude
}
