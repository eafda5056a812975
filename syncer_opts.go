package archivesync

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/meigma/archivesync/archive"
)

// Option configures a Syncer.
type Option func(*Syncer) error

// WithLogger sets the logger for stage transitions and debug output.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) error {
		s.logger = logger
		return nil
	}
}

// WithProgress sets a callback for fetch, merge, and upload progress.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Syncer) error {
		s.progress = fn
		return nil
	}
}

// WithScratchRoot sets the directory under which each run creates its
// scratch directory. Default: os.TempDir().
func WithScratchRoot(dir string) Option {
	return func(s *Syncer) error {
		s.scratchRoot = dir
		return nil
	}
}

// WithLocalMaster keeps a local copy of the master at path. The copy is
// replaced atomically after each successful upload.
func WithLocalMaster(path string, perm fs.FileMode) Option {
	return func(s *Syncer) error {
		if path == "" {
			return errors.New("local master path must not be empty")
		}
		if perm == 0 {
			perm = 0o644
		}
		s.localMaster = path
		s.localPerm = perm
		return nil
	}
}

// WithChunkSize sets the upload session chunk size.
// Default: transport.DefaultChunkSize.
func WithChunkSize(size int64) Option {
	return func(s *Syncer) error {
		if size <= 0 {
			return errors.New("chunk size must be positive")
		}
		s.chunkSize = size
		return nil
	}
}

// WithThreshold sets the largest master uploaded in a single request.
// Default: transport.DefaultThreshold.
func WithThreshold(size int64) Option {
	return func(s *Syncer) error {
		if size < 0 {
			return errors.New("threshold must be non-negative")
		}
		s.threshold = size
		return nil
	}
}

// WithOverwrite sets whether an upload may replace an existing master.
// Default: true.
func WithOverwrite(overwrite bool) Option {
	return func(s *Syncer) error {
		s.overwrite = overwrite
		return nil
	}
}

// WithVerifyIdentity sets whether Run probes the store credential before
// fetching the master. Default: true.
func WithVerifyIdentity(verify bool) Option {
	return func(s *Syncer) error {
		s.verifyIdentity = verify
		return nil
	}
}

// WithCompression overrides the master compression, which is otherwise
// derived from the master path suffix.
func WithCompression(c archive.Compression) Option {
	return func(s *Syncer) error {
		s.compression = c
		s.compressionSet = true
		return nil
	}
}
