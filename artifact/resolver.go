// Package artifact locates the newest build artifact in a directory and
// derives the name it is stored under in the master archive.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/meigma/archivesync/archive"
)

// ErrNoArtifact is returned when no file in the directory matches the
// configured patterns.
var ErrNoArtifact = errors.New("artifact: no matching file")

// DefaultPatterns are the name patterns used when none are configured.
var DefaultPatterns = []string{"*.tar.gz", "*.tgz"}

// Artifact is the file selected for a run.
type Artifact struct {
	// Path is the file's location on disk.
	Path string

	// Name is the canonical entry name the file is merged under.
	Name string

	// Size is the file size in bytes.
	Size int64

	// Mode holds the file's permission bits.
	Mode fs.FileMode

	// ModTime is the file's modification time.
	ModTime time.Time
}

// Source returns the archive source for the artifact. The file is opened
// lazily, so a file removed after resolution fails with
// archive.ErrSourceUnavailable.
func (a Artifact) Source() archive.Source {
	path := a.Path
	return archive.Source{
		Name:    a.Name,
		Size:    a.Size,
		Mode:    a.Mode,
		ModTime: a.ModTime,
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(path) //nolint:gosec // path comes from directory traversal
			if err != nil {
				return nil, fmt.Errorf("%w: %v", archive.ErrSourceUnavailable, err)
			}
			return f, nil
		},
	}
}

// CanonicalName maps a file name to its entry name: the base name with a
// ".tar.gz" suffix shortened to ".tgz". Other names are returned as is.
func CanonicalName(name string) string {
	base := filepath.Base(name)
	if strings.HasSuffix(strings.ToLower(base), ".tar.gz") {
		return base[:len(base)-len(".tar.gz")] + ".tgz"
	}
	return base
}

// Resolver finds the newest matching file in a directory.
type Resolver struct {
	dir        string
	patterns   []string
	exclude    []string
	recursive  bool
	verifyGzip bool
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPatterns sets the base-name glob patterns a file must match.
// Default: DefaultPatterns.
func WithPatterns(patterns ...string) Option {
	return func(r *Resolver) {
		r.patterns = patterns
	}
}

// WithExclude skips files whose base name matches any of the patterns, or
// whose absolute path equals one of them.
func WithExclude(patterns ...string) Option {
	return func(r *Resolver) {
		r.exclude = append(r.exclude, patterns...)
	}
}

// WithRecursive searches subdirectories as well. Hidden directories are
// skipped.
func WithRecursive(recursive bool) Option {
	return func(r *Resolver) {
		r.recursive = recursive
	}
}

// WithVerifyGzip skips candidates whose name promises gzip but whose
// content does not start with a valid gzip header.
func WithVerifyGzip(verify bool) Option {
	return func(r *Resolver) {
		r.verifyGzip = verify
	}
}

// WithLogger sets a logger for candidate selection output.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver for dir.
func NewResolver(dir string, opts ...Option) (*Resolver, error) {
	if dir == "" {
		return nil, errors.New("artifact: directory is required")
	}
	r := &Resolver{dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.patterns) == 0 {
		r.patterns = DefaultPatterns
	}
	for _, p := range append(append([]string(nil), r.patterns...), r.exclude...) {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("artifact: pattern %q: %w", p, err)
		}
	}
	return r, nil
}

func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Resolve returns the newest regular file matching the patterns. Ties on
// modification time are broken by path so the choice is deterministic.
func (r *Resolver) Resolve(ctx context.Context) (Artifact, error) {
	var candidates []Artifact
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == r.dir {
				return nil
			}
			if !r.recursive || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !r.matches(path, d.Name()) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.verifyGzip && !isGzip(path) {
			r.log().Warn("skipping artifact with invalid gzip header", "path", path)
			return nil
		}
		candidates = append(candidates, Artifact{
			Path:    path,
			Name:    CanonicalName(d.Name()),
			Size:    info.Size(),
			Mode:    info.Mode().Perm(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("scan %s: %w", r.dir, err)
	}
	if len(candidates) == 0 {
		return Artifact{}, fmt.Errorf("%w in %s (patterns %s)", ErrNoArtifact, r.dir, strings.Join(r.patterns, ", "))
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}
		return a.Path > b.Path
	})
	chosen := candidates[0]
	r.log().Debug("artifact resolved",
		"path", chosen.Path,
		"name", chosen.Name,
		"candidates", len(candidates),
	)
	return chosen, nil
}

func (r *Resolver) matches(path, base string) bool {
	for _, p := range r.exclude {
		if ok, _ := filepath.Match(p, base); ok {
			return false
		}
		if abs, err := filepath.Abs(p); err == nil {
			if pathAbs, err := filepath.Abs(path); err == nil && abs == pathAbs {
				return false
			}
		}
	}
	for _, p := range r.patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// isGzip reports whether the file at path starts with a valid gzip header.
// Only names that promise gzip are checked; others pass.
func isGzip(path string) bool {
	lower := strings.ToLower(path)
	if !strings.HasSuffix(lower, ".gz") && !strings.HasSuffix(lower, ".tgz") {
		return true
	}
	f, err := os.Open(path) //nolint:gosec // path comes from directory traversal
	if err != nil {
		return false
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	_ = zr.Close()
	return true
}
