// Package archive rebuilds tar archives that hold exactly one entry per
// name.
//
// A master archive is a POSIX tar stream, optionally wrapped in gzip or
// zstd. [Merge] streams an existing archive entry by entry into a new one,
// replacing the entry that carries the incoming name, so memory use does not
// grow with archive size.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"
)

// Sentinel errors.
var (
	// ErrCorruptArchive is returned when the existing archive cannot be parsed.
	ErrCorruptArchive = errors.New("archive: corrupt archive")

	// ErrSourceUnavailable is returned when the new entry's content cannot be read.
	ErrSourceUnavailable = errors.New("archive: source unavailable")

	// ErrInvalidName is returned when an entry name is empty or escapes the archive root.
	ErrInvalidName = errors.New("archive: invalid entry name")
)

// Entry describes a file stored in an archive.
type Entry struct {
	// Name is the entry path as stored in the archive.
	Name string

	// Size is the content size in bytes.
	Size int64

	// Mode holds the permission and type bits.
	Mode fs.FileMode

	// ModTime is the entry's modification time.
	ModTime time.Time
}

func entryFromHeader(hdr *tar.Header) Entry {
	return Entry{
		Name:    hdr.Name,
		Size:    hdr.Size,
		Mode:    hdr.FileInfo().Mode(),
		ModTime: hdr.ModTime,
	}
}

// Source supplies the content and metadata of the entry being merged.
type Source struct {
	// Name is the canonical entry name.
	Name string

	// Size is the exact number of bytes Open yields.
	Size int64

	// Mode holds the permission bits recorded for the entry.
	Mode fs.FileMode

	// ModTime is recorded as the entry's modification time.
	ModTime time.Time

	// Open returns a fresh reader over the content.
	Open func() (io.ReadCloser, error)
}

// FileSource returns a Source reading the file at path, stored under name.
func FileSource(path, name string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if !info.Mode().IsRegular() {
		return Source{}, fmt.Errorf("%w: %s is not a regular file", ErrSourceUnavailable, path)
	}
	return Source{
		Name:    name,
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(path) //nolint:gosec // path chosen by the caller
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
			}
			return f, nil
		},
	}, nil
}

// Key returns the lookup key for an entry name. Names that differ only by
// a leading "./" or "/" or by redundant separators share a key.
func Key(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return ""
	}
	return path.Clean(name)
}

// ValidateName checks that name is usable as an entry name.
func ValidateName(name string) error {
	key := Key(name)
	switch {
	case key == "" || key == ".":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case key == ".." || strings.HasPrefix(key, "../"):
		return fmt.Errorf("%w: %q escapes the archive root", ErrInvalidName, name)
	case strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: %q names a directory", ErrInvalidName, name)
	}
	return nil
}
