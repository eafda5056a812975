package archive

import (
	"archive/tar"
	"io"
)

// WalkFunc is called for each entry of an archive. The content reader is
// only valid until WalkFunc returns.
type WalkFunc func(entry Entry, content io.Reader) error

// Walk decodes the archive in r and calls fn for each entry in order.
// Damaged input fails with ErrCorruptArchive; errors from fn are returned
// unchanged.
func Walk(r io.Reader, c Compression, fn WalkFunc) error {
	return forEach(r, c, func(_ int, hdr *tar.Header, content io.Reader) error {
		return fn(entryFromHeader(hdr), content)
	})
}

// List returns the entries of the archive in r, in archive order.
func List(r io.Reader, c Compression) ([]Entry, error) {
	var entries []Entry
	err := Walk(r, c, func(entry Entry, _ io.Reader) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
