package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Result summarizes a merge.
type Result struct {
	// Entries is the number of entries in the rebuilt archive.
	Entries int

	// Replaced reports whether the existing archive already held an entry
	// with the merged name.
	Replaced bool

	// Dropped counts superseded duplicate entries removed from the existing
	// archive, not including the replaced entry itself.
	Dropped int

	// Position is the index of the merged entry in the rebuilt archive.
	Position int
}

// Merger rebuilds archives. The zero value is not usable; use NewMerger.
type Merger struct {
	compression Compression
	logger      *slog.Logger
}

// Option configures a Merger.
type Option func(*Merger)

// WithCompression sets the compression of both the existing and the rebuilt
// archive. Default: CompressionNone.
func WithCompression(c Compression) Option {
	return func(m *Merger) {
		m.compression = c
	}
}

// WithLogger sets a logger for per-entry debug output.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(m *Merger) {
		m.logger = logger
	}
}

// NewMerger creates a Merger with the given options.
func NewMerger(opts ...Option) *Merger {
	m := &Merger{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// log returns the logger, falling back to a discard logger if nil.
func (m *Merger) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Merge is shorthand for NewMerger(opts...).Merge.
func Merge(ctx context.Context, dst io.Writer, existing io.ReadSeeker, src Source, opts ...Option) (Result, error) {
	return NewMerger(opts...).Merge(ctx, dst, existing, src)
}

// mergePlan is the outcome of the scan pass over the existing archive.
type mergePlan struct {
	// last maps each entry key to the index of its final occurrence.
	last map[string]int

	// target is the index of the final occurrence of the merged name, or -1.
	target int
}

// Merge writes to dst an archive holding every entry of existing except those
// named src.Name, plus exactly one entry for src.
//
// A nil existing means no master exists yet; the result then holds only src.
// When existing already holds src.Name, the new entry takes the position of
// its last occurrence; otherwise it is appended. If the existing archive
// holds duplicate names, only the last occurrence of each is kept, matching
// what tar extraction would produce.
//
// Entries copied from existing keep their headers and content unchanged.
// The existing archive is read twice: a header-only scan that detects
// corruption before anything is written to dst, then the copy pass.
func (m *Merger) Merge(ctx context.Context, dst io.Writer, existing io.ReadSeeker, src Source) (Result, error) {
	if err := ValidateName(src.Name); err != nil {
		return Result{}, err
	}
	if src.Open == nil {
		return Result{}, fmt.Errorf("%w: no content for %q", ErrSourceUnavailable, src.Name)
	}
	if src.Size < 0 {
		return Result{}, fmt.Errorf("%w: negative size for %q", ErrSourceUnavailable, src.Name)
	}
	key := Key(src.Name)

	plan := &mergePlan{last: map[string]int{}, target: -1}
	if existing != nil {
		var err error
		if plan, err = m.scan(ctx, existing, key); err != nil {
			return Result{}, err
		}
		if _, err := existing.Seek(0, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("rewind existing archive: %w", err)
		}
	}

	content, err := src.Open()
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return Result{}, err
	}
	defer content.Close()

	cw, err := newCompressor(dst, m.compression)
	if err != nil {
		return Result{}, err
	}
	tw := tar.NewWriter(cw)

	res := Result{Replaced: plan.target >= 0, Position: -1}
	if existing != nil {
		err = forEach(existing, m.compression, func(idx int, hdr *tar.Header, r io.Reader) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entryKey := Key(hdr.Name)
			switch {
			case entryKey == key:
				if idx != plan.target {
					res.Dropped++
					return nil
				}
				res.Position = res.Entries
				res.Entries++
				return writeSource(tw, src, content)
			case plan.last[entryKey] != idx:
				m.log().Debug("dropping superseded entry", "name", hdr.Name, "index", idx)
				res.Dropped++
				return nil
			}
			res.Entries++
			return copyEntry(tw, hdr, r)
		})
		if err != nil {
			return Result{}, err
		}
	}

	if res.Position < 0 {
		res.Position = res.Entries
		res.Entries++
		if err := writeSource(tw, src, content); err != nil {
			return Result{}, err
		}
	}

	if err := tw.Close(); err != nil {
		return Result{}, fmt.Errorf("finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return Result{}, fmt.Errorf("finish %s stream: %w", m.compression, err)
	}

	m.log().Debug("archive merged",
		"name", key,
		"entries", res.Entries,
		"replaced", res.Replaced,
		"dropped", res.Dropped,
	)
	return res, nil
}

// scan reads every header of the existing archive without copying content.
func (m *Merger) scan(ctx context.Context, existing io.Reader, key string) (*mergePlan, error) {
	plan := &mergePlan{last: map[string]int{}, target: -1}
	err := forEach(existing, m.compression, func(idx int, hdr *tar.Header, _ io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entryKey := Key(hdr.Name)
		plan.last[entryKey] = idx
		if entryKey == key {
			plan.target = idx
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// copyEntry writes hdr and its content unchanged.
func copyEntry(tw *tar.Writer, hdr *tar.Header, r io.Reader) error {
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %q: %w", hdr.Name, err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("copy %q: %w", hdr.Name, err)
	}
	return nil
}

// writeSource writes the merged entry with fresh metadata.
func writeSource(tw *tar.Writer, src Source, content io.Reader) error {
	mode := src.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     Key(src.Name),
		Size:     src.Size,
		Mode:     int64(mode),
		ModTime:  src.ModTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %q: %w", hdr.Name, err)
	}
	n, err := io.CopyN(tw, sourceReader{content}, src.Size)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %q ended after %d of %d bytes", ErrSourceUnavailable, src.Name, n, src.Size)
	}
	if err != nil {
		return fmt.Errorf("write %q: %w", hdr.Name, err)
	}
	return nil
}

// forEach decodes the archive in r and calls fn for each entry in order.
// Reads from the entry reader passed to fn fail with ErrCorruptArchive when
// the underlying stream is damaged. Errors returned by fn are passed through.
func forEach(r io.Reader, c Compression, fn func(idx int, hdr *tar.Header, r io.Reader) error) error {
	dr, closeFn, err := newDecompressor(r, c)
	if errors.Is(err, errEmptyStream) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(dr)
	for idx := 0; ; idx++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrCorruptArchive, idx, err)
		}
		if err := fn(idx, hdr, corruptReader{tr}); err != nil {
			return err
		}
	}
}

// corruptReader tags read failures of the existing archive.
type corruptReader struct {
	r io.Reader
}

func (c corruptReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return n, err
}

// sourceReader tags read failures of the merged entry's content.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrSourceUnavailable) {
		err = fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return n, err
}
