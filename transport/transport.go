// Package transport moves whole objects to and from a remote.Store.
//
// Small objects are uploaded with a single put. Objects larger than the
// threshold go through the store's session protocol in fixed-size chunks:
// the first chunk starts the session, full chunks are appended while at
// least one full chunk remains, and the remainder (possibly empty) is sent
// with the commit. The chunk size never adapts, so every offset is
// predictable from the total size alone.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/meigma/archivesync/remote"
)

const (
	// DefaultChunkSize is the session chunk size.
	DefaultChunkSize int64 = 8 << 20

	// DefaultThreshold is the largest object sent in a single put.
	DefaultThreshold = DefaultChunkSize
)

// ErrSizeMismatch is returned when the upload reader yields fewer or more
// bytes than the declared total.
var ErrSizeMismatch = errors.New("transport: size mismatch")

// Mode identifies how an object was uploaded.
type Mode uint8

const (
	// ModeSingle is a single whole-object put.
	ModeSingle Mode = iota

	// ModeSession is the start/append/finish protocol.
	ModeSession
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeSession:
		return "session"
	default:
		return "unknown"
	}
}

// Plan describes how an object of a given size will be sent.
type Plan struct {
	Mode Mode

	// Chunks is the number of requests carrying data, including start and
	// finish. A single put counts as one chunk.
	Chunks int64

	// Appends is the number of append requests.
	Appends int64

	// First and Last are the sizes of the start and finish payloads.
	First int64
	Last  int64
}

// Stats reports what Send did.
type Stats struct {
	Mode    Mode
	Bytes   int64
	Chunks  int64
	Appends int64

	// SessionID is the store-issued session handle, empty for single puts.
	SessionID string
}

// Transport uploads and downloads objects through a remote.Store.
type Transport struct {
	store     remote.Store
	chunkSize int64
	threshold int64
	overwrite bool
	logger    *slog.Logger
	progress  ProgressFunc
}

// Option configures a Transport.
type Option func(*Transport)

// WithChunkSize sets the session chunk size.
// Default: DefaultChunkSize.
func WithChunkSize(size int64) Option {
	return func(t *Transport) {
		t.chunkSize = size
	}
}

// WithThreshold sets the largest object sent in a single put.
// Default: DefaultThreshold.
func WithThreshold(size int64) Option {
	return func(t *Transport) {
		t.threshold = size
	}
}

// WithOverwrite sets whether uploads replace an existing object.
// Default: true.
func WithOverwrite(overwrite bool) Option {
	return func(t *Transport) {
		t.overwrite = overwrite
	}
}

// WithLogger sets a logger for per-chunk debug output.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithProgress sets a callback receiving fetch and upload byte counts.
func WithProgress(fn ProgressFunc) Option {
	return func(t *Transport) {
		t.progress = fn
	}
}

// New creates a Transport over store.
func New(store remote.Store, opts ...Option) (*Transport, error) {
	if store == nil {
		return nil, errors.New("transport: store is required")
	}
	t := &Transport{
		store:     store,
		chunkSize: DefaultChunkSize,
		threshold: DefaultThreshold,
		overwrite: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.chunkSize <= 0 {
		return nil, fmt.Errorf("transport: chunk size must be positive, got %d", t.chunkSize)
	}
	if t.threshold < 0 {
		return nil, fmt.Errorf("transport: threshold must not be negative, got %d", t.threshold)
	}
	return t, nil
}

func (t *Transport) log() *slog.Logger {
	if t.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.logger
}

// ChunkSize returns the configured session chunk size.
func (t *Transport) ChunkSize() int64 { return t.chunkSize }

// Threshold returns the configured single-put threshold.
func (t *Transport) Threshold() int64 { return t.threshold }

// Plan returns how an object of total bytes would be sent.
func (t *Transport) Plan(total int64) Plan {
	if total <= t.threshold {
		return Plan{Mode: ModeSingle, Chunks: 1, First: total}
	}
	first := min(t.chunkSize, total)
	appends := (total - first) / t.chunkSize
	return Plan{
		Mode:    ModeSession,
		Chunks:  appends + 2,
		Appends: appends,
		First:   first,
		Last:    total - first - appends*t.chunkSize,
	}
}

// Fetch opens the object at path. A missing object fails with an error
// matching remote.ErrNotFound. The caller must close the returned reader.
func (t *Transport) Fetch(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := t.store.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	if t.progress == nil {
		return rc, nil
	}
	return &progressReadCloser{
		ProgressReader: NewProgressReader(rc, t.progress, StageFetching, path, 0),
		closer:         rc,
	}, nil
}

type progressReadCloser struct {
	*ProgressReader
	closer io.Closer
}

func (p *progressReadCloser) Close() error {
	return p.closer.Close()
}

// Send uploads exactly total bytes from r to path. Nothing is visible at
// path until the final request succeeds.
func (t *Transport) Send(ctx context.Context, path string, r io.Reader, total int64) (Stats, error) {
	if total < 0 {
		return Stats{}, fmt.Errorf("%w: negative total %d", ErrSizeMismatch, total)
	}
	if total <= t.threshold {
		return t.sendSingle(ctx, path, r, total)
	}
	return t.sendSession(ctx, path, r, total)
}

func (t *Transport) sendSingle(ctx context.Context, path string, r io.Reader, total int64) (Stats, error) {
	data, err := io.ReadAll(io.LimitReader(r, total+1))
	if err != nil {
		return Stats{}, fmt.Errorf("read upload source: %w", err)
	}
	if int64(len(data)) != total {
		return Stats{}, sizeMismatch(int64(len(data)), total)
	}

	t.log().Debug("uploading in a single request", "path", path, "size", humanize.IBytes(uint64(total)))
	if err := t.store.UploadWhole(ctx, path, data, t.overwrite); err != nil {
		return Stats{}, fmt.Errorf("upload %s: %w", path, err)
	}
	Report(t.progress, StageUploading, path, total, total)
	return Stats{Mode: ModeSingle, Bytes: total, Chunks: 1}, nil
}

func (t *Transport) sendSession(ctx context.Context, path string, r io.Reader, total int64) (Stats, error) {
	plan := t.Plan(total)
	buf := make([]byte, t.chunkSize)
	stats := Stats{Mode: ModeSession}

	first := buf[:plan.First]
	if err := readChunk(r, first, 0, total); err != nil {
		return Stats{}, err
	}
	id, err := t.store.SessionStart(ctx, first)
	if err != nil {
		return Stats{}, fmt.Errorf("start upload session: %w", err)
	}
	stats.SessionID = id
	stats.Chunks++
	offset := int64(len(first))
	Report(t.progress, StageUploading, path, offset, total)
	t.log().Debug("upload session started",
		"path", path,
		"session", id,
		"size", humanize.IBytes(uint64(total)),
		"appends", plan.Appends,
	)

	for total-offset >= t.chunkSize {
		if err := readChunk(r, buf, offset, total); err != nil {
			return Stats{}, err
		}
		committed, err := t.store.SessionAppend(ctx, id, offset, buf)
		if err != nil {
			return Stats{}, fmt.Errorf("append at offset %d: %w", offset, err)
		}
		if want := offset + int64(len(buf)); committed != want {
			return Stats{}, fmt.Errorf("%w: store committed %d after append at %d, want %d",
				remote.ErrOffsetMismatch, committed, offset, want)
		}
		offset = committed
		stats.Chunks++
		stats.Appends++
		Report(t.progress, StageUploading, path, offset, total)
	}

	last := buf[:total-offset]
	if err := readChunk(r, last, offset, total); err != nil {
		return Stats{}, err
	}
	if err := expectEOF(r, total); err != nil {
		return Stats{}, err
	}
	if sent := offset + int64(len(last)); sent != total {
		return Stats{}, sizeMismatch(sent, total)
	}

	commit := remote.Commit{Path: path, Overwrite: t.overwrite}
	if err := t.store.SessionFinish(ctx, id, offset, last, commit); err != nil {
		return Stats{}, fmt.Errorf("finish upload session: %w", err)
	}
	stats.Chunks++
	stats.Bytes = total
	Report(t.progress, StageUploading, path, total, total)
	t.log().Debug("upload session finished", "path", path, "session", id, "chunks", stats.Chunks)
	return stats, nil
}

// readChunk fills p from r. A short read means the reader holds fewer bytes
// than declared.
func readChunk(r io.Reader, p []byte, offset, total int64) error {
	n, err := io.ReadFull(r, p)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return sizeMismatch(offset+int64(n), total)
	}
	if err != nil {
		return fmt.Errorf("read upload source at offset %d: %w", offset, err)
	}
	return nil
}

// expectEOF fails if r holds any byte past total.
func expectEOF(r io.Reader, total int64) error {
	var probe [1]byte
	n, err := io.ReadFull(r, probe[:])
	if n > 0 {
		return fmt.Errorf("%w: source holds more than %d bytes", ErrSizeMismatch, total)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read upload source: %w", err)
	}
	return nil
}

func sizeMismatch(got, want int64) error {
	return fmt.Errorf("%w: read %d bytes, declared %d", ErrSizeMismatch, got, want)
}
