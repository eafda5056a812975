package transport

import "io"

// ProgressEvent represents a progress update during a fetch, merge, or upload.
type ProgressEvent struct {
	// Stage identifies the current phase of the run.
	Stage ProgressStage

	// Path is the remote path or entry name being processed, if applicable.
	Path string

	// BytesDone is the number of bytes completed in the current stage.
	BytesDone uint64

	// BytesTotal is the total bytes for the current stage.
	// Zero indicates the total is unknown.
	BytesTotal uint64
}

// ProgressStage identifies the current phase of a run.
type ProgressStage uint8

// Progress stages.
const (
	// StageFetching indicates the master archive is being downloaded.
	StageFetching ProgressStage = iota

	// StageMerging indicates the archive is being rebuilt.
	StageMerging

	// StageUploading indicates the rebuilt archive is being uploaded.
	StageUploading
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageFetching:
		return "fetching"
	case StageMerging:
		return "merging"
	case StageUploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates. Runs are sequential, so calls
// never overlap.
type ProgressFunc func(ProgressEvent)

// Report sends a progress event if fn is non-nil.
func Report(fn ProgressFunc, stage ProgressStage, path string, done, total int64) {
	if fn == nil {
		return
	}
	fn(ProgressEvent{
		Stage:      stage,
		Path:       path,
		BytesDone:  sizeToUint64(done),
		BytesTotal: sizeToUint64(total),
	})
}

// ProgressReader wraps a reader and reports cumulative bytes read.
type ProgressReader struct {
	r     io.Reader
	fn    ProgressFunc
	stage ProgressStage
	path  string
	done  int64
	total int64
}

// NewProgressReader returns a reader reporting stage progress to fn as r is
// consumed. A total of zero means unknown.
func NewProgressReader(r io.Reader, fn ProgressFunc, stage ProgressStage, path string, total int64) *ProgressReader {
	return &ProgressReader{r: r, fn: fn, stage: stage, path: path, total: total}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		Report(p.fn, p.stage, p.path, p.done, p.total)
	}
	return n, err
}

// N returns the number of bytes read so far.
func (p *ProgressReader) N() int64 {
	return p.done
}

func sizeToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
