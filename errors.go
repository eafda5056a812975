package archivesync

import (
	"errors"
	"fmt"

	"github.com/meigma/archivesync/archive"
	"github.com/meigma/archivesync/artifact"
	"github.com/meigma/archivesync/remote"
	"github.com/meigma/archivesync/transport"
)

// Errors re-exported from remote.
var (
	// ErrNotFound is returned when no master exists at the remote path.
	ErrNotFound = remote.ErrNotFound

	// ErrAuth is returned when the store credential is missing or invalid.
	ErrAuth = remote.ErrAuth

	// ErrAPI is returned for remote-side failures.
	ErrAPI = remote.ErrAPI

	// ErrOffsetMismatch is returned when an upload session loses sync.
	ErrOffsetMismatch = remote.ErrOffsetMismatch
)

// Errors re-exported from archive, artifact, and transport.
var (
	// ErrCorruptArchive is returned when the existing master cannot be read.
	ErrCorruptArchive = archive.ErrCorruptArchive

	// ErrSourceUnavailable is returned when the artifact cannot be read.
	ErrSourceUnavailable = archive.ErrSourceUnavailable

	// ErrInvalidName is returned when an entry name is unusable.
	ErrInvalidName = archive.ErrInvalidName

	// ErrNoArtifact is returned when no file in the artifact directory matches.
	ErrNoArtifact = artifact.ErrNoArtifact

	// ErrSizeMismatch is returned when the bytes sent differ from the
	// announced size.
	ErrSizeMismatch = transport.ErrSizeMismatch
)

// ErrNoArtifactDir is returned by Run when the Config has no ArtifactDir.
var ErrNoArtifactDir = errors.New("archivesync: no artifact directory configured")

// StageError reports which stage of a run failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// Kind classifies a run failure.
type Kind uint8

// Failure kinds, checked in this order by KindOf.
const (
	KindUnknown Kind = iota
	KindNotFound
	KindAuth
	KindAPI
	KindOffsetMismatch
	KindCorruptArchive
	KindSourceUnavailable
	KindSizeMismatch
)

// String returns a stable lowercase name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindAPI:
		return "api"
	case KindOffsetMismatch:
		return "offset_mismatch"
	case KindCorruptArchive:
		return "corrupt_archive"
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindSizeMismatch:
		return "size_mismatch"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err. A missing artifact counts as an
// unavailable source.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrOffsetMismatch):
		return KindOffsetMismatch
	case errors.Is(err, ErrSizeMismatch):
		return KindSizeMismatch
	case errors.Is(err, ErrCorruptArchive):
		return KindCorruptArchive
	case errors.Is(err, ErrSourceUnavailable), errors.Is(err, ErrNoArtifact):
		return KindSourceUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrAPI):
		return KindAPI
	default:
		return KindUnknown
	}
}
