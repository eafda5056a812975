package archivesync

import "github.com/meigma/archivesync/transport"

// Re-export progress types from transport package.
type (
	// ProgressEvent represents a progress update during fetch, merge, or upload.
	ProgressEvent = transport.ProgressEvent

	// ProgressStage identifies the current phase of a run.
	ProgressStage = transport.ProgressStage

	// ProgressFunc receives progress updates during a run.
	ProgressFunc = transport.ProgressFunc
)

// Re-export progress stage constants.
const (
	// StageFetching indicates the master is being downloaded.
	StageFetching = transport.StageFetching

	// StageMerging indicates the artifact is being written into the rebuilt master.
	StageMerging = transport.StageMerging

	// StageUploading indicates the rebuilt master is being uploaded.
	StageUploading = transport.StageUploading
)
