// Package archivesync merges build artifacts into a master archive kept on a
// remote object store.
//
// A run picks the newest artifact from a directory, downloads the current
// master (or starts an empty one), rebuilds it with exactly one entry per
// name, and uploads the result. Small masters go up in a single request,
// large ones through a chunked upload session that only becomes visible when
// it is finished. Every run works on scratch copies, so a failed run leaves
// the remote master untouched and can simply be repeated.
//
// # Quick Start
//
// Sync the newest *.tar.gz in ./dist into a master on Dropbox:
//
//	store, err := dropbox.New(os.Getenv("ARCHIVESYNC_DROPBOX_TOKEN"))
//	if err != nil {
//	    return err
//	}
//	s, err := archivesync.New(store, archivesync.Config{
//	    MasterPath:  "/Bots_V3_splunkapps.tar",
//	    ArtifactDir: "./dist",
//	})
//	if err != nil {
//	    return err
//	}
//	report, err := s.Run(ctx)
//
// # Backends
//
// Any [remote.Store] can hold the master. The module ships Dropbox
// ([github.com/meigma/archivesync/remote/dropbox]), OCI registries
// ([github.com/meigma/archivesync/remote/oci]), and a plain directory
// ([github.com/meigma/archivesync/remote/fsstore]).
//
// # Errors
//
// Failures are returned as [*StageError] naming the stage that failed.
// Use [KindOf] or errors.Is with the re-exported sentinels to branch on the
// cause.
package archivesync
