package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meigma/archivesync"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		dir          string
		master       string
		recursive    bool
		allowMissing bool
		noVerify     bool
		progress     bool
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "sync [artifact]",
		Short: "Merge the newest artifact (or the given file) into the master",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				a.cfg.ArtifactDir = dir
			}
			if master != "" {
				a.cfg.MasterPath = master
			}
			if cmd.Flags().Changed("recursive") {
				a.cfg.Recursive = recursive
			}
			if noVerify {
				a.cfg.VerifyIdentity = false
			}

			var extra []archivesync.Option
			if progress {
				extra = append(extra, archivesync.WithProgress(newProgressPrinter(a.stderr)))
			}
			s, err := a.newSyncer(extra...)
			if err != nil {
				return err
			}

			var report *archivesync.Report
			if len(args) == 1 {
				report, err = s.SyncFile(cmd.Context(), args[0])
			} else {
				report, err = s.Run(cmd.Context())
			}
			if errors.Is(err, archivesync.ErrNoArtifact) && allowMissing {
				a.logger.Warn("no artifact to sync", "dir", a.cfg.ArtifactDir)
				fmt.Fprintln(a.stdout, "nothing to sync")
				return nil
			}
			if err != nil {
				a.logger.Error("sync failed", "error", err, "kind", archivesync.KindOf(err).String())
				return err
			}

			if jsonOutput {
				return writeReportJSON(a.stdout, report)
			}
			writeReport(a.stdout, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "artifact directory (overrides artifact_dir)")
	cmd.Flags().StringVar(&master, "master", "", "remote master path (overrides master_path)")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "search subdirectories for artifacts")
	cmd.Flags().BoolVar(&allowMissing, "allow-missing", false, "exit successfully when no artifact matches")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip the identity check before syncing")
	cmd.Flags().BoolVar(&progress, "progress", false, "print transfer progress to stderr")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the run report as JSON")
	return cmd
}

func writeReport(w io.Writer, r *archivesync.Report) {
	action := "updated"
	if r.Created {
		action = "created"
	}
	fmt.Fprintf(w, "%s %s with %s\n", action, r.MasterPath, r.Artifact.Name)
	fmt.Fprintf(w, "  artifact:  %s (%s)\n", r.Artifact.Path, humanize.IBytes(uint64(r.Artifact.Size))) //nolint:gosec // sizes are non-negative
	fmt.Fprintf(w, "  entries:   %d (replaced: %t, duplicates dropped: %d)\n", r.Entries, r.Replaced, r.Dropped)
	fmt.Fprintf(w, "  master:    %s %s\n", humanize.IBytes(uint64(r.Size)), r.Digest) //nolint:gosec // sizes are non-negative
	fmt.Fprintf(w, "  transfer:  %s, %d chunk(s)\n", r.Transfer.Mode, r.Transfer.Chunks)
	if id := r.Identity.String(); id != "" {
		fmt.Fprintf(w, "  account:   %s\n", id)
	}
	if r.LocalMaster != "" {
		fmt.Fprintf(w, "  local:     %s\n", r.LocalMaster)
	}
}

type reportJSON struct {
	MasterPath  string `json:"master_path"`
	Artifact    string `json:"artifact"`
	Entry       string `json:"entry"`
	Created     bool   `json:"created"`
	Replaced    bool   `json:"replaced"`
	Entries     int    `json:"entries"`
	Dropped     int    `json:"dropped"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest"`
	Mode        string `json:"mode"`
	Chunks      int64  `json:"chunks"`
	Account     string `json:"account,omitempty"`
	LocalMaster string `json:"local_master,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

func writeReportJSON(w io.Writer, r *archivesync.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reportJSON{
		MasterPath:  r.MasterPath,
		Artifact:    r.Artifact.Path,
		Entry:       r.Artifact.Name,
		Created:     r.Created,
		Replaced:    r.Replaced,
		Entries:     r.Entries,
		Dropped:     r.Dropped,
		Size:        r.Size,
		Digest:      r.Digest.String(),
		Mode:        r.Transfer.Mode.String(),
		Chunks:      r.Transfer.Chunks,
		Account:     r.Identity.String(),
		LocalMaster: r.LocalMaster,
		DurationMS:  r.Duration.Milliseconds(),
	})
}

// newProgressPrinter prints one line per progress event that moves a stage
// forward by at least a tenth, plus the final event.
func newProgressPrinter(w io.Writer) archivesync.ProgressFunc {
	var (
		mu   sync.Mutex
		last = map[archivesync.ProgressStage]uint64{}
	)
	return func(ev archivesync.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.BytesTotal == 0 {
			return
		}
		done := ev.BytesDone == ev.BytesTotal
		if !done && ev.BytesDone-last[ev.Stage] < ev.BytesTotal/10 {
			return
		}
		last[ev.Stage] = ev.BytesDone
		fmt.Fprintf(w, "%s %s: %s / %s\n", ev.Stage, ev.Path,
			humanize.IBytes(ev.BytesDone), humanize.IBytes(ev.BytesTotal))
	}
}
