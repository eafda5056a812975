package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/meigma/archivesync"
	"github.com/meigma/archivesync/internal/config"
)

// app carries state shared by all commands once the config is loaded.
type app struct {
	configPath string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	stdout io.Writer
	stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "archivesync",
		Short:         "Merge build artifacts into a master archive on a remote store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	cmd.Version = version
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $ARCHIVESYNC_CONFIG or ./.archivesync.toml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		newSyncCmd(a),
		newProbeCmd(a),
		newLsCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return cmd
}

// init loads the config and configures logging.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer, warning, err := newCLILogger(a.logLevel, cfg.LogLevel, cfg.LogFile, a.stderr)
	if err != nil {
		return err
	}
	if warning != "" {
		fmt.Fprintln(a.stderr, warning)
	}
	a.logger = logger
	a.logCloser = closer
	if cfg.Path != "" {
		logger.Debug("config loaded", "path", cfg.Path)
	}
	return nil
}

func (a *app) close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}

// formatCLIError renders err for stderr, naming the failed stage and the
// failure kind when known.
func formatCLIError(err error) []string {
	lines := []string{"error: " + err.Error()}
	var stageErr *archivesync.StageError
	if errors.As(err, &stageErr) {
		if kind := archivesync.KindOf(err); kind != archivesync.KindUnknown {
			lines = append(lines, fmt.Sprintf("kind: %s", kind))
		}
		if hint := guidance(archivesync.KindOf(err)); hint != "" {
			lines = append(lines, "hint: "+hint)
		}
	}
	return lines
}

func guidance(kind archivesync.Kind) string {
	switch kind {
	case archivesync.KindAuth:
		return "check the store credential (ARCHIVESYNC_DROPBOX_TOKEN, oci credentials) and run `archivesync probe`"
	case archivesync.KindSourceUnavailable:
		return "check artifact_dir and patterns, or pass the artifact path explicitly"
	case archivesync.KindCorruptArchive:
		return "the remote master is unreadable; inspect it with `archivesync ls` before retrying"
	case archivesync.KindAPI, archivesync.KindOffsetMismatch:
		return "the remote master was not changed; rerunning is safe"
	default:
		return ""
	}
}
