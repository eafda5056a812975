package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/meigma/archivesync/internal/config"
)

const logLevelEnvKey = "ARCHIVESYNC_LOG_LEVEL"

// newCLILogger builds the command logger. The level comes from the flag, then
// $ARCHIVESYNC_LOG_LEVEL, then the config. An invalid flag is an error; an
// invalid env or config value falls back to the default with a warning.
// With logFile set, records are appended to that file instead of stderr.
func newCLILogger(flagLevel, configLevel, logFile string, stderr io.Writer) (*slog.Logger, io.Closer, string, error) {
	envLevel := os.Getenv(logLevelEnvKey)
	rawLevel, source := selectedLogLevel(flagLevel, envLevel, configLevel)

	var warning string
	level, err := parseLogLevel(rawLevel)
	if err != nil {
		switch source {
		case "flag":
			return nil, nil, "", fmt.Errorf("invalid --log-level %q", flagLevel)
		case "env":
			warning = fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logLevelEnvKey, envLevel, config.DefaultLogLevel)
		case "config":
			warning = fmt.Sprintf("warning: invalid log_level=%q; defaulting to %s", configLevel, config.DefaultLogLevel)
		}
		level, _ = parseLogLevel(config.DefaultLogLevel)
	}

	var (
		out    = stderr
		closer io.Closer
	)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path from operator config
		if err != nil {
			return nil, nil, "", fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, warning, nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, string) {
	if strings.TrimSpace(flagLevel) != "" {
		return flagLevel, "flag"
	}
	if strings.TrimSpace(envLevel) != "" {
		return envLevel, "env"
	}
	if strings.TrimSpace(configLevel) != "" {
		return configLevel, "config"
	}
	return "", "default"
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}

	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
