// Package config loads the archivesync configuration from a TOML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/meigma/archivesync/archive"
)

const (
	DefaultFileName    = ".archivesync.toml"
	DefaultBackend     = BackendDropbox
	DefaultMasterPath  = "/Bots_V3_splunkapps.tar"
	DefaultArtifactDir = "."
	DefaultChunkSize   = "8MiB"
	DefaultThreshold   = "8MiB"
	DefaultLogLevel    = "info"

	configEnvKey       = "ARCHIVESYNC_CONFIG"
	dropboxTokenEnvKey = "ARCHIVESYNC_DROPBOX_TOKEN"
	ociPasswordEnvKey  = "ARCHIVESYNC_OCI_PASSWORD"
	masterPathEnvKey   = "ARCHIVESYNC_MASTER_PATH"
)

// Legacy token variables, checked after
// ARCHIVESYNC_DROPBOX_TOKEN.
var legacyTokenEnvKeys = []string{"DROPBOX_ACCESS_TOKEN", "DROPBOX_ACCESS"}

// Backend names.
const (
	BackendDropbox = "dropbox"
	BackendOCI     = "oci"
	BackendFile    = "file"
)

// DropboxConfig configures the Dropbox backend.
type DropboxConfig struct {
	Token      string `toml:"token"`
	APIURL     string `toml:"api_url"`
	ContentURL string `toml:"content_url"`
}

// OCIConfig configures the OCI registry backend.
type OCIConfig struct {
	Repository   string `toml:"repository"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	Token        string `toml:"token"`
	DockerConfig bool   `toml:"docker_config"`
	PlainHTTP    bool   `toml:"plain_http"`
}

// FileConfig configures the local directory backend.
type FileConfig struct {
	Root string `toml:"root"`
}

// Config defines runtime configuration for archivesync.
type Config struct {
	Backend        string   `toml:"backend"`
	MasterPath     string   `toml:"master_path"`
	ArtifactDir    string   `toml:"artifact_dir"`
	Patterns       []string `toml:"patterns"`
	Exclude        []string `toml:"exclude"`
	Recursive      bool     `toml:"recursive"`
	VerifyGzip     bool     `toml:"verify_gzip"`
	LocalMaster    string   `toml:"local_master"`
	ScratchDir     string   `toml:"scratch_dir"`
	ChunkSize      string   `toml:"chunk_size"`
	Threshold      string   `toml:"threshold"`
	Overwrite      bool     `toml:"overwrite"`
	VerifyIdentity bool     `toml:"verify_identity"`
	Compression    string   `toml:"compression"`
	LogLevel       string   `toml:"log_level"`
	LogFile        string   `toml:"log_file"`

	Dropbox DropboxConfig `toml:"dropbox"`
	OCI     OCIConfig     `toml:"oci"`
	File    FileConfig    `toml:"file"`

	// Path is the file the config was loaded from, if any.
	Path string `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		Backend:        DefaultBackend,
		MasterPath:     DefaultMasterPath,
		ArtifactDir:    DefaultArtifactDir,
		ChunkSize:      DefaultChunkSize,
		Threshold:      DefaultThreshold,
		Overwrite:      true,
		VerifyIdentity: true,
		Compression:    "auto",
		LogLevel:       DefaultLogLevel,
	}
}

// Load reads the config file and applies environment overrides.
//
// The file is path if non-empty, else $ARCHIVESYNC_CONFIG, else
// ./.archivesync.toml. An explicitly named file must exist; the default
// file is optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = strings.TrimSpace(os.Getenv(configEnvKey))
	}
	if path == "" {
		explicit = false
		path = DefaultFileName
	}

	loaded, err := loadFileIfExists(path, &cfg)
	if err != nil {
		return nil, err
	}
	if !loaded && explicit {
		return nil, fmt.Errorf("config file %s not found", path)
	}
	if loaded {
		if abs, err := filepath.Abs(path); err == nil {
			cfg.Path = abs
		} else {
			cfg.Path = path
		}
	}

	cfg.applyEnv()
	return &cfg, nil
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func (c *Config) applyEnv() {
	if token := firstEnv(append([]string{dropboxTokenEnvKey}, legacyTokenEnvKeys...)...); token != "" {
		c.Dropbox.Token = token
	}
	if password := os.Getenv(ociPasswordEnvKey); password != "" {
		c.OCI.Password = password
	}
	if masterPath := strings.TrimSpace(os.Getenv(masterPathEnvKey)); masterPath != "" {
		c.MasterPath = masterPath
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

// ChunkSizeBytes returns the parsed upload chunk size.
func (c *Config) ChunkSizeBytes() (int64, error) {
	return parseSize("chunk_size", c.ChunkSize, false)
}

// ThresholdBytes returns the parsed single-request upload threshold.
func (c *Config) ThresholdBytes() (int64, error) {
	return parseSize("threshold", c.Threshold, true)
}

// CompressionOverride returns the configured master compression. ok is false
// when the compression is derived from the master path.
func (c *Config) CompressionOverride() (archive.Compression, bool, error) {
	comp, ok, err := archive.ParseCompression(c.Compression)
	if err != nil {
		return 0, false, fmt.Errorf("compression: %w", err)
	}
	return comp, ok, nil
}

func parseSize(key, raw string, allowZero bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s must be set", key)
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("%s: %s is too large", key, raw)
	}
	if n == 0 && !allowZero {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return int64(n), nil
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.MasterPath, "/") {
		errs = append(errs, fmt.Errorf("master_path %q must be absolute", c.MasterPath))
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ThresholdBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.CompressionOverride(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range append(append([]string(nil), c.Patterns...), c.Exclude...) {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", p, err))
		}
	}

	switch c.Backend {
	case BackendDropbox:
		if c.Dropbox.Token == "" {
			errs = append(errs, fmt.Errorf("dropbox token missing: set %s or dropbox.token", dropboxTokenEnvKey))
		}
	case BackendOCI:
		if c.OCI.Repository == "" {
			errs = append(errs, errors.New("oci.repository must be set"))
		}
		if c.OCI.Password != "" && c.OCI.Username == "" {
			errs = append(errs, errors.New("oci.username must be set with a password"))
		}
	case BackendFile:
		if c.File.Root == "" {
			errs = append(errs, errors.New("file.root must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s, %s or %s)",
			c.Backend, BackendDropbox, BackendOCI, BackendFile))
	}

	return errors.Join(errs...)
}

var keys = []string{
	"backend",
	"master_path",
	"artifact_dir",
	"patterns",
	"recursive",
	"local_master",
	"chunk_size",
	"threshold",
	"overwrite",
	"verify_identity",
	"compression",
	"log_level",
	"log_file",
	"dropbox.token",
	"oci.repository",
	"oci.password",
	"file.root",
}

// Keys returns the config keys accepted by Get, in display order.
func Keys() []string {
	return append([]string(nil), keys...)
}

// Get returns the value of a config key as it would be written in the file.
// Secrets are redacted.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "backend":
		return c.Backend, nil
	case "master_path":
		return c.MasterPath, nil
	case "artifact_dir":
		return c.ArtifactDir, nil
	case "patterns":
		return strings.Join(c.Patterns, ","), nil
	case "recursive":
		return strconv.FormatBool(c.Recursive), nil
	case "local_master":
		return c.LocalMaster, nil
	case "chunk_size":
		return c.ChunkSize, nil
	case "threshold":
		return c.Threshold, nil
	case "overwrite":
		return strconv.FormatBool(c.Overwrite), nil
	case "verify_identity":
		return strconv.FormatBool(c.VerifyIdentity), nil
	case "compression":
		return c.Compression, nil
	case "log_level":
		return c.LogLevel, nil
	case "log_file":
		return c.LogFile, nil
	case "dropbox.token":
		return redact(c.Dropbox.Token), nil
	case "oci.repository":
		return c.OCI.Repository, nil
	case "oci.password":
		return redact(c.OCI.Password), nil
	case "file.root":
		return c.File.Root, nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
