package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/archivesync/archive"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range append([]string{configEnvKey, dropboxTokenEnvKey, ociPasswordEnvKey, masterPathEnvKey}, legacyTokenEnvKeys...) {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archivesync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, BackendDropbox, cfg.Backend)
	assert.Equal(t, DefaultMasterPath, cfg.MasterPath)
	assert.True(t, cfg.Overwrite)
	assert.True(t, cfg.VerifyIdentity)

	chunk, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(8<<20), chunk)

	threshold, err := cfg.ThresholdBytes()
	require.NoError(t, err)
	assert.Equal(t, chunk, threshold)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
backend = "oci"
master_path = "/masters/apps.tar.zst"
artifact_dir = "dist"
patterns = ["*.tgz"]
recursive = true
chunk_size = "4 MiB"
threshold = "1MB"
overwrite = false
log_level = "warn"

[oci]
repository = "ghcr.io/acme/masters"
username = "ci"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendOCI, cfg.Backend)
	assert.Equal(t, "/masters/apps.tar.zst", cfg.MasterPath)
	assert.Equal(t, []string{"*.tgz"}, cfg.Patterns)
	assert.True(t, cfg.Recursive)
	assert.False(t, cfg.Overwrite)
	assert.True(t, cfg.VerifyIdentity, "unset keys keep defaults")
	assert.Equal(t, "ghcr.io/acme/masters", cfg.OCI.Repository)
	assert.Equal(t, path, cfg.Path)

	chunk, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), chunk)

	threshold, err := cfg.ThresholdBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), threshold)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `backend = "file"`)
	t.Setenv(configEnvKey, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, path, cfg.Path)
}

func TestLoadMissing(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	cfg, err := Load("")
	require.NoError(t, err, "the default file is optional")
	assert.Empty(t, cfg.Path)
}

func TestLoadInvalidTOML(t *testing.T) {
	clearEnv(t)

	_, err := Load(writeConfig(t, `backend = `))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestTokenEnvPrecedence(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "none", want: "from-file"},
		{name: "legacy access", env: map[string]string{"DROPBOX_ACCESS": "legacy"}, want: "legacy"},
		{name: "legacy token wins over access", env: map[string]string{"DROPBOX_ACCESS": "a", "DROPBOX_ACCESS_TOKEN": "b"}, want: "b"},
		{name: "own variable wins", env: map[string]string{"DROPBOX_ACCESS_TOKEN": "b", dropboxTokenEnvKey: "c"}, want: "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(writeConfig(t, "[dropbox]\ntoken = \"from-file\"\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Dropbox.Token)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(ociPasswordEnvKey, "hunter2")
	t.Setenv(masterPathEnvKey, "/override.tar")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.OCI.Password)
	assert.Equal(t, "/override.tar", cfg.MasterPath)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "dropbox ok", mutate: func(c *Config) { c.Dropbox.Token = "t" }},
		{name: "dropbox token missing", mutate: func(*Config) {}, wantErr: "dropbox token missing"},
		{name: "relative master", mutate: func(c *Config) { c.Dropbox.Token = "t"; c.MasterPath = "master.tar" }, wantErr: "must be absolute"},
		{name: "zero chunk", mutate: func(c *Config) { c.Dropbox.Token = "t"; c.ChunkSize = "0" }, wantErr: "chunk_size must be positive"},
		{name: "zero threshold ok", mutate: func(c *Config) { c.Dropbox.Token = "t"; c.Threshold = "0" }},
		{name: "bad size", mutate: func(c *Config) { c.Dropbox.Token = "t"; c.Threshold = "lots" }, wantErr: "threshold"},
		{name: "bad compression", mutate: func(c *Config) { c.Dropbox.Token = "t"; c.Compression = "lzma" }, wantErr: "compression"},
		{name: "bad pattern", mutate: func(c *Config) { c.Dropbox.Token = "t"; c.Patterns = []string{"["} }, wantErr: "pattern"},
		{name: "oci repository missing", mutate: func(c *Config) { c.Backend = BackendOCI }, wantErr: "oci.repository"},
		{name: "oci password without user", mutate: func(c *Config) {
			c.Backend = BackendOCI
			c.OCI.Repository = "localhost:5000/m"
			c.OCI.Password = "p"
		}, wantErr: "oci.username"},
		{name: "file root missing", mutate: func(c *Config) { c.Backend = BackendFile }, wantErr: "file.root"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "s3" }, wantErr: "unknown backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCompressionOverride(t *testing.T) {
	t.Parallel()

	cfg := Default()
	_, ok, err := cfg.CompressionOverride()
	require.NoError(t, err)
	assert.False(t, ok)

	cfg.Compression = "zstd"
	c, ok, err := cfg.CompressionOverride()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, archive.CompressionZstd, c)
}

func TestGet(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Dropbox.Token = "secret"
	for _, key := range Keys() {
		_, err := cfg.Get(key)
		require.NoError(t, err, key)
	}

	token, err := cfg.Get("dropbox.token")
	require.NoError(t, err)
	assert.NotContains(t, token, "secret")

	_, err = cfg.Get("nope")
	require.Error(t, err)
}
