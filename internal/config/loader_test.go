package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootDir_FromEnv(t *testing.T) {
	t.Setenv(envRoot, "/var/lib/orchestrator")
	assert.Equal(t, "/var/lib/orchestrator", RootDir())
}

func TestRootDir_DefaultsToCwd(t *testing.T) {
	os.Unsetenv(envRoot)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, RootDir())
}

func TestDebugEnabled(t *testing.T) {
	for _, tt := range []struct {
		val  string
		want bool
	}{
		{"", false},
		{"0", false},
		{"false", false},
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"yes", true},
	} {
		t.Setenv(envDebug, tt.val)
		assert.Equal(t, tt.want, DebugEnabled(), "DEBUG=%q", tt.val)
	}
}

func TestPipelineInterval_DefaultAndOverride(t *testing.T) {
	os.Unsetenv(envPipelineInterval)
	assert.Equal(t, defaultPipelineIntervalSeconds, PipelineInterval())

	t.Setenv(envPipelineInterval, "90")
	assert.Equal(t, 90, PipelineInterval())

	t.Setenv(envPipelineInterval, "not-a-number")
	assert.Equal(t, defaultPipelineIntervalSeconds, PipelineInterval())
}

func TestApplyPathOverrides(t *testing.T) {
	t.Setenv(envPathPool, "/mnt/pool")
	t.Setenv(envPathScratch, "/mnt/scratch")
	t.Setenv(envPathAppdata, "/mnt/appdata")

	cfg := DefaultConfig()
	cfg.Paths.Pool = "/original/pool"
	ApplyPathOverrides(&cfg)

	assert.Equal(t, "/mnt/pool", cfg.Paths.Pool)
	assert.Equal(t, "/mnt/scratch", cfg.Paths.Scratch)
	assert.Equal(t, "/mnt/appdata", cfg.Paths.Appdata)
}

func TestLoad_WritesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envRoot, dir)

	cfg, store, err := Load()
	require.NoError(t, err)
	require.NotNil(t, store)
	assert.Equal(t, CurrentVersion, cfg.Version)

	loaded, existed, err := store.LoadConfig()
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, cfg.Version, loaded.Version)
}

func TestResolvePasswordFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/qbittorrent_password", []byte("s3cret\n"), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, ResolvePasswordFile(&cfg, dir))
	assert.Equal(t, "s3cret", cfg.Services.Qbittorrent.Password)
}

func TestResolvePasswordFile_SkipsWhenAlreadySet(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Services.Qbittorrent.Password = "already-set"

	require.NoError(t, ResolvePasswordFile(&cfg, dir))
	assert.Equal(t, "already-set", cfg.Services.Qbittorrent.Password)
}
