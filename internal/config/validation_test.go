package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T, pool, appdata string) StackConfig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Paths.Pool = pool
	cfg.Paths.Appdata = appdata
	cfg.Users = []UserEntry{{Username: "admin", Role: RoleOwner}}
	return cfg
}

func TestValidator_Passes(t *testing.T) {
	pool := t.TempDir()
	appdata := t.TempDir()
	cfg := validConfig(t, pool, appdata)

	errs := NewValidator(cfg).Validate()
	assert.Nil(t, errs)
}

func TestValidator_MissingPath(t *testing.T) {
	appdata := t.TempDir()
	cfg := validConfig(t, "/nonexistent/pool/path", appdata)

	errs := NewValidator(cfg).Validate()
	require.NotNil(t, errs)
	found := false
	for _, e := range errs.Errors {
		if e.Check == "paths.pool" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidator_PortConflict(t *testing.T) {
	pool := t.TempDir()
	appdata := t.TempDir()
	cfg := validConfig(t, pool, appdata)
	cfg.Services.Radarr.Port = cfg.Services.Sonarr.Port

	errs := NewValidator(cfg).Validate()
	require.NotNil(t, errs)
	found := false
	for _, e := range errs.Errors {
		if e.Check == "services.radarr.port" || e.Check == "services.sonarr.port" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidator_PortOutOfRange(t *testing.T) {
	pool := t.TempDir()
	appdata := t.TempDir()
	cfg := validConfig(t, pool, appdata)
	cfg.Services.Radarr.Port = 99999

	errs := NewValidator(cfg).Validate()
	require.NotNil(t, errs)
}

func TestValidator_NoOwner(t *testing.T) {
	pool := t.TempDir()
	appdata := t.TempDir()
	cfg := validConfig(t, pool, appdata)
	cfg.Users = []UserEntry{{Username: "admin", Role: RoleViewer}}

	errs := NewValidator(cfg).Validate()
	require.NotNil(t, errs)
	found := false
	for _, e := range errs.Errors {
		if e.Check == "users" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidator_EmptyKeepAudio(t *testing.T) {
	pool := t.TempDir()
	appdata := t.TempDir()
	cfg := validConfig(t, pool, appdata)
	cfg.MediaPolicy.Movies.KeepAudio = nil

	errs := NewValidator(cfg).Validate()
	require.NotNil(t, errs)
}
