package apply

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
)

func init() {
	execCommand = mockExecCommand
}

func mockExecCommand(command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

// TestHelperProcess is not a real test; it is re-exec'd as the mocked
// openssl binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 || filepath.Base(args[0]) != "openssl" {
		os.Exit(1)
	}
	// Simulate writing the cert/key files openssl would produce. The
	// test cases pass -keyout/-out as the two paths following those
	// flags.
	for i, a := range args {
		if a == "-keyout" && i+1 < len(args) {
			os.WriteFile(args[i+1], []byte("fake key"), 0o600)
		}
		if a == "-out" && i+1 < len(args) {
			os.WriteFile(args[i+1], []byte("fake cert"), 0o644)
		}
	}
	os.Exit(0)
}

func TestCollectProxyHostnames_FallsBackToDefaultWhenNoneSet(t *testing.T) {
	cfg := config.DefaultConfig()
	hostnames := collectProxyHostnames(cfg)
	assert.Equal(t, []string{defaultProxyHostname}, hostnames)
}

func TestCollectProxyHostnames_DedupsAndSorts(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Services.Radarr.ProxyURL = "radarr.example.com"
	cfg.Services.Sonarr.ProxyURL = "sonarr.example.com"
	cfg.Services.Jellyfin.ProxyURL = "radarr.example.com"

	hostnames := collectProxyHostnames(cfg)
	assert.Equal(t, []string{"radarr.example.com", "sonarr.example.com"}, hostnames)
}

func TestEnsureTraefikAssets_SkipsWhenProxyDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Proxy.Enabled = false

	changed, detail := ensureTraefikAssets(cfg)
	assert.False(t, changed)
	assert.Contains(t, detail, "skipped")
}

func TestEnsureTraefikAssets_SkipsWhenHTTPSPortZero(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Proxy.Enabled = true
	cfg.Proxy.HTTPSPort = 0

	changed, detail := ensureTraefikAssets(cfg)
	assert.False(t, changed)
	assert.Contains(t, detail, "skipped")
}

func TestEnsureTraefikAssets_GeneratesCertAndTLSConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Proxy.Enabled = true
	cfg.Proxy.HTTPSPort = 8443
	cfg.Paths.Appdata = dir
	cfg.Services.Radarr.ProxyURL = "radarr.example.com"

	changed, _ := ensureTraefikAssets(cfg)
	assert.True(t, changed)

	certPath := filepath.Join(dir, "traefik", "certs", "local.crt")
	keyPath := filepath.Join(dir, "traefik", "certs", "local.key")
	metadataPath := filepath.Join(dir, "traefik", "certs", "metadata.json")
	tlsPath := filepath.Join(dir, "traefik", "tls.yml")

	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)
	assert.FileExists(t, metadataPath)
	assert.FileExists(t, tlsPath)
}

func TestEnsureSelfSignedCert_SkipsRegenerationWhenHostnamesUnchanged(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "local.crt")
	keyPath := filepath.Join(dir, "local.key")
	metadataPath := filepath.Join(dir, "metadata.json")
	hostnames := []string{"nas-orchestrator.local"}

	changed, err := ensureSelfSignedCert(certPath, keyPath, metadataPath, hostnames)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = ensureSelfSignedCert(certPath, keyPath, metadataPath, hostnames)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEnsureSelfSignedCert_RegeneratesWhenHostnamesChange(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "local.crt")
	keyPath := filepath.Join(dir, "local.key")
	metadataPath := filepath.Join(dir, "metadata.json")

	_, err := ensureSelfSignedCert(certPath, keyPath, metadataPath, []string{"a.example.com"})
	require.NoError(t, err)

	changed, err := ensureSelfSignedCert(certPath, keyPath, metadataPath, []string{"b.example.com"})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestEnsureTLSConfig_IdempotentWhenContentUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tls.yml")

	changed, err := ensureTLSConfig(path)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = ensureTLSConfig(path)
	require.NoError(t, err)
	assert.False(t, changed)
}
