package apply

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"orchestrator/internal/config"
)

const defaultProxyHostname = "nas-orchestrator.local"

var execCommand = exec.Command

type certMetadata struct {
	Hostnames []string `json:"hostnames"`
}

// ensureTraefikAssets generates a self-signed certificate and static TLS
// config for Traefik, grounded on
// original_source/orchestrator/proxy.py's ensure_traefik_assets. It is a
// no-op when the proxy or its HTTPS port is disabled, and regenerates
// the certificate only when the configured hostname set changed.
func ensureTraefikAssets(cfg config.StackConfig) (changed bool, detail string) {
	if !cfg.Proxy.Enabled {
		return false, "skipped (proxy disabled)"
	}
	if cfg.Proxy.HTTPSPort == 0 {
		return false, "skipped (https disabled)"
	}

	traefikDir := filepath.Join(cfg.Paths.Appdata, "traefik")
	certsDir := filepath.Join(traefikDir, "certs")
	if err := os.MkdirAll(certsDir, 0o775); err != nil {
		return false, fmt.Sprintf("failed to create %s: %v", certsDir, err)
	}

	certPath := filepath.Join(certsDir, "local.crt")
	keyPath := filepath.Join(certsDir, "local.key")
	metadataPath := filepath.Join(certsDir, "metadata.json")
	tlsConfigPath := filepath.Join(traefikDir, "tls.yml")

	hostnames := collectProxyHostnames(cfg)

	certChanged, err := ensureSelfSignedCert(certPath, keyPath, metadataPath, hostnames)
	if err != nil {
		return false, err.Error()
	}
	tlsChanged, err := ensureTLSConfig(tlsConfigPath)
	if err != nil {
		return false, err.Error()
	}

	return certChanged || tlsChanged, fmt.Sprintf("tls assets ready (%s)", strings.Join(hostnames, ", "))
}

func collectProxyHostnames(cfg config.StackConfig) []string {
	candidates := []string{
		cfg.Services.Qbittorrent.ProxyURL,
		cfg.Services.Radarr.ProxyURL,
		cfg.Services.Sonarr.ProxyURL,
		cfg.Services.Prowlarr.ProxyURL,
		cfg.Services.Jellyseerr.ProxyURL,
		cfg.Services.Jellyfin.ProxyURL,
	}
	set := map[string]bool{}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = true
		}
	}
	if len(set) == 0 {
		return []string{defaultProxyHostname}
	}
	hostnames := make([]string, 0, len(set))
	for h := range set {
		hostnames = append(hostnames, h)
	}
	sort.Strings(hostnames)
	return hostnames
}

func ensureSelfSignedCert(certPath, keyPath, metadataPath string, hostnames []string) (bool, error) {
	if certExists(certPath) && certExists(keyPath) && certExists(metadataPath) {
		raw, err := os.ReadFile(metadataPath)
		if err == nil {
			var current certMetadata
			if json.Unmarshal(raw, &current) == nil && equalStrings(current.Hostnames, hostnames) {
				return false, nil
			}
		}
	}

	openssl, err := exec.LookPath("openssl")
	if err != nil {
		return false, fmt.Errorf("openssl binary not found; required for self-signed cert generation")
	}

	sanParts := make([]string, len(hostnames))
	for i, h := range hostnames {
		sanParts[i] = "DNS:" + h
	}

	cmd := execCommand(openssl,
		"req", "-x509", "-newkey", "rsa:4096", "-sha256", "-days", "825", "-nodes",
		"-keyout", keyPath,
		"-out", certPath,
		"-subj", "/CN="+hostnames[0],
		"-addext", "subjectAltName="+strings.Join(sanParts, ","),
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return false, fmt.Errorf("openssl failed (%s)", detail)
	}

	metadata, _ := json.MarshalIndent(certMetadata{Hostnames: hostnames}, "", "  ")
	if err := os.WriteFile(metadataPath, metadata, 0o664); err != nil {
		return false, err
	}
	return true, nil
}

const traefikTLSConfig = "tls:\n" +
	"  certificates:\n" +
	"    - certFile: /config/certs/local.crt\n" +
	"      keyFile: /config/certs/local.key\n" +
	"  stores:\n" +
	"    default:\n" +
	"      defaultCertificate:\n" +
	"        certFile: /config/certs/local.crt\n" +
	"        keyFile: /config/certs/local.key\n"

func ensureTLSConfig(path string) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && string(existing) == traefikTLSConfig {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(traefikTLSConfig), 0o664); err != nil {
		return false, err
	}
	return true, nil
}

func certExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
