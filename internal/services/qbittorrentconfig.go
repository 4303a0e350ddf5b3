package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// qbittorrentConfigRelPath is where the linuxserver qBittorrent image
// keeps its on-disk preferences file, relative to the container's
// mounted /config volume.
const qbittorrentConfigRelPath = "qBittorrent/qBittorrent.conf"

const preferencesSection = "[Preferences]"

func (c *QbittorrentClient) configPath() string {
	return filepath.Join(c.Config.Paths.Appdata, qbittorrentSubsystem, qbittorrentConfigRelPath)
}

// repairCredentialsOnDisk implements the torrent client's disk-level
// credential repair path: it rewrites the Web UI username and a
// PBKDF2-HMAC-SHA512 hash of the desired password directly into
// qBittorrent's own config file, the same file the service itself
// reads and writes, so the next container start accepts the
// credentials the orchestrator expects.
func repairCredentialsOnDisk(path, username, password string) error {
	hash, salt, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	lines, err := readConfigLines(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	lines = setPreference(lines, `WebUI\Username`, username)
	lines = setPreference(lines, `WebUI\Password_PBKDF2`, fmt.Sprintf(`"@ByteArray(%s:%s)"`, salt, hash))

	if err := writeConfigLines(path, lines); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// readConfigLines reads an existing qBittorrent.conf, or returns a
// fresh single-section skeleton if none exists yet (a container that
// has never started has no config file to repair).
func readConfigLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{preferencesSection}, nil
		}
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

// setPreference sets key=value within the [Preferences] section,
// replacing the line if the key already exists, appending it to the
// section if not, and creating the section if the file lacked one.
func setPreference(lines []string, key, value string) []string {
	prefixed := key + "="
	sectionStart := -1
	sectionEnd := len(lines)

	for i, line := range lines {
		if strings.TrimSpace(line) == preferencesSection {
			sectionStart = i
			continue
		}
		if sectionStart >= 0 && strings.HasPrefix(strings.TrimSpace(line), "[") {
			sectionEnd = i
			break
		}
	}

	if sectionStart < 0 {
		lines = append(lines, preferencesSection, prefixed+value)
		return lines
	}

	for i := sectionStart + 1; i < sectionEnd; i++ {
		if strings.HasPrefix(lines[i], prefixed) {
			lines[i] = prefixed + value
			return lines
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:sectionEnd]...)
	out = append(out, prefixed+value)
	out = append(out, lines[sectionEnd:]...)
	return out
}

// writeConfigLines persists lines back to path via a temp-file-then-
// rename sequence, creating the parent directory if the container has
// never started and left nothing behind yet.
func writeConfigLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-qbittorrent-conf-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	content := strings.Join(lines, "\n") + "\n"
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}
